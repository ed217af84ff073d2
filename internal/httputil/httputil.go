package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"lv-simtrade/internal/apperr"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func ReadJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(dst)
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps apperr kinds onto HTTP status classes; anything else is a 400.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if kind, ok := apperr.KindOf(err); ok {
		switch kind {
		case apperr.KindNotFound:
			status = http.StatusNotFound
		case apperr.KindConflict:
			status = http.StatusConflict
		}
	}
	WriteJSON(w, status, ErrorResponse{Error: err.Error(), Code: apperr.CodeOf(err)})
}
