package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr        string
	DBDSN           string
	JWTIssuer       string
	JWTSecret       string
	JWTTTL          time.Duration
	InternalToken   string
	AdminKeyHash    string
	WebSocketOrigin string
	DefaultLeverage int
	StopOutLevel    float64
	MarginCallLevel float64
	RiskThrottle    time.Duration
}

func Load() (Config, error) {
	var c Config
	var missing []string
	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		missing = append(missing, "HTTP_ADDR")
	}
	// Empty DB_DSN selects the in-memory store (demo/dev mode).
	c.DBDSN = os.Getenv("DB_DSN")
	c.JWTIssuer = os.Getenv("JWT_ISSUER")
	if c.JWTIssuer == "" {
		missing = append(missing, "JWT_ISSUER")
	}
	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	jwtTTL := os.Getenv("JWT_TTL")
	if jwtTTL == "" {
		c.JWTTTL = 24 * time.Hour
	} else {
		d, err := time.ParseDuration(jwtTTL)
		if err != nil {
			return c, err
		}
		c.JWTTTL = d
	}
	c.InternalToken = os.Getenv("INTERNAL_API_TOKEN")
	if c.InternalToken == "" {
		missing = append(missing, "INTERNAL_API_TOKEN")
	}
	c.AdminKeyHash = os.Getenv("ADMIN_KEY_HASH")
	if c.AdminKeyHash == "" {
		missing = append(missing, "ADMIN_KEY_HASH")
	}
	c.WebSocketOrigin = os.Getenv("WS_ORIGIN")
	if c.WebSocketOrigin == "" {
		missing = append(missing, "WS_ORIGIN")
	}
	var err error
	c.DefaultLeverage, err = intEnv("DEFAULT_LEVERAGE", 400)
	if err != nil {
		return c, err
	}
	if c.DefaultLeverage < 1 {
		return c, errors.New("DEFAULT_LEVERAGE must be >= 1")
	}
	c.StopOutLevel, err = floatEnv("STOP_OUT_LEVEL", 50)
	if err != nil {
		return c, err
	}
	c.MarginCallLevel, err = floatEnv("MARGIN_CALL_LEVEL", 100)
	if err != nil {
		return c, err
	}
	throttleMS, err := intEnv("RISK_THROTTLE_MS", 150)
	if err != nil {
		return c, err
	}
	if throttleMS < 1 {
		return c, errors.New("RISK_THROTTLE_MS must be >= 1")
	}
	c.RiskThrottle = time.Duration(throttleMS) * time.Millisecond
	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	return c, nil
}

func intEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return v, nil
}

func floatEnv(key string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return v, nil
}
