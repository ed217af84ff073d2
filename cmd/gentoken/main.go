// gentoken mints a bearer token for a demo user id, using the same JWT
// settings as the server (JWT_ISSUER, JWT_SECRET, JWT_TTL).
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"lv-simtrade/internal/auth"

	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatal("usage: gentoken <user-id>")
	}
	_ = godotenv.Load()
	issuer := os.Getenv("JWT_ISSUER")
	secret := os.Getenv("JWT_SECRET")
	if issuer == "" || secret == "" {
		log.Fatal("JWT_ISSUER and JWT_SECRET must be set")
	}
	ttl := 24 * time.Hour
	if raw := os.Getenv("JWT_TTL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatal(err)
		}
		ttl = d
	}
	token, err := auth.NewService(issuer, secret, ttl).IssueToken(os.Args[1])
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
