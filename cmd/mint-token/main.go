// Command mint-token prints a bearer token for local testing of the API.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"pagemeter/internal/middleware"

	"github.com/joho/godotenv"
)

func main() {
	account := flag.String("account", "", "account id to put in the token subject")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if *account == "" || secret == "" {
		fmt.Fprintln(os.Stderr, "usage: JWT_SECRET=... mint-token -account <id> [-ttl 24h]")
		os.Exit(2)
	}

	token, err := middleware.IssueToken(*account, secret, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "signing token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
