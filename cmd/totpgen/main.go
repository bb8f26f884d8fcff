package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/yingzhisoft/license-server/internal/totp"
)

// totpgen prints the current code for a base32 seed. Handy for smoke tests
// and for operators recovering access to a staging account.
func main() {
	secret := flag.String("secret", "", "Base32 TOTP seed")
	digits := flag.Int("digits", 6, "Code length")
	flag.Parse()

	if *secret == "" {
		log.Fatal("-secret is required")
	}

	v := totp.NewVerifier(30*time.Second, *digits, 1)
	code, err := v.At(*secret, time.Now())
	if err != nil {
		log.Fatalf("totp: %v", err)
	}

	remaining := 30 - time.Now().Unix()%30
	fmt.Printf("%s  (valid for %ds)\n", code, remaining)
}
