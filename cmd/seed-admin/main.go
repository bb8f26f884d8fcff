package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/yingzhisoft/license-server/internal/auth"
	"github.com/yingzhisoft/license-server/internal/data"
	"github.com/yingzhisoft/license-server/internal/vault"
)

// seed-admin bootstraps a fresh install: one admin user and, optionally, a
// demo channel with a sealed HMAC secret. Run once after migrations.
func main() {
	username := flag.String("username", "admin", "Admin username")
	password := flag.String("password", "", "Admin password (required)")
	channelCode := flag.String("channel", "", "Also create this demo channel")
	quotaDaily := flag.Int("quota-daily", 100, "Demo channel daily quota")
	quotaTotal := flag.Int("quota-total", 0, "Demo channel lifetime quota, 0 = unlimited")
	flag.Parse()

	if *password == "" {
		log.Fatal("-password is required")
	}

	dbHost := os.Getenv("DB_HOST")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	if dbHost == "" {
		dbHost = "localhost"
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", dbUser, dbPass, dbHost, dbName)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("hash error: %v", err)
	}
	users := data.AdminUserModel{DB: db}
	u := &data.AdminUser{Username: *username, PasswordHash: hash, Status: "active"}
	if err := users.Create(ctx, u); err != nil {
		log.Fatalf("admin insert failed: %v", err)
	}
	fmt.Printf("admin user %s created (id %s)\n", u.Username, u.ID)

	if *channelCode == "" {
		return
	}

	keyring := vault.NewKeyring()
	if err := keyring.LoadFromEnv(); err != nil {
		log.Fatalf("keyring init error: %v", err)
	}

	apiKey := randomHex(24)
	secret := randomHex(32)
	kid, nonce, cipher, tag, err := keyring.Seal([]byte(secret), []byte("channel:"+*channelCode))
	if err != nil {
		log.Fatalf("seal error: %v", err)
	}

	channels := data.ChannelModel{DB: db}
	ch := &data.Channel{
		ChannelCode:  *channelCode,
		Name:         "Seeded channel " + *channelCode,
		APIKey:       apiKey,
		SecretKID:    kid,
		SecretNonce:  nonce,
		SecretCipher: cipher,
		SecretTag:    tag,
		QuotaDaily:   *quotaDaily,
		QuotaTotal:   *quotaTotal,
		Status:       data.ChannelActive,
	}
	if err := channels.Create(ctx, ch); err != nil {
		log.Fatalf("channel insert failed: %v", err)
	}

	// The plaintext secret is printed once and never stored.
	fmt.Printf("channel %s created\n  api_key: %s\n  secret:  %s\n", *channelCode, apiKey, secret)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("rand: %v", err)
	}
	return hex.EncodeToString(buf)
}
