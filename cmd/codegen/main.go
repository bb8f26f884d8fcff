package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/yingzhisoft/license-server/internal/data"
)

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newCode() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 0, 19)
	for i, b := range buf {
		if i > 0 && i%4 == 0 {
			out = append(out, '-')
		}
		out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
	}
	return string(out), nil
}

// codegen mints a batch of activation codes for a channel straight into the
// database, for bulk runs too large for the admin API.
func main() {
	channel := flag.String("channel", "", "Channel code the batch belongs to")
	count := flag.Int("count", 100, "Number of codes to generate")
	expireDays := flag.Int("expire-days", 0, "Code validity in days, 0 = no expiry")
	flag.Parse()

	if *channel == "" {
		log.Fatal("-channel is required")
	}
	if *count <= 0 || *count > 100000 {
		log.Fatal("-count must be between 1 and 100000")
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
	channels := data.ChannelModel{DB: db}
	if _, err := channels.GetByCode(ctx, *channel); err != nil {
		log.Fatalf("channel %s: %v", *channel, err)
	}

	var expiresAt *time.Time
	if *expireDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, *expireDays)
		expiresAt = &t
	}

	codes := data.CodeModel{DB: db}
	for i := 0; i < *count; i++ {
		code, err := newCode()
		if err != nil {
			log.Fatalf("rand: %v", err)
		}
		c := &data.ActivationCode{
			Code:        code,
			ChannelCode: *channel,
			Status:      data.CodeActive,
			ExpiresAt:   expiresAt,
		}
		if err := codes.Create(ctx, c); err != nil {
			log.Fatalf("insert %s: %v", code, err)
		}
		fmt.Println(code)
	}
	log.Printf("generated %d codes for channel %s", *count, *channel)
}
