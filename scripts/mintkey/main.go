// Command mintkey mints an operator key directly against PostgreSQL,
// bypassing the HTTP API. Use it to bootstrap access on a fresh install when
// MOCHI_ADMIN_API_KEY was never set, or to recover a hub whose admin keys
// were all revoked.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/mintkey -operator alice -role owner
//
// The raw key is printed exactly once. Only its Argon2id hash reaches the
// database, so it cannot be displayed again. The schema must already exist
// (the hub runs migrations on startup), and day-to-day keys should be minted
// through POST /api/keys so request metadata lands in the audit log.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	operator := flag.String("operator", "", "operator id the key authenticates (required)")
	roleStr := flag.String("role", "owner", "role granted to the key: owner, admin, operator, or viewer")
	label := flag.String("label", "mintkey bootstrap", "key label shown in listings")
	expires := flag.Duration("expires", 0, "key lifetime, 0 means no expiry")
	flag.Parse()

	if *operator == "" {
		flag.Usage()
		return fmt.Errorf("-operator is required")
	}
	role, err := model.ParseRole(*roleStr)
	if err != nil {
		return err
	}
	if err := model.ValidateKeyLabel(*label); err != nil {
		return err
	}

	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	tablePrefix := os.Getenv("MOCHI_DB_PREFIX")
	if tablePrefix == "" {
		tablePrefix = "mochi_"
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := storage.New(ctx, dbURL, tablePrefix, logger)
	if err != nil {
		return err
	}
	defer db.Close(context.Background())

	rawKey, keyPrefix, err := model.GenerateRawKey()
	if err != nil {
		return err
	}
	hash, err := auth.HashOperatorKey(rawKey)
	if err != nil {
		return err
	}

	key := model.OperatorKey{
		Prefix:     keyPrefix,
		KeyHash:    hash,
		OperatorID: *operator,
		Role:       role,
		Label:      *label,
		CreatedBy:  "mintkey",
	}
	if *expires > 0 {
		t := time.Now().UTC().Add(*expires)
		key.ExpiresAt = &t
	}

	mintedBy := "mintkey"
	audit := model.AuditEntry{
		UserID:    &mintedBy,
		Operation: "key.create",
		OperationData: map[string]any{
			"operatorId": *operator,
			"role":       string(role),
			"label":      *label,
			"via":        "mintkey",
		},
		Result: model.AuditSuccess,
	}

	created, err := db.CreateOperatorKeyWithAudit(ctx, key, audit)
	if err != nil {
		return err
	}

	fmt.Printf("key id:   %s\n", created.ID)
	fmt.Printf("operator: %s (%s)\n", created.OperatorID, created.Role)
	if created.ExpiresAt != nil {
		fmt.Printf("expires:  %s\n", created.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("raw key:  %s\n", rawKey)
	fmt.Println("Store the raw key now; it cannot be shown again.")
	return nil
}
