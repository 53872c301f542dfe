package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mochi-link/mochi/internal/model"
)

// CreateToken inserts a connector token for a server.
func (db *DB) CreateToken(ctx context.Context, token model.APIToken) (model.APIToken, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.APIToken{}, fmt.Errorf("storage: begin create token tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := db.insertTokenTx(ctx, tx, token); err != nil {
		return model.APIToken{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.APIToken{}, fmt.Errorf("storage: commit create token tx: %w", err)
	}
	return token, nil
}

// RotateTokenWithAudit atomically deletes every existing token for the
// server, inserts the replacement, and records the rotation. Connectors
// holding the old token are cut off at their next reconnect.
func (db *DB) RotateTokenWithAudit(ctx context.Context, token model.APIToken, audit model.AuditEntry) (model.APIToken, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.APIToken{}, fmt.Errorf("storage: begin rotate token tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+db.t.apiTokens+` WHERE server_id = $1`, token.ServerID,
	); err != nil {
		return model.APIToken{}, fmt.Errorf("storage: delete old tokens: %w", err)
	}

	if err := db.insertTokenTx(ctx, tx, token); err != nil {
		return model.APIToken{}, err
	}
	if err := db.InsertAuditTx(ctx, tx, audit); err != nil {
		return model.APIToken{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.APIToken{}, fmt.Errorf("storage: commit rotate token tx: %w", err)
	}
	return token, nil
}

func (db *DB) insertTokenTx(ctx context.Context, tx pgx.Tx, token model.APIToken) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	ipJSON, err := encodeJSON(token.IPWhitelist)
	if err != nil {
		return err
	}
	encJSON, err := encodeJSON(token.EncryptionConfig)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO `+db.t.apiTokens+` (
		     id, server_id, token, token_hash, ip_whitelist, encryption_config,
		     created_at, expires_at
		 )
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8)`,
		token.ID, token.ServerID, token.Token, token.TokenHash, ipJSON, encJSON,
		token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert token: %w", err)
	}
	return nil
}

// GetTokenByHash looks up a token row by its SHA-256 hex digest. The caller
// still must constant-time compare the raw token before trusting the match.
// Returns ErrNotFound when no row has the hash.
func (db *DB) GetTokenByHash(ctx context.Context, hash string) (model.APIToken, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, server_id, token, token_hash, ip_whitelist, encryption_config,
		        created_at, expires_at, last_used
		 FROM `+db.t.apiTokens+` WHERE token_hash = $1`,
		hash,
	)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIToken{}, ErrNotFound
		}
		return model.APIToken{}, fmt.Errorf("storage: get token by hash: %w", err)
	}
	return t, nil
}

// GetTokenForServer returns the newest token for a server. Operators read
// it back through the admin API to install on the connector.
func (db *DB) GetTokenForServer(ctx context.Context, serverID string) (model.APIToken, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, server_id, token, token_hash, ip_whitelist, encryption_config,
		        created_at, expires_at, last_used
		 FROM `+db.t.apiTokens+`
		 WHERE server_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		serverID,
	)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIToken{}, fmt.Errorf("storage: token for server %s: %w", serverID, ErrNotFound)
		}
		return model.APIToken{}, fmt.Errorf("storage: get token for server: %w", err)
	}
	return t, nil
}

// TouchTokenUsed stamps last_used. Called on successful connector auth;
// failures are deliberate no-ops so probing doesn't disturb the column.
func (db *DB) TouchTokenUsed(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE `+db.t.apiTokens+` SET last_used = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: touch token used: %w", err)
	}
	return nil
}

// DeleteExpiredTokens removes tokens past their expiry. Returns rows removed.
func (db *DB) DeleteExpiredTokens(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM `+db.t.apiTokens+`
		 WHERE expires_at IS NOT NULL AND expires_at < now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanToken(row pgx.Row) (model.APIToken, error) {
	var (
		t       model.APIToken
		ipJSON  []byte
		encJSON []byte
	)
	if err := row.Scan(
		&t.ID, &t.ServerID, &t.Token, &t.TokenHash, &ipJSON, &encJSON,
		&t.CreatedAt, &t.ExpiresAt, &t.LastUsed,
	); err != nil {
		return model.APIToken{}, err
	}
	decodeJSON(ipJSON, &t.IPWhitelist)
	decodeJSON(encJSON, &t.EncryptionConfig)
	return t, nil
}
