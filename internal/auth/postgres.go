package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresVerifier looks tokens up by their SHA-256 hash in a
// voxlink_tokens table:
//
//	CREATE TABLE voxlink_tokens (
//	    token_hash BYTEA PRIMARY KEY,
//	    subject    TEXT NOT NULL,
//	    revoked_at TIMESTAMPTZ
//	);
type PostgresVerifier struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and returns a verifier backed by it.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresVerifier, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return NewPostgresVerifier(db), nil
}

// NewPostgresVerifier wraps an open database.
func NewPostgresVerifier(db *sql.DB) *PostgresVerifier {
	return &PostgresVerifier{db: db}
}

// HashToken returns the digest stored for token.
func HashToken(token []byte) []byte {
	sum := sha256.Sum256(token)
	return sum[:]
}

func (v *PostgresVerifier) Verify(ctx context.Context, token []byte) (string, error) {
	hash := HashToken(token)

	var (
		stored  []byte
		subject string
		revoked sql.NullTime
	)
	err := v.db.QueryRowContext(ctx,
		`SELECT token_hash, subject, revoked_at FROM voxlink_tokens WHERE token_hash = $1`,
		hash,
	).Scan(&stored, &subject, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: token not found", ErrInvalidToken)
	}
	if err != nil {
		return "", fmt.Errorf("postgres: verify: %w", err)
	}

	if subtle.ConstantTimeCompare(stored, hash) != 1 {
		return "", fmt.Errorf("%w: hash mismatch", ErrInvalidToken)
	}
	if revoked.Valid {
		return "", fmt.Errorf("%w: token revoked", ErrInvalidToken)
	}
	return subject, nil
}

// Close closes the underlying database.
func (v *PostgresVerifier) Close() error {
	return v.db.Close()
}
