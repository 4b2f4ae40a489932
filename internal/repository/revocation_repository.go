package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/realty-api/internal/models"
)

// RevocationStore is the durable blacklist consulted on every request.
type RevocationStore interface {
	IsBlacklisted(ctx context.Context, token string) (bool, error)
	Blacklist(ctx context.Context, entry *models.RevokedToken) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// RevocationRepository is the Postgres-backed RevocationStore. A unique
// constraint on the token column is the sole concurrency guard needed.
type RevocationRepository struct {
	db *sqlx.DB
}

// NewRevocationRepository creates a new instance of RevocationRepository.
func NewRevocationRepository(db *sqlx.DB) *RevocationRepository {
	return &RevocationRepository{db: db}
}

// IsBlacklisted checks for a live entry by exact token string.
func (r *RevocationRepository) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token = $1 AND expires_at > $2)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, token, time.Now().UTC()); err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

// Blacklist inserts a revocation entry. Inserting the same token twice is
// a no-op; at most one live entry exists per token string.
func (r *RevocationRepository) Blacklist(ctx context.Context, entry *models.RevokedToken) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO revoked_tokens (id, token, token_type, user_id, reason, expires_at, created_at) VALUES (:id, :token, :token_type, :user_id, :reason, :expires_at, :created_at) ON CONFLICT (token) DO NOTHING`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}
	return nil
}

// PurgeExpired deletes entries whose expiry has passed and reports how
// many were removed. Safe to run concurrently with request traffic: it
// only ever touches rows that are already logically dead.
func (r *RevocationRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM revoked_tokens WHERE expires_at <= $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("purge revoked tokens: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge revoked tokens count: %w", err)
	}
	return count, nil
}
