package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/realty-api/internal/models"
)

func TestIsBlacklisted(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRevocationRepository(db)

	rows := sqlmock.NewRows([]string{"exists"}).AddRow(true)
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(rows)

	revoked, err := repo.IsBlacklisted(context.Background(), "sometoken")
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsBlacklistedMiss(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRevocationRepository(db)

	rows := sqlmock.NewRows([]string{"exists"}).AddRow(false)
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(rows)

	revoked, err := repo.IsBlacklisted(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestBlacklist(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRevocationRepository(db)

	mock.ExpectExec("INSERT INTO revoked_tokens").WillReturnResult(sqlmock.NewResult(1, 1))

	entry := &models.RevokedToken{
		Token:     "sometoken",
		TokenType: models.TokenTypeAccess,
		UserID:    "u1",
		Reason:    models.RevocationReasonLogout,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	err := repo.Blacklist(context.Background(), entry)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBlacklistIdempotent(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRevocationRepository(db)

	// Conflict on the token unique constraint is swallowed by the query
	// itself (ON CONFLICT DO NOTHING) and reports zero rows affected.
	mock.ExpectExec("INSERT INTO revoked_tokens").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Blacklist(context.Background(), &models.RevokedToken{
		Token:     "sometoken",
		TokenType: models.TokenTypeAccess,
		UserID:    "u1",
		Reason:    models.RevocationReasonLogout,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	assert.NoError(t, err)
}

func TestPurgeExpired(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRevocationRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec("DELETE FROM revoked_tokens WHERE expires_at").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := repo.PurgeExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
