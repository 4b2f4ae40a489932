package models

import "time"

// TokenType distinguishes blacklisted credentials.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// RevocationReason records why a token was blacklisted.
type RevocationReason string

const (
	RevocationReasonLogout          RevocationReason = "logout"
	RevocationReasonPasswordChange  RevocationReason = "password_change"
	RevocationReasonAccountDeletion RevocationReason = "account_deletion"
	RevocationReasonSecurity        RevocationReason = "security"
	RevocationReasonExpired         RevocationReason = "expired"
)

// RevokedToken is a blacklist entry. The token string is unique; the
// entry expires together with the token's own exp claim so the store
// never outlives the credential it invalidates.
type RevokedToken struct {
	ID        string           `db:"id" json:"id"`
	Token     string           `db:"token" json:"token"`
	TokenType TokenType        `db:"token_type" json:"token_type"`
	UserID    string           `db:"user_id" json:"user_id"`
	Reason    RevocationReason `db:"reason" json:"reason"`
	ExpiresAt time.Time        `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}
