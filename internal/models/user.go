package models

import "time"

// UserRole represents the available roles for the capability gate.
type UserRole string

const (
	RoleAdmin    UserRole = "ADMIN"
	RoleAgent    UserRole = "AGENT"
	RoleCustomer UserRole = "CUSTOMER"
)

// User represents an application user stored in the users table.
// The auth core reads it for authentication decisions and only writes
// last_login, password fields, and the reset token columns.
type User struct {
	ID                  string     `db:"id" json:"id"`
	Email               string     `db:"email" json:"email"`
	PasswordHash        string     `db:"password_hash" json:"-"`
	FullName            string     `db:"full_name" json:"full_name"`
	Phone               string     `db:"phone" json:"phone,omitempty"`
	Role                UserRole   `db:"role" json:"role"`
	Active              bool       `db:"active" json:"active"`
	PushToken           *string    `db:"push_token" json:"-"`
	LastLogin           *time.Time `db:"last_login" json:"last_login,omitempty"`
	PasswordChangedAt   *time.Time `db:"password_changed_at" json:"-"`
	ResetTokenHash      *string    `db:"reset_token_hash" json:"-"`
	ResetTokenExpiresAt *time.Time `db:"reset_token_expires_at" json:"-"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	Role      *UserRole
	Active    *bool
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
