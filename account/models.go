package account

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Account is the domain representation of a registered party. It mirrors
// the accounts table and carries no JSON annotations so it can be reused by
// different presentation layers.
type Account struct {
	ID              string
	Email           string
	FullName        string
	PasswordHash    string
	Role            Role
	WalletAddress   *string
	PayoutAccountID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
