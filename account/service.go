// Package account handles registration, authentication, and the binding of
// each party's ledger wallet and bank payout destination.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("account: invalid credentials")
	// ErrWeakPassword signals the password does not meet requirements.
	ErrWeakPassword = errors.New("account: password must be at least 8 characters")
)

// Service handles account business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

// LoginResult bundles the token and the authenticated account.
type LoginResult struct {
	Token   string
	Account Account
}

func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{repo: repo, jwtSecret: []byte(jwtSecret)}
}

// Register creates a new account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.FullName == "" {
		return nil, fmt.Errorf("account: email and full_name are required")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("account: hash password: %w", err)
	}

	a, err := s.repo.Create(ctx, CreateParams{
		Email:        email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		Role:         RoleUser,
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Login authenticates an account and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	a, err := s.repo.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(a)
	if err != nil {
		return LoginResult{}, fmt.Errorf("account: generate token: %w", err)
	}
	return LoginResult{Token: token, Account: a}, nil
}

// Get retrieves account information by id.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// BindWallet records the account's ledger address, required before the
// account can participate in wallet-funded payments or receive custody.
func (s *Service) BindWallet(ctx context.Context, email, address string) error {
	if address == "" {
		return fmt.Errorf("account: wallet address is required")
	}
	return s.repo.SetWalletAddress(ctx, email, address)
}

// BindPayoutAccount records where fiat settlements for this account land.
func (s *Service) BindPayoutAccount(ctx context.Context, email, payoutAccountID string) error {
	if payoutAccountID == "" {
		return fmt.Errorf("account: payout account id is required")
	}
	return s.repo.SetPayoutAccount(ctx, email, payoutAccountID)
}

// WalletAddress resolves the ledger account bound to an email. Payments
// cannot enter custody for a party without one.
func (s *Service) WalletAddress(ctx context.Context, email string) (string, error) {
	a, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if a.WalletAddress == nil || *a.WalletAddress == "" {
		return "", fmt.Errorf("%w: %s", ErrNoWallet, email)
	}
	return *a.WalletAddress, nil
}

// PayoutAccount resolves the bank destination for fiat settlement.
func (s *Service) PayoutAccount(ctx context.Context, email string) (string, error) {
	a, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if a.PayoutAccountID == nil || *a.PayoutAccountID == "" {
		return "", fmt.Errorf("account: no payout account on file for %s", email)
	}
	return *a.PayoutAccountID, nil
}

// VerifyToken validates a JWT token and returns the account's email and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("account: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		email, ok := claims["email"].(string)
		if !ok {
			return "", "", fmt.Errorf("account: invalid email in token")
		}
		roleStr, ok := claims["role"].(string)
		if !ok {
			return "", "", fmt.Errorf("account: invalid role in token")
		}
		role := Role(roleStr)
		if role != RoleUser && role != RoleAdmin {
			return "", "", fmt.Errorf("account: invalid role %q in token", roleStr)
		}
		return email, role, nil
	}
	return "", "", fmt.Errorf("account: invalid token")
}

func (s *Service) generateToken(a Account) (string, error) {
	claims := jwt.MapClaims{
		"sub":   a.ID,
		"email": a.Email,
		"role":  a.Role,
		"exp":   time.Now().Add(24 * time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
