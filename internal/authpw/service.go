// Package authpw provides username/password authentication with an
// email-delivered one-time code for password recovery.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/rbac"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/store"
	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/util"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrDuplicateUser      = errors.New("username or email already registered")
	ErrInvalidOTP         = errors.New("invalid or expired one-time code")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	SetUserOTP(ctx context.Context, userID, code string, expiresAt time.Time) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
}

// Service provides username/password authentication
type Service struct {
	store  UserStore
	otpTTL time.Duration
}

// NewService creates a new auth service
func NewService(store UserStore, otpTTL time.Duration) *Service {
	return &Service{store: store, otpTTL: otpTTL}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Username string
	Email    string
	Password string
}

// SignUp creates a new account with the trainee role.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if username == "" || email == "" || req.Password == "" {
		return store.User{}, errors.New("username, email, and password are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         rbac.RoleTrainee,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if store.IsUniqueViolation(err) {
			return store.User{}, ErrDuplicateUser
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignIn authenticates a user by username and password.
func (s *Service) SignIn(ctx context.Context, username, password string) (store.User, error) {
	if username == "" || password == "" {
		return store.User{}, errors.New("username and password are required")
	}
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// RequestOTP generates a one-time code for the account behind the email and
// stores it with an expiry. A blank code is returned for unknown emails so the
// endpoint does not reveal which addresses exist.
func (s *Service) RequestOTP(ctx context.Context, email string) (store.User, string, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return store.User{}, "", nil
	}
	code := util.NewOTP()
	if err := s.store.SetUserOTP(ctx, user.ID, code, time.Now().Add(s.otpTTL)); err != nil {
		return store.User{}, "", fmt.Errorf("store code: %w", err)
	}
	return user, code, nil
}

// ResetPassword replaces the password for the account behind the email when
// the submitted one-time code matches and has not expired. The stored code is
// cleared along with the password update.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	if email == "" || code == "" || newPassword == "" {
		return errors.New("email, code, and new password are required")
	}
	if len(newPassword) < 8 {
		return errors.New("password must be at least 8 characters")
	}

	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return ErrInvalidOTP
	}
	if user.OTPCode == "" || user.OTPCode != code {
		return ErrInvalidOTP
	}
	if user.OTPExpiresAt == nil || time.Now().After(*user.OTPExpiresAt) {
		return ErrInvalidOTP
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateUserPassword(ctx, user.ID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}
