package auth

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tarancss/blocksub/lib/errs"
	"github.com/tarancss/blocksub/lib/store"
)

// Client facing messages.
const (
	MsgUserExists         = "User already exists"
	MsgInvalidCredentials = "Invalid credentials"
	MsgUnauthorized       = "Unauthorized"
)

// RegisterRequest is the body of a registration.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginRequest is the body of a login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Session is returned on registration and login.
type Session struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	AuthToken string `json:"authToken"`
}

// Service registers and logs in users.
type Service struct {
	users  store.Users
	tokens *Tokens
}

// NewService returns a Service storing users in users.
func NewService(users store.Users, tokens *Tokens) *Service {
	return &Service{users: users, tokens: tokens}
}

// Register creates the user and returns a session. An email already in use is a Validation error.
func (s *Service) Register(ctx context.Context, r RegisterRequest) (*Session, error) {
	_, err := s.users.FindByEmail(ctx, r.Email)
	if err == nil {
		return nil, errs.NewValidation(MsgUserExists)
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("cannot look up user: %w", err)
	}

	hash, err := HashPassword(r.Password)
	if err != nil {
		return nil, fmt.Errorf("cannot hash password: %w", err)
	}

	u := &store.User{Name: r.Name, Email: r.Email, PasswordHash: hash}
	if err = s.users.Create(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, errs.NewValidation(MsgUserExists)
		}

		return nil, fmt.Errorf("cannot create user: %w", err)
	}

	log.WithField("user", u.ID).Info("User registered")

	return s.session(u)
}

// Login checks the credentials and returns a session. Unknown emails and wrong passwords are the same Auth error.
func (s *Service) Login(ctx context.Context, r LoginRequest) (*Session, error) {
	u, err := s.users.FindByEmail(ctx, r.Email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.NewAuth(MsgInvalidCredentials)
	}

	if err != nil {
		return nil, fmt.Errorf("cannot look up user: %w", err)
	}

	if !ComparePassword(u.PasswordHash, r.Password) {
		return nil, errs.NewAuth(MsgInvalidCredentials)
	}

	return s.session(u)
}

// Authenticate returns the user id of a bearer token or an Auth error.
func (s *Service) Authenticate(token string) (string, error) {
	if token == "" {
		return "", errs.NewAuth(MsgUnauthorized)
	}

	id, err := s.tokens.Verify(token)
	if err != nil {
		log.WithError(err).Debug("Rejected token")

		return "", errs.NewAuth(MsgUnauthorized)
	}

	return id, nil
}

func (s *Service) session(u *store.User) (*Session, error) {
	tok, err := s.tokens.Issue(u.ID)
	if err != nil {
		return nil, err
	}

	return &Session{Name: u.Name, Email: u.Email, AuthToken: tok}, nil
}
