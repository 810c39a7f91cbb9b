// Package authpw provides email/password authentication and organization
// membership.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"notetree/api/internal/authz"
	"notetree/api/internal/fault"
	"notetree/api/internal/store"
	"notetree/api/internal/util"
)

// PasswordCost is the bcrypt cost used for every stored password.
const PasswordCost = 10

// Service provides email/password authentication
type Service struct {
	store    UserStore
	validate *validator.Validate
	now      func() time.Time
}

// UserStore defines the storage interface for auth
type UserStore interface {
	CreateOrganizationWithOwner(ctx context.Context, org store.Organization, owner store.User) error
	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetOrganization(ctx context.Context, organizationID string) (store.Organization, error)
}

// NewService creates a new auth service
func NewService(store UserStore) *Service {
	return &Service{store: store, validate: validator.New(), now: time.Now}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email            string `json:"email" validate:"required,email,max=254"`
	Password         string `json:"password" validate:"required,min=8,max=128"`
	OrganizationName string `json:"organizationName" validate:"required,min=3,max=128"`
}

// SignUpResponse contains sign-up result
type SignUpResponse struct {
	Organization store.Organization
	User         store.User
}

// SignUp creates an organization and its first user in one transaction.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	req.Email = normalizeEmail(req.Email)
	req.OrganizationName = strings.TrimSpace(req.OrganizationName)
	if err := s.check(req); err != nil {
		return nil, err
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	org := store.Organization{
		ID:        util.NewID(""),
		Name:      req.OrganizationName,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	user := store.User{
		ID:             util.NewID(""),
		Email:          req.Email,
		PasswordHash:   hash,
		IsActive:       true,
		OrganizationID: org.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateOrganizationWithOwner(ctx, org, user); err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}
	return &SignUpResponse{Organization: org, User: user}, nil
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

// SignIn authenticates a user. Unknown emails, wrong passwords and inactive
// users all fail with fault.ErrInvalidCredentials.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	req.Email = normalizeEmail(req.Email)
	if err := s.check(req); err != nil {
		return store.User{}, err
	}

	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, fault.ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("sign in: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, fault.ErrInvalidCredentials
	}
	if !user.IsActive {
		return store.User{}, fault.ErrInvalidCredentials
	}
	return user, nil
}

// AddUserRequest contains the new member's credentials
type AddUserRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// AddUser creates a user in the caller's organization.
func (s *Service) AddUser(ctx context.Context, principal *authz.Principal, req AddUserRequest) (store.User, error) {
	if err := authz.RequireLoggedIn(principal); err != nil {
		return store.User{}, err
	}
	req.Email = normalizeEmail(req.Email)
	if err := s.check(req); err != nil {
		return store.User{}, err
	}

	org, err := s.store.GetOrganization(ctx, principal.TenantID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !authz.CanSeeOrganization(principal, org)) {
		return store.User{}, fault.ErrNotFoundOrForbidden
	}
	if err != nil {
		return store.User{}, fmt.Errorf("add user: %w", err)
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return store.User{}, err
	}
	now := s.now().UTC()
	user := store.User{
		ID:             util.NewID(""),
		Email:          req.Email,
		PasswordHash:   hash,
		IsActive:       true,
		OrganizationID: org.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("add user: %w", err)
	}
	return user, nil
}

func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			return fmt.Errorf("%w: %s failed %s", fault.ErrValidation, lowerFirst(fields[0].Field()), fields[0].Tag())
		}
		return fmt.Errorf("%w: %v", fault.ErrValidation, err)
	}
	return nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
