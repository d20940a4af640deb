package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/enterprise/aml-engine/internal/auth"
	"github.com/enterprise/aml-engine/internal/models"
	"github.com/enterprise/aml-engine/internal/repositories"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password does not meet requirements")
	ErrInvalidRole        = errors.New("unknown analyst role")
	ErrAccountDisabled    = errors.New("account is disabled")
)

// Roles an analyst account can hold. They mirror the alert owner roles plus
// an operational admin.
var validRoles = map[string]bool{
	"front":      true,
	"compliance": true,
	"legal":      true,
	"admin":      true,
}

// AuthService handles analyst authentication
type AuthService struct {
	analystRepo *repositories.AnalystRepository
	jwtManager  *auth.JWTManager
}

// NewAuthService creates a new auth service
func NewAuthService(analystRepo *repositories.AnalystRepository, jwtManager *auth.JWTManager) *AuthService {
	return &AuthService{
		analystRepo: analystRepo,
		jwtManager:  jwtManager,
	}
}

// RegisterRequest represents an analyst registration request
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=12"`
	FullName string `json:"full_name" binding:"required"`
	Role     string `json:"role" binding:"required,oneof=front compliance legal admin"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents an authentication response
type AuthResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
	Analyst   AnalystResponse `json:"analyst"`
}

// AnalystResponse represents an analyst in responses
type AnalystResponse struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name"`
	Role     string    `json:"role"`
}

// Register creates a new analyst account and issues a first token
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	if !validRoles[req.Role] {
		return nil, ErrInvalidRole
	}
	if !auth.ValidatePasswordStrength(req.Password) {
		return nil, ErrWeakPassword
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	analyst := &models.Analyst{
		Email:        req.Email,
		PasswordHash: hashedPassword,
		FullName:     req.FullName,
		Role:         req.Role,
	}

	if err := s.analystRepo.Create(ctx, analyst); err != nil {
		if errors.Is(err, repositories.ErrAnalystAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create analyst: %w", err)
	}

	return s.respond(analyst)
}

// Login authenticates an analyst
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	analyst, err := s.analystRepo.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repositories.ErrAnalystNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find analyst: %w", err)
	}

	if !auth.CheckPassword(req.Password, analyst.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if !analyst.IsActive {
		return nil, ErrAccountDisabled
	}

	return s.respond(analyst)
}

// RefreshToken exchanges a still-valid token for a fresh one
func (s *AuthService) RefreshToken(ctx context.Context, currentToken string) (*AuthResponse, error) {
	claims, err := s.jwtManager.ValidateToken(currentToken)
	if err != nil {
		return nil, err
	}

	analyst, err := s.analystRepo.GetByID(ctx, claims.AnalystID)
	if err != nil {
		return nil, fmt.Errorf("analyst not found: %w", err)
	}
	if !analyst.IsActive {
		return nil, ErrAccountDisabled
	}

	return s.respond(analyst)
}

func (s *AuthService) respond(analyst *models.Analyst) (*AuthResponse, error) {
	token, expiresAt, err := s.jwtManager.GenerateToken(analyst)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &AuthResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Analyst: AnalystResponse{
			ID:       analyst.ID,
			Email:    analyst.Email,
			FullName: analyst.FullName,
			Role:     analyst.Role,
		},
	}, nil
}
