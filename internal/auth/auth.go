package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/jmager/microgrid/internal/db"
	"github.com/jmager/microgrid/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// AuthService handles household owner authentication
type AuthService struct {
	DB       *db.DB
	secret   []byte
	tokenTTL time.Duration
}

// NewAuthService creates a new auth service
func NewAuthService(db *db.DB, secret string, tokenTTL time.Duration) *AuthService {
	return &AuthService{DB: db, secret: []byte(secret), tokenTTL: tokenTTL}
}

// Register creates a new household owner with a hashed password and a fresh
// account identity
func (s *AuthService) Register(ctx context.Context, username, password string, initialCharge int64) (*models.HouseholdRecord, error) {
	// Validate input
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("username too long (max 50 characters)")
	}
	if len(password) > 100 {
		return nil, fmt.Errorf("password too long (max 100 characters)")
	}

	// Hash the password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	rec, err := s.DB.CreateHousehold(ctx, uuid.New(), username, string(hashedPassword), initialCharge)
	if err != nil {
		return nil, fmt.Errorf("failed to create household: %w", err)
	}
	return rec, nil
}

// Login verifies credentials and generates a JWT carrying the owner identity
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	rec, err := s.DB.GetHouseholdByUsername(ctx, username)
	if err != nil {
		return "", err
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"owner":    rec.Owner.String(),
		"username": rec.Username,
		"exp":      time.Now().Add(s.tokenTTL).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// GetOwnerFromToken extracts the household owner identity from a JWT
func (s *AuthService) GetOwnerFromToken(tokenString string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return uuid.Nil, fmt.Errorf("invalid token")
	}
	raw, ok := claims["owner"].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("token missing owner claim")
	}
	owner, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid owner claim: %w", err)
	}
	return owner, nil
}
