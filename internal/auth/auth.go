// Package auth issues and checks the bearer tokens drivers and viewers
// present to the tracking API and the MQTT bridge.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ukydev/schoolbus-tracking/internal/models"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token expired")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const (
	issuer             = "schoolbus-tracking"
	defaultTokenExpiry = 24 * time.Hour
	clockSkew          = 30 * time.Second
)

// tokenClaims is the signed payload. Subject carries the user id; drivers
// assigned to a bus also carry its id.
type tokenClaims struct {
	Username  string      `json:"username"`
	Role      models.Role `json:"role"`
	VehicleID string      `json:"vehicle_id,omitempty"`
	jwt.RegisteredClaims
}

// Service signs tokens with a shared HMAC secret.
type Service struct {
	jwtSecret []byte
	tokenExp  time.Duration
	now       func() time.Time
	parser    *jwt.Parser
}

func NewService(secret string, tokenExp time.Duration) (*Service, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if tokenExp <= 0 {
		tokenExp = defaultTokenExpiry
	}

	s := &Service{
		jwtSecret: []byte(secret),
		tokenExp:  tokenExp,
		now:       time.Now,
	}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	return s, nil
}

// HashPassword hashes a password with bcrypt.
func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (s *Service) CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateToken issues a token that is not bound to a vehicle.
func (s *Service) GenerateToken(user *models.User) (string, error) {
	return s.GenerateVehicleToken(user, "")
}

// GenerateVehicleToken issues a driver token bound to vehicleID. Reports and
// stops for any other vehicle are refused before the registry is consulted.
func (s *Service) GenerateVehicleToken(user *models.User, vehicleID string) (string, error) {
	if user.ID.IsZero() {
		return "", errors.New("user id is required")
	}
	now := s.now()
	claims := tokenClaims{
		Username:  user.Username,
		Role:      user.Role,
		VehicleID: vehicleID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user.ID.Hex(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExp)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// GenerateRefreshToken returns an opaque random token.
func (s *Service) GenerateRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// ValidateToken accepts a raw token or an "Authorization: Bearer" value.
func (s *Service) ValidateToken(tokenString string) (*models.Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	var claims tokenClaims
	_, err := s.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" || !models.IsValidRole(claims.Role) {
		return nil, ErrInvalidToken
	}
	// Only drivers operate a vehicle.
	if claims.VehicleID != "" && claims.Role != models.RoleDriver {
		return nil, ErrInvalidToken
	}

	return &models.Claims{
		UserID:    claims.Subject,
		Username:  claims.Username,
		Role:      claims.Role,
		VehicleID: claims.VehicleID,
		Exp:       claims.ExpiresAt.Unix(),
	}, nil
}
