package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoSecret           = errors.New("no signing secret configured")
)

// Principal is the identity carried by a validated bearer token.
type Principal struct {
	Subject string
	Admin   bool
}

// AuthService issues and validates HS256 bearer tokens for the tile API.
type AuthService struct {
	jwtSecret []byte
}

func NewAuthService(jwtSecret string) *AuthService {
	return &AuthService{jwtSecret: []byte(jwtSecret)}
}

// Enabled reports whether a secret is configured. Without one the API is open.
func (s *AuthService) Enabled() bool {
	return s != nil && len(s.jwtSecret) > 0
}

// ValidateJWT verifies a bearer token and returns its principal.
func (s *AuthService) ValidateJWT(ctx context.Context, tokenStr string) (*Principal, error) {
	if !s.Enabled() {
		return nil, ErrNoSecret
	}
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &Principal{
		Subject: claims.Subject,
		Admin:   claims.Admin,
	}, nil
}

// IssueJWT creates a signed token for subject. Admin tokens may trigger a
// catalog refresh when refresh is restricted.
func (s *AuthService) IssueJWT(ctx context.Context, subject string, admin bool, ttl time.Duration) (string, error) {
	if !s.Enabled() {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := jwtClaims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

const issuer = "tilefaucet"

type jwtClaims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}
