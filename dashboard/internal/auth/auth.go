// Package auth supplies bearer tokens for calls to the dashboard backend.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenSource hands out bearer tokens. Refresh is called after the backend rejects a token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticSource always returns the same token; Refresh cannot produce a new one.
type StaticSource struct {
	token string
}

func NewStaticSource(token string) *StaticSource {
	return &StaticSource{token: token}
}

func (s *StaticSource) Token(ctx context.Context) (string, error) {
	return s.token, nil
}

func (s *StaticSource) Refresh(ctx context.Context) (string, error) {
	return s.token, nil
}

type JWTConfig struct {
	Secret   []byte
	Subject  string
	Audience string
	Issuer   string
	TTL      time.Duration
	Now      func() time.Time
}

// JWTSource mints HS256 service tokens and re-mints them shortly before they expire or when
// asked to refresh.
type JWTSource struct {
	cfg JWTConfig

	mu      sync.Mutex
	token   string
	expires time.Time
	minted  int
}

const refreshSkew = 30 * time.Second

func NewJWTSource(cfg JWTConfig) (*JWTSource, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret required")
	}
	if cfg.Subject == "" {
		cfg.Subject = "dashboard-sync"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &JWTSource{cfg: cfg}, nil
}

func (s *JWTSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.cfg.Now().Add(refreshSkew).Before(s.expires) {
		return s.token, nil
	}
	return s.mintLocked()
}

func (s *JWTSource) Refresh(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mintLocked()
}

// Minted reports how many tokens have been issued.
func (s *JWTSource) Minted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minted
}

func (s *JWTSource) mintLocked() (string, error) {
	now := s.cfg.Now()
	claims := jwt.RegisteredClaims{
		Subject:   s.cfg.Subject,
		Issuer:    s.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
		ID:        uuid.NewString(),
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	s.token = signed
	s.expires = now.Add(s.cfg.TTL)
	s.minted++
	return signed, nil
}

// VerifyHS256 parses a token minted by JWTSource. It is used by tests and by fake backends.
func VerifyHS256(token string, secret []byte) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
