// Package token issues and verifies the signed identity claims that callers
// present on every request.
//
// Tokens are HS256 JWTs carrying the subject id (uid), the privilege flag
// (adm) and an expiry. Nothing is stored server side: a token is valid until
// it expires or the signing secret changes, so rotating the secret logs
// every user out.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const minSecretBytes = 32

var (
	// ErrInvalidToken covers every verification failure: bad signature,
	// wrong algorithm, expired, malformed or missing claims.
	ErrInvalidToken = errors.New("invalid token")

	ErrSecretUnavailable = errors.New("signing secret unavailable")
)

// Claims is the verified identity of a caller.
type Claims struct {
	SubjectID  int64 `json:"uid"`
	Privileged bool  `json:"adm"`
	jwt.RegisteredClaims
}

// Expiry returns the expiry as a time.Time, zero when absent.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

type Config struct {
	Secret   []byte
	Lifetime time.Duration
	Issuer   string
	Leeway   time.Duration
}

// Service is immutable after construction and safe for concurrent use.
type Service struct {
	secret   []byte
	lifetime time.Duration
	issuer   string
	leeway   time.Duration
	now      func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source used for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if len(cfg.Secret) < minSecretBytes {
		return nil, fmt.Errorf("secret must be at least %d bytes", minSecretBytes)
	}
	if cfg.Lifetime <= 0 {
		return nil, errors.New("token lifetime must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)

	s := &Service{
		secret:   secret,
		lifetime: cfg.Lifetime,
		issuer:   cfg.Issuer,
		leeway:   cfg.Leeway,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lifetime is the validity period of newly issued tokens.
func (s *Service) Lifetime() time.Duration {
	return s.lifetime
}

// Issue signs a token for subjectID that expires Lifetime from now.
func (s *Service) Issue(subjectID int64, privileged bool) (string, error) {
	if subjectID <= 0 {
		return "", errors.New("subject id must be positive")
	}

	now := s.now()
	claims := Claims{
		SubjectID:  subjectID,
		Privileged: privileged,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(subjectID, 10),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm and expiry and returns the claims.
// Any failure is reported as ErrInvalidToken.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.leeway > 0 {
		options = append(options, jwt.WithLeeway(s.leeway))
	}
	if s.issuer != "" {
		options = append(options, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, options...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	if claims.SubjectID <= 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// LoadSecret reads the base64 encoded signing secret from path. Surrounding
// whitespace is ignored. The decoded secret must be at least 32 bytes.
func LoadSecret(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretUnavailable, err)
	}

	secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: secret is not valid base64: %v", ErrSecretUnavailable, err)
	}
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("%w: secret must decode to at least %d bytes", ErrSecretUnavailable, minSecretBytes)
	}
	return secret, nil
}

// GenerateSecret writes a fresh random secret to path with owner-only
// permissions. It refuses to overwrite an existing file.
func GenerateSecret(path string) error {
	secret := make([]byte, 64)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("failed to generate secret: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create secret file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(secret) + "\n"); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}
	return nil
}
