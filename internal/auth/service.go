package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shopassist/internal/storage"
)

const tokenKeyPrefix = "auth:token:"

var (
	ErrTokenRequired = errors.New("unauthorized: token required")
	ErrInvalidToken  = errors.New("unauthorized: invalid token")
	ErrTokenExpired  = errors.New("unauthorized: token expired")
)

type tokenRecord struct {
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service issues, validates, and revokes client authentication tokens.
type Service struct {
	kv         storage.KV
	tokenTTL   time.Duration
	static     map[string]struct{}
	cookieName string
	headerName string
	now        func() time.Time
}

// NewService constructs an auth service with the supplied token lifetime.
// Static tokens never expire and are not stored.
func NewService(kv storage.KV, ttl time.Duration, staticTokens ...string) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	static := make(map[string]struct{}, len(staticTokens))
	for _, t := range staticTokens {
		if t != "" {
			static[t] = struct{}{}
		}
	}
	return &Service{
		kv:         kv,
		tokenTTL:   ttl,
		static:     static,
		cookieName: "auth_token",
		headerName: "Authorization",
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// IssueToken mints a new random token for subject and persists it.
func (s *Service) IssueToken(ctx context.Context, subject string) (string, error) {
	if subject == "" {
		return "", errors.New("subject required")
	}
	if s.kv == nil {
		return "", errors.New("token store unavailable")
	}
	now := s.now()
	data, err := json.Marshal(tokenRecord{Subject: subject, CreatedAt: now, ExpiresAt: now.Add(s.tokenTTL)})
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		if _, err := s.kv.Get(ctx, tokenKeyPrefix+token); !errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err := s.kv.Set(ctx, tokenKeyPrefix+token, data); err != nil {
			return "", fmt.Errorf("store token: %w", err)
		}
		return token, nil
	}
	return "", errors.New("could not issue token")
}

// ValidateToken verifies the token is static or stored and unexpired,
// returning its subject. Expired tokens are removed.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (string, error) {
	if authToken == "" {
		return "", ErrTokenRequired
	}
	if _, ok := s.static[authToken]; ok {
		return "static", nil
	}
	if s.kv == nil {
		return "", ErrInvalidToken
	}
	raw, err := s.kv.Get(ctx, tokenKeyPrefix+authToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("lookup token: %w", err)
	}
	var rec tokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", ErrInvalidToken
	}
	if s.now().After(rec.ExpiresAt) {
		_ = s.kv.Delete(ctx, tokenKeyPrefix+authToken)
		return "", ErrTokenExpired
	}
	return rec.Subject, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" || s.kv == nil {
		return nil
	}
	if err := s.kv.Delete(ctx, tokenKeyPrefix+authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
