package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing authorization header")
	ErrTokenFormat  = errors.New("invalid authorization header format")
	ErrEmptyToken   = errors.New("empty token")
	ErrInvalidToken = errors.New("invalid token")
)

// Service checks bearer tokens against a single bcrypt hash.
type Service struct {
	tokenHash []byte
}

// NewService creates a new auth service from a bcrypt hash (e.g. AGENTS_TOKEN_HASH).
func NewService(tokenHash string) (*Service, error) {
	if tokenHash == "" {
		return nil, fmt.Errorf("token hash is empty")
	}
	if _, err := bcrypt.Cost([]byte(tokenHash)); err != nil {
		return nil, fmt.Errorf("invalid bcrypt token hash: %w", err)
	}
	return &Service{tokenHash: []byte(tokenHash)}, nil
}

// HashToken returns the bcrypt hash to configure for token.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", ErrTokenFormat
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// ValidateToken verifies token in constant time.
func (s *Service) ValidateToken(token string) error {
	if err := bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// ValidateHeader extracts and verifies the bearer token of an Authorization header value.
func (s *Service) ValidateHeader(authHeader string) error {
	token, err := BearerToken(authHeader)
	if err != nil {
		return err
	}
	return s.ValidateToken(token)
}

// Middleware rejects requests without a valid bearer token with 401 JSON.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.ValidateHeader(r.Header.Get("Authorization")); err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected unauthenticated request")
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
