// Package auth manages the mailbox OAuth token lifecycle.
package auth

import (
	"context"
	"sync"
	"time"

	"ack_server/core/port/out"
	"ack_server/pkg/apperr"
	"ack_server/pkg/logger"

	"golang.org/x/oauth2"
)

// refreshBuffer refreshes the token this long before its actual expiry so a
// call never starts with a token about to die mid-flight.
const refreshBuffer = 5 * time.Minute

// TokenService hands out a valid mailbox token, refreshing and persisting
// as needed. Safe for concurrent use.
type TokenService struct {
	repo   out.TokenRepository
	config *oauth2.Config

	mu     sync.Mutex
	cached *oauth2.Token
}

// NewTokenService creates a token service around the stored singleton token.
func NewTokenService(repo out.TokenRepository, config *oauth2.Config) *TokenService {
	return &TokenService{repo: repo, config: config}
}

// Token returns a token valid for at least the refresh buffer, refreshing
// through the OAuth endpoint when the stored one is near expiry.
func (s *TokenService) Token(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok := s.cached
	if tok == nil {
		stored, err := s.repo.Get(ctx)
		if err == out.ErrNotFound {
			return nil, apperr.Unauthorized("mailbox not connected")
		}
		if err != nil {
			return nil, err
		}
		tok = stored
	}

	if tok.Expiry.IsZero() || time.Until(tok.Expiry) > refreshBuffer {
		s.cached = tok
		return tok, nil
	}

	if tok.RefreshToken == "" {
		return nil, apperr.Unauthorized("mailbox token expired and no refresh token stored")
	}

	refreshed, err := s.config.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, apperr.OAuthFailed("gmail", err)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tok.RefreshToken
	}

	if err := s.repo.Save(ctx, refreshed); err != nil {
		// A save failure must not block the call; the refreshed token is
		// still valid for this process.
		logger.WithError(err).Error("Failed to persist refreshed mailbox token")
	}

	s.cached = refreshed
	logger.Info("Mailbox token refreshed, new expiry %s", refreshed.Expiry.UTC().Format(time.RFC3339))
	return refreshed, nil
}

// Store saves a newly exchanged token and primes the cache.
func (s *TokenService) Store(ctx context.Context, tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.Save(ctx, tok); err != nil {
		return err
	}
	s.cached = tok
	return nil
}
