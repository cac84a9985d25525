package persistence

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/oauth2"
)

// =============================================================================
// Token Adapter (SQLite)
// =============================================================================

// TokenAdapter persists the single mailbox OAuth token.
type TokenAdapter struct {
	db *sqlx.DB
}

// NewTokenAdapter creates a new TokenAdapter.
func NewTokenAdapter(db *sqlx.DB) *TokenAdapter {
	return &TokenAdapter{db: db}
}

type tokenRow struct {
	AccessToken  string `db:"access_token"`
	RefreshToken string `db:"refresh_token"`
	TokenType    string `db:"token_type"`
	Expiry       int64  `db:"expiry"`
}

// Get returns the stored token, ErrNotFound if none was ever saved.
func (a *TokenAdapter) Get(ctx context.Context) (*oauth2.Token, error) {
	var row tokenRow
	err := a.db.GetContext(ctx, &row,
		`SELECT access_token, refresh_token, token_type, expiry FROM oauth_tokens WHERE id = 1`)
	if err != nil {
		return nil, mapNotFound(err)
	}
	tok := &oauth2.Token{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		TokenType:    row.TokenType,
	}
	if row.Expiry > 0 {
		tok.Expiry = fromMs(row.Expiry)
	}
	return tok, nil
}

// Save upserts the token row. A refresh response without a refresh_token
// keeps the previously stored one.
func (a *TokenAdapter) Save(ctx context.Context, token *oauth2.Token) error {
	var expiry int64
	if !token.Expiry.IsZero() {
		expiry = token.Expiry.UnixMilli()
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (id, access_token, refresh_token, token_type, expiry, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			access_token  = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE refresh_token END,
			token_type    = excluded.token_type,
			expiry        = excluded.expiry,
			updated_at    = excluded.updated_at`,
		token.AccessToken, token.RefreshToken, token.TokenType, expiry,
		time.Now().UTC().UnixMilli())
	return mapBusy(err)
}
