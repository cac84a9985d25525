package http

import (
	"github.com/gofiber/fiber/v2"
	"golang.org/x/oauth2"

	"ack_server/core/service/auth"
	"ack_server/pkg/apperr"
	"ack_server/pkg/response"
)

// =============================================================================
// OAuth Handler
// =============================================================================

// OAuthHandler connects the mailbox: it hands out the consent URL and stores
// the exchanged token in the singleton token record.
type OAuthHandler struct {
	config *oauth2.Config
	tokens *auth.TokenService
}

func NewOAuthHandler(config *oauth2.Config, tokens *auth.TokenService) *OAuthHandler {
	return &OAuthHandler{config: config, tokens: tokens}
}

func (h *OAuthHandler) Register(app fiber.Router) {
	grp := app.Group("/auth/gmail")
	grp.Get("/connect", h.Connect)
	grp.Get("/callback", h.Callback)
}

// Connect redirects the operator to the provider consent screen.
func (h *OAuthHandler) Connect(c *fiber.Ctx) error {
	url := h.config.AuthCodeURL("state", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	return c.Redirect(url, fiber.StatusTemporaryRedirect)
}

// Callback exchanges the authorization code and persists the token.
func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	code := c.Query("code")
	if code == "" {
		return response.BadRequest(c, "code is required")
	}

	token, err := h.config.Exchange(c.Context(), code)
	if err != nil {
		return apperr.OAuthFailed("gmail", err)
	}
	if err := h.tokens.Store(c.Context(), token); err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"connected": true, "expires": token.Expiry})
}
