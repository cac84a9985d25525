package middleware

import (
	"crypto/subtle"

	"ack_server/pkg/apperr"
	"ack_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

// CronAuth guards scheduler-invoked endpoints with a shared secret header.
// A missing header is 401; a wrong one is 403. If the server has no secret
// configured the endpoint is unusable rather than open.
func CronAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			logger.Warn("CRON_SECRET not configured, rejecting %s", c.Path())
			return apperr.Unauthorized("cron secret not configured")
		}

		provided := c.Get("X-CRON-SECRET")
		if provided == "" {
			return apperr.Unauthorized("missing X-CRON-SECRET header")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			logger.WithField("ip", c.IP()).Warn("Invalid cron secret on %s", c.Path())
			return apperr.Forbidden("invalid cron secret")
		}

		return c.Next()
	}
}
