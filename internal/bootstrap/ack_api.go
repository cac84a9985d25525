package bootstrap

import (
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/rs/zerolog"

	"ack_server/adapter/in/http"
	"ack_server/config"
	"ack_server/infra/middleware"
	"ack_server/pkg/logger"
)

// NewAPI assembles the fiber app with every route registered.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "ack-server",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		StrictRouting:         false,
		CaseSensitive:         false,

		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit:         5 * 1024 * 1024,
		StreamRequestBody: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	if allowOrigins == "" && !cfg.IsProduction() {
		allowOrigins = "http://localhost:3000,http://localhost:5173"
	}
	if allowOrigins != "" {
		app.Use(cors.New(cors.Config{
			AllowOrigins: allowOrigins,
			AllowMethods: "GET,POST,OPTIONS",
			AllowHeaders: "Origin,Content-Type,Accept,X-Request-ID,X-CRON-SECRET",
		}))
	}

	http.NewHealthHandler(deps.DB).Register(app)
	http.NewOAuthHandler(deps.Gmail.OAuthConfig(), deps.Tokens).Register(app)

	// Stream handlers log through zerolog; the SSE writer runs outside the
	// request middleware chain.
	zlog := zerolog.New(os.Stdout).With().Timestamp().Str("service", "ack-server").Logger()

	cronAuth := middleware.CronAuth(cfg.CronSecret)
	http.NewAgentHandler(deps.Orchestrator, deps.Poller, deps.Chat, cronAuth, zlog).Register(app)
	http.NewCaseHandler(deps.States, deps.CaseRepo).Register(app)
	http.NewConfirmationHandler(deps.RecordRepo, deps.CaseRepo, cfg).Register(app)
	http.NewAttachmentHandler(deps.AttachmentRepo).Register(app)

	return app, cleanup, nil
}
