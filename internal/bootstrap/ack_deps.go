package bootstrap

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"ack_server/adapter/out/pdftext"
	"ack_server/adapter/out/persistence"
	"ack_server/adapter/out/provider"
	"ack_server/config"
	"ack_server/core/agent"
	"ack_server/core/agent/llm"
	"ack_server/core/agent/tools"
	"ack_server/core/port/in"
	"ack_server/core/service/auth"
	"ack_server/core/service/casestate"
	"ack_server/core/service/evidence"
	"ack_server/core/service/extract"
	"ack_server/core/service/inbox"
	"ack_server/core/service/poll"
	"ack_server/infra/database"
	"ack_server/pkg/logger"
)

// Dependencies wires every adapter and service of the server.
type Dependencies struct {
	DB *sqlx.DB

	CaseRepo       *persistence.CaseAdapter
	EventRepo      *persistence.EventAdapter
	MessageRepo    *persistence.MessageAdapter
	AttachmentRepo *persistence.AttachmentAdapter
	RecordRepo     *persistence.RecordAdapter
	TokenRepo      *persistence.TokenAdapter

	Gmail  *provider.GmailAdapter
	Tokens *auth.TokenService

	States    in.CaseStateService
	Inbox     in.InboxSearchService
	Evidence  in.EvidenceService
	Poller    in.PollService
	Extractor *extract.Extractor

	Orchestrator *agent.Orchestrator
	Chat         *agent.ChatAgent
}

// NewDependencies builds the full graph. The returned cleanup closes the DB.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	db, err := database.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("failed to close database")
		}
	}

	eventRepo := persistence.NewEventAdapter(db)
	caseRepo := persistence.NewCaseAdapter(db, eventRepo)
	messageRepo := persistence.NewMessageAdapter(db)
	attachmentRepo := persistence.NewAttachmentAdapter(db)
	recordRepo := persistence.NewRecordAdapter(db)
	tokenRepo := persistence.NewTokenAdapter(db)

	gmail := provider.NewGmailAdapter(&provider.GmailConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	tokens := auth.NewTokenService(tokenRepo, gmail.OAuthConfig())

	var llmClient *llm.Client
	extractor := extract.NewExtractor(nil)
	if cfg.OpenAIAPIKey != "" {
		llmClient = llm.NewClientWithConfig(llm.ClientConfig{
			APIKey:      cfg.OpenAIAPIKey,
			Model:       cfg.LLMModel,
			Temperature: cfg.LLMTemperature,
			MaxRetries:  cfg.LLMMaxRetries,
			Timeout:     time.Duration(cfg.LLMTimeoutSec) * time.Second,
		})
		extractor = extract.NewExtractor(llmClient)
	} else {
		logger.Warn("OPENAI_API_KEY not set; LLM extraction fallback and chat disabled")
	}

	pdfText := pdftext.NewExtractor()

	states := casestate.NewService(caseRepo, eventRepo, cfg.NextCheckEvery)
	inboxSvc := inbox.NewService(caseRepo, eventRepo, messageRepo, gmail, tokens, extractor, cfg.BuyerEmail)
	evidenceSvc := evidence.NewService(caseRepo, eventRepo, messageRepo, attachmentRepo, gmail, tokens, pdfText, cfg.BuyerEmail)
	poller := poll.NewService(caseRepo, messageRepo, attachmentRepo, recordRepo, states, inboxSvc, evidenceSvc, extractor, cfg.PollBatchSize, cfg.LookbackDaysDflt)

	orchestrator := agent.NewOrchestrator(
		states, inboxSvc, evidenceSvc, extractor,
		caseRepo, eventRepo, messageRepo, attachmentRepo, recordRepo,
		gmail, tokens,
		agent.OrchestratorConfig{
			BuyerEmail:       cfg.BuyerEmail,
			DemoMode:         cfg.DemoMode,
			DemoRecipient:    cfg.DemoRecipient,
			LookbackDays:     cfg.LookbackDaysDflt,
			FollowupCooldown: cfg.FollowupCooldown,
		},
	)

	registry := tools.NewRegistry()
	registry.RegisterAll(
		tools.NewGetCaseTool(states),
		tools.NewListEventsTool(states),
		tools.NewSearchInboxTool(inboxSvc),
		tools.NewRetrieveEvidenceTool(evidenceSvc),
		tools.NewRunOrchestratorTool(func(ctx context.Context, caseID, mode string, lookbackDays int) (any, error) {
			return orchestrator.Run(ctx, &agent.OrchestrateRequest{
				CaseID:       caseID,
				Mode:         mode,
				LookbackDays: lookbackDays,
			}, nil)
		}),
	)
	chat := agent.NewChatAgent(llmClient, registry)

	// One-shot attachment hygiene at boot; failures are logged, not fatal.
	if summary, err := attachmentRepo.CleanupDuplicates(context.Background()); err != nil {
		logger.WithError(err).Warn("attachment duplicate cleanup failed at boot")
	} else if summary.Removed > 0 {
		logger.Info("attachment cleanup at boot: %d groups, %d removed, %d refs rewritten",
			summary.Groups, summary.Removed, summary.RefsRewritten)
	}

	return &Dependencies{
		DB:             db,
		CaseRepo:       caseRepo,
		EventRepo:      eventRepo,
		MessageRepo:    messageRepo,
		AttachmentRepo: attachmentRepo,
		RecordRepo:     recordRepo,
		TokenRepo:      tokenRepo,
		Gmail:          gmail,
		Tokens:         tokens,
		States:         states,
		Inbox:          inboxSvc,
		Evidence:       evidenceSvc,
		Poller:         poller,
		Extractor:      extractor,
		Orchestrator:   orchestrator,
		Chat:           chat,
	}, cleanup, nil
}
