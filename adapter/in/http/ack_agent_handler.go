package http

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"ack_server/core/agent"
	"ack_server/core/port/in"
	"ack_server/pkg/response"
)

// =============================================================================
// Agent Handler
// =============================================================================

// AgentHandler exposes the orchestrator, the due poller and the chat loop.
type AgentHandler struct {
	orchestrator *agent.Orchestrator
	poller       in.PollService
	chat         *agent.ChatAgent
	cronAuth     fiber.Handler
	log          zerolog.Logger
}

func NewAgentHandler(orchestrator *agent.Orchestrator, poller in.PollService, chat *agent.ChatAgent, cronAuth fiber.Handler, log zerolog.Logger) *AgentHandler {
	return &AgentHandler{
		orchestrator: orchestrator,
		poller:       poller,
		chat:         chat,
		cronAuth:     cronAuth,
		log:          log,
	}
}

func (h *AgentHandler) Register(app fiber.Router) {
	grp := app.Group("/agent")
	grp.Post("/ack-orchestrate", h.Orchestrate)
	grp.Post("/poll-due", h.cronAuth, h.PollDue)
	grp.Post("/chat", h.Chat)
}

// Orchestrate runs the pipeline for one case. With Accept: text/event-stream
// it streams progress/result/error SSE events; otherwise it returns JSON.
func (h *AgentHandler) Orchestrate(c *fiber.Ctx) error {
	var req agent.OrchestrateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	if req.CaseID == "" {
		return response.BadRequest(c, "caseId is required")
	}

	if strings.Contains(c.Get(fiber.HeaderAccept), "text/event-stream") {
		return h.orchestrateStream(c, &req)
	}

	result, err := h.orchestrator.Run(c.Context(), &req, nil)
	if err != nil {
		return err
	}
	return response.OK(c, result)
}

func (h *AgentHandler) orchestrateStream(c *fiber.Ctx, req *agent.OrchestrateRequest) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	ctx := c.Context()
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		log := h.log.With().Str("case_id", req.CaseID).Str("mode", req.Mode).Logger()
		log.Debug().Msg("orchestrate stream opened")

		sink := func(step, detail string) {
			payload, _ := json.Marshal(map[string]string{"step": step, "detail": detail})
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload)
			w.Flush()
		}

		result, err := h.orchestrator.Run(ctx, req, sink)
		if err != nil {
			log.Warn().Err(err).Msg("orchestrate stream failed")
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			w.Flush()
			return
		}

		payload, _ := json.Marshal(result)
		fmt.Fprintf(w, "event: result\ndata: %s\n\n", payload)
		w.Flush()
		log.Debug().Str("state", string(result.State)).Msg("orchestrate stream closed")
	})
	return nil
}

// pollDueRequest is the optional poll-due body.
type pollDueRequest struct {
	DryRun bool `json:"dryRun"`
	Limit  int  `json:"limit"`
}

// PollDue runs one cron-triggered batch over due cases.
func (h *AgentHandler) PollDue(c *fiber.Ctx) error {
	var req pollDueRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.BadRequest(c, "invalid request body")
		}
	}

	run, err := h.poller.PollDue(c.Context(), &in.PollOptions{
		Limit:  req.Limit,
		DryRun: req.DryRun,
	})
	if err != nil {
		return err
	}

	found, noEvidence := 0, 0
	for _, cr := range run.Cases {
		switch cr.Outcome {
		case "found_evidence", "resolved":
			found++
		case "no_evidence":
			noEvidence++
		}
	}

	return response.OK(c, fiber.Map{
		"polled":        run.Processed,
		"due":           run.Due,
		"foundEvidence": found,
		"noEvidence":    noEvidence,
		"skipped":       run.Skipped,
		"errors":        run.Errored,
		"duration":      run.Duration,
		"cases":         run.Cases,
	})
}

// Chat answers an interactive question through the tool-calling loop.
func (h *AgentHandler) Chat(c *fiber.Ctx) error {
	var req agent.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}

	resp, err := h.chat.Chat(c.Context(), &req)
	if err != nil {
		return err
	}
	return response.OK(c, resp)
}
