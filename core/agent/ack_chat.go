package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"ack_server/core/agent/llm"
	"ack_server/core/agent/tools"
	"ack_server/pkg/apperr"
	"ack_server/pkg/logger"
)

// =============================================================================
// Chat Agent
// =============================================================================

// maxChatIterations caps the tool loop so a confused model cannot spin.
const maxChatIterations = 10

const chatSystemPrompt = `You are a purchasing assistant that manages purchase order confirmation cases.
You can inspect cases and their audit trails, search the mailbox for supplier confirmations,
retrieve PDF evidence, and run the full confirmation pipeline.
Use tools to answer questions; never invent case data. Prefer dry_run when running the
pipeline unless the user explicitly asks to send email. Keep answers short and factual.`

// ChatAgent answers interactive questions with the same primitives the
// orchestrator uses, via LLM function calling.
type ChatAgent struct {
	llm      *llm.Client
	registry *tools.Registry
}

func NewChatAgent(client *llm.Client, registry *tools.Registry) *ChatAgent {
	return &ChatAgent{llm: client, registry: registry}
}

// ChatRequest is one user turn.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatToolTrace records one executed tool call for the response.
type ChatToolTrace struct {
	Tool    string `json:"tool"`
	Args    any    `json:"args,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ChatResponse is the agent's answer plus what it did to produce it.
type ChatResponse struct {
	Message   string          `json:"message"`
	ToolsUsed []ChatToolTrace `json:"tools_used,omitempty"`
}

// Chat runs the tool-calling loop: ask the model, execute any requested
// tools, feed the results back, and stop when the model answers in prose.
func (a *ChatAgent) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, apperr.BadRequest("message is required")
	}
	if a.llm == nil {
		return nil, apperr.ConfigError("chat requires an LLM api key")
	}

	defs := a.registry.Definitions()
	resp := &ChatResponse{}

	var transcript strings.Builder
	transcript.WriteString(req.Message)

	for i := 0; i < maxChatIterations; i++ {
		content, calls, err := a.llm.CompleteWithTools(ctx, chatSystemPrompt, transcript.String(), defs)
		if err != nil {
			return nil, apperr.ExternalError("llm", err)
		}
		if len(calls) == 0 {
			resp.Message = content
			return resp, nil
		}

		for _, call := range calls {
			result := a.registry.Execute(ctx, call)
			resp.ToolsUsed = append(resp.ToolsUsed, ChatToolTrace{
				Tool:    call.Name,
				Args:    call.Args,
				Success: result.Success,
				Error:   result.Error,
			})
			logger.Debug("chat tool %s success=%v", call.Name, result.Success)

			payload, err := json.Marshal(result)
			if err != nil {
				payload = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()))
			}
			fmt.Fprintf(&transcript, "\n\n[tool %s result]\n%s", call.Name, payload)
		}
		transcript.WriteString("\n\nContinue. Answer the original question if you have what you need.")
	}

	resp.Message = "I could not complete that within the allowed number of steps. Here is what I gathered so far from the tools above."
	return resp, nil
}
