package llm

import (
	"ack_server/core/agent/tools"
	"ack_server/core/port/out"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	openai "github.com/sashabaranov/go-openai"
)

// =============================================================================
// OpenAI Client
// =============================================================================

type Client struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	maxRetries  int
	timeout     time.Duration
}

type ClientConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	MaxRetries  int
	Timeout     time.Duration
}

const DefaultModel = "gpt-4o-mini"

// extractionConfidenceCap bounds model-reported confidences until the
// extraction prompt has been calibrated against labeled confirmations.
const extractionConfidenceCap = 0.75

func NewClient(apiKey string) *Client {
	return &Client{
		client:      openai.NewClient(apiKey),
		model:       DefaultModel,
		maxTokens:   2048,
		temperature: 0.2,
		maxRetries:  2,
		timeout:     30 * time.Second,
	}
}

func NewClientWithConfig(cfg ClientConfig) *Client {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.2
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		client:      openai.NewClient(cfg.APIKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(temperature),
		maxRetries:  maxRetries,
		timeout:     timeout,
	}
}

// =============================================================================
// Completion
// =============================================================================

func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.chat(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}

	return resp.Choices[0].Message.Content, nil
}

func (c *Client) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.chat(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: userPrompt,
			},
		},
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}

	return resp.Choices[0].Message.Content, nil
}

// CompleteJSON returns a JSON object response from the LLM
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.chat(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: userPrompt,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "{}", nil
	}

	return resp.Choices[0].Message.Content, nil
}

// CompleteWithTools calls the LLM with function calling capability
func (c *Client) CompleteWithTools(ctx context.Context, systemPrompt, userPrompt string, toolDefs []tools.ToolDefinition) (string, []tools.ToolCall, error) {
	openaiTools := make([]openai.Tool, len(toolDefs))
	for i, t := range toolDefs {
		openaiTools[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}

	resp, err := c.chat(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: userPrompt,
			},
		},
		Tools: openaiTools,
	})
	if err != nil {
		return "", nil, err
	}

	if len(resp.Choices) == 0 {
		return "", nil, nil
	}

	choice := resp.Choices[0]

	var toolCalls []tools.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			continue
		}
		toolCalls = append(toolCalls, tools.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}

	return choice.Message.Content, toolCalls, nil
}

// chat runs a chat completion with retries on transient errors.
func (c *Client) chat(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	var err error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err = c.client.CreateChatCompletion(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return resp, ctx.Err()
		}
	}

	return resp, err
}

// =============================================================================
// Confirmation Field Extraction (out.FieldLLMPort)
// =============================================================================

const extractionSystemPrompt = `You extract purchase order confirmation fields from supplier documents.
Return a JSON object with any of these keys you can find, omitting keys you cannot:
  "supplier_order_number": {"value": string, "confidence": number 0-1}
  "confirmed_delivery_date": {"value": "YYYY-MM-DD", "confidence": number 0-1}
  "confirmed_quantity": {"value": string, "confidence": number 0-1}
  "raw_excerpt": string (the shortest snippet supporting the extraction)
Rules:
- Only extract values that are explicitly stated. Never guess or compute.
- The supplier order number is the SUPPLIER's own reference, not the buyer PO number.
- Quantities with weight units (LBS, KG) are not piece quantities.
- If nothing is found, return {}.`

// ExtractConfirmation asks the model for the three confirmation fields.
// Confidences are capped, so the heuristic extractor always wins a tie.
func (c *Client) ExtractConfirmation(ctx context.Context, req *out.LLMExtractionRequest) (*out.LLMExtractionResult, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Buyer PO number: %s\n", req.PONumber)
	if req.ExpectedQty != nil {
		fmt.Fprintf(&sb, "Expected quantity on the PO line: %g\n", *req.ExpectedQty)
	}
	if req.PDFText != "" {
		fmt.Fprintf(&sb, "\n--- ATTACHMENT TEXT ---\n%s\n", truncate(req.PDFText, 12000))
	}
	if req.EmailText != "" {
		fmt.Fprintf(&sb, "\n--- EMAIL BODY ---\n%s\n", truncate(req.EmailText, 6000))
	}

	raw, err := c.CompleteJSON(ctx, extractionSystemPrompt, sb.String())
	if err != nil {
		return nil, fmt.Errorf("llm extraction: %w", err)
	}

	var result out.LLMExtractionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("llm extraction: malformed response: %w", err)
	}

	capField(result.SupplierOrderNumber)
	capField(result.DeliveryDate)
	capField(result.Quantity)

	return &result, nil
}

func capField(f *out.LLMExtractedField) {
	if f == nil {
		return
	}
	if f.Confidence > extractionConfidenceCap {
		f.Confidence = extractionConfidenceCap
	}
	if f.Confidence < 0 {
		f.Confidence = 0
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

var _ out.FieldLLMPort = (*Client)(nil)
