// Package provider implements mail provider adapters.
package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"ack_server/core/port/out"
	"ack_server/pkg/logger"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailAdapter implements out.MailProviderPort for Gmail.
type GmailAdapter struct {
	config *oauth2.Config
	cb     *gobreaker.CircuitBreaker
}

// GmailConfig holds Gmail OAuth configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// NewGmailAdapter creates a new Gmail adapter.
func NewGmailAdapter(cfg *GmailConfig) *GmailAdapter {
	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			gmail.GmailReadonlyScope,
			gmail.GmailSendScope,
		},
		Endpoint: google.Endpoint,
	}

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	return &GmailAdapter{
		config: config,
		cb:     gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// OAuthConfig exposes the oauth2 config for the token service.
func (a *GmailAdapter) OAuthConfig() *oauth2.Config {
	return a.config
}

func (a *GmailAdapter) service(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	client := a.config.Client(ctx, token)
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, a.wrapError(err, "failed to create gmail service")
	}
	return svc, nil
}

// =============================================================================
// Query Translation
// =============================================================================

// buildQuery translates the provider-agnostic query into Gmail search syntax.
// Subject terms become an OR group; the lookback window uses newer_than.
func buildQuery(q *out.SearchQuery) string {
	var parts []string

	if len(q.SubjectTerms) > 0 {
		terms := make([]string, 0, len(q.SubjectTerms))
		for _, t := range q.SubjectTerms {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if strings.ContainsAny(t, " \t") {
				terms = append(terms, fmt.Sprintf("subject:%q", t))
			} else {
				terms = append(terms, "subject:"+t)
			}
		}
		if len(terms) == 1 {
			parts = append(parts, terms[0])
		} else if len(terms) > 1 {
			parts = append(parts, "("+strings.Join(terms, " OR ")+")")
		}
	}

	if q.FromAddr != "" {
		parts = append(parts, "from:"+q.FromAddr)
	}
	if q.NewerThanDays > 0 {
		parts = append(parts, fmt.Sprintf("newer_than:%dd", q.NewerThanDays))
	}

	return strings.Join(parts, " ")
}

// =============================================================================
// Search and Fetch
// =============================================================================

// Search runs an inbox query and returns metadata-level candidates.
func (a *GmailAdapter) Search(ctx context.Context, token *oauth2.Token, q *out.SearchQuery) ([]out.MailMessage, error) {
	svc, err := a.service(ctx, token)
	if err != nil {
		return nil, err
	}

	maxResults := int64(q.MaxResults)
	if maxResults <= 0 {
		maxResults = 20
	}

	var listResp *gmail.ListMessagesResponse
	cbErr := a.executeWithCircuitBreaker(ctx, "search", func() error {
		var err error
		listResp, err = svc.Users.Messages.List("me").
			Q(buildQuery(q)).
			MaxResults(maxResults).
			Context(ctx).
			Do()
		return err
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to search messages")
	}

	messages := make([]out.MailMessage, 0, len(listResp.Messages))
	for _, ref := range listResp.Messages {
		var msg *gmail.Message
		cbErr := a.executeWithCircuitBreaker(ctx, "get_metadata", func() error {
			var err error
			msg, err = svc.Users.Messages.Get("me", ref.Id).
				Format("metadata").
				MetadataHeaders("From", "To", "Subject", "Date").
				Context(ctx).
				Do()
			return err
		})
		if cbErr != nil {
			logger.WithError(cbErr).Warn("Skipping unreadable search hit %s", ref.Id)
			continue
		}
		messages = append(messages, a.toMailMessage(msg))
	}

	return messages, nil
}

// GetMessage fetches one message with its full MIME payload.
func (a *GmailAdapter) GetMessage(ctx context.Context, token *oauth2.Token, messageID string) (*out.MailMessage, error) {
	svc, err := a.service(ctx, token)
	if err != nil {
		return nil, err
	}

	var msg *gmail.Message
	cbErr := a.executeWithCircuitBreaker(ctx, "get_message", func() error {
		var err error
		msg, err = svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
		return err
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to get message")
	}

	m := a.toMailMessage(msg)
	return &m, nil
}

// GetThread fetches every message of a thread with full payloads.
func (a *GmailAdapter) GetThread(ctx context.Context, token *oauth2.Token, threadID string) ([]out.MailMessage, error) {
	svc, err := a.service(ctx, token)
	if err != nil {
		return nil, err
	}

	var thread *gmail.Thread
	cbErr := a.executeWithCircuitBreaker(ctx, "get_thread", func() error {
		var err error
		thread, err = svc.Users.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
		return err
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to get thread")
	}

	messages := make([]out.MailMessage, 0, len(thread.Messages))
	for _, msg := range thread.Messages {
		messages = append(messages, a.toMailMessage(msg))
	}
	return messages, nil
}

// GetAttachment fetches attachment bytes as base64url data.
func (a *GmailAdapter) GetAttachment(ctx context.Context, token *oauth2.Token, messageID, attachmentID string) (string, error) {
	svc, err := a.service(ctx, token)
	if err != nil {
		return "", err
	}

	var body *gmail.MessagePartBody
	cbErr := a.executeWithCircuitBreaker(ctx, "get_attachment", func() error {
		var err error
		body, err = svc.Users.Messages.Attachments.Get("me", messageID, attachmentID).Context(ctx).Do()
		return err
	})
	if cbErr != nil {
		return "", a.wrapError(cbErr, "failed to get attachment")
	}
	return body.Data, nil
}

// =============================================================================
// Send
// =============================================================================

// Send starts a new thread.
func (a *GmailAdapter) Send(ctx context.Context, token *oauth2.Token, msg *out.OutgoingMail) (*out.SendResult, error) {
	svc, err := a.service(ctx, token)
	if err != nil {
		return nil, err
	}
	return a.send(ctx, svc, msg)
}

// Reply answers inside an existing thread, threading via In-Reply-To and
// References from the original message.
func (a *GmailAdapter) Reply(ctx context.Context, token *oauth2.Token, replyToMessageID string, msg *out.OutgoingMail) (*out.SendResult, error) {
	svc, err := a.service(ctx, token)
	if err != nil {
		return nil, err
	}

	var original *gmail.Message
	cbErr := a.executeWithCircuitBreaker(ctx, "get_reply_target", func() error {
		var err error
		original, err = svc.Users.Messages.Get("me", replyToMessageID).
			Format("metadata").
			MetadataHeaders("Message-ID", "References", "Subject").
			Context(ctx).
			Do()
		return err
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to get reply target")
	}

	origMsgID := headerValue(original.Payload, "Message-ID")
	references := headerValue(original.Payload, "References")
	if origMsgID != "" {
		msg.InReplyTo = origMsgID
		if references != "" {
			msg.References = references + " " + origMsgID
		} else {
			msg.References = origMsgID
		}
	}
	if msg.ThreadID == "" {
		msg.ThreadID = original.ThreadId
	}

	return a.send(ctx, svc, msg)
}

func (a *GmailAdapter) send(ctx context.Context, svc *gmail.Service, msg *out.OutgoingMail) (*out.SendResult, error) {
	raw := base64.URLEncoding.EncodeToString([]byte(buildRawMessage(msg)))

	gmsg := &gmail.Message{Raw: raw}
	if msg.ThreadID != "" {
		gmsg.ThreadId = msg.ThreadID
	}

	var sent *gmail.Message
	cbErr := a.executeWithCircuitBreaker(ctx, "send", func() error {
		var err error
		sent, err = svc.Users.Messages.Send("me", gmsg).Context(ctx).Do()
		return err
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to send message")
	}

	return &out.SendResult{
		MessageID: sent.Id,
		ThreadID:  sent.ThreadId,
		SentAt:    time.Now().UTC(),
	}, nil
}

// buildRawMessage assembles an RFC 5322 plain-text message.
func buildRawMessage(msg *out.OutgoingMail) string {
	var buf strings.Builder

	if len(msg.To) > 0 {
		buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	}
	if len(msg.CC) > 0 {
		buf.WriteString(fmt.Sprintf("Cc: %s\r\n", strings.Join(msg.CC, ", ")))
	}
	if len(msg.BCC) > 0 {
		buf.WriteString(fmt.Sprintf("Bcc: %s\r\n", strings.Join(msg.BCC, ", ")))
	}
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	if msg.InReplyTo != "" {
		buf.WriteString(fmt.Sprintf("In-Reply-To: %s\r\n", msg.InReplyTo))
	}
	if msg.References != "" {
		buf.WriteString(fmt.Sprintf("References: %s\r\n", msg.References))
	}
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(msg.Body)

	return buf.String()
}

// =============================================================================
// Conversion
// =============================================================================

func (a *GmailAdapter) toMailMessage(msg *gmail.Message) out.MailMessage {
	m := out.MailMessage{
		MessageID: msg.Id,
		ThreadID:  msg.ThreadId,
		Snippet:   msg.Snippet,
	}
	if msg.InternalDate > 0 {
		m.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload != nil {
		m.From = headerValue(msg.Payload, "From")
		m.To = headerValue(msg.Payload, "To")
		m.Subject = headerValue(msg.Payload, "Subject")
		for _, h := range msg.Payload.Headers {
			m.Headers = append(m.Headers, out.MailHeader{Name: h.Name, Value: h.Value})
		}
		part := toMailPart(msg.Payload)
		m.Payload = &part
	}
	return m
}

func toMailPart(p *gmail.MessagePart) out.MailPart {
	part := out.MailPart{
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	if p.Body != nil {
		part.AttachmentID = p.Body.AttachmentId
		part.BodyDataB64 = p.Body.Data
		part.BodySize = p.Body.Size
	}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, out.MailHeader{Name: h.Name, Value: h.Value})
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, toMailPart(child))
	}
	return part
}

func headerValue(p *gmail.MessagePart, name string) string {
	if p == nil {
		return ""
	}
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// =============================================================================
// Circuit Breaker
// =============================================================================

// executeWithCircuitBreaker wraps an API call with circuit breaker protection.
// Client errors (4xx) are wrapped so they do not trip the circuit.
func (a *GmailAdapter) executeWithCircuitBreaker(ctx context.Context, operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if apiErr, ok := err.(*googleapi.Error); ok {
				switch apiErr.Code {
				case 500, 502, 503, 429:
					return nil, err
				case 400, 401, 403, 404:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})

	if nce, ok := err.(*nonCircuitError); ok {
		return nce.err
	}

	if err != nil {
		logger.WithError(err).
			WithField("operation", operation).
			WithField("cb_state", a.cb.State().String()).
			Warn("Gmail API call failed")
	}

	return err
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

func (a *GmailAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401:
			return out.NewProviderError("gmail", out.ProviderErrTokenExpired, "Token expired", err, false)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") {
				return out.NewProviderError("gmail", out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError("gmail", out.ProviderErrAuth, "Access denied", err, false)
		case 404:
			return out.NewProviderError("gmail", out.ProviderErrNotFound, "Not found", err, false)
		case 429:
			return out.NewProviderError("gmail", out.ProviderErrRateLimit, "Too many requests", err, true)
		case 500, 502, 503:
			return out.NewProviderError("gmail", out.ProviderErrServer, "Server error", err, true)
		}
	}

	return out.NewProviderError("gmail", out.ProviderErrServer, defaultMsg, err, true)
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.MailProviderPort = (*GmailAdapter)(nil)
