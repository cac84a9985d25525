package out

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// =============================================================================
// Provider Types
// =============================================================================

// MailHeader is a single RFC 5322 header.
type MailHeader struct {
	Name  string
	Value string
}

// MailPart is one node of a MIME tree. BodyDataB64 carries inline bytes in
// the provider's base64url encoding; AttachmentID references bytes that must
// be fetched separately.
type MailPart struct {
	MimeType     string
	Filename     string
	AttachmentID string
	BodyDataB64  string
	BodySize     int64
	Headers      []MailHeader
	Parts        []MailPart
}

// MailMessage is a provider message. Search results carry metadata only;
// GetMessage/GetThread populate the full payload tree.
type MailMessage struct {
	MessageID  string
	ThreadID   string
	From       string
	To         string
	Subject    string
	Snippet    string
	ReceivedAt time.Time
	Headers    []MailHeader
	Payload    *MailPart
}

// Header returns the named header value, or empty.
func (m *MailMessage) Header(name string) string {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// SearchQuery is a provider-agnostic inbox query, translated by the adapter.
type SearchQuery struct {
	// SubjectTerms are OR-ed subject phrases (PO number variants).
	SubjectTerms []string
	// FromAddr restricts the sender when supplier filtering is enabled.
	FromAddr string
	// NewerThanDays bounds the lookback window.
	NewerThanDays int
	MaxResults    int
}

// OutgoingMail is a message to send or draft.
type OutgoingMail struct {
	To         []string
	CC         []string
	BCC        []string
	Subject    string
	Body       string
	ThreadID   string
	InReplyTo  string
	References string
}

// SendResult reports a successful provider send.
type SendResult struct {
	MessageID string
	ThreadID  string
	SentAt    time.Time
}

// =============================================================================
// Provider Port
// =============================================================================

// MailProviderPort abstracts the mail backend (Gmail in production).
type MailProviderPort interface {
	// Search runs an inbox query and returns metadata-level candidates.
	Search(ctx context.Context, token *oauth2.Token, q *SearchQuery) ([]MailMessage, error)

	// GetMessage fetches one message with its full MIME payload.
	GetMessage(ctx context.Context, token *oauth2.Token, messageID string) (*MailMessage, error)

	// GetThread fetches every message of a thread with full payloads.
	GetThread(ctx context.Context, token *oauth2.Token, threadID string) ([]MailMessage, error)

	// GetAttachment fetches attachment bytes as base64url data.
	GetAttachment(ctx context.Context, token *oauth2.Token, messageID, attachmentID string) (string, error)

	// Send starts a new thread.
	Send(ctx context.Context, token *oauth2.Token, msg *OutgoingMail) (*SendResult, error)

	// Reply answers inside an existing thread.
	Reply(ctx context.Context, token *oauth2.Token, replyToMessageID string, msg *OutgoingMail) (*SendResult, error)
}

// =============================================================================
// Provider Errors
// =============================================================================

// Provider error codes.
const (
	ProviderErrAuth         = "AUTH"
	ProviderErrTokenExpired = "TOKEN_EXPIRED"
	ProviderErrRateLimit    = "RATE_LIMIT"
	ProviderErrNotFound     = "NOT_FOUND"
	ProviderErrServer       = "SERVER"
)

// ProviderError is a classified mail provider failure.
type ProviderError struct {
	Provider  string
	Code      string
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Provider, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError builds a classified provider error.
func NewProviderError(provider, code, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}
