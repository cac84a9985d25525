// Package evidence walks mail MIME trees and stores PDF attachments.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"ack_server/core/domain"
	"ack_server/core/port/in"
	"ack_server/core/port/out"
	"ack_server/core/service/auth"
	"ack_server/pkg/apperr"
	"ack_server/pkg/b64"
	"ack_server/pkg/logger"

	"golang.org/x/oauth2"
)

// =============================================================================
// Service
// =============================================================================

// Service implements in.EvidenceService.
type Service struct {
	cases       out.CaseRepository
	events      out.EventRepository
	messages    out.MessageRepository
	attachments out.AttachmentRepository
	provider    out.MailProviderPort
	tokens      *auth.TokenService
	pdfText     out.PDFTextPort

	buyerEmail string
}

// NewService creates the evidence retrieval service.
func NewService(
	cases out.CaseRepository,
	events out.EventRepository,
	messages out.MessageRepository,
	attachments out.AttachmentRepository,
	provider out.MailProviderPort,
	tokens *auth.TokenService,
	pdfText out.PDFTextPort,
	buyerEmail string,
) *Service {
	return &Service{
		cases:       cases,
		events:      events,
		messages:    messages,
		attachments: attachments,
		provider:    provider,
		tokens:      tokens,
		pdfText:     pdfText,
		buyerEmail:  buyerEmail,
	}
}

// RetrieveEvidence fetches every PDF carried by the requested messages (or
// thread), hashes and stores them idempotently, and reports a summary.
func (s *Service) RetrieveEvidence(ctx context.Context, req *in.EvidenceRequest) (*in.EvidenceSummary, error) {
	if req.CaseID == "" {
		return nil, apperr.MissingField("case_id")
	}
	if req.ThreadID == "" && len(req.MessageIDs) == 0 {
		return nil, apperr.MissingField("thread_id/message_ids")
	}

	c, err := s.cases.GetByID(ctx, req.CaseID)
	if err == out.ErrNotFound {
		return nil, apperr.NotFound("case")
	}
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var messages []out.MailMessage
	if len(req.MessageIDs) > 0 {
		for _, id := range req.MessageIDs {
			msg, err := s.provider.GetMessage(ctx, token, id)
			if err != nil {
				logger.WithCase(c.CaseID).WithError(err).Warn("Failed to fetch message %s", id)
				continue
			}
			messages = append(messages, *msg)
		}
	} else {
		messages, err = s.provider.GetThread(ctx, token, req.ThreadID)
		if err != nil {
			return nil, err
		}
	}

	summary := &in.EvidenceSummary{}
	for i := range messages {
		s.processMessage(ctx, token, c, &messages[i], summary)
	}

	if summary.Inserted > 0 || summary.Reused > 0 {
		if err := s.events.Add(ctx, &domain.Event{
			CaseID:    c.CaseID,
			EventType: domain.EventTypeAttachmentStored,
			Summary: fmt.Sprintf("evidence retrieval: %d inserted, %d reused, %d skipped",
				summary.Inserted, summary.Reused, summary.Skipped),
			Meta: map[string]any{"filenames": summary.Filenames},
		}); err != nil {
			logger.WithCase(c.CaseID).WithError(err).Warn("Failed to log evidence summary")
		}
	}

	return summary, nil
}

// processMessage persists the message row and every PDF part it carries.
func (s *Service) processMessage(ctx context.Context, token *oauth2.Token, c *domain.Case, msg *out.MailMessage, summary *in.EvidenceSummary) {
	m := &domain.Message{
		MessageID: msg.MessageID,
		CaseID:    c.CaseID,
		ThreadID:  msg.ThreadID,
		Direction: domain.DetectDirection(msg.From, s.buyerEmail),
		FromAddr:  msg.From,
		ToAddr:    msg.To,
		Subject:   msg.Subject,
		Snippet:   msg.Snippet,
	}
	if !msg.ReceivedAt.IsZero() {
		t := msg.ReceivedAt
		m.ReceivedAt = &t
	}
	if err := s.messages.Upsert(ctx, m); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("message %s: %v", msg.MessageID, err))
		return
	}

	if msg.Payload == nil {
		return
	}

	for _, part := range collectAttachmentParts(msg.Payload) {
		s.processPart(ctx, token, c, msg.MessageID, part, summary)
	}
}

// collectAttachmentParts walks the MIME tree and returns parts that look
// like attachments: filename, provider attachment id, or inline bytes on a
// non-text leaf.
func collectAttachmentParts(part *out.MailPart) []*out.MailPart {
	var found []*out.MailPart
	if part.Filename != "" || part.AttachmentID != "" ||
		(part.BodyDataB64 != "" && !strings.HasPrefix(part.MimeType, "text/") && !strings.HasPrefix(part.MimeType, "multipart/")) {
		found = append(found, part)
	}
	for i := range part.Parts {
		found = append(found, collectAttachmentParts(&part.Parts[i])...)
	}
	return found
}

// processPart fetches, hashes and stores one PDF part.
func (s *Service) processPart(ctx context.Context, token *oauth2.Token, c *domain.Case, messageID string, part *out.MailPart, summary *in.EvidenceSummary) {
	if !domain.IsPDFCandidate(part.MimeType, part.Filename) {
		summary.Skipped++
		return
	}

	dataB64 := part.BodyDataB64
	if dataB64 == "" && part.AttachmentID != "" {
		fetched, err := s.provider.GetAttachment(ctx, token, messageID, part.AttachmentID)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: fetch failed: %v", part.Filename, err))
			return
		}
		dataB64 = fetched
	}

	data, err := b64.Decode(dataB64)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: decode failed: %v", part.Filename, err))
		return
	}
	if len(data) == 0 {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: zero-byte payload", part.Filename))
		s.logAttachmentError(ctx, c, fmt.Sprintf("zero-byte payload for %s", part.Filename))
		return
	}

	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])

	// Backfill rows stored before hashing existed.
	if n, err := s.attachments.RehashLegacy(ctx, messageID, part.Filename, sha, int64(len(data))); err == nil && n > 0 {
		logger.WithCase(c.CaseID).Info("Rehashed %d legacy rows for %s", n, part.Filename)
	}

	if existing, err := s.attachments.GetByHash(ctx, sha); err == nil && existing != nil {
		summary.Reused++
		summary.AttachmentsWithSha++
		summary.Filenames = append(summary.Filenames, part.Filename)
		s.ensureTextExtract(ctx, existing, data)
		return
	}

	att := &domain.Attachment{
		MessageID:     messageID,
		Filename:      part.Filename,
		MimeType:      part.MimeType,
		ProviderAttID: part.AttachmentID,
		ContentSHA256: sha,
		BinaryBase64:  b64.Encode(data),
		SizeBytes:     int64(len(data)),
	}

	canonical, reused, err := s.attachments.Add(ctx, att)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: store failed: %v", part.Filename, err))
		return
	}

	// A PDF with bytes must carry its hash after the upsert. Losing it
	// would break content-addressed idempotency, so treat it as critical.
	if canonical.ContentSHA256 == "" {
		s.logAttachmentError(ctx, c, fmt.Sprintf("CRITICAL: stored %s without content hash", part.Filename))
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: missing content hash after store", part.Filename))
		return
	}

	if reused {
		summary.Reused++
	} else {
		summary.Inserted++
	}
	summary.AttachmentsWithSha++
	summary.Filenames = append(summary.Filenames, part.Filename)

	s.ensureTextExtract(ctx, canonical, data)
}

// ensureTextExtract extracts and stores PDF text the first time the bytes
// come through.
func (s *Service) ensureTextExtract(ctx context.Context, att *domain.Attachment, data []byte) {
	if att.TextExtract != "" || s.pdfText == nil {
		return
	}
	text, err := s.pdfText.ExtractText(ctx, data)
	if err != nil {
		logger.WithField("attachment_id", att.AttachmentID).WithError(err).Warn("PDF text extraction failed")
		return
	}
	if text == "" {
		return
	}
	if err := s.attachments.UpdateTextExtract(ctx, att.AttachmentID, text); err != nil {
		logger.WithField("attachment_id", att.AttachmentID).WithError(err).Warn("Failed to store PDF text")
	}
}

func (s *Service) logAttachmentError(ctx context.Context, c *domain.Case, summary string) {
	if err := s.events.Add(ctx, &domain.Event{
		CaseID:    c.CaseID,
		EventType: domain.EventTypeAttachmentError,
		Summary:   summary,
	}); err != nil {
		logger.WithCase(c.CaseID).WithError(err).Warn("Failed to log attachment error")
	}
}

var _ in.EvidenceService = (*Service)(nil)
