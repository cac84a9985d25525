// Package inbox probes the mailbox for confirmation evidence.
package inbox

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"ack_server/core/domain"
	"ack_server/core/port/in"
	"ack_server/core/port/out"
	"ack_server/core/service/auth"
	"ack_server/core/service/extract"
	"ack_server/pkg/apperr"
	"ack_server/pkg/b64"
	"ack_server/pkg/logger"
)

// scoreKeywords earn +10 each on a subject+snippet hit.
var scoreKeywords = []string{
	"confirmed", "confirmation", "ack", "acknowledge", "ship",
	"delivery", "promise", "so", "sales order", "order #",
}

const (
	topCandidates   = 5
	defaultLookback = 30
	supplierBonus   = 50.0
	keywordBonus    = 10.0
	recencyBase     = 100.0
)

// =============================================================================
// Service
// =============================================================================

// Service implements in.InboxSearchService.
type Service struct {
	cases     out.CaseRepository
	events    out.EventRepository
	messages  out.MessageRepository
	provider  out.MailProviderPort
	tokens    *auth.TokenService
	extractor *extract.Extractor

	buyerEmail string
}

// NewService creates the inbox search service.
func NewService(
	cases out.CaseRepository,
	events out.EventRepository,
	messages out.MessageRepository,
	provider out.MailProviderPort,
	tokens *auth.TokenService,
	extractor *extract.Extractor,
	buyerEmail string,
) *Service {
	return &Service{
		cases:      cases,
		events:     events,
		messages:   messages,
		provider:   provider,
		tokens:     tokens,
		extractor:  extractor,
		buyerEmail: buyerEmail,
	}
}

// SearchForCase probes the inbox for a case: synthesize the query, score
// candidates, persist the top ones, extract fields from the best body, and
// classify the outcome.
func (s *Service) SearchForCase(ctx context.Context, req *in.InboxSearchRequest) (*in.InboxSearchResult, error) {
	if req.CaseID == "" {
		return nil, apperr.MissingField("case_id")
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

	lookback := req.LookbackDays
	if lookback <= 0 {
		lookback = defaultLookback
	}

	query := &out.SearchQuery{
		SubjectTerms:  subjectTerms(c.PONumber),
		NewerThanDays: lookback,
		MaxResults:    20,
	}
	if req.FilterSupplier && c.SupplierEmail != "" {
		query.FromAddr = c.SupplierEmail
	}

	hits, err := s.provider.Search(ctx, token, query)
	if err != nil {
		return nil, err
	}

	result := &in.InboxSearchResult{Candidates: len(hits)}

	if len(hits) == 0 {
		result.Outcome = in.OutcomeNotFound
		result.StillMissing = c.MissingFields
		s.logOutcome(ctx, c, result, nil)
		return result, nil
	}

	scored := s.scoreCandidates(c, req.Keywords, hits)
	result.Scores = map[string]float64{}
	for i := range scored {
		if i >= topCandidates {
			break
		}
		result.Scores[scored[i].msg.MessageID] = scored[i].score
	}

	// Persist the top candidates so later retrieval and audit can see them.
	persisted := s.persistCandidates(ctx, c, scored)

	top := scored[0].msg
	result.TopMessageID = top.MessageID
	result.ThreadID = top.ThreadID

	// The scored top hit is metadata-only; refetch for the payload tree.
	full, err := s.provider.GetMessage(ctx, token, top.MessageID)
	if err != nil {
		logger.WithCase(c.CaseID).WithError(err).Warn("Failed to fetch top candidate body")
		full = &top
	}

	body := ExtractBody(full)
	extraction, err := s.extractor.Extract(ctx, &extract.Request{
		EmailText:   body,
		PONumber:    c.PONumber,
		ExpectedQty: c.ExpectedQty,
	})
	if err != nil {
		return nil, err
	}

	result.FilledFields = map[string]string{}
	missing := map[string]bool{}
	for _, f := range c.MissingFields {
		missing[f] = true
	}
	if extraction.SupplierReference != nil && missing[domain.FieldSupplierReference] {
		result.FilledFields[domain.FieldSupplierReference] = extraction.SupplierReference.Value
		delete(missing, domain.FieldSupplierReference)
	}
	if extraction.DeliveryDate != nil && missing[domain.FieldDeliveryDate] {
		result.FilledFields[domain.FieldDeliveryDate] = extraction.DeliveryDate.Value
		delete(missing, domain.FieldDeliveryDate)
	}
	if extraction.Quantity != nil && missing[domain.FieldQuantity] {
		result.FilledFields[domain.FieldQuantity] = extraction.Quantity.Value
		delete(missing, domain.FieldQuantity)
	}
	for f := range missing {
		result.StillMissing = append(result.StillMissing, f)
	}
	result.StillMissing = domain.NormalizeMissingFields(result.StillMissing)

	switch {
	case len(result.StillMissing) == 0:
		result.Outcome = in.OutcomeFoundConfirmed
	case len(result.FilledFields) > 0:
		result.Outcome = in.OutcomeFoundIncomplete
	default:
		result.Outcome = in.OutcomeNotFound
	}

	s.logOutcome(ctx, c, result, persisted)
	return result, nil
}

// =============================================================================
// Query Synthesis
// =============================================================================

// subjectTerms builds the PO-number subject variants searched for.
func subjectTerms(poNumber string) []string {
	terms := []string{poNumber}
	bare := strings.TrimPrefix(strings.TrimPrefix(poNumber, "PO-"), "PO ")
	if bare != poNumber {
		terms = append(terms, bare, "PO "+bare, "PO# "+bare)
	} else {
		terms = append(terms, "PO "+poNumber, "PO# "+poNumber)
	}
	return terms
}

// =============================================================================
// Scoring
// =============================================================================

type scoredMessage struct {
	msg   out.MailMessage
	score float64
}

// scoreCandidates ranks hits: linear recency decay from 100, +50 for a
// supplier From match, +10 per keyword hit on subject+snippet.
func (s *Service) scoreCandidates(c *domain.Case, extraKeywords []string, hits []out.MailMessage) []scoredMessage {
	now := time.Now().UTC()
	keywords := append([]string{}, scoreKeywords...)
	for _, k := range extraKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}

	scored := make([]scoredMessage, 0, len(hits))
	for _, msg := range hits {
		score := 0.0

		if !msg.ReceivedAt.IsZero() {
			days := now.Sub(msg.ReceivedAt).Hours() / 24
			score += recencyBase - days
		}

		from := strings.ToLower(msg.From)
		if c.SupplierEmail != "" && strings.Contains(from, strings.ToLower(c.SupplierEmail)) {
			score += supplierBonus
		} else if c.SupplierDomain != "" && strings.Contains(from, strings.ToLower(c.SupplierDomain)) {
			score += supplierBonus
		}

		haystack := strings.ToLower(msg.Subject + " " + msg.Snippet)
		for _, kw := range keywords {
			if containsKeyword(haystack, kw) {
				score += keywordBonus
			}
		}

		scored = append(scored, scoredMessage{msg: msg, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	return scored
}

// containsKeyword avoids "so" matching inside ordinary words.
func containsKeyword(haystack, kw string) bool {
	if len(kw) > 3 {
		return strings.Contains(haystack, kw)
	}
	re, err := regexp.Compile(`\b` + regexp.QuoteMeta(kw) + `\b`)
	if err != nil {
		return strings.Contains(haystack, kw)
	}
	return re.MatchString(haystack)
}

// persistCandidates upserts the top hits as case messages and returns their
// provider ids.
func (s *Service) persistCandidates(ctx context.Context, c *domain.Case, scored []scoredMessage) []string {
	var ids []string
	for i := range scored {
		if i >= topCandidates {
			break
		}
		msg := scored[i].msg
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
			logger.WithCase(c.CaseID).WithError(err).Warn("Failed to persist candidate message %s", msg.MessageID)
			continue
		}
		ids = append(ids, msg.MessageID)
	}
	return ids
}

func (s *Service) logOutcome(ctx context.Context, c *domain.Case, result *in.InboxSearchResult, messageIDs []string) {
	var evType domain.EventType
	switch result.Outcome {
	case in.OutcomeFoundConfirmed:
		evType = domain.EventTypeInboxSearchFound
	case in.OutcomeFoundIncomplete:
		evType = domain.EventTypeInboxSearchPartial
	default:
		evType = domain.EventTypeInboxSearchNotFound
	}

	ev := &domain.Event{
		CaseID:    c.CaseID,
		EventType: evType,
		Summary:   fmt.Sprintf("inbox probe: %s (%d candidates)", result.Outcome, result.Candidates),
		Meta: map[string]any{
			"filled_fields": result.FilledFields,
			"still_missing": result.StillMissing,
		},
	}
	if len(messageIDs) > 0 {
		ev.EvidenceRefs = &domain.EvidenceRefs{MessageIDs: messageIDs}
	}
	if err := s.events.Add(ctx, ev); err != nil {
		logger.WithCase(c.CaseID).WithError(err).Warn("Failed to log inbox outcome")
	}
}

// =============================================================================
// Body Extraction
// =============================================================================

var htmlTagPattern = regexp.MustCompile(`(?s)<[^>]*>`)
var htmlScriptPattern = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)

// ExtractBody decodes the best textual body of a message: text/plain first,
// then de-tagged HTML, then the snippet.
func ExtractBody(msg *out.MailMessage) string {
	if msg == nil || msg.Payload == nil {
		if msg != nil {
			return msg.Snippet
		}
		return ""
	}

	if plain := findBody(msg.Payload, "text/plain"); plain != "" {
		return plain
	}
	if html := findBody(msg.Payload, "text/html"); html != "" {
		return StripHTML(html)
	}
	return msg.Snippet
}

func findBody(part *out.MailPart, mimeType string) string {
	if strings.HasPrefix(part.MimeType, mimeType) && part.BodyDataB64 != "" {
		data, err := b64.Decode(part.BodyDataB64)
		if err != nil {
			return ""
		}
		return string(data)
	}
	for i := range part.Parts {
		if body := findBody(&part.Parts[i], mimeType); body != "" {
			return body
		}
	}
	return ""
}

// StripHTML reduces an HTML body to whitespace-normalized text.
func StripHTML(html string) string {
	text := htmlScriptPattern.ReplaceAllString(html, " ")
	text = htmlTagPattern.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	return strings.Join(strings.Fields(text), " ")
}

var _ in.InboxSearchService = (*Service)(nil)
