package agent

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
	"ack_server/pkg/logger"
)

// =============================================================================
// Orchestrator
// =============================================================================

// ProgressSink receives step-by-step progress during a run. It may be nil.
type ProgressSink func(step, detail string)

// Orchestrator drives one case through evidence collection, extraction,
// policy and (mode permitting) outreach.
type Orchestrator struct {
	states      in.CaseStateService
	inbox       in.InboxSearchService
	evidence    in.EvidenceService
	extractor   *extract.Extractor
	cases       out.CaseRepository
	events      out.EventRepository
	messages    out.MessageRepository
	attachments out.AttachmentRepository
	records     out.RecordRepository
	provider    out.MailProviderPort
	tokens      *auth.TokenService

	buyerEmail    string
	demoMode      bool
	demoRecipient string
	lookbackDays  int
	cooldown      time.Duration
}

// OrchestratorConfig carries the environment-derived knobs.
type OrchestratorConfig struct {
	BuyerEmail       string
	DemoMode         bool
	DemoRecipient    string
	LookbackDays     int
	FollowupCooldown time.Duration
}

func NewOrchestrator(
	states in.CaseStateService,
	inboxSvc in.InboxSearchService,
	evidenceSvc in.EvidenceService,
	extractor *extract.Extractor,
	cases out.CaseRepository,
	events out.EventRepository,
	messages out.MessageRepository,
	attachments out.AttachmentRepository,
	records out.RecordRepository,
	provider out.MailProviderPort,
	tokens *auth.TokenService,
	cfg OrchestratorConfig,
) *Orchestrator {
	lookback := cfg.LookbackDays
	if lookback <= 0 {
		lookback = 30
	}
	return &Orchestrator{
		states:        states,
		inbox:         inboxSvc,
		evidence:      evidenceSvc,
		extractor:     extractor,
		cases:         cases,
		events:        events,
		messages:      messages,
		attachments:   attachments,
		records:       records,
		provider:      provider,
		tokens:        tokens,
		buyerEmail:    cfg.BuyerEmail,
		demoMode:      cfg.DemoMode,
		demoRecipient: cfg.DemoRecipient,
		lookbackDays:  lookback,
		cooldown:      cfg.FollowupCooldown,
	}
}

// =============================================================================
// Request / Result
// =============================================================================

// OrchestrateRequest is one orchestration run.
type OrchestrateRequest struct {
	CaseID       string `json:"caseId"`
	Mode         string `json:"mode"`
	LookbackDays int    `json:"lookbackDays,omitempty"`
}

// SentInfo describes an email that actually went out.
type SentInfo struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
	To        string `json:"to"`
}

// NeedsHuman is the structured escalation block surfaced to callers.
type NeedsHuman struct {
	BlockingReason string   `json:"blocking_reason"`
	WhatAgentKnows []string `json:"what_agent_knows"`
	WhatAgentNeeds []string `json:"what_agent_needs"`
}

// OrchestrateResult is the full outcome of one run.
type OrchestrateResult struct {
	CaseID     string            `json:"case_id"`
	Mode       string            `json:"mode"`
	State      domain.CaseState  `json:"state"`
	Status     domain.CaseStatus `json:"status"`
	InboxClass string            `json:"inbox_class"`
	ThreadID   string            `json:"thread_id,omitempty"`

	Exceptions    []string        `json:"exceptions,omitempty"`
	Extracted     *extract.Result `json:"extracted,omitempty"`
	MissingFields []string        `json:"missing_fields"`

	Decision         *Decision   `json:"decision"`
	Draft            *Draft      `json:"draft,omitempty"`
	Sent             *SentInfo   `json:"sent,omitempty"`
	Queued           bool        `json:"queued,omitempty"`
	GuardrailSkipped string      `json:"guardrail_skipped,omitempty"`
	NeedsHuman       *NeedsHuman `json:"needs_human,omitempty"`
}

// =============================================================================
// Run
// =============================================================================

// Run executes the full pipeline for one case. In dry_run mode every write
// is skipped; the result reflects what would have happened.
func (o *Orchestrator) Run(ctx context.Context, req *OrchestrateRequest, sink ProgressSink) (*OrchestrateResult, error) {
	if req.CaseID == "" {
		return nil, apperr.BadRequest("caseId is required")
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeDryRun
	}
	switch mode {
	case ModeDryRun, ModeQueueOnly, ModeAutoSend:
	default:
		return nil, apperr.BadRequest(fmt.Sprintf("unknown mode %q", mode))
	}
	mutate := mode != ModeDryRun

	c, err := o.states.GetCase(ctx, req.CaseID)
	if err != nil {
		return nil, err
	}

	log := logger.WithCase(c.CaseID)
	emit := func(step, detail string) {
		log.Debug("orchestrate %s: %s", step, detail)
		if sink != nil {
			sink(step, detail)
		}
	}

	if mutate {
		o.addEvent(ctx, c.CaseID, domain.EventTypeAgentStarted,
			fmt.Sprintf("orchestration started in %s mode", mode), nil)
	}
	emit("started", fmt.Sprintf("case %s (%s) in state %s", c.PONumber, c.LineID, c.State))

	result := &OrchestrateResult{
		CaseID: c.CaseID,
		Mode:   mode,
		State:  c.State,
		Status: c.Status,
	}

	// Step 2: evidence collection.
	searchOutcome, err := o.collectEvidence(ctx, c, req.LookbackDays, mutate, emit)
	if err != nil {
		return nil, err
	}
	result.ThreadID = c.Meta.ThreadID

	// Step 3: exception detection.
	latestBody, latestSubject, latestMsgID := o.latestInbound(ctx, c.CaseID)
	pdfTexts, bestAtt := o.pdfEvidence(ctx, c.CaseID)
	result.Exceptions = DetectExceptions(append([]string{latestBody}, pdfTexts...)...)
	if len(result.Exceptions) > 0 {
		emit("exceptions", strings.Join(result.Exceptions, ", "))
	}

	// Step 4: field extraction, PDF-first.
	extracted, err := o.extractFields(ctx, c, bestAtt, latestBody, latestMsgID, mutate, emit)
	if err != nil {
		return nil, err
	}
	result.Extracted = extracted

	// Step 5: recompute missing fields, advance state if resolved.
	missing := o.recomputeMissing(ctx, c, extracted, bestAtt, mutate, emit)
	result.MissingFields = missing
	result.State = c.State
	result.Status = c.Status

	// Step 6: policy.
	inboxClass := classify(searchOutcome, c, missing, latestMsgID, len(pdfTexts) > 0)
	result.InboxClass = inboxClass
	decision := ApplyPolicy(o.policyInput(ctx, c, inboxClass, result.Exceptions, extracted, missing, mode))
	result.Decision = decision
	emit("policy", fmt.Sprintf("%s (%s): %s", decision.Action, decision.Risk, decision.Reason))
	if mutate {
		o.addEvent(ctx, c.CaseID, domain.EventTypeAgentDecision,
			fmt.Sprintf("policy decided %s at %s risk", decision.Action, decision.Risk),
			map[string]any{"rule": decision.Rule, "reason": decision.Reason, "mode": mode})
	}

	// Step 7: draft.
	if decision.Action == ActionDraftEmail || decision.Action == ActionSendEmail {
		result.Draft = o.buildDraft(c, missing, latestSubject, result.Exceptions)
		emit("draft", fmt.Sprintf("drafted %q to %s", result.Draft.Subject, result.Draft.DisplayedTo))
	}

	// Step 8: guardrails gate auto-send.
	if decision.Action == ActionSendEmail {
		if name := failedGuardrail(c, result.Draft, missing, decision); name != "" {
			decision.Action = ActionDraftEmail
			result.GuardrailSkipped = name
			emit("guardrail", fmt.Sprintf("auto-send blocked by %s, downgraded to draft", name))
			if mutate {
				o.addEvent(ctx, c.CaseID, domain.EventTypeAgentEmailSkipped,
					fmt.Sprintf("auto-send blocked by guardrail %s", name),
					map[string]any{"guardrail": name})
			}
		}
	}

	// Step 9: send.
	if decision.Action == ActionSendEmail && mutate {
		sent, err := o.send(ctx, c, result.Draft, latestMsgID, emit)
		if err != nil {
			return nil, err
		}
		result.Sent = sent
		result.State = c.State
	}

	// Step 10: queue for approval outside auto_send.
	if mode != ModeAutoSend && decision.Action != ActionNoOp && decision.Action != ActionNeedsHuman {
		if mutate {
			if err := o.enqueue(ctx, c, decision, result.Draft); err != nil {
				log.WithError(err).Warn("failed to queue agent action")
			} else {
				result.Queued = true
			}
		} else {
			result.Queued = true
		}
		emit("queued", string(decision.Action))
	}

	if decision.Action == ActionNeedsHuman {
		o.escalate(ctx, c, result, decision, mode, mutate, emit)
	}

	emit("done", string(decision.Action))
	return result, nil
}

// =============================================================================
// Step 2: Evidence Collection
// =============================================================================

// collectEvidence resolves the supplier thread, pulls its attachments and
// opportunistically fills the supplier address. It mutates c in place to the
// freshest view. Returns the inbox search outcome when a search ran.
func (o *Orchestrator) collectEvidence(ctx context.Context, c *domain.Case, lookbackDays int, mutate bool, emit ProgressSink) (in.InboxOutcome, error) {
	var outcome in.InboxOutcome

	threadID := c.Meta.ThreadID
	if threadID == "" {
		lookback := lookbackDays
		if lookback <= 0 {
			lookback = o.lookbackDays
		}
		res, err := o.inbox.SearchForCase(ctx, &in.InboxSearchRequest{
			CaseID:       c.CaseID,
			LookbackDays: lookback,
		})
		if err != nil {
			return "", err
		}
		outcome = res.Outcome
		threadID = res.ThreadID
		emit("inbox_search", fmt.Sprintf("%s, %d candidates", res.Outcome, res.Candidates))

		if threadID != "" && mutate {
			meta := c.Meta
			meta.ThreadID = threadID
			if err := o.cases.Update(ctx, c.CaseID, &domain.CasePatch{Meta: &meta}); err != nil {
				return "", err
			}
			c.Meta = meta
		} else if threadID != "" {
			c.Meta.ThreadID = threadID
		}
	}

	if threadID != "" {
		summary, err := o.evidence.RetrieveEvidence(ctx, &in.EvidenceRequest{
			CaseID:   c.CaseID,
			ThreadID: threadID,
		})
		if err != nil {
			return outcome, err
		}
		emit("evidence", fmt.Sprintf("%d stored, %d reused, %d skipped",
			summary.Inserted, summary.Reused, summary.Skipped))
	}

	if c.SupplierEmail == "" {
		o.fillSupplierEmail(ctx, c, mutate, emit)
	}
	return outcome, nil
}

var addrPattern = regexp.MustCompile(`<([^>]+)>`)

// parseAddr pulls the bare address out of a From header.
func parseAddr(from string) string {
	if m := addrPattern.FindStringSubmatch(from); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(from)
}

// fillSupplierEmail adopts the sender of the newest inbound message as the
// supplier address when the case has none and the sender looks human.
func (o *Orchestrator) fillSupplierEmail(ctx context.Context, c *domain.Case, mutate bool, emit ProgressSink) {
	msg, err := o.messages.LatestInbound(ctx, c.CaseID)
	if err != nil {
		return
	}
	addr := strings.ToLower(parseAddr(msg.FromAddr))
	if addr == "" || !strings.Contains(addr, "@") {
		return
	}
	if strings.Contains(addr, "noreply") || strings.Contains(addr, "no-reply") {
		return
	}
	if o.buyerEmail != "" && strings.Contains(addr, strings.ToLower(o.buyerEmail)) {
		return
	}

	domainPart := addr[strings.Index(addr, "@")+1:]
	if mutate {
		patch := &domain.CasePatch{SupplierEmail: &addr, SupplierDomain: &domainPart}
		if err := o.cases.Update(ctx, c.CaseID, patch); err != nil {
			return
		}
	}
	c.SupplierEmail = addr
	c.SupplierDomain = domainPart
	emit("supplier_email", addr)
}

// latestInbound returns the body, subject and id of the newest inbound
// message, or empties when none exists.
func (o *Orchestrator) latestInbound(ctx context.Context, caseID string) (body, subject, messageID string) {
	msg, err := o.messages.LatestInbound(ctx, caseID)
	if err != nil {
		return "", "", ""
	}
	body = msg.Body
	if body == "" {
		body = msg.Snippet
	}
	return body, msg.Subject, msg.MessageID
}

// pdfEvidence returns the text extracts of all hashed PDF attachments plus
// the newest one usable as extraction evidence.
func (o *Orchestrator) pdfEvidence(ctx context.Context, caseID string) ([]string, *domain.Attachment) {
	atts, err := o.attachments.ListByCase(ctx, caseID)
	if err != nil {
		return nil, nil
	}
	sort.Slice(atts, func(i, j int) bool { return atts[i].CreatedAt.After(atts[j].CreatedAt) })

	var texts []string
	var best *domain.Attachment
	for _, a := range atts {
		if !a.IsPDF() || a.ContentSHA256 == "" {
			continue
		}
		if a.TextExtract != "" {
			texts = append(texts, a.TextExtract)
		}
		if best == nil && a.TextExtract != "" {
			best = a
		}
	}
	return texts, best
}

// =============================================================================
// Step 4: Extraction
// =============================================================================

// extractFields runs the extractor over the best evidence and persists the
// outcome to the case meta and the extraction audit table.
func (o *Orchestrator) extractFields(ctx context.Context, c *domain.Case, bestAtt *domain.Attachment, emailText, latestMsgID string, mutate bool, emit ProgressSink) (*extract.Result, error) {
	pdfText := ""
	if bestAtt != nil {
		pdfText = bestAtt.TextExtract
	}
	if pdfText == "" && emailText == "" {
		return nil, nil
	}

	result, err := o.extractor.Extract(ctx, &extract.Request{
		PDFText:     pdfText,
		EmailText:   emailText,
		PONumber:    c.PONumber,
		ExpectedQty: c.ExpectedQty,
	})
	if err != nil {
		return nil, err
	}
	if result.FieldCount() == 0 {
		emit("extract", "no fields extracted")
		return result, nil
	}
	emit("extract", fmt.Sprintf("%d field(s) at min confidence %.2f from %s",
		result.FieldCount(), result.MinConfidence(), result.EvidenceSource))

	if !mutate {
		return result, nil
	}

	best := buildBestFields(result, bestAtt, latestMsgID)
	meta := c.Meta
	meta.ParsedBestFields = best
	if err := o.cases.Update(ctx, c.CaseID, &domain.CasePatch{Meta: &meta}); err != nil {
		return nil, err
	}
	c.Meta = meta

	if err := o.persistExtraction(ctx, c, best); err != nil {
		logger.WithCase(c.CaseID).WithError(err).Warn("failed to persist extraction")
	}
	return result, nil
}

// buildBestFields maps an extraction result onto the persisted meta shape.
func buildBestFields(r *extract.Result, bestAtt *domain.Attachment, latestMsgID string) *domain.ParsedBestFields {
	best := &domain.ParsedBestFields{
		MinConfidence:     r.MinConfidence(),
		EvidenceSource:    r.EvidenceSource,
		EvidenceMessageID: latestMsgID,
	}
	if r.SupplierReference != nil {
		best.SupplierReference = r.SupplierReference.Value
	}
	if r.DeliveryDate != nil {
		best.DeliveryDate = r.DeliveryDate.Value
	}
	if r.Quantity != nil {
		if v, ok := parseQty(r.Quantity.Value); ok {
			best.Quantity = &v
		}
	}
	if bestAtt != nil {
		best.EvidenceAttachmentID = bestAtt.AttachmentID
		best.EvidenceSHA256 = bestAtt.ContentSHA256
	}
	return best
}

// persistExtraction writes the audit extraction row and upserts the
// authoritative confirmation record.
func (o *Orchestrator) persistExtraction(ctx context.Context, c *domain.Case, best *domain.ParsedBestFields) error {
	ex := &domain.ConfirmationExtraction{
		CaseID:               c.CaseID,
		SupplierReference:    best.SupplierReference,
		DeliveryDate:         best.DeliveryDate,
		Quantity:             best.Quantity,
		MinConfidence:        best.MinConfidence,
		EvidenceSource:       best.EvidenceSource,
		EvidenceAttachmentID: best.EvidenceAttachmentID,
		EvidenceMessageID:    best.EvidenceMessageID,
	}
	if err := o.records.AddExtraction(ctx, ex); err != nil {
		return err
	}
	return o.records.Upsert(ctx, &domain.ConfirmationRecord{
		POID:               c.PONumber,
		LineID:             c.LineID,
		SupplierReference:  best.SupplierReference,
		DeliveryDate:       best.DeliveryDate,
		Quantity:           best.Quantity,
		SourceAttachmentID: best.EvidenceAttachmentID,
		SourceMessageID:    best.EvidenceMessageID,
	})
}

// =============================================================================
// Step 5: Missing-Field Recompute
// =============================================================================

// recomputeMissing subtracts filled keys from the case's missing set and,
// when the set empties, walks the case to RESOLVED/CONFIRMED.
func (o *Orchestrator) recomputeMissing(ctx context.Context, c *domain.Case, r *extract.Result, bestAtt *domain.Attachment, mutate bool, emit ProgressSink) []string {
	missing := domain.NormalizeMissingFields(c.MissingFields)
	if r == nil || r.FieldCount() == 0 {
		return missing
	}

	filled := map[string]bool{}
	for _, k := range r.FilledKeys() {
		filled[k] = true
	}
	var remaining []string
	for _, k := range missing {
		if !filled[k] {
			remaining = append(remaining, k)
		}
	}
	if remaining == nil {
		remaining = []string{}
	}
	if len(remaining) == len(missing) {
		return missing
	}
	emit("missing_fields", fmt.Sprintf("%d -> %d", len(missing), len(remaining)))

	if !mutate {
		return remaining
	}

	evidence := &domain.EvidenceRefs{}
	sourceType := r.EvidenceSource
	if bestAtt != nil {
		evidence.AttachmentIDs = []string{bestAtt.AttachmentID}
		evidence.ContentSHA256 = bestAtt.ContentSHA256
	}

	// Advance to PARSED when the table allows it, carrying the shrink.
	if to := domain.TransitionTarget(c.State, domain.EventFoundEvidence); to != "" {
		res, err := o.states.TransitionCase(ctx, &in.TransitionRequest{
			CaseID:     c.CaseID,
			ToState:    to,
			Event:      domain.EventFoundEvidence,
			Summary:    fmt.Sprintf("extraction filled %d field(s)", r.FieldCount()),
			Evidence:   evidence,
			SourceType: sourceType,
			Patch:      &domain.CasePatch{MissingFields: &remaining},
		})
		if err != nil {
			logger.WithCase(c.CaseID).WithError(err).Warn("parse transition failed")
		} else if res.Applied || res.Skipped == "idempotent" {
			c.State = res.ToState
		}
	} else {
		if err := o.cases.Update(ctx, c.CaseID, &domain.CasePatch{MissingFields: &remaining}); err != nil {
			logger.WithCase(c.CaseID).WithError(err).Warn("missing-field update failed")
			return remaining
		}
	}
	c.MissingFields = remaining

	if len(remaining) == 0 && c.State == domain.StateParsed {
		status := domain.StatusConfirmed
		res, err := o.states.TransitionCase(ctx, &in.TransitionRequest{
			CaseID:     c.CaseID,
			ToState:    domain.StateResolved,
			Event:      domain.EventResolveOK,
			Summary:    "all confirmation fields present",
			Evidence:   evidence,
			SourceType: sourceType,
			Patch:      &domain.CasePatch{Status: &status},
		})
		if err != nil {
			logger.WithCase(c.CaseID).WithError(err).Warn("resolve transition failed")
		} else if res.Applied {
			c.State = domain.StateResolved
			c.Status = domain.StatusConfirmed
			emit("resolved", "case confirmed")
		}
	}
	return remaining
}

// =============================================================================
// Step 6: Policy Input
// =============================================================================

// classify derives the inbox class when no fresh search ran this cycle.
func classify(searchOutcome in.InboxOutcome, c *domain.Case, missing []string, latestMsgID string, hasPDF bool) string {
	if searchOutcome != "" {
		return string(searchOutcome)
	}
	if latestMsgID == "" && !hasPDF {
		return string(in.OutcomeNotFound)
	}
	if len(missing) == 0 {
		return string(in.OutcomeFoundConfirmed)
	}
	return string(in.OutcomeFoundIncomplete)
}

func (o *Orchestrator) policyInput(ctx context.Context, c *domain.Case, inboxClass string, exceptions []string, r *extract.Result, missing []string, mode string) *PolicyInput {
	input := &PolicyInput{
		InboxClass:    inboxClass,
		Exceptions:    exceptions,
		MissingFields: missing,
		LastActionAt:  c.LastAction,
		Mode:          mode,
		Now:           time.Now(),
		Cooldown:      o.cooldown,
	}
	if r != nil {
		input.MinConfidence = r.MinConfidence()
		input.FieldCount = r.FieldCount()
	}
	if best := c.Meta.ParsedBestFields; best != nil {
		input.HasSupplierRef = best.SupplierReference != ""
		input.HasDeliveryDate = best.DeliveryDate != ""
	}
	if ev, err := o.events.Last(ctx, c.CaseID, domain.EventTypeEmailSent); err == nil {
		t := ev.CreatedAt
		input.LastEmailSentAt = &t
	}
	return input
}

// =============================================================================
// Steps 7-9: Draft, Guardrails, Send
// =============================================================================

func (o *Orchestrator) buildDraft(c *domain.Case, missing []string, threadSubject string, exceptions []string) *Draft {
	opts := &DraftOptions{
		ThreadID:      c.Meta.ThreadID,
		ThreadSubject: threadSubject,
		DemoMode:      o.demoMode,
		DemoRecipient: o.demoRecipient,
	}
	if len(exceptions) > 0 {
		opts.Context = "We received your note about changes to this order and want to make sure we align before updating our records."
	}
	return BuildDraft(c, missing, opts)
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// failedGuardrail returns the name of the first guardrail that blocks an
// auto-send, or empty when all pass.
func failedGuardrail(c *domain.Case, draft *Draft, missing []string, decision *Decision) string {
	if draft == nil || c.SupplierEmail == "" || !emailPattern.MatchString(c.SupplierEmail) {
		return "supplier_email"
	}
	if len(missing) > maxMissingForAutoSend {
		return "missing_fields"
	}
	if len(draft.Body) > maxDraftBodyLen {
		return "body_length"
	}
	if decision.Action == ActionNoOp {
		return "no_op"
	}
	return ""
}

// send mails the draft, persists the outbound message and advances state.
func (o *Orchestrator) send(ctx context.Context, c *domain.Case, draft *Draft, replyToMsgID string, emit ProgressSink) (*SentInfo, error) {
	token, err := o.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	outgoing := &out.OutgoingMail{
		To:       []string{draft.ActualTo},
		BCC:      draft.Bcc,
		Subject:  draft.Subject,
		Body:     draft.Body,
		ThreadID: draft.ThreadID,
	}

	var sent *out.SendResult
	if draft.IsReply && replyToMsgID != "" {
		sent, err = o.provider.Reply(ctx, token, replyToMsgID, outgoing)
	} else {
		sent, err = o.provider.Send(ctx, token, outgoing)
	}
	if err != nil {
		return nil, err
	}
	emit("sent", fmt.Sprintf("message %s in thread %s", sent.MessageID, sent.ThreadID))

	// The email is out; everything after this must not undo that fact.
	now := sent.SentAt
	msg := &domain.Message{
		MessageID:  sent.MessageID,
		CaseID:     c.CaseID,
		ThreadID:   sent.ThreadID,
		Direction:  domain.DirectionOutbound,
		FromAddr:   o.buyerEmail,
		ToAddr:     draft.ActualTo,
		Subject:    draft.Subject,
		Body:       draft.Body,
		ReceivedAt: &now,
	}
	if err := o.messages.Upsert(ctx, msg); err != nil {
		logger.WithCase(c.CaseID).WithError(err).Error("failed to persist outbound message")
	}

	meta := c.Meta
	meta.ThreadID = sent.ThreadID
	meta.LastSentMessageID = sent.MessageID
	meta.LastSentAt = &now
	if err := o.cases.Update(ctx, c.CaseID, &domain.CasePatch{Meta: &meta, LastAction: &now}); err != nil {
		logger.WithCase(c.CaseID).WithError(err).Error("failed to persist send metadata")
	} else {
		c.Meta = meta
	}

	o.addEvent(ctx, c.CaseID, domain.EventTypeEmailSent,
		fmt.Sprintf("sent %q to %s", draft.Subject, draft.DisplayedTo),
		map[string]any{"message_id": sent.MessageID, "thread_id": sent.ThreadID, "demo_mode": o.demoMode})

	event := sendEvent(c.State)
	if event != "" {
		if res, err := o.states.TransitionCase(ctx, &in.TransitionRequest{
			CaseID:  c.CaseID,
			ToState: domain.TransitionTarget(c.State, event),
			Event:   event,
			Summary: fmt.Sprintf("outreach sent to %s", draft.DisplayedTo),
		}); err != nil {
			logger.WithCase(c.CaseID).WithError(err).Warn("send transition failed")
		} else if res.Applied {
			c.State = res.ToState
		}
	}

	return &SentInfo{MessageID: sent.MessageID, ThreadID: sent.ThreadID, To: draft.DisplayedTo}, nil
}

// sendEvent picks the transition for an outbound email from this state.
// States with no outgoing send edge keep their state; the EMAIL_SENT event
// still records the send.
func sendEvent(state domain.CaseState) domain.TransitionEvent {
	switch state {
	case domain.StateInboxLookup:
		return domain.EventOutreachSentOK
	case domain.StateWaiting:
		return domain.EventFollowupSentOK
	default:
		return ""
	}
}

// =============================================================================
// Step 10: Queue & Escalation
// =============================================================================

// enqueue appends the pending action to meta.agent_queue for human approval.
func (o *Orchestrator) enqueue(ctx context.Context, c *domain.Case, decision *Decision, draft *Draft) error {
	item := domain.AgentQueueItem{
		Action:   string(decision.Action),
		Risk:     string(decision.Risk),
		Reason:   decision.Reason,
		QueuedAt: time.Now(),
	}
	if draft != nil {
		item.Subject = draft.Subject
		item.Body = draft.Body
		item.To = draft.DisplayedTo
	}
	meta := c.Meta
	meta.AgentQueue = append(meta.AgentQueue, item)
	if err := o.cases.Update(ctx, c.CaseID, &domain.CasePatch{Meta: &meta}); err != nil {
		return err
	}
	c.Meta = meta
	return nil
}

// escalate handles NEEDS_HUMAN: a real escalation transition in auto_send,
// an informational event plus a structured block otherwise.
func (o *Orchestrator) escalate(ctx context.Context, c *domain.Case, result *OrchestrateResult, decision *Decision, mode string, mutate bool, emit ProgressSink) {
	result.NeedsHuman = o.needsHumanBlock(c, result, decision)

	if mode == ModeAutoSend && mutate {
		if to := domain.TransitionTarget(c.State, domain.EventEscalation); to != "" {
			status := domain.StatusEscalated
			if res, err := o.states.TransitionCase(ctx, &in.TransitionRequest{
				CaseID:  c.CaseID,
				ToState: to,
				Event:   domain.EventEscalation,
				Summary: decision.Reason,
				Patch:   &domain.CasePatch{Status: &status},
			}); err != nil {
				logger.WithCase(c.CaseID).WithError(err).Warn("escalation transition failed")
			} else if res.Applied {
				c.State = res.ToState
				c.Status = domain.StatusEscalated
				result.State = c.State
				result.Status = c.Status
			}
			emit("escalated", decision.Reason)
			return
		}
	}
	if mutate {
		o.addEvent(ctx, c.CaseID, domain.EventTypeAgentNeedsHuman, decision.Reason,
			map[string]any{"rule": decision.Rule, "mode": mode})
	}
	emit("needs_human", decision.Reason)
}

// needsHumanBlock summarizes case knowledge for the human picking this up.
func (o *Orchestrator) needsHumanBlock(c *domain.Case, result *OrchestrateResult, decision *Decision) *NeedsHuman {
	var knows []string
	if best := c.Meta.ParsedBestFields; best != nil {
		if best.SupplierReference != "" {
			knows = append(knows, fmt.Sprintf("supplier reference %s", best.SupplierReference))
		}
		if best.DeliveryDate != "" {
			knows = append(knows, fmt.Sprintf("delivery date %s", best.DeliveryDate))
		}
		if best.Quantity != nil {
			knows = append(knows, fmt.Sprintf("quantity %g", *best.Quantity))
		}
	}
	if c.Meta.ThreadID != "" {
		knows = append(knows, fmt.Sprintf("supplier thread %s", c.Meta.ThreadID))
	}
	if len(result.Exceptions) > 0 {
		knows = append(knows, fmt.Sprintf("supplier exceptions: %s", strings.Join(result.Exceptions, ", ")))
	}

	var needs []string
	for _, key := range result.MissingFields {
		if ask, ok := missingFieldAsks[key]; ok {
			needs = append(needs, ask)
		} else {
			needs = append(needs, key)
		}
	}
	if len(result.Exceptions) > 0 {
		needs = append(needs, "a decision on the supplier's requested change")
	}

	return &NeedsHuman{
		BlockingReason: decision.Reason,
		WhatAgentKnows: knows,
		WhatAgentNeeds: needs,
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (o *Orchestrator) addEvent(ctx context.Context, caseID string, eventType domain.EventType, summary string, meta map[string]any) {
	ev := &domain.Event{
		CaseID:    caseID,
		EventType: eventType,
		Summary:   summary,
		Meta:      meta,
	}
	if err := o.events.Add(ctx, ev); err != nil {
		logger.WithCase(caseID).WithError(err).Warn("failed to record %s event", string(eventType))
	}
}

func parseQty(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, false
	}
	var v float64
	if _, err := fmt.Sscanf(s, "%f", &v); err != nil {
		return 0, false
	}
	return v, true
}
