// Package poll drives due cases through the evidence pipeline.
package poll

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"ack_server/core/domain"
	"ack_server/core/port/in"
	"ack_server/core/port/out"
	"ack_server/core/service/extract"
	"ack_server/pkg/logger"
)

const defaultBatchSize = 25

// =============================================================================
// Service
// =============================================================================

// Service implements in.PollService. One run is sequential over its batch;
// a failing case is isolated and never stops the others.
type Service struct {
	cases       out.CaseRepository
	messages    out.MessageRepository
	attachments out.AttachmentRepository
	records     out.RecordRepository

	states    in.CaseStateService
	inbox     in.InboxSearchService
	evidence  in.EvidenceService
	extractor *extract.Extractor

	batchSize    int
	lookbackDays int
}

// NewService creates the due-case poller.
func NewService(
	cases out.CaseRepository,
	messages out.MessageRepository,
	attachments out.AttachmentRepository,
	records out.RecordRepository,
	states in.CaseStateService,
	inbox in.InboxSearchService,
	evidence in.EvidenceService,
	extractor *extract.Extractor,
	batchSize, lookbackDays int,
) *Service {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Service{
		cases:        cases,
		messages:     messages,
		attachments:  attachments,
		records:      records,
		states:       states,
		inbox:        inbox,
		evidence:     evidence,
		extractor:    extractor,
		batchSize:    batchSize,
		lookbackDays: lookbackDays,
	}
}

// PollDue selects due cases and runs the discover → retrieve → verify
// pipeline on each.
func (s *Service) PollDue(ctx context.Context, opts *in.PollOptions) (*in.PollRunResult, error) {
	if opts == nil {
		opts = &in.PollOptions{}
	}
	limit := opts.Limit
	if limit <= 0 || limit > s.batchSize {
		limit = s.batchSize
	}

	started := time.Now().UTC()
	due, err := s.cases.ListDue(ctx, started, limit)
	if err != nil {
		return nil, err
	}

	result := &in.PollRunResult{Due: len(due), StartedAt: started}

	for _, c := range due {
		cr := s.pollCase(ctx, c.CaseID, opts.DryRun)
		result.Cases = append(result.Cases, *cr)
		switch {
		case cr.Error != "":
			result.Errored++
		case cr.Outcome == "skipped":
			result.Skipped++
		default:
			result.Processed++
		}
	}

	result.Duration = time.Since(started).String()
	logger.WithFields(map[string]any{
		"due":       result.Due,
		"processed": result.Processed,
		"skipped":   result.Skipped,
		"errored":   result.Errored,
	}).Info("Poll run finished in %s", result.Duration)

	return result, nil
}

// pollCase runs the pipeline for a single case. Any failure transitions the
// case to ERROR and is reported, not propagated.
func (s *Service) pollCase(ctx context.Context, caseID string, dryRun bool) *in.PollCaseResult {
	cr := &in.PollCaseResult{CaseID: caseID}

	// Re-read: the batch snapshot may be stale by the time we get here.
	c, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		cr.Error = err.Error()
		return cr
	}
	cr.PONumber = c.PONumber
	cr.FromState = c.State

	stillDue := c.State == domain.InitialState ||
		(c.State.IsScheduled() && c.NextCheckAt != nil && !c.NextCheckAt.After(time.Now().UTC()))
	if !stillDue {
		cr.Outcome = "skipped"
		return cr
	}

	if err := s.probe(ctx, c, dryRun, cr); err != nil {
		cr.Error = err.Error()
		if dryRun {
			return cr
		}
		s.failCase(ctx, c, err)
		cr.ToState = domain.StateError
	}
	return cr
}

// probe is the single evidence pipeline: discover thread, retrieve
// attachments, verify hash, transition.
func (s *Service) probe(ctx context.Context, c *domain.Case, dryRun bool, cr *in.PollCaseResult) error {
	threadID := c.Meta.ThreadID
	var searchResult *in.InboxSearchResult

	if threadID == "" {
		var err error
		searchResult, err = s.inbox.SearchForCase(ctx, &in.InboxSearchRequest{
			CaseID:       c.CaseID,
			LookbackDays: s.lookbackDays,
		})
		if err != nil {
			return err
		}
		threadID = searchResult.ThreadID
	}

	if dryRun {
		cr.Outcome = "dry_run"
		cr.Debug = s.threadDebug(ctx, c, threadID, searchResult)
		return nil
	}

	if threadID == "" {
		// Nothing to look at; schedule the next probe.
		return s.noEvidence(ctx, c, cr, "no thread discovered")
	}

	summary, err := s.evidence.RetrieveEvidence(ctx, &in.EvidenceRequest{
		CaseID:   c.CaseID,
		ThreadID: threadID,
	})
	if err != nil {
		return err
	}

	// Persist a newly discovered thread for the next run.
	if c.Meta.ThreadID == "" && threadID != "" {
		meta := c.Meta
		meta.ThreadID = threadID
		if err := s.cases.Update(ctx, c.CaseID, &domain.CasePatch{Meta: &meta}); err != nil {
			logger.WithCase(c.CaseID).WithError(err).Warn("Failed to persist discovered thread")
		} else {
			c.Meta = meta
		}
	}

	best := s.bestPDF(ctx, c)
	if best == nil {
		return s.noEvidence(ctx, c, cr,
			fmt.Sprintf("no hashed PDF in thread (%d skipped)", summary.Skipped))
	}

	// Known hash: evidence has not changed, only the schedule moves.
	if prev := c.Meta.ParsedBestFields; prev != nil && prev.EvidenceSHA256 == best.ContentSHA256 {
		return s.noEvidence(ctx, c, cr, "evidence hash unchanged")
	}

	return s.foundEvidence(ctx, c, best, cr)
}

// bestPDF returns the newest hashed PDF attachment of the case.
func (s *Service) bestPDF(ctx context.Context, c *domain.Case) *domain.Attachment {
	atts, err := s.attachments.ListByCase(ctx, c.CaseID)
	if err != nil {
		logger.WithCase(c.CaseID).WithError(err).Warn("Failed to list case attachments")
		return nil
	}
	for _, att := range atts {
		if att.IsPDF() && att.ContentSHA256 != "" {
			return att
		}
	}
	return nil
}

// noEvidence advances the schedule via the NO_EVIDENCE edge and stamps the
// probe time.
func (s *Service) noEvidence(ctx context.Context, c *domain.Case, cr *in.PollCaseResult, reason string) error {
	now := time.Now().UTC()
	np := &now
	toState := domain.TransitionTarget(c.State, domain.EventNoEvidence)
	if toState == "" {
		// PARSED and terminal states do not take NO_EVIDENCE; leave them.
		cr.Outcome = "skipped"
		return nil
	}

	res, err := s.states.TransitionCase(ctx, &in.TransitionRequest{
		CaseID:  c.CaseID,
		ToState: toState,
		Event:   domain.EventNoEvidence,
		Summary: reason,
		Patch:   &domain.CasePatch{LastInboxCheckAt: &np},
	})
	if err != nil {
		return err
	}
	cr.ToState = res.ToState
	cr.Outcome = "no_evidence"
	if res.Skipped != "" {
		cr.Outcome = "skipped"
	}
	return nil
}

// foundEvidence extracts fields from the PDF, persists them, and advances
// the case; a fully confirmed case resolves immediately.
func (s *Service) foundEvidence(ctx context.Context, c *domain.Case, att *domain.Attachment, cr *in.PollCaseResult) error {
	extraction, err := s.extractor.Extract(ctx, &extract.Request{
		PDFText:     att.TextExtract,
		PONumber:    c.PONumber,
		ExpectedQty: c.ExpectedQty,
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	np := &now

	meta := c.Meta
	best := &domain.ParsedBestFields{
		MinConfidence:        extraction.MinConfidence(),
		EvidenceSource:       extraction.EvidenceSource,
		EvidenceAttachmentID: att.AttachmentID,
		EvidenceMessageID:    att.MessageID,
		EvidenceSHA256:       att.ContentSHA256,
	}
	if extraction.SupplierReference != nil {
		best.SupplierReference = extraction.SupplierReference.Value
	}
	if extraction.DeliveryDate != nil {
		best.DeliveryDate = extraction.DeliveryDate.Value
	}
	if extraction.Quantity != nil {
		if qty, ok := parseFloat(extraction.Quantity.Value); ok {
			best.Quantity = &qty
		}
	}
	meta.ParsedBestFields = best

	remaining := remainingMissing(c.MissingFields, extraction)

	res, err := s.states.TransitionCase(ctx, &in.TransitionRequest{
		CaseID:  c.CaseID,
		ToState: domain.StateParsed,
		Event:   domain.EventFoundEvidence,
		Summary: fmt.Sprintf("PDF evidence %s parsed (%s)", att.Filename, extraction.EvidenceSource),
		Evidence: &domain.EvidenceRefs{
			MessageIDs:    []string{att.MessageID},
			AttachmentIDs: []string{att.AttachmentID},
			ContentSHA256: att.ContentSHA256,
		},
		SourceType: extraction.EvidenceSource,
		Patch: &domain.CasePatch{
			MissingFields:    &remaining,
			Meta:             &meta,
			LastInboxCheckAt: &np,
		},
	})
	if err != nil {
		return err
	}
	cr.ToState = res.ToState
	cr.Outcome = "found_evidence"
	if res.Skipped != "" {
		cr.Outcome = "skipped"
		return nil
	}

	s.persistExtraction(ctx, c, att, extraction)

	if len(remaining) == 0 {
		confirmed := domain.StatusConfirmed
		resolveRes, err := s.states.TransitionCase(ctx, &in.TransitionRequest{
			CaseID:  c.CaseID,
			ToState: domain.StateResolved,
			Event:   domain.EventResolveOK,
			Summary: "all confirmation fields filled",
			Patch:   &domain.CasePatch{Status: &confirmed},
		})
		if err != nil {
			return err
		}
		cr.ToState = resolveRes.ToState
		cr.Outcome = "resolved"
	}
	return nil
}

// persistExtraction records the run for audit and upserts the authoritative
// confirmation record.
func (s *Service) persistExtraction(ctx context.Context, c *domain.Case, att *domain.Attachment, extraction *extract.Result) {
	ex := &domain.ConfirmationExtraction{
		CaseID:               c.CaseID,
		MinConfidence:        extraction.MinConfidence(),
		EvidenceSource:       extraction.EvidenceSource,
		EvidenceAttachmentID: att.AttachmentID,
		EvidenceMessageID:    att.MessageID,
	}
	rec := &domain.ConfirmationRecord{
		POID:               c.PONumber,
		LineID:             c.LineID,
		SourceAttachmentID: att.AttachmentID,
		SourceMessageID:    att.MessageID,
	}
	if extraction.SupplierReference != nil {
		ex.SupplierReference = extraction.SupplierReference.Value
		rec.SupplierReference = extraction.SupplierReference.Value
	}
	if extraction.DeliveryDate != nil {
		ex.DeliveryDate = extraction.DeliveryDate.Value
		rec.DeliveryDate = extraction.DeliveryDate.Value
	}
	if extraction.Quantity != nil {
		if qty, ok := parseFloat(extraction.Quantity.Value); ok {
			ex.Quantity = &qty
			rec.Quantity = &qty
		}
	}

	if err := s.records.AddExtraction(ctx, ex); err != nil {
		logger.WithCase(c.CaseID).WithError(err).Warn("Failed to persist extraction run")
	}
	if err := s.records.Upsert(ctx, rec); err != nil {
		logger.WithCase(c.CaseID).WithError(err).Warn("Failed to upsert confirmation record")
	}
}

// failCase isolates an error: transition to ERROR via FAILURE, never
// propagate.
func (s *Service) failCase(ctx context.Context, c *domain.Case, cause error) {
	failed := domain.StatusFailed
	if _, err := s.states.TransitionCase(ctx, &in.TransitionRequest{
		CaseID:  c.CaseID,
		ToState: domain.StateError,
		Event:   domain.EventFailure,
		Summary: fmt.Sprintf("poll failed: %v", cause),
		Patch:   &domain.CasePatch{Status: &failed},
	}); err != nil {
		logger.WithCase(c.CaseID).WithError(err).Error("Failed to transition case to ERROR")
	}
}

// threadDebug assembles the dry-run diagnostic block.
func (s *Service) threadDebug(ctx context.Context, c *domain.Case, threadID string, searchResult *in.InboxSearchResult) map[string]any {
	debug := map[string]any{
		"thread_id":     threadID,
		"state":         string(c.State),
		"missing":       c.MissingFields,
		"next_check_at": c.NextCheckAt,
	}
	if searchResult != nil {
		debug["search_outcome"] = string(searchResult.Outcome)
		debug["candidates"] = searchResult.Candidates
		debug["scores"] = searchResult.Scores
	}
	if msgs, err := s.messages.ListByCase(ctx, c.CaseID); err == nil {
		debug["known_messages"] = len(msgs)
	}
	if atts, err := s.attachments.ListByCase(ctx, c.CaseID); err == nil {
		hashed := 0
		for _, a := range atts {
			if a.ContentSHA256 != "" {
				hashed++
			}
		}
		debug["known_attachments"] = len(atts)
		debug["hashed_attachments"] = hashed
	}
	return debug
}

// remainingMissing drops every key the extraction filled.
func remainingMissing(missing []string, extraction *extract.Result) []string {
	filled := map[string]bool{}
	for _, k := range extraction.FilledKeys() {
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
	return remaining
}

func parseFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

var _ in.PollService = (*Service)(nil)
