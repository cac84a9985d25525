package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"ack_server/core/domain"
	"ack_server/core/port/in"
	"ack_server/core/port/out"
	"ack_server/core/service/casestate"
	"ack_server/core/service/extract"
)

// =============================================================================
// Fakes
// =============================================================================

type pollCaseRepo struct {
	cases  map[string]*domain.Case
	due    []string
	events *pollEventRepo
}

func (r *pollCaseRepo) Create(ctx context.Context, c *domain.Case) error { return nil }

func (r *pollCaseRepo) GetByID(ctx context.Context, caseID string) (*domain.Case, error) {
	c, ok := r.cases[caseID]
	if !ok {
		return nil, out.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *pollCaseRepo) FindByPoLine(ctx context.Context, poNumber, lineID string) (*domain.Case, error) {
	return nil, out.ErrNotFound
}

func (r *pollCaseRepo) Update(ctx context.Context, caseID string, patch *domain.CasePatch) error {
	c, ok := r.cases[caseID]
	if !ok {
		return out.ErrNotFound
	}
	applyPollPatch(c, patch)
	return nil
}

func (r *pollCaseRepo) List(ctx context.Context, limit, offset int) ([]*domain.Case, error) {
	return nil, nil
}

func (r *pollCaseRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Case, error) {
	var result []*domain.Case
	for _, id := range r.due {
		if len(result) >= limit {
			break
		}
		if c, ok := r.cases[id]; ok {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *pollCaseRepo) DeleteByPO(ctx context.Context, poNumber string) (int, error) {
	return 0, nil
}

func (r *pollCaseRepo) WithCaseLock(ctx context.Context, caseID string, fn out.CaseLockFn) error {
	c, ok := r.cases[caseID]
	if !ok {
		return out.ErrNotFound
	}
	staged := *c
	unit := &pollCaseUnit{c: &staged, events: r.events}
	if err := fn(ctx, unit); err != nil {
		return err
	}
	r.cases[caseID] = &staged
	for _, ev := range unit.pending {
		ev.CaseID = caseID
		r.events.Add(ctx, ev)
	}
	return nil
}

type pollCaseUnit struct {
	c       *domain.Case
	events  *pollEventRepo
	pending []*domain.Event
}

func (u *pollCaseUnit) Case() *domain.Case { return u.c }

func (u *pollCaseUnit) Update(ctx context.Context, patch *domain.CasePatch) error {
	applyPollPatch(u.c, patch)
	return nil
}

func (u *pollCaseUnit) AddEvent(ctx context.Context, ev *domain.Event) error {
	u.pending = append(u.pending, ev)
	return nil
}

func (u *pollCaseUnit) LastEvent(ctx context.Context, types ...domain.EventType) (*domain.Event, error) {
	for i := len(u.pending) - 1; i >= 0; i-- {
		ev := u.pending[i]
		if len(types) == 0 {
			return ev, nil
		}
		for _, ty := range types {
			if ev.EventType == ty {
				return ev, nil
			}
		}
	}
	return u.events.Last(ctx, u.c.CaseID, types...)
}

func applyPollPatch(c *domain.Case, patch *domain.CasePatch) {
	if patch == nil {
		return
	}
	if patch.State != nil {
		c.State = *patch.State
	}
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	if patch.MissingFields != nil {
		c.MissingFields = *patch.MissingFields
	}
	if patch.TouchCount != nil {
		c.TouchCount = *patch.TouchCount
	}
	if patch.ErrorCount != nil {
		c.ErrorCount = *patch.ErrorCount
	}
	if patch.LastAction != nil {
		c.LastAction = patch.LastAction
	}
	if patch.NextCheckAt != nil {
		c.NextCheckAt = *patch.NextCheckAt
	}
	if patch.LastInboxCheckAt != nil {
		c.LastInboxCheckAt = *patch.LastInboxCheckAt
	}
	if patch.Meta != nil {
		c.Meta = *patch.Meta
	}
}

type pollEventRepo struct {
	events []*domain.Event
}

func (r *pollEventRepo) Add(ctx context.Context, ev *domain.Event) error {
	cp := *ev
	cp.CreatedAt = time.Now().UTC()
	r.events = append(r.events, &cp)
	return nil
}

func (r *pollEventRepo) ListByCase(ctx context.Context, caseID string, limit int) ([]*domain.Event, error) {
	return nil, nil
}

func (r *pollEventRepo) Last(ctx context.Context, caseID string, types ...domain.EventType) (*domain.Event, error) {
	for i := len(r.events) - 1; i >= 0; i-- {
		ev := r.events[i]
		if ev.CaseID != caseID {
			continue
		}
		if len(types) == 0 {
			return ev, nil
		}
		for _, ty := range types {
			if ev.EventType == ty {
				return ev, nil
			}
		}
	}
	return nil, out.ErrNotFound
}

func (r *pollEventRepo) RewriteAttachmentRefs(ctx context.Context, oldID, newID string) error {
	return nil
}

type pollMessageRepo struct{}

func (r *pollMessageRepo) Upsert(ctx context.Context, msg *domain.Message) error { return nil }
func (r *pollMessageRepo) GetByID(ctx context.Context, messageID string) (*domain.Message, error) {
	return nil, out.ErrNotFound
}
func (r *pollMessageRepo) ListByCase(ctx context.Context, caseID string) ([]*domain.Message, error) {
	return nil, nil
}
func (r *pollMessageRepo) LatestInbound(ctx context.Context, caseID string) (*domain.Message, error) {
	return nil, out.ErrNotFound
}

type pollAttachmentRepo struct {
	byCase map[string][]*domain.Attachment
}

func (r *pollAttachmentRepo) Add(ctx context.Context, att *domain.Attachment) (*domain.Attachment, bool, error) {
	return att, false, nil
}
func (r *pollAttachmentRepo) GetByID(ctx context.Context, id string) (*domain.Attachment, error) {
	return nil, out.ErrNotFound
}
func (r *pollAttachmentRepo) GetByHash(ctx context.Context, sha string) (*domain.Attachment, error) {
	return nil, out.ErrNotFound
}
func (r *pollAttachmentRepo) ListByMessage(ctx context.Context, messageID string) ([]*domain.Attachment, error) {
	return nil, nil
}
func (r *pollAttachmentRepo) ListByCase(ctx context.Context, caseID string) ([]*domain.Attachment, error) {
	return r.byCase[caseID], nil
}
func (r *pollAttachmentRepo) UpdateTextExtract(ctx context.Context, id, text string) error {
	return nil
}
func (r *pollAttachmentRepo) RehashLegacy(ctx context.Context, messageID, filename, sha string, size int64) (int, error) {
	return 0, nil
}
func (r *pollAttachmentRepo) CleanupDuplicates(ctx context.Context) (*out.CleanupSummary, error) {
	return &out.CleanupSummary{}, nil
}

type pollRecordRepo struct {
	upserts     []*domain.ConfirmationRecord
	extractions []*domain.ConfirmationExtraction
}

func (r *pollRecordRepo) Upsert(ctx context.Context, rec *domain.ConfirmationRecord) error {
	r.upserts = append(r.upserts, rec)
	return nil
}
func (r *pollRecordRepo) GetByPoLine(ctx context.Context, poID, lineID string) (*domain.ConfirmationRecord, error) {
	return nil, out.ErrNotFound
}
func (r *pollRecordRepo) ListByPOs(ctx context.Context, poIDs []string) ([]*domain.ConfirmationRecord, error) {
	return nil, nil
}
func (r *pollRecordRepo) AddExtraction(ctx context.Context, ex *domain.ConfirmationExtraction) error {
	r.extractions = append(r.extractions, ex)
	return nil
}
func (r *pollRecordRepo) RewriteAttachmentRefs(ctx context.Context, oldID, newID string) error {
	return nil
}

type pollInboxStub struct {
	result *in.InboxSearchResult
	err    error
	calls  int
}

func (s *pollInboxStub) SearchForCase(ctx context.Context, req *in.InboxSearchRequest) (*in.InboxSearchResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type pollEvidenceStub struct {
	summary *in.EvidenceSummary
	err     error
	calls   int
}

func (s *pollEvidenceStub) RetrieveEvidence(ctx context.Context, req *in.EvidenceRequest) (*in.EvidenceSummary, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.summary, nil
}

// =============================================================================
// Harness
// =============================================================================

type pollHarness struct {
	svc      *Service
	cases    *pollCaseRepo
	records  *pollRecordRepo
	atts     *pollAttachmentRepo
	inbox    *pollInboxStub
	evidence *pollEvidenceStub
}

func newPollHarness(c *domain.Case) *pollHarness {
	events := &pollEventRepo{}
	cases := &pollCaseRepo{cases: map[string]*domain.Case{}, events: events}
	cases.cases[c.CaseID] = c
	cases.due = []string{c.CaseID}

	atts := &pollAttachmentRepo{byCase: map[string][]*domain.Attachment{}}
	records := &pollRecordRepo{}
	inbox := &pollInboxStub{result: &in.InboxSearchResult{Outcome: in.OutcomeNotFound}}
	evidence := &pollEvidenceStub{summary: &in.EvidenceSummary{}}
	states := casestate.NewService(cases, events, 0)

	svc := NewService(cases, &pollMessageRepo{}, atts, records, states,
		inbox, evidence, extract.NewExtractor(nil), 25, 30)

	return &pollHarness{
		svc:      svc,
		cases:    cases,
		records:  records,
		atts:     atts,
		inbox:    inbox,
		evidence: evidence,
	}
}

func dueCase(state domain.CaseState) *domain.Case {
	past := time.Now().UTC().Add(-5 * time.Minute)
	return &domain.Case{
		CaseID:        "case-1",
		PONumber:      "PO-1001",
		LineID:        "10",
		State:         state,
		Status:        domain.StatusOpen,
		MissingFields: []string{domain.FieldSupplierReference, domain.FieldDeliveryDate, domain.FieldQuantity},
		NextCheckAt:   &past,
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestPollDueNoThreadDiscovered(t *testing.T) {
	h := newPollHarness(dueCase(domain.StateWaiting))

	run, err := h.svc.PollDue(context.Background(), nil)
	if err != nil {
		t.Fatalf("PollDue: %v", err)
	}
	if run.Due != 1 || run.Processed != 1 || run.Errored != 0 {
		t.Fatalf("run = %+v", run)
	}
	cr := run.Cases[0]
	if cr.Outcome != "no_evidence" {
		t.Errorf("outcome = %q", cr.Outcome)
	}
	if cr.ToState != domain.StateWaiting {
		t.Errorf("to state = %s", cr.ToState)
	}

	c := h.cases.cases["case-1"]
	if c.NextCheckAt == nil || !c.NextCheckAt.After(time.Now()) {
		t.Error("no-thread probe should push the schedule forward")
	}
	if c.LastInboxCheckAt == nil {
		t.Error("probe time should be stamped")
	}
	if h.evidence.calls != 0 {
		t.Error("evidence retrieval should not run without a thread")
	}
}

func TestPollDueFullConfirmationResolves(t *testing.T) {
	c := dueCase(domain.StateWaiting)
	c.Meta.ThreadID = "thread-1"
	h := newPollHarness(c)
	h.atts.byCase["case-1"] = []*domain.Attachment{{
		AttachmentID:  "att-1",
		MessageID:     "msg-1",
		Filename:      "conf.pdf",
		MimeType:      "application/pdf",
		ContentSHA256: "sha-1",
		TextExtract:   "Sales Order # SO-9912\nConfirmed Ship Date: 03/10/2025\nQuantity: 500 EA",
	}}

	run, err := h.svc.PollDue(context.Background(), nil)
	if err != nil {
		t.Fatalf("PollDue: %v", err)
	}
	cr := run.Cases[0]
	if cr.Error != "" {
		t.Fatalf("case error: %s", cr.Error)
	}
	if cr.Outcome != "resolved" {
		t.Errorf("outcome = %q", cr.Outcome)
	}
	if cr.ToState != domain.StateResolved {
		t.Errorf("to state = %s", cr.ToState)
	}
	if h.inbox.calls != 0 {
		t.Error("a known thread must not trigger a fresh search")
	}

	got := h.cases.cases["case-1"]
	if got.State != domain.StateResolved || got.Status != domain.StatusConfirmed {
		t.Errorf("case = %s/%s", got.State, got.Status)
	}
	if len(got.MissingFields) != 0 {
		t.Errorf("missing fields = %v", got.MissingFields)
	}
	if got.Meta.ParsedBestFields == nil || got.Meta.ParsedBestFields.EvidenceSHA256 != "sha-1" {
		t.Errorf("best fields = %+v", got.Meta.ParsedBestFields)
	}

	if len(h.records.upserts) != 1 {
		t.Fatalf("record upserts = %d", len(h.records.upserts))
	}
	rec := h.records.upserts[0]
	if rec.POID != "PO-1001" || rec.LineID != "10" {
		t.Errorf("record key = %s/%s", rec.POID, rec.LineID)
	}
	if rec.SupplierReference != "SO-9912" || rec.DeliveryDate != "2025-03-10" {
		t.Errorf("record fields = %q/%q", rec.SupplierReference, rec.DeliveryDate)
	}
	if rec.Quantity == nil || *rec.Quantity != 500 {
		t.Errorf("record qty = %v", rec.Quantity)
	}
	if len(h.records.extractions) != 1 {
		t.Errorf("extraction runs = %d", len(h.records.extractions))
	}
}

func TestPollDueUnchangedEvidenceOnlyReschedules(t *testing.T) {
	c := dueCase(domain.StateWaiting)
	c.Meta.ThreadID = "thread-1"
	c.Meta.ParsedBestFields = &domain.ParsedBestFields{EvidenceSHA256: "sha-1"}
	h := newPollHarness(c)
	h.atts.byCase["case-1"] = []*domain.Attachment{{
		AttachmentID:  "att-1",
		MessageID:     "msg-1",
		Filename:      "conf.pdf",
		MimeType:      "application/pdf",
		ContentSHA256: "sha-1",
		TextExtract:   "same bytes as last time",
	}}

	run, err := h.svc.PollDue(context.Background(), nil)
	if err != nil {
		t.Fatalf("PollDue: %v", err)
	}
	cr := run.Cases[0]
	if cr.Outcome != "no_evidence" {
		t.Errorf("outcome = %q", cr.Outcome)
	}
	if len(h.records.upserts) != 0 {
		t.Error("unchanged evidence must not rewrite records")
	}
	got := h.cases.cases["case-1"]
	if got.State != domain.StateWaiting {
		t.Errorf("state = %s", got.State)
	}
	if got.NextCheckAt == nil || !got.NextCheckAt.After(time.Now()) {
		t.Error("schedule should advance")
	}
}

func TestPollDueDryRunMutatesNothing(t *testing.T) {
	h := newPollHarness(dueCase(domain.StateWaiting))

	run, err := h.svc.PollDue(context.Background(), &in.PollOptions{DryRun: true})
	if err != nil {
		t.Fatalf("PollDue: %v", err)
	}
	cr := run.Cases[0]
	if cr.Outcome != "dry_run" {
		t.Errorf("outcome = %q", cr.Outcome)
	}
	if cr.Debug == nil {
		t.Error("dry run should return diagnostics")
	}

	c := h.cases.cases["case-1"]
	if c.State != domain.StateWaiting || c.TouchCount != 0 || c.LastInboxCheckAt != nil {
		t.Errorf("dry run mutated the case: %+v", c)
	}
	if h.evidence.calls != 0 {
		t.Error("dry run must not retrieve evidence")
	}
}

func TestPollDueStaleSnapshotSkipped(t *testing.T) {
	c := dueCase(domain.StateWaiting)
	future := time.Now().UTC().Add(30 * time.Minute)
	c.NextCheckAt = &future
	h := newPollHarness(c)

	run, err := h.svc.PollDue(context.Background(), nil)
	if err != nil {
		t.Fatalf("PollDue: %v", err)
	}
	if run.Skipped != 1 || run.Processed != 0 {
		t.Errorf("run = %+v", run)
	}
	if run.Cases[0].Outcome != "skipped" {
		t.Errorf("outcome = %q", run.Cases[0].Outcome)
	}
}

func TestPollDueFailureIsolatesCase(t *testing.T) {
	c := dueCase(domain.StateWaiting)
	c.Meta.ThreadID = "thread-1"
	h := newPollHarness(c)
	h.evidence.err = errors.New("mailbox unreachable")

	run, err := h.svc.PollDue(context.Background(), nil)
	if err != nil {
		t.Fatalf("a failing case must not fail the run: %v", err)
	}
	if run.Errored != 1 {
		t.Errorf("errored = %d", run.Errored)
	}
	cr := run.Cases[0]
	if cr.Error == "" {
		t.Error("case error should be reported")
	}
	if cr.ToState != domain.StateError {
		t.Errorf("to state = %s", cr.ToState)
	}

	got := h.cases.cases["case-1"]
	if got.State != domain.StateError || got.Status != domain.StatusFailed {
		t.Errorf("case = %s/%s", got.State, got.Status)
	}
	if got.ErrorCount != 1 {
		t.Errorf("error count = %d", got.ErrorCount)
	}
}

func TestPollDueInitialStateIsAlwaysDue(t *testing.T) {
	c := dueCase(domain.StateInboxLookup)
	c.NextCheckAt = nil
	h := newPollHarness(c)

	run, err := h.svc.PollDue(context.Background(), nil)
	if err != nil {
		t.Fatalf("PollDue: %v", err)
	}
	if run.Processed != 1 {
		t.Errorf("run = %+v", run)
	}
	if run.Cases[0].Outcome != "no_evidence" {
		t.Errorf("outcome = %q", run.Cases[0].Outcome)
	}
	if h.cases.cases["case-1"].State != domain.StateWaiting {
		t.Errorf("state = %s", h.cases.cases["case-1"].State)
	}
}
