package casestate

import (
	"context"
	"errors"
	"testing"
	"time"

	"ack_server/core/domain"
	"ack_server/core/port/in"
	"ack_server/core/port/out"
	"ack_server/pkg/apperr"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeCaseRepo struct {
	cases    map[string]*domain.Case
	events   *fakeEventRepo
	lockBusy bool
}

func newFakeCaseRepo(events *fakeEventRepo) *fakeCaseRepo {
	return &fakeCaseRepo{cases: map[string]*domain.Case{}, events: events}
}

func (r *fakeCaseRepo) Create(ctx context.Context, c *domain.Case) error {
	if _, ok := r.cases[c.CaseID]; ok {
		return out.ErrDuplicate
	}
	cp := *c
	r.cases[c.CaseID] = &cp
	return nil
}

func (r *fakeCaseRepo) GetByID(ctx context.Context, caseID string) (*domain.Case, error) {
	c, ok := r.cases[caseID]
	if !ok {
		return nil, out.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *fakeCaseRepo) FindByPoLine(ctx context.Context, poNumber, lineID string) (*domain.Case, error) {
	for _, c := range r.cases {
		if c.PONumber == poNumber && c.LineID == lineID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, out.ErrNotFound
}

func (r *fakeCaseRepo) Update(ctx context.Context, caseID string, patch *domain.CasePatch) error {
	c, ok := r.cases[caseID]
	if !ok {
		return out.ErrNotFound
	}
	applyPatch(c, patch)
	return nil
}

func (r *fakeCaseRepo) List(ctx context.Context, limit, offset int) ([]*domain.Case, error) {
	return nil, nil
}

func (r *fakeCaseRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Case, error) {
	return nil, nil
}

func (r *fakeCaseRepo) DeleteByPO(ctx context.Context, poNumber string) (int, error) {
	return 0, nil
}

func (r *fakeCaseRepo) WithCaseLock(ctx context.Context, caseID string, fn out.CaseLockFn) error {
	if r.lockBusy {
		return out.ErrLockBusy
	}
	c, ok := r.cases[caseID]
	if !ok {
		return out.ErrNotFound
	}

	// Work on a copy and commit only on success, mirroring tx rollback.
	staged := *c
	unit := &fakeCaseUnit{c: &staged, events: r.events}
	if err := fn(ctx, unit); err != nil {
		return err
	}
	r.cases[caseID] = &staged
	for _, ev := range unit.pending {
		ev.CaseID = caseID
		if err := r.events.Add(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

type fakeCaseUnit struct {
	c       *domain.Case
	events  *fakeEventRepo
	pending []*domain.Event
}

func (u *fakeCaseUnit) Case() *domain.Case { return u.c }

func (u *fakeCaseUnit) Update(ctx context.Context, patch *domain.CasePatch) error {
	applyPatch(u.c, patch)
	return nil
}

func (u *fakeCaseUnit) AddEvent(ctx context.Context, ev *domain.Event) error {
	u.pending = append(u.pending, ev)
	return nil
}

func (u *fakeCaseUnit) LastEvent(ctx context.Context, types ...domain.EventType) (*domain.Event, error) {
	// A transaction sees its own writes, so pending events shadow committed
	// ones.
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

func applyPatch(c *domain.Case, patch *domain.CasePatch) {
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
	if patch.Meta != nil {
		c.Meta = *patch.Meta
	}
	c.UpdatedAt = time.Now().UTC()
}

type fakeEventRepo struct {
	events []*domain.Event
}

func (r *fakeEventRepo) Add(ctx context.Context, ev *domain.Event) error {
	cp := *ev
	cp.CreatedAt = time.Now().UTC()
	r.events = append(r.events, &cp)
	return nil
}

func (r *fakeEventRepo) ListByCase(ctx context.Context, caseID string, limit int) ([]*domain.Event, error) {
	var result []*domain.Event
	for i := len(r.events) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		if r.events[i].CaseID == caseID {
			result = append(result, r.events[i])
		}
	}
	return result, nil
}

func (r *fakeEventRepo) Last(ctx context.Context, caseID string, types ...domain.EventType) (*domain.Event, error) {
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

func (r *fakeEventRepo) RewriteAttachmentRefs(ctx context.Context, oldID, newID string) error {
	return nil
}

func (r *fakeEventRepo) lastOfType(ty domain.EventType) *domain.Event {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EventType == ty {
			return r.events[i]
		}
	}
	return nil
}

// =============================================================================
// Tests
// =============================================================================

func newTestService(state domain.CaseState) (*Service, *fakeCaseRepo, *fakeEventRepo) {
	events := &fakeEventRepo{}
	cases := newFakeCaseRepo(events)
	cases.cases["case-1"] = &domain.Case{
		CaseID:   "case-1",
		PONumber: "PO-1001",
		LineID:   "10",
		State:    state,
		Status:   domain.StatusOpen,
	}
	return NewService(cases, events, 0), cases, events
}

func TestTransitionCaseAppliesAndSchedules(t *testing.T) {
	svc, cases, events := newTestService(domain.StateInboxLookup)

	missing := []string{domain.FieldDeliveryDate}
	res, err := svc.TransitionCase(context.Background(), &in.TransitionRequest{
		CaseID:  "case-1",
		ToState: domain.StateWaiting,
		Event:   domain.EventNoEvidence,
		Patch:   &domain.CasePatch{MissingFields: &missing},
	})
	if err != nil {
		t.Fatalf("TransitionCase: %v", err)
	}
	if !res.Applied || res.Skipped != "" {
		t.Fatalf("result = %+v, want applied", res)
	}
	if res.FromState != domain.StateInboxLookup || res.ToState != domain.StateWaiting {
		t.Errorf("edge = %s -> %s", res.FromState, res.ToState)
	}
	if res.NextCheck == nil {
		t.Error("scheduled state should report next check")
	}

	c := cases.cases["case-1"]
	if c.State != domain.StateWaiting {
		t.Errorf("state = %s", c.State)
	}
	if c.TouchCount != 1 {
		t.Errorf("touch count = %d, want 1", c.TouchCount)
	}
	if c.NextCheckAt == nil {
		t.Fatal("next_check_at should be set for WAITING")
	}
	if got := time.Until(*c.NextCheckAt); got < 55*time.Minute || got > 65*time.Minute {
		t.Errorf("next_check_at %v from now, want ~1h", got)
	}
	if len(c.MissingFields) != 1 || c.MissingFields[0] != domain.FieldDeliveryDate {
		t.Errorf("patch not applied: %v", c.MissingFields)
	}

	ev := events.lastOfType(domain.EventTypeStateTransition)
	if ev == nil {
		t.Fatal("no transition event recorded")
	}
	if ev.Meta["from_state"] != "INBOX_LOOKUP" || ev.Meta["to_state"] != "WAITING" {
		t.Errorf("event meta = %v", ev.Meta)
	}
}

func TestTransitionCaseHonorsConfiguredInterval(t *testing.T) {
	events := &fakeEventRepo{}
	cases := newFakeCaseRepo(events)
	cases.cases["case-1"] = &domain.Case{
		CaseID:   "case-1",
		PONumber: "PO-1001",
		State:    domain.StateWaiting,
		Status:   domain.StatusOpen,
	}
	svc := NewService(cases, events, 15*time.Minute)

	res, err := svc.TransitionCase(context.Background(), &in.TransitionRequest{
		CaseID:  "case-1",
		ToState: domain.StateWaiting,
		Event:   domain.EventNoEvidence,
	})
	if err != nil {
		t.Fatalf("TransitionCase: %v", err)
	}
	if res.NextCheck == nil {
		t.Fatal("scheduled state should report next check")
	}
	if got := time.Until(*res.NextCheck); got < 13*time.Minute || got > 17*time.Minute {
		t.Errorf("next check %v from now, want ~15m", got)
	}
}

func TestTransitionCaseClearsScheduleOnTerminalState(t *testing.T) {
	svc, cases, _ := newTestService(domain.StateWaiting)
	next := time.Now().Add(30 * time.Minute)
	cases.cases["case-1"].NextCheckAt = &next

	res, err := svc.TransitionCase(context.Background(), &in.TransitionRequest{
		CaseID:  "case-1",
		ToState: domain.StateParsed,
		Event:   domain.EventFoundEvidence,
		Evidence: &domain.EvidenceRefs{
			ContentSHA256: "abc123",
		},
	})
	if err != nil {
		t.Fatalf("TransitionCase: %v", err)
	}
	if !res.Applied {
		t.Fatalf("result = %+v", res)
	}
	if res.NextCheck != nil {
		t.Error("PARSED is not scheduled, next check should be nil")
	}
	if cases.cases["case-1"].NextCheckAt != nil {
		t.Error("next_check_at should be cleared")
	}
}

func TestTransitionCaseRejectsIllegalEdge(t *testing.T) {
	svc, cases, events := newTestService(domain.StateResolved)

	_, err := svc.TransitionCase(context.Background(), &in.TransitionRequest{
		CaseID:  "case-1",
		ToState: domain.StateParsed,
		Event:   domain.EventFoundEvidence,
	})
	if err == nil {
		t.Fatal("expected an illegal transition error")
	}
	var ae *apperr.AppError
	if !errors.As(err, &ae) || ae.Code != apperr.CodeIllegalTransition {
		t.Fatalf("err = %v, want %s", err, apperr.CodeIllegalTransition)
	}

	c := cases.cases["case-1"]
	if c.State != domain.StateResolved || c.TouchCount != 0 {
		t.Errorf("rejected transition mutated the case: %+v", c)
	}

	ev := events.lastOfType(domain.EventTypeTransitionRejected)
	if ev == nil {
		t.Fatal("rejection should be recorded on the audit trail")
	}
	if ev.CaseID != "case-1" {
		t.Errorf("rejection event case = %q", ev.CaseID)
	}
}

func TestTransitionCaseIdempotentRedelivery(t *testing.T) {
	svc, cases, _ := newTestService(domain.StateWaiting)

	req := &in.TransitionRequest{
		CaseID:   "case-1",
		ToState:  domain.StateParsed,
		Event:    domain.EventFoundEvidence,
		Evidence: &domain.EvidenceRefs{ContentSHA256: "sha-1"},
	}
	first, err := svc.TransitionCase(context.Background(), req)
	if err != nil || !first.Applied {
		t.Fatalf("first delivery: res=%+v err=%v", first, err)
	}

	second, err := svc.TransitionCase(context.Background(), req)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second.Applied || second.Skipped != "idempotent" {
		t.Fatalf("second delivery = %+v, want idempotent skip", second)
	}
	if cases.cases["case-1"].TouchCount != 1 {
		t.Errorf("touch count = %d, repeat must not touch", cases.cases["case-1"].TouchCount)
	}
}

func TestTransitionCaseNewEvidenceIsNotARepeat(t *testing.T) {
	svc, _, _ := newTestService(domain.StateWaiting)

	first, err := svc.TransitionCase(context.Background(), &in.TransitionRequest{
		CaseID:   "case-1",
		ToState:  domain.StateParsed,
		Event:    domain.EventFoundEvidence,
		Evidence: &domain.EvidenceRefs{ContentSHA256: "sha-1"},
	})
	if err != nil || !first.Applied {
		t.Fatalf("first delivery: res=%+v err=%v", first, err)
	}

	// Different content hash: not idempotent, and PARSED has no
	// FOUND_EVIDENCE edge, so this must be rejected.
	_, err = svc.TransitionCase(context.Background(), &in.TransitionRequest{
		CaseID:   "case-1",
		ToState:  domain.StateParsed,
		Event:    domain.EventFoundEvidence,
		Evidence: &domain.EvidenceRefs{ContentSHA256: "sha-2"},
	})
	var ae *apperr.AppError
	if !errors.As(err, &ae) || ae.Code != apperr.CodeIllegalTransition {
		t.Fatalf("err = %v, want illegal transition", err)
	}
}

func TestTransitionCaseNoEvidenceSelfLoopAdvancesSchedule(t *testing.T) {
	svc, cases, _ := newTestService(domain.StateWaiting)
	stale := time.Now().Add(-10 * time.Minute)
	cases.cases["case-1"].NextCheckAt = &stale

	req := &in.TransitionRequest{
		CaseID:  "case-1",
		ToState: domain.StateWaiting,
		Event:   domain.EventNoEvidence,
	}
	for i := 0; i < 2; i++ {
		res, err := svc.TransitionCase(context.Background(), req)
		if err != nil {
			t.Fatalf("loop %d: %v", i, err)
		}
		if !res.Applied || res.Skipped != "" {
			t.Fatalf("loop %d: self-loop must apply, got %+v", i, res)
		}
	}

	c := cases.cases["case-1"]
	if c.NextCheckAt == nil || !c.NextCheckAt.After(time.Now()) {
		t.Error("self-loop should push next_check_at into the future")
	}
	if c.TouchCount != 2 {
		t.Errorf("touch count = %d, want 2", c.TouchCount)
	}
}

func TestTransitionCaseLockBusySkips(t *testing.T) {
	svc, cases, _ := newTestService(domain.StateWaiting)
	cases.lockBusy = true

	res, err := svc.TransitionCase(context.Background(), &in.TransitionRequest{
		CaseID:  "case-1",
		ToState: domain.StateParsed,
		Event:   domain.EventFoundEvidence,
	})
	if err != nil {
		t.Fatalf("lock busy should not be an error: %v", err)
	}
	if res.Applied || res.Skipped != "lock_busy" {
		t.Errorf("result = %+v, want lock_busy skip", res)
	}
}

func TestTransitionCaseFailureCountsErrors(t *testing.T) {
	svc, cases, _ := newTestService(domain.StateParsed)

	res, err := svc.TransitionCase(context.Background(), &in.TransitionRequest{
		CaseID:  "case-1",
		ToState: domain.StateError,
		Event:   domain.EventFailure,
		Summary: "provider unreachable",
	})
	if err != nil {
		t.Fatalf("TransitionCase: %v", err)
	}
	if !res.Applied {
		t.Fatalf("result = %+v", res)
	}

	c := cases.cases["case-1"]
	if c.State != domain.StateError {
		t.Errorf("state = %s", c.State)
	}
	if c.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", c.ErrorCount)
	}
	if c.NextCheckAt != nil {
		t.Error("ERROR is not scheduled")
	}
}

func TestTransitionCaseUnknownCase(t *testing.T) {
	svc, _, _ := newTestService(domain.StateWaiting)

	_, err := svc.TransitionCase(context.Background(), &in.TransitionRequest{
		CaseID:  "missing",
		ToState: domain.StateWaiting,
		Event:   domain.EventNoEvidence,
	})
	var ae *apperr.AppError
	if !errors.As(err, &ae) || ae.Code != apperr.CodeNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestTransitionCaseValidation(t *testing.T) {
	svc, _, _ := newTestService(domain.StateWaiting)

	if _, err := svc.TransitionCase(context.Background(), &in.TransitionRequest{}); err == nil {
		t.Error("empty case id should fail")
	}
	if _, err := svc.TransitionCase(context.Background(), &in.TransitionRequest{CaseID: "case-1"}); err == nil {
		t.Error("missing to_state/event should fail")
	}
}
