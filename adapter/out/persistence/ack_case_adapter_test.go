package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"ack_server/core/domain"
	"ack_server/core/port/in"
	"ack_server/core/port/out"
	"ack_server/core/service/casestate"
)

func newCaseAdapters(t *testing.T) (*CaseAdapter, *EventAdapter) {
	t.Helper()
	db := newTestDB(t)
	events := NewEventAdapter(db)
	return NewCaseAdapter(db, events), events
}

func TestCreateCaseDefaults(t *testing.T) {
	repo, _ := newCaseAdapters(t)
	ctx := context.Background()

	// A fresh case carries no last action; the column must accept NULL.
	c := &domain.Case{PONumber: "PO-1001", LineID: "10"}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.CaseID == "" {
		t.Fatal("case id should be assigned")
	}

	got, err := repo.GetByID(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != domain.InitialState {
		t.Errorf("state = %s, want %s", got.State, domain.InitialState)
	}
	if got.Status != domain.StatusOpen {
		t.Errorf("status = %s", got.Status)
	}
	if got.LastAction != nil {
		t.Errorf("last_action = %v, want nil on a new case", got.LastAction)
	}
	if got.NextCheckAt != nil {
		t.Errorf("next_check_at = %v, want nil", got.NextCheckAt)
	}
	if len(got.MissingFields) != 3 {
		t.Errorf("missing fields = %v, want the canonical three", got.MissingFields)
	}
}

func TestCreateDuplicatePoLine(t *testing.T) {
	repo, _ := newCaseAdapters(t)
	ctx := context.Background()

	if err := repo.Create(ctx, &domain.Case{PONumber: "PO-1001", LineID: "10"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := repo.Create(ctx, &domain.Case{PONumber: "PO-1001", LineID: "10"})
	if !errors.Is(err, out.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestUpdatePatchSetsAndClearsSchedule(t *testing.T) {
	repo, _ := newCaseAdapters(t)
	ctx := context.Background()

	c := &domain.Case{PONumber: "PO-2002", LineID: "20"}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	next := now.Add(time.Hour)
	np := &next
	state := domain.StateWaiting
	if err := repo.Update(ctx, c.CaseID, &domain.CasePatch{
		State:       &state,
		LastAction:  &now,
		NextCheckAt: &np,
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := repo.GetByID(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.LastAction == nil || !got.LastAction.Equal(now) {
		t.Errorf("last_action = %v, want %v", got.LastAction, now)
	}
	if got.NextCheckAt == nil || !got.NextCheckAt.Equal(next) {
		t.Errorf("next_check_at = %v, want %v", got.NextCheckAt, next)
	}

	var clear *time.Time
	if err := repo.Update(ctx, c.CaseID, &domain.CasePatch{NextCheckAt: &clear}); err != nil {
		t.Fatalf("clear Update: %v", err)
	}
	got, err = repo.GetByID(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.NextCheckAt != nil {
		t.Errorf("next_check_at = %v, want cleared", got.NextCheckAt)
	}
}

func TestListDue(t *testing.T) {
	repo, _ := newCaseAdapters(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := func(line string, state domain.CaseState, next, lastProbe *time.Time) string {
		t.Helper()
		c := &domain.Case{PONumber: "PO-3003", LineID: line, State: state}
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create %s: %v", line, err)
		}
		patch := &domain.CasePatch{}
		if next != nil {
			patch.NextCheckAt = &next
		}
		if lastProbe != nil {
			patch.LastInboxCheckAt = &lastProbe
		}
		if err := repo.Update(ctx, c.CaseID, patch); err != nil {
			t.Fatalf("Update %s: %v", line, err)
		}
		return c.CaseID
	}

	past := now.Add(-10 * time.Minute)
	future := now.Add(time.Hour)
	probed := now.Add(-time.Hour)

	overdue := seed("1", domain.StateWaiting, &past, nil)
	seed("2", domain.StateWaiting, &future, nil)
	fresh := seed("3", domain.InitialState, nil, nil)
	seed("4", domain.InitialState, nil, &probed)

	due, err := repo.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	got := map[string]bool{}
	for _, c := range due {
		got[c.CaseID] = true
	}
	if len(got) != 2 || !got[overdue] || !got[fresh] {
		t.Errorf("due set = %v, want overdue scheduled case and never-probed initial case", got)
	}
}

func TestWithCaseLockRollsBackOnError(t *testing.T) {
	repo, _ := newCaseAdapters(t)
	ctx := context.Background()

	c := &domain.Case{PONumber: "PO-4004", LineID: "40", State: domain.StateWaiting}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	boom := errors.New("boom")
	err := repo.WithCaseLock(ctx, c.CaseID, func(ctx context.Context, u out.CaseUnit) error {
		state := domain.StateParsed
		if err := u.Update(ctx, &domain.CasePatch{State: &state}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the callback error", err)
	}

	got, err := repo.GetByID(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != domain.StateWaiting {
		t.Errorf("state = %s, rollback should keep WAITING", got.State)
	}
}

func TestTransitionRedeliveryThroughRealLock(t *testing.T) {
	caseRepo, eventRepo := newCaseAdapters(t)
	ctx := context.Background()
	svc := casestate.NewService(caseRepo, eventRepo, 0)

	c := &domain.Case{PONumber: "PO-5005", LineID: "50", State: domain.StateWaiting}
	if err := caseRepo.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := &in.TransitionRequest{
		CaseID:   c.CaseID,
		ToState:  domain.StateParsed,
		Event:    domain.EventFoundEvidence,
		Evidence: &domain.EvidenceRefs{ContentSHA256: "sha-1"},
	}
	first, err := svc.TransitionCase(ctx, req)
	if err != nil || !first.Applied {
		t.Fatalf("first delivery: res=%+v err=%v", first, err)
	}

	// The repeat check reads the event log while the single-connection
	// writer transaction is open, so it must finish rather than wait on
	// the pool.
	type outcome struct {
		res *in.TransitionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := svc.TransitionCase(ctx, req)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("second delivery: %v", o.err)
		}
		if o.res.Applied || o.res.Skipped != "idempotent" {
			t.Fatalf("second delivery = %+v, want idempotent skip", o.res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second delivery did not return")
	}

	got, err := caseRepo.GetByID(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.TouchCount != 1 {
		t.Errorf("touch count = %d, repeat must not touch", got.TouchCount)
	}
}
