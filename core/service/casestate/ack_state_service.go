// Package casestate implements validated, lock-serialized case transitions.
package casestate

import (
	"context"
	"fmt"
	"time"

	"ack_server/core/domain"
	"ack_server/core/port/in"
	"ack_server/core/port/out"
	"ack_server/pkg/apperr"
	"ack_server/pkg/logger"
)

// defaultCheckInterval is how far out a scheduled state pushes next_check_at
// when no interval is configured.
const defaultCheckInterval = 60 * time.Minute

// =============================================================================
// Service
// =============================================================================

// Service implements in.CaseStateService. Every mutation runs inside the
// per-case writer lock, so concurrent callers serialize per case.
type Service struct {
	cases      out.CaseRepository
	events     out.EventRepository
	checkEvery time.Duration
}

// NewService creates the case state service. A non-positive checkEvery falls
// back to the one-hour default.
func NewService(cases out.CaseRepository, events out.EventRepository, checkEvery time.Duration) *Service {
	if checkEvery <= 0 {
		checkEvery = defaultCheckInterval
	}
	return &Service{cases: cases, events: events, checkEvery: checkEvery}
}

// GetCase returns one case.
func (s *Service) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	c, err := s.cases.GetByID(ctx, caseID)
	if err == out.ErrNotFound {
		return nil, apperr.NotFound("case")
	}
	return c, err
}

// ListCases returns cases by update recency.
func (s *Service) ListCases(ctx context.Context, limit, offset int) ([]*domain.Case, error) {
	return s.cases.List(ctx, limit, offset)
}

// ListEvents returns the audit trail of a case.
func (s *Service) ListEvents(ctx context.Context, caseID string, limit int) ([]*domain.Event, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.events.ListByCase(ctx, caseID, limit)
}

// =============================================================================
// Transition
// =============================================================================

// TransitionCase applies one state transition under the case lock.
//
// Inside the lock: re-read, idempotency check, edge validation, patch + touch
// bookkeeping, scheduling maintenance, audit event. A busy lock reports a
// skipped result instead of an error so pollers move on.
func (s *Service) TransitionCase(ctx context.Context, req *in.TransitionRequest) (*in.TransitionResult, error) {
	if req.CaseID == "" {
		return nil, apperr.MissingField("case_id")
	}
	if req.ToState == "" || req.Event == "" {
		return nil, apperr.MissingField("to_state/event")
	}

	result := &in.TransitionResult{CaseID: req.CaseID, ToState: req.ToState}

	err := s.cases.WithCaseLock(ctx, req.CaseID, func(ctx context.Context, u out.CaseUnit) error {
		c := u.Case()
		result.FromState = c.State

		// Repeat delivery of the same evidence is a no-op, but NO_EVIDENCE
		// self-loops must still advance the schedule.
		if req.Event != domain.EventNoEvidence && isRepeat(ctx, u, c, req) {
			result.Skipped = "idempotent"
			return nil
		}

		if !domain.TransitionAllowed(c.State, req.Event, req.ToState) {
			// Returned error rolls the tx back; the rejection event is
			// recorded outside the lock so it survives.
			return apperr.IllegalTransition(string(c.State), string(req.Event), string(req.ToState))
		}

		now := time.Now().UTC()
		patch := req.Patch
		if patch == nil {
			patch = &domain.CasePatch{}
		}
		patch.State = &req.ToState
		patch.LastAction = &now
		touches := c.TouchCount + 1
		patch.TouchCount = &touches

		// Scheduling maintenance: populated iff the new state is scheduled.
		if req.ToState.IsScheduled() {
			next := now.Add(s.checkEvery)
			np := &next
			patch.NextCheckAt = &np
			result.NextCheck = &next
		} else {
			var clear *time.Time
			patch.NextCheckAt = &clear
		}

		if req.Event == domain.EventFailure {
			errs := c.ErrorCount + 1
			patch.ErrorCount = &errs
		}

		if err := u.Update(ctx, patch); err != nil {
			return err
		}

		meta := map[string]any{
			"from_state":       string(c.State),
			"to_state":         string(req.ToState),
			"transition_event": string(req.Event),
		}
		if req.SourceType != "" {
			meta["source_type"] = req.SourceType
		}
		if req.Evidence != nil && req.Evidence.ContentSHA256 != "" {
			meta["content_sha256"] = req.Evidence.ContentSHA256
		}

		if err := u.AddEvent(ctx, &domain.Event{
			EventType:    domain.EventTypeStateTransition,
			Summary:      transitionSummary(c.State, req),
			EvidenceRefs: req.Evidence,
			Meta:         meta,
		}); err != nil {
			// The row change committed intent already exists in this tx;
			// an audit failure should not lose the transition.
			logger.WithCase(c.CaseID).WithError(err).Error("Failed to append transition event")
		}

		result.Applied = true
		return nil
	})

	if err == out.ErrLockBusy {
		// The rollback also dropped any rejection event this attempt would
		// have produced; the skip log is the only trace.
		result.Skipped = "lock_busy"
		logTransition(result, req)
		return result, nil
	}
	if err == out.ErrNotFound {
		return nil, apperr.NotFound("case")
	}
	if err != nil {
		if ae, ok := err.(*apperr.AppError); ok && ae.Code == apperr.CodeIllegalTransition {
			if evErr := s.events.Add(ctx, &domain.Event{
				CaseID:    req.CaseID,
				EventType: domain.EventTypeTransitionRejected,
				Summary:   ae.Message,
				Meta: map[string]any{
					"from_state":       string(result.FromState),
					"to_state":         string(req.ToState),
					"transition_event": string(req.Event),
				},
			}); evErr != nil {
				logger.WithCase(req.CaseID).WithError(evErr).Warn("Failed to record rejected transition")
			}
		}
		return nil, err
	}

	logTransition(result, req)
	return result, nil
}

// isRepeat detects re-delivery: the case already sits in the target state,
// the newest transition event used the same trigger, and any evidence hash
// matches the one previously recorded. The event read goes through the lock
// unit so it shares the writer transaction; a pool read here would block on
// the connection the transaction holds.
func isRepeat(ctx context.Context, u out.CaseUnit, c *domain.Case, req *in.TransitionRequest) bool {
	if c.State != req.ToState {
		return false
	}

	last, err := u.LastEvent(ctx, domain.EventTypeStateTransition)
	if err != nil {
		return false
	}
	if last.Meta == nil {
		return false
	}
	if ev, _ := last.Meta["transition_event"].(string); ev != string(req.Event) {
		return false
	}

	if req.Evidence != nil && req.Evidence.ContentSHA256 != "" {
		prev, _ := last.Meta["content_sha256"].(string)
		return prev == req.Evidence.ContentSHA256
	}
	return true
}

func transitionSummary(from domain.CaseState, req *in.TransitionRequest) string {
	if req.Summary != "" {
		return req.Summary
	}
	return fmt.Sprintf("%s -> %s on %s", from, req.ToState, req.Event)
}

func logTransition(result *in.TransitionResult, req *in.TransitionRequest) {
	log := logger.WithCase(result.CaseID).
		WithField("from_state", string(result.FromState)).
		WithField("to_state", string(result.ToState)).
		WithField("transition_event", string(req.Event))
	if result.Skipped != "" {
		log.Debug("Transition skipped: %s", result.Skipped)
		return
	}
	log.Info("Case transitioned")
}

var _ in.CaseStateService = (*Service)(nil)
