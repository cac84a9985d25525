package in

import (
	"context"
	"time"

	"ack_server/core/domain"
)

// TransitionRequest describes one requested case transition.
type TransitionRequest struct {
	CaseID  string
	ToState domain.CaseState
	Event   domain.TransitionEvent
	Summary string

	// Evidence carried onto the audit event, if any.
	Evidence   *domain.EvidenceRefs
	SourceType string // pdf, email, mixed, none

	// Patch is applied together with the state change, inside the lock.
	Patch *domain.CasePatch
}

// TransitionResult reports what a transition did.
type TransitionResult struct {
	CaseID    string           `json:"case_id"`
	FromState domain.CaseState `json:"from_state"`
	ToState   domain.CaseState `json:"to_state"`
	Applied   bool             `json:"applied"`
	Skipped   string           `json:"skipped,omitempty"` // idempotent, lock_busy
	NextCheck *time.Time       `json:"next_check_at,omitempty"`
}

// CaseStateService is the single entry point for case state mutations.
type CaseStateService interface {
	TransitionCase(ctx context.Context, req *TransitionRequest) (*TransitionResult, error)
	GetCase(ctx context.Context, caseID string) (*domain.Case, error)
	ListCases(ctx context.Context, limit, offset int) ([]*domain.Case, error)
	ListEvents(ctx context.Context, caseID string, limit int) ([]*domain.Event, error)
}

// =============================================================================
// Inbox Search
// =============================================================================

// InboxOutcome classifies an inbox probe.
type InboxOutcome string

const (
	OutcomeFoundConfirmed  InboxOutcome = "FOUND_CONFIRMED"
	OutcomeFoundIncomplete InboxOutcome = "FOUND_INCOMPLETE"
	OutcomeNotFound        InboxOutcome = "NOT_FOUND"
)

// InboxSearchRequest is one probe of the mailbox for a case.
type InboxSearchRequest struct {
	CaseID       string
	LookbackDays int
	Keywords     []string

	// FilterSupplier enables the from: restriction. Off by default.
	FilterSupplier bool
}

// InboxSearchResult is the outcome of a probe.
type InboxSearchResult struct {
	Outcome      InboxOutcome       `json:"outcome"`
	TopMessageID string             `json:"top_message_id,omitempty"`
	ThreadID     string             `json:"thread_id,omitempty"`
	Candidates   int                `json:"candidates"`
	FilledFields map[string]string  `json:"filled_fields,omitempty"`
	StillMissing []string           `json:"still_missing,omitempty"`
	Scores       map[string]float64 `json:"scores,omitempty"`
}

// InboxSearchService probes the mailbox for confirmation evidence.
type InboxSearchService interface {
	SearchForCase(ctx context.Context, req *InboxSearchRequest) (*InboxSearchResult, error)
}

// =============================================================================
// Evidence Retrieval
// =============================================================================

// EvidenceRequest asks for attachment retrieval on a thread or message set.
// MessageIDs win over ThreadID when both are given.
type EvidenceRequest struct {
	CaseID     string
	ThreadID   string
	MessageIDs []string
}

// EvidenceSummary reports what retrieval stored.
type EvidenceSummary struct {
	Inserted           int      `json:"inserted"`
	Reused             int      `json:"reused"`
	Skipped            int      `json:"skipped"`
	AttachmentsWithSha int      `json:"attachments_with_sha"`
	Filenames          []string `json:"filenames,omitempty"`
	Errors             []string `json:"errors,omitempty"`
}

// EvidenceService walks MIME trees and stores PDF evidence.
type EvidenceService interface {
	RetrieveEvidence(ctx context.Context, req *EvidenceRequest) (*EvidenceSummary, error)
}

// =============================================================================
// Due Poller
// =============================================================================

// PollOptions tunes one poll run.
type PollOptions struct {
	Limit  int
	DryRun bool
}

// PollCaseResult is the outcome for one polled case.
type PollCaseResult struct {
	CaseID    string           `json:"case_id"`
	PONumber  string           `json:"po_number"`
	FromState domain.CaseState `json:"from_state"`
	ToState   domain.CaseState `json:"to_state,omitempty"`
	Outcome   string           `json:"outcome"`
	Error     string           `json:"error,omitempty"`
	Debug     map[string]any   `json:"debug,omitempty"`
}

// PollRunResult summarizes one poll batch.
type PollRunResult struct {
	Due       int              `json:"due"`
	Processed int              `json:"processed"`
	Skipped   int              `json:"skipped"`
	Errored   int              `json:"errored"`
	Cases     []PollCaseResult `json:"cases"`
	StartedAt time.Time        `json:"started_at"`
	Duration  string           `json:"duration"`
}

// PollService drives due cases through the evidence pipeline.
type PollService interface {
	PollDue(ctx context.Context, opts *PollOptions) (*PollRunResult, error)
}
