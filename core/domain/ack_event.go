package domain

import "time"

// EventType tags an audit event row.
type EventType string

const (
	EventTypeEmailSent            EventType = "EMAIL_SENT"
	EventTypeEmailDrafted         EventType = "EMAIL_DRAFTED"
	EventTypePDFParsed            EventType = "PDF_PARSED"
	EventTypeAgentDecision        EventType = "AGENT_DECISION"
	EventTypeAgentStarted         EventType = "AGENT_ORCHESTRATE_STARTED"
	EventTypeAgentEmailSkipped    EventType = "AGENT_EMAIL_SKIPPED"
	EventTypeAgentNeedsHuman      EventType = "AGENT_NEEDS_HUMAN"
	EventTypeInboxSearchFound     EventType = "INBOX_SEARCH_FOUND"
	EventTypeInboxSearchPartial   EventType = "INBOX_SEARCH_INCOMPLETE"
	EventTypeInboxSearchNotFound  EventType = "INBOX_SEARCH_NOT_FOUND"
	EventTypeAttachmentStored     EventType = "ATTACHMENT_STORED"
	EventTypeAttachmentError      EventType = "ATTACHMENT_ERROR"
	EventTypeStateTransition      EventType = "STATE_TRANSITION"
	EventTypeTransitionRejected   EventType = "TRANSITION_REJECTED"
	EventTypeCaseResolved         EventType = "CASE_RESOLVED"
	EventTypeCaseError            EventType = "CASE_ERROR"
	EventTypePollChecked          EventType = "POLL_CHECKED"
)

// EvidenceRefs points an event at the mail evidence it was derived from.
type EvidenceRefs struct {
	MessageIDs    []string `json:"message_ids,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
	ContentSHA256 string   `json:"content_sha256,omitempty"`
}

// Event is an append-only audit row for a case.
type Event struct {
	EventID      string         `json:"event_id"`
	CaseID       string         `json:"case_id"`
	EventType    EventType      `json:"event_type"`
	Summary      string         `json:"summary"`
	EvidenceRefs *EvidenceRefs  `json:"evidence_refs,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
