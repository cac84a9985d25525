// Package domain contains the core entities of the confirmation engine.
package domain

import (
	"strings"
	"time"
)

// =============================================================================
// Case States
// =============================================================================

// CaseState is the lifecycle state of a confirmation case.
type CaseState string

const (
	StateInboxLookup  CaseState = "INBOX_LOOKUP"
	StateOutreachSent CaseState = "OUTREACH_SENT"
	StateWaiting      CaseState = "WAITING"
	StateFollowupSent CaseState = "FOLLOWUP_SENT"
	StateParsed       CaseState = "PARSED"
	StateResolved     CaseState = "RESOLVED"
	StateEscalated    CaseState = "ESCALATED"
	StateError        CaseState = "ERROR"
)

// CaseStatus is the outcome tag carried alongside the state.
type CaseStatus string

const (
	StatusOpen      CaseStatus = "OPEN"
	StatusConfirmed CaseStatus = "CONFIRMED"
	StatusEscalated CaseStatus = "ESCALATED"
	StatusFailed    CaseStatus = "FAILED"
)

// IsScheduled reports whether the state requires a populated next_check_at.
// Entry into any other state clears the scheduling field.
func (s CaseState) IsScheduled() bool {
	switch s {
	case StateOutreachSent, StateWaiting, StateFollowupSent:
		return true
	}
	return false
}

// IsTerminal reports whether the state ends the automated loop.
// RESOLVED and ESCALATED can be reopened by a user; ERROR only retried.
func (s CaseState) IsTerminal() bool {
	switch s {
	case StateResolved, StateEscalated, StateError:
		return true
	}
	return false
}

// =============================================================================
// Canonical Fields
// =============================================================================

// Canonical missing-field keys. Parser aliases are normalized on write.
const (
	FieldSupplierReference = "supplier_reference"
	FieldDeliveryDate      = "delivery_date"
	FieldQuantity          = "quantity"
)

// fieldAliases maps parser-specific field names to canonical keys.
var fieldAliases = map[string]string{
	"supplier_reference":      FieldSupplierReference,
	"supplier_order_number":   FieldSupplierReference,
	"supplier_order_no":       FieldSupplierReference,
	"sales_order":             FieldSupplierReference,
	"so_number":               FieldSupplierReference,
	"order_number":            FieldSupplierReference,
	"delivery_date":           FieldDeliveryDate,
	"confirmed_delivery_date": FieldDeliveryDate,
	"confirmed_ship_date":     FieldDeliveryDate,
	"ship_date":               FieldDeliveryDate,
	"promise_date":            FieldDeliveryDate,
	"quantity":                FieldQuantity,
	"confirmed_quantity":      FieldQuantity,
	"qty":                     FieldQuantity,
}

// CanonicalField normalizes a parser field name to its canonical key.
// Unknown names return empty.
func CanonicalField(name string) string {
	return fieldAliases[strings.ToLower(strings.TrimSpace(name))]
}

// NormalizeMissingFields maps a raw field list onto canonical keys,
// dropping unknowns and duplicates. Order is canonical, not input order.
func NormalizeMissingFields(raw []string) []string {
	seen := map[string]bool{}
	for _, f := range raw {
		if key := CanonicalField(f); key != "" {
			seen[key] = true
		}
	}
	var out []string
	for _, key := range []string{FieldSupplierReference, FieldDeliveryDate, FieldQuantity} {
		if seen[key] {
			out = append(out, key)
		}
	}
	return out
}

// =============================================================================
// Case
// =============================================================================

// Case is a per-(PO, line) confirmation workflow record.
type Case struct {
	CaseID   string `json:"case_id"`
	PONumber string `json:"po_number"`
	LineID   string `json:"line_id"`

	SupplierName   string `json:"supplier_name,omitempty"`
	SupplierEmail  string `json:"supplier_email,omitempty"`
	SupplierDomain string `json:"supplier_domain,omitempty"`

	ItemDescription string   `json:"item_description,omitempty"`
	ExpectedQty     *float64 `json:"expected_qty,omitempty"`

	MissingFields []string   `json:"missing_fields"`
	State         CaseState  `json:"state"`
	Status        CaseStatus `json:"status"`

	TouchCount int        `json:"touch_count"`
	ErrorCount int        `json:"error_count"`
	LastAction *time.Time `json:"last_action_at,omitempty"`

	// Scheduling. NextCheckAt is populated iff State.IsScheduled().
	NextCheckAt      *time.Time `json:"next_check_at,omitempty"`
	LastInboxCheckAt *time.Time `json:"last_inbox_check_at,omitempty"`

	Meta CaseMeta `json:"meta"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullyConfirmed reports whether every canonical field has been filled.
func (c *Case) FullyConfirmed() bool {
	return len(c.MissingFields) == 0
}

// =============================================================================
// Case Meta
// =============================================================================

// CaseMeta holds the known meta fields plus an opaque overflow map for
// forward compatibility. Serialized as a single JSON column.
type CaseMeta struct {
	ThreadID          string            `json:"thread_id,omitempty"`
	ParsedBestFields  *ParsedBestFields `json:"parsed_best_fields_v1,omitempty"`
	AgentQueue        []AgentQueueItem  `json:"agent_queue,omitempty"`
	LastSentMessageID string            `json:"last_sent_message_id,omitempty"`
	LastSentAt        *time.Time        `json:"last_sent_at,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// ParsedBestFields is the best extraction result persisted on the case.
type ParsedBestFields struct {
	SupplierReference    string  `json:"supplier_reference,omitempty"`
	DeliveryDate         string  `json:"delivery_date,omitempty"` // ISO YYYY-MM-DD
	Quantity             *float64 `json:"quantity,omitempty"`
	MinConfidence        float64 `json:"min_confidence,omitempty"`
	EvidenceSource       string  `json:"evidence_source,omitempty"` // pdf, email, mixed, none
	EvidenceAttachmentID string  `json:"evidence_attachment_id,omitempty"`
	EvidenceMessageID    string  `json:"evidence_message_id,omitempty"`
	EvidenceSHA256       string  `json:"evidence_sha256,omitempty"`
}

// AgentQueueItem is a pending agent action awaiting human approval.
type AgentQueueItem struct {
	Action    string    `json:"action"`
	Risk      string    `json:"risk"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body,omitempty"`
	To        string    `json:"to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
}

// =============================================================================
// Case Patch
// =============================================================================

// CasePatch is a typed partial update. Nil fields are untouched; the store
// builds the UPDATE statement from the set fields and always bumps updated_at.
type CasePatch struct {
	SupplierName   *string
	SupplierEmail  *string
	SupplierDomain *string

	MissingFields *[]string
	State         *CaseState
	Status        *CaseStatus

	TouchCount *int
	ErrorCount *int
	LastAction *time.Time

	// Pointer-to-pointer so callers can distinguish "leave alone" (nil)
	// from "set to NULL" (pointer to nil).
	NextCheckAt      **time.Time
	LastInboxCheckAt **time.Time

	Meta *CaseMeta
}

// IsEmpty reports whether the patch carries no changes.
func (p *CasePatch) IsEmpty() bool {
	return p == nil || (p.SupplierName == nil && p.SupplierEmail == nil &&
		p.SupplierDomain == nil && p.MissingFields == nil && p.State == nil &&
		p.Status == nil && p.TouchCount == nil && p.ErrorCount == nil &&
		p.LastAction == nil && p.NextCheckAt == nil &&
		p.LastInboxCheckAt == nil && p.Meta == nil)
}
