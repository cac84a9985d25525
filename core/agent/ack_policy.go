package agent

import (
	"fmt"
	"time"
)

// =============================================================================
// Policy v1
// =============================================================================

// Action is what the orchestrator should do next for a case.
type Action string

const (
	ActionNoOp              Action = "NO_OP"
	ActionDraftEmail        Action = "DRAFT_EMAIL"
	ActionSendEmail         Action = "SEND_EMAIL"
	ActionApplyUpdatesReady Action = "APPLY_UPDATES_READY"
	ActionNeedsHuman        Action = "NEEDS_HUMAN"
)

// Risk grades how dangerous acting autonomously would be.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// Orchestration modes.
const (
	ModeDryRun    = "dry_run"
	ModeQueueOnly = "queue_only"
	ModeAutoSend  = "auto_send"
)

// defaultEmailCooldown is the minimum gap between outbound emails on one
// case when no cooldown is configured.
const defaultEmailCooldown = 24 * time.Hour

// policyLowConfidence is the floor under which extractions go to a human.
const policyLowConfidence = 0.6

// maxMissingForAutoSend bounds how incomplete a case may be and still be
// mailed about automatically.
const maxMissingForAutoSend = 3

// PolicyInput is everything the rule set looks at.
type PolicyInput struct {
	InboxClass    string // FOUND_CONFIRMED, FOUND_INCOMPLETE, NOT_FOUND
	Exceptions    []string
	MinConfidence float64
	FieldCount    int
	MissingFields []string

	HasSupplierRef  bool
	HasDeliveryDate bool

	LastEmailSentAt *time.Time
	LastActionAt    *time.Time

	Mode string
	Now  time.Time

	// Cooldown overrides the outbound-email cooldown; zero or negative
	// means the 24h default.
	Cooldown time.Duration
}

// Decision is the policy outcome for one case.
type Decision struct {
	Action Action `json:"action"`
	Risk   Risk   `json:"risk"`
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

// ApplyPolicy evaluates the ordered rule set and returns the first match.
func ApplyPolicy(in *PolicyInput) *Decision {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	cooldown := in.Cooldown
	if cooldown <= 0 {
		cooldown = defaultEmailCooldown
	}
	missing := len(in.MissingFields)

	// Rule 1: supplier exceptions always need a human eye. The one carve-out
	// is an incomplete confirmation, where a clarifying draft is still useful.
	if len(in.Exceptions) > 0 {
		if in.InboxClass == "FOUND_INCOMPLETE" {
			return &Decision{
				Action: ActionDraftEmail,
				Risk:   RiskHigh,
				Rule:   "exception_incomplete",
				Reason: fmt.Sprintf("supplier exception %v on an incomplete confirmation; draft for human approval", in.Exceptions),
			}
		}
		return &Decision{
			Action: ActionNeedsHuman,
			Risk:   RiskHigh,
			Rule:   "exception",
			Reason: fmt.Sprintf("supplier exception detected: %v", in.Exceptions),
		}
	}

	// Rule 2: cooldown since the last outbound email.
	if in.LastEmailSentAt != nil && now.Sub(*in.LastEmailSentAt) < cooldown {
		return &Decision{
			Action: ActionNoOp,
			Risk:   RiskLow,
			Rule:   "email_cooldown",
			Reason: fmt.Sprintf("last email sent %s ago, inside the %s cooldown", now.Sub(*in.LastEmailSentAt).Round(time.Minute), cooldown),
		}
	}

	// Rule 3: low-confidence extractions are never acted on automatically.
	if in.FieldCount > 0 && in.MinConfidence < policyLowConfidence {
		return &Decision{
			Action: ActionNeedsHuman,
			Risk:   RiskHigh,
			Rule:   "low_confidence",
			Reason: fmt.Sprintf("minimum extraction confidence %.2f below %.2f", in.MinConfidence, policyLowConfidence),
		}
	}

	// Rule 4: a confirmed thread with the two key fields is ready to apply.
	if in.InboxClass == "FOUND_CONFIRMED" && in.HasSupplierRef && in.HasDeliveryDate {
		return &Decision{
			Action: ActionApplyUpdatesReady,
			Risk:   RiskLow,
			Rule:   "confirmed_complete",
			Reason: "confirmed thread with supplier reference and delivery date",
		}
	}

	// Rule 5: incomplete confirmation — ask the supplier for what is missing.
	if in.InboxClass == "FOUND_INCOMPLETE" {
		return draftDecision(in, missing, "incomplete",
			fmt.Sprintf("confirmation found but %d field(s) missing", missing))
	}

	// Rule 6: nothing found — chase, but not more than once a day.
	if in.InboxClass == "NOT_FOUND" {
		if in.LastActionAt == nil || now.Sub(*in.LastActionAt) > cooldown {
			return draftDecision(in, missing, "not_found_chase",
				"no confirmation found and the case has been idle for over a day")
		}
		return &Decision{
			Action: ActionNoOp,
			Risk:   RiskLow,
			Rule:   "not_found_recent",
			Reason: "no confirmation found but the case was touched recently",
		}
	}

	return &Decision{
		Action: ActionNeedsHuman,
		Risk:   RiskHigh,
		Rule:   "fallback",
		Reason: fmt.Sprintf("no rule matched inbox class %q", in.InboxClass),
	}
}

// draftDecision builds a DRAFT_EMAIL decision, upgrading to SEND_EMAIL only
// in auto_send mode at LOW risk with a bounded missing-field set.
func draftDecision(in *PolicyInput, missing int, rule, reason string) *Decision {
	risk := RiskForMissing(missing)
	action := ActionDraftEmail
	if in.Mode == ModeAutoSend && risk == RiskLow && missing <= maxMissingForAutoSend {
		action = ActionSendEmail
	}
	return &Decision{Action: action, Risk: risk, Rule: rule, Reason: reason}
}

// RiskForMissing grades risk by how many canonical fields are still open.
func RiskForMissing(missing int) Risk {
	switch {
	case missing <= 1:
		return RiskLow
	case missing == 2:
		return RiskMedium
	default:
		return RiskHigh
	}
}
