package agent

import (
	"testing"
	"time"
)

func ptrTime(t time.Time) *time.Time { return &t }

func TestApplyPolicyRuleOrder(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		in         PolicyInput
		wantAction Action
		wantRisk   Risk
		wantRule   string
	}{
		{
			name: "exception wins over everything",
			in: PolicyInput{
				InboxClass:      "FOUND_CONFIRMED",
				Exceptions:      []string{"PRICE_CHANGE"},
				MinConfidence:   0.9,
				FieldCount:      3,
				HasSupplierRef:  true,
				HasDeliveryDate: true,
				Now:             now,
			},
			wantAction: ActionNeedsHuman,
			wantRisk:   RiskHigh,
			wantRule:   "exception",
		},
		{
			name: "exception on incomplete confirmation still drafts",
			in: PolicyInput{
				InboxClass:    "FOUND_INCOMPLETE",
				Exceptions:    []string{"MOQ"},
				MissingFields: []string{"delivery_date"},
				Now:           now,
			},
			wantAction: ActionDraftEmail,
			wantRisk:   RiskHigh,
			wantRule:   "exception_incomplete",
		},
		{
			name: "email cooldown blocks any outbound",
			in: PolicyInput{
				InboxClass:      "NOT_FOUND",
				LastEmailSentAt: ptrTime(now.Add(-2 * time.Hour)),
				Now:             now,
			},
			wantAction: ActionNoOp,
			wantRisk:   RiskLow,
			wantRule:   "email_cooldown",
		},
		{
			name: "cooldown expired does not block",
			in: PolicyInput{
				InboxClass:      "NOT_FOUND",
				LastEmailSentAt: ptrTime(now.Add(-25 * time.Hour)),
				Now:             now,
			},
			wantAction: ActionDraftEmail,
			wantRule:   "not_found_chase",
			wantRisk:   RiskLow,
		},
		{
			name: "low confidence goes to a human",
			in: PolicyInput{
				InboxClass:      "FOUND_CONFIRMED",
				MinConfidence:   0.55,
				FieldCount:      2,
				HasSupplierRef:  true,
				HasDeliveryDate: true,
				Now:             now,
			},
			wantAction: ActionNeedsHuman,
			wantRisk:   RiskHigh,
			wantRule:   "low_confidence",
		},
		{
			name: "zero fields skips the confidence gate",
			in: PolicyInput{
				InboxClass:    "NOT_FOUND",
				MinConfidence: 0,
				FieldCount:    0,
				Now:           now,
			},
			wantAction: ActionDraftEmail,
			wantRisk:   RiskLow,
			wantRule:   "not_found_chase",
		},
		{
			name: "confirmed with both key fields is ready to apply",
			in: PolicyInput{
				InboxClass:      "FOUND_CONFIRMED",
				MinConfidence:   0.9,
				FieldCount:      3,
				HasSupplierRef:  true,
				HasDeliveryDate: true,
				Now:             now,
			},
			wantAction: ActionApplyUpdatesReady,
			wantRisk:   RiskLow,
			wantRule:   "confirmed_complete",
		},
		{
			name: "confirmed without delivery date falls through to fallback",
			in: PolicyInput{
				InboxClass:     "FOUND_CONFIRMED",
				MinConfidence:  0.9,
				FieldCount:     1,
				HasSupplierRef: true,
				Now:            now,
			},
			wantAction: ActionNeedsHuman,
			wantRisk:   RiskHigh,
			wantRule:   "fallback",
		},
		{
			name: "incomplete drafts in queue_only mode",
			in: PolicyInput{
				InboxClass:    "FOUND_INCOMPLETE",
				MinConfidence: 0.8,
				FieldCount:    2,
				MissingFields: []string{"quantity"},
				Mode:          ModeQueueOnly,
				Now:           now,
			},
			wantAction: ActionDraftEmail,
			wantRisk:   RiskLow,
			wantRule:   "incomplete",
		},
		{
			name: "incomplete upgrades to send in auto_send at low risk",
			in: PolicyInput{
				InboxClass:    "FOUND_INCOMPLETE",
				MinConfidence: 0.8,
				FieldCount:    2,
				MissingFields: []string{"quantity"},
				Mode:          ModeAutoSend,
				Now:           now,
			},
			wantAction: ActionSendEmail,
			wantRisk:   RiskLow,
			wantRule:   "incomplete",
		},
		{
			name: "two missing fields is medium risk, no auto send",
			in: PolicyInput{
				InboxClass:    "FOUND_INCOMPLETE",
				MinConfidence: 0.8,
				FieldCount:    1,
				MissingFields: []string{"quantity", "delivery_date"},
				Mode:          ModeAutoSend,
				Now:           now,
			},
			wantAction: ActionDraftEmail,
			wantRisk:   RiskMedium,
			wantRule:   "incomplete",
		},
		{
			name: "not found and idle chases",
			in: PolicyInput{
				InboxClass:   "NOT_FOUND",
				LastActionAt: ptrTime(now.Add(-48 * time.Hour)),
				Now:          now,
			},
			wantAction: ActionDraftEmail,
			wantRisk:   RiskLow,
			wantRule:   "not_found_chase",
		},
		{
			name: "not found but touched recently waits",
			in: PolicyInput{
				InboxClass:   "NOT_FOUND",
				LastActionAt: ptrTime(now.Add(-3 * time.Hour)),
				Now:          now,
			},
			wantAction: ActionNoOp,
			wantRisk:   RiskLow,
			wantRule:   "not_found_recent",
		},
		{
			name: "unknown inbox class falls back to a human",
			in: PolicyInput{
				InboxClass: "SOMETHING_ELSE",
				Now:        now,
			},
			wantAction: ActionNeedsHuman,
			wantRisk:   RiskHigh,
			wantRule:   "fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyPolicy(&tt.in)
			if got.Action != tt.wantAction {
				t.Errorf("action = %s, want %s", got.Action, tt.wantAction)
			}
			if got.Risk != tt.wantRisk {
				t.Errorf("risk = %s, want %s", got.Risk, tt.wantRisk)
			}
			if got.Rule != tt.wantRule {
				t.Errorf("rule = %s, want %s", got.Rule, tt.wantRule)
			}
			if got.Reason == "" {
				t.Error("reason should never be empty")
			}
		})
	}
}

func TestApplyPolicyConfiguredCooldown(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// A 1h cooldown lets a 2h-old email through; the 24h default blocks it.
	in := PolicyInput{
		InboxClass:      "FOUND_CONFIRMED",
		HasSupplierRef:  true,
		HasDeliveryDate: true,
		LastEmailSentAt: ptrTime(now.Add(-2 * time.Hour)),
		Now:             now,
	}

	short := in
	short.Cooldown = time.Hour
	if d := ApplyPolicy(&short); d.Rule != "confirmed_complete" {
		t.Errorf("1h cooldown: rule = %s, want confirmed_complete", d.Rule)
	}

	if d := ApplyPolicy(&in); d.Rule != "email_cooldown" {
		t.Errorf("default cooldown: rule = %s, want email_cooldown", d.Rule)
	}
}

func TestAutoSendUpgradeBounds(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mode    string
		missing []string
		want    Action
	}{
		{"dry_run never sends", ModeDryRun, []string{"quantity"}, ActionDraftEmail},
		{"queue_only never sends", ModeQueueOnly, []string{"quantity"}, ActionDraftEmail},
		{"auto_send one missing sends", ModeAutoSend, []string{"quantity"}, ActionSendEmail},
		{"auto_send zero missing sends", ModeAutoSend, nil, ActionSendEmail},
		{"auto_send two missing stays draft", ModeAutoSend, []string{"quantity", "delivery_date"}, ActionDraftEmail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyPolicy(&PolicyInput{
				InboxClass:    "FOUND_INCOMPLETE",
				MinConfidence: 0.9,
				FieldCount:    1,
				MissingFields: tt.missing,
				Mode:          tt.mode,
				Now:           now,
			})
			if got.Action != tt.want {
				t.Errorf("action = %s, want %s", got.Action, tt.want)
			}
		})
	}
}

func TestRiskForMissing(t *testing.T) {
	tests := []struct {
		missing int
		want    Risk
	}{
		{0, RiskLow},
		{1, RiskLow},
		{2, RiskMedium},
		{3, RiskHigh},
		{5, RiskHigh},
	}
	for _, tt := range tests {
		if got := RiskForMissing(tt.missing); got != tt.want {
			t.Errorf("RiskForMissing(%d) = %s, want %s", tt.missing, got, tt.want)
		}
	}
}
