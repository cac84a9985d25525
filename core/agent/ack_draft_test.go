package agent

import (
	"strings"
	"testing"

	"ack_server/core/domain"
)

func draftCase() *domain.Case {
	return &domain.Case{
		CaseID:          "case-1",
		PONumber:        "PO-1001",
		LineID:          "10",
		ItemDescription: "Steel tubing 20ft",
		SupplierName:    "Acme Metals",
		SupplierEmail:   "orders@acme.example",
	}
}

func TestBuildDraftFreshOutreach(t *testing.T) {
	missing := []string{domain.FieldSupplierReference, domain.FieldDeliveryDate}
	d := BuildDraft(draftCase(), missing, nil)

	if d.Subject != "PO PO-1001 - Order Confirmation Request" {
		t.Errorf("subject = %q", d.Subject)
	}
	if d.IsReply {
		t.Error("fresh outreach should not be a reply")
	}
	if d.DisplayedTo != "orders@acme.example" || d.ActualTo != "orders@acme.example" {
		t.Errorf("to = %q / %q", d.DisplayedTo, d.ActualTo)
	}
	if len(d.Bcc) != 0 {
		t.Errorf("unexpected bcc %v", d.Bcc)
	}
	if !strings.Contains(d.Body, "Hello Acme Metals,") {
		t.Error("body missing supplier greeting")
	}
	if !strings.Contains(d.Body, "purchase order PO-1001, line 10 (Steel tubing 20ft)") {
		t.Errorf("body missing PO header: %q", d.Body)
	}
	if !strings.Contains(d.Body, "- Your sales order / order confirmation number") {
		t.Error("body missing supplier reference ask")
	}
	if !strings.Contains(d.Body, "- The confirmed ship or delivery date") {
		t.Error("body missing delivery date ask")
	}
	if strings.Contains(d.Body, "confirmed quantity") {
		t.Error("body should not ask for a field that is not missing")
	}
	if len(d.Body) > maxDraftBodyLen {
		t.Errorf("body length %d exceeds %d", len(d.Body), maxDraftBodyLen)
	}
}

func TestBuildDraftReplyInThread(t *testing.T) {
	tests := []struct {
		name        string
		subject     string
		wantSubject string
	}{
		{"adds re prefix", "PO-1001 Confirmation", "Re: PO-1001 Confirmation"},
		{"keeps existing re", "Re: PO-1001 Confirmation", "Re: PO-1001 Confirmation"},
		{"re prefix check is case-insensitive", "RE: PO-1001", "RE: PO-1001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := BuildDraft(draftCase(), nil, &DraftOptions{
				ThreadID:      "thread-9",
				ThreadSubject: tt.subject,
			})
			if !d.IsReply {
				t.Error("expected a reply draft")
			}
			if d.ThreadID != "thread-9" {
				t.Errorf("thread id = %q", d.ThreadID)
			}
			if d.Subject != tt.wantSubject {
				t.Errorf("subject = %q, want %q", d.Subject, tt.wantSubject)
			}
		})
	}
}

func TestBuildDraftDemoRedirect(t *testing.T) {
	d := BuildDraft(draftCase(), nil, &DraftOptions{
		DemoMode:      true,
		DemoRecipient: "demo-inbox@corp.example",
	})

	if d.DisplayedTo != "orders@acme.example" {
		t.Errorf("displayed recipient changed: %q", d.DisplayedTo)
	}
	if d.ActualTo != "demo-inbox@corp.example" {
		t.Errorf("actual recipient = %q", d.ActualTo)
	}
	if len(d.Bcc) != 1 || d.Bcc[0] != "demo-inbox@corp.example" {
		t.Errorf("bcc = %v", d.Bcc)
	}
}

func TestBuildDraftContextParagraph(t *testing.T) {
	d := BuildDraft(draftCase(), []string{domain.FieldQuantity}, &DraftOptions{
		Context: "We noticed a pricing note on your last message and want to align before confirming.",
	})
	if !strings.Contains(d.Body, "pricing note on your last message") {
		t.Error("context paragraph not rendered")
	}
	if !strings.Contains(d.Body, "- The confirmed quantity for this line") {
		t.Error("quantity ask not rendered")
	}
	if !strings.HasSuffix(d.Body, "Thank you,\nPurchasing Team\n") {
		t.Errorf("closing missing: %q", d.Body)
	}
}

func TestBuildDraftUnknownMissingKeyFallsBack(t *testing.T) {
	d := BuildDraft(draftCase(), []string{"some_new_field"}, nil)
	if !strings.Contains(d.Body, "- some_new_field") {
		t.Error("unknown keys should be listed verbatim")
	}
}
