package agent

import (
	"fmt"
	"strings"

	"ack_server/core/domain"
)

// =============================================================================
// Outreach Draft
// =============================================================================

// maxDraftBodyLen is the guardrail ceiling for an auto-sent body.
const maxDraftBodyLen = 1200

// Draft is a generated outreach email. DisplayedTo always carries the real
// supplier address; ActualTo is where the message is physically sent, which
// differs only in demo mode.
type Draft struct {
	DisplayedTo string   `json:"to"`
	ActualTo    string   `json:"-"`
	Bcc         []string `json:"bcc,omitempty"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	IsReply     bool     `json:"is_reply"`
	ThreadID    string   `json:"thread_id,omitempty"`
}

// missingFieldAsks maps canonical keys to the line we put in the email.
var missingFieldAsks = map[string]string{
	domain.FieldSupplierReference: "Your sales order / order confirmation number",
	domain.FieldDeliveryDate:      "The confirmed ship or delivery date",
	domain.FieldQuantity:          "The confirmed quantity for this line",
}

// DraftOptions tunes draft generation.
type DraftOptions struct {
	// ThreadID and ThreadSubject describe an existing supplier thread;
	// when set, the draft replies in-thread with a Re: subject.
	ThreadID      string
	ThreadSubject string

	// DemoMode redirects the actual recipient and adds an audit BCC.
	DemoMode      bool
	DemoRecipient string

	// Context is an optional extra paragraph (e.g. exception follow-up).
	Context string
}

// BuildDraft renders the outreach template for a case and its open fields.
func BuildDraft(c *domain.Case, missing []string, opts *DraftOptions) *Draft {
	if opts == nil {
		opts = &DraftOptions{}
	}

	subject := fmt.Sprintf("PO %s - Order Confirmation Request", c.PONumber)
	isReply := false
	if opts.ThreadID != "" && opts.ThreadSubject != "" {
		isReply = true
		subject = opts.ThreadSubject
		if !strings.HasPrefix(strings.ToLower(subject), "re:") {
			subject = "Re: " + subject
		}
	}

	var b strings.Builder
	if c.SupplierName != "" {
		fmt.Fprintf(&b, "Hello %s,\n\n", c.SupplierName)
	} else {
		b.WriteString("Hello,\n\n")
	}

	fmt.Fprintf(&b, "We are following up on purchase order %s", c.PONumber)
	if c.LineID != "" {
		fmt.Fprintf(&b, ", line %s", c.LineID)
	}
	if c.ItemDescription != "" {
		fmt.Fprintf(&b, " (%s)", c.ItemDescription)
	}
	b.WriteString(".\n\n")

	if opts.Context != "" {
		b.WriteString(opts.Context)
		b.WriteString("\n\n")
	}

	if len(missing) > 0 {
		b.WriteString("Could you please confirm the following:\n")
		for _, key := range missing {
			ask, ok := missingFieldAsks[key]
			if !ok {
				ask = key
			}
			fmt.Fprintf(&b, "  - %s\n", ask)
		}
		b.WriteString("\n")
	}

	b.WriteString("A written order confirmation attached as a PDF works best for us.\n\n")
	b.WriteString("Thank you,\nPurchasing Team\n")

	d := &Draft{
		DisplayedTo: c.SupplierEmail,
		ActualTo:    c.SupplierEmail,
		Subject:     subject,
		Body:        b.String(),
		IsReply:     isReply,
		ThreadID:    opts.ThreadID,
	}
	if opts.DemoMode && opts.DemoRecipient != "" {
		d.ActualTo = opts.DemoRecipient
		d.Bcc = append(d.Bcc, opts.DemoRecipient)
	}
	return d
}
