package domain

import (
	"strings"
	"time"
)

// MessageDirection marks which way a mail traveled.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "INBOUND"
	DirectionOutbound MessageDirection = "OUTBOUND"
)

// Message is a supplier or buyer mail record attached to a case.
// MessageID is the provider id when available.
type Message struct {
	MessageID  string           `json:"message_id"`
	CaseID     string           `json:"case_id"`
	ThreadID   string           `json:"thread_id,omitempty"`
	Direction  MessageDirection `json:"direction"`
	FromAddr   string           `json:"from_addr"`
	ToAddr     string           `json:"to_addr,omitempty"`
	Subject    string           `json:"subject,omitempty"`
	Snippet    string           `json:"snippet,omitempty"`
	Body       string           `json:"body,omitempty"`
	ReceivedAt *time.Time       `json:"received_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// DetectDirection classifies a message as INBOUND unless the From header
// contains the configured buyer address.
func DetectDirection(fromHeader, buyerEmail string) MessageDirection {
	if buyerEmail != "" && strings.Contains(strings.ToLower(fromHeader), strings.ToLower(buyerEmail)) {
		return DirectionOutbound
	}
	return DirectionInbound
}
