package agent

import (
	"reflect"
	"testing"
)

func TestDetectExceptions(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
		want  []string
	}{
		{
			name:  "clean confirmation has no exceptions",
			texts: []string{"Your order is confirmed. Ship date 03/10/2025, qty 500 EA."},
			want:  nil,
		},
		{
			name:  "po revision",
			texts: []string{"Please revise the PO to reflect the new freight terms."},
			want:  []string{ExceptionPORevision},
		},
		{
			name:  "moq as a standalone word",
			texts: []string{"This quantity is below our MOQ of 1000 units."},
			want:  []string{ExceptionMOQ},
		},
		{
			name:  "moq inside another word does not fire",
			texts: []string{"Contact smoqvist@example.com for details."},
			want:  nil,
		},
		{
			name:  "price change",
			texts: []string{"Note there is a 4% surcharge on resin this quarter."},
			want:  []string{ExceptionPriceChange},
		},
		{
			name:  "cancellation",
			texts: []string{"We are unable to fulfill this order, the item is discontinued."},
			want:  []string{ExceptionCancellation},
		},
		{
			name: "multiple classes across texts, sorted",
			texts: []string{
				"We need a price increase before proceeding.",
				"Also this does not meet our minimum order quantity.",
			},
			want: []string{ExceptionMOQ, ExceptionPriceChange},
		},
		{
			name:  "case insensitive",
			texts: []string{"REVISED PO ATTACHED"},
			want:  []string{ExceptionPORevision},
		},
		{
			name:  "empty texts ignored",
			texts: []string{"", ""},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectExceptions(tt.texts...)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DetectExceptions() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContainsPhraseBoundaries(t *testing.T) {
	tests := []struct {
		text   string
		phrase string
		want   bool
	}{
		{"below moq threshold", "moq", true},
		{"moq", "moq", true},
		{"the moq.", "moq", true},
		{"smoqvist", "moq", false},
		{"moqs are painful", "moq", false},
		{"a surcharge applies", "surcharge", true},
	}
	for _, tt := range tests {
		if got := containsPhrase(tt.text, tt.phrase); got != tt.want {
			t.Errorf("containsPhrase(%q, %q) = %v, want %v", tt.text, tt.phrase, got, tt.want)
		}
	}
}
