package agent

import (
	"sort"
	"strings"
)

// Supplier exception classes.
const (
	ExceptionPORevision   = "po_revision_requested"
	ExceptionMOQ          = "moq_issue"
	ExceptionPriceChange  = "price_change"
	ExceptionCancellation = "cancellation_request"
)

// exceptionKeywords maps each class to the phrases that signal it. Matching
// is case-insensitive substring search over inbound bodies and PDF extracts.
var exceptionKeywords = map[string][]string{
	ExceptionPORevision: {
		"revised po", "po revision", "revise the po", "revised purchase order",
		"updated po required", "please revise",
	},
	ExceptionMOQ: {
		"minimum order", "moq", "does not meet our minimum", "below our minimum",
	},
	ExceptionPriceChange: {
		"price increase", "price change", "new pricing", "updated price",
		"surcharge", "price adjustment",
	},
	ExceptionCancellation: {
		"cancel this order", "order cancelled", "order canceled",
		"unable to fulfill", "cannot fulfill", "discontinued",
	},
}

// DetectExceptions scans the given texts for supplier exception signals and
// returns the sorted set of matched classes.
func DetectExceptions(texts ...string) []string {
	hits := map[string]bool{}
	for _, text := range texts {
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		for class, phrases := range exceptionKeywords {
			if hits[class] {
				continue
			}
			for _, p := range phrases {
				if containsPhrase(lower, p) {
					hits[class] = true
					break
				}
			}
		}
	}

	if len(hits) == 0 {
		return nil
	}
	classes := make([]string, 0, len(hits))
	for c := range hits {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

// containsPhrase matches a phrase with word boundaries for short tokens, so
// "moq" does not fire inside unrelated words.
func containsPhrase(lower, phrase string) bool {
	if len(phrase) > 4 {
		return strings.Contains(lower, phrase)
	}
	idx := 0
	for {
		i := strings.Index(lower[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		beforeOK := start == 0 || !isWordByte(lower[start-1])
		afterOK := end == len(lower) || !isWordByte(lower[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}
