// Package extract pulls confirmation fields out of PDF and email text.
package extract

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ack_server/core/domain"
	"ack_server/core/port/out"
	"ack_server/pkg/logger"
)

// llmConfidenceCap bounds model-reported confidences until calibrated.
const llmConfidenceCap = 0.75

// lowConfidence is the threshold below which policy treats a field as
// needing human review.
const lowConfidence = 0.6

// =============================================================================
// Types
// =============================================================================

// Field is one extracted value with provenance.
type Field struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Result is the outcome of one extraction run.
type Result struct {
	SupplierReference *Field `json:"supplier_reference,omitempty"`
	DeliveryDate      *Field `json:"delivery_date,omitempty"` // ISO YYYY-MM-DD
	Quantity          *Field `json:"quantity,omitempty"`

	// EvidenceSource is pdf, email, mixed or none.
	EvidenceSource string `json:"evidence_source"`
	RawExcerpt     string `json:"raw_excerpt,omitempty"`
}

// MinConfidence returns the lowest confidence among extracted fields, or 0
// when nothing was extracted.
func (r *Result) MinConfidence() float64 {
	min := 0.0
	first := true
	for _, f := range []*Field{r.SupplierReference, r.DeliveryDate, r.Quantity} {
		if f == nil {
			continue
		}
		if first || f.Confidence < min {
			min = f.Confidence
			first = false
		}
	}
	if first {
		return 0
	}
	return min
}

// FieldCount returns how many canonical fields were extracted.
func (r *Result) FieldCount() int {
	n := 0
	for _, f := range []*Field{r.SupplierReference, r.DeliveryDate, r.Quantity} {
		if f != nil {
			n++
		}
	}
	return n
}

// FilledKeys returns the canonical keys this result fills.
func (r *Result) FilledKeys() []string {
	var keys []string
	if r.SupplierReference != nil {
		keys = append(keys, domain.FieldSupplierReference)
	}
	if r.DeliveryDate != nil {
		keys = append(keys, domain.FieldDeliveryDate)
	}
	if r.Quantity != nil {
		keys = append(keys, domain.FieldQuantity)
	}
	return keys
}

// =============================================================================
// Extractor
// =============================================================================

// Extractor runs heuristics first and falls back to the LLM when they come
// up empty.
type Extractor struct {
	llm out.FieldLLMPort
}

// NewExtractor creates an extractor. llm may be nil to disable the fallback.
func NewExtractor(llm out.FieldLLMPort) *Extractor {
	return &Extractor{llm: llm}
}

// Request carries the evidence for one extraction run.
type Request struct {
	PDFText     string
	EmailText   string
	PONumber    string
	ExpectedQty *float64
}

// Extract runs heuristic extraction PDF-first, email as fallback, then the
// LLM for anything still missing.
func (e *Extractor) Extract(ctx context.Context, req *Request) (*Result, error) {
	result := &Result{EvidenceSource: "none"}

	if req.PDFText != "" {
		heuristic(req.PDFText, req.ExpectedQty, result)
		if result.FieldCount() > 0 {
			result.EvidenceSource = "pdf"
		}
	}
	if result.FieldCount() == 0 && req.EmailText != "" {
		heuristic(req.EmailText, req.ExpectedQty, result)
		if result.FieldCount() > 0 {
			result.EvidenceSource = "email"
		}
	}

	if result.FieldCount() < 3 && e.llm != nil && (req.PDFText != "" || req.EmailText != "") {
		e.fillFromLLM(ctx, req, result)
	}

	if result.RawExcerpt == "" {
		result.RawExcerpt = excerpt(firstNonEmpty(req.PDFText, req.EmailText), 400)
	}
	return result, nil
}

// fillFromLLM asks the model for anything the heuristics missed and merges
// under the guardrails. Heuristic values always win.
func (e *Extractor) fillFromLLM(ctx context.Context, req *Request, result *Result) {
	llmResult, err := e.llm.ExtractConfirmation(ctx, &out.LLMExtractionRequest{
		PDFText:     req.PDFText,
		EmailText:   req.EmailText,
		PONumber:    req.PONumber,
		ExpectedQty: req.ExpectedQty,
	})
	if err != nil {
		logger.WithError(err).Warn("LLM field extraction failed, keeping heuristic results")
		return
	}

	merged := false
	if result.SupplierReference == nil && llmResult.SupplierOrderNumber != nil {
		if v := cleanSupplierRef(llmResult.SupplierOrderNumber.Value); v != "" {
			result.SupplierReference = &Field{Value: v, Confidence: capConf(llmResult.SupplierOrderNumber.Confidence)}
			merged = true
		}
	}
	if result.DeliveryDate == nil && llmResult.DeliveryDate != nil {
		if iso := normalizeDate(llmResult.DeliveryDate.Value); iso != "" {
			result.DeliveryDate = &Field{Value: iso, Confidence: capConf(llmResult.DeliveryDate.Confidence)}
			merged = true
		}
	}
	if result.Quantity == nil && llmResult.Quantity != nil {
		if qty, ok := parseQuantity(llmResult.Quantity.Value); ok && quantityPlausible(qty, req.ExpectedQty) {
			result.Quantity = &Field{Value: formatQty(qty), Confidence: capConf(llmResult.Quantity.Confidence)}
			merged = true
		}
	}

	if merged {
		if result.EvidenceSource == "none" {
			if req.PDFText != "" {
				result.EvidenceSource = "pdf"
			} else {
				result.EvidenceSource = "email"
			}
		} else {
			result.EvidenceSource = "mixed"
		}
		if llmResult.RawExcerpt != "" {
			result.RawExcerpt = llmResult.RawExcerpt
		}
	}
}

func capConf(c float64) float64 {
	if c > llmConfidenceCap {
		return llmConfidenceCap
	}
	if c < 0 {
		return 0
	}
	return c
}

// IsLowConfidence reports whether a confidence needs human review.
func IsLowConfidence(c float64) bool {
	return c < lowConfidence
}

// =============================================================================
// Heuristics
// =============================================================================

func heuristic(text string, expectedQty *float64, result *Result) {
	if result.SupplierReference == nil {
		if v, conf := extractSupplierRef(text); v != "" {
			result.SupplierReference = &Field{Value: v, Confidence: conf}
		}
	}
	if result.DeliveryDate == nil {
		if v, conf := extractDate(text); v != "" {
			result.DeliveryDate = &Field{Value: v, Confidence: conf}
		}
	}
	if result.Quantity == nil {
		if v, conf := extractQuantity(text, expectedQty); v != "" {
			result.Quantity = &Field{Value: v, Confidence: conf}
		}
	}
}

// -----------------------------------------------------------------------------
// Dates
// -----------------------------------------------------------------------------

// dateLabels in priority order. Order Date sits last so it never shadows a
// real confirmation date.
var dateLabels = []struct {
	pattern    *regexp.Regexp
	confidence float64
}{
	{regexp.MustCompile(`(?i)confirmed\s+ship\s+date\s*[:\-]?\s*`), 0.95},
	{regexp.MustCompile(`(?i)confirmed\s+delivery\s+date\s*[:\-]?\s*`), 0.95},
	{regexp.MustCompile(`(?i)ship\s+date\s*[:\-]?\s*`), 0.85},
	{regexp.MustCompile(`(?i)delivery\s+date\s*[:\-]?\s*`), 0.85},
	{regexp.MustCompile(`(?i)(?:promised?|expected)\s+date\s*[:\-]?\s*`), 0.75},
	{regexp.MustCompile(`(?i)order\s+date\s*[:\-]?\s*`), 0.4},
}

var dateValue = regexp.MustCompile(
	`(\d{4}-\d{2}-\d{2})|(\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4})|([A-Za-z]{3,9}\.?\s+\d{1,2},?\s+\d{4})`)

// extractDate scans for the highest-priority labeled date and returns it in
// ISO form.
func extractDate(text string) (string, float64) {
	for _, label := range dateLabels {
		for _, loc := range label.pattern.FindAllStringIndex(text, -1) {
			tail := text[loc[1]:]
			if len(tail) > 40 {
				tail = tail[:40]
			}
			if m := dateValue.FindString(tail); m != "" {
				if iso := normalizeDate(m); iso != "" {
					return iso, label.confidence
				}
			}
		}
	}
	return "", 0
}

var dateFormats = []string{
	"2006-01-02",
	"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006",
	"1/2/06", "01/02/06", "1-2-06",
	"January 2, 2006", "January 2 2006",
	"Jan 2, 2006", "Jan 2 2006", "Jan. 2, 2006",
}

// normalizeDate parses common US formats into ISO YYYY-MM-DD. Two-digit
// years below 70 land in the 2000s; time.Parse puts 69 in 1969, so the
// remap runs on the parsed century, not the raw digits.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	for _, layout := range dateFormats {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if !strings.Contains(layout, "2006") && t.Year() >= 1900 && t.Year() < 2000 {
			if twoDigit := t.Year() % 100; twoDigit < 70 {
				t = time.Date(twoDigit+2000, t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			}
		}
		return t.Format("2006-01-02")
	}
	return ""
}

// -----------------------------------------------------------------------------
// Supplier Reference
// -----------------------------------------------------------------------------

var supplierRefLabels = []struct {
	pattern    *regexp.Regexp
	confidence float64
}{
	{regexp.MustCompile(`(?i)our\s+order\s+(?:number|no\.?|#)\s*[:\-]?\s*([A-Za-z0-9\-/]+)`), 0.95},
	{regexp.MustCompile(`(?i)sales\s+order\s*(?:number|no\.?|#)?\s*[:\-]?\s*([A-Za-z0-9\-/]+)`), 0.9},
	{regexp.MustCompile(`(?i)\bSO[\s#:\-]+([A-Za-z0-9\-/]+)`), 0.8},
	{regexp.MustCompile(`(?i)order\s*#\s*[:\-]?\s*([A-Za-z0-9\-/]+)`), 0.7},
}

// refStopWords are label fragments that regex capture sometimes swallows.
var refStopWords = map[string]bool{
	"number": true, "no": true, "date": true, "qty": true,
	"confirmation": true, "acknowledgment": true, "the": true,
}

func cleanSupplierRef(v string) string {
	v = strings.Trim(strings.TrimSpace(v), ".,;:")
	if v == "" || refStopWords[strings.ToLower(v)] {
		return ""
	}
	// A reference without a digit is a word, not an order number.
	if !strings.ContainsAny(v, "0123456789") {
		return ""
	}
	return v
}

func extractSupplierRef(text string) (string, float64) {
	for _, label := range supplierRefLabels {
		for _, m := range label.pattern.FindAllStringSubmatch(text, -1) {
			if v := cleanSupplierRef(m[1]); v != "" {
				return v, label.confidence
			}
		}
	}
	return "", 0
}

// -----------------------------------------------------------------------------
// Quantity
// -----------------------------------------------------------------------------

var qtyLabeled = regexp.MustCompile(`(?i)\b(?:qty|quantity)\s*[:\-]?\s*([\d,]+(?:\.\d+)?)\s*([A-Za-z]{0,4})`)

// Dimensional and spec noise that must never be read as a quantity.
var (
	fractionPattern = regexp.MustCompile(`\b\d+\s*/\s*\d+\b`)
	gradePattern    = regexp.MustCompile(`(?i)\b[A-Z]\d{3,}\b`)
	gaugePattern    = regexp.MustCompile(`\.\d{3}\b`)
	weightUOM       = map[string]bool{"lbs": true, "lb": true, "kg": true, "kgs": true}
)

// extractQuantity never guesses: it answers only for a uniquely labeled
// Qty/Quantity value, or a labeled candidate matching the caller's expected
// quantity. Fractions, grade codes, gauges, and weight-labeled numbers are
// dimensional noise and excluded.
func extractQuantity(text string, expectedQty *float64) (string, float64) {
	type candidate struct {
		value float64
		uom   string
		raw   string
	}
	var candidates []candidate

	for _, idx := range qtyLabeled.FindAllStringSubmatchIndex(text, -1) {
		raw := text[idx[2]:idx[3]]
		uom := ""
		if idx[4] >= 0 {
			uom = strings.ToLower(text[idx[4]:idx[5]])
		}
		if weightUOM[uom] {
			continue
		}
		// Inspect the raw window around the value: fractions like 20/24,
		// grade codes like A500 and gauges like .120 are spec noise even
		// when they sit next to a quantity label.
		window := text[idx[0]:min(idx[1]+8, len(text))]
		if fractionPattern.MatchString(window) || gradePattern.MatchString(window) || gaugePattern.MatchString(window) {
			continue
		}
		qty, ok := parseQuantity(raw)
		if !ok || qty <= 0 {
			continue
		}
		candidates = append(candidates, candidate{value: qty, uom: uom, raw: raw})
	}

	if expectedQty != nil {
		for _, c := range candidates {
			if c.value == *expectedQty {
				return formatQty(c.value), 0.9
			}
		}
	}

	if len(candidates) == 1 {
		return formatQty(candidates[0].value), 0.7
	}
	return "", 0
}

func parseQuantity(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func quantityPlausible(qty float64, expected *float64) bool {
	if qty <= 0 {
		return false
	}
	if expected != nil && *expected > 0 {
		// A model answer wildly off the ordered quantity is noise.
		ratio := qty / *expected
		return ratio >= 0.01 && ratio <= 100
	}
	return true
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s...", s[:max])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
