package out

import "context"

// LLMExtractionRequest carries the evidence text handed to the model.
type LLMExtractionRequest struct {
	PDFText     string
	EmailText   string
	PONumber    string
	ExpectedQty *float64
}

// LLMExtractedField is one model-extracted field with its confidence.
type LLMExtractedField struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// LLMExtractionResult is the raw model output, before guardrails.
type LLMExtractionResult struct {
	SupplierOrderNumber *LLMExtractedField `json:"supplier_order_number,omitempty"`
	DeliveryDate        *LLMExtractedField `json:"confirmed_delivery_date,omitempty"`
	Quantity            *LLMExtractedField `json:"confirmed_quantity,omitempty"`
	RawExcerpt          string             `json:"raw_excerpt,omitempty"`
}

// FieldLLMPort is the LLM fallback for confirmation field extraction.
// Its output is subject to the same guardrails as the heuristic path and
// its confidences are capped at 0.75 until calibrated.
type FieldLLMPort interface {
	ExtractConfirmation(ctx context.Context, req *LLMExtractionRequest) (*LLMExtractionResult, error)
}
