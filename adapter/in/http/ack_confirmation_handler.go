package http

import (
	"github.com/gofiber/fiber/v2"

	"ack_server/config"
	"ack_server/core/domain"
	"ack_server/core/port/out"
	"ack_server/pkg/response"
)

// =============================================================================
// Confirmation Records Handler
// =============================================================================

// ConfirmationHandler serves the authoritative confirmation records and the
// demo reset surface.
type ConfirmationHandler struct {
	records out.RecordRepository
	cases   out.CaseRepository
	cfg     *config.Config
}

func NewConfirmationHandler(records out.RecordRepository, cases out.CaseRepository, cfg *config.Config) *ConfirmationHandler {
	return &ConfirmationHandler{records: records, cases: cases, cfg: cfg}
}

func (h *ConfirmationHandler) Register(app fiber.Router) {
	grp := app.Group("/confirmations")
	grp.Get("/records", h.GetRecords)
	grp.Post("/records", h.GetRecords)
	grp.Post("/records/upsert", h.UpsertRecord)
	grp.Post("/reset", h.Reset)
}

type recordsRequest struct {
	POIDs []string `json:"po_ids"`
	Pairs []struct {
		POID   string `json:"po_id"`
		LineID string `json:"line_id"`
	} `json:"pairs"`
}

// GetRecords fetches records by PO list or explicit (po_id, line_id) pairs.
// GET accepts a comma-free repeated po_id query param; POST takes a body.
func (h *ConfirmationHandler) GetRecords(c *fiber.Ctx) error {
	var req recordsRequest
	if c.Method() == fiber.MethodPost {
		if err := c.BodyParser(&req); err != nil {
			return response.BadRequest(c, "invalid request body")
		}
	} else if poID := c.Query("po_id"); poID != "" {
		req.POIDs = []string{poID}
	}

	if len(req.Pairs) > 0 {
		records := make([]*domain.ConfirmationRecord, 0, len(req.Pairs))
		for _, p := range req.Pairs {
			rec, err := h.records.GetByPoLine(c.Context(), p.POID, p.LineID)
			if err != nil {
				continue
			}
			records = append(records, rec)
		}
		return response.OK(c, records)
	}

	if len(req.POIDs) == 0 {
		return response.BadRequest(c, "po_ids or pairs required")
	}
	records, err := h.records.ListByPOs(c.Context(), req.POIDs)
	if err != nil {
		return err
	}
	return response.OK(c, records)
}

type upsertRecordRequest struct {
	POID              string   `json:"po_id"`
	LineID            string   `json:"line_id"`
	SupplierReference string   `json:"supplier_reference"`
	DeliveryDate      string   `json:"delivery_date"`
	Quantity          *float64 `json:"quantity"`
}

func (h *ConfirmationHandler) UpsertRecord(c *fiber.Ctx) error {
	var req upsertRecordRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	if req.POID == "" || req.LineID == "" {
		return response.BadRequest(c, "po_id and line_id are required")
	}

	rec := &domain.ConfirmationRecord{
		POID:              req.POID,
		LineID:            req.LineID,
		SupplierReference: req.SupplierReference,
		DeliveryDate:      req.DeliveryDate,
		Quantity:          req.Quantity,
	}
	if err := h.records.Upsert(c.Context(), rec); err != nil {
		return err
	}
	return response.OK(c, rec)
}

type resetRequest struct {
	PONumber string `json:"po_number"`
}

// Reset cascade-deletes every case for a PO. Demo and development only.
func (h *ConfirmationHandler) Reset(c *fiber.Ctx) error {
	if h.cfg.IsProduction() {
		return response.Forbidden(c, "reset is disabled in production")
	}

	var req resetRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	if req.PONumber == "" {
		return response.BadRequest(c, "po_number is required")
	}

	deleted, err := h.cases.DeleteByPO(c.Context(), req.PONumber)
	if err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"deleted_cases": deleted})
}
