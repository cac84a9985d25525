package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"ack_server/core/domain"
	"ack_server/core/port/in"
	"ack_server/core/port/out"
	"ack_server/pkg/apperr"
	"ack_server/pkg/response"
)

// =============================================================================
// Case Handler
// =============================================================================

// CaseHandler exposes read access to cases plus creation for callers that
// ingest PO lines out of band.
type CaseHandler struct {
	states in.CaseStateService
	cases  out.CaseRepository
}

func NewCaseHandler(states in.CaseStateService, cases out.CaseRepository) *CaseHandler {
	return &CaseHandler{states: states, cases: cases}
}

func (h *CaseHandler) Register(app fiber.Router) {
	grp := app.Group("/cases")
	grp.Post("/", h.Create)
	grp.Get("/", h.List)
	grp.Get("/:id", h.Get)
	grp.Get("/:id/events", h.Events)
}

type createCaseRequest struct {
	PONumber        string   `json:"po_number"`
	LineID          string   `json:"line_id"`
	SupplierName    string   `json:"supplier_name"`
	SupplierEmail   string   `json:"supplier_email"`
	SupplierDomain  string   `json:"supplier_domain"`
	ItemDescription string   `json:"item_description"`
	ExpectedQty     *float64 `json:"expected_qty"`
	MissingFields   []string `json:"missing_fields"`
}

func (h *CaseHandler) Create(c *fiber.Ctx) error {
	var req createCaseRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	if req.PONumber == "" {
		return response.BadRequest(c, "po_number is required")
	}

	newCase := &domain.Case{
		PONumber:        req.PONumber,
		LineID:          req.LineID,
		SupplierName:    req.SupplierName,
		SupplierEmail:   req.SupplierEmail,
		SupplierDomain:  req.SupplierDomain,
		ItemDescription: req.ItemDescription,
		ExpectedQty:     req.ExpectedQty,
		MissingFields:   req.MissingFields,
	}
	if err := h.cases.Create(c.Context(), newCase); err != nil {
		if errors.Is(err, out.ErrDuplicate) {
			return apperr.Conflict("case already exists for this PO line")
		}
		return err
	}
	return response.Created(c, newCase)
}

func (h *CaseHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	cases, err := h.states.ListCases(c.Context(), limit, offset)
	if err != nil {
		return err
	}
	return response.OKWithMeta(c, cases, &response.Meta{Total: len(cases), Limit: limit, Offset: offset})
}

func (h *CaseHandler) Get(c *fiber.Ctx) error {
	caseID := c.Params("id")
	found, err := h.states.GetCase(c.Context(), caseID)
	if err != nil {
		return err
	}
	return response.OK(c, found)
}

func (h *CaseHandler) Events(c *fiber.Ctx) error {
	caseID := c.Params("id")
	limit := c.QueryInt("limit", 100)

	events, err := h.states.ListEvents(c.Context(), caseID, limit)
	if err != nil {
		return err
	}
	return response.OKWithMeta(c, events, &response.Meta{Total: len(events), Limit: limit})
}
