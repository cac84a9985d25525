package http

import (
	"github.com/gofiber/fiber/v2"

	"ack_server/core/port/out"
	"ack_server/pkg/response"
)

// AttachmentHandler exposes the one-shot duplicate cleanup.
type AttachmentHandler struct {
	attachments out.AttachmentRepository
}

func NewAttachmentHandler(attachments out.AttachmentRepository) *AttachmentHandler {
	return &AttachmentHandler{attachments: attachments}
}

func (h *AttachmentHandler) Register(app fiber.Router) {
	app.Post("/attachments/cleanup", h.Cleanup)
}

// Cleanup collapses duplicate-hash attachment groups and rewrites every
// back-reference onto the surviving row.
func (h *AttachmentHandler) Cleanup(c *fiber.Ctx) error {
	summary, err := h.attachments.CleanupDuplicates(c.Context())
	if err != nil {
		return err
	}
	return response.OK(c, summary)
}
