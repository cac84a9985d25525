package tools

import (
	"context"

	"ack_server/core/port/in"
)

// =============================================================================
// get_case
// =============================================================================

type GetCaseTool struct {
	cases in.CaseStateService
}

func NewGetCaseTool(cases in.CaseStateService) *GetCaseTool {
	return &GetCaseTool{cases: cases}
}

func (t *GetCaseTool) Name() string          { return "get_case" }
func (t *GetCaseTool) Category() ToolCategory { return CategoryCase }

func (t *GetCaseTool) Description() string {
	return "Look up a PO confirmation case by its ID: current state, missing fields, schedule and status."
}

func (t *GetCaseTool) Parameters() []ParameterSpec {
	return []ParameterSpec{
		{Name: "case_id", Type: "string", Description: "Case ID to look up", Required: true},
	}
}

func (t *GetCaseTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	caseID := StringArg(args, "case_id")
	if caseID == "" {
		return &ToolResult{Success: false, Error: "case_id is required"}, nil
	}

	c, err := t.cases.GetCase(ctx, caseID)
	if err != nil {
		return &ToolResult{Success: false, Error: err.Error()}, nil
	}

	return &ToolResult{
		Success: true,
		Data: map[string]any{
			"case_id":        c.CaseID,
			"po_number":      c.PONumber,
			"line_id":        c.LineID,
			"state":          c.State,
			"status":         c.Status,
			"supplier_name":  c.SupplierName,
			"supplier_email": c.SupplierEmail,
			"missing_fields": c.MissingFields,
			"next_check_at":  c.NextCheckAt,
			"touch_count":    c.TouchCount,
			"error_count":    c.ErrorCount,
			"last_action":    c.LastAction,
		},
	}, nil
}

// =============================================================================
// list_events
// =============================================================================

type ListEventsTool struct {
	cases in.CaseStateService
}

func NewListEventsTool(cases in.CaseStateService) *ListEventsTool {
	return &ListEventsTool{cases: cases}
}

func (t *ListEventsTool) Name() string          { return "list_events" }
func (t *ListEventsTool) Category() ToolCategory { return CategoryCase }

func (t *ListEventsTool) Description() string {
	return "List the audit trail of a case, newest first: transitions, searches, stored attachments, sends."
}

func (t *ListEventsTool) Parameters() []ParameterSpec {
	return []ParameterSpec{
		{Name: "case_id", Type: "string", Description: "Case ID", Required: true},
		{Name: "limit", Type: "number", Description: "Maximum events to return (default 20)", Required: false, Default: 20},
	}
}

func (t *ListEventsTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	caseID := StringArg(args, "case_id")
	if caseID == "" {
		return &ToolResult{Success: false, Error: "case_id is required"}, nil
	}
	limit := IntArg(args, "limit", 20)

	events, err := t.cases.ListEvents(ctx, caseID, limit)
	if err != nil {
		return &ToolResult{Success: false, Error: err.Error()}, nil
	}

	items := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		items = append(items, map[string]any{
			"event_type": ev.EventType,
			"summary":    ev.Summary,
			"created_at": ev.CreatedAt,
		})
	}

	return &ToolResult{Success: true, Data: map[string]any{"events": items, "count": len(items)}}, nil
}
