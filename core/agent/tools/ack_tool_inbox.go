package tools

import (
	"context"

	"ack_server/core/port/in"
)

// SearchInboxTool runs the scored mailbox search for a case.
type SearchInboxTool struct {
	inbox in.InboxSearchService
}

func NewSearchInboxTool(inbox in.InboxSearchService) *SearchInboxTool {
	return &SearchInboxTool{inbox: inbox}
}

func (t *SearchInboxTool) Name() string          { return "search_inbox" }
func (t *SearchInboxTool) Category() ToolCategory { return CategoryInbox }

func (t *SearchInboxTool) Description() string {
	return "Search the mailbox for confirmation evidence for a case. Returns the outcome (FOUND_CONFIRMED, FOUND_INCOMPLETE, NOT_FOUND), the best thread and candidate messages."
}

func (t *SearchInboxTool) Parameters() []ParameterSpec {
	return []ParameterSpec{
		{Name: "case_id", Type: "string", Description: "Case ID", Required: true},
		{Name: "lookback_days", Type: "number", Description: "How far back to search (default 30)", Required: false, Default: 30},
	}
}

func (t *SearchInboxTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	caseID := StringArg(args, "case_id")
	if caseID == "" {
		return &ToolResult{Success: false, Error: "case_id is required"}, nil
	}

	res, err := t.inbox.SearchForCase(ctx, &in.InboxSearchRequest{
		CaseID:       caseID,
		LookbackDays: IntArg(args, "lookback_days", 0),
	})
	if err != nil {
		return &ToolResult{Success: false, Error: err.Error()}, nil
	}

	return &ToolResult{
		Success: true,
		Data: map[string]any{
			"outcome":        res.Outcome,
			"top_message_id": res.TopMessageID,
			"thread_id":      res.ThreadID,
			"candidates":     res.Candidates,
			"filled_fields":  res.FilledFields,
			"still_missing":  res.StillMissing,
		},
	}, nil
}
