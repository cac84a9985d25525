package tools

import (
	"context"

	"ack_server/core/port/in"
)

// RetrieveEvidenceTool downloads and stores PDF evidence for a case thread.
type RetrieveEvidenceTool struct {
	evidence in.EvidenceService
}

func NewRetrieveEvidenceTool(evidence in.EvidenceService) *RetrieveEvidenceTool {
	return &RetrieveEvidenceTool{evidence: evidence}
}

func (t *RetrieveEvidenceTool) Name() string          { return "retrieve_evidence" }
func (t *RetrieveEvidenceTool) Category() ToolCategory { return CategoryEvidence }

func (t *RetrieveEvidenceTool) Description() string {
	return "Fetch PDF attachments from a mail thread, deduplicate them by content hash and extract their text."
}

func (t *RetrieveEvidenceTool) Parameters() []ParameterSpec {
	return []ParameterSpec{
		{Name: "case_id", Type: "string", Description: "Case ID", Required: true},
		{Name: "thread_id", Type: "string", Description: "Mail thread to pull attachments from", Required: true},
	}
}

func (t *RetrieveEvidenceTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	caseID := StringArg(args, "case_id")
	threadID := StringArg(args, "thread_id")
	if caseID == "" || threadID == "" {
		return &ToolResult{Success: false, Error: "case_id and thread_id are required"}, nil
	}

	summary, err := t.evidence.RetrieveEvidence(ctx, &in.EvidenceRequest{
		CaseID:   caseID,
		ThreadID: threadID,
	})
	if err != nil {
		return &ToolResult{Success: false, Error: err.Error()}, nil
	}

	return &ToolResult{
		Success: true,
		Data: map[string]any{
			"inserted":  summary.Inserted,
			"reused":    summary.Reused,
			"skipped":   summary.Skipped,
			"filenames": summary.Filenames,
			"errors":    summary.Errors,
		},
	}, nil
}
