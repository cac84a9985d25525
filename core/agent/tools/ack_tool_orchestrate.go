package tools

import (
	"context"
)

// OrchestrateFunc runs the full orchestration pipeline for one case.
// Injected as a function to keep this package from importing the agent.
type OrchestrateFunc func(ctx context.Context, caseID, mode string, lookbackDays int) (any, error)

// RunOrchestratorTool triggers the end-to-end pipeline from chat.
type RunOrchestratorTool struct {
	run OrchestrateFunc
}

func NewRunOrchestratorTool(run OrchestrateFunc) *RunOrchestratorTool {
	return &RunOrchestratorTool{run: run}
}

func (t *RunOrchestratorTool) Name() string          { return "run_orchestrator" }
func (t *RunOrchestratorTool) Category() ToolCategory { return CategoryOrchestra }

func (t *RunOrchestratorTool) Description() string {
	return "Run the full confirmation pipeline for a case: search, evidence, extraction, policy decision and (depending on mode) outreach. Use dry_run unless the user explicitly asks to send."
}

func (t *RunOrchestratorTool) Parameters() []ParameterSpec {
	return []ParameterSpec{
		{Name: "case_id", Type: "string", Description: "Case ID", Required: true},
		{Name: "mode", Type: "string", Description: "Execution mode", Required: false,
			Enum: []string{"dry_run", "queue_only", "auto_send"}, Default: "dry_run"},
		{Name: "lookback_days", Type: "number", Description: "Inbox search window in days", Required: false},
	}
}

func (t *RunOrchestratorTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	caseID := StringArg(args, "case_id")
	if caseID == "" {
		return &ToolResult{Success: false, Error: "case_id is required"}, nil
	}
	mode := StringArg(args, "mode")
	if mode == "" {
		mode = "dry_run"
	}

	result, err := t.run(ctx, caseID, mode, IntArg(args, "lookback_days", 0))
	if err != nil {
		return &ToolResult{Success: false, Error: err.Error()}, nil
	}

	return &ToolResult{Success: true, Data: result}, nil
}
