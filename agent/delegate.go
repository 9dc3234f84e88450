package agent

import (
	"context"
	"fmt"

	"goa.design/agentcore/tools"
)

// delegateTool builds the delegate_task tool: invoking it
// constructs a fresh OperationContext for the named sub-agent, sets its
// parentAgentId/parentHistoryEntryId to the current agent's ids, and runs
// the sub-agent's orchestrator. It lives in this package rather than
// tools because dispatch needs the sub-agent registry only the
// orchestrator owns.
func (a *Agent) delegateTool() tools.Handle {
	spec := tools.Spec{
		Name:        DelegateTaskTool,
		Description: "Delegates a task to a registered sub-agent and returns its response.",
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"subAgentId", "input"},
			"properties": map[string]any{
				"subAgentId": map[string]any{"type": "string"},
				"input":      map[string]any{"type": "string"},
			},
		},
	}
	return tools.Func{
		S: spec,
		E: func(ctx context.Context, args map[string]any, opts tools.ExecOptions) (any, error) {
			subID, _ := args["subAgentId"].(string)
			input, _ := args["input"].(string)
			sub, ok := a.subAgent(subID)
			if !ok {
				return nil, fmt.Errorf("delegate_task: unknown sub-agent %q", subID)
			}
			res, err := sub.GenerateText(ctx, input,
				WithParentAgentID(opts.AgentID),
				WithParentHistoryEntryID(opts.HistoryEntryID),
			)
			if err != nil {
				return nil, err
			}
			return res.Text, nil
		},
	}
}
