package agent

import (
	"context"
	"fmt"
	"strings"

	"goa.design/agentcore/history"
)

// markdownDirective is appended when the agent is configured to format
// responses as Markdown.
const markdownDirective = "Format your responses using Markdown."

// supervisedHistoryDepth is how many trailing assistant messages per
// sub-agent feed the supervisor block.
const supervisedHistoryDepth = 5

// assembleSystemMessage builds the system message in a fixed, load-bearing
// order: base instructions, toolkit addenda, markdown
// directive, retrieval context, sub-agent supervisor block. Each section is
// blank-line separated; empty sections are omitted without leaving blank
// lines.
func (a *Agent) assembleSystemMessage(ctx context.Context, retrieved []RetrievedItem) string {
	var sections []string

	if strings.TrimSpace(a.Instructions) != "" {
		sections = append(sections, a.Instructions)
	}

	var addenda []string
	for _, tk := range a.Toolkits {
		if strings.TrimSpace(tk.AddInstructions) != "" {
			addenda = append(addenda, tk.AddInstructions)
		}
	}
	if len(addenda) > 0 {
		sections = append(sections, strings.Join(addenda, "\n\n"))
	}

	if a.Markdown {
		sections = append(sections, markdownDirective)
	}

	if len(retrieved) > 0 {
		sections = append(sections, formatRetrievalBlock(retrieved))
	}

	if block := a.subAgentSupervisorBlock(ctx); block != "" {
		sections = append(sections, block)
	}

	return strings.Join(sections, "\n\n")
}

// formatRetrievalBlock renders retrieved chunks as a single context block.
func formatRetrievalBlock(items []RetrievedItem) string {
	var b strings.Builder
	b.WriteString("Relevant context:")
	for _, it := range items {
		b.WriteString("\n- ")
		b.WriteString(it.Content)
	}
	return b.String()
}

// subAgentSupervisorBlock formats a dump of the last supervisedHistoryDepth
// non-system, assistant-role messages from each sub-agent's history,
// excluding entries whose content is a tool-call marker. Empty
// when the agent has no sub-agents.
func (a *Agent) subAgentSupervisorBlock(ctx context.Context) string {
	subs := a.subAgentsSnapshot()
	if len(subs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("You supervise the following sub-agents. Recent activity:")
	for _, sub := range subs {
		entries, err := sub.History.EntriesFor(ctx, sub.ID)
		if err != nil {
			continue
		}

		var assistantTexts []string
		for _, e := range entries {
			for _, step := range e.Steps {
				if step.Kind != history.StepText {
					continue
				}
				assistantTexts = append(assistantTexts, step.Text)
			}
		}
		if len(assistantTexts) > supervisedHistoryDepth {
			assistantTexts = assistantTexts[len(assistantTexts)-supervisedHistoryDepth:]
		}

		fmt.Fprintf(&b, "\n\n### %s", sub.Name)
		for _, text := range assistantTexts {
			b.WriteString("\n- ")
			b.WriteString(text)
		}
	}
	return b.String()
}
