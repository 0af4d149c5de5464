// Package orchestrator implements the Orchestrator Decision Node (C3): it
// composes a progress summary, asks the model for a routing label, and
// validates the result (spec.md §4.3).
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/brightfunnel/reachctl/internal/model"
	"github.com/brightfunnel/reachctl/internal/registry"
	"github.com/brightfunnel/reachctl/internal/state"
)

const (
	toolResultsPerService = 10
	excerptLimit          = 1000
)

// Node drives one orchestrator turn.
type Node struct {
	modelCli     model.Client
	systemPrompt string
}

// New constructs a Node over a templated system prompt and model client.
func New(modelCli model.Client, systemPrompt string) *Node {
	return &Node{modelCli: modelCli, systemPrompt: systemPrompt}
}

// ProgressSummary composes the readable bullet list used as planning
// context (spec §4.3 "Progress summary").
func ProgressSummary(st *state.State) string {
	var b strings.Builder

	if st.TaskDirective != "" || len(st.PendingUpdates) > 0 {
		b.WriteString("Pending work:\n")
		if st.TaskDirective != "" {
			fmt.Fprintf(&b, "- %s\n", st.TaskDirective)
		}
		for _, u := range st.PendingUpdates {
			fmt.Fprintf(&b, "- %v\n", u)
		}
	}

	if st.GeneratedEmailContent != nil && st.GeneratedEmailContent.Subject != "" {
		fmt.Fprintf(&b, "Draft email subject: %s\n", st.GeneratedEmailContent.Subject)
	}

	services := make([]string, 0, len(st.MCPResults))
	for name := range st.MCPResults {
		services = append(services, name)
	}
	sort.Strings(services)

	for _, svc := range services {
		results := st.MCPResults[svc].ToolResults
		start := 0
		if len(results) > toolResultsPerService {
			start = len(results) - toolResultsPerService
		}
		fmt.Fprintf(&b, "Service %s:\n", svc)
		for _, tr := range results[start:] {
			excerpt := resultExcerpt(tr)
			fmt.Fprintf(&b, "- %s [%s]: %s\n", tr.Tool, tr.Status, excerpt)
		}
	}

	return b.String()
}

func resultExcerpt(tr state.ToolResult) string {
	text := fmt.Sprintf("%v", tr.Response)
	if text == "" || text == "<nil>" {
		text = fmt.Sprintf("%v", tr.Arguments)
	}
	if len(text) > excerptLimit {
		text = text[:excerptLimit]
	}
	return text
}

// validLabels are the fixed non-service routing labels (spec §4.3
// "Validation").
var validLabels = map[string]bool{
	"complete":           true,
	"EngagementWorkflow": true,
	"EmailWorkflow":      true,
	"EmailBuilderAgent":  true,
}

// Decide asks the model for a routing label and validates it against the
// registered services and the fixed label set, defaulting to "complete" and
// honoring the casual_chat:<utterance> escape.
func (n *Node) Decide(ctx context.Context, st *state.State, reg *registry.Registry) (string, error) {
	prompt := n.systemPrompt + "\n\n" + ProgressSummary(st)

	resp, err := n.modelCli.Complete(ctx, model.Request{
		System:   prompt,
		Messages: []model.Message{{Role: model.RoleUser, Content: st.UserGoal}},
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: decide: %w", err)
	}

	label := strings.TrimSpace(resp.Text)
	if strings.HasPrefix(label, "casual_chat:") {
		return label, nil
	}
	if validLabels[label] {
		return label, nil
	}
	if _, ok := reg.Lookup(label); ok {
		return label, nil
	}
	return "complete", nil
}

// CasualChatReply generates the conversational reply for a casual_chat
// escape via a second model call (spec §4.3).
func (n *Node) CasualChatReply(ctx context.Context, utterance string) (string, error) {
	resp, err := n.modelCli.Complete(ctx, model.Request{
		System:   "Reply conversationally and briefly to the user's message.",
		Messages: []model.Message{{Role: model.RoleUser, Content: utterance}},
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: casual chat reply: %w", err)
	}
	return resp.Text, nil
}
