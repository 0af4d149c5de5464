// Package completion implements the Completion Node (C11): the
// priority-ordered decision tree that produces final_response
// (spec.md §4.11).
package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/brightfunnel/reachctl/internal/model"
	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/stream"
)

// engagementSummaryMinLength is the "sufficiently long" threshold used to
// detect the engagement workflow's summary stage (spec §4.11 step 2).
const engagementSummaryMinLength = 40

// Node composes the terminal response for a turn.
type Node struct {
	modelCli model.Client
}

// New constructs a completion Node.
func New(modelCli model.Client) *Node {
	return &Node{modelCli: modelCli}
}

// Finalize implements the priority-ordered decision tree (spec §4.11). It
// mutates st.FinalResponse and st.CreatedRecords where applicable and
// returns an optional review_proposal control payload when priority 4
// applies.
func (n *Node) Finalize(ctx context.Context, st *state.State) (*stream.ReviewProposal, error) {
	// 1. final_response already set (casual-chat or specialized exit).
	if st.FinalResponse != "" {
		return nil, nil
	}

	// 2. Engagement workflow ran to its summary stage.
	if len(st.EngagementWorkflowContext) > 0 && len(st.Messages) > 0 {
		last := st.Messages[len(st.Messages)-1]
		if last.Role == state.RoleAI && len(last.Text) >= engagementSummaryMinLength {
			st.FinalResponse = last.Text
			return nil, nil
		}
	}

	// 3. Email workflow's context contains a campaign id.
	if campaignID, ok := emailCampaignID(st.EmailWorkflowContext); ok {
		line, err := n.summarizeEmailOutcome(ctx, st, campaignID)
		if err != nil {
			return nil, err
		}
		st.FinalResponse = line
		if name, ok := emailCampaignName(st.EmailWorkflowContext); ok {
			st.AddCreatedRecord("Campaign", state.CreatedRef{ID: campaignID, Name: name})
		}
		return nil, nil
	}

	// 4. Any tool result is a propose_action output: emit review_proposal.
	if proposal, ok := findProposeAction(st); ok {
		return &proposal, nil
	}

	// 5. Otherwise, summarize tool_results naturally.
	summary, err := n.summarizeToolResults(ctx, st)
	if err != nil {
		return nil, err
	}
	st.FinalResponse = summary
	extractCreatedRecords(st)
	return nil, nil
}

func emailCampaignID(ctx map[string]any) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx["campaign_id"].(string)
	return v, ok && v != ""
}

func emailCampaignName(ctx map[string]any) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx["campaign_name"].(string)
	return v, ok && v != ""
}

func (n *Node) summarizeEmailOutcome(ctx context.Context, st *state.State, campaignID string) (string, error) {
	resp, err := n.modelCli.Complete(ctx, model.Request{
		System:   "Write one brief natural-language sentence describing whether the email send succeeded or failed.",
		Messages: []model.Message{{Role: model.RoleUser, Content: fmt.Sprintf("campaign=%s workflow_failed=%v error=%s", campaignID, st.WorkflowFailed, st.Error)}},
	})
	if err != nil {
		return "", fmt.Errorf("completion: summarize email outcome: %w", err)
	}
	return resp.Text, nil
}

func findProposeAction(st *state.State) (stream.ReviewProposal, bool) {
	for _, svc := range st.MCPResults {
		for _, tr := range svc.ToolResults {
			if tr.Tool != "propose_action" {
				continue
			}
			obj, _ := tr.Response.(map[string]any)
			proposal := stream.Proposal{}
			if obj != nil {
				if name, ok := obj["object_name"].(string); ok {
					proposal.Object = name
				}
				if at, ok := obj["action_type"].(string); ok {
					proposal.ActionType = at
				}
			}
			return stream.NewReviewProposal(proposal, "Please review this proposed change."), true
		}
	}
	return stream.ReviewProposal{}, false
}

func (n *Node) summarizeToolResults(ctx context.Context, st *state.State) (string, error) {
	var sb strings.Builder
	for svc, result := range st.MCPResults {
		fmt.Fprintf(&sb, "%s: %s\n", svc, result.ExecutionSummary)
	}
	prefix := ""
	if st.Error != "" {
		prefix = "An error occurred: " + st.Error + ". "
	}
	resp, err := n.modelCli.Complete(ctx, model.Request{
		System:   prefix + "Summarize the tool results naturally for the user in one or two sentences.",
		Messages: []model.Message{{Role: model.RoleUser, Content: sb.String()}},
	})
	if err != nil {
		return "", fmt.Errorf("completion: summarize tool results: %w", err)
	}
	return resp.Text, nil
}

// extractCreatedRecords extracts successful create/upsert outputs into
// created_records keyed by object name (spec §4.11 step 5).
func extractCreatedRecords(st *state.State) {
	for _, svc := range st.MCPResults {
		for _, tr := range svc.ToolResults {
			if tr.Status != "ok" {
				continue
			}
			lower := strings.ToLower(tr.Tool)
			if !strings.Contains(lower, "create") && !strings.Contains(lower, "upsert") {
				continue
			}
			rows, _ := tr.Response.([]state.Record)
			for _, row := range rows {
				id := row.ID()
				if id == "" {
					continue
				}
				name, _ := row["Name"].(string)
				st.AddCreatedRecord(objectNameFromTool(tr.Tool), state.CreatedRef{ID: id, Name: name})
			}
		}
	}
}

func objectNameFromTool(tool string) string {
	parts := strings.Split(tool, "_")
	if len(parts) > 0 {
		return strings.Title(parts[len(parts)-1])
	}
	return tool
}
