package state_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightfunnel/reachctl/internal/state"
)

func TestReplaceResultSetReplacesNotMerges(t *testing.T) {
	s := state.New(5)
	s.ReplaceResultSet("contacts", []state.Record{{"Id": "003A"}})
	s.ReplaceResultSet("contacts", []state.Record{{"Id": "003B"}})

	require.Len(t, s.SharedResultSets["contacts"], 1)
	assert.Equal(t, "003B", s.SharedResultSets["contacts"][0].ID())
}

func TestMergeMCPResultAccumulatesToolResults(t *testing.T) {
	s := state.New(5)
	s.MergeMCPResult("salesforce", state.ServiceResult{
		ExecutionSummary: "queried contacts",
		ToolResults:      []state.ToolResult{{Tool: "query", Status: "ok"}},
	})
	s.MergeMCPResult("salesforce", state.ServiceResult{
		ExecutionSummary: "updated campaign",
		ToolResults:      []state.ToolResult{{Tool: "update", Status: "ok"}},
	})

	got := s.MCPResults["salesforce"]
	assert.Equal(t, "updated campaign", got.ExecutionSummary)
	require.Len(t, got.ToolResults, 2)
	assert.Equal(t, "query", got.ToolResults[0].Tool)
	assert.Equal(t, "update", got.ToolResults[1].Tool)
}

func TestResetTransientFieldsPreservesStickyState(t *testing.T) {
	s := state.New(5)
	s.ReplaceResultSet("contacts", []state.Record{{"Id": "003A"}})
	s.ActiveWorkflow = "email_send"
	s.GeneratedEmailContent = &state.GeneratedEmail{Subject: "hi", Sticky: true}
	s.FinalResponse = "done"
	s.Error = "boom"
	s.MergeMCPResult("salesforce", state.ServiceResult{ExecutionSummary: "x"})
	s.AddCreatedRecord("Campaign", state.CreatedRef{ID: "701", Name: "Winter"})

	s.ResetTransientFields()

	assert.Empty(t, s.FinalResponse)
	assert.Empty(t, s.Error)
	assert.Empty(t, s.MCPResults)
	assert.Empty(t, s.CreatedRecords)
	assert.Equal(t, "email_send", s.ActiveWorkflow)
	assert.NotNil(t, s.GeneratedEmailContent)
	assert.Len(t, s.SharedResultSets["contacts"], 1)
}

func TestConsumePlanOverride(t *testing.T) {
	s := state.New(5)
	s.PlanOverride = &state.Plan{Calls: []state.PlannedCall{{Tool: "create"}}}

	got := s.ConsumePlanOverride()

	require.NotNil(t, got)
	assert.Nil(t, s.PlanOverride)
	assert.Equal(t, "create", got.Calls[0].Tool)
}

func TestSetProposalClearsPlanOverride(t *testing.T) {
	s := state.New(5)
	s.PlanOverride = &state.Plan{Calls: []state.PlannedCall{{Tool: "create"}}}

	s.SetProposal(&state.Plan{Calls: []state.PlannedCall{{Tool: "update"}}}, &state.ProposalDetails{Summary: "review this"})

	assert.Nil(t, s.PlanOverride)
	require.NotNil(t, s.PendingProposalPlan)
	assert.Equal(t, "update", s.PendingProposalPlan.Calls[0].Tool)
}

func TestForceCompleteOnIterationLimit(t *testing.T) {
	s := state.New(3)
	s.IterationCount = 2
	assert.False(t, s.ForceCompleteOnIterationLimit())

	s.IterationCount = 3
	assert.True(t, s.ForceCompleteOnIterationLimit())
	assert.Equal(t, "complete", s.NextAction)
}

func TestForceCompleteWithZeroMaxIterationsTerminatesImmediately(t *testing.T) {
	s := state.New(0)
	assert.True(t, s.ForceCompleteOnIterationLimit())
	assert.Equal(t, "complete", s.NextAction)
}

func TestFilteredCreatedRecordsExcludesPlaceholders(t *testing.T) {
	s := state.New(5)
	s.AddCreatedRecord("Campaign", state.CreatedRef{ID: "701", Name: "Winter 2035"})
	s.AddCreatedRecord("Campaign", state.CreatedRef{ID: "", Name: "<new campaign>"})

	isPlaceholder := func(name string) bool {
		return len(name) > 1 && name[0] == '<'
	}
	filtered := s.FilteredCreatedRecords(isPlaceholder)

	require.Len(t, filtered["Campaign"], 1)
	assert.Equal(t, "Winter 2035", filtered["Campaign"][0].Name)
}

func TestAppendMessageOrdersByCall(t *testing.T) {
	s := state.New(5)
	t0 := time.Now()
	s.AppendMessage(state.RoleHuman, "send an email", t0)
	s.AppendMessage(state.RoleAI, "sure", t0.Add(time.Second))

	require.Len(t, s.Messages, 2)
	assert.Equal(t, state.RoleHuman, s.Messages[0].Role)
	assert.Equal(t, state.RoleAI, s.Messages[1].Role)
}
