package caller_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightfunnel/reachctl/internal/caller"
	"github.com/brightfunnel/reachctl/internal/model"
	"github.com/brightfunnel/reachctl/internal/placeholder"
	"github.com/brightfunnel/reachctl/internal/plannerloop"
	"github.com/brightfunnel/reachctl/internal/registry"
	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/telemetry"
	"github.com/brightfunnel/reachctl/internal/transport"
)

type scriptedCaller struct {
	plan      string
	toolResps map[string]string
}

func (c *scriptedCaller) CallTool(_ context.Context, req transport.CallRequest) (transport.CallResponse, error) {
	if req.Tool == "plan_tool" {
		return transport.CallResponse{Content: []transport.ContentPart{{Text: c.plan}}}, nil
	}
	return transport.CallResponse{Content: []transport.ContentPart{{Text: c.toolResps[req.Tool]}}}, nil
}

type fixedModel struct {
	text string
}

func (m *fixedModel) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	return model.Response{Text: m.text}, nil
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Load([]byte(`
services:
  - name: salesforce
    planning_strategy: internal_tool
    planning_tool_name: plan_tool
    required_context: []
`))
	require.NoError(t, err)
	return reg
}

func TestDispatchTransitionsToReviewProposalOnMutatingCall(t *testing.T) {
	fc := &scriptedCaller{plan: `{"calls":[{"tool":"create_campaign","arguments":{"Name":"Winter 2035"}}]}`}
	adapter := transport.NewAdapter(telemetry.NewNoopLogger())
	resolver := placeholder.New(telemetry.NewNoopLogger())
	loop := plannerloop.New(fc, adapter, resolver, nil, telemetry.NewNoopLogger())

	reg := newRegistry(t)
	c := caller.New(reg, map[string]*plannerloop.Loop{"salesforce": loop}, telemetry.NewNoopLogger())

	st := state.New(5)
	outcome, err := c.Dispatch(context.Background(), "salesforce", st)

	require.NoError(t, err)
	assert.Equal(t, caller.OutcomeReviewProposal, outcome)
	require.NotNil(t, st.PendingProposalPlan)
	require.NotNil(t, st.PendingProposalDetails)
}

func TestDispatchReturnsToOrchestratorOnCompletion(t *testing.T) {
	fc := &scriptedCaller{
		plan:      `{"calls":[{"tool":"query_contacts","store_as":"contacts"}]}`,
		toolResps: map[string]string{"query_contacts": `{"records":[{"Id":"003A"}]}`},
	}
	adapter := transport.NewAdapter(telemetry.NewNoopLogger())
	resolver := placeholder.New(telemetry.NewNoopLogger())
	loop := plannerloop.New(fc, adapter, resolver, nil, telemetry.NewNoopLogger())

	reg := newRegistry(t)
	c := caller.New(reg, map[string]*plannerloop.Loop{"salesforce": loop}, telemetry.NewNoopLogger())

	st := state.New(5)
	outcome, err := c.Dispatch(context.Background(), "salesforce", st)

	require.NoError(t, err)
	assert.Equal(t, caller.OutcomeOrchestrator, outcome)
	assert.Contains(t, st.MCPResults, "salesforce")
	assert.Contains(t, st.SharedResultSets, "contacts")
	assert.NotEmpty(t, st.Messages)
}

func TestDispatchPrunesPreviousResultBeforePersisting(t *testing.T) {
	modelCli := &fixedModel{text: `{"calls":[{"tool":"query_contacts","store_as":"contacts"}],"needs_next_iteration":false}`}
	fc := &scriptedCaller{toolResps: map[string]string{"query_contacts": `{"records":[{"Id":"003A"}]}`}}
	adapter := transport.NewAdapter(telemetry.NewNoopLogger())
	resolver := placeholder.New(telemetry.NewNoopLogger())
	loop := plannerloop.New(fc, adapter, resolver, modelCli, telemetry.NewNoopLogger())

	reg, err := registry.Load([]byte(`
services:
  - name: brevo
    planning_strategy: llm_planner
    required_context: []
`))
	require.NoError(t, err)
	c := caller.New(reg, map[string]*plannerloop.Loop{"brevo": loop}, telemetry.NewNoopLogger())

	st := state.New(5)
	st.UserGoal = "send it"
	_, err = c.Dispatch(context.Background(), "brevo", st)

	require.NoError(t, err)
	assert.Contains(t, st.SharedResultSets, "contacts")
	assert.NotContains(t, st.SharedResultSets, "previous_result")
}

func TestDispatchUnknownServiceReturnsError(t *testing.T) {
	reg := newRegistry(t)
	c := caller.New(reg, map[string]*plannerloop.Loop{}, telemetry.NewNoopLogger())

	st := state.New(5)
	_, err := c.Dispatch(context.Background(), "does-not-exist", st)

	assert.Error(t, err)
}
