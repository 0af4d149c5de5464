package plannerloop_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightfunnel/reachctl/internal/plannerloop"
	"github.com/brightfunnel/reachctl/internal/placeholder"
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
	text := c.toolResps[req.Tool]
	return transport.CallResponse{Content: []transport.ContentPart{{Text: text}}}, nil
}

func TestRunInternalToolStopsAtFirstUnsafeCall(t *testing.T) {
	caller := &scriptedCaller{
		plan: `{"calls":[
			{"tool":"query_contacts","store_as":"contacts"},
			{"tool":"create_campaign","arguments":{"Name":"Winter 2035"}}
		]}`,
		toolResps: map[string]string{
			"query_contacts": `{"records":[{"Id":"003A","Email":"a@x.com"}]}`,
		},
	}
	adapter := transport.NewAdapter(telemetry.NewNoopLogger())
	resolver := placeholder.New(telemetry.NewNoopLogger())
	loop := plannerloop.New(caller, adapter, resolver, nil, telemetry.NewNoopLogger())

	st := state.New(5)
	svc := registry.Service{Name: "salesforce", PlanningStrategy: registry.StrategyInternalTool, PlanningToolName: "plan_tool"}

	result, err := loop.RunInternalTool(context.Background(), svc, st)

	require.NoError(t, err)
	assert.Equal(t, plannerloop.StatusProposal, result.Status)
	require.NotNil(t, result.Proposal)
	assert.Equal(t, "create", result.Proposal.ActionType)
	assert.Equal(t, "Winter 2035", result.Proposal.Fields["Name"])
	require.Len(t, result.GeneratedPlan.Calls, 1)
	assert.Equal(t, "create_campaign", result.GeneratedPlan.Calls[0].Tool)
	require.Contains(t, result.ResultSets, "contacts")
	assert.Len(t, result.ResultSets["contacts"], 1)
}

func TestRunInternalToolPlanOverrideSkipsPlanning(t *testing.T) {
	caller := &scriptedCaller{
		toolResps: map[string]string{
			"create_campaign": `{"id":"701XYZ","Name":"Winter 2035"}`,
		},
	}
	adapter := transport.NewAdapter(telemetry.NewNoopLogger())
	resolver := placeholder.New(telemetry.NewNoopLogger())
	loop := plannerloop.New(caller, adapter, resolver, nil, telemetry.NewNoopLogger())

	st := state.New(5)
	st.PlanOverride = &state.Plan{Calls: []state.PlannedCall{{Tool: "create_campaign", StoreAs: "campaigns", Arguments: map[string]any{"Name": "Winter 2035"}}}}
	svc := registry.Service{Name: "salesforce", PlanningStrategy: registry.StrategyInternalTool, PlanningToolName: "plan_tool"}

	result, err := loop.RunInternalTool(context.Background(), svc, st)

	require.NoError(t, err)
	assert.Equal(t, plannerloop.StatusSuccess, result.Status)
	assert.Nil(t, st.PlanOverride)
	require.Contains(t, result.ResultSets, "campaigns")
	assert.Equal(t, "701XYZ", result.ResultSets["campaigns"][0].ID())
}

func TestRunInternalToolPlanParseFailureDegradesToEmptyPlan(t *testing.T) {
	caller := &scriptedCaller{plan: "not valid json"}
	adapter := transport.NewAdapter(telemetry.NewNoopLogger())
	resolver := placeholder.New(telemetry.NewNoopLogger())
	loop := plannerloop.New(caller, adapter, resolver, nil, telemetry.NewNoopLogger())

	st := state.New(5)
	svc := registry.Service{Name: "salesforce", PlanningStrategy: registry.StrategyInternalTool, PlanningToolName: "plan_tool"}

	result, err := loop.RunInternalTool(context.Background(), svc, st)

	require.NoError(t, err)
	assert.Equal(t, plannerloop.StatusSuccess, result.Status)
	assert.Empty(t, result.ToolResults)
}
