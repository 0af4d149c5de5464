package workflows_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/telemetry"
	"github.com/brightfunnel/reachctl/internal/transport"
	"github.com/brightfunnel/reachctl/internal/workflows"
)

type stubEngagementCaller struct {
	responses map[string]string
}

func (s *stubEngagementCaller) CallTool(_ context.Context, req transport.CallRequest) (transport.CallResponse, error) {
	text, ok := s.responses[req.Tool]
	if !ok {
		return transport.CallResponse{}, nil
	}
	return transport.CallResponse{Content: []transport.ContentPart{{Type: "text", Text: text}}}, nil
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestEngagementNoClicksProducesNoUpsertsAndSaysSo(t *testing.T) {
	crm := &stubEngagementCaller{responses: map[string]string{
		"query_campaign_members": mustJSON(t, map[string]any{"records": []any{
			map[string]any{"Id": "00u1", "Name": "Ada", "Email": "ada@example.com", "Status": "Sent", "LinkId__c": "L1"},
			map[string]any{"Id": "00u2", "Name": "Bob", "Email": "bob@example.com", "Status": "Sent", "LinkId__c": "L2"},
		}}),
		"batch_upsert_campaign_member": "{}",
	}}
	linkly := &stubEngagementCaller{responses: map[string]string{
		"query_click_counts": mustJSON(t, map[string]any{"records": []any{
			map[string]any{"link_id": "L1", "click_count": 0},
			map[string]any{"link_id": "L2", "click_count": 0},
		}}),
	}}
	adapter := transport.NewAdapter(telemetry.NewNoopLogger())
	eng := workflows.NewEngagement(crm, linkly, adapter, telemetry.NewNoopLogger())

	st := state.New(5)
	st.UserGoal = `campaign "Summer Launch"`
	crm.responses["query_campaign"] = mustJSON(t, map[string]any{"records": []any{map[string]any{"Id": "701abc", "Name": "Summer Launch"}}})

	eng.Run(context.Background(), st)

	require.NotEmpty(t, st.Messages)
	last := st.Messages[len(st.Messages)-1]
	assert.Contains(t, last.Text, "No one has clicked")
}

func TestEngagementUpdatesOnlyNewlyClickedMembers(t *testing.T) {
	crm := &stubEngagementCaller{responses: map[string]string{
		"query_campaign_members": mustJSON(t, map[string]any{"records": []any{
			map[string]any{"Id": "00u1", "Name": "Ada", "Email": "ada@example.com", "Status": "Sent", "LinkId__c": "L1"},
			map[string]any{"Id": "00u2", "Name": "Bob", "Email": "bob@example.com", "Status": "Responded", "LinkId__c": "L2"},
		}}),
		"batch_upsert_campaign_member": "{}",
	}}
	linkly := &stubEngagementCaller{responses: map[string]string{
		"query_click_counts": mustJSON(t, map[string]any{"records": []any{
			map[string]any{"link_id": "L1", "click_count": 2},
			map[string]any{"link_id": "L2", "click_count": 1},
		}}),
	}}
	adapter := transport.NewAdapter(telemetry.NewNoopLogger())
	eng := workflows.NewEngagement(crm, linkly, adapter, telemetry.NewNoopLogger())

	st := state.New(5)
	st.ReplaceResultSet("campaign", []state.Record{{"Id": "701abc", "Name": "Summer Launch"}})
	st.UserGoal = "how is this campaign doing"

	eng.Run(context.Background(), st)

	require.NotEmpty(t, st.Messages)
	last := st.Messages[len(st.Messages)-1]
	assert.Contains(t, last.Text, "marked Responded")
	assert.Contains(t, last.Text, "already responded")
}

func TestEngagementFailsWithoutCampaignContext(t *testing.T) {
	crm := &stubEngagementCaller{responses: map[string]string{}}
	linkly := &stubEngagementCaller{responses: map[string]string{}}
	adapter := transport.NewAdapter(telemetry.NewNoopLogger())
	eng := workflows.NewEngagement(crm, linkly, adapter, telemetry.NewNoopLogger())

	st := state.New(5)
	st.UserGoal = "how's engagement"

	eng.Run(context.Background(), st)

	assert.True(t, st.WorkflowFailed)
	assert.NotEmpty(t, st.Error)
}
