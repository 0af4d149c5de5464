package workflows_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/telemetry"
	"github.com/brightfunnel/reachctl/internal/transport"
	"github.com/brightfunnel/reachctl/internal/workflows"
)

func TestSaveTemplateStartSuspendsWithConfirmation(t *testing.T) {
	brevo := &stubEngagementCaller{responses: map[string]string{
		"create_template": mustJSON(t, map[string]any{"id": "tmpl_9"}),
	}}
	crm := &stubEngagementCaller{responses: map[string]string{
		"describe_field": mustJSON(t, map[string]any{"is_global_value_set": false, "picklist_values": []any{}}),
		"patch_field":     "{}",
	}}
	adapter := transport.NewAdapter(telemetry.NewNoopLogger())
	wf := workflows.NewSaveTemplate(brevo, crm, adapter, telemetry.NewNoopLogger())

	st := state.New(5)
	st.ReplaceResultSet("campaign", []state.Record{{"Id": "701abc", "Name": "Summer Launch"}})

	confirmation, err := wf.Start(context.Background(), st, "Hello", "<p>hi</p>", "hi")

	require.NoError(t, err)
	require.NotNil(t, confirmation)
	assert.Equal(t, []string{"Yes", "No"}, confirmation.Options)
	require.NotNil(t, st.SaveWorkflowContext)
	assert.Equal(t, "tmpl_9-Hello", st.SaveWorkflowContext["picklist_value"])
}

func TestSaveTemplateStartFailsWithoutCampaign(t *testing.T) {
	wf := workflows.NewSaveTemplate(&stubEngagementCaller{}, &stubEngagementCaller{}, transport.NewAdapter(nil), nil)
	st := state.New(5)

	confirmation, err := wf.Start(context.Background(), st, "Hello", "<p>hi</p>", "hi")

	require.NoError(t, err)
	assert.Nil(t, confirmation)
	assert.True(t, st.WorkflowFailed)
}

func TestSaveTemplateStartAbortsOnGlobalValueSet(t *testing.T) {
	brevo := &stubEngagementCaller{responses: map[string]string{
		"create_template": mustJSON(t, map[string]any{"id": "tmpl_9"}),
	}}
	crm := &stubEngagementCaller{responses: map[string]string{
		"describe_field": mustJSON(t, map[string]any{"is_global_value_set": true}),
	}}
	wf := workflows.NewSaveTemplate(brevo, crm, transport.NewAdapter(nil), nil)

	st := state.New(5)
	st.ReplaceResultSet("campaign", []state.Record{{"Id": "701abc", "Name": "Summer Launch"}})

	confirmation, err := wf.Start(context.Background(), st, "Hello", "<p>hi</p>", "hi")

	require.NoError(t, err)
	assert.Nil(t, confirmation)
	assert.True(t, st.WorkflowFailed)
	assert.Contains(t, st.Error, "global value set")
}

func TestSaveTemplateResumeYesUpsertsCampaign(t *testing.T) {
	crm := &stubEngagementCaller{responses: map[string]string{"batch_upsert_campaign": "{}"}}
	wf := workflows.NewSaveTemplate(&stubEngagementCaller{}, crm, transport.NewAdapter(nil), nil)

	st := state.New(5)
	st.SaveWorkflowContext = map[string]any{"campaign_id": "701abc", "picklist_value": "tmpl_9-Hello"}

	err := wf.Resume(context.Background(), st, "yes")

	require.NoError(t, err)
	assert.Contains(t, st.FinalResponse, "linked it to the campaign")
	assert.Nil(t, st.SaveWorkflowContext)
}

func TestSaveTemplateResumeNoCancelsWithoutMutation(t *testing.T) {
	crm := &stubEngagementCaller{responses: map[string]string{}}
	wf := workflows.NewSaveTemplate(&stubEngagementCaller{}, crm, transport.NewAdapter(nil), nil)

	st := state.New(5)
	st.SaveWorkflowContext = map[string]any{"campaign_id": "701abc", "picklist_value": "tmpl_9-Hello"}

	err := wf.Resume(context.Background(), st, "no")

	require.NoError(t, err)
	assert.Contains(t, st.FinalResponse, "didn't link it")
}
