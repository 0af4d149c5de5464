package completion_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightfunnel/reachctl/internal/completion"
	"github.com/brightfunnel/reachctl/internal/model"
	"github.com/brightfunnel/reachctl/internal/state"
)

type fakeModel struct {
	text string
}

func (f *fakeModel) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	return model.Response{Text: f.text}, nil
}

func TestFinalizePassesThroughExistingFinalResponse(t *testing.T) {
	node := completion.New(&fakeModel{text: "should not be used"})
	st := state.New(5)
	st.FinalResponse = "hi there"

	proposal, err := node.Finalize(context.Background(), st)

	require.NoError(t, err)
	assert.Nil(t, proposal)
	assert.Equal(t, "hi there", st.FinalResponse)
}

func TestFinalizeUsesEngagementSummaryVerbatim(t *testing.T) {
	node := completion.New(&fakeModel{text: "should not be used"})
	st := state.New(5)
	st.EngagementWorkflowContext = map[string]any{"stage": "summarize"}
	st.AppendMessage(state.RoleAI, "3 of 5 contacts clicked the link and were marked Responded; 2 had already responded.", time.Now())

	proposal, err := node.Finalize(context.Background(), st)

	require.NoError(t, err)
	assert.Nil(t, proposal)
	assert.Contains(t, st.FinalResponse, "3 of 5 contacts clicked")
}

func TestFinalizeSummarizesEmailCampaignOutcome(t *testing.T) {
	node := completion.New(&fakeModel{text: "Your email campaign sent successfully."})
	st := state.New(5)
	st.EmailWorkflowContext = map[string]any{"campaign_id": "701XYZ", "campaign_name": "Summer Launch"}

	proposal, err := node.Finalize(context.Background(), st)

	require.NoError(t, err)
	assert.Nil(t, proposal)
	assert.Equal(t, "Your email campaign sent successfully.", st.FinalResponse)
	require.Contains(t, st.CreatedRecords, "Campaign")
	assert.Equal(t, "701XYZ", st.CreatedRecords["Campaign"][0].ID)
}

func TestFinalizeEmitsReviewProposalForProposeAction(t *testing.T) {
	node := completion.New(&fakeModel{text: "unused"})
	st := state.New(5)
	st.MergeMCPResult("salesforce", state.ServiceResult{
		ToolResults: []state.ToolResult{
			{Tool: "propose_action", Status: "ok", Response: map[string]any{"object_name": "Campaign", "action_type": "create"}},
		},
	})

	proposal, err := node.Finalize(context.Background(), st)

	require.NoError(t, err)
	require.NotNil(t, proposal)
	assert.Equal(t, "Campaign", proposal.Proposal.Object)
}

func TestFinalizeSummarizesToolResultsAndExtractsCreatedRecords(t *testing.T) {
	node := completion.New(&fakeModel{text: "Created a new campaign for you."})
	st := state.New(5)
	st.MergeMCPResult("salesforce", state.ServiceResult{
		ExecutionSummary: "1/1 calls succeeded",
		ToolResults: []state.ToolResult{
			{Tool: "create_campaign", Status: "ok", Response: []state.Record{{"Id": "701XYZ", "Name": "Winter 2035"}}},
		},
	})

	proposal, err := node.Finalize(context.Background(), st)

	require.NoError(t, err)
	assert.Nil(t, proposal)
	assert.Equal(t, "Created a new campaign for you.", st.FinalResponse)
	require.Contains(t, st.CreatedRecords, "Campaign")
	assert.Equal(t, "701XYZ", st.CreatedRecords["Campaign"][0].ID)
}
