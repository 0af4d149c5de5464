package interrupt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightfunnel/reachctl/internal/interrupt"
	"github.com/brightfunnel/reachctl/internal/state"
)

func TestParseInlineEditsExtractsFieldValuePairs(t *testing.T) {
	edits := interrupt.ParseInlineEdits(`Details: Name='Winter 2035', Status='Active'`)

	require.Len(t, edits, 2)
	assert.Equal(t, "Winter 2035", edits["Name"])
	assert.Equal(t, "Active", edits["Status"])
}

func TestParseInlineEditsReturnsNilWithoutDetailsPrefix(t *testing.T) {
	edits := interrupt.ParseInlineEdits("yes please")
	assert.Nil(t, edits)
}

func TestResumeReviewProposalAppliesEditsAndSetsOverride(t *testing.T) {
	st := state.New(5)
	st.SetProposal(&state.Plan{Calls: []state.PlannedCall{
		{Tool: "create_campaign", Arguments: map[string]any{"Name": "<new campaign>"}},
	}}, &state.ProposalDetails{Summary: "create Campaign"})

	interrupt.ResumeReviewProposal(st, `Details: Name='Winter 2035'`)

	require.NotNil(t, st.PlanOverride)
	assert.Equal(t, "Winter 2035", st.PlanOverride.Calls[0].Arguments["Name"])
	assert.Nil(t, st.PendingProposalPlan)
	assert.Nil(t, st.PendingProposalDetails)
}

func TestResumeReviewProposalWithoutEditsKeepsOriginalFields(t *testing.T) {
	st := state.New(5)
	st.SetProposal(&state.Plan{Calls: []state.PlannedCall{
		{Tool: "create_campaign", Arguments: map[string]any{"Name": "Winter 2035"}},
	}}, &state.ProposalDetails{Summary: "create Campaign"})

	interrupt.ResumeReviewProposal(st, "yes")

	require.NotNil(t, st.PlanOverride)
	assert.Equal(t, "Winter 2035", st.PlanOverride.Calls[0].Arguments["Name"])
}

func TestIsYesRecognizesYesFamily(t *testing.T) {
	assert.True(t, interrupt.IsYes("Yes"))
	assert.True(t, interrupt.IsYes(" yep "))
	assert.False(t, interrupt.IsYes("no thanks"))
}

func TestResumeConfirmationBranches(t *testing.T) {
	var yesCalled, otherCalled bool
	interrupt.ResumeConfirmation("yes", func() { yesCalled = true }, func() { otherCalled = true })
	assert.True(t, yesCalled)
	assert.False(t, otherCalled)

	yesCalled, otherCalled = false, false
	interrupt.ResumeConfirmation("no", func() { yesCalled = true }, func() { otherCalled = true })
	assert.False(t, yesCalled)
	assert.True(t, otherCalled)
}
