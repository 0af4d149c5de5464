package workflows_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/telemetry"
	"github.com/brightfunnel/reachctl/internal/workflows"
)

func TestNormalizeTemplateIDStripsPicklistLabel(t *testing.T) {
	assert.Equal(t, "3", workflows.NormalizeTemplateID("3 - Welcome Email"))
	assert.Equal(t, "17", workflows.NormalizeTemplateID("17"))
}

func TestAnalyzeLinksFiltersTrackingURLsAndExtractsVars(t *testing.T) {
	html := `<html><body>
		<a href="https://example.com/unsubscribe?id=1">unsubscribe</a>
		<a href="https://example.com/offer">See the offer</a>
		<a href="https://example.com/offer">duplicate</a>
		<img src="https://example.com/pixel.png">
		<p>Hi {{ params.FirstName }}, click {{ params.FirstName }} or {{ params.LINK }}</p>
	</body></html>`

	urls, vars, err := workflows.AnalyzeLinks(html)

	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/offer"}, urls)
	assert.Equal(t, []string{"FirstName", "LINK"}, vars)
}

func TestBuildContactParamsMatchesSynonymsAndInjectsLink(t *testing.T) {
	contact := state.Record{"Id": "003xyz", "FirstName": "Ada", "Email": "ada@example.com"}

	params := workflows.BuildContactParams(contact, []string{"firstname", "LINK"}, "https://short.ly/abc")

	assert.Equal(t, "Ada", params["firstname"])
	assert.Equal(t, "https://short.ly/abc", params["LINK"])
}

func TestParseBatchSendResponseUsesExplicitLists(t *testing.T) {
	resp := map[string]any{
		"successfully_sent_emails": []any{"a@example.com"},
		"failed_sends":             map[string]any{"b@example.com": "bounced"},
	}

	sent, failed := workflows.ParseBatchSendResponse(telemetry.NewNoopLogger(), resp, []string{"a@example.com", "b@example.com"})

	assert.Equal(t, []string{"a@example.com"}, sent)
	assert.Equal(t, "bounced", failed["b@example.com"])
}

func TestParseBatchSendResponseFallsBackToAssumeAllSent(t *testing.T) {
	sent, failed := workflows.ParseBatchSendResponse(telemetry.NewNoopLogger(), map[string]any{}, []string{"a@example.com", "B@example.com"})

	assert.Equal(t, []string{"a@example.com", "b@example.com"}, sent)
	assert.Empty(t, failed)
}

func TestPreviewFailsWithoutCampaignOrContacts(t *testing.T) {
	st := state.New(5)

	_, _, ok := workflows.Preview(st)

	assert.False(t, ok)
	assert.True(t, st.WorkflowFailed)
	assert.NotEmpty(t, st.Error)
}

func TestPreviewFailsWhenCampaignHasNoTemplate(t *testing.T) {
	st := state.New(5)
	st.ReplaceResultSet("campaign", []state.Record{{"Id": "701abc", "Name": "Summer"}})
	st.ReplaceResultSet("contacts", []state.Record{{"Id": "003abc", "Email": "a@example.com"}})

	_, _, ok := workflows.Preview(st)

	assert.False(t, ok)
	require.Contains(t, st.CreatedRecords, "Campaign")
	assert.Equal(t, "701abc", st.CreatedRecords["Campaign"][0].ID)
}

func TestPreviewSucceedsAndNormalizesTemplateID(t *testing.T) {
	st := state.New(5)
	st.ReplaceResultSet("campaign", []state.Record{{"Id": "701abc", "Name": "Summer", "Email_template__c": "3 - Welcome"}})
	st.ReplaceResultSet("contacts", []state.Record{{"Id": "003abc", "Email": "a@example.com"}})

	templateID, contacts, ok := workflows.Preview(st)

	require.True(t, ok)
	assert.Equal(t, "3", templateID)
	assert.Len(t, contacts, 1)
}

func TestFailSetsWorkflowFailedAndFinalResponse(t *testing.T) {
	st := state.New(5)

	workflows.Fail(st, "boom")

	assert.True(t, st.WorkflowFailed)
	assert.Equal(t, "boom", st.Error)
	assert.Equal(t, "boom", st.FinalResponse)
}
