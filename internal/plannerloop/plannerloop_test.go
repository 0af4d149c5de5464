package plannerloop_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightfunnel/reachctl/internal/plannerloop"
	"github.com/brightfunnel/reachctl/internal/state"
)

func TestIsSafeClassifiesReadOnlyTools(t *testing.T) {
	assert.True(t, plannerloop.IsSafe("query_contacts_by_language"))
	assert.False(t, plannerloop.IsSafe("create_campaign"))
	assert.False(t, plannerloop.IsSafe("batch_upsert_campaign_member"))
	assert.False(t, plannerloop.IsSafe("delete_record"))
}

func TestDeriveStoreAsUsesKnownPluralization(t *testing.T) {
	assert.Equal(t, "contacts", plannerloop.DeriveStoreAs("contact"))
	assert.Equal(t, "campaign_members", plannerloop.DeriveStoreAs("campaignmember"))
	assert.Equal(t, "opportunities", plannerloop.DeriveStoreAs("opportunitie"))
}

func TestDeriveStoreAsFallsBackToAppendingS(t *testing.T) {
	assert.Equal(t, "widgets", plannerloop.DeriveStoreAs("widget"))
}

func TestClassifyBatchByNameSubstring(t *testing.T) {
	capable, param := plannerloop.ClassifyBatch("send_batch_emails", nil)
	assert.True(t, capable)
	assert.Empty(t, param)
}

func TestClassifyBatchBySchemaProperty(t *testing.T) {
	schema := map[string]any{
		"recipients": map[string]any{"type": "array"},
		"subject":    map[string]any{"type": "string"},
	}
	capable, param := plannerloop.ClassifyBatch("send_email", schema)
	assert.True(t, capable)
	assert.Equal(t, "recipients", param)
}

func TestClassifyBatchPicksHighestPriorityParam(t *testing.T) {
	schema := map[string]any{
		"items":      map[string]any{"type": "array"},
		"recipients": map[string]any{"type": "array"},
	}
	_, param := plannerloop.ClassifyBatch("some_tool", schema)
	assert.Equal(t, "recipients", param)
}

func TestClassifyBatchFalseForPlainTool(t *testing.T) {
	capable, param := plannerloop.ClassifyBatch("query_contacts", map[string]any{
		"language": map[string]any{"type": "string"},
	})
	assert.False(t, capable)
	assert.Empty(t, param)
}

func TestParsePlanStripsMarkdownFences(t *testing.T) {
	plan, ok := plannerloop.ParsePlan("```json\n{\"calls\":[{\"tool\":\"query_contacts\"}],\"needs_next_iteration\":false}\n```")
	assert := assert.New(t)
	assert.True(ok)
	assert.Len(plan.Calls, 1)
	assert.Equal("query_contacts", plan.Calls[0].Tool)
	assert.False(plan.NeedsNextIteration)
}

func TestParsePlanFailureReturnsEmptyPlan(t *testing.T) {
	_, ok := plannerloop.ParsePlan("not json at all")
	assert.False(t, ok)
}

func TestParsePlanDecodesStoreAsAndIterateOver(t *testing.T) {
	plan, ok := plannerloop.ParsePlan(`{"calls":[{"tool":"query_contacts","store_as":"contacts","iterate_over":"previous_result"}]}`)
	assert := assert.New(t)
	assert.True(ok)
	assert.Equal(state.PlannedCall{Tool: "query_contacts", StoreAs: "contacts", IterateOver: "previous_result"}, plan.Calls[0])
}

func TestParsePlanDecodesLiteralListIterateOver(t *testing.T) {
	plan, ok := plannerloop.ParsePlan(`{"calls":[{"tool":"send_email","iterate_over":["a@x.com","b@x.com"]}]}`)
	assert := assert.New(t)
	require.True(t, ok)
	require.Len(t, plan.Calls, 1)
	list, ok := plan.Calls[0].IterateOver.([]any)
	require.True(t, ok)
	assert.Equal([]any{"a@x.com", "b@x.com"}, list)
}
