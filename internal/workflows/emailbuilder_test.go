package workflows_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightfunnel/reachctl/internal/model"
	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/workflows"
)

type fakeBuilderModel struct {
	text string
}

func (f *fakeBuilderModel) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	return model.Response{Text: f.text}, nil
}

func TestClassifyIntentDetectsSaveAndExitAndContinue(t *testing.T) {
	assert.Equal(t, workflows.IntentSave, workflows.ClassifyIntent("please save this email template", ""))
	assert.Equal(t, workflows.IntentExit, workflows.ClassifyIntent("stop", ""))
	assert.Equal(t, workflows.IntentExit, workflows.ClassifyIntent("send an email", "EngagementWorkflow"))
	assert.Equal(t, workflows.IntentContinue, workflows.ClassifyIntent("make the subject punchier", "email_builder_agent"))
}

func TestDraftSetsGeneratedEmailContentAndStickyMode(t *testing.T) {
	out := `{"subject":"Big Sale","body_html":"<p>Save big</p>","body_text":"Save big","tone":"upbeat","suggested_audience":"all contacts"}`
	builder := workflows.NewEmailBuilder(&fakeBuilderModel{text: out})
	st := state.New(5)

	err := builder.Draft(context.Background(), st, "draft a sale email")

	require.NoError(t, err)
	require.NotNil(t, st.GeneratedEmailContent)
	assert.Equal(t, "Big Sale", st.GeneratedEmailContent.Subject)
	assert.True(t, st.GeneratedEmailContent.Sticky)
	assert.Equal(t, "email_builder_agent", st.ActiveWorkflow)
}

func TestExitClearsStickyMode(t *testing.T) {
	st := state.New(5)
	st.ActiveWorkflow = "email_builder_agent"
	st.GeneratedEmailContent = &state.GeneratedEmail{Subject: "x", Sticky: true}

	workflows.Exit(st)

	assert.Empty(t, st.ActiveWorkflow)
	assert.False(t, st.GeneratedEmailContent.Sticky)
}
