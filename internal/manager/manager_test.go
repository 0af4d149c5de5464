package manager_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightfunnel/reachctl/internal/completion"
	"github.com/brightfunnel/reachctl/internal/graph"
	"github.com/brightfunnel/reachctl/internal/manager"
	"github.com/brightfunnel/reachctl/internal/model"
	"github.com/brightfunnel/reachctl/internal/orchestrator"
	"github.com/brightfunnel/reachctl/internal/session/inmem"
	"github.com/brightfunnel/reachctl/internal/stream"
	"github.com/brightfunnel/reachctl/internal/telemetry"
	"github.com/brightfunnel/reachctl/internal/workflows"
)

type scriptedModel struct {
	responses []string
	calls     int
}

func (m *scriptedModel) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	idx := m.calls
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.calls++
	return model.Response{Text: m.responses[idx]}, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestHandleMessageCasualChatReturnsStandardResponse(t *testing.T) {
	mdl := &scriptedModel{responses: []string{"casual_chat:hi", "Hello there!"}}
	orch := orchestrator.New(mdl, "system prompt")
	comp := completion.New(mdl)
	g := graph.New(orch, nil, nil, comp, nil, nil, nil, nil, telemetry.NewNoopLogger())

	store := inmem.New()
	mgr := manager.New(g, store, store, 5, telemetry.NewNoopLogger(), fixedClock(time.Unix(0, 0)))

	out, err := mgr.HandleMessage(context.Background(), "thread-1", "hi")
	require.NoError(t, err)

	resp, ok := out.(*stream.Response)
	require.True(t, ok, "expected a standard response, got %T", out)
	assert.Equal(t, "Hello there!", resp.Response)
	assert.Equal(t, 1, resp.Iterations)
	assert.Empty(t, resp.CreatedRecords["Campaign"])
	assert.Nil(t, resp.GeneratedEmailContent)
	assert.Nil(t, resp.Error)
}

func TestHandleMessageResetsTransientFieldsBetweenTurns(t *testing.T) {
	mdl := &scriptedModel{responses: []string{"casual_chat:hi", "Hello there!", "casual_chat:bye", "Goodbye!"}}
	orch := orchestrator.New(mdl, "system prompt")
	comp := completion.New(mdl)
	g := graph.New(orch, nil, nil, comp, nil, nil, nil, nil, telemetry.NewNoopLogger())

	store := inmem.New()
	mgr := manager.New(g, store, store, 5, telemetry.NewNoopLogger(), fixedClock(time.Unix(0, 0)))

	_, err := mgr.HandleMessage(context.Background(), "thread-2", "hi")
	require.NoError(t, err)

	out, err := mgr.HandleMessage(context.Background(), "thread-2", "bye")
	require.NoError(t, err)

	resp, ok := out.(*stream.Response)
	require.True(t, ok)
	// iteration_count resets to 1 (not 2) on the new turn per spec §4.1.
	assert.Equal(t, 1, resp.Iterations)
	assert.Equal(t, "Goodbye!", resp.Response)
}

func TestHandleMessageDraftsEmailAndSetsStickyWorkflow(t *testing.T) {
	mdl := &scriptedModel{responses: []string{
		"EmailBuilderAgent",
		`{"subject":"Big Sale","body_html":"<p>Hi</p>","body_text":"Hi","tone":"friendly","suggested_audience":"all contacts"}`,
	}}
	orch := orchestrator.New(mdl, "system prompt")
	comp := completion.New(mdl)
	eb := workflows.NewEmailBuilder(mdl)
	g := graph.New(orch, nil, nil, comp, nil, nil, nil, eb, telemetry.NewNoopLogger())

	store := inmem.New()
	mgr := manager.New(g, store, store, 5, telemetry.NewNoopLogger(), fixedClock(time.Unix(0, 0)))

	out, err := mgr.HandleMessage(context.Background(), "thread-3", "draft an email about our sale")
	require.NoError(t, err)

	resp, ok := out.(*stream.Response)
	require.True(t, ok)
	assert.Contains(t, resp.Response, "Big Sale")

	doc, _, err := store.Load(context.Background(), "thread-3")
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"email_builder_agent"`)
}
