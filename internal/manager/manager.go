// Package manager implements the Session Manager (C1, spec.md §4.1): one
// instance per client connection, owning the thread-id, the checkpointed
// Session State, and message dispatch into the Orchestration Graph.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brightfunnel/reachctl/internal/graph"
	"github.com/brightfunnel/reachctl/internal/session"
	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/stream"
	"github.com/brightfunnel/reachctl/internal/telemetry"
)

// Manager drives one client connection's turns against the Orchestration
// Graph, checkpointing Session State between turns via a Store.
type Manager struct {
	graph       *graph.Graph
	sessions    session.Store
	checkpoints session.CheckpointStore
	logger      telemetry.Logger
	now         func() time.Time

	maxIterations int
}

// New constructs a Manager. now defaults to time.Now when nil (tests may
// override it for determinism).
func New(g *graph.Graph, sessions session.Store, checkpoints session.CheckpointStore, maxIterations int, logger telemetry.Logger, now func() time.Time) *Manager {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		graph:         g,
		sessions:      sessions,
		checkpoints:   checkpoints,
		logger:        logger,
		now:           now,
		maxIterations: maxIterations,
	}
}

// checkpointDoc is the opaque, JSON-serialized snapshot persisted between
// turns (spec.md §6 "Persisted state": the checkpoint key is the thread-id;
// the document itself is opaque to clients).
type checkpointDoc struct {
	State *state.State `json:"state"`
}

// HandleMessage implements spec.md §4.1's three steps: inspect the
// checkpoint, merge a sanitized delta or deliver an interrupt answer, run
// the graph, and emit exactly one outbound payload.
//
// The returned value is one of *stream.Response, *stream.ReviewProposal,
// *stream.Confirmation, or *stream.ErrorEnvelope (when the graph turn
// fails); callers type-switch to serialize it onto the client channel.
func (m *Manager) HandleMessage(ctx context.Context, threadID, message string) (any, error) {
	if _, err := m.sessions.CreateSession(ctx, threadID, m.now()); err != nil {
		return nil, fmt.Errorf("manager: create session: %w", err)
	}

	st, interrupted, err := m.loadOrInit(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("manager: load checkpoint: %w", err)
	}

	var outcome graph.Outcome
	if interrupted {
		st.AppendMessage(state.RoleHuman, message, m.now())
		outcome, err = m.graph.Resume(ctx, st, message)
	} else {
		m.applyInboundDelta(st, message)
		outcome, err = m.graph.Run(ctx, st)
	}
	if err != nil {
		m.logger.Error(ctx, "graph turn failed", "thread_id", threadID, "error", err)
		if saveErr := m.save(ctx, threadID, st, false); saveErr != nil {
			m.logger.Error(ctx, "checkpoint save after failure", "thread_id", threadID, "error", saveErr)
		}
		errMsg := stream.NewError(err.Error())
		return &errMsg, nil
	}

	if err := m.save(ctx, threadID, st, outcome.Suspended); err != nil {
		return nil, fmt.Errorf("manager: save checkpoint: %w", err)
	}

	return m.buildOutbound(st, outcome), nil
}

// loadOrInit loads the checkpoint for threadID, or creates a fresh Session
// State when none exists yet.
func (m *Manager) loadOrInit(ctx context.Context, threadID string) (*state.State, bool, error) {
	doc, interrupted, err := m.checkpoints.Load(ctx, threadID)
	if err != nil {
		if err == session.ErrCheckpointNotFound {
			return state.New(m.maxIterations), false, nil
		}
		return nil, false, err
	}
	var cp checkpointDoc
	if err := json.Unmarshal(doc, &cp); err != nil {
		return nil, false, fmt.Errorf("manager: decode checkpoint: %w", err)
	}
	if cp.State == nil {
		return state.New(m.maxIterations), false, nil
	}
	return cp.State, interrupted, nil
}

// applyInboundDelta implements spec §4.1 step 2: resets transient fields
// while preserving messages, session_context, shared_result_sets,
// active_workflow, and any in-progress generated_email_content, then
// appends the new Human message and sets user_goal.
func (m *Manager) applyInboundDelta(st *state.State, message string) {
	st.ResetTransientFields()
	st.UserGoal = message
	st.IterationCount = 0
	st.AppendMessage(state.RoleHuman, message, m.now())
}

func (m *Manager) save(ctx context.Context, threadID string, st *state.State, interrupted bool) error {
	doc, err := json.Marshal(checkpointDoc{State: st})
	if err != nil {
		return fmt.Errorf("manager: encode checkpoint: %w", err)
	}
	return m.checkpoints.Save(ctx, threadID, doc, interrupted)
}

// buildOutbound implements spec §4.1 step 3: forward a control payload
// verbatim when the graph suspended, otherwise build the standard response
// object.
func (m *Manager) buildOutbound(st *state.State, outcome graph.Outcome) any {
	if outcome.Suspended {
		if outcome.ReviewProposal != nil {
			return outcome.ReviewProposal
		}
		if outcome.Confirmation != nil {
			return outcome.Confirmation
		}
	}

	resp := stream.NewResponse()
	resp.Success = st.Error == ""
	resp.Response = st.FinalResponse
	resp.Iterations = st.IterationCount
	resp.SalesforceData = len(st.SalesforceData) > 0 || len(st.SharedResultSets) > 0
	resp.CreatedRecords = toStreamRecords(st.FilteredCreatedRecords(isPlaceholderName))
	if st.GeneratedEmailContent != nil {
		resp.GeneratedEmailContent = &stream.EmailContent{
			Subject:  st.GeneratedEmailContent.Subject,
			BodyHTML: st.GeneratedEmailContent.Body,
		}
	}
	if st.Error != "" {
		errCopy := st.Error
		resp.Error = &errCopy
	}
	return &resp
}

// isPlaceholderName reports whether a created-record's Name is an
// unresolved placeholder or template-variable artifact rather than a real
// record name (spec §4.1 step 3 "filtered to exclude placeholder names").
func isPlaceholderName(name string) bool {
	if name == "" {
		return true
	}
	return strings.Contains(name, "{{") || strings.Contains(name, "}}")
}

func toStreamRecords(in map[string][]state.CreatedRef) map[string][]stream.CreatedRecord {
	out := make(map[string][]stream.CreatedRecord, len(in))
	for entityType, refs := range in {
		converted := make([]stream.CreatedRecord, 0, len(refs))
		for _, r := range refs {
			converted = append(converted, stream.CreatedRecord{ID: r.ID, Name: r.Name})
		}
		out[entityType] = converted
	}
	return out
}

// CloseSession ends a session's lifecycle record. It does not discard the
// checkpoint: a reconnecting client with the same thread-id may still
// resume if the backend retains it.
func (m *Manager) CloseSession(ctx context.Context, threadID string) error {
	_, err := m.sessions.EndSession(ctx, threadID, m.now())
	return err
}
