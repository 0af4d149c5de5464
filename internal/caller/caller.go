// Package caller implements the Generic Dynamic Caller (C4): given
// next_action = serviceName, it resolves the service config, invokes the
// Planner/Executor Loop (C5), and folds the outcome back into Session
// State (spec.md §4.4).
package caller

import (
	"context"
	"fmt"
	"time"

	"github.com/brightfunnel/reachctl/internal/plannerloop"
	"github.com/brightfunnel/reachctl/internal/registry"
	"github.com/brightfunnel/reachctl/internal/schema"
	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/telemetry"
)

// Outcome is the node's routing decision after invoking the loop.
type Outcome string

const (
	OutcomeReviewProposal Outcome = "review_proposal"
	OutcomeOrchestrator   Outcome = "orchestrator"
)

// Caller dispatches next_action to the right service's Planner/Executor
// Loop and applies its result to Session State.
type Caller struct {
	loops          map[string]*plannerloop.Loop
	reg            *registry.Registry
	logger         telemetry.Logger
	schemaBuilders map[string]*schema.Builder
	health         *registry.HealthTracker
}

// New constructs a Caller over a set of pre-wired per-service loops.
func New(reg *registry.Registry, loops map[string]*plannerloop.Loop, logger telemetry.Logger) *Caller {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Caller{loops: loops, reg: reg, logger: logger}
}

// SetSchemaBuilders wires the Schema Context Builder (C9) for the services
// that use it. Only the model-planner strategy consults it, and only for
// services present in the map (spec §4.9: "on each planning pass for the CRM
// service").
func (c *Caller) SetSchemaBuilders(builders map[string]*schema.Builder) {
	c.schemaBuilders = builders
}

// SetHealthTracker wires C7's distributed health tracker (optional: nil when
// no Redis is configured). Every successful Dispatch records a pong, so
// ServiceHealthy reflects whether a service has answered recently.
func (c *Caller) SetHealthTracker(h *registry.HealthTracker) {
	c.health = h
}

// ServiceHealthy reports whether serviceName last answered within the
// tracker's staleness threshold. Returns true when no tracker is wired
// (health tracking is opt-in, spec §6 registry is otherwise static config).
func (c *Caller) ServiceHealthy(serviceName string) bool {
	if c.health == nil {
		return true
	}
	return c.health.IsHealthy(serviceName)
}

// Dispatch runs serviceName's loop against st and folds the result back
// into st, returning the graph's next node (spec §4.4).
func (c *Caller) Dispatch(ctx context.Context, serviceName string, st *state.State) (Outcome, error) {
	svc, ok := c.reg.Lookup(serviceName)
	if !ok {
		return OutcomeOrchestrator, fmt.Errorf("caller: unknown service %q", serviceName)
	}
	loop, ok := c.loops[serviceName]
	if !ok {
		return OutcomeOrchestrator, fmt.Errorf("caller: no loop wired for service %q", serviceName)
	}

	var result plannerloop.Result
	var err error
	switch svc.PlanningStrategy {
	case registry.StrategyInternalTool:
		result, err = loop.RunInternalTool(ctx, svc, st)
	default:
		result, err = loop.RunModelPlanner(ctx, svc, st, nil, c.buildBlocksFor(ctx, serviceName))
	}
	if err != nil {
		st.Error = err.Error()
		return OutcomeOrchestrator, err
	}
	if c.health != nil {
		if perr := c.health.RecordPong(ctx, serviceName); perr != nil {
			c.logger.Warn(ctx, "caller: health pong failed", "service", serviceName, "error", perr.Error())
		}
	}

	switch result.Status {
	case plannerloop.StatusProposal:
		// Outcome 1: store the pending proposal, merge partial result sets,
		// and transition to review_proposal (spec §4.4 item 1).
		st.ReplaceResultSets(result.ResultSets)
		st.PruneResultSet("previous_result")
		st.SetProposal(result.GeneratedPlan, &state.ProposalDetails{
			Summary:    fmt.Sprintf("%s %s", result.Proposal.ActionType, result.Proposal.ObjectName),
			Object:     result.Proposal.ObjectName,
			ActionType: result.Proposal.ActionType,
			Calls:      result.GeneratedPlan.Calls,
		})
		return OutcomeReviewProposal, nil
	default:
		// Outcome 3: merge mcp_results[serviceName] and shared_result_sets,
		// append a summary message, return to orchestrator (spec §4.4 item 3).
		summary := summaryText(serviceName, result.ExecutionSummary)
		st.MergeMCPResult(serviceName, state.ServiceResult{
			ExecutionSummary: summary,
			ToolResults:      result.ToolResults,
		})
		st.ReplaceResultSets(result.ResultSets)
		st.PruneResultSet("previous_result")
		st.AppendMessage(state.RoleAI, summary, time.Now())
		return OutcomeOrchestrator, nil
	}
}

// AvailableFieldsFor returns the editable-field metadata for object, from
// serviceName's Schema Context Builder (spec §4.10 "review_proposal"). Nil
// when no schema builder is wired for the service or the object is unknown.
func (c *Caller) AvailableFieldsFor(serviceName, object string) []schema.AvailableField {
	b, ok := c.schemaBuilders[serviceName]
	if !ok {
		return nil
	}
	return b.AvailableFieldsFor(object)
}

// buildBlocksFor returns a plannerloop.ContextBlocks builder that injects
// the Schema Context Builder's prompt block (spec §4.9) for serviceName, or
// nil if no schema builder is wired for it.
func (c *Caller) buildBlocksFor(ctx context.Context, serviceName string) func(int, *state.State) plannerloop.ContextBlocks {
	b, ok := c.schemaBuilders[serviceName]
	if !ok {
		return nil
	}
	return func(_ int, st *state.State) plannerloop.ContextBlocks {
		objects, err := b.Select(st.UserGoal, st.ActiveWorkflow)
		if err != nil {
			c.logger.Warn(ctx, "caller: schema context build failed", "service", serviceName, "error", err.Error())
			return plannerloop.ContextBlocks{}
		}
		return plannerloop.ContextBlocks{AvailableContext: schema.ComposePrompt(objects)}
	}
}

func summaryText(serviceName string, s plannerloop.ExecutionSummary) string {
	return fmt.Sprintf("%s: %d/%d calls succeeded over %d iteration(s)", serviceName, s.SuccessfulCalls, s.TotalCalls, s.Iterations)
}
