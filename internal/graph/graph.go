// Package graph implements the Orchestration Graph (C2): the routing table
// between the orchestrator decision node, the generic dynamic caller, the
// specialized workflows, and the completion node, including sticky entry
// routing and resume-after-interrupt (spec.md §4.2).
package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/brightfunnel/reachctl/internal/caller"
	"github.com/brightfunnel/reachctl/internal/completion"
	"github.com/brightfunnel/reachctl/internal/interrupt"
	"github.com/brightfunnel/reachctl/internal/orchestrator"
	"github.com/brightfunnel/reachctl/internal/registry"
	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/stream"
	"github.com/brightfunnel/reachctl/internal/telemetry"
	"github.com/brightfunnel/reachctl/internal/workflows"
)

// Node names, used for active_workflow and logging; matches the node set
// named in spec §4.2.
const (
	NodeOrchestrator         = "orchestrator"
	NodeDynamicCaller        = "dynamic_caller"
	NodeReviewProposal       = "review_proposal"
	NodeCompletion           = "completion"
	NodeEmailWorkflow        = "email_workflow"
	NodeEngagementWorkflow   = "engagement_workflow"
	NodeEmailBuilderAgent    = "email_builder_agent"
	NodeSaveTemplateWorkflow = "save_template_workflow"
)

// Outcome is what a turn produced for the Session Manager (C1) to emit.
type Outcome struct {
	// Suspended is true when the turn paused at an interrupt; exactly one
	// of ReviewProposal / Confirmation is then non-nil.
	Suspended      bool
	ReviewProposal *stream.ReviewProposal
	Confirmation   *stream.Confirmation
}

// Graph wires every node referenced by spec §4.2's routing table.
type Graph struct {
	orchestrator *orchestrator.Node
	caller       *caller.Caller
	reg          *registry.Registry
	completion   *completion.Node
	emailSend    *workflows.EmailSend
	engagement   *workflows.Engagement
	saveTemplate *workflows.SaveTemplate
	emailBuilder *workflows.EmailBuilder
	logger       telemetry.Logger
}

// New constructs a Graph from its fully-wired node implementations.
func New(
	orch *orchestrator.Node,
	c *caller.Caller,
	reg *registry.Registry,
	comp *completion.Node,
	emailSend *workflows.EmailSend,
	engagement *workflows.Engagement,
	saveTemplate *workflows.SaveTemplate,
	emailBuilder *workflows.EmailBuilder,
	logger telemetry.Logger,
) *Graph {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Graph{
		orchestrator: orch,
		caller:       c,
		reg:          reg,
		completion:   comp,
		emailSend:    emailSend,
		engagement:   engagement,
		saveTemplate: saveTemplate,
		emailBuilder: emailBuilder,
		logger:       logger,
	}
}

// Run drives one full turn starting from the entry router (spec §4.2). The
// Session Manager has already merged the inbound delta into st.
func (g *Graph) Run(ctx context.Context, st *state.State) (Outcome, error) {
	return g.runFrom(ctx, g.entryRoute(st), st)
}

// runFrom visits nodes starting at node until one of them ends or suspends
// the turn.
func (g *Graph) runFrom(ctx context.Context, node string, st *state.State) (Outcome, error) {
	for {
		next, outcome, err := g.step(ctx, node, st)
		if err != nil {
			return Outcome{}, err
		}
		if outcome != nil {
			return *outcome, nil
		}
		if next == "" {
			return Outcome{}, nil
		}
		node = next
	}
}

// Resume drives one turn that resumes a previously suspended interrupt
// (spec §4.10). answer is the client's inbound message, delivered as the
// answer value of the suspended interrupt. A review_proposal answer
// continues at the dynamic caller, which executes the resulting
// plan_override; a save-template confirmation answer ends the turn at the
// completion node.
func (g *Graph) Resume(ctx context.Context, st *state.State, answer string) (Outcome, error) {
	switch {
	case st.PendingProposalPlan != nil:
		interrupt.ResumeReviewProposal(st, answer)
		return g.runFrom(ctx, NodeDynamicCaller, st)
	case st.ActiveWorkflow == NodeSaveTemplateWorkflow && st.SaveWorkflowContext != nil:
		if err := g.saveTemplate.Resume(ctx, st, answer); err != nil {
			return Outcome{}, fmt.Errorf("graph: resume save_template_workflow: %w", err)
		}
		st.ActiveWorkflow = ""
		return g.runFrom(ctx, NodeCompletion, st)
	default:
		return Outcome{}, fmt.Errorf("graph: resume called with no pending interrupt")
	}
}

// entryRoute implements spec §4.2's entry router: sticky workflows bypass
// the orchestrator exactly once per turn.
func (g *Graph) entryRoute(st *state.State) string {
	switch st.ActiveWorkflow {
	case NodeEmailBuilderAgent:
		return NodeEmailBuilderAgent
	case NodeSaveTemplateWorkflow:
		return NodeSaveTemplateWorkflow
	default:
		return NodeOrchestrator
	}
}

// step runs a single node and returns either the next node to visit, or a
// terminal Outcome when the turn is done or suspended.
func (g *Graph) step(ctx context.Context, node string, st *state.State) (next string, outcome *Outcome, err error) {
	switch node {
	case NodeOrchestrator:
		return g.runOrchestrator(ctx, st)
	case NodeDynamicCaller:
		return g.runDynamicCaller(ctx, st)
	case NodeEmailWorkflow:
		g.emailSend.RunFromTemplate(ctx, st)
		return NodeOrchestrator, nil, nil
	case NodeEngagementWorkflow:
		g.engagement.Run(ctx, st)
		return NodeOrchestrator, nil, nil
	case NodeEmailBuilderAgent:
		return g.runEmailBuilder(ctx, st)
	case NodeSaveTemplateWorkflow:
		return g.runSaveTemplate(ctx, st)
	case NodeCompletion:
		return g.runCompletion(ctx, st)
	default:
		return "", nil, fmt.Errorf("graph: unknown node %q", node)
	}
}

// runOrchestrator implements spec §4.2's iteration-count enforcement and
// §4.3's routing-label dispatch.
func (g *Graph) runOrchestrator(ctx context.Context, st *state.State) (string, *Outcome, error) {
	st.IterationCount++
	if st.ForceCompleteOnIterationLimit() {
		st.Error = "maximum iterations reached"
		return NodeCompletion, nil, nil
	}

	label, err := g.orchestrator.Decide(ctx, st, g.reg)
	if err != nil {
		return "", nil, fmt.Errorf("graph: orchestrator decide: %w", err)
	}
	st.NextAction = label
	st.CurrentAgent = NodeOrchestrator

	if strings.HasPrefix(label, "casual_chat:") {
		utterance := strings.TrimPrefix(label, "casual_chat:")
		reply, err := g.orchestrator.CasualChatReply(ctx, utterance)
		if err != nil {
			return "", nil, fmt.Errorf("graph: casual chat reply: %w", err)
		}
		st.FinalResponse = reply
		return NodeCompletion, nil, nil
	}

	switch label {
	case "complete":
		return NodeCompletion, nil, nil
	case "EngagementWorkflow":
		return NodeEngagementWorkflow, nil, nil
	case "EmailWorkflow":
		return NodeEmailWorkflow, nil, nil
	case "EmailBuilderAgent":
		return NodeEmailBuilderAgent, nil, nil
	default:
		// A registered service name: the generic caller drives its
		// Planner/Executor Loop.
		return NodeDynamicCaller, nil, nil
	}
}

// runDynamicCaller implements spec §4.4's two branches: proposal hand-off
// suspends; anything else loops back to the orchestrator.
func (g *Graph) runDynamicCaller(ctx context.Context, st *state.State) (string, *Outcome, error) {
	outcome, err := g.caller.Dispatch(ctx, st.NextAction, st)
	if err != nil {
		return "", nil, fmt.Errorf("graph: dynamic caller: %w", err)
	}
	if outcome == caller.OutcomeReviewProposal {
		return g.suspendReviewProposal(st, st.NextAction)
	}
	return NodeOrchestrator, nil, nil
}

// suspendReviewProposal implements the review_proposal interrupt (spec
// §4.10): builds the control payload and suspends.
func (g *Graph) suspendReviewProposal(st *state.State, serviceName string) (string, *Outcome, error) {
	details := st.PendingProposalDetails
	var related []any
	if rows, ok := st.SharedResultSets["contacts"]; ok {
		for _, r := range rows {
			related = append(related, r)
		}
	}
	availableFields := g.caller.AvailableFieldsFor(serviceName, details.Object)
	payload := interrupt.ReviewProposalPayload(details, related, availableFields)
	return "", &Outcome{Suspended: true, ReviewProposal: &payload}, nil
}

// runEmailBuilder implements spec §4.8.4: classify intent, draft/refine, or
// transition to save-template / exit.
func (g *Graph) runEmailBuilder(ctx context.Context, st *state.State) (string, *Outcome, error) {
	intent := workflows.ClassifyIntent(st.UserGoal, "")
	switch intent {
	case workflows.IntentExit:
		workflows.Exit(st)
		st.FinalResponse = "Okay, stepping out of the email builder."
		return NodeCompletion, nil, nil
	case workflows.IntentSave:
		workflows.Exit(st)
		return g.step(ctx, NodeSaveTemplateWorkflow, st)
	default:
		if err := g.emailBuilder.Draft(ctx, st, st.UserGoal); err != nil {
			return "", nil, fmt.Errorf("graph: email builder draft: %w", err)
		}
		if st.GeneratedEmailContent != nil {
			st.FinalResponse = fmt.Sprintf("Here's a draft: %q", st.GeneratedEmailContent.Subject)
		}
		return NodeCompletion, nil, nil
	}
}

// runSaveTemplate implements spec §4.8.3: start the workflow and suspend
// for the yes/no confirmation.
func (g *Graph) runSaveTemplate(ctx context.Context, st *state.State) (string, *Outcome, error) {
	var subject, bodyHTML string
	if st.GeneratedEmailContent != nil {
		subject = st.GeneratedEmailContent.Subject
		bodyHTML = st.GeneratedEmailContent.Body
	}
	confirmation, err := g.saveTemplate.Start(ctx, st, subject, bodyHTML, bodyHTML)
	if err != nil {
		return "", nil, fmt.Errorf("graph: save template start: %w", err)
	}
	if confirmation == nil {
		return NodeCompletion, nil, nil
	}
	st.ActiveWorkflow = NodeSaveTemplateWorkflow
	return "", &Outcome{Suspended: true, Confirmation: confirmation}, nil
}

// runCompletion implements spec §4.11's terminal decision tree.
func (g *Graph) runCompletion(ctx context.Context, st *state.State) (string, *Outcome, error) {
	proposal, err := g.completion.Finalize(ctx, st)
	if err != nil {
		return "", nil, fmt.Errorf("graph: completion: %w", err)
	}
	if proposal != nil {
		return "", &Outcome{Suspended: true, ReviewProposal: proposal}, nil
	}
	return "", &Outcome{}, nil
}
