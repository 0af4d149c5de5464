// Package state defines the Session State data model shared by every graph
// node (C2-C11) and its typed update methods. Reducer semantics are not a
// blanket merge: each field names its own update rule (replace, merge, or
// append), matching the teacher's checkpointed-workflow state pattern
// (runtime/agent/session) generalized to this orchestrator's field set.
package state

import "time"

// Role tags one entry of the append-only conversation log.
type Role string

const (
	RoleHuman  Role = "Human"
	RoleAI     Role = "AI"
	RoleSystem Role = "System"
)

// Message is one entry of the conversation log.
type Message struct {
	Role Role
	Text string
	At   time.Time
}

// Record is a single attribute/value row. Records that represent a CRM
// entity carry a stable "Id" key.
type Record map[string]any

// ID returns the record's "Id" attribute, or "" if absent.
func (r Record) ID() string {
	if v, ok := r["Id"].(string); ok {
		return v
	}
	return ""
}

// CreatedRef is the {Id, Name} summary of a record surfaced to the client
// for hyperlinking after completion.
type CreatedRef struct {
	ID   string
	Name string
}

// ServiceResult is one service's accumulated observations for the turn:
// mcp_results[service] = {execution_summary, tool_results}.
type ServiceResult struct {
	ExecutionSummary string
	ToolResults      []ToolResult
}

// ToolResult is one executed tool call's outcome, as reported by C4/C7.
type ToolResult struct {
	Tool      string
	Arguments map[string]any
	Response  any
	Status    string // "ok" | "error"
	Error     string
}

// SessionContext is per-session memory that outlives a single turn: the
// created-record registry grouped by entity type, plus a running
// conversation summary.
type SessionContext struct {
	CreatedRegistry map[string][]CreatedRef
	Summary         string
}

// PlannedCall is one ephemeral call proposed by a planning pass (C5).
//
// IterateOver holds iterate_over as the model emitted it: a named result-set
// string (or the literal "previous_result"), or a literal list of items to
// iterate directly. Typed any rather than string so a literal-list plan
// still decodes instead of failing ParsePlan's json.Unmarshal wholesale.
type PlannedCall struct {
	Tool        string
	Arguments   map[string]any
	Reason      string
	StoreAs     string
	IterateOver any
}

// Plan is the ephemeral output of a planning pass (C5).
type Plan struct {
	Calls               []PlannedCall
	NeedsNextIteration  bool
	NeedsSalesforceData bool
}

// ProposalDetails is the human-readable description of a plan awaiting
// approval through the interrupt/resume protocol (C10).
type ProposalDetails struct {
	Summary    string
	Object     string
	ActionType string
	Calls      []PlannedCall
}

// State is the single per-connection Session State entity (spec §3).
//
// Every exported field is read directly by graph nodes; mutation happens
// exclusively through the methods below so reducer semantics stay
// consistent no matter which node makes the change.
type State struct {
	UserGoal string

	Messages []Message

	IterationCount int
	MaxIterations  int

	NextAction   string
	CurrentAgent string

	MCPResults map[string]ServiceResult

	SharedResultSets map[string][]Record

	SessionContext SessionContext

	TaskDirective  string
	PendingUpdates []Record

	CreatedRecords map[string][]CreatedRef

	EmailWorkflowContext      map[string]any
	EngagementWorkflowContext map[string]any
	SaveWorkflowContext       map[string]any

	ActiveWorkflow string

	PlanOverride           *Plan
	PendingProposalPlan    *Plan
	PendingProposalDetails *ProposalDetails

	WorkflowFailed bool

	Error         string
	FinalResponse string

	SalesforceData map[string]any
	BrevoResults   map[string]any
	LinklyLinks    map[string]any

	GeneratedEmailContent *GeneratedEmail
}

// GeneratedEmail is the in-progress artifact produced by the email-builder
// workflow (C8.4); it survives a turn reset so a follow-up refine request
// can see the prior draft.
type GeneratedEmail struct {
	Subject string
	Body    string
	Sticky  bool
}

// New returns a fresh Session State for a newly opened connection.
func New(maxIterations int) *State {
	return &State{
		MaxIterations:    maxIterations,
		MCPResults:       make(map[string]ServiceResult),
		SharedResultSets: make(map[string][]Record),
		CreatedRecords:   make(map[string][]CreatedRef),
		SessionContext: SessionContext{
			CreatedRegistry: make(map[string][]CreatedRef),
		},
	}
}

// AppendMessage appends to the conversation log (merge-by-append, spec §3).
func (s *State) AppendMessage(role Role, text string, at time.Time) {
	s.Messages = append(s.Messages, Message{Role: role, Text: text, At: at})
}

// ReplaceResultSet replaces shared_result_sets[name] wholesale. Per spec §3
// invariant 4 and §5's shared-resource policy, result sets are never
// deep-merged: a node that wants to retain prior rows must re-include them.
func (s *State) ReplaceResultSet(name string, rows []Record) {
	if s.SharedResultSets == nil {
		s.SharedResultSets = make(map[string][]Record)
	}
	s.SharedResultSets[name] = rows
}

// ReplaceResultSets replaces multiple named result sets in one step, as C4
// does when merging a loop's partial result_sets output.
func (s *State) ReplaceResultSets(sets map[string][]Record) {
	for name, rows := range sets {
		s.ReplaceResultSet(name, rows)
	}
}

// PruneResultSet deletes a named result set, permitted because the reducer
// is replace-not-merge (spec §9 "Cyclic references").
func (s *State) PruneResultSet(name string) {
	delete(s.SharedResultSets, name)
}

// MergeMCPResult merges one service's results into mcp_results, accumulating
// tool_results rather than replacing them, per spec §5: "mcp_results is
// merged across nodes so the orchestrator accumulates observations."
func (s *State) MergeMCPResult(service string, result ServiceResult) {
	if s.MCPResults == nil {
		s.MCPResults = make(map[string]ServiceResult)
	}
	existing, ok := s.MCPResults[service]
	if !ok {
		s.MCPResults[service] = result
		return
	}
	existing.ExecutionSummary = result.ExecutionSummary
	existing.ToolResults = append(existing.ToolResults, result.ToolResults...)
	s.MCPResults[service] = existing
}

// SetCreatedRecords replaces created_records. The completion node (C11) is
// the sole writer of this field in the standard path (spec §5).
func (s *State) SetCreatedRecords(records map[string][]CreatedRef) {
	s.CreatedRecords = records
}

// AddCreatedRecord appends one {Id, Name} to created_records[entityType],
// used outside the completion node for early client hyperlinking (e.g. the
// email-send workflow adding the campaign on a preview failure, spec
// §4.8.1).
func (s *State) AddCreatedRecord(entityType string, ref CreatedRef) {
	if s.CreatedRecords == nil {
		s.CreatedRecords = make(map[string][]CreatedRef)
	}
	s.CreatedRecords[entityType] = append(s.CreatedRecords[entityType], ref)
}

// ResetTransientFields clears every field the Session Manager resets on a
// new inbound turn (spec §4.1 step 2), preserving messages, session_context,
// shared_result_sets, active_workflow, and any in-progress
// generated_email_content.
func (s *State) ResetTransientFields() {
	s.FinalResponse = ""
	s.Error = ""
	s.NextAction = ""
	s.MCPResults = make(map[string]ServiceResult)
	s.EmailWorkflowContext = nil
	s.EngagementWorkflowContext = nil
	s.SaveWorkflowContext = nil
	s.SalesforceData = nil
	s.BrevoResults = nil
	s.LinklyLinks = nil
	s.CreatedRecords = make(map[string][]CreatedRef)
	s.WorkflowFailed = false
}

// ConsumePlanOverride returns and clears plan_override, honoring spec §3
// invariant 3: "plan_override is consumed (set to null) on the next
// execution of the generic caller."
func (s *State) ConsumePlanOverride() *Plan {
	p := s.PlanOverride
	s.PlanOverride = nil
	return p
}

// SetProposal records a proposal awaiting human approval (C4 step 1) and
// enforces spec §3 invariant 5: at most one of {pending_proposal_plan,
// plan_override} is set at any time.
func (s *State) SetProposal(plan *Plan, details *ProposalDetails) {
	s.PendingProposalPlan = plan
	s.PendingProposalDetails = details
	s.PlanOverride = nil
}

// ClearProposal clears a pending proposal once it has been approved,
// rejected, or converted into a plan_override.
func (s *State) ClearProposal() {
	s.PendingProposalPlan = nil
	s.PendingProposalDetails = nil
}

// ForceCompleteOnIterationLimit applies spec §3 invariant 1: once
// iteration_count equals max_iterations, the next orchestrator call is
// forced to next_action="complete". Returns true when it fired.
func (s *State) ForceCompleteOnIterationLimit() bool {
	if s.IterationCount >= s.MaxIterations {
		s.NextAction = "complete"
		return true
	}
	return false
}

// FilteredCreatedRecords returns created_records with placeholder names
// excluded, per spec §4.1 step 3's "filtered to exclude placeholder names."
func (s *State) FilteredCreatedRecords(isPlaceholderName func(string) bool) map[string][]CreatedRef {
	out := make(map[string][]CreatedRef, len(s.CreatedRecords))
	for entityType, refs := range s.CreatedRecords {
		kept := make([]CreatedRef, 0, len(refs))
		for _, ref := range refs {
			if isPlaceholderName != nil && isPlaceholderName(ref.Name) {
				continue
			}
			kept = append(kept, ref)
		}
		out[entityType] = kept
	}
	return out
}
