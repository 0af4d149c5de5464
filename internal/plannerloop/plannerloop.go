// Package plannerloop implements the Planner/Executor Loop (C5): the single
// entry point call_mcp_v2(serviceName, config, state) parameterized by
// planning_strategy, with its internal-tool safety-gated execution and its
// model-planner iteration loop (spec.md §4.5).
package plannerloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/brightfunnel/reachctl/internal/model"
	"github.com/brightfunnel/reachctl/internal/placeholder"
	"github.com/brightfunnel/reachctl/internal/registry"
	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/telemetry"
	"github.com/brightfunnel/reachctl/internal/tools"
	"github.com/brightfunnel/reachctl/internal/transport"
)

// Status is the terminal outcome of one call_mcp_v2 invocation.
type Status string

const (
	StatusProposal Status = "proposal"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
)

// Proposal describes a mutating call awaiting human approval (spec §4.5.1
// step 3): the object, the effective field map after placeholder
// resolution, and the action type.
type Proposal struct {
	ObjectName string
	Fields     map[string]any
	ActionType string // "create" | "update"
}

// ExecutionSummary aggregates one loop run, per spec §4.5.2's return shape.
type ExecutionSummary struct {
	TotalCalls      int
	SuccessfulCalls int
	FailedCalls     int
	Iterations      int
}

// Result is the output of one call_mcp_v2 invocation.
type Result struct {
	Status           Status
	Proposal         *Proposal
	GeneratedPlan    *state.Plan
	ResultSets       map[string][]state.Record
	ToolResults      []state.ToolResult
	ExecutionSummary ExecutionSummary
	Err              string
}

// Loop drives one service's planning/execution cycle.
type Loop struct {
	caller      transport.Caller
	adapter     *transport.Adapter
	resolver    *placeholder.Resolver
	modelCli    model.Client
	logger      telemetry.Logger
	descriptors map[string]tools.Descriptor
}

// New constructs a Loop for one service's subprocess caller.
func New(caller transport.Caller, adapter *transport.Adapter, resolver *placeholder.Resolver, modelCli model.Client, logger telemetry.Logger) *Loop {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Loop{caller: caller, adapter: adapter, resolver: resolver, modelCli: modelCli, logger: logger}
}

// SetToolDescriptors caches a service's pre-loaded Tool Descriptors (spec
// §4.7 "Startup pre-load"), keyed by name, so batch-vs-iterate
// classification (spec §4.5.3) can consult each tool's declared schema
// instead of only its name.
func (l *Loop) SetToolDescriptors(descriptors []tools.Descriptor) {
	l.descriptors = make(map[string]tools.Descriptor, len(descriptors))
	for _, d := range descriptors {
		l.descriptors[string(d.Name)] = d
	}
}

// classifyBatch is ClassifyBatch backed by the cached Tool Descriptor for
// toolName when one is available, falling back to name-only classification
// otherwise.
func (l *Loop) classifyBatch(toolName string) (batchCapable bool, batchParam string) {
	desc, ok := l.descriptors[toolName]
	if !ok {
		return ClassifyBatch(toolName, nil)
	}
	if strings.Contains(strings.ToLower(toolName), "batch") {
		batchCapable = true
	}
	for _, candidate := range batchParamPriority {
		if prop, ok := desc.Schema[candidate]; ok && prop.IsArray() {
			batchCapable = true
			if batchParam == "" {
				batchParam = candidate
			}
		}
	}
	return batchCapable, batchParam
}

// mutatingVerbs classifies a tool as unsafe (mutating) when its name
// contains any of these substrings (spec §4.5.1 step 1).
var mutatingVerbs = []string{"create", "update", "delete", "upsert"}

// IsSafe reports whether toolName is read-only.
func IsSafe(toolName string) bool {
	lower := strings.ToLower(toolName)
	for _, v := range mutatingVerbs {
		if strings.Contains(lower, v) {
			return false
		}
	}
	return true
}

// actionType derives "create"/"update" from a mutating tool's name for the
// proposal payload.
func actionType(toolName string) string {
	lower := strings.ToLower(toolName)
	if strings.Contains(lower, "update") || strings.Contains(lower, "upsert") {
		return "update"
	}
	return "create"
}

// mutatingToolPrefixes are stripped from a mutating tool's name to recover
// the CRM object it acts on, e.g. "create_campaign" -> "campaign" (spec
// §4.5.1 step 3: the proposal's object_name).
var mutatingToolPrefixes = []string{"create_", "update_", "upsert_", "delete_"}

// objectNameFromMutatingTool derives a title-cased object name from a
// mutating tool's name for the proposal payload.
func objectNameFromMutatingTool(toolName string) string {
	name := toolName
	lower := strings.ToLower(name)
	for _, prefix := range mutatingToolPrefixes {
		if strings.HasPrefix(lower, prefix) {
			name = name[len(prefix):]
			break
		}
	}
	if name == "" {
		return toolName
	}
	return strings.Title(strings.ToLower(name))
}

// pluralMap is the small hard-coded singular→plural map for known CRM
// entities (spec §9 open question 3), falling back to appending "s".
var pluralMap = map[string]string{
	"contact":        "contacts",
	"campaign":       "campaigns",
	"campaignmember": "campaign_members",
	"lead":           "leads",
}

// DeriveStoreAs derives a default result-set name from a queried entity
// name when the planned call omitted store_as (spec §4.5.1 step 2).
func DeriveStoreAs(entityName string) string {
	key := strings.ToLower(entityName)
	if plural, ok := pluralMap[key]; ok {
		return plural
	}
	return key + "s"
}

// batchParamPriority is the priority order used to pick the batch parameter
// name from a tool's schema (spec §4.5.3).
var batchParamPriority = []string{"message_versions", "records", "recipients", "items", "batch_data"}

// ClassifyBatch reports whether toolName/schema qualify as batch-capable,
// and if so which schema property is the batch parameter.
func ClassifyBatch(toolName string, schemaProperties map[string]any) (batchCapable bool, batchParam string) {
	if strings.Contains(strings.ToLower(toolName), "batch") {
		batchCapable = true
	}
	arrayProps := make(map[string]bool)
	for name, raw := range schemaProperties {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := prop["type"].(string); t == "array" {
			arrayProps[name] = true
		}
	}
	for _, candidate := range batchParamPriority {
		if arrayProps[candidate] {
			batchCapable = true
			if batchParam == "" {
				batchParam = candidate
			}
		}
	}
	return batchCapable, batchParam
}

// BuildBatchArguments assembles the packed batch argument object for N
// iteration items (spec §4.5.3 "Batch argument assembly"): start from the
// call's non-batch template arguments, resolve each item into a per-item
// object, and pack under batchParam.
func (l *Loop) BuildBatchArguments(template map[string]any, batchParam string, items []state.Record, sets map[string][]state.Record) map[string]any {
	base := make(map[string]any, len(template))
	for k, v := range template {
		if k == batchParam {
			continue
		}
		base[k] = v
	}
	packed := make([]any, 0, len(items))
	for _, item := range items {
		resolved := l.resolver.ResolveArguments(template, item, sets)
		delete(resolved, batchParam)
		packed = append(packed, resolved)
	}
	base[batchParam] = packed
	return base
}

// BuildBatchEmailArguments implements the send_batch_emails tool-family
// special case (spec §4.5.3): collect each item's recipients/cc/bcc,
// concatenating, and coerce template_id to an integer.
func (l *Loop) BuildBatchEmailArguments(template map[string]any, items []state.Record, sets map[string][]state.Record) map[string]any {
	var recipients, cc, bcc []any
	for _, item := range items {
		resolved := l.resolver.ResolveArguments(template, item, sets)
		recipients = append(recipients, listField(resolved, "recipients")...)
		cc = append(cc, listField(resolved, "cc")...)
		bcc = append(bcc, listField(resolved, "bcc")...)
	}
	out := make(map[string]any, len(template))
	for k, v := range template {
		out[k] = v
	}
	out["recipients"] = recipients
	if len(cc) > 0 {
		out["cc"] = cc
	}
	if len(bcc) > 0 {
		out["bcc"] = bcc
	}
	if raw, ok := out["template_id"]; ok {
		out["template_id"] = coerceInt(raw)
	}
	return out
}

// BuildBatchUpsertArguments implements the batch_upsert tool-family special
// case (spec §4.5.3): pack {record_id, fields} pairs.
func (l *Loop) BuildBatchUpsertArguments(items []state.Record, recordIDField string, fieldsFn func(state.Record) map[string]any) map[string]any {
	pairs := make([]any, 0, len(items))
	for _, item := range items {
		pairs = append(pairs, map[string]any{
			"record_id": item[recordIDField],
			"fields":    fieldsFn(item),
		})
	}
	return map[string]any{"records": pairs}
}

func listField(m map[string]any, key string) []any {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		return v
	default:
		return []any{v}
	}
}

func coerceInt(v any) any {
	switch t := v.(type) {
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
		return v
	case float64:
		return int(t)
	default:
		return v
	}
}

// RunInternalTool implements the internal-tool strategy (spec §4.5.1): it
// invokes planningToolName to obtain a plan, then executes calls
// sequentially with a safety gate, stopping at the first unsafe call to
// produce a Proposal. If st.PlanOverride is set, planning is skipped
// entirely and every call in the override executes in order.
func (l *Loop) RunInternalTool(ctx context.Context, svc registry.Service, st *state.State) (Result, error) {
	if override := st.ConsumePlanOverride(); override != nil {
		return l.executeAll(ctx, override.Calls, st)
	}

	plan, err := l.fetchPlan(ctx, svc.PlanningToolName, st)
	if err != nil {
		return Result{Status: StatusError, Err: err.Error()}, err
	}

	resultSets := make(map[string][]state.Record)
	var toolResults []state.ToolResult
	summary := ExecutionSummary{Iterations: 1}

	for i, call := range plan.Calls {
		if !IsSafe(call.Tool) {
			return Result{
				Status: StatusProposal,
				Proposal: &Proposal{
					ObjectName: objectNameFromMutatingTool(call.Tool),
					Fields:     l.resolver.ResolveArguments(call.Arguments, nil, st.SharedResultSets),
					ActionType: actionType(call.Tool),
				},
				GeneratedPlan:    &state.Plan{Calls: plan.Calls[i:]},
				ResultSets:       resultSets,
				ToolResults:      toolResults,
				ExecutionSummary: summary,
			}, nil
		}

		resp, err := l.adapter.CallSafeWithRetry(ctx, l.caller, transport.CallRequest{
			Tool:      call.Tool,
			Arguments: l.resolver.ResolveArguments(call.Arguments, nil, st.SharedResultSets),
		}, "")
		summary.TotalCalls++
		tr := state.ToolResult{Tool: call.Tool, Arguments: call.Arguments}
		if err != nil || l.adapter.IsErrorResponse(resp) {
			summary.FailedCalls++
			tr.Status = "error"
			if err != nil {
				tr.Error = err.Error()
			}
			toolResults = append(toolResults, tr)
			continue
		}
		summary.SuccessfulCalls++
		rows := l.adapter.ExtractRows(resp)
		storeAs := call.StoreAs
		if storeAs == "" {
			storeAs = DeriveStoreAs(call.Tool)
		}
		resultSets[storeAs] = rows
		tr.Status = "ok"
		tr.Response = rows
		toolResults = append(toolResults, tr)
	}

	return Result{Status: StatusSuccess, ResultSets: resultSets, ToolResults: toolResults, ExecutionSummary: summary}, nil
}

// executeAll runs every planned call (safe or unsafe) in order, with no
// further interrupts, per spec §4.5.1 step 4.
func (l *Loop) executeAll(ctx context.Context, calls []state.PlannedCall, st *state.State) (Result, error) {
	resultSets := make(map[string][]state.Record)
	var toolResults []state.ToolResult
	summary := ExecutionSummary{Iterations: 1}

	for _, call := range calls {
		resp, err := l.caller.CallTool(ctx, transport.CallRequest{
			Tool:      call.Tool,
			Arguments: l.resolver.ResolveArguments(call.Arguments, nil, st.SharedResultSets),
		})
		summary.TotalCalls++
		tr := state.ToolResult{Tool: call.Tool, Arguments: call.Arguments}
		if err != nil || l.adapter.IsErrorResponse(resp) {
			summary.FailedCalls++
			tr.Status = "error"
			if err != nil {
				tr.Error = err.Error()
			}
			toolResults = append(toolResults, tr)
			continue
		}
		summary.SuccessfulCalls++
		rows := l.adapter.ExtractRows(resp)
		storeAs := call.StoreAs
		if storeAs == "" {
			storeAs = DeriveStoreAs(call.Tool)
		}
		resultSets[storeAs] = rows
		tr.Status = "ok"
		tr.Response = rows
		toolResults = append(toolResults, tr)
	}

	status := StatusSuccess
	if summary.FailedCalls > 0 {
		status = StatusError
	}
	return Result{Status: status, ResultSets: resultSets, ToolResults: toolResults, ExecutionSummary: summary}, nil
}

func (l *Loop) fetchPlan(ctx context.Context, planningToolName string, st *state.State) (*state.Plan, error) {
	resp, err := l.caller.CallTool(ctx, transport.CallRequest{
		Tool:      planningToolName,
		Arguments: map[string]any{"user_goal": st.UserGoal},
	})
	if err != nil {
		return nil, fmt.Errorf("plannerloop: fetch plan: %w", err)
	}
	plan, ok := ParsePlan(firstText(resp))
	if !ok {
		l.logger.Warn(ctx, "plannerloop: plan-parse failure, degrading to empty plan", "tool", planningToolName)
		return &state.Plan{}, nil
	}
	return plan, nil
}

func firstText(resp transport.CallResponse) string {
	for _, part := range resp.Content {
		if part.Text != "" {
			return part.Text
		}
	}
	return ""
}

// planJSON mirrors the wire shape of a model-emitted Plan.
type planJSON struct {
	Calls []struct {
		Tool        string         `json:"tool"`
		Arguments   map[string]any `json:"arguments"`
		Reason      string         `json:"reason"`
		StoreAs     string         `json:"store_as"`
		IterateOver any            `json:"iterate_over"`
	} `json:"calls"`
	NeedsNextIteration  bool `json:"needs_next_iteration"`
	NeedsSalesforceData bool `json:"needs_salesforce_data"`
}

// ParsePlan strictly decodes a model's plan output (spec §4.5.2 step 3): no
// markdown fences, no comments, after trimming whitespace. A parse failure
// is reported via ok=false so the caller can degrade to an empty plan.
func ParsePlan(raw string) (*state.Plan, bool) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var doc planJSON
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, false
	}
	plan := &state.Plan{
		NeedsNextIteration:  doc.NeedsNextIteration,
		NeedsSalesforceData: doc.NeedsSalesforceData,
	}
	for _, c := range doc.Calls {
		plan.Calls = append(plan.Calls, state.PlannedCall{
			Tool:        c.Tool,
			Arguments:   c.Arguments,
			Reason:      c.Reason,
			StoreAs:     c.StoreAs,
			IterateOver: c.IterateOver,
		})
	}
	return plan, true
}
