package plannerloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/brightfunnel/reachctl/internal/model"
	"github.com/brightfunnel/reachctl/internal/registry"
	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/toolerrors"
	"github.com/brightfunnel/reachctl/internal/transport"
)

// MaxIterationsInner bounds the model-planner strategy's internal loop
// (spec §4.5.2: "iterate up to max_iterations_inner (= 10) times").
const MaxIterationsInner = 10

// ContextBlocks groups the prompt fragments assembled before each iteration
// (spec §4.5.2 step 2).
type ContextBlocks struct {
	WorkflowContext   string
	PreviousResults   string
	AvailableContext  string
}

// RunModelPlanner implements the model-planner strategy (spec §4.5.2): each
// iteration builds a prompt, asks the model for a Plan, executes its calls
// (batch or iterate per §4.5.3), and decides whether to continue.
func (l *Loop) RunModelPlanner(ctx context.Context, svc registry.Service, st *state.State, tools []model.ToolDefinition, buildBlocks func(iteration int, st *state.State) ContextBlocks) (Result, error) {
	resultSets := make(map[string][]state.Record)
	var toolResults []state.ToolResult
	summary := ExecutionSummary{}

	for iteration := 1; iteration <= MaxIterationsInner; iteration++ {
		query := effectiveQuery(iteration, st, len(toolResults) > 0)
		if query == "" {
			break
		}

		blocks := ContextBlocks{}
		if buildBlocks != nil {
			blocks = buildBlocks(iteration, st)
		}
		prompt := renderPlanningPrompt(svc.PlanningPromptTemplate, query, blocks)

		resp, err := l.modelCli.Complete(ctx, model.Request{
			System:   prompt,
			Messages: []model.Message{{Role: model.RoleUser, Content: query}},
			Tools:    tools,
		})
		if err != nil {
			return Result{}, fmt.Errorf("plannerloop: model planner: %w", err)
		}

		plan, ok := ParsePlan(resp.Text)
		if !ok {
			l.logger.Warn(ctx, "plannerloop: plan-parse failure, stopping iteration", "service", svc.Name, "iteration", iteration)
			break
		}

		iteratedPreviousResult := false
		for _, call := range plan.Calls {
			n, sawPrevious, err := l.executePlannedCall(ctx, call, st, resultSets, &toolResults, &summary)
			if sawPrevious {
				iteratedPreviousResult = true
			}
			_ = n
			if err != nil {
				l.logger.Warn(ctx, "plannerloop: planned call failed", "tool", call.Tool, "error", err.Error())
			}
		}
		summary.Iterations = iteration

		if !plan.NeedsNextIteration || !iteratedPreviousResult {
			break
		}
	}

	return Result{Status: StatusSuccess, ResultSets: resultSets, ToolResults: toolResults, ExecutionSummary: summary}, nil
}

// effectiveQuery implements spec §4.5.2 step 1: on the first iteration the
// effective query is user_goal; on later iterations, task_directive if set,
// else continue if the previous iteration produced results, else stop.
func effectiveQuery(iteration int, st *state.State, hadPriorResults bool) string {
	if iteration == 1 {
		return st.UserGoal
	}
	if st.TaskDirective != "" {
		return st.TaskDirective
	}
	if hadPriorResults {
		return st.UserGoal
	}
	return ""
}

func renderPlanningPrompt(template, query string, blocks ContextBlocks) string {
	var b strings.Builder
	b.WriteString(template)
	b.WriteString("\n\nQuery: ")
	b.WriteString(query)
	if blocks.WorkflowContext != "" {
		b.WriteString("\n\nWorkflow context:\n")
		b.WriteString(blocks.WorkflowContext)
	}
	if blocks.PreviousResults != "" {
		b.WriteString("\n\nPrevious results:\n")
		b.WriteString(blocks.PreviousResults)
	}
	if blocks.AvailableContext != "" {
		b.WriteString("\n\nAvailable context:\n")
		b.WriteString(blocks.AvailableContext)
	}
	return b.String()
}

// executePlannedCall executes one planned call per spec §4.5.2 step 4,
// resolving iterate_over, classifying batch-vs-iterate, and appending
// results. It returns the number of invocations made and whether the
// iteration source was "previous_result".
func (l *Loop) executePlannedCall(ctx context.Context, call state.PlannedCall, st *state.State, resultSets map[string][]state.Record, toolResults *[]state.ToolResult, summary *ExecutionSummary) (int, bool, error) {
	name, isNamed := call.IterateOver.(string)
	sawPrevious := isNamed && name == "previous_result"
	empty := call.IterateOver == nil || (isNamed && name == "")

	items, err := resolveIterationSource(call.IterateOver, st.SharedResultSets, resultSets)
	if !empty && err != nil {
		*toolResults = append(*toolResults, state.ToolResult{Tool: call.Tool, Status: "error", Error: err.Error()})
		summary.TotalCalls++
		summary.FailedCalls++
		return 0, sawPrevious, err
	}

	if empty {
		items = []state.Record{nil}
	}

	// Only safe (read-only) calls get the transport's single retry; a
	// mutating call is issued once.
	invoke := func(args map[string]any) (transport.CallResponse, error) {
		req := transport.CallRequest{Tool: call.Tool, Arguments: args}
		if IsSafe(call.Tool) {
			return l.adapter.CallSafeWithRetry(ctx, l.caller, req, "")
		}
		return l.caller.CallTool(ctx, req)
	}

	batchCapable, batchParam := l.classifyBatch(call.Tool)
	storeAs := call.StoreAs
	if storeAs == "" {
		storeAs = DeriveStoreAs(call.Tool)
	}

	var produced []state.Record
	if batchCapable && len(items) > 1 && batchParam != "" {
		args := l.batchArgsForTool(call, items, st.SharedResultSets)
		resp, callErr := invoke(args)
		summary.TotalCalls++
		tr := state.ToolResult{Tool: call.Tool, Arguments: args}
		if callErr != nil || l.adapter.IsErrorResponse(resp) {
			summary.FailedCalls++
			tr.Status = "error"
			if callErr != nil {
				tr.Error = callErr.Error()
			}
		} else {
			summary.SuccessfulCalls++
			tr.Status = "ok"
			produced = l.adapter.ExtractRows(resp)
			tr.Response = produced
		}
		*toolResults = append(*toolResults, tr)
	} else {
		for _, item := range items {
			args, issues := l.resolver.ResolveArgumentsDetailed(call.Arguments, item, st.SharedResultSets)
			resp, callErr := invoke(args)
			summary.TotalCalls++
			tr := state.ToolResult{Tool: call.Tool, Arguments: args}
			if callErr != nil || l.adapter.IsErrorResponse(resp) {
				summary.FailedCalls++
				tr.Status = "error"
				switch {
				case callErr != nil:
					tr.Error = fieldIssueError(callErr.Error(), issues).Error()
				case len(issues) > 0:
					tr.Error = fieldIssueError("tool rejected unresolved placeholder arguments", issues).Error()
				}
			} else {
				summary.SuccessfulCalls++
				tr.Status = "ok"
				rows := l.adapter.ExtractRows(resp)
				produced = append(produced, rows...)
				tr.Response = rows
			}
			*toolResults = append(*toolResults, tr)
		}
	}

	resultSets[storeAs] = produced
	resultSets["previous_result"] = produced
	return len(items), sawPrevious, nil
}

// fieldIssueError wraps msg in a toolerrors.ToolError naming the first
// unresolved placeholder field, if any, so the free-text tool_results.Error
// string still carries structured retry-hint detail (SUPPLEMENTED FEATURES:
// "structured field issues for payload validation").
func fieldIssueError(msg string, issues []toolerrors.FieldIssue) *toolerrors.ToolError {
	te := toolerrors.New(msg)
	if len(issues) > 0 {
		te.Field = issues[0].Field
	}
	return te
}

func (l *Loop) batchArgsForTool(call state.PlannedCall, items []state.Record, sets map[string][]state.Record) map[string]any {
	lower := strings.ToLower(call.Tool)
	switch {
	case strings.Contains(lower, "send_batch_emails"):
		return l.BuildBatchEmailArguments(call.Arguments, items, sets)
	case strings.Contains(lower, "batch_upsert"):
		return l.BuildBatchUpsertArguments(items, "Id", func(r state.Record) map[string]any {
			resolved := l.resolver.ResolveArguments(call.Arguments, r, sets)
			delete(resolved, "Id")
			return resolved
		})
	default:
		_, batchParam := l.classifyBatch(call.Tool)
		if batchParam == "" {
			batchParam = "records"
		}
		return l.BuildBatchArguments(call.Arguments, batchParam, items, sets)
	}
}

// resolveIterationSource resolves iterate_over (spec §3 Data Model: "a named
// result set, previous_result, or a literal list") against a named result
// set, "previous_result", or a literal list the model embedded directly in
// the plan.
func resolveIterationSource(iterateOver any, shared map[string][]state.Record, fresh map[string][]state.Record) ([]state.Record, error) {
	switch v := iterateOver.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		if v == "previous_result" {
			if rows, ok := fresh["previous_result"]; ok {
				return rows, nil
			}
			if rows, ok := shared["previous_result"]; ok {
				return rows, nil
			}
			return nil, fmt.Errorf("plannerloop: no previous_result to iterate over")
		}
		if rows, ok := fresh[v]; ok {
			return rows, nil
		}
		if rows, ok := shared[v]; ok {
			return rows, nil
		}
		return nil, fmt.Errorf("plannerloop: iteration source %q not found", v)
	case []any:
		items := make([]state.Record, len(v))
		for i, elem := range v {
			if rec, ok := elem.(map[string]any); ok {
				items[i] = state.Record(rec)
				continue
			}
			items[i] = state.Record{"value": elem}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("plannerloop: iterate_over has unsupported shape %T", iterateOver)
	}
}
