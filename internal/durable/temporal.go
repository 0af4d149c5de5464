// Package durable provides a Temporal-backed alternative execution backend
// for the Orchestration Graph (C2), grounded on the teacher's
// runtime/agent/engine/temporal adapter: a turn that suspends at an
// interrupt (spec §4.10) is modeled as a workflow awaiting a signal rather
// than a goroutine blocked on a channel, so a turn survives a process
// restart between suspend and resume. This is additive: the default
// execution path is internal/manager's in-process Manager; a deployment
// opts into this backend via serverconfig, trading the in-memory
// checkpoint's simplicity for Temporal's durable history.
package durable

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/brightfunnel/reachctl/internal/graph"
	"github.com/brightfunnel/reachctl/internal/state"
)

// TaskQueue is the Temporal task queue this module's worker polls.
const TaskQueue = "reachctl-turns"

// SignalResume is the signal name a client sends to resume a suspended turn
// with the operator's answer (spec §4.10's resume protocol), matching the
// teacher's pattern of naming one signal channel per external event kind.
const SignalResume = "reachctl.resume"

// TurnInput starts or resumes one graph turn.
type TurnInput struct {
	State  *state.State
	Answer string // non-empty only when resuming an already-suspended turn
}

// TurnResult is a workflow's durable return value: Temporal activities must
// hand state back explicitly (not via shared pointer mutation, since an
// activity may execute in a different process than the workflow).
type TurnResult struct {
	Outcome graph.Outcome
	State   *state.State
}

// Activity names, registered and referenced explicitly (rather than by
// function value) so the workflow's ExecuteActivity calls resolve
// identically whether compiled against a bound method value or looked up by
// name in a worker built elsewhere.
const (
	ActivityRunTurn    = "RunTurn"
	ActivityResumeTurn = "ResumeTurn"
)

// Activities wraps the Orchestration Graph so its Run/Resume methods can be
// registered as Temporal activities.
type Activities struct {
	Graph *graph.Graph
}

// RunTurn activity executes graph.Graph.Run and returns the resulting
// outcome plus the (possibly mutated) state.
func (a *Activities) RunTurn(ctx context.Context, st *state.State) (TurnResult, error) {
	outcome, err := a.Graph.Run(ctx, st)
	return TurnResult{Outcome: outcome, State: st}, err
}

// ResumeTurn activity executes graph.Graph.Resume with the operator's
// answer and returns the resulting outcome plus state.
func (a *Activities) ResumeTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	outcome, err := a.Graph.Resume(ctx, in.State, in.Answer)
	return TurnResult{Outcome: outcome, State: in.State}, err
}

// TurnWorkflow drives one connection's sequence of turns. Each inbound
// TurnInput either starts a fresh Run (when the workflow is not currently
// suspended) or, if the prior activity suspended at an interrupt, blocks on
// SignalResume until the client answers — mirroring the teacher's
// temporalWorkflowContext.Await/GetSignalChannel pattern for suspend/resume
// instead of an in-process goroutine + channel.
func TurnWorkflow(ctx workflow.Context, initial TurnInput) (TurnResult, error) {
	ao := workflow.ActivityOptions{StartToCloseTimeout: 2 * time.Minute}
	actx := workflow.WithActivityOptions(ctx, ao)

	var result TurnResult
	if err := workflow.ExecuteActivity(actx, ActivityRunTurn, initial.State).Get(actx, &result); err != nil {
		return result, err
	}

	for result.Outcome.Suspended {
		sig := workflow.GetSignalChannel(ctx, SignalResume)
		var answer string
		sig.Receive(ctx, &answer)

		resumeIn := TurnInput{State: result.State, Answer: answer}
		if err := workflow.ExecuteActivity(actx, ActivityResumeTurn, resumeIn).Get(actx, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Worker wraps a Temporal client/worker pair dedicated to TaskQueue,
// registering TurnWorkflow and the Graph-backed activities.
type Worker struct {
	Client client.Client
	worker worker.Worker
}

// NewWorker dials Temporal at hostPort and registers the durable turn
// workflow and its activities against g.
func NewWorker(hostPort, namespace string, g *graph.Graph) (*Worker, error) {
	cli, err := client.Dial(client.Options{HostPort: hostPort, Namespace: namespace})
	if err != nil {
		return nil, fmt.Errorf("durable: dial temporal: %w", err)
	}
	w := worker.New(cli, TaskQueue, worker.Options{})
	acts := &Activities{Graph: g}
	w.RegisterWorkflow(TurnWorkflow)
	w.RegisterActivityWithOptions(acts.RunTurn, activity.RegisterOptions{Name: ActivityRunTurn})
	w.RegisterActivityWithOptions(acts.ResumeTurn, activity.RegisterOptions{Name: ActivityResumeTurn})
	return &Worker{Client: cli, worker: w}, nil
}

// Start begins polling TaskQueue in the background.
func (w *Worker) Start() error {
	return w.worker.Start()
}

// Close stops the worker and the underlying client connection.
func (w *Worker) Close() {
	w.worker.Stop()
	w.Client.Close()
}

// StartTurn starts a new TurnWorkflow execution for workflowID (typically
// the session's thread id) with the connection's initial Session State.
func (w *Worker) StartTurn(ctx context.Context, workflowID string, st *state.State) (client.WorkflowRun, error) {
	opts := client.StartWorkflowOptions{ID: workflowID, TaskQueue: TaskQueue}
	return w.Client.ExecuteWorkflow(ctx, opts, TurnWorkflow, TurnInput{State: st})
}

// Resume signals a suspended workflow execution with the operator's answer
// (spec §4.10), matching the teacher's client.SignalWorkflow call site.
func (w *Worker) Resume(ctx context.Context, workflowID, runID, answer string) error {
	return w.Client.SignalWorkflow(ctx, workflowID, runID, SignalResume, answer)
}
