// Package transport implements the Tool Transport Adapter (C7): one
// subprocess per configured service, speaking line-oriented JSON-RPC over
// its standard streams, grounded on the teacher's runtime/mcp.Caller
// contract (CallRequest/CallResponse, JSON-RPC error codes) and its
// retry/repair-prompt helper (runtime/mcp/retry).
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/telemetry"
	"github.com/brightfunnel/reachctl/internal/toolerrors"
)

// JSON-RPC canonical error codes, per the teacher's runtime/mcp package.
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Descriptor is the cached {name, description, schema} tuple for one tool,
// pre-loaded at process start (spec §4.7 "Startup pre-load").
type Descriptor struct {
	Name        string
	Description string
	Schema      map[string]any
}

// CallRequest is one tool invocation issued against a service's subprocess.
type CallRequest struct {
	Tool      string
	Arguments map[string]any
}

// ContentPart is one unit of a tool result's content, mirroring the
// text-part / structured-content split spec §4.7 describes.
type ContentPart struct {
	Type string
	Text string
}

// CallResponse is the raw tool result returned by a subprocess call, before
// row normalization.
type CallResponse struct {
	Content    []ContentPart
	Structured json.RawMessage
	IsError    bool
}

// rpcRequest and rpcResponse model the line-oriented JSON-RPC envelope
// spoken to each subprocess.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// ProcessCaller speaks JSON-RPC to one subprocess over stdin/stdout. A
// caller is short-lived by design (spec §4.7 "Per-call session"): open,
// invoke, close.
type ProcessCaller struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	nextID atomic.Int64
	mu     sync.Mutex
}

// StartProcessCaller launches argv[0] with argv[1:] and returns a caller
// ready to speak JSON-RPC over its stdio.
func StartProcessCaller(ctx context.Context, argv []string) (*ProcessCaller, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("transport: empty executionEndpoint")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: start %v: %w", argv, err)
	}
	return &ProcessCaller{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}, nil
}

// Close terminates the subprocess, closing its stdio pipes first.
func (c *ProcessCaller) Close() error {
	c.stdin.Close()
	return c.cmd.Wait()
}

// ListTools invokes the "tools/list" method and returns the service's
// tool descriptors.
func (c *ProcessCaller) ListTools(ctx context.Context) ([]Descriptor, error) {
	var result struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		out = append(out, Descriptor{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}
	return out, nil
}

// CallTool invokes "tools/call" for the given request.
func (c *ProcessCaller) CallTool(ctx context.Context, req CallRequest) (CallResponse, error) {
	params := map[string]any{"name": req.Tool, "arguments": req.Arguments}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StructuredContent json.RawMessage `json:"structuredContent"`
		IsError           bool            `json:"isError"`
	}
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return CallResponse{}, err
	}
	parts := make([]ContentPart, 0, len(result.Content))
	for _, p := range result.Content {
		parts = append(parts, ContentPart{Type: p.Type, Text: p.Text})
	}
	return CallResponse{Content: parts, Structured: result.StructuredContent, IsError: result.IsError}, nil
}

func (c *ProcessCaller) call(ctx context.Context, method string, params any, out any) error {
	id := c.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	c.mu.Lock()
	defer c.mu.Unlock()

	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}
	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("transport: write request: %w", err)
	}

	for {
		raw, err := c.stdout.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("transport: read response: %w", err)
		}
		var resp rpcResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		if resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("transport: decode result: %w", err)
			}
		}
		return nil
	}
}

// RPCError is a JSON-RPC error returned by a service subprocess.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Adapter wraps a Logger and Caller to provide row extraction, error
// detection, and the read-once retry policy described in spec §4.7 and §7.
type Adapter struct {
	logger telemetry.Logger
}

// NewAdapter returns an Adapter that logs via logger.
func NewAdapter(logger telemetry.Logger) *Adapter {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Adapter{logger: logger}
}

// IsErrorResponse implements spec §4.7 "Error detection": honors an
// explicit error flag, and additionally treats a text part that parses as
// JSON with status=="error" as an error even when the flag is false.
func (a *Adapter) IsErrorResponse(resp CallResponse) bool {
	if resp.IsError {
		return true
	}
	for _, part := range resp.Content {
		var probe struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal([]byte(part.Text), &probe); err == nil && probe.Status == "error" {
			return true
		}
	}
	return false
}

// ExtractRows implements spec §4.7 "Result normalization": a tool result
// may carry a typed structured-content field or one or more text parts. Row
// extraction tries, in order, the text parts then the structured content,
// returning nil when nothing matches.
func (a *Adapter) ExtractRows(resp CallResponse) []state.Record {
	for _, part := range resp.Content {
		if rows, ok := extractFromJSONText(part.Text); ok {
			return rows
		}
	}
	if len(resp.Structured) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(resp.Structured, &obj); err == nil {
			if rows, ok := rowsFromObjectKeys(obj); ok {
				return rows
			}
		}
	}
	return nil
}

func extractFromJSONText(text string) ([]state.Record, bool) {
	trimmed := text
	var list []any
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
		return toRecords(list), true
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, false
	}
	if rows, ok := rowsFromObjectKeys(obj); ok {
		return rows, true
	}
	if id, ok := obj["id"]; ok {
		if _, hasRecords := obj["records"]; !hasRecords {
			rec := state.Record{}
			for k, v := range obj {
				rec[k] = v
			}
			rec["Id"] = id
			return []state.Record{rec}, true
		}
	}
	return nil, false
}

// rowsFromObjectKeys tries the documented key set, in order:
// records, result.records, result (as list), data (as list), rows (as list).
func rowsFromObjectKeys(obj map[string]any) ([]state.Record, bool) {
	if records, ok := obj["records"].([]any); ok {
		return toRecords(records), true
	}
	if result, ok := obj["result"].(map[string]any); ok {
		if records, ok := result["records"].([]any); ok {
			return toRecords(records), true
		}
	}
	if result, ok := obj["result"].([]any); ok {
		return toRecords(result), true
	}
	if data, ok := obj["data"].([]any); ok {
		return toRecords(data), true
	}
	if rows, ok := obj["rows"].([]any); ok {
		return toRecords(rows), true
	}
	return nil, false
}

func toRecords(list []any) []state.Record {
	out := make([]state.Record, 0, len(list))
	for _, elem := range list {
		m, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		rec := state.Record{}
		for k, v := range m {
			rec[k] = v
		}
		out = append(out, rec)
	}
	return out
}

// CallSafeWithRetry executes a read-only tool call, retrying exactly once
// with a repair prompt appended to context when the first attempt errors,
// per spec §7 ("read operations may be retried at most once") and the
// teacher's runtime/mcp/retry pattern.
func (a *Adapter) CallSafeWithRetry(ctx context.Context, caller Caller, req CallRequest, schema string) (CallResponse, error) {
	resp, err := caller.CallTool(ctx, req)
	if err == nil && !a.IsErrorResponse(resp) {
		return resp, nil
	}

	msg := errMessage(err, resp)
	prompt := toolerrors.BuildRepairPrompt(req.Tool, msg, schema)
	a.logger.Warn(ctx, "transport: retrying safe tool call once with repair prompt", "tool", req.Tool, "error", msg)

	retryReq := req
	retryReq.Arguments = cloneArgs(req.Arguments)
	retryReq.Arguments["_repair_prompt"] = prompt
	return caller.CallTool(ctx, retryReq)
}

func errMessage(err error, resp CallResponse) string {
	if err != nil {
		return err.Error()
	}
	for _, part := range resp.Content {
		if part.Text != "" {
			return part.Text
		}
	}
	return "tool reported an error"
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	return out
}

// Caller is implemented by ProcessCaller; named separately so tests can
// substitute a fake.
type Caller interface {
	CallTool(ctx context.Context, req CallRequest) (CallResponse, error)
}
