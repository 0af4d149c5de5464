package transport_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightfunnel/reachctl/internal/transport"
)

func TestExtractRowsFromRecordsKey(t *testing.T) {
	a := transport.NewAdapter(nil)
	resp := transport.CallResponse{Content: []transport.ContentPart{
		{Type: "text", Text: `{"records":[{"Id":"003A","Name":"Ann"}]}`},
	}}

	rows := a.ExtractRows(resp)

	require.Len(t, rows, 1)
	assert.Equal(t, "003A", rows[0].ID())
}

func TestExtractRowsFromNestedResultRecords(t *testing.T) {
	a := transport.NewAdapter(nil)
	resp := transport.CallResponse{Content: []transport.ContentPart{
		{Type: "text", Text: `{"result":{"records":[{"Id":"003B"}]}}`},
	}}

	rows := a.ExtractRows(resp)

	require.Len(t, rows, 1)
	assert.Equal(t, "003B", rows[0].ID())
}

func TestExtractRowsFromBareJSONList(t *testing.T) {
	a := transport.NewAdapter(nil)
	resp := transport.CallResponse{Content: []transport.ContentPart{
		{Type: "text", Text: `[{"Id":"003C"},{"Id":"003D"}]`},
	}}

	rows := a.ExtractRows(resp)

	assert.Len(t, rows, 2)
}

func TestExtractRowsSingleRecordNormalizesID(t *testing.T) {
	a := transport.NewAdapter(nil)
	resp := transport.CallResponse{Content: []transport.ContentPart{
		{Type: "text", Text: `{"id":"701XYZ","Name":"Winter 2035"}`},
	}}

	rows := a.ExtractRows(resp)

	require.Len(t, rows, 1)
	assert.Equal(t, "701XYZ", rows[0].ID())
	assert.Equal(t, "Winter 2035", rows[0]["Name"])
}

func TestExtractRowsFromStructuredContent(t *testing.T) {
	a := transport.NewAdapter(nil)
	structured, _ := json.Marshal(map[string]any{"data": []any{map[string]any{"Id": "a1"}}})
	resp := transport.CallResponse{Structured: structured}

	rows := a.ExtractRows(resp)

	require.Len(t, rows, 1)
	assert.Equal(t, "a1", rows[0].ID())
}

func TestIsErrorResponseHonorsExplicitFlag(t *testing.T) {
	a := transport.NewAdapter(nil)
	assert.True(t, a.IsErrorResponse(transport.CallResponse{IsError: true}))
}

func TestIsErrorResponseDetectsStatusErrorInText(t *testing.T) {
	a := transport.NewAdapter(nil)
	resp := transport.CallResponse{Content: []transport.ContentPart{
		{Type: "text", Text: `{"status":"error","message":"not found"}`},
	}}
	assert.True(t, a.IsErrorResponse(resp))
}

func TestIsErrorResponseFalseForOrdinaryPayload(t *testing.T) {
	a := transport.NewAdapter(nil)
	resp := transport.CallResponse{Content: []transport.ContentPart{
		{Type: "text", Text: `{"records":[]}`},
	}}
	assert.False(t, a.IsErrorResponse(resp))
}

type fakeCaller struct {
	calls     int
	responses []transport.CallResponse
	errs      []error
}

func (f *fakeCaller) CallTool(_ context.Context, _ transport.CallRequest) (transport.CallResponse, error) {
	i := f.calls
	f.calls++
	return f.responses[i], f.errs[i]
}

func TestCallSafeWithRetryRetriesOnceOnError(t *testing.T) {
	a := transport.NewAdapter(nil)
	fc := &fakeCaller{
		responses: []transport.CallResponse{
			{IsError: true, Content: []transport.ContentPart{{Text: "bad args"}}},
			{Content: []transport.ContentPart{{Text: `{"records":[]}`}}},
		},
		errs: []error{nil, nil},
	}

	resp, err := a.CallSafeWithRetry(context.Background(), fc, transport.CallRequest{Tool: "query_contacts"}, "")

	require.NoError(t, err)
	assert.False(t, resp.IsError)
	assert.Equal(t, 2, fc.calls)
}

func TestCallSafeWithRetrySucceedsWithoutRetry(t *testing.T) {
	a := transport.NewAdapter(nil)
	fc := &fakeCaller{
		responses: []transport.CallResponse{
			{Content: []transport.ContentPart{{Text: `{"records":[]}`}}},
		},
		errs: []error{nil},
	}

	_, err := a.CallSafeWithRetry(context.Background(), fc, transport.CallRequest{Tool: "query_contacts"}, "")

	require.NoError(t, err)
	assert.Equal(t, 1, fc.calls)
}
