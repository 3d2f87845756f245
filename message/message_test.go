package message

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := NewRequest("analyze_error", map[string]any{"file": "main.go", "line": float64(12)}, "orchestrator", "code_agent")

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var got Request
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, req.Method, got.Method)
	assert.Equal(t, req.Params, got.Params)
	assert.Equal(t, req.Source, got.Source)
	assert.Equal(t, req.Target, got.Target)
	assert.True(t, req.Timestamp.Equal(got.Timestamp), "timestamp %v != %v", req.Timestamp, got.Timestamp)
}

func TestTimestampIsISO8601OnWire(t *testing.T) {
	req := NewRequest("ping", nil, "a", "b")
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	ts, ok := raw["timestamp"].(string)
	require.True(t, ok, "timestamp should be a string")
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`, ts)
}

func TestNewRequestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRequest("ping", nil, "a", "b").ID
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestCloneReassignsIDAndTarget(t *testing.T) {
	req := NewRequest("analyze_error", map[string]any{"k": "v"}, "orchestrator", "")
	c := req.Clone("log_agent")

	assert.NotEqual(t, req.ID, c.ID)
	assert.Equal(t, "log_agent", c.Target)
	assert.Equal(t, "", req.Target)
	assert.Equal(t, req.Method, c.Method)
}

func TestResponseBuilders(t *testing.T) {
	req := NewRequest("ping", nil, "orchestrator", "log_agent")

	ok := NewResult(req, map[string]any{"status": "ok"})
	assert.Equal(t, req.ID, ok.RequestID)
	assert.Equal(t, "log_agent", ok.Source)
	assert.Equal(t, "orchestrator", ok.Target)
	assert.NoError(t, ok.Validate())
	assert.True(t, ok.OK())

	failed := NewError(req, CodeMethodNotFound, "no such method")
	assert.Equal(t, req.ID, failed.RequestID)
	assert.NoError(t, failed.Validate())
	assert.False(t, failed.OK())
	assert.Equal(t, CodeMethodNotFound, failed.Error.Code)

	empty := NewResult(req, nil)
	assert.NotNil(t, empty.Result)
	assert.NoError(t, empty.Validate())
}

func TestResponseValidate(t *testing.T) {
	both := &Response{RequestID: "x", Result: map[string]any{}, Error: &Error{Code: CodeHandlerError}}
	assert.Error(t, both.Validate())

	neither := &Response{RequestID: "x"}
	assert.Error(t, neither.Validate())

	noID := &Response{Result: map[string]any{}}
	assert.Error(t, noID.Validate())
}

func TestErrorIsAnError(t *testing.T) {
	var err error = Errorf(CodeHandlerTimeout, "took %dms", 50)

	var wire *Error
	require.True(t, errors.As(err, &wire))
	assert.Equal(t, CodeHandlerTimeout, wire.Code)
	assert.Equal(t, "handler_timeout: took 50ms", err.Error())
}

func TestEmptyResultStaysOnWire(t *testing.T) {
	req := NewRequest("noop", nil, "orchestrator", "code_agent")
	data, err := json.Marshal(NewResult(req, nil))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, map[string]any{}, raw["result"])

	var got Response
	require.NoError(t, json.Unmarshal(data, &got))
	assert.NotNil(t, got.Result)
	assert.NoError(t, got.Validate())
	assert.True(t, got.OK())
}
