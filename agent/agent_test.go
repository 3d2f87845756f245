package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"peerlink/client"
	"peerlink/coordinator"
	"peerlink/message"
	"peerlink/registry"
	"peerlink/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startAgent(t *testing.T, opts Options) *Agent {
	t.Helper()
	opts.Host = "127.0.0.1"
	a, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		a.Stop(ctx)
	})
	return a
}

func analysisAgent(t *testing.T, name, role string, reg registry.Registry, rules ...Rule) *Agent {
	t.Helper()
	a := startAgent(t, Options{Name: name, Role: role, Registry: reg, Advertise: true})
	ra, err := NewRuleAnalyzer(rules)
	require.NoError(t, err)
	_, err = a.Server().RegisterService(ra)
	require.NoError(t, err)
	return a
}

func TestPingEchoesRequestID(t *testing.T) {
	a := startAgent(t, Options{Name: "log_agent", Role: registry.RoleLogAnalysis})

	cl := client.New("tester", client.Options{MaxRetries: 1})
	defer cl.CloseAll()
	require.True(t, cl.ConnectToPeer(context.Background(), "log_agent", a.Addr()))

	req := message.NewRequest(client.MethodPing, nil, "tester", "log_agent")
	resp, err := cl.SendRequest(context.Background(), "log_agent", req)
	require.NoError(t, err)
	require.True(t, resp.OK())
	assert.Equal(t, req.ID, resp.RequestID)
	assert.Equal(t, "ok", resp.Result["status"])
	assert.Equal(t, "log_agent", resp.Result["agent"])
	assert.Equal(t, true, resp.Result["running"])

	ts, _ := resp.Result["timestamp"].(string)
	_, err = time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestCoordinatorEndToEnd(t *testing.T) {
	reg := registry.NewStaticRegistry()
	analysisAgent(t, "code_agent", registry.RoleCodeAnalysis, reg, Rule{
		Category:    "name_error",
		Pattern:     `name '\w+' is not defined`,
		Title:       "Define the missing variable",
		Description: "Assign the name before it is used",
		Payload:     "value = None  # assign before use",
		Confidence:  0.6,
	})
	analysisAgent(t, "log_agent", registry.RoleLogAnalysis, reg,
		Rule{Category: "name_error", Title: "Check for typos", Description: "Compare with nearby identifiers", Confidence: 0.5},
		Rule{Category: "import_error", Title: "Install package", Confidence: 0.9},
	)

	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	st, err := store.NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	defer st.Close()

	orch := startAgent(t, Options{
		Name:           "orchestrator",
		Role:           registry.RoleCoordinator,
		Registry:       reg,
		Advertise:      true,
		Coordinator:    &coordinator.Options{Store: st},
		HealthInterval: time.Hour,
		Client:         client.Options{MaxRetries: 1, RequestTimeout: time.Second},
	})
	require.NotNil(t, orch.Coordinator())
	assert.ElementsMatch(t, []string{"code_agent", "log_agent"}, orch.Client().HealthyPeers())

	results, err := orch.Coordinator().Submit(context.Background(), store.Work{
		Category: "name_error",
		Message:  "NameError: name 'value' is not defined",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	// 0.6*1.2 + 0.1 (keyword "variable") + 0.05 (payload) = 0.87
	assert.Equal(t, "code_agent", results[0].Source)
	assert.InDelta(t, 0.87, results[0].Score, 1e-9)
	assert.Equal(t, "log_agent", results[1].Source)

	sessions, err := st.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Len(t, sessions[0].Outcomes, 2)

	assert.Eventually(t, func() bool { return len(orch.Health()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopIsSafe(t *testing.T) {
	a, err := New(Options{Name: "x", Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	assert.Error(t, a.Start(context.Background()))
	assert.NoError(t, a.Stop(context.Background()))
	assert.NoError(t, a.Stop(context.Background()))
	assert.False(t, a.Running())

	_, err = New(Options{})
	assert.Error(t, err)
}

func TestGetCodeContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.py")
	src := "import os\n\ndef main():\n    print(total)\n\nmain()\n"
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	ra, err := NewRuleAnalyzer(nil)
	require.NoError(t, err)

	req := message.NewRequest("get_code_context", map[string]any{"file_path": path, "line": float64(4), "context_lines": float64(1)}, "o", "code_agent")
	got, err := ra.GetCodeContext(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, got["first_line"])
	assert.Equal(t, "def main():\n    print(total)\n", got["surrounding_code"])

	_, err = ra.GetCodeContext(context.Background(), message.NewRequest("get_code_context", nil, "o", "c"))
	var wire *message.Error
	require.ErrorAs(t, err, &wire)
	assert.Equal(t, message.CodeInvalidParams, wire.Code)
}

func TestRuleAnalyzer(t *testing.T) {
	ra, err := NewRuleAnalyzer([]Rule{
		{Category: "key_error", Pattern: "KeyError: '(\\w+)'", Title: "Use dict.get", Confidence: 0.7},
		{Category: "KEY_ERROR", Title: "Check the key exists", Confidence: 0.4},
		{Category: "index_error", Title: "other"},
	})
	require.NoError(t, err)

	got := ra.Match(store.Work{Category: "key_error", Message: "keyerror: 'user'"})
	require.Len(t, got, 2)
	assert.Equal(t, "Use dict.get", got[0].Title)

	got = ra.Match(store.Work{Category: "key_error", Message: "something else"})
	require.Len(t, got, 1)
	assert.Equal(t, "Check the key exists", got[0].Title)

	_, err = NewRuleAnalyzer([]Rule{{Category: "x", Pattern: "("}})
	assert.Error(t, err)
}
