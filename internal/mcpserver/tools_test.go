package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/engine"
	"github.com/sells-group/signal-engine/internal/model"
)

// --- Helpers ---

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Store:  config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "mcp.db")},
		Fusion: config.FusionConfig{Epsilon: 1e-6, SmoothingK: 5, WeightScale: 2, PriorWeight: 1, DecayMode: "confidence"},
		Resolution: config.ResolutionConfig{
			Threshold:            0.75,
			ExplicitMargin:       0.15,
			ExplicitConfidence:   0.9,
			TieEpsilon:           0.01,
			InternalDomains:      []string{"ourco.com"},
			DomainConfidence:     0.95,
			KeywordHitConfidence: 0.5,
			KeywordCap:           0.9,
		},
		Patterns: config.PatternConfig{SmoothingK: 3, GraceHours: 72, BatchSize: 50},
		Insights: config.InsightConfig{BatchSize: 100, Concurrency: 2},
		Sync:     config.SyncConfig{MaxAttempts: 3, InitialBackoffSecs: 30, MaxBackoffSecs: 3600, Multiplier: 2, LeaseSecs: 600},
	}
	ctx := context.Background()
	eng, err := engine.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() }) //nolint:errcheck
	require.NoError(t, eng.Migrate(ctx))
	require.NoError(t, eng.UpsertEntity(ctx, model.Entity{EntityRef: model.Account("acme"), Name: "Acme", Domains: []string{"acme.com"}}))
	require.NoError(t, eng.UpsertEntity(ctx, model.Entity{EntityRef: model.Account("globex"), Name: "Globex", Domains: []string{"globex.com"}}))
	return NewServer(eng)
}

func call(t *testing.T, s *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	for _, tool := range s.Tools() {
		if tool.Tool.Name == name {
			res, err := tool.Handler(context.Background(), mcp.CallToolRequest{
				Params: mcp.CallToolParams{Name: name, Arguments: args},
			})
			require.NoError(t, err)
			require.NotNil(t, res)
			return res
		}
	}
	t.Fatalf("tool %q not registered", name)
	return nil
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "result content is %T, not TextContent", result.Content[0])
	return tc.Text
}

// --- Tests ---

func TestTools_Registered(t *testing.T) {
	s := newTestServer(t)
	names := make(map[string]bool)
	for _, tool := range s.Tools() {
		assert.False(t, names[tool.Tool.Name], "duplicate tool %s", tool.Tool.Name)
		names[tool.Tool.Name] = true
	}
	for _, want := range []string{"record_signal", "fused_score", "resolve_record", "correct_assignment", "list_callouts", "surface_callout", "dismiss_callout", "run_detectors", "enqueue_sync", "sync_warnings"} {
		assert.True(t, names[want], want)
	}
}

func TestRecordSignalAndFusedScore(t *testing.T) {
	s := newTestServer(t)

	res := call(t, s, "record_signal", map[string]any{
		"entity": "account:acme", "signal_type": "renewal", "source": "crm",
		"value": "2026-06-01", "confidence": 0.9, "half_life_days": 30.0, "natural_key": "crm:r1",
	})
	require.False(t, res.IsError, resultText(t, res))
	var rec recordSignalResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &rec))
	assert.True(t, rec.Inserted)

	res = call(t, s, "record_signal", map[string]any{
		"entity": "account:acme", "signal_type": "renewal", "source": "crm", "confidence": 0.9, "natural_key": "crm:r1",
	})
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &rec))
	assert.False(t, rec.Inserted)

	res = call(t, s, "fused_score", map[string]any{"entity": "account:acme", "signal_type": "renewal"})
	require.False(t, res.IsError, resultText(t, res))
	var score struct {
		Probability float64 `json:"probability"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &score))
	assert.Greater(t, score.Probability, 0.5)

	res = call(t, s, "record_signal", map[string]any{"entity": "acme", "signal_type": "renewal", "source": "crm", "confidence": 0.5})
	assert.True(t, res.IsError)

	res = call(t, s, "record_signal", map[string]any{"entity": "account:ghost", "signal_type": "renewal", "source": "crm", "confidence": 0.5})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), string(model.CodeUnknownEntity))
}

func TestResolveAndCorrect(t *testing.T) {
	s := newTestServer(t)

	res := call(t, s, "resolve_record", map[string]any{
		"id": "meeting:5", "title": "Sync", "participants": []any{"me@ourco.com", "bob@acme.com"},
	})
	require.False(t, res.IsError, resultText(t, res))
	var r model.Resolution
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &r))
	assert.Equal(t, model.Account("acme"), r.Entity)

	res = call(t, s, "correct_assignment", map[string]any{"record_id": "meeting:5", "new_entity": "account:globex"})
	require.False(t, res.IsError, resultText(t, res))
	var plan model.CorrectionPlan
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &plan))
	assert.Equal(t, model.Account("globex"), plan.Assignment.Entity)
	assert.True(t, plan.Assignment.Explicit)

	res = call(t, s, "correct_assignment", map[string]any{"record_id": "meeting:5"})
	assert.True(t, res.IsError)

	res = call(t, s, "resolve_record", map[string]any{})
	assert.True(t, res.IsError)
}

func TestCallouts(t *testing.T) {
	s := newTestServer(t)

	res := call(t, s, "run_detectors", nil)
	require.False(t, res.IsError, resultText(t, res))

	res = call(t, s, "list_callouts", map[string]any{"min_severity": "warning"})
	require.False(t, res.IsError, resultText(t, res))
	assert.Equal(t, "[]", resultText(t, res))

	res = call(t, s, "list_callouts", map[string]any{"surface": true})
	require.False(t, res.IsError, resultText(t, res))

	res = call(t, s, "list_callouts", map[string]any{"entity": "nope"})
	assert.True(t, res.IsError)

	res = call(t, s, "surface_callout", map[string]any{"callout_id": "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not found")

	res = call(t, s, "dismiss_callout", map[string]any{})
	assert.True(t, res.IsError)
}

func TestSyncTools(t *testing.T) {
	s := newTestServer(t)

	res := call(t, s, "enqueue_sync", map[string]any{"target_id": "account:acme", "source": "crm"})
	require.False(t, res.IsError, resultText(t, res))
	var out enqueueSyncResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.True(t, out.Created)
	assert.Equal(t, model.SyncPending, out.Sync.State)

	res = call(t, s, "sync_warnings", nil)
	require.False(t, res.IsError, resultText(t, res))
	assert.Equal(t, "[]", resultText(t, res))
}
