package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/engine"
	"github.com/sells-group/signal-engine/internal/model"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Store:  config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "api.db")},
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
		Sync:     config.SyncConfig{MaxAttempts: 3, InitialBackoffSecs: 30, MaxBackoffSecs: 3600, Multiplier: 2, LeaseSecs: 600, PollLimit: 10, Concurrency: 2, RatePerSec: 50},
	}
	ctx := context.Background()
	eng, err := engine.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() }) //nolint:errcheck
	require.NoError(t, eng.Migrate(ctx))
	return New(eng, config.ServerConfig{AllowedOrigins: []string{"https://app.example.com"}})
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v), w.Body.String())
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/health", "/api/v1/health"} {
		w := do(t, s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	}
}

func TestEntities(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPut, "/api/v1/entities/account/acme", `{"name":"Acme Corp","domains":["acme.com"],"keywords":["acme"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ent model.Entity
	decode(t, w, &ent)
	assert.Equal(t, model.Account("acme"), ent.EntityRef)
	assert.Equal(t, []string{"acme.com"}, ent.Domains)

	w = do(t, s, http.MethodGet, "/api/v1/entities/account/acme", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/entities/account/nobody", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/entities/planet/mars", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]any
	decode(t, w, &body)
	assert.Equal(t, string(model.CodeInvalidEntityType), body["code"])

	w = do(t, s, http.MethodGet, "/api/v1/entities?type=account", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Entities []model.Entity `json:"entities"`
	}
	decode(t, w, &list)
	assert.Len(t, list.Entities, 1)
}

func TestSignals(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/api/v1/entities/account/acme", `{"name":"Acme"}`).Code)

	sig := `{"entity":{"entity_type":"account","entity_id":"acme"},"signal_type":"sentiment","source":"crm","value":"-0.4","confidence":0.8,"half_life_days":30,"natural_key":"crm:1"}`
	w := do(t, s, http.MethodPost, "/api/v1/signals", sig)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Signal   model.Signal `json:"signal"`
		Inserted bool         `json:"inserted"`
	}
	decode(t, w, &created)
	assert.True(t, created.Inserted)

	w = do(t, s, http.MethodPost, "/api/v1/signals", sig)
	assert.Equal(t, http.StatusOK, w.Code, "a repeated natural key is not a new signal")

	w = do(t, s, http.MethodGet, "/api/v1/signals/"+strconv.FormatInt(created.Signal.ID, 10), "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/signals/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/entities/account/acme/scores/sentiment", "")
	require.Equal(t, http.StatusOK, w.Code)
	var score struct {
		Probability float64 `json:"probability"`
	}
	decode(t, w, &score)
	assert.Greater(t, score.Probability, 0.5)

	w = do(t, s, http.MethodPost, "/api/v1/signals", `{"entity":{"entity_type":"account","entity_id":"ghost"},"signal_type":"activity","source":"crm","confidence":0.5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]any
	decode(t, w, &body)
	assert.Equal(t, string(model.CodeUnknownEntity), body["code"])

	w = do(t, s, http.MethodPost, "/api/v1/signals", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveAndCorrect(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/api/v1/entities/account/acme", `{"name":"Acme","domains":["acme.com"]}`).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/api/v1/entities/account/globex", `{"name":"Globex","domains":["globex.com"]}`).Code)

	w := do(t, s, http.MethodPost, "/api/v1/ingest/events", `{"id":"9","title":"Weekly","organizer":"me@ourco.com","attendees":["bob@acme.com"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/api/v1/assignments/meeting:9", "")
	require.Equal(t, http.StatusOK, w.Code)
	var a model.Assignment
	decode(t, w, &a)
	assert.Equal(t, model.Account("acme"), a.Entity)

	w = do(t, s, http.MethodPost, "/api/v1/corrections",
		`{"meeting_id":"meeting:9","old_entity":{"entity_type":"account","entity_id":"acme"},"new_entity":{"entity_type":"account","entity_id":"globex"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/api/v1/resolve", `{"id":"meeting:9","participants":["me@ourco.com","bob@acme.com"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res model.Resolution
	decode(t, w, &res)
	assert.Equal(t, model.Account("globex"), res.Entity)

	w = do(t, s, http.MethodGet, "/api/v1/assignments/meeting:9/corrections", "")
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Corrections []model.ResolutionFeedback `json:"corrections"`
	}
	decode(t, w, &history)
	assert.Len(t, history.Corrections, 1)

	w = do(t, s, http.MethodGet, "/api/v1/weights", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSyncs(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/api/v1/entities/account/acme", `{"name":"Acme"}`).Code)

	w := do(t, s, http.MethodPost, "/api/v1/syncs", `{"target_id":"account:acme","source":"crm"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var enq struct {
		Sync model.SyncState `json:"sync"`
	}
	decode(t, w, &enq)

	w = do(t, s, http.MethodPost, "/api/v1/syncs", `{"target_id":"account:acme","source":"crm"}`)
	assert.Equal(t, http.StatusOK, w.Code, "an active row is reused")

	w = do(t, s, http.MethodPost, "/api/v1/syncs/poll?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/syncs/"+enq.Sync.ID+"/complete", `{"keywords":["Anvils"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var done model.SyncState
	decode(t, w, &done)
	assert.Equal(t, model.SyncCompleted, done.State)

	w = do(t, s, http.MethodPost, "/api/v1/syncs/"+enq.Sync.ID+"/fail", `{"message":"late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/syncs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/syncs?target_id=account:acme", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Syncs []model.SyncState `json:"syncs"`
	}
	decode(t, w, &list)
	assert.Len(t, list.Syncs, 1)

	w = do(t, s, http.MethodGet, "/api/v1/syncs/warnings?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/entities/account/acme", "")
	var ent model.Entity
	decode(t, w, &ent)
	assert.Contains(t, ent.Keywords, "anvils")
}

func TestCallouts(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/detectors/run", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/callouts?entity=acme", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/callouts?min_severity=loud", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/callouts", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/callouts?surface=true", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/callouts/missing/surface", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORS(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/signals", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
