// Package api exposes the engine over HTTP.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/config"
	"github.com/sells-group/signal-engine/internal/engine"
	"github.com/sells-group/signal-engine/internal/model"
)

// maxBodyBytes caps request bodies, including raw sync payloads.
const maxBodyBytes = 4 << 20

// Server routes HTTP requests to an Engine.
type Server struct {
	eng    *engine.Engine
	router chi.Router
}

// New builds the router. An empty AllowedOrigins list disables CORS.
func New(eng *engine.Engine, cfg config.ServerConfig) *Server {
	s := &Server{eng: eng, router: chi.NewRouter()}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger)
	if len(cfg.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/entities", s.handleListEntities)
		r.Put("/entities/{type}/{id}", s.handleUpsertEntity)
		r.Get("/entities/{type}/{id}", s.handleGetEntity)
		r.Get("/entities/{type}/{id}/scores/{signalType}", s.handleFusedScore)

		r.Post("/signals", s.handleRecordSignal)
		r.Get("/signals/{id}", s.handleGetSignal)
		r.Get("/signals/{id}/derivations", s.handleDerivations)
		r.Post("/signals/{id}/reject", s.handleRejectSignal)
		r.Post("/derivations", s.handleAddDerivation)
		r.Get("/weights", s.handleWeights)

		r.Post("/resolve", s.handleResolve)
		r.Get("/assignments/{recordID}", s.handleGetAssignment)
		r.Get("/assignments/{recordID}/corrections", s.handleCorrectionHistory)
		r.Post("/corrections", s.handleCorrection)
		r.Post("/patterns/reinforce", s.handleReinforce)

		r.Get("/detectors", s.handleDetectors)
		r.Post("/detectors/run", s.handleRunDetectors)
		r.Get("/callouts", s.handleListCallouts)
		r.Post("/callouts/{id}/surface", s.handleSurfaceCallout)
		r.Post("/callouts/{id}/dismiss", s.handleDismissCallout)
		r.Get("/feedback/relevance", s.handleRelevanceHistory)

		r.Route("/syncs", func(r chi.Router) {
			r.Get("/", s.handleListSyncs)
			r.Post("/", s.handleEnqueueSync)
			r.Post("/poll", s.handlePollSyncs)
			r.Post("/run", s.handleRunSyncs)
			r.Post("/requeue", s.handleRequeueSyncs)
			r.Get("/warnings", s.handleSyncWarnings)
			r.Get("/breakers", s.handleBreakers)
			r.Get("/{id}", s.handleGetSync)
			r.Post("/{id}/complete", s.handleCompleteSync)
			r.Post("/{id}/fail", s.handleFailSync)
		})

		r.Post("/ingest/events", s.handleIngestEvent)
		r.Post("/ingest/emails", s.handleIngestEmail)
		r.Post("/ingest/enrichments", s.handleIngestEnrichment)
	})
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine errors to status codes: validation 400,
// not found 404, contention and terminal sync rows 409, anything else 500.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	if ve, ok := model.IsValidation(err); ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": ve.Message,
			"code":  ve.Code,
			"field": ve.Field,
		})
		return
	}
	switch {
	case eris.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case eris.Is(err, model.ErrContention):
		writeError(w, http.StatusConflict, "write contention, retry the request")
	case eris.Is(err, model.ErrSyncTerminal):
		writeError(w, http.StatusConflict, "sync row is already completed or failed")
	default:
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads the body into v and writes a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// readBody returns the raw body; an empty body is nil.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return nil, false
	}
	if len(body) == 0 {
		return nil, true
	}
	return body, true
}

// parseLimit extracts the limit query param; zero means the server default.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func signalIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid signal ID")
		return 0, false
	}
	return id, true
}

func entityParam(w http.ResponseWriter, r *http.Request) (model.EntityRef, bool) {
	ref, err := model.NewEntityRef(chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return model.EntityRef{}, false
	}
	return ref, true
}
