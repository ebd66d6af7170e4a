package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/signal-engine/internal/feedback"
	"github.com/sells-group/signal-engine/internal/ingest"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Entities ---

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := s.eng.ListEntities(r.Context(), model.EntityType(r.URL.Query().Get("type")))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) handleUpsertEntity(w http.ResponseWriter, r *http.Request) {
	ref, ok := entityParam(w, r)
	if !ok {
		return
	}
	var ent model.Entity
	if !decodeJSON(w, r, &ent) {
		return
	}
	ent.EntityRef = ref
	if err := s.eng.UpsertEntity(r.Context(), ent); err != nil {
		writeEngineError(w, r, err)
		return
	}
	stored, err := s.eng.GetEntity(r.Context(), ref)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	ref, ok := entityParam(w, r)
	if !ok {
		return
	}
	ent, err := s.eng.GetEntity(r.Context(), ref)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (s *Server) handleFusedScore(w http.ResponseWriter, r *http.Request) {
	ref, ok := entityParam(w, r)
	if !ok {
		return
	}
	score, err := s.eng.FusedScore(r.Context(), ref, chi.URLParam(r, "signalType"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// --- Signals ---

func (s *Server) handleRecordSignal(w http.ResponseWriter, r *http.Request) {
	var in model.SignalInput
	if !decodeJSON(w, r, &in) {
		return
	}
	sig, inserted, err := s.eng.RecordSignal(r.Context(), in)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	status := http.StatusOK
	if inserted {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"signal": sig, "inserted": inserted})
}

func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	id, ok := signalIDParam(w, r)
	if !ok {
		return
	}
	sig, err := s.eng.GetSignal(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleDerivations(w http.ResponseWriter, r *http.Request) {
	id, ok := signalIDParam(w, r)
	if !ok {
		return
	}
	edges, err := s.eng.Derivations(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"derivations": edges})
}

func (s *Server) handleAddDerivation(w http.ResponseWriter, r *http.Request) {
	var d model.SignalDerivation
	if !decodeJSON(w, r, &d) {
		return
	}
	if err := s.eng.AddDerivation(r.Context(), d); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func (s *Server) handleRejectSignal(w http.ResponseWriter, r *http.Request) {
	id, ok := signalIDParam(w, r)
	if !ok {
		return
	}
	var fc feedback.Context
	if r.ContentLength != 0 && !decodeJSON(w, r, &fc) {
		return
	}
	changed, err := s.eng.ApplyRejection(r.Context(), id, fc)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (s *Server) handleWeights(w http.ResponseWriter, r *http.Request) {
	weights, err := s.eng.SourceWeights(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"weights": weights})
}

// --- Resolution and feedback ---

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var rec model.Record
	if !decodeJSON(w, r, &rec) {
		return
	}
	res, err := s.eng.ResolveEntity(r.Context(), rec)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := s.eng.GetAssignment(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleCorrectionHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.eng.CorrectionHistory(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"corrections": history})
}

func (s *Server) handleCorrection(w http.ResponseWriter, r *http.Request) {
	var c feedback.Correction
	if !decodeJSON(w, r, &c) {
		return
	}
	plan, err := s.eng.ApplyCorrection(r.Context(), c)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleReinforce(w http.ResponseWriter, r *http.Request) {
	rep, err := s.eng.ReinforceSettled(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// --- Insights ---

func (s *Server) handleDetectors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"detectors": s.eng.Detectors()})
}

func (s *Server) handleRunDetectors(w http.ResponseWriter, r *http.Request) {
	reports, err := s.eng.RunDetectors(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleListCallouts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	f := store.CalloutFilter{
		MinSeverity:    model.Severity(q.Get("min_severity")),
		UnsurfacedOnly: q.Get("unsurfaced") == "true",
		Surface:        q.Get("surface") == "true",
		Limit:          limit,
	}
	if v := q.Get("entity"); v != "" {
		ref, err := model.ParseEntityRef(v)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		f.Entity = &ref
	}
	callouts, err := s.eng.ListActiveCallouts(r.Context(), f)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"callouts": callouts})
}

func (s *Server) handleSurfaceCallout(w http.ResponseWriter, r *http.Request) {
	c, err := s.eng.SurfaceCallout(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDismissCallout(w http.ResponseWriter, r *http.Request) {
	var fc feedback.Context
	if r.ContentLength != 0 && !decodeJSON(w, r, &fc) {
		return
	}
	c, changed, err := s.eng.ApplyDismissal(r.Context(), chi.URLParam(r, "id"), fc)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"callout": c, "changed": changed})
}

func (s *Server) handleRelevanceHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	rows, err := s.eng.RelevanceHistory(r.Context(), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feedback": rows})
}

// --- Sync ---

func (s *Server) handleListSyncs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	rows, err := s.eng.ListSyncs(r.Context(), store.SyncFilter{
		State:    model.SyncStatus(q.Get("state")),
		Source:   q.Get("source"),
		TargetID: q.Get("target_id"),
		Limit:    limit,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"syncs": rows})
}

func (s *Server) handleEnqueueSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetID string `json:"target_id"`
		Source   string `json:"source"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	st, created, err := s.eng.EnqueueSync(r.Context(), req.TargetID, req.Source)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"sync": st, "created": created})
}

func (s *Server) handlePollSyncs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	due, err := s.eng.PollDueSyncs(r.Context(), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"syncs": due})
}

func (s *Server) handleRunSyncs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	rep, err := s.eng.RunSyncPoll(r.Context(), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRequeueSyncs(w http.ResponseWriter, r *http.Request) {
	n, err := s.eng.RequeueStaleSyncs(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *Server) handleSyncWarnings(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	warnings, err := s.eng.SyncWarnings(r.Context(), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"warnings": warnings})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.eng.ProviderBreakers()})
}

func (s *Server) handleGetSync(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.GetSync(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleCompleteSync takes the provider payload as the raw request body.
func (s *Server) handleCompleteSync(w http.ResponseWriter, r *http.Request) {
	payload, ok := readBody(w, r)
	if !ok {
		return
	}
	st, err := s.eng.CompleteSync(r.Context(), chi.URLParam(r, "id"), payload)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleFailSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	st, err := s.eng.FailSync(r.Context(), chi.URLParam(r, "id"), req.Message)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Ingest ---

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev ingest.CalendarEvent
	if !decodeJSON(w, r, &ev) {
		return
	}
	out, err := s.eng.IngestEvent(r.Context(), ev)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIngestEmail(w http.ResponseWriter, r *http.Request) {
	var em ingest.Email
	if !decodeJSON(w, r, &em) {
		return
	}
	out, err := s.eng.IngestEmail(r.Context(), em)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIngestEnrichment(w http.ResponseWriter, r *http.Request) {
	var en ingest.Enrichment
	if !decodeJSON(w, r, &en) {
		return
	}
	out, err := s.eng.IngestEnrichment(r.Context(), en)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
