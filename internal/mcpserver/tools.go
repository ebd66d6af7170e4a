package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/feedback"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/store"
)

// --- Tool Definitions ---

func recordSignalTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"record_signal",
		"Record one observation about an account, project or person. A repeated natural_key returns the existing signal.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"entity": {"type": "string", "description": "Entity as type:id, e.g. account:acme"},
				"signal_type": {"type": "string", "description": "Signal type, e.g. sentiment or renewal"},
				"source": {"type": "string", "description": "Producer of the observation"},
				"value": {"type": "string", "description": "Observed value"},
				"confidence": {"type": "number", "description": "Confidence in [0,1]"},
				"half_life_days": {"type": "number", "description": "Decay half-life in days"},
				"subject": {"type": "string", "description": "Record the signal is about (optional)"},
				"natural_key": {"type": "string", "description": "Idempotency key (optional)"}
			},
			"required": ["entity", "signal_type", "source", "confidence"]
		}`),
	)
}

func fusedScoreTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"fused_score",
		"Fuse every active signal of one type for an entity into a probability, with per-signal contributions.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"entity": {"type": "string", "description": "Entity as type:id"},
				"signal_type": {"type": "string", "description": "Signal type to fuse"}
			},
			"required": ["entity", "signal_type"]
		}`),
	)
}

func resolveRecordTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"resolve_record",
		"Resolve a meeting or email to the entity it is about and persist the assignment.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "description": "Record id, e.g. meeting:42"},
				"title": {"type": "string", "description": "Title or subject"},
				"description": {"type": "string", "description": "Description"},
				"body": {"type": "string", "description": "Body text"},
				"participants": {"type": "array", "items": {"type": "string"}, "description": "Participant email addresses"}
			},
			"required": ["id"]
		}`),
	)
}

func correctAssignmentTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"correct_assignment",
		"Reassign a record to the entity the user says it is about. Future resolutions of the record keep the correction.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"record_id": {"type": "string", "description": "Record id, e.g. meeting:42"},
				"new_entity": {"type": "string", "description": "Correct entity as type:id"},
				"old_entity": {"type": "string", "description": "Entity being replaced (optional, defaults to the current assignment)"},
				"signal_source": {"type": "string", "description": "Resolution stage the user blames (optional)"}
			},
			"required": ["record_id", "new_entity"]
		}`),
	)
}

func listCalloutsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_callouts",
		"List live briefing callouts, most severe first.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"entity": {"type": "string", "description": "Only callouts for this entity (type:id)"},
				"min_severity": {"type": "string", "enum": ["info", "warning", "critical"], "description": "Lowest severity to include"},
				"unsurfaced_only": {"type": "boolean", "description": "Skip callouts already shown"},
				"surface": {"type": "boolean", "description": "Mark the returned callouts as shown"},
				"limit": {"type": "integer", "description": "Maximum callouts to return"}
			}
		}`),
	)
}

func surfaceCalloutTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"surface_callout",
		"Mark a callout as shown in a briefing.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"callout_id": {"type": "string", "description": "Callout id"}
			},
			"required": ["callout_id"]
		}`),
	)
}

func dismissCalloutTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"dismiss_callout",
		"Dismiss a callout the user found irrelevant. Lowers the weight of the source behind it.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"callout_id": {"type": "string", "description": "Callout id"},
				"reason": {"type": "string", "description": "Why the user dismissed it"},
				"sender_domain": {"type": "string", "description": "Sender domain of the underlying email, if any"}
			},
			"required": ["callout_id"]
		}`),
	)
}

func runDetectorsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"run_detectors",
		"Scan new signals with every proactive detector and store the callouts they find.",
		json.RawMessage(`{"type": "object", "properties": {}}`),
	)
}

func enqueueSyncTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"enqueue_sync",
		"Queue a provider sync for a target. An active row for the same target and source is reused.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"target_id": {"type": "string", "description": "Sync target, usually an entity as type:id"},
				"source": {"type": "string", "description": "Provider name"}
			},
			"required": ["target_id", "source"]
		}`),
	)
}

func syncWarningsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"sync_warnings",
		"List provider syncs that exhausted their retries.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "description": "Maximum warnings to return"}
			}
		}`),
	)
}

// --- Handlers ---

// toolError renders an engine error. Validation messages are returned as
// is so the caller can fix its arguments.
func toolError(action string, err error) *mcp.CallToolResult {
	if ve, ok := model.IsValidation(err); ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", action, ve.Error()))
	}
	if eris.Is(err, model.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: not found", action))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", action, err))
}

type recordSignalArgs struct {
	Entity       string  `json:"entity"`
	SignalType   string  `json:"signal_type"`
	Source       string  `json:"source"`
	Value        string  `json:"value"`
	Confidence   float64 `json:"confidence"`
	HalfLifeDays float64 `json:"half_life_days"`
	Subject      string  `json:"subject"`
	NaturalKey   string  `json:"natural_key"`
}

type recordSignalResult struct {
	Signal   *model.Signal `json:"signal"`
	Inserted bool          `json:"inserted"`
}

func (s *Server) handleRecordSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args recordSignalArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	ref, err := model.ParseEntityRef(args.Entity)
	if err != nil {
		return toolError("record signal", err), nil
	}
	sig, inserted, err := s.eng.RecordSignal(ctx, model.SignalInput{
		Entity:       ref,
		SignalType:   args.SignalType,
		Source:       args.Source,
		Subject:      args.Subject,
		Value:        args.Value,
		Confidence:   args.Confidence,
		HalfLifeDays: args.HalfLifeDays,
		NaturalKey:   args.NaturalKey,
	})
	if err != nil {
		return toolError("record signal", err), nil
	}
	return resultJSON(recordSignalResult{Signal: sig, Inserted: inserted})
}

type fusedScoreArgs struct {
	Entity     string `json:"entity"`
	SignalType string `json:"signal_type"`
}

func (s *Server) handleFusedScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args fusedScoreArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	ref, err := model.ParseEntityRef(args.Entity)
	if err != nil {
		return toolError("fused score", err), nil
	}
	score, err := s.eng.FusedScore(ctx, ref, args.SignalType)
	if err != nil {
		return toolError("fused score", err), nil
	}
	return resultJSON(score)
}

func (s *Server) handleResolveRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var rec model.Record
	if err := req.BindArguments(&rec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if rec.ID == "" {
		return mcp.NewToolResultError("id is required"), nil
	}
	res, err := s.eng.ResolveEntity(ctx, rec)
	if err != nil {
		return toolError("resolve record", err), nil
	}
	return resultJSON(res)
}

type correctAssignmentArgs struct {
	RecordID     string `json:"record_id"`
	NewEntity    string `json:"new_entity"`
	OldEntity    string `json:"old_entity"`
	SignalSource string `json:"signal_source"`
}

func (s *Server) handleCorrectAssignment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args correctAssignmentArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.RecordID == "" || args.NewEntity == "" {
		return mcp.NewToolResultError("record_id and new_entity are required"), nil
	}
	c := feedback.Correction{MeetingID: args.RecordID, SignalSource: args.SignalSource}
	var err error
	if c.NewEntity, err = model.ParseEntityRef(args.NewEntity); err != nil {
		return toolError("correct assignment", err), nil
	}
	if args.OldEntity != "" {
		if c.OldEntity, err = model.ParseEntityRef(args.OldEntity); err != nil {
			return toolError("correct assignment", err), nil
		}
	}
	plan, err := s.eng.ApplyCorrection(ctx, c)
	if err != nil {
		return toolError("correct assignment", err), nil
	}
	return resultJSON(plan)
}

type listCalloutsArgs struct {
	Entity         string `json:"entity"`
	MinSeverity    string `json:"min_severity"`
	UnsurfacedOnly bool   `json:"unsurfaced_only"`
	Surface        bool   `json:"surface"`
	Limit          int    `json:"limit"`
}

func (s *Server) handleListCallouts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args listCalloutsArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	f := store.CalloutFilter{
		MinSeverity:    model.Severity(args.MinSeverity),
		UnsurfacedOnly: args.UnsurfacedOnly,
		Surface:        args.Surface,
		Limit:          args.Limit,
	}
	if args.Entity != "" {
		ref, err := model.ParseEntityRef(args.Entity)
		if err != nil {
			return toolError("list callouts", err), nil
		}
		f.Entity = &ref
	}
	callouts, err := s.eng.ListActiveCallouts(ctx, f)
	if err != nil {
		return toolError("list callouts", err), nil
	}
	if callouts == nil {
		callouts = []model.Callout{}
	}
	return resultJSON(callouts)
}

type calloutArgs struct {
	CalloutID    string `json:"callout_id"`
	Reason       string `json:"reason"`
	SenderDomain string `json:"sender_domain"`
}

func (s *Server) handleSurfaceCallout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args calloutArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.CalloutID == "" {
		return mcp.NewToolResultError("callout_id is required"), nil
	}
	c, err := s.eng.SurfaceCallout(ctx, args.CalloutID)
	if err != nil {
		return toolError("surface callout", err), nil
	}
	return resultJSON(c)
}

type dismissResult struct {
	Callout *model.Callout `json:"callout"`
	Changed bool           `json:"changed"`
}

func (s *Server) handleDismissCallout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args calloutArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.CalloutID == "" {
		return mcp.NewToolResultError("callout_id is required"), nil
	}
	c, changed, err := s.eng.ApplyDismissal(ctx, args.CalloutID, feedback.Context{
		Reason:       args.Reason,
		SenderDomain: args.SenderDomain,
	})
	if err != nil {
		return toolError("dismiss callout", err), nil
	}
	return resultJSON(dismissResult{Callout: c, Changed: changed})
}

func (s *Server) handleRunDetectors(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reports, err := s.eng.RunDetectors(ctx)
	if err != nil {
		return toolError("run detectors", err), nil
	}
	return resultJSON(reports)
}

type enqueueSyncArgs struct {
	TargetID string `json:"target_id"`
	Source   string `json:"source"`
}

type enqueueSyncResult struct {
	Sync    *model.SyncState `json:"sync"`
	Created bool             `json:"created"`
}

func (s *Server) handleEnqueueSync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args enqueueSyncArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	st, created, err := s.eng.EnqueueSync(ctx, args.TargetID, args.Source)
	if err != nil {
		return toolError("enqueue sync", err), nil
	}
	return resultJSON(enqueueSyncResult{Sync: st, Created: created})
}

type limitArgs struct {
	Limit int `json:"limit"`
}

func (s *Server) handleSyncWarnings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args limitArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	warnings, err := s.eng.SyncWarnings(ctx, args.Limit)
	if err != nil {
		return toolError("sync warnings", err), nil
	}
	return resultJSON(warnings)
}

// resultJSON marshals v to JSON and returns it as a tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
