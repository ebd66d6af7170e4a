package store

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/textnorm"
)

// maxChainDepth bounds the walk to the terminal signal of a supersession
// chain. Chains are strictly increasing in id, so this only guards against a
// corrupted table.
const maxChainDepth = 1000

// Relevance feedback item types.
const (
	ItemCallout = "callout"
	ItemSignal  = "signal"
)

// NormalizeKeywords folds, deduplicates and sorts keywords.
func NormalizeKeywords(keywords ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range keywords {
		for _, k := range list {
			k = textnorm.Fold(k)
			if k == "" {
				continue
			}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func normalizeDomains(domains []string) []string {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = model.NormalizeDomain(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func marshalKeywords(keywords []string) (string, error) {
	if keywords == nil {
		keywords = []string{}
	}
	b, err := json.Marshal(keywords)
	if err != nil {
		return "", eris.Wrap(err, "marshal keywords")
	}
	return string(b), nil
}

func unmarshalKeywords(raw string) ([]string, error) {
	var out []string
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, eris.Wrap(err, "unmarshal keywords")
	}
	return out, nil
}

func marshalCandidates(c map[string]model.EntityRef) (string, error) {
	if c == nil {
		c = map[string]model.EntityRef{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", eris.Wrap(err, "marshal candidates")
	}
	return string(b), nil
}

func unmarshalCandidates(raw []byte) (map[string]model.EntityRef, error) {
	out := map[string]model.EntityRef{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrap(err, "unmarshal candidates")
	}
	return out, nil
}

// validateDeltas rejects negative increments, which would break the
// monotonicity of the Beta posteriors.
func validateDeltas(deltas []model.WeightDelta) error {
	for _, d := range deltas {
		if d.Alpha < 0 || d.Beta < 0 {
			return model.NewValidationError(model.CodeInvalidValue, "deltas",
				"weight deltas must be non-negative, got alpha=%g beta=%g for %s", d.Alpha, d.Beta, d.Key.Source)
		}
		if strings.TrimSpace(d.Key.Source) == "" || d.Key.SignalType == "" || !d.Key.EntityType.Valid() {
			return model.NewValidationError(model.CodeInvalidValue, "deltas", "weight key is incomplete: %+v", d.Key)
		}
	}
	return nil
}

func validateFeedback(fb model.ResolutionFeedback) error {
	if strings.TrimSpace(fb.MeetingID) == "" {
		return model.NewValidationError(model.CodeMissingField, "meeting_id", "meeting id is required")
	}
	if err := fb.NewEntity.Validate(); err != nil {
		return err
	}
	if !fb.OldEntity.IsZero() {
		if err := fb.OldEntity.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func validateInsight(ins model.ProactiveInsight) error {
	if err := model.ValidateFingerprint(ins.Fingerprint); err != nil {
		return err
	}
	if err := ins.Entity.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(ins.DetectorName) == "" {
		return model.NewValidationError(model.CodeMissingField, "detector_name", "detector name is required")
	}
	if strings.TrimSpace(ins.Headline) == "" {
		return model.NewValidationError(model.CodeMissingField, "headline", "headline is required")
	}
	if !ins.ExpiresAt.After(ins.CreatedAt) {
		return model.NewValidationError(model.CodeInvalidValue, "expires_at", "insight must expire after it is created")
	}
	return nil
}

func validateSyncKey(targetID, source string, maxAttempts int) error {
	if strings.TrimSpace(targetID) == "" {
		return model.NewValidationError(model.CodeMissingField, "target_id", "target id is required")
	}
	if strings.TrimSpace(source) == "" {
		return model.NewValidationError(model.CodeMissingField, "source", "source is required")
	}
	if maxAttempts < 1 {
		return model.NewValidationError(model.CodeInvalidValue, "max_attempts", "max attempts must be at least 1, got %d", maxAttempts)
	}
	return nil
}

func validatePayload(payload []byte) error {
	if len(payload) > 0 && !json.Valid(payload) {
		return model.NewValidationError(model.CodeInvalidValue, "result_payload", "result payload must be valid JSON")
	}
	return nil
}

// failTransition applies one failed attempt to a non-terminal row. The row
// goes terminal once attempts reaches max_attempts.
func failTransition(st model.SyncState, message string, backoff BackoffFunc, now time.Time) model.SyncState {
	st.Attempts++
	if st.Attempts > st.MaxAttempts {
		st.Attempts = st.MaxAttempts
	}
	st.ErrorMessage = message
	st.UpdatedAt = now
	if st.Attempts >= st.MaxAttempts {
		st.State = model.SyncFailed
		st.NextAttemptAt = nil
		return st
	}
	var delay time.Duration
	if backoff != nil {
		delay = backoff(st.Attempts)
	}
	next := now.Add(delay)
	st.State = model.SyncPending
	st.NextAttemptAt = &next
	return st
}

// sameClaim reports whether st is still the in-progress claim taken at
// claimedAt.
func sameClaim(st model.SyncState, claimedAt time.Time) bool {
	return st.State == model.SyncInProgress && st.LastAttemptAt != nil && st.LastAttemptAt.Equal(claimedAt)
}

// dismissalFeedback fills the relevance log row for a dismissed callout from
// the insight it was promoted from.
func dismissalFeedback(c *model.Callout, fb model.RelevanceFeedback, now time.Time) model.RelevanceFeedback {
	fb.Action = model.ActionDismiss
	fb.ItemType = ItemCallout
	fb.ItemID = c.ID
	if fb.DetectorName == "" {
		fb.DetectorName = c.Insight.DetectorName
	}
	if fb.SignalType == "" {
		fb.SignalType = c.Insight.SignalType
	}
	if fb.Entity.IsZero() {
		fb.Entity = c.Insight.Entity
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = now
	}
	return fb
}

// dismissalDelta penalizes the detector that produced a dismissed callout.
func dismissalDelta(c *model.Callout) model.WeightDelta {
	signalType := c.Insight.SignalType
	if signalType == "" {
		signalType = c.Insight.DetectorName
	}
	return model.WeightDelta{
		Key: model.WeightKey{
			Source:     c.Insight.DetectorName,
			EntityType: c.Insight.Entity.Type,
			SignalType: signalType,
		},
		Beta: 1,
	}
}

func sortSyncs(rows []model.SyncState) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].NextAttemptAt, rows[j].NextAttemptAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a == nil && b != nil:
			return false
		case a != nil && b == nil:
			return true
		}
		return rows[i].ID < rows[j].ID
	})
}

func calloutLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
