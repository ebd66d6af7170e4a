package insight

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/model"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func sig(id int64, ref model.EntityRef, signalType, value string, conf float64) model.Signal {
	return model.Signal{
		ID: id, Entity: ref, SignalType: signalType, Source: "test", Value: value,
		Confidence: conf, HalfLifeDays: 30, CreatedAt: now,
	}
}

func TestFingerprint(t *testing.T) {
	acme := model.Account("acme")
	fp := Fingerprint("negative_sentiment", acme, "Negative  sentiment from ACCOUNT:acme")
	assert.Len(t, fp, 64)
	assert.NoError(t, model.ValidateFingerprint(fp))
	assert.Equal(t, fp, Fingerprint("negative_sentiment", acme, "negative sentiment from account:acme"))
	assert.NotEqual(t, fp, Fingerprint("activity_spike", acme, "negative sentiment from account:acme"))
	assert.NotEqual(t, fp, Fingerprint("negative_sentiment", model.Project("acme"), "negative sentiment from account:acme"))
	assert.NotEqual(t,
		Fingerprint("upcoming_deadline", acme, "Renewal due 2026-03-10"),
		Fingerprint("upcoming_deadline", acme, "Renewal due 2026-03-11"),
		"digits are kept")
}

func TestNegativeSentiment(t *testing.T) {
	acme := model.Account("acme")
	d := &NegativeSentiment{Threshold: -0.4}
	got := d.Scan(ScanContext{Now: now}, []model.Signal{
		sig(1, acme, model.SignalTypeSentiment, "-0.9", 0.8),
		sig(2, acme, model.SignalTypeSentiment, "-0.1", 0.8),
		sig(3, acme, model.SignalTypeSentiment, "negative", 0.7),
		sig(4, acme, model.SignalTypeSentiment, "positive", 0.7),
		sig(5, acme, model.SignalTypeActivity, "-0.9", 0.7),
	})
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].SignalID)
	assert.InDelta(t, 0.9, got[0].Magnitude, 1e-12)
	assert.Equal(t, "Negative sentiment from account:acme", got[0].Headline)
	assert.Equal(t, int64(3), got[1].SignalID)
	assert.InDelta(t, 0.7, got[1].Magnitude, 1e-12)
}

func TestUpcomingDeadline(t *testing.T) {
	acme := model.Account("acme")
	d := &UpcomingDeadline{Window: 14 * 24 * time.Hour}
	got := d.Scan(ScanContext{Now: now}, []model.Signal{
		sig(1, acme, model.SignalTypeRenewal, "2026-03-09", 0.9),
		sig(2, acme, model.SignalTypeDeadline, now.Add(24*time.Hour).Format(time.RFC3339), 0.9),
		sig(3, acme, model.SignalTypeDeadline, "2026-05-01", 0.9),
		sig(4, acme, model.SignalTypeDeadline, "2026-02-01", 0.9),
		sig(5, acme, model.SignalTypeDeadline, "soon", 0.9),
	})
	require.Len(t, got, 2)
	assert.Equal(t, "Renewal due 2026-03-09 for account:acme", got[0].Headline)
	assert.InDelta(t, 1-(6*24+15.0)/(14*24), got[0].Magnitude, 1e-9)
	assert.Equal(t, "Deadline due 2026-03-03 for account:acme", got[1].Headline)
	assert.Greater(t, got[1].Magnitude, got[0].Magnitude, "nearer dates are more urgent")

	assert.Equal(t, []string{model.SignalTypeDeadline, model.SignalTypeRenewal}, d.Sweep(ScanContext{Now: now}).Types)
	assert.True(t, d.Sweep(ScanContext{Now: now}).Since.IsZero(), "every dated signal is swept regardless of age")

	assert.Empty(t, (&UpcomingDeadline{}).Scan(ScanContext{Now: now}, []model.Signal{sig(1, acme, model.SignalTypeRenewal, "2026-03-03", 1)}))
}

func TestActivitySpike(t *testing.T) {
	acme, globex := model.Account("acme"), model.Account("globex")
	var sigs []model.Signal
	for i := int64(1); i <= 6; i++ {
		sigs = append(sigs, sig(i, acme, model.SignalTypeActivity, "", 0.5))
	}
	sigs = append(sigs,
		sig(7, globex, model.SignalTypeActivity, "", 0.5),
		sig(8, globex, model.SignalTypeReinforcement, "", 0.5),
	)

	got := (&ActivitySpike{MinCount: 5}).Scan(ScanContext{Now: now}, sigs)
	require.Len(t, got, 1)
	assert.Equal(t, acme, got[0].Entity)
	assert.Equal(t, int64(6), got[0].SignalID)
	assert.Equal(t, 6.0, got[0].Magnitude)
	assert.Equal(t, "Activity spike for account:acme", got[0].Headline)

	assert.Empty(t, (&ActivitySpike{}).Scan(ScanContext{Now: now}, sigs))

	// Signals older than the window do not count.
	windowed := &ActivitySpike{MinCount: 5, Window: 24 * time.Hour}
	stale := append([]model.Signal(nil), sigs...)
	stale[0].CreatedAt = now.Add(-48 * time.Hour)
	stale[1].CreatedAt = now.Add(-48 * time.Hour)
	assert.Empty(t, windowed.Scan(ScanContext{Now: now}, stale))
	assert.Len(t, windowed.Scan(ScanContext{Now: now}, sigs), 1)
	assert.Equal(t, model.SignalSweep{Since: now.Add(-24 * time.Hour)}, windowed.Sweep(ScanContext{Now: now}))
	assert.Equal(t, model.SignalSweep{}, (&ActivitySpike{MinCount: 5}).Sweep(ScanContext{Now: now}))
}

func TestStakeholderChange(t *testing.T) {
	jane := model.Person("jane")
	got := (&StakeholderChange{}).Scan(ScanContext{Now: now}, []model.Signal{
		sig(1, jane, model.SignalTypeRoleChange, "departed", 0.9),
		sig(2, model.Account("acme"), model.SignalTypeRoleChange, "departed", 0.9),
		sig(3, model.Person("joe"), model.SignalTypeRoleChange, "", 0.6),
	})
	require.Len(t, got, 2)
	assert.Equal(t, "Stakeholder change: person:jane departed", got[0].Headline)
	assert.Equal(t, "Stakeholder change: person:joe role changed", got[1].Headline)
}

func TestDetectorsArePure(t *testing.T) {
	acme := model.Account("acme")
	sigs := []model.Signal{
		sig(1, acme, model.SignalTypeSentiment, "-0.8", 0.9),
		sig(2, acme, model.SignalTypeRenewal, "2026-03-05", 0.9),
	}
	for _, d := range BuiltinDetectors(DefaultRules()) {
		first := d.Scan(ScanContext{Now: now}, sigs)
		second := d.Scan(ScanContext{Now: now}, sigs)
		assert.Equal(t, first, second, d.Name())
	}
}

func TestSeverityFor(t *testing.T) {
	rule := DefaultRules().Rule(DetectorNegativeSentiment)
	assert.Equal(t, model.SeverityCritical, rule.SeverityFor(0.85))
	assert.Equal(t, model.SeverityWarning, rule.SeverityFor(0.5))
	assert.Equal(t, model.SeverityInfo, rule.SeverityFor(0.2))
	assert.Equal(t, model.SeverityInfo, DetectorRule{}.SeverityFor(100))
}

func TestLoadRules(t *testing.T) {
	rules, err := LoadRules("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRules(), rules)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`insights:
  defaults:
    ttl_hours: 12
  detectors:
    negative_sentiment:
      threshold: -0.6
      severity:
        - min_magnitude: 0.95
          severity: critical
    custom_detector:
      min_count: 2
`), 0o644))

	rules, err = LoadRules(path)
	require.NoError(t, err)
	ns := rules.Rule(DetectorNegativeSentiment)
	assert.Equal(t, -0.6, ns.Threshold)
	assert.Equal(t, 72, ns.TTLHours, "unset fields keep the built-in value")
	assert.Equal(t, model.SeverityInfo, ns.SeverityFor(0.9))
	assert.Equal(t, 12*time.Hour, rules.Rule("custom_detector").TTL())
	assert.Equal(t, 12*time.Hour, rules.Rule("unknown").TTL())
	assert.Equal(t, 14, rules.Rule(DetectorUpcomingDeadline).WindowDays)
}

func TestLoadRules_Errors(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insight: read rules")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("insights:\n  detectors:\n    activity_spike:\n      severity:\n        - min_magnitude: 1\n          severity: apocalyptic\n"), 0o644))
	_, err = LoadRules(path)
	require.Error(t, err)
	_, ok := model.IsValidation(err)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("insights: [not, a, map"), 0o644))
	_, err = LoadRules(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insight: parse rules")
}
