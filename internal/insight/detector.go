// Package insight scans new signals for noteworthy changes and turns them
// into deduplicated, expiring insights and briefing callouts.
package insight

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/textnorm"
)

// Built-in detector names.
const (
	DetectorNegativeSentiment = "negative_sentiment"
	DetectorUpcomingDeadline  = "upcoming_deadline"
	DetectorActivitySpike     = "activity_spike"
	DetectorStakeholderChange = "stakeholder_change"
)

// ScanContext carries everything a detector may depend on besides the
// signals themselves.
type ScanContext struct {
	Now time.Time
}

// Candidate is a detector finding before deduplication.
type Candidate struct {
	Entity     model.EntityRef
	SignalID   int64
	SignalType string
	Headline   string
	Detail     string
	Magnitude  float64
}

// Detector is a pure function over a batch of signals. Detectors hold no
// state and never read the clock.
type Detector interface {
	Name() string
	Scan(sc ScanContext, signals []model.Signal) []Candidate
}

// Sweeper is a detector whose findings depend on the clock as well as the
// signals. The runner hands it every active signal matching Sweep on each
// run instead of only the signals past its cursor.
type Sweeper interface {
	Detector
	Sweep(sc ScanContext) model.SignalSweep
}

// Fingerprint identifies an insight for deduplication:
// sha256(detector|entity_type|entity_id|folded headline) in hex.
func Fingerprint(detector string, entity model.EntityRef, headline string) string {
	key := strings.Join([]string{detector, string(entity.Type), entity.ID, textnorm.Fold(headline)}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// BuiltinDetectors returns the four standard detectors configured by rules.
func BuiltinDetectors(rules *Rules) []Detector {
	return []Detector{
		&NegativeSentiment{Threshold: rules.Rule(DetectorNegativeSentiment).Threshold},
		&UpcomingDeadline{Window: time.Duration(rules.Rule(DetectorUpcomingDeadline).WindowDays) * 24 * time.Hour},
		&ActivitySpike{
			MinCount: rules.Rule(DetectorActivitySpike).MinCount,
			Window:   time.Duration(rules.Rule(DetectorActivitySpike).WindowDays) * 24 * time.Hour,
		},
		&StakeholderChange{},
	}
}

// NegativeSentiment flags sentiment signals whose score is at or below
// Threshold. Values are scores in [-1,1] or the label "negative".
type NegativeSentiment struct {
	Threshold float64
}

func (d *NegativeSentiment) Name() string { return DetectorNegativeSentiment }

func (d *NegativeSentiment) Scan(_ ScanContext, signals []model.Signal) []Candidate {
	var out []Candidate
	for _, sig := range signals {
		if sig.SignalType != model.SignalTypeSentiment {
			continue
		}
		var magnitude, score float64
		v := strings.TrimSpace(sig.Value)
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			if f > d.Threshold {
				continue
			}
			score, magnitude = f, math.Min(1, -f)
		} else if strings.EqualFold(v, "negative") {
			score, magnitude = -sig.Confidence, sig.Confidence
		} else {
			continue
		}
		out = append(out, Candidate{
			Entity:     sig.Entity,
			SignalID:   sig.ID,
			SignalType: sig.SignalType,
			Headline:   "Negative sentiment from " + sig.Entity.String(),
			Detail:     fmt.Sprintf("score %.2f from %s (signal %d)", score, sig.Source, sig.ID),
			Magnitude:  math.Max(0, magnitude),
		})
	}
	return out
}

// UpcomingDeadline flags deadline and renewal signals whose date falls
// within Window after now. Magnitude grows as the date nears. Dates enter
// the window long after their signal is written, so it sweeps every active
// deadline and renewal signal.
type UpcomingDeadline struct {
	Window time.Duration
}

func (d *UpcomingDeadline) Name() string { return DetectorUpcomingDeadline }

func (d *UpcomingDeadline) Sweep(ScanContext) model.SignalSweep {
	return model.SignalSweep{Types: []string{model.SignalTypeDeadline, model.SignalTypeRenewal}}
}

func (d *UpcomingDeadline) Scan(sc ScanContext, signals []model.Signal) []Candidate {
	if d.Window <= 0 {
		return nil
	}
	// A Caser is stateful, so each scan gets its own.
	title := cases.Title(language.English)
	var out []Candidate
	for _, sig := range signals {
		if sig.SignalType != model.SignalTypeDeadline && sig.SignalType != model.SignalTypeRenewal {
			continue
		}
		due, ok := ParseDate(sig.Value)
		if !ok {
			continue
		}
		left := due.Sub(sc.Now)
		if left < 0 || left > d.Window {
			continue
		}
		out = append(out, Candidate{
			Entity:     sig.Entity,
			SignalID:   sig.ID,
			SignalType: sig.SignalType,
			Headline:   fmt.Sprintf("%s due %s for %s", title.String(sig.SignalType), due.Format("2006-01-02"), sig.Entity),
			Detail:     fmt.Sprintf("%.1f days left (signal %d from %s)", left.Hours()/24, sig.ID, sig.Source),
			Magnitude:  1 - float64(left)/float64(d.Window),
		})
	}
	return out
}

// ParseDate accepts RFC 3339 timestamps and plain dates.
func ParseDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ActivitySpike flags entities with at least MinCount signals created in
// the Window before now. A zero Window counts every signal it is given.
// Reinforcement signals do not count.
type ActivitySpike struct {
	MinCount int
	Window   time.Duration
}

func (d *ActivitySpike) Name() string { return DetectorActivitySpike }

func (d *ActivitySpike) Sweep(sc ScanContext) model.SignalSweep {
	if d.Window <= 0 {
		return model.SignalSweep{}
	}
	return model.SignalSweep{Since: sc.Now.Add(-d.Window)}
}

func (d *ActivitySpike) Scan(sc ScanContext, signals []model.Signal) []Candidate {
	if d.MinCount <= 0 {
		return nil
	}
	var since time.Time
	if d.Window > 0 {
		since = sc.Now.Add(-d.Window)
	}
	counts := make(map[model.EntityRef]int)
	latest := make(map[model.EntityRef]int64)
	for _, sig := range signals {
		if sig.SignalType == model.SignalTypeReinforcement || sig.CreatedAt.Before(since) {
			continue
		}
		counts[sig.Entity]++
		if sig.ID > latest[sig.Entity] {
			latest[sig.Entity] = sig.ID
		}
	}

	refs := make([]model.EntityRef, 0, len(counts))
	for ref, n := range counts {
		if n >= d.MinCount {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })

	out := make([]Candidate, 0, len(refs))
	for _, ref := range refs {
		out = append(out, Candidate{
			Entity:     ref,
			SignalID:   latest[ref],
			SignalType: model.SignalTypeActivity,
			Headline:   "Activity spike for " + ref.String(),
			Detail:     fmt.Sprintf("%d recent signals", counts[ref]),
			Magnitude:  float64(counts[ref]),
		})
	}
	return out
}

// StakeholderChange flags role changes and departures of people.
type StakeholderChange struct{}

func (d *StakeholderChange) Name() string { return DetectorStakeholderChange }

func (d *StakeholderChange) Scan(_ ScanContext, signals []model.Signal) []Candidate {
	var out []Candidate
	for _, sig := range signals {
		if sig.SignalType != model.SignalTypeRoleChange || sig.Entity.Type != model.EntityPerson {
			continue
		}
		change := strings.TrimSpace(sig.Value)
		if change == "" {
			change = "role changed"
		}
		out = append(out, Candidate{
			Entity:     sig.Entity,
			SignalID:   sig.ID,
			SignalType: sig.SignalType,
			Headline:   fmt.Sprintf("Stakeholder change: %s %s", sig.Entity, change),
			Detail:     fmt.Sprintf("reported by %s (signal %d)", sig.Source, sig.ID),
			Magnitude:  sig.Confidence,
		})
	}
	return out
}
