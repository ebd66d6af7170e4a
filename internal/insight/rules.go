package insight

import (
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/signal-engine/internal/model"
)

// Rules configures every detector: its parameters, how long its insights
// stay live, and how magnitude maps to severity.
type Rules struct {
	Defaults  DetectorRule            `yaml:"defaults"`
	Detectors map[string]DetectorRule `yaml:"detectors"`
}

// DetectorRule holds one detector's settings. Parameters a detector does not
// use are ignored.
type DetectorRule struct {
	TTLHours   int            `yaml:"ttl_hours"`
	Threshold  float64        `yaml:"threshold"`
	WindowDays int            `yaml:"window_days"`
	MinCount   int            `yaml:"min_count"`
	Severity   []SeverityRule `yaml:"severity"`
}

// SeverityRule assigns Severity to magnitudes at or above MinMagnitude.
type SeverityRule struct {
	MinMagnitude float64        `yaml:"min_magnitude"`
	Severity     model.Severity `yaml:"severity"`
}

// DefaultRules returns the built-in rules.
func DefaultRules() *Rules {
	return &Rules{
		Defaults: DetectorRule{TTLHours: 72},
		Detectors: map[string]DetectorRule{
			DetectorNegativeSentiment: {
				TTLHours:  72,
				Threshold: -0.4,
				Severity: []SeverityRule{
					{MinMagnitude: 0.8, Severity: model.SeverityCritical},
					{MinMagnitude: 0.5, Severity: model.SeverityWarning},
				},
			},
			DetectorUpcomingDeadline: {
				TTLHours:   168,
				WindowDays: 14,
				Severity: []SeverityRule{
					{MinMagnitude: 0.8, Severity: model.SeverityCritical},
					{MinMagnitude: 0.5, Severity: model.SeverityWarning},
				},
			},
			DetectorActivitySpike: {
				TTLHours:   24,
				MinCount:   5,
				WindowDays: 1,
				Severity: []SeverityRule{
					{MinMagnitude: 20, Severity: model.SeverityCritical},
					{MinMagnitude: 10, Severity: model.SeverityWarning},
				},
			},
			DetectorStakeholderChange: {
				TTLHours: 168,
				Severity: []SeverityRule{
					{MinMagnitude: 0.8, Severity: model.SeverityWarning},
				},
			},
		},
	}
}

// LoadRules reads rules from a YAML file with a top-level "insights" key and
// lays them over DefaultRules. An empty path returns the defaults.
func LoadRules(path string) (*Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "insight: read rules %s", path)
	}

	var wrapper struct {
		Insights Rules `yaml:"insights"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "insight: parse rules")
	}

	file := wrapper.Insights
	if file.Defaults.TTLHours > 0 {
		rules.Defaults.TTLHours = file.Defaults.TTLHours
	}
	for name, fr := range file.Detectors {
		rules.Detectors[name] = merge(rules.Detectors[name], fr)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

func merge(base, over DetectorRule) DetectorRule {
	if over.TTLHours > 0 {
		base.TTLHours = over.TTLHours
	}
	if over.Threshold != 0 {
		base.Threshold = over.Threshold
	}
	if over.WindowDays > 0 {
		base.WindowDays = over.WindowDays
	}
	if over.MinCount > 0 {
		base.MinCount = over.MinCount
	}
	if len(over.Severity) > 0 {
		base.Severity = over.Severity
	}
	return base
}

// Validate checks every severity name.
func (r *Rules) Validate() error {
	for name, dr := range r.Detectors {
		for _, sr := range dr.Severity {
			if _, err := model.ParseSeverity(string(sr.Severity)); err != nil {
				return eris.Wrapf(err, "insight: detector %s", name)
			}
		}
	}
	return nil
}

// Rule returns the rule for a detector, falling back to the defaults.
func (r *Rules) Rule(detector string) DetectorRule {
	if dr, ok := r.Detectors[detector]; ok {
		if dr.TTLHours <= 0 {
			dr.TTLHours = r.Defaults.TTLHours
		}
		return dr
	}
	return r.Defaults
}

// TTL is how long an insight from this detector stays live.
func (dr DetectorRule) TTL() time.Duration {
	if dr.TTLHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(dr.TTLHours) * time.Hour
}

// SeverityFor maps a magnitude to a severity. The highest matching
// threshold wins; nothing matching is info.
func (dr DetectorRule) SeverityFor(magnitude float64) model.Severity {
	rules := append([]SeverityRule(nil), dr.Severity...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].MinMagnitude > rules[j].MinMagnitude })
	for _, sr := range rules {
		if magnitude >= sr.MinMagnitude {
			return sr.Severity
		}
	}
	return model.SeverityInfo
}
