// Package indicator holds the typed registry of tracked indicators, their
// plausibility bounds, fallback values, alternate providers and signal thresholds.
package indicator

import (
	_ "embed"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/macro-swarm/internal/model"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrUnknownIndicator is returned when a key is referenced but not configured.
var ErrUnknownIndicator = eris.New("indicator: not configured")

// Direction states which side of the thresholds is favorable.
type Direction string

const (
	HigherIsBetter Direction = "higher"
	LowerIsBetter  Direction = "lower"
)

// Registry is the full indicator configuration.
type Registry struct {
	FallbackDate       string               `yaml:"fallback_date" validate:"required,datetime=2006-01-02"`
	FallbackMaxAgeDays int                  `yaml:"fallback_max_age_days" validate:"gte=0"`
	Weights            map[string]float64   `yaml:"weights" validate:"required,dive,keys,oneof=LIQUIDITY VALUATION RISK_SENTIMENT,endkeys,gt=0"`
	Indicators         map[string]Indicator `yaml:"indicators" validate:"required,dive"`
	Thresholds         map[string]Threshold `yaml:"thresholds" validate:"required,dive"`
}

// Indicator is one tracked upstream value.
type Indicator struct {
	Key         string      `yaml:"-"`
	Name        string      `yaml:"name" validate:"required"`
	SeriesID    string      `yaml:"series_id"`
	URL         string      `yaml:"url" validate:"omitempty,url"`
	Unit        string      `yaml:"unit"`
	Frequency   string      `yaml:"frequency" validate:"required"`
	Description string      `yaml:"description"`
	Bounds      Bounds      `yaml:"bounds"`
	Fallback    *float64    `yaml:"fallback"`
	Alternates  []Alternate `yaml:"alternates" validate:"dive"`
}

// Bounds is the inclusive plausibility range for fetched values.
type Bounds struct {
	Lo float64 `yaml:"lo"`
	Hi float64 `yaml:"hi" validate:"gtfield=Lo"`
}

// Contains reports whether v lies inside the bounds.
func (b Bounds) Contains(v float64) bool {
	return v >= b.Lo && v <= b.Hi
}

// Alternate is a non-FRED provider tried after the FRED tiers.
type Alternate struct {
	Provider string `yaml:"provider" validate:"required,oneof=yahoo multpl"`
	Symbol   string `yaml:"symbol" validate:"required_if=Provider yahoo"`
	Field    string `yaml:"field" validate:"required_if=Provider yahoo"`
	Path     string `yaml:"path" validate:"required_if=Provider multpl"`
	Label    string `yaml:"label" validate:"required_if=Provider multpl"`
}

// Threshold holds the bull/bear cut points for one scored indicator.
type Threshold struct {
	Bull      float64   `yaml:"bull"`
	Bear      float64   `yaml:"bear"`
	Unit      string    `yaml:"unit"`
	HistAvg   *float64  `yaml:"hist_avg"`
	Direction Direction `yaml:"direction" validate:"required,oneof=higher lower"`
}

// Evaluate maps a value to a signal according to the threshold direction.
func (t Threshold) Evaluate(v float64) model.Signal {
	switch t.Direction {
	case HigherIsBetter:
		if v > t.Bull {
			return model.SignalBullish
		}
		if v < t.Bear {
			return model.SignalBearish
		}
	case LowerIsBetter:
		if v < t.Bull {
			return model.SignalBullish
		}
		if v > t.Bear {
			return model.SignalBearish
		}
	}
	return model.SignalNeutral
}

// Default returns the embedded registry, validated.
func Default() (*Registry, error) {
	return parse(defaultsYAML, "embedded defaults")
}

// MustDefault is Default for tests and package-level wiring; it panics on a bad embed.
func MustDefault() *Registry {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	return r
}

// Load reads a registry override from a YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "indicator: read registry %s", path)
	}
	return parse(data, path)
}

func parse(data []byte, origin string) (*Registry, error) {
	// The YAML has a top-level "registry" key
	var wrapper struct {
		Registry Registry `yaml:"registry"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "indicator: parse registry %s", origin)
	}

	r := &wrapper.Registry
	for key, ind := range r.Indicators {
		ind.Key = key
		r.Indicators[key] = ind
	}

	if err := r.Validate(); err != nil {
		return nil, eris.Wrapf(err, "indicator: invalid registry %s", origin)
	}
	return r, nil
}

// Validate checks struct constraints plus cross-field rules the tags cannot express.
func (r *Registry) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(r); err != nil {
		return eris.Wrap(err, "indicator: validate")
	}

	for _, key := range r.Keys() {
		ind := r.Indicators[key]
		if ind.Fallback != nil && !ind.Bounds.Contains(*ind.Fallback) {
			return eris.Errorf("indicator: %s fallback %v outside bounds [%v, %v]",
				key, *ind.Fallback, ind.Bounds.Lo, ind.Bounds.Hi)
		}
		if ind.SeriesID == "" && len(ind.Alternates) == 0 && ind.Fallback == nil {
			return eris.Errorf("indicator: %s has no tier that could produce a value", key)
		}
	}

	for name, th := range r.Thresholds {
		switch th.Direction {
		case HigherIsBetter:
			if th.Bull <= th.Bear {
				return eris.Errorf("indicator: threshold %s: bull must exceed bear when higher is better", name)
			}
		case LowerIsBetter:
			if th.Bull >= th.Bear {
				return eris.Errorf("indicator: threshold %s: bull must be below bear when lower is better", name)
			}
		}
	}
	return nil
}

// Keys returns the configured indicator keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.Indicators))
	for k := range r.Indicators {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Indicator looks up a configured indicator.
func (r *Registry) Indicator(key string) (Indicator, error) {
	ind, ok := r.Indicators[key]
	if !ok {
		return Indicator{}, eris.Wrapf(ErrUnknownIndicator, "indicator %q", key)
	}
	return ind, nil
}

// Threshold looks up a configured threshold.
func (r *Registry) Threshold(name string) (Threshold, error) {
	th, ok := r.Thresholds[name]
	if !ok {
		return Threshold{}, eris.Wrapf(ErrUnknownIndicator, "threshold %q", name)
	}
	return th, nil
}

// Require fails fast when any of the given indicator keys is not configured.
func (r *Registry) Require(keys ...string) error {
	for _, k := range keys {
		if _, err := r.Indicator(k); err != nil {
			return err
		}
	}
	return nil
}

// RequireThresholds fails fast when any threshold name is not configured.
func (r *Registry) RequireThresholds(names ...string) error {
	for _, n := range names {
		if _, err := r.Threshold(n); err != nil {
			return err
		}
	}
	return nil
}

// Weight returns the category weight used by the synthesizer, 1.0 if unset.
func (r *Registry) Weight(c model.Category) float64 {
	if w, ok := r.Weights[string(c)]; ok {
		return w
	}
	return 1.0
}

// CategoryWeights returns the weights keyed by category.
func (r *Registry) CategoryWeights() map[model.Category]float64 {
	out := make(map[model.Category]float64, len(r.Weights))
	for k, w := range r.Weights {
		out[model.Category(k)] = w
	}
	return out
}

// SnapshotDate parses the fallback snapshot date.
func (r *Registry) SnapshotDate() time.Time {
	t, err := time.Parse("2006-01-02", r.FallbackDate)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Source builds the DataSource descriptor for an indicator.
func (ind Indicator) Source() model.DataSource {
	return model.DataSource{
		Name:      ind.Name,
		URL:       ind.URL,
		SeriesID:  ind.SeriesID,
		Frequency: ind.Frequency,
	}
}
