// Package threshold holds the per-workload usage thresholds that drive
// classification of the current budget consumption.
package threshold

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/contextguard/pkg/faults"
)

// DefaultClass is used when a workload class has no registered profile.
const DefaultClass = "default"

// Status is the classification of a usage percentage against a profile.
type Status string

const (
	StatusNormal    Status = "normal"
	StatusWarning   Status = "warning"
	StatusOptimize  Status = "optimize"
	StatusCritical  Status = "critical"
	StatusEmergency Status = "emergency"
)

var statusRank = map[Status]int{
	StatusNormal:    0,
	StatusWarning:   1,
	StatusOptimize:  2,
	StatusCritical:  3,
	StatusEmergency: 4,
}

// Rank orders statuses from normal (0) to emergency (4).
func (s Status) Rank() int {
	return statusRank[s]
}

// Profile is a set of usage percentages at which the budget changes status.
type Profile struct {
	Warning   float64 `yaml:"warning" json:"warning"`
	Optimize  float64 `yaml:"optimize" json:"optimize"`
	Critical  float64 `yaml:"critical" json:"critical"`
	Emergency float64 `yaml:"emergency" json:"emergency"`
}

// Validate checks 0 < warning < optimize < critical < emergency <= 100.
func (p Profile) Validate() error {
	if p.Warning <= 0 {
		return fmt.Errorf("warning threshold must be positive, got %v", p.Warning)
	}
	if p.Optimize <= p.Warning {
		return fmt.Errorf("optimize threshold %v must exceed warning %v", p.Optimize, p.Warning)
	}
	if p.Critical <= p.Optimize {
		return fmt.Errorf("critical threshold %v must exceed optimize %v", p.Critical, p.Optimize)
	}
	if p.Emergency <= p.Critical {
		return fmt.Errorf("emergency threshold %v must exceed critical %v", p.Emergency, p.Critical)
	}
	if p.Emergency > 100 {
		return fmt.Errorf("emergency threshold %v must not exceed 100", p.Emergency)
	}
	return nil
}

// Classify maps a usage percentage onto a status. Classification is
// monotone: a higher percentage never yields a lower status.
func (p Profile) Classify(percent float64) Status {
	switch {
	case percent >= p.Emergency:
		return StatusEmergency
	case percent >= p.Critical:
		return StatusCritical
	case percent >= p.Optimize:
		return StatusOptimize
	case percent >= p.Warning:
		return StatusWarning
	default:
		return StatusNormal
	}
}

// Defaults returns the built-in profiles keyed by workload class.
func Defaults() map[string]Profile {
	medium := Profile{Warning: 60, Optimize: 75, Critical: 85, Emergency: 92}
	return map[string]Profile{
		"simple":     {Warning: 70, Optimize: 80, Critical: 90, Emergency: 95},
		"medium":     medium,
		DefaultClass: medium,
		"complex":    {Warning: 50, Optimize: 65, Critical: 80, Emergency: 90},
		"parallel":   {Warning: 45, Optimize: 60, Critical: 75, Emergency: 88},
	}
}

// Registry maps workload classes to profiles. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry returns a registry seeded with the default profiles.
func NewRegistry() *Registry {
	return &Registry{profiles: Defaults()}
}

// Register adds or replaces the profile for class after validating it.
func (r *Registry) Register(class string, p Profile) error {
	if class == "" {
		return faults.Configurationf("threshold.register", "workload class is required")
	}
	if err := p.Validate(); err != nil {
		return faults.Configuration("threshold.register", fmt.Errorf("profile %q: %w", class, err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[class] = p
	return nil
}

// Lookup returns the profile for class, falling back to the default profile.
func (r *Registry) Lookup(class string) Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.profiles[class]; ok {
		return p
	}
	return r.profiles[DefaultClass]
}

// Has reports whether class has its own profile.
func (r *Registry) Has(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.profiles[class]
	return ok
}

// Classes lists registered workload classes in sorted order.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	classes := make([]string, 0, len(r.profiles))
	for c := range r.profiles {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

// Merge registers every profile in overrides. Nothing is applied if any
// override is invalid.
func (r *Registry) Merge(overrides map[string]Profile) error {
	for class, p := range overrides {
		if err := p.Validate(); err != nil {
			return faults.Configuration("threshold.merge", fmt.Errorf("profile %q: %w", class, err))
		}
	}
	for class, p := range overrides {
		if err := r.Register(class, p); err != nil {
			return err
		}
	}
	return nil
}

// LoadYAML merges profile overrides from a YAML file mapping class names to
// profiles.
func (r *Registry) LoadYAML(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return faults.Configuration("threshold.load", fmt.Errorf("read %s: %w", path, err))
	}

	var overrides map[string]Profile
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return faults.Configuration("threshold.load", fmt.Errorf("parse %s: %w", path, err))
	}
	return r.Merge(overrides)
}
