package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mckingz/edu-ai-gateway/internal/plan"
)

// UnlimitedQuota is the limit sentinel for a service with no cap.
const UnlimitedQuota int64 = -1

const (
	defaultMaxChainLength  = 3
	defaultMaxOutputTokens = 4096
)

// Routing is the routing and quota configuration loaded once and passed explicitly
// to the selector, the cost calculator and the quota accountant. A loaded Routing
// is never mutated; reloads swap in a new value.
type Routing struct {
	DefaultProvider string `yaml:"default_provider"`
	FallbackEnabled *bool  `yaml:"fallback_enabled"`
	MaxChainLength  int    `yaml:"max_chain_length"`
	// OpenAltProvider is moved to the front of computed chains when a caller sets preferOpenAlt.
	OpenAltProvider string `yaml:"open_alt_provider"`

	Models    []ModelSpec                      `yaml:"models"`
	Services  map[plan.ServiceType]ServiceSpec `yaml:"services"`
	Quotas    map[plan.Tier]TierQuota          `yaml:"quotas"`
	Overrides map[plan.ServiceType]Override    `yaml:"overrides"`

	byID map[string]int
}

// ModelSpec describes one (provider, model) pair.
type ModelSpec struct {
	ID                    string    `yaml:"id"`
	Provider              string    `yaml:"provider"`
	Vision                bool      `yaml:"vision"`
	MaxOutputTokens       int       `yaml:"max_output_tokens"`
	Capability            int       `yaml:"capability"`
	InputPricePerMillion  float64   `yaml:"input_price_per_million"`
	OutputPricePerMillion float64   `yaml:"output_price_per_million"`
	MinTier               plan.Tier `yaml:"min_tier"`
}

// UnitCost is the price of one million input plus one million output tokens.
func (m ModelSpec) UnitCost() float64 {
	return m.InputPricePerMillion + m.OutputPricePerMillion
}

type ServiceSpec struct {
	MinTier   plan.Tier `yaml:"min_tier"`
	MaxTokens int       `yaml:"max_tokens"`
}

type TierQuota struct {
	Unlimited bool                       `yaml:"unlimited"`
	Services  map[plan.ServiceType]Limit `yaml:"services"`
}

type Limit struct {
	Limit  int64       `yaml:"limit"`
	Period plan.Period `yaml:"period"`
}

func (l Limit) Unlimited() bool {
	return l.Limit == UnlimitedQuota
}

// Override replaces the computed chain for one service type. Models, when set, is
// used in order; otherwise Provider restricts computed defaults to one vendor.
type Override struct {
	Provider string   `yaml:"provider"`
	Models   []string `yaml:"models"`
}

// LoadRouting reads and validates a routing YAML file.
func LoadRouting(path string) (*Routing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing config: %w", err)
	}
	r, err := ParseRouting(data)
	if err != nil {
		return nil, fmt.Errorf("routing config %s: %w", path, err)
	}
	return r, nil
}

func ParseRouting(data []byte) (*Routing, error) {
	var r Routing
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse routing config: %w", err)
	}
	if err := r.normalize(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Routing) normalize() error {
	if len(r.Models) == 0 {
		return errors.New("at least one model is required")
	}
	if r.MaxChainLength == 0 {
		r.MaxChainLength = defaultMaxChainLength
	}
	if r.MaxChainLength < 0 {
		return fmt.Errorf("max_chain_length must be positive, got %d", r.MaxChainLength)
	}

	r.byID = make(map[string]int, len(r.Models))
	providers := make(map[string]bool)
	hasFreeModel := false
	for i := range r.Models {
		m := &r.Models[i]
		if m.ID == "" || m.Provider == "" {
			return fmt.Errorf("model #%d: id and provider are required", i)
		}
		if _, dup := r.byID[m.ID]; dup {
			return fmt.Errorf("model %q is defined twice", m.ID)
		}
		if m.MinTier == "" {
			m.MinTier = plan.TierFree
		}
		if !m.MinTier.Valid() {
			return fmt.Errorf("model %q: unknown min_tier %q", m.ID, m.MinTier)
		}
		if m.InputPricePerMillion < 0 || m.OutputPricePerMillion < 0 {
			return fmt.Errorf("model %q: prices must not be negative", m.ID)
		}
		if m.MaxOutputTokens <= 0 {
			m.MaxOutputTokens = defaultMaxOutputTokens
		}
		if m.MinTier == plan.TierFree {
			hasFreeModel = true
		}
		r.byID[m.ID] = i
		providers[m.Provider] = true
	}
	if !hasFreeModel {
		return errors.New("at least one model must be available to the free tier")
	}
	if r.DefaultProvider != "" && !providers[r.DefaultProvider] {
		return fmt.Errorf("default_provider %q has no models", r.DefaultProvider)
	}

	if len(r.Services) == 0 {
		return errors.New("at least one service is required")
	}
	for name, svc := range r.Services {
		if svc.MinTier == "" {
			svc.MinTier = plan.TierFree
		}
		if !svc.MinTier.Valid() {
			return fmt.Errorf("service %q: unknown min_tier %q", name, svc.MinTier)
		}
		r.Services[name] = svc
	}

	for tier, tq := range r.Quotas {
		if !tier.Valid() {
			return fmt.Errorf("quotas: unknown tier %q", tier)
		}
		for svc, l := range tq.Services {
			if l.Limit < UnlimitedQuota {
				return fmt.Errorf("quotas.%s.%s: limit must be >= -1", tier, svc)
			}
			if l.Period == "" {
				l.Period = plan.PeriodMonth
			}
			if !l.Period.Valid() {
				return fmt.Errorf("quotas.%s.%s: unknown period %q", tier, svc, l.Period)
			}
			tq.Services[svc] = l
		}
	}

	for svc, o := range r.Overrides {
		if _, ok := r.Services[svc]; !ok {
			return fmt.Errorf("override for unknown service %q", svc)
		}
		if o.Provider == "" && len(o.Models) == 0 {
			return fmt.Errorf("override for %q sets neither provider nor models", svc)
		}
		if o.Provider != "" && !providers[o.Provider] {
			return fmt.Errorf("override for %q: provider %q has no models", svc, o.Provider)
		}
		for _, id := range o.Models {
			if _, ok := r.byID[id]; !ok {
				return fmt.Errorf("override for %q: unknown model %q", svc, id)
			}
		}
	}
	return nil
}

// Model looks up a model by id.
func (r *Routing) Model(id string) (ModelSpec, bool) {
	i, ok := r.byID[id]
	if !ok {
		return ModelSpec{}, false
	}
	return r.Models[i], true
}

func (r *Routing) Service(s plan.ServiceType) (ServiceSpec, bool) {
	svc, ok := r.Services[s]
	return svc, ok
}

func (r *Routing) Fallback() bool {
	return r.FallbackEnabled == nil || *r.FallbackEnabled
}

// QuotaFor returns the limit for a tier and service. Tiers marked unlimited yield
// the UnlimitedQuota sentinel; a missing entry yields a zero limit.
func (r *Routing) QuotaFor(t plan.Tier, s plan.ServiceType) Limit {
	tq, ok := r.Quotas[t]
	if !ok {
		return Limit{Period: plan.PeriodMonth}
	}
	if tq.Unlimited {
		return Limit{Limit: UnlimitedQuota, Period: plan.PeriodMonth}
	}
	l, ok := tq.Services[s]
	if !ok {
		return Limit{Period: plan.PeriodMonth}
	}
	return l
}
