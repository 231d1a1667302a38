// Package selector builds the ordered fallback chain of models for a request.
package selector

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mckingz/edu-ai-gateway/config"
	"github.com/mckingz/edu-ai-gateway/internal/plan"
)

var (
	// ErrTierCapabilityMismatch means no model satisfies the caller's tier and modality.
	ErrTierCapabilityMismatch = errors.New("this feature requires a higher tier")
	ErrUnknownService         = errors.New("unknown service type")
)

type Preferences struct {
	PreferOpenAlt bool
}

type Criteria struct {
	Tier        plan.Tier
	Service     plan.ServiceType
	HasImages   bool
	Preferences Preferences
	// Providers restricts candidates to registered adapters. Nil means all.
	Providers []string
}

// Chain is the ordered list of candidates, best first.
type Chain []config.ModelSpec

func (c Chain) String() string {
	ids := make([]string, len(c))
	for i, m := range c {
		ids[i] = m.Provider + "/" + m.ID
	}
	return strings.Join(ids, ",")
}

// Select returns the fallback chain for crit. It is deterministic for a given
// routing snapshot and never returns a non-vision model when images are attached.
func Select(r *config.Routing, crit Criteria) (Chain, error) {
	svc, ok := r.Service(crit.Service)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, crit.Service)
	}
	if crit.Tier.Below(svc.MinTier) {
		return nil, fmt.Errorf("%w: %s needs %s", ErrTierCapabilityMismatch, crit.Service, svc.MinTier)
	}

	usable := func(m config.ModelSpec) bool {
		if crit.Providers != nil && !slices.Contains(crit.Providers, m.Provider) {
			return false
		}
		return !crit.HasImages || m.Vision
	}

	limit := r.MaxChainLength
	if !r.Fallback() {
		limit = 1
	}

	override, hasOverride := r.Overrides[crit.Service]
	if hasOverride && len(override.Models) > 0 {
		var chain Chain
		for _, id := range override.Models {
			if m, ok := r.Model(id); ok && usable(m) {
				chain = append(chain, m)
			}
		}
		if len(chain) > 0 {
			return truncate(chain, limit), nil
		}
	}

	var candidates []config.ModelSpec
	for _, m := range r.Models {
		if !usable(m) || crit.Tier.Below(m.MinTier) {
			continue
		}
		if hasOverride && override.Provider != "" && m.Provider != override.Provider {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no model for %s at %s (images=%t)", ErrTierCapabilityMismatch, crit.Service, crit.Tier, crit.HasImages)
	}

	slices.SortFunc(candidates, func(a, b config.ModelSpec) int {
		if a.Capability != b.Capability {
			return b.Capability - a.Capability
		}
		if a.UnitCost() != b.UnitCost() {
			if a.UnitCost() < b.UnitCost() {
				return -1
			}
			return 1
		}
		aDefault, bDefault := a.Provider == r.DefaultProvider, b.Provider == r.DefaultProvider
		if aDefault != bDefault {
			if aDefault {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})

	chain := spreadProviders(candidates)
	if crit.Preferences.PreferOpenAlt && r.OpenAltProvider != "" {
		chain = preferProvider(chain, r.OpenAltProvider)
	}
	return truncate(chain, limit), nil
}

// spreadProviders puts the best model of every provider first so that failover
// crosses vendors before it retries the same one.
func spreadProviders(sorted []config.ModelSpec) Chain {
	chain := make(Chain, 0, len(sorted))
	seen := make(map[string]bool)
	var rest []config.ModelSpec
	for _, m := range sorted {
		if seen[m.Provider] {
			rest = append(rest, m)
			continue
		}
		seen[m.Provider] = true
		chain = append(chain, m)
	}
	return append(chain, rest...)
}

func preferProvider(chain Chain, provider string) Chain {
	out := make(Chain, 0, len(chain))
	for _, m := range chain {
		if m.Provider == provider {
			out = append(out, m)
		}
	}
	for _, m := range chain {
		if m.Provider != provider {
			out = append(out, m)
		}
	}
	return out
}

func truncate(c Chain, n int) Chain {
	if len(c) > n {
		return c[:n]
	}
	return c
}
