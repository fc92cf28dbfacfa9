package router

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/vault"
)

// Model is one entry in a provider's fallback chain.
type Model struct {
	ID            string
	SupportsTools bool
}

// Provider is the static descriptor for one upstream endpoint plus the
// mutable state of its credentials. Constructed once at startup; only its
// keys' state and the rotation cursor change afterwards.
type Provider struct {
	ID            string
	DisplayName   string
	BaseURL       string
	Models        []Model
	SupportsTools bool
	Local         bool
	Priority      int
	Timeout       time.Duration

	keys     []*KeyState
	cursorMu sync.Mutex
	cursor   int
}

// NewProvider builds a Provider from config plus its resolved credentials.
// Each secret yields one KeyState.
func NewProvider(id string, cfg config.ProviderConfig, secrets []string, limits Limits) *Provider {
	p := &Provider{
		ID:          id,
		DisplayName: cfg.DisplayName,
		BaseURL:     cfg.BaseURL,
		Local:       cfg.Local,
		Priority:    cfg.Priority,
		Timeout:     cfg.TimeoutDuration(),
	}
	if p.DisplayName == "" {
		p.DisplayName = id
	}
	for _, m := range cfg.Models {
		p.Models = append(p.Models, Model{ID: m.ID, SupportsTools: m.SupportsTools})
		if m.SupportsTools {
			p.SupportsTools = true
		}
	}
	for _, s := range secrets {
		p.keys = append(p.keys, newKeyState(s, limits))
	}
	return p
}

// Keys returns the provider's key states in configured order.
func (p *Provider) Keys() []*KeyState { return p.keys }

// ModelChain returns the ordered model fallback chain, skipping
// tool-incapable models when tools are required.
func (p *Provider) ModelChain(needTools bool) []Model {
	if !needTools {
		return p.Models
	}
	var chain []Model
	for _, m := range p.Models {
		if m.SupportsTools {
			chain = append(chain, m)
		}
	}
	return chain
}

// ProviderSnapshot is a point-in-time view of a provider for the admin API.
type ProviderSnapshot struct {
	ID            string        `json:"id"`
	DisplayName   string        `json:"display_name"`
	BaseURL       string        `json:"base_url"`
	Models        []string      `json:"models"`
	SupportsTools bool          `json:"supports_tools"`
	Local         bool          `json:"local"`
	Available     bool          `json:"available"`
	Keys          []KeySnapshot `json:"keys"`
}

// Snapshot captures the provider and all its keys.
func (p *Provider) Snapshot() ProviderSnapshot {
	s := ProviderSnapshot{
		ID:            p.ID,
		DisplayName:   p.DisplayName,
		BaseURL:       p.BaseURL,
		SupportsTools: p.SupportsTools,
		Local:         p.Local,
	}
	for _, m := range p.Models {
		s.Models = append(s.Models, m.ID)
	}
	for i, k := range p.keys {
		ks := k.Snapshot(i)
		if ks.State == "available" {
			s.Available = true
		}
		s.Keys = append(s.Keys, ks)
	}
	return s
}

// Registry is the shared pool of providers, owned by the process's
// composition root and passed by reference to request handlers. It replaces
// any notion of a module-level singleton.
type Registry struct {
	providers []*Provider // cloud providers, sorted by priority
	local     *Provider
	byID      map[string]*Provider
}

// NewRegistry builds the provider pool from configuration, resolving
// credentials through the vault. A cloud provider whose credentials cannot
// be resolved is excluded from rotation rather than treated as an error.
func NewRegistry(cfg *config.Config, v *vault.Vault, limits Limits) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Provider)}

	for id, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}

		var secrets []string
		if pc.Local {
			// The local provider authenticates with nothing; give it a single
			// placeholder key so rotation and health tracking work uniformly.
			secrets = []string{""}
		} else {
			ref := pc.KeyRef
			if ref == "" {
				ref = id
			}
			var err error
			secrets, err = v.Secrets(ref)
			if err != nil {
				log.Warn().Str("provider", id).Err(err).Msg("no credentials; provider excluded from rotation")
				continue
			}
		}

		p := NewProvider(id, pc, secrets, limits)
		if len(p.Models) == 0 {
			return nil, fmt.Errorf("router: provider %s has no models", id)
		}
		r.byID[id] = p
		if p.Local {
			r.local = p
		} else {
			r.providers = append(r.providers, p)
		}
	}

	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].Priority < r.providers[j].Priority
	})

	if len(r.providers) == 0 && r.local == nil {
		return nil, fmt.Errorf("router: no usable providers configured")
	}
	return r, nil
}

// Get returns the provider with the given id, or nil.
func (r *Registry) Get(id string) *Provider { return r.byID[id] }

// Local returns the offline/local provider, or nil if none is configured.
func (r *Registry) Local() *Provider { return r.local }

// Providers returns every provider (cloud first, then local) for status views.
func (r *Registry) Providers() []*Provider {
	out := make([]*Provider, 0, len(r.providers)+1)
	out = append(out, r.providers...)
	if r.local != nil {
		out = append(out, r.local)
	}
	return out
}

// Order returns the cloud providers to try, preferred first, remainder in
// priority order. When tools are required, tool-incapable providers are
// filtered out.
func (r *Registry) Order(preferred string, needTools bool) []*Provider {
	var out []*Provider
	if preferred != "" {
		if p, ok := r.byID[preferred]; ok && !p.Local && (!needTools || p.SupportsTools) {
			out = append(out, p)
		}
	}
	for _, p := range r.providers {
		if p.ID == preferred {
			continue
		}
		if needTools && !p.SupportsTools {
			continue
		}
		out = append(out, p)
	}
	return out
}
