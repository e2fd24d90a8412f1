package sources

import (
	"context"
	"sort"
	"time"

	"marijobs-go/internal/config"
	"marijobs-go/internal/models"
	"marijobs-go/pkg/httpclient"
)

// Query is one page request against a source.
type Query struct {
	Term       string
	Country    string
	RemoteOnly bool
	Page       int // zero-based
	Seen       int // listings already returned for this term/country
}

// Page is what one query yields. Exhausted means there is nothing after it.
type Page struct {
	Listings  []models.Job
	Exhausted bool
}

// JobSource represents a job board source
type JobSource interface {
	GetName() string
	GetBaseURL() string
	// CountryScoped is false for sources that ignore the country, which are
	// queried once per term.
	CountryScoped() bool
	Search(ctx context.Context, q Query) (Page, error)
}

// DefaultPhase is the phase a source runs in when the config does not say.
func DefaultPhase(name string) int {
	switch name {
	case string(models.SourceEuraxess):
		return 2
	case string(models.SourceIBEC):
		return 3
	}
	return 1
}

// Registry maps the registered sources to their phases
type Registry struct {
	sources map[string]JobSource
	phases  map[string]int
	order   []string
}

func NewRegistry(phases map[string]int) *Registry {
	return &Registry{
		sources: make(map[string]JobSource),
		phases:  phases,
	}
}

// RegisterSource registers a new job source
func (r *Registry) RegisterSource(source JobSource) {
	name := source.GetName()
	if _, exists := r.sources[name]; !exists {
		r.order = append(r.order, name)
	}
	r.sources[name] = source
}

// Phase returns the phase a source belongs to.
func (r *Registry) Phase(name string) int {
	if phase, ok := r.phases[name]; ok {
		return phase
	}
	return DefaultPhase(name)
}

// ForPhase returns the sources of one phase in registration order.
func (r *Registry) ForPhase(phase int) []JobSource {
	var out []JobSource
	for _, name := range r.order {
		if r.Phase(name) == phase {
			out = append(out, r.sources[name])
		}
	}
	return out
}

// Sources returns every registered source in registration order.
func (r *Registry) Sources() []JobSource {
	out := make([]JobSource, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.sources[name])
	}
	return out
}

// Phases returns the distinct phases that have at least one source, ascending.
func (r *Registry) Phases() []int {
	seen := make(map[int]bool)
	var phases []int
	for _, name := range r.order {
		p := r.Phase(name)
		if !seen[p] {
			seen[p] = true
			phases = append(phases, p)
		}
	}
	sort.Ints(phases)
	return phases
}

// NewRegistryFromConfig builds the enabled sources.
func NewRegistryFromConfig(cfg config.SourcesConfig, client *httpclient.HttpClient, scrapeDelay time.Duration) *Registry {
	registry := NewRegistry(cfg.Phases)
	if cfg.JobSpy.Enabled {
		for _, site := range cfg.JobSpy.Sites {
			if _, ok := models.ParseSource(site); !ok {
				continue
			}
			registry.RegisterSource(NewJobSpySource(client, cfg.JobSpy, site))
		}
	}
	if cfg.Euraxess.Enabled {
		registry.RegisterSource(NewEuraxessSource(client, cfg.Euraxess))
	}
	if cfg.IBEC.Enabled {
		registry.RegisterSource(NewIBECSource(client, cfg.IBEC, scrapeDelay))
	}
	return registry
}
