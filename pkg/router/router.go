// Package router turns a requested model name into the ordered provider
// chain the LLM client walks through on failure.
package router

import (
	"errors"
	"fmt"

	"github.com/ted-keystonepartners/tevor/pkg/config"
)

// ErrNoProviders is returned when no provider can serve a request.
var ErrNoProviders = errors.New("no providers configured")

// Route is one provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Router resolves requested model names to ordered provider+model chains.
type Router struct {
	providers []config.ProviderConfig
	byName    map[string]config.ProviderConfig
	routes    map[string][]config.RouteTarget
}

// New indexes the providers and routes of cfg.
func New(cfg *config.Config) *Router {
	r := &Router{
		providers: cfg.Providers,
		byName:    make(map[string]config.ProviderConfig, len(cfg.Providers)),
		routes:    make(map[string][]config.RouteTarget, len(cfg.Router.Routes)),
	}
	for _, p := range cfg.Providers {
		r.byName[p.Name] = p
	}
	for _, route := range cfg.Router.Routes {
		if _, dup := r.routes[route.Model]; dup {
			continue // first definition wins
		}
		r.routes[route.Model] = route.Targets
	}
	return r
}

// Resolve returns the routes to try for model, in order. A model with no
// configured route goes to the first provider unchanged.
func (r *Router) Resolve(model string) ([]Route, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProviders
	}

	targets, ok := r.routes[model]
	if !ok {
		return []Route{{Provider: r.providers[0], Model: model}}, nil
	}

	routes := make([]Route, 0, len(targets))
	for _, target := range targets {
		provider, ok := r.byName[target.Provider]
		if !ok {
			continue
		}
		m := target.Model
		if m == "" {
			m = model
		}
		routes = append(routes, Route{Provider: provider, Model: m})
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: route %q names only unknown providers", ErrNoProviders, model)
	}
	return routes, nil
}
