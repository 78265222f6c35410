// Package tenant resolves the website (tenant) a request belongs to.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownWebsite is returned when a request names no active website.
var ErrUnknownWebsite = errors.New("unknown or inactive website")

// Website is one tenant.
type Website struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Domain string `yaml:"domain"`
	Active bool   `yaml:"active"`
}

type registryFile struct {
	Websites []Website `yaml:"websites"`
}

// Registry holds the configured websites, indexed by id and by domain.
type Registry struct {
	byID      map[string]Website
	byDomain  map[string]Website
	defaultID string
}

// NewRegistry builds a registry. defaultID names the website used when a request names none; it
// must be present and active.
func NewRegistry(websites []Website, defaultID string) (*Registry, error) {
	r := &Registry{byID: map[string]Website{}, byDomain: map[string]Website{}, defaultID: defaultID}
	for _, w := range websites {
		w.ID = strings.TrimSpace(w.ID)
		if w.ID == "" {
			return nil, errors.New("tenant: website id is required")
		}
		if _, dup := r.byID[w.ID]; dup {
			return nil, fmt.Errorf("tenant: duplicate website id %q", w.ID)
		}
		r.byID[w.ID] = w
		if d := strings.ToLower(strings.TrimSpace(w.Domain)); d != "" {
			r.byDomain[d] = w
		}
	}
	if defaultID != "" {
		if w, ok := r.byID[defaultID]; !ok || !w.Active {
			return nil, fmt.Errorf("tenant: default website %q is not an active website", defaultID)
		}
	}
	return r, nil
}

// Load reads a yaml registry file. An empty path yields a single active default website.
func Load(path, defaultID string) (*Registry, error) {
	if path == "" {
		return NewRegistry([]Website{{ID: defaultID, Name: defaultID, Active: true}}, defaultID)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tenant: read %s: %w", path, err)
	}
	var f registryFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("tenant: parse %s: %w", path, err)
	}
	return NewRegistry(f.Websites, defaultID)
}

// Lookup returns the active website with the given id.
func (r *Registry) Lookup(id string) (Website, error) {
	w, ok := r.byID[id]
	if !ok || !w.Active {
		return Website{}, ErrUnknownWebsite
	}
	return w, nil
}

// Resolve picks the website for a request: an explicit id wins, then the host, then the default.
func (r *Registry) Resolve(explicitID, host string) (Website, error) {
	if id := strings.TrimSpace(explicitID); id != "" {
		return r.Lookup(id)
	}
	if h := hostOnly(host); h != "" {
		if w, ok := r.byDomain[h]; ok {
			if !w.Active {
				return Website{}, ErrUnknownWebsite
			}
			return w, nil
		}
	}
	if r.defaultID == "" {
		return Website{}, ErrUnknownWebsite
	}
	return r.Lookup(r.defaultID)
}

func hostOnly(authority string) string {
	a := strings.ToLower(strings.TrimSpace(authority))
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}
	return a
}

type ctxKey struct{}

// WithWebsite stores the resolved website in ctx.
func WithWebsite(ctx context.Context, w Website) context.Context {
	return context.WithValue(ctx, ctxKey{}, w)
}

// FromContext returns the website stored by WithWebsite.
func FromContext(ctx context.Context) (Website, bool) {
	w, ok := ctx.Value(ctxKey{}).(Website)
	return w, ok
}

// IDFromContext returns the website id, or "" when none was resolved.
func IDFromContext(ctx context.Context) string {
	w, _ := FromContext(ctx)
	return w.ID
}
