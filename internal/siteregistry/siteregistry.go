// Package siteregistry defines the boundary to the site-registry collaborator.
// Site CRUD lives outside this pipeline; allocation only needs existence
// checks and metadata lookups.
package siteregistry

import (
	"context"
	"sync"

	"github.com/tphakala/birdcensus-go/internal/errors"
)

// Site is the metadata the pipeline sees for a census site.
type Site struct {
	ID        string
	Name      string
	Latitude  float64
	Longitude float64
}

// Interface is the site-registry collaborator contract.
type Interface interface {
	SiteExists(ctx context.Context, siteID string) (bool, error)
	GetSite(ctx context.Context, siteID string) (*Site, error)
}

// StaticRegistry is an in-memory registry, suitable for single-deployment
// setups where the site list is provisioned at startup.
type StaticRegistry struct {
	mu    sync.RWMutex
	sites map[string]Site
}

// NewStatic creates a registry holding the given sites.
func NewStatic(sites ...Site) *StaticRegistry {
	r := &StaticRegistry{sites: make(map[string]Site, len(sites))}
	for _, site := range sites {
		r.sites[site.ID] = site
	}
	return r
}

// AddSite registers a site, replacing any previous entry with the same ID.
func (r *StaticRegistry) AddSite(site Site) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sites[site.ID] = site
}

// SiteExists reports whether the registry knows the site.
func (r *StaticRegistry) SiteExists(ctx context.Context, siteID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sites[siteID]
	return ok, nil
}

// GetSite returns site metadata.
func (r *StaticRegistry) GetSite(ctx context.Context, siteID string) (*Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	site, ok := r.sites[siteID]
	if !ok {
		return nil, errors.New(errors.ErrInvalidSite).
			Component("siteregistry").
			Category(errors.CategoryNotFound).
			Context("site_id", siteID).
			Build()
	}
	return &site, nil
}
