package siteregistry

import (
	"context"

	"github.com/tphakala/birdcensus-go/internal/datastore"
	"github.com/tphakala/birdcensus-go/internal/errors"
)

// DatabaseRegistry resolves sites from the census_sites table, so the site
// list survives restarts and is shared across processes using the same
// database.
type DatabaseRegistry struct {
	ds datastore.Interface
}

// NewDatabase creates a registry backed by the datastore.
func NewDatabase(ds datastore.Interface) *DatabaseRegistry {
	return &DatabaseRegistry{ds: ds}
}

// Seed provisions the given sites, updating metadata of existing ones.
func (r *DatabaseRegistry) Seed(ctx context.Context, sites ...Site) error {
	for _, site := range sites {
		record := &datastore.CensusSite{
			SiteID:    site.ID,
			Name:      site.Name,
			Latitude:  site.Latitude,
			Longitude: site.Longitude,
		}
		if err := r.ds.SaveCensusSite(record); err != nil {
			return err
		}
	}
	return nil
}

// SiteExists reports whether the site is provisioned.
func (r *DatabaseRegistry) SiteExists(ctx context.Context, siteID string) (bool, error) {
	return r.ds.CensusSiteExists(siteID)
}

// GetSite returns site metadata.
func (r *DatabaseRegistry) GetSite(ctx context.Context, siteID string) (*Site, error) {
	record, err := r.ds.GetCensusSite(siteID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.New(errors.ErrInvalidSite).
				Component("siteregistry").
				Category(errors.CategoryNotFound).
				Context("site_id", siteID).
				Build()
		}
		return nil, err
	}
	return &Site{
		ID:        record.SiteID,
		Name:      record.Name,
		Latitude:  record.Latitude,
		Longitude: record.Longitude,
	}, nil
}
