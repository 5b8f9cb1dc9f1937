package api

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdcensus-go/internal/datastore"
)

func (c *Controller) initCounterRoutes() {
	c.Group.GET("/counters", c.GetCounters)
	c.Group.GET("/counters/:site/:species", c.GetCounter)
	c.Group.POST("/counters/:site/:species/verify", c.VerifyCounter)
}

// CounterResponse is the API representation of a species/site counter.
type CounterResponse struct {
	SiteID              string         `json:"siteId"`
	Species             string         `json:"species"`
	TotalCount          int            `json:"totalCount"`
	ObservationCount    int            `json:"observationCount"`
	LastObservationDate string         `json:"lastObservationDate,omitempty"`
	MonthlyCounts       map[string]int `json:"monthlyCounts"`
	YearlyCounts        map[string]int `json:"yearlyCounts"`
	Verified            bool           `json:"verified"`
	VerifiedBy          string         `json:"verifiedBy,omitempty"`
	VerifiedAt          *time.Time     `json:"verifiedAt,omitempty"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

func counterToResponse(s *datastore.SpeciesSiteCounter) CounterResponse {
	return CounterResponse{
		SiteID:              s.SiteID,
		Species:             s.Species,
		TotalCount:          s.TotalCount,
		ObservationCount:    s.ObservationCount,
		LastObservationDate: s.LastObservationDate,
		MonthlyCounts:       map[string]int(s.MonthlyCounts.Copy()),
		YearlyCounts:        map[string]int(s.YearlyCounts.Copy()),
		Verified:            s.Verified,
		VerifiedBy:          s.VerifiedBy,
		VerifiedAt:          s.VerifiedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}

// GetCounters lists counters, optionally filtered by site and verification
// state. Results are cached briefly; any counter mutation flushes the cache.
func (c *Controller) GetCounters(ctx echo.Context) error {
	siteID := ctx.QueryParam("site")
	var verified *bool
	if v := ctx.QueryParam("verified"); v != "" {
		b := v == "true"
		verified = &b
	}

	cacheKey := fmt.Sprintf("counters:%s:%s", siteID, ctx.QueryParam("verified"))
	if cached, found := c.counterCache.Get(cacheKey); found {
		return ctx.JSON(http.StatusOK, cached)
	}

	counters, err := c.Aggregator.ListCounters(ctx.Request().Context(), siteID, verified)
	if err != nil {
		return c.handleError(ctx, err)
	}

	resp := make([]CounterResponse, 0, len(counters))
	for i := range counters {
		resp = append(resp, counterToResponse(&counters[i]))
	}

	c.counterCache.SetDefault(cacheKey, resp)
	return ctx.JSON(http.StatusOK, resp)
}

// pathParam returns a path parameter with percent encoding removed.
func pathParam(ctx echo.Context, name string) string {
	value := ctx.Param(name)
	if decoded, err := url.PathUnescape(value); err == nil {
		return decoded
	}
	return value
}

// GetCounter returns a single site/species counter.
func (c *Controller) GetCounter(ctx echo.Context) error {
	siteID := pathParam(ctx, "site")
	species := pathParam(ctx, "species")

	cacheKey := fmt.Sprintf("counter:%s:%s", siteID, species)
	if cached, found := c.counterCache.Get(cacheKey); found {
		return ctx.JSON(http.StatusOK, cached)
	}

	counter, err := c.Aggregator.GetCounter(ctx.Request().Context(), siteID, species)
	if err != nil {
		return c.handleError(ctx, err)
	}

	resp := counterToResponse(counter)
	c.counterCache.SetDefault(cacheKey, resp)
	return ctx.JSON(http.StatusOK, resp)
}

// VerifyRequest carries the verifier identity.
type VerifyRequest struct {
	Verifier string `json:"verifier"`
}

// VerifyCounter marks a counter as human verified. Any later allocation or
// compensation against the counter clears the flag.
func (c *Controller) VerifyCounter(ctx echo.Context) error {
	var req VerifyRequest
	if err := ctx.Bind(&req); err != nil {
		return c.handleError(ctx, bindError(err))
	}

	counter, err := c.Aggregator.Verify(ctx.Request().Context(), pathParam(ctx, "site"), pathParam(ctx, "species"), req.Verifier)
	if err != nil {
		return c.handleError(ctx, err)
	}

	c.counterCache.Flush()
	return ctx.JSON(http.StatusOK, counterToResponse(counter))
}
