package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/thoughtd/internal/dedup"
	"github.com/fyrsmithlabs/thoughtd/internal/logging"
	"github.com/fyrsmithlabs/thoughtd/internal/search"
	"github.com/fyrsmithlabs/thoughtd/internal/thought"
)

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.config.Version,
		Checks:  map[string]string{"store": "ok"},
		Tenants: s.services.Tenants().Len(),
	}
	if err := s.services.Store().Ping(c.Request().Context()); err != nil {
		resp.Status = "degraded"
		resp.Checks["store"] = err.Error()
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListTenants(c echo.Context) error {
	return c.JSON(http.StatusOK, s.services.Tenants().List())
}

// handleDiscover runs one discovery pass. Partial failures still report the
// tenants that were provisioned.
func (s *Server) handleDiscover(c echo.Context) error {
	res, err := s.services.Discoverer().Discover(c.Request().Context())
	resp := DiscoverResponse{Tenants: res.Tenants, New: res.New}
	if err != nil {
		resp.Error = err.Error()
		if len(res.Tenants) == 0 {
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSubmit(c echo.Context) error {
	tenant := c.Param("tenant")
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var opts []dedup.SubmitOption
	if req.ChainID != "" {
		opts = append(opts, dedup.WithChain(req.ChainID, req.Sequence))
	}
	res, err := s.services.Gate().Submit(c.Request().Context(), tenant, req.Content, opts...)
	if err != nil {
		return err
	}

	status := http.StatusCreated
	if !res.Accepted {
		status = http.StatusOK
	}
	return c.JSON(status, SubmitResponse{Accepted: res.Accepted, ThoughtID: res.ThoughtID, Position: res.Position})
}

func (s *Server) handleSearch(c echo.Context) error {
	req := search.Request{
		Tenant:    c.Param("tenant"),
		Query:     c.QueryParam("q"),
		Threshold: -1,
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		req.Limit = n
	}
	if v := c.QueryParam("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil || f < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "threshold must be a number in [0, 1]")
		}
		req.Threshold = float32(f)
	}

	resp, err := s.services.Search().Search(c.Request().Context(), req)
	if err != nil {
		return err
	}
	if resp.Results == nil {
		resp.Results = []search.Result{}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCursor(c echo.Context) error {
	tenant := c.Param("tenant")
	if err := thought.ValidateTenant(tenant); err != nil {
		return err
	}
	info, err := s.services.Drainer().Cursor(c.Request().Context(), tenant)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleParked(c echo.Context) error {
	tenant := c.Param("tenant")
	if err := thought.ValidateTenant(tenant); err != nil {
		return err
	}
	parked, err := s.services.Drainer().Parked(c.Request().Context(), tenant)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, parked)
}

// handleDrain drains whatever is claimable right now without blocking. It
// takes the tenant's turn on the shared drainer, so it waits for a batch the
// background worker is processing and never interleaves with it.
func (s *Server) handleDrain(c echo.Context) error {
	tenant := c.Param("tenant")
	stats, err := s.services.Drainer().DrainPending(c.Request().Context(), tenant)
	if err != nil && stats.Processed() == 0 {
		return err
	}
	if err != nil {
		logging.For(c.Request().Context(), s.logger).Warn("drain stopped early", zap.Error(err))
	}
	return c.JSON(http.StatusOK, DrainResponse{Tenant: tenant, Stats: stats})
}
