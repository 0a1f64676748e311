package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"horse.fit/bibcluster/internal/db"
	"horse.fit/bibcluster/internal/globaltime"
	"horse.fit/bibcluster/internal/search"
)

func (s *Server) handleHealth(c echo.Context) error {
	data := map[string]any{
		"service": "bibcluster",
		"time":    globaltime.UTC(),
	}
	if s.deps.Clusters != nil {
		data["processing_version"] = s.deps.Clusters.ProcessingVersion()
	}
	if s.deps.Database != nil {
		if err := s.deps.Database.Ping(c.Request().Context()); err != nil {
			s.logger.Error().Err(err).Msg("database ping failed")
			return c.JSON(http.StatusServiceUnavailable, jsendResponse{
				Status:  "error",
				Message: "Database unavailable",
				Code:    http.StatusServiceUnavailable,
			})
		}
		data["database"] = "ok"
	}
	return success(c, data)
}

func (s *Server) handleStats(c echo.Context) error {
	if s.deps.Stats == nil || s.deps.Clusters == nil {
		return unavailable(c, "Stats are not available")
	}

	now := globaltime.UTC()
	dayStart := now.Truncate(24 * time.Hour)
	stats, err := s.deps.Stats.QueryClusterStats(c.Request().Context(), s.deps.Clusters.ProcessingVersion(), dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		s.logger.Error().Err(err).Msg("query cluster stats failed")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

func (s *Server) handleClusterDetail(c echo.Context) error {
	clusterID, err := parseUUIDParam(c, "cluster_id")
	if err != nil {
		return failValidation(c, map[string]string{"cluster_id": err.Error()})
	}

	detail, err := s.deps.Clusters.DescribeCluster(c.Request().Context(), clusterID)
	if errors.Is(err, db.ErrNotFound) {
		return failNotFound(c, "Cluster not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Str("cluster_id", clusterID.String()).Msg("describe cluster failed")
		return internalError(c, "Failed to load cluster")
	}
	return success(c, detail)
}

func (s *Server) handlePrioritise(c echo.Context) error {
	if s.deps.Housekeeping == nil {
		return unavailable(c, "Housekeeping is disabled")
	}
	clusterID, err := parseUUIDParam(c, "cluster_id")
	if err != nil {
		return failValidation(c, map[string]string{"cluster_id": err.Error()})
	}

	added := s.deps.Housekeeping.Prioritise(clusterID.String())
	return successWithStatus(c, http.StatusAccepted, map[string]any{
		"cluster_id":     clusterID,
		"queued":         added,
		"already_queued": !added,
	})
}

func (s *Server) handleDisperse(c echo.Context) error {
	clusterID, err := parseUUIDParam(c, "cluster_id")
	if err != nil {
		return failValidation(c, map[string]string{"cluster_id": err.Error()})
	}

	dispersed, err := s.deps.Clusters.DisperseAndRecluster(c.Request().Context(), clusterID)
	if errors.Is(err, db.ErrNotFound) {
		return failNotFound(c, "Cluster not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Str("cluster_id", clusterID.String()).Msg("disperse cluster failed")
		return internalError(c, "Failed to disperse cluster")
	}
	return success(c, map[string]any{"cluster_id": dispersed})
}

func (s *Server) handleClusterBib(c echo.Context) error {
	bibID, err := parseUUIDParam(c, "bib_id")
	if err != nil {
		return failValidation(c, map[string]string{"bib_id": err.Error()})
	}

	bib, err := s.deps.Clusters.ClusterBibByID(c.Request().Context(), bibID)
	if errors.Is(err, db.ErrNotFound) {
		return failNotFound(c, "Bib not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Str("bib_id", bibID.String()).Msg("cluster bib failed")
		return internalError(c, "Failed to cluster bib")
	}
	return success(c, map[string]any{
		"bib_id":     bib.ID,
		"cluster_id": bib.ContributesTo,
	})
}

func (s *Server) handleHousekeepingStatus(c echo.Context) error {
	if s.deps.Housekeeping == nil {
		return unavailable(c, "Housekeeping is disabled")
	}
	return success(c, s.deps.Housekeeping.Status())
}

func (s *Server) handleHousekeepingRearm(c echo.Context) error {
	if s.deps.Housekeeping == nil {
		return unavailable(c, "Housekeeping is disabled")
	}
	s.deps.Housekeeping.Rearm()
	return success(c, s.deps.Housekeeping.Status())
}

func (s *Server) handleSearch(c echo.Context) error {
	if s.deps.Search == nil {
		return unavailable(c, "Search is not available")
	}

	limit, err := parsePositiveInt(c.QueryParam("limit"), 20, 1, 200)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	offset, err := parsePositiveInt(c.QueryParam("offset"), 0, 0, 1_000_000)
	if err != nil {
		return failValidation(c, map[string]string{"offset": err.Error()})
	}
	onlyOutdated := false
	if raw := strings.TrimSpace(c.QueryParam("outdated")); raw != "" {
		onlyOutdated, err = strconv.ParseBool(raw)
		if err != nil {
			return failValidation(c, map[string]string{"outdated": "must be a boolean"})
		}
	}

	params := search.SearchParams{
		Query:        strings.TrimSpace(c.QueryParam("q")),
		DerivedType:  strings.TrimSpace(c.QueryParam("derived_type")),
		MatchPoint:   strings.TrimSpace(c.QueryParam("match_point")),
		Language:     strings.TrimSpace(c.QueryParam("language")),
		OnlyOutdated: onlyOutdated,
		Limit:        limit,
		Offset:       offset,
	}
	result, err := s.deps.Search.Search(c.Request().Context(), params)
	if err != nil {
		s.logger.Error().Err(err).Str("q", params.Query).Msg("search failed")
		return internalError(c, "Search failed")
	}
	return success(c, result)
}
