package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/bibcluster/internal/auth"
	"horse.fit/bibcluster/internal/clustering"
	"horse.fit/bibcluster/internal/db"
	"horse.fit/bibcluster/internal/housekeeping"
	"horse.fit/bibcluster/internal/search"
)

// ClusterService is the clustering surface exposed to operators.
type ClusterService interface {
	DescribeCluster(ctx context.Context, clusterID uuid.UUID) (*clustering.ClusterDetail, error)
	ClusterBibByID(ctx context.Context, bibID uuid.UUID) (*db.Bib, error)
	DisperseAndRecluster(ctx context.Context, clusterID uuid.UUID) (uuid.UUID, error)
	ProcessingVersion() int
}

type Housekeeping interface {
	Prioritise(id string) bool
	Rearm()
	Status() housekeeping.Status
}

type Searcher interface {
	Search(ctx context.Context, params search.SearchParams) (*search.SearchResult, error)
}

type StatsSource interface {
	QueryClusterStats(ctx context.Context, liveVersion int, dayStart, dayEnd time.Time) (*db.ClusterStats, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators behind the routes. Housekeeping, Search,
// Stats and Database are optional; their routes answer 503 when unset.
type Dependencies struct {
	Clusters     ClusterService
	Housekeeping Housekeeping
	Search       Searcher
	Stats        StatsSource
	Database     Pinger
}

type Options struct {
	// TokenHash is the bcrypt hash of the operator token. When set, every
	// POST route requires "Authorization: Bearer <token>".
	TokenHash       string
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	deps   Dependencies
	logger zerolog.Logger
	opts   Options
}

func NewServer(deps Dependencies, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 60 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		deps:   deps,
		logger: logger.With().Str("component", "http").Logger(),
		opts: Options{
			TokenHash:       strings.TrimSpace(opts.TokenHash),
			Host:            host,
			Port:            port,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
		},
	}
}

// Handler builds the echo instance with every route registered.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/search", s.handleSearch)
	api.GET("/clusters/:cluster_id", s.handleClusterDetail)
	api.GET("/housekeeping", s.handleHousekeepingStatus)

	api.POST("/clusters/:cluster_id/reprocess", s.handlePrioritise, s.requireOperator)
	api.POST("/clusters/:cluster_id/disperse", s.handleDisperse, s.requireOperator)
	api.POST("/bibs/:bib_id/cluster", s.handleClusterBib, s.requireOperator)
	api.POST("/housekeeping/rearm", s.handleHousekeepingRearm, s.requireOperator)

	return e
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.deps.Clusters == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.Handler()
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("bibcluster ops server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("bibcluster ops server stopped")
	return nil
}

func (s *Server) requireOperator(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.opts.TokenHash == "" {
			return next(c)
		}
		token := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if token == "" {
			return fail(c, http.StatusUnauthorized, "Operator token required", nil)
		}
		if !auth.VerifyToken(token, s.opts.TokenHash) {
			s.logger.Warn().Str("remote_ip", c.RealIP()).Str("path", c.Path()).Msg("rejected operator token")
			return fail(c, http.StatusForbidden, "Invalid operator token", nil)
		}
		return next(c)
	}
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}

func parseUUIDParam(c echo.Context, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(c.Param(name))
	if raw == "" {
		return uuid.Nil, fmt.Errorf("is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("must be a uuid")
	}
	return id, nil
}
