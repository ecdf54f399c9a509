// Package adminapi is the operator-facing HTTP surface: read-mostly
// endpoints for online users, bans, operators, audit log, and basic metrics.
// It is explicitly not part of the wire protocol and carries no chat
// traffic; it runs on its own listen address, separate from the TCP wire
// protocol listener.
package adminapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"accord/internal/hub"
	"accord/internal/store"
)

// Server is the Echo application exposing the admin endpoints.
type Server struct {
	echo  *echo.Echo
	hub   *hub.Hub
	store *store.Store
}

// New constructs an Echo app with the admin routes registered.
func New(h *hub.Hub, st *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, hub: h, store: st}
	s.registerRoutes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			slog.Info("admin http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/online", s.handleOnline)
	s.echo.GET("/api/bans", s.handleBans)
	s.echo.GET("/api/operators", s.handleOperators)
	s.echo.GET("/api/audit", s.handleAudit)
	s.echo.GET("/api/metrics", s.handleMetrics)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("admin http server shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Online int    `json:"online"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Online: s.hub.Count(),
	})
}

type onlineResponse struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

func (s *Server) handleOnline(c echo.Context) error {
	users := s.hub.Online()
	if users == nil {
		users = []string{}
	}
	return c.JSON(http.StatusOK, onlineResponse{Count: len(users), Users: users})
}

func (s *Server) handleBans(c echo.Context) error {
	bans, err := s.store.ListBans(c.Request().Context())
	if err != nil {
		slog.Error("list bans failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "list bans failed")
	}
	if bans == nil {
		bans = []store.Ban{}
	}
	return c.JSON(http.StatusOK, bans)
}

func (s *Server) handleOperators(c echo.Context) error {
	ops, err := s.store.ListOperators(c.Request().Context())
	if err != nil {
		slog.Error("list operators failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "list operators failed")
	}
	if ops == nil {
		ops = []string{}
	}
	return c.JSON(http.StatusOK, ops)
}

const defaultAuditLimit = 100

func (s *Server) handleAudit(c echo.Context) error {
	entries, err := s.store.ListAudit(c.Request().Context(), defaultAuditLimit)
	if err != nil {
		slog.Error("list audit log failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "list audit log failed")
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

type metricsResponse struct {
	Online        int   `json:"online"`
	MessagesTotal int64 `json:"messages_total"`
}

func (s *Server) handleMetrics(c echo.Context) error {
	total, err := s.store.MessageCount(c.Request().Context())
	if err != nil {
		slog.Error("message count failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "message count failed")
	}
	return c.JSON(http.StatusOK, metricsResponse{
		Online:        s.hub.Count(),
		MessagesTotal: total,
	})
}
