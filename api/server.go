// Package api exposes the agent over HTTP: one query endpoint driving the
// reasoning loop, plus a health probe.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	contractx "github.com/finagent/finagent/agent/contract"
	"github.com/finagent/finagent/agent/loop"
	statex "github.com/finagent/finagent/agent/state"
)

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	ConversationID string          `json:"conversation_id"`
	Query          string          `json:"query"`
	Overrides      *QueryOverrides `json:"overrides,omitempty"`
}

// QueryOverrides are optional per-request loop knobs.
type QueryOverrides struct {
	MaxIterations int `json:"max_iterations,omitempty"`
	RetrievalK    int `json:"retrieval_k,omitempty"`
}

// QueryResponse carries the answer plus the full decision trace, also for
// runs that ended without one.
type QueryResponse struct {
	ConversationID string                 `json:"conversation_id"`
	Answer         string                 `json:"answer,omitempty"`
	Status         contractx.RunStatus    `json:"status"`
	Error          string                 `json:"error,omitempty"`
	Trace          []contractx.TraceEntry `json:"trace"`
}

// HealthChecker reports readiness of a downstream dependency.
type HealthChecker func(c echo.Context) error

type Server struct {
	echo   *echo.Echo
	store  statex.Store
	locks  *statex.LockManager
	runner *loop.Runner
	health HealthChecker

	now func() time.Time
}

func NewServer(store statex.Store, locks *statex.LockManager, runner *loop.Runner, health HealthChecker) (*Server, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if locks == nil {
		return nil, errors.New("lock manager is required")
	}
	if runner == nil {
		return nil, errors.New("loop runner is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		store:  store,
		locks:  locks,
		runner: runner,
		health: health,
		now:    time.Now,
	}

	e.POST("/v1/query", s.handleQuery)
	e.GET("/healthz", s.handleHealthz)
	return s, nil
}

func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the router for main's lifecycle management and for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) handleQuery(c echo.Context) error {
	ctx := c.Request().Context()

	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.Query = strings.TrimSpace(req.Query)
	if req.ConversationID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "conversation_id is required"})
	}
	if req.Query == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "query is required"})
	}

	release, err := s.locks.Acquire(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, contractx.ErrSessionBusy) {
			return c.JSON(http.StatusTooManyRequests, QueryResponse{
				ConversationID: req.ConversationID,
				Status:         contractx.StatusSessionBusy,
				Error:          err.Error(),
			})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	defer release()

	sess, err := statex.LoadOrCreate(ctx, s.store, req.ConversationID, s.now())
	if err != nil {
		log.Error().Err(err).Str("conversation_id", req.ConversationID).Msg("load session failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load session"})
	}

	var ov loop.Overrides
	if req.Overrides != nil {
		ov = loop.Overrides{
			MaxIterations: req.Overrides.MaxIterations,
			RetrievalK:    req.Overrides.RetrievalK,
		}
	}

	result := s.runner.RunWith(ctx, sess, req.Query, ov)

	// Committed turns survive whatever the run's disposition was, including
	// a client disconnect that already killed the request context.
	if err := s.store.Save(context.WithoutCancel(ctx), sess); err != nil {
		log.Error().Err(err).Str("conversation_id", req.ConversationID).Msg("save session failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to save session"})
	}

	resp := QueryResponse{
		ConversationID: req.ConversationID,
		Answer:         result.Answer,
		Status:         result.Status,
		Trace:          result.Trace,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealthz(c echo.Context) error {
	if s.health != nil {
		if err := s.health(c); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
