// Package httpapi exposes the thin collaborator-facing HTTP surface named
// in spec §6: enqueue a job, read a project's cost report, check health,
// and redrive a dead-lettered job. It is intentionally minimal — the
// Dispatcher, not this package, is the system's core — but every service
// in the retrieval pack ships some HTTP entry point in this style
// (cmd/tarsy/main.go's gin.Default() router), so this package follows
// that same shape rather than leaving the collaborator surface as a gap.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentforge/dispatchd/internal/dispatcher"
	"github.com/agentforge/dispatchd/internal/models"
)

// JobStore is the slice of *store.JobRepo this package needs.
type JobStore interface {
	Insert(ctx context.Context, j *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	ListByProjectInWindow(ctx context.Context, projectID string, from, to time.Time) ([]*models.Job, error)
}

// ProjectStore is the slice of *store.ProjectRepo this package needs.
type ProjectStore interface {
	Get(ctx context.Context, id string) (*models.Project, error)
}

// Queue is the slice of *queuefacade.Facade this package needs.
type Queue interface {
	Publish(ctx context.Context, queue models.QueueName, payload []byte) error
	Depth(ctx context.Context, queue models.QueueName) (int64, error)
}

// Defaults bundles the fallback provider/model/retry settings applied to
// an enqueue request that omits them, sourced from internal/config.Defaults
// without importing that package directly (kept narrow, same as the
// store/queue interfaces above).
type Defaults struct {
	Provider   string
	Model      string
	MaxRetries int
}

// HealthSource returns a snapshot of every live dispatcher worker. Wired in
// by cmd/dispatchd/main.go once workers are constructed; nil until then.
type HealthSource func() []dispatcher.Health

// Server is the HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	jobs     JobStore
	projects ProjectStore
	queue    Queue
	redriver *dispatcher.Redriver
	defaults Defaults

	healthSource HealthSource
}

// NewServer constructs a Server and registers every route.
func NewServer(jobs JobStore, projects ProjectStore, queue Queue, redriver *dispatcher.Redriver, defaults Defaults) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		engine:   engine,
		jobs:     jobs,
		projects: projects,
		queue:    queue,
		redriver: redriver,
		defaults: defaults,
	}
	s.setupRoutes()
	return s
}

// SetHealthSource wires in the dispatcher worker pool's health snapshot
// function, mirroring the teacher's Server.Set*-after-construction wiring
// style for components that are built after the HTTP server.
func (s *Server) SetHealthSource(src HealthSource) {
	s.healthSource = src
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.healthHandler)
	s.engine.POST("/jobs", s.enqueueHandler)
	s.engine.GET("/projects/:id/cost", s.costHandler)
	s.engine.POST("/admin/dead-letter/:job_id/redrive", s.redriveHandler)
}

// Start runs the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requestLogger is a minimal structured-logging middleware, standing in
// for gin.Logger() with slog output so request logs match the rest of the
// service's log format.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		slog.Info("http request",
			"method", c.Request.Method, "path", path,
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}
