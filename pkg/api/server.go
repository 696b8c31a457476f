// Package api exposes the engine over HTTP
//
//	@title			stagehand API
//	@version		1.0
//	@description	Deploy and build job queue with locks, buddy checks and live output.
//	@BasePath		/
package api

//go:generate swag init --generalInfo server.go --dir . --output ../../docs/api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stagehand/stagehand/internal/engine"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/stream"
	"github.com/stagehand/stagehand/pkg/types"
)

// ActorHeader carries the caller's identity; authentication happens upstream
const ActorHeader = "X-Stagehand-User"

// Engine is the part of the engine the API serves
type Engine interface {
	SubmitDeploy(ctx context.Context, req types.DeployRequest) (*types.Job, error)
	CancelJob(ctx context.Context, jobID string) bool
	Job(id string) (*types.Job, error)
	Jobs() []*types.Job
	ActiveDeploys() []*types.Job
	Subscribe(jobID string) (*stream.Subscription, error)
	AcquireLock(ctx context.Context, req types.LockRequest) (*types.Lock, error)
	ReleaseLock(resource types.Resource, holder string) error
	ReleaseLockByID(id string) error
	Locks() []*types.Lock
	Approve(ctx context.Context, deployID, approver string) (*types.BuddyCheck, error)
	TriggerBuild(ctx context.Context, req types.BuildRequest) (*types.Build, *types.Job, error)
	Build(id string) (*types.Build, error)
	Builds(project string) []*types.Build
	SetEnabled(enabled bool)
	Enabled() bool
	Metrics() *engine.Metrics
}

// Server routes HTTP requests to the engine
type Server struct {
	engine Engine
	logger logger.Logger
	router chi.Router
}

// NewServer builds the router
func NewServer(e Engine, log logger.Logger) *Server {
	s := &Server{engine: e, logger: log}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestContext)
	r.Use(s.accessLog)

	r.Get("/ping", s.handlePing)
	r.Handle("/metrics", promhttp.HandlerFor(s.engine.Metrics().Registry, promhttp.HandlerOpts{}))

	r.Get("/jobs/enabled", s.handleGetEnabled)
	r.Put("/jobs/enabled", s.handleSetEnabled)
	r.Get("/streaming/jobs/{id}", s.handleStream)

	r.Route("/api", func(r chi.Router) {
		r.Post("/deploys", s.handleSubmitDeploy)
		r.Get("/deploys/active", s.handleActiveDeploys)
		r.Get("/deploys/active_count", s.handleActiveCount)
		r.Post("/deploys/{id}/buddy_check", s.handleApprove)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)

		r.Get("/locks", s.handleListLocks)
		r.Post("/locks", s.handleAcquireLock)
		r.Delete("/locks", s.handleReleaseLockByResource)
		r.Delete("/locks/{id}", s.handleReleaseLock)

		r.Get("/projects/{project}/builds", s.handleListBuilds)
		r.Post("/projects/{project}/builds", s.handleTriggerBuild)
		r.Get("/builds/{id}", s.handleGetBuild)
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", logger.WithField("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()
	if ready != nil {
		ready(ln.Addr())
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
