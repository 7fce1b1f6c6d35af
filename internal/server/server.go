// Package server exposes secrets, configs, swarm state and rollouts as an
// HTTP JSON API under /api.
//
// The routes are the ones the web console used (GET/POST /api/secrets,
// GET/PUT/DELETE /api/secrets/{id}, and the same for configs), extended
// with swarm, rollout and health endpoints. PUT runs a rolling update
// through rollout.Updater, so objects that services use can be changed.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
	"github.com/shinji-kodama/swarm-secrets/internal/rollout"
)

const (
	// maxBodyBytes bounds request bodies: the largest payload (a config)
	// base64-encoded, plus room for name and labels.
	maxBodyBytes = 2 * 1000 * 1024

	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server serves the API for one daemon.
type Server struct {
	cli     *docker.Client
	updater *rollout.Updater
	log     *zap.Logger
	router  *mux.Router
}

// New returns a Server. Updates and rollout queries go through u.
func New(cli *docker.Client, u *rollout.Updater, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cli: cli, updater: u, log: log}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	// mux only runs Use middleware for matched routes, and subrouters
	// keep their own fallback handlers.
	notFound := s.recoverPanics(s.logRequests(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, model.NewCLIError(model.ExitNotFound, "no such endpoint"))
	})))
	notAllowed := s.recoverPanics(s.logRequests(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	})))

	r := mux.NewRouter()
	r.Use(s.recoverPanics, s.logRequests)
	r.NotFoundHandler = notFound
	r.MethodNotAllowedHandler = notAllowed

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.NotFoundHandler = notFound
	api.MethodNotAllowedHandler = notAllowed
	for _, kind := range []model.Kind{model.KindSecret, model.KindConfig} {
		h := objectHandlers{s: s, kind: kind}
		base := "/" + kind.Plural()
		api.HandleFunc(base, h.list).Methods(http.MethodGet)
		api.HandleFunc(base, h.create).Methods(http.MethodPost)
		api.HandleFunc(base+"/{id}", h.inspect).Methods(http.MethodGet)
		api.HandleFunc(base+"/{id}", h.update).Methods(http.MethodPut)
		api.HandleFunc(base+"/{id}", h.remove).Methods(http.MethodDelete)
	}

	api.HandleFunc("/swarm", s.swarmInfo).Methods(http.MethodGet)
	api.HandleFunc("/swarm/nodes", s.swarmNodes).Methods(http.MethodGet)

	api.HandleFunc("/rollouts", s.listRollouts).Methods(http.MethodGet)
	api.HandleFunc("/rollouts/cleanup", s.cleanupRollouts).Methods(http.MethodPost)
	api.HandleFunc("/rollouts/{id}", s.getRollout).Methods(http.MethodGet)
	api.HandleFunc("/rollouts/{id}/resume", s.resumeRollout).Methods(http.MethodPost)
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to listen on "+addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. In-flight requests get
// shutdownTimeout to finish; a rollout still running after that keeps
// its journal entry and can be resumed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		// Requests outlive ctx so that Shutdown can drain them.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		s.log.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
