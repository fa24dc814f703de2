package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/job"
	"github.com/cuemby/cloudscheduler/pkg/metrics"
	"github.com/cuemby/cloudscheduler/pkg/pool"
	"github.com/rs/zerolog"
)

// InfoServer provides the read-only HTTP status endpoints
type InfoServer struct {
	pool   *pool.Pool
	jobs   *job.Pool
	logger zerolog.Logger
	mux    *http.ServeMux
	server *http.Server
}

// NewInfoServer creates the status HTTP server
func NewInfoServer(p *pool.Pool, jobs *job.Pool, logger zerolog.Logger) *InfoServer {
	mux := http.NewServeMux()
	s := &InfoServer{
		pool:   p,
		jobs:   jobs,
		logger: logger,
		mux:    mux,
	}

	// Register endpoints
	mux.Handle("GET /health", metrics.HealthHandler())
	mux.Handle("GET /ready", metrics.ReadyHandler())
	mux.Handle("GET /live", metrics.LivenessHandler())
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /clusters", s.clustersHandler)
	mux.HandleFunc("GET /clusters/{name}", s.clusterHandler)
	mux.HandleFunc("GET /vms", s.vmsHandler)
	mux.HandleFunc("GET /jobs", s.jobsHandler)
	mux.HandleFunc("GET /distribution", s.distributionHandler)

	return s
}

// Start listens on addr and serves in the background until Shutdown
func (s *InfoServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv := s.server
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Info server stopped")
		}
	}()
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Info server listening")
	return nil
}

// Shutdown stops the server started by Start
func (s *InfoServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (s *InfoServer) GetHandler() http.Handler {
	return s.mux
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, cluster.ErrClusterNotFound), errors.Is(err, cluster.ErrVMNotFound):
		code = http.StatusNotFound
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

// text reports whether the caller asked for ?format=text
func text(r *http.Request) bool {
	return r.URL.Query().Get("format") == "text"
}

// respond writes v as JSON, or as the text rendering when asked for
func respond(w http.ResponseWriter, r *http.Request, v interface{}, render func(http.ResponseWriter) error) {
	if !text(r) {
		writeJSON(w, http.StatusOK, v)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = render(w)
}

func (s *InfoServer) clustersHandler(w http.ResponseWriter, r *http.Request) {
	clusters := ListClusters(s.pool)
	if clusters == nil {
		clusters = []ClusterView{}
	}
	respond(w, r, clusters, func(w http.ResponseWriter) error { return WriteClusters(w, clusters) })
}

func (s *InfoServer) clusterHandler(w http.ResponseWriter, r *http.Request) {
	cl, err := s.pool.Cluster(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	view := NewClusterView(cl, false, true)
	respond(w, r, view, func(w http.ResponseWriter) error { return WriteCluster(w, view) })
}

func (s *InfoServer) vmsHandler(w http.ResponseWriter, r *http.Request) {
	vms, err := ListVMs(s.pool, r.URL.Query().Get("cluster"))
	if err != nil {
		writeError(w, err)
		return
	}
	if vms == nil {
		vms = []VMView{}
	}
	respond(w, r, vms, func(w http.ResponseWriter) error { return WriteVMs(w, vms) })
}

func (s *InfoServer) jobsHandler(w http.ResponseWriter, r *http.Request) {
	counts := s.jobs.CountsByState()
	respond(w, r, counts, func(w http.ResponseWriter) error { return WriteJobCounts(w, counts) })
}

func (s *InfoServer) distributionHandler(w http.ResponseWriter, r *http.Request) {
	d, err := Compare(s.pool, s.jobs, r.URL.Query().Get("weight"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	respond(w, r, d, func(w http.ResponseWriter) error { return WriteDistribution(w, d) })
}
