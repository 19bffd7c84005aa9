// Package http implements the HTTP facade of the proxy: task submission,
// job monitoring, the raw slurmrestd passthrough and the operational
// endpoints. Responses are JSON except /ping, /health and /metrics; errors
// are one line of text under the error key.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/exporter-toolkit/web"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/base"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/registry"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/slurm"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/submit"
)

// Submitter runs the submission pipeline and adopts foreign jobs.
// *submit.Submitter implements it.
type Submitter interface {
	Submit(ctx context.Context, task *models.Task) (*submit.Result, error)
	Register(ctx context.Context, username string, jobID int64) (*models.JobRecord, error)
	RegisterTask(ctx context.Context, jobID int64, task *models.Task) (*models.JobRecord, error)
}

// Querier forwards raw queries to slurmrestd. *slurm.Client implements it.
// On deployments without a REST endpoint the passthrough routes answer 400.
type Querier interface {
	Diag(ctx context.Context, username string) (*slurm.QueryResult, error)
	Jobs(ctx context.Context, username string, updateTime int64) (*slurm.QueryResult, error)
	Job(ctx context.Context, username string, jobID int64) (*slurm.QueryResult, error)
	SubmitRaw(ctx context.Context, username string, body []byte) (*slurm.QueryResult, error)
}

// StatusLister lists accounting rows of all jobs in one state. Only the SSH
// transport implements it; without one the state listing serves registry
// records instead.
type StatusLister interface {
	JobsByState(ctx context.Context, state models.State) ([]models.JobStatus, error)
}

// WebConfig makes the server configuration for proxy.
type WebConfig struct {
	Addresses         []string
	WebSystemdSocket  bool
	WebConfigFile     string
	EnableDebugServer bool
}

// Config makes the config of the proxy HTTP server.
type Config struct {
	Logger    *slog.Logger
	Web       WebConfig
	Registry  *registry.Registry
	Submitter Submitter
	Transport submit.Transport
	Querier   Querier
	Lister    StatusLister
	Gatherer  prometheus.Gatherer
}

// Server struct implements the HTTP server of the proxy.
type Server struct {
	logger    *slog.Logger
	server    *http.Server
	webConfig *web.FlagConfig
	registry  *registry.Registry
	submitter Submitter
	transport submit.Transport
	querier   Querier
	lister    StatusLister
}

// New creates a new Server with all routes mounted.
func New(c *Config) (*Server, error) {
	if c.Registry == nil || c.Submitter == nil || c.Transport == nil {
		return nil, errors.New("registry, submitter and transport are required")
	}

	if len(c.Web.Addresses) == 0 {
		return nil, errors.New("no web listen addresses")
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	router := mux.NewRouter()
	server := &Server{
		logger:    logger,
		registry:  c.Registry,
		submitter: c.Submitter,
		transport: c.Transport,
		querier:   c.Querier,
		lister:    c.Lister,
		server: &http.Server{
			Addr:              c.Web.Addresses[0],
			Handler:           router,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadHeaderTimeout: 2 * time.Second, // slowloris attack: https://app.deepsource.com/directory/analyzers/go/issues/GO-S2112
		},
		webConfig: &web.FlagConfig{
			WebListenAddresses: &c.Web.Addresses,
			WebSystemdSocket:   &c.Web.WebSystemdSocket,
			WebConfigFile:      &c.Web.WebConfigFile,
		},
	}

	// If EnableDebugServer is true add debug endpoints
	if c.Web.EnableDebugServer {
		// pprof debug end points. Expose them only on localhost
		router.PathPrefix("/debug/").Handler(http.DefaultServeMux).Methods(http.MethodGet).Host("localhost")
	}

	if c.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(c.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	server.routes(router)

	return server, nil
}

// routes mounts the facade endpoints.
func (s *Server) routes(router *mux.Router) {
	s.handle(router, http.MethodGet, "/ping", s.ping)
	s.handle(router, http.MethodGet, "/health", s.health)

	s.handle(router, http.MethodPost, "/submit", s.submitTask)
	s.handle(router, http.MethodPost, "/submit/task", s.submitTask)

	s.handle(router, http.MethodPost, "/monitor", s.monitorJob)
	s.handle(router, http.MethodPost, "/monitor/slurm_job_id/{id:[0-9]+}", s.registerJob)
	s.handle(router, http.MethodGet, "/monitor/slurm_job_id/{id:[0-9]+}", s.jobSummary)
	s.handle(router, http.MethodDelete, "/monitor/slurm_job_id/{id:[0-9]+}", s.deleteJob)
	s.handle(router, http.MethodGet, "/monitor/task_uuid/{uuid}", s.jobSummaryByUUID)
	s.handle(router, http.MethodGet, "/monitor/slurm_job_state/{state}", s.jobsByState)

	s.handle(router, http.MethodGet, "/slurm/diag", s.diag)
	s.handle(router, http.MethodGet, "/slurm/jobs", s.jobs)
	s.handle(router, http.MethodGet, "/slurm/jobs/{update_time:[0-9]+}", s.jobs)
	s.handle(router, http.MethodGet, "/slurm/job/{job_id:[0-9]+}", s.job)
	s.handle(router, http.MethodPost, "/slurm/job/submit", s.slurmSubmit)
}

// handle registers h for both the bare and the trailing slash form of path.
func (s *Server) handle(router *mux.Router, method string, path string, h http.HandlerFunc) {
	router.HandleFunc(path, h).Methods(method)
	router.HandleFunc(path+"/", h).Methods(method)
}

// Start launches the proxy HTTP server.
func (s *Server) Start() error {
	s.logger.Info("Starting " + base.SlurmProxyAppName)

	if err := web.ListenAndServe(s.server, s.webConfig, s.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Failed to Listen and Serve HTTP server", "err", err)

		return err
	}

	return nil
}

// Shutdown stops the proxy HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping " + base.SlurmProxyAppName)

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to stop HTTP server", "err", err)

		return err
	}

	return nil
}
