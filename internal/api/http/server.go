package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cohortflow/cohortflow/internal/events"
	"github.com/cohortflow/cohortflow/internal/ledger"
	"github.com/cohortflow/cohortflow/internal/metrics"
	"github.com/cohortflow/cohortflow/internal/pipeline"
	"github.com/cohortflow/cohortflow/internal/validation"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// Pipeline is the part of the orchestrator the API drives.
type Pipeline interface {
	Registrar
	Upload(ctx context.Context, req pipeline.UploadRequest) (*pipeline.Receipt, error)
	Rerun(ctx context.Context, submissionID string) (*types.PipelineRun, error)
	CompleteValidation(ctx context.Context, runID string, res *validation.Result) error
}

// Registrar records an upload that already sits on the store.
type Registrar interface {
	Register(ctx context.Context, req pipeline.RegisterRequest) (*pipeline.Receipt, error)
}

// Catalog is the read side of the catalog the API serves.
type Catalog interface {
	GetSubmission(ctx context.Context, id string) (*types.SubmissionFile, error)
	GetArtifact(ctx context.Context, submissionID string) (*types.ArtifactInfo, error)
	ListRuns(ctx context.Context, submissionID string) ([]*types.PipelineRun, error)
	GetRun(ctx context.Context, id string) (*types.PipelineRun, error)
	GetReport(ctx context.Context, runID string) (*types.Report, error)
	StageExecutions(ctx context.Context, runID string) ([]*types.StageExecution, error)
}

// Ledger is the read side of the audit ledger the operator surface serves.
type Ledger interface {
	OverdueEntries(ctx context.Context, now time.Time) ([]*types.LedgerEntry, error)
	Trail(ctx context.Context, f ledger.TrailFilter) ([]*types.LedgerEntry, error)
}

// Deps are the collaborators of a Server. Notifier, Metrics, Verify,
// Release and Reconcile may be nil; the routes that need them are then not
// served.
type Deps struct {
	Pipeline Pipeline
	Catalog  Catalog
	Ledger   Ledger
	Notifier *events.Notifier
	Metrics  *metrics.Metrics

	// Verify re-hashes the stored upload of a submission.
	Verify func(ctx context.Context, sub *types.SubmissionFile) error

	// Release lifts the integrity hold of a submission after review.
	Release func(ctx context.Context, submissionID, actor string) error

	// Reconcile compares the store under prefix with the ledger.
	Reconcile func(ctx context.Context, prefix string) (*ledger.ReconciliationReport, error)
}

// Options tune request handling.
type Options struct {
	// MaxUploadBytes rejects larger uploads; zero means unlimited.
	MaxUploadBytes int64

	// RequestTimeout bounds every request except uploads and event streams.
	RequestTimeout time.Duration
}

// Server serves the processing-tier API.
type Server struct {
	deps Deps
	opts Options
}

// NewServer creates a server over deps.
func NewServer(deps Deps, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	return &Server{deps: deps, opts: opts}
}

// Handler returns the public router. With ops set the operator surface is
// mounted on it as well, for deployments with a single listener.
func (s *Server) Handler(ops bool) http.Handler {
	r := s.router()

	r.Route("/v1", func(r chi.Router) {
		// streamed, so no request timeout
		r.Post("/submissions", s.handleUpload)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))
			r.Post("/submissions/register", s.handleRegister)
			r.Get("/submissions/{id}", s.handleGetSubmission)
			r.Post("/submissions/{id}/rerun", s.handleRerun)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Post("/runs/{id}/result", s.handleResult)
		})

		if s.deps.Notifier != nil {
			r.Get("/runs/{id}/events", s.handleRunEvents)
		}
		if ops {
			r.Route("/ops", s.opsRoutes)
		}
	})
	if ops {
		s.mountMetrics(r)
	}
	return r
}

// OpsHandler returns the operator router on its own.
func (s *Server) OpsHandler() http.Handler {
	r := s.router()
	r.Route("/v1/ops", s.opsRoutes)
	s.mountMetrics(r)
	return r
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(AccessLogMiddleware)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.Middleware)
	}
	r.Get("/health", s.handleHealth)
	return r
}

func (s *Server) opsRoutes(r chi.Router) {
	r.Use(middleware.Timeout(s.opts.RequestTimeout))
	r.Get("/cleanups/overdue", s.handleOverdue)
	r.Get("/ledger", s.handleTrail)
	r.Get("/runs/{id}", s.handleOpsRun)
	if s.deps.Verify != nil {
		r.Post("/submissions/{id}/verify", s.handleVerify)
	}
	if s.deps.Release != nil {
		r.Post("/submissions/{id}/release", s.handleRelease)
	}
	if s.deps.Reconcile != nil {
		r.Get("/reconcile", s.handleReconcile)
	}
}

func (s *Server) mountMetrics(r chi.Router) {
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
