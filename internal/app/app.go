// Package app wires the cohortflow services for a deployment role.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"google.golang.org/grpc"

	grpcapi "github.com/cohortflow/cohortflow/internal/api/grpc"
	httpapi "github.com/cohortflow/cohortflow/internal/api/http"
	"github.com/cohortflow/cohortflow/internal/catalog"
	"github.com/cohortflow/cohortflow/internal/config"
	"github.com/cohortflow/cohortflow/internal/events"
	"github.com/cohortflow/cohortflow/internal/ingest"
	"github.com/cohortflow/cohortflow/internal/ledger"
	"github.com/cohortflow/cohortflow/internal/metrics"
	"github.com/cohortflow/cohortflow/internal/pipeline"
	"github.com/cohortflow/cohortflow/internal/server"
	"github.com/cohortflow/cohortflow/internal/storage"
	"github.com/cohortflow/cohortflow/internal/validation"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// App manages the lifecycle of one cohortflow process.
type App struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	shutdown *server.Manager

	// Shared resources
	store        storage.FileStore
	catalog      *catalog.SQLiteCatalog
	ledger       *ledger.Ledger
	orchestrator *pipeline.Orchestrator
	verifier     *ledger.Verifier

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates an App for cfg.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg:      cfg,
		metrics:  metrics.New(),
		shutdown: server.NewManager(server.DefaultConfig()),
	}, nil
}

// Start acquires the role's resources and starts its listeners. On error
// everything acquired so far is released.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	store, closer, err := storage.New(ctx, a.cfg)
	if err != nil {
		a.abort()
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.store = store
	a.shutdown.Register("storage", closer)
	log.Printf("app: storage backend %s", storage.Select(a.cfg.Role, a.cfg.Storage.Backend))

	if a.cfg.ServesGateway() {
		err = a.startGateway()
	} else {
		err = a.startProcessing(ctx)
	}
	if err != nil {
		a.abort()
		return err
	}

	log.Printf("app: cohortflow started in %s role", a.cfg.Role)
	return nil
}

// startGateway serves uploads on a front host. Nothing is stored locally.
func (a *App) startGateway() error {
	registrar := httpapi.NewRegisterClient(a.cfg.HTTP.ProcessingURL,
		a.metrics.InstrumentRoundTripper("processing", http.DefaultTransport))
	gw := httpapi.NewGateway(a.store, registrar, a.cfg.ChunkSize(), a.cfg.HTTP.MaxUploadMB<<20, a.metrics)

	a.shutdown.ServeHTTP("gateway", a.httpServer(a.cfg.HTTP.Addr, gw.Handler()))
	return nil
}

// startProcessing runs the pipeline, the verifier and the processing API.
func (a *App) startProcessing(ctx context.Context) error {
	var err error

	a.catalog, err = catalog.NewCatalog(a.cfg.CatalogPath())
	if err != nil {
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}
	a.shutdown.Register("catalog", a.catalog)
	log.Printf("app: catalog at %s", a.cfg.CatalogPath())

	a.ledger, err = OpenLedger(a.cfg, a.store)
	if err != nil {
		return err
	}
	a.shutdown.Register("ledger", a.ledger)
	log.Printf("app: ledger at %s", a.cfg.Ledger.Path)

	mappings, err := config.LoadMappings(a.cfg.MappingsFile)
	if err != nil {
		return fmt.Errorf("failed to load mappings: %w", err)
	}

	engine := ingest.NewEngine(a.store, mappings, a.catalog, ingest.OptionsFromConfig(a.cfg))
	collab := validation.NewHTTPCollaborator(a.cfg.Collaborator,
		a.metrics.InstrumentRoundTripper("collaborator", http.DefaultTransport))
	notifier := events.NewNotifier(256)

	a.orchestrator = pipeline.New(pipeline.ConfigFrom(a.cfg), pipeline.Deps{
		Catalog:      a.catalog,
		Ledger:       a.ledger,
		Store:        a.store,
		Engine:       engine,
		Mappings:     mappings,
		Collaborator: collab,
		Notifier:     notifier,
		Observer:     a.metrics,
	})
	if err := a.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	a.shutdown.Register("pipeline", server.CloserFunc(a.orchestrator.Stop))
	if err := a.orchestrator.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume open runs: %w", err)
	}

	if a.cfg.Ledger.VerifyInterval > 0 {
		a.verifier = ledger.NewVerifier(a.ledger, ledger.VerifierConfig{
			Name:     a.cfg.Ledger.VerifierName,
			Interval: a.cfg.Ledger.VerifyInterval,
		})
		a.verifier.OnReport(func(r *ledger.VerifyReport) {
			a.metrics.ObserveVerify(r)
			if r.Verified > 0 {
				// verified cleanups may let finished runs close
				a.orchestrator.Sweep()
			}
		})
		if err := a.verifier.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cleanup verifier: %w", err)
		}
		a.shutdown.Register("verifier", server.CloserFunc(a.verifier.Stop))
	}

	if a.cfg.GRPC.Enabled && a.cfg.Storage.Backend == string(storage.BackendLocal) {
		if err := a.serveFileStore(); err != nil {
			return err
		}
	}

	chunk := a.cfg.ChunkSize()
	api := httpapi.NewServer(httpapi.Deps{
		Pipeline: a.orchestrator,
		Catalog:  a.catalog,
		Ledger:   a.ledger,
		Notifier: notifier,
		Metrics:  a.metrics,
		Verify: func(ctx context.Context, sub *types.SubmissionFile) error {
			return ledger.VerifyIntegrity(ctx, a.ledger, a.store, sub, "ops", chunk)
		},
		Release: a.ledger.ReleaseIntegrityHold,
		Reconcile: func(ctx context.Context, prefix string) (*ledger.ReconciliationReport, error) {
			return ledger.Reconcile(ctx, a.ledger, a.store, prefix)
		},
	}, httpapi.Options{MaxUploadBytes: a.cfg.HTTP.MaxUploadMB << 20})

	if a.cfg.HTTP.OpsAddr == "" || a.cfg.HTTP.OpsAddr == a.cfg.HTTP.Addr {
		a.shutdown.ServeHTTP("api", a.httpServer(a.cfg.HTTP.Addr, api.Handler(true)))
		return nil
	}
	a.shutdown.ServeHTTP("ops", a.httpServer(a.cfg.HTTP.OpsAddr, api.OpsHandler()))
	a.shutdown.ServeHTTP("api", a.httpServer(a.cfg.HTTP.Addr, api.Handler(false)))
	return nil
}

// serveFileStore exposes the local store to front-tier gateways.
func (a *App) serveFileStore() error {
	chunk := a.cfg.ChunkSize()
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	gs := grpc.NewServer(grpcapi.ServerOptions(chunk)...)
	grpcapi.NewFileStoreServer(a.store, chunk).Register(gs)
	a.shutdown.ServeGRPC("filestore", gs, lis)
	return nil
}

func (a *App) httpServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      a.shutdown.Middleware(h),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
}

// OpenLedger opens the ledger with probers for the role's store and the
// local disk.
func OpenLedger(cfg *config.Config, store storage.FileStore) (*ledger.Ledger, error) {
	l, err := ledger.Open(cfg.Ledger.Path, ledger.Options{
		CleanupDeadline: cfg.Pipeline.CleanupDeadline,
		Probers: map[types.Location]ledger.Prober{
			types.LocationStore: store,
			types.LocationLocal: ledger.LocalDisk{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return l, nil
}

// Metrics returns the process registry wrapper.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Wait blocks until a shutdown signal or a listener failure, then stops.
func (a *App) Wait(ctx context.Context) error {
	err := a.shutdown.Wait(ctx)
	a.finish()
	return err
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.finish()
	return err
}

func (a *App) abort() {
	if err := a.shutdown.Shutdown(context.Background(), "startup failed"); err != nil {
		log.Printf("app: release after failed start: %v", err)
	}
	a.finish()
}

func (a *App) finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	if a.cancel != nil {
		a.cancel()
	}
	log.Printf("app: cohortflow stopped")
}
