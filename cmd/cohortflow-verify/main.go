// Package main implements the cohortflow-verify binary.
// It confirms that scratch files scheduled for deletion are physically gone
// and marks their ledger entries cleaned up. It runs apart from the pipeline
// so that no worker ever verifies its own cleanup.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cohortflow/cohortflow/internal/app"
	"github.com/cohortflow/cohortflow/internal/config"
	"github.com/cohortflow/cohortflow/internal/ledger"
	"github.com/cohortflow/cohortflow/internal/metrics"
	"github.com/cohortflow/cohortflow/internal/server"
	"github.com/cohortflow/cohortflow/internal/storage"
)

func main() {
	var (
		configFile  string
		dataDir     string
		role        string
		name        string
		interval    time.Duration
		once        bool
		reconcile   string
		metricsAddr string
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory holding the ledger")
	flag.StringVar(&role, "role", "", "Role whose store is probed: processing, archive")
	flag.StringVar(&name, "name", "", "Verifier name recorded on cleaned-up entries")
	flag.DurationVar(&interval, "interval", 0, "Verification interval (default from config)")
	flag.BoolVar(&once, "once", false, "Run a single pass, print the report and exit")
	flag.StringVar(&reconcile, "reconcile", "", "Also reconcile the store under this prefix with the ledger")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.Parse()

	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(configFile); err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}
	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if role != "" {
		cfg.Role = config.Role(role)
	}
	if name != "" {
		cfg.Ledger.VerifierName = name
	}
	if interval > 0 {
		cfg.Ledger.VerifyInterval = interval
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closer, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer closer.Close()

	l, err := app.OpenLedger(cfg, store)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer l.Close()

	verifier := ledger.NewVerifier(l, ledger.VerifierConfig{
		Name:     cfg.Ledger.VerifierName,
		Interval: cfg.Ledger.VerifyInterval,
	})

	if once {
		code := runOnce(ctx, verifier, l, store, reconcile)
		l.Close()
		closer.Close()
		os.Exit(code)
	}

	m := metrics.New()
	verifier.OnReport(func(r *ledger.VerifyReport) {
		m.ObserveVerify(r)
		if len(r.Overdue) > 0 {
			log.Printf("verify: %d overdue cleanups: %v", len(r.Overdue), r.Overdue)
		}
		if r.Held > 0 {
			log.Printf("verify: %d cleanups held for integrity review", r.Held)
		}
	})

	mgr := server.NewManager(server.DefaultConfig())
	if metricsAddr != "" {
		r := chi.NewRouter()
		r.Method(http.MethodGet, "/metrics", m.Handler())
		mgr.ServeHTTP("metrics", &http.Server{Addr: metricsAddr, Handler: r})
	}
	if err := verifier.Start(ctx); err != nil {
		log.Fatalf("Failed to start verifier: %v", err)
	}
	mgr.Register("verifier", server.CloserFunc(verifier.Stop))
	log.Printf("verify: %s checking every %v", cfg.Ledger.VerifierName, cfg.Ledger.VerifyInterval)

	if err := mgr.Wait(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// runOnce runs one pass and prints the reports as JSON. The exit code is 1
// when cleanups are overdue or reconciliation finds discrepancies.
func runOnce(ctx context.Context, v *ledger.Verifier, l *ledger.Ledger, store storage.FileStore, prefix string) int {
	report, err := v.RunOnce(ctx)
	if err != nil {
		log.Printf("verify: %v", err)
		return 2
	}
	out := struct {
		Verify    *ledger.VerifyReport         `json:"verify"`
		Reconcile *ledger.ReconciliationReport `json:"reconcile,omitempty"`
	}{Verify: report}

	status := 0
	if len(report.Overdue) > 0 {
		status = 1
	}
	if prefix != "" {
		rec, err := ledger.Reconcile(ctx, l, store, prefix)
		if err != nil {
			log.Printf("verify: reconcile: %v", err)
			return 2
		}
		out.Reconcile = rec
		if rec.HasIssues() {
			status = 1
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		return 2
	}
	return status
}
