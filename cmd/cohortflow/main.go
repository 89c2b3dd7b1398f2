// Package main implements the unified cohortflow binary.
// The same binary runs on processing, front and archive hosts; the --role
// flag selects which surfaces it serves and which storage backend it uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/cohortflow/cohortflow/internal/app"
	"github.com/cohortflow/cohortflow/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

type flags struct {
	configFile    string
	dataDir       string
	role          string
	mappingsFile  string
	httpAddr      string
	opsAddr       string
	grpcAddr      string
	remoteAddr    string
	processingURL string
}

func main() {
	var (
		f           flags
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&f.dataDir, "data-dir", "", "Base directory for catalog, ledger and work files")
	flag.StringVar(&f.role, "role", "", "Deployment role: processing, front, archive")
	flag.StringVar(&f.mappingsFile, "mappings", "", "Path to the table-type mappings file")
	flag.StringVar(&f.httpAddr, "http-addr", "", "HTTP address of the upload API")
	flag.StringVar(&f.opsAddr, "ops-addr", "", "HTTP address of the operator surface")
	flag.StringVar(&f.grpcAddr, "grpc-addr", "", "gRPC address of the FileStore service (processing role)")
	flag.StringVar(&f.remoteAddr, "remote-addr", "", "Processing-tier gRPC address (front role)")
	flag.StringVar(&f.processingURL, "processing-url", "", "Processing-tier HTTP API (front role)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "cohortflow - ingestion, validation and audit for cohort data uploads\n\n")
		fmt.Fprintf(os.Stderr, "Usage: cohortflow [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  cohortflow --role processing --data-dir /srv/cohortflow --mappings /etc/cohortflow/mappings.yaml\n")
		fmt.Fprintf(os.Stderr, "  cohortflow --role front --remote-addr processing:9090 --processing-url http://processing:8080\n")
		fmt.Fprintf(os.Stderr, "  cohortflow --config /etc/cohortflow/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  COHORTFLOW_ROLE                 Deployment role (processing, front, archive)\n")
		fmt.Fprintf(os.Stderr, "  COHORTFLOW_DATA_DIR             Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  COHORTFLOW_HTTP_ADDR            HTTP address of the upload API\n")
		fmt.Fprintf(os.Stderr, "  COHORTFLOW_STORAGE_BACKEND      Storage backend override (local, s3, remote)\n")
		fmt.Fprintf(os.Stderr, "  COHORTFLOW_COLLABORATOR_URL     Rule engine base URL\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("cohortflow version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	printBanner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	if err := application.Wait(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(f flags) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if f.configFile != "" {
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// flags win over file and environment
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.role != "" {
		cfg.Role = config.Role(f.role)
	}
	if f.mappingsFile != "" {
		cfg.MappingsFile = f.mappingsFile
	}
	if f.httpAddr != "" {
		cfg.HTTP.Addr = f.httpAddr
	}
	if f.opsAddr != "" {
		cfg.HTTP.OpsAddr = f.opsAddr
	}
	if f.grpcAddr != "" {
		cfg.GRPC.Addr = f.grpcAddr
	}
	if f.remoteAddr != "" {
		cfg.Storage.RemoteAddr = f.remoteAddr
	}
	if f.processingURL != "" {
		cfg.HTTP.ProcessingURL = f.processingURL
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                      COHORTFLOW                           ║")
	log.Printf("║      Cohort Data Ingestion, Validation and Audit          ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Role:     %s", cfg.Role)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Storage:  %s", cfg.Storage.Backend)
	log.Printf("")

	if cfg.ServesGateway() {
		log.Printf("Upload Gateway:")
		log.Printf("  HTTP:       %s", cfg.HTTP.Addr)
		log.Printf("  Processing: %s (gRPC %s)", cfg.HTTP.ProcessingURL, cfg.Storage.RemoteAddr)
		log.Printf("")
		return
	}

	log.Printf("Pipeline:")
	log.Printf("  HTTP:     %s", cfg.HTTP.Addr)
	if cfg.HTTP.OpsAddr != "" {
		log.Printf("  Ops:      %s", cfg.HTTP.OpsAddr)
	}
	if cfg.GRPC.Enabled && cfg.Storage.Backend == "local" {
		log.Printf("  gRPC:     %s", cfg.GRPC.Addr)
	}
	log.Printf("  Workers:  %d (retry budget %d)", cfg.Pipeline.Workers, cfg.Pipeline.RetryBudget)
	if cfg.Ledger.VerifyInterval > 0 {
		log.Printf("  Verifier: every %v", cfg.Ledger.VerifyInterval)
	}
	log.Printf("")
}
