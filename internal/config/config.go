// Package config provides unified configuration for the cohortflow services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role is the deployment role of a process. It selects the storage backend
// and which surfaces are served.
type Role string

const (
	RoleProcessing Role = "processing"
	RoleFront      Role = "front"
	RoleArchive    Role = "archive"
)

// Config holds the unified configuration for the cohortflow services.
type Config struct {
	// Role is one of processing, front, archive
	Role Role `json:"role" yaml:"role"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// MappingsFile is the YAML file with table-type definitions and column mappings
	MappingsFile string `json:"mappings_file" yaml:"mappings_file"`

	HTTP         HTTPConfig         `json:"http" yaml:"http"`
	GRPC         GRPCConfig         `json:"grpc" yaml:"grpc"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Ingest       IngestConfig       `json:"ingest" yaml:"ingest"`
	Pipeline     PipelineConfig     `json:"pipeline" yaml:"pipeline"`
	Ledger       LedgerConfig       `json:"ledger" yaml:"ledger"`
	Collaborator CollaboratorConfig `json:"collaborator" yaml:"collaborator"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address of the upload/callback API
	Addr string `json:"addr" yaml:"addr"`

	// OpsAddr is the address of the operator surface (ledger, metrics)
	OpsAddr string `json:"ops_addr" yaml:"ops_addr"`

	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// WriteTimeout runs from the end of the request headers, so it must
	// cover the longest upload; 0 disables it
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// ProcessingURL is the processing-tier HTTP API a front-tier gateway registers uploads with
	ProcessingURL string `json:"processing_url" yaml:"processing_url"`

	// MaxUploadMB rejects larger uploads with 413 (0 means unlimited)
	MaxUploadMB int64 `json:"max_upload_mb" yaml:"max_upload_mb"`
}

// GRPCConfig holds the storage gRPC service configuration.
type GRPCConfig struct {
	// Addr is the address the processing tier serves its FileStore on
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether the processing tier exposes its FileStore
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Backend overrides the role's default backend: local, s3, remote
	Backend string `json:"backend" yaml:"backend"`

	// Path is the local storage root (for local backend)
	Path string `json:"path" yaml:"path"`

	// RemoteAddr is the processing-tier gRPC address (for remote backend)
	RemoteAddr string `json:"remote_addr" yaml:"remote_addr"`

	// ChunkSizeKB caps every single read or write request
	ChunkSizeKB int `json:"chunk_size_kb" yaml:"chunk_size_kb"`

	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// PartSizeMB is the multipart upload part size (minimum 5)
	PartSizeMB int `json:"part_size_mb" yaml:"part_size_mb"`
}

// IngestConfig holds tabular ingestion configuration.
type IngestConfig struct {
	// WorkDir is the local directory for artifact build files
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// SampleRows bounds type inference for large files
	SampleRows int `json:"sample_rows" yaml:"sample_rows"`

	// FullInferenceMaxMB is the largest upload inferred from every row
	FullInferenceMaxMB int `json:"full_inference_max_mb" yaml:"full_inference_max_mb"`

	// LargeFileThresholdMB marks an upload as large for the conversion limiter
	LargeFileThresholdMB int `json:"large_file_threshold_mb" yaml:"large_file_threshold_mb"`

	// MaxConcurrentLarge bounds concurrent large-file conversions
	MaxConcurrentLarge int `json:"max_concurrent_large" yaml:"max_concurrent_large"`

	// BatchRows is the number of rows per insert transaction
	BatchRows int `json:"batch_rows" yaml:"batch_rows"`
}

// PipelineConfig holds orchestrator configuration.
type PipelineConfig struct {
	Workers     int           `json:"workers" yaml:"workers"`
	RetryBudget int           `json:"retry_budget" yaml:"retry_budget"`
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`

	// StageTimeouts are per-stage wall-clock budgets keyed by stage name
	StageTimeouts map[string]time.Duration `json:"stage_timeouts" yaml:"stage_timeouts"`

	// CleanupDeadline is how long after scheduling a scratch file must be verified absent
	CleanupDeadline time.Duration `json:"cleanup_deadline" yaml:"cleanup_deadline"`

	// ResultTimeout bounds the wait for a collaborator callback
	ResultTimeout time.Duration `json:"result_timeout" yaml:"result_timeout"`

	// PollInterval is how often a polling collaborator is asked for results
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// SweepInterval is how often finished runs are checked for verified cleanup
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// SubmitConcurrency caps concurrent rule-engine submissions (0 means Workers)
	SubmitConcurrency int `json:"submit_concurrency" yaml:"submit_concurrency"`
}

// LedgerConfig holds audit ledger configuration.
type LedgerConfig struct {
	// Path is the ledger database file
	Path string `json:"path" yaml:"path"`

	// VerifyInterval is the period of the in-process cleanup verifier (0 disables it)
	VerifyInterval time.Duration `json:"verify_interval" yaml:"verify_interval"`

	// VerifierName identifies the verifier in cleaned-up entries
	VerifierName string `json:"verifier_name" yaml:"verifier_name"`
}

// CollaboratorConfig holds the external rule engine endpoint.
type CollaboratorConfig struct {
	URL         string        `json:"url" yaml:"url"`
	CallbackURL string        `json:"callback_url" yaml:"callback_url"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Role:    RoleProcessing,
		DataDir: "./data/cohortflow",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			OpsAddr:      ":8081",
			ReadTimeout: 30 * time.Minute,
			IdleTimeout: 120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Storage: StorageConfig{
			ChunkSizeKB: 1024,
			S3: S3Config{
				PartSizeMB: 16,
			},
		},
		Ingest: IngestConfig{
			SampleRows:           10000,
			FullInferenceMaxMB:   64,
			LargeFileThresholdMB: 512,
			MaxConcurrentLarge:   2,
			BatchRows:            5000,
		},
		Pipeline: PipelineConfig{
			Workers:     8,
			RetryBudget: 3,
			BackoffBase: 2 * time.Second,
			StageTimeouts: map[string]time.Duration{
				"convert":  2 * time.Hour,
				"extract":  30 * time.Minute,
				"hash":     30 * time.Minute,
				"validate": 10 * time.Minute,
				"cleanup":  10 * time.Minute,
			},
			CleanupDeadline: 24 * time.Hour,
			ResultTimeout:   24 * time.Hour,
			PollInterval:    30 * time.Second,
			SweepInterval:   time.Minute,
		},
		Ledger: LedgerConfig{
			VerifyInterval: 5 * time.Minute,
			VerifierName:   "cohortflow-verify",
		},
		Collaborator: CollaboratorConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/cohortflow"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Ingest.WorkDir == "" {
		c.Ingest.WorkDir = filepath.Join(c.DataDir, "work")
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(c.DataDir, "ledger.db")
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = DefaultBackend(c.Role)
	}
}

// DefaultBackend is the storage backend a role uses when none is configured.
func DefaultBackend(role Role) string {
	switch role {
	case RoleFront:
		return "remote"
	case RoleArchive:
		return "s3"
	default:
		return "local"
	}
}

// CatalogPath returns the path to the catalog database.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// ChunkSize returns the chunk cap in bytes.
func (c *Config) ChunkSize() int {
	return c.Storage.ChunkSizeKB * 1024
}

// StageTimeout returns the budget for a stage, or 0 when unbounded.
func (c *Config) StageTimeout(stage string) time.Duration {
	return c.Pipeline.StageTimeouts[stage]
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleProcessing, RoleFront, RoleArchive:
	default:
		return fmt.Errorf("invalid role: %s (must be processing, front, or archive)", c.Role)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Storage.Backend {
	case "local", "s3", "remote":
	default:
		return fmt.Errorf("invalid storage backend: %s (must be local, s3, or remote)", c.Storage.Backend)
	}
	if c.Storage.Backend == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when storage backend is s3")
	}
	if c.Storage.Backend == "s3" && c.Storage.S3.PartSizeMB < 5 {
		return fmt.Errorf("storage.s3.part_size_mb must be at least 5, got %d", c.Storage.S3.PartSizeMB)
	}
	if c.Role == RoleFront && c.HTTP.ProcessingURL == "" {
		return fmt.Errorf("http.processing_url is required for the front role")
	}
	if c.Storage.Backend == "remote" && c.Storage.RemoteAddr == "" {
		return fmt.Errorf("storage.remote_addr is required when storage backend is remote")
	}
	// a chunk must fit in one gRPC message
	if c.Storage.ChunkSizeKB < 4 || c.Storage.ChunkSizeKB > 3072 {
		return fmt.Errorf("storage.chunk_size_kb must be between 4 and 3072, got %d", c.Storage.ChunkSizeKB)
	}

	if c.Ingest.SampleRows < 1 {
		return fmt.Errorf("ingest.sample_rows must be positive, got %d", c.Ingest.SampleRows)
	}
	if c.Ingest.MaxConcurrentLarge < 1 {
		return fmt.Errorf("ingest.max_concurrent_large must be positive, got %d", c.Ingest.MaxConcurrentLarge)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be positive, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.RetryBudget < 0 {
		return fmt.Errorf("pipeline.retry_budget must not be negative, got %d", c.Pipeline.RetryBudget)
	}

	return nil
}

// ServesPipeline returns true if this role runs the orchestrator.
func (c *Config) ServesPipeline() bool {
	return c.Role == RoleProcessing || c.Role == RoleArchive
}

// ServesGateway returns true if this role only forwards uploads.
func (c *Config) ServesGateway() bool {
	return c.Role == RoleFront
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the COHORTFLOW_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("COHORTFLOW_ROLE"); v != "" {
		cfg.Role = Role(v)
	}
	if v := os.Getenv("COHORTFLOW_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("COHORTFLOW_MAPPINGS_FILE"); v != "" {
		cfg.MappingsFile = v
	}

	// HTTP configuration
	if v := os.Getenv("COHORTFLOW_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("COHORTFLOW_HTTP_OPS_ADDR"); v != "" {
		cfg.HTTP.OpsAddr = v
	}
	if v := os.Getenv("COHORTFLOW_HTTP_PROCESSING_URL"); v != "" {
		cfg.HTTP.ProcessingURL = v
	}
	if v := os.Getenv("COHORTFLOW_HTTP_MAX_UPLOAD_MB"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.HTTP.MaxUploadMB)
	}

	// gRPC configuration
	if v := os.Getenv("COHORTFLOW_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("COHORTFLOW_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Storage configuration
	if v := os.Getenv("COHORTFLOW_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("COHORTFLOW_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("COHORTFLOW_STORAGE_REMOTE_ADDR"); v != "" {
		cfg.Storage.RemoteAddr = v
	}
	if v := os.Getenv("COHORTFLOW_STORAGE_CHUNK_SIZE_KB"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Storage.ChunkSizeKB)
	}
	if v := os.Getenv("COHORTFLOW_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("COHORTFLOW_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("COHORTFLOW_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}

	// Ingest configuration
	if v := os.Getenv("COHORTFLOW_INGEST_SAMPLE_ROWS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Ingest.SampleRows)
	}
	if v := os.Getenv("COHORTFLOW_INGEST_MAX_CONCURRENT_LARGE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Ingest.MaxConcurrentLarge)
	}

	// Pipeline configuration
	if v := os.Getenv("COHORTFLOW_PIPELINE_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Pipeline.Workers)
	}
	if v := os.Getenv("COHORTFLOW_PIPELINE_RETRY_BUDGET"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Pipeline.RetryBudget)
	}
	if v := os.Getenv("COHORTFLOW_PIPELINE_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.BackoffBase = d
		}
	}
	if v := os.Getenv("COHORTFLOW_PIPELINE_CLEANUP_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.CleanupDeadline = d
		}
	}

	// Ledger configuration
	if v := os.Getenv("COHORTFLOW_LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
	if v := os.Getenv("COHORTFLOW_LEDGER_VERIFY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ledger.VerifyInterval = d
		}
	}

	// Collaborator configuration
	if v := os.Getenv("COHORTFLOW_COLLABORATOR_URL"); v != "" {
		cfg.Collaborator.URL = v
	}
	if v := os.Getenv("COHORTFLOW_COLLABORATOR_CALLBACK_URL"); v != "" {
		cfg.Collaborator.CallbackURL = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Ingest.WorkDir,
		filepath.Dir(c.Ledger.Path),
	}
	if c.Storage.Backend == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
