package app

import (
	"context"
	"testing"

	"github.com/cohortflow/cohortflow/internal/config"
)

func testConfig(t *testing.T, role config.Role) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Role = role
	cfg.DataDir = t.TempDir()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.HTTP.OpsAddr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	return cfg
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "edge")
	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error for an unknown role")
	}
}

func TestProcessingRole_StartStop(t *testing.T) {
	a, err := New(testConfig(t, config.RoleProcessing))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err == nil {
		t.Error("second Start should fail while running")
	}
	if a.orchestrator == nil || a.verifier == nil || a.catalog == nil || a.ledger == nil {
		t.Error("processing role did not wire the pipeline")
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestFrontRole_StartStop(t *testing.T) {
	cfg := testConfig(t, config.RoleFront)
	cfg.Storage.RemoteAddr = "127.0.0.1:1"
	cfg.HTTP.ProcessingURL = "http://127.0.0.1:1"

	a, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if a.orchestrator != nil || a.catalog != nil {
		t.Error("front role must not run the pipeline")
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}
