package pipeline

import (
	"context"
	"testing"
	"time"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
)

func transientSubmitErr() error {
	return cferrors.NewStorageError(cferrors.CodeTransientNetwork, "rule engine unavailable", nil)
}

func TestSubmitGate_BacksOffAndRecovers(t *testing.T) {
	g := newSubmitGate(8)
	if g.Limit() != 8 {
		t.Fatalf("initial limit = %d, want 8", g.Limit())
	}

	for i := 0; i < 5; i++ {
		g.record(nil)
		g.record(transientSubmitErr())
	}
	g.adjust()
	if g.Limit() != 4 {
		t.Fatalf("limit after 50%% failures = %d, want 4", g.Limit())
	}
	g.adjust()
	g.adjust()
	g.adjust()
	if g.Limit() != 1 {
		t.Fatalf("limit = %d, want the floor of 1", g.Limit())
	}

	// failures age out of the window
	now := time.Now()
	g.now = func() time.Time { return now.Add(2 * defaultSubmitWindow) }
	g.record(nil)
	g.adjust()
	if g.Limit() != 2 {
		t.Fatalf("limit after a clean window = %d, want 2", g.Limit())
	}
	for i := 0; i < 5; i++ {
		g.adjust()
	}
	if g.Limit() != 8 {
		t.Fatalf("limit = %d, want the cap of 8", g.Limit())
	}
}

func TestSubmitGate_IgnoresRejections(t *testing.T) {
	g := newSubmitGate(4)
	for i := 0; i < 10; i++ {
		g.record(cferrors.NewInputError(cferrors.CodeInvalidRequest, "unknown definition"))
	}
	g.adjust()
	if g.Limit() != 4 {
		t.Errorf("limit = %d; rejected requests must not throttle the engine", g.Limit())
	}
}

func TestSubmitGate_BlocksAtLimit(t *testing.T) {
	g := newSubmitGate(1)
	ctx := context.Background()

	release, err := g.acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan func())
	go func() {
		r, err := g.acquire(ctx)
		if err != nil {
			close(acquired)
			return
		}
		acquired <- r
	}()

	select {
	case <-acquired:
		t.Fatal("second submission admitted above the limit")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	release() // idempotent
	select {
	case r, ok := <-acquired:
		if !ok {
			t.Fatal("second acquire failed")
		}
		r()
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by release")
	}

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	hold, _ := g.acquire(ctx)
	if _, err := g.acquire(timeout); err == nil {
		t.Error("acquire should fail when the context ends")
	}
	hold()
}
