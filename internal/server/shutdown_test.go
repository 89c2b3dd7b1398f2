package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestShutdown_ClosesInReverseOrder(t *testing.T) {
	m := NewManager(Config{Timeout: time.Second, DrainTimeout: 100 * time.Millisecond})

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"store", "catalog", "pipeline"} {
		name := name
		m.Register(name, CloserFunc(func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}))
	}

	if err := m.Shutdown(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
	// second call is a no-op
	if err := m.Shutdown(context.Background(), "again"); err != nil {
		t.Fatal(err)
	}

	want := []string{"pipeline", "catalog", "store"}
	if len(order) != len(want) {
		t.Fatalf("closed %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("closed %v, want %v", order, want)
		}
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done not closed after shutdown")
	}
}

func TestShutdown_ReportsCloseErrors(t *testing.T) {
	m := NewManager(Config{Timeout: time.Second})
	boom := errors.New("boom")
	m.Register("ledger", CloserFunc(func() error { return boom }))
	m.Register("catalog", CloserFunc(func() error { return nil }))

	if err := m.Shutdown(context.Background(), "test"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestMiddleware_DrainsInFlight(t *testing.T) {
	m := NewManager(Config{Timeout: 2 * time.Second, DrainTimeout: time.Second})

	entered := make(chan struct{})
	release := make(chan struct{})
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusAccepted)
	}))

	slow := httptest.NewRecorder()
	go h.ServeHTTP(slow, httptest.NewRequest(http.MethodPost, "/v1/submissions", nil))
	<-entered
	if m.InFlight() != 1 {
		t.Fatalf("in flight = %d, want 1", m.InFlight())
	}

	closed := make(chan struct{})
	m.Register("catalog", CloserFunc(func() error {
		close(closed)
		return nil
	}))
	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- m.Shutdown(context.Background(), "test") }()

	<-m.Done()
	select {
	case <-closed:
		t.Fatal("resources released while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	late := httptest.NewRecorder()
	h.ServeHTTP(late, httptest.NewRequest(http.MethodGet, "/health", nil))
	if late.Code != http.StatusServiceUnavailable {
		t.Errorf("request during shutdown = %d, want 503", late.Code)
	}

	close(release)
	if err := <-shutdownErr; err != nil {
		t.Fatal(err)
	}
	<-closed
}

func TestServeHTTP_StopsOnShutdown(t *testing.T) {
	m := NewManager(Config{Timeout: 2 * time.Second})
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	m.ServeHTTP("api", srv)

	if err := m.Shutdown(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
}
