package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cohortflow/cohortflow/internal/ledger"
	"github.com/cohortflow/cohortflow/pkg/types"
)

func TestPipelineObserver(t *testing.T) {
	m := New()

	m.StageFinished(types.StageConvert, types.OutcomeComputed, 120*time.Millisecond)
	m.StageFinished(types.StageConvert, types.OutcomeComputed, 80*time.Millisecond)
	m.StageFinished(types.StageHash, types.OutcomeReused, time.Millisecond)
	m.RunTransition(types.StatePending, types.StateConverting)
	m.Retry(types.StageValidate)
	m.Retry(types.StageValidate)
	m.QueueDepth(7)

	if got := testutil.ToFloat64(m.stageTotal.WithLabelValues("convert", "computed")); got != 2 {
		t.Errorf("convert executions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.stageTotal.WithLabelValues("hash", "reused")); got != 1 {
		t.Errorf("hash reused = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("pending", "converting")); got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.retries.WithLabelValues("validate")); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
	if n := testutil.CollectAndCount(m.stageDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestObserveVerify(t *testing.T) {
	m := New()
	now := time.Unix(1700000000, 0)
	m.ObserveVerify(&ledger.VerifyReport{Checked: 5, Verified: 3, Overdue: []string{"a", "b"}, RunAt: now})
	m.ObserveVerify(&ledger.VerifyReport{Checked: 1, Verified: 1, Held: 2, Errors: []string{"x"}, RunAt: now.Add(time.Minute)})

	if got := testutil.ToFloat64(m.cleanupChecked); got != 6 {
		t.Errorf("checked = %v, want 6", got)
	}
	if got := testutil.ToFloat64(m.cleanupVerified); got != 4 {
		t.Errorf("verified = %v, want 4", got)
	}
	// overdue is a gauge of the last pass
	if got := testutil.ToFloat64(m.cleanupOverdue); got != 0 {
		t.Errorf("overdue = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.cleanupHeld); got != 2 {
		t.Errorf("held = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.verifyErrors); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lastVerify); got != float64(now.Add(time.Minute).Unix()) {
		t.Errorf("last verify = %v", got)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	})

	for _, id := range []string{"a", "b", "missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+id, nil))
	}

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("/v1/runs/{id}", "GET", "200")); got != 2 {
		t.Errorf("200s = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("/v1/runs/{id}", "GET", "404")); got != 1 {
		t.Errorf("404s = %v, want 1", got)
	}
}

func TestInstrumentRoundTripper(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := New()
	client := &http.Client{Transport: m.InstrumentRoundTripper("rules", nil)}
	resp, err := client.Post(srv.URL, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if got := testutil.ToFloat64(m.clientRequests.WithLabelValues("rules", "202", "post")); got != 1 {
		t.Errorf("client requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.clientInFlight.WithLabelValues("rules")); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Retry(types.StageConvert)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`cohortflow_pipeline_retries_total{stage="convert"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output lacks %q", want)
		}
	}
}
