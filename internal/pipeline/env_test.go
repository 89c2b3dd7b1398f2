package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cohortflow/cohortflow/internal/catalog"
	"github.com/cohortflow/cohortflow/internal/config"
	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/internal/events"
	"github.com/cohortflow/cohortflow/internal/ingest"
	"github.com/cohortflow/cohortflow/internal/ledger"
	"github.com/cohortflow/cohortflow/internal/storage"
	"github.com/cohortflow/cohortflow/internal/validation"
	"github.com/cohortflow/cohortflow/pkg/types"
)

const testChunk = 4096

func testMappings() *config.Mappings {
	return &config.Mappings{Cohorts: map[string]map[string]config.TableDef{
		config.WildcardCohort: {
			"demographics": {
				IdentifierBearing: true,
				IdentifierColumns: []string{"pid"},
				Definition:        "demographics-v1",
			},
			"visits": {
				IdentifierColumns: []string{"pid"},
				References:        "demographics",
				Definition:        "visits-v1",
			},
			"notes": {Definition: "notes-v1"},
		},
	}}
}

// faultEngine counts engine calls and injects conversion faults.
type faultEngine struct {
	*ingest.Engine

	mu           sync.Mutex
	converts     int
	hashes       int
	extracts     int
	failConverts int
	convertDelay time.Duration
	// beforeConvert runs ahead of every conversion
	beforeConvert func(req ingest.ConvertRequest)
}

func (f *faultEngine) Convert(ctx context.Context, req ingest.ConvertRequest) (*ingest.Result, error) {
	f.mu.Lock()
	f.converts++
	n, fail, delay, before := f.converts, f.failConverts, f.convertDelay, f.beforeConvert
	f.mu.Unlock()

	if before != nil {
		before(req)
	}
	if n <= fail {
		return nil, storage.Transient("open", req.SourcePath, nil)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.Engine.Convert(ctx, req)
}

func (f *faultEngine) Hash(ctx context.Context, sourcePath string) (string, int64, error) {
	f.mu.Lock()
	f.hashes++
	f.mu.Unlock()
	return f.Engine.Hash(ctx, sourcePath)
}

func (f *faultEngine) ExtractFromArtifact(ctx context.Context, req ingest.ExtractRequest) (*types.IdentifierSet, error) {
	f.mu.Lock()
	f.extracts++
	f.mu.Unlock()
	return f.Engine.ExtractFromArtifact(ctx, req)
}

func (f *faultEngine) counts() (converts, hashes, extracts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.converts, f.hashes, f.extracts
}

// stageOrder holds back the ledger record that ends the second of the
// extract and hash stages until the first one has finished.
type stageOrder struct {
	*ledger.Ledger
	nopObserver

	first     types.StageName
	firstDone chan struct{}
	once      sync.Once

	mu       sync.Mutex
	finished []types.StageName
}

func newStageOrder(l *ledger.Ledger, first types.StageName) *stageOrder {
	return &stageOrder{Ledger: l, first: first, firstDone: make(chan struct{})}
}

func (s *stageOrder) Record(ctx context.Context, action types.ActionKind, path, actor, cohortID string, attrs ledger.Attrs) (string, error) {
	var stage types.StageName
	switch action {
	case types.ActionHashComputed, types.ActionHashReused:
		stage = types.StageHash
	case types.ActionIdentifiersExtracted, types.ActionExtractionReused:
		stage = types.StageExtract
	}
	if stage != "" && stage != s.first {
		select {
		case <-s.firstDone:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.Ledger.Record(ctx, action, path, actor, cohortID, attrs)
}

func (s *stageOrder) StageFinished(stage types.StageName, outcome types.StageOutcome, d time.Duration) {
	s.mu.Lock()
	s.finished = append(s.finished, stage)
	s.mu.Unlock()
	if stage == s.first {
		s.once.Do(func() { close(s.firstDone) })
	}
}

// order returns the extract and hash stages in the order they finished.
func (s *stageOrder) order() []types.StageName {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.StageName
	for _, stage := range s.finished {
		if stage == types.StageHash || stage == types.StageExtract {
			out = append(out, stage)
		}
	}
	return out
}

// fakeRuleEngine records requests and, when auto is set, answers each one
// through the orchestrator's callback entry point.
type fakeRuleEngine struct {
	mu        sync.Mutex
	requests  []*validation.Request
	auto      validation.Status
	failFirst int
	o         *Orchestrator
}

func (f *fakeRuleEngine) Submit(ctx context.Context, req *validation.Request) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n, auto, o, failFirst := len(f.requests), f.auto, f.o, f.failFirst
	f.mu.Unlock()

	if n <= failFirst {
		return cferrors.NewStorageError(cferrors.CodeTransientNetwork, "rule engine unavailable", nil)
	}
	if auto != "" && o != nil {
		go o.CompleteValidation(context.Background(), req.RunID, &validation.Result{
			RunID:   req.RunID,
			Status:  auto,
			Columns: []validation.ColumnResult{{Column: "pid", Pass: req.RowCount}},
		})
	}
	return nil
}

func (f *fakeRuleEngine) submitted() []*validation.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*validation.Request(nil), f.requests...)
}

// pollingRuleEngine becomes ready after a number of polls.
type pollingRuleEngine struct {
	fakeRuleEngine
	readyAfter int
	polls      int
}

func (p *pollingRuleEngine) Poll(ctx context.Context, runID string) (*validation.Result, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.polls < p.readyAfter {
		return nil, false, nil
	}
	return &validation.Result{RunID: runID, Status: validation.StatusWarnings}, true, nil
}

type testEnv struct {
	store    *storage.LocalStore
	catalog  *catalog.SQLiteCatalog
	ledger   *ledger.Ledger
	engine   *faultEngine
	rules    validation.Collaborator
	notifier *events.Notifier
	verifier *ledger.Verifier
	workDir  string
	cfg      Config
	deps     Deps
	o        *Orchestrator
}

func newTestEnv(t *testing.T, rules validation.Collaborator, tune func(*Config, *faultEngine)) *testEnv {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir(), testChunk)
	if err != nil {
		t.Fatal(err)
	}
	cat, err := catalog.NewCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), ledger.Options{
		CleanupDeadline: time.Hour,
		Probers:         map[types.Location]ledger.Prober{types.LocationStore: store},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	workDir := t.TempDir()
	opts := ingest.DefaultOptions(workDir)
	opts.ChunkSize = testChunk
	mappings := testMappings()
	engine := &faultEngine{Engine: ingest.NewEngine(store, mappings, cat, opts)}

	cfg := Config{
		Workers:         4,
		RetryBudget:     2,
		BackoffBase:     10 * time.Millisecond,
		ResultTimeout:   time.Minute,
		PollInterval:    20 * time.Millisecond,
		SweepInterval:   50 * time.Millisecond,
		CleanupDeadline: time.Hour,
		WorkDir:         workDir,
		ChunkSize:       testChunk,
	}
	if tune != nil {
		tune(&cfg, engine)
	}

	env := &testEnv{
		store:    store,
		catalog:  cat,
		ledger:   l,
		engine:   engine,
		rules:    rules,
		notifier: events.NewNotifier(256),
		verifier: ledger.NewVerifier(l, ledger.VerifierConfig{Name: "test", Interval: time.Hour}),
		workDir:  workDir,
		cfg:      cfg,
	}
	env.deps = Deps{
		Catalog:      cat,
		Ledger:       l,
		Store:        store,
		Engine:       engine,
		Mappings:     mappings,
		Collaborator: rules,
		Notifier:     env.notifier,
	}
	env.start(t)
	return env
}

// start launches a fresh orchestrator over the environment's state.
func (env *testEnv) start(t *testing.T) {
	t.Helper()
	env.o = New(env.cfg, env.deps)
	switch r := env.rules.(type) {
	case *fakeRuleEngine:
		r.mu.Lock()
		r.o = env.o
		r.mu.Unlock()
	case *pollingRuleEngine:
		r.mu.Lock()
		r.o = env.o
		r.mu.Unlock()
	}
	if err := env.o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	o := env.o
	t.Cleanup(func() { o.Stop() })
}

func (env *testEnv) upload(t *testing.T, tableType, content string) *Receipt {
	t.Helper()
	receipt, err := env.o.Upload(context.Background(), UploadRequest{
		CohortID:  "c1",
		Wave:      "w1",
		TableType: tableType,
		Actor:     "site-a",
		Body:      strings.NewReader(content),
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return receipt
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (env *testEnv) run(t *testing.T, id string) *types.PipelineRun {
	t.Helper()
	run, err := env.catalog.GetRun(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func (env *testEnv) waitState(t *testing.T, runID string, state types.PipelineState) *types.PipelineRun {
	t.Helper()
	var run *types.PipelineRun
	waitFor(t, "run "+string(state), 10*time.Second, func() bool {
		run = env.run(t, runID)
		return run.State == state
	})
	return run
}

// waitClosed drives the verifier until the run is closed.
func (env *testEnv) waitClosed(t *testing.T, runID string) *types.PipelineRun {
	t.Helper()
	var run *types.PipelineRun
	waitFor(t, "run closed", 10*time.Second, func() bool {
		if _, err := env.verifier.RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
		env.o.Sweep()
		run = env.run(t, runID)
		return run.Closed
	})
	return run
}

func (env *testEnv) outcomes(t *testing.T, runID string) map[types.StageName][]types.StageOutcome {
	t.Helper()
	execs, err := env.catalog.StageExecutions(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	out := map[types.StageName][]types.StageOutcome{}
	for _, e := range execs {
		out[e.Stage] = append(out[e.Stage], e.Outcome)
	}
	return out
}

func (env *testEnv) actions(t *testing.T, f ledger.TrailFilter) map[types.ActionKind]int {
	t.Helper()
	entries, err := env.ledger.Trail(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	out := map[types.ActionKind]int{}
	for _, e := range entries {
		out[e.Action]++
	}
	return out
}
