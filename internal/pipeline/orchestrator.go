// Package pipeline drives every Submission File through
// convert -> {extract, hash} -> validate and cleans up after it.
//
// A single dispatcher goroutine owns the state of all runs. Stages execute on
// a bounded worker pool and report back with a message, so a stage completion
// is what unblocks its dependents; nothing waits on a call chain. Retry
// timers, result timeouts and polls are messages too.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cohortflow/cohortflow/internal/bloom"
	"github.com/cohortflow/cohortflow/internal/config"
	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/internal/events"
	"github.com/cohortflow/cohortflow/internal/ingest"
	"github.com/cohortflow/cohortflow/internal/ledger"
	"github.com/cohortflow/cohortflow/internal/storage"
	"github.com/cohortflow/cohortflow/internal/validation"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// ErrStopped is returned by calls made after the orchestrator stopped.
var ErrStopped = errors.New("pipeline: orchestrator stopped")

// Catalog is the part of the catalog the orchestrator uses.
type Catalog interface {
	CreateSubmission(ctx context.Context, sub *types.SubmissionFile) error
	GetSubmission(ctx context.Context, id string) (*types.SubmissionFile, error)
	SetContentHash(ctx context.Context, id, hash string) error
	SetSubmissionIdentifierSet(ctx context.Context, id, setID string) error
	SetSubmissionEncoding(ctx context.Context, id, encoding string) error

	SaveArtifact(ctx context.Context, a *types.ArtifactInfo) error
	GetArtifact(ctx context.Context, submissionID string) (*types.ArtifactInfo, error)
	SaveReport(ctx context.Context, r *types.Report) error
	GetReport(ctx context.Context, runID string) (*types.Report, error)

	CreateRun(ctx context.Context, submissionID string) (*types.PipelineRun, error)
	GetRun(ctx context.Context, id string) (*types.PipelineRun, error)
	ActiveRun(ctx context.Context, submissionID string) (*types.PipelineRun, error)
	OpenRuns(ctx context.Context) ([]*types.PipelineRun, error)
	UpdateRun(ctx context.Context, run *types.PipelineRun, expected types.PipelineState) error

	RecordStageExecution(ctx context.Context, e *types.StageExecution) error
	CountStageExecutions(ctx context.Context, contentHash string, stage types.StageName, outcome types.StageOutcome) (int, error)

	IdentifierSetByHash(ctx context.Context, contentHash string) (*types.IdentifierSet, error)
	GetIdentifierSet(ctx context.Context, id string) (*types.IdentifierSet, error)
	LoadBloom(ctx context.Context, setID string) (*bloom.Filter, error)
	HasIdentifier(ctx context.Context, setID, value string) (bool, error)
	EachIdentifier(ctx context.Context, setID string, fn func(string) error) error
	SetAnchor(ctx context.Context, cohortID, wave, tableType, setID, submissionID string) error
	Anchor(ctx context.Context, cohortID, wave, tableType string) (string, error)
}

// Ledger is the part of the audit ledger the orchestrator writes and reads.
type Ledger interface {
	Record(ctx context.Context, action types.ActionKind, path, actor, cohortID string, attrs ledger.Attrs) (string, error)
	CleanupEntries(ctx context.Context, runID string) ([]*types.LedgerEntry, error)
	PendingCleanups(ctx context.Context, runID string) ([]*types.LedgerEntry, error)
	HasReference(ctx context.Context, action types.ActionKind, id string) (bool, error)
	IntegrityHold(ctx context.Context, submissionID string) (bool, error)
}

// Engine converts uploads and recomputes hashes and identifier sets.
type Engine interface {
	Convert(ctx context.Context, req ingest.ConvertRequest) (*ingest.Result, error)
	Hash(ctx context.Context, sourcePath string) (string, int64, error)
	ExtractFromArtifact(ctx context.Context, req ingest.ExtractRequest) (*types.IdentifierSet, error)
}

// Observer receives pipeline measurements.
type Observer interface {
	StageFinished(stage types.StageName, outcome types.StageOutcome, d time.Duration)
	RunTransition(from, to types.PipelineState)
	Retry(stage types.StageName)
	QueueDepth(n int)
}

type nopObserver struct{}

func (nopObserver) StageFinished(types.StageName, types.StageOutcome, time.Duration) {}
func (nopObserver) RunTransition(types.PipelineState, types.PipelineState)          {}
func (nopObserver) Retry(types.StageName)                                           {}
func (nopObserver) QueueDepth(int)                                                  {}

// Config holds orchestrator configuration.
type Config struct {
	Workers     int
	RetryBudget int
	BackoffBase time.Duration

	// StageTimeouts are wall-clock budgets per stage; zero means none.
	StageTimeouts map[types.StageName]time.Duration

	ResultTimeout   time.Duration
	PollInterval    time.Duration
	SweepInterval   time.Duration
	CleanupDeadline time.Duration

	// LargeFileThreshold marks an upload as large; MaxConcurrentLarge
	// bounds how many thresholds' worth convert at once.
	LargeFileThreshold int64
	MaxConcurrentLarge int

	// SubmitConcurrency caps concurrent rule-engine submissions; the cap
	// shrinks while the engine fails transiently. Defaults to Workers.
	SubmitConcurrency int

	WorkDir   string
	ChunkSize int

	// Actor is recorded on every ledger entry the pipeline writes.
	Actor string
}

// ConfigFrom derives the orchestrator configuration.
func ConfigFrom(cfg *config.Config) Config {
	timeouts := make(map[types.StageName]time.Duration, len(cfg.Pipeline.StageTimeouts))
	for stage, d := range cfg.Pipeline.StageTimeouts {
		timeouts[types.StageName(stage)] = d
	}
	return Config{
		Workers:            cfg.Pipeline.Workers,
		RetryBudget:        cfg.Pipeline.RetryBudget,
		BackoffBase:        cfg.Pipeline.BackoffBase,
		StageTimeouts:      timeouts,
		ResultTimeout:      cfg.Pipeline.ResultTimeout,
		PollInterval:       cfg.Pipeline.PollInterval,
		SweepInterval:      cfg.Pipeline.SweepInterval,
		CleanupDeadline:    cfg.Pipeline.CleanupDeadline,
		LargeFileThreshold: int64(cfg.Ingest.LargeFileThresholdMB) << 20,
		MaxConcurrentLarge: cfg.Ingest.MaxConcurrentLarge,
		SubmitConcurrency:  cfg.Pipeline.SubmitConcurrency,
		WorkDir:            cfg.Ingest.WorkDir,
		ChunkSize:          cfg.ChunkSize(),
		Actor:              "pipeline",
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.SubmitConcurrency <= 0 {
		c.SubmitConcurrency = c.Workers
	}
	if c.RetryBudget < 0 {
		c.RetryBudget = 0
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = 24 * time.Hour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.CleanupDeadline <= 0 {
		c.CleanupDeadline = ledger.DefaultCleanupDeadline
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = storage.DefaultChunkSize
	}
	if c.Actor == "" {
		c.Actor = "pipeline"
	}
	return c
}

// Deps are the collaborators of the orchestrator. Notifier and Observer
// may be nil.
type Deps struct {
	Catalog      Catalog
	Ledger       Ledger
	Store        storage.FileStore
	Engine       Engine
	Mappings     *config.Mappings
	Collaborator validation.Collaborator
	Notifier     *events.Notifier
	Observer     Observer
}

// Orchestrator schedules pipeline runs.
type Orchestrator struct {
	cfg      Config
	graph    *Graph
	catalog  Catalog
	ledger   Ledger
	store    storage.FileStore
	engine   Engine
	mappings *config.Mappings
	collab   validation.Collaborator
	poller   validation.Poller
	notifier *events.Notifier
	observer Observer
	limiter  *largeLimiter
	gate     *submitGate

	msgs  chan func(context.Context)
	tasks chan *task

	// owned by the dispatcher goroutine
	runs  map[string]*runState
	queue []*task

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates an orchestrator. Call Start before submitting work.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		graph:    DefaultGraph(),
		catalog:  deps.Catalog,
		ledger:   deps.Ledger,
		store:    deps.Store,
		engine:   deps.Engine,
		mappings: deps.Mappings,
		collab:   deps.Collaborator,
		notifier: deps.Notifier,
		observer: deps.Observer,
		limiter:  newLargeLimiter(cfg.LargeFileThreshold, cfg.MaxConcurrentLarge),
		gate:     newSubmitGate(cfg.SubmitConcurrency),
		msgs:     make(chan func(context.Context), 256),
		tasks:    make(chan *task),
		runs:     make(map[string]*runState),
		done:     make(chan struct{}),
	}
	if p, ok := deps.Collaborator.(validation.Poller); ok {
		o.poller = p
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

// Start launches the dispatcher and the worker pool. They run until ctx is
// cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return fmt.Errorf("pipeline: orchestrator is already running")
	}
	o.started = true

	go func() {
		select {
		case <-ctx.Done():
			o.cancel()
		case <-o.ctx.Done():
		}
	}()

	o.wg.Add(o.cfg.Workers)
	for i := 0; i < o.cfg.Workers; i++ {
		go o.worker()
	}
	go o.dispatch()

	log.Printf("pipeline: started with %d workers, retry budget %d", o.cfg.Workers, o.cfg.RetryBudget)
	return nil
}

// Stop cancels in-flight stages and waits for the workers to exit. Runs
// keep their persisted state and continue after Resume.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started || o.stopped {
		return nil
	}
	o.stopped = true
	o.cancel()
	<-o.done
	o.wg.Wait()
	return nil
}

// runState is the dispatcher's view of one run.
type runState struct {
	run      *types.PipelineRun
	sub      *types.SubmissionFile
	def      config.TableDef
	artifact *types.ArtifactInfo

	// stored is the state last persisted, used for optimistic updates
	stored types.PipelineState

	done    map[types.StageName]bool
	running map[types.StageName]bool

	// results of the load pass that later stages reuse
	loadHash      string
	loadSet       *types.IdentifierSet
	loadSetReused bool

	awaiting bool
	// early holds a result that arrived before the submission was confirmed
	early *validation.Result

	cleanupQueued bool
	cleaned       bool
	// held keeps the run's files for an integrity review
	held bool

	retryTimer *time.Timer
	awaitTimer *time.Timer
	pollTimer  *time.Timer
}

func (rs *runState) stopTimers() {
	for _, t := range []*time.Timer{rs.retryTimer, rs.awaitTimer, rs.pollTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

type taskKind int

const (
	taskStage taskKind = iota
	taskPoll
	taskCleanup
)

// task is a snapshot handed to a worker; workers never touch runState.
type task struct {
	kind     taskKind
	stage    types.StageName
	run      types.PipelineRun
	sub      types.SubmissionFile
	def      config.TableDef
	artifact *types.ArtifactInfo

	loadHash      string
	loadSet       *types.IdentifierSet
	loadSetReused bool
}

func (o *Orchestrator) newTask(kind taskKind, stage types.StageName, rs *runState) *task {
	return &task{
		kind:          kind,
		stage:         stage,
		run:           *rs.run,
		sub:           *rs.sub,
		def:           rs.def,
		artifact:      rs.artifact,
		loadHash:      rs.loadHash,
		loadSet:       rs.loadSet,
		loadSetReused: rs.loadSetReused,
	}
}

// post hands fn to the dispatcher. It reports false once stopped.
func (o *Orchestrator) post(fn func(context.Context)) bool {
	select {
	case o.msgs <- fn:
		return true
	case <-o.ctx.Done():
		return false
	}
}

// call runs fn on the dispatcher and waits for its error.
func (o *Orchestrator) call(ctx context.Context, fn func(context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case o.msgs <- func(dctx context.Context) { reply <- fn(dctx) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.ctx.Done():
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
}

// push appends to the internal queue; it never blocks the dispatcher.
func (o *Orchestrator) push(t *task) {
	o.queue = append(o.queue, t)
	o.observer.QueueDepth(len(o.queue))
}

func (o *Orchestrator) dispatch() {
	defer close(o.done)

	sweep := time.NewTicker(o.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		// a nil channel disables the send case while the queue is empty
		var (
			tasks chan *task
			next  *task
		)
		if len(o.queue) > 0 {
			tasks, next = o.tasks, o.queue[0]
		}

		select {
		case <-o.ctx.Done():
			for _, rs := range o.runs {
				rs.stopTimers()
			}
			return
		case tasks <- next:
			o.queue[0] = nil
			o.queue = o.queue[1:]
			o.observer.QueueDepth(len(o.queue))
		case fn := <-o.msgs:
			fn(o.ctx)
		case <-sweep.C:
			o.sweep(o.ctx)
		}
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case t := <-o.tasks:
			o.execute(t)
		}
	}
}

func (o *Orchestrator) execute(t *task) {
	switch t.kind {
	case taskStage:
		started := time.Now().UTC()
		res := o.runStage(t)
		finished := time.Now().UTC()
		o.recordExecution(t, res, started, finished)
		o.post(func(ctx context.Context) { o.stageDone(ctx, t.run.ID, t.stage, res, finished.Sub(started)) })

	case taskPoll:
		result, ready, err := o.poller.Poll(o.ctx, t.run.ID)
		o.post(func(ctx context.Context) { o.polled(ctx, t.run.ID, result, ready, err) })

	case taskCleanup:
		started := time.Now().UTC()
		err := o.cleanupRun(o.ctx, &t.run)
		res := success(types.OutcomeComputed, Output{})
		if err != nil {
			res = failure(err)
		}
		if cferrors.GetCode(err) != cferrors.CodeIntegrityHold {
			o.recordExecution(t, res, started, time.Now().UTC())
		}
		o.post(func(ctx context.Context) { o.cleanupDone(ctx, t.run.ID, err) })
	}
}

// runStage executes one stage under its wall-clock budget. The worker slot
// is released when the budget runs out even if the stage is slow to notice
// the cancelled context.
func (o *Orchestrator) runStage(t *task) Result {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d := o.cfg.StageTimeouts[t.stage]; d > 0 {
		ctx, cancel = context.WithTimeout(o.ctx, d)
	} else {
		ctx, cancel = context.WithCancel(o.ctx)
	}
	defer cancel()

	ch := make(chan Result, 1)
	go func() { ch <- o.stage(ctx, t) }()

	var res Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res = failure(ctx.Err())
	}
	if res.Err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && o.ctx.Err() == nil {
		return failure(cferrors.NewPipelineError(cferrors.CodeStageTimeout,
			fmt.Sprintf("stage %s exceeded its budget of %v", t.stage, o.cfg.StageTimeouts[t.stage]), res.Err))
	}
	return res
}

func (o *Orchestrator) recordExecution(t *task, res Result, started, finished time.Time) {
	if res.Skipped || res.Awaiting || o.ctx.Err() != nil {
		return
	}
	e := &types.StageExecution{
		RunID:        t.run.ID,
		SubmissionID: t.sub.ID,
		ContentHash:  firstNonEmpty(res.Output.ContentHash, t.loadHash, t.run.ContentHash, t.sub.ContentHash),
		Stage:        t.stage,
		Outcome:      res.Outcome,
		StartedAt:    started,
		FinishedAt:   finished,
	}
	if t.kind == taskCleanup {
		e.Stage = types.StageCleanup
	}
	if res.Err != nil {
		msg := res.Err.Error()
		e.Error = &msg
	}
	if err := o.catalog.RecordStageExecution(o.ctx, e); err != nil {
		log.Printf("pipeline: failed to record %s execution of run %s: %v", e.Stage, t.run.ID, err)
	}
}

// Enqueue hands a persisted run to the dispatcher. A run already known is
// left alone.
func (o *Orchestrator) Enqueue(ctx context.Context, run *types.PipelineRun, sub *types.SubmissionFile) error {
	return o.call(ctx, func(dctx context.Context) error {
		return o.admit(dctx, run, sub)
	})
}

// Resume re-enqueues every open run in the catalog.
func (o *Orchestrator) Resume(ctx context.Context) error {
	runs, err := o.catalog.OpenRuns(ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, run := range runs {
		sub, err := o.catalog.GetSubmission(ctx, run.SubmissionID)
		if err != nil {
			log.Printf("pipeline: cannot resume run %s: %v", run.ID, err)
			continue
		}
		if err := o.Enqueue(ctx, run, sub); err != nil {
			return err
		}
		n++
	}
	if n > 0 {
		log.Printf("pipeline: resumed %d open runs", n)
	}
	return nil
}

// Sweep asks the dispatcher to retry pending cleanups and close runs whose
// cleanup is fully verified.
func (o *Orchestrator) Sweep() {
	select {
	case o.msgs <- func(ctx context.Context) { o.sweep(ctx) }:
	default:
		// a sweep is cheap to skip; the ticker runs the next one
	}
}

// admit builds the in-memory state of a run from its persisted state.
func (o *Orchestrator) admit(ctx context.Context, run *types.PipelineRun, sub *types.SubmissionFile) error {
	if _, ok := o.runs[run.ID]; ok {
		return nil
	}
	def, _ := o.mappings.Lookup(sub.CohortID, sub.TableType)
	rs := &runState{
		run:     run,
		sub:     sub,
		def:     def,
		stored:  run.State,
		done:    make(map[types.StageName]bool),
		running: make(map[types.StageName]bool),
	}
	if run.StageStarted == nil {
		run.StageStarted = make(map[types.StageName]time.Time)
	}
	if run.StageFinished == nil {
		run.StageFinished = make(map[types.StageName]time.Time)
	}
	o.runs[run.ID] = rs

	switch run.State {
	case types.StatePending, types.StateConverting:
		o.schedule(ctx, rs)
		o.save(ctx, rs)

	case types.StateExtractingAndHashing, types.StateValidating:
		if !o.restore(ctx, rs, run.State) {
			o.save(ctx, rs)
			return nil
		}
		if run.State == types.StateValidating {
			if rep, err := o.catalog.GetReport(ctx, run.ID); err == nil {
				rs.awaiting = true
				return o.complete(ctx, rs, validation.FromReport(rep))
			}
		}
		// a validating run without a report is submitted again; the rule
		// engine keys requests by run id
		o.schedule(ctx, rs)
		o.save(ctx, rs)

	case types.StateFailed:
		if Exhausted(run, o.cfg.RetryBudget) {
			o.maybeCleanup(rs)
			return nil
		}
		o.restore(ctx, rs, run.State)
		o.retryLater(rs)

	case types.StateCompleted:
		o.maybeCleanup(rs)
	}
	return nil
}

// restore marks the stages a resumed run already passed. It reports false
// when the run had to be failed because its artifact is gone.
func (o *Orchestrator) restore(ctx context.Context, rs *runState, state types.PipelineState) bool {
	run := rs.run
	var passed []types.StageName
	switch state {
	case types.StateExtractingAndHashing:
		passed = []types.StageName{types.StageConvert}
	case types.StateValidating:
		passed = o.graph.Ancestors(types.StageValidate)
	case types.StateFailed:
		passed = o.graph.Ancestors(run.FailedStage)
	}
	for _, s := range passed {
		rs.done[s] = true
	}
	if rs.done[types.StageConvert] {
		if run.ContentHash != "" {
			rs.done[types.StageHash] = true
		}
		if run.IdentifierSetID != "" {
			rs.done[types.StageExtract] = true
		}
	}
	if !rs.done[types.StageConvert] {
		return true
	}

	art, err := o.catalog.GetArtifact(ctx, rs.sub.ID)
	if err != nil {
		for s := range rs.done {
			delete(rs.done, s)
		}
		if state == types.StateFailed {
			run.FailedStage = types.StageConvert
			return false
		}
		// converting again rebuilds the artifact
		res := failure(cferrors.NewCatalogError(cferrors.CodeNotFound,
			fmt.Sprintf("artifact of run %s is not recorded", run.ID), err))
		res.Retryable = true
		o.fail(ctx, rs, types.StageConvert, res)
		return false
	}
	rs.artifact = art
	return true
}

// schedule dispatches every stage whose predecessors are done.
func (o *Orchestrator) schedule(ctx context.Context, rs *runState) {
	if rs.run.State == types.StateFailed || rs.run.State == types.StateCompleted || rs.awaiting {
		return
	}
	ready := o.graph.Ready(rs.done, rs.running)
	if len(ready) == 0 {
		return
	}

	// stages that become ready together share a state
	target := StateFor(ready[0])
	if rs.run.State != target {
		if err := o.advance(rs, target, false); err != nil {
			log.Printf("pipeline: run %s: %v", rs.run.ID, err)
			return
		}
	}
	now := time.Now().UTC()
	for _, stage := range ready {
		if StateFor(stage) != target {
			continue
		}
		rs.running[stage] = true
		rs.run.StageStarted[stage] = now
		o.push(o.newTask(taskStage, stage, rs))
	}
}

func (o *Orchestrator) advance(rs *runState, to types.PipelineState, retry bool) error {
	from := rs.run.State
	if err := Transition(from, to, retry); err != nil {
		return err
	}
	rs.run.State = to
	o.observer.RunTransition(from, to)
	o.publish(events.Event{Kind: events.RunAdvanced, From: from, To: to}, rs)
	log.Printf("pipeline: run %s (%s v%d) %s -> %s", rs.run.ID, rs.sub.TableType, rs.sub.Version, from, to)
	return nil
}

func (o *Orchestrator) publish(ev events.Event, rs *runState) {
	if o.notifier == nil {
		return
	}
	ev.RunID = rs.run.ID
	ev.SubmissionID = rs.sub.ID
	ev.CohortID = rs.sub.CohortID
	o.notifier.Publish(ev)
}

// save persists the run, expecting the state it was last stored with.
func (o *Orchestrator) save(ctx context.Context, rs *runState) error {
	if err := o.catalog.UpdateRun(ctx, rs.run, rs.stored); err != nil {
		log.Printf("pipeline: failed to persist run %s: %v", rs.run.ID, err)
		return err
	}
	rs.stored = rs.run.State
	return nil
}

func (o *Orchestrator) stageDone(ctx context.Context, runID string, stage types.StageName, res Result, d time.Duration) {
	rs, ok := o.runs[runID]
	if !ok || !rs.running[stage] {
		return
	}
	delete(rs.running, stage)
	rs.run.StageFinished[stage] = time.Now().UTC()
	if !res.Skipped && !res.Awaiting {
		o.observer.StageFinished(stage, res.Outcome, d)
	}
	o.publish(events.Event{Kind: events.StageFinished, Stage: stage, Outcome: res.Outcome, To: rs.run.State}, rs)

	if res.Err != nil {
		o.fail(ctx, rs, stage, res)
		o.save(ctx, rs)
		o.maybeCleanup(rs)
		return
	}

	o.apply(rs, stage, res.Output)
	if res.Awaiting {
		rs.awaiting = true
		if early := rs.early; early != nil {
			rs.early = nil
			if err := o.complete(ctx, rs, early); err != nil {
				log.Printf("pipeline: failed to record result of run %s: %v", runID, err)
			} else {
				return
			}
		}
		o.await(rs)
		o.save(ctx, rs)
		return
	}
	rs.done[stage] = true

	// a sibling may have failed the run meanwhile; keep the result for the retry
	if rs.run.State == types.StateFailed {
		o.save(ctx, rs)
		o.maybeCleanup(rs)
		return
	}
	o.schedule(ctx, rs)
	o.save(ctx, rs)
}

// apply stores stage outputs; extraction and hashing write distinct fields.
func (o *Orchestrator) apply(rs *runState, stage types.StageName, out Output) {
	if out.Artifact != nil {
		rs.artifact = out.Artifact
	}
	switch stage {
	case types.StageConvert:
		rs.loadHash = out.ContentHash
		rs.loadSet = out.IdentifierSet
		rs.loadSetReused = out.IdentifiersReused
	case types.StageHash:
		rs.run.ContentHash = out.ContentHash
	case types.StageExtract:
		rs.run.IdentifierSetID = out.IdentifierSetID
	}
	if out.HasMissingRefs {
		rs.run.MissingRefs = out.MissingRefs
	}
}

// fail moves the run to failed and arms the retry timer when the error is
// transient and budget remains. Terminal failures are ledgered.
func (o *Orchestrator) fail(ctx context.Context, rs *runState, stage types.StageName, res Result) {
	if rs.run.State == types.StateFailed {
		log.Printf("pipeline: run %s: %s also failed: %v", rs.run.ID, stage, res.Err)
		return
	}
	rs.stopTimers()
	rs.awaiting = false
	rs.early = nil

	class := cferrors.Classify(res.Err)
	if res.Retryable {
		class = cferrors.ClassTransient
	}
	msg := res.Err.Error()
	if res.Retryable && rs.run.Retries >= o.cfg.RetryBudget {
		msg = fmt.Sprintf("%s (retry budget of %d exhausted)", msg, o.cfg.RetryBudget)
	}
	rs.run.FailedStage = stage
	rs.run.ErrorClass = string(class)
	rs.run.LastError = &msg

	if err := o.advance(rs, types.StateFailed, false); err != nil {
		log.Printf("pipeline: run %s: %v", rs.run.ID, err)
		return
	}

	if Exhausted(rs.run, o.cfg.RetryBudget) {
		log.Printf("pipeline: run %s failed in %s after %d retries: %s", rs.run.ID, stage, rs.run.Retries, msg)
		o.recordFailure(ctx, rs, stage, msg)
		return
	}
	o.retryLater(rs)
}

func (o *Orchestrator) retryLater(rs *runState) {
	delay := Backoff(o.cfg.BackoffBase, rs.run.Retries)
	log.Printf("pipeline: run %s failed in %s, retry %d/%d in %v", rs.run.ID, rs.run.FailedStage,
		rs.run.Retries+1, o.cfg.RetryBudget, delay)
	runID := rs.run.ID
	rs.retryTimer = time.AfterFunc(delay, func() {
		o.post(func(ctx context.Context) { o.retry(ctx, runID) })
	})
}

func (o *Orchestrator) recordFailure(ctx context.Context, rs *runState, stage types.StageName, msg string) {
	attrs := ledger.Attrs{SubmissionID: rs.sub.ID, RunID: rs.run.ID, Error: msg}
	if rs.run.ErrorClass == string(cferrors.ClassIntegrity) {
		// cleanup waits until an operator releases the submission
		rs.held = true
		if _, err := o.ledger.Record(ctx, types.ActionHashMismatch, rs.sub.SourcePath, o.cfg.Actor, rs.sub.CohortID, attrs); err != nil {
			log.Printf("pipeline: failed to ledger integrity failure of run %s: %v", rs.run.ID, err)
		}
	}
	if stage == types.StageConvert {
		if _, err := o.ledger.Record(ctx, types.ActionConversionFailed, rs.sub.SourcePath, o.cfg.Actor, rs.sub.CohortID, attrs); err != nil {
			log.Printf("pipeline: failed to ledger conversion failure of run %s: %v", rs.run.ID, err)
		}
	}
	if _, err := o.ledger.Record(ctx, types.ActionRunFailed, rs.sub.SourcePath, o.cfg.Actor, rs.sub.CohortID, attrs); err != nil {
		log.Printf("pipeline: failed to ledger failure of run %s: %v", rs.run.ID, err)
	}
}

// retry restarts a failed run from its failed stage.
func (o *Orchestrator) retry(ctx context.Context, runID string) {
	rs, ok := o.runs[runID]
	if !ok || rs.run.State != types.StateFailed || Exhausted(rs.run, o.cfg.RetryBudget) {
		return
	}
	stage := rs.run.FailedStage
	if err := o.advance(rs, StateFor(stage), true); err != nil {
		log.Printf("pipeline: run %s: %v", runID, err)
		return
	}
	rs.run.Retries++
	rs.run.LastError = nil
	rs.run.ErrorClass = ""
	o.observer.Retry(stage)
	o.schedule(ctx, rs)
	o.save(ctx, rs)
}

// await arms the result timeout and, for polling collaborators, the first poll.
func (o *Orchestrator) await(rs *runState) {
	runID := rs.run.ID
	rs.awaitTimer = time.AfterFunc(o.cfg.ResultTimeout, func() {
		o.post(func(ctx context.Context) { o.resultTimedOut(ctx, runID) })
	})
	if o.poller != nil {
		o.schedulePoll(rs)
	}
}

func (o *Orchestrator) schedulePoll(rs *runState) {
	runID := rs.run.ID
	rs.pollTimer = time.AfterFunc(o.cfg.PollInterval, func() {
		o.post(func(ctx context.Context) {
			if rs, ok := o.runs[runID]; ok && rs.awaiting {
				o.push(o.newTask(taskPoll, types.StageValidate, rs))
			}
		})
	})
}

func (o *Orchestrator) polled(ctx context.Context, runID string, res *validation.Result, ready bool, err error) {
	rs, ok := o.runs[runID]
	if !ok || !rs.awaiting {
		return
	}
	switch {
	case err != nil:
		log.Printf("pipeline: polling result of run %s: %v", runID, err)
	case ready:
		if err := res.Validate(); err != nil {
			log.Printf("pipeline: rule engine returned an invalid result for run %s: %v", runID, err)
			break
		}
		if err := o.complete(ctx, rs, res); err != nil {
			log.Printf("pipeline: failed to record result of run %s: %v", runID, err)
			break
		}
		return
	}
	o.schedulePoll(rs)
}

func (o *Orchestrator) resultTimedOut(ctx context.Context, runID string) {
	rs, ok := o.runs[runID]
	if !ok || !rs.awaiting {
		return
	}
	res := failure(cferrors.NewPipelineError(cferrors.CodeResultMissing,
		fmt.Sprintf("no validation result within %v", o.cfg.ResultTimeout), nil))
	// the rule engine may have lost the request; resubmitting is safe
	res.Retryable = true
	o.fail(ctx, rs, types.StageValidate, res)
	o.save(ctx, rs)
	o.maybeCleanup(rs)
}

// CompleteValidation records the rule engine's result for a run. A repeated
// delivery for a completed run is accepted and ignored.
func (o *Orchestrator) CompleteValidation(ctx context.Context, runID string, res *validation.Result) error {
	if res.RunID == "" {
		res.RunID = runID
	}
	if res.RunID != runID {
		return cferrors.NewInputError(cferrors.CodeInvalidRequest,
			fmt.Sprintf("result is for run %s, not %s", res.RunID, runID))
	}
	if err := res.Validate(); err != nil {
		return err
	}
	return o.call(ctx, func(dctx context.Context) error {
		rs, ok := o.runs[runID]
		if !ok {
			run, err := o.catalog.GetRun(dctx, runID)
			if err != nil {
				return err
			}
			if run.State == types.StateCompleted {
				return nil
			}
			return cferrors.NewPipelineError(cferrors.CodeInvalidTransition,
				fmt.Sprintf("run %s is %s, not awaiting a validation result", runID, run.State), nil)
		}
		if rs.run.State == types.StateCompleted {
			return nil
		}
		if rs.running[types.StageValidate] {
			rs.early = res
			return nil
		}
		if !rs.awaiting {
			return cferrors.NewPipelineError(cferrors.CodeInvalidTransition,
				fmt.Sprintf("run %s is %s, not awaiting a validation result", runID, rs.run.State), nil)
		}
		return o.complete(dctx, rs, res)
	})
}

// complete applies a validation result to an awaiting run.
func (o *Orchestrator) complete(ctx context.Context, rs *runState, res *validation.Result) error {
	if err := o.catalog.SaveReport(ctx, res.Report()); err != nil {
		return err
	}
	accepted := res.Status == validation.StatusPassed || res.Status == validation.StatusWarnings
	if accepted && rs.def.IdentifierBearing && rs.run.IdentifierSetID != "" {
		err := o.catalog.SetAnchor(ctx, rs.sub.CohortID, rs.sub.Wave, rs.sub.TableType, rs.run.IdentifierSetID, rs.sub.ID)
		if err != nil {
			return err
		}
	}

	path := ""
	if rs.artifact != nil {
		path = rs.artifact.Path
	}
	_, err := o.ledger.Record(ctx, types.ActionValidationCompleted, path, o.cfg.Actor, rs.sub.CohortID, ledger.Attrs{
		SubmissionID: rs.sub.ID,
		RunID:        rs.run.ID,
		Hash:         rs.run.ContentHash,
	})
	if err != nil {
		log.Printf("pipeline: failed to ledger validation result of run %s: %v", rs.run.ID, err)
	}

	if rs.awaitTimer != nil {
		rs.awaitTimer.Stop()
	}
	if rs.pollTimer != nil {
		rs.pollTimer.Stop()
	}
	rs.awaiting = false
	started := rs.run.StageStarted[types.StageValidate]
	finished := time.Now().UTC()
	rs.run.StageFinished[types.StageValidate] = finished

	t := o.newTask(taskStage, types.StageValidate, rs)
	if res.Status == validation.StatusError {
		r := failure(cferrors.NewPipelineError(cferrors.CodeResultMissing,
			"the rule engine could not validate the artifact", nil))
		r.Retryable = true
		o.recordExecution(t, r, started, finished)
		o.fail(ctx, rs, types.StageValidate, r)
		o.save(ctx, rs)
		o.maybeCleanup(rs)
		return nil
	}

	o.recordExecution(t, success(types.OutcomeComputed, Output{}), started, finished)
	o.observer.StageFinished(types.StageValidate, types.OutcomeComputed, finished.Sub(started))
	rs.done[types.StageValidate] = true
	if err := o.advance(rs, types.StateCompleted, false); err != nil {
		return err
	}
	o.save(ctx, rs)
	o.maybeCleanup(rs)
	return nil
}

// Rerun supersedes the active run of a submission with a new one. The
// active run must be completed or terminally failed, and the verifier must
// have confirmed its cleanup.
func (o *Orchestrator) Rerun(ctx context.Context, submissionID string) (*types.PipelineRun, error) {
	var out types.PipelineRun
	err := o.call(ctx, func(dctx context.Context) error {
		active, err := o.catalog.ActiveRun(dctx, submissionID)
		if err != nil {
			return err
		}
		old, known := o.runs[active.ID]
		if known {
			active = old.run
		}
		if !Finished(active, o.cfg.RetryBudget) {
			return cferrors.NewPipelineError(cferrors.CodeInvalidTransition,
				fmt.Sprintf("run %s is still %s", active.ID, active.State), nil)
		}
		if known && old.held {
			return cferrors.NewIntegrityError(cferrors.CodeIntegrityHold,
				fmt.Sprintf("run %s is held for integrity review", active.ID))
		}
		// both runs write the same artifact path
		if known && !old.cleaned {
			return cferrors.NewCatalogError(cferrors.CodeWriteConflict,
				fmt.Sprintf("cleanup of run %s is still in progress", active.ID), nil)
		}
		pending, err := o.ledger.PendingCleanups(dctx, active.ID)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return cferrors.NewCatalogError(cferrors.CodeWriteConflict,
				fmt.Sprintf("cleanup of run %s is not verified yet", active.ID), nil)
		}

		sub, err := o.catalog.GetSubmission(dctx, submissionID)
		if err != nil {
			return err
		}
		run, err := o.catalog.CreateRun(dctx, submissionID)
		if err != nil {
			return err
		}
		if known {
			// the superseded run finishes its cleanup without touching the submission
			old.run.Active = false
		}
		log.Printf("pipeline: run %s supersedes %s for submission %s", run.ID, active.ID, submissionID)
		if err := o.admit(dctx, run, sub); err != nil {
			return err
		}
		out = *run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// maybeCleanup queues the cleanup of a finished run once no stage runs.
func (o *Orchestrator) maybeCleanup(rs *runState) {
	if rs.held || rs.cleanupQueued || rs.cleaned || len(rs.running) > 0 || !Finished(rs.run, o.cfg.RetryBudget) {
		return
	}
	rs.cleanupQueued = true
	o.push(o.newTask(taskCleanup, types.StageCleanup, rs))
}

func (o *Orchestrator) cleanupDone(ctx context.Context, runID string, err error) {
	rs, ok := o.runs[runID]
	if !ok {
		return
	}
	if cferrors.GetCode(err) == cferrors.CodeIntegrityHold {
		log.Printf("pipeline: run %s held for integrity review, files kept", runID)
		rs.held = true
		rs.cleanupQueued = false
		return
	}
	if err != nil {
		// the next sweep queues it again
		log.Printf("pipeline: cleanup of run %s incomplete: %v", runID, err)
		rs.cleanupQueued = false
		return
	}
	rs.cleaned = true
	o.closeIfVerified(ctx, rs)
}

func (o *Orchestrator) sweep(ctx context.Context) {
	o.gate.adjust()
	for _, rs := range o.runs {
		if ctx.Err() != nil {
			return
		}
		if rs.cleaned {
			o.closeIfVerified(ctx, rs)
			continue
		}
		if rs.held {
			o.checkRelease(ctx, rs)
		}
		o.maybeCleanup(rs)
	}
}

// checkRelease lifts the hold of a run once its submission was released.
func (o *Orchestrator) checkRelease(ctx context.Context, rs *runState) {
	held, err := o.ledger.IntegrityHold(ctx, rs.sub.ID)
	if err != nil {
		log.Printf("pipeline: failed to check integrity hold of run %s: %v", rs.run.ID, err)
		return
	}
	if !held {
		log.Printf("pipeline: integrity hold of run %s released", rs.run.ID)
		rs.held = false
	}
}

// closeIfVerified closes a cleaned run once the verifier confirmed every
// cleanup-required entry of it.
func (o *Orchestrator) closeIfVerified(ctx context.Context, rs *runState) {
	pending, err := o.ledger.PendingCleanups(ctx, rs.run.ID)
	if err != nil {
		log.Printf("pipeline: failed to check cleanups of run %s: %v", rs.run.ID, err)
		return
	}
	if len(pending) > 0 {
		return
	}
	rs.run.Closed = true
	if err := o.save(ctx, rs); err != nil {
		rs.run.Closed = false
		return
	}
	delete(o.runs, rs.run.ID)
	o.publish(events.Event{Kind: events.RunClosed, To: rs.run.State}, rs)
	log.Printf("pipeline: run %s closed", rs.run.ID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
