package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/cohortflow/cohortflow/internal/catalog"
	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/internal/events"
	"github.com/cohortflow/cohortflow/internal/ingest"
	"github.com/cohortflow/cohortflow/internal/ledger"
	"github.com/cohortflow/cohortflow/internal/validation"
	"github.com/cohortflow/cohortflow/pkg/types"
)

const demographicsCSV = "pid,age,sex\nP1,30,f\nP2,41,m\nP3,52,f\n"

func TestPipeline_UploadToClosed(t *testing.T) {
	rules := &fakeRuleEngine{auto: validation.StatusPassed}
	env := newTestEnv(t, rules, nil)
	ctx := context.Background()

	sub := env.notifier.SubscribeAutoID("c1/")
	defer env.notifier.Unsubscribe(sub.ID)

	receipt := env.upload(t, "demographics", demographicsCSV)
	if receipt.Version != 1 || receipt.State != types.StatePending {
		t.Fatalf("receipt = %+v", receipt)
	}

	run := env.waitState(t, receipt.RunID, types.StateCompleted)
	if run.ContentHash == "" || run.IdentifierSetID == "" {
		t.Errorf("run results not recorded: %+v", run)
	}
	if run.LastError != nil || run.Retries != 0 {
		t.Errorf("run = %+v", run)
	}

	got, err := env.catalog.GetSubmission(ctx, receipt.SubmissionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.StateCompleted || got.ContentHash != run.ContentHash {
		t.Errorf("submission = %+v", got)
	}

	rep, err := env.catalog.GetReport(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != string(validation.StatusPassed) || len(rep.Columns) != 1 || rep.Columns[0].Pass != 3 {
		t.Errorf("report = %+v", rep)
	}

	anchor, err := env.catalog.Anchor(ctx, "c1", "w1", "demographics")
	if err != nil || anchor != run.IdentifierSetID {
		t.Errorf("anchor = %q, %v; want %s", anchor, err, run.IdentifierSetID)
	}

	reqs := rules.submitted()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if reqs[0].DefinitionRef != "demographics-v1" || reqs[0].RowCount != 3 || reqs[0].ContentHash != run.ContentHash {
		t.Errorf("request = %+v", reqs[0])
	}

	run = env.waitClosed(t, receipt.RunID)

	outcomes := env.outcomes(t, run.ID)
	for _, stage := range []types.StageName{types.StageConvert, types.StageExtract, types.StageHash, types.StageValidate, types.StageCleanup} {
		if len(outcomes[stage]) != 1 || outcomes[stage][0] != types.OutcomeComputed {
			t.Errorf("%s outcomes = %v", stage, outcomes[stage])
		}
	}

	// scratch is gone, the upload stays
	artifact := ingest.ArtifactPath(receipt.SubmissionID, 1)
	if ok, _ := env.store.Exists(ctx, artifact); ok {
		t.Errorf("artifact %s still present", artifact)
	}
	if ok, _ := env.store.Exists(ctx, ingest.SourcePath("c1", receipt.SubmissionID)); !ok {
		t.Error("raw upload was removed")
	}
	if _, err := os.Stat(ingest.RunWorkDir(env.workDir, run.ID)); !os.IsNotExist(err) {
		t.Errorf("work dir still present: %v", err)
	}
	pending, err := env.ledger.PendingCleanups(ctx, "")
	if err != nil || len(pending) != 0 {
		t.Errorf("pending cleanups = %d, %v", len(pending), err)
	}

	acts := env.actions(t, ledger.TrailFilter{SubmissionID: receipt.SubmissionID})
	for _, a := range []types.ActionKind{
		types.ActionUploadReceived, types.ActionRawStreamed, types.ActionUploadStored,
		types.ActionConversionStarted, types.ActionTempCreated, types.ActionArtifactCreated,
		types.ActionConversionCompleted, types.ActionIdentifiersExtracted, types.ActionHashComputed,
		types.ActionValidationRequested, types.ActionValidationCompleted,
		types.ActionCleanupScheduled, types.ActionFileDeleted,
	} {
		if acts[a] == 0 {
			t.Errorf("no %s entry in trail %v", a, acts)
		}
	}

	closed := false
	timeout := time.After(time.Second)
	for !closed {
		select {
		case ev := <-sub.Ch:
			if ev.Kind == events.RunClosed && ev.RunID == run.ID {
				closed = true
			}
		case <-timeout:
			t.Fatal("no RunClosed event")
		}
	}
}

func TestPipeline_DependentTableCountsMissingReferences(t *testing.T) {
	rules := &fakeRuleEngine{auto: validation.StatusPassed}
	env := newTestEnv(t, rules, nil)

	anchor := env.upload(t, "demographics", demographicsCSV)
	env.waitState(t, anchor.RunID, types.StateCompleted)

	visits := env.upload(t, "visits", "pid,visit\nP1,v1\nP2,v1\nP9,v1\nP1,v2\nP8,v1\n")
	run := env.waitState(t, visits.RunID, types.StateCompleted)
	if run.MissingRefs != 2 {
		t.Errorf("MissingRefs = %d, want 2", run.MissingRefs)
	}

	reqs := rules.submitted()
	last := reqs[len(reqs)-1]
	if last.RunID != run.ID {
		t.Fatalf("last request is for %s", last.RunID)
	}
	if last.Context["anchor_table"] != "demographics" || last.Context["missing_references"] != "2" {
		t.Errorf("context = %v", last.Context)
	}

	// a dependent table never becomes an anchor
	if _, err := env.catalog.Anchor(context.Background(), "c1", "w1", "visits"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("visits anchor err = %v", err)
	}
}

func TestPipeline_DependentTableWithoutAnchor(t *testing.T) {
	rules := &fakeRuleEngine{auto: validation.StatusWarnings}
	env := newTestEnv(t, rules, nil)

	visits := env.upload(t, "visits", "pid,visit\nP1,v1\nP2,v1\nP1,v2\n")
	run := env.waitState(t, visits.RunID, types.StateCompleted)
	if run.MissingRefs != 2 {
		t.Errorf("MissingRefs = %d, want every distinct identifier", run.MissingRefs)
	}
	hints := rules.submitted()[0].Context
	if hints["anchor_note"] == "" {
		t.Errorf("context = %v, want an anchor note", hints)
	}
}

func TestPipeline_TableWithoutIdentifiersSkipsExtraction(t *testing.T) {
	rules := &fakeRuleEngine{auto: validation.StatusPassed}
	env := newTestEnv(t, rules, nil)

	receipt := env.upload(t, "notes", "note,author\nhello,a\n")
	run := env.waitState(t, receipt.RunID, types.StateCompleted)
	if run.IdentifierSetID != "" {
		t.Errorf("IdentifierSetID = %q", run.IdentifierSetID)
	}
	outcomes := env.outcomes(t, run.ID)
	if len(outcomes[types.StageExtract]) != 0 {
		t.Errorf("extract outcomes = %v", outcomes[types.StageExtract])
	}
	if len(outcomes[types.StageHash]) != 1 {
		t.Errorf("hash outcomes = %v", outcomes[types.StageHash])
	}
}

func TestPipeline_IdenticalContentIsReused(t *testing.T) {
	rules := &fakeRuleEngine{auto: validation.StatusPassed}
	env := newTestEnv(t, rules, nil)

	first := env.upload(t, "demographics", demographicsCSV)
	run1 := env.waitState(t, first.RunID, types.StateCompleted)

	second := env.upload(t, "demographics", demographicsCSV)
	if second.Version != 2 {
		t.Errorf("second version = %d", second.Version)
	}
	run2 := env.waitState(t, second.RunID, types.StateCompleted)

	if run2.ContentHash != run1.ContentHash {
		t.Errorf("hashes differ: %s vs %s", run1.ContentHash, run2.ContentHash)
	}
	if run2.IdentifierSetID != run1.IdentifierSetID {
		t.Errorf("identifier sets differ: %s vs %s", run1.IdentifierSetID, run2.IdentifierSetID)
	}

	outcomes := env.outcomes(t, run2.ID)
	if got := outcomes[types.StageHash]; len(got) != 1 || got[0] != types.OutcomeReused {
		t.Errorf("hash outcomes = %v, want reused", got)
	}
	if got := outcomes[types.StageExtract]; len(got) != 1 || got[0] != types.OutcomeReused {
		t.Errorf("extract outcomes = %v, want reused", got)
	}

	acts := env.actions(t, ledger.TrailFilter{SubmissionID: second.SubmissionID})
	if acts[types.ActionHashReused] != 1 || acts[types.ActionExtractionReused] != 1 {
		t.Errorf("trail = %v", acts)
	}
	if _, hashes, extracts := env.engine.counts(); hashes != 0 || extracts != 0 {
		t.Errorf("engine re-read the upload: %d hashes, %d extractions", hashes, extracts)
	}
}

func TestPipeline_TransientConvertFailureIsRetried(t *testing.T) {
	rules := &fakeRuleEngine{auto: validation.StatusPassed}
	env := newTestEnv(t, rules, func(cfg *Config, e *faultEngine) {
		e.failConverts = 1
	})

	receipt := env.upload(t, "demographics", demographicsCSV)
	run := env.waitState(t, receipt.RunID, types.StateCompleted)
	if run.Retries != 1 || run.LastError != nil || run.ErrorClass != "" {
		t.Errorf("run = %+v", run)
	}
	got := env.outcomes(t, run.ID)[types.StageConvert]
	if len(got) != 2 || got[0] != types.OutcomeFailed || got[1] != types.OutcomeComputed {
		t.Errorf("convert outcomes = %v", got)
	}

	// the retry builds in its own attempt directory
	entries, err := env.ledger.Trail(context.Background(), ledger.TrailFilter{RunID: run.ID, Action: types.ActionTempCreated})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || filepath.Dir(entries[0].Path) != ingest.AttemptWorkDir(env.workDir, run.ID, 1) {
		t.Errorf("scratch entries = %+v", entries)
	}
}

func TestPipeline_IntegrityFailureHoldsCleanup(t *testing.T) {
	env := newTestEnv(t, &fakeRuleEngine{}, nil)
	ctx := context.Background()
	env.engine.mu.Lock()
	env.engine.beforeConvert = func(req ingest.ConvertRequest) {
		// the upload was hashed differently before this conversion
		env.catalog.SetContentHash(context.Background(), req.SubmissionID, "00ff")
	}
	env.engine.mu.Unlock()

	receipt := env.upload(t, "demographics", demographicsCSV)
	waitFor(t, "integrity hold", 5*time.Second, func() bool {
		held, err := env.ledger.IntegrityHold(ctx, receipt.SubmissionID)
		return err == nil && held
	})
	run := env.waitState(t, receipt.RunID, types.StateFailed)
	if run.ErrorClass != string(cferrors.ClassIntegrity) || run.Retries != 0 || run.FailedStage != types.StageConvert {
		t.Errorf("run = %+v", run)
	}

	for i := 0; i < 5; i++ {
		if _, err := env.verifier.RunOnce(ctx); err != nil {
			t.Fatal(err)
		}
		env.o.Sweep()
		time.Sleep(20 * time.Millisecond)
	}

	// nothing is deleted or confirmed while the submission is held
	if run = env.run(t, receipt.RunID); run.Closed {
		t.Fatal("held run was closed")
	}
	artifact := ingest.ArtifactPath(receipt.SubmissionID, 1)
	if ok, _ := env.store.Exists(ctx, artifact); !ok {
		t.Errorf("artifact %s removed during hold", artifact)
	}
	pending, err := env.ledger.PendingCleanups(ctx, run.ID)
	if err != nil || len(pending) == 0 {
		t.Fatalf("pending cleanups = %d, %v", len(pending), err)
	}
	if err := env.ledger.MarkCleaned(ctx, pending[0].ID, "operator", time.Now()); cferrors.GetCode(err) != cferrors.CodeIntegrityHold {
		t.Errorf("MarkCleaned during hold err = %v", err)
	}
	if got := env.outcomes(t, run.ID)[types.StageCleanup]; len(got) != 0 {
		t.Errorf("cleanup outcomes = %v", got)
	}
	acts := env.actions(t, ledger.TrailFilter{RunID: run.ID})
	if acts[types.ActionHashMismatch] != 1 || acts[types.ActionRunFailed] != 1 || acts[types.ActionCleanupScheduled] != 0 {
		t.Errorf("trail = %v", acts)
	}
	if _, err := env.o.Rerun(ctx, receipt.SubmissionID); cferrors.GetCode(err) != cferrors.CodeIntegrityHold {
		t.Errorf("rerun of a held run err = %v", err)
	}

	if err := env.ledger.ReleaseIntegrityHold(ctx, receipt.SubmissionID, "operator"); err != nil {
		t.Fatal(err)
	}
	env.waitClosed(t, receipt.RunID)
	if ok, _ := env.store.Exists(ctx, artifact); ok {
		t.Errorf("artifact %s still present after release", artifact)
	}
	acts = env.actions(t, ledger.TrailFilter{RunID: run.ID})
	if acts[types.ActionIntegrityReleased] != 1 || acts[types.ActionFileDeleted] == 0 {
		t.Errorf("trail after release = %v", acts)
	}
}

func TestPipeline_ExtractAndHashOrderIsIrrelevant(t *testing.T) {
	type outcome struct {
		order       []types.StageName
		contentHash string
		setHash     string
		setCount    int64
		members     []string
		actions     map[types.ActionKind]int
		outcomes    map[types.StageName][]types.StageOutcome
	}
	runWith := func(t *testing.T, first types.StageName) outcome {
		env := newTestEnv(t, &fakeRuleEngine{auto: validation.StatusPassed}, nil)
		ctx := context.Background()
		if err := env.o.Stop(); err != nil {
			t.Fatal(err)
		}
		order := newStageOrder(env.ledger, first)
		env.deps.Ledger = order
		env.deps.Observer = order
		env.start(t)

		receipt := env.upload(t, "demographics", demographicsCSV)
		env.waitState(t, receipt.RunID, types.StateCompleted)
		run := env.waitClosed(t, receipt.RunID)

		sub, err := env.catalog.GetSubmission(ctx, receipt.SubmissionID)
		if err != nil {
			t.Fatal(err)
		}
		if sub.IdentifierSetID != run.IdentifierSetID || sub.ContentHash != run.ContentHash {
			t.Errorf("submission = %+v, run = %+v", sub, run)
		}
		byHash, err := env.catalog.IdentifierSetByHash(ctx, run.ContentHash)
		if err != nil || byHash.ID != run.IdentifierSetID {
			t.Errorf("set by hash = %+v, %v; want %s", byHash, err, run.IdentifierSetID)
		}

		set, err := env.catalog.GetIdentifierSet(ctx, run.IdentifierSetID)
		if err != nil {
			t.Fatal(err)
		}
		out := outcome{
			order:       order.order(),
			contentHash: run.ContentHash,
			setHash:     set.ContentHash,
			setCount:    set.Count,
			actions:     env.actions(t, ledger.TrailFilter{RunID: run.ID}),
			outcomes:    env.outcomes(t, run.ID),
		}
		env.catalog.EachIdentifier(ctx, set.ID, func(v string) error {
			out.members = append(out.members, v)
			return nil
		})
		sort.Strings(out.members)
		return out
	}

	hashFirst := runWith(t, types.StageHash)
	extractFirst := runWith(t, types.StageExtract)

	if fmt.Sprint(hashFirst.order) != fmt.Sprint([]types.StageName{types.StageHash, types.StageExtract}) {
		t.Fatalf("hash-first order = %v", hashFirst.order)
	}
	if fmt.Sprint(extractFirst.order) != fmt.Sprint([]types.StageName{types.StageExtract, types.StageHash}) {
		t.Fatalf("extract-first order = %v", extractFirst.order)
	}

	if hashFirst.contentHash == "" || hashFirst.contentHash != extractFirst.contentHash {
		t.Errorf("content hash %q vs %q", hashFirst.contentHash, extractFirst.contentHash)
	}
	if hashFirst.setHash != hashFirst.contentHash || extractFirst.setHash != extractFirst.contentHash {
		t.Errorf("set hashes %q, %q", hashFirst.setHash, extractFirst.setHash)
	}
	if hashFirst.setCount != 3 || hashFirst.setCount != extractFirst.setCount ||
		fmt.Sprint(hashFirst.members) != fmt.Sprint(extractFirst.members) {
		t.Errorf("identifier sets %d %v vs %d %v", hashFirst.setCount, hashFirst.members, extractFirst.setCount, extractFirst.members)
	}
	if fmt.Sprint(hashFirst.actions) != fmt.Sprint(extractFirst.actions) {
		t.Errorf("ledger actions %v vs %v", hashFirst.actions, extractFirst.actions)
	}
	if fmt.Sprint(hashFirst.outcomes) != fmt.Sprint(extractFirst.outcomes) {
		t.Errorf("stage outcomes %v vs %v", hashFirst.outcomes, extractFirst.outcomes)
	}
}

func TestPipeline_RetryBudgetExhausted(t *testing.T) {
	env := newTestEnv(t, &fakeRuleEngine{}, func(cfg *Config, e *faultEngine) {
		e.failConverts = 100
	})

	receipt := env.upload(t, "demographics", demographicsCSV)
	run := env.waitState(t, receipt.RunID, types.StateFailed)
	waitFor(t, "budget exhausted", 5*time.Second, func() bool {
		run = env.run(t, receipt.RunID)
		return Exhausted(run, 2)
	})

	if run.Retries != 2 || run.FailedStage != types.StageConvert {
		t.Errorf("run = %+v", run)
	}
	if run.ErrorClass != string(cferrors.ClassTransient) {
		t.Errorf("ErrorClass = %q", run.ErrorClass)
	}
	if run.LastError == nil || !strings.Contains(*run.LastError, "retry budget of 2 exhausted") {
		t.Errorf("LastError = %v", run.LastError)
	}
	if converts, _, _ := env.engine.counts(); converts != 3 {
		t.Errorf("converts = %d, want 3", converts)
	}

	sub, _ := env.catalog.GetSubmission(context.Background(), receipt.SubmissionID)
	if sub.State != types.StateFailed || sub.Error == nil {
		t.Errorf("submission = %+v", sub)
	}

	env.waitClosed(t, receipt.RunID)
	acts := env.actions(t, ledger.TrailFilter{RunID: run.ID})
	if acts[types.ActionRunFailed] != 1 || acts[types.ActionConversionFailed] != 1 {
		t.Errorf("trail = %v", acts)
	}
}

func TestPipeline_InputErrorIsNotRetried(t *testing.T) {
	env := newTestEnv(t, &fakeRuleEngine{}, nil)

	receipt := env.upload(t, "demographics", "")
	run := env.waitState(t, receipt.RunID, types.StateFailed)
	if run.Retries != 0 || run.ErrorClass != string(cferrors.ClassInput) {
		t.Errorf("run = %+v", run)
	}
	if run.LastError == nil || !strings.Contains(*run.LastError, cferrors.CodeEmptyFile) {
		t.Errorf("LastError = %v", run.LastError)
	}
	time.Sleep(50 * time.Millisecond)
	if converts, _, _ := env.engine.counts(); converts != 1 {
		t.Errorf("converts = %d", converts)
	}
}

func TestPipeline_StageTimeout(t *testing.T) {
	env := newTestEnv(t, &fakeRuleEngine{}, func(cfg *Config, e *faultEngine) {
		cfg.RetryBudget = 0
		cfg.StageTimeouts = map[types.StageName]time.Duration{types.StageConvert: 50 * time.Millisecond}
		e.convertDelay = 5 * time.Second
	})

	start := time.Now()
	receipt := env.upload(t, "demographics", demographicsCSV)
	run := env.waitState(t, receipt.RunID, types.StateFailed)
	if time.Since(start) > 3*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
	if run.ErrorClass != string(cferrors.ClassTransient) || run.LastError == nil ||
		!strings.Contains(*run.LastError, cferrors.CodeStageTimeout) {
		t.Errorf("run = %+v", run)
	}
}

func TestPipeline_SubmitFailureRetriesOnlyValidation(t *testing.T) {
	rules := &fakeRuleEngine{auto: validation.StatusPassed, failFirst: 1}
	env := newTestEnv(t, rules, nil)

	receipt := env.upload(t, "demographics", demographicsCSV)
	run := env.waitState(t, receipt.RunID, types.StateCompleted)
	if run.Retries != 1 {
		t.Errorf("Retries = %d", run.Retries)
	}
	if converts, hashes, extracts := env.engine.counts(); converts != 1 || hashes != 0 || extracts != 0 {
		t.Errorf("engine calls = %d/%d/%d, want a single load pass", converts, hashes, extracts)
	}
	outcomes := env.outcomes(t, run.ID)
	if len(outcomes[types.StageExtract]) != 1 || len(outcomes[types.StageHash]) != 1 {
		t.Errorf("outcomes = %v", outcomes)
	}
	if len(rules.submitted()) != 2 {
		t.Errorf("requests = %d", len(rules.submitted()))
	}
}

func TestPipeline_ResultTimeoutResubmits(t *testing.T) {
	rules := &fakeRuleEngine{}
	env := newTestEnv(t, rules, func(cfg *Config, e *faultEngine) {
		cfg.RetryBudget = 1
		cfg.ResultTimeout = 50 * time.Millisecond
	})

	receipt := env.upload(t, "demographics", demographicsCSV)
	var run *types.PipelineRun
	waitFor(t, "budget exhausted", 5*time.Second, func() bool {
		run = env.run(t, receipt.RunID)
		return Exhausted(run, 1)
	})
	if run.FailedStage != types.StageValidate || run.Retries != 1 {
		t.Errorf("run = %+v", run)
	}
	reqs := rules.submitted()
	if len(reqs) != 2 || reqs[0].RunID != reqs[1].RunID {
		t.Errorf("requests = %v", reqs)
	}
}

func TestPipeline_ErrorStatusIsRetried(t *testing.T) {
	rules := &fakeRuleEngine{auto: validation.StatusError}
	env := newTestEnv(t, rules, func(cfg *Config, e *faultEngine) {
		cfg.RetryBudget = 1
	})

	receipt := env.upload(t, "demographics", demographicsCSV)
	var run *types.PipelineRun
	waitFor(t, "budget exhausted", 5*time.Second, func() bool {
		run = env.run(t, receipt.RunID)
		return Exhausted(run, 1)
	})
	if run.FailedStage != types.StageValidate || len(rules.submitted()) != 2 {
		t.Errorf("run = %+v, requests = %d", run, len(rules.submitted()))
	}
	if _, err := env.catalog.Anchor(context.Background(), "c1", "w1", "demographics"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("anchor set for an unvalidated table: %v", err)
	}
}

func TestPipeline_FailedValidationCompletesRun(t *testing.T) {
	rules := &fakeRuleEngine{auto: validation.StatusFailed}
	env := newTestEnv(t, rules, nil)

	receipt := env.upload(t, "demographics", demographicsCSV)
	run := env.waitState(t, receipt.RunID, types.StateCompleted)
	rep, err := env.catalog.GetReport(context.Background(), run.ID)
	if err != nil || rep.Status != string(validation.StatusFailed) {
		t.Errorf("report = %+v, %v", rep, err)
	}
	if _, err := env.catalog.Anchor(context.Background(), "c1", "w1", "demographics"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("a failed table became the anchor: %v", err)
	}
}

func TestPipeline_PollingRuleEngine(t *testing.T) {
	rules := &pollingRuleEngine{readyAfter: 3}
	env := newTestEnv(t, rules, nil)

	receipt := env.upload(t, "demographics", demographicsCSV)
	run := env.waitState(t, receipt.RunID, types.StateCompleted)
	rep, err := env.catalog.GetReport(context.Background(), run.ID)
	if err != nil || rep.Status != string(validation.StatusWarnings) {
		t.Errorf("report = %+v, %v", rep, err)
	}
	rules.mu.Lock()
	polls := rules.polls
	rules.mu.Unlock()
	if polls < 3 {
		t.Errorf("polls = %d", polls)
	}
}

func TestCompleteValidation(t *testing.T) {
	rules := &fakeRuleEngine{}
	env := newTestEnv(t, rules, nil)
	ctx := context.Background()

	receipt := env.upload(t, "demographics", demographicsCSV)
	waitFor(t, "submission", 10*time.Second, func() bool { return len(rules.submitted()) == 1 })

	err := env.o.CompleteValidation(ctx, receipt.RunID, &validation.Result{RunID: "other", Status: validation.StatusPassed})
	if cferrors.GetCode(err) != cferrors.CodeInvalidRequest {
		t.Errorf("mismatched run err = %v", err)
	}
	err = env.o.CompleteValidation(ctx, receipt.RunID, &validation.Result{Status: "great"})
	if cferrors.GetCode(err) != cferrors.CodeInvalidRequest {
		t.Errorf("bad status err = %v", err)
	}

	ok := &validation.Result{Status: validation.StatusPassed}
	waitFor(t, "result accepted", 5*time.Second, func() bool {
		return env.o.CompleteValidation(ctx, receipt.RunID, ok) == nil
	})
	env.waitState(t, receipt.RunID, types.StateCompleted)

	// duplicate delivery
	if err := env.o.CompleteValidation(ctx, receipt.RunID, &validation.Result{Status: validation.StatusPassed}); err != nil {
		t.Errorf("duplicate result err = %v", err)
	}
}

func TestRerun(t *testing.T) {
	rules := &fakeRuleEngine{}
	env := newTestEnv(t, rules, nil)
	ctx := context.Background()

	receipt := env.upload(t, "demographics", demographicsCSV)
	waitFor(t, "submission", 10*time.Second, func() bool { return len(rules.submitted()) == 1 })

	if _, err := env.o.Rerun(ctx, receipt.SubmissionID); cferrors.GetCode(err) != cferrors.CodeInvalidTransition {
		t.Errorf("rerun of an in-flight run err = %v", err)
	}

	rules.mu.Lock()
	rules.auto = validation.StatusPassed
	rules.mu.Unlock()
	waitFor(t, "result accepted", 5*time.Second, func() bool {
		return env.o.CompleteValidation(ctx, receipt.RunID, &validation.Result{Status: validation.StatusPassed}) == nil
	})

	// the new run writes the same artifact path, so the old files must be
	// confirmed gone first
	waitFor(t, "cleanup awaiting verification", 5*time.Second, func() bool {
		_, err := env.o.Rerun(ctx, receipt.SubmissionID)
		return cferrors.GetCode(err) == cferrors.CodeWriteConflict && strings.Contains(err.Error(), "not verified")
	})
	env.waitClosed(t, receipt.RunID)

	next, err := env.o.Rerun(ctx, receipt.SubmissionID)
	if err != nil {
		t.Fatal(err)
	}
	if next.ID == receipt.RunID {
		t.Fatal("rerun reused the run id")
	}
	env.waitState(t, next.ID, types.StateCompleted)

	old := env.run(t, receipt.RunID)
	if old.Active || old.SupersededBy == nil || *old.SupersededBy != next.ID {
		t.Errorf("old run = %+v", old)
	}
	active, err := env.catalog.ActiveRun(ctx, receipt.SubmissionID)
	if err != nil || active.ID != next.ID {
		t.Errorf("active run = %v, %v", active, err)
	}
	if got := env.outcomes(t, next.ID)[types.StageHash]; len(got) != 1 || got[0] != types.OutcomeReused {
		t.Errorf("rerun hash outcomes = %v", got)
	}
}

func TestResume_ResubmitsValidatingRun(t *testing.T) {
	rules := &fakeRuleEngine{}
	env := newTestEnv(t, rules, nil)
	ctx := context.Background()

	receipt := env.upload(t, "demographics", demographicsCSV)
	waitFor(t, "submission", 10*time.Second, func() bool { return len(rules.submitted()) == 1 })
	env.waitState(t, receipt.RunID, types.StateValidating)
	if err := env.o.Stop(); err != nil {
		t.Fatal(err)
	}

	rules.mu.Lock()
	rules.auto = validation.StatusPassed
	rules.mu.Unlock()
	env.start(t)
	if err := env.o.Resume(ctx); err != nil {
		t.Fatal(err)
	}

	run := env.waitState(t, receipt.RunID, types.StateCompleted)
	if len(rules.submitted()) != 2 {
		t.Errorf("requests = %d", len(rules.submitted()))
	}
	if converts, _, _ := env.engine.counts(); converts != 1 {
		t.Errorf("converts = %d, resume must not reconvert", converts)
	}
	env.waitClosed(t, run.ID)
}

func TestResume_CompletesFromStoredReport(t *testing.T) {
	rules := &fakeRuleEngine{}
	env := newTestEnv(t, rules, nil)
	ctx := context.Background()

	receipt := env.upload(t, "demographics", demographicsCSV)
	env.waitState(t, receipt.RunID, types.StateValidating)
	waitFor(t, "submission", 10*time.Second, func() bool { return len(rules.submitted()) == 1 })
	if err := env.o.Stop(); err != nil {
		t.Fatal(err)
	}

	// the result was stored but the process died before the run advanced
	res := &validation.Result{RunID: receipt.RunID, Status: validation.StatusPassed}
	if err := env.catalog.SaveReport(ctx, res.Report()); err != nil {
		t.Fatal(err)
	}

	env.start(t)
	if err := env.o.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	env.waitState(t, receipt.RunID, types.StateCompleted)
	if len(rules.submitted()) != 1 {
		t.Errorf("requests = %d, want no resubmission", len(rules.submitted()))
	}
}

func TestUpload_Rejects(t *testing.T) {
	env := newTestEnv(t, &fakeRuleEngine{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  UploadRequest
	}{
		{"no cohort", UploadRequest{TableType: "demographics", Actor: "a", Body: strings.NewReader("x")}},
		{"no table", UploadRequest{CohortID: "c1", Actor: "a", Body: strings.NewReader("x")}},
		{"no actor", UploadRequest{CohortID: "c1", TableType: "demographics", Body: strings.NewReader("x")}},
		{"no body", UploadRequest{CohortID: "c1", TableType: "demographics", Actor: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.o.Upload(ctx, tt.req)
			if cferrors.GetCode(err) != cferrors.CodeInvalidRequest {
				t.Errorf("err = %v", err)
			}
		})
	}

	env.deps.Mappings.Strict = true
	_, err := env.o.Upload(ctx, UploadRequest{CohortID: "c1", TableType: "labs", Actor: "a", Body: strings.NewReader("x")})
	if cferrors.GetCode(err) != cferrors.CodeUnknownTableType {
		t.Errorf("unknown table err = %v", err)
	}

	_, err = env.o.Register(ctx, RegisterRequest{CohortID: "c1", TableType: "demographics", Actor: "a", SourcePath: "uploads/missing"})
	if cferrors.GetCode(err) != cferrors.CodeInvalidRequest {
		t.Errorf("register missing upload err = %v", err)
	}
}

func TestPipeline_LargeExtractAndHash(t *testing.T) {
	if testing.Short() {
		t.Skip("large file")
	}
	rules := &fakeRuleEngine{auto: validation.StatusPassed}
	env := newTestEnv(t, rules, func(cfg *Config, e *faultEngine) {
		cfg.LargeFileThreshold = 1 << 20
		cfg.MaxConcurrentLarge = 1
	})

	var b strings.Builder
	b.WriteString("pid,value,day\n")
	for i := 0; i < 100000; i++ {
		fmt.Fprintf(&b, "P%06d,%d,2024-01-%02d\n", i, i%97, i%28+1)
	}
	receipt := env.upload(t, "demographics", b.String())
	run := env.waitState(t, receipt.RunID, types.StateCompleted)

	set, err := env.catalog.GetIdentifierSet(context.Background(), run.IdentifierSetID)
	if err != nil {
		t.Fatal(err)
	}
	if set.Count != 100000 {
		t.Errorf("identifier count = %d", set.Count)
	}
	if reqs := rules.submitted(); reqs[0].RowCount != 100000 {
		t.Errorf("row count = %d", reqs[0].RowCount)
	}
	for _, stage := range []types.StageName{types.StageExtract, types.StageHash} {
		if run.StageStarted[stage].IsZero() || run.StageFinished[stage].IsZero() {
			t.Errorf("%s has no timing", stage)
		}
	}
	// both ran off the same convert completion
	if !run.StageStarted[types.StageExtract].Equal(run.StageStarted[types.StageHash]) {
		t.Errorf("extract started %v, hash started %v", run.StageStarted[types.StageExtract], run.StageStarted[types.StageHash])
	}
}
