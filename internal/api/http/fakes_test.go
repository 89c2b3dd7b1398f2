package http

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cohortflow/cohortflow/internal/catalog"
	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/internal/ledger"
	"github.com/cohortflow/cohortflow/internal/pipeline"
	"github.com/cohortflow/cohortflow/internal/validation"
	"github.com/cohortflow/cohortflow/pkg/types"
)

type fakePipeline struct {
	mu        sync.Mutex
	uploads   []pipeline.UploadRequest
	bodies    []string
	registers []pipeline.RegisterRequest
	results   map[string]*validation.Result
	reruns    []string
	err       error
}

func (f *fakePipeline) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakePipeline) Upload(ctx context.Context, req pipeline.UploadRequest) (*pipeline.Receipt, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.uploads = append(f.uploads, req)
	f.bodies = append(f.bodies, string(data))
	return &pipeline.Receipt{SubmissionID: "sub-1", Version: 1, RunID: "run-1", State: types.StatePending}, nil
}

func (f *fakePipeline) Register(ctx context.Context, req pipeline.RegisterRequest) (*pipeline.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.registers = append(f.registers, req)
	return &pipeline.Receipt{SubmissionID: req.SubmissionID, Version: 1, RunID: "run-r", State: types.StatePending}, nil
}

func (f *fakePipeline) Rerun(ctx context.Context, submissionID string) (*types.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reruns = append(f.reruns, submissionID)
	return &types.PipelineRun{ID: "run-2", SubmissionID: submissionID, State: types.StatePending, Active: true}, nil
}

func (f *fakePipeline) CompleteValidation(ctx context.Context, runID string, res *validation.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.results == nil {
		f.results = map[string]*validation.Result{}
	}
	f.results[runID] = res
	return nil
}

type fakeCatalog struct {
	subs      map[string]*types.SubmissionFile
	artifacts map[string]*types.ArtifactInfo
	runs      map[string]*types.PipelineRun
	execs     map[string][]*types.StageExecution
	reports   map[string]*types.Report
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		subs:      map[string]*types.SubmissionFile{},
		artifacts: map[string]*types.ArtifactInfo{},
		runs:      map[string]*types.PipelineRun{},
		execs:     map[string][]*types.StageExecution{},
		reports:   map[string]*types.Report{},
	}
}

func (c *fakeCatalog) GetSubmission(ctx context.Context, id string) (*types.SubmissionFile, error) {
	if s, ok := c.subs[id]; ok {
		return s, nil
	}
	return nil, cferrors.NewCatalogError(cferrors.CodeSubmissionNotFound, fmt.Sprintf("submission %s not found", id), catalog.ErrNotFound)
}

func (c *fakeCatalog) GetArtifact(ctx context.Context, submissionID string) (*types.ArtifactInfo, error) {
	if a, ok := c.artifacts[submissionID]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("catalog: no artifact for submission %s: %w", submissionID, catalog.ErrNotFound)
}

func (c *fakeCatalog) ListRuns(ctx context.Context, submissionID string) ([]*types.PipelineRun, error) {
	var out []*types.PipelineRun
	for _, r := range c.runs {
		if r.SubmissionID == submissionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *fakeCatalog) GetRun(ctx context.Context, id string) (*types.PipelineRun, error) {
	if r, ok := c.runs[id]; ok {
		return r, nil
	}
	return nil, cferrors.NewPipelineError(cferrors.CodeRunNotFound, fmt.Sprintf("run %s not found", id), catalog.ErrNotFound)
}

func (c *fakeCatalog) GetReport(ctx context.Context, runID string) (*types.Report, error) {
	if r, ok := c.reports[runID]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("catalog: no report for run %s: %w", runID, catalog.ErrNotFound)
}

func (c *fakeCatalog) StageExecutions(ctx context.Context, runID string) ([]*types.StageExecution, error) {
	return c.execs[runID], nil
}

type fakeLedger struct {
	entries []*types.LedgerEntry
	filter  ledger.TrailFilter
}

func (l *fakeLedger) OverdueEntries(ctx context.Context, now time.Time) ([]*types.LedgerEntry, error) {
	var out []*types.LedgerEntry
	for _, e := range l.entries {
		if e.CleanupRequired && !e.CleanedUp && e.CleanupDeadline != nil && e.CleanupDeadline.Before(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *fakeLedger) Trail(ctx context.Context, f ledger.TrailFilter) ([]*types.LedgerEntry, error) {
	l.filter = f
	var out []*types.LedgerEntry
	for _, e := range l.entries {
		if f.CohortID != "" && e.CohortID != f.CohortID {
			continue
		}
		if f.SubmissionID != "" && e.SubmissionID != f.SubmissionID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
