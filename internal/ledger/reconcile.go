package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/cohortflow/cohortflow/internal/storage"
)

// ReconciliationReport contains the results of a ledger-storage reconciliation.
type ReconciliationReport struct {
	// Missing are paths the ledger expects in storage that are not there.
	Missing []string
	// Untracked are stored objects that no ledger entry mentions.
	Untracked []string
	// TotalExpected is the number of expected paths checked.
	TotalExpected int
	// TotalStorageObjects is the number of storage objects scanned.
	TotalStorageObjects int
	RunAt               time.Time
}

// HasIssues returns true if the report contains any missing or untracked paths.
func (r *ReconciliationReport) HasIssues() bool {
	return len(r.Missing) > 0 || len(r.Untracked) > 0
}

// Reconcile checks consistency between the ledger and the store under
// prefix. A missing file is an integrity problem for operator review; an
// untracked object was written without a ledger entry and would never be
// cleaned up.
func Reconcile(ctx context.Context, l *Ledger, store storage.FileStore, prefix string) (*ReconciliationReport, error) {
	report := &ReconciliationReport{RunAt: time.Now()}

	expected, err := l.ExpectedPaths(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to list expected paths: %w", err)
	}
	report.TotalExpected = len(expected)

	for _, p := range expected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exists, err := store.Exists(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("reconciliation: failed to check object %s: %w", p, err)
		}
		if !exists {
			report.Missing = append(report.Missing, p)
		}
	}

	tracked, err := l.TrackedPaths(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to list tracked paths: %w", err)
	}
	known := make(map[string]struct{}, len(tracked))
	for _, p := range tracked {
		known[p] = struct{}{}
	}

	objects, err := store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to list storage objects: %w", err)
	}
	report.TotalStorageObjects = len(objects)
	for _, p := range objects {
		if _, ok := known[p]; !ok {
			report.Untracked = append(report.Untracked, p)
		}
	}

	return report, nil
}
