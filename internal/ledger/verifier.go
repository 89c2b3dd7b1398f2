package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// VerifierConfig holds configuration for the cleanup verifier.
type VerifierConfig struct {
	// Name is recorded as verified_by on every entry this verifier confirms.
	Name string

	// Interval is how often pending cleanups are checked.
	Interval time.Duration
}

// VerifyReport is the outcome of one verification pass.
type VerifyReport struct {
	Checked      int
	Verified     int
	StillPresent int
	// Waiting counts entries whose deletion is neither scheduled nor due yet.
	Waiting int
	// Held counts entries of submissions under an integrity hold.
	Held int
	// Overdue lists entries past their deadline that are still not confirmed.
	Overdue []string
	Errors  []string
	RunAt   time.Time
}

// Verifier independently confirms that files scheduled for deletion are
// physically gone. Pipeline workers never set verification fields
// themselves; only a Verifier does.
type Verifier struct {
	ledger *Ledger
	config VerifierConfig
	hook   func(*VerifyReport)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewVerifier creates a verifier over l.
func NewVerifier(l *Ledger, config VerifierConfig) *Verifier {
	if config.Name == "" {
		config.Name = "verifier"
	}
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	return &Verifier{ledger: l, config: config}
}

// OnReport registers a function called after every pass.
func (v *Verifier) OnReport(fn func(*VerifyReport)) {
	v.mu.Lock()
	v.hook = fn
	v.mu.Unlock()
}

// Start begins the verification loop. It runs until ctx is cancelled or Stop is called.
func (v *Verifier) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()
		return fmt.Errorf("ledger/verify: verifier is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.running = true
	v.done = make(chan struct{})
	v.mu.Unlock()

	go v.run(ctx)
	return nil
}

// Stop stops the loop and waits for the current pass to finish.
func (v *Verifier) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.running {
		return nil
	}

	v.cancel()
	<-v.done
	v.running = false
	return nil
}

func (v *Verifier) run(ctx context.Context) {
	defer close(v.done)

	v.tick(ctx)

	ticker := time.NewTicker(v.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.tick(ctx)
		}
	}
}

func (v *Verifier) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := v.RunOnce(ctx); err != nil {
		log.Printf("ledger/verify: pass failed: %v", err)
	}
}

// RunOnce checks every pending cleanup once. An entry is only confirmed
// once its deletion was scheduled or its deadline has passed, since a path
// is ledgered before it is written. Entries whose path is gone are marked
// cleaned; entries past their deadline get a single cleanup_overdue record.
// Entries of a submission held for an integrity review are left alone.
func (v *Verifier) RunOnce(ctx context.Context) (*VerifyReport, error) {
	now := v.ledger.now().UTC()
	report := &VerifyReport{RunAt: now}

	pending, err := v.ledger.PendingCleanups(ctx, "")
	if err != nil {
		return nil, err
	}

	for _, e := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		due := e.CleanupDeadline != nil && e.CleanupDeadline.Before(now)
		if !due {
			scheduled, err := v.ledger.HasReference(ctx, types.ActionCleanupScheduled, e.ID)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", e.ID, err))
				continue
			}
			if !scheduled {
				report.Waiting++
				continue
			}
		}

		err := v.ledger.MarkCleaned(ctx, e.ID, v.config.Name, now)
		switch {
		case err == nil:
			report.Verified++
			continue
		case cferrors.GetCode(err) == cferrors.CodeStillPresent:
			report.StillPresent++
		case cferrors.GetCode(err) == cferrors.CodeIntegrityHold:
			report.Held++
			continue
		default:
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", e.ID, err))
			continue
		}

		if !due {
			continue
		}
		report.Overdue = append(report.Overdue, e.ID)
		if err := v.reportOverdue(ctx, e); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", e.ID, err))
		}
	}

	if report.Verified > 0 || len(report.Overdue) > 0 || len(report.Errors) > 0 {
		log.Printf("ledger/verify: checked=%d verified=%d still_present=%d held=%d overdue=%d errors=%d",
			report.Checked, report.Verified, report.StillPresent, report.Held, len(report.Overdue), len(report.Errors))
	}

	v.mu.Lock()
	hook := v.hook
	v.mu.Unlock()
	if hook != nil {
		hook(report)
	}
	return report, nil
}

func (v *Verifier) reportOverdue(ctx context.Context, e *types.LedgerEntry) error {
	seen, err := v.ledger.HasReference(ctx, types.ActionCleanupOverdue, e.ID)
	if err != nil || seen {
		return err
	}
	log.Printf("ledger/verify: cleanup of %s (%s) overdue since %s", e.Path, e.Location, e.CleanupDeadline.Format(time.RFC3339))
	_, err = v.ledger.Record(ctx, types.ActionCleanupOverdue, e.Path, v.config.Name, e.CohortID, Attrs{
		SubmissionID: e.SubmissionID,
		RunID:        e.RunID,
		Location:     e.Location,
		RefEntryID:   e.ID,
	})
	return err
}
