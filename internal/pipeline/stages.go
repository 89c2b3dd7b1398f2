package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cohortflow/cohortflow/internal/catalog"
	"github.com/cohortflow/cohortflow/internal/config"
	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/internal/ingest"
	"github.com/cohortflow/cohortflow/internal/ledger"
	"github.com/cohortflow/cohortflow/internal/validation"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// callbackURLer is implemented by collaborators that deliver results to us.
type callbackURLer interface {
	CallbackURL(runID string) string
}

func (o *Orchestrator) stage(ctx context.Context, t *task) Result {
	switch t.stage {
	case types.StageConvert:
		return o.convert(ctx, t)
	case types.StageHash:
		return o.hash(ctx, t)
	case types.StageExtract:
		return o.extract(ctx, t)
	case types.StageValidate:
		return o.validate(ctx, t)
	}
	return failure(cferrors.NewInternalError(fmt.Sprintf("unknown stage %q", t.stage), nil))
}

// scratch ledgers every scratch file before the engine creates it, so
// cleanup finds it even when the process dies mid-write.
func (o *Orchestrator) scratch(ctx context.Context, t *task) ingest.ScratchFunc {
	return func(path string, location types.Location) error {
		action := types.ActionTempCreated
		if location == types.LocationStore {
			action = types.ActionArtifactCreated
		}
		_, err := o.ledger.Record(ctx, action, path, o.cfg.Actor, t.sub.CohortID, ledger.Attrs{
			SubmissionID:    t.sub.ID,
			RunID:           t.run.ID,
			Location:        location,
			CleanupRequired: true,
			CleanupDeadline: time.Now().UTC().Add(o.cfg.CleanupDeadline),
		})
		return err
	}
}

func (o *Orchestrator) convert(ctx context.Context, t *task) Result {
	release, err := o.limiter.acquire(ctx, t.sub.SizeBytes)
	if err != nil {
		return failure(err)
	}
	defer release()

	attrs := ledger.Attrs{SubmissionID: t.sub.ID, RunID: t.run.ID, SizeBytes: t.sub.SizeBytes}
	if _, err := o.ledger.Record(ctx, types.ActionConversionStarted, t.sub.SourcePath, o.cfg.Actor, t.sub.CohortID, attrs); err != nil {
		return failure(err)
	}

	res, err := o.engine.Convert(ctx, ingest.ConvertRequest{
		SubmissionID: t.sub.ID,
		Version:      t.sub.Version,
		RunID:        t.run.ID,
		Attempt:      t.run.Retries,
		CohortID:     t.sub.CohortID,
		TableType:    t.sub.TableType,
		SourcePath:   t.sub.SourcePath,
		SizeBytes:    t.sub.SizeBytes,
		OnScratch:    o.scratch(ctx, t),
	})
	if err != nil {
		return failure(err)
	}

	// the hash of a submission is written once; a different one means the
	// stored upload changed underneath us
	if err := o.catalog.SetContentHash(ctx, t.sub.ID, res.ContentHash); err != nil {
		return failure(err)
	}
	if err := o.catalog.SetSubmissionEncoding(ctx, t.sub.ID, res.Encoding); err != nil {
		return failure(err)
	}
	if err := o.catalog.SaveArtifact(ctx, res.Artifact); err != nil {
		return failure(err)
	}
	if res.IdentifierSet != nil {
		if err := o.catalog.SetSubmissionIdentifierSet(ctx, t.sub.ID, res.IdentifierSet.ID); err != nil {
			return failure(err)
		}
	}

	_, err = o.ledger.Record(ctx, types.ActionConversionCompleted, res.Artifact.Path, o.cfg.Actor, t.sub.CohortID, ledger.Attrs{
		SubmissionID: t.sub.ID,
		RunID:        t.run.ID,
		Location:     types.LocationStore,
		SizeBytes:    res.Artifact.SizeBytes,
		Hash:         res.ContentHash,
	})
	if err != nil {
		return failure(err)
	}

	return success(types.OutcomeComputed, Output{
		ContentHash:       res.ContentHash,
		Artifact:          res.Artifact,
		IdentifierSet:     res.IdentifierSet,
		IdentifiersReused: res.IdentifiersReused,
	})
}

// hash settles the content hash of the run. The load pass computes it as a
// side effect; the stream is only read again when that result is lost.
func (o *Orchestrator) hash(ctx context.Context, t *task) Result {
	hash := t.loadHash
	if hash == "" {
		sub, err := o.catalog.GetSubmission(ctx, t.sub.ID)
		if err != nil {
			return failure(err)
		}
		hash = sub.ContentHash
	}

	outcome := types.OutcomeComputed
	if hash == "" {
		h, _, err := o.engine.Hash(ctx, t.sub.SourcePath)
		if err != nil {
			return failure(err)
		}
		if err := o.catalog.SetContentHash(ctx, t.sub.ID, h); err != nil {
			return failure(err)
		}
		hash = h
	} else {
		n, err := o.catalog.CountStageExecutions(ctx, hash, types.StageHash, types.OutcomeComputed)
		if err != nil {
			return failure(err)
		}
		if n > 0 {
			outcome = types.OutcomeReused
		}
	}

	action := types.ActionHashComputed
	if outcome == types.OutcomeReused {
		action = types.ActionHashReused
	}
	_, err := o.ledger.Record(ctx, action, t.sub.SourcePath, o.cfg.Actor, t.sub.CohortID, ledger.Attrs{
		SubmissionID: t.sub.ID,
		RunID:        t.run.ID,
		Hash:         hash,
	})
	if err != nil {
		return failure(err)
	}
	return success(outcome, Output{ContentHash: hash})
}

// extract settles the identifier set of the run. Sets are keyed by content
// hash, so identical content is never extracted twice.
func (o *Orchestrator) extract(ctx context.Context, t *task) Result {
	if !t.def.CarriesIdentifiers() {
		return skipped()
	}
	if t.artifact == nil {
		return failure(cferrors.NewInternalError(fmt.Sprintf("run %s has no artifact to extract from", t.run.ID), nil))
	}

	hash := firstNonEmpty(t.loadHash, t.run.ContentHash, t.sub.ContentHash)
	if hash == "" {
		sub, err := o.catalog.GetSubmission(ctx, t.sub.ID)
		if err != nil {
			return failure(err)
		}
		hash = sub.ContentHash
	}

	var (
		set     *types.IdentifierSet
		outcome = types.OutcomeComputed
	)
	switch {
	case t.run.IdentifierSetID != "":
		s, err := o.catalog.GetIdentifierSet(ctx, t.run.IdentifierSetID)
		if err != nil {
			return failure(err)
		}
		set, outcome = s, types.OutcomeReused

	case t.loadSet != nil:
		set = t.loadSet
		if t.loadSetReused {
			outcome = types.OutcomeReused
		}

	default:
		column, err := identifierColumn(t.def, t.artifact)
		if err != nil {
			return failure(err)
		}
		s, err := o.catalog.IdentifierSetByHash(ctx, hash)
		switch {
		case err == nil && s.Column == column:
			set, outcome = s, types.OutcomeReused
		case err != nil && !errors.Is(err, catalog.ErrNotFound):
			return failure(err)
		default:
			s, err = o.engine.ExtractFromArtifact(ctx, ingest.ExtractRequest{
				RunID:        t.run.ID,
				Attempt:      t.run.Retries,
				ArtifactPath: t.artifact.Path,
				ContentHash:  hash,
				CohortID:     t.sub.CohortID,
				TableType:    t.sub.TableType,
				Column:       column,
				OnScratch:    o.scratch(ctx, t),
			})
			if err != nil {
				return failure(err)
			}
			set = s
		}
	}

	if err := o.catalog.SetSubmissionIdentifierSet(ctx, t.sub.ID, set.ID); err != nil {
		return failure(err)
	}
	action := types.ActionIdentifiersExtracted
	if outcome == types.OutcomeReused {
		action = types.ActionExtractionReused
	}
	_, err := o.ledger.Record(ctx, action, t.artifact.Path, o.cfg.Actor, t.sub.CohortID, ledger.Attrs{
		SubmissionID: t.sub.ID,
		RunID:        t.run.ID,
		Hash:         hash,
	})
	if err != nil {
		return failure(err)
	}
	return success(outcome, Output{ContentHash: hash, IdentifierSetID: set.ID})
}

// identifierColumn resolves the identifier column of an artifact the same
// way conversion does: candidates in order, output names before sources.
func identifierColumn(def config.TableDef, art *types.ArtifactInfo) (string, error) {
	for _, candidate := range def.IdentifierColumns {
		for _, c := range art.Columns {
			if strings.EqualFold(c.Name, candidate) {
				return c.Name, nil
			}
		}
		for _, c := range art.Columns {
			if strings.EqualFold(c.Source, candidate) {
				return c.Name, nil
			}
		}
	}
	return "", cferrors.NewInputError(cferrors.CodeMissingIdentifier,
		fmt.Sprintf("none of the identifier columns %v is present", def.IdentifierColumns))
}

// crossCheck counts the identifiers of the run that are absent from the
// accepted anchor table of the same cohort wave.
func (o *Orchestrator) crossCheck(ctx context.Context, t *task) (missing int64, note string, err error) {
	set, err := o.catalog.GetIdentifierSet(ctx, t.run.IdentifierSetID)
	if err != nil {
		return 0, "", err
	}

	anchorID, err := o.catalog.Anchor(ctx, t.sub.CohortID, t.sub.Wave, t.def.References)
	if errors.Is(err, catalog.ErrNotFound) {
		return set.Count, fmt.Sprintf("no accepted %s table for this wave", t.def.References), nil
	}
	if err != nil {
		return 0, "", err
	}

	filter, err := o.catalog.LoadBloom(ctx, anchorID)
	if err != nil {
		return 0, "", err
	}
	err = o.catalog.EachIdentifier(ctx, set.ID, func(v string) error {
		if !filter.MayContain(v) {
			missing++
			return nil
		}
		ok, err := o.catalog.HasIdentifier(ctx, anchorID, v)
		if err != nil {
			return err
		}
		if !ok {
			missing++
		}
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	return missing, "", nil
}

// validate hands the artifact to the rule engine. The stage finishes when
// the result arrives.
func (o *Orchestrator) validate(ctx context.Context, t *task) Result {
	if o.collab == nil {
		return failure(cferrors.NewInternalError("no rule engine is configured", nil))
	}
	if t.artifact == nil {
		return failure(cferrors.NewInternalError(fmt.Sprintf("run %s has no artifact to validate", t.run.ID), nil))
	}

	req := &validation.Request{
		RunID:         t.run.ID,
		SubmissionID:  t.sub.ID,
		ArtifactPath:  t.artifact.Path,
		DefinitionRef: t.def.Definition,
		CohortID:      t.sub.CohortID,
		Wave:          t.sub.Wave,
		TableType:     t.sub.TableType,
		ContentHash:   t.run.ContentHash,
		RowCount:      t.artifact.RowCount,
		Context: map[string]string{
			"mapping_applied": strconv.FormatBool(t.artifact.MappingApplied),
		},
	}
	if c, ok := o.collab.(callbackURLer); ok {
		req.CallbackURL = c.CallbackURL(t.run.ID)
	}

	var out Output
	if t.def.References != "" && t.run.IdentifierSetID != "" {
		missing, note, err := o.crossCheck(ctx, t)
		if err != nil {
			return failure(err)
		}
		out.MissingRefs, out.HasMissingRefs = missing, true
		req.Context["anchor_table"] = t.def.References
		req.Context["missing_references"] = strconv.FormatInt(missing, 10)
		if note != "" {
			req.Context["anchor_note"] = note
		}
	}

	release, err := o.gate.acquire(ctx)
	if err != nil {
		return failure(err)
	}
	err = o.collab.Submit(ctx, req)
	release()
	o.gate.record(err)
	if err != nil {
		return failure(err)
	}
	_, err = o.ledger.Record(ctx, types.ActionValidationRequested, t.artifact.Path, o.cfg.Actor, t.sub.CohortID, ledger.Attrs{
		SubmissionID: t.sub.ID,
		RunID:        t.run.ID,
		Hash:         t.run.ContentHash,
	})
	if err != nil {
		return failure(err)
	}
	return awaiting(out)
}
