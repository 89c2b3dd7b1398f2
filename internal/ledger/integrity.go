package ledger

import (
	"context"
	"fmt"
	"log"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/internal/storage"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// VerifyIntegrity re-hashes the stored raw upload of sub and compares it with
// the recorded content hash. The outcome is recorded as hash_verified or
// hash_mismatch; a mismatch or a missing upload is returned as an integrity
// error and is never retried.
func VerifyIntegrity(ctx context.Context, l *Ledger, store storage.FileStore, sub *types.SubmissionFile, actor string, chunkSize int) error {
	if sub.ContentHash == "" {
		return cferrors.NewInputError(cferrors.CodeInvalidRequest,
			fmt.Sprintf("submission %s has no recorded content hash yet", sub.ID))
	}

	attrs := Attrs{SubmissionID: sub.ID, Location: types.LocationStore}

	sum, n, err := storage.HashCompressed(ctx, store, sub.SourcePath, chunkSize)
	if cferrors.IsNotFound(err) {
		attrs.Error = "raw upload missing"
		if _, rerr := l.Record(ctx, types.ActionHashMismatch, sub.SourcePath, actor, sub.CohortID, attrs); rerr != nil {
			return rerr
		}
		return cferrors.NewIntegrityError(cferrors.CodeMissingFile,
			fmt.Sprintf("raw upload of submission %s is missing at %s", sub.ID, sub.SourcePath))
	}
	if err != nil {
		return err
	}

	attrs.SizeBytes = n
	attrs.Hash = sum
	if sum != sub.ContentHash {
		attrs.Error = fmt.Sprintf("expected %s", sub.ContentHash)
		if _, err := l.Record(ctx, types.ActionHashMismatch, sub.SourcePath, actor, sub.CohortID, attrs); err != nil {
			return err
		}
		log.Printf("ledger: hash mismatch for submission %s: recorded=%s actual=%s", sub.ID, sub.ContentHash, sum)
		return cferrors.NewIntegrityError(cferrors.CodeHashMismatch,
			fmt.Sprintf("content hash of submission %s does not match its upload", sub.ID))
	}

	_, err = l.Record(ctx, types.ActionHashVerified, sub.SourcePath, actor, sub.CohortID, attrs)
	return err
}
