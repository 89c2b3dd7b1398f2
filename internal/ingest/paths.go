package ingest

import (
	"fmt"
	"path/filepath"
)

// SourcePath is where the snappy framed raw upload of a submission lives.
// Every version has its own submission id, so the path is never reused.
func SourcePath(cohortID, submissionID string) string {
	return fmt.Sprintf("uploads/%s/%s/source.csv.sz", cohortID, submissionID)
}

// ArtifactPath is the deterministic store path of a submission's Columnar Artifact.
func ArtifactPath(submissionID string, version int) string {
	return fmt.Sprintf("artifacts/%s/v%d/table.sqlite", submissionID, version)
}

// RunWorkDir is the local scratch directory of one pipeline run.
func RunWorkDir(workDir, runID string) string {
	return filepath.Join(workDir, runID)
}

// AttemptWorkDir is the scratch directory of one attempt of a run. A stage
// abandoned after its budget may still be running when the retry starts,
// so attempts never share build files.
func AttemptWorkDir(workDir, runID string, attempt int) string {
	return filepath.Join(RunWorkDir(workDir, runID), fmt.Sprintf("attempt-%d", attempt))
}
