// Package ingest converts delimited uploads into Columnar Artifacts in one
// pass over the raw bytes: decoding, renaming, type conversion, hashing and
// identifier extraction all happen while the upload is streamed once.
package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cohortflow/cohortflow/internal/catalog"
	"github.com/cohortflow/cohortflow/internal/config"
	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/internal/storage"
	"github.com/cohortflow/cohortflow/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/golang/snappy"
)

// IdentifierCatalog is where extracted identifier sets are kept.
type IdentifierCatalog interface {
	IdentifierSetByHash(ctx context.Context, contentHash string) (*types.IdentifierSet, error)
	BeginIdentifierSet(ctx context.Context, set *types.IdentifierSet, expected int64) (*catalog.IdentifierSetWriter, error)
}

// Options tunes the engine.
type Options struct {
	// WorkDir holds per-run build files
	WorkDir string

	// SampleRows bounds type inference for uploads above FullInferenceMaxBytes
	SampleRows int

	// FullInferenceMaxBytes is the largest upload inferred from every row
	FullInferenceMaxBytes int64

	// BatchRows is the number of rows per insert transaction
	BatchRows int

	// ChunkSize caps every storage request
	ChunkSize int
}

// DefaultOptions returns options matching the default configuration.
func DefaultOptions(workDir string) Options {
	return Options{
		WorkDir:               workDir,
		SampleRows:            10000,
		FullInferenceMaxBytes: 64 << 20,
		BatchRows:             5000,
		ChunkSize:             1 << 20,
	}
}

// OptionsFromConfig derives engine options from the service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WorkDir:               cfg.Ingest.WorkDir,
		SampleRows:            cfg.Ingest.SampleRows,
		FullInferenceMaxBytes: int64(cfg.Ingest.FullInferenceMaxMB) << 20,
		BatchRows:             cfg.Ingest.BatchRows,
		ChunkSize:             cfg.ChunkSize(),
	}
}

// ScratchFunc is called with every scratch path before it is created.
// Returning an error aborts the conversion before anything is written.
type ScratchFunc func(path string, location types.Location) error

// ConvertRequest identifies the upload to convert.
type ConvertRequest struct {
	SubmissionID string
	Version      int
	RunID        string
	CohortID     string
	TableType    string

	// Attempt selects the scratch directory within the run's work dir
	Attempt int

	// SourcePath is the snappy framed raw upload on the store
	SourcePath string

	// SizeBytes is the raw upload size, used to choose full or sampled inference
	SizeBytes int64

	OnScratch ScratchFunc
}

// Result is everything one conversion pass produced.
type Result struct {
	Artifact    *types.ArtifactInfo
	ContentHash string
	RawBytes    int64
	Encoding    string
	Delimiter   string

	IdentifierColumn  string
	IdentifierSet     *types.IdentifierSet
	IdentifiersReused bool

	// BuildPath is the local build file, removed before Convert returns
	BuildPath string
	Warnings  []string
}

// Engine is the Tabular Ingestion Engine.
type Engine struct {
	store    storage.FileStore
	mappings *config.Mappings
	ids      IdentifierCatalog
	opts     Options
}

// NewEngine creates an engine reading uploads from store.
func NewEngine(store storage.FileStore, mappings *config.Mappings, ids IdentifierCatalog, opts Options) *Engine {
	if mappings == nil {
		mappings = &config.Mappings{}
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1 << 20
	}
	if opts.SampleRows <= 0 {
		opts.SampleRows = 10000
	}
	if opts.BatchRows <= 0 {
		opts.BatchRows = 5000
	}
	return &Engine{store: store, mappings: mappings, ids: ids, opts: opts}
}

// Mappings returns the mapping definitions in use.
func (e *Engine) Mappings() *config.Mappings { return e.mappings }

// Convert streams the upload once and produces the Columnar Artifact, the
// content hash and, for identifier-bearing tables, the identifier set. On
// any error no artifact is visible at the artifact path.
func (e *Engine) Convert(ctx context.Context, req ConvertRequest) (*Result, error) {
	start := time.Now()
	onScratch := req.OnScratch
	if onScratch == nil {
		onScratch = func(string, types.Location) error { return nil }
	}

	rc, err := storage.OpenCompressed(ctx, e.store, req.SourcePath, e.opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	hasher := storage.NewContentHasher()
	counter := &countingReader{r: io.TeeReader(rc, hasher)}

	decoded, encName, err := Decode(counter)
	if err != nil {
		return nil, readError(err)
	}
	br := bufio.NewReaderSize(decoded, sniffLen)
	line, err := firstLine(br)
	if err != nil {
		return nil, readError(err)
	}
	delim := SniffDelimiter(line)

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	rawHeader, err := cr.Read()
	if err == io.EOF {
		return nil, cferrors.NewInputError(cferrors.CodeEmptyFile, "the file has no header line")
	}
	if err != nil {
		return nil, readError(err)
	}
	header := NormalizeHeader(rawHeader)

	layout, err := ResolveLayout(e.mappings, req.CohortID, req.TableType, header)
	if err != nil {
		return nil, err
	}

	// Buffer the inference sample; the whole file when it is small enough.
	full := req.SizeBytes > 0 && req.SizeBytes <= e.opts.FullInferenceMaxBytes
	inferrer := NewInferrer(len(header))
	var sample [][]string
	eof := false
	for full || len(sample) < e.opts.SampleRows {
		record, err := cr.Read()
		if err == io.EOF {
			eof = true
			break
		}
		if err != nil {
			return nil, readError(err)
		}
		if err := checkWidth(record, len(header), len(sample)+1); err != nil {
			return nil, err
		}
		row := make([]string, len(record))
		copy(row, record)
		sample = append(sample, row)
		inferrer.Observe(row)
	}

	force := map[int]bool{}
	if layout.IdentifierIndex >= 0 {
		force[layout.IdentifierIndex] = true
	}
	specs, warnings := inferrer.Resolve(layout.Output, force)

	buildPath := filepath.Join(AttemptWorkDir(e.opts.WorkDir, req.RunID, req.Attempt), "build.sqlite")
	if err := onScratch(buildPath, types.LocationLocal); err != nil {
		return nil, err
	}
	b, err := createArtifact(ctx, buildPath, layout.Output, specs, e.opts.BatchRows)
	if err != nil {
		return nil, err
	}
	defer func() {
		b.Close()
		if err := removeBuildFiles(buildPath); err != nil {
			log.Printf("ingest: failed to remove build file %s: %v", buildPath, err)
		}
	}()

	for _, row := range sample {
		if err := b.Append(ctx, row); err != nil {
			return nil, err
		}
	}
	recordNo := int64(len(sample))
	sample = nil

	for !eof {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, readError(err)
		}
		recordNo++
		if err := checkWidth(record, len(header), int(recordNo)); err != nil {
			return nil, err
		}
		if err := b.Append(ctx, record); err != nil {
			return nil, err
		}
		if b.Rows()%int64(e.opts.BatchRows) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}

	// the decoder may stop short of trailing bytes; the hash covers everything
	if _, err := io.Copy(io.Discard, counter); err != nil {
		return nil, readError(err)
	}
	contentHash := storage.HexDigest(hasher)

	rowCount, err := b.CountRows(ctx)
	if err != nil {
		return nil, err
	}
	if rowCount != b.Rows() {
		return nil, cferrors.NewInternalError(
			fmt.Sprintf("loaded %d rows but the table holds %d", b.Rows(), rowCount), nil)
	}

	columns := make([]types.Column, len(header))
	for i := range header {
		columns[i] = types.Column{
			Name:       layout.Output[i],
			Source:     layout.Source[i],
			Type:       specs[i].Type,
			Mismatches: b.Mismatches()[i],
		}
		if columns[i].Mismatches > 0 {
			warnings = append(warnings, fmt.Sprintf(
				"column %q: %d values did not parse as %s, recorded as string", columns[i].Name, columns[i].Mismatches, columns[i].Type))
			columns[i].Type = types.TypeString
		}
	}

	res := &Result{
		ContentHash:      contentHash,
		RawBytes:         counter.n,
		Encoding:         encName,
		Delimiter:        string(delim),
		IdentifierColumn: layout.IdentifierColumn(),
		BuildPath:        buildPath,
	}

	if layout.IdentifierIndex >= 0 {
		set, reused, err := e.extract(ctx, b, req, contentHash, res.IdentifierColumn)
		if err != nil {
			return nil, err
		}
		res.IdentifierSet, res.IdentifiersReused = set, reused
	}

	meta := map[string]string{
		"submission_id":     req.SubmissionID,
		"version":           strconv.Itoa(req.Version),
		"cohort_id":         req.CohortID,
		"table_type":        req.TableType,
		"content_hash":      contentHash,
		"encoding":          encName,
		"delimiter":         string(delim),
		"identifier_column": res.IdentifierColumn,
		"definition":        layout.Definition,
		"row_count":         strconv.FormatInt(rowCount, 10),
	}
	size, err := b.Finish(ctx, columns, meta)
	if err != nil {
		return nil, err
	}

	artifactPath := ArtifactPath(req.SubmissionID, req.Version)
	if err := onScratch(artifactPath, types.LocationStore); err != nil {
		return nil, err
	}
	if err := e.upload(ctx, buildPath, artifactPath); err != nil {
		return nil, err
	}

	res.Warnings = warnings
	res.Artifact = &types.ArtifactInfo{
		SubmissionID:   req.SubmissionID,
		Path:           artifactPath,
		RowCount:       rowCount,
		SizeBytes:      size,
		Columns:        columns,
		MappingApplied: layout.MappingApplied,
		Warnings:       warnings,
		CreatedAt:      time.Now().UTC(),
	}

	log.Printf("ingest: converted %s v%d: %d rows, %d columns, %s raw, %s artifact in %v",
		req.SubmissionID, req.Version, rowCount, len(columns),
		humanize.Bytes(uint64(res.RawBytes)), humanize.Bytes(uint64(size)), time.Since(start).Round(time.Millisecond))
	return res, nil
}

// extract streams the distinct identifiers of the loaded table into the
// catalog, unless a complete set for this content already exists.
func (e *Engine) extract(ctx context.Context, b *artifactBuilder, req ConvertRequest, contentHash, column string) (*types.IdentifierSet, bool, error) {
	if set, err := e.ids.IdentifierSetByHash(ctx, contentHash); err == nil && set.Column == column {
		return set, true, nil
	} else if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return nil, false, err
	}

	expected, err := b.DistinctCount(ctx, column)
	if err != nil {
		return nil, false, err
	}
	set, err := writeIdentifierSet(ctx, e.ids, &types.IdentifierSet{
		ContentHash: contentHash,
		CohortID:    req.CohortID,
		TableType:   req.TableType,
		Column:      column,
	}, expected, func(fn func(string) error) error {
		return b.Distinct(ctx, column, fn)
	})
	if err != nil {
		return nil, false, err
	}
	return set, false, nil
}

// upload copies the finished build file to the store and commits it.
func (e *Engine) upload(ctx context.Context, localPath, artifactPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("ingest: failed to open artifact: %w", err)
	}
	defer f.Close()

	if _, err := storage.WriteAll(ctx, e.store, artifactPath, f, e.opts.ChunkSize); err != nil {
		return err
	}
	return nil
}

// Hash recomputes the content hash of a stored upload.
func (e *Engine) Hash(ctx context.Context, sourcePath string) (string, int64, error) {
	hash, n, err := storage.HashCompressed(ctx, e.store, sourcePath, e.opts.ChunkSize)
	if err != nil {
		return "", n, readError(err)
	}
	return hash, n, nil
}

func checkWidth(record []string, width, recordNo int) error {
	if len(record) <= width {
		return nil
	}
	for _, extra := range record[width:] {
		if extra != "" {
			return cferrors.NewInputError(cferrors.CodeMalformedFile,
				fmt.Sprintf("record %d has %d fields, the header has %d", recordNo, len(record), width))
		}
	}
	return nil
}

// readError classifies a failure while reading the upload stream.
func readError(err error) error {
	var pe *csv.ParseError
	switch {
	case errors.As(err, &pe):
		return cferrors.NewInputError(cferrors.CodeMalformedFile,
			fmt.Sprintf("line %d: %v", pe.Line, pe.Err))
	case errors.Is(err, snappy.ErrCorrupt):
		return cferrors.NewInputError(cferrors.CodeMalformedFile, "the stored upload is not a valid compressed stream")
	case cferrors.GetCategory(err) != "":
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return storage.Transient("read", "upload", err)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
