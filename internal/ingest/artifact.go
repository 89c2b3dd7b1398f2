package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cohortflow/cohortflow/pkg/types"
	_ "github.com/mattn/go-sqlite3"
)

// DataTable is the table holding the rows of a Columnar Artifact.
const DataTable = "data"

// artifactBuilder loads rows into a local SQLite file. The file is built in
// WAL mode and switched to DELETE journal mode before it is uploaded, so the
// artifact is a single self-contained file.
type artifactBuilder struct {
	path    string
	db      *sql.DB
	tx      *sql.Tx
	stmt    *sql.Stmt
	insert  string
	specs   []ColumnSpec
	args    []interface{}
	batch   int
	pending int

	rows       int64
	nulls      []int64
	mismatches []int64
}

func createArtifact(ctx context.Context, path string, columns []string, specs []ColumnSpec, batchRows int) (*artifactBuilder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("ingest: failed to create build directory: %w", err)
	}
	// a leftover from an interrupted attempt is never reused
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		_ = os.Remove(path + suffix)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to create SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &artifactBuilder{
		path:       path,
		db:         db,
		specs:      specs,
		args:       make([]interface{}, len(columns)),
		batch:      batchRows,
		nulls:      make([]int64, len(columns)),
		mismatches: make([]int64, len(columns)),
	}
	if b.batch <= 0 {
		b.batch = 5000
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=OFF",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("ingest: failed to set %s: %w", p, err)
		}
	}

	defs := make([]string, len(columns))
	marks := make([]string, len(columns))
	quoted := make([]string, len(columns))
	for i, name := range columns {
		quoted[i] = quoteIdent(name)
		defs[i] = quoted[i] + " " + specs[i].Type.SQLiteType()
		marks[i] = "?"
	}
	createSQL := fmt.Sprintf("CREATE TABLE %s (%s)", DataTable, strings.Join(defs, ", "))
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ingest: failed to create data table: %w", err)
	}
	b.insert = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		DataTable, strings.Join(quoted, ", "), strings.Join(marks, ", "))

	return b, nil
}

// Path returns the local build file.
func (b *artifactBuilder) Path() string { return b.path }

// Rows returns the number of rows appended so far.
func (b *artifactBuilder) Rows() int64 { return b.rows }

// Append converts and inserts one record. Missing trailing cells load as NULL.
func (b *artifactBuilder) Append(ctx context.Context, record []string) error {
	if b.tx == nil {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("ingest: failed to begin transaction: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, b.insert)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("ingest: failed to prepare insert statement: %w", err)
		}
		b.tx, b.stmt = tx, stmt
	}

	for i, spec := range b.specs {
		if i >= len(record) {
			b.args[i] = nil
			b.nulls[i]++
			continue
		}
		v, ok := Convert(spec, record[i])
		if !ok {
			b.mismatches[i]++
		}
		if v == nil {
			b.nulls[i]++
		}
		b.args[i] = v
	}
	if _, err := b.stmt.ExecContext(ctx, b.args...); err != nil {
		return fmt.Errorf("ingest: failed to insert row %d: %w", b.rows+1, err)
	}
	b.rows++
	b.pending++

	if b.pending >= b.batch {
		return b.flush()
	}
	return nil
}

func (b *artifactBuilder) flush() error {
	if b.tx == nil {
		return nil
	}
	b.stmt.Close()
	err := b.tx.Commit()
	b.tx, b.stmt, b.pending = nil, nil, 0
	if err != nil {
		return fmt.Errorf("ingest: failed to commit batch: %w", err)
	}
	return nil
}

// Mismatches returns per-column counts of values stored as raw text.
func (b *artifactBuilder) Mismatches() []int64 { return b.mismatches }

// CountRows returns COUNT(*) of the data table.
func (b *artifactBuilder) CountRows(ctx context.Context) (int64, error) {
	if err := b.flush(); err != nil {
		return 0, err
	}
	var n int64
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+DataTable).Scan(&n); err != nil {
		return 0, fmt.Errorf("ingest: failed to count rows: %w", err)
	}
	return n, nil
}

// Distinct streams the distinct non-empty values of column into fn.
func (b *artifactBuilder) Distinct(ctx context.Context, column string, fn func(string) error) error {
	if err := b.flush(); err != nil {
		return err
	}
	return distinctValues(ctx, b.db, column, fn)
}

// DistinctCount returns the number of distinct non-empty values of column.
func (b *artifactBuilder) DistinctCount(ctx context.Context, column string) (int64, error) {
	if err := b.flush(); err != nil {
		return 0, err
	}
	return distinctCount(ctx, b.db, column)
}

// identifierExpr is the normalised identifier value of a column. Cells are
// trimmed at load; trimming here too covers artifacts built before that.
func identifierExpr(column string) string {
	return fmt.Sprintf("TRIM(CAST(%s AS TEXT))", quoteIdent(column))
}

func distinctCount(ctx context.Context, db *sql.DB, column string) (int64, error) {
	var n int64
	q := fmt.Sprintf("SELECT COUNT(DISTINCT %[1]s) FROM %[2]s WHERE %[1]s IS NOT NULL AND %[1]s != ''",
		identifierExpr(column), DataTable)
	if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("ingest: failed to count distinct %s: %w", column, err)
	}
	return n, nil
}

func distinctValues(ctx context.Context, db *sql.DB, column string, fn func(string) error) error {
	q := fmt.Sprintf("SELECT DISTINCT %[1]s FROM %[2]s WHERE %[1]s IS NOT NULL AND %[1]s != ''",
		identifierExpr(column), DataTable)
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("ingest: failed to select distinct %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return fmt.Errorf("ingest: failed to scan identifier: %w", err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Finish writes the metadata tables, checkpoints the WAL and closes the
// database. It returns the final file size.
func (b *artifactBuilder) Finish(ctx context.Context, columns []types.Column, meta map[string]string) (int64, error) {
	if err := b.flush(); err != nil {
		return 0, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ingest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE _columns (
			position INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			source TEXT NOT NULL,
			type TEXT NOT NULL,
			null_count INTEGER NOT NULL,
			mismatches INTEGER NOT NULL
		)`,
		`CREATE TABLE _artifact (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		) WITHOUT ROWID`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return 0, fmt.Errorf("ingest: failed to create metadata table: %w", err)
		}
	}
	for i, c := range columns {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO _columns (position, name, source, type, null_count, mismatches) VALUES (?, ?, ?, ?, ?, ?)`,
			i, c.Name, c.Source, string(c.Type), b.nulls[i], c.Mismatches)
		if err != nil {
			return 0, fmt.Errorf("ingest: failed to write column metadata: %w", err)
		}
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `INSERT INTO _artifact (key, value) VALUES (?, ?)`, k, meta[k]); err != nil {
			return 0, fmt.Errorf("ingest: failed to write artifact metadata: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ingest: failed to commit metadata: %w", err)
	}

	// Checkpoint WAL and switch to DELETE mode for a single-file artifact
	if _, err := b.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return 0, fmt.Errorf("ingest: failed to checkpoint WAL: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		return 0, fmt.Errorf("ingest: failed to set journal mode to DELETE: %w", err)
	}
	if err := b.db.Close(); err != nil {
		return 0, fmt.Errorf("ingest: failed to close database: %w", err)
	}
	b.db = nil

	info, err := os.Stat(b.path)
	if err != nil {
		return 0, fmt.Errorf("ingest: failed to stat artifact: %w", err)
	}
	return info.Size(), nil
}

// Close releases the database without finishing it.
func (b *artifactBuilder) Close() error {
	if b.tx != nil {
		b.stmt.Close()
		b.tx.Rollback()
		b.tx, b.stmt = nil, nil
	}
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// removeBuildFiles deletes a build file with its journal side files.
func removeBuildFiles(path string) error {
	var first error
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	return first
}

// ReadColumns returns the column metadata stored in an artifact file.
func ReadColumns(ctx context.Context, db *sql.DB) ([]types.Column, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, source, type, mismatches FROM _columns ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to read column metadata: %w", err)
	}
	defer rows.Close()

	var cols []types.Column
	for rows.Next() {
		var (
			c   types.Column
			typ string
		)
		if err := rows.Scan(&c.Name, &c.Source, &typ, &c.Mismatches); err != nil {
			return nil, fmt.Errorf("ingest: failed to scan column metadata: %w", err)
		}
		c.Type = types.ColumnType(typ)
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// quoteIdent quotes a column name for SQLite.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
