package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cohortflow/cohortflow/internal/bloom"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// identifierBatch is the number of values inserted per write transaction.
const identifierBatch = 5000

// IdentifierSetWriter streams distinct identifiers into a new set. Values are
// flushed in short transactions so the writer connection is never held for
// the whole extraction; the set stays invisible until Commit.
type IdentifierSetWriter struct {
	c       *SQLiteCatalog
	set     *types.IdentifierSet
	filter  *bloom.Filter
	pending []string
	done    bool
}

// BeginIdentifierSet registers an incomplete set for (contentHash, column).
// Any incomplete leftover of an interrupted extraction is discarded first.
// expected sizes the bloom filter and may be an estimate.
func (c *SQLiteCatalog) BeginIdentifierSet(ctx context.Context, set *types.IdentifierSet, expected int64) (*IdentifierSetWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stale []string
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM identifier_sets WHERE content_hash = ? AND column_name = ? AND complete = 0`,
		set.ContentHash, set.Column)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to look up stale sets: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("catalog: failed to scan stale set: %w", err)
		}
		stale = append(stale, id)
	}
	rows.Close()
	for _, id := range stale {
		if err := deleteSetTx(ctx, tx, id); err != nil {
			return nil, err
		}
	}

	if set.ID == "" {
		set.ID = newID()
	}
	set.CreatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO identifier_sets (id, content_hash, cohort_id, table_type, column_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		set.ID, set.ContentHash, set.CohortID, set.TableType, set.Column, set.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to insert identifier set: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("catalog: failed to commit identifier set: %w", err)
	}

	return &IdentifierSetWriter{
		c:       c,
		set:     set,
		filter:  bloom.ForIdentifiers(expected, bloom.DefaultFPR),
		pending: make([]string, 0, identifierBatch),
	}, nil
}

// Add buffers one identifier. Duplicates are ignored.
func (w *IdentifierSetWriter) Add(ctx context.Context, value string) error {
	if w.done {
		return errors.New("catalog: identifier set writer already finished")
	}
	w.pending = append(w.pending, value)
	if len(w.pending) >= identifierBatch {
		return w.flush(ctx)
	}
	return nil
}

func (w *IdentifierSetWriter) flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}

	w.c.mu.Lock()
	defer w.c.mu.Unlock()

	tx, err := w.c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO identifier_values (set_id, value) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("catalog: failed to prepare identifier insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range w.pending {
		res, err := stmt.ExecContext(ctx, w.set.ID, v)
		if err != nil {
			return fmt.Errorf("catalog: failed to insert identifier: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			w.filter.Add(v)
			w.set.Count++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: failed to commit identifiers: %w", err)
	}
	w.pending = w.pending[:0]
	return nil
}

// Commit flushes the remaining values, stores the bloom filter and makes
// the set visible.
func (w *IdentifierSetWriter) Commit(ctx context.Context) (*types.IdentifierSet, error) {
	if w.done {
		return nil, errors.New("catalog: identifier set writer already finished")
	}
	if err := w.flush(ctx); err != nil {
		return nil, err
	}

	w.c.mu.Lock()
	defer w.c.mu.Unlock()

	_, err := w.c.db.ExecContext(ctx,
		`UPDATE identifier_sets SET count = ?, bloom = ?, complete = 1 WHERE id = ?`,
		w.set.Count, w.filter.Marshal(), w.set.ID)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to complete identifier set: %w", err)
	}
	w.done = true
	return w.set, nil
}

// Abort removes the incomplete set and its values.
func (w *IdentifierSetWriter) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true

	w.c.mu.Lock()
	defer w.c.mu.Unlock()

	tx, err := w.c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := deleteSetTx(ctx, tx, w.set.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteSetTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM identifier_values WHERE set_id = ?`, id); err != nil {
		return fmt.Errorf("catalog: failed to delete identifier values: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM identifier_sets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("catalog: failed to delete identifier set: %w", err)
	}
	return nil
}

const identifierSetColumns = `id, content_hash, cohort_id, table_type, column_name, count, created_at`

// IdentifierSetByHash returns the complete set extracted from contentHash, if any.
func (c *SQLiteCatalog) IdentifierSetByHash(ctx context.Context, contentHash string) (*types.IdentifierSet, error) {
	row := c.readDB.QueryRowContext(ctx, `SELECT `+identifierSetColumns+` FROM identifier_sets
		WHERE content_hash = ? AND complete = 1 ORDER BY created_at LIMIT 1`, contentHash)
	return scanIdentifierSet(row, contentHash)
}

// GetIdentifierSet returns a complete set by id.
func (c *SQLiteCatalog) GetIdentifierSet(ctx context.Context, id string) (*types.IdentifierSet, error) {
	row := c.readDB.QueryRowContext(ctx, `SELECT `+identifierSetColumns+` FROM identifier_sets
		WHERE id = ? AND complete = 1`, id)
	return scanIdentifierSet(row, id)
}

func scanIdentifierSet(row *sql.Row, key string) (*types.IdentifierSet, error) {
	var (
		s       types.IdentifierSet
		created int64
	)
	err := row.Scan(&s.ID, &s.ContentHash, &s.CohortID, &s.TableType, &s.Column, &s.Count, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: no identifier set for %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to get identifier set: %w", err)
	}
	s.CreatedAt = time.Unix(0, created).UTC()
	return &s, nil
}

// LoadBloom returns the membership filter stored with a set.
func (c *SQLiteCatalog) LoadBloom(ctx context.Context, setID string) (*bloom.Filter, error) {
	var blob []byte
	err := c.readDB.QueryRowContext(ctx,
		`SELECT bloom FROM identifier_sets WHERE id = ? AND complete = 1`, setID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: no identifier set %s: %w", setID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to load bloom filter: %w", err)
	}
	return bloom.Unmarshal(blob)
}

// HasIdentifier is the exact membership test behind a positive bloom probe.
func (c *SQLiteCatalog) HasIdentifier(ctx context.Context, setID, value string) (bool, error) {
	var one int
	err := c.readDB.QueryRowContext(ctx,
		`SELECT 1 FROM identifier_values WHERE set_id = ? AND value = ?`, setID, value).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog: failed to probe identifier: %w", err)
	}
	return true, nil
}

// SetAnchor records setID as the accepted anchor set of a cohort wave.
func (c *SQLiteCatalog) SetAnchor(ctx context.Context, cohortID, wave, tableType, setID, submissionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cohort_anchors (cohort_id, wave, table_type, set_id, submission_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cohort_id, wave, table_type) DO UPDATE SET
			set_id = excluded.set_id, submission_id = excluded.submission_id, updated_at = excluded.updated_at`,
		cohortID, wave, tableType, setID, submissionID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("catalog: failed to set anchor: %w", err)
	}
	return nil
}

// Anchor returns the anchor set id for a cohort wave and anchor table type.
func (c *SQLiteCatalog) Anchor(ctx context.Context, cohortID, wave, tableType string) (string, error) {
	var setID string
	err := c.readDB.QueryRowContext(ctx,
		`SELECT set_id FROM cohort_anchors WHERE cohort_id = ? AND wave = ? AND table_type = ?`,
		cohortID, wave, tableType).Scan(&setID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("catalog: no %s anchor for cohort %s wave %q: %w", tableType, cohortID, wave, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("catalog: failed to get anchor: %w", err)
	}
	return setID, nil
}

// EachIdentifier streams the values of a complete set into fn in value order.
func (c *SQLiteCatalog) EachIdentifier(ctx context.Context, setID string, fn func(string) error) error {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT v.value FROM identifier_values v JOIN identifier_sets s ON s.id = v.set_id
		WHERE v.set_id = ? AND s.complete = 1 ORDER BY v.value`, setID)
	if err != nil {
		return fmt.Errorf("catalog: failed to list identifiers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return fmt.Errorf("catalog: failed to scan identifier: %w", err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return rows.Err()
}
