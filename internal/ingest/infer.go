package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cohortflow/cohortflow/pkg/types"
)

// dateLayouts are the unambiguous date forms recognized. Day/month orders
// that cannot be told apart (01/02/2006) stay strings.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02.01.2006",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ColumnSpec is the resolved type of one column and how to load it.
type ColumnSpec struct {
	Type       types.ColumnType
	DateLayout string
}

type columnProfile struct {
	values int64
	ints   int64
	floats int64
	bools  int64
	dates  []int64 // per dateLayouts entry
}

// Inferrer profiles sampled values per column.
type Inferrer struct {
	cols []columnProfile
	rows int64
}

// NewInferrer creates an inferrer for n columns.
func NewInferrer(n int) *Inferrer {
	cols := make([]columnProfile, n)
	for i := range cols {
		cols[i].dates = make([]int64, len(dateLayouts))
	}
	return &Inferrer{cols: cols}
}

// Rows returns the number of observed records.
func (in *Inferrer) Rows() int64 { return in.rows }

// Observe profiles one record. Empty cells are ignored.
func (in *Inferrer) Observe(record []string) {
	in.rows++
	for i := range in.cols {
		if i >= len(record) {
			break
		}
		v := strings.TrimSpace(record[i])
		if v == "" {
			continue
		}
		p := &in.cols[i]
		p.values++
		if looksLikeInt(v) {
			p.ints++
		}
		if looksLikeFloat(v) {
			p.floats++
		}
		if looksLikeBool(v) {
			p.bools++
		}
		for j, layout := range dateLayouts {
			if _, err := time.Parse(layout, v); err == nil {
				p.dates[j]++
			}
		}
	}
}

// Resolve picks a type per column. forceString marks columns that always
// load as text (identifier columns keep leading zeros). A column whose
// values mostly but not entirely parse as one type falls back to string
// with a warning.
func (in *Inferrer) Resolve(names []string, forceString map[int]bool) ([]ColumnSpec, []string) {
	specs := make([]ColumnSpec, len(in.cols))
	var warnings []string

	for i, p := range in.cols {
		specs[i] = ColumnSpec{Type: types.TypeString}
		if forceString[i] || p.values == 0 {
			continue
		}

		switch {
		case p.ints == p.values:
			specs[i].Type = types.TypeInteger
			continue
		case p.floats == p.values:
			specs[i].Type = types.TypeFloat
			continue
		case p.bools == p.values:
			specs[i].Type = types.TypeBoolean
			continue
		}

		bestDate, bestDateCount := -1, int64(0)
		for j, n := range p.dates {
			if n > bestDateCount {
				bestDate, bestDateCount = j, n
			}
		}
		if bestDate >= 0 && bestDateCount == p.values {
			specs[i] = ColumnSpec{Type: types.TypeDate, DateLayout: dateLayouts[bestDate]}
			continue
		}

		kind, count := types.TypeInteger, p.ints
		if p.floats > count {
			kind, count = types.TypeFloat, p.floats
		}
		if p.bools > count {
			kind, count = types.TypeBoolean, p.bools
		}
		if bestDateCount > count {
			kind, count = types.TypeDate, bestDateCount
		}
		if count*2 >= p.values {
			warnings = append(warnings, fmt.Sprintf(
				"column %q: %d of %d sampled values look like %s, loaded as string", names[i], count, p.values, kind))
		}
	}
	return specs, warnings
}

// Convert turns a raw cell into the value stored for spec. Surrounding
// whitespace is dropped for every type. ok is false when the value does not
// parse as the column type; the caller then stores the text and counts a
// mismatch.
func Convert(spec ColumnSpec, raw string) (value interface{}, ok bool) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil, true
	}

	switch spec.Type {
	case types.TypeInteger:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, true
		}
	case types.TypeFloat:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	case types.TypeBoolean:
		if b, known := parseBool(v); known {
			if b {
				return int64(1), true
			}
			return int64(0), true
		}
	case types.TypeDate:
		if t, err := time.Parse(spec.DateLayout, v); err == nil {
			if strings.Contains(spec.DateLayout, "15") {
				return t.Format("2006-01-02T15:04:05"), true
			}
			return t.Format("2006-01-02"), true
		}
	default:
		return v, true
	}
	return v, false
}

func looksLikeInt(v string) bool {
	_, err := strconv.ParseInt(v, 10, 64)
	return err == nil
}

func looksLikeFloat(v string) bool {
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

func looksLikeBool(v string) bool {
	_, known := parseBool(v)
	return known
}

func parseBool(v string) (value, known bool) {
	switch strings.ToLower(v) {
	case "true", "t", "yes", "y":
		return true, true
	case "false", "f", "no", "n":
		return false, true
	}
	return false, false
}
