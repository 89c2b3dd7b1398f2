package ingest

import (
	"fmt"
	"strings"

	"github.com/cohortflow/cohortflow/internal/config"
	cferrors "github.com/cohortflow/cohortflow/internal/errors"
)

// Layout is the resolved shape of an upload: source header, output column
// names after mapping, and the identifier column, if any.
type Layout struct {
	Source []string
	Output []string

	// MappingApplied is true when at least one column was renamed.
	MappingApplied bool

	// IdentifierIndex is the position of the identifier column, or -1.
	IdentifierIndex int

	Definition string
}

// IdentifierColumn returns the output name of the identifier column.
func (l *Layout) IdentifierColumn() string {
	if l.IdentifierIndex < 0 {
		return ""
	}
	return l.Output[l.IdentifierIndex]
}

// NormalizeHeader trims names, strips a stray BOM and names empty headers
// column_<n> (1-based).
func NormalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, name := range record {
		name = strings.TrimPrefix(name, "\ufeff")
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		out[i] = name
	}
	return out
}

// ResolveLayout applies the table definition for cohort/tableType to a
// normalized header. Renaming is a projection: only names change, never
// column order or count.
func ResolveLayout(m *config.Mappings, cohort, tableType string, header []string) (*Layout, error) {
	def, found := m.Lookup(cohort, tableType)
	if !found && m != nil && m.Strict {
		return nil, cferrors.NewInputError(cferrors.CodeUnknownTableType,
			fmt.Sprintf("no definition for table type %q in cohort %s", tableType, cohort))
	}

	layout := &Layout{
		Source:          header,
		Output:          make([]string, len(header)),
		IdentifierIndex: -1,
		Definition:      def.Definition,
	}

	rename := make(map[string]string, len(def.Rename))
	for src, dst := range def.Rename {
		rename[strings.ToLower(strings.TrimSpace(src))] = dst
	}

	seen := make(map[string]int, len(header))
	for i, src := range header {
		out := src
		if dst, ok := def.Rename[src]; ok {
			out = dst
		} else if dst, ok := rename[strings.ToLower(src)]; ok {
			out = dst
		}
		if out != src {
			layout.MappingApplied = true
		}

		key := strings.ToLower(out)
		if prev, dup := seen[key]; dup {
			return nil, cferrors.NewInputError(cferrors.CodeDuplicateColumn,
				fmt.Sprintf("columns %d (%q) and %d (%q) both load as %q", prev+1, header[prev], i+1, src, out))
		}
		seen[key] = i
		layout.Output[i] = out
	}

	for _, req := range def.Required {
		if indexOf(header, req) < 0 && indexOf(layout.Output, req) < 0 {
			return nil, cferrors.NewInputError(cferrors.CodeMappingUnresolved,
				fmt.Sprintf("required column %q is missing from the header", req))
		}
	}
	for src := range def.Rename {
		if m.Strict && indexOf(header, src) < 0 {
			return nil, cferrors.NewInputError(cferrors.CodeMappingUnresolved,
				fmt.Sprintf("mapped column %q is missing from the header", src))
		}
	}

	if def.CarriesIdentifiers() {
		for _, cand := range def.IdentifierColumns {
			if i := indexOf(layout.Output, cand); i >= 0 {
				layout.IdentifierIndex = i
				break
			}
			if i := indexOf(header, cand); i >= 0 {
				layout.IdentifierIndex = i
				break
			}
		}
		if layout.IdentifierIndex < 0 {
			return nil, cferrors.NewInputError(cferrors.CodeMissingIdentifier,
				fmt.Sprintf("no identifier column found for %s (looked for %s)", tableType, strings.Join(def.IdentifierColumns, ", ")))
		}
	}

	return layout, nil
}

// indexOf finds name case-insensitively.
func indexOf(names []string, name string) int {
	for i, n := range names {
		if strings.EqualFold(n, name) {
			return i
		}
	}
	return -1
}
