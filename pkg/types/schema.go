package types

// ColumnType is the tagged union of column types resolved at load time.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeInteger ColumnType = "integer"
	TypeFloat   ColumnType = "float"
	TypeDate    ColumnType = "date"
	TypeBoolean ColumnType = "boolean"
)

// SQLiteType returns the declared column type used in the artifact table.
func (t ColumnType) SQLiteType() string {
	switch t {
	case TypeInteger, TypeBoolean:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	default:
		// dates are stored as ISO-8601 text
		return "TEXT"
	}
}

// Column is one column of a Columnar Artifact.
type Column struct {
	// Name is the output name after mapping.
	Name string `json:"name"`

	// Source is the header name in the uploaded file.
	Source string `json:"source"`

	Type ColumnType `json:"type"`

	// Mismatches counts values that did not parse as Type after inference.
	Mismatches int64 `json:"mismatches,omitempty"`
}
