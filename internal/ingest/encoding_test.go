package ingest

import (
	"bytes"
	"io"
	"testing"

	"golang.org/x/text/encoding/unicode"

	"github.com/cohortflow/cohortflow/internal/config"
	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/pkg/types"
)

func decodeAll(t *testing.T, raw []byte) (string, string) {
	t.Helper()
	r, name, err := Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(out), name
}

func TestDecode(t *testing.T) {
	utf16, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder().String("pid,dob\nP1,x\n")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		raw      []byte
		want     string
		encoding string
	}{
		{"plain utf-8", []byte("pid,naïve\n"), "pid,naïve\n", EncodingUTF8},
		{"utf-8 bom", append([]byte{0xEF, 0xBB, 0xBF}, "pid\n"...), "pid\n", EncodingUTF8BOM},
		{"utf-16le", []byte(utf16), "pid,dob\nP1,x\n", EncodingUTF16LE},
		{"windows-1252", []byte{'a', ';', 0xE9, '\n'}, "a;é\n", EncodingWindows1252},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, name := decodeAll(t, tt.raw)
			if name != tt.encoding {
				t.Errorf("encoding = %s, want %s", name, tt.encoding)
			}
			if got != tt.want {
				t.Errorf("decoded = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectEncoding_PartialRuneAtCut(t *testing.T) {
	head := []byte("abc\xc3")
	if got := DetectEncoding(head); got != EncodingUTF8 {
		t.Errorf("DetectEncoding = %s, want utf-8", got)
	}
}

func TestSniffDelimiter(t *testing.T) {
	tests := map[string]rune{
		"a,b,c":             ',',
		"a;b;c":             ';',
		"a\tb\tc":           '\t',
		"a|b|c":             '|',
		`"x;y",b,c`:         ',',
		"single":            ',',
		"a;b,c;d":           ';',
		`"a,b";"c,d";"e,f"`: ';',
	}
	for line, want := range tests {
		if got := SniffDelimiter(line); got != want {
			t.Errorf("SniffDelimiter(%q) = %q, want %q", line, got, want)
		}
	}
}

func TestNormalizeHeader(t *testing.T) {
	got := NormalizeHeader([]string{"\ufeffpid", "  dob ", ""})
	want := []string{"pid", "dob", "column_3"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("header[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolveLayout_CaseInsensitiveRename(t *testing.T) {
	m := &config.Mappings{Cohorts: map[string]map[string]config.TableDef{
		"c1": {"visits": {
			Rename:            map[string]string{"PID": "cohortPatientId"},
			IdentifierColumns: []string{"cohortPatientId"},
		}},
	}}
	layout, err := ResolveLayout(m, "c1", "visits", []string{"pid", "visit"})
	if err != nil {
		t.Fatal(err)
	}
	if layout.Output[0] != "cohortPatientId" || !layout.MappingApplied {
		t.Errorf("layout = %+v", layout)
	}
	if layout.IdentifierColumn() != "cohortPatientId" {
		t.Errorf("IdentifierColumn = %q", layout.IdentifierColumn())
	}

	// identity mapping for an unknown table type when not strict
	layout, err = ResolveLayout(m, "c1", "other", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if layout.MappingApplied || layout.IdentifierIndex != -1 {
		t.Errorf("identity layout = %+v", layout)
	}
}

func TestResolveLayout_StrictMissingMappedColumn(t *testing.T) {
	m := &config.Mappings{Strict: true, Cohorts: map[string]map[string]config.TableDef{
		"*": {"visits": {Rename: map[string]string{"pid": "cohortPatientId"}}},
	}}
	_, err := ResolveLayout(m, "c1", "visits", []string{"patient", "visit"})
	if cferrors.GetCode(err) != cferrors.CodeMappingUnresolved {
		t.Errorf("err = %v, want MAPPING_UNRESOLVED", err)
	}
}

func TestInferrer_Resolve(t *testing.T) {
	in := NewInferrer(6)
	rows := [][]string{
		{"1", "1.5", "yes", "2020-01-31", "P01", "12"},
		{"2", "2", "no", "2020-02-29", "P02", "13"},
		{"3", "", "Y", "2021-12-01", "P03", "n/a"},
		{"4", "-0.25", "false", "", "P04", "15"},
	}
	for _, r := range rows {
		in.Observe(r)
	}
	names := []string{"n", "f", "b", "d", "id", "mixed"}
	specs, warnings := in.Resolve(names, map[int]bool{4: true})

	want := []types.ColumnType{types.TypeInteger, types.TypeFloat, types.TypeBoolean, types.TypeDate, types.TypeString, types.TypeString}
	for i, s := range specs {
		if s.Type != want[i] {
			t.Errorf("%s: type = %s, want %s", names[i], s.Type, want[i])
		}
	}
	if specs[3].DateLayout != "2006-01-02" {
		t.Errorf("date layout = %q", specs[3].DateLayout)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v", warnings)
	}
	if in.Rows() != 4 {
		t.Errorf("Rows = %d", in.Rows())
	}
}

func TestInferrer_LeadingZeroIdentifiersStayText(t *testing.T) {
	in := NewInferrer(1)
	in.Observe([]string{"007"})
	specs, _ := in.Resolve([]string{"pid"}, map[int]bool{0: true})
	v, ok := Convert(specs[0], "007")
	if !ok || v != "007" {
		t.Errorf("Convert = %v, %v", v, ok)
	}
}

func TestConvert_Values(t *testing.T) {
	tests := []struct {
		spec ColumnSpec
		raw  string
		want interface{}
		ok   bool
	}{
		{ColumnSpec{Type: types.TypeInteger}, " 42 ", int64(42), true},
		{ColumnSpec{Type: types.TypeInteger}, "4.2", "4.2", false},
		{ColumnSpec{Type: types.TypeFloat}, "4.2", 4.2, true},
		{ColumnSpec{Type: types.TypeBoolean}, "Yes", int64(1), true},
		{ColumnSpec{Type: types.TypeBoolean}, "f", int64(0), true},
		{ColumnSpec{Type: types.TypeDate, DateLayout: "02.01.2006"}, "31.12.1999", "1999-12-31", true},
		{ColumnSpec{Type: types.TypeDate, DateLayout: "2006-01-02 15:04:05"}, "1999-12-31 23:59:00", "1999-12-31T23:59:00", true},
		{ColumnSpec{Type: types.TypeString}, "", nil, true},
		{ColumnSpec{Type: types.TypeString}, " x ", "x", true},
		{ColumnSpec{Type: types.TypeInteger}, " 4.2 ", "4.2", false},
	}
	for _, tt := range tests {
		got, ok := Convert(tt.spec, tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Convert(%s, %q) = %v, %v; want %v, %v", tt.spec.Type, tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}
