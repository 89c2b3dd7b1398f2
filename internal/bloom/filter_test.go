package bloom

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: an identifier that was added is always reported as possibly present.
func TestFilter_NoFalseNegatives(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("added identifiers are always found", prop.ForAll(
		func(ids []string) bool {
			f := ForIdentifiers(int64(len(ids)), DefaultFPR)
			for _, id := range ids {
				f.Add(id)
			}
			for _, id := range ids {
				if !f.MayContain(id) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestFilter_FalsePositiveRate(t *testing.T) {
	const n = 20000
	f := ForIdentifiers(n, 0.01)
	for i := 0; i < n; i++ {
		f.Add(fmt.Sprintf("P%07d", i))
	}

	fp := 0
	for i := n; i < 2*n; i++ {
		if f.MayContain(fmt.Sprintf("P%07d", i)) {
			fp++
		}
	}
	rate := float64(fp) / n
	if rate > 0.03 {
		t.Errorf("false positive rate %.4f well above target 0.01", rate)
	}
	if est := f.EstimatedFPR(); est <= 0 || est > 0.02 {
		t.Errorf("estimated FPR %.4f out of range", est)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	f := ForIdentifiers(100, DefaultFPR)
	for i := 0; i < 100; i++ {
		f.Add(fmt.Sprintf("id-%d", i))
	}

	g, err := Unmarshal(f.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if g.Count() != 100 || g.Bits() != f.Bits() || g.Hashes() != f.Hashes() {
		t.Errorf("header mismatch: %d/%d/%d", g.Count(), g.Bits(), g.Hashes())
	}
	for i := 0; i < 100; i++ {
		if !g.MayContain(fmt.Sprintf("id-%d", i)) {
			t.Fatalf("id-%d lost in round trip", i)
		}
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte("not snappy")); err == nil {
		t.Error("expected error for garbage input")
	}
}
