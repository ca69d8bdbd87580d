package replacement

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/domain"
)

const setsYAML = `
ira:
  - source: UVXY
    target: VXX
    scale: 1.5
  - source: TQQQ
    target: QQQ
    scale: 3
rename:
  - source: SPY
    target: VOO
    scale: 1
`

func newService(t *testing.T) *Service {
	t.Helper()
	sets, err := Parse([]byte(setsYAML))
	require.NoError(t, err)
	return NewService(sets, zerolog.New(nil).Level(zerolog.Disabled))
}

func total(items []domain.AllocationItem) float64 {
	sum := 0.0
	for _, a := range items {
		sum += a.Allocation
	}
	return sum
}

func weight(items []domain.AllocationItem, symbol string) float64 {
	for _, a := range items {
		if a.Symbol == symbol {
			return a.Allocation
		}
	}
	return 0
}

func TestParse(t *testing.T) {
	svc := newService(t)
	assert.Equal(t, []string{"ira", "rename"}, svc.Names())
	assert.True(t, svc.Has("ira"))
	assert.False(t, svc.Has("roth"))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero scale", "s:\n  - source: A\n    target: B\n    scale: 0\n"},
		{"missing target", "s:\n  - source: A\n    scale: 1\n"},
		{"self replacement", "s:\n  - source: A\n    target: A\n    scale: 1\n"},
		{"duplicate source", "s:\n  - source: A\n    target: B\n    scale: 1\n  - source: A\n    target: C\n    scale: 1\n"},
		{"not a map", "- a\n- b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	sets, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, sets)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replacement-sets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(setsYAML), 0o644))

	sets, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, sets["ira"], 2)
}

func TestApply_NoSet(t *testing.T) {
	svc := newService(t)
	in := []domain.AllocationItem{{Symbol: "UVXY", Allocation: 0.2}}

	assert.Equal(t, in, svc.Apply(in, ""))
	assert.Equal(t, in, svc.Apply(in, "unknown"))
}

func TestApply_ScalesAndAbsorbsExcess(t *testing.T) {
	svc := newService(t)
	in := []domain.AllocationItem{
		{Symbol: "UVXY", Allocation: 0.2},
		{Symbol: "SPY", Allocation: 0.5},
		{Symbol: "AGG", Allocation: 0.3},
	}

	out := svc.Apply(in, "ira")

	require.Len(t, out, 3)
	assert.Equal(t, "VXX", out[0].Symbol)
	assert.InDelta(t, 0.3, out[0].Allocation, 1e-9)
	// 0.1 excess taken proportionally from the 0.8 of untouched weight
	assert.InDelta(t, 0.5*0.7/0.8, weight(out, "SPY"), 1e-9)
	assert.InDelta(t, 0.3*0.7/0.8, weight(out, "AGG"), 1e-9)
	assert.InDelta(t, 1.0, total(out), 1e-9)
	// Input is not modified
	assert.Equal(t, "UVXY", in[0].Symbol)
}

func TestApply_ConsolidatesDuplicates(t *testing.T) {
	svc := newService(t)
	in := []domain.AllocationItem{
		{Symbol: "SPY", Allocation: 0.4},
		{Symbol: "VOO", Allocation: 0.2},
		{Symbol: "AGG", Allocation: 0.4},
	}

	out := svc.Apply(in, "rename")

	require.Len(t, out, 2)
	assert.Equal(t, "VOO", out[0].Symbol)
	assert.InDelta(t, 0.6, out[0].Allocation, 1e-9)
	assert.InDelta(t, 0.4, weight(out, "AGG"), 1e-9)
}

func TestApply_ExcessBeyondUntouchedIsNormalized(t *testing.T) {
	svc := newService(t)
	in := []domain.AllocationItem{
		{Symbol: "TQQQ", Allocation: 0.5},
		{Symbol: "AGG", Allocation: 0.5},
	}

	out := svc.Apply(in, "ira")

	// QQQ 1.5 and AGG floored at 0.05, then normalized back to 1.0
	assert.InDelta(t, 1.0, total(out), 1e-9)
	assert.InDelta(t, 1.5/1.55, weight(out, "QQQ"), 1e-9)
	assert.InDelta(t, 0.05/1.55, weight(out, "AGG"), 1e-9)
}

func TestApply_PartialTotalIsPreserved(t *testing.T) {
	svc := newService(t)
	in := []domain.AllocationItem{
		{Symbol: "UVXY", Allocation: 0.1},
		{Symbol: "SPY", Allocation: 0.7},
	}

	out := svc.Apply(in, "ira")
	assert.InDelta(t, 0.8, total(out), 1e-9)
}
