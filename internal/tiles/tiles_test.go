package tiles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soma-tiles/lodtiles/internal/extract"
	"github.com/soma-tiles/lodtiles/internal/grid"
	"github.com/soma-tiles/lodtiles/internal/lod"
	"github.com/soma-tiles/lodtiles/internal/manifest"
	"github.com/soma-tiles/lodtiles/internal/sink"
)

func TestRound(t *testing.T) {
	tests := []struct {
		v        float64
		decimals int
		want     float64
	}{
		{1.234, 2, 1.23},
		{1.235, 2, 1.24},
		{-1.2351, 2, -1.24},
		{12.34, 1, 12.3},
		{0.0004, 3, 0},
		{-0.0004, 3, 0},
		{0.12345, 3, 0.123},
		{math.NaN(), 2, 0},
		{math.Inf(1), 2, 0},
	}
	for _, tt := range tests {
		got := Round(tt.v, tt.decimals)
		assert.InDelta(t, tt.want, got, 1e-9, "Round(%v, %d)", tt.v, tt.decimals)
		assert.False(t, math.Signbit(got) && got == 0, "negative zero for %v", tt.v)
	}
}

func TestTilePath(t *testing.T) {
	assert.Equal(t, "0/0_0.json", TilePath(0, 0, 0))
	assert.Equal(t, "4/7_3.json", TilePath(4, 7, 3))
}

func sampleDataset() *extract.Dataset {
	return &extract.Dataset{
		X:          []float64{0.123, 9.876, 0.5, 9.5},
		Y:          []float64{-0.004, 9.999, 0.5, 0.5},
		Age:        []float64{12.34, math.NaN(), 8, 20.05},
		Region:     []string{"Cortex", "", "Pons", `Mid"brain`},
		Mito:       []float64{0.01234, 0.5, math.NaN(), 0},
		Class:      []string{"Neuron", "Glia", "Neuron", "Glia"},
		Genes:      []string{"SOX2", "DCX"},
		Expression: [][]float64{{1.005, 0, 2, 3}, {0.333, 4.5, 0, 1}},
		Classes:    []string{"Glia", "Neuron"},
	}
}

func TestAppendRecord(t *testing.T) {
	enc := NewRecordEncoder(sampleDataset())

	got := string(enc.AppendRecord(nil, 0))
	assert.Equal(t,
		`{"x":0.12,"y":0,"class":"Neuron","age":12.3,"region":"Cortex","mito":0.012,"SOX2":1,"DCX":0.33}`,
		got)

	got = string(enc.AppendRecord(nil, 1))
	assert.Equal(t,
		`{"x":9.88,"y":10,"class":"Glia","age":-1,"region":"Unknown","mito":0.5,"SOX2":0,"DCX":4.5}`,
		got)

	// NaN mito is written as 0 and strings are escaped.
	got = string(enc.AppendRecord(nil, 3))
	assert.Contains(t, got, `"region":"Mid\"brain"`)
	rec := enc.AppendRecord(nil, 2)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec, &decoded))
	assert.Equal(t, 0.0, decoded["mito"])
}

func TestAppendTile_ValidJSON(t *testing.T) {
	enc := NewRecordEncoder(sampleDataset())
	data := enc.AppendTile(nil, []uint32{0, 1, 2, 3})

	var records []map[string]any
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 4)
	for _, rec := range records {
		for _, key := range []string{"x", "y", "class", "age", "region", "mito", "SOX2", "DCX"} {
			assert.Contains(t, rec, key)
		}
	}
	assert.Equal(t, "[]", string(enc.AppendTile(nil, nil)))
}

// fixture is a 4-cell dataset on a 2×2 grid: cells 0 and 2 share grid cell
// (0,0), cell 1 is in (1,1) and cell 3 in (1,0).
type fixture struct {
	ds    *extract.Dataset
	grid  *grid.Grid
	alloc *lod.Allocation
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ds := sampleDataset()
	b, err := grid.ComputeBounds(ds.X, ds.Y, grid.DefaultPadding)
	require.NoError(t, err)
	g, err := grid.New(b, 2)
	require.NoError(t, err)
	a, err := g.Assign(ds.X, ds.Y)
	require.NoError(t, err)
	require.Equal(t, []int32{0, 3, 0, 2}, a.Cells)

	alloc, err := lod.Allocate(context.Background(), a.Cells, g.NumCells(),
		[]lod.Level{{Level: 0, Fraction: 0.5}, {Level: 1, Fraction: 1}}, lod.NewRand(42))
	require.NoError(t, err)
	return fixture{ds: ds, grid: g, alloc: alloc}
}

func quiet() *log.Logger { return log.New(io.Discard) }

func TestWriteAll_Cumulative(t *testing.T) {
	f := newFixture(t)
	mem := sink.NewMemory()

	stats, err := NewWriter(mem, Options{Logger: quiet()}).WriteAll(context.Background(), f.ds, f.grid, f.alloc)
	require.NoError(t, err)

	// Level 0: one of the two cells of (0,0), plus the single cells of (1,0) and (1,1).
	assert.Equal(t, []string{
		"0/0_0.json", "0/1_0.json", "0/1_1.json",
		"1/0_0.json", "1/1_0.json", "1/1_1.json",
	}, mem.Names())

	require.Len(t, stats.Levels, 2)
	assert.Equal(t, 3, stats.Levels[0].Tiles)
	assert.Equal(t, 3, stats.Levels[0].Records)
	assert.Equal(t, 4, stats.Levels[1].Records)
	assert.Equal(t, 6, stats.Files)
	assert.Equal(t, 7, stats.Records())

	var level0, level1 []map[string]any
	data, _ := mem.Get("0/0_0.json")
	require.NoError(t, json.Unmarshal(data, &level0))
	data, _ = mem.Get("1/0_0.json")
	require.NoError(t, json.Unmarshal(data, &level1))
	assert.Len(t, level0, 1)
	require.Len(t, level1, 2)
	// Ascending row order: cell 0 before cell 2.
	assert.Equal(t, 0.12, level1[0]["x"])
	assert.Equal(t, 0.5, level1[1]["x"])
}

func TestWriteAll_SkipsEmptyAndUnassigned(t *testing.T) {
	f := newFixture(t)
	// Drop cell 1 from every level: grid cell (1,1) becomes empty.
	f.alloc.Claims[0][3].Clear()
	f.alloc.Claims[1][3].Clear()
	f.alloc.CellLevels[1] = lod.Unassigned

	mem := sink.NewMemory()
	_, err := NewWriter(mem, Options{Logger: quiet()}).WriteAll(context.Background(), f.ds, f.grid, f.alloc)
	require.NoError(t, err)

	_, ok := mem.Get("0/1_1.json")
	assert.False(t, ok)
	_, ok = mem.Get("1/1_1.json")
	assert.False(t, ok)
}

func TestWriteAll_ParallelMatchesSequential(t *testing.T) {
	f := newFixture(t)
	seq, par := sink.NewMemory(), sink.NewMemory()

	_, err := NewWriter(seq, Options{Logger: quiet(), Precompress: true}).WriteAll(context.Background(), f.ds, f.grid, f.alloc)
	require.NoError(t, err)
	_, err = NewWriter(par, Options{Logger: quiet(), Precompress: true, Workers: 4}).WriteAll(context.Background(), f.ds, f.grid, f.alloc)
	require.NoError(t, err)

	require.Equal(t, seq.Names(), par.Names())
	for _, name := range seq.Names() {
		a, _ := seq.Get(name)
		b, _ := par.Get(name)
		assert.Equal(t, a, b, name)
	}
}

func TestWriteAll_Precompress(t *testing.T) {
	f := newFixture(t)
	mem := sink.NewMemory()
	stats, err := NewWriter(mem, Options{Logger: quiet(), Precompress: true}).WriteAll(context.Background(), f.ds, f.grid, f.alloc)
	require.NoError(t, err)
	assert.Equal(t, 12, stats.Files)

	plain, ok := mem.Get("1/0_0.json")
	require.True(t, ok)
	gz, ok := mem.Get("1/0_0.json.gz")
	require.True(t, ok)

	zr, err := gzip.NewReader(bytes.NewReader(gz))
	require.NoError(t, err)
	decoded, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, plain, decoded)
}

type failingSink struct {
	failOn string
	puts   int
}

func (s *failingSink) Location() string { return "failing" }

func (s *failingSink) Put(_ context.Context, name string, _ []byte) error {
	s.puts++
	if name == s.failOn {
		return errors.New("disk full")
	}
	return nil
}

func TestWriteAll_FailureAborts(t *testing.T) {
	f := newFixture(t)
	s := &failingSink{failOn: "0/1_0.json"}

	_, err := NewWriter(s, Options{Logger: quiet()}).WriteAll(context.Background(), f.ds, f.grid, f.alloc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0/1_0.json")
	assert.Equal(t, 2, s.puts, "no tile is written after the failing one")
}

func TestWriteAll_GridMismatch(t *testing.T) {
	f := newFixture(t)
	g, err := grid.New(f.grid.Bounds, 3)
	require.NoError(t, err)
	_, err = NewWriter(sink.NewMemory(), Options{Logger: quiet()}).WriteAll(context.Background(), f.ds, g, f.alloc)
	assert.Error(t, err)
}

func writeFixtureDir(t *testing.T, f fixture) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "tiles")
	local := sink.NewLocal(dir)
	ctx := context.Background()

	_, err := NewWriter(local, Options{Logger: quiet()}).WriteAll(ctx, f.ds, f.grid, f.alloc)
	require.NoError(t, err)

	m := manifest.Build(f.grid, []lod.Level{{Level: 0, Fraction: 0.5}, {Level: 1, Fraction: 1}},
		f.ds.Classes, f.ds.Genes, f.ds.Len())
	require.NoError(t, manifest.Write(ctx, local, m))
	return dir
}

func TestInspect(t *testing.T) {
	dir := writeFixtureDir(t, newFixture(t))

	r, err := Inspect(dir)
	require.NoError(t, err)
	assert.True(t, r.OK(), "problems: %v", r.Problems)
	require.Len(t, r.Levels, 2)
	assert.Equal(t, 3, r.Levels[0].Records)
	assert.Equal(t, 4, r.Levels[1].Records)
	assert.Equal(t, 4, r.Manifest.TotalCells)
}

func TestInspect_DetectsProblems(t *testing.T) {
	dir := writeFixtureDir(t, newFixture(t))

	// A level-1 tile losing records, and a record without genes.
	require.NoError(t, os.Remove(filepath.Join(dir, "1", "1_0.json")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0", "1_1.json"),
		[]byte(`[{"x":1,"y":1,"class":"Glia","age":-1,"region":"Unknown","mito":0}]`), 0o644))

	r, err := Inspect(dir)
	require.NoError(t, err)
	assert.False(t, r.OK())
	assert.Len(t, r.Problems, 2)
}

func TestInspect_MissingManifest(t *testing.T) {
	_, err := Inspect(t.TempDir())
	assert.Error(t, err)
}
