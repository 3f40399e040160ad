package lod

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleSize(t *testing.T) {
	tests := []struct {
		remaining int
		fraction  float64
		want      int
	}{
		{0, 0.5, 0},
		{1, 0.01, 1},
		{25, 0.5, 12},
		{26, 0.5, 13},
		{100, 0.015, 1},
		{1000, 0.25, 250},
		{10, 1.0, 10},
		{3, 0.99, 2},
		{2, 0.99, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SampleSize(tt.remaining, tt.fraction), "SampleSize(%d, %v)", tt.remaining, tt.fraction)
	}
}

func TestValidateLevels(t *testing.T) {
	assert.NoError(t, ValidateLevels([]Level{{0, 0.5}, {1, 1}}))

	bad := [][]Level{
		nil,
		{{1, 0.5}},
		{{0, 0.5}, {2, 0.5}},
		{{0, 0}},
		{{0, 1.5}},
		{{0, -0.1}},
	}
	for _, levels := range bad {
		err := ValidateLevels(levels)
		assert.True(t, errors.Is(err, ErrInvalidLevels), "levels %v", levels)
	}
}

func TestDraw(t *testing.T) {
	members := []uint32{1, 3, 5, 7, 9, 11}
	got := Draw(slices.Clone(members), 3, NewRand(1))
	require.Len(t, got, 3)

	seen := map[uint32]bool{}
	for _, m := range got {
		assert.Contains(t, members, m)
		assert.False(t, seen[m], "duplicate %d", m)
		seen[m] = true
	}

	again := Draw(slices.Clone(members), 3, NewRand(1))
	assert.Equal(t, got, again)

	all := Draw(slices.Clone(members), 10, NewRand(1))
	assert.Equal(t, members, all)
}

func TestPools(t *testing.T) {
	pools, err := Pools([]int32{0, 2, -1, 2, 0}, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 4}, pools[0].ToArray())
	assert.True(t, pools[1].IsEmpty())
	assert.Equal(t, []uint32{1, 3}, pools[2].ToArray())

	_, err = Pools([]int32{4}, 4)
	assert.Error(t, err)
}

// uniformCells spreads n cells evenly over a g×g grid.
func uniformCells(n, g int) []int32 {
	cells := make([]int32, n)
	for i := range cells {
		cells[i] = int32(i % (g * g))
	}
	return cells
}

func checkNoDuplication(t *testing.T, a *Allocation, cells []int32) {
	t.Helper()
	owner := make(map[uint32]int)
	for l := range a.Claims {
		for id, claim := range a.Claims[l] {
			it := claim.Iterator()
			for it.HasNext() {
				c := it.Next()
				prev, dup := owner[c]
				require.False(t, dup, "cell %d claimed at levels %d and %d", c, prev, l)
				owner[c] = l
				assert.Equal(t, int32(id), cells[c], "cell %d claimed outside its grid cell", c)
				assert.Equal(t, l, a.CellLevels[c])
			}
		}
	}
	for i, lvl := range a.CellLevels {
		if lvl == Unassigned {
			_, claimed := owner[uint32(i)]
			assert.False(t, claimed)
		}
	}
}

func TestAllocate_ExampleScenario(t *testing.T) {
	// 100 cells over a 2×2 grid, levels [0.5, 1.0].
	cells := uniformCells(100, 2)
	levels := []Level{{0, 0.5}, {1, 1.0}}

	a, err := Allocate(context.Background(), cells, 4, levels, NewRand(42))
	require.NoError(t, err)

	for id := 0; id < 4; id++ {
		assert.EqualValues(t, 12, a.Claims[0][id].GetCardinality())
		assert.EqualValues(t, 13, a.Claims[1][id].GetCardinality())
	}
	assert.Equal(t, []int{48, 52}, a.Claimed)
	assert.Equal(t, 0, a.Unclaimed)
	checkNoDuplication(t, a, cells)
}

func TestAllocate_SingleMemberAlwaysClaimed(t *testing.T) {
	cells := []int32{3}
	a, err := Allocate(context.Background(), cells, 4, []Level{{0, 0.001}, {1, 0.5}}, NewRand(7))
	require.NoError(t, err)
	assert.Equal(t, []int{0}, a.CellLevels)
	assert.Equal(t, []int{1, 0}, a.Claimed)
}

func TestAllocate_RemainderStaysUnclaimed(t *testing.T) {
	cells := uniformCells(1000, 1)
	a, err := Allocate(context.Background(), cells, 1, []Level{{0, 0.1}, {1, 0.1}}, NewRand(42))
	require.NoError(t, err)

	// 100 of 1000, then 90 of the remaining 900.
	assert.Equal(t, []int{100, 90}, a.Claimed)
	assert.Equal(t, 810, a.Unclaimed)
	checkNoDuplication(t, a, cells)
}

func TestAllocate_SkipsCellsOutsideGrid(t *testing.T) {
	cells := []int32{0, -1, 0, -1}
	a, err := Allocate(context.Background(), cells, 1, []Level{{0, 1}}, NewRand(1))
	require.NoError(t, err)
	assert.Equal(t, []int{0, Unassigned, 0, Unassigned}, a.CellLevels)
	assert.Equal(t, 0, a.Unclaimed)
}

func TestAllocate_Deterministic(t *testing.T) {
	cells := uniformCells(5000, 4)
	levels := []Level{{0, 0.015}, {1, 0.005}, {2, 0.022}, {3, 0.043}, {4, 0.18}}

	a1, err := Allocate(context.Background(), cells, 16, levels, NewRand(42))
	require.NoError(t, err)
	a2, err := Allocate(context.Background(), cells, 16, levels, NewRand(42))
	require.NoError(t, err)
	assert.Equal(t, a1.CellLevels, a2.CellLevels)

	a3, err := Allocate(context.Background(), cells, 16, levels, NewRand(43))
	require.NoError(t, err)
	assert.NotEqual(t, a1.CellLevels, a3.CellLevels)
	assert.Equal(t, a1.Claimed, a3.Claimed, "sample sizes do not depend on the seed")

	checkNoDuplication(t, a1, cells)
}

func TestAllocate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Allocate(ctx, uniformCells(10, 1), 1, []Level{{0, 0.5}}, NewRand(1))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAllocate_NilGenerator(t *testing.T) {
	_, err := Allocate(context.Background(), uniformCells(10, 1), 1, []Level{{0, 0.5}}, nil)
	assert.Error(t, err)
}

func TestSubstreamSeed(t *testing.T) {
	s := SubstreamSeed(42, 0, 1, 2)
	assert.Equal(t, s, SubstreamSeed(42, 0, 1, 2))
	assert.NotEqual(t, s, SubstreamSeed(43, 0, 1, 2))
	assert.NotEqual(t, s, SubstreamSeed(42, 1, 1, 2))
	assert.NotEqual(t, s, SubstreamSeed(42, 0, 2, 1))
}

func TestAllocateSubstreams_IndependentOfWorkers(t *testing.T) {
	cells := uniformCells(4000, 3)
	levels := []Level{{0, 0.05}, {1, 0.2}, {2, 0.5}}

	serial, err := AllocateSubstreams(context.Background(), cells, 3, levels, 42, 1)
	require.NoError(t, err)
	parallel, err := AllocateSubstreams(context.Background(), cells, 3, levels, 42, 8)
	require.NoError(t, err)

	assert.Equal(t, serial.CellLevels, parallel.CellLevels)
	assert.Equal(t, serial.Claimed, parallel.Claimed)
	assert.Equal(t, serial.Unclaimed, parallel.Unclaimed)
	checkNoDuplication(t, parallel, cells)

	// Same sample sizes as the sequential strategy.
	seq, err := Allocate(context.Background(), cells, 9, levels, NewRand(42))
	require.NoError(t, err)
	assert.Equal(t, seq.Claimed, parallel.Claimed)
}

func TestAllocateSubstreams_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := AllocateSubstreams(ctx, uniformCells(100, 2), 2, []Level{{0, 0.5}}, 1, 2)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewRand_Reproducible(t *testing.T) {
	r1, r2 := NewRand(9), NewRand(9)
	for i := 0; i < 10; i++ {
		assert.Equal(t, r1.Uint64(), r2.Uint64())
	}
}
