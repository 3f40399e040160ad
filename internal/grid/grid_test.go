package grid

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBounds(t *testing.T) {
	b, err := ComputeBounds([]float64{0, 10, 5}, []float64{-2, 2, 0}, 0.01)
	require.NoError(t, err)

	assert.InDelta(t, -0.1, b.XMin, 1e-12)
	assert.InDelta(t, 10.1, b.XMax, 1e-12)
	assert.InDelta(t, -2.04, b.YMin, 1e-12)
	assert.InDelta(t, 2.04, b.YMax, 1e-12)
}

func TestComputeBounds_IgnoresNonFinite(t *testing.T) {
	b, err := ComputeBounds(
		[]float64{0, math.NaN(), 1, math.Inf(1)},
		[]float64{0, 5, 1, 0},
		0,
	)
	require.NoError(t, err)
	assert.Equal(t, Bounds{XMin: 0, XMax: 1, YMin: 0, YMax: 1}, b)
}

func TestComputeBounds_Errors(t *testing.T) {
	_, err := ComputeBounds([]float64{3, 3, 3}, []float64{0, 1, 2}, 0.01)
	assert.True(t, errors.Is(err, ErrDegenerateBounds))

	_, err = ComputeBounds([]float64{0, 1}, []float64{4, 4}, 0.01)
	assert.True(t, errors.Is(err, ErrDegenerateBounds))

	_, err = ComputeBounds([]float64{math.NaN()}, []float64{1}, 0.01)
	assert.True(t, errors.Is(err, ErrNoPositions))

	_, err = ComputeBounds(nil, nil, 0.01)
	assert.True(t, errors.Is(err, ErrNoPositions))

	_, err = ComputeBounds([]float64{1}, nil, 0.01)
	assert.Error(t, err)
}

func TestComputeBounds_RangeOverflow(t *testing.T) {
	_, err := ComputeBounds([]float64{-1e308, 0, 1e308}, []float64{0, 1, 2}, 0.01)
	assert.ErrorIs(t, err, ErrDegenerateBounds)

	// Raw range fits, padded range does not.
	_, err = ComputeBounds([]float64{0, 1, 2}, []float64{-8e307, 8e307, 0}, 0.1)
	assert.ErrorIs(t, err, ErrDegenerateBounds)

	b, err := ComputeBounds([]float64{-1e307, 1e307}, []float64{0, 1}, 0.01)
	require.NoError(t, err)
	assert.False(t, math.IsInf(b.XMax-b.XMin, 0))
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Bounds{XMin: 0, XMax: 1, YMin: 0, YMax: 1}, 0)
	assert.Error(t, err)

	_, err = New(Bounds{XMin: 1, XMax: 1, YMin: 0, YMax: 1}, 4)
	assert.True(t, errors.Is(err, ErrDegenerateBounds))
}

func TestLocate(t *testing.T) {
	g, err := New(Bounds{XMin: 0, XMax: 8, YMin: -4, YMax: 4}, 8)
	require.NoError(t, err)

	tests := []struct {
		name   string
		x, y   float64
		tx, ty int
	}{
		{"origin corner", 0, -4, 0, 0},
		{"interior", 3.5, 0.5, 3, 4},
		{"max edge clamps", 8, 4, 7, 7},
		{"below min clamps", -100, -100, 0, 0},
		{"above max clamps", 1e300, 1e300, 7, 7},
		{"just below max", 7.999999, 3.999999, 7, 7},
		{"cell boundary", 1, -3, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, ty, ok := g.Locate(tt.x, tt.y)
			require.True(t, ok)
			assert.Equal(t, tt.tx, tx)
			assert.Equal(t, tt.ty, ty)
		})
	}

	_, _, ok := g.Locate(math.NaN(), 0)
	assert.False(t, ok)
	_, _, ok = g.Locate(0, math.Inf(-1))
	assert.False(t, ok)
}

func TestIndexCoords(t *testing.T) {
	g := &Grid{Size: 5}
	for tx := 0; tx < 5; tx++ {
		for ty := 0; ty < 5; ty++ {
			id := g.Index(tx, ty)
			assert.Equal(t, tx*5+ty, id)
			gx, gy := g.Coords(id)
			assert.Equal(t, tx, gx)
			assert.Equal(t, ty, gy)
		}
	}
	assert.Equal(t, 25, g.NumCells())
}

// Every finite position, including ones exactly on the padded boundary, gets
// exactly one in-range cell.
func TestAssign_Completeness(t *testing.T) {
	xs := []float64{0, 1, 0.5, 0.25, math.NaN(), 1}
	ys := []float64{0, 1, 0.5, 0.75, 0.5, 0}

	b, err := ComputeBounds(xs, ys, 0.01)
	require.NoError(t, err)
	g, err := New(b, 4)
	require.NoError(t, err)

	boundaryX := []float64{b.XMin, b.XMax}
	boundaryY := []float64{b.YMin, b.YMax}
	xs = append(xs, boundaryX...)
	ys = append(ys, boundaryY...)

	a, err := g.Assign(xs, ys)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Skipped)
	assert.Equal(t, int32(NoCell), a.Cells[4])

	for i, id := range a.Cells {
		if i == 4 {
			continue
		}
		assert.GreaterOrEqual(t, id, int32(0))
		assert.Less(t, id, int32(g.NumCells()))
	}

	// Bounds endpoints land on the corner cells.
	assert.Equal(t, int32(g.Index(0, 0)), a.Cells[6])
	assert.Equal(t, int32(g.Index(3, 3)), a.Cells[7])
	assert.Equal(t, int32(g.Index(3, 0)), a.Cells[5])
}
