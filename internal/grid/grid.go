// Package grid assigns embedding positions to cells of a fixed G×G grid.
package grid

import (
	"errors"
	"fmt"
	"math"
)

// DefaultPadding is the fraction of each axis range added on both sides of the bounds.
const DefaultPadding = 0.01

var (
	// ErrDegenerateBounds indicates an axis with zero range.
	ErrDegenerateBounds = errors.New("degenerate bounds")
	// ErrNoPositions indicates there is no finite position to bound.
	ErrNoPositions = errors.New("no finite positions")
)

// Bounds is the padded bounding box of all positions.
type Bounds struct {
	XMin float64
	XMax float64
	YMin float64
	YMax float64
}

// ComputeBounds returns [min − pad·range, max + pad·range] per axis over the
// finite positions. Non-finite positions are ignored.
func ComputeBounds(xs, ys []float64, pad float64) (Bounds, error) {
	if len(xs) != len(ys) {
		return Bounds{}, fmt.Errorf("position length mismatch: %d x vs %d y", len(xs), len(ys))
	}

	xMin, xMax := math.Inf(1), math.Inf(-1)
	yMin, yMax := math.Inf(1), math.Inf(-1)
	found := false
	for i := range xs {
		x, y := xs[i], ys[i]
		if !finite(x) || !finite(y) {
			continue
		}
		found = true
		xMin, xMax = math.Min(xMin, x), math.Max(xMax, x)
		yMin, yMax = math.Min(yMin, y), math.Max(yMax, y)
	}
	if !found {
		return Bounds{}, ErrNoPositions
	}

	xRange, yRange := xMax-xMin, yMax-yMin
	if xRange == 0 || yRange == 0 {
		return Bounds{}, fmt.Errorf("%w: x=[%g, %g] y=[%g, %g]", ErrDegenerateBounds, xMin, xMax, yMin, yMax)
	}

	b := Bounds{
		XMin: xMin - xRange*pad,
		XMax: xMax + xRange*pad,
		YMin: yMin - yRange*pad,
		YMax: yMax + yRange*pad,
	}
	// Ranges near the float64 limit overflow to ±Inf and would put every
	// cell in a NaN tile.
	if !finite(b.XMax-b.XMin) || !finite(b.YMax-b.YMin) {
		return Bounds{}, fmt.Errorf("%w: range overflows float64: x=[%g, %g] y=[%g, %g]", ErrDegenerateBounds, xMin, xMax, yMin, yMax)
	}
	return b, nil
}

// Grid is a Size×Size partition of Bounds.
type Grid struct {
	Bounds Bounds
	Size   int
}

// New validates the grid parameters.
func New(b Bounds, size int) (*Grid, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid grid size: %d", size)
	}
	if !(b.XMax > b.XMin) || !(b.YMax > b.YMin) {
		return nil, fmt.Errorf("%w: %+v", ErrDegenerateBounds, b)
	}
	return &Grid{Bounds: b, Size: size}, nil
}

// NumCells returns Size².
func (g *Grid) NumCells() int {
	return g.Size * g.Size
}

// Locate maps a position to its grid cell. Positions outside the bounds clamp
// to the nearest edge cell. ok is false for non-finite positions.
func (g *Grid) Locate(x, y float64) (tx, ty int, ok bool) {
	if !finite(x) || !finite(y) {
		return 0, 0, false
	}
	tx = g.axisIndex(x, g.Bounds.XMin, g.Bounds.XMax)
	ty = g.axisIndex(y, g.Bounds.YMin, g.Bounds.YMax)
	return tx, ty, true
}

func (g *Grid) axisIndex(v, lo, hi float64) int {
	norm := (v - lo) / (hi - lo) * float64(g.Size)
	// Clamp in float space first so the int conversion cannot overflow.
	if norm < 0 {
		return 0
	}
	if norm >= float64(g.Size) {
		return g.Size - 1
	}
	return int(norm)
}

// Index returns the linear id tx·Size + ty.
func (g *Grid) Index(tx, ty int) int {
	return tx*g.Size + ty
}

// Coords is the inverse of Index.
func (g *Grid) Coords(id int) (tx, ty int) {
	return id / g.Size, id % g.Size
}

// NoCell marks a cell without a grid assignment.
const NoCell = -1

// Assignment holds the per-cell grid cell ids.
type Assignment struct {
	// Cells[i] is the linear grid cell id of cell i, or NoCell.
	Cells []int32
	// Skipped counts cells with non-finite positions.
	Skipped int
}

// Assign locates every cell.
func (g *Grid) Assign(xs, ys []float64) (*Assignment, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("position length mismatch: %d x vs %d y", len(xs), len(ys))
	}
	a := &Assignment{Cells: make([]int32, len(xs))}
	for i := range xs {
		tx, ty, ok := g.Locate(xs[i], ys[i])
		if !ok {
			a.Cells[i] = NoCell
			a.Skipped++
			continue
		}
		a.Cells[i] = int32(g.Index(tx, ty))
	}
	return a, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
