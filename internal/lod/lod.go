// Package lod partitions each grid cell's population across cumulative detail levels.
//
// Levels are processed in order. At each level every grid cell draws a sample
// of its still unclaimed members; drawn members take that level as their
// minimum visible level and leave the pool. Members left over after the last
// level are never emitted.
package lod

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/RoaringBitmap/roaring/v2"
)

// Unassigned is the level of a cell that no level claimed.
const Unassigned = -1

// ErrInvalidLevels indicates a malformed level configuration.
var ErrInvalidLevels = errors.New("invalid level configuration")

// Level is one detail level and the fraction of the remaining pool it claims.
type Level struct {
	Level    int     `json:"level"`
	Fraction float64 `json:"fraction"`
}

// ValidateLevels checks that levels are numbered 0..n-1 in order with
// fractions in (0, 1].
func ValidateLevels(levels []Level) error {
	if len(levels) == 0 {
		return fmt.Errorf("%w: no levels", ErrInvalidLevels)
	}
	for i, l := range levels {
		if l.Level != i {
			return fmt.Errorf("%w: level at position %d is numbered %d", ErrInvalidLevels, i, l.Level)
		}
		if math.IsNaN(l.Fraction) || l.Fraction <= 0 || l.Fraction > 1 {
			return fmt.Errorf("%w: level %d fraction %v outside (0, 1]", ErrInvalidLevels, i, l.Fraction)
		}
	}
	return nil
}

// SampleSize returns how many of remaining members a level with fraction f
// claims: max(1, floor(remaining·f)), or all of them when f ≥ 1 or the target
// reaches remaining.
func SampleSize(remaining int, f float64) int {
	if f >= 1 || remaining == 0 {
		return remaining
	}
	target := int(math.Floor(float64(remaining) * f))
	if target < 1 {
		target = 1
	}
	if target >= remaining {
		return remaining
	}
	return target
}

// Draw picks k members uniformly without replacement with a partial
// Fisher–Yates shuffle. members is reordered in place; the sample is its
// prefix.
func Draw(members []uint32, k int, rng *rand.Rand) []uint32 {
	n := len(members)
	if k >= n {
		return members
	}
	for i := 0; i < k; i++ {
		j := i + rng.IntN(n-i)
		members[i], members[j] = members[j], members[i]
	}
	return members[:k]
}

// Pools groups cell ids by grid cell. cells[i] is the grid cell of cell i or
// a negative value for cells outside the grid.
func Pools(cells []int32, numGridCells int) ([]*roaring.Bitmap, error) {
	pools := make([]*roaring.Bitmap, numGridCells)
	for i := range pools {
		pools[i] = roaring.New()
	}
	for i, id := range cells {
		if id < 0 {
			continue
		}
		if int(id) >= numGridCells {
			return nil, fmt.Errorf("cell %d assigned to grid cell %d outside [0, %d)", i, id, numGridCells)
		}
		pools[id].Add(uint32(i))
	}
	return pools, nil
}

// Allocation is the result of assigning cells to levels.
type Allocation struct {
	// CellLevels[i] is the minimum level of cell i, or Unassigned.
	CellLevels []int
	// Claims[L][id] holds the cells first claimed at level L in grid cell id.
	Claims [][]*roaring.Bitmap
	// Claimed[L] counts cells claimed at level L.
	Claimed []int
	// Unclaimed counts gridded cells left without a level.
	Unclaimed int
}

// NumGridCells returns the number of grid cells the allocation covers.
func (a *Allocation) NumGridCells() int {
	if len(a.Claims) == 0 {
		return 0
	}
	return len(a.Claims[0])
}

func newAllocation(numCells, numGridCells, numLevels int) *Allocation {
	a := &Allocation{
		CellLevels: make([]int, numCells),
		Claims:     make([][]*roaring.Bitmap, numLevels),
		Claimed:    make([]int, numLevels),
	}
	for i := range a.CellLevels {
		a.CellLevels[i] = Unassigned
	}
	for l := range a.Claims {
		a.Claims[l] = make([]*roaring.Bitmap, numGridCells)
	}
	return a
}

// claim draws one level's sample from pool and records it.
func (a *Allocation) claim(level int, fraction float64, id int, pool *roaring.Bitmap, rng *rand.Rand) {
	remaining := int(pool.GetCardinality())
	k := SampleSize(remaining, fraction)

	var claimed *roaring.Bitmap
	if k == remaining {
		claimed = pool.Clone()
		pool.Clear()
	} else {
		claimed = roaring.BitmapOf(Draw(pool.ToArray(), k, rng)...)
		pool.AndNot(claimed)
	}
	a.Claims[level][id] = claimed

	it := claimed.Iterator()
	for it.HasNext() {
		a.CellLevels[it.Next()] = level
	}
}

func (a *Allocation) finish(pools []*roaring.Bitmap) {
	for l := range a.Claims {
		for id, c := range a.Claims[l] {
			if c == nil {
				a.Claims[l][id] = roaring.New()
				continue
			}
			a.Claimed[l] += int(c.GetCardinality())
		}
	}
	for _, p := range pools {
		a.Unclaimed += int(p.GetCardinality())
	}
}
