package lod

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// streamSeq is the PCG increment shared by every generator this package creates.
const streamSeq = 0x9e3779b97f4a7c15

// NewRand returns the generator Allocate expects for a run seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, streamSeq))
}

// Allocate assigns levels with a single generator. Draws are taken level-major,
// then by grid cell id ascending (tx outer, ty inner), so the same generator
// state and input always produce the same allocation.
func Allocate(ctx context.Context, cells []int32, numGridCells int, levels []Level, rng *rand.Rand) (*Allocation, error) {
	if err := ValidateLevels(levels); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, fmt.Errorf("allocate: nil generator")
	}
	pools, err := Pools(cells, numGridCells)
	if err != nil {
		return nil, err
	}

	a := newAllocation(len(cells), numGridCells, len(levels))
	for _, lvl := range levels {
		for id, pool := range pools {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if pool.IsEmpty() {
				continue
			}
			a.claim(lvl.Level, lvl.Fraction, id, pool, rng)
		}
	}
	a.finish(pools)
	return a, nil
}

// SubstreamSeed derives the generator seed for one (level, grid cell) draw.
func SubstreamSeed(seed uint64, level, tx, ty int) uint64 {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], seed)
	binary.LittleEndian.PutUint64(buf[8:], uint64(level))
	binary.LittleEndian.PutUint64(buf[16:], uint64(tx))
	binary.LittleEndian.PutUint64(buf[24:], uint64(ty))
	return xxhash.Sum64(buf[:])
}

// AllocateSubstreams assigns levels with grid cells processed concurrently.
// Every (level, grid cell) draw uses its own generator seeded by
// SubstreamSeed, so the result does not depend on scheduling or on workers.
// gridSize is the grid resolution G; numGridCells is G².
func AllocateSubstreams(ctx context.Context, cells []int32, gridSize int, levels []Level, seed uint64, workers int) (*Allocation, error) {
	if err := ValidateLevels(levels); err != nil {
		return nil, err
	}
	if gridSize <= 0 {
		return nil, fmt.Errorf("invalid grid size: %d", gridSize)
	}
	numGridCells := gridSize * gridSize
	pools, err := Pools(cells, numGridCells)
	if err != nil {
		return nil, err
	}

	a := newAllocation(len(cells), numGridCells, len(levels))

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for id, pool := range pools {
		if pool.IsEmpty() {
			continue
		}
		tx, ty := id/gridSize, id%gridSize
		g.Go(func() error {
			return a.drainCell(ctx, id, tx, ty, pool, levels, seed)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a.finish(pools)
	return a, nil
}

// drainCell runs every level for one grid cell. Distinct grid cells touch
// disjoint entries of a, so no locking is needed.
func (a *Allocation) drainCell(ctx context.Context, id, tx, ty int, pool *roaring.Bitmap, levels []Level, seed uint64) error {
	for _, lvl := range levels {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pool.IsEmpty() {
			return nil
		}
		rng := NewRand(SubstreamSeed(seed, lvl.Level, tx, ty))
		a.claim(lvl.Level, lvl.Fraction, id, pool, rng)
	}
	return nil
}
