// Package tiles serializes cumulative LOD tiles.
//
// The tile for (level, tx, ty) holds every cell of grid cell (tx, ty) whose
// minimum level is at most level, in ascending row order. Empty tiles are not
// written; a consumer treats a missing tile as empty.
package tiles

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/soma-tiles/lodtiles/internal/extract"
	"github.com/soma-tiles/lodtiles/internal/grid"
	"github.com/soma-tiles/lodtiles/internal/lod"
	"github.com/soma-tiles/lodtiles/internal/sink"
)

// GzipSuffix is appended to a tile name for its precompressed sibling.
const GzipSuffix = ".gz"

// TilePath returns the artifact name of a tile.
func TilePath(level, tx, ty int) string {
	return fmt.Sprintf("%d/%d_%d.json", level, tx, ty)
}

// LevelStats summarizes one level's output.
type LevelStats struct {
	Level   int
	Tiles   int
	Records int
	Bytes   int64
}

// Stats summarizes a WriteAll run.
type Stats struct {
	Levels   []LevelStats
	Bytes    int64 // including gzip siblings
	Files    int
	Duration time.Duration
}

// Records returns the total number of records over all tiles of all levels.
func (s *Stats) Records() int {
	n := 0
	for _, l := range s.Levels {
		n += l.Records
	}
	return n
}

// Options configures a Writer.
type Options struct {
	// Precompress writes a gzip sibling next to every tile.
	Precompress bool
	// Workers bounds concurrent tile writes within a level. Values below 2
	// write sequentially.
	Workers int
	Logger  *log.Logger
}

// Writer writes the tiles of one allocation.
type Writer struct {
	sink sink.Sink
	opts Options
}

// NewWriter creates a Writer that puts artifacts into s.
func NewWriter(s sink.Sink, opts Options) *Writer {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Writer{sink: s, opts: opts}
}

// WriteAll writes every non-empty tile, level-major then grid cell order.
// The first failure aborts the run; tiles already written are left in place.
func (w *Writer) WriteAll(ctx context.Context, ds *extract.Dataset, g *grid.Grid, alloc *lod.Allocation) (*Stats, error) {
	start := time.Now()
	numGridCells := g.NumCells()
	if alloc.NumGridCells() != numGridCells {
		return nil, fmt.Errorf("allocation covers %d grid cells, grid has %d", alloc.NumGridCells(), numGridCells)
	}

	enc := NewRecordEncoder(ds)
	cumulative := make([]*roaring.Bitmap, numGridCells)
	for i := range cumulative {
		cumulative[i] = roaring.New()
	}

	stats := &Stats{}
	for level, claims := range alloc.Claims {
		for id, claimed := range claims {
			cumulative[id].Or(claimed)
		}

		ls, err := w.writeLevel(ctx, enc, g, level, cumulative)
		if err != nil {
			return nil, err
		}
		w.opts.Logger.Info("level written",
			"level", level,
			"tiles", ls.Tiles,
			"records", ls.Records,
			"size", humanize.Bytes(uint64(ls.Bytes)))

		stats.Levels = append(stats.Levels, ls)
		stats.Bytes += ls.Bytes
	}

	for _, ls := range stats.Levels {
		stats.Files += ls.Tiles
	}
	if w.opts.Precompress {
		stats.Files *= 2
	}
	stats.Duration = time.Since(start)
	return stats, nil
}

func (w *Writer) writeLevel(ctx context.Context, enc *RecordEncoder, g *grid.Grid, level int, cumulative []*roaring.Bitmap) (LevelStats, error) {
	ls := LevelStats{Level: level}
	var records, written atomic.Int64
	var tiles atomic.Int32

	writeTile := func(ctx context.Context, id int) error {
		members := cumulative[id]
		if members.IsEmpty() {
			return nil
		}
		tx, ty := g.Coords(id)
		n, err := w.writeTile(ctx, enc, TilePath(level, tx, ty), members.ToArray())
		if err != nil {
			return err
		}
		tiles.Add(1)
		records.Add(int64(members.GetCardinality()))
		written.Add(n)
		return nil
	}

	if w.opts.Workers < 2 {
		for id := range cumulative {
			if err := ctx.Err(); err != nil {
				return ls, err
			}
			if err := writeTile(ctx, id); err != nil {
				return ls, err
			}
		}
	} else {
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(w.opts.Workers)
		for id := range cumulative {
			if egCtx.Err() != nil {
				break
			}
			eg.Go(func() error { return writeTile(egCtx, id) })
		}
		if err := eg.Wait(); err != nil {
			return ls, err
		}
		if err := ctx.Err(); err != nil {
			return ls, err
		}
	}

	ls.Tiles = int(tiles.Load())
	ls.Records = int(records.Load())
	ls.Bytes = written.Load()
	return ls, nil
}

// writeTile encodes and stores one tile, returning the bytes written.
func (w *Writer) writeTile(ctx context.Context, enc *RecordEncoder, name string, cells []uint32) (int64, error) {
	data := enc.AppendTile(make([]byte, 0, 128*len(cells)), cells)
	if err := w.sink.Put(ctx, name, data); err != nil {
		return 0, fmt.Errorf("failed to write tile %s: %w", name, err)
	}
	n := int64(len(data))

	if w.opts.Precompress {
		gz, err := Gzip(data)
		if err != nil {
			return 0, fmt.Errorf("failed to compress tile %s: %w", name, err)
		}
		if err := w.sink.Put(ctx, name+GzipSuffix, gz); err != nil {
			return 0, fmt.Errorf("failed to write tile %s%s: %w", name, GzipSuffix, err)
		}
		n += int64(len(gz))
	}
	return n, nil
}

// Gzip compresses data with a zero header timestamp, so equal input gives
// equal output.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
