package tiles

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/soma-tiles/lodtiles/internal/manifest"
)

// Report describes a generated tile directory.
type Report struct {
	Manifest *manifest.Manifest
	Levels   []LevelStats
	// Problems lists every broken expectation: a tile with fewer records than
	// the same grid cell at a lower level, a record missing a manifest gene,
	// or a class absent from the manifest.
	Problems []string
}

// OK reports whether no problems were found.
func (r *Report) OK() bool {
	return len(r.Problems) == 0
}

// Inspect reads back the manifest and every tile of a local output directory.
func Inspect(dir string) (*Report, error) {
	m, err := manifest.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	classes := make(map[string]bool, len(m.Classes))
	for _, c := range m.Classes {
		classes[c] = true
	}

	r := &Report{Manifest: m}
	prev := make([]int, m.GridSize*m.GridSize)
	for level := 0; level < m.Levels; level++ {
		ls := LevelStats{Level: level}
		for tx := 0; tx < m.GridSize; tx++ {
			for ty := 0; ty < m.GridSize; ty++ {
				name := TilePath(level, tx, ty)
				records, size, err := readTile(filepath.Join(dir, filepath.FromSlash(name)))
				if err != nil {
					return nil, err
				}

				id := tx*m.GridSize + ty
				if len(records) < prev[id] {
					r.Problems = append(r.Problems, fmt.Sprintf(
						"%s has %d records, fewer than %d at level %d", name, len(records), prev[id], level-1))
				}
				prev[id] = len(records)
				r.checkRecords(name, records, m.Genes, classes)

				if len(records) > 0 {
					ls.Tiles++
					ls.Records += len(records)
					ls.Bytes += size
				}
			}
		}
		r.Levels = append(r.Levels, ls)
	}
	return r, nil
}

// checkRecords reports the first offending record of a tile only.
func (r *Report) checkRecords(name string, records []map[string]json.RawMessage, genes []string, classes map[string]bool) {
	for i, rec := range records {
		for _, g := range genes {
			if _, ok := rec[g]; !ok {
				r.Problems = append(r.Problems, fmt.Sprintf("%s record %d lacks gene %s", name, i, g))
				return
			}
		}
		var class string
		if err := json.Unmarshal(rec["class"], &class); err != nil || !classes[class] {
			r.Problems = append(r.Problems, fmt.Sprintf("%s record %d has class %s not in manifest", name, i, rec["class"]))
			return
		}
	}
}

// readTile returns the records of a tile file, or none when it does not exist.
func readTile(path string) ([]map[string]json.RawMessage, int64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var records []map[string]json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return records, int64(len(data)), nil
}
