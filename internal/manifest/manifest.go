// Package manifest builds the index a consumer uses to locate and interpret tiles.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/soma-tiles/lodtiles/internal/grid"
	"github.com/soma-tiles/lodtiles/internal/lod"
	"github.com/soma-tiles/lodtiles/internal/sink"
	"github.com/soma-tiles/lodtiles/pkg/colormap"
)

// FileName is the artifact name of the manifest.
const FileName = "manifest.json"

// Bounds is the padded embedding bounding box.
type Bounds struct {
	XMin float64 `json:"xMin"`
	XMax float64 `json:"xMax"`
	YMin float64 `json:"yMin"`
	YMax float64 `json:"yMax"`
}

// Manifest describes one run's tiles.
type Manifest struct {
	Bounds      Bounds      `json:"bounds"`
	GridSize    int         `json:"gridSize"`
	Levels      int         `json:"levels"`
	LevelConfig []lod.Level `json:"levelConfig"`
	Classes     []string    `json:"classes"`
	Genes       []string    `json:"genes"`
	TotalCells  int         `json:"totalCells"`

	// ClassColors maps each class to a #rrggbb color.
	ClassColors map[string]string `json:"classColors,omitempty"`
}

// Build assembles a manifest. classes must already be sorted and
// deduplicated; genes are the genes present in the records, in record order.
func Build(g *grid.Grid, levels []lod.Level, classes, genes []string, totalCells int) *Manifest {
	m := &Manifest{
		Bounds: Bounds{
			XMin: g.Bounds.XMin,
			XMax: g.Bounds.XMax,
			YMin: g.Bounds.YMin,
			YMax: g.Bounds.YMax,
		},
		GridSize:    g.Size,
		Levels:      len(levels),
		LevelConfig: append([]lod.Level{}, levels...),
		Classes:     append([]string{}, classes...),
		Genes:       append([]string{}, genes...),
		TotalCells:  totalCells,
	}
	return m
}

// AssignClassColors fills ClassColors from a palette, by class index.
func (m *Manifest) AssignClassColors(cm colormap.Colormap) {
	m.ClassColors = colormap.Assign(cm, m.Classes)
}

// Encode renders the manifest as JSON with 2-space indentation.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return data, nil
}

// Write encodes the manifest and stores it as FileName.
func Write(ctx context.Context, s sink.Sink, m *Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	if err := s.Put(ctx, FileName, data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Parse decodes a manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.GridSize <= 0 {
		return nil, fmt.Errorf("invalid manifest: gridSize %d", m.GridSize)
	}
	if m.Levels != len(m.LevelConfig) {
		return nil, fmt.Errorf("invalid manifest: levels %d but %d level configs", m.Levels, len(m.LevelConfig))
	}
	return &m, nil
}

// Load reads the manifest of a local tile directory.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
