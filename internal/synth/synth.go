// Package synth writes synthetic single-cell stores with the atlas layout.
package synth

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"github.com/soma-tiles/lodtiles/internal/data/zarr"
)

// Options controls the generated dataset.
type Options struct {
	Cells    int
	Clusters int
	// Genes is the gene vocabulary written to the store.
	Genes []string
	Seed  uint64
	// ChunkRows is the row chunk length of every per-cell array.
	ChunkRows int
	// MissingAgeRate is the fraction of cells written with a NaN age.
	MissingAgeRate float64
	// Compressor is the chunk codec: "zstd", "gzip" or "".
	Compressor string
}

// DefaultOptions returns a small dataset. The vocabulary leaves out MKI67 so
// the default marker list exercises the missing-gene path.
func DefaultOptions() Options {
	return Options{
		Cells:    20000,
		Clusters: 24,
		Genes: []string{
			"SOX2", "NES", "EOMES", "DCX", "STMN2", "GAD1", "GAD2",
			"MBP", "AQP4", "PDGFRA", "VIM", "GAPDH", "ACTB",
		},
		Seed:           42,
		ChunkRows:      4096,
		MissingAgeRate: 0.1,
		Compressor:     "zstd",
	}
}

var (
	classNames = []string{
		"Radial glia", "Neuroblast", "Neuron", "Glioblast",
		"Oligodendrocyte", "Fibroblast", "Vascular", "Immune",
	}
	regionNames = []string{"Forebrain", "Midbrain", "Hindbrain", "Cerebellum", "Head", ""}
)

type arrayWrite struct {
	name string
	fn   func() error
}

// Summary describes what Generate wrote.
type Summary struct {
	Path     string
	Cells    int
	Clusters int
	Classes  int
	Genes    []string
}

// ClusterID returns the id of cluster k. Ids are deliberately not dense.
func ClusterID(k int) int64 {
	return int64(100 + 7*k)
}

// Generate writes a Zarr v3 group at groupPath. Each cluster is a gaussian
// blob in the embedding with its own class and expression profile.
func Generate(groupPath string, opts Options) (*Summary, error) {
	if opts.Cells <= 0 || opts.Clusters <= 0 {
		return nil, fmt.Errorf("cells and clusters must be positive, got %d and %d", opts.Cells, opts.Clusters)
	}
	if opts.ChunkRows <= 0 {
		opts.ChunkRows = opts.Cells
	}
	if err := os.MkdirAll(groupPath, 0o755); err != nil {
		return nil, err
	}
	if err := zarr.CreateGroup(groupPath); err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5eed))
	n, k, nGenes := opts.Cells, opts.Clusters, len(opts.Genes)

	// Per-cluster tables.
	centers := make([][2]float64, k)
	spread := make([]float64, k)
	ids := make([]float64, k)
	classes := make([]string, k)
	profiles := make([][]float64, k)
	for c := 0; c < k; c++ {
		angle := 2 * math.Pi * float64(c) / float64(k)
		radius := 6 + 6*rng.Float64()
		centers[c] = [2]float64{radius * math.Cos(angle), radius * math.Sin(angle)}
		spread[c] = 0.6 + rng.Float64()
		ids[c] = float64(ClusterID(c))
		classes[c] = classNames[c%len(classNames)]
		profiles[c] = make([]float64, nGenes)
		for g := range profiles[c] {
			if rng.Float64() < 0.3 {
				profiles[c][g] = 1 + 3*rng.Float64()
			}
		}
	}

	// Per-cell columns.
	embedding := make([]float64, 2*n)
	clusters := make([]float64, n)
	ages := make([]float64, n)
	regions := make([]string, n)
	mito := make([]float64, n)
	expression := make([]float64, n*nGenes)
	for i := 0; i < n; i++ {
		c := rng.IntN(k)
		clusters[i] = ids[c]
		embedding[2*i] = centers[c][0] + rng.NormFloat64()*spread[c]
		embedding[2*i+1] = centers[c][1] + rng.NormFloat64()*spread[c]

		if rng.Float64() < opts.MissingAgeRate {
			ages[i] = math.NaN()
		} else {
			ages[i] = 5 + 9*rng.Float64()
		}
		regions[i] = regionNames[rng.IntN(len(regionNames))]
		mito[i] = 0.1 * rng.Float64()

		for g := 0; g < nGenes; g++ {
			v := profiles[c][g] + 0.5*rng.NormFloat64()
			if v < 0 {
				v = 0
			}
			expression[i*nGenes+g] = v
		}
	}

	rows := min(opts.ChunkRows, n)
	comp := opts.Compressor
	writes := []arrayWrite{
		{"Embedding", func() error {
			return zarr.WriteNumeric(groupPath, "Embedding", embedding, zarr.ArraySpec{
				Shape: []int{n, 2}, Chunks: []int{rows, 2}, DataType: "float32", Compressor: comp})
		}},
		{"Clusters", func() error {
			return zarr.WriteNumeric(groupPath, "Clusters", clusters, zarr.ArraySpec{
				Shape: []int{n}, Chunks: []int{rows}, DataType: "uint32", Compressor: comp})
		}},
		{"ClusterID", func() error {
			return zarr.WriteNumeric(groupPath, "ClusterID", ids, zarr.ArraySpec{
				Shape: []int{k}, Chunks: []int{k}, DataType: "uint32", Compressor: comp})
		}},
		{"Class", func() error {
			return zarr.WriteStrings(groupPath, "Class", classes, zarr.ArraySpec{
				Shape: []int{k}, Chunks: []int{k}, Compressor: comp})
		}},
		{"Age", func() error {
			return zarr.WriteNumeric(groupPath, "Age", ages, zarr.ArraySpec{
				Shape: []int{n}, Chunks: []int{rows}, DataType: "float32", Compressor: comp})
		}},
		{"Region", func() error {
			return zarr.WriteStrings(groupPath, "Region", regions, zarr.ArraySpec{
				Shape: []int{n}, Chunks: []int{rows}, Compressor: comp})
		}},
		{"MitoFraction", func() error {
			return zarr.WriteNumeric(groupPath, "MitoFraction", mito, zarr.ArraySpec{
				Shape: []int{n}, Chunks: []int{rows}, DataType: "float32", Compressor: comp})
		}},
	}
	if nGenes > 0 {
		writes = append(writes,
			arrayWrite{"Gene", func() error {
				return zarr.WriteStrings(groupPath, "Gene", opts.Genes, zarr.ArraySpec{
					Shape: []int{nGenes}, Chunks: []int{nGenes}, Compressor: comp})
			}},
			arrayWrite{"Expression", func() error {
				return zarr.WriteNumeric(groupPath, "Expression", expression, zarr.ArraySpec{
					Shape: []int{n, nGenes}, Chunks: []int{rows, min(nGenes, 4)}, DataType: "float32", Compressor: comp})
			}},
		)
	}

	for _, w := range writes {
		if err := w.fn(); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", w.name, err)
		}
	}

	distinct := make(map[string]bool)
	for _, c := range classes {
		distinct[c] = true
	}
	return &Summary{
		Path:     groupPath,
		Cells:    n,
		Clusters: k,
		Classes:  len(distinct),
		Genes:    append([]string(nil), opts.Genes...),
	}, nil
}
