// Package extract reads per-cell records from a columnar store.
package extract

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/charmbracelet/log"
)

var (
	// ErrMissingDataset indicates a required array is absent from the store.
	ErrMissingDataset = errors.New("required dataset missing")
	// ErrLengthMismatch indicates a per-cell column whose length differs from the cell count.
	ErrLengthMismatch = errors.New("column length mismatch")
)

// Store is read access to named arrays of a columnar store.
type Store interface {
	Has(name string) bool
	Shape(name string) ([]int, error)
	Float64s(name string) ([]float64, error)
	Int64s(name string) ([]int64, error)
	Strings(name string) ([]string, error)
	// Column returns one column of a 2D numeric array.
	Column(name string, col int) ([]float64, error)
}

// Names maps logical columns to array names in the store.
type Names struct {
	Embedding  string
	Age        string
	Region     string
	Mito       string
	Clusters   string
	ClusterIDs string
	Classes    string
	Genes      string
	Expression string
}

// DefaultNames are the array names used by the fetal brain atlas export.
var DefaultNames = Names{
	Embedding:  "Embedding",
	Age:        "Age",
	Region:     "Region",
	Mito:       "MitoFraction",
	Clusters:   "Clusters",
	ClusterIDs: "ClusterID",
	Classes:    "Class",
	Genes:      "Gene",
	Expression: "Expression",
}

// Options configures an extraction.
type Options struct {
	Names       Names
	MarkerGenes []string
	Logger      *log.Logger
}

// Dataset holds every cell attribute needed downstream, column oriented.
// Row i of every slice is cell i of the source.
type Dataset struct {
	X      []float64
	Y      []float64
	Age    []float64 // NaN when missing
	Region []string
	Mito   []float64
	Class  []string

	// Genes lists configured marker genes found in the source, in configured order.
	Genes []string
	// Expression[g][i] is the value of Genes[g] in cell i.
	Expression [][]float64

	// Classes is the sorted, deduplicated class vocabulary of all clusters.
	Classes []string
}

// Len returns the number of cells.
func (d *Dataset) Len() int {
	return len(d.X)
}

// Extract reads all required columns into memory and resolves cluster classes.
func Extract(store Store, opts Options) (*Dataset, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	names := opts.Names

	shape, err := requireShape(store, names.Embedding)
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 || shape[1] < 2 {
		return nil, fmt.Errorf("embedding %s: expected shape [N,2], got %v", names.Embedding, shape)
	}
	n := shape[0]
	logger.Info("loading embedding", "cells", n)

	ds := &Dataset{}
	if ds.X, err = store.Column(names.Embedding, 0); err != nil {
		return nil, fmt.Errorf("read embedding x: %w", err)
	}
	if ds.Y, err = store.Column(names.Embedding, 1); err != nil {
		return nil, fmt.Errorf("read embedding y: %w", err)
	}

	logger.Debug("loading attributes")
	if ds.Age, err = optionalFloats(store, names.Age, n, math.NaN(), logger); err != nil {
		return nil, err
	}
	if ds.Mito, err = optionalFloats(store, names.Mito, n, 0, logger); err != nil {
		return nil, err
	}
	if ds.Region, err = optionalStrings(store, names.Region, n, logger); err != nil {
		return nil, err
	}

	logger.Debug("mapping classes")
	if ds.Class, ds.Classes, err = loadClasses(store, names, n); err != nil {
		return nil, err
	}

	logger.Debug("loading marker genes", "configured", len(opts.MarkerGenes))
	if ds.Genes, ds.Expression, err = loadGenes(store, names, opts.MarkerGenes, n, logger); err != nil {
		return nil, err
	}

	return ds, nil
}

func requireShape(store Store, name string) ([]int, error) {
	if !store.Has(name) {
		return nil, fmt.Errorf("%w: %s", ErrMissingDataset, name)
	}
	return store.Shape(name)
}

func checkLen(name string, got, want int) error {
	if got != want {
		return fmt.Errorf("%w: %s has %d rows, expected %d", ErrLengthMismatch, name, got, want)
	}
	return nil
}

func optionalFloats(store Store, name string, n int, missing float64, logger *log.Logger) ([]float64, error) {
	if name == "" || !store.Has(name) {
		logger.Warn("dataset not found, using placeholder values", "dataset", name, "value", missing)
		out := make([]float64, n)
		for i := range out {
			out[i] = missing
		}
		return out, nil
	}
	values, err := store.Float64s(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return values, checkLen(name, len(values), n)
}

func optionalStrings(store Store, name string, n int, logger *log.Logger) ([]string, error) {
	if name == "" || !store.Has(name) {
		logger.Warn("dataset not found, all values treated as missing", "dataset", name)
		return make([]string, n), nil
	}
	values, err := store.Strings(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return values, checkLen(name, len(values), n)
}

func loadClasses(store Store, names Names, n int) ([]string, []string, error) {
	if !store.Has(names.Clusters) {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingDataset, names.Clusters)
	}
	if !store.Has(names.Classes) {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingDataset, names.Classes)
	}

	clusters, err := store.Int64s(names.Clusters)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", names.Clusters, err)
	}
	if err := checkLen(names.Clusters, len(clusters), n); err != nil {
		return nil, nil, err
	}
	clusterClasses, err := store.Strings(names.Classes)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", names.Classes, err)
	}

	var clusterIDs []int64
	if names.ClusterIDs != "" && store.Has(names.ClusterIDs) {
		if clusterIDs, err = store.Int64s(names.ClusterIDs); err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", names.ClusterIDs, err)
		}
		if err := checkLen(names.ClusterIDs, len(clusterIDs), len(clusterClasses)); err != nil {
			return nil, nil, err
		}
	}

	rows, err := ResolveClusterRows(clusters, clusterIDs, len(clusterClasses))
	if err != nil {
		return nil, nil, err
	}

	classes := make([]string, n)
	for i, row := range rows {
		classes[i] = clusterClasses[row]
	}
	return classes, Vocabulary(clusterClasses), nil
}

func loadGenes(store Store, names Names, markers []string, n int, logger *log.Logger) ([]string, [][]float64, error) {
	if len(markers) == 0 {
		return []string{}, nil, nil
	}
	if !store.Has(names.Genes) || !store.Has(names.Expression) {
		logger.Warn("gene vocabulary or expression matrix not found, no genes exported",
			"genes", names.Genes, "expression", names.Expression)
		return []string{}, nil, nil
	}

	vocab, err := store.Strings(names.Genes)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", names.Genes, err)
	}
	shape, err := store.Shape(names.Expression)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s shape: %w", names.Expression, err)
	}
	if len(shape) != 2 || shape[0] != n || shape[1] != len(vocab) {
		return nil, nil, fmt.Errorf("%w: %s has shape %v, expected [%d,%d]", ErrLengthMismatch, names.Expression, shape, n, len(vocab))
	}

	nameToIdx := make(map[string]int, len(vocab))
	for i, g := range vocab {
		if _, dup := nameToIdx[g]; !dup {
			nameToIdx[g] = i
		}
	}

	found := make([]string, 0, len(markers))
	var columns [][]float64
	for _, gene := range markers {
		idx, ok := nameToIdx[gene]
		if !ok {
			logger.Warn("gene not found", "gene", gene)
			continue
		}
		logger.Debug("reading gene", "gene", gene, "column", idx)
		col, err := store.Column(names.Expression, idx)
		if err != nil {
			return nil, nil, fmt.Errorf("read %s column %d (%s): %w", names.Expression, idx, gene, err)
		}
		found = append(found, gene)
		columns = append(columns, col)
	}
	return found, columns, nil
}

// Vocabulary returns the sorted, deduplicated values.
func Vocabulary(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0)
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
