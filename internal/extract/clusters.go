package extract

import (
	"errors"
	"fmt"
)

// ErrUnknownCluster indicates a cell references a cluster id with no class row.
var ErrUnknownCluster = errors.New("unknown cluster id")

// UnknownClusterError reports the first cell whose cluster cannot be resolved.
type UnknownClusterError struct {
	Cell    int
	Cluster int64
}

func (e *UnknownClusterError) Error() string {
	return fmt.Sprintf("cell %d references cluster %d which has no class", e.Cell, e.Cluster)
}

func (e *UnknownClusterError) Unwrap() error { return ErrUnknownCluster }

// ResolveClusterRows maps every cell's cluster id to a row of the per-cluster
// tables, once, up front.
//
// With an id table (clusterIDs != nil) ids are looked up through an id→row map,
// so ids need not be dense. Without one, ids are row indexes directly and must
// lie in [0, nRows).
func ResolveClusterRows(clusters []int64, clusterIDs []int64, nRows int) ([]int32, error) {
	rows := make([]int32, len(clusters))

	if clusterIDs == nil {
		for i, c := range clusters {
			if c < 0 || c >= int64(nRows) {
				return nil, &UnknownClusterError{Cell: i, Cluster: c}
			}
			rows[i] = int32(c)
		}
		return rows, nil
	}

	idToRow := make(map[int64]int32, len(clusterIDs))
	for row, id := range clusterIDs {
		if prev, dup := idToRow[id]; dup {
			return nil, fmt.Errorf("cluster id %d appears at rows %d and %d", id, prev, row)
		}
		idToRow[id] = int32(row)
	}

	for i, c := range clusters {
		row, ok := idToRow[c]
		if !ok {
			return nil, &UnknownClusterError{Cell: i, Cluster: c}
		}
		rows[i] = row
	}
	return rows, nil
}
