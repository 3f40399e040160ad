package tiles

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/soma-tiles/lodtiles/internal/extract"
)

// Field precision in decimal places.
const (
	PositionDecimals = 2
	AgeDecimals      = 1
	MitoDecimals     = 3
	GeneDecimals     = 2
)

// MissingAge is written for cells without an age.
const MissingAge = -1

// UnknownRegion is written for cells with an empty region.
const UnknownRegion = "Unknown"

// Round rounds v to the given number of decimals, half away from zero.
// Non-finite values round to 0.
func Round(v float64, decimals int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	scale := math.Pow10(decimals)
	r := math.Round(v*scale) / scale
	if math.IsInf(r, 0) || math.IsNaN(r) {
		// v*scale overflowed; v is already far beyond the precision kept.
		return v
	}
	if r == 0 {
		return 0 // drop negative zero
	}
	return r
}

// RecordEncoder appends JSON records of one dataset. Keys are written in a
// fixed order: x, y, class, age, region, mito, then genes in dataset order.
type RecordEncoder struct {
	ds       *extract.Dataset
	geneKeys [][]byte
	strs     map[string][]byte
}

// NewRecordEncoder prepares an encoder for ds.
func NewRecordEncoder(ds *extract.Dataset) *RecordEncoder {
	e := &RecordEncoder{
		ds:   ds,
		strs: make(map[string][]byte),
	}
	for _, g := range ds.Genes {
		key := append([]byte{','}, e.quote(g)...)
		e.geneKeys = append(e.geneKeys, append(key, ':'))
	}
	// Class and region vocabularies are small; encode each value once so the
	// encoder is read-only and safe for concurrent use afterwards.
	e.strs[UnknownRegion] = marshalString(UnknownRegion)
	for _, vocab := range [][]string{ds.Class, ds.Region} {
		for _, s := range vocab {
			if _, ok := e.strs[s]; !ok {
				e.strs[s] = marshalString(s)
			}
		}
	}
	return e
}

func (e *RecordEncoder) quote(s string) []byte {
	if b, ok := e.strs[s]; ok {
		return b
	}
	return marshalString(s)
}

func marshalString(s string) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		// Marshal of a string cannot fail.
		panic(err)
	}
	return b
}

// AppendRecord appends the record of cell i to dst.
func (e *RecordEncoder) AppendRecord(dst []byte, i int) []byte {
	ds := e.ds

	dst = append(dst, `{"x":`...)
	dst = appendFloat(dst, Round(ds.X[i], PositionDecimals))
	dst = append(dst, `,"y":`...)
	dst = appendFloat(dst, Round(ds.Y[i], PositionDecimals))

	dst = append(dst, `,"class":`...)
	dst = append(dst, e.quote(ds.Class[i])...)

	dst = append(dst, `,"age":`...)
	if age := ds.Age[i]; math.IsNaN(age) {
		dst = strconv.AppendInt(dst, MissingAge, 10)
	} else {
		dst = appendFloat(dst, Round(age, AgeDecimals))
	}

	region := ds.Region[i]
	if region == "" {
		region = UnknownRegion
	}
	dst = append(dst, `,"region":`...)
	dst = append(dst, e.quote(region)...)

	dst = append(dst, `,"mito":`...)
	dst = appendFloat(dst, Round(ds.Mito[i], MitoDecimals))

	for g, key := range e.geneKeys {
		dst = append(dst, key...)
		dst = appendFloat(dst, Round(ds.Expression[g][i], GeneDecimals))
	}
	return append(dst, '}')
}

// AppendTile appends a JSON array of the records of cells, in the order given.
func (e *RecordEncoder) AppendTile(dst []byte, cells []uint32) []byte {
	dst = append(dst, '[')
	for n, c := range cells {
		if n > 0 {
			dst = append(dst, ',')
		}
		dst = e.AppendRecord(dst, int(c))
	}
	return append(dst, ']')
}

func appendFloat(dst []byte, v float64) []byte {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return append(dst, '0')
	}
	return strconv.AppendFloat(dst, v, 'f', -1, 64)
}
