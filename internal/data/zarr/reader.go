// Package zarr provides a reader and a small writer for Zarr v3 stores.
package zarr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrArrayNotFound is returned when a named array is absent from the group.
var ErrArrayNotFound = errors.New("zarr array not found")

// Reader provides access to the named arrays of one Zarr v3 group.
type Reader struct {
	basePath string
	decoder  *zstd.Decoder

	mu        sync.Mutex
	metaCache map[string]*ArrayMeta
}

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	ZarrFormat       int              `json:"zarr_format"`
	NodeType         string           `json:"node_type"`
	Shape            []int            `json:"shape"`
	DataType         string           `json:"data_type"`
	ChunkGrid        ChunkGrid        `json:"chunk_grid"`
	ChunkKeyEncoding ChunkKeyEncoding `json:"chunk_key_encoding"`
	FillValue        interface{}      `json:"fill_value"`
	Codecs           []Codec          `json:"codecs"`
	Attributes       map[string]any   `json:"attributes,omitempty"`
}

// ChunkGrid is the regular chunk grid description.
type ChunkGrid struct {
	Name          string `json:"name"`
	Configuration struct {
		ChunkShape []int `json:"chunk_shape"`
	} `json:"configuration"`
}

// ChunkKeyEncoding describes how chunk coordinates map to keys.
type ChunkKeyEncoding struct {
	Name          string `json:"name"`
	Configuration struct {
		Separator string `json:"separator,omitempty"`
	} `json:"configuration"`
}

// Codec is one entry of the codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

type groupMeta struct {
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// NewReader opens the Zarr v3 group at basePath.
func NewReader(basePath string) (*Reader, error) {
	data, err := os.ReadFile(filepath.Join(basePath, "zarr.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read group metadata: %w", err)
	}
	var gm groupMeta
	if err := json.Unmarshal(data, &gm); err != nil {
		return nil, fmt.Errorf("failed to parse group metadata: %w", err)
	}
	if gm.ZarrFormat != 3 || gm.NodeType != "group" {
		return nil, fmt.Errorf("%s is not a zarr v3 group (format=%d node_type=%q)", basePath, gm.ZarrFormat, gm.NodeType)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Reader{
		basePath:  basePath,
		decoder:   decoder,
		metaCache: make(map[string]*ArrayMeta),
	}, nil
}

// Path returns the group directory.
func (r *Reader) Path() string {
	return r.basePath
}

// Has reports whether the group contains an array with the given name.
func (r *Reader) Has(name string) bool {
	_, err := r.arrayMeta(name)
	return err == nil
}

// Shape returns the shape of the named array.
func (r *Reader) Shape(name string) ([]int, error) {
	meta, err := r.arrayMeta(name)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), meta.Shape...), nil
}

// arrayMeta loads (and caches) Zarr v3 array metadata.
func (r *Reader) arrayMeta(name string) (*ArrayMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if meta, ok := r.metaCache[name]; ok {
		return meta, nil
	}

	data, err := os.ReadFile(filepath.Join(r.basePath, name, "zarr.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArrayNotFound, name)
		}
		return nil, err
	}

	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s/zarr.json: %w", name, err)
	}
	if meta.NodeType != "array" {
		return nil, fmt.Errorf("%w: %s is a %q node", ErrArrayNotFound, name, meta.NodeType)
	}
	if len(meta.Shape) == 0 || len(meta.Shape) != len(meta.ChunkGrid.Configuration.ChunkShape) {
		return nil, fmt.Errorf("invalid zarr metadata for %s: shape %v chunk_shape %v", name, meta.Shape, meta.ChunkGrid.Configuration.ChunkShape)
	}
	for d, c := range meta.ChunkGrid.Configuration.ChunkShape {
		if c <= 0 {
			return nil, fmt.Errorf("invalid chunk shape for %s at dim %d: %d", name, d, c)
		}
	}

	r.metaCache[name] = &meta
	return &meta, nil
}

// codecPipeline is the parsed codec list of an array.
type codecPipeline struct {
	vlenUTF8 bool
	order    binary.ByteOrder
	// bytes-to-bytes codecs in encode order; decoding walks them backwards.
	compressors []string
}

func parseCodecs(meta *ArrayMeta) (*codecPipeline, error) {
	p := &codecPipeline{order: binary.LittleEndian}
	seenArrayToBytes := false
	for _, c := range meta.Codecs {
		switch c.Name {
		case "bytes":
			seenArrayToBytes = true
			if endian, _ := c.Configuration["endian"].(string); endian == "big" {
				p.order = binary.BigEndian
			}
		case "vlen-utf8":
			seenArrayToBytes = true
			p.vlenUTF8 = true
		case "zstd", "gzip":
			if !seenArrayToBytes {
				return nil, fmt.Errorf("codec %s precedes the array-to-bytes codec", c.Name)
			}
			p.compressors = append(p.compressors, c.Name)
		default:
			return nil, fmt.Errorf("unsupported zarr codec: %s", c.Name)
		}
	}
	if !seenArrayToBytes {
		return nil, fmt.Errorf("missing array-to-bytes codec")
	}
	return p, nil
}

// readChunk reads and decompresses a chunk file.
func (r *Reader) readChunk(chunkPath string, p *codecPipeline) ([]byte, error) {
	data, err := os.ReadFile(chunkPath)
	if err != nil {
		return nil, err
	}

	for i := len(p.compressors) - 1; i >= 0; i-- {
		switch p.compressors[i] {
		case "zstd":
			data, err = r.decoder.DecodeAll(data, nil)
			if err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
		case "gzip":
			zr, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
			data, err = io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
		}
	}
	return data, nil
}

func encodeChunkKey(meta *ArrayMeta, chunkIndices []int) string {
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}

	if meta.ChunkKeyEncoding.Name == "v2" {
		sep := meta.ChunkKeyEncoding.Configuration.Separator
		if sep == "" {
			sep = "."
		}
		return strings.Join(parts, sep)
	}

	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	return "c" + sep + strings.Join(parts, sep)
}

func (r *Reader) chunkPath(name string, meta *ArrayMeta, chunkIndices []int) string {
	return filepath.Join(r.basePath, name, filepath.FromSlash(encodeChunkKey(meta, chunkIndices)))
}

func chunkElements(meta *ArrayMeta) int {
	return product(meta.ChunkGrid.Configuration.ChunkShape)
}

// chunkFloat64s decodes one numeric chunk into a full chunk-shaped slice.
// A chunk that is not present on disk is all fill value.
func (r *Reader) chunkFloat64s(name string, meta *ArrayMeta, p *codecPipeline, chunkIndices []int) ([]float64, error) {
	n := chunkElements(meta)
	raw, err := r.readChunk(r.chunkPath(name, meta, chunkIndices), p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fill, fillErr := fillFloat64(meta.FillValue)
			if fillErr != nil {
				return nil, fillErr
			}
			out := make([]float64, n)
			if fill != 0 {
				for i := range out {
					out[i] = fill
				}
			}
			return out, nil
		}
		return nil, err
	}
	return decodeFloat64s(raw, meta.DataType, p.order, n)
}

func (r *Reader) chunkStrings(name string, meta *ArrayMeta, p *codecPipeline, chunkIndices []int) ([]string, error) {
	n := chunkElements(meta)
	raw, err := r.readChunk(r.chunkPath(name, meta, chunkIndices), p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fill, _ := meta.FillValue.(string)
			out := make([]string, n)
			for i := range out {
				out[i] = fill
			}
			return out, nil
		}
		return nil, err
	}
	return decodeVLenUTF8(raw, n)
}

// Float64s reads a whole 1D numeric array, converting to float64.
func (r *Reader) Float64s(name string) ([]float64, error) {
	meta, p, err := r.numeric1D(name)
	if err != nil {
		return nil, err
	}

	total := meta.Shape[0]
	chunkLen := meta.ChunkGrid.Configuration.ChunkShape[0]
	out := make([]float64, total)
	for chunk := 0; chunk < ceilDiv(total, chunkLen); chunk++ {
		start := chunk * chunkLen
		values, err := r.chunkFloat64s(name, meta, p, []int{chunk})
		if err != nil {
			return nil, fmt.Errorf("failed to load %s chunk %d: %w", name, chunk, err)
		}
		copy(out[start:min(start+chunkLen, total)], values)
	}
	return out, nil
}

// Int64s reads a whole 1D integer array as int64. Integer dtypes are decoded
// directly so ids above 2^53 keep their exact value. Float arrays are accepted
// only when every value is integral.
func (r *Reader) Int64s(name string) ([]int64, error) {
	meta, p, err := r.numeric1D(name)
	if err != nil {
		return nil, err
	}

	if isFloatType(meta.DataType) {
		values, err := r.Float64s(name)
		if err != nil {
			return nil, err
		}
		out := make([]int64, len(values))
		for i, v := range values {
			if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
				return nil, fmt.Errorf("%s[%d] is not an integer: %v", name, i, v)
			}
			out[i] = int64(v)
		}
		return out, nil
	}

	total := meta.Shape[0]
	chunkLen := meta.ChunkGrid.Configuration.ChunkShape[0]
	out := make([]int64, total)
	for chunk := 0; chunk < ceilDiv(total, chunkLen); chunk++ {
		start := chunk * chunkLen
		values, err := r.chunkInt64s(name, meta, p, []int{chunk})
		if err != nil {
			return nil, fmt.Errorf("failed to load %s chunk %d: %w", name, chunk, err)
		}
		copy(out[start:min(start+chunkLen, total)], values)
	}
	return out, nil
}

func isFloatType(dataType string) bool {
	return dataType == "float32" || dataType == "float64"
}

// chunkInt64s decodes one integer chunk into a full chunk-shaped slice.
func (r *Reader) chunkInt64s(name string, meta *ArrayMeta, p *codecPipeline, chunkIndices []int) ([]int64, error) {
	n := chunkElements(meta)
	raw, err := r.readChunk(r.chunkPath(name, meta, chunkIndices), p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fill, fillErr := fillInt64(meta.FillValue)
			if fillErr != nil {
				return nil, fillErr
			}
			out := make([]int64, n)
			if fill != 0 {
				for i := range out {
					out[i] = fill
				}
			}
			return out, nil
		}
		return nil, err
	}
	return decodeInt64s(raw, meta.DataType, p.order, n)
}

// Strings reads a whole 1D vlen-utf8 string array.
func (r *Reader) Strings(name string) ([]string, error) {
	meta, err := r.arrayMeta(name)
	if err != nil {
		return nil, err
	}
	if len(meta.Shape) != 1 {
		return nil, fmt.Errorf("%s: expected a 1D array, got shape %v", name, meta.Shape)
	}
	p, err := parseCodecs(meta)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if !p.vlenUTF8 {
		return nil, fmt.Errorf("%s: expected a string array, got data_type %s", name, meta.DataType)
	}

	total := meta.Shape[0]
	chunkLen := meta.ChunkGrid.Configuration.ChunkShape[0]
	out := make([]string, total)
	for chunk := 0; chunk < ceilDiv(total, chunkLen); chunk++ {
		start := chunk * chunkLen
		values, err := r.chunkStrings(name, meta, p, []int{chunk})
		if err != nil {
			return nil, fmt.Errorf("failed to load %s chunk %d: %w", name, chunk, err)
		}
		copy(out[start:min(start+chunkLen, total)], values)
	}
	return out, nil
}

// Column reads one column of a 2D numeric array [rows, cols].
func (r *Reader) Column(name string, col int) ([]float64, error) {
	meta, err := r.arrayMeta(name)
	if err != nil {
		return nil, err
	}
	if len(meta.Shape) != 2 {
		return nil, fmt.Errorf("%s: expected a 2D array, got shape %v", name, meta.Shape)
	}
	p, err := parseCodecs(meta)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if p.vlenUTF8 {
		return nil, fmt.Errorf("%s: expected a numeric array, got data_type %s", name, meta.DataType)
	}

	nRows, nCols := meta.Shape[0], meta.Shape[1]
	if col < 0 || col >= nCols {
		return nil, fmt.Errorf("%s: column index out of range: %d (n_cols=%d)", name, col, nCols)
	}
	rowChunk := meta.ChunkGrid.Configuration.ChunkShape[0]
	colChunk := meta.ChunkGrid.Configuration.ChunkShape[1]
	colChunkIdx := col / colChunk
	colOffset := col % colChunk

	out := make([]float64, nRows)
	for rChunk := 0; rChunk < ceilDiv(nRows, rowChunk); rChunk++ {
		rowStart := rChunk * rowChunk
		rowLen := min(rowChunk, nRows-rowStart)

		values, err := r.chunkFloat64s(name, meta, p, []int{rChunk, colChunkIdx})
		if err != nil {
			return nil, fmt.Errorf("failed to load %s chunk %d/%d: %w", name, rChunk, colChunkIdx, err)
		}
		// Edge chunks keep the full chunk shape, so the row stride is colChunk.
		for i := 0; i < rowLen; i++ {
			out[rowStart+i] = values[i*colChunk+colOffset]
		}
	}
	return out, nil
}

func (r *Reader) numeric1D(name string) (*ArrayMeta, *codecPipeline, error) {
	meta, err := r.arrayMeta(name)
	if err != nil {
		return nil, nil, err
	}
	if len(meta.Shape) != 1 {
		return nil, nil, fmt.Errorf("%s: expected a 1D array, got shape %v", name, meta.Shape)
	}
	p, err := parseCodecs(meta)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}
	if p.vlenUTF8 {
		return nil, nil, fmt.Errorf("%s: expected a numeric array, got data_type %s", name, meta.DataType)
	}
	return meta, p, nil
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "bool", "int8", "uint8":
		return 1, nil
	case "int16", "uint16":
		return 2, nil
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64", "int64", "uint64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

func decodeFloat64s(raw []byte, dataType string, order binary.ByteOrder, n int) ([]float64, error) {
	size, err := dtypeSize(dataType)
	if err != nil {
		return nil, err
	}
	if len(raw) < n*size {
		return nil, fmt.Errorf("chunk too short: got %d bytes, expected %d", len(raw), n*size)
	}

	out := make([]float64, n)
	for i := range out {
		b := raw[i*size : (i+1)*size]
		switch dataType {
		case "bool", "uint8":
			out[i] = float64(b[0])
		case "int8":
			out[i] = float64(int8(b[0]))
		case "int16":
			out[i] = float64(int16(order.Uint16(b)))
		case "uint16":
			out[i] = float64(order.Uint16(b))
		case "int32":
			out[i] = float64(int32(order.Uint32(b)))
		case "uint32":
			out[i] = float64(order.Uint32(b))
		case "int64":
			out[i] = float64(int64(order.Uint64(b)))
		case "uint64":
			out[i] = float64(order.Uint64(b))
		case "float32":
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case "float64":
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return out, nil
}

func decodeInt64s(raw []byte, dataType string, order binary.ByteOrder, n int) ([]int64, error) {
	size, err := dtypeSize(dataType)
	if err != nil {
		return nil, err
	}
	if len(raw) < n*size {
		return nil, fmt.Errorf("chunk too short: got %d bytes, expected %d", len(raw), n*size)
	}

	out := make([]int64, n)
	for i := range out {
		b := raw[i*size : (i+1)*size]
		switch dataType {
		case "bool", "uint8":
			out[i] = int64(b[0])
		case "int8":
			out[i] = int64(int8(b[0]))
		case "int16":
			out[i] = int64(int16(order.Uint16(b)))
		case "uint16":
			out[i] = int64(order.Uint16(b))
		case "int32":
			out[i] = int64(int32(order.Uint32(b)))
		case "uint32":
			out[i] = int64(order.Uint32(b))
		case "int64":
			out[i] = int64(order.Uint64(b))
		case "uint64":
			u := order.Uint64(b)
			if u > math.MaxInt64 {
				return nil, fmt.Errorf("value %d at %d overflows int64", u, i)
			}
			out[i] = int64(u)
		default:
			return nil, fmt.Errorf("data_type %s is not an integer type", dataType)
		}
	}
	return out, nil
}

// decodeVLenUTF8 decodes the vlen-utf8 layout: a uint32 item count followed by
// (uint32 length, bytes) per item, all little endian.
func decodeVLenUTF8(raw []byte, n int) ([]string, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("vlen-utf8 chunk too short: %d bytes", len(raw))
	}
	count := int(binary.LittleEndian.Uint32(raw))
	if count != n {
		return nil, fmt.Errorf("vlen-utf8 chunk holds %d items, expected %d", count, n)
	}

	out := make([]string, count)
	off := 4
	for i := 0; i < count; i++ {
		if off+4 > len(raw) {
			return nil, fmt.Errorf("vlen-utf8 chunk truncated at item %d", i)
		}
		l := int(binary.LittleEndian.Uint32(raw[off:]))
		off += 4
		if off+l > len(raw) {
			return nil, fmt.Errorf("vlen-utf8 chunk truncated at item %d", i)
		}
		out[i] = string(raw[off : off+l])
		off += l
	}
	return out, nil
}

// fillFloat64 interprets a numeric fill_value, including the special strings
// Zarr v3 uses for non-finite floats.
func fillFloat64(fill interface{}) (float64, error) {
	switch v := fill.(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		switch v {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
	}
	return 0, fmt.Errorf("unsupported fill_value: %v (%T)", fill, fill)
}

// fillInt64 interprets an integer fill_value. Non-integral numbers and the
// non-finite float strings are rejected.
func fillInt64(fill interface{}) (int64, error) {
	switch v := fill.(type) {
	case nil:
		return 0, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		if v == math.Trunc(v) && v >= math.MinInt64 && v < math.MaxInt64 {
			return int64(v), nil
		}
	}
	return 0, fmt.Errorf("unsupported integer fill_value: %v (%T)", fill, fill)
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
