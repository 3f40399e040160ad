package zarr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ArraySpec describes an array to write. Only 1D and 2D arrays are supported.
type ArraySpec struct {
	Shape    []int
	Chunks   []int
	DataType string // numeric dtype; ignored for string arrays
	// Compressor is "zstd", "gzip" or "" for raw chunks.
	Compressor string
}

// CreateGroup writes the zarr.json of a Zarr v3 group at path.
func CreateGroup(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(map[string]any{
		"zarr_format": 3,
		"node_type":   "group",
		"attributes":  map[string]any{},
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, "zarr.json"), data, 0o644)
}

// WriteNumeric writes data (C order, len = product(Shape)) converted to spec.DataType.
func WriteNumeric(groupPath, name string, data []float64, spec ArraySpec) error {
	if _, err := dtypeSize(spec.DataType); err != nil {
		return err
	}
	codecs := []Codec{{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}}}
	return writeArray(groupPath, name, len(data), spec, spec.DataType, 0, codecs, func(idx []int, chunkShape []int) ([]byte, error) {
		n := product(chunkShape)
		size, _ := dtypeSize(spec.DataType)
		buf := make([]byte, n*size)
		forEachChunkElement(spec.Shape, chunkShape, idx, func(pos, src int) {
			if src >= 0 {
				putNumeric(buf[pos*size:(pos+1)*size], spec.DataType, data[src])
			}
		})
		return buf, nil
	})
}

// WriteStrings writes a 1D string array with the vlen-utf8 codec.
func WriteStrings(groupPath, name string, data []string, spec ArraySpec) error {
	if len(spec.Shape) != 1 {
		return fmt.Errorf("string arrays must be 1D, got shape %v", spec.Shape)
	}
	codecs := []Codec{{Name: "vlen-utf8"}}
	return writeArray(groupPath, name, len(data), spec, "string", "", codecs, func(idx []int, chunkShape []int) ([]byte, error) {
		n := product(chunkShape)
		var buf bytes.Buffer
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], uint32(n))
		buf.Write(word[:])
		forEachChunkElement(spec.Shape, chunkShape, idx, func(_, src int) {
			s := ""
			if src >= 0 {
				s = data[src]
			}
			binary.LittleEndian.PutUint32(word[:], uint32(len(s)))
			buf.Write(word[:])
			buf.WriteString(s)
		})
		return buf.Bytes(), nil
	})
}

func writeArray(
	groupPath, name string,
	dataLen int,
	spec ArraySpec,
	dataType string,
	fill interface{},
	codecs []Codec,
	encodeChunk func(idx []int, chunkShape []int) ([]byte, error),
) error {
	if len(spec.Shape) == 0 || len(spec.Shape) > 2 || len(spec.Shape) != len(spec.Chunks) {
		return fmt.Errorf("unsupported array layout: shape %v chunks %v", spec.Shape, spec.Chunks)
	}
	if product(spec.Shape) != dataLen {
		return fmt.Errorf("%s: data length %d does not match shape %v", name, dataLen, spec.Shape)
	}
	for _, c := range spec.Chunks {
		if c <= 0 {
			return fmt.Errorf("%s: invalid chunk shape %v", name, spec.Chunks)
		}
	}

	var compress func([]byte) ([]byte, error)
	switch spec.Compressor {
	case "":
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		defer enc.Close()
		compress = func(b []byte) ([]byte, error) { return enc.EncodeAll(b, nil), nil }
		codecs = append(codecs, Codec{Name: "zstd", Configuration: map[string]interface{}{"level": 3, "checksum": false}})
	case "gzip":
		compress = func(b []byte) ([]byte, error) {
			var out bytes.Buffer
			zw := gzip.NewWriter(&out)
			if _, err := zw.Write(b); err != nil {
				return nil, err
			}
			if err := zw.Close(); err != nil {
				return nil, err
			}
			return out.Bytes(), nil
		}
		codecs = append(codecs, Codec{Name: "gzip", Configuration: map[string]interface{}{"level": 5}})
	default:
		return fmt.Errorf("unsupported compressor: %s", spec.Compressor)
	}

	arrayPath := filepath.Join(groupPath, name)
	if err := os.MkdirAll(arrayPath, 0o755); err != nil {
		return err
	}

	meta := ArrayMeta{
		ZarrFormat: 3,
		NodeType:   "array",
		Shape:      spec.Shape,
		DataType:   dataType,
		FillValue:  fill,
		Codecs:     codecs,
	}
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = spec.Chunks
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(arrayPath, "zarr.json"), metaBytes, 0o644); err != nil {
		return err
	}

	grid := make([]int, len(spec.Shape))
	for d := range spec.Shape {
		grid[d] = ceilDiv(spec.Shape[d], spec.Chunks[d])
	}

	return forEachChunk(grid, func(idx []int) error {
		raw, err := encodeChunk(idx, spec.Chunks)
		if err != nil {
			return err
		}
		if compress != nil {
			if raw, err = compress(raw); err != nil {
				return err
			}
		}
		p := filepath.Join(arrayPath, filepath.FromSlash(encodeChunkKey(&meta, idx)))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		return os.WriteFile(p, raw, 0o644)
	})
}

// forEachChunk visits every chunk coordinate of a 1D or 2D chunk grid.
func forEachChunk(grid []int, fn func(idx []int) error) error {
	if len(grid) == 1 {
		for i := 0; i < grid[0]; i++ {
			if err := fn([]int{i}); err != nil {
				return err
			}
		}
		return nil
	}
	for i := 0; i < grid[0]; i++ {
		for j := 0; j < grid[1]; j++ {
			if err := fn([]int{i, j}); err != nil {
				return err
			}
		}
	}
	return nil
}

// forEachChunkElement calls fn for every position of a full-size chunk with the
// C-order source index, or -1 for padding past the array edge.
func forEachChunkElement(shape, chunkShape, idx []int, fn func(pos, src int)) {
	if len(shape) == 1 {
		start := idx[0] * chunkShape[0]
		for i := 0; i < chunkShape[0]; i++ {
			src := start + i
			if src >= shape[0] {
				src = -1
			}
			fn(i, src)
		}
		return
	}
	rowStart := idx[0] * chunkShape[0]
	colStart := idx[1] * chunkShape[1]
	for i := 0; i < chunkShape[0]; i++ {
		for j := 0; j < chunkShape[1]; j++ {
			row, col := rowStart+i, colStart+j
			src := -1
			if row < shape[0] && col < shape[1] {
				src = row*shape[1] + col
			}
			fn(i*chunkShape[1]+j, src)
		}
	}
}

func putNumeric(b []byte, dataType string, v float64) {
	le := binary.LittleEndian
	switch dataType {
	case "bool":
		if v != 0 {
			b[0] = 1
		}
	case "uint8":
		b[0] = uint8(v)
	case "int8":
		b[0] = byte(int8(v))
	case "int16":
		le.PutUint16(b, uint16(int16(v)))
	case "uint16":
		le.PutUint16(b, uint16(v))
	case "int32":
		le.PutUint32(b, uint32(int32(v)))
	case "uint32":
		le.PutUint32(b, uint32(v))
	case "int64":
		le.PutUint64(b, uint64(int64(v)))
	case "uint64":
		le.PutUint64(b, uint64(v))
	case "float32":
		le.PutUint32(b, math.Float32bits(float32(v)))
	case "float64":
		le.PutUint64(b, math.Float64bits(v))
	}
}
