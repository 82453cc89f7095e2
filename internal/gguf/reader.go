package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
	"os"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-smlp/internal/logger"
)

// Sanity bounds on untrusted length fields.
const (
	maxStringLen = 1 << 24
	maxArrayLen  = 1 << 28
	maxDims      = 8

	// maxTensorBytes caps a single payload when the source size is unknown.
	maxTensorBytes = 1 << 34
)

type GGUFFile struct {
	Header     GGUFHeader
	KV         *Metadata
	Tensors    []*TensorInfo
	DataOffset uint64

	// size of the source in bytes, or -1 when r cannot report it.
	size   int64
	r      io.ReaderAt
	closer io.Closer
}

// LoadFile opens a GGUF file and parses its header, metadata and tensor index.
// Tensor payloads are read on demand.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	file, err := Parse(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.closer = f
	return file, nil
}

// Parse reads the GGUF preamble from r.
func Parse(r io.ReaderAt) (*GGUFFile, error) {
	d := &decoder{r: bufio.NewReader(io.NewSectionReader(r, 0, math.MaxInt64))}
	file := &GGUFFile{KV: NewMetadata(), r: r, size: sourceSize(r)}

	file.Header.Magic = d.u32()
	if d.err != nil {
		return nil, d.err
	}
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}
	file.Header.Version = d.u32()
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}
	file.Header.TensorCount = d.u64()
	file.Header.KVCount = d.u64()
	if d.err != nil {
		return nil, d.err
	}

	for i := uint64(0); i < file.Header.KVCount && d.err == nil; i++ {
		key := d.str()
		typ := GGUFMetadataValueType(d.u32())
		val := d.value(typ)
		if d.err == nil {
			file.KV.Set(key, val)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("read metadata: %w", d.err)
	}

	for i := uint64(0); i < file.Header.TensorCount && d.err == nil; i++ {
		name := d.str()
		n := d.u32()
		if n > maxDims {
			return nil, fmt.Errorf("tensor %s: %d dimensions", name, n)
		}
		dims := make([]uint64, n)
		for j := range dims {
			dims[j] = d.u64()
		}
		typ := GGMLType(d.u32())
		off := d.u64()
		file.Tensors = append(file.Tensors, &TensorInfo{Name: name, Dimensions: dims, Type: typ, Offset: off})
	}
	if d.err != nil {
		return nil, fmt.Errorf("read tensor index: %w", d.err)
	}

	alignment := uint64(DefaultAlignment)
	if v, ok := file.KV.Get("general.alignment"); ok {
		switch a := v.(type) {
		case uint32:
			alignment = uint64(a)
		case uint64:
			alignment = a
		}
	}
	if alignment == 0 {
		return nil, fmt.Errorf("invalid general.alignment: 0")
	}
	file.DataOffset = alignUp(d.off, alignment)

	logger.Log.Debug("GGUF parsed", "version", file.Header.Version,
		"tensors", file.Header.TensorCount, "kv", file.Header.KVCount, "data_offset", file.DataOffset)
	return file, nil
}

func sourceSize(r io.ReaderAt) int64 {
	switch s := r.(type) {
	case interface{ Size() int64 }:
		return s.Size()
	case interface{ Stat() (os.FileInfo, error) }:
		if info, err := s.Stat(); err == nil {
			return info.Size()
		}
	}
	return -1
}

func (f *GGUFFile) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// Tensor looks up a tensor by name.
func (f *GGUFFile) Tensor(name string) (*TensorInfo, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// ReadFloat32 decodes an F32 or F16 tensor payload. The payload must lie
// inside the file.
func (f *GGUFFile) ReadFloat32(t *TensorInfo) ([]float32, error) {
	var elemSize uint64
	switch t.Type {
	case GGMLTypeF32:
		elemSize = 4
	case GGMLTypeF16:
		elemSize = 2
	default:
		return nil, ErrUnsupportedType{Tensor: t.Name, Type: t.Type}
	}

	n, ok := t.checkedElements()
	if !ok {
		return nil, fmt.Errorf("tensor %s: dimensions %v overflow", t.Name, t.Dimensions)
	}
	hi, size := bits.Mul64(n, elemSize)
	start, carry := bits.Add64(f.DataOffset, t.Offset, 0)
	end, carry2 := bits.Add64(start, size, 0)
	if hi != 0 || carry != 0 || carry2 != 0 || end > math.MaxInt64 {
		return nil, fmt.Errorf("tensor %s: payload of %v elements overflows", t.Name, t.Dimensions)
	}
	switch {
	case f.size >= 0 && end > uint64(f.size):
		return nil, fmt.Errorf("tensor %s: payload [%d, %d) extends past end of file (%d bytes)", t.Name, start, end, f.size)
	case f.size < 0 && size > maxTensorBytes:
		return nil, fmt.Errorf("tensor %s: payload of %d bytes exceeds limit", t.Name, size)
	}

	buf := make([]byte, size)
	if _, err := f.r.ReadAt(buf, int64(start)); err != nil {
		return nil, fmt.Errorf("tensor %s: read %d bytes at %d: %w", t.Name, size, start, err)
	}

	out := make([]float32, n)
	switch t.Type {
	case GGMLTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
	case GGMLTypeF16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
		}
	}
	return out, nil
}

func alignUp(off, alignment uint64) uint64 {
	if r := off % alignment; r != 0 {
		return off + alignment - r
	}
	return off
}

// decoder reads little-endian fields and keeps the first error.
type decoder struct {
	r   *bufio.Reader
	off uint64
	err error
	buf [8]byte
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return d.buf[:n]
	}
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
	}
	d.off += uint64(n)
	return d.buf[:n]
}

func (d *decoder) u8() uint8   { return d.read(1)[0] }
func (d *decoder) u16() uint16 { return binary.LittleEndian.Uint16(d.read(2)) }
func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.read(4)) }
func (d *decoder) u64() uint64 { return binary.LittleEndian.Uint64(d.read(8)) }

func (d *decoder) str() string {
	n := d.u64()
	if d.err != nil {
		return ""
	}
	if n > maxStringLen {
		d.err = fmt.Errorf("string length %d exceeds limit", n)
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = io.ErrUnexpectedEOF
		return ""
	}
	d.off += n
	return string(b)
}

func (d *decoder) value(typ GGUFMetadataValueType) any {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return d.u8()
	case GGUFMetadataValueTypeInt8:
		return int8(d.u8())
	case GGUFMetadataValueTypeUint16:
		return d.u16()
	case GGUFMetadataValueTypeInt16:
		return int16(d.u16())
	case GGUFMetadataValueTypeUint32:
		return d.u32()
	case GGUFMetadataValueTypeInt32:
		return int32(d.u32())
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(d.u32())
	case GGUFMetadataValueTypeBool:
		return d.u8() != 0
	case GGUFMetadataValueTypeString:
		return d.str()
	case GGUFMetadataValueTypeArray:
		elem := GGUFMetadataValueType(d.u32())
		n := d.u64()
		if d.err != nil {
			return nil
		}
		if n > maxArrayLen {
			d.err = fmt.Errorf("array length %d exceeds limit", n)
			return nil
		}
		arr := make([]any, 0, min(n, 1024))
		for i := uint64(0); i < n && d.err == nil; i++ {
			arr = append(arr, d.value(elem))
		}
		return arr
	case GGUFMetadataValueTypeUint64:
		return d.u64()
	case GGUFMetadataValueTypeInt64:
		return int64(d.u64())
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(d.u64())
	default:
		if d.err == nil {
			d.err = fmt.Errorf("unsupported metadata type: %d", typ)
		}
		return nil
	}
}
