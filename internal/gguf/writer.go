package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/x448/float16"
)

// Tensor is a row-major tensor to be written.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
	Type  GGMLType // F32 or F16
}

// Write serialises kv and tensors as a GGUF v3 file with DefaultAlignment.
// Supported metadata values are string, bool, int32, int64, uint32, uint64,
// float32, float64 and []string.
func Write(w io.Writer, kv *Metadata, tensors []Tensor) error {
	e := &encoder{w: bufio.NewWriter(w)}

	e.u32(GGUFMagic)
	e.u32(GGUFVersion)
	e.u64(uint64(len(tensors)))
	kvCount := 0
	if kv != nil {
		kvCount = kv.Len()
	}
	e.u64(uint64(kvCount))

	if kv != nil {
		for pair := kv.Oldest(); pair != nil; pair = pair.Next() {
			e.str(pair.Key)
			if err := e.value(pair.Value); err != nil {
				return fmt.Errorf("metadata %s: %w", pair.Key, err)
			}
		}
	}

	var offset uint64
	infos := make([]TensorInfo, len(tensors))
	for i, t := range tensors {
		if t.Type != GGMLTypeF32 && t.Type != GGMLTypeF16 {
			return ErrUnsupportedType{Tensor: t.Name, Type: t.Type}
		}
		info := TensorInfo{Name: t.Name, Type: t.Type, Offset: offset, Dimensions: make([]uint64, len(t.Shape))}
		for j, d := range t.Shape {
			info.Dimensions[len(t.Shape)-1-j] = uint64(d)
		}
		if info.NumElements() != uint64(len(t.Data)) {
			return fmt.Errorf("tensor %s: shape %v needs %d elements, got %d", t.Name, t.Shape, info.NumElements(), len(t.Data))
		}
		infos[i] = info
		offset = alignUp(offset+info.SizeBytes(), DefaultAlignment)

		e.str(info.Name)
		e.u32(uint32(len(info.Dimensions)))
		for _, d := range info.Dimensions {
			e.u64(d)
		}
		e.u32(uint32(info.Type))
		e.u64(info.Offset)
	}
	e.pad(DefaultAlignment)

	for i, t := range tensors {
		start := e.off
		switch t.Type {
		case GGMLTypeF32:
			for _, v := range t.Data {
				e.u32(math.Float32bits(v))
			}
		case GGMLTypeF16:
			for _, v := range t.Data {
				e.u16(float16.Fromfloat32(v).Bits())
			}
		}
		if e.off-start != infos[i].SizeBytes() {
			return fmt.Errorf("tensor %s: wrote %d bytes, want %d", t.Name, e.off-start, infos[i].SizeBytes())
		}
		e.pad(DefaultAlignment)
	}

	if e.err != nil {
		return e.err
	}
	return e.w.Flush()
}

type encoder struct {
	w   *bufio.Writer
	off uint64
	err error
	buf [8]byte
}

func (e *encoder) write(b []byte) {
	if e.err != nil {
		return
	}
	n, err := e.w.Write(b)
	e.off += uint64(n)
	e.err = err
}

func (e *encoder) u8(v uint8) {
	e.buf[0] = v
	e.write(e.buf[:1])
}

func (e *encoder) u16(v uint16) {
	binary.LittleEndian.PutUint16(e.buf[:2], v)
	e.write(e.buf[:2])
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.write(e.buf[:8])
}

func (e *encoder) str(s string) {
	e.u64(uint64(len(s)))
	e.write([]byte(s))
}

func (e *encoder) pad(alignment uint64) {
	for e.off%alignment != 0 && e.err == nil {
		e.u8(0)
	}
}

func (e *encoder) value(v any) error {
	switch x := v.(type) {
	case string:
		e.u32(uint32(GGUFMetadataValueTypeString))
		e.str(x)
	case bool:
		e.u32(uint32(GGUFMetadataValueTypeBool))
		if x {
			e.u8(1)
		} else {
			e.u8(0)
		}
	case int32:
		e.u32(uint32(GGUFMetadataValueTypeInt32))
		e.u32(uint32(x))
	case int64:
		e.u32(uint32(GGUFMetadataValueTypeInt64))
		e.u64(uint64(x))
	case uint32:
		e.u32(uint32(GGUFMetadataValueTypeUint32))
		e.u32(x)
	case uint64:
		e.u32(uint32(GGUFMetadataValueTypeUint64))
		e.u64(x)
	case float32:
		e.u32(uint32(GGUFMetadataValueTypeFloat32))
		e.u32(math.Float32bits(x))
	case float64:
		e.u32(uint32(GGUFMetadataValueTypeFloat64))
		e.u64(math.Float64bits(x))
	case []string:
		e.u32(uint32(GGUFMetadataValueTypeArray))
		e.u32(uint32(GGUFMetadataValueTypeString))
		e.u64(uint64(len(x)))
		for _, s := range x {
			e.str(s)
		}
	default:
		return fmt.Errorf("unsupported metadata value %T", v)
	}
	return nil
}
