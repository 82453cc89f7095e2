package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-smlp/internal/config"
	"github.com/23skdu/longbow-smlp/internal/state"
	"github.com/23skdu/longbow-smlp/internal/tensor"
)

// Schema metadata keys.
const (
	MetaID     = "smlp.id"
	MetaArch   = "smlp.arch"
	MetaConfig = "smlp.config"
	MetaFormat = "smlp.format"

	FormatVersion = "smlp-checkpoint/1"
)

func schemaFor(ck *Checkpoint) (*arrow.Schema, error) {
	cfg, err := json.Marshal(ck.Config)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	md := arrow.NewMetadata(
		[]string{MetaID, MetaArch, MetaConfig, MetaFormat},
		[]string{ck.ID, ck.Arch, string(cfg), FormatVersion},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "key", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}, &md), nil
}

// NewRecord builds the single record batch of ck, one row per tensor in key order.
// The caller releases it.
func NewRecord(mem memory.Allocator, ck *Checkpoint) (arrow.Record, error) {
	schema, err := schemaFor(ck)
	if err != nil {
		return nil, err
	}

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	keys := b.Field(0).(*array.StringBuilder)
	shapes := b.Field(1).(*array.ListBuilder)
	dims := shapes.ValueBuilder().(*array.Int64Builder)
	data := b.Field(2).(*array.ListBuilder)
	values := data.ValueBuilder().(*array.Float32Builder)

	for _, k := range ck.Params.Keys() {
		t := ck.Params[k]
		if t == nil {
			return nil, fmt.Errorf("tensor %s is nil", k)
		}
		keys.Append(k)
		shapes.Append(true)
		for _, d := range t.Shape {
			dims.Append(int64(d))
		}
		data.Append(true)
		values.AppendValues(t.Data, nil)
	}
	return b.NewRecord(), nil
}

// Encode writes ck as an Arrow IPC stream.
func Encode(w io.Writer, ck *Checkpoint) error {
	mem := memory.NewGoAllocator()
	rec, err := NewRecord(mem, ck)
	if err != nil {
		return err
	}
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		_ = iw.Close()
		return fmt.Errorf("write record: %w", err)
	}
	return iw.Close()
}

// Decode reads a checkpoint from an Arrow IPC stream.
func Decode(r io.Reader) (*Checkpoint, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open ipc stream: %w", err)
	}
	defer rdr.Release()
	return readStream(rdr)
}

// readStream collects every record batch of rdr into one checkpoint.
func readStream(rdr *ipc.Reader) (*Checkpoint, error) {
	ck, err := fromSchema(rdr.Schema())
	if err != nil {
		return nil, err
	}
	for rdr.Next() {
		if err := readParams(rdr.Record(), ck.Params); err != nil {
			return nil, err
		}
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return ck, nil
}

func fromSchema(schema *arrow.Schema) (*Checkpoint, error) {
	md := schema.Metadata()
	get := func(key string) string {
		if i := md.FindKey(key); i >= 0 {
			return md.Values()[i]
		}
		return ""
	}

	if f := get(MetaFormat); f != FormatVersion {
		return nil, fmt.Errorf("not an smlp checkpoint (format %q)", f)
	}
	cfg, err := decodeConfig(get(MetaConfig))
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		ID:     get(MetaID),
		Arch:   get(MetaArch),
		Config: cfg,
		Params: make(state.Dict),
	}, nil
}

// decodeConfig keeps integral JSON numbers as ints.
func decodeConfig(s string) (config.Record, error) {
	rec := make(config.Record)
	if s == "" {
		return rec, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for k, v := range raw {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				v = int(i)
			} else if f, err := n.Float64(); err == nil {
				v = f
			}
		}
		rec[k] = v
	}
	return rec, nil
}

func readParams(rec arrow.Record, into state.Dict) error {
	if rec.NumCols() != 3 {
		return fmt.Errorf("record has %d columns, want 3", rec.NumCols())
	}
	keys, ok := rec.Column(0).(*array.String)
	if !ok {
		return fmt.Errorf("key column is %s, want utf8", rec.Column(0).DataType())
	}
	shapes, ok := rec.Column(1).(*array.List)
	if !ok {
		return fmt.Errorf("shape column is %s, want list<int64>", rec.Column(1).DataType())
	}
	data, ok := rec.Column(2).(*array.List)
	if !ok {
		return fmt.Errorf("data column is %s, want list<float32>", rec.Column(2).DataType())
	}
	dims, ok := shapes.ListValues().(*array.Int64)
	if !ok {
		return fmt.Errorf("shape values are %s, want int64", shapes.ListValues().DataType())
	}
	values, ok := data.ListValues().(*array.Float32)
	if !ok {
		return fmt.Errorf("data values are %s, want float32", data.ListValues().DataType())
	}

	for i := 0; i < int(rec.NumRows()); i++ {
		key := keys.Value(i)
		if _, dup := into[key]; dup {
			return fmt.Errorf("duplicate tensor %s", key)
		}

		s0, s1 := shapes.ValueOffsets(i)
		shape := make([]int, s1-s0)
		for j := range shape {
			shape[j] = int(dims.Value(int(s0) + j))
		}
		d0, d1 := data.ValueOffsets(i)
		t, err := tensor.New(shape, slices.Clone(values.Float32Values()[d0:d1]))
		if err != nil {
			return fmt.Errorf("tensor %s: %w", key, err)
		}
		into[key] = t
	}
	return nil
}
