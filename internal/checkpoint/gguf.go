package checkpoint

import (
	"fmt"
	"io"
	"strings"

	"github.com/23skdu/longbow-smlp/internal/config"
	"github.com/23skdu/longbow-smlp/internal/gguf"
	"github.com/23skdu/longbow-smlp/internal/logger"
	"github.com/23skdu/longbow-smlp/internal/state"
	"github.com/23skdu/longbow-smlp/internal/tensor"
)

const (
	ggufArchKey   = "general.architecture"
	ggufIDKey     = "smlp.id"
	ggufConfigPfx = "smlp.config."
)

// ReadGGUF imports a GGUF file. smlp.config.* entries become the config record
// and general.architecture the arch.
func ReadGGUF(path string) (*Checkpoint, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	ck := &Checkpoint{Config: make(config.Record), Params: make(state.Dict)}
	for pair := f.KV.Oldest(); pair != nil; pair = pair.Next() {
		switch {
		case pair.Key == ggufArchKey:
			ck.Arch, _ = pair.Value.(string)
		case pair.Key == ggufIDKey:
			ck.ID, _ = pair.Value.(string)
		case strings.HasPrefix(pair.Key, ggufConfigPfx):
			ck.Config[strings.TrimPrefix(pair.Key, ggufConfigPfx)] = fromGGUFValue(pair.Value)
		}
	}

	for _, ti := range f.Tensors {
		data, err := f.ReadFloat32(ti)
		if err != nil {
			return nil, err
		}
		t, err := tensor.New(ti.Shape(), data)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", ti.Name, err)
		}
		ck.Params[ti.Name] = t
	}
	logger.Log.Debug("Imported GGUF checkpoint", "path", path, "arch", ck.Arch, "tensors", len(ck.Params))
	return ck, nil
}

// WriteGGUF exports ck as F32 GGUF. nil config values are omitted.
func WriteGGUF(w io.Writer, ck *Checkpoint) error {
	kv := gguf.NewMetadata()
	kv.Set(ggufArchKey, ck.Arch)
	kv.Set(ggufIDKey, ck.ID)
	for _, k := range ck.Config.Keys() {
		v, ok := toGGUFValue(ck.Config[k])
		if !ok {
			continue
		}
		kv.Set(ggufConfigPfx+k, v)
	}

	tensors := make([]gguf.Tensor, 0, len(ck.Params))
	for _, k := range ck.Params.Keys() {
		t := ck.Params[k]
		tensors = append(tensors, gguf.Tensor{Name: k, Shape: t.Shape, Data: t.Data, Type: gguf.GGMLTypeF32})
	}
	return gguf.Write(w, kv, tensors)
}

func toGGUFValue(v any) (any, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case float64, bool, string:
		return x, true
	case float32:
		return float64(x), true
	default:
		return nil, false
	}
}

func fromGGUFValue(v any) any {
	switch x := v.(type) {
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint32:
		return int(x)
	case uint64:
		return int(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}
