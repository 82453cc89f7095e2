// Package checkpoint persists and retrieves parameter blobs together with the
// configuration snapshot they were saved with.
//
// The native container is an Arrow IPC stream holding one row per tensor
// (key, shape, data) with the checkpoint identity in the schema metadata.
// GGUF files are read and written for interchange, and checkpoints can be
// served to and fetched from other processes over Arrow Flight.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-smlp/internal/config"
	"github.com/23skdu/longbow-smlp/internal/logger"
	"github.com/23skdu/longbow-smlp/internal/metrics"
	"github.com/23skdu/longbow-smlp/internal/state"
)

const (
	FormatArrow = "arrow"
	FormatGGUF  = "gguf"

	// DefaultFile is the checkpoint file looked up inside a model directory.
	DefaultFile = "model.arrow"
)

type Checkpoint struct {
	ID     string
	Arch   string
	Config config.Record
	Params state.Dict
}

// New wraps params with a fresh checkpoint ID.
func New(arch string, cfg config.Record, params state.Dict) *Checkpoint {
	return &Checkpoint{
		ID:     uuid.NewString(),
		Arch:   arch,
		Config: cfg,
		Params: params,
	}
}

// FormatOf picks the container format from the file extension.
func FormatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".gguf") {
		return FormatGGUF
	}
	return FormatArrow
}

// Save writes ck to path in the format implied by its extension.
func Save(path string, ck *Checkpoint) (err error) {
	format := FormatOf(path)
	defer func() { metrics.RecordCheckpointSave(format, err) }()

	if ck.ID == "" {
		ck.ID = uuid.NewString()
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	switch format {
	case FormatGGUF:
		err = WriteGGUF(f, ck)
	default:
		err = Encode(f, ck)
	}
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	logger.Log.Info("Saved checkpoint", "path", path, "id", ck.ID, "arch", ck.Arch, "tensors", len(ck.Params))
	return nil
}

// Load reads a checkpoint from path, importing GGUF files by extension.
func Load(path string) (ck *Checkpoint, err error) {
	format := FormatOf(path)
	defer func() {
		var tensors int
		var bytes int64
		if ck != nil {
			tensors = len(ck.Params)
			bytes = ck.Params.NumParams() * 4
		}
		metrics.RecordCheckpointLoad(format, tensors, bytes, err)
	}()

	if format == FormatGGUF {
		return ReadGGUF(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	ck, err = Decode(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	logger.Log.Debug("Loaded checkpoint", "path", path, "id", ck.ID, "arch", ck.Arch, "tensors", len(ck.Params))
	return ck, nil
}

// Home returns the checkpoint store: $SMLP_HOME, or ~/.smlp/checkpoints.
func Home() (string, error) {
	if env := os.Getenv("SMLP_HOME"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".smlp", "checkpoints"), nil
}

// ResolvePath turns a model name or filesystem path plus a checkpoint file
// name into the checkpoint file to load. A directory is joined with file, an
// existing file is used as is, and anything else is looked up as
// <Home>/<nameOrPath>/<file>.
func ResolvePath(nameOrPath, file string) (string, error) {
	if file == "" {
		file = DefaultFile
	}

	if info, err := os.Stat(nameOrPath); err == nil {
		if !info.IsDir() {
			return nameOrPath, nil
		}
		path := filepath.Join(nameOrPath, file)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("checkpoint not found at %s", path)
		}
		return path, nil
	}

	home, err := Home()
	if err != nil {
		return "", err
	}
	path := filepath.Join(home, nameOrPath, file)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", fmt.Errorf("checkpoint %q not found (looked in %s)", nameOrPath, path)
	}
	return path, nil
}
