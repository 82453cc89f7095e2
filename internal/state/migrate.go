package state

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/23skdu/longbow-smlp/internal/logger"
	"github.com/23skdu/longbow-smlp/internal/metrics"
)

const (
	legacyNamespace  = "decoder"
	currentNamespace = "encoder"
	headsNamespace   = "classification_heads"

	outProjWeight = "out_proj.weight"
	denseWeight   = "dense.weight"
)

// Heads is the classification head collection of a live model.
type Heads interface {
	Shapes() map[string]HeadShape
	Register(name string, numClasses, innerDim int) error
	// StateDict returns head parameters keyed "<head>.<param>".
	StateDict() Dict
}

type Options struct {
	// Prefix is the module name the blob is nested under; empty for the top level.
	Prefix string
	// LoadUnknownHeads registers checkpoint heads the model does not have yet.
	LoadUnknownHeads bool
}

func (o Options) prefix() string {
	if o.Prefix == "" {
		return ""
	}
	return o.Prefix + "."
}

type Result struct {
	Blob Dict
	// Dropped lists removed keys in sorted order.
	Dropped []string
	// Renamed maps each legacy key to its new key.
	Renamed map[string]string
	// Registered lists head names created from the checkpoint.
	Registered []string
	// Backfilled lists keys filled from the live model's current head weights.
	Backfilled []string
}

// MalformedCheckpointError reports a head whose weights cannot be interpreted.
type MalformedCheckpointError struct {
	Key    string
	Shape  []int
	Reason string
}

func (e MalformedCheckpointError) Error() string {
	if e.Shape != nil {
		return fmt.Sprintf("malformed checkpoint: %s %v: %s", e.Key, e.Shape, e.Reason)
	}
	return fmt.Sprintf("malformed checkpoint: %s: %s", e.Key, e.Reason)
}

// Migrate rewrites blob for the current model. Legacy decoder keys move to the
// encoder namespace, checkpoint heads are reconciled with heads, and heads the
// checkpoint lacks are filled from their current weights. blob is not modified.
func Migrate(blob Dict, heads Heads, opts Options) (*Result, error) {
	start := time.Now()
	log := logger.Log.With("component", "migrate")
	prefix := opts.prefix()

	res := &Result{
		Blob:    blob.Clone(),
		Renamed: make(map[string]string),
	}

	renameLegacy(res, prefix)
	for old, renamed := range res.Renamed {
		log.Debug("Renamed legacy key", "from", old, "to", renamed)
	}

	if err := reconcileHeads(res, heads, opts, prefix, log); err != nil {
		metrics.RecordMigrationFailure()
		return nil, err
	}

	headPrefix := prefix + headsNamespace + "."
	for k, v := range heads.StateDict() {
		key := headPrefix + k
		if _, ok := res.Blob[key]; ok {
			continue
		}
		res.Blob[key] = v
		res.Backfilled = append(res.Backfilled, key)
	}
	sort.Strings(res.Backfilled)
	if len(res.Backfilled) > 0 {
		log.Info("Backfilled head parameters from current model", "keys", len(res.Backfilled))
	}

	metrics.RecordMigration(len(res.Renamed), len(res.Dropped), len(res.Backfilled), time.Since(start))
	return res, nil
}

// renameLegacy moves "<prefix>decoder[.rest]" to "<prefix>encoder[.rest]".
// A renamed value replaces an existing encoder entry.
func renameLegacy(res *Result, prefix string) {
	legacy := prefix + legacyNamespace
	for _, k := range res.Blob.Keys() {
		rest, ok := strings.CutPrefix(k, legacy)
		if !ok || (rest != "" && rest[0] != '.') {
			continue
		}
		renamed := prefix + currentNamespace + rest
		res.Blob[renamed] = res.Blob[k]
		delete(res.Blob, k)
		res.Renamed[k] = renamed
	}
}

func reconcileHeads(res *Result, heads Heads, opts Options, prefix string, log *logger.Logger) error {
	headPrefix := prefix + headsNamespace + "."

	keysByHead := make(map[string][]string)
	for _, k := range res.Blob.Keys() {
		rest, ok := strings.CutPrefix(k, headPrefix)
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, ".")
		keysByHead[name] = append(keysByHead[name], k)
	}

	names := make([]string, 0, len(keysByHead))
	for name := range keysByHead {
		names = append(names, name)
	}
	sort.Strings(names)

	// Every head is read before any is registered so a malformed checkpoint
	// leaves the live head set untouched.
	shapes := make(map[string]HeadShape, len(names))
	for _, name := range names {
		persisted, err := persistedShape(res.Blob, headPrefix+name+".")
		if err != nil {
			return err
		}
		shapes[name] = persisted
	}

	current := heads.Shapes()
	for _, name := range names {
		persisted := shapes[name]
		want, known := current[name]
		switch {
		case !known && opts.LoadUnknownHeads:
			if err := heads.Register(name, persisted.NumClasses, persisted.InnerDim); err != nil {
				return fmt.Errorf("register head %q from checkpoint: %w", name, err)
			}
			res.Registered = append(res.Registered, name)
			log.Info("Registered classification head from checkpoint", "head", name,
				"num_classes", persisted.NumClasses, "inner_dim", persisted.InnerDim)
			continue
		case !known:
			log.Warn("Deleting classification head from checkpoint not present in current model",
				"head", name, "keys", len(keysByHead[name]))
		case persisted != want:
			log.Warn("Deleting classification head from checkpoint with different dimensions than current model",
				"head", name,
				"checkpoint_num_classes", persisted.NumClasses, "checkpoint_inner_dim", persisted.InnerDim,
				"model_num_classes", want.NumClasses, "model_inner_dim", want.InnerDim)
		default:
			continue
		}

		for _, k := range keysByHead[name] {
			delete(res.Blob, k)
			res.Dropped = append(res.Dropped, k)
		}
	}
	sort.Strings(res.Dropped)
	return nil
}

// persistedShape reads num_classes from out_proj.weight dim 0 and inner_dim
// from dense.weight dim 0. Both must be positive.
func persistedShape(blob Dict, prefix string) (HeadShape, error) {
	dim0 := func(param string) (int, error) {
		key := prefix + param
		t, ok := blob[key]
		if !ok || t == nil {
			return 0, MalformedCheckpointError{Key: key, Reason: "missing head weight"}
		}
		if t.Rank() < 2 {
			return 0, MalformedCheckpointError{Key: key, Shape: t.Shape, Reason: "head weight must be at least rank 2"}
		}
		if t.Dim(0) <= 0 {
			return 0, MalformedCheckpointError{Key: key, Shape: t.Shape, Reason: "head weight has no output rows"}
		}
		return t.Dim(0), nil
	}

	numClasses, err := dim0(outProjWeight)
	if err != nil {
		return HeadShape{}, err
	}
	innerDim, err := dim0(denseWeight)
	if err != nil {
		return HeadShape{}, err
	}
	return HeadShape{NumClasses: numClasses, InnerDim: innerDim}, nil
}
