// Package model assembles an SMLP masked language model from a resolved
// architecture preset: the LM head parameters, the token embedding and the
// classification head collection, plus checkpoint upgrade and loading.
package model

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/23skdu/longbow-smlp/internal/arch"
	"github.com/23skdu/longbow-smlp/internal/config"
	"github.com/23skdu/longbow-smlp/internal/head"
	"github.com/23skdu/longbow-smlp/internal/logger"
	"github.com/23skdu/longbow-smlp/internal/nn"
	"github.com/23skdu/longbow-smlp/internal/state"
	"github.com/23skdu/longbow-smlp/internal/tensor"
)

// DefaultVocabSize is the RoBERTa dictionary size.
const DefaultVocabSize = 50265

const (
	KeyEmbedTokens   = "encoder.sentence_encoder.embed_tokens.embed.weight"
	KeyLMDenseWeight = "encoder.lm_head.dense.weight"
	KeyLMDenseBias   = "encoder.lm_head.dense.bias"
	KeyLMNormWeight  = "encoder.lm_head.layer_norm.weight"
	KeyLMNormBias    = "encoder.lm_head.layer_norm.bias"
	KeyLMBias        = "encoder.lm_head.bias"
	KeyLMWeight      = "encoder.lm_head.weight"
	HeadsPrefix      = "classification_heads."
)

type options struct {
	vocabSize int
	seed      uint64
}

type Option func(*options)

func WithVocabSize(n int) Option {
	return func(o *options) { o.vocabSize = n }
}

// WithSeed fixes the initialisation stream so builds are reproducible.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

type Model struct {
	Arch      string
	Record    config.Record
	Config    *config.Model
	VocabSize int
	Heads     *head.Set

	// params holds the parameters this package constructs.
	params state.Dict
	// opaque holds encoder parameters loaded from a checkpoint that this
	// package does not interpret.
	opaque state.Dict
	log    *logger.Logger
}

// Build resolves archName on top of overrides and constructs the model.
func Build(reg *arch.Registry, archName string, overrides config.Record, opts ...Option) (*Model, error) {
	o := options{vocabSize: DefaultVocabSize, seed: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.vocabSize <= 0 {
		return nil, fmt.Errorf("invalid vocab size: %d (must be positive)", o.vocabSize)
	}

	rec, err := reg.Resolve(archName, overrides)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", archName, err)
	}
	cfg, err := config.Decode(archName, rec)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", archName, err)
	}

	mode, err := head.ParseMode(cfg.SenRepType)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15))
	heads, err := head.NewSet(head.Template{
		InputDim:            cfg.EncoderEmbedDim,
		Activation:          cfg.PoolerActivationFn,
		Mode:                mode,
		Dropout:             cfg.PoolerDropout,
		SpectralNorm:        cfg.SpectralNormClassificationHead,
		QuantNoise:          cfg.QuantNoisePQ,
		QuantNoiseBlockSize: cfg.QuantNoisePQBlockSize,
	}, rng)
	if err != nil {
		return nil, err
	}

	c, v := cfg.EncoderEmbedDim, o.vocabSize
	lmDense := nn.NewLinear(rng, c, c)
	params := state.Dict{
		KeyEmbedTokens:   tensor.Normal(rng, nn.InitStd, v, c),
		KeyLMDenseWeight: lmDense.Weight,
		KeyLMDenseBias:   lmDense.Bias,
		KeyLMNormWeight:  tensor.Ones(c),
		KeyLMNormBias:    tensor.Zeros(c),
		KeyLMBias:        tensor.Zeros(v),
	}
	if cfg.UntieWeights {
		params[KeyLMWeight] = tensor.Normal(rng, nn.InitStd, v, c)
	}

	m := &Model{
		Arch:      archName,
		Record:    rec,
		Config:    cfg,
		VocabSize: v,
		Heads:     heads,
		params:    params,
		opaque:    make(state.Dict),
		log:       logger.Log.With("component", "model", "arch", archName),
	}
	m.log.Debug("Built model",
		"layers", cfg.EncoderLayers, "embed_dim", c, "vocab", v,
		"sen_rep_type", string(mode), "gate", cfg.Gate, "complex", cfg.Complex)
	return m, nil
}

func (m *Model) RegisterClassificationHead(name string, numClasses, innerDim int) error {
	return m.Heads.Register(name, numClasses, innerDim)
}

// UpgradeState migrates a checkpoint blob for this model, using the
// load_checkpoint_heads policy of its configuration.
func (m *Model) UpgradeState(blob state.Dict, prefix string) (*state.Result, error) {
	res, err := state.Migrate(blob, m.Heads, state.Options{
		Prefix:           prefix,
		LoadUnknownHeads: m.Config.LoadCheckpointHeads,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Dropped) > 0 {
		m.log.Warn("Checkpoint keys dropped during upgrade", "count", len(res.Dropped))
	}
	return res, nil
}

// LoadState copies a migrated blob into the model. Parameters the model
// constructs must match in shape; head parameters need a registered head;
// other keys are kept as they are.
func (m *Model) LoadState(blob state.Dict) error {
	headParams := make(state.Dict)
	for k, v := range blob {
		if v == nil {
			return fmt.Errorf("parameter %s is nil", k)
		}
		if rest, ok := strings.CutPrefix(k, HeadsPrefix); ok {
			headParams[rest] = v
			continue
		}
		if cur, ok := m.params[k]; ok && !cur.SameShape(v) {
			return fmt.Errorf("parameter %s: checkpoint shape %v does not match model shape %v", k, v.Shape, cur.Shape)
		}
	}
	if err := m.Heads.Load(headParams); err != nil {
		return err
	}

	for k, v := range blob {
		if strings.HasPrefix(k, HeadsPrefix) {
			continue
		}
		if _, ok := m.params[k]; ok {
			m.params[k] = v.Clone()
		} else {
			m.opaque[k] = v.Clone()
		}
	}
	m.log.Info("Loaded state", "params", len(blob), "heads", m.Heads.Len())
	return nil
}

// StateDict returns every parameter of the model keyed by its dotted path.
func (m *Model) StateDict() state.Dict {
	out := make(state.Dict, len(m.params)+len(m.opaque))
	for k, v := range m.opaque {
		out[k] = v
	}
	for k, v := range m.params {
		out[k] = v
	}
	for k, v := range m.Heads.StateDict() {
		out[HeadsPrefix+k] = v
	}
	return out
}

// Classify runs the named head over encoder features [B, T, C].
func (m *Model) Classify(headName string, features *tensor.Tensor, lengths []int) (*tensor.Tensor, error) {
	h, ok := m.Heads.Get(headName)
	if !ok {
		return nil, fmt.Errorf("no classification head registered as %q", headName)
	}
	return h.Forward(features, lengths)
}
