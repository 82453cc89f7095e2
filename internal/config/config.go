package config

import (
	"fmt"
	"slices"
	"strings"
)

// Model is the typed snapshot of a resolved record that drives model construction.
type Model struct {
	Arch string

	EncoderLayers         int
	EncoderEmbedDim       int
	EncoderFFNEmbedDim    int
	EncoderAttentionHeads int
	EncoderQDim           int
	EncoderKDim           int
	EncoderLayersToKeep   string
	EncoderLayerDrop      float64

	ActivationFn       string
	PoolerActivationFn string
	GateActivationFn   string

	EncoderNormalizeBefore bool
	EncoderLearnedPos      bool
	UsePositionEmbeddings  bool
	NormType               string

	Dropout           float64
	AttentionDropout  float64
	ActivationDropout float64
	PoolerDropout     float64

	MaxPositions    int
	TokensPerSample int

	LoadCheckpointHeads            bool
	UntieWeights                   bool
	SpectralNormClassificationHead bool

	QuantNoisePQ          float64
	QuantNoisePQBlockSize int
	QuantNoiseScalar      float64

	SenRepType string
	Gate       bool
	Complex    bool
	Freeze     bool
	RMax       float64
	RMin       float64
	MaxPhase   float64
	DtMin      float64
	DtMax      float64
	MaxLambda  float64
}

// decoder reads typed fields from a record and keeps the first error.
type decoder struct {
	r   Record
	err error
}

func (d *decoder) int(key string) int {
	if d.err != nil {
		return 0
	}
	v, err := d.r.Int(key)
	d.err = err
	return v
}

func (d *decoder) float(key string) float64 {
	if d.err != nil {
		return 0
	}
	v, err := d.r.Float(key)
	d.err = err
	return v
}

func (d *decoder) bool(key string) bool {
	if d.err != nil {
		return false
	}
	v, err := d.r.Bool(key)
	d.err = err
	return v
}

func (d *decoder) string(key string) string {
	if d.err != nil {
		return ""
	}
	v, err := d.r.String(key)
	d.err = err
	return v
}

// Decode reads a fully resolved record into a Model. Every field must be present.
func Decode(arch string, r Record) (*Model, error) {
	d := &decoder{r: r}
	m := &Model{
		Arch:                           arch,
		EncoderLayers:                  d.int("encoder_layers"),
		EncoderEmbedDim:                d.int("encoder_embed_dim"),
		EncoderFFNEmbedDim:             d.int("encoder_ffn_embed_dim"),
		EncoderAttentionHeads:          d.int("encoder_attention_heads"),
		EncoderQDim:                    d.int("encoder_q_dim"),
		EncoderKDim:                    d.int("encoder_k_dim"),
		EncoderLayersToKeep:            d.string("encoder_layers_to_keep"),
		EncoderLayerDrop:               d.float("encoder_layerdrop"),
		ActivationFn:                   d.string("activation_fn"),
		PoolerActivationFn:             d.string("pooler_activation_fn"),
		GateActivationFn:               d.string("gate_activation_fn"),
		EncoderNormalizeBefore:         d.bool("encoder_normalize_before"),
		EncoderLearnedPos:              d.bool("encoder_learned_pos"),
		UsePositionEmbeddings:          d.bool("use_position_embeddings"),
		NormType:                       d.string("norm_type"),
		Dropout:                        d.float("dropout"),
		AttentionDropout:               d.float("attention_dropout"),
		ActivationDropout:              d.float("activation_dropout"),
		PoolerDropout:                  d.float("pooler_dropout"),
		MaxPositions:                   d.int("max_positions"),
		TokensPerSample:                d.int("tokens_per_sample"),
		LoadCheckpointHeads:            d.bool("load_checkpoint_heads"),
		UntieWeights:                   d.bool("untie_weights_roberta"),
		SpectralNormClassificationHead: d.bool("spectral_norm_classification_head"),
		QuantNoisePQ:                   d.float("quant_noise_pq"),
		QuantNoisePQBlockSize:          d.int("quant_noise_pq_block_size"),
		QuantNoiseScalar:               d.float("quant_noise_scalar"),
		SenRepType:                     d.string("sen_rep_type"),
		Gate:                           d.bool("gate"),
		Complex:                        d.bool("complex"),
		Freeze:                         d.bool("freeze"),
		RMax:                           d.float("r_max"),
		RMin:                           d.float("r_min"),
		MaxPhase:                       d.float("max_phase"),
		DtMin:                          d.float("dt_min"),
		DtMax:                          d.float("dt_max"),
		MaxLambda:                      d.float("max_lambda"),
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode %s: %w", arch, d.err)
	}

	if m.EncoderLayersToKeep != "" {
		m.EncoderLayers = len(strings.Split(m.EncoderLayersToKeep, ","))
	}
	return m, nil
}

func (c *Model) Validate() error {
	if c.EncoderLayers <= 0 {
		return fmt.Errorf("invalid encoder_layers: %d (must be positive)", c.EncoderLayers)
	}
	if c.EncoderEmbedDim <= 0 {
		return fmt.Errorf("invalid encoder_embed_dim: %d (must be positive)", c.EncoderEmbedDim)
	}
	if c.EncoderFFNEmbedDim <= 0 {
		return fmt.Errorf("invalid encoder_ffn_embed_dim: %d (must be positive)", c.EncoderFFNEmbedDim)
	}
	if c.EncoderAttentionHeads <= 0 {
		return fmt.Errorf("invalid encoder_attention_heads: %d (must be positive)", c.EncoderAttentionHeads)
	}
	if c.MaxPositions <= 0 {
		return fmt.Errorf("invalid max_positions: %d (must be positive)", c.MaxPositions)
	}
	if c.QuantNoisePQBlockSize <= 0 {
		return fmt.Errorf("invalid quant_noise_pq_block_size: %d (must be positive)", c.QuantNoisePQBlockSize)
	}

	probs := []struct {
		name string
		v    float64
	}{
		{"dropout", c.Dropout},
		{"attention_dropout", c.AttentionDropout},
		{"activation_dropout", c.ActivationDropout},
		{"pooler_dropout", c.PoolerDropout},
		{"encoder_layerdrop", c.EncoderLayerDrop},
		{"quant_noise_pq", c.QuantNoisePQ},
		{"quant_noise_scalar", c.QuantNoiseScalar},
	}
	for _, p := range probs {
		if p.v < 0 || p.v > 1 {
			return fmt.Errorf("invalid %s: %v (must be in [0, 1])", p.name, p.v)
		}
	}

	choices := []struct {
		name string
		v    string
	}{
		{"activation_fn", c.ActivationFn},
		{"pooler_activation_fn", c.PoolerActivationFn},
		{"gate_activation_fn", c.GateActivationFn},
		{"sen_rep_type", c.SenRepType},
	}
	for _, ch := range choices {
		o, _ := LookupOption(ch.name)
		if !slices.Contains(o.Choices, ch.v) {
			return fmt.Errorf("invalid %s: %q (choose from %s)", ch.name, ch.v, strings.Join(o.Choices, ", "))
		}
	}

	if c.SpectralNormClassificationHead && c.QuantNoisePQ != 0 {
		return fmt.Errorf("spectral normalization with quant noise is not supported")
	}
	if c.RMin > c.RMax {
		return fmt.Errorf("invalid r_min: %v (must be <= r_max: %v)", c.RMin, c.RMax)
	}
	if c.DtMin > c.DtMax {
		return fmt.Errorf("invalid dt_min: %v (must be <= dt_max: %v)", c.DtMin, c.DtMax)
	}
	return nil
}

// HeadDim is the per-head attention width.
func (c *Model) HeadDim() int {
	return c.EncoderEmbedDim / c.EncoderAttentionHeads
}
