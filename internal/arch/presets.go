package arch

import "github.com/23skdu/longbow-smlp/internal/config"

// Root is the preset every SMLP architecture inherits from.
const Root = "smlp_mlm"

// base defaults every field a model build reads.
var base = Chain(
	Defaults(
		Default{"encoder_layers", 12},
		Default{"encoder_embed_dim", 768},
		Default{"encoder_ffn_embed_dim", 3072},
		Default{"encoder_attention_heads", 12},
		Default{"activation_fn", "gelu"},
		Default{"pooler_activation_fn", "tanh"},
		Default{"gate_activation_fn", "sigmoid"},
		Default{"dropout", 0.1},
		Default{"attention_dropout", 0.0},
		Default{"activation_dropout", 0.0},
		Default{"pooler_dropout", 0.0},
		Default{"encoder_layers_to_keep", nil},
		Default{"encoder_layerdrop", 0.0},
		Default{"tokens_per_sample", 512},
		Default{"load_checkpoint_heads", false},
		Default{"quant_noise_pq", 0.0},
		Default{"quant_noise_pq_block_size", 8},
		Default{"quant_noise_scalar", 0.0},
		Default{"untie_weights_roberta", false},
		Default{"spectral_norm_classification_head", false},
		Default{"share_encoder_input_output_embed", true},
		Default{"encoder_learned_pos", false},
		Default{"no_token_positional_embeddings", false},
		Default{"sent_loss", true},
		Default{"normalize_embedding", false},
		Default{"adaptive_input", false},
		Default{"encoder_normalize_before", false},
		Default{"encoder_q_dim", 768},
		Default{"encoder_k_dim", 768},
		Default{"use_position_embeddings", true},
		Default{"smlp_pos", "before_act"},
		Default{"has_ffn", false},
		Default{"kernal_cutoff", false},
		Default{"complex", false},
		Default{"complex_version", "normal"},
		Default{"no_beta", false},
		Default{"norm_type", "layernorm"},
		Default{"max_lambda", 0.9999},
		Default{"norm_after_smlp", false},
		Default{"cls_attn", false},
		Default{"gate", false},
		Default{"freeze", false},
		Default{"sen_rep_type", "cls"},
		Default{"r_max", 0.9},
		Default{"r_min", 0.1},
		Default{"max_phase", 6.28},
		Default{"dt_min", 1e-3},
		Default{"dt_max", 0.1},
	),
	maxPositionsFromSample,
)

// maxPositionsFromSample falls back to the training sample length.
func maxPositionsFromSample(r config.Record) {
	if r.Has("max_positions") {
		return
	}
	if n, err := r.Int("tokens_per_sample"); err == nil {
		r["max_positions"] = n
	}
}

var complexRecurrence = Defaults(
	Default{"encoder_normalize_before", true},
	Default{"use_position_embeddings", false},
	Default{"complex", true},
	Default{"r_max", 0.9},
	Default{"r_min", 0.1},
	Default{"max_phase", 6.28},
	Default{"dt_min", 1e-3},
	Default{"dt_max", 0.1},
	Default{"gate_activation_fn", "sigmoid"},
)

// task builds the per-benchmark preset: 512-wide, mean pooled, with its own depth.
func task(layers int, maxPhase float64) Rule {
	return Defaults(
		Default{"r_max", 0.9},
		Default{"r_min", 0.1},
		Default{"max_phase", maxPhase},
		Default{"sen_rep_type", "mp"},
		Default{"encoder_embed_dim", 512},
		Default{"encoder_k_dim", 512},
		Default{"encoder_layers", layers},
	)
}

var gated = Defaults(Default{"gate", true})

// RegisterSMLP adds the built-in SMLP presets to r, whose root must be Root.
func RegisterSMLP(r *Registry) error {
	presets := []Preset{
		{Root, "", base},
		{"smlp_mlm_complex", Root, complexRecurrence},
		{"smlp_mlm_complex_mp", "smlp_mlm_complex", Defaults(Default{"sen_rep_type", "mp"})},
		{"smlp_mlm_complex_gate", "smlp_mlm_complex", Defaults(
			Default{"decoder_layers", 16},
			Default{"gate", true},
		)},
		{"smlp_mlm_complex_QQP", "smlp_mlm_complex", task(6, 6.28)},
		{"smlp_mlm_complex_sst2", "smlp_mlm_complex", task(12, 6.28)},
		{"smlp_mlm_complex_sst2_gate", "smlp_mlm_complex_sst2", gated},
		// QQP_gate has always inherited the sst2 depth.
		{"smlp_mlm_complex_QQP_gate", "smlp_mlm_complex_sst2", gated},
		{"smlp_mlm_complex_cola", "smlp_mlm_complex", task(3, 6.28)},
		{"smlp_mlm_complex_cola_gate", "smlp_mlm_complex_cola", gated},
		{"smlp_mlm_complex_mrpc", "smlp_mlm_complex", task(6, 6.28)},
		{"smlp_mlm_complex_mrpc_gate", "smlp_mlm_complex_mrpc", gated},
		{"smlp_mlm_complex_mnli", "smlp_mlm_complex_QQP", Defaults(Default{"encoder_layers", 12})},
		{"smlp_mlm_complex_mnli_gate", "smlp_mlm_complex_QQP", Defaults(
			Default{"gate", true},
			Default{"encoder_layers", 12},
		)},
		{"smlp_mlm_complex_qnli", "smlp_mlm_complex", task(6, 6.28)},
		{"smlp_mlm_complex_qnli_gate", "smlp_mlm_complex_QQP", gated},
		{"smlp_mlm_complex_imdb", "smlp_mlm_complex", task(4, 3.14)},
		{"smlp_mlm_complex_imdb_gate", "smlp_mlm_complex_imdb", gated},
	}

	for _, p := range presets {
		if err := r.Register(p.Name, p.Parent, p.Rule); err != nil {
			return err
		}
	}
	return nil
}

// NewSMLPRegistry returns a registry holding only the built-in presets.
func NewSMLPRegistry() *Registry {
	r := NewRegistry(Root)
	if err := RegisterSMLP(r); err != nil {
		panic("arch: built-in presets: " + err.Error())
	}
	return r
}
