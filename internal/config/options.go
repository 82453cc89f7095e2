package config

import (
	"strings"

	"github.com/23skdu/longbow-smlp/internal/nn"
)

type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Option describes one user-settable field of the configuration record.
type Option struct {
	Name    string
	Kind    Kind
	Help    string
	Choices []string
}

// FlagName is the command-line spelling of the option.
func (o Option) FlagName() string {
	return strings.ReplaceAll(o.Name, "_", "-")
}

var sentenceRepresentations = []string{"cls", "mp", "mean_pool"}

// Options is the schema of user-facing fields, in the order they are shown.
var Options = []Option{
	{Name: "encoder_layers", Kind: KindInt, Help: "num encoder layers"},
	{Name: "encoder_embed_dim", Kind: KindInt, Help: "encoder embedding dimension"},
	{Name: "encoder_ffn_embed_dim", Kind: KindInt, Help: "encoder embedding dimension for FFN"},
	{Name: "encoder_attention_heads", Kind: KindInt, Help: "num encoder attention heads"},
	{Name: "activation_fn", Kind: KindString, Help: "activation function to use", Choices: nn.ActivationNames()},
	{Name: "pooler_activation_fn", Kind: KindString, Help: "activation function to use for pooler layer", Choices: nn.ActivationNames()},
	{Name: "encoder_normalize_before", Kind: KindBool, Help: "apply layernorm before each encoder block"},
	{Name: "dropout", Kind: KindFloat, Help: "dropout probability"},
	{Name: "attention_dropout", Kind: KindFloat, Help: "dropout probability for attention weights"},
	{Name: "activation_dropout", Kind: KindFloat, Help: "dropout probability after activation in FFN"},
	{Name: "pooler_dropout", Kind: KindFloat, Help: "dropout probability in the masked_lm pooler layers"},
	{Name: "max_positions", Kind: KindInt, Help: "number of positional embeddings to learn"},
	{Name: "tokens_per_sample", Kind: KindInt, Help: "max sequence length, used when max_positions is unset"},
	{Name: "load_checkpoint_heads", Kind: KindBool, Help: "(re-)register and load heads when loading checkpoints"},
	{Name: "encoder_layerdrop", Kind: KindFloat, Help: "LayerDrop probability for encoder"},
	{Name: "encoder_layers_to_keep", Kind: KindString, Help: "which layers to *keep* when pruning as a comma-separated list"},
	{Name: "quant_noise_pq", Kind: KindFloat, Help: "iterative PQ quantization noise at training time"},
	{Name: "quant_noise_pq_block_size", Kind: KindInt, Help: "block size of quantization noise at training time"},
	{Name: "quant_noise_scalar", Kind: KindFloat, Help: "scalar quantization noise and scalar quantization at training time"},
	{Name: "untie_weights_roberta", Kind: KindBool, Help: "untie weights between embeddings and classifiers"},
	{Name: "spectral_norm_classification_head", Kind: KindBool, Help: "apply spectral normalization on the classification head"},
	{Name: "sen_rep_type", Kind: KindString, Help: "sentence representation: cls token or mean pooling", Choices: sentenceRepresentations},
	{Name: "gate", Kind: KindBool, Help: "gate the SMLP block output"},
	{Name: "gate_activation_fn", Kind: KindString, Help: "activation used by the gate", Choices: nn.ActivationNames()},
	{Name: "complex", Kind: KindBool, Help: "use complex-valued recurrence"},
	{Name: "complex_version", Kind: KindString, Help: "complex recurrence variant"},
	{Name: "r_max", Kind: KindFloat, Help: "upper bound of the recurrence radius init"},
	{Name: "r_min", Kind: KindFloat, Help: "lower bound of the recurrence radius init"},
	{Name: "max_phase", Kind: KindFloat, Help: "maximum phase of the recurrence init"},
	{Name: "dt_min", Kind: KindFloat, Help: "minimum discretisation step"},
	{Name: "dt_max", Kind: KindFloat, Help: "maximum discretisation step"},
	{Name: "freeze", Kind: KindBool, Help: "freeze the recurrence parameters"},
	{Name: "encoder_q_dim", Kind: KindInt, Help: "query projection dimension"},
	{Name: "encoder_k_dim", Kind: KindInt, Help: "key projection dimension"},
	{Name: "encoder_learned_pos", Kind: KindBool, Help: "use learned positional embeddings"},
	{Name: "use_position_embeddings", Kind: KindBool, Help: "add positional embeddings to the input"},
	{Name: "norm_type", Kind: KindString, Help: "normalisation layer type"},
	{Name: "max_lambda", Kind: KindFloat, Help: "upper bound of the recurrence eigenvalues"},
}

// LookupOption finds an option by record name or flag name.
func LookupOption(name string) (Option, bool) {
	name = strings.ReplaceAll(name, "-", "_")
	for _, o := range Options {
		if o.Name == name {
			return o, true
		}
	}
	return Option{}, false
}
