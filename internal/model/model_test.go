package model

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-smlp/internal/arch"
	"github.com/23skdu/longbow-smlp/internal/config"
	"github.com/23skdu/longbow-smlp/internal/head"
	"github.com/23skdu/longbow-smlp/internal/state"
	"github.com/23skdu/longbow-smlp/internal/tensor"
)

const testVocab = 16

func build(t *testing.T, archName string, overrides config.Record) *Model {
	t.Helper()
	m, err := Build(arch.NewSMLPRegistry(), archName, overrides, WithVocabSize(testVocab), WithSeed(42))
	if err != nil {
		t.Fatalf("Build(%s) failed: %v", archName, err)
	}
	return m
}

// small keeps the parameter skeleton tiny.
func small(extra config.Record) config.Record {
	r := config.Record{"encoder_embed_dim": 8, "encoder_attention_heads": 2}
	r.Merge(extra)
	return r
}

func TestBuildSkeleton(t *testing.T) {
	m := build(t, "smlp_mlm_complex_sst2", small(nil))

	if m.Config.EncoderLayers != 12 || m.Config.SenRepType != "mp" || !m.Config.Complex {
		t.Errorf("unexpected config: layers=%d sen_rep_type=%s complex=%v",
			m.Config.EncoderLayers, m.Config.SenRepType, m.Config.Complex)
	}
	if m.Heads.Template().Mode != head.ModeMeanPool {
		t.Errorf("head mode = %q, want mp", m.Heads.Template().Mode)
	}

	sd := m.StateDict()
	want := map[string][]int{
		KeyEmbedTokens:   {testVocab, 8},
		KeyLMDenseWeight: {8, 8},
		KeyLMDenseBias:   {8},
		KeyLMNormWeight:  {8},
		KeyLMNormBias:    {8},
		KeyLMBias:        {testVocab},
	}
	got := make(map[string][]int, len(sd))
	for k, v := range sd {
		got[k] = v.Shape
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state dict shapes mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildUntiedWeights(t *testing.T) {
	m := build(t, arch.Root, small(config.Record{"untie_weights_roberta": true}))
	w, ok := m.StateDict()[KeyLMWeight]
	if !ok {
		t.Fatal("untied model should own encoder.lm_head.weight")
	}
	if diff := cmp.Diff([]int{testVocab, 8}, w.Shape); diff != "" {
		t.Errorf("lm_head.weight shape (-want +got):\n%s", diff)
	}
}

func TestBuildLayersToKeep(t *testing.T) {
	m := build(t, "smlp_mlm_complex", small(config.Record{"encoder_layers_to_keep": "0,2,5"}))
	if m.Config.EncoderLayers != 3 {
		t.Errorf("EncoderLayers = %d, want 3", m.Config.EncoderLayers)
	}
}

func TestBuildErrors(t *testing.T) {
	reg := arch.NewSMLPRegistry()

	var unknown arch.UnknownPresetError
	if _, err := Build(reg, "smlp_unknown", nil, WithVocabSize(testVocab)); !errors.As(err, &unknown) {
		t.Errorf("expected UnknownPresetError, got %v", err)
	}
	if _, err := Build(reg, arch.Root, small(config.Record{"dropout": 1.5}), WithVocabSize(testVocab)); err == nil {
		t.Error("expected validation error for dropout 1.5")
	}
	if _, err := Build(reg, arch.Root, small(config.Record{
		"spectral_norm_classification_head": true,
		"quant_noise_pq":                    0.1,
	}), WithVocabSize(testVocab)); err == nil {
		t.Error("expected error for spectral norm with quant noise")
	}
	if _, err := Build(reg, arch.Root, nil, WithVocabSize(0)); err == nil {
		t.Error("expected error for zero vocab")
	}
}

func TestBuildIsReproducible(t *testing.T) {
	a := build(t, arch.Root, small(nil))
	b := build(t, arch.Root, small(nil))
	if !a.StateDict()[KeyEmbedTokens].Equal(b.StateDict()[KeyEmbedTokens]) {
		t.Error("same seed should produce the same embedding")
	}
}

func TestUpgradeAndLoadState(t *testing.T) {
	old := build(t, "smlp_mlm_complex_sst2", small(nil))
	if err := old.RegisterClassificationHead("sst2", 3, 0); err != nil {
		t.Fatal(err)
	}
	blob := make(state.Dict)
	for k, v := range old.StateDict() {
		if rest, ok := cutEncoder(k); ok {
			k = "decoder" + rest
		}
		blob[k] = v
	}

	cur := build(t, "smlp_mlm_complex_sst2", small(nil))
	if err := cur.RegisterClassificationHead("sst2", 2, 0); err != nil {
		t.Fatal(err)
	}
	res, err := cur.UpgradeState(blob, "")
	if err != nil {
		t.Fatalf("UpgradeState failed: %v", err)
	}
	if len(res.Dropped) != 4 || len(res.Backfilled) != 4 {
		t.Errorf("dropped=%v backfilled=%v", res.Dropped, res.Backfilled)
	}
	if len(res.Renamed) != 6 {
		t.Errorf("renamed %d keys, want 6", len(res.Renamed))
	}

	if err := cur.LoadState(res.Blob); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if !cur.StateDict()[KeyEmbedTokens].Equal(old.StateDict()[KeyEmbedTokens]) {
		t.Error("embedding not loaded from checkpoint")
	}
	sst2, _ := cur.Heads.Get("sst2")
	if sst2.NumClasses != 2 {
		t.Errorf("sst2 head has %d classes, want 2", sst2.NumClasses)
	}
}

func TestUpgradeRegistersCheckpointHeads(t *testing.T) {
	old := build(t, "smlp_mlm_complex_mnli", small(nil))
	if err := old.RegisterClassificationHead("mnli", 3, 4); err != nil {
		t.Fatal(err)
	}

	cur := build(t, "smlp_mlm_complex_mnli", small(config.Record{"load_checkpoint_heads": true}))
	res, err := cur.UpgradeState(old.StateDict(), "")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"mnli"}, res.Registered); diff != "" {
		t.Errorf("Registered mismatch (-want +got):\n%s", diff)
	}
	if err := cur.LoadState(res.Blob); err != nil {
		t.Fatal(err)
	}
	mnli, ok := cur.Heads.Get("mnli")
	if !ok || mnli.InnerDim != 4 || mnli.NumClasses != 3 {
		t.Fatalf("mnli head not registered from checkpoint: %+v", mnli)
	}
	oldHead, _ := old.Heads.Get("mnli")
	if !mnli.OutProj.Weight.Equal(oldHead.OutProj.Weight) {
		t.Error("mnli weights not loaded")
	}
}

func TestLoadStateRejectsShapeMismatch(t *testing.T) {
	m := build(t, arch.Root, small(nil))
	err := m.LoadState(state.Dict{KeyLMBias: tensor.Zeros(testVocab + 1)})
	if err == nil {
		t.Fatal("expected shape mismatch error")
	}
	if m.StateDict()[KeyLMBias].Len() != testVocab {
		t.Error("failed load should leave parameters untouched")
	}
}

func TestLoadStateKeepsOpaqueKeys(t *testing.T) {
	m := build(t, arch.Root, small(nil))
	layer := tensor.Ones(8, 8)
	if err := m.LoadState(state.Dict{"encoder.sentence_encoder.layers.0.fc1.weight": layer}); err != nil {
		t.Fatal(err)
	}
	if got := m.StateDict()["encoder.sentence_encoder.layers.0.fc1.weight"]; got == nil || !got.Equal(layer) {
		t.Error("opaque encoder parameter not kept")
	}
}

func TestClassify(t *testing.T) {
	m := build(t, "smlp_mlm_complex_mp", small(nil))
	if err := m.RegisterClassificationHead("cola", 2, 0); err != nil {
		t.Fatal(err)
	}

	out, err := m.Classify("cola", tensor.Ones(3, 5, 8), []int{5, 2, 1})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if diff := cmp.Diff([]int{3, 2}, out.Shape); diff != "" {
		t.Errorf("logits shape (-want +got):\n%s", diff)
	}
	// All-ones features pool to the same vector regardless of length.
	if out.Data[0] != out.Data[2] || out.Data[1] != out.Data[5] {
		t.Errorf("pooled logits differ across examples: %v", out.Data)
	}

	if _, err := m.Classify("missing", tensor.Ones(1, 1, 8), nil); err == nil {
		t.Error("expected error for unknown head")
	}
}

func cutEncoder(k string) (string, bool) {
	const p = "encoder"
	if len(k) > len(p) && k[:len(p)] == p {
		return k[len(p):], true
	}
	return "", false
}

func TestLoadStateHeadMismatchChangesNothing(t *testing.T) {
	m := build(t, arch.Root, small(nil))
	for _, name := range []string{"a", "b"} {
		if err := m.RegisterClassificationHead(name, 2, 0); err != nil {
			t.Fatal(err)
		}
	}
	before := m.StateDict()

	blob := make(state.Dict)
	for k, v := range before {
		blob[k] = tensor.Ones(v.Shape...)
	}
	blob[HeadsPrefix+"b.dense.weight"] = tensor.Ones(3, 8)

	if err := m.LoadState(blob); err == nil {
		t.Fatal("expected shape mismatch for head b")
	}
	after := m.StateDict()
	for k, v := range before {
		if !after[k].Equal(v) {
			t.Errorf("%s changed by a failed load", k)
		}
	}
}
