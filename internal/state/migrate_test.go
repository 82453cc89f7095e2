package state

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-smlp/internal/tensor"
)

// fakeHeads keeps head parameters as zero tensors of the right shape.
type fakeHeads struct {
	inputDim int
	shapes   map[string]HeadShape
}

func newFakeHeads(inputDim int, shapes map[string]HeadShape) *fakeHeads {
	if shapes == nil {
		shapes = make(map[string]HeadShape)
	}
	return &fakeHeads{inputDim: inputDim, shapes: shapes}
}

func (f *fakeHeads) Shapes() map[string]HeadShape {
	out := make(map[string]HeadShape, len(f.shapes))
	for k, v := range f.shapes {
		out[k] = v
	}
	return out
}

func (f *fakeHeads) Register(name string, numClasses, innerDim int) error {
	f.shapes[name] = HeadShape{NumClasses: numClasses, InnerDim: innerDim}
	return nil
}

func (f *fakeHeads) StateDict() Dict {
	d := make(Dict)
	for name, s := range f.shapes {
		d[name+".dense.weight"] = tensor.Zeros(s.InnerDim, f.inputDim)
		d[name+".dense.bias"] = tensor.Zeros(s.InnerDim)
		d[name+".out_proj.weight"] = tensor.Zeros(s.NumClasses, s.InnerDim)
		d[name+".out_proj.bias"] = tensor.Zeros(s.NumClasses)
	}
	return d
}

func filled(v float32, shape ...int) *tensor.Tensor {
	t := tensor.Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// headBlob builds checkpoint entries for one head.
func headBlob(d Dict, prefix, name string, numClasses, innerDim, inputDim int) {
	p := prefix + "classification_heads." + name + "."
	d[p+"dense.weight"] = filled(1, innerDim, inputDim)
	d[p+"dense.bias"] = filled(1, innerDim)
	d[p+"out_proj.weight"] = filled(1, numClasses, innerDim)
	d[p+"out_proj.bias"] = filled(1, numClasses)
}

func TestMigrateRenamesLegacyNamespace(t *testing.T) {
	bias := filled(7, 10)
	blob := Dict{
		"decoder.lm_head.bias":           bias,
		"decoder_extra.weight":           filled(1, 2),
		"encoder.sentence_encoder.bias":  filled(2, 4),
		"something.decoder.lm_head.bias": filled(3, 1),
	}

	res, err := Migrate(blob, newFakeHeads(8, nil), Options{})
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	got, ok := res.Blob["encoder.lm_head.bias"]
	if !ok || got != bias {
		t.Fatalf("encoder.lm_head.bias = %v, want the original tensor", got)
	}
	if _, ok := res.Blob["decoder.lm_head.bias"]; ok {
		t.Error("legacy key decoder.lm_head.bias still present")
	}
	for _, k := range []string{"decoder_extra.weight", "encoder.sentence_encoder.bias", "something.decoder.lm_head.bias"} {
		if _, ok := res.Blob[k]; !ok {
			t.Errorf("unrelated key %q was not passed through", k)
		}
	}
	if diff := cmp.Diff(map[string]string{"decoder.lm_head.bias": "encoder.lm_head.bias"}, res.Renamed); diff != "" {
		t.Errorf("Renamed mismatch (-want +got):\n%s", diff)
	}

	if _, ok := blob["decoder.lm_head.bias"]; !ok || len(blob) != 4 {
		t.Error("input blob was modified")
	}
}

func TestMigrateRenameCollisionLegacyWins(t *testing.T) {
	legacy := filled(1, 3)
	blob := Dict{
		"decoder.lm_head.weight": legacy,
		"encoder.lm_head.weight": filled(2, 3),
	}
	res, err := Migrate(blob, newFakeHeads(4, nil), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Blob["encoder.lm_head.weight"] != legacy {
		t.Error("renamed legacy value should overwrite the existing encoder key")
	}
	if len(res.Blob) != 1 {
		t.Errorf("blob has %d keys, want 1", len(res.Blob))
	}
}

func TestMigrateWithPrefix(t *testing.T) {
	blob := Dict{
		"model.decoder.lm_head.bias": filled(1, 3),
		"decoder.lm_head.bias":       filled(2, 3),
	}
	headBlob(blob, "model.", "sst2", 2, 4, 4)

	heads := newFakeHeads(4, map[string]HeadShape{"sst2": {NumClasses: 2, InnerDim: 4}})
	res, err := Migrate(blob, heads, Options{Prefix: "model"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Blob["model.encoder.lm_head.bias"]; !ok {
		t.Error("prefixed legacy key not renamed")
	}
	if _, ok := res.Blob["decoder.lm_head.bias"]; !ok {
		t.Error("key outside the prefix should be untouched")
	}
	if len(res.Dropped) != 0 || len(res.Backfilled) != 0 {
		t.Errorf("matching head should be kept as is: dropped=%v backfilled=%v", res.Dropped, res.Backfilled)
	}
}

func TestMigrateDropsMismatchedHeadAndBackfills(t *testing.T) {
	blob := Dict{}
	headBlob(blob, "", "sst2", 3, 512, 512)

	heads := newFakeHeads(512, map[string]HeadShape{"sst2": {NumClasses: 2, InnerDim: 512}})
	res, err := Migrate(blob, heads, Options{})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"classification_heads.sst2.dense.bias",
		"classification_heads.sst2.dense.weight",
		"classification_heads.sst2.out_proj.bias",
		"classification_heads.sst2.out_proj.weight",
	}
	if diff := cmp.Diff(want, res.Dropped); diff != "" {
		t.Errorf("Dropped mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, res.Backfilled); diff != "" {
		t.Errorf("Backfilled mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 512}, res.Blob["classification_heads.sst2.out_proj.weight"].Shape); diff != "" {
		t.Errorf("backfilled out_proj.weight shape mismatch (-want +got):\n%s", diff)
	}
}

func TestMigrateUnknownHead(t *testing.T) {
	tests := []struct {
		name           string
		loadUnknown    bool
		wantRegistered []string
		wantDropped    int
	}{
		{"dropped without policy", false, nil, 4},
		{"registered with policy", true, []string{"mnli"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := Dict{}
			headBlob(blob, "", "mnli", 3, 16, 16)
			heads := newFakeHeads(16, nil)

			res, err := Migrate(blob, heads, Options{LoadUnknownHeads: tt.loadUnknown})
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.wantRegistered, res.Registered); diff != "" {
				t.Errorf("Registered mismatch (-want +got):\n%s", diff)
			}
			if len(res.Dropped) != tt.wantDropped {
				t.Errorf("dropped %d keys, want %d", len(res.Dropped), tt.wantDropped)
			}
			if !tt.loadUnknown {
				return
			}
			if got := heads.shapes["mnli"]; got != (HeadShape{NumClasses: 3, InnerDim: 16}) {
				t.Errorf("registered shape = %+v", got)
			}
			if res.Blob["classification_heads.mnli.out_proj.weight"] != blob["classification_heads.mnli.out_proj.weight"] {
				t.Error("checkpoint weights of a registered head should be kept")
			}
			if len(res.Backfilled) != 0 {
				t.Errorf("nothing should be backfilled, got %v", res.Backfilled)
			}
		})
	}
}

func TestMigrateKnownMismatchDroppedEvenWithPolicy(t *testing.T) {
	blob := Dict{}
	headBlob(blob, "", "qqp", 5, 8, 8)
	heads := newFakeHeads(8, map[string]HeadShape{"qqp": {NumClasses: 2, InnerDim: 8}})

	res, err := Migrate(blob, heads, Options{LoadUnknownHeads: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Dropped) != 4 || len(res.Registered) != 0 {
		t.Errorf("dropped=%v registered=%v", res.Dropped, res.Registered)
	}
}

func TestMigrateBackfillsNewHead(t *testing.T) {
	blob := Dict{"encoder.lm_head.bias": filled(1, 10)}
	heads := newFakeHeads(8, map[string]HeadShape{"cola": {NumClasses: 2, InnerDim: 8}})

	res, err := Migrate(blob, heads, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Backfilled) != 4 {
		t.Errorf("backfilled %v, want 4 keys", res.Backfilled)
	}
	if len(res.Blob) != 5 {
		t.Errorf("blob has %d keys, want 5", len(res.Blob))
	}
}

func TestMigrateMalformed(t *testing.T) {
	tests := []struct {
		name string
		blob Dict
	}{
		{"rank one out_proj", Dict{
			"classification_heads.x.out_proj.weight": filled(1, 3),
			"classification_heads.x.dense.weight":    filled(1, 4, 4),
		}},
		{"rank one dense", Dict{
			"classification_heads.x.out_proj.weight": filled(1, 3, 4),
			"classification_heads.x.dense.weight":    filled(1, 4),
		}},
		{"missing dense", Dict{
			"classification_heads.x.out_proj.weight": filled(1, 3, 4),
		}},
		{"zero classes", Dict{
			"classification_heads.x.out_proj.weight": tensor.Zeros(0, 4),
			"classification_heads.x.dense.weight":    filled(1, 4, 4),
		}},
		{"zero inner dim", Dict{
			"classification_heads.x.out_proj.weight": filled(1, 3, 4),
			"classification_heads.x.dense.weight":    tensor.Zeros(0, 4),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Migrate(tt.blob, newFakeHeads(4, nil), Options{LoadUnknownHeads: true})
			var malformed MalformedCheckpointError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedCheckpointError, got %v", err)
			}
		})
	}
}

func TestMigrateMalformedLeavesHeadsUntouched(t *testing.T) {
	blob := Dict{}
	headBlob(blob, "", "a", 2, 4, 4)
	blob["classification_heads.b.out_proj.weight"] = filled(1, 2)
	blob["classification_heads.b.dense.weight"] = filled(1, 4, 4)

	heads := newFakeHeads(4, map[string]HeadShape{"keep": {NumClasses: 3, InnerDim: 4}})
	before := heads.Shapes()

	_, err := Migrate(blob, heads, Options{LoadUnknownHeads: true})
	var malformed MalformedCheckpointError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedCheckpointError, got %v", err)
	}
	if malformed.Key != "classification_heads.b.out_proj.weight" {
		t.Errorf("malformed key = %q", malformed.Key)
	}
	if diff := cmp.Diff(before, heads.Shapes()); diff != "" {
		t.Errorf("head set changed by failed migration (-before +after):\n%s", diff)
	}
}

func TestDictHelpers(t *testing.T) {
	d := Dict{
		"a.x": filled(1, 2, 3),
		"a.y": filled(1, 4),
		"b.z": filled(1, 1),
	}
	if diff := cmp.Diff([]string{"a.x", "a.y", "b.z"}, d.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
	if got := d.NumParams(); got != 11 {
		t.Errorf("NumParams = %d, want 11", got)
	}
	sub := d.WithPrefix("a.")
	if diff := cmp.Diff([]string{"x", "y"}, sub.Keys()); diff != "" {
		t.Errorf("WithPrefix keys mismatch (-want +got):\n%s", diff)
	}
}
