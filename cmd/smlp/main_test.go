package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-smlp/internal/arch"
	"github.com/23skdu/longbow-smlp/internal/checkpoint"
	"github.com/23skdu/longbow-smlp/internal/config"
	"github.com/23skdu/longbow-smlp/internal/model"
	"github.com/23skdu/longbow-smlp/internal/state"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestPresetsCommand(t *testing.T) {
	out, err := run(t, "presets")
	require.NoError(t, err)
	for _, name := range arch.NewSMLPRegistry().Names() {
		require.Contains(t, out, name)
	}
	require.Contains(t, out, "PARENT")
}

func TestResolveCommandPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(file, []byte("encoder_layers: 4\ndropout: 0.3\n"), 0o644))

	out, err := run(t, "resolve", "smlp_mlm_complex_sst2", "--format", "json",
		"--overrides", file, "--encoder-layers", "6")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.EqualValues(t, 6, got["encoder_layers"])
	require.EqualValues(t, 0.3, got["dropout"])
	require.Equal(t, "mp", got["sen_rep_type"])
}

func TestResolveCommandErrors(t *testing.T) {
	_, err := run(t, "resolve", "smlp_unknown")
	require.Error(t, err)

	_, err = run(t, "resolve", arch.Root, "--format", "toml")
	require.ErrorContains(t, err, "unknown output format")

	_, err = run(t, "resolve", arch.Root, "--dropout", "2")
	require.ErrorContains(t, err, "dropout")
}

func TestParseHeadSpec(t *testing.T) {
	tests := []struct {
		in      string
		want    headSpec
		wantErr bool
	}{
		{in: "sst2:2", want: headSpec{name: "sst2", numClasses: 2}},
		{in: "mnli:3:64", want: headSpec{name: "mnli", numClasses: 3, innerDim: 64}},
		{in: "sst2", wantErr: true},
		{in: ":2", wantErr: true},
		{in: "sst2:two", wantErr: true},
		{in: "sst2:2:x", wantErr: true},
		{in: "a:1:2:3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseHeadSpec(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(headSpec{})); diff != "" {
				t.Errorf("parseHeadSpec mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// legacyCheckpoint writes a checkpoint whose encoder lives under the old
// decoder namespace and whose sst2 head has three classes.
func legacyCheckpoint(t *testing.T, dir string) string {
	t.Helper()
	old, err := model.Build(arch.NewSMLPRegistry(), "smlp_mlm_complex_sst2",
		config.Record{"encoder_embed_dim": 8, "encoder_attention_heads": 2},
		model.WithVocabSize(16), model.WithSeed(7))
	require.NoError(t, err)
	require.NoError(t, old.RegisterClassificationHead("sst2", 3, 0))

	blob := make(state.Dict)
	for k, v := range old.StateDict() {
		if rest, ok := strings.CutPrefix(k, "encoder."); ok {
			k = "decoder." + rest
		}
		blob[k] = v
	}
	path := filepath.Join(dir, "legacy.arrow")
	require.NoError(t, checkpoint.Save(path, checkpoint.New("smlp_mlm_complex_sst2", old.Record, blob)))
	return path
}

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()
	src := legacyCheckpoint(t, dir)
	outDir := filepath.Join(dir, "out")

	out, err := run(t, "migrate", "--arch", "smlp_mlm_complex_sst2",
		"--encoder-embed-dim", "8", "--encoder-attention-heads", "2",
		"--head", "sst2:2", "--out-dir", outDir, src)
	require.NoError(t, err)
	require.Contains(t, out, "renamed 6, dropped 4")

	ck, err := checkpoint.Load(filepath.Join(outDir, "legacy.arrow"))
	require.NoError(t, err)
	require.Equal(t, "smlp_mlm_complex_sst2", ck.Arch)
	require.EqualValues(t, 8, ck.Config["encoder_embed_dim"])

	embed, ok := ck.Params[model.KeyEmbedTokens]
	require.True(t, ok, "embedding should be renamed into the encoder namespace")
	require.Equal(t, []int{16, 8}, embed.Shape)
	for k := range ck.Params {
		require.False(t, strings.HasPrefix(k, "decoder."), "legacy key %s survived", k)
	}
	require.Equal(t, []int{2, 8}, ck.Params[model.HeadsPrefix+"sst2.out_proj.weight"].Shape)

	inspected, err := run(t, "inspect", filepath.Join(outDir, "legacy.arrow"))
	require.NoError(t, err)
	require.Contains(t, inspected, model.KeyEmbedTokens)
	require.Contains(t, inspected, "arch: smlp_mlm_complex_sst2")
}

func TestMigrateCommandErrors(t *testing.T) {
	dir := t.TempDir()
	src := legacyCheckpoint(t, dir)

	_, err := run(t, "migrate", "--arch", "smlp_mlm_complex_sst2", "--head", "sst2", "--out-dir", dir, src)
	require.ErrorContains(t, err, "invalid head")

	_, err = run(t, "migrate", "--arch", "smlp_mlm_complex_sst2", "--out-dir", dir, filepath.Join(dir, "missing.arrow"))
	require.Error(t, err)

	_, err = run(t, "migrate", "--out-dir", dir, src)
	require.ErrorContains(t, err, "arch")
}
