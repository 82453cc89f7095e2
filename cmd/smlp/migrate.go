package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-smlp/internal/arch"
	"github.com/23skdu/longbow-smlp/internal/checkpoint"
	"github.com/23skdu/longbow-smlp/internal/config"
	"github.com/23skdu/longbow-smlp/internal/logger"
	"github.com/23skdu/longbow-smlp/internal/model"
)

type headSpec struct {
	name       string
	numClasses int
	innerDim   int
}

// parseHeadSpec reads "name:classes" or "name:classes:inner".
func parseHeadSpec(s string) (headSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return headSpec{}, fmt.Errorf("invalid head %q (want name:classes[:inner])", s)
	}
	h := headSpec{name: parts[0]}
	var err error
	if h.numClasses, err = strconv.Atoi(parts[1]); err != nil {
		return headSpec{}, fmt.Errorf("invalid head %q: classes: %w", s, err)
	}
	if len(parts) == 3 {
		if h.innerDim, err = strconv.Atoi(parts[2]); err != nil {
			return headSpec{}, fmt.Errorf("invalid head %q: inner dim: %w", s, err)
		}
	}
	return h, nil
}

type migrateOptions struct {
	arch      string
	heads     []string
	outDir    string
	file      string
	prefix    string
	vocabSize int
	jobs      int
}

type migrateSummary struct {
	source     string
	target     string
	renamed    int
	dropped    int
	registered []string
	backfilled int
}

func newMigrateCmd(reg *arch.Registry) *cobra.Command {
	var opts migrateOptions
	cmd := &cobra.Command{
		Use:   "migrate CHECKPOINT...",
		Short: "Upgrade checkpoints so they load into the current architecture",
		Long: "Each CHECKPOINT is a file, a directory holding --file, or a model name under $SMLP_HOME.\n" +
			"Legacy decoder keys are renamed, classification heads are reconciled with --head and\n" +
			"the result is written to --out-dir as an Arrow checkpoint.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs := make([]headSpec, 0, len(opts.heads))
			for _, s := range opts.heads {
				h, err := parseHeadSpec(s)
				if err != nil {
					return err
				}
				specs = append(specs, h)
			}
			partial, err := overrides(cmd.Flags())
			if err != nil {
				return err
			}
			if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
				return err
			}

			summaries := make([]migrateSummary, len(args))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(opts.jobs)
			for i, src := range args {
				g.Go(func() error {
					if err := ctx.Err(); err != nil {
						return err
					}
					s, err := migrateOne(reg, opts, specs, partial, src)
					if err != nil {
						return fmt.Errorf("%s: %w", src, err)
					}
					summaries[i] = s
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, s := range summaries {
				fmt.Fprintf(out, "%s -> %s: renamed %d, dropped %d, registered %v, backfilled %d\n",
					s.source, s.target, s.renamed, s.dropped, s.registered, s.backfilled)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.arch, "arch", "", "architecture preset of the current model")
	fs.StringArrayVar(&opts.heads, "head", nil, "classification head of the current model, name:classes[:inner] (repeatable)")
	fs.StringVar(&opts.outDir, "out-dir", "", "directory for migrated checkpoints")
	fs.StringVar(&opts.file, "file", checkpoint.DefaultFile, "checkpoint file inside a model directory")
	fs.StringVar(&opts.prefix, "prefix", "", "module name the parameters are nested under")
	fs.IntVar(&opts.vocabSize, "vocab-size", 0, "dictionary size (0 infers it from the checkpoint)")
	fs.IntVar(&opts.jobs, "jobs", 4, "checkpoints migrated concurrently")
	_ = cmd.MarkFlagRequired("arch")
	_ = cmd.MarkFlagRequired("out-dir")
	bindOverrideFlags(fs)
	return cmd
}

// migrateOne builds a private model for src, upgrades the checkpoint and
// verifies the result loads before saving it.
func migrateOne(reg *arch.Registry, opts migrateOptions, specs []headSpec, partial config.Record, src string) (migrateSummary, error) {
	log := logger.Log.With("checkpoint", src)

	path, err := checkpoint.ResolvePath(src, opts.file)
	if err != nil {
		return migrateSummary{}, err
	}
	ck, err := checkpoint.Load(path)
	if err != nil {
		return migrateSummary{}, err
	}

	vocab := opts.vocabSize
	if vocab == 0 {
		vocab = inferVocabSize(ck, opts.prefix)
	}
	m, err := model.Build(reg, opts.arch, partial.Clone(), model.WithVocabSize(vocab))
	if err != nil {
		return migrateSummary{}, err
	}
	for _, h := range specs {
		if err := m.RegisterClassificationHead(h.name, h.numClasses, h.innerDim); err != nil {
			return migrateSummary{}, err
		}
	}

	res, err := m.UpgradeState(ck.Params, opts.prefix)
	if err != nil {
		return migrateSummary{}, err
	}
	if opts.prefix == "" {
		if err := m.LoadState(res.Blob); err != nil {
			return migrateSummary{}, fmt.Errorf("migrated state does not load: %w", err)
		}
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if info, err := os.Stat(src); err != nil || info.IsDir() {
		stem = filepath.Base(src)
	}
	target := filepath.Join(opts.outDir, stem+".arrow")

	out := checkpoint.New(opts.arch, m.Record, res.Blob)
	if err := checkpoint.Save(target, out); err != nil {
		return migrateSummary{}, err
	}
	log.Info("Migrated checkpoint", "target", target, "dropped", len(res.Dropped), "registered", res.Registered)

	return migrateSummary{
		source:     src,
		target:     target,
		renamed:    len(res.Renamed),
		dropped:    len(res.Dropped),
		registered: res.Registered,
		backfilled: len(res.Backfilled),
	}, nil
}

// inferVocabSize reads the dictionary size from the token embedding, under
// either namespace, falling back to the default.
func inferVocabSize(ck *checkpoint.Checkpoint, prefix string) int {
	if prefix != "" {
		prefix += "."
	}
	suffix := strings.TrimPrefix(model.KeyEmbedTokens, "encoder")
	for _, ns := range []string{"encoder", "decoder"} {
		if t, ok := ck.Params[prefix+ns+suffix]; ok && t.Rank() == 2 {
			return t.Dim(0)
		}
	}
	return model.DefaultVocabSize
}
