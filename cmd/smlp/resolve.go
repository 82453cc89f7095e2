package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-smlp/internal/arch"
	"github.com/23skdu/longbow-smlp/internal/config"
)

// overrides reads --overrides and then the option flags the user set; flags win.
func overrides(fs *pflag.FlagSet) (config.Record, error) {
	out := make(config.Record)
	if path, _ := fs.GetString("overrides"); path != "" {
		fromFile, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		out.Merge(fromFile)
	}
	fromFlags, err := config.FlagOverrides(fs)
	if err != nil {
		return nil, err
	}
	out.Merge(fromFlags)
	return out, nil
}

func bindOverrideFlags(fs *pflag.FlagSet) {
	fs.String("overrides", "", "YAML file of option overrides")
	config.BindFlags(fs)
}

func newResolveCmd(reg *arch.Registry) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "resolve ARCH",
		Short: "Print the complete configuration of a preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partial, err := overrides(cmd.Flags())
			if err != nil {
				return err
			}
			rec, err := reg.Resolve(args[0], partial)
			if err != nil {
				return err
			}
			m, err := config.Decode(args[0], rec)
			if err != nil {
				return err
			}
			if err := m.Validate(); err != nil {
				return err
			}

			var out []byte
			switch format {
			case "json":
				out, err = json.MarshalIndent(rec, "", "  ")
				out = append(out, '\n')
			case "yaml":
				out, err = yaml.Marshal(map[string]any(rec))
			default:
				return fmt.Errorf("unknown output format %q (json or yaml)", format)
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "output format (json or yaml)")
	bindOverrideFlags(cmd.Flags())
	return cmd
}
