package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-smlp/internal/arch"
)

func newPresetsCmd(reg *arch.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the registered architecture presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data [][]string
			for _, name := range reg.Names() {
				p, _ := reg.Get(name)
				chain, err := reg.Chain(name)
				if err != nil {
					return err
				}
				explicit, err := reg.Explicit(name)
				if err != nil {
					return err
				}

				parent := p.Parent
				if parent == "" {
					parent = "-"
				}
				defaults := fmt.Sprintf("%d fields", len(explicit))
				if name != reg.Root() {
					pairs := make([]string, 0, len(explicit))
					for _, k := range explicit.Keys() {
						pairs = append(pairs, fmt.Sprintf("%s=%v", k, explicit[k]))
					}
					defaults = strings.Join(pairs, " ")
				}
				data = append(data, []string{name, parent, strconv.Itoa(len(chain) - 1), defaults})
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"PRESET", "PARENT", "DEPTH", "DEFAULTS"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetAutoWrapText(false)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}
}
