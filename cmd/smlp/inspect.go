package main

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-smlp/internal/checkpoint"
)

func newInspectCmd() *cobra.Command {
	var file, remote string
	cmd := &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "Show the configuration and tensors of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ck *checkpoint.Checkpoint
			if remote != "" {
				var err error
				if ck, err = checkpoint.FetchRemote(cmd.Context(), remote, args[0]); err != nil {
					return err
				}
			} else {
				path, err := checkpoint.ResolvePath(args[0], file)
				if err != nil {
					return err
				}
				if ck, err = checkpoint.Load(path); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:   %s\narch: %s\n\nconfig:\n", ck.ID, ck.Arch)
			for _, k := range ck.Config.Keys() {
				fmt.Fprintf(out, "  %s: %v\n", k, ck.Config[k])
			}
			fmt.Fprintln(out)

			var data [][]string
			for _, k := range ck.Params.Keys() {
				t := ck.Params[k]
				data = append(data, []string{k, fmt.Sprint(t.Shape), strconv.Itoa(t.Len())})
			}
			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"TENSOR", "SHAPE", "PARAMS"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()

			fmt.Fprintf(out, "\n%d tensors, %d parameters\n", len(ck.Params), ck.Params.NumParams())
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", checkpoint.DefaultFile, "checkpoint file inside a model directory")
	cmd.Flags().StringVar(&remote, "remote", "", "fetch CHECKPOINT by name from a Flight server at this address")
	return cmd
}
