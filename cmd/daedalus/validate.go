package main

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/wehubfusion/Daedalus/pkg/tools/all"
)

func newValidateCmd() *cobra.Command {
	var workingDir string
	cmd := &cobra.Command{
		Use:   "validate <flow.yaml>",
		Short: "Validate a flow and print its inputs schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, closeTools := all.NewRegistry()
			defer closeTools()

			f, err := loadFlow(registry, workingDir, args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(map[string]any{
				"name":                  f.Name,
				"nodes":                 len(f.Nodes),
				"flow_inputs_schema":    f.InputsSchema(),
				"has_aggregation_nodes": f.HasAggregation(),
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "directory relative flow paths are resolved against")
	return cmd
}
