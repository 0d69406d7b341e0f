package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/harvestbot/api/schemas"
	"github.com/xkilldash9x/harvestbot/internal/dataset"
	"github.com/xkilldash9x/harvestbot/internal/observability"
)

func newDatasetCmd() *cobra.Command {
	datasetCmd := &cobra.Command{
		Use:   "dataset",
		Short: "Inspect the target workbooks",
	}
	datasetCmd.AddCommand(&cobra.Command{
		Use:   "check [module...]",
		Short: "Load each module's workbook and report how many targets it lists",
		Long: `Loads the workbook configured for each module and prints the number of
targets found. With no arguments every module is checked. Exits non-zero if
any workbook cannot be read.`,
		ValidArgs: []string{"invoice", "stock", "inventory"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}

			modules := schemas.Modules
			if len(args) > 0 {
				modules = make([]schemas.Module, 0, len(args))
				for _, a := range args {
					m, err := schemas.ParseModule(a)
					if err != nil {
						return err
					}
					modules = append(modules, m)
				}
			}

			loader := dataset.NewLoader(observability.GetLogger(), datasetPaths(cfg))
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODULE\tFILE\tTARGETS\tSTATUS")

			var failed []error
			for _, m := range modules {
				path := datasetPaths(cfg)[m]
				targets, err := loader.Load(cmd.Context(), m)
				if err != nil {
					fmt.Fprintf(w, "%s\t%s\t-\t%v\n", m, path, err)
					failed = append(failed, fmt.Errorf("%s: %w", m, err))
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\tok\n", m, path, len(targets))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return errors.Join(failed...)
		},
	})
	return datasetCmd
}
