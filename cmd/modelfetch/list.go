package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"modelfetch/internal/catalog"
	"modelfetch/internal/config"
	"modelfetch/internal/ui"
)

func newListCmd() *cobra.Command {
	var (
		catalogP string
		search   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List models in a catalog file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				if cmd.Flags().Changed("catalog") {
					c.CatalogPath = catalogP
				}
			})
			if err != nil {
				return err
			}
			if cfg.CatalogPath == "" {
				return errors.New("--catalog is required")
			}
			models, err := catalog.ParseFile(cfg.CatalogPath)
			if err != nil {
				return fmt.Errorf("load catalog: %w", err)
			}
			printCatalog(cmd.OutOrStdout(), catalog.GroupByType(catalog.Filter(models, search)))
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogP, "catalog", "", "Model list file")
	cmd.Flags().StringVar(&search, "search", "", "Case-insensitive name filter")
	return cmd
}

func printCatalog(w io.Writer, groups []catalog.Group) {
	if len(groups) == 0 {
		fmt.Fprintln(w, "no models")
		return
	}
	for _, g := range groups {
		fmt.Fprintf(w, "%s:\n", g.Type)
		for _, m := range g.Models {
			line := "  " + m.DisplayName()
			if m.Trigger != "" {
				line += "  [" + ui.TruncateWithEllipsis(m.Trigger, 40) + "]"
			}
			fmt.Fprintln(w, line)
		}
	}
}
