package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/editalwatch/discovery/internal/adapter"
	"github.com/editalwatch/discovery/internal/config"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "sources",
		Short:       "Validates the source catalogue and lists it",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			sources, err := config.LoadSources(cfg.SourcesFile)
			if err != nil {
				return err
			}
			registry := adapter.NewRegistry()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SLUG\tRENDER\tADAPTER\tENTRIES\tENABLED")
			for _, src := range sources {
				name := src.Adapter
				if name == "" {
					name = adapter.Generic
				}
				if _, err := registry.Lookup(name); err != nil {
					return fmt.Errorf("source %s: %w", src.Slug, err)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\n", src.Slug, src.Render, name, len(src.EntryURLs), !src.Disabled)
			}
			return w.Flush()
		},
	}
}
