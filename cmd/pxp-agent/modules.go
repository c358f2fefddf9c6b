package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/puppetlabs/pxp-agent/internal/config"
	"github.com/puppetlabs/pxp-agent/internal/modulecache"
	"github.com/puppetlabs/pxp-agent/internal/output"
	"github.com/puppetlabs/pxp-agent/internal/resultsdir"
)

func modulesCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List the modules pxp-agent would load",
	}

	applyFlags := config.BindFlags(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile, applyFlags)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		storage := resultsdir.New(cfg.SpoolDir)
		cache := modulecache.New(cfg.CacheDir)

		mods, _, err := loadModules(cfg, cache, storage)
		if err != nil {
			return fmt.Errorf("load modules: %w", err)
		}

		rows := make([]output.ModuleRow, 0, len(mods))
		for _, m := range mods {
			rows = append(rows, output.ModuleRow{
				Name:    m.Name(),
				Type:    string(m.Type()),
				Actions: m.Actions(),
				Async:   m.SupportsAsync(),
			})
		}

		return output.NewPrinter(output.ParseFormat(format)).PrintModules(rows)
	}

	cmd.Flags().StringVar(&format, "output", "table", "Output format: table, wide, json, yaml")
	return cmd
}
