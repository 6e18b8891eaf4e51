package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/journalsync/internal/config"
	"github.com/steveyegge/journalsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage jsync configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a config file with the current settings",
	Annotations: map[string]string{annotationCreatesConfig: "true"},
	Long: `Write the effective settings (defaults plus any JSYNC_* overrides) to
<data_dir>/config.toml, or to --config when given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		path := cfgFile
		if path == "" {
			path = filepath.Join(cfg.DataDir, config.FileName)
		}
		if err := config.WriteFile(path, cfg, force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.File != "" {
			fmt.Fprintf(os.Stderr, "# loaded from %s\n", cfg.File)
		}
		return cfg.Encode(os.Stdout)
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
