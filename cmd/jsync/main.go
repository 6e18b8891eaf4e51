// Command jsync runs and inspects the offline-first journal sync engine.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/journalsync/internal/config"
)

var (
	cfgFile string
	verbose bool

	// cfg is loaded before every command runs
	cfg *config.Config

	// logOutput receives component logs. Discarded unless --verbose or daemon.
	logOutput io.Writer = io.Discard
)

// annotationCreatesConfig marks commands that may run before --config exists.
const annotationCreatesConfig = "creates-config"

var rootCmd = &cobra.Command{
	Use:   "jsync",
	Short: "Offline-first journal sync engine",
	Long: `jsync keeps a local journal store in sync with a remote account.

Records are written locally first and queued. The sync daemon pushes the
queue and pulls remote changes whenever the network comes back, on login,
and on explicit request. Only one account's data is ever held locally.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			logOutput = os.Stderr
		}
		path := cfgFile
		if cmd.Annotations[annotationCreatesConfig] != "" {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				path = ""
			}
		}
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "session", Title: "Session:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <data_dir>/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine activity to stderr")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
