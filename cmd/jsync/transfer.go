package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/journalsync/internal/store"
	"github.com/steveyegge/journalsync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "advanced",
	Short:   "Export the active account's records as JSONL",
	Long: `Write every local record of the active account, tombstones included, as
one JSON object per line. Writes to stdout when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if _, err := e.requireAccount(ctx); err != nil {
			return err
		}

		var out io.Writer = os.Stdout
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", args[0], err)
			}
			defer f.Close()
			out = f
		}

		n, err := e.store.Export(ctx, out)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			fmt.Printf("%s Exported %d record(s) to %s\n", ui.RenderPass("✓"), n, args[0])
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Import records from a JSONL export",
	Long: `Import records from a JSONL file written by 'jsync export'. Imported
records are queued as pending like any local write. Use "-" for stdin.

Records owned by another account are rejected unless --reassign is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reassign, _ := cmd.Flags().GetBool("reassign")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		var in io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()
			in = f
		}

		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if _, err := e.requireAccount(ctx); err != nil {
			return err
		}

		result, err := e.store.Import(ctx, in, store.ImportOptions{Reassign: reassign, DryRun: dryRun})
		if result != nil {
			verb := "Imported"
			if dryRun {
				verb = "Would import"
			}
			fmt.Printf("%s %s %d record(s)\n", ui.RenderPass("✓"), verb, result.Imported)
			if result.Rejected > 0 {
				fmt.Printf("%s Rejected %d record(s):\n", ui.RenderWarn("⚠"), result.Rejected)
				for _, msg := range result.Errors {
					fmt.Printf("   %s\n", msg)
				}
			}
		}
		return err
	},
}

var compactCmd = &cobra.Command{
	Use:     "compact",
	GroupID: "advanced",
	Short:   "Drop synced tombstones older than a horizon",
	Long: `Remove tombstones that the remote has acknowledged and that are older
than --older-than. Pending tombstones are never removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}

		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if _, err := e.requireAccount(ctx); err != nil {
			return err
		}

		n, err := e.store.CompactTombstones(ctx, time.Now().Add(-olderThan))
		if err != nil {
			return err
		}
		fmt.Printf("%s Removed %d tombstone(s)\n", ui.RenderPass("✓"), n)
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("reassign", false, "assign imported records to the active account")
	importCmd.Flags().Bool("dry-run", false, "validate without writing")

	compactCmd.Flags().Duration("older-than", 30*24*time.Hour, "only remove tombstones older than this")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(compactCmd)
}
