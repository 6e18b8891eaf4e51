package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/journalsync/internal/syncer"
	"github.com/steveyegge/journalsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Run one sync cycle in the foreground:
  1. Push every pending record to the remote (failures stay queued)
  2. Pull remote changes since the last cursor and merge them

With --push-only the pull is skipped. A cycle is skipped entirely when the
remote is unreachable; pending records stay queued for the daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pushOnly, _ := cmd.Flags().GetBool("push-only")
		format, _ := cmd.Flags().GetString("format")

		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if _, err := e.requireAccount(ctx); err != nil {
			return err
		}

		var report syncer.CycleReport
		if pushOnly {
			report, err = e.orch.Flush(ctx)
		} else {
			report, err = e.orch.RunCycle(ctx, syncer.ReasonManual)
		}
		if errors.Is(err, syncer.ErrOffline) {
			st, _ := e.store.Stats(ctx)
			fmt.Printf("%s Remote unreachable; %d record(s) stay pending\n", ui.RenderWarn("⚠"), st.Unsynced)
			return nil
		}
		if err != nil {
			return err
		}

		if done, err := writeFormatted(os.Stdout, format, report); done || err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

func printReport(r syncer.CycleReport) {
	mark := ui.RenderPass("✓")
	if r.PushFailed > 0 || r.PullFailed || r.Error != "" {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Sync (%s) for %s in %v\n", mark, r.Reason, r.Account, r.Duration.Round(time.Millisecond))
	fmt.Println(ui.Field("Pushed", r.Pushed))
	if r.PushFailed > 0 {
		fmt.Println(ui.Field("Push failed", ui.RenderWarn(fmt.Sprint(r.PushFailed))))
	}
	if r.Superseded > 0 {
		fmt.Println(ui.Field("Superseded", r.Superseded))
	}
	switch {
	case r.PullSkipped:
		fmt.Println(ui.Field("Pull", ui.RenderMuted("skipped")))
	case r.PullFailed:
		fmt.Println(ui.Field("Pull", ui.RenderFail("failed")))
	default:
		fmt.Println(ui.Field("Pulled", r.Pulled))
		fmt.Println(ui.Field("Applied", r.Applied))
		if r.Conflicts > 0 {
			fmt.Println(ui.Field("Kept local", r.Conflicts))
		}
		if r.Rejected > 0 {
			fmt.Println(ui.Field("Rejected", ui.RenderWarn(fmt.Sprint(r.Rejected))))
		}
	}
	if r.Error != "" {
		fmt.Println(ui.Field("Error", ui.RenderFail(r.Error)))
	}
}

func init() {
	syncCmd.Flags().Bool("push-only", false, "push pending records without pulling")
	syncCmd.Flags().String("format", "text", "output format (text|json|yaml)")
	rootCmd.AddCommand(syncCmd)
}
