package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/steveyegge/journalsync/internal/session"
	"github.com/steveyegge/journalsync/internal/syncer"
	"github.com/steveyegge/journalsync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login <account>",
	GroupID: "session",
	Short:   "Bind the local store to an account",
	Long: `Write the session file and bind the local store to <account>.

Switching from another account purges that account's local data first. A
running daemon follows the session file; without one, login pulls the
account's records immediately when the remote is reachable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account := strings.TrimSpace(args[0])
		if account == "" {
			return fmt.Errorf("account cannot be empty")
		}

		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := session.WriteSessionFile(cfg.SessionFile, account); err != nil {
			return err
		}
		if err := e.guard.OnSessionResolved(ctx, account); err != nil {
			return err
		}
		fmt.Printf("%s Logged in as %s\n", ui.RenderPass("✓"), account)

		report, err := e.orch.RunCycle(ctx, syncer.ReasonLogin)
		switch {
		case errors.Is(err, syncer.ErrOffline):
			fmt.Printf("%s Remote unreachable; records will sync when it is back\n", ui.RenderWarn("⚠"))
		case err != nil:
			return err
		default:
			printReport(report)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "session",
	Short:   "Flush pending records and clear the local store",
	Long: `Log out: push pending records (bounded by sync.logout_flush_timeout),
then purge all local data and unbind the store.

Records that cannot be delivered in time are discarded. When any are
pending and stdin is a terminal, logout asks for confirmation first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")

		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		stats, err := e.store.Stats(ctx)
		if err != nil {
			return err
		}
		if stats.ActiveAccount == "" {
			if err := session.WriteSessionFile(cfg.SessionFile, ""); err != nil {
				return err
			}
			fmt.Println("Already logged out")
			return nil
		}

		if stats.Unsynced > 0 && !yes && ui.IsTerminal() {
			proceed, err := confirmLogout(stats.Unsynced, e.monitor.IsOnline())
			if err != nil {
				return err
			}
			if !proceed {
				fmt.Println("Logout cancelled")
				return nil
			}
		}

		var change session.Change
		e.guard.OnChange(func(c session.Change) { change = c })

		if err := session.WriteSessionFile(cfg.SessionFile, ""); err != nil {
			return err
		}
		if err := e.guard.OnSessionResolved(ctx, ""); err != nil {
			return err
		}

		fmt.Printf("%s Logged out of %s\n", ui.RenderPass("✓"), change.From)
		if change.Flushed > 0 {
			fmt.Println(ui.Field("Delivered", change.Flushed))
		}
		if change.Discarded > 0 {
			fmt.Println(ui.Field("Discarded", ui.RenderFail(fmt.Sprint(change.Discarded))))
		}
		return nil
	},
}

func confirmLogout(pending int, online bool) (bool, error) {
	desc := "They will be pushed before the local store is cleared."
	if !online {
		desc = "The remote is unreachable, so they will most likely be lost."
	}

	proceed := false
	err := huh.NewConfirm().
		Title(fmt.Sprintf("%d record(s) have not been synced. Log out anyway?", pending)).
		Description(desc).
		Affirmative("Log out").
		Negative("Cancel").
		Value(&proceed).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return proceed, err
}

func init() {
	logoutCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
