package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/journalsync/internal/session"
	"github.com/steveyegge/journalsync/internal/store"
	"github.com/steveyegge/journalsync/internal/ui"
)

// statusView is what `jsync status` reports.
type statusView struct {
	store.Stats `yaml:",inline"`

	Session  string `json:"session" yaml:"session"`
	Online   bool   `json:"online" yaml:"online"`
	Remote   string `json:"remote" yaml:"remote"`
	Database string `json:"database" yaml:"database"`
	Inbox    string `json:"inbox" yaml:"inbox"`
	Config   string `json:"config,omitempty" yaml:"config,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show account, queue and connectivity status",
	Long: `Display the current state of the local store:
  - Active account and the account named by the session file
  - Record, pending and tombstone counts
  - Remote reachability and the pull cursor`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		// Status reports; it does not apply the session.
		sessionAccount, err := session.NewFileProvider(cfg.SessionFile, newLogger("[session] ")).Current()
		if err != nil {
			return err
		}

		stats, err := e.store.Stats(ctx)
		if err != nil {
			return err
		}

		view := statusView{
			Stats:    stats,
			Session:  sessionAccount,
			Online:   e.monitor.IsOnline(),
			Remote:   cfg.Remote.URL,
			Database: e.store.Path(),
			Inbox:    cfg.InboxDir,
			Config:   cfg.File,
		}
		if done, err := writeFormatted(os.Stdout, format, view); done || err != nil {
			return err
		}

		account := view.ActiveAccount
		if account == "" {
			account = ui.RenderMuted("(logged out)")
		}

		fmt.Printf("\n%s jsync status\n\n", ui.RenderAccent("📊"))
		fmt.Println(ui.Field("Account", account))
		if view.Session != view.ActiveAccount {
			fmt.Println(ui.Field("Session", ui.RenderWarn(fmt.Sprintf("%q (not yet applied)", view.Session))))
		}
		fmt.Println(ui.Field("Records", view.Records))
		pending := fmt.Sprint(view.Unsynced)
		if view.Unsynced > 0 {
			pending = ui.RenderWarn(pending)
		}
		fmt.Println(ui.Field("Pending", pending))
		fmt.Println(ui.Field("Tombstones", view.Tombstones))
		fmt.Println(ui.Field("Remote", fmt.Sprintf("%s (%s)", view.Remote, ui.RenderOnline(view.Online))))
		if view.Cursor != "" {
			fmt.Println(ui.Field("Cursor", view.Cursor))
		}
		fmt.Println(ui.Field("Database", view.Database))
		if view.Config != "" {
			fmt.Println(ui.Field("Config", view.Config))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "output format (text|json|yaml)")
	rootCmd.AddCommand(statusCmd)
}
