package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/steveyegge/journalsync/internal/dashboard"
	"github.com/steveyegge/journalsync/internal/ingest"
	"github.com/steveyegge/journalsync/internal/record"
	"github.com/steveyegge/journalsync/internal/session"
	"github.com/steveyegge/journalsync/internal/syncer"
	"github.com/steveyegge/journalsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

The daemon:
  1. Follows the session file and rebinds the store on login, logout and
     account switch (flushing pending records before a logout purge)
  2. Monitors connectivity and runs a sync cycle on every offline to online
     transition, after a settle window that absorbs flapping
  3. Imports record files dropped into the inbox directory
  4. Optionally serves a websocket dashboard of sync activity

Send SIGHUP to request a cycle (the equivalent of an app resume).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dash, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		if cmd.Flags().Changed("port") {
			dash = true
		} else {
			port = cfg.Dashboard.Port
		}
		dash = dash || cfg.Dashboard.Enabled

		closeLog := setupDaemonLog()
		defer closeLog()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := applyForceNetwork(cmd, e); err != nil {
			return err
		}

		provider := session.NewFileProvider(cfg.SessionFile, newLogger("[session] "))
		inbox, err := ingest.New(cfg.InboxDir, e.store, &ingest.Config{
			OnIngest: func(*record.Record) { e.orch.Trigger(syncer.ReasonWrite) },
			Logger:   newLogger("[ingest] "),
		})
		if err != nil {
			return err
		}

		if dash {
			server := dashboard.NewServer(&dashboard.Config{
				Port: port,
				Stats: func(ctx context.Context) (any, error) {
					return e.store.Stats(ctx)
				},
				Logger: newLogger("[dashboard] "),
			})
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()

			h := dashboard.NewHandler(server, newLogger("[dashboard] "))
			e.orch.AddObserver(h)
			e.guard.OnChange(h.OnSessionChange)
			defer e.monitor.Subscribe(h.OnNetworkChange)()

			fmt.Printf("   Dashboard: http://%s (ws://%s/ws)\n", server.Addr(), server.Addr())
		}

		stopWatch := e.orch.WatchNetwork(e.monitor)
		defer stopWatch()

		fmt.Printf("%s Starting jsync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Store: %s\n", e.store.Path())
		fmt.Printf("   Session: %s\n", cfg.SessionFile)
		fmt.Printf("   Inbox: %s\n", cfg.InboxDir)
		fmt.Printf("   Remote: %s (%s)\n", cfg.Remote.URL, ui.RenderOnline(e.monitor.IsOnline()))
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		// Resolve the session before anything writes to the store.
		if err := e.bindSession(ctx); err != nil {
			return err
		}
		e.orch.Trigger(syncer.ReasonStartup)

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		var wg sync.WaitGroup
		errs := make(chan error, 5)
		run := func(name string, fn func(context.Context) error) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errs <- fmt.Errorf("%s: %w", name, err)
					cancel()
				}
			}()
		}

		run("orchestrator", e.orch.Run)
		run("network monitor", e.monitor.Run)
		run("session provider", provider.Run)
		run("session guard", func(ctx context.Context) error { return e.guard.Watch(ctx, provider) })
		run("inbox", inbox.Run)

	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-hup:
				e.orch.Trigger(syncer.ReasonResume)
			}
		}

		wg.Wait()
		close(errs)

		var first error
		for err := range errs {
			if first == nil {
				first = err
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		fmt.Println("\nDaemon stopped")
		return first
	},
}

// setupDaemonLog sends component logs to stderr and, when log.file is set,
// to a size-rotated file.
func setupDaemonLog() func() {
	if cfg.Log.File == "" {
		logOutput = os.Stderr
		return func() {}
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   true,
	}
	logOutput = io.MultiWriter(os.Stderr, rotator)
	return func() { _ = rotator.Close() }
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the websocket dashboard")
	daemonCmd.Flags().IntP("port", "p", 8089, "dashboard port (implies --dashboard)")
	registerForceNetworkFlag(daemonCmd)

	rootCmd.AddCommand(daemonCmd)
}
