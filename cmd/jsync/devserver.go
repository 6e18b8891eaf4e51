package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/journalsync/internal/record"
	"github.com/steveyegge/journalsync/internal/remote"
	"github.com/steveyegge/journalsync/internal/ui"
)

var devserverCmd = &cobra.Command{
	Use:     "devserver",
	GroupID: "advanced",
	Short:   "Run an in-memory reference remote for development",
	Long: `Serve an in-memory remote store over the HTTP API the sync engine speaks.
Data lives only as long as the process.

--seed preloads records from a JSONL file as if another device had written
them. Send SIGHUP to toggle a simulated outage (every request answers 503).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		token, _ := cmd.Flags().GetString("token")
		seed, _ := cmd.Flags().GetString("seed")

		if addr == "" {
			u, err := url.Parse(cfg.Remote.URL)
			if err != nil || u.Host == "" {
				return fmt.Errorf("cannot derive listen address from remote.url %q", cfg.Remote.URL)
			}
			addr = u.Host
		}
		if !cmd.Flags().Changed("token") {
			token = cfg.Remote.Token
		}

		mem := remote.NewMemory()
		if seed != "" {
			n, err := seedMemory(mem, seed)
			if err != nil {
				return err
			}
			fmt.Printf("%s Seeded %d record(s) from %s\n", ui.RenderPass("✓"), n, seed)
		}

		if verbose {
			logOutput = os.Stderr
		}
		srv := &http.Server{
			Handler:           remote.NewHandler(mem, token, newLogger("[remote] ")),
			ReadHeaderTimeout: 10 * time.Second,
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errc := make(chan error, 1)
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
			close(errc)
		}()

		fmt.Printf("%s Dev remote listening on http://%s\n", ui.RenderAccent("🚀"), ln.Addr())
		fmt.Printf("\nPress Ctrl+C to stop, SIGHUP to toggle an outage\n\n")

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		offline := false
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case err := <-errc:
				return err
			case <-hup:
				offline = !offline
				mem.SetOffline(offline)
				if offline {
					fmt.Printf("%s Simulating outage\n", ui.RenderWarn("⚠"))
				} else {
					fmt.Printf("%s Outage over\n", ui.RenderPass("✓"))
				}
			}
		}

		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		fmt.Printf("Dev remote stopped (%d pushes served)\n", mem.Pushes())
		return nil
	},
}

// seedMemory loads JSONL records into mem.
func seedMemory(mem *remote.Memory, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	n := 0
	for {
		var rec record.Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("invalid seed record %d: %w", n+1, err)
		}
		if err := rec.Validate(); err != nil {
			return n, fmt.Errorf("invalid seed record %d: %w", n+1, err)
		}
		mem.Put(&rec)
		n++
	}
}

func init() {
	devserverCmd.Flags().String("addr", "", "listen address (default: host of remote.url)")
	devserverCmd.Flags().String("token", "", "require this bearer token (default: remote.token)")
	devserverCmd.Flags().String("seed", "", "JSONL file of records to preload")
	rootCmd.AddCommand(devserverCmd)
}
