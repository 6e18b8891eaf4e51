package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/journalsync/internal/netmon"
	"github.com/steveyegge/journalsync/internal/record"
	"github.com/steveyegge/journalsync/internal/remote"
	"github.com/steveyegge/journalsync/internal/session"
	"github.com/steveyegge/journalsync/internal/store"
	"github.com/steveyegge/journalsync/internal/syncer"
)

func newLogger(prefix string) *log.Logger {
	return log.New(logOutput, prefix, log.LstdFlags)
}

// engine is the set of components a command works with.
type engine struct {
	store   *store.Store
	gateway *remote.Client
	monitor *netmon.Monitor
	orch    *syncer.Orchestrator
	guard   *session.Guard
}

// openEngine opens the store and wires the orchestrator and session guard.
// The store is not yet bound to the session; call bindSession.
func openEngine(ctx context.Context) (*engine, error) {
	st, err := store.OpenWithConfig(cfg.DBPath, &store.Config{Logger: newLogger("[store] ")})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	gw, err := remote.NewClient(cfg.Remote.URL, cfg.Remote.Token, cfg.Remote.Timeout)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	mon, err := newMonitor(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	orch := syncer.New(st, gw, &syncer.Config{Network: mon, Logger: newLogger("[sync] ")})
	guard := session.NewGuard(st, orch, &session.Config{
		LogoutFlushTimeout: cfg.Sync.LogoutFlushTimeout,
		RebindTimeout:      cfg.Sync.RebindTimeout,
		Logger:             newLogger("[session] "),
	})

	return &engine{store: st, gateway: gw, monitor: mon, orch: orch, guard: guard}, nil
}

func newMonitor(ctx context.Context) (*netmon.Monitor, error) {
	addr, err := cfg.ProbeAddress()
	if err != nil {
		return nil, err
	}
	return netmon.New(ctx, &netmon.Config{
		SettleWindow: cfg.Network.SettleWindow,
		PollInterval: cfg.Network.PollInterval,
		Probe:        &netmon.DialProbe{Addr: addr, Timeout: 2 * time.Second},
		Logger:       newLogger("[netmon] "),
	}), nil
}

func (e *engine) Close() error {
	return e.store.Close()
}

// bindSession applies the session file to the store, so one-shot commands
// see the same account the daemon does.
func (e *engine) bindSession(ctx context.Context) error {
	account, err := session.NewFileProvider(cfg.SessionFile, newLogger("[session] ")).Current()
	if err != nil {
		return err
	}
	return e.guard.OnSessionResolved(ctx, account)
}

// requireAccount binds the session and fails when nobody is logged in.
func (e *engine) requireAccount(ctx context.Context) (string, error) {
	if err := e.bindSession(ctx); err != nil {
		return "", err
	}
	account := e.store.ActiveAccount()
	if account == "" {
		return "", fmt.Errorf("not logged in (run 'jsync login <account>')")
	}
	return account, nil
}

// recordView is the printable form of a record; the payload is decoded so
// it nests in JSON and YAML output.
type recordView struct {
	ID        string           `json:"id" yaml:"id"`
	OwnerID   string           `json:"owner_id" yaml:"owner_id"`
	Kind      string           `json:"kind,omitempty" yaml:"kind,omitempty"`
	UpdatedAt time.Time        `json:"updated_at" yaml:"updated_at"`
	SyncState record.SyncState `json:"sync_state" yaml:"sync_state"`
	Deleted   bool             `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	Payload   any              `json:"payload,omitempty" yaml:"payload,omitempty"`
}

func viewOf(rec *record.Record) recordView {
	v := recordView{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		Kind:      rec.Kind,
		UpdatedAt: rec.UpdatedAt,
		SyncState: rec.SyncState,
		Deleted:   rec.Deleted,
	}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &v.Payload); err != nil {
			v.Payload = string(rec.Payload)
		}
	}
	return v
}

// writeFormatted prints v as json or yaml. It reports false for "text" so the
// caller renders its own layout.
func writeFormatted(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case "", "text":
		return false, nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	default:
		return false, fmt.Errorf("invalid format %q: must be one of text, json, yaml", format)
	}
}
