package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/journalsync/internal/record"
	"github.com/steveyegge/journalsync/internal/store"
	"github.com/steveyegge/journalsync/internal/ui"
)

var writeCmd = &cobra.Command{
	Use:     "write [text]",
	GroupID: "records",
	Short:   "Write a journal record locally",
	Long: `Write a record to the local store. The write never touches the network:
the record is queued as pending and pushed by the next sync cycle.

The payload is {"text": "<text>"} unless --json is given, in which case the
argument (or stdin with "-") must be a JSON document.

Examples:
  jsync write "Dreamt about a lighthouse"
  jsync write --id 6f1c... "Edited text"
  echo '{"symbols":["water"]}' | jsync write --kind interpretation --json -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		id, _ := cmd.Flags().GetString("id")
		asJSON, _ := cmd.Flags().GetBool("json")

		input := args[0]
		if input == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read stdin: %w", err)
			}
			input = string(data)
		}

		payload, err := buildPayload(input, asJSON)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		account, err := e.requireAccount(ctx)
		if err != nil {
			return err
		}

		rec := record.New(account, kind, payload)
		if id != "" {
			rec.ID = id
			if existing, err := e.store.Get(ctx, id); err == nil && !cmd.Flags().Changed("kind") {
				rec.Kind = existing.Kind
			}
		}

		if err := e.store.Put(ctx, rec); err != nil {
			return err
		}
		fmt.Printf("%s Saved %s (%s)\n", ui.RenderPass("✓"), rec.ID, ui.RenderState(rec.SyncState))
		return nil
	},
}

func buildPayload(input string, asJSON bool) ([]byte, error) {
	if asJSON {
		input = strings.TrimSpace(input)
		if !json.Valid([]byte(input)) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return []byte(input), nil
	}
	return json.Marshal(map[string]string{"text": strings.TrimRight(input, "\n")})
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	GroupID: "records",
	Short:   "Delete a record (queues a tombstone)",
	Args:    cobra.ExactArgs(1),
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

		tomb, err := e.store.Delete(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("record %s not found", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s Deleted %s (%s)\n", ui.RenderPass("✓"), tomb.ID, ui.RenderState(tomb.SyncState))
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:     "get <id>",
	GroupID: "records",
	Short:   "Show one record",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		rec, err := e.store.Get(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("record %s not found", args[0])
		}
		if err != nil {
			return err
		}

		if done, err := writeFormatted(os.Stdout, format, viewOf(rec)); done || err != nil {
			return err
		}

		fmt.Printf("\n%s %s\n\n", ui.RenderAccent("Record"), rec.ID)
		fmt.Println(ui.Field("Owner", rec.OwnerID))
		fmt.Println(ui.Field("Kind", rec.Kind))
		fmt.Println(ui.Field("Updated", rec.UpdatedAt.Local().Format(time.RFC3339)))
		fmt.Println(ui.Field("State", ui.RenderState(rec.SyncState)))
		if rec.Deleted {
			fmt.Println(ui.Field("Deleted", ui.RenderWarn("yes")))
		} else {
			pretty, _ := json.MarshalIndent(viewOf(rec).Payload, "  ", "  ")
			fmt.Printf("\n  %s\n", pretty)
		}
		fmt.Println()
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "records",
	Short:   "List records for the active account",
	Long: `List records, newest first.

--since accepts natural language as well as RFC 3339:
  jsync list --since yesterday
  jsync list --since "last week"
  jsync list --since 2026-03-01T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		sinceStr, _ := cmd.Flags().GetString("since")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		opts := store.ListOptions{IncludeDeleted: all, Limit: limit}
		if sinceStr != "" {
			since, err := parseSince(sinceStr, time.Now())
			if err != nil {
				return err
			}
			opts.Since = since
		}

		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		account, err := e.requireAccount(ctx)
		if err != nil {
			return err
		}

		recs, err := e.store.List(ctx, account, opts)
		if err != nil {
			return err
		}

		views := make([]recordView, 0, len(recs))
		for _, rec := range recs {
			views = append(views, viewOf(rec))
		}
		if done, err := writeFormatted(os.Stdout, format, views); done || err != nil {
			return err
		}

		fmt.Println(ui.RecordTable(recs))
		return nil
	},
}

var sinceParser = newSinceParser()

func newSinceParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// parseSince resolves an RFC 3339 timestamp or a natural-language expression
// relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	r, err := sinceParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	return r.Time, nil
}

func init() {
	writeCmd.Flags().String("kind", record.KindEntry, "record kind")
	writeCmd.Flags().String("id", "", "update the record with this id instead of creating one")
	writeCmd.Flags().Bool("json", false, "treat the argument as a raw JSON payload")

	getCmd.Flags().String("format", "text", "output format (text|json|yaml)")

	listCmd.Flags().String("format", "text", "output format (text|json|yaml)")
	listCmd.Flags().String("since", "", "only records updated at or after this time")
	listCmd.Flags().Bool("all", false, "include deleted records")
	listCmd.Flags().IntP("limit", "n", 0, "maximum records to show (0 = all)")

	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
}
