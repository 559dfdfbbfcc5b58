package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/dtoverlay/pkg/overlay"
	"github.com/openfroyo/dtoverlay/pkg/stores"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit     int
		kind      string
		instances bool
	)

	cmd := &cobra.Command{
		Use:   "history [NAME]",
		Short: "Show the overlay journal",
		Long: `Show lifecycle events recorded in the journal.

With --instances the last known state of every instance is listed instead.`,
		Example: `  # Last 20 events
  dtoverlay history --limit 20

  # Failures of one instance
  dtoverlay history uart --kind failed

  # Last known instance states
  dtoverlay history --instances`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.EventFilter{
				Kind:  overlay.EventKind(kind),
				Limit: limit,
			}
			if len(args) == 1 {
				filter.Instance = args[0]
			}
			return runHistory(cmd.Context(), filter, instances)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().StringVar(&kind, "kind", "", "only events of this kind (created, applied, failed, rejected, removed, destroyed)")
	cmd.Flags().BoolVar(&instances, "instances", false, "list instance states instead of events")

	return cmd
}

func runHistory(ctx context.Context, filter stores.EventFilter, instances bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Journal.Path == "" {
		return fmt.Errorf("no journal configured")
	}

	store, err := openStore(ctx, cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if instances {
		return printInstances(ctx, store, filter.Instance)
	}

	events, err := store.ListEvents(ctx, filter)
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(events)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tINSTANCE\tKIND\tPATH\tHANDLE\tERROR")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Seq,
			ev.Timestamp.Local().Format(time.DateTime),
			ev.Instance,
			ev.Kind,
			dash(ev.Path),
			handleString(ev.Handle),
			dash(ev.Error.String),
		)
	}
	return w.Flush()
}

func printInstances(ctx context.Context, store *stores.SQLiteStore, name string) error {
	var records []*stores.InstanceRecord
	if name != "" {
		rec, err := store.GetInstance(ctx, name)
		if err != nil {
			return err
		}
		records = append(records, rec)
	} else {
		var err error
		records, err = store.ListInstances(ctx)
		if err != nil {
			return err
		}
	}

	if jsonOutput {
		return writeJSON(records)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tSTATUS\tPATH\tHANDLE\tUPDATED")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.Name,
			rec.Status,
			dash(rec.Path),
			handleString(rec.Handle),
			rec.UpdatedAt.Local().Format(time.DateTime),
		)
	}
	return w.Flush()
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func handleString(h int) string {
	if h == overlay.NoHandle {
		return "-"
	}
	return fmt.Sprintf("%d", h)
}
