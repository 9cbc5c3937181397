package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agentic-research/starfield/internal/ingest"
	"github.com/agentic-research/starfield/internal/kv"
	"github.com/agentic-research/starfield/internal/snapshot"
)

func init() {
	snapshotCmd.AddCommand(snapshotInfoCmd, snapshotClearCmd)
	rootCmd.AddCommand(snapshotCmd, resetCmd)
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect or clear the persisted session",
}

var snapshotInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the persisted snapshot and cursor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd, false)
		if err != nil {
			return err
		}
		db, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		out := cmd.OutOrStdout()
		snap, err := snapshot.NewPersister(cfg.Snapshot, db, nil, nil).Load()
		switch {
		case err != nil:
			fmt.Fprintf(out, "snapshot: unusable (%v)\n", err)
		case snap == nil:
			fmt.Fprintln(out, "snapshot: none")
		default:
			form := "full"
			if snap.Lean {
				form = "lean"
			}
			fmt.Fprintf(out, "snapshot: v%d %s, %s members, saved %s\n",
				snap.Version, form, humanize.Comma(int64(len(snap.Members))), humanize.Time(snap.SavedAt))
			if snap.Truncated {
				fmt.Fprintln(out, "snapshot: truncated to the oldest members")
			}
		}

		cursor, ok, err := ingest.LoadCursor(db)
		switch {
		case err != nil:
			fmt.Fprintf(out, "cursor: unusable (%v)\n", err)
		case !ok:
			fmt.Fprintln(out, "cursor: none")
		default:
			fmt.Fprintf(out, "cursor: stage=%s users=%s posts=%s comments=%s complete=%t\n",
				cursor.Stage,
				humanize.Comma(int64(cursor.UserSkip)),
				humanize.Comma(int64(cursor.PostSkip)),
				humanize.Comma(int64(cursor.CommentSkip)),
				cursor.IsComplete)
		}

		size, err := db.Size()
		if err != nil {
			return err
		}
		quota := "unlimited"
		if q := db.Quota(); q > 0 {
			quota = humanize.Bytes(uint64(q))
		}
		fmt.Fprintf(out, "storage: %s of %s\n", humanize.Bytes(uint64(size)), quota)
		return nil
	},
}

var snapshotClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the snapshot, cursor and navigation cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd, false)
		if err != nil {
			return err
		}
		db, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if err := snapshot.NewPersister(cfg.Snapshot, db, nil, nil).Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "cleared")
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard ingestion progress; the next session starts from the first page",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd, false)
		if err != nil {
			return err
		}
		db, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if err := db.RemoveItem(kv.KeyCursor); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "job state reset")
		return nil
	},
}
