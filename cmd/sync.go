package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentic-research/starfield/internal/engine"
	"github.com/agentic-research/starfield/internal/ingest"
	"github.com/agentic-research/starfield/internal/metrics"
)

var syncTimeout time.Duration

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 0, "Give up after this long (0 waits indefinitely)")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Ingest headlessly until the job completes or the session cap is reached",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd, true)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		db, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		eng, err := newEngine(cfg, db, metrics.New(), logger)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if syncTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, syncTimeout)
			defer cancel()
		}

		start := time.Now()
		restored := eng.Restored()
		eng.Start()
		runErr := eng.Loop().RunUntil(ctx, func() bool { return syncFinished(eng) })

		st := eng.Ingest().Status()
		known := eng.Store().Known()
		closeErr := eng.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %s members (%s new) in %s\n",
			st.State, humanize.Comma(int64(known)), humanize.Comma(int64(known-restored)),
			time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(out, "cursor: stage=%s users=%s posts=%s comments=%s\n",
			st.Cursor.Stage,
			humanize.Comma(int64(st.Cursor.UserSkip)),
			humanize.Comma(int64(st.Cursor.PostSkip)),
			humanize.Comma(int64(st.Cursor.CommentSkip)))
		if size, err := db.Size(); err == nil {
			fmt.Fprintf(out, "storage: %s\n", humanize.Bytes(uint64(size)))
		}

		if closeErr != nil {
			logger.Warn("final snapshot failed", zap.Error(closeErr))
		}
		if st.State == ingest.Error {
			return fmt.Errorf("sync failed: %w", st.Err)
		}
		if runErr != nil && ctx.Err() == nil {
			return runErr
		}
		return nil
	},
}

// syncFinished stops at completion, on error, or at a pause that will not
// resume by itself in this session.
func syncFinished(eng *engine.Engine) bool {
	switch eng.Ingest().State() {
	case ingest.Complete, ingest.Error:
		return true
	case ingest.Paused:
		return eng.Ingest().Status().Reason == ingest.ReasonSessionCap
	default:
		return false
	}
}
