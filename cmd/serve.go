package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/starfield/internal/config"
	"github.com/agentic-research/starfield/internal/engine"
	"github.com/agentic-research/starfield/internal/events"
	"github.com/agentic-research/starfield/internal/httpapi"
	"github.com/agentic-research/starfield/internal/kv"
	"github.com/agentic-research/starfield/internal/media"
	"github.com/agentic-research/starfield/internal/metrics"
	"github.com/agentic-research/starfield/internal/remote"
)

var (
	serveAddr   string
	deepLink    string
	historySize int
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides http.addr)")
	serveCmd.Flags().StringVar(&deepLink, "select", "", "Username to select once the dataset is available")
	serveCmd.Flags().IntVar(&historySize, "history", 1000, "Events kept for /api/events")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a session: ingest in the background and serve the UI event API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd, true)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.HTTP.Addr = serveAddr
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

		m := metrics.New()
		eng, err := newEngine(cfg, db, m, logger)
		if err != nil {
			return err
		}
		history := events.NewRecorder(historySize)
		eng.Events().Subscribe(history.Handle)
		srv := httpapi.New(eng, history, m.Registry(), logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng.Start()
		if deepLink != "" {
			eng.DeepLink(deepLink)
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return eng.Run(ctx) })
		g.Go(func() error { return srv.ListenAndServe(ctx, cfg.HTTP.Addr, cfg.HTTP.ShutdownTimeout) })
		runErr := g.Wait()

		if err := eng.Close(); err != nil {
			logger.Warn("final snapshot failed", zap.Error(err))
		}
		if errors.Is(runErr, context.Canceled) {
			return nil
		}
		return runErr
	},
}

func newEngine(cfg config.Config, db *kv.Store, m *metrics.Metrics, logger *zap.Logger) (*engine.Engine, error) {
	client, err := remote.New(cfg.Remote, nil, logger)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Deps{
		Config:  cfg,
		KV:      db,
		Remote:  client,
		Images:  media.NewLoader(cfg.Media, nil, logger),
		Metrics: m,
		Logger:  logger,
	})
}
