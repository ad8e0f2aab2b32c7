package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"story-nav/server/internal/api"
	"story-nav/server/internal/config"
	"story-nav/server/internal/eventqueue"
	"story-nav/server/internal/media"
	"story-nav/server/internal/metadata"
	"story-nav/server/internal/metrics"
	"story-nav/server/internal/model"
	"story-nav/server/internal/orchestrator"
	"story-nav/server/internal/ordering"
	"story-nav/server/internal/preload"
	"story-nav/server/internal/store"
)

const expireInterval = time.Minute

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "storynav",
		Short: "Ephemeral story navigation core",
		Long: `storynav serves the navigation state of an ephemeral story viewer:
a stable author order, per-author focus, ready-gated author switching,
and look-ahead media preloading.`,
		SilenceUsage: true,
	}
	// 敏感或部署相关的配置可以用环境变量覆盖：
	// STORYNAV_ADDR / STORYNAV_FIXTURE / STORYNAV_SELF_AUTHOR / STORYNAV_MEDIA_BASE_URL
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")

	cmd.AddCommand(serveCmd(&configPath), orderCmd(&configPath))
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	var (
		focus     int64
		focusItem int64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("focus") {
				cfg.Session.FocusAuthor = focus
			}
			if cmd.Flags().Changed("focus-item") {
				cfg.Session.FocusItem = &focusItem
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validate flags: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().Int64Var(&focus, "focus", 0, "author to start the session from")
	cmd.Flags().Int64Var(&focusItem, "focus-item", 0, "item of the focus author to open first (requires --focus or session.focus_author)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, closer, err := cfg.Logging.NewLogger()
	if err != nil {
		return err
	}
	defer closer.Close()

	m := metrics.New()
	queue := eventqueue.New("navigation", logger,
		eventqueue.WithCapacity(cfg.Queue.Capacity),
		eventqueue.WithDepthObserver(m.QueueDepth),
	)
	defer queue.Close()

	st := store.NewInMemoryStore(
		store.WithLogger(logger),
		store.WithBackfillDelay(cfg.Fixture.BackfillDelay),
		store.WithSelfAuthor(model.AuthorID(cfg.Session.SelfAuthor)),
	)
	watcher, err := store.NewFixtureWatcher(cfg.Fixture.Path, st, time.Now(), logger)
	if err != nil {
		return err
	}
	if err := watcher.Load(); err != nil {
		return err
	}

	mediaBase := cfg.Media.BaseURL
	if mediaBase == "" {
		mediaBase = fmt.Sprintf("http://127.0.0.1:%d/media", cfg.Server.Port)
	}
	fetcher, err := media.NewFetcher(media.Config{
		BaseURL:   mediaBase,
		CacheSize: cfg.Media.CacheSize,
		Timeout:   cfg.Media.Timeout,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	scheduler := preload.NewScheduler(fetcher,
		preload.WithMaxConcurrent(cfg.Preload.MaxConcurrent),
		preload.WithLookahead(cfg.Navigation.Lookahead),
		preload.WithMetrics(m),
		preload.WithLogger(logger),
	)
	poller := metadata.NewPoller(st,
		metadata.WithMaxItems(cfg.Metadata.MaxItems),
		metadata.WithLookahead(cfg.Navigation.Lookahead),
		metadata.WithMetrics(m),
		metadata.WithLogger(logger),
	)

	orch := orchestrator.New(queue, orchestrator.Deps{
		Source:     st,
		Backfiller: st,
		Marker:     st,
		Metrics:    m,
		Logger:     logger,
	}, orchestrator.Config{
		FocusAuthor:    cfg.Session.FocusAuthorID(),
		FocusItem:      cfg.Session.FocusItemID(),
		Lookahead:      cfg.Navigation.Lookahead,
		BackfillRadius: cfg.Navigation.BackfillRadius,
	})
	orch.Observe(scheduler.Update)
	orch.Observe(poller.Update)
	orch.Start()
	defer func() {
		orch.Close()
		scheduler.Close()
		poller.Close()
		fetcher.Wait()
		st.Wait()
	}()

	server := api.NewServer(api.Deps{
		Navigator: orch,
		Queue:     queue,
		Store:     st,
		Preload:   scheduler,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("storynav server listening on %s (session %s)", httpServer.Addr, orch.ID())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.Fixture.Watch {
		g.Go(func() error { return watcher.Run(ctx) })
	}
	if cfg.Metadata.PollInterval > 0 {
		g.Go(func() error {
			return tick(ctx, cfg.Metadata.PollInterval, func() { queue.Post(poller.Poll) })
		})
	}
	g.Go(func() error {
		return tick(ctx, expireInterval, func() {
			if n := st.Expire(time.Now()); n > 0 {
				logger.Printf("[Store] Expired %d items", n)
			}
		})
	})

	err = g.Wait()
	logger.Printf("storynav server stopped")
	return err
}

func tick(ctx context.Context, every time.Duration, fn func()) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

func orderCmd(configPath *string) *cobra.Command {
	var focus int64
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Print the frozen author order for the configured fixture",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			fx, err := store.LoadFixture(cfg.Fixture.Path)
			if err != nil {
				return err
			}
			st := store.NewInMemoryStore(
				store.WithLogger(log.New(os.Stderr, "", 0)),
				store.WithSelfAuthor(model.AuthorID(cfg.Session.SelfAuthor)),
			)
			if err := st.ApplyFixture(fx, time.Now()); err != nil {
				return err
			}

			var focusAuthor *model.AuthorID
			if focus != 0 {
				id := model.AuthorID(focus)
				focusAuthor = &id
			}
			resolver := ordering.NewResolver(focusAuthor)
			order := resolver.Update(st.Entries())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "#\tAUTHOR\tUNSEEN\tITEMS\tLAST\n")
			for i, e := range order {
				fmt.Fprintf(w, "%d\t%d\t%v\t%d\t%s\n", i, e.AuthorID, e.HasUnseen, e.ItemCount, e.LastTimestamp.Format(time.RFC3339))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unseen-only: %v\n", resolver.UnseenOnly())
			return nil
		},
	}
	cmd.Flags().Int64Var(&focus, "focus", 0, "author the session starts from")
	return cmd
}
