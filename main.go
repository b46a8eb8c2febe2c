package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wikiwatch/internal/config"
	"wikiwatch/internal/data"
	"wikiwatch/internal/feed"
	"wikiwatch/internal/ingest"
	"wikiwatch/internal/logging"
	"wikiwatch/internal/metrics"
	"wikiwatch/internal/processor"
	"wikiwatch/internal/queue"
)

const pingTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs once flags and config are resolved.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	rdb     *redis.Client
	store   *queue.RedisStore
	reg     *prometheus.Registry
	metrics *metrics.Metrics
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "wikiwatch",
		Short: "Wikipedia recent-changes vandalism feed",
		Long: `wikiwatch ingests Wikipedia's recent-changes stream into Redis, flags
likely vandalism with a fixed set of heuristics, and keeps two bounded feeds
(live edits and vandalism alerts) for display.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("metrics-addr", "", "serve /metrics and /healthz on this address")
	root.PersistentFlags().String("redis-url", "", "redis URL, e.g. redis://127.0.0.1:6379/0")
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("metrics.addr", root.PersistentFlags().Lookup("metrics-addr"))
	_ = v.BindPFlag("redis.url", root.PersistentFlags().Lookup("redis-url"))

	setup := func() (*app, error) {
		cfg, err := config.Load(v, cfgFile)
		if err != nil {
			return nil, err
		}
		return newApp(cfg)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "ingest",
			Short: "Stream recent changes into the input queue",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := setup()
				if err != nil {
					return err
				}
				defer a.close()
				return a.serve(cmd.Context(), a.runIngest)
			},
		},
		&cobra.Command{
			Use:   "process",
			Short: "Classify queued edits and maintain the live and vandalism feeds",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := setup()
				if err != nil {
					return err
				}
				defer a.close()
				return a.serve(cmd.Context(), a.runProcess)
			},
		},
		newFeedCmd(setup),
	)
	return root
}

func newFeedCmd(setup func() (*app, error)) *cobra.Command {
	var noClear bool
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Show the live and vandalism feeds, refreshing periodically",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(cmd.Context(), func(ctx context.Context) error {
				return a.runFeed(ctx, !noClear)
			})
		},
	}
	cmd.Flags().BoolVar(&noClear, "no-clear", false, "append frames instead of redrawing the screen")
	return cmd
}

func newApp(cfg config.Config) (*app, error) {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	rdb, err := newRedisClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	return &app{
		cfg:     cfg,
		log:     log,
		rdb:     rdb,
		store:   queue.NewRedisStore(rdb),
		reg:     reg,
		metrics: metrics.New(reg),
	}, nil
}

// newRedisClient prefers redis.url when set, otherwise host and port.
func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		DB:       cfg.DB,
		Password: cfg.Password,
	}), nil
}

func (a *app) close() {
	_ = a.rdb.Close()
	_ = a.log.Sync()
}

// serve runs fn until SIGINT/SIGTERM, alongside the metrics endpoint when configured.
func (a *app) serve(parent context.Context, fn func(ctx context.Context) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The loops retry with backoff, so an unreachable redis at startup is not fatal.
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	if err := a.rdb.Ping(pingCtx).Err(); err != nil {
		a.log.Warn("redis is not reachable yet, continuing", zap.Error(err))
	} else {
		a.log.Info("connected to redis")
	}
	cancel()

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, a.cfg.Metrics.Addr, metrics.Handler(a.reg), a.log)
		})
	}
	g.Go(func() error {
		err := fn(ctx)
		if ctx.Err() != nil {
			a.log.Info("shutting down")
			return nil
		}
		return err
	})
	return g.Wait()
}

func (a *app) feeds() processor.Feeds {
	q := a.cfg.Queues
	return processor.Feeds{
		Input:     queue.NewBounded(a.store, q.Input.Key, q.Input.MaxLen, queue.FIFO, q.Input.TTL),
		Live:      queue.NewBounded(a.store, q.Live.Key, q.Live.Cap, queue.NewestFirst, 0),
		Vandalism: queue.NewBounded(a.store, q.Vandalism.Key, q.Vandalism.Cap, queue.NewestFirst, 0),
	}
}

func (a *app) runIngest(ctx context.Context) error {
	source := ingest.NewStreamSource(a.cfg.Source.URL, a.cfg.Source.UserAgent)
	ing := ingest.New(source, a.feeds().Input, ingest.Options{
		ReconnectDelay: a.cfg.Ingest.ReconnectDelay,
		ErrorDelay:     a.cfg.Ingest.ErrorDelay,
	}, a.log, a.metrics)
	return ing.Run(ctx)
}

func (a *app) runProcess(ctx context.Context) error {
	codec, err := data.CodecByName(a.cfg.Feed.Codec)
	if err != nil {
		return err
	}
	p := processor.New(a.feeds(), a.cfg.Rules.Classifier(), codec, processor.Options{
		ErrorBackoff: a.cfg.Process.ErrorBackoff,
		PollTimeout:  a.cfg.Process.PollTimeout,
	}, a.log, a.metrics)
	return p.Run(ctx)
}

func (a *app) runFeed(ctx context.Context, clear bool) error {
	codec, err := data.CodecByName(a.cfg.Feed.Codec)
	if err != nil {
		return err
	}
	f := a.feeds()
	r := feed.NewReader(f.Live, f.Vandalism, codec, feed.Options{
		Refresh:        a.cfg.Reader.Refresh,
		LiveLimit:      a.cfg.Reader.LiveLimit,
		VandalismLimit: a.cfg.Reader.VandalismLimit,
		Clear:          clear,
	}, os.Stdout, a.log)
	return r.Run(ctx)
}
