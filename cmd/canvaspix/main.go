package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"canvaspix/internal/audit"
	"canvaspix/internal/canvas"
	"canvaspix/internal/cluster"
	"canvaspix/internal/config"
	"canvaspix/internal/cooldown"
	"canvaspix/internal/events"
	"canvaspix/internal/fishing"
	"canvaspix/internal/identity"
	"canvaspix/internal/logging"
	"canvaspix/internal/placement"
	"canvaspix/internal/server"
	"canvaspix/internal/sharedcfg"
	"canvaspix/internal/store"
)

func main() {
	cfg, found, err := config.Load(".", "config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "canvaspix: %v\n", err)
		os.Exit(1)
	}
	logger, logFile, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Shard:      cfg.Cluster.Shard,
	}, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canvaspix: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	if !found {
		logger.Warn().Msg("config file not found, relying on defaults and environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("canvaspix stopped")
		logFile.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")

	canvases, err := canvas.NewRegistry(cfg.Canvases)
	if err != nil {
		return err
	}

	// --- PostgreSQL, optional ---
	var (
		source identity.Source = identity.StaticSource{}
		sink   audit.Sink      = audit.Nop{}
		writer *audit.Writer
	)
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info().Msg("connected to postgres")
		source = identity.NewPGSource(pool)
		writer = audit.NewWriter(pool, cfg.Postgres.AuditBatch, cfg.Postgres.AuditInterval, logger)
		sink = writer
	}
	allowances, err := identity.NewCachedSource(source, cfg.Postgres.AllowanceTTL, cfg.Postgres.AllowanceCacheSize)
	if err != nil {
		return err
	}
	defer allowances.Close()

	// --- event bus ---
	var (
		srv    *server.Server
		bus    events.Bus
		broker *cluster.Broker
		info   server.ClusterInfo
	)
	if cfg.Cluster.Enabled() {
		transport, err := newTransport(cfg, rdb)
		if err != nil {
			return err
		}
		defer transport.Close()
		broker, err = cluster.New(transport, cluster.Options{
			Name:              cfg.Cluster.Shard,
			HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
			ShardTimeout:      cfg.Cluster.ShardTimeout,
			RequestTimeout:    cfg.Cluster.RequestTimeout,
			RequestAllTimeout: cfg.Cluster.RequestAllTimeout,
			Load:              cluster.LoadFunc(func() int {
				if srv == nil {
					return 0
				}
				return srv.Connections()
			}),
		}, logger)
		if err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
		bus, info = broker, broker
		logger.Info().Str("transport", cfg.Cluster.Transport).Msg("joined cluster")
	} else {
		bus = events.NewLocal(logger)
	}
	defer bus.Close()

	// --- cooldown modifiers and shared settings ---
	factors := cooldown.NewService(logger)
	defer factors.Close()
	modifiers := cooldown.NewReplicator(factors, bus, logger)

	var snapshot *sharedcfg.Snapshot
	if cfg.SharedConfig.SnapshotPath != "" {
		if snapshot, err = sharedcfg.OpenSnapshot(cfg.SharedConfig.SnapshotPath); err != nil {
			return err
		}
		defer snapshot.Close()
	}
	shared := sharedcfg.New(bus, sharedcfg.Values{
		CooldownFactor:       cfg.SharedConfig.CooldownFactor,
		VerificationRequired: cfg.SharedConfig.VerificationRequired,
	}, snapshot, logger)
	if err := shared.Restore(); err != nil {
		logger.Warn().Err(err).Msg("restore shared config")
	}

	// --- placement ---
	chunks := store.NewChunks(rdb)
	pipeline := placement.New(placement.Deps{
		Canvases:  canvases,
		Quota:     store.NewQuota(rdb),
		Chunks:    chunks,
		Broadcast: bus,
		Factors:   factors,
		Settings:  shared,
		Audit:     sink,
		Logger:    logger,
	})

	srv = server.New(cfg.Server, server.Deps{
		Bus:      bus,
		Canvases: canvases,
		Placer:   pipeline,
		Identify: identity.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Cookie, cfg.Auth.CountryHeader, allowances),
		Captcha:  store.NewCaptcha(rdb),
		Cooldown: func(ctx context.Context, canvasID uint8, ip string, userID int64) (int64, error) {
			return store.Cooldown(ctx, rdb, canvasID, ip, userID)
		},
		Logger: logger,
	})
	defer srv.Close()

	if writer != nil {
		go writer.Run(ctx)
	}
	if cfg.Fishing.Enabled {
		game := fishing.New(cfg.Fishing.Config, bus, srv, modifiers, logger)
		srv.SetFishing(game)
		go game.Run(ctx)
	}
	go srv.Run(ctx)
	if broker != nil {
		broker.Start()
	}
	leader := &leaderDuties{
		bus:      bus,
		rankings: store.NewRankings(rdb, cfg.Ranking.Retention),
		shared:   shared,
		logger:   logger.With().Str("component", "leader").Logger(),
		day:      utcDay(time.Now()),
	}
	go leader.run(ctx, cfg.Cluster.LeaderInterval)

	// --- HTTP ---
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(info, chunks),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Int("canvases", len(canvases.All())).Msg("canvaspix listening")
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if writer != nil {
		writer.Wait()
	}
	return nil
}

// newTransport picks the pub/sub carrier. Redis subscriptions hold their own
// pooled connections, so the command client is shared.
func newTransport(cfg *config.Config, rdb *redis.Client) (cluster.Transport, error) {
	switch cfg.Cluster.Transport {
	case "nats":
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("canvaspix-"+cfg.Cluster.Shard))
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
		}
		return cluster.NewNATSTransport(conn), nil
	default:
		return cluster.NewRedisTransport(rdb), nil
	}
}
