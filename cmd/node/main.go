package main

import (
	"context"
	"errors"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/uhyunpark/predmatch/params"
	"github.com/uhyunpark/predmatch/pkg/api"
	"github.com/uhyunpark/predmatch/pkg/app/clob"
	"github.com/uhyunpark/predmatch/pkg/app/core"
	"github.com/uhyunpark/predmatch/pkg/crypto"
	"github.com/uhyunpark/predmatch/pkg/events"
	"github.com/uhyunpark/predmatch/pkg/p2p"
	"github.com/uhyunpark/predmatch/pkg/storage"
	"github.com/uhyunpark/predmatch/pkg/util"
)

func main() {
	// Load config: defaults, then CONFIG_FILE (optional), then .env and environment
	cfg, err := params.Load(os.Getenv("CONFIG_FILE"), "")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("logger_initialized", zap.String("log_file", cfg.Log.File), zap.String("level", cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("node_failed", zap.Error(err))
	}
	logger.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, logger *zap.Logger) error {
	// ---- Order store ----
	store, closeStore, err := openStore(ctx, cfg.Store, logger.Named("store"))
	if err != nil {
		return err
	}
	defer closeStore()
	gw := storage.NewRetryStore(store, cfg.Store.Retry, logger.Named("retry"))

	// ---- Event bus and sinks ----
	hub := api.NewHub(logger.Named("ws"))
	bus := events.NewBus(cfg.Events.BufferSize, logger.Named("events"), hub)

	if len(cfg.Events.Kafka.Brokers) > 0 {
		ks := events.NewKafkaSink(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic)
		defer ks.Close()
		bus.AddSink(ks)
		logger.Info("kafka_sink_enabled", zap.Strings("brokers", cfg.Events.Kafka.Brokers), zap.String("topic", cfg.Events.Kafka.Topic))
	}

	if cfg.Events.Redis.Addr != "" {
		rc, err := events.NewRedisClient(ctx, cfg.Events.Redis.Addr, cfg.Events.Redis.Password, cfg.Events.Redis.DB)
		if err != nil {
			return err
		}
		defer rc.Close()
		bus.AddSink(events.NewRedisSink(rc, cfg.Events.Redis.Channel))
		logger.Info("redis_sink_enabled", zap.String("addr", cfg.Events.Redis.Addr), zap.String("channel", cfg.Events.Redis.Channel))
	}

	if cfg.Events.Gossip.Enabled {
		g, err := p2p.NewGossip(ctx, p2p.GossipConfig{
			ListenAddrs: cfg.Events.Gossip.Listen,
			Bootstrap:   cfg.Events.Gossip.Bootstrap,
			Topic:       cfg.Events.Gossip.Topic,
			Logger:      logger.Named("p2p"),
		})
		if err != nil {
			return err
		}
		defer g.Close()
		// peers' trades reach local websocket clients; they are not re-published
		g.OnRemoteEvent(func(ctx context.Context, from peer.ID, e core.Event) {
			hub.Deliver(ctx, e)
		})
		bus.AddSink(g)
	}

	// ---- App ----
	app, err := clob.NewApp(clob.Options{
		Store:         gw,
		Scheme:        core.NewSignatureScheme(signingDomain(cfg.Domain)),
		Events:        bus,
		Logger:        logger.Named("clob"),
		MaxBookLevels: cfg.Book.MaxLevels,
		DedupSize:     cfg.Dedup.Size,
	})
	if err != nil {
		return err
	}

	go hub.Run(ctx)
	go bus.Run(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bus.Close(closeCtx); err != nil {
			logger.Warn("event_bus_close_failed", zap.Error(err))
		}
	}()

	logger.Info("node_starting",
		zap.String("backend", cfg.Store.Backend),
		zap.String("api_addr", cfg.API.Addr),
		zap.String("domain", cfg.Domain.Name),
		zap.Int64("chain_id", cfg.Domain.ChainID))

	// ---- API Server ----
	srv := api.NewServer(app, hub, cfg.API, logger.Named("api"))
	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg params.Store, logger *zap.Logger) (core.OrderStore, func(), error) {
	switch cfg.Backend {
	case params.BackendPebble:
		s, err := storage.NewPebbleStore(cfg.PebblePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("pebble_close_failed", zap.Error(err))
			}
		}, nil

	case params.BackendPostgres:
		pool, err := storage.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		s := storage.NewPostgresStore(pool, logger)
		if err := s.CreateSchema(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil

	default:
		logger.Warn("memory_store_in_use", zap.String("hint", "orders are lost on restart"))
		return storage.NewMemoryStore(), func() {}, nil
	}
}

func signingDomain(d params.Domain) crypto.EIP712Domain {
	return crypto.EIP712Domain{
		Name:              d.Name,
		Version:           d.Version,
		ChainID:           big.NewInt(d.ChainID),
		VerifyingContract: common.HexToAddress(d.VerifyingContract),
	}
}
