package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bamskydbest/pharm-sub001/internal/cache"
	"github.com/bamskydbest/pharm-sub001/internal/cart"
	"github.com/bamskydbest/pharm-sub001/internal/clock"
	"github.com/bamskydbest/pharm-sub001/internal/config"
	"github.com/bamskydbest/pharm-sub001/internal/connectivity"
	"github.com/bamskydbest/pharm-sub001/internal/coordinator"
	"github.com/bamskydbest/pharm-sub001/internal/domain"
	"github.com/bamskydbest/pharm-sub001/internal/httpapi"
	"github.com/bamskydbest/pharm-sub001/internal/ledger"
	"github.com/bamskydbest/pharm-sub001/internal/outbox"
	"github.com/bamskydbest/pharm-sub001/internal/receipt"
	"github.com/bamskydbest/pharm-sub001/internal/scan"
	"github.com/bamskydbest/pharm-sub001/internal/store"
	"github.com/bamskydbest/pharm-sub001/internal/store/filekv"
	"github.com/bamskydbest/pharm-sub001/internal/store/memory"
	pgstore "github.com/bamskydbest/pharm-sub001/internal/store/postgres"
	"github.com/bamskydbest/pharm-sub001/internal/store/rediskv"
)

func main() {
	configPath := pflag.String("config", os.Getenv("TERMINAL_CONFIG"), "path to a YAML config file")
	port := pflag.String("port", "", "listen port, overrides PORT")
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("terminal stopped with error", zap.Error(err))
	}
	logger.Info("terminal stopped")
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Load(), nil
	}
	return config.LoadFile(path)
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	parsed, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = parsed
	return zcfg.Build()
}

func validateConfig(cfg config.Config) error {
	if cfg.LedgerURL == "" {
		return errors.New("LEDGER_URL must be set")
	}
	parsed, err := url.Parse(cfg.LedgerURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("LEDGER_URL %q must be an absolute http(s) URL", cfg.LedgerURL)
	}
	switch cfg.SalesChannel {
	case domain.ChannelPharmacy, domain.ChannelGeneral:
	default:
		return fmt.Errorf("SALES_CHANNEL must be %q or %q, got %q", domain.ChannelPharmacy, domain.ChannelGeneral, cfg.SalesChannel)
	}
	if _, err := cfg.TaxRate(); err != nil {
		return err
	}
	switch cfg.QueueBackend {
	case "file":
		if cfg.QueueDir == "" {
			return errors.New("QUEUE_DIR must be set for the file queue backend")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("REDIS_ADDR must be set for the redis queue backend")
		}
	case "memory":
	default:
		return fmt.Errorf("QUEUE_BACKEND must be file, redis or memory, got %q", cfg.QueueBackend)
	}
	return nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 3)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	var catalog store.Catalog
	var held store.HeldCarts
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL, cfg.StoreID)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		closers = append(closers, pg.Close)
		if err := pg.EnsureSchema(startCtx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		catalog, held = pg, pg
		logger.Info("catalog: postgres")
	} else {
		seeded := memory.NewSeeded()
		catalog, held = seeded, seeded
		logger.Info("catalog: in-memory")
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := client.Ping(startCtx).Err(); err != nil {
			_ = client.Close()
			if cfg.QueueBackend == "redis" {
				return fmt.Errorf("redis unavailable for queue backend: %w", err)
			}
			logger.Warn("redis unavailable, product cache disabled", zap.Error(err))
		} else {
			redisClient = client
			closers = append(closers, client.Close)
		}
	}

	namespace := "pharm:" + cfg.StoreID + ":" + cfg.TerminalID
	if redisClient != nil {
		productCache := cache.NewRedisProductCache(redisClient, "pharm:"+cfg.StoreID+":product:")
		catalog = cache.NewCachedCatalog(catalog, productCache, cfg.CatalogCacheTTL(), logger)
		logger.Info("catalog cache: redis", zap.Duration("ttl", cfg.CatalogCacheTTL()))
		if cfg.DatabaseURL == "" {
			held = rediskv.NewWithClient(redisClient, namespace)
		}
	}

	var queueStorage store.SaleQueue
	switch cfg.QueueBackend {
	case "redis":
		queueStorage = rediskv.NewWithClient(redisClient, namespace)
	case "memory":
		logger.Warn("queue backend is in-memory; pending sales will not survive a restart")
		queueStorage = memory.New()
	default:
		fileStore, err := filekv.New(cfg.QueueDir)
		if err != nil {
			return fmt.Errorf("open queue dir: %w", err)
		}
		queueStorage = fileStore
	}

	queue, err := outbox.Open(startCtx, queueStorage,
		outbox.WithLogger(logger),
		outbox.WithPermanentClassifier(ledger.IsPermanent))
	if err != nil {
		return fmt.Errorf("open sale queue: %w", err)
	}
	logger.Info("sale queue opened", zap.String("backend", cfg.QueueBackend), zap.Int("pending", queue.Pending()))

	spool, err := receipt.NewSpool(cfg.ReceiptDir, cfg.StoreName, logger)
	if err != nil {
		return fmt.Errorf("open receipt spool: %w", err)
	}

	rate, err := cfg.TaxRate()
	if err != nil {
		return err
	}

	client := ledger.NewClient(cfg.LedgerURL, cfg.TerminalID, cfg.LedgerTimeout(), logger)
	hub := httpapi.NewHub(logger)
	coord, err := coordinator.New(coordinator.Config{
		StoreID:    cfg.StoreID,
		TerminalID: cfg.TerminalID,
		Channel:    cfg.SalesChannel,
	}, coordinator.Deps{
		Catalog:   catalog,
		HeldCarts: held,
		Queue:     queue,
		Submitter: client,
		Receipts:  spool,
		Notifier:  hub,
		Tax:       cart.PolicyFor(cfg.SalesChannel, rate),
		Clock:     clock.Real(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	keyboard := scan.NewKeyboard()
	decoder := scan.NewDecoder(clock.Real(), cfg.ScanTimeout(), cfg.ScanMinLength, coord.ScanHandler(), logger)
	releaseKeys := decoder.Attach(keyboard)

	online := connectivity.NewManual(true)
	releaseSignal := coord.Watch(online)
	monitor := connectivity.NewMonitor(client, online, clock.Real(), cfg.ProbeInterval(), logger)

	api := httpapi.New(httpapi.Deps{
		Coordinator:   coord,
		Keyboard:      keyboard,
		Connectivity:  online,
		Receipts:      spool,
		Hub:           hub,
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        logger,
	})
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("terminal listening", zap.String("addr", cfg.Address()), zap.String("terminal_id", cfg.TerminalID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	g.Go(func() error {
		return coord.RunRetryLoop(gctx, cfg.RetryInterval())
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer shutdownCancel()
		hub.Close()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	releaseKeys()
	releaseSignal()
	coord.Close()
	logger.Info("shutdown complete", zap.Int("pending", queue.Pending()))
	return err
}
