package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/easymo/txcore/internal/adminapi"
	"github.com/easymo/txcore/internal/store/gormstore"
	"github.com/easymo/txcore/internal/store/redisstore"
	"github.com/easymo/txcore/internal/worker"
	"github.com/easymo/txcore/pkg/convlock"
	"github.com/easymo/txcore/pkg/eventlog"
	"github.com/easymo/txcore/pkg/idempotency"
	"github.com/easymo/txcore/pkg/ledger"
	"github.com/easymo/txcore/pkg/queue"
	"github.com/easymo/txcore/pkg/throttle"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagRedisURL          = "redis-url"
	flagListenAddr        = "listen-addr"
	flagWorkerID          = "worker-id"
	flagWorkerQueues      = "worker-queues"
	configKeyDatabaseURL  = "database_url"
	configKeyRedisURL     = "redis_url"
	configKeyListenAddr   = "listen_addr"
	configKeyWorkerID     = "worker_id"
	configKeyWorkerQueues = "worker_queues"
	defaultDatabaseURL    = "sqlite:///tmp/txcore.db"
	defaultHTTPAddr       = ":8080"
	defaultWorkerID       = "txcored"
	defaultWorkerQueues   = "notifications,webhooks,background"
)

type runtimeConfig struct {
	DatabaseURL  string
	RedisURL     string
	ListenAddr   string
	WorkerID     string
	WorkerQueues []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "txcored: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "txcored",
		Short:         "Transaction core daemon: ledger, delivery queues and the admin API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagRedisURL, "", "Redis URL for rate limit counters and conversation locks (optional)")
	cmd.Flags().String(flagListenAddr, defaultHTTPAddr, "HTTP listen address for the admin API")
	cmd.Flags().String(flagWorkerID, defaultWorkerID, "worker identity recorded on claimed items")
	cmd.Flags().String(flagWorkerQueues, defaultWorkerQueues, "comma-separated queue names the worker pool drains")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:  "DATABASE_URL",
		configKeyRedisURL:     "REDIS_URL",
		configKeyListenAddr:   "HTTP_LISTEN_ADDR",
		configKeyWorkerID:     "WORKER_ID",
		configKeyWorkerQueues: "WORKER_QUEUES",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:  flagDatabaseURL,
		configKeyRedisURL:     flagRedisURL,
		configKeyListenAddr:   flagListenAddr,
		configKeyWorkerID:     flagWorkerID,
		configKeyWorkerQueues: flagWorkerQueues,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.RedisURL = viper.GetString(configKeyRedisURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.WorkerID = viper.GetString(configKeyWorkerID)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultHTTPAddr
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID
	}
	cfg.WorkerQueues = splitQueueNames(viper.GetString(configKeyWorkerQueues))
	if len(cfg.WorkerQueues) == 0 {
		cfg.WorkerQueues = splitQueueNames(defaultWorkerQueues)
	}
	return nil
}

func splitQueueNames(raw string) []string {
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func runDaemon(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := gormstore.Migrate(gormDB); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }

	var throttleStore throttle.Store = store
	var lockStore convlock.Store = store
	if cfg.RedisURL != "" {
		options, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		redisStore := redisstore.New(redis.NewClient(options), clock)
		throttleStore = redisStore
		lockStore = redisStore
		logger.Info("rate limit counters and conversation locks on redis")
	}

	ledgerService, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}
	jobQueue, err := queue.New(store.Queue(), clock)
	if err != nil {
		return fmt.Errorf("queue init: %w", err)
	}
	eventLog, err := eventlog.NewLog(store.Events(), clock)
	if err != nil {
		return fmt.Errorf("event log init: %w", err)
	}
	guard, err := idempotency.NewGuard(store, clock)
	if err != nil {
		return fmt.Errorf("guard init: %w", err)
	}
	limiter, err := throttle.NewLimiter(throttleStore, clock)
	if err != nil {
		return fmt.Errorf("limiter init: %w", err)
	}
	locks, err := convlock.NewManager(lockStore, store.Events(), clock)
	if err != nil {
		return fmt.Errorf("lock manager init: %w", err)
	}

	pool, err := worker.NewPool(worker.Config{
		Queue:    jobQueue,
		Limiter:  limiter,
		Guard:    guard,
		Locks:    locks,
		Logger:   logger,
		WorkerID: cfg.WorkerID,
	})
	if err != nil {
		return fmt.Errorf("worker pool init: %w", err)
	}
	// Embedding applications register real handlers; the standalone daemon
	// drains its queues with an echo handler so deployments can be smoked
	// end to end before wiring integrations.
	for _, queueName := range cfg.WorkerQueues {
		pool.Register(queueName, echoHandler(logger))
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- pool.Run(ctx)
	}()
	go func() {
		errCh <- adminapi.Run(ctx, adminapi.Config{ListenAddr: cfg.ListenAddr}, adminapi.Dependencies{
			Ledger:   ledgerService,
			Queue:    jobQueue,
			EventLog: eventLog,
			Logger:   logger,
		})
	}()

	<-ctx.Done()
	logger.Info("shutdown requested")
	for drained := 0; drained < 2; drained++ {
		if runErr := <-errCh; runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Warn("component stopped with error", zap.Error(runErr))
		}
	}
	return nil
}

func echoHandler(logger *zap.Logger) worker.Handler {
	return func(_ context.Context, item queue.Item) error {
		logger.Info("item processed",
			zap.String("queue", item.QueueName),
			zap.String("item_id", item.ItemID),
			zap.Int("payload_bytes", len(item.Payload)))
		return nil
	}
}

// zapOperationLogger adapts zap to the ledger operation callback.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount_minor", entry.AmountMinor),
		zap.String("idempotency_key", entry.Key.String()),
		zap.Bool("replayed", entry.Replayed),
		zap.String("status", entry.Status),
	}
	if peer := entry.PeerAccountID.String(); peer != "" {
		fields = append(fields, zap.String("peer_account_id", peer))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("ledger operation failed", fields...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "txcore.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
