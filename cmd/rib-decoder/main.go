package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/rib-decoder/internal/config"
	"github.com/route-beacon/rib-decoder/internal/db"
	"github.com/route-beacon/rib-decoder/internal/history"
	ribhttp "github.com/route-beacon/rib-decoder/internal/http"
	"github.com/route-beacon/rib-decoder/internal/ingest"
	"github.com/route-beacon/rib-decoder/internal/kafka"
	"github.com/route-beacon/rib-decoder/internal/maintenance"
	"github.com/route-beacon/rib-decoder/internal/metrics"
	"github.com/route-beacon/rib-decoder/internal/state"
)

const appName = "rib-decoder"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "mrt":
		err = runMRT(args)
	case "bmp":
		err = runBMP(args)
	case "bgp":
		err = runBGP(args)
	case "import":
		err = runImport(args)
	case "serve":
		runServe(args)
	case "migrate":
		runMigrate(args)
	case "maintenance":
		runMaintenance(args)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: rib-decoder <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  mrt <file>      Decode an MRT archive and print one JSON object per record")
	fmt.Println("  bmp <file>      Decode a captured BMP v3 stream and print one JSON object per message")
	fmt.Println("  bgp <hex>       Decode a single hex-encoded BGP message")
	fmt.Println("  import <file>   Write the route events of an MRT archive to route_events")
	fmt.Println("  serve           Start the Kafka ingestion service")
	fmt.Println("  migrate         Run database migrations")
	fmt.Println("  maintenance     Run partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>     Path to configuration YAML file")
	fmt.Println("  --log-level <lvl>   Override log level (debug, info, warn, error)")
	fmt.Println("  --events            mrt, bmp: print flattened route events instead of records")
	fmt.Println("  --router-id <id>    import: router_id to store instead of the collector BGP ID")
	fmt.Println("  --add-path          bgp: decode NLRI with path identifiers")
	fmt.Println("  --two-byte-as       bgp: decode AS numbers as 2 octets")
}

// cliFlags are the options shared by all commands plus positional arguments.
type cliFlags struct {
	configPath string
	logLevel   string
	routerID   string
	events     bool
	addPath    bool
	twoByteAS  bool
	args       []string
}

func parseFlags(args []string) cliFlags {
	var f cliFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				f.configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				f.logLevel = args[i+1]
				i++
			}
		case "--router-id":
			if i+1 < len(args) {
				f.routerID = args[i+1]
				i++
			}
		case "--events":
			f.events = true
		case "--add-path":
			f.addPath = true
		case "--two-byte-as":
			f.twoByteAS = true
		default:
			f.args = append(f.args, args[i])
		}
	}
	return f
}

func loadConfig(f cliFlags) (*config.Config, *zap.Logger) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if f.logLevel != "" {
		cfg.Service.LogLevel = f.logLevel
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// connect opens the pool with the session time zone set to the partition
// time zone, so date_trunc('day', now()) in SQL cuts where partitions do.
func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolOptions{
		DSN:             cfg.Postgres.DSN,
		MaxConns:        cfg.Postgres.MaxConns,
		MinConns:        cfg.Postgres.MinConns,
		ApplicationName: appName,
		TimeZone:        cfg.Retention.Timezone,
	})
}

func runServe(args []string) {
	cfg, logger := loadConfig(parseFlags(args))
	defer logger.Sync()

	if err := cfg.ValidateServe(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	metrics.Register()

	logger.Info("starting rib-decoder",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	// Ensure partitions exist on startup, then keep them rolling.
	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("maintenance"))
	if err := pm.CreatePartitions(ctx); err != nil {
		logger.Fatal("failed to create partitions on startup", zap.Error(err))
	}

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()
	decodeOpts := cfg.Decode.Options()

	var wg sync.WaitGroup
	var commitWg sync.WaitGroup

	wg.Add(1)
	go func() { defer wg.Done(); pm.RunEvery(ctx, time.Hour) }()

	// --- State pipeline ---
	stateDecoder := ingest.NewDecoder("state", decodeOpts, cfg.Decode.MaxPayloadBytes, logger.Named("state.decoder"))
	stateWriter := state.NewWriter(pool, logger.Named("state.writer"))
	statePipeline := state.NewPipeline(stateWriter, stateDecoder, cfg.Routers,
		cfg.Ingest.BatchSize, cfg.Ingest.FlushIntervalMs, logger.Named("state.pipeline"))

	stateRecords := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
	stateFlushed := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)

	stateConsumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Name:          "state",
		Brokers:       cfg.Kafka.Brokers,
		GroupID:       cfg.Kafka.State.GroupID,
		Topics:        cfg.Kafka.State.Topics,
		ClientID:      cfg.Kafka.ClientID + "-state",
		FetchMaxBytes: cfg.Kafka.FetchMaxBytes,
		TLS:           tlsCfg,
		SASL:          saslMech,
	}, logger.Named("kafka.state"))
	if err != nil {
		logger.Fatal("failed to create state consumer", zap.Error(err))
	}
	defer stateConsumer.Close()

	wg.Add(2)
	go func() { defer wg.Done(); stateConsumer.Run(ctx, stateRecords, stateFlushed, &commitWg) }()
	go func() {
		defer wg.Done()
		statePipeline.Run(ctx, stateRecords, stateFlushed)
		close(stateFlushed)
	}()

	logger.Info("state pipeline started",
		zap.Strings("topics", cfg.Kafka.State.Topics),
		zap.String("group_id", cfg.Kafka.State.GroupID),
	)

	// --- History pipeline ---
	historyDecoder := ingest.NewDecoder("history", decodeOpts, cfg.Decode.MaxPayloadBytes, logger.Named("history.decoder"))
	historyWriter := history.NewWriter(pool, logger.Named("history.writer"),
		cfg.Ingest.StoreRawBytes, cfg.Ingest.StoreRawBytesCompress)
	historyPipeline := history.NewPipeline(historyWriter, pool, historyDecoder,
		cfg.Ingest.BatchSize, cfg.Ingest.FlushIntervalMs, logger.Named("history.pipeline"))

	historyRecords := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
	historyFlushed := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)

	historyConsumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Name:          "history",
		Brokers:       cfg.Kafka.Brokers,
		GroupID:       cfg.Kafka.History.GroupID,
		Topics:        cfg.Kafka.History.Topics,
		ClientID:      cfg.Kafka.ClientID + "-history",
		FetchMaxBytes: cfg.Kafka.FetchMaxBytes,
		TLS:           tlsCfg,
		SASL:          saslMech,
	}, logger.Named("kafka.history"))
	if err != nil {
		logger.Fatal("failed to create history consumer", zap.Error(err))
	}
	defer historyConsumer.Close()

	wg.Add(2)
	go func() { defer wg.Done(); historyConsumer.Run(ctx, historyRecords, historyFlushed, &commitWg) }()
	go func() {
		defer wg.Done()
		historyPipeline.Run(ctx, historyRecords, historyFlushed)
		close(historyFlushed)
	}()

	logger.Info("history pipeline started",
		zap.Strings("topics", cfg.Kafka.History.Topics),
		zap.String("group_id", cfg.Kafka.History.GroupID),
	)

	// --- HTTP server ---
	httpServer := ribhttp.NewServer(cfg.Service.HTTPListen, cfg.Service.InstanceID, pool,
		map[string]ribhttp.ConsumerStatus{
			"state":   stateConsumer,
			"history": historyConsumer,
		}, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("all pipelines and HTTP server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()

	// Wait for the final flush of each pipeline and the commits it releases.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		commitWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all pipelines stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("rib-decoder stopped")
}

func runMigrate(args []string) {
	cfg, logger := loadConfig(parseFlags(args))
	defer logger.Sync()

	if err := cfg.ValidateStore(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, db.Migrations(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance(args []string) {
	cfg, logger := loadConfig(parseFlags(args))
	defer logger.Sync()

	if err := cfg.ValidateStore(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

var dsnPassword = regexp.MustCompile(`password\s*=\s*\S+`)

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value form
		return dsnPassword.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
