package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"soneium-onboard/internal/api"
	"soneium-onboard/internal/config"
	"soneium-onboard/internal/connection"
	"soneium-onboard/internal/observability/alerting"
	"soneium-onboard/internal/observability/metrics"
	"soneium-onboard/internal/onboarding"
	"soneium-onboard/internal/steps"
	"soneium-onboard/internal/storage/mysql"
	"soneium-onboard/internal/wallet"
	"soneium-onboard/internal/web3"
	"soneium-onboard/internal/web3/chains"
	"soneium-onboard/internal/web3/ethereum"
	"soneium-onboard/pkg/logger"
)

// main 是 onboardd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("onboardd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	appLog := logger.Named("onboardd")

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	registry, err := buildRegistry(cfg.Web3)
	if err != nil {
		return err
	}

	journal, err := mysql.Open(ctx, cfg.Storage.Journal.Driver, dataDir, mysql.Config{
		DSN:             cfg.Storage.Journal.DSN,
		MaxOpenConns:    cfg.Storage.Journal.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.Journal.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Storage.Journal.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Storage.Journal.ConnMaxIdleTimeSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	defer journal.Close()

	recorder := alerting.NewRecorder(cfg.Advisory.Recent)
	notifiers := []alerting.Notifier{recorder, &alerting.LogNotifier{Logger: logger.Named("advisory")}}
	if cfg.Advisory.Redis.Address != "" {
		notifier, err := alerting.NewRedisNotifier(ctx, alerting.RedisConfig{
			Address:  cfg.Advisory.Redis.Address,
			Password: cfg.Advisory.Redis.Password,
			DB:       cfg.Advisory.Redis.DB,
			Channel:  cfg.Advisory.Redis.Channel,
		})
		if err != nil {
			return err
		}
		defer notifier.Close()
		notifiers = append(notifiers, notifier)
	}
	if cfg.Advisory.RabbitMQ.URL != "" {
		notifier, err := alerting.NewRabbitMQNotifier(alerting.RabbitMQConfig{
			URL:     cfg.Advisory.RabbitMQ.URL,
			Queue:   cfg.Advisory.RabbitMQ.Queue,
			Durable: cfg.Advisory.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		defer notifier.Close()
		notifiers = append(notifiers, notifier)
	}
	dispatcher := alerting.NewFanout(notifiers...)

	collector := metrics.Default()

	opts := []connection.Option{
		connection.WithRegistry(registry),
		connection.WithFallbackURL(cfg.Web3.FallbackRPCURL),
		connection.WithObserver(&onboarding.JournalObserver{Repo: journal}),
		connection.WithObserver(&onboarding.MetricsObserver{Collector: collector}),
		connection.WithObserver(&onboarding.AdvisoryObserver{Dispatcher: dispatcher}),
		connection.WithObserver(&onboarding.AuditObserver{}),
	}
	if cfg.Web3.WalletBridgeURL != "" {
		agent, err := wallet.DialAgent(ctx, cfg.Web3.WalletBridgeURL)
		if err != nil {
			return err
		}
		defer agent.Close()
		opts = append(opts, connection.WithAgent(agent))
	} else {
		appLog.Warn("wallet bridge not configured, agent connections will be unavailable")
	}

	orchestrator := connection.New(opts...)
	defer orchestrator.Close()

	sessionOpts := []onboarding.Option{onboarding.WithConnectedHook(collector.SetConnected)}
	if cfg.Web3.Profile.Contract != "" {
		reader, err := ethereum.NewContractProfileReader(ethereum.ProfileContractConfig{
			Address: cfg.Web3.Profile.Contract,
			ABIPath: cfg.Web3.Profile.ABIPath,
			Method:  cfg.Web3.Profile.Method,
		})
		if err != nil {
			return err
		}
		sessionOpts = append(sessionOpts, onboarding.WithProfileReader(reader))
	}
	session := onboarding.NewSession(orchestrator, steps.NewSequencer(), sessionOpts...)

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	defer sessionCancel()
	go func() {
		if err := session.Run(sessionCtx); err != nil && !errors.Is(err, context.Canceled) {
			appLog.Error("onboarding session stopped", slog.String("error", err.Error()))
		}
	}()

	appLog.Info("onboardd starting",
		slog.String("address", cfg.Server.Address),
		slog.Uint64("target_chain_id", cfg.Web3.TargetChainID),
		slog.String("journal", cfg.Storage.Journal.Driver))

	server := api.NewServer(cfg.Server.Address, api.Options{
		Connector:      orchestrator,
		Session:        session,
		Journal:        journal,
		Advisories:     recorder,
		Metrics:        collector,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadConfig 读取 ONBOARD_CONFIG 指定的文件，文件缺失时使用默认配置。
func loadConfig() (*config.Config, error) {
	configPath := os.Getenv("ONBOARD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "onboard.json")
	}

	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default("."), nil
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildRegistry(cfg config.Web3Config) (*chains.Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	return chains.NewRegistry(cfg.TargetChainID, defs)
}
