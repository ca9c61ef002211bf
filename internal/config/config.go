package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config 描述了 onboardd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Web3     Web3Config     `json:"web3"`
	Storage  StorageConfig  `json:"storage"`
	Advisory AdvisoryConfig `json:"advisory"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string   `json:"address"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制连接尝试审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// Web3Config 包含链元数据、钱包桥接与只读回退节点的地址。
type Web3Config struct {
	ChainConfig     string        `json:"chain_config"`
	TargetChainID   uint64        `json:"target_chain_id"`
	FallbackRPCURL  string        `json:"fallback_rpc_url"`
	WalletBridgeURL string        `json:"wallet_bridge_url"`
	Profile         ProfileConfig `json:"profile"`
}

// ProfileConfig 描述链上资料合约，地址为空时跳过资料查询。
type ProfileConfig struct {
	Contract string `json:"contract"`
	ABIPath  string `json:"abi_path"`
	Method   string `json:"method"`
}

// StorageConfig 描述连接尝试日志的存储后端。
type StorageConfig struct {
	Journal JournalConfig `json:"journal"`
}

// JournalConfig 支持 memory 与 mysql 两种驱动。
type JournalConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// AdvisoryConfig 描述用户提示的额外投递渠道。
type AdvisoryConfig struct {
	Recent   int            `json:"recent"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 配置通过 Redis Pub/Sub 广播提示。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// RabbitMQConfig 配置通过 RabbitMQ 队列投递提示。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Default 返回未提供配置文件时使用的配置。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// ApplyEnv 使用环境变量覆盖部分配置，便于容器化部署。
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup("ONBOARD_ADDRESS"); ok && v != "" {
		c.Server.Address = v
	}
	if v, ok := lookup("ONBOARD_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup("ONBOARD_FALLBACK_RPC_URL"); ok && v != "" {
		c.Web3.FallbackRPCURL = v
	}
	if v, ok := lookup("ONBOARD_WALLET_BRIDGE_URL"); ok {
		c.Web3.WalletBridgeURL = strings.TrimSpace(v)
	}
	if v, ok := lookup("ONBOARD_TARGET_CHAIN_ID"); ok && v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ONBOARD_TARGET_CHAIN_ID 无效: %w", err)
		}
		c.Web3.TargetChainID = id
	}
	if v, ok := lookup("ONBOARD_JOURNAL_DSN"); ok && v != "" {
		c.Storage.Journal.Driver = "mysql"
		c.Storage.Journal.DSN = v
	}
	if v, ok := lookup("ONBOARD_REDIS_ADDRESS"); ok {
		c.Advisory.Redis.Address = v
	}
	if v, ok := lookup("ONBOARD_RABBITMQ_URL"); ok {
		c.Advisory.RabbitMQ.URL = v
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Web3.TargetChainID == 0 {
		c.Web3.TargetChainID = 1946
	}
	if c.Web3.FallbackRPCURL == "" {
		c.Web3.FallbackRPCURL = "https://rpc.minato.soneium.org"
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.Profile.ABIPath != "" && !filepath.IsAbs(c.Web3.Profile.ABIPath) {
		c.Web3.Profile.ABIPath = filepath.Join(baseDir, c.Web3.Profile.ABIPath)
	}

	if c.Storage.Journal.Driver == "" {
		c.Storage.Journal.Driver = "memory"
	}

	if c.Advisory.Recent <= 0 {
		c.Advisory.Recent = 50
	}
	if c.Advisory.Redis.Channel == "" {
		c.Advisory.Redis.Channel = "onboard:advisories"
	}
	if c.Advisory.RabbitMQ.Queue == "" {
		c.Advisory.RabbitMQ.Queue = "onboard.advisories"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit", "attempts.log")
	}
}
