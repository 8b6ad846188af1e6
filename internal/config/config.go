package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Njuhobby/0xElite/pkg/alert"
	"github.com/Njuhobby/0xElite/pkg/logger"
)

// Config 配置
type Config struct {
	Service      ServiceConfig      `yaml:"service" json:"service"`
	Postgres     PostgresConfig     `yaml:"postgres" json:"postgres"`
	Redis        RedisConfig        `yaml:"redis" json:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka" json:"kafka"`
	Blockchain   BlockchainConfig   `yaml:"blockchain" json:"blockchain"`
	Listeners    ListenersConfig    `yaml:"listeners" json:"listeners"`
	Sync         SyncConfig         `yaml:"sync" json:"sync"`
	Stake        StakeConfig        `yaml:"stake" json:"stake"`
	Settlement   SettlementConfig   `yaml:"settlement" json:"settlement"`
	Notification NotificationConfig `yaml:"notification" json:"notification"`
	Alert        alert.Config       `yaml:"alert" json:"alert"`
	Log          logger.Config      `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	HTTPPort int    `yaml:"http_port" json:"http_port"` // /metrics
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	SSLMode         string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `yaml:"auto_migrate" json:"auto_migrate"`
}

// DSN 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	Brokers         []string `yaml:"brokers" json:"brokers"`
	ClientID        string   `yaml:"client_id" json:"client_id"`
	GroupID         string   `yaml:"group_id" json:"group_id"`
	SettlementTopic string   `yaml:"settlement_topic" json:"settlement_topic"` // 里程碑结算请求
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL        string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	WSURL         string   `yaml:"ws_url" json:"ws_url"` // 为空时 live 阶段走轮询
	ChainID       int64    `yaml:"chain_id" json:"chain_id"`
	PrivateKey    string   `yaml:"private_key" json:"private_key"`
	RPCTimeout    int      `yaml:"rpc_timeout" json:"rpc_timeout"` // 秒
	MaxRetries    int      `yaml:"max_retries" json:"max_retries"`
	RetryInterval int      `yaml:"retry_interval" json:"retry_interval"` // 毫秒
}

// RPCURLs 主节点在前
func (c BlockchainConfig) RPCURLs() []string {
	urls := make([]string, 0, len(c.BackupRPCURLs)+1)
	if c.RPCURL != "" {
		urls = append(urls, c.RPCURL)
	}
	return append(urls, c.BackupRPCURLs...)
}

// ListenersConfig 监听器配置
type ListenersConfig struct {
	Escrow ListenerConfig `yaml:"escrow" json:"escrow"`
	Stake  ListenerConfig `yaml:"stake" json:"stake"`
}

// ListenerConfig 单个合约监听器
type ListenerConfig struct {
	ID            string  `yaml:"id" json:"id"`
	Enabled       bool    `yaml:"enabled" json:"enabled"`
	Contract      string  `yaml:"contract" json:"contract"`
	StartBlock    uint64  `yaml:"start_block" json:"start_block"`
	BatchSize     uint64  `yaml:"batch_size" json:"batch_size"`
	Confirmations *uint64 `yaml:"confirmations" json:"confirmations"` // 未配置时为 2
}

// RequiredConfirmations 确认数, 允许显式配置为 0
func (l ListenerConfig) RequiredConfirmations() uint64 {
	if l.Confirmations == nil {
		return 2
	}
	return *l.Confirmations
}

// SyncConfig 同步循环参数
type SyncConfig struct {
	PollInterval        int    `yaml:"poll_interval" json:"poll_interval"`                 // 秒
	RetryDelay          int    `yaml:"retry_delay" json:"retry_delay"`                     // 秒, 退避起点
	RetryMaxDelay       int    `yaml:"retry_max_delay" json:"retry_max_delay"`             // 秒, 退避上限
	RetryAttempts       int    `yaml:"retry_attempts" json:"retry_attempts"`               // 超过后告警, 继续重试
	AlertOnErrorCount   int    `yaml:"alert_on_error_count" json:"alert_on_error_count"`   // 连续错误告警阈值
	HealthLagThreshold  uint64 `yaml:"health_lag_threshold" json:"health_lag_threshold"`   // 区块
	HealthCheckInterval int    `yaml:"health_check_interval" json:"health_check_interval"` // 秒
	ReconnectDelay      int    `yaml:"reconnect_delay" json:"reconnect_delay"`             // 秒
	LeaseTTL            int    `yaml:"lease_ttl" json:"lease_ttl"`                         // 秒, 0 表示不加锁
}

// StakeConfig 质押配置
type StakeConfig struct {
	RequiredStake string `yaml:"required_stake" json:"required_stake"` // USDC
}

// RequiredStakeAmount 激活所需质押额
func (c StakeConfig) RequiredStakeAmount() decimal.Decimal {
	d, err := decimal.NewFromString(c.RequiredStake)
	if err != nil {
		return decimal.NewFromInt(150)
	}
	return d
}

// SettlementConfig 结算配置
type SettlementConfig struct {
	ReceiptTimeout     int `yaml:"receipt_timeout" json:"receipt_timeout"`           // 秒
	LedgerAwaitTimeout int `yaml:"ledger_await_timeout" json:"ledger_await_timeout"` // 秒
	LedgerPollInterval int `yaml:"ledger_poll_interval" json:"ledger_poll_interval"` // 毫秒
	FeeRetryAttempts   int `yaml:"fee_retry_attempts" json:"fee_retry_attempts"`
	GasLimitMultiplier int `yaml:"gas_limit_multiplier" json:"gas_limit_multiplier"` // 百分比
}

// NotificationConfig 通知队列配置
type NotificationConfig struct {
	Workers   int    `yaml:"workers" json:"workers"`
	QueueSize int    `yaml:"queue_size" json:"queue_size"`
	Topic     string `yaml:"topic" json:"topic"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "elite-chain"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50061
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 9101
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = cfg.Service.Name + "-settlement"
	}
	if cfg.Kafka.SettlementTopic == "" {
		cfg.Kafka.SettlementTopic = "milestone-settlements"
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地开发
	}
	if cfg.Blockchain.RPCTimeout == 0 {
		cfg.Blockchain.RPCTimeout = 15
	}
	if cfg.Blockchain.MaxRetries == 0 {
		cfg.Blockchain.MaxRetries = 3
	}
	if cfg.Blockchain.RetryInterval == 0 {
		cfg.Blockchain.RetryInterval = 500
	}

	listenerDefaults(&cfg.Listeners.Escrow, "escrow_vault")
	listenerDefaults(&cfg.Listeners.Stake, "stake_vault")

	if cfg.Sync.PollInterval == 0 {
		cfg.Sync.PollInterval = 12
	}
	if cfg.Sync.RetryDelay == 0 {
		cfg.Sync.RetryDelay = 5
	}
	if cfg.Sync.RetryMaxDelay == 0 {
		cfg.Sync.RetryMaxDelay = 60
	}
	if cfg.Sync.RetryAttempts == 0 {
		cfg.Sync.RetryAttempts = 3
	}
	if cfg.Sync.AlertOnErrorCount == 0 {
		cfg.Sync.AlertOnErrorCount = 5
	}
	if cfg.Sync.HealthLagThreshold == 0 {
		cfg.Sync.HealthLagThreshold = 100
	}
	if cfg.Sync.HealthCheckInterval == 0 {
		cfg.Sync.HealthCheckInterval = 30
	}
	if cfg.Sync.ReconnectDelay == 0 {
		cfg.Sync.ReconnectDelay = 5
	}

	if cfg.Stake.RequiredStake == "" {
		cfg.Stake.RequiredStake = "150"
	}

	if cfg.Settlement.ReceiptTimeout == 0 {
		cfg.Settlement.ReceiptTimeout = 120
	}
	if cfg.Settlement.LedgerAwaitTimeout == 0 {
		cfg.Settlement.LedgerAwaitTimeout = 180
	}
	if cfg.Settlement.LedgerPollInterval == 0 {
		cfg.Settlement.LedgerPollInterval = 1000
	}
	if cfg.Settlement.FeeRetryAttempts == 0 {
		cfg.Settlement.FeeRetryAttempts = 3
	}
	if cfg.Settlement.GasLimitMultiplier == 0 {
		cfg.Settlement.GasLimitMultiplier = 120
	}

	if cfg.Notification.Workers == 0 {
		cfg.Notification.Workers = 4
	}
	if cfg.Notification.QueueSize == 0 {
		cfg.Notification.QueueSize = 1024
	}
	if cfg.Notification.Topic == "" {
		cfg.Notification.Topic = "elite-notifications"
	}

	if cfg.Alert.ServiceName == "" {
		cfg.Alert.ServiceName = cfg.Service.Name
	}
	if cfg.Alert.Environment == "" {
		cfg.Alert.Environment = cfg.Service.Env
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = cfg.Service.Name
	}
}

func listenerDefaults(l *ListenerConfig, id string) {
	if l.ID == "" {
		l.ID = id
	}
	if l.BatchSize == 0 {
		l.BatchSize = 1000
	}
}

// Validate 校验必填项
func (c *Config) Validate() error {
	var errs []error
	if len(c.Blockchain.RPCURLs()) == 0 {
		errs = append(errs, errors.New("blockchain.rpc_url is required"))
	}
	for _, l := range []ListenerConfig{c.Listeners.Escrow, c.Listeners.Stake} {
		if l.Enabled && l.Contract == "" {
			errs = append(errs, fmt.Errorf("listeners.%s.contract is required", l.ID))
		}
	}
	if c.Listeners.Escrow.ID == c.Listeners.Stake.ID {
		errs = append(errs, errors.New("listener ids must be distinct"))
	}
	if _, err := decimal.NewFromString(c.Stake.RequiredStake); err != nil {
		errs = append(errs, fmt.Errorf("stake.required_stake: %w", err))
	}
	return errors.Join(errs...)
}

// Seconds 把配置里的秒数转成 Duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis 把配置里的毫秒数转成 Duration
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
