// Package app 提供 elite-chain 服务的应用生命周期管理
//
// ========================================
// elite-chain 服务说明
// ========================================
//
// ## 服务职责
// 1. 事件同步: 每个合约 (EscrowVault / StakeVault) 一个监听器, 回填后转实时订阅
// 2. 对账引擎: 每个链上事件在单个数据库事务中落账, tx_hash 唯一约束保证幂等
// 3. 结算: 消费里程碑结算请求, 发起 release / releaseFee 交易并等待引擎记账
//
// ## Kafka
// - 消费: milestone-settlements (结算请求)
// - 生产: elite-notifications (事件通知与结算结果)
//
// ## 对外接口
// - gRPC health: 整体服务 "" 以及 elite-chain.listener.<id>
// - HTTP: /metrics (Prometheus), /health
//
// ========================================
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Njuhobby/0xElite/internal/blockchain"
	"github.com/Njuhobby/0xElite/internal/config"
	"github.com/Njuhobby/0xElite/internal/contract"
	"github.com/Njuhobby/0xElite/internal/handler"
	"github.com/Njuhobby/0xElite/internal/kafka"
	"github.com/Njuhobby/0xElite/internal/repository"
	"github.com/Njuhobby/0xElite/internal/service"
	"github.com/Njuhobby/0xElite/pkg/alert"
	"github.com/Njuhobby/0xElite/pkg/lock"
	"github.com/Njuhobby/0xElite/pkg/logger"
)

const lockKeyPrefix = "elite-chain:"

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db      *gorm.DB
	redis   redis.UniversalClient
	locker  *lock.RedisLocker
	alerter alert.Alerter

	// 区块链
	blockchainClient *blockchain.Client
	chain            *blockchain.Adapter

	// 仓储
	txRunner        *repository.Repository
	checkpointRepo  repository.CheckpointRepository
	escrowRepo      repository.EscrowRepository
	developerRepo   repository.DeveloperRepository
	discrepancyRepo repository.DiscrepancyRepository

	// 服务
	engine        *service.ReconciliationService
	dispatcher    *service.NotificationDispatcher
	listeners     []*service.Listener
	settlementSvc *service.SettlementService
	healthMonitor *service.HealthMonitor

	// Kafka
	kafkaProducer *kafka.Producer
	kafkaConsumer *kafka.Consumer

	// gRPC / HTTP
	grpcServer    *grpc.Server
	healthHandler *handler.HealthHandler
	httpServer    *http.Server

	// 运行控制
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:     cfg,
		alerter: alert.NewAlerter(&cfg.Alert),
		stopCh:  make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()

	if err := app.initNotifications(); err != nil {
		return nil, fmt.Errorf("failed to init notifications: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	if err := app.initHealth(); err != nil {
		return nil, fmt.Errorf("failed to init health: %w", err)
	}

	return app, nil
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	// PostgreSQL
	db, err := gorm.Open(postgres.Open(a.cfg.Postgres.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.Seconds(a.cfg.Postgres.ConnMaxLifetime))

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	if a.cfg.Postgres.AutoMigrate {
		if err := AutoMigrate(a.db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("database migrated")
	}

	// Redis: 监听器租约与结算提交锁
	if len(a.cfg.Redis.Addresses) == 0 {
		logger.Warn("redis not configured, listener leases and settlement disabled")
		return nil
	}

	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.cfg.Redis.Addresses,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}

	ttl := config.Seconds(a.cfg.Sync.LeaseTTL)
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	a.locker = lock.NewRedisLocker(a.redis, lockKeyPrefix, ttl)

	logger.Info("redis connected", zap.Strings("addrs", a.cfg.Redis.Addresses))
	return nil
}

// initBlockchain 初始化区块链客户端
func (a *App) initBlockchain() error {
	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:         a.cfg.Blockchain.ChainID,
		PrivateKey:      a.cfg.Blockchain.PrivateKey,
		RPCURLs:         a.cfg.Blockchain.RPCURLs(),
		WSURL:           a.cfg.Blockchain.WSURL,
		MaxRetries:      a.cfg.Blockchain.MaxRetries,
		RetryInterval:   config.Millis(a.cfg.Blockchain.RetryInterval),
		CallTimeout:     config.Seconds(a.cfg.Blockchain.RPCTimeout),
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}

	a.blockchainClient = client
	a.chain = blockchain.NewAdapter(client, blockchain.AdapterConfig{
		PollInterval: config.Seconds(a.cfg.Sync.PollInterval),
	})

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", a.cfg.Blockchain.ChainID),
		zap.Bool("websocket", client.SupportsSubscription()),
		zap.String("wallet", client.Address().Hex()))

	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.txRunner = repository.NewRepository(a.db)
	a.checkpointRepo = repository.NewCheckpointRepository(a.db)
	a.escrowRepo = repository.NewEscrowRepository(a.db)
	a.developerRepo = repository.NewDeveloperRepository(a.db)
	a.discrepancyRepo = repository.NewDiscrepancyRepository(a.db)

	logger.Info("repositories initialized")
}

// initNotifications 初始化通知分发, 未启用 Kafka 时只记日志
func (a *App) initNotifications() error {
	var publisher service.NotificationPublisher
	if a.cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(&kafka.ProducerConfig{
			Brokers:  a.cfg.Kafka.Brokers,
			ClientID: a.cfg.Kafka.ClientID,
			Topic:    a.cfg.Notification.Topic,
		})
		if err != nil {
			return fmt.Errorf("failed to create kafka producer: %w", err)
		}
		a.kafkaProducer = producer
		publisher = producer
	}

	dispatcher, err := service.NewNotificationDispatcher(publisher, service.NotificationConfig{
		Workers:   a.cfg.Notification.Workers,
		QueueSize: a.cfg.Notification.QueueSize,
	})
	if err != nil {
		return err
	}
	a.dispatcher = dispatcher
	return nil
}

// initServices 初始化服务
func (a *App) initServices() error {
	// 对账引擎
	a.engine = service.NewReconciliationService(
		a.txRunner,
		a.escrowRepo,
		a.developerRepo,
		a.discrepancyRepo,
		a.dispatcher,
		a.alerter,
		service.ReconciliationConfig{
			RequiredStake: a.cfg.Stake.RequiredStakeAmount(),
		},
	)

	// 监听器
	escrow := a.cfg.Listeners.Escrow
	if escrow.Enabled {
		decoder, err := contract.NewEscrowVaultDecoder(common.HexToAddress(escrow.Contract))
		if err != nil {
			return fmt.Errorf("escrow decoder: %w", err)
		}
		a.listeners = append(a.listeners, a.newListener(escrow, decoder))
	}
	stake := a.cfg.Listeners.Stake
	if stake.Enabled {
		decoder, err := contract.NewStakeVaultDecoder(common.HexToAddress(stake.Contract))
		if err != nil {
			return fmt.Errorf("stake decoder: %w", err)
		}
		a.listeners = append(a.listeners, a.newListener(stake, decoder))
	}
	if len(a.listeners) == 0 {
		logger.Warn("no listeners enabled")
	}

	// 结算: 需要签名私钥, 托管合约和提交锁
	if a.cfg.Blockchain.PrivateKey == "" || !escrow.Enabled || a.locker == nil {
		logger.Info("settlement disabled",
			zap.Bool("has_key", a.cfg.Blockchain.PrivateKey != ""),
			zap.Bool("escrow_enabled", escrow.Enabled),
			zap.Bool("has_redis", a.locker != nil))
		logger.Info("services initialized", zap.Int("listeners", len(a.listeners)))
		return nil
	}

	vault, err := contract.NewEscrowVaultContract(common.HexToAddress(escrow.Contract))
	if err != nil {
		return fmt.Errorf("escrow contract: %w", err)
	}
	gas := contract.NewGasEstimator(&contract.GasEstimatorConfig{
		GasLimitMultiplier: uint64(a.cfg.Settlement.GasLimitMultiplier),
	}, a.blockchainClient)

	a.settlementSvc = service.NewSettlementService(
		a.blockchainClient,
		vault,
		gas,
		a.escrowRepo,
		a.locker,
		a.alerter,
		service.SettlementConfig{
			ReceiptTimeout:     config.Seconds(a.cfg.Settlement.ReceiptTimeout),
			LedgerAwaitTimeout: config.Seconds(a.cfg.Settlement.LedgerAwaitTimeout),
			LedgerPollInterval: config.Millis(a.cfg.Settlement.LedgerPollInterval),
			FeeRetryAttempts:   a.cfg.Settlement.FeeRetryAttempts,
		},
	)

	logger.Info("services initialized",
		zap.Int("listeners", len(a.listeners)),
		zap.Bool("settlement", true))
	return nil
}

// newListener 按配置创建监听器, 配置了 lease_ttl 时多副本通过 redis 租约互斥
func (a *App) newListener(lc config.ListenerConfig, decoder service.EventDecoder) *service.Listener {
	var lease service.Lease
	if a.cfg.Sync.LeaseTTL > 0 && a.locker != nil {
		lease = a.locker.NewLock("listener:" + lc.ID)
	}

	sc := a.cfg.Sync
	return service.NewListener(
		service.ListenerConfig{
			ID:                 lc.ID,
			Contract:           common.HexToAddress(lc.Contract),
			StartBlock:         lc.StartBlock,
			BatchSize:          lc.BatchSize,
			Confirmations:      lc.RequiredConfirmations(),
			PollInterval:       config.Seconds(sc.PollInterval),
			RetryDelay:         config.Seconds(sc.RetryDelay),
			RetryMaxDelay:      config.Seconds(sc.RetryMaxDelay),
			RetryAttempts:      sc.RetryAttempts,
			AlertOnErrorCount:  sc.AlertOnErrorCount,
			HealthLagThreshold: sc.HealthLagThreshold,
			ReconnectDelay:     config.Seconds(sc.ReconnectDelay),
		},
		a.chain,
		decoder,
		a.engine,
		a.checkpointRepo,
		lease,
		a.alerter,
	)
}

// initKafka 初始化结算请求消费者
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled || a.settlementSvc == nil {
		return nil
	}

	consumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers: a.cfg.Kafka.Brokers,
		GroupID: a.cfg.Kafka.GroupID,
		Topic:   a.cfg.Kafka.SettlementTopic,
	}, a.settlementSvc, a.kafkaProducer)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	a.kafkaConsumer = consumer

	logger.Info("kafka initialized",
		zap.Strings("brokers", a.cfg.Kafka.Brokers),
		zap.String("settlement_topic", a.cfg.Kafka.SettlementTopic))
	return nil
}

// initHealth 初始化 gRPC health, 健康巡检与 HTTP 指标
func (a *App) initHealth() error {
	a.healthHandler = handler.NewHealthHandler()

	a.grpcServer = grpc.NewServer()
	a.healthHandler.Register(a.grpcServer)
	reflection.Register(a.grpcServer)

	sources := make([]service.HealthSource, 0, len(a.listeners))
	for _, l := range a.listeners {
		sources = append(sources, l)
	}
	monitor, err := service.NewHealthMonitor(
		sources,
		a.healthHandler,
		a.discrepancyRepo,
		a.alerter,
		config.Seconds(a.cfg.Sync.HealthCheckInterval),
	)
	if err != nil {
		return err
	}
	a.healthMonitor = monitor

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", a.serveHealth)

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("health endpoints initialized",
		zap.Int("grpc_port", a.cfg.Service.GRPCPort),
		zap.Int("http_port", a.cfg.Service.HTTPPort))
	return nil
}

// serveHealth 返回各监听器健康状态, 任一不健康时 503
func (a *App) serveHealth(w http.ResponseWriter, _ *http.Request) {
	statuses := make([]service.ListenerHealth, 0, len(a.listeners))
	code := http.StatusOK
	for _, l := range a.listeners {
		h := l.Health()
		if !h.Healthy {
			code = http.StatusServiceUnavailable
		}
		statuses = append(statuses, h)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(statuses)
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.dispatcher.Start(ctx)

	// 启动监听器
	for _, l := range a.listeners {
		if err := l.Start(ctx); err != nil {
			return fmt.Errorf("failed to start listener %s: %w", l.ID(), err)
		}
	}

	// 启动结算消费者
	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
	}

	if err := a.healthMonitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}

	// 启动 gRPC 服务器
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 关闭应用. 先停入口, 再停同步, 最后释放连接
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	a.healthHandler.Shutdown()

	// 停止结算消费者
	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop kafka consumer", zap.Error(err))
		}
	}

	if err := a.healthMonitor.Stop(); err != nil {
		logger.Error("failed to stop health monitor", zap.Error(err))
	}

	// 停止监听器, 进行中的事件事务会先提交
	for _, l := range a.listeners {
		if err := l.Stop(); err != nil && !errors.Is(err, service.ErrListenerNotRunning) {
			logger.Error("failed to stop listener", zap.String("listener", l.ID()), zap.Error(err))
		}
	}

	// 投递剩余通知后关闭生产者
	a.dispatcher.Stop()
	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Error("failed to close kafka producer", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown http server", zap.Error(err))
	}

	a.grpcServer.GracefulStop()

	// 关闭区块链客户端
	if a.blockchainClient != nil {
		a.blockchainClient.Close()
	}

	a.alerter.Close()

	// 关闭 Redis
	if a.redis != nil {
		a.redis.Close()
	}

	// 关闭数据库
	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
