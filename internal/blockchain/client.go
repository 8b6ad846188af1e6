package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/Njuhobby/0xElite/pkg/logger"
)

var (
	ErrNoHealthyEndpoint  = errors.New("no healthy RPC endpoint available")
	ErrRPCTimeout         = errors.New("rpc call timed out")
	ErrSubscriptionClosed = errors.New("log subscription closed")
	ErrNoSubscription     = errors.New("websocket endpoint not configured")
	ErrTxReverted         = errors.New("transaction reverted")
	ErrNoPrivateKey       = errors.New("private key not configured")
)

// rpcBackend 客户端实际使用的 RPC 方法, ethclient.Client 实现
type rpcBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// dialFunc 建立到单个端点的连接
type dialFunc func(ctx context.Context, url string) (rpcBackend, error)

func dialEthclient(ctx context.Context, url string) (rpcBackend, error) {
	return ethclient.DialContext(ctx, url)
}

// RPCEndpoint RPC 端点信息
type RPCEndpoint struct {
	URL        string
	IsHealthy  bool
	ErrorCount int
	LastCheck  time.Time
}

// Client 区块链客户端, 多端点故障转移, 每次调用有超时
type Client struct {
	chainID    int64
	privateKey *ecdsa.PrivateKey
	address    common.Address

	endpoints  []*RPCEndpoint
	currentIdx int
	mu         sync.RWMutex

	client rpcBackend
	dial   dialFunc

	// websocket 订阅连接, 按需建立
	wsURL    string
	wsMu     sync.Mutex
	wsClient rpcBackend

	// 配置
	maxRetries      int
	retryInterval   time.Duration
	callTimeout     time.Duration
	healthCheckFreq time.Duration
}

// ClientConfig 客户端配置
type ClientConfig struct {
	ChainID         int64
	PrivateKey      string
	RPCURLs         []string
	WSURL           string
	MaxRetries      int
	RetryInterval   time.Duration
	CallTimeout     time.Duration
	HealthCheckFreq time.Duration
}

// NewClient 创建区块链客户端
func NewClient(cfg *ClientConfig) (*Client, error) {
	c, err := newClient(cfg, dialEthclient)
	if err != nil {
		return nil, err
	}

	// 连接到第一个可用的 RPC
	if err := c.connect(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(cfg *ClientConfig, dial dialFunc) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	var privateKey *ecdsa.PrivateKey
	var address common.Address

	if cfg.PrivateKey != "" {
		var err error
		privateKey, err = crypto.HexToECDSA(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}

	endpoints := make([]*RPCEndpoint, len(cfg.RPCURLs))
	for i, url := range cfg.RPCURLs {
		endpoints[i] = &RPCEndpoint{
			URL:       url,
			IsHealthy: true,
		}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = time.Second
	}

	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = 15 * time.Second
	}

	healthCheckFreq := cfg.HealthCheckFreq
	if healthCheckFreq == 0 {
		healthCheckFreq = 30 * time.Second
	}

	return &Client{
		chainID:         cfg.ChainID,
		privateKey:      privateKey,
		address:         address,
		endpoints:       endpoints,
		dial:            dial,
		wsURL:           cfg.WSURL,
		maxRetries:      maxRetries,
		retryInterval:   retryInterval,
		callTimeout:     callTimeout,
		healthCheckFreq: healthCheckFreq,
	}, nil
}

// connect 连接到可用的 RPC
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 第二轮忽略最近失败标记, 单端点时仍可恢复
	for _, force := range []bool{false, true} {
		if err := c.connectPass(ctx, force); err == nil {
			return nil
		}
	}
	return ErrNoHealthyEndpoint
}

func (c *Client) connectPass(ctx context.Context, force bool) error {
	for i := range c.endpoints {
		idx := (c.currentIdx + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		if !force && !ep.IsHealthy && time.Since(ep.LastCheck) < c.healthCheckFreq {
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		client, err := c.dial(dialCtx, ep.URL)
		if err != nil {
			cancel()
			c.markUnhealthy(ep)
			continue
		}

		// 检查连接
		_, err = client.ChainID(dialCtx)
		cancel()
		if err != nil {
			client.Close()
			c.markUnhealthy(ep)
			continue
		}

		if c.client != nil {
			c.client.Close()
		}

		c.client = client
		c.currentIdx = idx
		ep.IsHealthy = true
		ep.ErrorCount = 0
		ep.LastCheck = time.Now()
		return nil
	}

	return ErrNoHealthyEndpoint
}

func (c *Client) markUnhealthy(ep *RPCEndpoint) {
	ep.IsHealthy = false
	ep.ErrorCount++
	ep.LastCheck = time.Now()
}

// getClient 获取客户端，如果不可用则尝试重连
func (c *Client) getClient(ctx context.Context) (rpcBackend, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, nil
}

// withRetry 带重试和单次调用超时的操作
func (c *Client) withRetry(ctx context.Context, fn func(ctx context.Context, client rpcBackend) error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		client, err := c.getClient(ctx)
		if err != nil {
			lastErr = err
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err = fn(callCtx, client)
		cancel()
		if err == nil {
			return nil
		}

		// 未找到不是端点故障
		if errors.Is(err, ethereum.NotFound) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", ErrRPCTimeout, c.callTimeout, err)
		}
		lastErr = err

		// 标记当前端点为不健康
		c.mu.Lock()
		if c.currentIdx < len(c.endpoints) {
			c.markUnhealthy(c.endpoints[c.currentIdx])
		}
		c.mu.Unlock()

		logger.Warn("rpc call failed",
			zap.Int("attempt", i+1),
			zap.Error(err))

		// 尝试重连
		if i < c.maxRetries-1 {
			_ = c.connect(ctx)
			if !c.sleep(ctx) {
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (c *Client) sleep(ctx context.Context) bool {
	timer := time.NewTimer(c.retryInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Address 返回热钱包地址
func (c *Client) Address() common.Address {
	return c.address
}

// ChainID 返回链 ID
func (c *Client) ChainID() int64 {
	return c.chainID
}

// BlockNumber 获取最新区块号
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := c.withRetry(ctx, func(ctx context.Context, client rpcBackend) error {
		var err error
		blockNum, err = client.BlockNumber(ctx)
		return err
	})
	return blockNum, err
}

// HeaderByNumber 获取区块头
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := c.withRetry(ctx, func(ctx context.Context, client rpcBackend) error {
		var err error
		header, err = client.HeaderByNumber(ctx, number)
		return err
	})
	return header, err
}

// FilterLogs 过滤日志
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.withRetry(ctx, func(ctx context.Context, client rpcBackend) error {
		var err error
		logs, err = client.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

// SupportsSubscription 是否配置了 websocket 端点
func (c *Client) SupportsSubscription() bool {
	return c.wsURL != ""
}

// SubscribeFilterLogs 通过 websocket 订阅日志
func (c *Client) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if c.wsURL == "" {
		return nil, ErrNoSubscription
	}

	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	if c.wsClient == nil {
		dialCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		client, err := c.dial(dialCtx, c.wsURL)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("dial websocket: %w", err)
		}
		c.wsClient = client
	}

	sub, err := c.wsClient.SubscribeFilterLogs(ctx, query, ch)
	if err != nil {
		// 连接可能已断开, 下次重新拨号
		c.wsClient.Close()
		c.wsClient = nil
		return nil, err
	}
	return sub, nil
}

// TransactionReceipt 获取交易回执, 未上链时返回 ethereum.NotFound
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.withRetry(ctx, func(ctx context.Context, client rpcBackend) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

// CodeAt 获取合约代码
func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var code []byte
	err := c.withRetry(ctx, func(ctx context.Context, client rpcBackend) error {
		var err error
		code, err = client.CodeAt(ctx, account, blockNumber)
		return err
	})
	return code, err
}

// PendingNonceAt 获取待处理 Nonce
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.withRetry(ctx, func(ctx context.Context, client rpcBackend) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// SuggestGasPrice 获取建议 Gas 价格
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := c.withRetry(ctx, func(ctx context.Context, client rpcBackend) error {
		var err error
		gasPrice, err = client.SuggestGasPrice(ctx)
		return err
	})
	return gasPrice, err
}

// EstimateGas 估算 Gas
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.withRetry(ctx, func(ctx context.Context, client rpcBackend) error {
		var err error
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SendTransaction 发送交易, 不重试以免重复广播不同端点的结果难以判断
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := client.SendTransaction(callCtx, tx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %v", ErrRPCTimeout, err)
		}
		return err
	}
	return nil
}

// SignTransaction 签名交易
func (c *Client) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	if c.privateKey == nil {
		return nil, ErrNoPrivateKey
	}

	signer := types.NewEIP155Signer(big.NewInt(c.chainID))
	return types.SignTx(tx, signer, c.privateKey)
}

// Close 关闭客户端
func (c *Client) Close() {
	c.mu.Lock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.mu.Unlock()

	c.wsMu.Lock()
	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
	c.wsMu.Unlock()
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

// GetHealthyEndpoints 获取健康的端点列表
func (c *Client) GetHealthyEndpoints() []*RPCEndpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var healthy []*RPCEndpoint
	for _, ep := range c.endpoints {
		if ep.IsHealthy {
			healthy = append(healthy, ep)
		}
	}
	return healthy
}
