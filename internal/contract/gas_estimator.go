package contract

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Gas estimation errors
var (
	ErrGasEstimationFailed = errors.New("gas estimation failed")
	ErrGasPriceTooHigh     = errors.New("gas price exceeds maximum")
	ErrGasLimitTooHigh     = errors.New("gas limit exceeds maximum")
)

// GasEstimatorConfig is the configuration for the gas estimator.
type GasEstimatorConfig struct {
	// MaxGasPrice is the maximum gas price in wei.
	MaxGasPrice *big.Int
	// MaxGasLimit is the maximum gas limit.
	MaxGasLimit uint64
	// GasPriceMultiplier is the percentage applied to the suggested gas price (110 = 10% buffer).
	GasPriceMultiplier uint64
	// GasLimitMultiplier is the percentage applied to the estimated gas (120 = 20% buffer).
	GasLimitMultiplier uint64
	// CacheTTL is the time-to-live for cached gas prices.
	CacheTTL time.Duration
}

// GasEstimate contains the result of gas estimation.
type GasEstimate struct {
	GasLimit      uint64
	GasPrice      *big.Int
	EstimatedCost *big.Int
}

// GasBackend is the subset of the RPC client used for estimation.
type GasBackend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// GasEstimator estimates gas for settlement transactions.
type GasEstimator struct {
	cfg     *GasEstimatorConfig
	backend GasBackend

	mu        sync.RWMutex
	cached    *big.Int
	fetchedAt time.Time
}

// NewGasEstimator creates a new gas estimator.
func NewGasEstimator(cfg *GasEstimatorConfig, backend GasBackend) *GasEstimator {
	if cfg == nil {
		cfg = &GasEstimatorConfig{}
	}
	if cfg.MaxGasPrice == nil {
		cfg.MaxGasPrice = big.NewInt(500e9) // 500 Gwei
	}
	if cfg.MaxGasLimit == 0 {
		cfg.MaxGasLimit = 1_000_000
	}
	if cfg.GasPriceMultiplier == 0 {
		cfg.GasPriceMultiplier = 110
	}
	if cfg.GasLimitMultiplier == 0 {
		cfg.GasLimitMultiplier = 120
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 12 * time.Second // ~1 block on Ethereum
	}

	return &GasEstimator{
		cfg:     cfg,
		backend: backend,
	}
}

// GasPrice returns the buffered gas price, cached for CacheTTL.
func (e *GasEstimator) GasPrice(ctx context.Context) (*big.Int, error) {
	e.mu.RLock()
	if e.cached != nil && time.Since(e.fetchedAt) < e.cfg.CacheTTL {
		price := new(big.Int).Set(e.cached)
		e.mu.RUnlock()
		return price, nil
	}
	e.mu.RUnlock()

	suggested, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	price := percentOf(suggested, e.cfg.GasPriceMultiplier)
	if price.Cmp(e.cfg.MaxGasPrice) > 0 {
		return nil, ErrGasPriceTooHigh
	}

	e.mu.Lock()
	e.cached = price
	e.fetchedAt = time.Now()
	e.mu.Unlock()

	return new(big.Int).Set(price), nil
}

// Estimate estimates gas limit and price for a contract call.
func (e *GasEstimator) Estimate(ctx context.Context, from, to common.Address, data []byte) (*GasEstimate, error) {
	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return nil, errors.Join(ErrGasEstimationFailed, err)
	}

	gasLimit := gas * e.cfg.GasLimitMultiplier / 100
	if gasLimit > e.cfg.MaxGasLimit {
		return nil, ErrGasLimitTooHigh
	}

	gasPrice, err := e.GasPrice(ctx)
	if err != nil {
		return nil, err
	}

	return &GasEstimate{
		GasLimit:      gasLimit,
		GasPrice:      gasPrice,
		EstimatedCost: new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit)),
	}, nil
}

// InvalidateCache invalidates the cached gas price.
func (e *GasEstimator) InvalidateCache() {
	e.mu.Lock()
	e.cached = nil
	e.mu.Unlock()
}

func percentOf(v *big.Int, percent uint64) *big.Int {
	out := new(big.Int).Mul(v, new(big.Int).SetUint64(percent))
	return out.Div(out, big.NewInt(100))
}
