package contract

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGasBackend struct {
	mock.Mock
}

func (m *mockGasBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *mockGasBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(uint64), args.Error(1)
}

func TestGasEstimator_Estimate(t *testing.T) {
	backend := new(mockGasBackend)
	backend.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100_000), nil)
	backend.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1_000_000_000), nil).Once()

	e := NewGasEstimator(nil, backend)
	ctx := context.Background()

	est, err := e.Estimate(ctx, clientAddr, escrowAddr, []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, uint64(120_000), est.GasLimit)
	assert.Equal(t, int64(1_100_000_000), est.GasPrice.Int64())
	assert.Equal(t, "132000000000000", est.EstimatedCost.String())

	// 价格走缓存
	_, err = e.Estimate(ctx, clientAddr, escrowAddr, []byte{0x01})
	require.NoError(t, err)
	backend.AssertNumberOfCalls(t, "SuggestGasPrice", 1)
}

func TestGasEstimator_Limits(t *testing.T) {
	ctx := context.Background()

	backend := new(mockGasBackend)
	backend.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(5_000_000), nil)
	e := NewGasEstimator(&GasEstimatorConfig{MaxGasLimit: 1_000_000}, backend)
	_, err := e.Estimate(ctx, clientAddr, escrowAddr, nil)
	assert.ErrorIs(t, err, ErrGasLimitTooHigh)

	backend = new(mockGasBackend)
	backend.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(600e9), nil)
	e = NewGasEstimator(nil, backend)
	_, err = e.GasPrice(ctx)
	assert.ErrorIs(t, err, ErrGasPriceTooHigh)

	backend = new(mockGasBackend)
	backend.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(0), errors.New("execution reverted"))
	e = NewGasEstimator(nil, backend)
	_, err = e.Estimate(ctx, clientAddr, escrowAddr, nil)
	assert.ErrorIs(t, err, ErrGasEstimationFailed)
}
