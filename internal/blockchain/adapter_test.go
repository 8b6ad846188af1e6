package blockchain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Njuhobby/0xElite/internal/model"
)

var vaultAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// fakeSource 内存中的链
type fakeSource struct {
	mu          sync.Mutex
	height      uint64
	logs        []types.Log
	headerCalls map[uint64]int
	filterErr   error
	ws          bool
	subLogs     chan<- types.Log
	subErr      chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{headerCalls: make(map[uint64]int)}
}

func (f *fakeSource) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeSource) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headerCalls[number.Uint64()]++
	return &types.Header{Number: number, Time: 1700000000 + number.Uint64()*12}, nil
}

func (f *fakeSource) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []types.Log
	// 倒序返回, 验证适配器排序
	for i := len(f.logs) - 1; i >= 0; i-- {
		l := f.logs[i]
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() && l.Address == q.Addresses[0] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeSource) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subLogs = ch
	f.subErr = make(chan error, 1)
	errCh := f.subErr
	return event.NewSubscription(func(quit <-chan struct{}) error {
		select {
		case err := <-errCh:
			return err
		case <-quit:
			return nil
		}
	}), nil
}

func (f *fakeSource) SupportsSubscription() bool { return f.ws }

func (f *fakeSource) addLog(block uint64, txIndex, logIndex uint) types.Log {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := types.Log{
		Address:     vaultAddr,
		Topics:      []common.Hash{common.HexToHash("0xaa")},
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(logIndex))),
		TxIndex:     txIndex,
		Index:       logIndex,
	}
	f.logs = append(f.logs, l)
	if block > f.height {
		f.height = block
	}
	return l
}

func TestAdapter_GetLogs(t *testing.T) {
	src := newFakeSource()
	src.addLog(10, 0, 0)
	src.addLog(10, 1, 3)
	src.addLog(11, 0, 0)
	src.addLog(12, 0, 1)
	src.addLog(20, 0, 0)

	a := NewAdapter(src, AdapterConfig{})
	events, err := a.GetLogs(context.Background(), vaultAddr, 10, 12)
	require.NoError(t, err)
	require.Len(t, events, 4)

	for i := 1; i < len(events); i++ {
		assert.True(t, events[i-1].Position().Less(events[i].Position()))
	}
	assert.Equal(t, uint64(10), events[1].BlockNumber)
	assert.Equal(t, uint32(3), events[1].LogIndex)
	assert.Equal(t, uint32(1), events[1].TxIndex)
	assert.Equal(t, uint64(1700000000+10*12), events[0].BlockTimestamp)

	// 同一区块只查询一次区块头
	assert.Equal(t, 1, src.headerCalls[10])

	events, err = a.GetLogs(context.Background(), vaultAddr, 13, 12)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAdapter_GetLogsError(t *testing.T) {
	src := newFakeSource()
	src.filterErr = ErrRPCTimeout
	a := NewAdapter(src, AdapterConfig{})

	_, err := a.GetLogs(context.Background(), vaultAddr, 1, 2)
	assert.ErrorIs(t, err, ErrRPCTimeout)
}

func TestAdapter_PollStream(t *testing.T) {
	src := newFakeSource()
	src.addLog(5, 0, 0)
	a := NewAdapter(src, AdapterConfig{PollInterval: 5 * time.Millisecond})

	stream, err := a.Subscribe(context.Background(), vaultAddr)
	require.NoError(t, err)
	defer stream.Close()

	// 订阅前的日志不会出现在流中; 同一区块的两条日志一起出现
	src.mu.Lock()
	src.logs = append(src.logs,
		types.Log{Address: vaultAddr, BlockNumber: 6, Index: 2, TxHash: common.HexToHash("0x62")},
		types.Log{Address: vaultAddr, BlockNumber: 6, Index: 1, TxHash: common.HexToHash("0x61")},
	)
	src.height = 6
	src.mu.Unlock()

	var got []model.RawEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-stream.Events():
			got = append(got, ev)
		case err := <-stream.Err():
			t.Fatalf("unexpected stream error: %v", err)
		case <-timeout:
			t.Fatal("timed out waiting for polled events")
		}
	}
	assert.Equal(t, uint32(1), got[0].LogIndex)
	assert.Equal(t, uint32(2), got[1].LogIndex)
}

func TestAdapter_WebsocketStream(t *testing.T) {
	src := newFakeSource()
	src.ws = true
	a := NewAdapter(src, AdapterConfig{})

	stream, err := a.Subscribe(context.Background(), vaultAddr)
	require.NoError(t, err)
	defer stream.Close()

	src.mu.Lock()
	sink := src.subLogs
	errCh := src.subErr
	src.mu.Unlock()

	sink <- types.Log{Address: vaultAddr, BlockNumber: 30, Index: 4, TxHash: common.HexToHash("0x30")}
	sink <- types.Log{Address: vaultAddr, BlockNumber: 30, Index: 4, TxHash: common.HexToHash("0x30"), Removed: true}

	ev := <-stream.Events()
	assert.Equal(t, uint64(30), ev.BlockNumber)
	assert.Equal(t, uint64(1700000000+30*12), ev.BlockTimestamp)
	assert.False(t, ev.Removed)

	removed := <-stream.Events()
	assert.True(t, removed.Removed)

	errCh <- errors.New("websocket: close 1006")
	select {
	case err := <-stream.Err():
		assert.ErrorIs(t, err, ErrSubscriptionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscription error")
	}

	// 出错后事件通道关闭
	_, ok := <-stream.Events()
	assert.False(t, ok)
}

func TestAdapter_StreamClose(t *testing.T) {
	src := newFakeSource()
	a := NewAdapter(src, AdapterConfig{PollInterval: time.Millisecond})

	stream, err := a.Subscribe(context.Background(), vaultAddr)
	require.NoError(t, err)
	stream.Close()
	stream.Close()

	select {
	case _, ok := <-stream.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}
