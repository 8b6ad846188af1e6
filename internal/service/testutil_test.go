package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Njuhobby/0xElite/internal/model"
	"github.com/Njuhobby/0xElite/internal/repository"
	"github.com/Njuhobby/0xElite/pkg/alert"
)

var (
	testEscrowAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testStakeAddress  = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	testClientAddress = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	testDeveloper     = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	testTreasury      = common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
)

var testDBCounter int64

// setupTestDB 每个测试一个独立的内存 SQLite 库
func setupTestDB(t *testing.T) *gorm.DB {
	counter := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:servicetestdb%d?mode=memory&cache=shared", counter)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(model.OwnedModels()...))
	require.NoError(t, db.AutoMigrate(model.SharedModels()...))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// recordingNotifier 记录投递的通知
type recordingNotifier struct {
	mu    sync.Mutex
	items []*model.Notification
}

func (n *recordingNotifier) Enqueue(item *model.Notification) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, item)
	return true
}

func (n *recordingNotifier) types() []model.NotificationType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.NotificationType, 0, len(n.items))
	for _, item := range n.items {
		out = append(out, item.Type)
	}
	return out
}

// recordingAlerter 记录告警
type recordingAlerter struct {
	mu     sync.Mutex
	alerts []*alert.Alert
}

func (a *recordingAlerter) Send(_ context.Context, al *alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *recordingAlerter) SendAsync(ctx context.Context, al *alert.Alert) {
	_ = a.Send(ctx, al)
}

func (a *recordingAlerter) Close() {}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

// engineFixture 基于 SQLite 的对账引擎
type engineFixture struct {
	db       *gorm.DB
	engine   *ReconciliationService
	escrow   repository.EscrowRepository
	notifier *recordingNotifier
	alerter  *recordingAlerter
}

func newEngineFixture(t *testing.T) *engineFixture {
	db := setupTestDB(t)
	f := &engineFixture{
		db:       db,
		escrow:   repository.NewEscrowRepository(db),
		notifier: &recordingNotifier{},
		alerter:  &recordingAlerter{},
	}
	f.engine = NewReconciliationService(
		repository.NewRepository(db),
		f.escrow,
		repository.NewDeveloperRepository(db),
		repository.NewDiscrepancyRepository(db),
		f.notifier,
		f.alerter,
		ReconciliationConfig{RequiredStake: decimal.NewFromInt(150)},
	)
	return f
}

func (f *engineFixture) seedProject(t *testing.T, id string, contractID int64) {
	require.NoError(t, f.db.Create(&model.Project{
		ID:                id,
		ContractProjectID: big.NewInt(contractID).String(),
		ClientAddress:     addressString(testClientAddress),
		AssignedDeveloper: addressString(testDeveloper),
		Status:            model.ProjectStatusAssigned,
		CreatedAt:         1,
		UpdatedAt:         1,
	}).Error)
}

func (f *engineFixture) seedMilestone(t *testing.T, id, projectID string, status model.MilestoneStatus, submittedAt int64) {
	require.NoError(t, f.db.Create(&model.Milestone{
		ID:          id,
		ProjectID:   projectID,
		Budget:      decimal.NewFromInt(1500),
		Status:      status,
		SubmittedAt: &submittedAt,
		CreatedAt:   1,
		UpdatedAt:   1,
	}).Error)
}

func (f *engineFixture) seedDeveloper(t *testing.T, wallet common.Address, status model.DeveloperStatus) {
	require.NoError(t, f.db.Create(&model.Developer{
		WalletAddress: addressString(wallet),
		Email:         "dev@example.com",
		Status:        status,
		StakeAmount:   decimal.Zero,
		CreatedAt:     1,
		UpdatedAt:     1,
	}).Error)
}

func (f *engineFixture) account(t *testing.T, projectID string) *model.EscrowAccount {
	account, err := f.escrow.GetAccount(context.Background(), projectID, nil)
	require.NoError(t, err)
	return account
}

func (f *engineFixture) ledger(t *testing.T, projectID string) []model.PaymentHistoryEntry {
	var entries []model.PaymentHistoryEntry
	require.NoError(t, f.db.Where("project_id = ?", projectID).
		Order("block_number ASC, log_index ASC").Find(&entries).Error)
	return entries
}

func (f *engineFixture) milestone(t *testing.T, id string) *model.Milestone {
	var m model.Milestone
	require.NoError(t, f.db.First(&m, "id = ?", id).Error)
	return &m
}

func (f *engineFixture) developer(t *testing.T, wallet common.Address) *model.Developer {
	var d model.Developer
	require.NoError(t, f.db.First(&d, "wallet_address = ?", addressString(wallet)).Error)
	return &d
}

func (f *engineFixture) discrepancies(t *testing.T) []model.ReconciliationDiscrepancy {
	var out []model.ReconciliationDiscrepancy
	require.NoError(t, f.db.Find(&out).Error)
	return out
}

func assertAmount(t *testing.T, expected string, actual decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(expected).Equal(actual), "expected %s, got %s", expected, actual)
}

func usdc(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func txHash(s string) common.Hash {
	return common.HexToHash(s)
}

func escrowMeta(tx string, block uint64, logIndex uint32) model.EventMeta {
	return model.EventMeta{
		Contract:       testEscrowAddress,
		TxHash:         txHash(tx),
		BlockNumber:    block,
		BlockTimestamp: 1700000000 + block*12,
		LogIndex:       logIndex,
	}
}

func stakeMeta(tx string, block uint64, logIndex uint32) model.EventMeta {
	m := escrowMeta(tx, block, logIndex)
	m.Contract = testStakeAddress
	return m
}

func depositedEvent(tx string, block uint64, projectID int64, amount string) model.DepositedEvent {
	return model.DepositedEvent{
		EventMeta:         escrowMeta(tx, block, 0),
		ContractProjectID: big.NewInt(projectID),
		Client:            testClientAddress,
		Amount:            usdc(amount),
		Timestamp:         1700000000 + block*12,
	}
}

func releasedEvent(tx string, block uint64, projectID int64, amount string) model.ReleasedEvent {
	return model.ReleasedEvent{
		EventMeta:         escrowMeta(tx, block, 0),
		ContractProjectID: big.NewInt(projectID),
		Developer:         testDeveloper,
		Amount:            usdc(amount),
		Timestamp:         1700000000 + block*12,
	}
}

func feesCollectedEvent(tx string, block uint64, projectID int64, amount string) model.FeesCollectedEvent {
	return model.FeesCollectedEvent{
		EventMeta:         escrowMeta(tx, block, 0),
		ContractProjectID: big.NewInt(projectID),
		Treasury:          testTreasury,
		FeeAmount:         usdc(amount),
		Timestamp:         1700000000 + block*12,
	}
}

func frozenEvent(tx string, block uint64, projectID int64) model.FrozenEvent {
	return model.FrozenEvent{
		EventMeta:         escrowMeta(tx, block, 0),
		ContractProjectID: big.NewInt(projectID),
		FrozenBy:          testClientAddress,
		Timestamp:         1700000000 + block*12,
	}
}

func unfrozenEvent(tx string, block uint64, projectID int64) model.UnfrozenEvent {
	return model.UnfrozenEvent{
		EventMeta:         escrowMeta(tx, block, 0),
		ContractProjectID: big.NewInt(projectID),
		Timestamp:         1700000000 + block*12,
	}
}

func disputeResolvedEvent(tx string, block uint64, projectID int64, clientShare, developerShare string) model.DisputeResolvedEvent {
	return model.DisputeResolvedEvent{
		EventMeta:         escrowMeta(tx, block, 0),
		ContractProjectID: big.NewInt(projectID),
		ClientShare:       usdc(clientShare),
		DeveloperShare:    usdc(developerShare),
		Timestamp:         1700000000 + block*12,
	}
}

func stakedEvent(tx string, block uint64, wallet common.Address, amount string) model.StakedEvent {
	return model.StakedEvent{
		EventMeta: stakeMeta(tx, block, 0),
		Developer: wallet,
		Amount:    usdc(amount),
	}
}

func unstakedEvent(tx string, block uint64, wallet common.Address, amount string) model.UnstakedEvent {
	return model.UnstakedEvent{
		EventMeta: stakeMeta(tx, block, 0),
		Developer: wallet,
		Amount:    usdc(amount),
	}
}
