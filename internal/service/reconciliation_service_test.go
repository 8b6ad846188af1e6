package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Njuhobby/0xElite/internal/contract"
	"github.com/Njuhobby/0xElite/internal/model"
)

func TestReconciliation_DepositThenRelease(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedProject(t, "p-1", 1)
	f.seedMilestone(t, "m-1", "p-1", model.MilestoneStatusPendingReview, 100)

	res, err := f.engine.Apply(ctx, "escrow", depositedEvent("0xd1", 10, 1, "5000.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	res, err = f.engine.Apply(ctx, "escrow", releasedEvent("0xd2", 11, 1, "1500.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, model.EventReleased, res.EventType)

	account := f.account(t, "p-1")
	assertAmount(t, "5000", account.TotalDeposited)
	assertAmount(t, "1500", account.TotalReleased)
	assert.Equal(t, txHash("0xd1").Hex(), account.DepositTxHash)

	m := f.milestone(t, "m-1")
	require.True(t, m.PaymentAmount.Valid)
	assertAmount(t, "1500", m.PaymentAmount.Decimal)
	require.NotNil(t, m.PaymentTxHash)
	assert.Equal(t, txHash("0xd2").Hex(), *m.PaymentTxHash)
	require.NotNil(t, m.PaidAt)
	assert.Equal(t, model.UnixMilliOf(1700000000+11*12), *m.PaidAt)

	entries := f.ledger(t, "p-1")
	require.Len(t, entries, 2)
	assert.Equal(t, model.PaymentTypeDeposit, entries[0].TransactionType)
	assert.Equal(t, addressString(testClientAddress), entries[0].FromAddress)
	assert.Equal(t, addressString(testEscrowAddress), entries[0].ToAddress)
	assert.Equal(t, model.PaymentTypeRelease, entries[1].TransactionType)
	require.NotNil(t, entries[1].MilestoneID)
	assert.Equal(t, "m-1", *entries[1].MilestoneID)
	assert.Equal(t, addressString(testDeveloper), entries[1].ToAddress)

	var project model.Project
	require.NoError(t, f.db.First(&project, "id = ?", "p-1").Error)
	assert.Equal(t, model.ProjectStatusActive, project.Status)
	assert.True(t, project.EscrowDeposited)

	assert.Equal(t, []model.NotificationType{model.NotificationMilestonePaid}, f.notifier.types())
}

func TestReconciliation_ReleaseIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedProject(t, "p-1", 1)
	f.seedMilestone(t, "m-1", "p-1", model.MilestoneStatusPendingReview, 100)

	_, err := f.engine.Apply(ctx, "escrow", depositedEvent("0xd1", 10, 1, "5000"))
	require.NoError(t, err)

	release := releasedEvent("0xd2", 11, 1, "1500")
	_, err = f.engine.Apply(ctx, "escrow", release)
	require.NoError(t, err)

	res, err := f.engine.Apply(ctx, "escrow", release)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Empty(t, res.Notifications)

	account := f.account(t, "p-1")
	assertAmount(t, "1500", account.TotalReleased)
	assert.Len(t, f.ledger(t, "p-1"), 2)
	assert.Len(t, f.notifier.types(), 1)
}

func TestReconciliation_DuplicateDepositDelivery(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedProject(t, "p-1", 1)

	deposit := depositedEvent("0xd1", 10, 1, "5000")
	for i := 0; i < 2; i++ {
		_, err := f.engine.Apply(ctx, "escrow", deposit)
		require.NoError(t, err)
	}

	var accounts int64
	require.NoError(t, f.db.Model(&model.EscrowAccount{}).Count(&accounts).Error)
	assert.Equal(t, int64(1), accounts)
	assert.Len(t, f.ledger(t, "p-1"), 1)
	assertAmount(t, "5000", f.account(t, "p-1").TotalDeposited)
}

func TestReconciliation_SecondDepositAccumulates(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedProject(t, "p-1", 1)

	_, err := f.engine.Apply(ctx, "escrow", depositedEvent("0xd1", 10, 1, "5000"))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, "escrow", depositedEvent("0xd3", 12, 1, "250.5"))
	require.NoError(t, err)

	account := f.account(t, "p-1")
	assertAmount(t, "5250.5", account.TotalDeposited)
	// 账户以首笔入金为准
	assert.Equal(t, txHash("0xd1").Hex(), account.DepositTxHash)
}

func TestReconciliation_ReleaseWhileFrozenIsRecorded(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedProject(t, "p-1", 1)
	f.seedMilestone(t, "m-1", "p-1", model.MilestoneStatusPendingReview, 100)

	_, err := f.engine.Apply(ctx, "escrow", depositedEvent("0xd1", 10, 1, "5000"))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, "escrow", frozenEvent("0xf1", 11, 1))
	require.NoError(t, err)

	account := f.account(t, "p-1")
	assert.True(t, account.IsFrozen)
	require.NotNil(t, account.FrozenBy)
	assert.Equal(t, addressString(testClientAddress), *account.FrozenBy)
	require.NotNil(t, account.FrozenAt)
	assert.Equal(t, model.UnixMilliOf(1700000000+11*12), *account.FrozenAt)

	_, err = f.engine.Apply(ctx, "escrow", releasedEvent("0xd2", 12, 1, "1000"))
	require.NoError(t, err)

	account = f.account(t, "p-1")
	assert.True(t, account.IsFrozen)
	assertAmount(t, "1000", account.TotalReleased)

	entries := f.ledger(t, "p-1")
	require.Len(t, entries, 3)
	assert.Equal(t, model.PaymentTypeFreeze, entries[1].TransactionType)
	assert.True(t, entries[1].Amount.IsZero())
	assert.Equal(t, "Escrow frozen due to dispute", entries[1].Notes)
	assert.Equal(t, model.PaymentTypeRelease, entries[2].TransactionType)

	assert.Equal(t, []model.NotificationType{
		model.NotificationEscrowFrozen,
		model.NotificationMilestonePaid,
	}, f.notifier.types())
}

func TestReconciliation_UnfrozenClearsAuditFields(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedProject(t, "p-1", 1)

	_, err := f.engine.Apply(ctx, "escrow", depositedEvent("0xd1", 10, 1, "5000"))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, "escrow", frozenEvent("0xf1", 11, 1))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, "escrow", unfrozenEvent("0xf2", 12, 1))
	require.NoError(t, err)

	account := f.account(t, "p-1")
	assert.False(t, account.IsFrozen)
	assert.Nil(t, account.FrozenAt)
	assert.Nil(t, account.FrozenBy)

	entries := f.ledger(t, "p-1")
	require.Len(t, entries, 3)
	assert.Equal(t, model.PaymentTypeUnfreeze, entries[2].TransactionType)
	assert.Equal(t, "Escrow unfrozen after dispute resolution", entries[2].Notes)
}

func TestReconciliation_FreezeWithoutAccountIsStructural(t *testing.T) {
	f := newEngineFixture(t)
	f.seedProject(t, "p-1", 1)

	_, err := f.engine.Apply(context.Background(), "escrow", frozenEvent("0xf1", 11, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEscrowAccountNotFound)
	assert.True(t, IsStructural(err))
	assert.Empty(t, f.ledger(t, "p-1"))
}

func TestReconciliation_ReleaseWithoutMilestoneKeepsLedger(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedProject(t, "p-1", 1)
	f.seedMilestone(t, "m-1", "p-1", model.MilestoneStatusInProgress, 100)

	_, err := f.engine.Apply(ctx, "escrow", depositedEvent("0xd1", 10, 1, "5000"))
	require.NoError(t, err)
	res, err := f.engine.Apply(ctx, "escrow", releasedEvent("0xd2", 11, 1, "1500"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Empty(t, res.Notifications)

	entries := f.ledger(t, "p-1")
	require.Len(t, entries, 2)
	assert.Nil(t, entries[1].MilestoneID)
	assertAmount(t, "1500", f.account(t, "p-1").TotalReleased)
	assert.False(t, f.milestone(t, "m-1").IsPaid())
}

func TestReconciliation_ReleasePicksLatestSubmittedMilestone(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedProject(t, "p-1", 1)
	f.seedMilestone(t, "m-old", "p-1", model.MilestoneStatusPendingReview, 100)
	f.seedMilestone(t, "m-new", "p-1", model.MilestoneStatusPendingReview, 200)

	_, err := f.engine.Apply(ctx, "escrow", depositedEvent("0xd1", 10, 1, "5000"))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, "escrow", releasedEvent("0xd2", 11, 1, "1000"))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, "escrow", releasedEvent("0xd3", 12, 1, "900"))
	require.NoError(t, err)

	assertAmount(t, "1000", f.milestone(t, "m-new").PaymentAmount.Decimal)
	assertAmount(t, "900", f.milestone(t, "m-old").PaymentAmount.Decimal)
}

func TestReconciliation_FeesCollected(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedProject(t, "p-1", 1)
	f.seedMilestone(t, "m-1", "p-1", model.MilestoneStatusPendingReview, 100)

	_, err := f.engine.Apply(ctx, "escrow", depositedEvent("0xd1", 10, 1, "5000"))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, "escrow", releasedEvent("0xd2", 11, 1, "1425"))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, "escrow", feesCollectedEvent("0xd3", 12, 1, "75"))
	require.NoError(t, err)

	assertAmount(t, "1500", f.account(t, "p-1").TotalReleased)

	m := f.milestone(t, "m-1")
	require.True(t, m.PlatformFee.Valid)
	assertAmount(t, "75", m.PlatformFee.Decimal)

	entries := f.ledger(t, "p-1")
	require.Len(t, entries, 3)
	fee := entries[2]
	assert.Equal(t, model.PaymentTypeFeeCollection, fee.TransactionType)
	require.NotNil(t, fee.MilestoneID)
	assert.Equal(t, "m-1", *fee.MilestoneID)
	assert.Equal(t, addressString(testTreasury), fee.ToAddress)
}

func TestReconciliation_DisputeResolvedWithZeroShare(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedProject(t, "p-1", 1)

	_, err := f.engine.Apply(ctx, "escrow", depositedEvent("0xd1", 10, 1, "5000"))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, "escrow", frozenEvent("0xf1", 11, 1))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, "escrow", disputeResolvedEvent("0xe1", 12, 1, "0", "5000"))
	require.NoError(t, err)

	account := f.account(t, "p-1")
	assertAmount(t, "5000", account.TotalReleased)
	assert.False(t, account.IsFrozen)
	assert.Nil(t, account.FrozenBy)

	entries := f.ledger(t, "p-1")
	require.Len(t, entries, 3)
	dispute := entries[2]
	assert.Equal(t, model.PaymentTypeDisputeResolution, dispute.TransactionType)
	assertAmount(t, "5000", dispute.Amount)
	assert.Equal(t, addressString(testClientAddress), dispute.ToAddress)
	assert.Equal(t, "Dispute resolved: client 0 USDC, developer 5000 USDC", dispute.Notes)

	assert.Contains(t, f.notifier.types(), model.NotificationDisputeResolved)
}

func TestReconciliation_ConservationViolationIsRejected(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedProject(t, "p-1", 1)
	f.seedMilestone(t, "m-1", "p-1", model.MilestoneStatusPendingReview, 100)

	_, err := f.engine.Apply(ctx, "escrow", depositedEvent("0xd1", 10, 1, "100"))
	require.NoError(t, err)

	_, err = f.engine.Apply(ctx, "escrow", releasedEvent("0xd2", 11, 1, "150"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConservationViolation)
	assert.True(t, IsStructural(err))

	// 主事务整体回滚
	account := f.account(t, "p-1")
	assert.True(t, account.TotalReleased.IsZero())
	assert.Len(t, f.ledger(t, "p-1"), 1)
	assert.False(t, f.milestone(t, "m-1").IsPaid())

	discrepancies := f.discrepancies(t)
	require.Len(t, discrepancies, 1)
	d := discrepancies[0]
	assert.Equal(t, "escrow", d.ListenerID)
	assert.Equal(t, model.EventReleased, d.EventType)
	assert.Equal(t, "1", d.SubjectKey)
	assert.Equal(t, model.DiscrepancyStatusOpen, d.Status)
	assertAmount(t, "100", d.Expected)
	assertAmount(t, "150", d.Actual)
	assertAmount(t, "50", d.Difference())

	assert.Equal(t, 1, f.alerter.count())
	assert.Empty(t, f.notifier.types())

	// 重放同一事件不重复记录差异
	_, err = f.engine.Apply(ctx, "escrow", releasedEvent("0xd2", 11, 1, "150"))
	assert.ErrorIs(t, err, ErrConservationViolation)
	assert.Len(t, f.discrepancies(t), 1)
}

func TestReconciliation_ReleaseWithoutDepositIsRejected(t *testing.T) {
	f := newEngineFixture(t)
	f.seedProject(t, "p-1", 1)

	_, err := f.engine.Apply(context.Background(), "escrow", releasedEvent("0xd2", 11, 1, "10"))
	assert.ErrorIs(t, err, ErrConservationViolation)
	assert.Empty(t, f.ledger(t, "p-1"))
	require.Len(t, f.discrepancies(t), 1)
	assert.True(t, f.discrepancies(t)[0].Expected.IsZero())
}

func TestReconciliation_ProjectNotFound(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Apply(context.Background(), "escrow", depositedEvent("0xd1", 10, 404, "5000"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProjectNotFound)
	assert.True(t, IsStructural(err))

	var rows int64
	require.NoError(t, f.db.Model(&model.PaymentHistoryEntry{}).Count(&rows).Error)
	assert.Zero(t, rows)
	assert.Empty(t, f.discrepancies(t))
}

func TestReconciliation_LedgerCollision(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedProject(t, "p-1", 1)

	_, err := f.engine.Apply(ctx, "escrow", depositedEvent("0xd1", 10, 1, "5000"))
	require.NoError(t, err)

	freeze := frozenEvent("0xd1", 10, 1)
	freeze.LogIndex = 3
	_, err = f.engine.Apply(ctx, "escrow", freeze)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedgerCollision)
	assert.True(t, IsStructural(err))

	assert.False(t, f.account(t, "p-1").IsFrozen)
	discrepancies := f.discrepancies(t)
	require.Len(t, discrepancies, 1)
	assert.Equal(t, uint32(3), discrepancies[0].LogIndex)
}

func TestReconciliation_StakeActivation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedDeveloper(t, testDeveloper, model.DeveloperStatusPending)

	_, err := f.engine.Apply(ctx, "stake", stakedEvent("0xa1", 20, testDeveloper, "100"))
	require.NoError(t, err)

	dev := f.developer(t, testDeveloper)
	assert.Equal(t, model.DeveloperStatusPending, dev.Status)
	assertAmount(t, "100", dev.StakeAmount)
	assert.Empty(t, f.notifier.types())

	res, err := f.engine.Apply(ctx, "stake", stakedEvent("0xa2", 21, testDeveloper, "50"))
	require.NoError(t, err)
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, model.NotificationDeveloperActivated, res.Notifications[0].Type)
	assert.Equal(t, "dev@example.com", res.Notifications[0].Payload["email"])

	dev = f.developer(t, testDeveloper)
	assert.Equal(t, model.DeveloperStatusActive, dev.Status)
	assertAmount(t, "150", dev.StakeAmount)
	require.NotNil(t, dev.StakedAt)
	assert.Equal(t, model.UnixMilliOf(1700000000+21*12), *dev.StakedAt)

	// 重复投递
	res, err = f.engine.Apply(ctx, "stake", stakedEvent("0xa2", 21, testDeveloper, "50"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assertAmount(t, "150", f.developer(t, testDeveloper).StakeAmount)

	var entries []model.StakeHistoryEntry
	require.NoError(t, f.db.Order("block_number").Find(&entries).Error)
	require.Len(t, entries, 2)
	assertAmount(t, "150", entries[1].BalanceAfter)
}

func TestReconciliation_UnstakeKeepsStatus(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedDeveloper(t, testDeveloper, model.DeveloperStatusPending)

	_, err := f.engine.Apply(ctx, "stake", stakedEvent("0xa1", 20, testDeveloper, "200"))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, "stake", unstakedEvent("0xa2", 21, testDeveloper, "120"))
	require.NoError(t, err)

	dev := f.developer(t, testDeveloper)
	assert.Equal(t, model.DeveloperStatusActive, dev.Status)
	assertAmount(t, "80", dev.StakeAmount)

	_, err = f.engine.Apply(ctx, "stake", unstakedEvent("0xa3", 22, testDeveloper, "81"))
	assert.ErrorIs(t, err, ErrConservationViolation)
	assertAmount(t, "80", f.developer(t, testDeveloper).StakeAmount)
	require.Len(t, f.discrepancies(t), 1)
	assert.Equal(t, addressString(testDeveloper), f.discrepancies(t)[0].SubjectKey)
}

func TestReconciliation_UnknownDeveloper(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Apply(context.Background(), "stake", stakedEvent("0xa1", 20, testDeveloper, "150"))
	assert.ErrorIs(t, err, ErrDeveloperNotFound)
	assert.True(t, IsStructural(err))
}

func TestIsStructural(t *testing.T) {
	assert.False(t, IsStructural(nil))
	assert.False(t, IsStructural(errors.New("connection reset")))
	assert.True(t, IsStructural(&contract.DecodeError{
		Reason: contract.ReasonMalformedPayload,
		Event:  string(model.EventReleased),
		Err:    errors.New("short data"),
	}))
	assert.False(t, IsStructural(&contract.DecodeError{Reason: contract.ReasonUnknownTopic}))
}
