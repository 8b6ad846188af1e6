package repository

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Njuhobby/0xElite/internal/model"
)

func seedProject(t *testing.T, db *gorm.DB, id, contractID string) *model.Project {
	p := &model.Project{
		ID:                id,
		ContractProjectID: contractID,
		ClientAddress:     "0x70997970c51812dc3a010c7d01b50e0d17dc79c8",
		Status:            model.ProjectStatusAssigned,
		CreatedAt:         1,
		UpdatedAt:         1,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

func seedMilestone(t *testing.T, db *gorm.DB, id, projectID string, status model.MilestoneStatus, submittedAt int64) {
	m := &model.Milestone{
		ID:          id,
		ProjectID:   projectID,
		Budget:      decimal.NewFromInt(1000),
		Status:      status,
		SubmittedAt: &submittedAt,
		CreatedAt:   1,
		UpdatedAt:   1,
	}
	require.NoError(t, db.Create(m).Error)
}

func TestEscrowRepository_Project(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEscrowRepository(db)
	ctx := context.Background()
	seedProject(t, db, "p-1", "1")

	_, err := repo.GetProjectByContractID(ctx, "404")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	p, err := repo.GetProjectByContractID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.ID)

	require.NoError(t, repo.MarkProjectFunded(ctx, "p-1", "0xd1", 1700000000000))
	// 已入金后不再覆盖
	require.NoError(t, repo.MarkProjectFunded(ctx, "p-1", "0xd2", 1700000009000))

	p, err = repo.GetProjectByContractID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, model.ProjectStatusActive, p.Status)
	assert.True(t, p.EscrowDeposited)
	require.NotNil(t, p.EscrowDepositTxHash)
	assert.Equal(t, "0xd1", *p.EscrowDepositTxHash)
	assert.Equal(t, int64(1700000000000), *p.EscrowDepositedAt)
}

func TestEscrowRepository_Account(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEscrowRepository(db)
	ctx := context.Background()

	newAccount := func() *model.EscrowAccount {
		return &model.EscrowAccount{
			ProjectID:         "p-1",
			ContractProjectID: "1",
			ClientAddress:     "0xclient",
			TotalDeposited:    decimal.Zero,
			TotalReleased:     decimal.Zero,
			DepositTxHash:     "0xd1",
		}
	}

	created, err := repo.EnsureAccount(ctx, newAccount())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.EnsureAccount(ctx, newAccount())
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, repo.AddDeposited(ctx, "p-1", decimal.RequireFromString("5000")))
	require.NoError(t, repo.AddReleased(ctx, "p-1", decimal.RequireFromString("1500")))

	acc, err := repo.GetAccount(ctx, "p-1", &QueryOptions{ForUpdate: true})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("5000").Equal(acc.TotalDeposited))
	assert.True(t, decimal.RequireFromString("1500").Equal(acc.TotalReleased))

	require.NoError(t, repo.SetFrozen(ctx, "p-1", 1700000000000, "0xdao"))
	acc, err = repo.GetAccountByContractID(ctx, "1")
	require.NoError(t, err)
	assert.True(t, acc.IsFrozen)
	require.NotNil(t, acc.FrozenBy)
	assert.Equal(t, "0xdao", *acc.FrozenBy)

	require.NoError(t, repo.SettleDispute(ctx, "p-1", decimal.RequireFromString("3500")))
	acc, err = repo.GetAccount(ctx, "p-1", nil)
	require.NoError(t, err)
	assert.False(t, acc.IsFrozen)
	assert.Nil(t, acc.FrozenAt)
	assert.Nil(t, acc.FrozenBy)
	assert.True(t, acc.TotalDeposited.Equal(acc.TotalReleased))

	assert.ErrorIs(t, repo.AddReleased(ctx, "missing", decimal.NewFromInt(1)), ErrEscrowAccountNotFound)
	_, err = repo.GetAccount(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrEscrowAccountNotFound)
}

func TestEscrowRepository_Milestones(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEscrowRepository(db)
	ctx := context.Background()

	seedMilestone(t, db, "m-old", "p-1", model.MilestoneStatusPendingReview, 100)
	seedMilestone(t, db, "m-new", "p-1", model.MilestoneStatusPendingReview, 200)
	seedMilestone(t, db, "m-progress", "p-1", model.MilestoneStatusInProgress, 300)

	m, err := repo.FindPayableMilestone(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "m-new", m.ID)

	ok, err := repo.MarkMilestonePaid(ctx, "m-new", decimal.RequireFromString("1500"), "0xr1", 1700000000000)
	require.NoError(t, err)
	assert.True(t, ok)

	// 付款字段只写一次
	ok, err = repo.MarkMilestonePaid(ctx, "m-new", decimal.RequireFromString("9"), "0xr2", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	m, err = repo.FindPayableMilestone(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "m-old", m.ID)

	ok, err = repo.SetMilestonePlatformFee(ctx, "m-new", decimal.RequireFromString("75"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.SetMilestonePlatformFee(ctx, "m-new", decimal.RequireFromString("80"))
	require.NoError(t, err)
	assert.False(t, ok)

	var paid model.Milestone
	require.NoError(t, db.First(&paid, "id = ?", "m-new").Error)
	assert.True(t, paid.PaymentAmount.Valid)
	assert.True(t, decimal.RequireFromString("1500").Equal(paid.PaymentAmount.Decimal))
	assert.True(t, decimal.RequireFromString("75").Equal(paid.PlatformFee.Decimal))
	assert.Equal(t, "0xr1", *paid.PaymentTxHash)

	_, err = repo.FindPayableMilestone(ctx, "p-none")
	assert.ErrorIs(t, err, ErrMilestoneNotFound)
}

func TestEscrowRepository_Ledger(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEscrowRepository(db)
	ctx := context.Background()

	entry := func(txHash string, typ model.PaymentTransactionType, block uint64, logIndex uint32) *model.PaymentHistoryEntry {
		return &model.PaymentHistoryEntry{
			ProjectID:       "p-1",
			TransactionType: typ,
			Amount:          decimal.NewFromInt(10),
			FromAddress:     "0xa",
			ToAddress:       "0xb",
			TxHash:          txHash,
			BlockNumber:     block,
			LogIndex:        logIndex,
		}
	}

	inserted, err := repo.InsertPayment(ctx, entry("0x01", model.PaymentTypeRelease, 10, 0))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.InsertPayment(ctx, entry("0x01", model.PaymentTypeRelease, 10, 0))
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = repo.InsertPayment(ctx, entry("0x02", model.PaymentTypeRelease, 12, 3))
	require.NoError(t, err)
	_, err = repo.InsertPayment(ctx, entry("0x03", model.PaymentTypeFeeCollection, 13, 0))
	require.NoError(t, err)

	latest, err := repo.LatestReleasePayment(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "0x02", latest.TxHash)

	got, err := repo.GetPaymentByTxHash(ctx, "0x03")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentTypeFeeCollection, got.TransactionType)

	_, err = repo.GetPaymentByTxHash(ctx, "0xff")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	_, err = repo.LatestReleasePayment(ctx, "p-2")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	var count int64
	require.NoError(t, db.Model(&model.PaymentHistoryEntry{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestEscrowRepository_InsertPaymentSQL(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewEscrowRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "payment_history" .* ON CONFLICT \("tx_hash"\) DO NOTHING RETURNING "id"`).
		WillReturnRows(sqlmockRows())
	mock.ExpectCommit()

	inserted, err := repo.InsertPayment(context.Background(), &model.PaymentHistoryEntry{
		ProjectID:       "p-1",
		TransactionType: model.PaymentTypeDeposit,
		Amount:          decimal.NewFromInt(5000),
		TxHash:          "0xdup",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscrowRepository_TransactionRollback(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEscrowRepository(db)
	base := NewRepository(db)
	ctx := context.Background()

	err := base.Transaction(ctx, func(txCtx context.Context) error {
		_, err := repo.InsertPayment(txCtx, &model.PaymentHistoryEntry{
			ProjectID:       "p-1",
			TransactionType: model.PaymentTypeRelease,
			Amount:          decimal.NewFromInt(1),
			TxHash:          "0xrollback",
		})
		require.NoError(t, err)
		return ErrEscrowAccountNotFound
	})
	assert.ErrorIs(t, err, ErrEscrowAccountNotFound)

	_, err = repo.GetPaymentByTxHash(ctx, "0xrollback")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}
