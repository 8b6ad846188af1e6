package repository

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Njuhobby/0xElite/internal/model"
)

var testDBCounter int64

// setupTestDB 每个测试一个独立的内存 SQLite 库
func setupTestDB(t *testing.T) *gorm.DB {
	counter := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:repotestdb%d?mode=memory&cache=shared", counter)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(model.OwnedModels()...))
	require.NoError(t, db.AutoMigrate(model.SharedModels()...))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// setupMockDB 创建模拟数据库, 用于校验生成的 SQL
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dialector := postgres.New(postgres.Config{
		Conn:       db,
		DriverName: "postgres",
	})
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return gormDB, mock
}

func sqlmockRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id"})
}
