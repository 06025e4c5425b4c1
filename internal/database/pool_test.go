package database

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{Logger: gormlogger.Discard, DisableAutomaticPing: true})
	require.NoError(t, err)
	return db, mock
}

func TestPoolManager_PingAndClose(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectPing()
	mock.ExpectClose()

	pm, err := NewPoolManager(db, PoolConfig{MaxIdleConns: 2, MaxOpenConns: 4}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, pm.Ping(context.Background()))
	require.NoError(t, pm.Close())

	// 关闭后 Ping 失败
	assert.Error(t, pm.Ping(context.Background()))
	// 重复关闭是安全的
	assert.NoError(t, pm.Close())
}

func TestPoolManager_NilDB(t *testing.T) {
	t.Parallel()

	_, err := NewPoolManager(nil, DefaultPoolConfig(), zap.NewNop())
	assert.Error(t, err)
}

func TestPoolManager_WithTransaction(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pm, err := NewPoolManager(db, PoolConfig{MaxIdleConns: 2, MaxOpenConns: 4}, zap.NewNop())
	require.NoError(t, err)

	err = pm.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return tx.Exec("UPDATE sessions SET title = ?", "t").Error
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
