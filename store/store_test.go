package store

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newTestDB 建立每个测试独立的内存 SQLite。
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(10000)", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func newTestStores(t *testing.T) (*PersonaStore, *ConversationStore) {
	t.Helper()
	db := newTestDB(t)
	cipher, err := NewCipher("store-test-key")
	require.NoError(t, err)
	logger := zap.NewNop()
	return NewPersonaStore(db, cipher, logger), NewConversationStore(db, logger)
}
