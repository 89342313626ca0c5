package testutil

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"colony-tasks/pkg/db"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

// NewTestDB opens a private in-memory SQLite database and migrates models
// into it. Every call gets its own database, so subtests and parallel tests
// never share rows. A single connection serialises writers the way the
// busy_timeout does for file-backed SQLite.
func NewTestDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))

	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: db.NewZapGormLogger(zap.NewNop(), logger.Silent, false),
	})
	require.NoError(t, err, "open test database")

	if len(models) > 0 {
		require.NoError(t, gdb.AutoMigrate(models...), "migrate test database")
	}

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}

// NewFileTestDB opens a WAL SQLite file in a temp dir with up to conns open
// connections, so concurrent statements really run against the database.
func NewFileTestDB(t *testing.T, conns int, models ...any) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate",
		filepath.Join(t.TempDir(), "colony.db"))

	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: db.NewZapGormLogger(zap.NewNop(), logger.Silent, false),
	})
	require.NoError(t, err, "open file test database")

	if len(models) > 0 {
		require.NoError(t, gdb.AutoMigrate(models...), "migrate file test database")
	}

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(conns)

	t.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}
