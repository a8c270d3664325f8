package repo

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a unique in-memory database per test and migrates every table.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// newFileDB opens an on-disk database through OpenSQLite with a single
// connection, for tests that run writers from many goroutines.
func newFileDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := openFileDB(t)
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	return db
}

// newPooledFileDB is newFileDB with the connection pool OpenSQLite
// configures, the way the service runs in production.
func newPooledFileDB(t *testing.T) *gorm.DB {
	t.Helper()
	return openFileDB(t)
}

func openFileDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "intake.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}
