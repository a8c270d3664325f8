// Package repo implements the persistence layer for the admission core and
// the group batching workflow, backed by GORM. This file contains database
// bootstrapping helpers for SQLite (pure Go driver), schema migrations and
// the error helpers shared by every repository in the package.
package repo

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tbourn/intake-guard/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates that a row with the same unique key already exists.
var ErrDuplicate = errors.New("duplicate")

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
//
// busy_timeout is also passed in the DSN so that every pooled connection
// waits on a locked database instead of failing immediately; per-client
// admission transactions rely on that.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// AutoMigrate creates or updates every table owned by the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.ClientActivity{},
		&domain.RateLimitRecord{},
		&domain.AdmissionLog{},
		&domain.DuplicateFingerprint{},
		&domain.ViolationEvent{},
		&domain.GroupCounter{},
		&domain.PendingRequest{},
		&domain.BatchRun{},
	)
}

// isDuplicate reports whether err is a unique-constraint violation.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
