// Package dbtest opens an in-memory sqlite database carrying the adops schema.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE profiles (
		id TEXT PRIMARY KEY,
		email TEXT,
		full_name TEXT,
		company TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE subscriptions (
		user_id TEXT PRIMARY KEY,
		plan_code TEXT NOT NULL DEFAULT '',
		plan_name TEXT NOT NULL DEFAULT '',
		store_limit INTEGER NOT NULL DEFAULT 0,
		campaign_limit INTEGER NOT NULL DEFAULT 0,
		features TEXT NOT NULL DEFAULT '[]',
		provider_subscription_id TEXT UNIQUE,
		provider_customer_id TEXT,
		provider_price_id TEXT,
		provider_status TEXT NOT NULL DEFAULT '',
		current_period_start DATETIME,
		current_period_end DATETIME,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'active',
		readonly_mode BOOLEAN NOT NULL DEFAULT 0,
		grace_period_ends_at DATETIME,
		archive_scheduled_at DATETIME,
		archived_at DATETIME,
		state_reason TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE subscription_history (
		id INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL,
		plan_code TEXT NOT NULL DEFAULT '',
		provider_status TEXT NOT NULL DEFAULT '',
		period_start DATETIME,
		period_end DATETIME,
		reason TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE archived_user_data (
		id INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		key_version INTEGER NOT NULL,
		archived_at DATETIME NOT NULL
	)`,
	`CREATE TABLE webhook_events (
		event_id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		event_type TEXT NOT NULL,
		received_at DATETIME NOT NULL
	)`,
	`CREATE TABLE campaign_alerts (
		id INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		campaign_name TEXT NOT NULL DEFAULT '',
		metric_type TEXT NOT NULL,
		operator TEXT NOT NULL,
		threshold_value REAL NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		notification_channels TEXT NOT NULL DEFAULT '[]',
		triggered_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
}

// Open returns a fresh database for the test. Row locking clauses are stripped
// because sqlite does not support them.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	stripLocking := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLocking); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLocking); err != nil {
		t.Fatalf("register row callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}
