// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// sqlitePragmas are appended to SQLite DSNs that do not set their own.
const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// Config selects and tunes the database.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string

	// DSN is a file path for SQLite or a connection string for PostgreSQL.
	DSN string

	// MaxOpenConns caps the pool. Ignored for SQLite, which uses one
	// connection so that writes never contend.
	MaxOpenConns int

	// Debug logs every SQL statement.
	Debug bool
}

// Open connects to the configured database.
//
// # Description
//
// SQLite is opened through the pure-Go glebarez driver with foreign keys
// enabled. PostgreSQL connections are made by lib/pq and handed to the
// gorm postgres dialector.
//
// # Outputs
//
//   - *GormStore: Ready for use. Call Migrate before first use on an empty
//     database.
//   - error: Non-nil if the driver is unknown or the connection fails.
func Open(cfg Config) (*GormStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		dialector gorm.Dialector
		sqlDB     *sql.DB
	)
	switch driver {
	case DriverSQLite:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite: dsn is required")
		}
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	case DriverPostgres:
		connector, err := pq.NewConnector(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		sqlDB = sql.OpenDB(connector)
		dialector = postgres.New(postgres.Config{Conn: sqlDB})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	logLevel := logger.Silent
	if cfg.Debug {
		logLevel = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
		TranslateError: true,
	})
	if err != nil {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	pool, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		pool.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		pool.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	return &GormStore{db: db, driver: driver}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqlitePragmas
	}
	return dsn + "?" + sqlitePragmas
}
