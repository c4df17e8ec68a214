package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	postgresMaxOpenConns    = 20
	postgresMaxIdleConns    = 5
	postgresConnMaxLifetime = 30 * time.Minute
)

// Open connects to dsn. SQLite DSNs use the pure-Go glebarez driver with a
// single connection, since SQLite serialises writers anyway; anything else
// is parsed by pgx and opened through its database/sql adapter.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}

	if IsSQLiteDSN(dsn) {
		conn, errOpen := gorm.Open(sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), gormConfig)
		if errOpen != nil {
			return nil, fmt.Errorf("db: open sqlite: %w", errOpen)
		}
		sqlDB, errDB := conn.DB()
		if errDB != nil {
			return nil, fmt.Errorf("db: sqlite handle: %w", errDB)
		}
		sqlDB.SetMaxOpenConns(1)
		return conn, nil
	}

	pgConfig, errParse := pgx.ParseConfig(dsn)
	if errParse != nil {
		return nil, fmt.Errorf("db: parse postgres dsn: %w", errParse)
	}
	sqlDB := stdlib.OpenDB(*pgConfig)
	sqlDB.SetMaxOpenConns(postgresMaxOpenConns)
	sqlDB.SetMaxIdleConns(postgresMaxIdleConns)
	sqlDB.SetConnMaxLifetime(postgresConnMaxLifetime)

	conn, errOpen := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormConfig)
	if errOpen != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db: open postgres: %w", errOpen)
	}
	return conn, nil
}

// Close releases the connection pool behind conn.
func Close(conn *gorm.DB) error {
	if conn == nil {
		return nil
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return fmt.Errorf("db: close: %w", errDB)
	}
	return sqlDB.Close()
}

// Pinger pings the connection pool behind a gorm handle.
type Pinger struct {
	conn *gorm.DB
}

// NewPinger wraps conn for health checks.
func NewPinger(conn *gorm.DB) Pinger {
	return Pinger{conn: conn}
}

// Ping checks that the database answers.
func (p Pinger) Ping(ctx context.Context) error {
	if p.conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	sqlDB, errDB := p.conn.DB()
	if errDB != nil {
		return fmt.Errorf("db: ping: %w", errDB)
	}
	return sqlDB.PingContext(ctx)
}
