// Package database wires the Postgres connection pool used by every
// store (pkg/store/...). It mirrors the teacher's internal/database
// package: a validated Config, a Connect constructor, and a
// goose-driven migration runner.
package database

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/surveyqc/qcpipeline/internal/config"
)

// Connect opens a sqlx.DB backed by pgx's database/sql driver, applying
// the pool tuning from cfg. It validates cfg first so a misconfigured
// pool never silently falls back to defaults.
func Connect(cfg config.DatabaseConfig, log *logrus.Logger) (*sqlx.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	db, err := sqlx.Connect("pgx", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.WithFields(logrus.Fields{
		"host":     cfg.Host,
		"database": cfg.Database,
	}).Info("connected to database")

	return db, nil
}
