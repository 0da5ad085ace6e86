package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	logx "campaignbot/pkg/logx"

	_ "github.com/lib/pq"
)

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	st, err := newSQLStore(db, dialect{
		name:      "postgres",
		migration: "migrations/postgres.sql",
		rebind:    rebindDollar,
		forUpdate: " FOR UPDATE",
	}, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("postgres store opened", logx.Int("max_open_conns", maxOpen))
	return st, nil
}
