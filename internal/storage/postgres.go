package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"cronhub/internal/task/trigger"
	logx "cronhub/pkg/logx"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openPostgres(cfg Config, calc *trigger.Calculator, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	st := newSQLStore(db, dialect{name: "postgres", dollar: true, forUpdate: " FOR UPDATE"}, calc, log, cfg.LogSize)
	if err := migrate(ctx, db, "migrations/postgres.sql"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.migrateLegacyTypes(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
