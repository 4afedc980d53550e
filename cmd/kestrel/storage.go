package main

import (
	"github.com/jmoiron/sqlx"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/db"
)

// openPool opens the configured store backend. SQLite gets a dedicated
// writer connection plus a read pool; Postgres shares one pool for both.
func openPool(cfg config.StoreConfig) (*db.Pool, error) {
	if cfg.IsPostgres() {
		sqlDB, err := db.OpenPostgres(cfg.URL, cfg.MaxConns, 2)
		if err != nil {
			return nil, err
		}
		conns := sqlx.NewDb(sqlDB, "pgx")
		return db.NewPool(conns, conns), nil
	}

	path := cfg.SQLitePath()
	writerDB, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	readerDB, err := db.OpenSQLiteReader(path)
	if err != nil {
		writerDB.Close()
		return nil, err
	}
	writer := sqlx.NewDb(writerDB, "sqlite3")
	reader := sqlx.NewDb(readerDB, "sqlite3")
	return db.NewPool(writer, reader), nil
}
