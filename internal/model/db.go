package model

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	_ "github.com/mattn/go-sqlite3"
)

const (
	recentSwapsTable = "recent_swaps"
	noncesTable      = "nonces"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS recent_swaps (
		id          TEXT PRIMARY KEY,
		chain_id    INTEGER NOT NULL,
		account     TEXT NOT NULL,
		tx_hash     TEXT NOT NULL DEFAULT '',
		from_symbol TEXT NOT NULL,
		to_symbol   TEXT NOT NULL,
		from_amount TEXT NOT NULL,
		to_amount   TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS recent_swaps_chain_account ON recent_swaps (chain_id, account, created_at)`,
	`CREATE TABLE IF NOT EXISTS nonces (
		chain_id   INTEGER NOT NULL,
		account    TEXT NOT NULL,
		nonce      INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (chain_id, account)
	)`,
}

func Open(ctx context.Context, dsn string) (*entsql.Driver, error) {
	drv, err := entsql.Open(dialect.SQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	for _, stmt := range migrations {
		if err = drv.Exec(ctx, stmt, []any{}, nil); err != nil {
			drv.Close()
			return nil, fmt.Errorf("创建数据库Schema失败: %w", err)
		}
	}
	return drv, nil
}

func builder() *entsql.DialectBuilder {
	return entsql.Dialect(dialect.SQLite)
}
