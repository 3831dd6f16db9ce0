package model

import (
	"context"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/ethereum/go-ethereum/common"
)

type NonceModel struct {
	drv *entsql.Driver
}

func NewNonceModel(drv *entsql.Driver) *NonceModel {
	return &NonceModel{drv: drv}
}

func (m *NonceModel) FindNonce(ctx context.Context, chainId int64, account common.Address) (uint64, bool, error) {
	query, args := builder().
		Select("nonce").
		From(entsql.Table(noncesTable)).
		Where(entsql.And(
			entsql.EQ("chain_id", chainId),
			entsql.EQ("account", account.Hex()),
		)).
		Limit(1).
		Query()

	var rows entsql.Rows
	if err := m.drv.Query(ctx, query, args, &rows); err != nil {
		return 0, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return 0, false, rows.Err()
	}

	var nonce int64
	if err := rows.Scan(&nonce); err != nil {
		return 0, false, err
	}
	return uint64(nonce), true, nil
}

func (m *NonceModel) SaveNonce(ctx context.Context, chainId int64, account common.Address, nonce uint64) error {
	query, args := builder().
		Insert(noncesTable).
		Columns("chain_id", "account", "nonce", "updated_at").
		Values(chainId, account.Hex(), int64(nonce), time.Now().UnixMilli()).
		OnConflict(
			entsql.ConflictColumns("chain_id", "account"),
			entsql.ResolveWithNewValues(),
		).
		Query()

	return m.drv.Exec(ctx, query, args, nil)
}
