package model

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"github.com/speps/go-hashids/v2"
)

const (
	RecentSwapStatusPending = "pending"
	RecentSwapStatusSuccess = "success"
	RecentSwapStatusError   = "error"
)

var ErrRecentSwapNotFound = errors.New("recent swap not found")

var recentSwapColumns = []string{
	"id", "chain_id", "account", "tx_hash", "from_symbol", "to_symbol",
	"from_amount", "to_amount", "status", "created_at",
}

type RecentSwap struct {
	Id         string
	ChainId    int64
	Account    string
	TxHash     string
	FromSymbol string
	ToSymbol   string
	FromAmount string
	ToAmount   string
	Status     string
	CreatedAt  time.Time
}

// RecentSwapModel 最近兑换记录, 每个 (chainId, account) 只保留最新的 limit 条
type RecentSwapModel struct {
	drv     *entsql.Driver
	limit   int
	encoder *hashids.HashID
	seq     atomic.Int64
}

func NewRecentSwapModel(drv *entsql.Driver, limit int) (*RecentSwapModel, error) {
	hd := hashids.NewData()
	hd.Salt = "recent-swaps"
	hd.MinLength = 10
	encoder, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 20
	}
	return &RecentSwapModel{drv: drv, limit: limit, encoder: encoder}, nil
}

func (m *RecentSwapModel) newId(chainId int64, t time.Time) (string, error) {
	return m.encoder.EncodeInt64([]int64{chainId, t.UnixMilli(), m.seq.Add(1)})
}

func normalizeAccount(account string) string {
	return common.HexToAddress(account).Hex()
}

func (m *RecentSwapModel) Add(ctx context.Context, args RecentSwap) (RecentSwap, error) {
	if args.CreatedAt.IsZero() {
		args.CreatedAt = time.Now()
	}
	if args.Status == "" {
		args.Status = RecentSwapStatusPending
	}
	args.Account = normalizeAccount(args.Account)
	if args.Id == "" {
		id, err := m.newId(args.ChainId, args.CreatedAt)
		if err != nil {
			return RecentSwap{}, err
		}
		args.Id = id
	}

	query, values := builder().
		Insert(recentSwapsTable).
		Columns(recentSwapColumns...).
		Values(args.Id, args.ChainId, args.Account, args.TxHash, args.FromSymbol, args.ToSymbol,
			args.FromAmount, args.ToAmount, args.Status, args.CreatedAt.UnixMilli()).
		Query()
	if err := m.drv.Exec(ctx, query, values, nil); err != nil {
		return RecentSwap{}, err
	}

	return args, m.trim(ctx, args.ChainId, args.Account)
}

func (m *RecentSwapModel) trim(ctx context.Context, chainId int64, account string) error {
	query, args := builder().
		Select("id").
		From(entsql.Table(recentSwapsTable)).
		Where(entsql.And(
			entsql.EQ("chain_id", chainId),
			entsql.EQ("account", account),
		)).
		OrderBy(entsql.Desc("created_at"), entsql.Desc("rowid")).
		Query()

	var rows entsql.Rows
	if err := m.drv.Query(ctx, query, args, &rows); err != nil {
		return err
	}

	ids := make([]any, 0)
	idx := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if idx >= m.limit {
			ids = append(ids, id)
		}
		idx++
	}
	rows.Close()

	if len(ids) == 0 {
		return nil
	}

	query, args = builder().
		Delete(recentSwapsTable).
		Where(entsql.In("id", ids...)).
		Query()
	return m.drv.Exec(ctx, query, args, nil)
}

func (m *RecentSwapModel) UpdateStatus(ctx context.Context, id, status, txHash, toAmount string) error {
	update := builder().
		Update(recentSwapsTable).
		Set("status", status).
		Where(entsql.EQ("id", id))
	if txHash != "" {
		update.Set("tx_hash", txHash)
	}
	if toAmount != "" {
		update.Set("to_amount", toAmount)
	}

	query, args := update.Query()
	var res sql.Result
	if err := m.drv.Exec(ctx, query, args, &res); err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecentSwapNotFound
	}
	return nil
}

func (m *RecentSwapModel) ListByAccount(ctx context.Context, chainId int64, account string) ([]RecentSwap, error) {
	query, args := builder().
		Select(recentSwapColumns...).
		From(entsql.Table(recentSwapsTable)).
		Where(entsql.And(
			entsql.EQ("chain_id", chainId),
			entsql.EQ("account", normalizeAccount(account)),
		)).
		OrderBy(entsql.Desc("created_at"), entsql.Desc("rowid")).
		Limit(m.limit).
		Query()
	return m.query(ctx, query, args)
}

func (m *RecentSwapModel) FindPending(ctx context.Context, limit int, excludeHashes []string) ([]RecentSwap, error) {
	predicates := []*entsql.Predicate{
		entsql.EQ("status", RecentSwapStatusPending),
		entsql.NEQ("tx_hash", ""),
	}
	if len(excludeHashes) > 0 {
		predicates = append(predicates, entsql.NotIn("tx_hash", lo.ToAnySlice(excludeHashes)...))
	}

	query, args := builder().
		Select(recentSwapColumns...).
		From(entsql.Table(recentSwapsTable)).
		Where(entsql.And(predicates...)).
		OrderBy(entsql.Asc("created_at")).
		Limit(limit).
		Query()
	return m.query(ctx, query, args)
}

func (m *RecentSwapModel) query(ctx context.Context, query string, args []any) ([]RecentSwap, error) {
	var rows entsql.Rows
	if err := m.drv.Query(ctx, query, args, &rows); err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]RecentSwap, 0)
	for rows.Next() {
		var item RecentSwap
		var createdAt int64
		err := rows.Scan(&item.Id, &item.ChainId, &item.Account, &item.TxHash, &item.FromSymbol, &item.ToSymbol,
			&item.FromAmount, &item.ToAmount, &item.Status, &createdAt)
		if err != nil {
			return nil, err
		}
		item.CreatedAt = time.UnixMilli(createdAt)
		result = append(result, item)
	}
	return result, rows.Err()
}
