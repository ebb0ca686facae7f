package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/chainsafe/bridge-relayer/pkg/db/dao"
)

type pgStore struct {
	db  *bun.DB
	now func() time.Time
}

// NewStore creates a new postgres implementation of the relayer store
func NewStore(db *bun.DB) *pgStore {
	return &pgStore{db: db, now: time.Now}
}

func (s *pgStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *pgStore) Close() error {
	return s.db.Close()
}

func (s *pgStore) CreateTransfer(ctx context.Context, t *Transfer) (bool, error) {
	rec := t.Clone()
	rec.Normalize()
	now := s.now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now

	res, err := s.db.NewInsert().
		Model(toTransferDao(rec)).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to create transfer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create transfer: %w", err)
	}
	return n > 0, nil
}

func (s *pgStore) GetTransfer(ctx context.Context, opts ...QueryOption) (*Transfer, error) {
	return getTransfer(ctx, s.db, applyOptions(opts), false)
}

func getTransfer(ctx context.Context, db bun.IDB, options *QueryOptions, lock bool) (*Transfer, error) {
	if options.Key == nil && options.SourceTxHash == nil && options.TransactionID == nil {
		return nil, fmt.Errorf("transfer lookup needs a key, source tx hash or transaction id")
	}

	d := new(dao.TransferDao)
	query := db.NewSelect().Model(d)
	if options.Key != nil {
		query = query.Where("transfer_key = ?", strings.ToLower(*options.Key))
	}
	if options.SourceTxHash != nil {
		query = query.Where("source_tx_hash = ?", strings.ToLower(*options.SourceTxHash))
	}
	if options.TransactionID != nil {
		query = query.Where("transaction_id = ?", strings.ToLower(*options.TransactionID))
	}
	if options.SourceChainID != nil {
		query = query.Where("source_chain_id = ?", *options.SourceChainID)
	}
	if lock {
		query = query.For("UPDATE")
	}

	if err := query.Order("source_log_index ASC").Limit(1).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return toTransfer(d), nil
}

func (s *pgStore) UpdateTransfer(ctx context.Context, key string, fn UpdateFunc) (*Transfer, error) {
	var result *Transfer
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := getTransfer(ctx, tx, applyOptions([]QueryOption{WithKey(key)}), true)
		if err != nil {
			return err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				result = current
				return nil
			}
			return err
		}

		next.Key = current.Key
		next.SourceTxHash = current.SourceTxHash
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = s.now().UTC()
		next.Normalize()

		_, err = tx.NewUpdate().
			Model(toTransferDao(next)).
			ExcludeColumn("id", "created_at").
			Where("transfer_key = ?", current.Key).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to update transfer: %w", err)
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *pgStore) ListTransfers(ctx context.Context, filter TransferFilter) ([]*Transfer, error) {
	var daos []dao.TransferDao
	query := s.db.NewSelect().Model(&daos)
	if filter.Status != "" {
		query = query.Where("cross_bridge_status = ?", string(filter.Status))
	}
	if filter.Address != "" {
		addr := strings.ToLower(filter.Address)
		query = query.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("source_from_address = ?", addr).WhereOr("target_address = ?", addr)
		})
	}
	if filter.SourceTxHash != "" {
		query = query.Where("source_tx_hash = ?", strings.ToLower(filter.SourceTxHash))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	err := query.Order("created_at DESC", "source_log_index ASC").Limit(limit).Offset(filter.Offset).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return toTransfers(daos), nil
}

func (s *pgStore) PendingTransfers(ctx context.Context, filter RetryFilter) ([]*Transfer, error) {
	var daos []dao.TransferDao
	query := s.db.NewSelect().
		Model(&daos).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("cross_bridge_status = ?", string(BridgeStatusPending)).
				WhereOr("source_tx_status = ? AND target_tx_status <> ?", string(TxStatusSuccess), string(TxStatusSuccess))
		})
	err := withRetryFilter(query, filter).
		Order("created_at ASC").
		Limit(filter.Limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transfers: %w", err)
	}
	return toTransfers(daos), nil
}

func (s *pgStore) FailedTransfersSince(ctx context.Context, since time.Time, filter RetryFilter) ([]*Transfer, error) {
	var daos []dao.TransferDao
	query := s.db.NewSelect().
		Model(&daos).
		Where("cross_bridge_status = ?", string(BridgeStatusFailed)).
		Where("updated_at >= ?", since.UTC())
	err := withRetryFilter(query, filter).
		Order("updated_at ASC").
		Limit(filter.Limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed transfers: %w", err)
	}
	return toTransfers(daos), nil
}

// withRetryFilter drops exhausted failures in the query, before LIMIT applies.
func withRetryFilter(query *bun.SelectQuery, filter RetryFilter) *bun.SelectQuery {
	if filter.IncludeExhausted {
		return query
	}
	return query.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
		q = q.Where("cross_bridge_status <> ?", string(BridgeStatusFailed)).
			WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
				q = q.Where("permanent = FALSE")
				if filter.MaxRetries > 0 {
					q = q.Where("retry_count < ?", filter.MaxRetries)
				}
				return q
			})
		return q
	})
}

func (s *pgStore) CountByStatus(ctx context.Context) (map[BridgeStatus]int, error) {
	var rows []struct {
		Status string `bun:"cross_bridge_status"`
		Count  int    `bun:"count"`
	}
	err := s.db.NewSelect().
		Model((*dao.TransferDao)(nil)).
		Column("cross_bridge_status").
		ColumnExpr("COUNT(*) AS count").
		Group("cross_bridge_status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to count transfers: %w", err)
	}
	counts := make(map[BridgeStatus]int, len(rows))
	for _, r := range rows {
		counts[BridgeStatus(r.Status)] = r.Count
	}
	return counts, nil
}

func (s *pgStore) GetChainState(ctx context.Context, chainID int64) (*ChainState, error) {
	d := new(dao.ChainStateDao)
	err := s.db.NewSelect().Model(d).Where("chain_id = ?", chainID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chain state: %w", err)
	}
	return &ChainState{
		ChainID:       d.ChainID,
		LastBlock:     uint64(d.LastBlock),
		LastBlockHash: d.LastBlockHash,
		UpdatedAt:     d.UpdatedAt,
	}, nil
}

func (s *pgStore) SetChainState(ctx context.Context, chainID int64, block uint64, blockHash string) error {
	_, err := s.db.NewInsert().
		Model(&dao.ChainStateDao{
			ChainID:       chainID,
			LastBlock:     int64(block),
			LastBlockHash: blockHash,
			UpdatedAt:     s.now().UTC(),
		}).
		On("CONFLICT (chain_id) DO UPDATE").
		Set("last_block = EXCLUDED.last_block").
		Set("last_block_hash = EXCLUDED.last_block_hash").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set chain state: %w", err)
	}
	return nil
}

func (s *pgStore) GetNonce(ctx context.Context, chainID int64, address string) (uint64, bool, error) {
	d := new(dao.NonceStateDao)
	err := s.db.NewSelect().
		Model(d).
		Where("chain_id = ?", chainID).
		Where("address = ?", strings.ToLower(address)).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get nonce: %w", err)
	}
	return uint64(d.Nonce), true, nil
}

func (s *pgStore) SetNonce(ctx context.Context, chainID int64, address string, nonce uint64) error {
	_, err := s.db.NewInsert().
		Model(&dao.NonceStateDao{
			ChainID:   chainID,
			Address:   strings.ToLower(address),
			Nonce:     int64(nonce),
			UpdatedAt: s.now().UTC(),
		}).
		On("CONFLICT (chain_id, address) DO UPDATE").
		Set("nonce = EXCLUDED.nonce").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set nonce: %w", err)
	}
	return nil
}

func (s *pgStore) RecordEvent(ctx context.Context, ev *TransferEvent) (bool, error) {
	d := toTransferEventDao(ev)
	d.TxHash = strings.ToLower(d.TxHash)
	d.SourceTxHash = strings.ToLower(d.SourceTxHash)
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	res, err := s.db.NewInsert().
		Model(d).
		On("CONFLICT (chain_id, tx_hash, log_index) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return n > 0, nil
}

func toTransfers(daos []dao.TransferDao) []*Transfer {
	out := make([]*Transfer, len(daos))
	for i := range daos {
		out[i] = toTransfer(&daos[i])
	}
	return out
}
