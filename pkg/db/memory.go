package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store in memory (for testing and dry runs)
type MemoryStore struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
	byID      map[string]string
	chains    map[int64]*ChainState
	nonces    map[string]uint64
	events    map[string]*TransferEvent
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transfers: make(map[string]*Transfer),
		byID:      make(map[string]string),
		chains:    make(map[int64]*ChainState),
		nonces:    make(map[string]uint64),
		events:    make(map[string]*TransferEvent),
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func idKey(sourceChainID int64, id string) string {
	return fmt.Sprintf("%d/%s", sourceChainID, id)
}

func (s *MemoryStore) CreateTransfer(_ context.Context, t *Transfer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := t.Clone()
	rec.Normalize()
	if _, ok := s.transfers[rec.Key]; ok {
		return false, nil
	}
	if rec.TransactionID != "" {
		id := idKey(rec.SourceChainID, rec.TransactionID)
		if _, ok := s.byID[id]; ok {
			return false, nil
		}
		s.byID[id] = rec.Key
	}
	now := s.now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	s.transfers[rec.Key] = rec
	return true, nil
}

func (s *MemoryStore) GetTransfer(_ context.Context, opts ...QueryOption) (*Transfer, error) {
	options := applyOptions(opts)
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec *Transfer
	switch {
	case options.Key != nil:
		rec = s.transfers[strings.ToLower(*options.Key)]
	case options.TransactionID != nil && options.SourceChainID != nil:
		rec = s.transfers[s.byID[idKey(*options.SourceChainID, strings.ToLower(*options.TransactionID))]]
	case options.SourceTxHash != nil:
		hash := strings.ToLower(*options.SourceTxHash)
		for _, t := range s.transfers {
			if t.SourceTxHash == hash && (rec == nil || t.SourceLogIndex < rec.SourceLogIndex) {
				rec = t
			}
		}
	default:
		return nil, fmt.Errorf("transfer lookup needs a key, source tx hash or transaction id")
	}
	if rec == nil {
		return nil, ErrTransferNotFound
	}
	if options.SourceTxHash != nil && rec.SourceTxHash != strings.ToLower(*options.SourceTxHash) {
		return nil, ErrTransferNotFound
	}
	if options.TransactionID != nil && rec.TransactionID != strings.ToLower(*options.TransactionID) {
		return nil, ErrTransferNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateTransfer(_ context.Context, key string, fn UpdateFunc) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.transfers[strings.ToLower(key)]
	if !ok {
		return nil, ErrTransferNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current.Clone(), nil
		}
		return nil, err
	}
	next.Key = current.Key
	next.SourceTxHash = current.SourceTxHash
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = s.now().UTC()
	next.Normalize()
	if next.TransactionID != current.TransactionID || next.SourceChainID != current.SourceChainID {
		if current.TransactionID != "" {
			delete(s.byID, idKey(current.SourceChainID, current.TransactionID))
		}
		if next.TransactionID != "" {
			s.byID[idKey(next.SourceChainID, next.TransactionID)] = next.Key
		}
	}
	s.transfers[next.Key] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListTransfers(_ context.Context, filter TransferFilter) ([]*Transfer, error) {
	addr := strings.ToLower(filter.Address)
	hash := strings.ToLower(filter.SourceTxHash)
	out := s.selectTransfers(func(t *Transfer) bool {
		if filter.Status != "" && t.CrossBridgeStatus != filter.Status {
			return false
		}
		if hash != "" && t.SourceTxHash != hash {
			return false
		}
		return addr == "" || t.SourceFromAddress == addr || t.TargetAddress == addr
	}, func(a, b *Transfer) bool { return a.CreatedAt.After(b.CreatedAt) })

	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PendingTransfers(_ context.Context, filter RetryFilter) ([]*Transfer, error) {
	out := s.selectTransfers(func(t *Transfer) bool {
		if filter.exhausted(t) {
			return false
		}
		return t.CrossBridgeStatus == BridgeStatusPending ||
			(t.SourceTxStatus == TxStatusSuccess && t.TargetTxStatus != TxStatusSuccess)
	}, func(a, b *Transfer) bool { return a.CreatedAt.Before(b.CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) FailedTransfersSince(_ context.Context, since time.Time, filter RetryFilter) ([]*Transfer, error) {
	out := s.selectTransfers(func(t *Transfer) bool {
		return t.CrossBridgeStatus == BridgeStatusFailed && !t.UpdatedAt.Before(since) && !filter.exhausted(t)
	}, func(a, b *Transfer) bool { return a.UpdatedAt.Before(b.UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(context.Context) (map[BridgeStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[BridgeStatus]int)
	for _, t := range s.transfers {
		counts[t.CrossBridgeStatus]++
	}
	return counts, nil
}

func (s *MemoryStore) selectTransfers(keep func(*Transfer) bool, less func(a, b *Transfer) bool) []*Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Transfer
	for _, t := range s.transfers {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (s *MemoryStore) GetChainState(_ context.Context, chainID int64) (*ChainState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.chains[chainID]
	if !ok {
		return nil, nil
	}
	c := *st
	return &c, nil
}

func (s *MemoryStore) SetChainState(_ context.Context, chainID int64, block uint64, blockHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[chainID] = &ChainState{ChainID: chainID, LastBlock: block, LastBlockHash: blockHash, UpdatedAt: s.now().UTC()}
	return nil
}

func nonceKey(chainID int64, address string) string {
	return fmt.Sprintf("%d/%s", chainID, strings.ToLower(address))
}

func (s *MemoryStore) GetNonce(_ context.Context, chainID int64, address string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[nonceKey(chainID, address)]
	return n, ok, nil
}

func (s *MemoryStore) SetNonce(_ context.Context, chainID int64, address string, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[nonceKey(chainID, address)] = nonce
	return nil
}

func (s *MemoryStore) RecordEvent(_ context.Context, ev *TransferEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%d/%s/%d", ev.ChainID, strings.ToLower(ev.TxHash), ev.LogIndex)
	if _, ok := s.events[key]; ok {
		return false, nil
	}
	c := *ev
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	s.events[key] = &c
	return true, nil
}

// Events returns the number of recorded events.
func (s *MemoryStore) Events() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
