// Package history provides client transaction history lookups.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// DefaultTTL bounds how long a cached client history is served.
const DefaultTTL = time.Minute

// Service loads client histories from the repository, optionally through a cache.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
}

// NewService creates a new history service. cache may be nil.
func NewService(repo domain.Repository, cache domain.Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		repo:  repo,
		cache: cache,
		ttl:   ttl,
	}
}

// ClientHistory returns every stored transaction of clientID, oldest first.
func (s *Service) ClientHistory(ctx context.Context, clientID int) ([]domain.Transaction, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("no data source available")
	}

	key := cacheKey(clientID)
	if s.cache != nil {
		if txs, ok := s.fromCache(ctx, key); ok {
			return txs, nil
		}
	}

	txs, err := s.repo.ListClientTransactions(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load client history: %w", err)
	}

	if s.cache != nil {
		s.toCache(ctx, key, txs)
	}
	return txs, nil
}

// Before returns the history of current's client, excluding any stored copy
// of current itself.
func (s *Service) Before(ctx context.Context, current domain.Transaction) ([]domain.Transaction, error) {
	txs, err := s.ClientHistory(ctx, current.ClientID)
	if err != nil {
		return nil, err
	}

	key := current.Key()
	out := make([]domain.Transaction, 0, len(txs))
	for _, t := range txs {
		if t.Key() != key {
			out = append(out, t)
		}
	}
	return out, nil
}

// Record stores txs and drops the cached history of every affected client.
func (s *Service) Record(ctx context.Context, txs []domain.Transaction) error {
	if s.repo == nil {
		return fmt.Errorf("no data source available")
	}
	if err := s.repo.SaveTransactions(ctx, txs); err != nil {
		return err
	}

	if s.cache == nil {
		return nil
	}
	seen := make(map[int]bool)
	for _, t := range txs {
		if seen[t.ClientID] {
			continue
		}
		seen[t.ClientID] = true
		if err := s.cache.Delete(ctx, cacheKey(t.ClientID)); err != nil {
			slog.Warn("failed to invalidate client history", "client_id", t.ClientID, "error", err)
		}
	}
	return nil
}

func (s *Service) fromCache(ctx context.Context, key string) ([]domain.Transaction, bool) {
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		metrics.CacheLookupsTotal.WithLabelValues("history", "error").Inc()
		slog.Warn("history cache lookup failed", "key", key, "error", err)
		return nil, false
	}
	if data == nil {
		metrics.CacheLookupsTotal.WithLabelValues("history", "miss").Inc()
		return nil, false
	}

	var reqs []domain.TransactionRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		metrics.CacheLookupsTotal.WithLabelValues("history", "error").Inc()
		return nil, false
	}
	txs := make([]domain.Transaction, 0, len(reqs))
	for i := range reqs {
		t, err := reqs[i].ToTransaction()
		if err != nil {
			metrics.CacheLookupsTotal.WithLabelValues("history", "error").Inc()
			return nil, false
		}
		txs = append(txs, t)
	}
	metrics.CacheLookupsTotal.WithLabelValues("history", "hit").Inc()
	return txs, true
}

func (s *Service) toCache(ctx context.Context, key string, txs []domain.Transaction) {
	reqs := make([]domain.TransactionRequest, len(txs))
	for i, t := range txs {
		reqs[i] = domain.NewTransactionRequest(t)
	}
	data, err := json.Marshal(reqs)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		slog.Warn("failed to cache client history", "key", key, "error", err)
	}
}

func cacheKey(clientID int) string {
	return "history:" + strconv.Itoa(clientID)
}
