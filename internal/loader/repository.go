package loader

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RefPrefix marks a repository source reference.
const RefPrefix = "db:"

// Repository loads stored transactions. Accepted references:
//
//	db:                       every stored transaction
//	db:client=<id>            one client's transactions
//	db:since=<datetime>       transactions at or after datetime (TimeLayout)
type Repository struct {
	repo domain.Repository
}

// NewRepository creates a repository-backed loader.
func NewRepository(repo domain.Repository) *Repository {
	return &Repository{repo: repo}
}

// Load implements domain.TransactionLoader.
func (l *Repository) Load(ctx context.Context, sourceRef string) ([]domain.Transaction, error) {
	if !strings.HasPrefix(sourceRef, RefPrefix) {
		return nil, fmt.Errorf("%w: not a repository reference: %q", domain.ErrParse, sourceRef)
	}
	query := strings.TrimPrefix(sourceRef, RefPrefix)

	var (
		txs []domain.Transaction
		err error
	)
	switch {
	case query == "":
		txs, err = l.repo.ListTransactions(ctx, time.Time{})

	case strings.HasPrefix(query, "client="):
		id, convErr := strconv.Atoi(strings.TrimPrefix(query, "client="))
		if convErr != nil {
			return nil, fmt.Errorf("%w: invalid client id in %q", domain.ErrParse, sourceRef)
		}
		txs, err = l.repo.ListClientTransactions(ctx, id)

	case strings.HasPrefix(query, "since="):
		since, parseErr := domain.ParseTimestamp(strings.TrimPrefix(query, "since="))
		if parseErr != nil {
			return nil, parseErr
		}
		txs, err = l.repo.ListTransactions(ctx, since)

	default:
		return nil, fmt.Errorf("%w: unsupported repository reference %q", domain.ErrParse, sourceRef)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return txs, nil
}

func errNoRepository(ref string) error {
	return fmt.Errorf("%w: no repository configured for %q", domain.ErrIO, ref)
}
