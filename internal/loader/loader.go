// Package loader reads transaction batches from CSV files and the repository.
package loader

import (
	"context"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Dispatch routes "db:" references to the repository loader and everything
// else to the CSV loader.
type Dispatch struct {
	CSV  *CSV
	Repo *Repository
}

// New returns a Dispatch. repo may be nil, in which case "db:" references fail.
func New(repo domain.Repository) *Dispatch {
	d := &Dispatch{CSV: &CSV{}}
	if repo != nil {
		d.Repo = NewRepository(repo)
	}
	return d
}

// Load implements domain.TransactionLoader.
func (d *Dispatch) Load(ctx context.Context, sourceRef string) ([]domain.Transaction, error) {
	if strings.HasPrefix(sourceRef, RefPrefix) {
		if d.Repo == nil {
			return nil, errNoRepository(sourceRef)
		}
		return d.Repo.Load(ctx, sourceRef)
	}
	return d.CSV.Load(ctx, sourceRef)
}
