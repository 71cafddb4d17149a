package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/conductor/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
// The schema is owned by the migrations directory (`conductor migrate up`).
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Servers: NewPGServerStore(db),
	}, nil
}
