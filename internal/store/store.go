package store

import (
	"context"
	"errors"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidEntry = errors.New("invalid entry")
)

// Catalog resolves scanned codes and search queries to products.
type Catalog interface {
	LookupByCode(ctx context.Context, code string) (*domain.Product, error)
	Search(ctx context.Context, query string, limit int) ([]domain.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

// SaleQueue is durable storage for sales waiting to reach the ledger.
// Entries are keyed by idempotency key. Delete of a missing key is not an
// error. LastSequence reports the highest sequence ever Put, including
// entries since deleted.
type SaleQueue interface {
	List(ctx context.Context) ([]domain.QueuedSale, error)
	Put(ctx context.Context, entry domain.QueuedSale) error
	Delete(ctx context.Context, key string) error
	LastSequence(ctx context.Context) (uint64, error)
}

type HeldCarts interface {
	CreateHeldCart(ctx context.Context, held domain.HeldCart) (*domain.HeldCart, error)
	ListHeldCarts(ctx context.Context, storeID string, terminalID string, limit int) ([]domain.HeldCart, error)
	PopHeldCart(ctx context.Context, holdID string) (*domain.HeldCart, error)
	DeleteHeldCart(ctx context.Context, holdID string) error
}

// ValidateQueuedSale rejects entries that cannot be keyed or ordered.
func ValidateQueuedSale(entry domain.QueuedSale) error {
	if entry.Key() == "" || entry.Sequence == 0 {
		return ErrInvalidEntry
	}
	return nil
}

// ValidateHeldCart mirrors the checks every HeldCarts backend applies.
func ValidateHeldCart(held domain.HeldCart) error {
	if held.StoreID == "" || held.TerminalID == "" || len(held.Lines) == 0 {
		return ErrInvalidEntry
	}
	return nil
}
