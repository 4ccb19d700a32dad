package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
	"github.com/bamskydbest/pharm-sub001/internal/store"
	"github.com/bamskydbest/pharm-sub001/internal/store/memory"
)

type mapCache struct {
	mu      sync.Mutex
	entries map[string]domain.Product
	sets    int
	failGet bool
}

func (c *mapCache) Get(_ context.Context, code string) (*domain.Product, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet {
		return nil, false, errors.New("cache down")
	}
	p, ok := c.entries[code]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (c *mapCache) Set(_ context.Context, code string, value *domain.Product, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[code] = *value
	c.sets++
	return nil
}

type countingCatalog struct {
	store.Catalog
	lookups int
}

func (c *countingCatalog) LookupByCode(ctx context.Context, code string) (*domain.Product, error) {
	c.lookups++
	return c.Catalog.LookupByCode(ctx, code)
}

func TestCachedCatalogReadsThrough(t *testing.T) {
	inner := &countingCatalog{Catalog: memory.NewSeeded()}
	pc := &mapCache{entries: map[string]domain.Product{}}
	catalog := NewCachedCatalog(inner, pc, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := catalog.LookupByCode(ctx, "6001234500011")
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if p.ID != "SKU-PARA-500" {
			t.Fatalf("unexpected product %s", p.ID)
		}
	}
	if inner.lookups != 1 {
		t.Fatalf("expected one catalog hit, got %d", inner.lookups)
	}
	if pc.sets != 1 {
		t.Fatalf("expected one cache write, got %d", pc.sets)
	}
}

func TestCachedCatalogDoesNotCacheMisses(t *testing.T) {
	inner := &countingCatalog{Catalog: memory.NewSeeded()}
	pc := &mapCache{entries: map[string]domain.Product{}}
	catalog := NewCachedCatalog(inner, pc, time.Minute, nil)

	for i := 0; i < 2; i++ {
		if _, err := catalog.LookupByCode(context.Background(), "0000"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if inner.lookups != 2 || pc.sets != 0 {
		t.Fatalf("misses should not be cached: lookups=%d sets=%d", inner.lookups, pc.sets)
	}
}

func TestCachedCatalogFallsBackWhenCacheFails(t *testing.T) {
	inner := &countingCatalog{Catalog: memory.NewSeeded()}
	pc := &mapCache{entries: map[string]domain.Product{}, failGet: true}
	catalog := NewCachedCatalog(inner, pc, time.Minute, nil)

	if _, err := catalog.LookupByCode(context.Background(), "6001234500011"); err != nil {
		t.Fatalf("lookup should succeed without cache: %v", err)
	}
	if inner.lookups != 1 {
		t.Fatalf("expected catalog hit, got %d", inner.lookups)
	}
}

func TestNoopCacheAlwaysMisses(t *testing.T) {
	var c NoopProductCache
	if _, ok, err := c.Get(context.Background(), "x"); ok || err != nil {
		t.Fatalf("noop cache should miss")
	}
}
