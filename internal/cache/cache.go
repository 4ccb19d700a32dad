package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
	"github.com/bamskydbest/pharm-sub001/internal/store"
)

type ProductCache interface {
	Get(ctx context.Context, code string) (*domain.Product, bool, error)
	Set(ctx context.Context, code string, value *domain.Product, ttl time.Duration) error
}

type NoopProductCache struct{}

func (NoopProductCache) Get(_ context.Context, _ string) (*domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) Set(_ context.Context, _ string, _ *domain.Product, _ time.Duration) error {
	return nil
}

// CachedCatalog reads scanned-code lookups through a ProductCache. Search and
// GetProducts always hit the underlying catalog so stock refreshes see
// current quantities.
type CachedCatalog struct {
	inner  store.Catalog
	cache  ProductCache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedCatalog(inner store.Catalog, cache ProductCache, ttl time.Duration, logger *zap.Logger) *CachedCatalog {
	if cache == nil {
		cache = NoopProductCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedCatalog{inner: inner, cache: cache, ttl: ttl, logger: logger.Named("catalog-cache")}
}

func (c *CachedCatalog) LookupByCode(ctx context.Context, code string) (*domain.Product, error) {
	cached, ok, err := c.cache.Get(ctx, code)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("code", code), zap.Error(err))
	}
	if ok {
		return cached, nil
	}

	product, err := c.inner.LookupByCode(ctx, code)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("catalog lookup failed", zap.String("code", code), zap.Error(err))
		}
		return nil, err
	}
	if c.ttl > 0 {
		if err := c.cache.Set(ctx, code, product, c.ttl); err != nil {
			c.logger.Warn("cache write failed", zap.String("code", code), zap.Error(err))
		}
	}
	return product, nil
}

func (c *CachedCatalog) Search(ctx context.Context, query string, limit int) ([]domain.Product, error) {
	return c.inner.Search(ctx, query, limit)
}

func (c *CachedCatalog) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	return c.inner.GetProducts(ctx, ids)
}
