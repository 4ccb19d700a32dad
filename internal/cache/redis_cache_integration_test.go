package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
)

func TestRedisProductCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("PHARM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set PHARM_TEST_REDIS_ADDR to run redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	prefix := fmt.Sprintf("it:%d:product:", time.Now().UnixNano())
	c := NewRedisProductCache(client, prefix)

	if _, ok, err := c.Get(ctx, "6001234500011"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	stock := 3
	product := &domain.Product{ID: "SKU-PARA-500", Code: "6001234500011", Name: "Paracetamol", UnitPrice: decimal.RequireFromString("12.50"), Stock: &stock}
	if err := c.Set(ctx, product.Code, product, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	t.Cleanup(func() { _ = client.Del(ctx, prefix+product.Code).Err() })

	got, ok, err := c.Get(ctx, product.Code)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got.ID != product.ID || !got.UnitPrice.Equal(product.UnitPrice) || got.Stock == nil || *got.Stock != 3 {
		t.Fatalf("unexpected cached product %+v", got)
	}
}
