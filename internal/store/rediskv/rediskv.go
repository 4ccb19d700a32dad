// Package rediskv keeps the pending-sale queue and held carts in Redis.
// Queue order lives in a sorted set scored by sequence; payloads live in a
// hash keyed by idempotency key. Both are written in one MULTI/EXEC together
// with a GT-only mark holding the highest sequence ever queued.
package rediskv

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
	"github.com/bamskydbest/pharm-sub001/internal/store"
	"github.com/bamskydbest/pharm-sub001/internal/xid"
)

type Store struct {
	client    *redis.Client
	orderKey  string
	entryKey  string
	markKey   string
	heldKey   string
	ownClient bool
}

func New(addr string, password string, db int, namespace string) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	s := NewWithClient(client, namespace)
	s.ownClient = true
	return s
}

// NewWithClient shares an existing client; Close leaves it open.
func NewWithClient(client *redis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = "pos"
	}
	return &Store{
		client:   client,
		orderKey: namespace + ":queue:order",
		entryKey: namespace + ":queue:entries",
		markKey:  namespace + ":queue:mark",
		heldKey:  namespace + ":held",
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

func (s *Store) List(ctx context.Context) ([]domain.QueuedSale, error) {
	keys, err := s.client.ZRange(ctx, s.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue order: %w", err)
	}
	if len(keys) == 0 {
		return []domain.QueuedSale{}, nil
	}

	values, err := s.client.HMGet(ctx, s.entryKey, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue entries: %w", err)
	}

	entries := make([]domain.QueuedSale, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// order member without a payload
			continue
		}
		var entry domain.QueuedSale
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode queue entry %s: %w", keys[i], err)
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b domain.QueuedSale) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	return entries, nil
}

func (s *Store) Put(ctx context.Context, entry domain.QueuedSale) error {
	if err := store.ValidateQueuedSale(entry); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.entryKey, entry.Key(), payload)
		pipe.ZAdd(ctx, s.orderKey, redis.Z{
			Score:  float64(entry.Sequence),
			Member: entry.Key(),
		})
		pipe.ZAddGT(ctx, s.markKey, redis.Z{
			Score:  float64(entry.Sequence),
			Member: "last",
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("put queue entry: %w", err)
	}
	return nil
}

func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	score, err := s.client.ZScore(ctx, s.markKey, "last").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read queue mark: %w", err)
	}
	return uint64(score), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.orderKey, key)
		pipe.HDel(ctx, s.entryKey, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	return nil
}

func (s *Store) CreateHeldCart(ctx context.Context, held domain.HeldCart) (*domain.HeldCart, error) {
	if held.ID == "" {
		held.ID = xid.New("hold")
	}
	if held.HeldAt.IsZero() {
		held.HeldAt = time.Now().UTC()
	}
	if err := store.ValidateHeldCart(held); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(held)
	if err != nil {
		return nil, err
	}
	if err := s.client.HSet(ctx, s.heldKey, held.ID, payload).Err(); err != nil {
		return nil, err
	}
	saved := held
	return &saved, nil
}

func (s *Store) ListHeldCarts(ctx context.Context, storeID string, terminalID string, limit int) ([]domain.HeldCart, error) {
	all, err := s.client.HGetAll(ctx, s.heldKey).Result()
	if err != nil {
		return nil, err
	}

	result := make([]domain.HeldCart, 0, len(all))
	for _, raw := range all {
		var held domain.HeldCart
		if err := json.Unmarshal([]byte(raw), &held); err != nil {
			return nil, err
		}
		if storeID != "" && held.StoreID != storeID {
			continue
		}
		if terminalID != "" && held.TerminalID != terminalID {
			continue
		}
		result = append(result, held)
	}
	slices.SortFunc(result, func(a, b domain.HeldCart) int {
		if a.HeldAt.Equal(b.HeldAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.HeldAt.After(b.HeldAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) PopHeldCart(ctx context.Context, holdID string) (*domain.HeldCart, error) {
	raw, err := s.client.HGet(ctx, s.heldKey, holdID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	removed, err := s.client.HDel(ctx, s.heldKey, holdID).Result()
	if err != nil {
		return nil, err
	}
	// Another terminal resumed it between HGET and HDEL.
	if removed == 0 {
		return nil, store.ErrNotFound
	}

	var held domain.HeldCart
	if err := json.Unmarshal([]byte(raw), &held); err != nil {
		return nil, err
	}
	return &held, nil
}

func (s *Store) DeleteHeldCart(ctx context.Context, holdID string) error {
	removed, err := s.client.HDel(ctx, s.heldKey, holdID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return store.ErrNotFound
	}
	return nil
}
