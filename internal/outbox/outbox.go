// Package outbox is the durable, ordered queue of sales that could not be
// delivered to the ledger when they were completed.
//
// Every entry is written to storage before Enqueue returns and is deleted
// only after the ledger acknowledged it. Drain delivers strictly in sequence
// order and stops at the first entry that does not go through.
package outbox

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bamskydbest/pharm-sub001/internal/clock"
	"github.com/bamskydbest/pharm-sub001/internal/domain"
	"github.com/bamskydbest/pharm-sub001/internal/store"
)

var (
	ErrMissingKey = errors.New("outbox: payload has no idempotency key")
	ErrNotQueued  = errors.New("outbox: sale is not queued")
	// ErrRejected marks an entry the ledger refused permanently. It stays
	// queued, and blocks later entries, until an operator discards it.
	ErrRejected = errors.New("outbox: queued sale rejected by ledger")
)

type SubmitFunc func(ctx context.Context, payload domain.SalePayload) (domain.SaleAck, error)

type Delivery struct {
	Entry domain.QueuedSale
	Ack   domain.SaleAck
}

type DrainResult struct {
	// Skipped is set when another drain was already running.
	Skipped   bool
	Attempted int
	Delivered []Delivery
	// Blocked is the head entry when it has been rejected by the ledger.
	Blocked   *domain.QueuedSale
	Remaining int
}

type Option func(*Queue)

func WithClock(clk clock.Clock) Option {
	return func(q *Queue) { q.clock = clk }
}

func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithPermanentClassifier decides which submit errors are final. Without it
// every failure is treated as transient.
func WithPermanentClassifier(isPermanent func(error) bool) Option {
	return func(q *Queue) { q.isPermanent = isPermanent }
}

type Queue struct {
	storage     store.SaleQueue
	clock       clock.Clock
	logger      *zap.Logger
	isPermanent func(error) bool

	mu       sync.Mutex
	entries  []domain.QueuedSale
	nextSeq  uint64
	draining atomic.Bool
}

// Open loads persisted entries and continues numbering after the highest
// sequence storage has ever recorded, so an emptied queue never hands out
// a number twice.
func Open(ctx context.Context, storage store.SaleQueue, opts ...Option) (*Queue, error) {
	q := &Queue{
		storage:     storage,
		clock:       clock.Real(),
		logger:      zap.NewNop(),
		isPermanent: func(error) bool { return false },
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.Named("outbox")

	entries, err := storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queued sales: %w", err)
	}
	slices.SortFunc(entries, compareSequence)
	last, err := storage.LastSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue sequence: %w", err)
	}
	if n := len(entries); n > 0 {
		last = max(last, entries[n-1].Sequence)
	}

	q.entries = entries
	q.nextSeq = last + 1
	if len(entries) > 0 {
		q.logger.Info("restored queued sales",
			zap.Int("pending", len(entries)),
			zap.Uint64("next_sequence", q.nextSeq))
	}
	return q, nil
}

// Enqueue persists payload under the next sequence number. Enqueueing an
// idempotency key that is already queued returns the existing entry.
func (q *Queue) Enqueue(ctx context.Context, payload domain.SalePayload) (domain.QueuedSale, error) {
	if payload.IdempotencyKey == "" {
		return domain.QueuedSale{}, ErrMissingKey
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.indexLocked(payload.IdempotencyKey); i >= 0 {
		return q.entries[i], nil
	}

	entry := domain.QueuedSale{
		Sequence:   q.nextSeq,
		Payload:    payload,
		EnqueuedAt: q.clock.Now().UTC(),
	}
	if err := q.storage.Put(ctx, entry); err != nil {
		return domain.QueuedSale{}, fmt.Errorf("persist queued sale: %w", err)
	}
	q.nextSeq++
	q.entries = append(q.entries, entry)

	q.logger.Info("sale queued",
		zap.String("idempotency_key", payload.IdempotencyKey),
		zap.Uint64("sequence", entry.Sequence),
		zap.Int("pending", len(q.entries)))
	return entry, nil
}

// Drain submits queued entries oldest first. Only one drain runs at a time;
// a concurrent call returns immediately with Skipped set.
func (q *Queue) Drain(ctx context.Context, submit SubmitFunc) (result DrainResult, err error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}, nil
	}
	defer q.draining.Store(false)
	defer func() { result.Remaining = q.Pending() }()

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		head, ok := q.head()
		if !ok {
			return result, nil
		}
		if head.Rejected {
			result.Blocked = &head
			return result, fmt.Errorf("%w: sequence %d: %s", ErrRejected, head.Sequence, head.LastError)
		}

		result.Attempted++
		ack, err := submit(ctx, head.Payload)
		if err != nil {
			head.Attempts++
			head.LastError = err.Error()
			permanent := q.isPermanent(err)
			head.Rejected = permanent
			q.recordAttempt(ctx, head)

			if permanent {
				q.logger.Error("queued sale rejected",
					zap.String("idempotency_key", head.Key()),
					zap.Uint64("sequence", head.Sequence),
					zap.Error(err))
				result.Blocked = &head
				return result, fmt.Errorf("%w: sequence %d: %w", ErrRejected, head.Sequence, err)
			}
			q.logger.Warn("drain stopped",
				zap.String("idempotency_key", head.Key()),
				zap.Uint64("sequence", head.Sequence),
				zap.Int("attempts", head.Attempts),
				zap.Error(err))
			return result, fmt.Errorf("drain stopped at sequence %d: %w", head.Sequence, err)
		}

		// The entry stays queued if the delete fails; the next drain resends
		// it and the ledger answers with a duplicate acknowledgement.
		if err := q.storage.Delete(ctx, head.Key()); err != nil {
			return result, fmt.Errorf("remove delivered sale %d: %w", head.Sequence, err)
		}
		q.remove(head.Key())
		result.Delivered = append(result.Delivered, Delivery{Entry: head, Ack: ack})

		q.logger.Info("queued sale delivered",
			zap.String("idempotency_key", head.Key()),
			zap.Uint64("sequence", head.Sequence),
			zap.String("sale_id", ack.SaleID),
			zap.Bool("duplicate", ack.Duplicate))
	}
}

// Discard deletes a queued sale without delivering it.
func (q *Queue) Discard(ctx context.Context, key string) (domain.QueuedSale, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(key)
	if i < 0 {
		return domain.QueuedSale{}, fmt.Errorf("%w: %s", ErrNotQueued, key)
	}
	entry := q.entries[i]
	if err := q.storage.Delete(ctx, key); err != nil {
		return domain.QueuedSale{}, fmt.Errorf("discard queued sale: %w", err)
	}
	q.entries = slices.Delete(q.entries, i, i+1)

	q.logger.Warn("queued sale discarded",
		zap.String("idempotency_key", key),
		zap.Uint64("sequence", entry.Sequence),
		zap.Bool("rejected", entry.Rejected))
	return entry, nil
}

func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) Draining() bool {
	return q.draining.Load()
}

// Snapshot returns the queued entries in delivery order.
func (q *Queue) Snapshot() []domain.QueuedSale {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.entries)
}

func (q *Queue) head() (domain.QueuedSale, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return domain.QueuedSale{}, false
	}
	return q.entries[0], true
}

func (q *Queue) recordAttempt(ctx context.Context, entry domain.QueuedSale) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(entry.Key())
	if i < 0 {
		// discarded while the submit was in flight
		return
	}
	q.entries[i] = entry
	if err := q.storage.Put(ctx, entry); err != nil {
		q.logger.Warn("could not persist attempt bookkeeping",
			zap.String("idempotency_key", entry.Key()),
			zap.Error(err))
	}
}

func (q *Queue) remove(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(key); i >= 0 {
		q.entries = slices.Delete(q.entries, i, i+1)
	}
}

func (q *Queue) indexLocked(key string) int {
	return slices.IndexFunc(q.entries, func(e domain.QueuedSale) bool { return e.Key() == key })
}

func compareSequence(a, b domain.QueuedSale) int {
	return cmp.Compare(a.Sequence, b.Sequence)
}
