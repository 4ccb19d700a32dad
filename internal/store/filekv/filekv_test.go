package filekv

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
	"github.com/bamskydbest/pharm-sub001/internal/store"
)

var _ store.SaleQueue = (*Store)(nil)

func entry(seq uint64, key string) domain.QueuedSale {
	return domain.QueuedSale{
		Sequence: seq,
		Payload: domain.SalePayload{
			IdempotencyKey: key,
			Total:          decimal.RequireFromString("12.50"),
			Items:          []domain.SaleLine{{ProductID: "SKU-PARA-500", Quantity: 1}},
		},
		EnqueuedAt: time.Unix(int64(seq), 0).UTC(),
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, e := range []domain.QueuedSale{entry(2, "sale-b"), entry(1, "sale-a"), entry(3, "sale-c")} {
		if err := s.Put(ctx, e); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	list, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(list))
	}
	for i, want := range []string{"sale-a", "sale-b", "sale-c"} {
		if list[i].Key() != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, list[i].Key())
		}
	}
	if !list[0].Payload.Total.Equal(decimal.RequireFromString("12.50")) {
		t.Fatalf("total not preserved: %s", list[0].Payload.Total)
	}
}

func TestPutOverwritesAndDeleteIsIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	e := entry(1, "sale-a")
	if err := s.Put(ctx, e); err != nil {
		t.Fatalf("put: %v", err)
	}
	e.Attempts = 3
	e.Rejected = true
	e.LastError = "invalid tender"
	if err := s.Put(ctx, e); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	list, _ := s.List(ctx)
	if len(list) != 1 || list[0].Attempts != 3 || !list[0].Rejected {
		t.Fatalf("unexpected list %+v", list)
	}

	if err := s.Delete(ctx, "sale-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "sale-a"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	list, _ = s.List(ctx)
	if len(list) != 0 {
		t.Fatalf("expected empty queue, got %d", len(list))
	}
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Put(context.Background(), entry(1, "sale/with/slashes")); err != nil {
		t.Fatalf("put: %v", err)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	entries := 0
	for _, f := range files {
		if strings.HasPrefix(f.Name(), ".pending-") {
			t.Fatalf("temp file left behind: %s", f.Name())
		}
		if strings.HasSuffix(f.Name(), entrySuffix) {
			entries++
		}
	}
	if entries != 1 {
		t.Fatalf("expected one entry file, got %v", files)
	}
}

func TestLastSequenceSurvivesEmptiedQueue(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if last, err := s.LastSequence(ctx); err != nil || last != 0 {
		t.Fatalf("expected 0 on a fresh dir, got %d (%v)", last, err)
	}

	for _, e := range []domain.QueuedSale{entry(4, "sale-d"), entry(2, "sale-b")} {
		if err := s.Put(ctx, e); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	for _, key := range []string{"sale-d", "sale-b"} {
		if err := s.Delete(ctx, key); err != nil {
			t.Fatalf("delete: %v", err)
		}
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	last, err := reopened.LastSequence(ctx)
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if last != 4 {
		t.Fatalf("expected mark 4 after the queue emptied, got %d", last)
	}
}

func TestPutRejectsInvalidEntry(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Put(context.Background(), entry(0, "sale-a")); !errors.Is(err, store.ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}
