package scan

import (
	"testing"
	"time"

	"github.com/bamskydbest/pharm-sub001/internal/clock"
)

type recorder struct {
	codes []string
}

func (r *recorder) emit(code string) { r.codes = append(r.codes, code) }

func newTestDecoder() (*Decoder, *clock.FakeClock, *recorder) {
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	rec := &recorder{}
	return NewDecoder(clk, DefaultTimeout, DefaultMinLength, rec.emit, nil), clk, rec
}

// typeKeys feeds keys gap apart, advancing the fake clock between them.
func typeKeys(d *Decoder, clk *clock.FakeClock, gap time.Duration, keys ...string) {
	for i, key := range keys {
		if i > 0 {
			clk.Advance(gap)
		}
		d.HandleKey(KeyEvent{Key: key, At: clk.Now()})
	}
}

func TestFastBurstEmitsCode(t *testing.T) {
	d, clk, rec := newTestDecoder()
	typeKeys(d, clk, 20*time.Millisecond, "1", "2", "3", "4", KeyEnter)

	if len(rec.codes) != 1 || rec.codes[0] != "1234" {
		t.Fatalf("expected [1234], got %v", rec.codes)
	}
	if d.Buffered() != 0 {
		t.Fatalf("buffer should be cleared after Enter")
	}
}

func TestPauseDiscardsEarlierKeys(t *testing.T) {
	d, clk, rec := newTestDecoder()
	typeKeys(d, clk, 20*time.Millisecond, "1", "2")
	clk.Advance(200 * time.Millisecond)
	typeKeys(d, clk, 20*time.Millisecond, "3", "4", "5", "6", KeyEnter)

	if len(rec.codes) != 1 || rec.codes[0] != "3456" {
		t.Fatalf("expected [3456], got %v", rec.codes)
	}
}

func TestReplayedTimestampsDecodeWithoutTimerFiring(t *testing.T) {
	d, _, rec := newTestDecoder()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	events := []KeyEvent{
		{Key: "1", At: base},
		{Key: "2", At: base.Add(10 * time.Millisecond)},
		{Key: "3", At: base.Add(300 * time.Millisecond)},
		{Key: "4", At: base.Add(310 * time.Millisecond)},
		{Key: "5", At: base.Add(320 * time.Millisecond)},
		{Key: "6", At: base.Add(330 * time.Millisecond)},
		{Key: KeyEnter, At: base.Add(340 * time.Millisecond)},
	}
	for _, ev := range events {
		d.HandleKey(ev)
	}
	if len(rec.codes) != 1 || rec.codes[0] != "3456" {
		t.Fatalf("expected [3456], got %v", rec.codes)
	}
}

func TestGapOfExactlyTimeoutExpires(t *testing.T) {
	d, clk, rec := newTestDecoder()
	typeKeys(d, clk, DefaultTimeout, "1", "2", "3", "4", KeyEnter)
	if len(rec.codes) != 0 {
		t.Fatalf("expected no emission, got %v", rec.codes)
	}
}

func TestShortScanIsDropped(t *testing.T) {
	d, clk, rec := newTestDecoder()
	typeKeys(d, clk, 10*time.Millisecond, "1", "2", "3", KeyEnter)
	if len(rec.codes) != 0 {
		t.Fatalf("expected no emission, got %v", rec.codes)
	}
	if d.Buffered() != 0 {
		t.Fatalf("buffer should be cleared after a short scan")
	}
}

func TestEnterOnEmptyBufferIsNoop(t *testing.T) {
	d, _, rec := newTestDecoder()
	d.HandleKey(KeyEvent{Key: KeyEnter})
	if len(rec.codes) != 0 {
		t.Fatalf("unexpected emission %v", rec.codes)
	}
}

func TestTextInputKeysAreSuppressed(t *testing.T) {
	d, clk, rec := newTestDecoder()
	for _, key := range []string{"9", "8", "7", "6", KeyEnter} {
		d.HandleKey(KeyEvent{Key: key, At: clk.Now(), InTextInput: true})
	}
	if len(rec.codes) != 0 || d.Buffered() != 0 {
		t.Fatalf("text input keys must not reach the buffer")
	}
	if clk.Pending() != 0 {
		t.Fatalf("text input keys must not arm the timer")
	}
}

func TestNonAlphanumericKeysAreIgnored(t *testing.T) {
	d, clk, rec := newTestDecoder()
	typeKeys(d, clk, 10*time.Millisecond, "A", "B", "Shift", "-", "1", "2", KeyEnter)
	if len(rec.codes) != 1 || rec.codes[0] != "AB12" {
		t.Fatalf("expected [AB12], got %v", rec.codes)
	}
}

func TestNonAlphanumericKeysDoNotRearmTimer(t *testing.T) {
	d, clk, rec := newTestDecoder()
	typeKeys(d, clk, 10*time.Millisecond, "1", "2", "3", "4")

	for i := 0; i < 3; i++ {
		clk.Advance(50 * time.Millisecond)
		d.HandleKey(KeyEvent{Key: "-", At: clk.Now()})
	}
	d.HandleKey(KeyEvent{Key: KeyEnter, At: clk.Now()})

	if len(rec.codes) != 0 {
		t.Fatalf("expected no code once the burst timed out, got %v", rec.codes)
	}
	if d.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d", d.Buffered())
	}
}

func TestTimerExpiryClearsBuffer(t *testing.T) {
	d, clk, _ := newTestDecoder()
	typeKeys(d, clk, 10*time.Millisecond, "1", "2", "3")
	if d.Buffered() != 3 {
		t.Fatalf("expected 3 buffered keys, got %d", d.Buffered())
	}
	clk.Advance(DefaultTimeout)
	if d.Buffered() != 0 {
		t.Fatalf("timer should have cleared the buffer")
	}
}

func TestAttachAndRelease(t *testing.T) {
	d, clk, rec := newTestDecoder()
	kb := NewKeyboard()
	release := d.Attach(kb)

	kb.Publish(
		KeyEvent{Key: "5", At: clk.Now()},
		KeyEvent{Key: "0", At: clk.Now()},
		KeyEvent{Key: "1", At: clk.Now()},
		KeyEvent{Key: "2", At: clk.Now()},
		KeyEvent{Key: KeyEnter, At: clk.Now()},
	)
	if len(rec.codes) != 1 || rec.codes[0] != "5012" {
		t.Fatalf("expected [5012], got %v", rec.codes)
	}

	kb.Publish(KeyEvent{Key: "7", At: clk.Now()})
	release()
	release()

	if kb.Subscribers() != 0 {
		t.Fatalf("release should unsubscribe")
	}
	if clk.Pending() != 0 {
		t.Fatalf("release should stop the pending timer")
	}
	if d.Buffered() != 0 {
		t.Fatalf("release should clear the buffer")
	}

	kb.Publish(KeyEvent{Key: "8", At: clk.Now()})
	if d.Buffered() != 0 {
		t.Fatalf("released decoder must not receive keys")
	}
}
