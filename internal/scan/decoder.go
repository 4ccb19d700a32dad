// Package scan turns keyboard-wedge scanner keystrokes into scanned codes.
//
// A scanner types a code much faster than a person and finishes with Enter.
// Keys are buffered while they keep arriving within the inactivity timeout;
// a gap longer than the timeout discards the buffer, and Enter emits it when
// it is long enough to be a real code.
package scan

import (
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/bamskydbest/pharm-sub001/internal/clock"
)

const (
	KeyEnter = "Enter"

	DefaultTimeout   = 120 * time.Millisecond
	DefaultMinLength = 4
)

type KeyEvent struct {
	Key string    `json:"key"`
	At  time.Time `json:"at"`
	// InTextInput is set when focus is in an editable field; such keys
	// belong to the field, not to the scanner.
	InTextInput bool `json:"in_text_input"`
}

type Decoder struct {
	clock     clock.Clock
	timeout   time.Duration
	minLength int
	emit      func(code string)
	logger    *zap.Logger

	mu     sync.Mutex
	buf    []rune
	lastAt time.Time
	timer  *clock.Timer
	epoch  uint64
}

func NewDecoder(clk clock.Clock, timeout time.Duration, minLength int, emit func(code string), logger *zap.Logger) *Decoder {
	if clk == nil {
		clk = clock.Real()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if minLength < 1 {
		minLength = DefaultMinLength
	}
	if emit == nil {
		emit = func(string) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{
		clock:     clk,
		timeout:   timeout,
		minLength: minLength,
		emit:      emit,
		logger:    logger.Named("scan"),
	}
}

func (d *Decoder) HandleKey(ev KeyEvent) {
	if ev.InTextInput {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = d.clock.Now()
	}

	d.mu.Lock()
	if len(d.buf) > 0 && at.Sub(d.lastAt) >= d.timeout {
		d.resetLocked()
	}

	if ev.Key == KeyEnter {
		code := string(d.buf)
		d.resetLocked()
		d.mu.Unlock()

		if utf8.RuneCountInString(code) < d.minLength {
			if code != "" {
				d.logger.Debug("dropped short scan", zap.Int("length", utf8.RuneCountInString(code)))
			}
			return
		}
		d.emit(code)
		return
	}

	r, ok := alphanumeric(ev.Key)
	if !ok {
		d.mu.Unlock()
		return
	}
	d.buf = append(d.buf, r)
	d.lastAt = at
	d.armLocked()
	d.mu.Unlock()
}

// Buffered returns the number of keys accumulated since the last reset.
func (d *Decoder) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}

// Attach subscribes the decoder to src. The returned func unsubscribes,
// stops the pending timer and clears the buffer; it is safe to call twice.
func (d *Decoder) Attach(src KeySource) (release func()) {
	unsubscribe := src.Subscribe(d.HandleKey)
	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			d.mu.Lock()
			d.resetLocked()
			d.mu.Unlock()
		})
	}
}

func (d *Decoder) armLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.epoch++
	epoch := d.epoch
	d.timer = d.clock.AfterFunc(d.timeout, func() { d.expire(epoch) })
}

func (d *Decoder) expire(epoch uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// A newer key re-armed the timer after this one was scheduled.
	if epoch != d.epoch {
		return
	}
	if len(d.buf) > 0 {
		d.logger.Debug("scan buffer expired", zap.Int("length", len(d.buf)))
	}
	d.buf = d.buf[:0]
	d.timer = nil
}

func (d *Decoder) resetLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.epoch++
	d.buf = d.buf[:0]
}

func alphanumeric(key string) (rune, bool) {
	r, size := utf8.DecodeRuneInString(key)
	if size == 0 || size != len(key) {
		return 0, false
	}
	if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
		return 0, false
	}
	return r, true
}
