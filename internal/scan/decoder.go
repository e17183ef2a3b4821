package scan

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"cagescan/internal"
	"cagescan/internal/util"
)

// StalePolicy decides what happens to a partial buffer when the next key
// arrives after the scan timeout.
type StalePolicy string

const (
	StaleDiscard  StalePolicy = "discard"
	StaleFinalize StalePolicy = "finalize"
)

func ParseStalePolicy(value string) (StalePolicy, error) {
	switch StalePolicy(strings.ToLower(strings.TrimSpace(value))) {
	case StaleDiscard, "":
		return StaleDiscard, nil
	case StaleFinalize:
		return StaleFinalize, nil
	default:
		return "", fmt.Errorf("unsupported stale policy: %s", value)
	}
}

type DecoderOptions struct {
	ScanTimeout time.Duration
	Margin      time.Duration
	MinLength   int
	StalePolicy StalePolicy
}

var terminatorKeys = map[string]struct{}{
	"Enter":  {},
	"Return": {},
	"\r":     {},
	"\n":     {},
}

var controlKeys = map[string]struct{}{
	"Backspace": {},
	"Tab":       {},
	"Escape":    {},
	"Shift":     {},
	"Control":   {},
	"Alt":       {},
	"Meta":      {},
	"CapsLock":  {},
}

// Decoder rebuilds discrete scans from the keystrokes a keyboard-wedge
// scanner types. Tokens are delivered to emit outside the decoder lock, from
// either the OnKey caller or the finalize timer goroutine.
type Decoder struct {
	mu        sync.Mutex
	opts      DecoderOptions
	emit      func(internal.ScanToken)
	buffer    strings.Builder
	lastKeyMs int64
	timer     *time.Timer
	gen       uint64
	closed    bool
}

func NewDecoder(opts DecoderOptions, emit func(internal.ScanToken)) *Decoder {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 60 * time.Millisecond
	}
	if opts.MinLength <= 0 {
		opts.MinLength = 3
	}
	if opts.StalePolicy == "" {
		opts.StalePolicy = StaleDiscard
	}
	return &Decoder{opts: opts, emit: emit}
}

func IsTerminator(key string) bool {
	_, ok := terminatorKeys[key]
	return ok
}

// IsControlKey reports whether key names a non-printing key. Any key name
// longer than one character (ArrowDown, F1, PageUp) counts as one.
func IsControlKey(key string) bool {
	if _, ok := controlKeys[key]; ok {
		return true
	}
	return utf8.RuneCountInString(key) > 1
}

func (d *Decoder) OnKey(event internal.KeystrokeEvent) {
	var ready []internal.ScanToken

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	switch {
	case IsTerminator(event.Key):
		if tok, ok := d.finalizeLocked(); ok {
			ready = append(ready, tok)
		}
	case IsControlKey(event.Key) || event.Key == "":
	default:
		gap := event.TimestampMs - d.lastKeyMs
		if d.buffer.Len() > 0 && gap >= d.opts.ScanTimeout.Milliseconds() {
			if d.opts.StalePolicy == StaleFinalize {
				if tok, ok := d.finalizeLocked(); ok {
					ready = append(ready, tok)
				}
			}
			d.buffer.Reset()
		}
		d.buffer.WriteString(event.Key)
		d.lastKeyMs = event.TimestampMs
		d.scheduleLocked()
	}
	d.mu.Unlock()

	d.deliver(ready)
}

// Finalize flushes whatever is buffered right now.
func (d *Decoder) Finalize() {
	d.mu.Lock()
	tok, ok := d.finalizeLocked()
	d.mu.Unlock()
	if ok {
		d.deliver([]internal.ScanToken{tok})
	}
}

// Close cancels the pending timer and drops the buffer without emitting.
func (d *Decoder) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.cancelLocked()
	d.buffer.Reset()
}

// Pending returns the characters buffered so far.
func (d *Decoder) Pending() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffer.String()
}

func (d *Decoder) scheduleLocked() {
	d.cancelLocked()
	gen := d.gen
	d.timer = time.AfterFunc(d.opts.ScanTimeout+d.opts.Margin, func() {
		d.mu.Lock()
		if d.gen != gen || d.closed {
			d.mu.Unlock()
			return
		}
		tok, ok := d.finalizeLocked()
		d.mu.Unlock()
		if ok {
			d.deliver([]internal.ScanToken{tok})
		}
	})
}

// cancelLocked bumps the generation so a timer that already fired but is
// still waiting on the lock becomes a no-op.
func (d *Decoder) cancelLocked() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Decoder) finalizeLocked() (internal.ScanToken, bool) {
	raw := d.buffer.String()
	d.buffer.Reset()
	d.cancelLocked()

	normalized := util.NormalizeScan(raw)
	if !util.IsScanCode(normalized, d.opts.MinLength) {
		return internal.ScanToken{}, false
	}
	return internal.ScanToken{Raw: raw, Normalized: normalized}, true
}

func (d *Decoder) deliver(tokens []internal.ScanToken) {
	if d.emit == nil {
		return
	}
	for _, tok := range tokens {
		d.emit(tok)
	}
}
