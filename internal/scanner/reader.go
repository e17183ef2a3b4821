package scanner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cagescan/internal"
)

var ErrClosed = errors.New("scanner input closed")

// ReaderChannel turns a byte stream (terminal, serial port) into keystroke
// events. While focused, keys go to the registered handler. While blurred,
// typed runes build console lines readable through Lines, which is how
// prompts take input away from the scanner.
type ReaderChannel struct {
	src     io.Reader
	now     func() time.Time
	focused atomic.Bool

	mu      sync.Mutex
	handler func(internal.KeystrokeEvent)
	line    strings.Builder

	lines chan string
	done  chan struct{}
	err   error
}

func NewReaderChannel(src io.Reader) *ReaderChannel {
	return &ReaderChannel{
		src:   src,
		now:   time.Now,
		lines: make(chan string, 16),
		done:  make(chan struct{}),
	}
}

func (c *ReaderChannel) Focus() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.focused.Store(true)
	return nil
}

func (c *ReaderChannel) Blur() error {
	c.focused.Store(false)
	return nil
}

func (c *ReaderChannel) Focused() bool {
	return c.focused.Load()
}

func (c *ReaderChannel) OnKey(handler func(internal.KeystrokeEvent)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Lines yields console lines typed while the channel was blurred.
func (c *ReaderChannel) Lines() <-chan string {
	return c.lines
}

// Done is closed once the underlying reader is exhausted.
func (c *ReaderChannel) Done() <-chan struct{} {
	return c.done
}

func (c *ReaderChannel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Prompt writes question to out and waits for the next console line.
func (c *ReaderChannel) Prompt(ctx context.Context, out io.Writer, question string) (string, error) {
	if out != nil && question != "" {
		_, _ = io.WriteString(out, question)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line := <-c.lines:
		return line, nil
	case <-c.done:
		select {
		case line := <-c.lines:
			return line, nil
		default:
		}
		return "", ErrClosed
	}
}

// Run pumps the reader until it is exhausted or ctx is done. Closing the
// underlying source is the caller's job; a blocked Read only returns then.
func (c *ReaderChannel) Run(ctx context.Context) error {
	defer close(c.done)
	r := bufio.NewReader(c.src)
	for {
		if ctx.Err() != nil {
			c.err = ctx.Err()
			return c.err
		}
		ch, _, err := r.ReadRune()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.flushLine()
				return nil
			}
			c.err = err
			return err
		}
		c.dispatch(ch)
	}
}

func (c *ReaderChannel) dispatch(ch rune) {
	key := KeyName(ch)
	if c.focused.Load() {
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(internal.KeystrokeEvent{Key: key, TimestampMs: c.now().UnixMilli()})
		}
		return
	}

	switch key {
	case "Enter":
		c.flushLine()
	case "Backspace":
		c.mu.Lock()
		s := c.line.String()
		if s != "" {
			r := []rune(s)
			c.line.Reset()
			c.line.WriteString(string(r[:len(r)-1]))
		}
		c.mu.Unlock()
	case "Escape", "Tab":
	default:
		c.mu.Lock()
		c.line.WriteString(key)
		c.mu.Unlock()
	}
}

func (c *ReaderChannel) flushLine() {
	c.mu.Lock()
	line := strings.TrimSpace(c.line.String())
	c.line.Reset()
	c.mu.Unlock()
	if line == "" {
		return
	}
	select {
	case c.lines <- line:
	default:
		// nobody is reading the console; drop the oldest line
		select {
		case <-c.lines:
		default:
		}
		c.lines <- line
	}
}

// KeyName maps a raw rune to the key name a platform key event would carry.
func KeyName(ch rune) string {
	switch ch {
	case '\r', '\n':
		return "Enter"
	case '\b', 0x7f:
		return "Backspace"
	case '\t':
		return "Tab"
	case 0x1b:
		return "Escape"
	default:
		return string(ch)
	}
}
