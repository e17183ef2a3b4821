package feedback

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"cagescan/internal"
)

// Bell plays feedback on a terminal: one bell for success, three for error.
type Bell struct {
	mu  sync.Mutex
	out io.Writer
}

func NewBell(out io.Writer) *Bell {
	return &Bell{out: out}
}

func (b *Bell) Play(ctx context.Context, kind internal.FeedbackKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var count int
	switch kind {
	case internal.FeedbackSuccess:
		count = 1
	case internal.FeedbackError:
		count = 3
	default:
		return fmt.Errorf("unknown feedback kind: %s", kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.out, strings.Repeat("\a", count))
	return err
}

// Silent discards feedback, for headless runs.
type Silent struct{}

func (Silent) Play(context.Context, internal.FeedbackKind) error { return nil }
