package station

import (
	"fmt"
	"io"
	"sync"
)

// lockedWriter serializes writes from the prompt loop, the notifier and
// the feedback goroutine onto one terminal.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newLockedWriter(w io.Writer) *lockedWriter {
	if lw, ok := w.(*lockedWriter); ok {
		return lw
	}
	return &lockedWriter{w: w}
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// ConsoleNotifier renders alerts and toasts as terminal lines. Each line is
// a single Write, so sharing out with other writers keeps lines whole.
type ConsoleNotifier struct {
	out io.Writer
}

func NewConsoleNotifier(out io.Writer) *ConsoleNotifier {
	return &ConsoleNotifier{out: newLockedWriter(out)}
}

func (n *ConsoleNotifier) Alert(title, message string) {
	fmt.Fprintf(n.out, "!! %s: %s\n", title, message)
}

func (n *ConsoleNotifier) Toast(message string) {
	fmt.Fprintf(n.out, "   %s\n", message)
}
