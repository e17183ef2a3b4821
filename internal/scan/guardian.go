package scan

import (
	"log/slog"
	"sync"
	"time"

	"cagescan/internal"
)

// InputChannel is where scanner keystrokes arrive. Keys are delivered to the
// handler only while the channel holds focus.
type InputChannel interface {
	Focus() error
	Blur() error
	OnKey(handler func(internal.KeystrokeEvent))
}

// Guardian keeps an InputChannel focused while scanning. It polls rather
// than locks: brief focus loss is tolerated and healed on the next tick.
type Guardian struct {
	mu        sync.Mutex
	input     InputChannel
	interval  time.Duration
	logger    *slog.Logger
	active    bool
	suspended int
	stop      chan struct{}
	done      chan struct{}
	rearm     *time.Timer
}

func NewGuardian(input InputChannel, interval time.Duration, logger *slog.Logger) *Guardian {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guardian{input: input, interval: interval, logger: logger}
}

// Start focuses the input now and on every interval tick until Stop.
func (g *Guardian) Start() {
	g.mu.Lock()
	if g.active {
		g.mu.Unlock()
		return
	}
	g.active = true
	g.suspended = 0
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	stop, done := g.stop, g.done
	g.mu.Unlock()

	g.refocus()
	go g.loop(stop, done)
}

// Stop halts refocusing and releases focus.
func (g *Guardian) Stop() {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return
	}
	g.active = false
	if g.rearm != nil {
		g.rearm.Stop()
		g.rearm = nil
	}
	close(g.stop)
	done := g.done
	g.mu.Unlock()

	<-done
	if err := g.input.Blur(); err != nil {
		g.logger.Warn("release scanner focus failed", "error", err)
	}
}

// Suspend pauses refocusing while a modal owns input. Calls nest.
func (g *Guardian) Suspend() {
	g.mu.Lock()
	g.suspended++
	g.mu.Unlock()
}

func (g *Guardian) Resume() {
	g.mu.Lock()
	if g.suspended > 0 {
		g.suspended--
	}
	g.mu.Unlock()
}

// RearmAfter refocuses once after d, so a dialog that opened in response to
// a scan does not lose the race for focus.
func (g *Guardian) RearmAfter(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return
	}
	if g.rearm != nil {
		g.rearm.Stop()
	}
	g.rearm = time.AfterFunc(d, g.refocus)
}

func (g *Guardian) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *Guardian) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.refocus()
		}
	}
}

func (g *Guardian) refocus() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active || g.suspended > 0 {
		return
	}
	if err := g.input.Focus(); err != nil {
		g.logger.Debug("scanner refocus failed", "error", err)
	}
}
