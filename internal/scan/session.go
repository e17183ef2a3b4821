package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cagescan/internal"
	"cagescan/internal/util"
)

var (
	ErrSessionLocked = errors.New("cannot modify a closed/locked session")
	ErrNotProcessed  = errors.New("code has not been scanned in this session")
)

// Feedback plays an audio cue. Calls are fire-and-forget.
type Feedback interface {
	Play(ctx context.Context, kind internal.FeedbackKind) error
}

type SessionOptions struct {
	MinLength int
	// Noun names what is being scanned in operator messages ("cage", "parcel").
	Noun     string
	Feedback Feedback
	Logger   *slog.Logger
}

// Session holds the eligible and processed sets for one entity. A code is in
// exactly one of them at any time.
type Session struct {
	mu        sync.Mutex
	entity    internal.Entity
	opts      SessionOptions
	eligible  map[string]struct{}
	order     []string
	processed []string
	locked    bool
}

func NewSession(entity internal.Entity, codes []string, opts SessionOptions) *Session {
	if opts.MinLength <= 0 {
		opts.MinLength = 3
	}
	if opts.Noun == "" {
		opts.Noun = "code"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		entity:   entity,
		opts:     opts,
		eligible: make(map[string]struct{}, len(codes)),
		order:    make([]string, 0, len(codes)),
	}
	for _, c := range codes {
		norm := util.NormalizeScan(c)
		if norm == "" {
			continue
		}
		if _, dup := s.eligible[norm]; dup {
			continue
		}
		s.eligible[norm] = struct{}{}
		s.order = append(s.order, norm)
	}
	return s
}

func (s *Session) Entity() internal.Entity { return s.entity }

func (s *Session) Reconcile(ctx context.Context, token internal.ScanToken) internal.ScanResult {
	code := util.NormalizeScan(token.Normalized)
	if code == "" {
		code = util.NormalizeScan(token.Raw)
	}
	if !util.IsScanCode(code, s.opts.MinLength) {
		return internal.ScanResult{Disposition: internal.DispositionNoise, Code: code}
	}

	s.mu.Lock()
	if s.locked {
		s.mu.Unlock()
		return internal.ScanResult{Disposition: internal.DispositionNoise, Code: code, Message: ErrSessionLocked.Error()}
	}
	if _, ok := s.eligible[code]; !ok {
		scanned := s.indexProcessed(code) >= 0
		s.mu.Unlock()
		s.play(ctx, internal.FeedbackError)
		if scanned {
			return internal.ScanResult{
				Disposition: internal.DispositionDuplicate,
				Code:        code,
				Message:     fmt.Sprintf("%s %s has already been scanned.", capitalize(s.opts.Noun), code),
			}
		}
		return internal.ScanResult{
			Disposition: internal.DispositionUnknown,
			Code:        code,
			Message:     fmt.Sprintf("%s %s was not found for %s.", capitalize(s.opts.Noun), code, s.entity.Name),
		}
	}

	delete(s.eligible, code)
	s.removeOrder(code)
	s.processed = append(s.processed, code)
	s.mu.Unlock()

	s.play(ctx, internal.FeedbackSuccess)
	return internal.ScanResult{Disposition: internal.DispositionAccepted, Code: code}
}

// Unscan moves a processed code back into the eligible set.
func (s *Session) Unscan(code string) error {
	code = util.NormalizeScan(code)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrSessionLocked
	}
	idx := s.indexProcessed(code)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotProcessed, code)
	}
	s.processed = append(s.processed[:idx], s.processed[idx+1:]...)
	s.eligible[code] = struct{}{}
	s.order = append(s.order, code)
	return nil
}

// Lock freezes the sets once the workflow leaves the scan loop.
func (s *Session) Lock() {
	s.mu.Lock()
	s.locked = true
	s.mu.Unlock()
}

func (s *Session) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

func (s *Session) Eligible() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Session) Processed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.processed...)
}

func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.eligible)
}

func (s *Session) indexProcessed(code string) int {
	for i, c := range s.processed {
		if c == code {
			return i
		}
	}
	return -1
}

func (s *Session) removeOrder(code string) {
	for i, c := range s.order {
		if c == code {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *Session) play(ctx context.Context, kind internal.FeedbackKind) {
	if s.opts.Feedback == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := s.opts.Feedback.Play(ctx, kind); err != nil {
			s.opts.Logger.Warn("feedback failed", "kind", kind, "error", err)
		}
	}()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}
