package station

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cagescan/internal"
	"cagescan/internal/config"
	"cagescan/internal/feedback"
	"cagescan/internal/scanner"
	"cagescan/internal/workflow"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type stubBackend struct {
	mu        sync.Mutex
	codes     []string
	submitted []string
	proofs    internal.Proofs
}

func (b *stubBackend) FetchEligibleCodes(ctx context.Context, entityID string) ([]string, error) {
	return append([]string(nil), b.codes...), nil
}

func (b *stubBackend) SubmitReconciliation(ctx context.Context, entityID string, codes []string, proofs internal.Proofs) (internal.SubmitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append([]string(nil), codes...)
	b.proofs = proofs
	return internal.SubmitResult{}, nil
}

func (b *stubBackend) MarkArrival(ctx context.Context, entityRef string, at time.Time) error {
	return nil
}

func testConfig(t *testing.T) config.Config {
	return config.Config{
		CaptureDir:      filepath.Join(t.TempDir(), "captures"),
		ScanTimeoutMs:   60,
		ScanMarginMs:    20,
		ScanMinLength:   3,
		ScanStalePolicy: "discard",
		FocusIntervalMs: 10,
		FocusRearmMs:    10,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type rig struct {
	station *Station
	input   *scanner.ReaderChannel
	pw      *io.PipeWriter
	out     *syncBuffer
	done    chan error
}

func startStation(t *testing.T, backend workflow.Backend) *rig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	input := scanner.NewReaderChannel(pr)
	go func() { _ = input.Run(ctx) }()

	out := &syncBuffer{}
	st, err := New(testConfig(t), Options{
		Profile: workflow.Dispatch,
		Backend: backend,
		Scanner: input,
		Out:     out,
	})
	if err != nil {
		t.Fatal(err)
	}

	r := &rig{station: st, input: input, pw: pw, out: out, done: make(chan error, 1)}
	go func() {
		r.done <- st.Run(ctx, internal.Entity{ID: "C-100", Name: "Acme Carrier"})
	}()
	t.Cleanup(func() {
		cancel()
		_ = pw.Close()
	})
	return r
}

func (r *rig) send(t *testing.T, s string) {
	t.Helper()
	if _, err := io.WriteString(r.pw, s); err != nil {
		t.Fatal(err)
	}
}

func (r *rig) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("station did not finish; output:\n%s", r.out.String())
		return nil
	}
}

func writeImage(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestStationDispatchSession(t *testing.T) {
	backend := &stubBackend{codes: []string{"CAGE001", "CAGE002"}}
	r := startStation(t, backend)
	ctrl := r.station.Controller()

	waitFor(t, "scanner focus", r.input.Focused)
	r.send(t, "cage001\rCAGE002\r")

	waitFor(t, "confirm phase", func() bool {
		return ctrl.Phase() == workflow.PhaseConfirm && !r.input.Focused()
	})

	photo := writeImage(t, "truck.jpg")
	sig := writeImage(t, "sig.png")
	r.send(t, "p\n"+photo+"\nr ab12 cde\ns\n"+sig+"\nsubmit\n")

	if err := r.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if strings.Join(backend.submitted, ",") != "CAGE001,CAGE002" {
		t.Fatalf("submitted=%v", backend.submitted)
	}
	if backend.proofs.Photo == nil || backend.proofs.Signature == nil || backend.proofs.Registration == "" {
		t.Fatalf("proofs=%+v", backend.proofs)
	}
	if !strings.Contains(r.out.String(), "Dispatched 2 cages for Acme Carrier.") {
		t.Fatalf("output:\n%s", r.out.String())
	}
}

func TestStationEscapeMenu(t *testing.T) {
	backend := &stubBackend{codes: []string{"CAGE001", "CAGE002", "CAGE003"}}
	r := startStation(t, backend)
	ctrl := r.station.Controller()

	waitFor(t, "scanner focus", r.input.Focused)
	r.send(t, "CAGE001\r")
	waitFor(t, "first scan", func() bool { return len(ctrl.Snapshot().Processed) == 1 })

	r.send(t, "\x1b")
	waitFor(t, "menu blur", func() bool { return !r.input.Focused() })
	r.send(t, "list\n")
	waitFor(t, "refocus", r.input.Focused)
	if !strings.Contains(r.out.String(), "scanned (1): CAGE001") {
		t.Fatalf("output:\n%s", r.out.String())
	}

	r.send(t, "\x1b")
	waitFor(t, "menu blur", func() bool { return !r.input.Focused() })
	r.send(t, "done\n")
	waitFor(t, "confirm phase", func() bool { return ctrl.Phase() == workflow.PhaseConfirm })

	r.send(t, "back\n")
	if err := r.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ctrl.Phase() != workflow.PhaseSelectEntity {
		t.Fatalf("phase=%s", ctrl.Phase())
	}
	if !strings.Contains(r.out.String(), "Session abandoned.") {
		t.Fatalf("output:\n%s", r.out.String())
	}
	if len(backend.submitted) != 0 {
		t.Fatalf("unexpected submit %v", backend.submitted)
	}
}

func TestConsoleNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewConsoleNotifier(&buf)
	n.Alert("Unknown cage", "CAGE999 is not expected.")
	n.Toast("Cage CAGE001 scanned.")
	want := "!! Unknown cage: CAGE999 is not expected.\n   Cage CAGE001 scanned.\n"
	if buf.String() != want {
		t.Fatalf("got %q", buf.String())
	}
}

// overlapWriter records whether two writes were ever in flight at once.
type overlapWriter struct {
	active  atomic.Int32
	overlap atomic.Bool
	mu      sync.Mutex
	buf     bytes.Buffer
}

func (w *overlapWriter) Write(p []byte) (int, error) {
	if w.active.Add(1) > 1 {
		w.overlap.Store(true)
	}
	defer w.active.Add(-1)
	time.Sleep(200 * time.Microsecond)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func TestBellAndNotifierShareWriter(t *testing.T) {
	raw := &overlapWriter{}
	out := newLockedWriter(raw)
	bell := feedback.NewBell(out)
	notifier := NewConsoleNotifier(out)
	if notifier.out != out {
		t.Fatal("notifier wrapped an already locked writer again")
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = bell.Play(context.Background(), internal.FeedbackError)
		}()
		go func() {
			defer wg.Done()
			notifier.Toast("Cage CAGE001 scanned.")
		}()
	}
	wg.Wait()

	if raw.overlap.Load() {
		t.Fatal("bell and notifier wrote concurrently")
	}
	raw.mu.Lock()
	got := raw.buf.String()
	raw.mu.Unlock()
	if strings.Count(got, "\a\a\a") != 20 || strings.Count(got, "   Cage CAGE001 scanned.\n") != 20 {
		t.Fatalf("output=%q", got)
	}
}

func TestStationWrapsOutput(t *testing.T) {
	raw := &overlapWriter{}
	input := scanner.NewReaderChannel(strings.NewReader(""))
	st, err := New(testConfig(t), Options{
		Profile: workflow.Dispatch,
		Backend: &stubBackend{},
		Scanner: input,
		Out:     raw,
	})
	if err != nil {
		t.Fatal(err)
	}
	lw, ok := st.out.(*lockedWriter)
	if !ok || lw.w != raw {
		t.Fatalf("station output is %T, want a locked writer around Out", st.out)
	}
}
