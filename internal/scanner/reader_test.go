package scanner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cagescan/internal"
)

func TestKeyName(t *testing.T) {
	cases := map[rune]string{
		'\r': "Enter",
		'\n': "Enter",
		'\b': "Backspace",
		0x7f: "Backspace",
		'\t': "Tab",
		0x1b: "Escape",
		'a':  "a",
		'7':  "7",
	}
	for in, want := range cases {
		if got := KeyName(in); got != want {
			t.Fatalf("KeyName(%q)=%q want %q", in, got, want)
		}
	}
}

func TestReaderChannelFocusedDeliversKeys(t *testing.T) {
	ch := NewReaderChannel(strings.NewReader("CAGE1\r"))
	var mu sync.Mutex
	var keys []string
	ch.OnKey(func(ev internal.KeystrokeEvent) {
		mu.Lock()
		keys = append(keys, ev.Key)
		mu.Unlock()
	})
	if err := ch.Focus(); err != nil {
		t.Fatal(err)
	}

	if err := ch.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(keys, ",") != "C,A,G,E,1,Enter" {
		t.Fatalf("keys=%v", keys)
	}
}

func TestReaderChannelBlurredBuildsLines(t *testing.T) {
	ch := NewReaderChannel(strings.NewReader("unscam\bn CAGE1\r\ndone"))
	delivered := 0
	ch.OnKey(func(internal.KeystrokeEvent) { delivered++ })

	if err := ch.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if delivered != 0 {
		t.Fatalf("blurred channel delivered %d keys", delivered)
	}

	out := &bytes.Buffer{}
	first, err := ch.Prompt(context.Background(), out, "> ")
	if err != nil {
		t.Fatal(err)
	}
	if first != "unscan CAGE1" {
		t.Fatalf("first=%q", first)
	}
	second, err := ch.Prompt(context.Background(), nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if second != "done" {
		t.Fatalf("second=%q", second)
	}
	if out.String() != "> " {
		t.Fatalf("prompt output=%q", out.String())
	}

	if _, err := ch.Prompt(context.Background(), nil, ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v", err)
	}
	if err := ch.Focus(); !errors.Is(err, ErrClosed) {
		t.Fatalf("focus after close err=%v", err)
	}
}

func TestReaderChannelPromptHonoursContext(t *testing.T) {
	ch := NewReaderChannel(strings.NewReader(""))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := ch.Prompt(ctx, nil, ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestReaderChannelTimestamps(t *testing.T) {
	ch := NewReaderChannel(strings.NewReader("AB"))
	base := time.UnixMilli(1_000)
	n := 0
	ch.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * 5 * time.Millisecond)
	}
	var stamps []int64
	ch.OnKey(func(ev internal.KeystrokeEvent) { stamps = append(stamps, ev.TimestampMs) })
	_ = ch.Focus()
	_ = ch.Run(context.Background())

	if len(stamps) != 2 || stamps[0] != 1005 || stamps[1] != 1010 {
		t.Fatalf("stamps=%v", stamps)
	}
}
