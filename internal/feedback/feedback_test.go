package feedback

import (
	"bytes"
	"context"
	"testing"

	"cagescan/internal"
)

func TestBell(t *testing.T) {
	buf := &bytes.Buffer{}
	b := NewBell(buf)

	if err := b.Play(context.Background(), internal.FeedbackSuccess); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "\a" {
		t.Fatalf("success=%q", buf.String())
	}

	buf.Reset()
	if err := b.Play(context.Background(), internal.FeedbackError); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "\a\a\a" {
		t.Fatalf("error=%q", buf.String())
	}

	if err := b.Play(context.Background(), "chime"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
