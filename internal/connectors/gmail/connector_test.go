package gmail

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestDecodeBase64URL(t *testing.T) {
	raw := "Subject: Manifest\r\n\r\nCAGE001?>"
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding} {
		got, err := decodeBase64URL(enc.EncodeToString([]byte(raw)))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != raw {
			t.Fatalf("got=%q", got)
		}
	}
	if _, err := decodeBase64URL("***"); err == nil {
		t.Fatal("expected error")
	}
}

func TestToManifestMessage(t *testing.T) {
	raw := []byte("From: Acme Ops <ops@acme.test>\r\n" +
		"Subject: Manifest carrier C-100\r\n" +
		"Date: Wed, 04 Mar 2026 10:00:00 +0000\r\n" +
		"Message-Id: <m1@acme.test>\r\n" +
		"Content-Type: text/plain\r\n\r\nCAGE001\r\n")

	msg, err := toManifestMessage("g1", 0, raw)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Provider != "gmail" || msg.MessageID != "<m1@acme.test>" || msg.Subject != "Manifest carrier C-100" {
		t.Fatalf("msg=%+v", msg)
	}
	if msg.ReceivedAt != "2026-03-04T10:00:00Z" {
		t.Fatalf("received=%s", msg.ReceivedAt)
	}
}

func TestToManifestMessageFallbacks(t *testing.T) {
	raw := []byte("Subject: Manifest\r\nDate: yesterday\r\n\r\nCAGE001\r\n")
	internalDate := time.Date(2026, 3, 5, 8, 30, 0, 0, time.UTC).UnixMilli()

	msg, err := toManifestMessage("g2", internalDate, raw)
	if err != nil {
		t.Fatal(err)
	}
	if msg.MessageID != "g2" || msg.ReceivedAt != "2026-03-05T08:30:00Z" {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestSenderQuery(t *testing.T) {
	if q := senderQuery(nil); q != "" {
		t.Fatalf("q=%q", q)
	}
	if q := senderQuery([]string{"ops@acme.test", "@parcelco.test"}); q != "from:(ops@acme.test OR parcelco.test)" {
		t.Fatalf("q=%q", q)
	}
}
