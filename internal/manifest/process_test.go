package manifest

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"cagescan/internal"
	"cagescan/internal/config"
	"cagescan/internal/storage"
)

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestProcessManifestEmail(t *testing.T) {
	tmp := t.TempDir()
	db := openDB(t)

	rawPath := filepath.Join(tmp, "m1.eml")
	if err := os.WriteFile(rawPath, []byte(sampleManifestEmail), 0o644); err != nil {
		t.Fatal(err)
	}
	row, err := db.UpsertManifest("imap", "<m1@acme.test>", "Dispatch manifest carrier C-100", "ops@acme.test", "2026-03-04T10:00:00Z", "hash", rawPath, StatusFetched)
	if err != nil {
		t.Fatal(err)
	}

	svc := NewImportService(db, config.Config{})
	manifests, imported, err := svc.ProcessPending(10, "")
	if err != nil {
		t.Fatal(err)
	}
	if manifests != 1 || imported != 2 {
		t.Fatalf("manifests=%d imported=%d", manifests, imported)
	}

	codes, err := db.ListEligibleCodes(context.Background(), "C-100")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(codes, []string{"CAGE001", "CAGE002"}) {
		t.Fatalf("codes=%v", codes)
	}

	got, _ := db.GetManifestByID(row.ID)
	if got.Status != StatusProcessed || got.EntityID == nil || *got.EntityID != "C-100" {
		t.Fatalf("manifest=%+v", got)
	}
}

func TestProcessSkipsNonManifest(t *testing.T) {
	tmp := t.TempDir()
	db := openDB(t)

	raw := "From: a@b.test\r\nSubject: Lunch\r\nContent-Type: text/plain\r\n\r\nSee you at noon.\r\n"
	rawPath := filepath.Join(tmp, "m2.eml")
	if err := os.WriteFile(rawPath, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	row, err := db.UpsertManifest("imap", "<m2@b.test>", "Lunch", "a@b.test", "", "hash", rawPath, StatusFetched)
	if err != nil {
		t.Fatal(err)
	}

	res, err := NewImportService(db, config.Config{}).ProcessByProviderMessageID("imap", "<m2@b.test>")
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 0 || res.Reason != "no_codes" {
		t.Fatalf("res=%+v", res)
	}
	got, _ := db.GetManifestByID(row.ID)
	if got.Status != StatusSkipped {
		t.Fatalf("status=%s", got.Status)
	}
}

func TestImportFileText(t *testing.T) {
	tmp := t.TempDir()
	db := openDB(t)
	path := filepath.Join(tmp, "parcels.txt")
	if err := os.WriteFile(path, []byte("PX10001\nPX10002\nPX10001\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := NewImportService(db, config.Config{}).ImportFile("K9", "text", path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Extracted != 2 || res.Inserted != 2 {
		t.Fatalf("res=%+v", res)
	}

	if _, err := NewImportService(db, config.Config{}).ImportFile("K9", "docx", path); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("err=%v", err)
	}
}

func TestOfflineBackend(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	b := NewBackend(db, "dispatch")

	if _, err := b.FetchEligibleCodes(ctx, "C-100"); err == nil {
		t.Fatal("expected error without manifest")
	}

	if _, err := db.ReplaceEligibleCodes("C-100", nil, []internal.ManifestCode{
		{Code: "CAGE001", Source: internal.ManifestText},
		{Code: "CAGE002", Source: internal.ManifestText},
	}); err != nil {
		t.Fatal(err)
	}
	codes, err := b.FetchEligibleCodes(ctx, "C-100")
	if err != nil || len(codes) != 2 {
		t.Fatalf("codes=%v err=%v", codes, err)
	}

	proofs := internal.Proofs{
		Photo:        &internal.Asset{URI: "/p.jpg"},
		Signature:    &internal.Asset{URI: "/s.jpg"},
		Registration: "AB12CDE",
	}
	res, err := b.SubmitReconciliation(ctx, "C-100", []string{"CAGE001"}, proofs)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Message, "pending sync") {
		t.Fatalf("message=%q", res.Message)
	}

	codes, _ = b.FetchEligibleCodes(ctx, "C-100")
	if !reflect.DeepEqual(codes, []string{"CAGE002"}) {
		t.Fatalf("codes=%v", codes)
	}
	pending, _ := db.ListPendingSubmissions(10)
	if len(pending) != 1 || pending[0].Status != storage.PendingSync {
		t.Fatalf("pending=%+v", pending)
	}

	at := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)
	if err := b.MarkArrival(ctx, "C-100", at); err != nil {
		t.Fatal(err)
	}
	v, _ := db.GetMetadata("arrival.dispatch.C-100")
	if v == nil || *v != "2026-03-04T15:00:00Z" {
		t.Fatalf("arrival=%v", v)
	}
}
