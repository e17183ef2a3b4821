package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cagescan/internal"
	"cagescan/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, payload any) *http.Response {
	blob, _ := json.Marshal(payload)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(string(blob))),
		Header:     make(http.Header),
	}
}

func testClient(t *testing.T, routes Routes, rt roundTripFunc) *Client {
	t.Helper()
	cfg, _ := config.Load()
	cfg.WarehouseAPIToken = "test"
	cfg.WarehouseAPIBaseURL = "https://example.test/api/v1"
	cfg.WarehouseRateLimitRPS = 1000

	client := NewClient(cfg, routes)
	client.httpClient = &http.Client{Transport: rt}
	return client
}

func TestFetchEligibleCodesWithRetry(t *testing.T) {
	attempt := 0
	client := testClient(t, DispatchRoutes, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/api/v1/carriers/c-1/open-cages" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test" {
			t.Fatalf("auth=%q", r.Header.Get("Authorization"))
		}
		attempt++
		if attempt == 1 {
			return jsonResponse(http.StatusServiceUnavailable, map[string]any{"success": false}), nil
		}
		return jsonResponse(http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"codes": []string{"CAGE001", " "},
				"items": []map[string]any{{"code": "CAGE002"}, {"barcode": "CAGE003"}},
			},
		}), nil
	})

	codes, err := client.FetchEligibleCodes(context.Background(), "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if attempt != 2 {
		t.Fatalf("attempts=%d", attempt)
	}
	if strings.Join(codes, ",") != "CAGE001,CAGE002,CAGE003" {
		t.Fatalf("codes=%v", codes)
	}
}

func TestFetchEligibleCodesNotFoundIsNotRetried(t *testing.T) {
	attempt := 0
	client := testClient(t, ScanToCageRoutes, func(r *http.Request) (*http.Response, error) {
		attempt++
		return jsonResponse(http.StatusNotFound, map[string]any{"success": false, "message": "Cage not found"}), nil
	})

	_, err := client.FetchEligibleCodes(context.Background(), "K9")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err=%v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Error() != "Cage not found" {
		t.Fatalf("apiErr=%+v", apiErr)
	}
	if attempt != 1 {
		t.Fatalf("attempts=%d", attempt)
	}
}

func writeAsset(t *testing.T, dir, name, content string) *internal.Asset {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return &internal.Asset{URI: path, Name: name}
}

func TestSubmitReconciliationMultipart(t *testing.T) {
	dir := t.TempDir()
	proofs := internal.Proofs{
		Photo:        writeAsset(t, dir, "AB12CDE-Dispatch.jpg", "photo"),
		Signature:    writeAsset(t, dir, "Acme-Signature.jpg", "sig"),
		Registration: "AB12CDE",
	}

	attempt := 0
	client := testClient(t, DispatchRoutes, func(r *http.Request) (*http.Response, error) {
		attempt++
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/carriers/c-1/dispatch" {
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		if got := r.FormValue("codes"); got != `["CAGE001","CAGE002"]` {
			t.Fatalf("codes=%s", got)
		}
		if got := r.FormValue("registration"); got != "AB12CDE" {
			t.Fatalf("registration=%s", got)
		}
		for field, want := range map[string]string{"photo": "photo", "signature": "sig"} {
			f, hdr, err := r.FormFile(field)
			if err != nil {
				t.Fatalf("%s: %v", field, err)
			}
			blob, _ := io.ReadAll(f)
			_ = f.Close()
			if string(blob) != want {
				t.Fatalf("%s content=%q name=%s", field, blob, hdr.Filename)
			}
		}
		return jsonResponse(http.StatusOK, map[string]any{"success": true, "data": map[string]any{"message": "Dispatched 2 cages"}}), nil
	})

	res, err := client.SubmitReconciliation(context.Background(), "c-1", []string{"CAGE001", "CAGE002"}, proofs)
	if err != nil {
		t.Fatal(err)
	}
	if res.Message != "Dispatched 2 cages" {
		t.Fatalf("message=%q", res.Message)
	}
	if attempt != 1 {
		t.Fatalf("attempts=%d", attempt)
	}
}

func TestSubmitReconciliationNotRetried(t *testing.T) {
	dir := t.TempDir()
	proofs := internal.Proofs{
		Photo:        writeAsset(t, dir, "p.jpg", "p"),
		Signature:    writeAsset(t, dir, "s.jpg", "s"),
		Registration: "AB12CDE",
	}

	attempt := 0
	client := testClient(t, DispatchRoutes, func(r *http.Request) (*http.Response, error) {
		attempt++
		return jsonResponse(http.StatusConflict, map[string]any{"success": false, "message": "Carrier already dispatched"}), nil
	})

	_, err := client.SubmitReconciliation(context.Background(), "c-1", []string{"CAGE001"}, proofs)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Permanent() {
		t.Fatalf("err=%v", err)
	}
	if err.Error() != "Carrier already dispatched" {
		t.Fatalf("message=%q", err.Error())
	}
	if attempt != 1 {
		t.Fatalf("attempts=%d", attempt)
	}
}

func TestSubmitReconciliationMissingAsset(t *testing.T) {
	client := testClient(t, DispatchRoutes, func(r *http.Request) (*http.Response, error) {
		t.Fatal("request should not be sent")
		return nil, nil
	})
	_, err := client.SubmitReconciliation(context.Background(), "c-1", []string{"CAGE001"}, internal.Proofs{Registration: "AB12CDE"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestMarkArrival(t *testing.T) {
	client := testClient(t, ScanToCageRoutes, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/api/v1/cages/K9/arrival" {
			t.Fatalf("path=%s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["arrivedAt"] != "2026-03-04T15:06:07Z" {
			t.Fatalf("body=%v", body)
		}
		return jsonResponse(http.StatusOK, map[string]any{"success": true}), nil
	})

	at := time.Date(2026, 3, 4, 15, 6, 7, 0, time.UTC)
	if err := client.MarkArrival(context.Background(), "K9", at); err != nil {
		t.Fatal(err)
	}
}

func TestMissingToken(t *testing.T) {
	client := testClient(t, DispatchRoutes, nil)
	client.cfg.WarehouseAPIToken = ""
	if _, err := client.FetchEligibleCodes(context.Background(), "c-1"); err == nil {
		t.Fatal("expected error")
	}
}
