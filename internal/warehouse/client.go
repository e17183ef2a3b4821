package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"cagescan/internal"
	"cagescan/internal/config"
)

// Routes are path templates relative to the API base URL; %s is the entity ID.
type Routes struct {
	Eligible string
	Submit   string
	Arrival  string
}

var (
	DispatchRoutes = Routes{
		Eligible: "carriers/%s/open-cages",
		Submit:   "carriers/%s/dispatch",
		Arrival:  "carriers/%s/arrival",
	}
	ScanToCageRoutes = Routes{
		Eligible: "cages/%s/pending-parcels",
		Submit:   "cages/%s/load",
		Arrival:  "cages/%s/arrival",
	}
)

// APIError carries the server's message so it can be shown verbatim.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("warehouse api status %d", e.Status)
}

// Permanent reports whether retrying the same submission cannot succeed,
// e.g. the entity was already closed by another station.
func (e *APIError) Permanent() bool {
	return e.Status == http.StatusConflict || e.Status == http.StatusGone
}

type Client struct {
	cfg        config.Config
	routes     Routes
	httpClient *http.Client
	limiter    *RateLimiter
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
	Data    json.RawMessage `json:"data"`
}

type eligiblePayload struct {
	Codes []string `json:"codes"`
	Items []struct {
		Code    string `json:"code"`
		Barcode string `json:"barcode"`
	} `json:"items"`
}

type submitPayload struct {
	Message string `json:"message"`
}

func NewClient(cfg config.Config, routes Routes) *Client {
	return &Client{
		cfg:        cfg,
		routes:     routes,
		httpClient: &http.Client{Timeout: time.Duration(cfg.WarehouseTimeoutMs) * time.Millisecond},
		limiter:    NewRateLimiter(cfg.WarehouseRateLimitRPS),
	}
}

func (c *Client) FetchEligibleCodes(ctx context.Context, entityID string) ([]string, error) {
	body, err := c.getJSON(ctx, fmt.Sprintf(c.routes.Eligible, url.PathEscape(entityID)))
	if err != nil {
		return nil, err
	}

	var payload eligiblePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(payload.Codes)+len(payload.Items))
	for _, code := range payload.Codes {
		if strings.TrimSpace(code) != "" {
			codes = append(codes, code)
		}
	}
	for _, item := range payload.Items {
		code := item.Code
		if code == "" {
			code = item.Barcode
		}
		if strings.TrimSpace(code) != "" {
			codes = append(codes, code)
		}
	}
	return codes, nil
}

// SubmitReconciliation posts once; a mutation is never retried by the client.
func (c *Client) SubmitReconciliation(ctx context.Context, entityID string, codes []string, proofs internal.Proofs) (internal.SubmitResult, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	codesJSON, _ := json.Marshal(codes)
	_ = w.WriteField("codes", string(codesJSON))
	_ = w.WriteField("registration", proofs.Registration)
	if err := attachAsset(w, "photo", proofs.Photo); err != nil {
		return internal.SubmitResult{}, err
	}
	if err := attachAsset(w, "signature", proofs.Signature); err != nil {
		return internal.SubmitResult{}, err
	}
	if err := w.Close(); err != nil {
		return internal.SubmitResult{}, err
	}

	body, err := c.send(ctx, http.MethodPost, fmt.Sprintf(c.routes.Submit, url.PathEscape(entityID)), buf.Bytes(), w.FormDataContentType())
	if err != nil {
		return internal.SubmitResult{}, err
	}

	var payload submitPayload
	if len(body) > 0 && string(body) != "null" {
		_ = json.Unmarshal(body, &payload)
	}
	return internal.SubmitResult{Message: payload.Message}, nil
}

func (c *Client) MarkArrival(ctx context.Context, entityRef string, at time.Time) error {
	blob, _ := json.Marshal(map[string]string{"arrivedAt": at.UTC().Format(time.RFC3339)})
	_, err := c.send(ctx, http.MethodPost, fmt.Sprintf(c.routes.Arrival, url.PathEscape(entityRef)), blob, "application/json")
	return err
}

func attachAsset(w *multipart.Writer, field string, asset *internal.Asset) error {
	if asset == nil {
		return fmt.Errorf("missing %s asset", field)
	}
	f, err := os.Open(asset.URI)
	if err != nil {
		return fmt.Errorf("open %s asset: %w", field, err)
	}
	defer f.Close()

	part, err := w.CreateFormFile(field, asset.Name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

func (c *Client) getJSON(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		body, err := c.send(ctx, http.MethodGet, endpoint, nil, "")
		if err == nil {
			return body, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !isRetryableStatus(apiErr.Status) {
			return nil, err
		}
		if ctx.Err() != nil || attempt == 5 {
			break
		}
		backoff := time.Duration(250*(1<<(attempt-1))+rand.Intn(100)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if lastErr == nil {
		lastErr = errors.New("warehouse request failed")
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte, contentType string) ([]byte, error) {
	if strings.TrimSpace(c.cfg.WarehouseAPIToken) == "" {
		return nil, errors.New("missing WAREHOUSE_API_TOKEN")
	}
	u, err := url.Parse(strings.TrimRight(c.cfg.WarehouseAPIBaseURL, "/") + "/" + endpoint)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.WaitTurn(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.WarehouseAPIToken)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}

	var apiResp apiResponse
	decodeErr := json.Unmarshal(body, &apiResp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := ""
		if decodeErr == nil {
			msg = apiResp.Message
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	if !apiResp.Success {
		msg := apiResp.Message
		if msg == "" {
			msg = string(apiResp.Errors)
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return apiResp.Data, nil
}

func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
