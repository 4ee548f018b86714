package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type httpExecutor struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

// NewHTTPExecutor builds the production Executor from env:
//
// - COLLAB_API_BASE_URL (default https://api.craftlink.io)
// - COLLAB_API_KEY_HEADER (default X-API-Key)
// - COLLAB_RATE_LIMIT_PER_MIN (default 60)
func NewHTTPExecutor(apiKey string) (Executor, error) {
	baseURL := strings.TrimSpace(os.Getenv("COLLAB_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.craftlink.io"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("COLLAB_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("collab api key is empty")
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("COLLAB_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &httpExecutor{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

func (c *httpExecutor) UploadDocument(ctx context.Context, req UploadDocumentRequest) (*Document, error) {
	body, err := c.postJSON(ctx, "/v1/documents", nil, req)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *httpExecutor) AppendThreadMessage(ctx context.Context, req AppendMessageRequest) error {
	headers := map[string]string{}
	if req.MessageId != "" {
		headers["X-Idempotency-Key"] = req.MessageId
	}
	path := fmt.Sprintf("/v1/threads/%s/messages", url.PathEscape(req.ThreadId))
	_, err := c.postJSON(ctx, path, headers, req)
	return err
}

type listDocumentsResponse struct {
	Data  []Document `json:"data"`
	Items []Document `json:"items"`
}

func (c *httpExecutor) ListDocuments(ctx context.Context, relatedEntityId string) ([]Document, error) {
	<-c.limiter
	params := url.Values{}
	params.Set("relatedEntityId", relatedEntityId)
	endpoint := c.baseURL + "/v1/documents?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("collab api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed listDocumentsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if parsed.Data != nil {
		return parsed.Data, nil
	}
	return parsed.Items, nil
}

func (c *httpExecutor) postJSON(ctx context.Context, path string, headers map[string]string, payload any) ([]byte, error) {
	<-c.limiter
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("collab api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
