package migrate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// PageEnvelope is the list-response shape both help-desk APIs share.
type PageEnvelope struct {
	Data       []map[string]any `json:"data"`
	Pagination struct {
		TotalPages int `json:"total_pages"`
	} `json:"pagination"`
}

const rateLimitRemainingHeader = "X-Rate-Limit-Remaining"

type HelpDeskClientOptions struct {
	Target     string
	BaseURL    string
	APIKey     string
	UserAgent  string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Limiter    *RateLimiter
	Logger     Logger
}

// HelpDeskClient talks to one remote help-desk target. Every request passes
// the target's rate limiter checkpoint, and every response's remaining-quota
// header is fed back to it.
type HelpDeskClient struct {
	target     string
	baseURL    string
	authHeader string
	userAgent  string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	limiter    *RateLimiter
	logger     Logger
}

func NewHelpDeskClient(opts HelpDeskClientOptions) *HelpDeskClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	authHeader := ""
	if key := strings.TrimSpace(opts.APIKey); key != "" {
		authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(key))
	}
	return &HelpDeskClient{
		target:     strings.TrimSpace(opts.Target),
		baseURL:    baseURL,
		authHeader: authHeader,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		limiter:    opts.Limiter,
		logger:     logger,
	}
}

// ListPage fetches one page of a paginated list endpoint. Page numbers start
// at 1; the page parameter is omitted for the first page, matching what the
// remote expects.
func (c *HelpDeskClient) ListPage(ctx context.Context, endpoint string, page int) (PageEnvelope, error) {
	requestPath := joinEndpoint(endpoint)
	if page > 1 {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		requestPath += "?" + q.Encode()
	}
	var out PageEnvelope
	err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out)
	return out, err
}

// Create POSTs a payload and returns the created resource document.
func (c *HelpDeskClient) Create(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodPost, joinEndpoint(endpoint), payload, &out)
	return out, err
}

// Update PUTs a partial document to an existing resource.
func (c *HelpDeskClient) Update(ctx context.Context, endpoint string, payload map[string]any) error {
	return c.doJSON(ctx, http.MethodPut, joinEndpoint(endpoint), payload, nil)
}

func (c *HelpDeskClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	if c == nil {
		return fmt.Errorf("help desk client is nil")
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlationID := "hd_" + uuid.NewString()

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.authHeader != "" {
			req.Header.Set("Authorization", c.authHeader)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		c.observeRemaining(resp)

		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		return &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(payloadBytes)),
		}
	}
}

func (c *HelpDeskClient) observeRemaining(resp *http.Response) {
	if c.limiter == nil {
		return
	}
	raw := strings.TrimSpace(resp.Header.Get(rateLimitRemainingHeader))
	if raw == "" {
		return
	}
	remaining, err := strconv.Atoi(raw)
	if err != nil || remaining < 0 {
		return
	}
	c.limiter.ObserveRemaining(remaining)
}

func (c *HelpDeskClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func joinEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return endpoint
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
