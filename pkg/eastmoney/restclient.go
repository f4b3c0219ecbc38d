package eastmoney

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	listPath      = "/api/qt/ulist.np/get"
	flowKlinePath = "/api/qt/stock/fflow/kline/get"

	callbackID = "112303110525374636799"
)

type RESTClient struct {
	baseURL    string
	ut         string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger

	maxRetries   int
	retryBackoff time.Duration

	now func() time.Time
}

// Option configures a RESTClient.
type Option func(*RESTClient)

// WithUT sets the static ut token sent with every request.
func WithUT(ut string) Option {
	return func(c *RESTClient) { c.ut = ut }
}

// WithUserAgent sets the User-Agent header. The provider rejects non-browser agents.
func WithUserAgent(ua string) Option {
	return func(c *RESTClient) { c.userAgent = ua }
}

// WithRateLimit limits outgoing requests; rps <= 0 disables the limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *RESTClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry retries network failures up to maxRetries times with jittered exponential backoff.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(c *RESTClient) {
		c.maxRetries = maxRetries
		c.retryBackoff = backoff
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *RESTClient) { c.logger = logger }
}

func NewRESTClient(baseURL string, timeout time.Duration, opts ...Option) *RESTClient {
	c := &RESTClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		logger:       zap.NewNop(),
		retryBackoff: 500 * time.Millisecond,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RESTClient) HTTPClient() *http.Client {
	return c.httpClient
}

// GetFlowFields fetches the latest values of fields for one secid (e.g. "1.600001").
// Every requested field must be present in the payload; values reported as "-" are omitted.
func (c *RESTClient) GetFlowFields(ctx context.Context, secid string, fields []string) (FlowFields, error) {
	ms := c.now().UnixMilli()
	query := url.Values{}
	query.Set("cb", fmt.Sprintf("jQuery%s_%d", callbackID, ms))
	query.Set("fltt", "2")
	query.Set("secids", secid)
	query.Set("fields", strings.Join(fields, ","))
	query.Set("ut", c.ut)
	query.Set("_", strconv.FormatInt(ms+1, 10))

	var result ListResult
	if err := c.get(ctx, listPath, query, &result); err != nil {
		return nil, err
	}

	item, err := firstDiff(result.Diff)
	if err != nil {
		return nil, err
	}

	out := make(FlowFields, len(fields))
	for _, f := range fields {
		raw, ok := item[f]
		if !ok {
			return nil, fmt.Errorf("%w: field %s missing for %s", ErrSchema, f, secid)
		}
		v, present, err := parseValue(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s for %s: %v", ErrSchema, f, secid, err)
		}
		if present {
			out[f] = v
		}
	}

	return out, nil
}

// GetFlowKlines fetches today's one-minute fund-flow klines for secid, from the open to now.
func (c *RESTClient) GetFlowKlines(ctx context.Context, secid string, loc *time.Location) ([]FlowKline, error) {
	ms := c.now().UnixMilli()
	query := url.Values{}
	query.Set("cb", fmt.Sprintf("jQuery%s_%d", callbackID, ms))
	query.Set("lmt", "0")
	query.Set("klt", "1")
	query.Set("fields1", "f1,f2,f3,f7")
	query.Set("fields2", "f51,f52,f53,f54,f55,f56,f57,f58,f59,f60,f61,f62,f63,f64,f65")
	query.Set("ut", c.ut)
	query.Set("secid", secid)
	query.Set("_", strconv.FormatInt(ms+1, 10))

	var result FlowKlineResult
	if err := c.get(ctx, flowKlinePath, query, &result); err != nil {
		return nil, err
	}

	klines := ParseFlowKlineList(result.Klines, loc)
	if len(klines) == 0 {
		return nil, fmt.Errorf("%w: no flow klines for %s", ErrSchema, secid)
	}
	return klines, nil
}

// get performs a GET request with retries, unwraps the JSONP envelope and decodes data into result.
func (c *RESTClient) get(ctx context.Context, path string, query url.Values, result any) error {
	body, err := c.doWithRetry(ctx, path, query)
	if err != nil {
		return err
	}

	payload, err := UnwrapJSONP(body)
	if err != nil {
		return err
	}

	var rawResp Response
	if err := json.Unmarshal(payload, &rawResp); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrParse, err)
	}

	data := bytes.TrimSpace(rawResp.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: missing data (rc=%d)", ErrSchema, rawResp.RC)
	}

	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("%w: decode data: %v", ErrParse, err)
	}
	return nil
}

// doWithRetry performs the request with exponential backoff retry.
func (c *RESTClient) doWithRetry(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int63n(int64(backoff)+1))
			c.logger.Debug("retrying request",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", jitter),
				zap.String("path", path),
				zap.Error(lastErr),
			)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrNetwork, ctx.Err())
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := c.doRequest(ctx, path, query)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
			return nil, err
		}
	}

	if c.maxRetries == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *RESTClient) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %w", ErrNetwork, err)
		}
	}

	endpoint := c.baseURL + path + "?" + query.Encode()

	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", "https://data.eastmoney.com/")

	// Execute the HTTP request
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: making request: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrNetwork, err)
	}

	// Check HTTP status code
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	return body, nil
}
