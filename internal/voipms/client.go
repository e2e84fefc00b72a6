// Package voipms is the VoIP.ms REST adapter implementing remote.Client.
package voipms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/voipsms/internal/metrics"
	"github.com/matheus3301/voipsms/internal/remote"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://voip.ms"
	apiPath        = "/api/v1/rest.php"

	// maxWindow is the longest date range getSMS accepts in one call.
	maxWindow  = 90 * 24 * time.Hour
	dateLayout = "2006-01-02"
	timeLayout = "2006-01-02 15:04:05"
)

// CredentialsProvider returns the API username and password to use for the
// next request. It is called per request so reloaded credentials apply at once.
type CredentialsProvider func(ctx context.Context) (username, password string, err error)

type Options struct {
	BaseURL     string
	Credentials CredentialsProvider
	HTTPClient  *http.Client
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Limit caps the number of rows per getSMS call.
	Limit   int
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Client talks to the VoIP.ms REST API. Timestamps are requested and parsed
// in UTC.
type Client struct {
	baseURL     string
	credentials CredentialsProvider
	httpClient  *http.Client
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	limit       int
	now         func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

var _ remote.Client = (*Client)(nil)

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000000
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     baseURL,
		credentials: opts.Credentials,
		httpClient:  httpClient,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		limit:       limit,
		now:         now,
		logger:      logger,
		metrics:     opts.Metrics,
	}
}

// FetchMessages lists the messages of line from since until now. Long
// windows are split into consecutive getSMS calls of at most 90 days.
func (c *Client) FetchMessages(ctx context.Context, line string, since time.Time) ([]remote.Message, error) {
	var out []remote.Message
	for _, w := range windows(since.UTC(), c.now().UTC()) {
		params := url.Values{
			"did":      {line},
			"from":     {w.from.Format(dateLayout)},
			"to":       {w.to.Format(dateLayout)},
			"limit":    {strconv.Itoa(c.limit)},
			"timezone": {"0"},
		}
		var resp smsListResponse
		if err := c.call(ctx, "getSMS", params, true, &resp); err != nil {
			return nil, err
		}
		for _, raw := range resp.SMS {
			m, err := raw.toRemote()
			if err != nil {
				c.logger.Warn("skipping unparseable sms", zap.String("line", line), zap.String("id", raw.ID), zap.Error(err))
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// SendMessage submits one segment. Sends are never retried here: a timeout
// after the provider accepted the request would otherwise duplicate the SMS.
func (c *Client) SendMessage(ctx context.Context, line, contact, text string) (remote.Ack, error) {
	params := url.Values{
		"did":     {line},
		"dst":     {contact},
		"message": {text},
	}
	var resp sendResponse
	if err := c.call(ctx, "sendSMS", params, false, &resp); err != nil {
		return remote.Ack{}, err
	}
	id, err := resp.SMS.Int64()
	if err != nil || id <= 0 {
		return remote.Ack{}, &remote.RejectedError{Op: "sendSMS", Reason: fmt.Sprintf("unexpected sms id %q", resp.SMS)}
	}
	return remote.Ack{RemoteID: id, Timestamp: c.now()}, nil
}

func (c *Client) call(ctx context.Context, method string, params url.Values, retry bool, out statusReader) error {
	err := c.do(ctx, method, params, retry, out)
	c.metrics.ProviderRequest(method, err)
	return err
}

func (c *Client) do(ctx context.Context, method string, params url.Values, retry bool, out statusReader) error {
	if c.credentials == nil {
		return &remote.AuthError{Op: method, Reason: "no credentials configured"}
	}
	username, password, err := c.credentials(ctx)
	if err != nil {
		return fmt.Errorf("%s: credentials: %w", method, err)
	}
	if username == "" || password == "" {
		return &remote.AuthError{Op: method, Reason: "missing_credentials"}
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("api_username", username)
	q.Set("api_password", password)
	q.Set("method", method)
	endpoint := c.baseURL + apiPath + "?" + q.Encode()

	for attempt := 0; ; attempt++ {
		body, status, retryAfter, err := c.get(ctx, endpoint)
		if err == nil {
			err = decode(method, status, body, out)
		}
		if err == nil {
			return nil
		}
		if !retry || !remote.Retryable(err) || attempt >= c.maxRetries || ctx.Err() != nil {
			return err
		}
		delay := c.retryDelay(attempt+1, retryAfter)
		c.logger.Debug("retrying provider call", zap.String("method", method), zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		if waitErr := sleepContext(ctx, delay); waitErr != nil {
			return &remote.NetworkError{Op: method, Err: waitErr}
		}
	}
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL carries the password; keep it out of the error text.
		if uErr, ok := err.(*url.Error); ok {
			err = uErr.Err
		}
		return nil, 0, "", &remote.NetworkError{Op: "request", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, "", &remote.NetworkError{Op: "read response", Err: err}
	}
	return body, resp.StatusCode, resp.Header.Get("Retry-After"), nil
}

// decode maps the HTTP status and the provider's "status" field onto the
// remote error taxonomy, then unmarshals a successful body into out.
func decode(method string, httpStatus int, body []byte, out statusReader) error {
	switch {
	case httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden:
		return &remote.AuthError{Op: method, Reason: http.StatusText(httpStatus)}
	case httpStatus == http.StatusTooManyRequests || httpStatus >= 500:
		return &remote.NetworkError{Op: method, Err: fmt.Errorf("http status %d", httpStatus)}
	case httpStatus < 200 || httpStatus > 299:
		return &remote.RejectedError{Op: method, Reason: fmt.Sprintf("http status %d", httpStatus)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &remote.NetworkError{Op: method, Err: fmt.Errorf("decode response: %w", err)}
	}
	return classifyStatus(method, out.status())
}

func classifyStatus(method, status string) error {
	switch status {
	case "success", "no_sms":
		return nil
	case "invalid_credentials", "missing_credentials", "ip_not_enabled", "api_not_enabled", "invalid_user":
		return &remote.AuthError{Op: method, Reason: status}
	case "":
		return &remote.NetworkError{Op: method, Err: fmt.Errorf("response without status")}
	default:
		// invalid_dst, invalid_did, missing_did, sms_failed, message_empty,
		// limit_reached, sms_toolong and anything we do not know yet.
		return &remote.RejectedError{Op: method, Reason: status}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
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

type window struct {
	from, to time.Time
}

// windows splits [since, now] into consecutive ranges of at most maxWindow.
// A zero or future since yields a single window ending now.
func windows(since, now time.Time) []window {
	if since.IsZero() || !since.Before(now) {
		return []window{{from: now, to: now}}
	}
	var out []window
	for from := since; from.Before(now); {
		to := from.Add(maxWindow)
		if to.After(now) {
			to = now
		}
		out = append(out, window{from: from, to: to})
		// getSMS bounds are whole days and inclusive; start the next
		// chunk on the following day.
		from = startOfDay(to).Add(24 * time.Hour)
	}
	if len(out) == 0 {
		out = append(out, window{from: now, to: now})
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
