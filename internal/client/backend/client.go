// Package backend talks to the order-management admin API: paged order
// listing, channel listing and the per-order resync action.
package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/ZRnown/dingdanBot/internal/config"
	"github.com/ZRnown/dingdanBot/internal/metrics"
	"github.com/ZRnown/dingdanBot/internal/refund"
)

const (
	pathOrderList   = "/admin/orderList"
	pathChannelList = "/admin/sheQuList"
	pathResync      = "/admin/userTb"

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/142.0.0.0 Safari/537.36"
)

var (
	// ErrUnavailable means every attempt failed at the transport or HTTP level.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrUpstream means the backend answered with a non-zero error code.
	ErrUpstream = errors.New("backend returned an error code")
)

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

type Client struct {
	Detector refund.Detector
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	http       *resty.Client
	location   *time.Location
	maxRetries int
	retryUnit  time.Duration
	expTime    int
}

func NewClient(cfg config.BackendConfig, loc *time.Location) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	rc := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeaders(map[string]string{
			"Accept":          "application/json, text/plain, */*",
			"Accept-Language": "zh-CN,zh;q=0.9,en;q=0.6",
			"Authorization":   cfg.Authorization,
			"Referer":         base + "/admin.html",
			"Origin":          base,
			"User-Agent":      userAgent,
		}).
		SetCookies(ParseCookies(cfg.Cookie))
	if cfg.InsecureSkipVerify {
		rc.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec
	}
	if loc == nil {
		loc = time.Local
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	expTime := cfg.ExpTime
	if expTime <= 0 {
		expTime = 2
	}
	return &Client{
		Detector:   refund.NewKeywordDetector(),
		http:       rc,
		location:   loc,
		maxRetries: maxRetries,
		retryUnit:  cfg.RetryUnit,
		expTime:    expTime,
	}
}

// ParseCookies splits a "k=v; k2=v2" header value.
func ParseCookies(raw string) []*http.Cookie {
	var out []*http.Cookie
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		key, value, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		out = append(out, &http.Cookie{Name: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	return out
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Client) detector() refund.Detector {
	if c.Detector == nil {
		return refund.NewKeywordDetector()
	}
	return c.Detector
}

// get performs one GET and returns the body of a 2xx response.
func (c *Client) get(ctx context.Context, endpoint, path string, query map[string]string) ([]byte, error) {
	started := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(path)
	return c.finish(endpoint, started, resp, err)
}

// postForm performs one multipart POST and returns the body of a 2xx response.
func (c *Client) postForm(ctx context.Context, endpoint, path string, form map[string]string) ([]byte, error) {
	started := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartFormData(form).
		Post(path)
	return c.finish(endpoint, started, resp, err)
}

func (c *Client) finish(endpoint string, started time.Time, resp *resty.Response, err error) ([]byte, error) {
	took := time.Since(started)
	if err != nil {
		c.Metrics.RecordBackendRequest(endpoint, "transport_error", took)
		return nil, fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	if !resp.IsSuccess() {
		c.Metrics.RecordBackendRequest(endpoint, "http_error", took)
		return nil, &APIError{Status: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}
	c.Metrics.RecordBackendRequest(endpoint, "ok", took)
	return resp.Body(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
