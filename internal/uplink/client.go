// Package uplink 实现上游 CDN 回源：Client 负责单次 HTTP 拉取（熔断 + 有限重试），
// Cache 负责把拉取结果落盘并回填索引。
package uplink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"

	"github.com/any-hub/any-cdn/internal/version"
)

var (
	// ErrNoUplink 表示未配置上游，调用方应视为未找到。
	ErrNoUplink = errors.New("uplink is not configured")
	// ErrNotFound 表示上游明确返回了非成功状态。
	ErrNotFound = errors.New("file not found at upstream")
	// ErrUnavailable 表示网络错误、超时、5xx 或熔断打开。
	ErrUnavailable = errors.New("upstream unavailable")
)

// errRetryable 标记可以重试的响应（5xx / 429）。
var errRetryable = errors.New("retryable upstream status")

const (
	defaultBreakerThreshold = 5
	defaultInitialBackoff   = 200 * time.Millisecond
)

// ClientOptions 描述上游客户端参数。
type ClientOptions struct {
	Host             string
	HTTPClient       *http.Client
	MaxRetries       int
	InitialBackoff   time.Duration
	BreakerThreshold int64
}

// Client 复用共享 http.Client 访问 {host}/{flattened}/{version}/{file}。
type Client struct {
	host           string
	http           *http.Client
	maxRetries     int
	initialBackoff time.Duration
	breaker        *circuit.Breaker
}

// Response 是一次成功回源的结果，调用方负责关闭 Body。
type Response struct {
	URL          string
	Status       int
	Body         io.ReadCloser
	ContentType  string
	LastModified time.Time
}

// NewClient 校验上游地址并构造客户端。
func NewClient(opts ClientOptions) (*Client, error) {
	host := strings.TrimRight(strings.TrimSpace(opts.Host), "/")
	parsed, err := url.Parse(host)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid uplink host %q", opts.Host)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	threshold := opts.BreakerThreshold
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}

	breakerBackoff := backoff.NewExponentialBackOff()
	breakerBackoff.InitialInterval = 30 * time.Second
	breakerBackoff.MaxInterval = 5 * time.Minute
	breakerBackoff.Multiplier = 2.0
	breakerBackoff.Reset()

	return &Client{
		host:           host,
		http:           httpClient,
		maxRetries:     opts.MaxRetries,
		initialBackoff: initial,
		breaker: circuit.NewBreakerWithOptions(&circuit.Options{
			BackOff:    breakerBackoff,
			ShouldTrip: circuit.ThresholdTripFunc(threshold),
		}),
	}, nil
}

// Host 返回规范化后的上游地址（无结尾斜杠）。
func (c *Client) Host() string {
	return c.host
}

// URL 拼接上游文件地址，各路径段单独转义。
func (c *Client) URL(flattened, version, file string) string {
	segments := []string{url.PathEscape(flattened), url.PathEscape(version)}
	for _, part := range strings.Split(strings.TrimPrefix(file, "/"), "/") {
		if part != "" {
			segments = append(segments, url.PathEscape(part))
		}
	}
	return c.host + "/" + strings.Join(segments, "/")
}

// BreakerState 返回 open 或 closed，供健康检查展示。
func (c *Client) BreakerState() string {
	if c.breaker.Tripped() {
		return "open"
	}
	return "closed"
}

// Fetch 拉取单个文件。上游的“未找到”不计入熔断失败次数。
func (c *Client) Fetch(ctx context.Context, flattened, version, file string) (*Response, error) {
	target := c.URL(flattened, version, file)
	if !c.breaker.Ready() {
		return nil, fmt.Errorf("%w: circuit breaker open for %s", ErrUnavailable, c.host)
	}

	var (
		resp *http.Response
		miss error
	)
	err := c.breaker.Call(func() error {
		r, err := c.doWithRetry(ctx, target)
		if errors.Is(err, ErrNotFound) {
			miss = err
			return nil
		}
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, 0)
	if miss != nil {
		return nil, miss
	}
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := &Response{
		URL:         target,
		Status:      resp.StatusCode,
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			out.LastModified = t
		}
	}
	return out, nil
}

// doWithRetry 仅对 5xx/429 按指数退避重试，次数由 maxRetries 控制（默认 0）。
func (c *Client) doWithRetry(ctx context.Context, target string) (*http.Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.Reset()

	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, target)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, errRetryable) || attempt >= c.maxRetries {
			return nil, err
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (c *Client) do(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent("uplink"))
	req.Header.Set("Accept", "*/*")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		drain(resp.Body)
		return nil, fmt.Errorf("%w: %w: status %d", ErrUnavailable, errRetryable, resp.StatusCode)
	default:
		drain(resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrNotFound, resp.StatusCode)
	}
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
