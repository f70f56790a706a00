package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	"github.com/any-hub/any-cdn/internal/config"
)

const defaultUpstreamTimeout = 30 * time.Second

// NewUpstreamClient 返回访问上游 CDN 的共享 http.Client：长连接复用，
// 拨号前先查询进程内 DNS 缓存。DNSRefreshInterval > 0 时后台定期刷新缓存，
// ctx 结束后刷新协程退出。
func NewUpstreamClient(ctx context.Context, cfg *config.Config) *http.Client {
	timeout := defaultUpstreamTimeout
	var refresh time.Duration
	if cfg != nil {
		if d := cfg.Global.UpstreamTimeout.DurationValue(); d > 0 {
			timeout = d
		}
		refresh = cfg.Global.DNSRefreshInterval.DurationValue()
	}

	resolver := &dnscache.Resolver{}
	if refresh > 0 {
		go refreshDNS(ctx, resolver, refresh)
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(resolver),
	}
}

func newTransport(resolver *dnscache.Resolver) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, fmt.Errorf("dial %s: %w", addr, lastErr)
		},
	}
}

func refreshDNS(ctx context.Context, resolver *dnscache.Resolver, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}
