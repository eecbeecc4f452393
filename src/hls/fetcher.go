//go:generate go run go.uber.org/mock/mockgen -package hls -destination mock_fetcher_test.go github.com/astrafetch/astrafetch-go/src/hls Fetcher
package hls

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hr3lxphr6j/requests"

	"github.com/astrafetch/astrafetch-go/src/pkg/ratelimit"
)

// Fetcher 获取播放列表或分段的完整内容，非 2xx 返回 *StatusError
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// StatusError 服务端返回了非 2xx 状态码
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return "HTTP " + strconv.Itoa(e.Code)
}

// HTTPFetcher 基于 requests.Session 的实现，同时提供清晰度探测需要的 HEAD 与 Range 请求
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	limiter   *ratelimit.HostRateLimiter
}

func NewHTTPFetcher(client *http.Client, userAgent string, limiter *ratelimit.HostRateLimiter) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, userAgent: userAgent, limiter: limiter}
}

// requestTransport 把调用方的 context 与附加请求头带到每个请求上
type requestTransport struct {
	ctx    context.Context
	base   http.RoundTripper
	header http.Header
}

func (t *requestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(t.ctx)
	for k, vs := range t.header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	return t.base.RoundTrip(r)
}

func (f *HTTPFetcher) session(ctx context.Context, header http.Header) *requests.Session {
	base := f.client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return requests.NewSession(&http.Client{
		Transport: &requestTransport{ctx: ctx, base: base, header: header},
		Timeout:   f.client.Timeout,
		Jar:       f.client.Jar,
	})
}

func (f *HTTPFetcher) wait(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if !f.limiter.Wait(ctx, u.Host) {
		return ctx.Err()
	}
	return nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := f.wait(ctx, rawURL); err != nil {
		return nil, err
	}
	resp, err := f.session(ctx, nil).Get(rawURL, requests.UserAgent(f.userAgent))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}
	return resp.Bytes()
}

// Head 返回状态码；传输层失败返回 error
func (f *HTTPFetcher) Head(ctx context.Context, rawURL string) (int, error) {
	if err := f.wait(ctx, rawURL); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// GetRange 请求前 n 个字节，返回状态码
func (f *HTTPFetcher) GetRange(ctx context.Context, rawURL string, n int) (int, error) {
	if err := f.wait(ctx, rawURL); err != nil {
		return 0, err
	}
	header := http.Header{}
	header.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))
	resp, err := f.session(ctx, header).Get(rawURL, requests.UserAgent(f.userAgent))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// 服务端忽略 Range 时最多读 n 字节
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, int64(n)))
	return resp.StatusCode, nil
}
