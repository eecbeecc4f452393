package interceptor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	afsentry "github.com/astrafetch/astrafetch-go/src/pkg/sentry"
)

var (
	ErrNotOpened   = errors.New("request not opened")
	ErrAlreadySent = errors.New("request already sent")
)

// EventRequest Open/Send 形态的请求。
// Send 后在后台执行，采样记录完成后依次调用 loadend 回调。
type EventRequest struct {
	rec    *Recorder
	client *http.Client

	mu        sync.Mutex
	method    string
	url       string
	header    http.Header
	sent      bool
	listeners []func(*EventRequest)

	status int
	body   []byte
	err    error
	done   chan struct{}
}

func (r *Recorder) NewEventRequest(client *http.Client) *EventRequest {
	if client == nil {
		client = http.DefaultClient
	}
	return &EventRequest{
		rec:    r,
		client: client,
		header: http.Header{},
		done:   make(chan struct{}),
	}
}

// Open 登记请求，method 为空时视为 GET
func (x *EventRequest) Open(method, rawURL string) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	x.mu.Lock()
	x.method, x.url = method, rawURL
	x.mu.Unlock()
	x.rec.Observe(rawURL, "xhr", method, "xmlhttprequest")
}

func (x *EventRequest) SetRequestHeader(key, value string) {
	x.mu.Lock()
	x.header.Add(key, value)
	x.mu.Unlock()
}

// OnLoadEnd 注册结束回调；已结束时立即调用
func (x *EventRequest) OnLoadEnd(fn func(*EventRequest)) {
	x.mu.Lock()
	select {
	case <-x.done:
		x.mu.Unlock()
		fn(x)
		return
	default:
	}
	x.listeners = append(x.listeners, fn)
	x.mu.Unlock()
}

// Send 发起请求后立即返回
func (x *EventRequest) Send(ctx context.Context, body io.Reader) error {
	x.mu.Lock()
	if x.url == "" {
		x.mu.Unlock()
		return ErrNotOpened
	}
	if x.sent {
		x.mu.Unlock()
		return ErrAlreadySent
	}
	x.sent = true
	method, rawURL, header := x.method, x.url, x.header.Clone()
	x.mu.Unlock()

	call := x.rec.Begin(EventDrivenCall, rawURL, method, "xhr", "xmlhttprequest")
	afsentry.GoWithContext(ctx, func(ctx context.Context) {
		status, data, err := x.do(ctx, method, rawURL, header, body)
		x.rec.Finish(call, status, int64(len(data)), err)

		x.mu.Lock()
		x.status, x.body, x.err = status, data, err
		listeners := x.listeners
		x.listeners = nil
		close(x.done)
		x.mu.Unlock()

		for _, fn := range listeners {
			afsentry.Safe("interceptor.loadend", func() { fn(x) })
		}
	})
	return nil
}

func (x *EventRequest) do(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header = header
	resp, err := x.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, data, err
	}
	return resp.StatusCode, data, nil
}

// Wait 阻塞直到 loadend
func (x *EventRequest) Wait(ctx context.Context) error {
	select {
	case <-x.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status 0 表示传输层失败
func (x *EventRequest) Status() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

func (x *EventRequest) Response() []byte {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.body
}

func (x *EventRequest) Err() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.err
}
