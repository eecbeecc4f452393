package interceptor

import (
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

// Transport 包装 http.RoundTripper，记录每个请求的耗时与状态。
// 状态码、响应头与错误和底层 RoundTripper 完全一致；有响应体时，
// 采样在响应体读到 EOF 或被关闭时写入，传输量按实际读到的字节计算。
type Transport struct {
	Base http.RoundTripper
	rec  *Recorder
}

func (r *Recorder) Transport(base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, rec: r}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	call := t.rec.Begin(PromiseCall, req.URL.String(), req.Method, "fetch", "fetch")
	resp, err := t.Base.RoundTrip(req)
	if err != nil || resp == nil || resp.Body == nil {
		status, transfer := 0, int64(0)
		if resp != nil {
			status = resp.StatusCode
			transfer = resp.ContentLength
		}
		t.rec.Finish(call, status, transfer, err)
		return resp, err
	}
	status, declared := resp.StatusCode, resp.ContentLength
	resp.Body = &countingBody{
		ReadCloser: resp.Body,
		finish: func(n int64, readErr error) {
			// 未读完就关闭时按声明的长度计
			if n < declared {
				n = declared
			}
			t.rec.Finish(call, status, n, readErr)
		},
	}
	return resp, nil
}

// countingBody 统计读到的字节数，EOF、读错误或 Close 时回调一次
type countingBody struct {
	io.ReadCloser
	n      atomic.Int64
	once   sync.Once
	finish func(n int64, err error)
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n.Add(int64(n))
	switch {
	case err == io.EOF:
		b.done(nil)
	case err != nil:
		b.done(err)
	}
	return n, err
}

func (b *countingBody) Close() error {
	err := b.ReadCloser.Close()
	b.done(nil)
	return err
}

func (b *countingBody) done(err error) {
	b.once.Do(func() { b.finish(b.n.Load(), err) })
}

// Client 返回使用该 Transport 的 http.Client
func (r *Recorder) Client(base *http.Client) *http.Client {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}
	c.Transport = r.Transport(c.Transport)
	return c
}
