package browser

import (
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrafetch/astrafetch-go/src/configs"
	"github.com/astrafetch/astrafetch-go/src/interceptor"
	"github.com/astrafetch/astrafetch-go/src/streams"
)

type fakeSink struct {
	rec       *interceptor.Recorder
	passive   *interceptor.Passive
	navigated []string
}

func (s *fakeSink) Navigate(pageURL string) {
	s.navigated = append(s.navigated, pageURL)
	s.rec.Store().Reset()
	s.rec.Store().SetBaseURL(pageURL)
}

func (s *fakeSink) Passive() *interceptor.Passive { return s.passive }

func newTestWatcher() (*Watcher, *fakeSink, *streams.Store) {
	store := streams.NewStore(streams.Options{})
	rec := interceptor.NewRecorder(store, interceptor.RecorderOptions{})
	sink := &fakeSink{rec: rec, passive: rec.NewPassive()}
	return NewWatcher(rec, sink, nil), sink, store
}

func TestWatcher_RequestLifecycle(t *testing.T) {
	w, _, store := newTestWatcher()
	const u = "https://cdn.example.com/live/index.m3u8"

	w.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "1",
		Type:      proto.NetworkResourceTypeXHR,
		Request:   &proto.NetworkRequest{URL: u, Method: "GET"},
	})
	w.onResponse(&proto.NetworkResponseReceived{
		RequestID: "1",
		Response:  &proto.NetworkResponse{URL: u, Status: 200},
	})
	w.onFinished(&proto.NetworkLoadingFinished{RequestID: "1", EncodedDataLength: 512})

	e, ok := store.Get(u)
	require.True(t, ok)
	assert.Equal(t, "cdp", e.Source)
	assert.Equal(t, 1, e.Count)
	assert.Equal(t, "200", e.LastOutcome)
	assert.Equal(t, int64(512), e.TotalTransfer)

	// 重复的结束事件不会再记一次
	w.onFinished(&proto.NetworkLoadingFinished{RequestID: "1", EncodedDataLength: 512})
	e, _ = store.Get(u)
	assert.Equal(t, 1, e.Count)
}

func TestWatcher_LoadingFailed(t *testing.T) {
	w, _, store := newTestWatcher()
	const u = "https://cdn.example.com/v/clip.mp4"

	w.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "7",
		Type:      proto.NetworkResourceTypeMedia,
		Request:   &proto.NetworkRequest{URL: u, Method: "GET"},
	})
	w.onFailed(&proto.NetworkLoadingFailed{RequestID: "7", ErrorText: "net::ERR_FAILED"})

	e, ok := store.Get(u)
	require.True(t, ok)
	assert.Equal(t, interceptor.OutcomeError, e.LastOutcome)
	assert.Equal(t, 1, e.Failures)
}

func TestWatcher_IgnoresOtherResourceTypes(t *testing.T) {
	w, _, store := newTestWatcher()
	w.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "2",
		Type:      proto.NetworkResourceTypeScript,
		Request:   &proto.NetworkRequest{URL: "https://cdn.example.com/live/index.m3u8", Method: "GET"},
	})
	w.onRequest(&proto.NetworkRequestWillBeSent{RequestID: "3", Type: proto.NetworkResourceTypeXHR})
	assert.Equal(t, 0, store.Len())

	// 未知请求的结束事件直接忽略
	w.onFinished(&proto.NetworkLoadingFinished{RequestID: "99"})
	w.onResponse(&proto.NetworkResponseReceived{RequestID: "99"})
	assert.Equal(t, 0, store.Len())
}

func TestWatcher_Navigation(t *testing.T) {
	w, sink, store := newTestWatcher()

	// 子 frame 忽略
	w.onNavigated(&proto.PageFrameNavigated{Frame: &proto.PageFrame{ID: "f2", ParentID: "f1", URL: "https://ads.example.com/"}})
	w.onNavigated(&proto.PageFrameNavigated{Frame: &proto.PageFrame{ID: "f1", URL: "https://page.example.com/watch/1"}})
	assert.Empty(t, sink.navigated)
	assert.Equal(t, "https://page.example.com/watch/seg.m3u8", store.Normalize("seg.m3u8"))

	w.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "1",
		Type:      proto.NetworkResourceTypeFetch,
		Request:   &proto.NetworkRequest{URL: "https://cdn.example.com/a.m3u8", Method: "GET"},
	})
	assert.Equal(t, 1, store.Len())

	w.onNavigated(&proto.PageFrameNavigated{Frame: &proto.PageFrame{ID: "f1", URL: "https://page.example.com/watch/2"}})
	assert.Equal(t, []string{"https://page.example.com/watch/2"}, sink.navigated)
	assert.Equal(t, 0, store.Len())

	// 导航前未完成的请求被丢弃
	w.onFinished(&proto.NetworkLoadingFinished{RequestID: "1"})
	assert.Equal(t, 0, store.Len())
}

func TestWatcher_ObserveTimings(t *testing.T) {
	w, sink, store := newTestWatcher()
	const (
		u       = "https://cdn.example.com/live/index.m3u8"
		segment = "https://cdn.example.com/live/seg0.ts"
	)
	w.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "1",
		Type:      proto.NetworkResourceTypeXHR,
		Request:   &proto.NetworkRequest{URL: u, Method: "GET"},
	})
	w.onFinished(&proto.NetworkLoadingFinished{RequestID: "1", EncodedDataLength: 300})
	// 只登记、未经事件记录的 URL 由 Resource Timing 补充
	sink.rec.Observe(segment, "api", "GET", "")

	data := []byte(`[
		{"name":"` + u + `","initiatorType":"xmlhttprequest","startTime":10.5,"duration":20,"transferSize":300},
		{"name":"` + segment + `","initiatorType":"other","startTime":11,"duration":40,"transferSize":800},
		{"name":"` + segment + `","initiatorType":"other","startTime":11,"duration":40,"transferSize":800},
		{"name":"https://cdn.example.com/app.js","initiatorType":"script","startTime":1,"duration":2}
	]`)
	assert.Equal(t, 1, w.ObserveTimings(data))

	// 事件已经记录过的请求不会被重复计入
	e, _ := store.Get(u)
	assert.Equal(t, 1, e.Count)
	assert.Equal(t, int64(300), e.TotalTransfer)

	e, _ = store.Get(segment)
	assert.Equal(t, 1, e.Count)
	assert.Equal(t, int64(800), e.TotalTransfer)
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(configs.Browser{ControlURL: "ws://127.0.0.1:9222/devtools/browser/x", Headless: true, PollIntervalMs: 500})
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/x", opts.ControlURL)
	assert.True(t, opts.Headless)
	assert.Equal(t, 500*time.Millisecond, opts.PollInterval)

	opts = OptionsFromConfig(configs.Browser{})
	opts.defaults()
	assert.Equal(t, 2*time.Second, opts.PollInterval)
	assert.NotNil(t, opts.Logger)
}
