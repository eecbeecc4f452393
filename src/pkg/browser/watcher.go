package browser

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"

	"github.com/astrafetch/astrafetch-go/src/interceptor"
	afsentry "github.com/astrafetch/astrafetch-go/src/pkg/sentry"
)

// Sink 接收页面事件，由 *instance.Instance 实现
type Sink interface {
	Navigate(pageURL string)
	Passive() *interceptor.Passive
}

type pendingCall struct {
	call   *interceptor.ObservedCall
	status int
}

// Watcher 把 Network/Page 域事件转换为观测记录
type Watcher struct {
	rec    *interceptor.Recorder
	sink   Sink
	logger *logrus.Entry

	mu        sync.Mutex
	calls     map[proto.NetworkRequestID]*pendingCall
	navigated bool
}

func NewWatcher(rec *interceptor.Recorder, sink Sink, logger *logrus.Entry) *Watcher {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "browser")
	}
	return &Watcher{
		rec:    rec,
		sink:   sink,
		logger: logger,
		calls:  make(map[proto.NetworkRequestID]*pendingCall),
	}
}

// Attach 开启 Network 与 Page 域并在后台处理事件
func (w *Watcher) Attach(ctx context.Context, page *rod.Page) error {
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return err
	}
	if err := (proto.PageEnable{}).Call(page); err != nil {
		return err
	}
	wait := page.Context(ctx).EachEvent(
		w.onRequest,
		w.onResponse,
		w.onFinished,
		w.onFailed,
		w.onNavigated,
	)
	afsentry.GoWithContext(ctx, func(context.Context) { wait() })
	return nil
}

func initiatorFor(t proto.NetworkResourceType) (string, bool) {
	switch t {
	case proto.NetworkResourceTypeXHR:
		return "xmlhttprequest", true
	case proto.NetworkResourceTypeFetch:
		return "fetch", true
	case proto.NetworkResourceTypeMedia, proto.NetworkResourceTypeOther:
		return string(t), true
	}
	return "", false
}

func (w *Watcher) onRequest(e *proto.NetworkRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	initiator, ok := initiatorFor(e.Type)
	if !ok {
		return
	}
	call := w.rec.Begin(interceptor.EventDrivenCall, e.Request.URL, e.Request.Method, "cdp", initiator)
	w.mu.Lock()
	w.calls[e.RequestID] = &pendingCall{call: call}
	w.mu.Unlock()
}

func (w *Watcher) onResponse(e *proto.NetworkResponseReceived) {
	if e.Response == nil {
		return
	}
	w.mu.Lock()
	if p, ok := w.calls[e.RequestID]; ok {
		p.status = e.Response.Status
	}
	w.mu.Unlock()
}

func (w *Watcher) take(id proto.NetworkRequestID) *pendingCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.calls[id]
	if !ok {
		return nil
	}
	delete(w.calls, id)
	return p
}

func (w *Watcher) onFinished(e *proto.NetworkLoadingFinished) {
	if p := w.take(e.RequestID); p != nil {
		w.rec.Finish(p.call, p.status, int64(e.EncodedDataLength), nil)
	}
}

type loadingFailed string

func (e loadingFailed) Error() string { return string(e) }

func (w *Watcher) onFailed(e *proto.NetworkLoadingFailed) {
	if p := w.take(e.RequestID); p != nil {
		w.rec.Finish(p.call, 0, 0, loadingFailed(e.ErrorText))
	}
}

// onNavigated 主 frame 第一次导航只设置基准 URL，之后每次导航都清空
func (w *Watcher) onNavigated(e *proto.PageFrameNavigated) {
	if e.Frame == nil || e.Frame.ParentID != "" {
		return
	}
	w.mu.Lock()
	first := !w.navigated
	w.navigated = true
	w.calls = make(map[proto.NetworkRequestID]*pendingCall)
	w.mu.Unlock()

	if first {
		w.rec.Store().SetBaseURL(e.Frame.URL)
		return
	}
	w.logger.WithField("url", e.Frame.URL).Info("page navigated, resetting")
	w.sink.Navigate(e.Frame.URL)
}

const resourceTimingJS = `() => JSON.stringify(performance.getEntriesByType("resource").map(e => ({
	name: e.name,
	initiatorType: e.initiatorType,
	startTime: e.startTime,
	duration: e.duration,
	transferSize: e.transferSize,
	encodedBodySize: e.encodedBodySize
})))`

// Poll 定期读取 Resource Timing 交给被动观测，直到 ctx 结束
func (w *Watcher) Poll(ctx context.Context, page *rod.Page, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		res, err := page.Context(ctx).Eval(resourceTimingJS)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.WithError(err).Debug("read resource timing failed")
			}
			continue
		}
		w.ObserveTimings([]byte(res.Value.Str()))
	}
}

// ObserveTimings 处理一批 JSON 格式的 Resource Timing
func (w *Watcher) ObserveTimings(data []byte) int {
	return w.sink.Passive().Observe(interceptor.ParseResourceTimings(data)...)
}
