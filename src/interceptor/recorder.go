// Package interceptor 观测出站请求并把耗时、状态写入 streams.Store。
// 观测逻辑出错不会改变请求本身的结果。
package interceptor

import (
	"strconv"
	"time"

	"github.com/bluele/gcache"
	"github.com/sirupsen/logrus"

	"github.com/astrafetch/astrafetch-go/src/mediaurl"
	afsentry "github.com/astrafetch/astrafetch-go/src/pkg/sentry"
	"github.com/astrafetch/astrafetch-go/src/streams"
)

// Kind 请求的调用形态
type Kind int

const (
	// PromiseCall 发起后等待结果，对应 RoundTripper
	PromiseCall Kind = iota
	// EventDrivenCall 先 Open 再 Send，结束时回调 loadend
	EventDrivenCall
)

func (k Kind) String() string {
	if k == EventDrivenCall {
		return "event"
	}
	return "promise"
}

// ObservedCall 一次被观测的请求
type ObservedCall struct {
	Kind      Kind
	URL       string
	Method    string
	Source    string
	Initiator string
	Start     time.Time
}

// OutcomeError 传输层失败时的 outcome
const OutcomeError = "ERR"

type RecorderOptions struct {
	// OnCreated 新建 entry 后调用，在观测钩子内执行
	OnCreated func(e *streams.Entry)
	Logger    *logrus.Entry
}

// Recorder 两种调用形态共用的记录入口
type Recorder struct {
	store *streams.Store
	opts  RecorderOptions
	// active 主动拦截过的 URL，被动观测跳过这些 URL
	active gcache.Cache
}

func NewRecorder(store *streams.Store, opts RecorderOptions) *Recorder {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Recorder{
		store:  store,
		opts:   opts,
		active: gcache.New(4096).LRU().Build(),
	}
}

// Intercepted URL 是否已经由主动拦截记录
func (r *Recorder) Intercepted(rawURL string) bool {
	return r.active.Has(r.store.Normalize(rawURL))
}

// Reset 清空主动拦截记录
func (r *Recorder) Reset() {
	r.active.Purge()
}

// Store 返回记录目标
func (r *Recorder) Store() *streams.Store {
	return r.store
}

// Observe 登记一次观测（不产生采样），返回 entry 快照，被过滤时为 nil
func (r *Recorder) Observe(rawURL, source, method, initiator string) *streams.Entry {
	var entry *streams.Entry
	afsentry.Safe("interceptor.observe", func() {
		e, created := r.store.Upsert(rawURL, source, method, initiator)
		entry = e
		if created && r.opts.OnCreated != nil {
			r.opts.OnCreated(e)
		}
	})
	return entry
}

// Begin 开始一次观测，CDP 等外部事件源也从这里接入
func (r *Recorder) Begin(kind Kind, rawURL, method, source, initiator string) *ObservedCall {
	call := &ObservedCall{
		Kind:      kind,
		URL:       rawURL,
		Method:    method,
		Source:    source,
		Initiator: initiator,
		Start:     time.Now(),
	}
	if e := r.Observe(rawURL, source, method, initiator); e != nil {
		_ = r.active.Set(e.URL, struct{}{})
	}
	return call
}

// Finish status 为 0 或 err 非空时记为 ERR
func (r *Recorder) Finish(call *ObservedCall, status int, transfer int64, err error) {
	afsentry.Safe("interceptor.finish", func() {
		outcome := OutcomeError
		if err == nil && status != 0 {
			outcome = strconv.Itoa(status)
		}
		if transfer < 0 {
			transfer = 0
		}
		r.store.RecordSample(call.URL, streams.Sample{
			Duration:      time.Since(call.Start),
			TransferBytes: transfer,
			Outcome:       outcome,
		})
		if err != nil {
			r.opts.Logger.WithFields(logrus.Fields{
				"url":  mediaurl.Sanitize(call.URL),
				"kind": call.Kind,
			}).WithError(err).Debug("request failed")
		}
	})
}
