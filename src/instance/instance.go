// Package instance 组装检测引擎：资源表、分析器、探测器、拦截器与通知
package instance

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/bluele/gcache"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"github.com/astrafetch/astrafetch-go/src/configs"
	"github.com/astrafetch/astrafetch-go/src/hls"
	"github.com/astrafetch/astrafetch-go/src/interceptor"
	"github.com/astrafetch/astrafetch-go/src/mediaurl"
	"github.com/astrafetch/astrafetch-go/src/notify"
	"github.com/astrafetch/astrafetch-go/src/pkg/ratelimit"
	afsentry "github.com/astrafetch/astrafetch-go/src/pkg/sentry"
	"github.com/astrafetch/astrafetch-go/src/pkg/utils"
	"github.com/astrafetch/astrafetch-go/src/prober"
	"github.com/astrafetch/astrafetch-go/src/streams"
)

type key int

// Key 在 context 中保存 *Instance
const Key key = 0

func GetInstance(ctx context.Context) *Instance {
	if inst, ok := ctx.Value(Key).(*Instance); ok {
		return inst
	}
	return nil
}

var ErrClosed = errors.New("instance closed")

type options struct {
	client    *http.Client
	fetcher   hls.Fetcher
	requester prober.Requester
	logger    *logrus.Entry
}

type Option func(*options)

// WithHTTPClient 替换出站请求使用的 client
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithFetcher 替换播放列表获取方式
func WithFetcher(f hls.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithRequester 替换探测请求方式
func WithRequester(r prober.Requester) Option {
	return func(o *options) { o.requester = r }
}

func WithLogger(l *logrus.Entry) Option {
	return func(o *options) { o.logger = l }
}

type Instance struct {
	Config     *configs.Config
	Store      *streams.Store
	Analyzer   *hls.Analyzer
	Prober     *prober.Prober
	Downloader *hls.Downloader
	Recorder   *interceptor.Recorder

	client   *http.Client
	passive  *interceptor.Passive
	notifier *notify.Notifier
	hub      *notify.Hub
	limiter  *ratelimit.HostRateLimiter
	seenURLs gcache.Cache
	pool     *ants.Pool
	logger   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *configs.Config, opts ...Option) (*Instance, error) {
	if cfg == nil {
		cfg = configs.NewConfig()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger().WithField("component", "engine")
	}
	if o.client == nil {
		c, err := utils.NewHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
		o.client = c
	}

	inst := &Instance{
		Config:   cfg,
		client:   o.client,
		notifier: notify.NewNotifier(),
		hub:      notify.NewHub(notify.DefaultWindow),
		limiter:  ratelimit.New(cfg.HostMinInterval()),
		seenURLs: gcache.New(4096).LRU().Build(),
		logger:   o.logger,
	}
	inst.ctx, inst.cancel = context.WithCancel(context.Background())

	pool, err := ants.NewPool(cfg.Background.PoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			afsentry.ReportPanic("instance.task", p)
		}),
	)
	if err != nil {
		return nil, err
	}
	inst.pool = pool

	inst.Store = streams.NewStore(streams.Options{
		MaxEntries:  cfg.Store.MaxEntries,
		MaxSamples:  cfg.Store.MaxSamples,
		OtherPolicy: streams.OtherPolicy(cfg.Store.OtherPolicy),
		BaseURL:     cfg.Store.BaseURL,
		OnChange:    inst.notifier.Signal,
		Logger:      o.logger.WithField("component", "store"),
	})

	httpFetcher := hls.NewHTTPFetcher(o.client, cfg.HLS.UserAgent, inst.limiter)
	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = httpFetcher
	}
	requester := o.requester
	if requester == nil {
		requester = httpFetcher
	}
	inst.Analyzer = hls.NewAnalyzer(inst.Store, fetcher, hls.AnalyzerOptions{
		MaxDepth:        cfg.HLS.MaxDepth,
		MapIsProtection: cfg.HLS.MapIsProtection,
		Logger:          o.logger.WithField("component", "hls"),
	})
	inst.Prober = prober.New(inst.Store, requester, prober.Options{
		MaxVariants: cfg.Probe.MaxVariants,
		RangeBytes:  cfg.Probe.RangeBytes,
		Workers:     cfg.HLS.MaxConcurrency,
		Logger:      o.logger.WithField("component", "prober"),
	})
	inst.Downloader = hls.NewDownloader(fetcher)
	inst.Recorder = interceptor.NewRecorder(inst.Store, interceptor.RecorderOptions{
		OnCreated: inst.onCreated,
		Logger:    o.logger.WithField("component", "interceptor"),
	})
	inst.passive = inst.Recorder.NewPassive()
	return inst, nil
}

// onCreated 首次发现的 URL 只记录一次日志，即使之后被淘汰再出现
func (inst *Instance) onCreated(e *streams.Entry) {
	if !inst.seenURLs.Has(e.URL) {
		_ = inst.seenURLs.Set(e.URL, struct{}{})
		if e.Type == mediaurl.Hls || e.Type == mediaurl.DirectMedia || e.Type == mediaurl.Blob {
			inst.logger.WithFields(logrus.Fields{
				"type": e.Type,
				"url":  mediaurl.Sanitize(e.URL),
			}).Infof("Detected %s", e.Type)
		}
	}
	if e.Type == mediaurl.Hls && inst.Config.HLS.AutoAnalyze {
		if err := inst.AnalyzeHls(e.URL); err != nil {
			inst.logger.WithError(err).Warn("failed to schedule analysis")
		}
	}
}

// Entries 按插入顺序的快照
func (inst *Instance) Entries() []*streams.Entry {
	return inst.Store.Entries()
}

func (inst *Instance) submit(task func(ctx context.Context)) error {
	if inst.ctx.Err() != nil {
		return ErrClosed
	}
	return inst.pool.Submit(func() { task(inst.ctx) })
}

// AnalyzeHls 后台分析，重复触发没有副作用
func (inst *Instance) AnalyzeHls(rawURL string) error {
	return inst.submit(func(ctx context.Context) {
		_, _ = inst.AnalyzeHlsSync(ctx, rawURL)
	})
}

func (inst *Instance) AnalyzeHlsSync(ctx context.Context, rawURL string) (streams.Status, error) {
	return inst.Analyzer.Analyze(ctx, rawURL)
}

// ProbeVariants 后台探测
func (inst *Instance) ProbeVariants(rawURL string) error {
	return inst.submit(func(ctx context.Context) {
		if _, err := inst.ProbeVariantsSync(ctx, rawURL); err != nil {
			inst.logger.WithError(err).WithField("url", mediaurl.Sanitize(rawURL)).Debug("probe failed")
		}
	})
}

func (inst *Instance) ProbeVariantsSync(ctx context.Context, rawURL string) ([]streams.Probe, error) {
	return inst.Prober.Probe(ctx, rawURL)
}

// Download 下载 entry 对应的播放列表，Blob/直链媒体直接保存
func (inst *Instance) Download(ctx context.Context, rawURL string, w io.Writer, opts hls.DownloadOptions) (*hls.DownloadResult, error) {
	if opts.Workers <= 0 {
		opts.Workers = inst.Config.HLS.MaxConcurrency
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = inst.Config.HLS.MaxDepth
	}
	if opts.Logger == nil {
		opts.Logger = inst.logger.WithField("component", "download")
	}
	clean := inst.Store.Normalize(rawURL)
	if mediaurl.Classify(clean, "") != mediaurl.Hls {
		ext, n, err := inst.Downloader.DownloadDirect(ctx, clean, w)
		if err != nil {
			return nil, err
		}
		return &hls.DownloadResult{MediaURL: clean, Bytes: n, Fmp4: ext == "mp4", Direct: true}, nil
	}
	return inst.Downloader.Download(ctx, clean, w, opts)
}

// Reset 页面导航：清空资源表与所有派生缓存
func (inst *Instance) Reset() {
	inst.Store.Reset()
	inst.Analyzer.Reset()
	inst.Prober.Reset()
	inst.passive.Reset()
	inst.Recorder.Reset()
	inst.seenURLs.Purge()
	inst.limiter.Reset()
	utils.ConnCounterManager.Reset()
	inst.logger.Debug("engine reset")
}

// Navigate 切换页面，相对 URL 之后以 pageURL 为基准
func (inst *Instance) Navigate(pageURL string) {
	inst.Reset()
	inst.Store.SetBaseURL(pageURL)
}

// Transport 经过该 RoundTripper 的请求都会被记录
func (inst *Instance) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = inst.client.Transport
	}
	return inst.Recorder.Transport(base)
}

// Client 带观测的 http.Client
func (inst *Instance) Client() *http.Client {
	return inst.Recorder.Client(inst.client)
}

func (inst *Instance) NewEventRequest() *interceptor.EventRequest {
	return inst.Recorder.NewEventRequest(inst.client)
}

func (inst *Instance) Passive() *interceptor.Passive {
	return inst.passive
}

// Changes 合并后的变更信号
func (inst *Instance) Changes() *notify.Notifier {
	return inst.notifier
}

func (inst *Instance) Events() *notify.Hub {
	return inst.hub
}

// Run 分发变更通知，直到 ctx 结束或 Close
func (inst *Instance) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-inst.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	inst.hub.Run(ctx, inst.notifier, func() interface{} {
		return map[string]int{"entries": inst.Store.Len()}
	})
}

// Close 取消后台任务并释放任务池
func (inst *Instance) Close() {
	inst.cancel()
	inst.pool.Release()
	utils.ConnCounterManager.LogSummary(inst.logger)
}
