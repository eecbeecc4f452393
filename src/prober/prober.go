//go:generate go run go.uber.org/mock/mockgen -package prober -destination mock_test.go github.com/astrafetch/astrafetch-go/src/prober Requester

// Package prober 探测各清晰度档位的地址是否可以访问
package prober

import (
	"context"
	"errors"
	"regexp"
	"strconv"

	"github.com/bluele/gcache"
	"github.com/sirupsen/logrus"

	"github.com/astrafetch/astrafetch-go/src/mediaurl"
	"github.com/astrafetch/astrafetch-go/src/metrics"
	"github.com/astrafetch/astrafetch-go/src/pool"
	"github.com/astrafetch/astrafetch-go/src/streams"
)

const (
	StatusPending = "pending"
	StatusOk      = "ok"
	StatusBlocked = "blocked"

	DefaultMaxVariants = 5
	DefaultRangeBytes  = 1024
	DefaultWorkers     = 6
)

var (
	ErrUnknownEntry = errors.New("entry not found")
	// ErrStale 探测期间发生了 Reset，结果没有写回
	ErrStale = errors.New("variant results discarded after reset")
)

// Requester HEAD 与 Range GET，传输层失败时返回 error
type Requester interface {
	Head(ctx context.Context, url string) (int, error)
	GetRange(ctx context.Context, url string, n int) (int, error)
}

type Options struct {
	MaxVariants int
	RangeBytes  int
	Workers     int
	Logger      *logrus.Entry
}

type Prober struct {
	store *streams.Store
	req   Requester
	cache gcache.Cache
	opts  Options
}

func New(store *streams.Store, req Requester, opts Options) *Prober {
	if opts.MaxVariants <= 0 {
		opts.MaxVariants = DefaultMaxVariants
	}
	if opts.RangeBytes <= 0 {
		opts.RangeBytes = DefaultRangeBytes
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Prober{
		store: store,
		req:   req,
		cache: gcache.New(256).LRU().Build(),
		opts:  opts,
	}
}

var (
	reHeight = regexp.MustCompile(`(?i)\d{3,4}p`)
	reSize   = regexp.MustCompile(`\d{3,4}x\d{3,4}`)

	heightLadder = []string{"2160p", "1440p", "1080p", "720p", "480p", "360p"}
	sizeLadder   = []string{"3840x2160", "2560x1440", "1920x1080", "1280x720", "854x480", "640x360"}
)

// Candidates 有变体时取带宽最高的前 max 个，否则在 URL 上替换清晰度字样生成候选
func Candidates(e *streams.Entry, max int) []streams.Probe {
	if max <= 0 {
		max = DefaultMaxVariants
	}
	if n := len(e.HLS.Variants); n > 0 {
		if n > max {
			n = max
		}
		out := make([]streams.Probe, 0, n)
		for _, v := range e.HLS.Variants[:n] {
			out = append(out, streams.Probe{URL: v.URL, Resolution: v.Resolution, Status: StatusPending})
		}
		return out
	}
	return Ladder(e.URL)
}

// Ladder 只替换第一处匹配
func Ladder(rawURL string) []streams.Probe {
	var re *regexp.Regexp
	var ladder []string
	switch {
	case reHeight.MatchString(rawURL):
		re, ladder = reHeight, heightLadder
	case reSize.MatchString(rawURL):
		re, ladder = reSize, sizeLadder
	default:
		return nil
	}
	loc := re.FindStringIndex(rawURL)
	out := make([]streams.Probe, 0, len(ladder))
	for _, r := range ladder {
		out = append(out, streams.Probe{
			URL:        rawURL[:loc[0]] + r + rawURL[loc[1]:],
			Resolution: r,
			Status:     StatusPending,
		})
	}
	return out
}

// Cached 返回缓存的探测结果
func (p *Prober) Cached(rawURL string) ([]streams.Probe, bool) {
	v, err := p.cache.Get(p.store.Normalize(rawURL))
	if err != nil {
		return nil, false
	}
	return clone(v.([]streams.Probe)), true
}

// Reset 清空探测缓存
func (p *Prober) Reset() {
	p.cache.Purge()
}

// Probe 探测 entry 的各个候选地址，结果写回 store 并缓存。
// 命中缓存时不发起任何请求。
func (p *Prober) Probe(ctx context.Context, rawURL string) ([]streams.Probe, error) {
	gen := p.store.Generation()
	entry, ok := p.store.Get(rawURL)
	if !ok {
		return nil, ErrUnknownEntry
	}
	if cached, ok := p.Cached(entry.URL); ok {
		p.store.SetProbes(entry.URL, cached)
		return cached, nil
	}
	candidates := Candidates(entry, p.opts.MaxVariants)
	if len(candidates) == 0 {
		return nil, nil
	}
	p.store.SetProbesIf(gen, entry.URL, candidates)

	results, err := pool.Run(ctx, candidates, pool.Options{
		Workers: p.opts.Workers,
		Policy:  pool.Tolerant,
	}, func(ctx context.Context, _ int, c streams.Probe) (string, error) {
		return p.probeOne(ctx, c.URL), nil
	})
	if err != nil {
		// context 取消，不缓存不完整的结果
		return nil, err
	}
	probes := clone(candidates)
	for i, r := range results {
		probes[i].Status = r.Value
		metrics.ProbeResults.WithLabelValues(metrics.ProbeLabel(r.Value)).Inc()
	}
	// 探测期间发生 Reset，结果属于上一个页面
	if p.store.Generation() != gen {
		return probes, ErrStale
	}
	p.store.SetProbesIf(gen, entry.URL, probes)
	_ = p.cache.Set(entry.URL, clone(probes))
	if p.store.Generation() != gen {
		p.cache.Remove(entry.URL)
	}
	p.opts.Logger.WithFields(logrus.Fields{
		"url":        mediaurl.Sanitize(entry.URL),
		"candidates": len(probes),
	}).Debug("variants probed")
	return probes, nil
}

// probeOne 先 HEAD，非 2xx 再用 Range GET 重试一次
func (p *Prober) probeOne(ctx context.Context, rawURL string) string {
	code, err := p.req.Head(ctx, rawURL)
	if err != nil {
		return StatusBlocked
	}
	if !ok2xx(code) {
		code, err = p.req.GetRange(ctx, rawURL, p.opts.RangeBytes)
		if err != nil {
			return StatusBlocked
		}
	}
	if ok2xx(code) {
		return StatusOk
	}
	return "HTTP " + strconv.Itoa(code)
}

func ok2xx(code int) bool {
	return code >= 200 && code <= 299
}

func clone(in []streams.Probe) []streams.Probe {
	return append([]streams.Probe(nil), in...)
}
