// Package hls 解析 m3u8 播放列表，分析加密、直播状态与码率档位，并支持整段下载
package hls

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluele/gcache"
	"github.com/sirupsen/logrus"

	"github.com/astrafetch/astrafetch-go/src/mediaurl"
	"github.com/astrafetch/astrafetch-go/src/metrics"
	"github.com/astrafetch/astrafetch-go/src/streams"
)

const DefaultMaxDepth = 3

var (
	ErrEncrypted    = errors.New("playlist is encrypted")
	ErrNoSegments   = errors.New("playlist has no segments")
	ErrMaxDepth     = errors.New("master playlist nesting too deep")
	ErrUnknownEntry = errors.New("entry not found")
	ErrNotHLS       = errors.New("entry is not an hls playlist")
	// ErrStale 分析期间发生了 Reset，结果已丢弃
	ErrStale = errors.New("analysis discarded after reset")
)

type AnalyzerOptions struct {
	MaxDepth        int
	MapIsProtection bool
	Logger          *logrus.Entry
}

// Analyzer 驱动 pending -> analyzing -> 终态 的状态机。
// 解析结果按 URL 缓存在 fingerprints 中，直到 Reset。
type Analyzer struct {
	store        *streams.Store
	fetcher      Fetcher
	fingerprints gcache.Cache
	opts         AnalyzerOptions
}

func NewAnalyzer(store *streams.Store, fetcher Fetcher, opts AnalyzerOptions) *Analyzer {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Analyzer{
		store:        store,
		fetcher:      fetcher,
		fingerprints: gcache.New(512).LRU().Build(),
		opts:         opts,
	}
}

// Reset 清空解析缓存
func (a *Analyzer) Reset() {
	a.fingerprints.Purge()
}

// Load 获取并解析播放列表，优先使用缓存。
// 请求期间发生 Reset 时结果不进缓存。
func (a *Analyzer) Load(ctx context.Context, rawURL string) (*Playlist, error) {
	if v, err := a.fingerprints.Get(rawURL); err == nil {
		metrics.PlaylistFetches.WithLabelValues("cached").Inc()
		return v.(*Playlist), nil
	}
	gen := a.store.Generation()
	body, err := a.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		metrics.PlaylistFetches.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.PlaylistFetches.WithLabelValues("fetched").Inc()
	pl := Parse(string(body), rawURL, ParseOptions{MapIsProtection: a.opts.MapIsProtection})
	if a.store.Generation() == gen {
		_ = a.fingerprints.Set(rawURL, pl)
		// Set 与 Reset 交错时撤回
		if a.store.Generation() != gen {
			a.fingerprints.Remove(rawURL)
		}
	}
	return pl, nil
}

// resolution 从入口列表一路解析到媒体列表的结果
type resolution struct {
	top    *Playlist
	media  *Playlist
	status streams.Status
	err    error
}

// resolve master 递归进入带宽最高的变体，直到媒体列表或终态
func (a *Analyzer) resolve(ctx context.Context, rawURL string) resolution {
	var top *Playlist
	cur := rawURL
	for depth := 0; ; depth++ {
		pl, err := a.Load(ctx, cur)
		if err != nil {
			return resolution{top: top, status: streams.StatusBlocked, err: err}
		}
		if top == nil {
			top = pl
		}
		if pl.Encrypted {
			return resolution{top: top, media: pl, status: streams.StatusEncrypted, err: ErrEncrypted}
		}
		if best, ok := pl.BestVariant(); ok {
			if depth+1 > a.opts.MaxDepth {
				return resolution{top: top, status: streams.StatusError, err: ErrMaxDepth}
			}
			cur = best.URL
			continue
		}
		if len(pl.Segments) == 0 {
			return resolution{top: top, media: pl, status: streams.StatusNoSegments, err: ErrNoSegments}
		}
		return resolution{top: top, media: pl, status: streams.StatusOk}
	}
}

// Analyze 分析一条 HLS entry，返回最终状态。
// 重复调用不会重复请求，直接返回当前状态。
func (a *Analyzer) Analyze(ctx context.Context, rawURL string) (streams.Status, error) {
	entry, ok := a.store.Get(rawURL)
	if !ok {
		return "", ErrUnknownEntry
	}
	if entry.Type != mediaurl.Hls {
		return entry.Status, ErrNotHLS
	}
	gen, ok := a.store.BeginAnalysisGen(entry.URL)
	if !ok {
		if cur, ok := a.store.Get(entry.URL); ok {
			return cur.Status, nil
		}
		return entry.Status, nil
	}
	logger := a.opts.Logger.WithField("url", mediaurl.Sanitize(entry.URL))
	logger.Debug("analyzing playlist")

	res := a.resolve(ctx, entry.URL)
	fresh := a.store.FinishAnalysis(gen, entry.URL, res.status, func(h *streams.HLSInfo) {
		h.Error = ""
		if res.top != nil {
			h.Variants = append([]streams.Variant(nil), res.top.Variants...)
			h.AudioOnly = res.top.AudioOnly
		}
		if m := res.media; m != nil {
			h.MediaURL = m.URL
			h.Segments = append([]string(nil), m.MediaSegments()...)
			h.Live = m.Live
			h.AudioOnly = h.AudioOnly || m.AudioOnly
			h.Fmp4 = m.Fmp4
			h.InitSegment = m.InitSegment
			h.Duration = m.Duration
			h.Encrypted = m.Encrypted
			h.Encryption = m.Encryption
		}
		switch res.status {
		case streams.StatusBlocked:
			h.Error = fmt.Sprintf("CORS blocked or unavailable: %v", res.err)
		case streams.StatusError:
			h.Error = res.err.Error()
		}
	})
	if !fresh {
		logger.Debug("store was reset during analysis, result discarded")
		return res.status, ErrStale
	}

	fields := logrus.Fields{"status": res.status}
	if res.top != nil {
		fields["variants"] = len(res.top.Variants)
	}
	if res.media != nil {
		fields["segments"] = len(res.media.Segments)
		fields["live"] = res.media.Live
	}
	switch res.status {
	case streams.StatusEncrypted:
		logger.WithFields(fields).Infof("Encrypted HLS detected (%s)", res.media.Encryption)
	case streams.StatusBlocked:
		logger.WithFields(fields).WithError(res.err).Warn("HLS inspection blocked")
	case streams.StatusOk:
		logger.WithFields(fields).Info("HLS analyzed")
	default:
		logger.WithFields(fields).WithError(res.err).Info("HLS analysis finished")
	}
	if res.status == streams.StatusOk {
		return res.status, nil
	}
	return res.status, res.err
}
