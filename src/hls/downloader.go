package hls

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/astrafetch/astrafetch-go/src/mediaurl"
	"github.com/astrafetch/astrafetch-go/src/metrics"
	"github.com/astrafetch/astrafetch-go/src/pool"
)

// DownloadOptions 下载参数
type DownloadOptions struct {
	Workers  int
	MaxDepth int
	// OnStatus 阶段变化时调用，例如 "loading playlist"、"downloading 3/10"
	OnStatus func(status string)
	Logger   *logrus.Entry
}

// DownloadResult 下载完成后的概要
type DownloadResult struct {
	MediaURL string
	Segments int
	Bytes    int64
	Fmp4     bool
	// Direct 非 HLS，原样保存的直链媒体
	Direct bool
}

// Ext 输出文件扩展名
func (r *DownloadResult) Ext() string {
	switch {
	case r.Fmp4:
		return "mp4"
	case r.Direct:
		return "bin"
	}
	return "ts"
}

// Downloader 拉取未加密播放列表的全部分段，按顺序拼接写出
type Downloader struct {
	fetcher Fetcher
}

func NewDownloader(fetcher Fetcher) *Downloader {
	return &Downloader{fetcher: fetcher}
}

func (o *DownloadOptions) status(s string) {
	if o.OnStatus != nil {
		o.OnStatus(s)
	}
}

// Download master 会选择带宽最高的变体。
// EXT-X-MAP 作为 init 分段写在最前面，只有 EXT-X-KEY 会拒绝下载。
// 任一分段失败则整体失败，此时 w 中不会写入任何分段数据。
func (d *Downloader) Download(ctx context.Context, rawURL string, w io.Writer, opts DownloadOptions) (*DownloadResult, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger := opts.Logger.WithField("url", mediaurl.Sanitize(rawURL))

	opts.status("loading playlist")
	cur := rawURL
	var pl *Playlist
	for depth := 0; ; depth++ {
		body, err := d.fetcher.Fetch(ctx, cur)
		if err != nil {
			opts.status("failed")
			return nil, fmt.Errorf("load playlist: %w", err)
		}
		pl = Parse(string(body), cur, ParseOptions{})
		best, ok := pl.BestVariant()
		if !ok {
			break
		}
		if depth+1 > opts.MaxDepth {
			opts.status("failed")
			return nil, ErrMaxDepth
		}
		opts.status("selecting variant")
		cur = best.URL
	}

	if pl.HasKey() {
		opts.status("encrypted")
		return nil, ErrEncrypted
	}
	segments := pl.MediaSegments()
	if len(segments) == 0 {
		opts.status("no segments")
		return nil, ErrNoSegments
	}

	var initData []byte
	if pl.InitSegment != "" {
		data, err := d.fetcher.Fetch(ctx, pl.InitSegment)
		if err != nil {
			opts.status("failed")
			return nil, fmt.Errorf("init segment: %w", err)
		}
		initData = data
	}

	total := len(segments)
	opts.status(fmt.Sprintf("downloading 0/%d", total))
	results, err := pool.Run(ctx, segments, pool.Options{
		Workers: opts.Workers,
		Policy:  pool.AllOrNothing,
		OnProgress: func(completed, total int) {
			opts.status(fmt.Sprintf("downloading %d/%d", completed, total))
		},
	}, func(ctx context.Context, _ int, seg string) ([]byte, error) {
		data, err := d.fetcher.Fetch(ctx, seg)
		if err != nil {
			return nil, err
		}
		metrics.SegmentBytes.Add(float64(len(data)))
		return data, nil
	})
	if err != nil {
		opts.status("failed")
		return nil, fmt.Errorf("segment: %w", err)
	}

	res := &DownloadResult{MediaURL: pl.URL, Segments: total, Fmp4: pl.Fmp4}
	if initData != nil {
		n, err := w.Write(initData)
		res.Bytes += int64(n)
		if err != nil {
			return res, err
		}
	}
	for _, r := range results {
		n, err := w.Write(r.Value)
		res.Bytes += int64(n)
		if err != nil {
			opts.status("failed")
			return res, err
		}
	}
	opts.status("done")
	logger.WithFields(logrus.Fields{
		"segments": total,
		"bytes":    res.Bytes,
		"fmp4":     res.Fmp4,
	}).Info("HLS download finished")
	return res, nil
}

// DownloadDirect 单个媒体文件直接下载，扩展名根据 URL 推断
func (d *Downloader) DownloadDirect(ctx context.Context, rawURL string, w io.Writer) (ext string, n int64, err error) {
	data, err := d.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", 0, err
	}
	written, err := w.Write(data)
	ext = "bin"
	if strings.Contains(strings.ToLower(mediaurl.Sanitize(rawURL)), "mp4") {
		ext = "mp4"
	}
	return ext, int64(written), err
}
