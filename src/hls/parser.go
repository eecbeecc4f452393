package hls

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/astrafetch/astrafetch-go/src/mediaurl"
	"github.com/astrafetch/astrafetch-go/src/streams"
)

// Playlist 解析后的 m3u8 结构，解析完成后只读
type Playlist struct {
	URL string
	// Variants 按带宽降序，带宽相同保持原顺序
	Variants []streams.Variant
	// Segments 所有非注释行，按出现顺序
	Segments []string

	// Encrypted 存在加密信号：METHOD 非 NONE 的 EXT-X-KEY，或按策略计入的 EXT-X-MAP
	Encrypted  bool
	Encryption string
	// KeyMethod 最后一个 EXT-X-KEY 的 METHOD
	KeyMethod   string
	InitSegment string

	AudioOnly bool
	Live      bool
	Fmp4      bool

	TargetDuration int
	MediaSequence  int64
	Duration       time.Duration
}

// IsMaster 含有 EXT-X-STREAM-INF 变体即视为 master
func (p *Playlist) IsMaster() bool {
	return len(p.Variants) > 0
}

// BestVariant 带宽最大者，并列时取列表中靠前的
func (p *Playlist) BestVariant() (streams.Variant, bool) {
	if len(p.Variants) == 0 {
		return streams.Variant{}, false
	}
	// Variants 已稳定排序
	return p.Variants[0], true
}

// HasKey 是否有真正的内容加密（不含 EXT-X-MAP）
func (p *Playlist) HasKey() bool {
	return p.KeyMethod != "" && !strings.EqualFold(p.KeyMethod, "NONE")
}

// MediaSegments master 中跟在 STREAM-INF 后的 URI 不算分段
func (p *Playlist) MediaSegments() []string {
	if !p.IsMaster() {
		return p.Segments
	}
	variantURLs := make(map[string]struct{}, len(p.Variants))
	for _, v := range p.Variants {
		variantURLs[v.URL] = struct{}{}
	}
	out := make([]string, 0)
	for _, s := range p.Segments {
		if _, ok := variantURLs[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

var (
	reLineSplit  = regexp.MustCompile(`\r?\n`)
	reMethod     = regexp.MustCompile(`(?i)METHOD=([^,]+)`)
	reBandwidth  = regexp.MustCompile(`(?i)(?:^|[:,])BANDWIDTH=(\d+)`)
	reResolution = regexp.MustCompile(`(?i)RESOLUTION=(\d+x\d+)`)
	reURI        = regexp.MustCompile(`(?i)URI="([^"]*)"`)
	reExtInf     = regexp.MustCompile(`^#EXTINF:\s*([0-9]+(?:\.[0-9]+)?)`)
)

// ParseOptions 解析策略
type ParseOptions struct {
	// MapIsProtection 把 EXT-X-MAP 计为加密信号
	MapIsProtection bool
}

// Parse 宽松解析：未知标签忽略，属性缺失或格式错误时取零值
func Parse(text, baseURL string, opts ParseOptions) *Playlist {
	p := &Playlist{URL: baseURL, Live: true}
	lines := make([]string, 0, 64)
	for _, l := range reLineSplit.Split(text, -1) {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}

	var extinf float64
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "#EXT-X-KEY"):
			// 缺少 METHOD 时按 AES-128 处理
			method := "AES-128"
			if m := reMethod.FindStringSubmatch(line); m != nil {
				method = strings.TrimSpace(m[1])
			}
			p.KeyMethod = method
			if !strings.EqualFold(method, "NONE") {
				p.Encrypted = true
				p.Encryption = method
			}
		case strings.HasPrefix(line, "#EXT-X-MAP"):
			if m := reURI.FindStringSubmatch(line); m != nil && m[1] != "" {
				p.InitSegment = resolve(m[1], baseURL)
			}
			p.Fmp4 = true
			if opts.MapIsProtection {
				p.Encrypted = true
				if p.Encryption == "" {
					p.Encryption = "EXT-X-MAP"
				}
			}
		case strings.HasPrefix(line, "#EXT-X-ENDLIST"):
			p.Live = false
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF"):
			v := streams.Variant{}
			if m := reBandwidth.FindStringSubmatch(line); m != nil {
				v.Bandwidth, _ = strconv.ParseInt(m[1], 10, 64)
			}
			if m := reResolution.FindStringSubmatch(line); m != nil {
				v.Resolution = m[1]
			}
			if i+1 < len(lines) && !strings.HasPrefix(lines[i+1], "#") {
				v.URL = resolve(lines[i+1], baseURL)
				p.Variants = append(p.Variants, v)
			}
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			p.TargetDuration, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:")))
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			p.MediaSequence, _ = strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:")), 10, 64)
		case strings.HasPrefix(line, "#EXTINF"):
			if m := reExtInf.FindStringSubmatch(line); m != nil {
				extinf, _ = strconv.ParseFloat(m[1], 64)
				p.Duration += time.Duration(extinf * float64(time.Second))
			}
		case !strings.HasPrefix(line, "#"):
			seg := resolve(line, baseURL)
			p.Segments = append(p.Segments, seg)
			if isFmp4Segment(seg) {
				p.Fmp4 = true
			}
		}
		if strings.Contains(line, "TYPE=AUDIO") {
			p.AudioOnly = true
		}
	}

	sort.SliceStable(p.Variants, func(i, j int) bool {
		return p.Variants[i].Bandwidth > p.Variants[j].Bandwidth
	})
	return p
}

func resolve(ref, base string) string {
	return mediaurl.Normalize(ref, base)
}

func isFmp4Segment(seg string) bool {
	path := seg
	if u, err := url.Parse(seg); err == nil {
		path = u.Path
	}
	path = strings.ToLower(path)
	return strings.HasSuffix(path, ".m4s") || strings.HasSuffix(path, ".mp4")
}
