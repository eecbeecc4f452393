package interceptor

import (
	"strconv"
	"time"

	"github.com/bluele/gcache"
	"github.com/tidwall/gjson"

	"github.com/astrafetch/astrafetch-go/src/mediaurl"
	afsentry "github.com/astrafetch/astrafetch-go/src/pkg/sentry"
	"github.com/astrafetch/astrafetch-go/src/streams"
)

// ResourceTiming 浏览器 Resource Timing 条目，时间单位为毫秒
type ResourceTiming struct {
	Name            string  `json:"name"`
	InitiatorType   string  `json:"initiatorType"`
	StartTime       float64 `json:"startTime"`
	Duration        float64 `json:"duration"`
	TransferSize    int64   `json:"transferSize"`
	EncodedBodySize int64   `json:"encodedBodySize"`
}

// ParseResourceTimings 解析 JSON 数组，缺失字段取零值，非数组返回 nil
func ParseResourceTimings(data []byte) []ResourceTiming {
	res := gjson.ParseBytes(data)
	if !res.IsArray() {
		return nil
	}
	out := make([]ResourceTiming, 0, len(res.Array()))
	res.ForEach(func(_, v gjson.Result) bool {
		name := v.Get("name").String()
		if name == "" {
			return true
		}
		out = append(out, ResourceTiming{
			Name:            name,
			InitiatorType:   v.Get("initiatorType").String(),
			StartTime:       v.Get("startTime").Float(),
			Duration:        v.Get("duration").Float(),
			TransferSize:    v.Get("transferSize").Int(),
			EncodedBodySize: v.Get("encodedBodySize").Int(),
		})
		return true
	})
	return out
}

// Passive 被动观测来源，只补充已有 entry 的采样，不会新建 entry，
// 也不会重复记录主动拦截过的 URL
type Passive struct {
	rec  *Recorder
	seen gcache.Cache
}

func (r *Recorder) NewPassive() *Passive {
	return &Passive{
		rec:  r,
		seen: gcache.New(4096).LRU().Build(),
	}
}

// Observe 返回新记录的采样数
func (p *Passive) Observe(timings ...ResourceTiming) int {
	n := 0
	for _, t := range timings {
		afsentry.Safe("interceptor.passive", func() {
			if p.observe(t) {
				n++
			}
		})
	}
	return n
}

func (p *Passive) observe(t ResourceTiming) bool {
	store := p.rec.store
	url := store.Normalize(t.Name)
	if mediaurl.IsKeyResource(url) {
		if flagged := store.MarkEncryptedByOrigin(url); flagged > 0 {
			p.rec.opts.Logger.WithField("origin", mediaurl.Origin(url)).Warn("Encrypted HLS detected")
		}
	}
	// 主动拦截已经记录过的请求不再重复计入
	if !store.Has(url) || p.rec.Intercepted(url) {
		return false
	}
	key := url + "|" + strconv.FormatFloat(t.StartTime, 'f', -1, 64)
	if p.seen.Has(key) {
		return false
	}
	_ = p.seen.Set(key, struct{}{})

	size := t.TransferSize
	if size <= 0 {
		size = t.EncodedBodySize
	}
	return store.RecordSample(url, streams.Sample{
		Duration:      time.Duration(t.Duration * float64(time.Millisecond)),
		TransferBytes: size,
	})
}

// Reset 清空去重记录
func (p *Passive) Reset() {
	p.seen.Purge()
}
