package streams

import (
	"time"

	"github.com/astrafetch/astrafetch-go/src/mediaurl"
)

// Sample 单次请求的耗时与传输量，Outcome 为 HTTP 状态码或 "ERR"
type Sample struct {
	Duration      time.Duration `json:"duration"`
	TransferBytes int64         `json:"transfer_bytes"`
	Outcome       string        `json:"outcome"`
}

// Variant master playlist 中的一个码率档位
type Variant struct {
	Bandwidth  int64  `json:"bandwidth"`
	Resolution string `json:"resolution"`
	URL        string `json:"url"`
}

// Probe 清晰度探测结果，Status 为 "ok"、"HTTP <code>" 或 "blocked"
type Probe struct {
	URL        string `json:"url"`
	Resolution string `json:"resolution"`
	Status     string `json:"status"`
}

// HLSInfo 播放列表分析结果
type HLSInfo struct {
	Analyzed    bool          `json:"analyzed"`
	MediaURL    string        `json:"media_url,omitempty"`
	Variants    []Variant     `json:"variants"`
	Segments    []string      `json:"segments"`
	Encrypted   bool          `json:"encrypted"`
	Encryption  string        `json:"encryption,omitempty"`
	AudioOnly   bool          `json:"audio_only"`
	Fmp4        bool          `json:"fmp4"`
	InitSegment string        `json:"init_segment,omitempty"`
	Live        bool          `json:"live"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Entry 一个规范化 URL 对应一条记录
type Entry struct {
	ID        string             `json:"id"`
	URL       string             `json:"url"`
	Type      mediaurl.MediaType `json:"type"`
	Source    string             `json:"source"`
	Method    string             `json:"method"`
	Status    Status             `json:"status"`
	Finalized bool               `json:"finalized"`
	AddedAt   time.Time          `json:"added_at"`

	SeenCount     int           `json:"seen_count"`
	Count         int           `json:"count"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalTransfer int64         `json:"total_transfer"`
	LastDuration  time.Duration `json:"last_duration"`
	LastOutcome   string        `json:"last_outcome,omitempty"`
	BitrateMbps   float64       `json:"bitrate_mbps,omitempty"`
	Samples       []Sample      `json:"samples"`

	HLS    HLSInfo `json:"hls"`
	Probes []Probe `json:"probes"`
}

// Clone 深拷贝，对外只暴露快照
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Samples = append([]Sample(nil), e.Samples...)
	c.Probes = append([]Probe(nil), e.Probes...)
	c.HLS.Variants = append([]Variant(nil), e.HLS.Variants...)
	c.HLS.Segments = append([]string(nil), e.HLS.Segments...)
	return &c
}

// AverageDuration 平均请求耗时
func (e *Entry) AverageDuration() time.Duration {
	if e.Count == 0 {
		return 0
	}
	return e.TotalDuration / time.Duration(e.Count)
}
