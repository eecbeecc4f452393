// Package streams 维护页面网络资源的登记表
package streams

import (
	"container/list"
	"strings"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/astrafetch/astrafetch-go/src/mediaurl"
	"github.com/astrafetch/astrafetch-go/src/metrics"
)

const (
	DefaultMaxEntries = 250
	DefaultMaxSamples = 8
)

// OtherPolicy 决定 Other 分类的资源是否入表
type OtherPolicy string

const (
	OtherKeep   OtherPolicy = "keep"
	OtherReject OtherPolicy = "reject"
)

type Options struct {
	MaxEntries  int
	MaxSamples  int
	OtherPolicy OtherPolicy
	// BaseURL 相对 URL 的解析基准（页面地址）
	BaseURL string
	// OnChange 每次变更后调用，不能阻塞
	OnChange func()
	Logger   *logrus.Entry
}

// Store 按插入顺序保存 entry，超过容量时淘汰最早插入的一条（FIFO，而非 LRU）。
// 每个复合操作在一次加锁内完成。
type Store struct {
	mu      sync.RWMutex
	opts    Options
	order   *list.List // *Entry，按插入顺序
	byURL   map[string]*list.Element
	byID    map[string]*list.Element
	baseURL string
	// gen 每次 Reset 加一，用来丢弃 Reset 之前发起的异步结果
	gen uint64
}

func NewStore(opts Options) *Store {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = DefaultMaxSamples
	}
	if opts.OtherPolicy == "" {
		opts.OtherPolicy = OtherKeep
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		opts:    opts,
		order:   list.New(),
		byURL:   make(map[string]*list.Element),
		byID:    make(map[string]*list.Element),
		baseURL: opts.BaseURL,
	}
}

// SetBaseURL 页面导航后更新相对 URL 的解析基准
func (s *Store) SetBaseURL(base string) {
	s.mu.Lock()
	s.baseURL = base
	s.mu.Unlock()
}

// Normalize 使用当前页面地址规范化 URL
func (s *Store) Normalize(raw string) string {
	s.mu.RLock()
	base := s.baseURL
	s.mu.RUnlock()
	return mediaurl.Normalize(raw, base)
}

func (s *Store) changed() {
	if s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}

// Upsert 记录一次观测。
// 新 URL 创建 entry（pending，seenCount=1），已存在的 URL 仅 seenCount+1。
// 被过滤的资源返回 nil。
func (s *Store) Upsert(rawURL, source, method, initiator string) (*Entry, bool) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, false
	}
	clean := s.Normalize(rawURL)
	if initiator == "" {
		initiator = source
	}
	if method == "" {
		method = "GET"
	}

	s.mu.Lock()
	if el, ok := s.byURL[clean]; ok {
		e := el.Value.(*Entry)
		e.SeenCount++
		snap := e.Clone()
		s.mu.Unlock()
		s.changed()
		return snap, false
	}

	typ := mediaurl.Classify(clean, initiator)
	if typ == mediaurl.Other && s.opts.OtherPolicy == OtherReject {
		s.mu.Unlock()
		return nil, false
	}
	e := &Entry{
		ID:        uuid.Must(uuid.NewV4()).String(),
		URL:       clean,
		Type:      typ,
		Source:    source,
		Method:    strings.ToUpper(method),
		Status:    StatusPending,
		AddedAt:   time.Now(),
		SeenCount: 1,
	}
	el := s.order.PushBack(e)
	s.byURL[clean] = el
	s.byID[e.ID] = el
	var evicted *Entry
	if s.order.Len() > s.opts.MaxEntries {
		evicted = s.removeLocked(s.order.Front())
	}
	snap := e.Clone()
	size := s.order.Len()
	s.mu.Unlock()

	metrics.EntriesCreated.WithLabelValues(string(typ)).Inc()
	metrics.StoreSize.Set(float64(size))
	if evicted != nil {
		metrics.EntriesEvicted.Inc()
		s.opts.Logger.WithField("url", mediaurl.Sanitize(evicted.URL)).Debug("entry evicted")
	}
	s.changed()
	return snap, true
}

func (s *Store) removeLocked(el *list.Element) *Entry {
	e := s.order.Remove(el).(*Entry)
	delete(s.byURL, e.URL)
	delete(s.byID, e.ID)
	return e
}

// RecordSample 追加一条采样，最新的在最前，超过上限丢弃最旧的。
// URL 不在表中时忽略。
func (s *Store) RecordSample(rawURL string, sample Sample) bool {
	clean := s.Normalize(rawURL)
	s.mu.Lock()
	el, ok := s.byURL[clean]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e := el.Value.(*Entry)
	e.Count++
	e.TotalDuration += sample.Duration
	e.TotalTransfer += sample.TransferBytes
	e.LastDuration = sample.Duration
	if sample.Outcome != "" {
		e.LastOutcome = sample.Outcome
	}
	if IsFailure(sample.Outcome) {
		e.Failures++
	}
	if sample.TransferBytes > 0 && sample.Duration > 0 {
		e.BitrateMbps = float64(sample.TransferBytes) * 8 / sample.Duration.Seconds() / 1e6
	}
	e.Samples = append([]Sample{sample}, e.Samples...)
	if len(e.Samples) > s.opts.MaxSamples {
		e.Samples = e.Samples[:s.opts.MaxSamples]
	}
	typ := e.Type
	s.mu.Unlock()

	metrics.SamplesRecorded.WithLabelValues(string(typ)).Inc()
	s.changed()
	return true
}

// IsFailure 4xx/5xx 以及 ERR 计为失败
func IsFailure(outcome string) bool {
	return strings.HasPrefix(outcome, "4") || strings.HasPrefix(outcome, "5") || outcome == "ERR"
}

// SetStatus 按状态机迁移，非法迁移返回 false
func (s *Store) SetStatus(rawURL string, to Status) bool {
	clean := s.Normalize(rawURL)
	s.mu.Lock()
	el, ok := s.byURL[clean]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e := el.Value.(*Entry)
	from := e.Status
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.opts.Logger.WithFields(logrus.Fields{
			"url":  mediaurl.Sanitize(clean),
			"from": from,
			"to":   to,
		}).Debug("status transition rejected")
		return false
	}
	e.Status = to
	e.Finalized = to.Terminal()
	if to == StatusEncrypted {
		e.HLS.Encrypted = true
	}
	s.mu.Unlock()

	metrics.StatusTransitions.WithLabelValues(string(to)).Inc()
	s.changed()
	return true
}

// BeginAnalysis analyzed 标记只会由 false 变为 true 一次，
// 同时完成 pending -> analyzing。重复触发返回 false。
func (s *Store) BeginAnalysis(rawURL string) bool {
	_, ok := s.BeginAnalysisGen(rawURL)
	return ok
}

// BeginAnalysisGen 同 BeginAnalysis，同时返回开始时的代数
func (s *Store) BeginAnalysisGen(rawURL string) (uint64, bool) {
	clean := s.Normalize(rawURL)
	s.mu.Lock()
	gen := s.gen
	el, ok := s.byURL[clean]
	if !ok {
		s.mu.Unlock()
		return gen, false
	}
	e := el.Value.(*Entry)
	if e.HLS.Analyzed || e.Status != StatusPending {
		s.mu.Unlock()
		return gen, false
	}
	e.HLS.Analyzed = true
	e.Status = StatusAnalyzing
	s.mu.Unlock()

	metrics.StatusTransitions.WithLabelValues(string(StatusAnalyzing)).Inc()
	s.changed()
	return gen, true
}

// Generation 当前代数，异步任务开始前读取，写回时交给 FinishAnalysis/SetProbesIf 校验
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// FinishAnalysis 在一次加锁内写入分析结果并迁移状态。
// gen 与当前代数不一致时（期间发生过 Reset）什么都不做，返回 false。
func (s *Store) FinishAnalysis(gen uint64, rawURL string, to Status, fn func(h *HLSInfo)) bool {
	clean := s.Normalize(rawURL)
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	el, ok := s.byURL[clean]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e := el.Value.(*Entry)
	fn(&e.HLS)
	e.HLS.Analyzed = true
	from := e.Status
	transitioned := CanTransition(from, to)
	if transitioned {
		e.Status = to
		e.Finalized = to.Terminal()
		if to == StatusEncrypted {
			e.HLS.Encrypted = true
		}
	}
	s.mu.Unlock()

	if transitioned {
		metrics.StatusTransitions.WithLabelValues(string(to)).Inc()
	} else {
		s.opts.Logger.WithFields(logrus.Fields{
			"url":  mediaurl.Sanitize(clean),
			"from": from,
			"to":   to,
		}).Debug("status transition rejected")
	}
	s.changed()
	return true
}

// UpdateHLS 在锁内修改分析结果，fn 不能阻塞
func (s *Store) UpdateHLS(rawURL string, fn func(h *HLSInfo)) bool {
	clean := s.Normalize(rawURL)
	s.mu.Lock()
	el, ok := s.byURL[clean]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e := el.Value.(*Entry)
	analyzed := e.HLS.Analyzed
	fn(&e.HLS)
	// analyzed 不允许回退
	e.HLS.Analyzed = e.HLS.Analyzed || analyzed
	s.mu.Unlock()
	s.changed()
	return true
}

// SetProbes 写入探测结果
func (s *Store) SetProbes(rawURL string, probes []Probe) bool {
	return s.setProbes(nil, rawURL, probes)
}

// SetProbesIf 只在 gen 仍是当前代数时写入
func (s *Store) SetProbesIf(gen uint64, rawURL string, probes []Probe) bool {
	return s.setProbes(&gen, rawURL, probes)
}

func (s *Store) setProbes(gen *uint64, rawURL string, probes []Probe) bool {
	clean := s.Normalize(rawURL)
	s.mu.Lock()
	if gen != nil && *gen != s.gen {
		s.mu.Unlock()
		return false
	}
	el, ok := s.byURL[clean]
	if !ok {
		s.mu.Unlock()
		return false
	}
	el.Value.(*Entry).Probes = append([]Probe(nil), probes...)
	s.mu.Unlock()
	s.changed()
	return true
}

// MarkEncryptedByOrigin 与 key 同源、尚未进入终态的 HLS entry 标记为 encrypted，
// 返回受影响的数量
func (s *Store) MarkEncryptedByOrigin(keyURL string) int {
	origin := mediaurl.Origin(s.Normalize(keyURL))
	if origin == "" {
		return 0
	}
	n := 0
	s.mu.Lock()
	for el := s.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if e.Type != mediaurl.Hls || mediaurl.Origin(e.URL) != origin {
			continue
		}
		e.HLS.Encrypted = true
		if e.HLS.Encryption == "" {
			e.HLS.Encryption = "key request"
		}
		if CanTransition(e.Status, StatusEncrypted) {
			e.Status = StatusEncrypted
			e.Finalized = true
		}
		n++
	}
	s.mu.Unlock()
	if n > 0 {
		metrics.StatusTransitions.WithLabelValues(string(StatusEncrypted)).Add(float64(n))
		s.changed()
	}
	return n
}

// Get 按 URL 获取快照
func (s *Store) Get(rawURL string) (*Entry, bool) {
	clean := s.Normalize(rawURL)
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.byURL[clean]
	if !ok {
		return nil, false
	}
	return el.Value.(*Entry).Clone(), true
}

// GetByID 按 ID 获取快照
func (s *Store) GetByID(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*Entry).Clone(), true
}

// Has 不做拷贝的存在性检查
func (s *Store) Has(rawURL string) bool {
	clean := s.Normalize(rawURL)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byURL[clean]
	return ok
}

// Entries 按插入顺序返回全部快照
func (s *Store) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Entry).Clone())
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order.Len()
}

// Reset 清空登记表（页面导航）
func (s *Store) Reset() {
	s.mu.Lock()
	s.order.Init()
	s.byURL = make(map[string]*list.Element)
	s.byID = make(map[string]*list.Element)
	s.gen++
	s.mu.Unlock()
	metrics.StoreSize.Set(0)
	s.changed()
}
