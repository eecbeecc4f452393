package configs

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// RPC info.
type RPC struct {
	Enable bool   `yaml:"enable" json:"enable"`
	Bind   string `yaml:"bind" json:"bind"`
}

var defaultRPC = RPC{
	Enable: true,
	Bind:   "127.0.0.1:8090",
}

func (r *RPC) verify() error {
	if r == nil {
		return nil
	}
	if !r.Enable {
		return nil
	}
	if _, err := net.ResolveTCPAddr("tcp", r.Bind); err != nil {
		return fmt.Errorf("无效的RPC绑定地址: %w", err)
	}
	return nil
}

type Log struct {
	OutPutFolder string `yaml:"out_put_folder" json:"out_put_folder"`
	SaveLastLog  bool   `yaml:"save_last_log" json:"save_last_log"`
	SaveEveryLog bool   `yaml:"save_every_log" json:"save_every_log"`
	// RotateDays 按天滚动日志时最多保留的天数（<=0 表示不清理）
	RotateDays int `yaml:"rotate_days" json:"rotate_days"`
}

// Store 资源登记表配置
type Store struct {
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
	MaxSamples int `yaml:"max_samples" json:"max_samples"`
	// OtherPolicy 无法归类的资源是否入表：keep 或 reject
	OtherPolicy string `yaml:"other_policy" json:"other_policy"`
	// BaseURL 相对 URL 的解析基准，通常是页面地址
	BaseURL string `yaml:"base_url" json:"base_url"`
}

var defaultStore = Store{
	MaxEntries:  250,
	MaxSamples:  8,
	OtherPolicy: "keep",
}

// HLS 播放列表分析配置
type HLS struct {
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
	// MaxDepth master 嵌套 master 时的最大递归深度
	MaxDepth int `yaml:"max_depth" json:"max_depth"`
	// MapIsProtection 是否把 EXT-X-MAP 当作加密信号
	MapIsProtection bool   `yaml:"map_is_protection" json:"map_is_protection"`
	AutoAnalyze     bool   `yaml:"auto_analyze" json:"auto_analyze"`
	UserAgent       string `yaml:"user_agent" json:"user_agent"`
	// OutputTmpl 下载文件名模板，可用 .Title .Ext 以及 sprig 函数
	OutputTmpl string `yaml:"out_put_tmpl" json:"out_put_tmpl"`
	OutPutPath string `yaml:"out_put_path" json:"out_put_path"`
}

var defaultHLS = HLS{
	MaxConcurrency:  6,
	MaxDepth:        3,
	MapIsProtection: true,
	AutoAnalyze:     true,
	UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
	OutputTmpl:      `{{ .Title | filenameFilter }}-{{ now | date "2006-01-02 15-04-05" }}.{{ .Ext }}`,
	OutPutPath:      "./",
}

// Probe 清晰度探测配置
type Probe struct {
	MaxVariants int `yaml:"max_variants" json:"max_variants"`
	RangeBytes  int `yaml:"range_bytes" json:"range_bytes"`
}

var defaultProbe = Probe{
	MaxVariants: 5,
	RangeBytes:  1024,
}

// Network 出站请求配置
type Network struct {
	TimeoutSec int `yaml:"timeout_sec" json:"timeout_sec"`
	// HostMinIntervalMs 同一 host 两次请求的最小间隔，0 表示不限制
	HostMinIntervalMs int `yaml:"host_min_interval_ms" json:"host_min_interval_ms"`
}

var defaultNetwork = Network{
	TimeoutSec: 20,
}

// Proxy 代理配置
type Proxy struct {
	// Enable 是否启用配置的代理（false 时使用系统环境变量 HTTP_PROXY 等）
	Enable bool `yaml:"enable" json:"enable"`
	// URL 代理地址，支持 http://host:port 或 socks5://host:port
	URL string `yaml:"url" json:"url"`
}

// Sentry 错误监控配置
type Sentry struct {
	DSN         string `yaml:"dsn" json:"dsn"`
	Environment string `yaml:"environment" json:"environment"`
}

// Background 后台任务池配置
type Background struct {
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// Browser 浏览器页面来源配置
type Browser struct {
	// ControlURL 已运行 Chrome 的 DevTools 地址，留空则本地启动
	ControlURL     string `yaml:"control_url" json:"control_url"`
	Headless       bool   `yaml:"headless" json:"headless"`
	Stealth        bool   `yaml:"stealth" json:"stealth"`
	PollIntervalMs int    `yaml:"poll_interval_ms" json:"poll_interval_ms"`
}

var defaultBrowser = Browser{
	Headless:       true,
	PollIntervalMs: 2000,
}

// Config content all config info.
type Config struct {
	File    string `yaml:"-" json:"-"`
	Version int64  `yaml:"-" json:"-"` // 仅用于乐观并发控制

	Debug      bool       `yaml:"debug" json:"debug"`
	RPC        RPC        `yaml:"rpc" json:"rpc"`
	Log        Log        `yaml:"log" json:"log"`
	Store      Store      `yaml:"store" json:"store"`
	HLS        HLS        `yaml:"hls" json:"hls"`
	Probe      Probe      `yaml:"probe" json:"probe"`
	Network    Network    `yaml:"network" json:"network"`
	Proxy      Proxy      `yaml:"proxy" json:"proxy"`
	Sentry     Sentry     `yaml:"sentry" json:"sentry"`
	Background Background `yaml:"background" json:"background"`
	Browser    Browser    `yaml:"browser" json:"browser"`
}

var defaultConfig = Config{
	Debug: false,
	RPC:   defaultRPC,
	Log: Log{
		OutPutFolder: "./",
		SaveLastLog:  false,
		SaveEveryLog: false,
		RotateDays:   7,
	},
	Store:      defaultStore,
	HLS:        defaultHLS,
	Probe:      defaultProbe,
	Network:    defaultNetwork,
	Proxy:      Proxy{},
	Sentry:     Sentry{Environment: "production"},
	Background: Background{PoolSize: 16},
	Browser:    defaultBrowser,
}

// 使用 atomic.Value 存放当前配置指针，避免并发读写造成 data race
var config atomic.Value // stores *Config

var currentDebug atomic.Bool

// 序列化所有 Update 操作，避免并发更新造成的丢写问题
var updateMu sync.Mutex

var ErrConfigVersionConflict = errors.New("config version conflict")

func SetCurrentConfig(cfg *Config) {
	if cfg == nil {
		config.Store((*Config)(nil))
		currentDebug.Store(false)
		return
	}
	config.Store(cfg)
	currentDebug.Store(cfg.Debug)
}

func GetCurrentConfig() *Config {
	v := config.Load()
	if v == nil {
		return nil
	}
	return v.(*Config)
}

// IsDebug 并发安全、低开销的 Debug 读取
func IsDebug() bool {
	return currentDebug.Load()
}

// Update 复制-修改-原子替换，persist 为 true 且配置来自文件时写回文件
func Update(mutator func(c *Config) error, persist bool) (*Config, error) {
	updateMu.Lock()
	defer updateMu.Unlock()
	old := GetCurrentConfig()
	var base *Config
	if old == nil {
		base = NewConfig()
	} else {
		cp := *old
		base = &cp
	}
	if err := mutator(base); err != nil {
		return nil, err
	}
	if old == nil {
		base.Version = 1
	} else {
		base.Version = old.Version + 1
	}
	if persist && base.File != "" {
		if err := base.Marshal(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}
	SetCurrentConfig(base)
	return base, nil
}

// UpdateCAS 版本不匹配时返回 ErrConfigVersionConflict
func UpdateCAS(expectedVersion int64, mutator func(c *Config) error, persist bool) (*Config, error) {
	updateMu.Lock()
	cur := GetCurrentConfig()
	var curVersion int64
	if cur != nil {
		curVersion = cur.Version
	}
	updateMu.Unlock()
	if curVersion != expectedVersion {
		return nil, ErrConfigVersionConflict
	}
	return Update(func(c *Config) error {
		if c.Version != expectedVersion {
			return ErrConfigVersionConflict
		}
		return mutator(c)
	}, persist)
}

// SetDebug 原子更新 Debug 标志并持久化
func SetDebug(v bool) (*Config, error) {
	return Update(func(c *Config) error { c.Debug = v; return nil }, true)
}

func NewConfig() *Config {
	c := defaultConfig
	return &c
}

// Verify will return an error when this config has problem.
func (c *Config) Verify() error {
	if c == nil {
		return fmt.Errorf("配置不存在")
	}
	if err := c.RPC.verify(); err != nil {
		return err
	}
	if c.Store.MaxEntries <= 0 {
		return fmt.Errorf("store.max_entries 必须大于 0")
	}
	if c.Store.MaxSamples <= 0 {
		return fmt.Errorf("store.max_samples 必须大于 0")
	}
	switch c.Store.OtherPolicy {
	case "keep", "reject":
	default:
		return fmt.Errorf(`store.other_policy 只能是 "keep" 或 "reject"，当前为 "%s"`, c.Store.OtherPolicy)
	}
	if c.Store.BaseURL != "" {
		if u, err := url.Parse(c.Store.BaseURL); err != nil || !u.IsAbs() {
			return fmt.Errorf(`store.base_url "%s" 不是绝对地址`, c.Store.BaseURL)
		}
	}
	if c.HLS.MaxConcurrency <= 0 {
		return fmt.Errorf("hls.max_concurrency 必须大于 0")
	}
	if c.HLS.MaxDepth <= 0 {
		return fmt.Errorf("hls.max_depth 必须大于 0")
	}
	if c.Probe.MaxVariants <= 0 {
		return fmt.Errorf("probe.max_variants 必须大于 0")
	}
	if c.Probe.RangeBytes <= 0 {
		return fmt.Errorf("probe.range_bytes 必须大于 0")
	}
	if c.Network.TimeoutSec <= 0 {
		return fmt.Errorf("network.timeout_sec 必须大于 0")
	}
	if c.Proxy.Enable {
		u, err := url.Parse(c.Proxy.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf(`无效的代理地址 "%s"`, c.Proxy.URL)
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf(`不支持的代理协议 "%s"`, u.Scheme)
		}
	}
	if c.Background.PoolSize <= 0 {
		return fmt.Errorf("background.pool_size 必须大于 0")
	}
	return nil
}

// Timeout 出站请求超时
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Network.TimeoutSec) * time.Second
}

// HostMinInterval 同一 host 的最小请求间隔
func (c *Config) HostMinInterval() time.Duration {
	return time.Duration(c.Network.HostMinIntervalMs) * time.Millisecond
}

func NewConfigWithBytes(b []byte) (*Config, error) {
	config := defaultConfig
	if err := yaml.Unmarshal(b, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func NewConfigWithFile(file string) (*Config, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("can`t open file: %s: %w", file, err)
	}
	config, err := NewConfigWithBytes(b)
	if err != nil {
		return nil, err
	}
	config.File = file
	// 补全缺失字段后写回
	if err := config.Marshal(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Marshal() error {
	if c.File == "" {
		return errors.New("config path not set")
	}
	b, err := c.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(c.File, b, 0644)
}

// Encode 序列化为带注释的 YAML
func (c *Config) Encode() ([]byte, error) {
	tempBytes, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(tempBytes, &node); err != nil {
		return nil, err
	}
	DecorateConfigNode(&node)

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
