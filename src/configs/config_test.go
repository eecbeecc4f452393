package configs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	assert.NoError(t, c.Verify())
	assert.Equal(t, 250, c.Store.MaxEntries)
	assert.Equal(t, 8, c.Store.MaxSamples)
	assert.Equal(t, 6, c.HLS.MaxConcurrency)
	assert.Equal(t, 5, c.Probe.MaxVariants)
	assert.Equal(t, 1024, c.Probe.RangeBytes)
	assert.True(t, c.HLS.MapIsProtection)

	// 默认配置是值拷贝，互不影响
	c.Store.MaxEntries = 1
	assert.Equal(t, 250, NewConfig().Store.MaxEntries)
}

func TestRPC_Verify(t *testing.T) {
	var rpc *RPC
	assert.NoError(t, rpc.verify())
	rpc = new(RPC)
	rpc.Bind = "foo@bar"
	assert.NoError(t, rpc.verify())
	rpc.Enable = true
	assert.Error(t, rpc.verify())
}

func TestConfig_Verify(t *testing.T) {
	var cfg *Config
	assert.Error(t, cfg.Verify())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"max entries", func(c *Config) { c.Store.MaxEntries = 0 }},
		{"max samples", func(c *Config) { c.Store.MaxSamples = -1 }},
		{"other policy", func(c *Config) { c.Store.OtherPolicy = "drop" }},
		{"relative base url", func(c *Config) { c.Store.BaseURL = "/watch" }},
		{"concurrency", func(c *Config) { c.HLS.MaxConcurrency = 0 }},
		{"depth", func(c *Config) { c.HLS.MaxDepth = 0 }},
		{"probe variants", func(c *Config) { c.Probe.MaxVariants = 0 }},
		{"range bytes", func(c *Config) { c.Probe.RangeBytes = 0 }},
		{"timeout", func(c *Config) { c.Network.TimeoutSec = 0 }},
		{"proxy scheme", func(c *Config) { c.Proxy = Proxy{Enable: true, URL: "ftp://127.0.0.1:21"} }},
		{"proxy host", func(c *Config) { c.Proxy = Proxy{Enable: true, URL: "socks5://"} }},
		{"pool size", func(c *Config) { c.Background.PoolSize = 0 }},
		{"rpc bind", func(c *Config) { c.RPC.Bind = "foo@bar" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConfig()
			tt.mutate(c)
			assert.Error(t, c.Verify())
		})
	}

	c := NewConfig()
	c.Proxy = Proxy{Enable: true, URL: "socks5://127.0.0.1:1080"}
	c.Store.BaseURL = "https://page.example.com/watch"
	assert.NoError(t, c.Verify())
}

func TestNewConfigWithBytes(t *testing.T) {
	c, err := NewConfigWithBytes([]byte(`
debug: true
store:
  max_entries: 10
hls:
  map_is_protection: false
`))
	require.NoError(t, err)
	assert.True(t, c.Debug)
	assert.Equal(t, 10, c.Store.MaxEntries)
	// 未出现的字段保持默认值
	assert.Equal(t, 8, c.Store.MaxSamples)
	assert.False(t, c.HLS.MapIsProtection)
	assert.Equal(t, 6, c.HLS.MaxConcurrency)

	_, err = NewConfigWithBytes([]byte("store: [1, 2"))
	assert.Error(t, err)
}

func TestEncodeCarriesComments(t *testing.T) {
	b, err := NewConfig().Encode()
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, "# 这个配置文件内的注释是自动生成的")
	assert.Contains(t, s, "max_entries: 250")
	assert.Contains(t, s, "# 登记表容量")
}

func TestUpdateCAS(t *testing.T) {
	SetCurrentConfig(nil)
	defer SetCurrentConfig(nil)

	c, err := Update(func(c *Config) error { c.Store.MaxEntries = 42; return nil }, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Version)
	assert.Equal(t, 42, GetCurrentConfig().Store.MaxEntries)

	_, err = UpdateCAS(0, func(c *Config) error { return nil }, false)
	assert.ErrorIs(t, err, ErrConfigVersionConflict)

	c, err = UpdateCAS(1, func(c *Config) error { c.Debug = true; return nil }, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.Version)
	assert.True(t, IsDebug())
}
