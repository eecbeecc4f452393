package configs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPersistence(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yml")
	initialContent := `
rpc:
  enable: true
debug: false
store:
  max_entries: 100
`
	err := os.WriteFile(configFile, []byte(initialContent), 0644)
	assert.NoError(t, err)

	cfg, err := NewConfigWithFile(configFile)
	assert.NoError(t, err)
	SetCurrentConfig(cfg)
	defer SetCurrentConfig(nil)

	// 加载时补全了缺失字段
	content, err := os.ReadFile(configFile)
	assert.NoError(t, err)
	assert.Contains(t, string(content), "max_concurrency: 6")
	assert.Contains(t, string(content), "max_entries: 100")

	_, err = SetDebug(true)
	assert.NoError(t, err)
	assert.True(t, GetCurrentConfig().Debug)

	contentAfter, err := os.ReadFile(configFile)
	assert.NoError(t, err)
	assert.True(t, strings.Contains(string(contentAfter), "debug: true"), "File should contain debug: true")

	// 非持久化更新不改动文件
	_, err = Update(func(c *Config) error { c.Store.MaxSamples = 3; return nil }, false)
	assert.NoError(t, err)
	assert.Equal(t, 3, GetCurrentConfig().Store.MaxSamples)
	contentTransient, err := os.ReadFile(configFile)
	assert.NoError(t, err)
	assert.Equal(t, string(contentAfter), string(contentTransient), "File content should not change")

	_, err = NewConfigWithFile(filepath.Join(tmpDir, "missing.yml"))
	assert.Error(t, err)
}
