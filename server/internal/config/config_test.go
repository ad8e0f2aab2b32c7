package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"story-nav/server/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storynav.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// TestLoadKeepsDefaults 验证文件中未出现的字段保留默认值。
func TestLoadKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
navigation:
  lookahead: 4
metadata:
  poll_interval: 5s
fixture:
  path: stories.yaml
  watch: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 4, cfg.Navigation.Lookahead)
	assert.Equal(t, 2, cfg.Navigation.BackfillRadius)
	assert.Equal(t, 3, cfg.Preload.MaxConcurrent)
	assert.Equal(t, 5*time.Second, cfg.Metadata.PollInterval)
	assert.False(t, cfg.Fixture.Watch)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
}

// TestLoadEnvOverrides 验证环境变量覆盖文件配置。
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STORYNAV_ADDR", "127.0.0.1:7000")
	t.Setenv("STORYNAV_FIXTURE", "/tmp/other.yaml")
	t.Setenv("STORYNAV_SELF_AUTHOR", "42")
	t.Setenv("STORYNAV_MEDIA_BASE_URL", "http://cdn.local/media")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "/tmp/other.yaml", cfg.Fixture.Path)
	assert.Equal(t, int64(42), cfg.Session.SelfAuthor)
	assert.Equal(t, "http://cdn.local/media", cfg.Media.BaseURL)

	t.Setenv("STORYNAV_SELF_AUTHOR", "me")
	_, err = Load("")
	assert.Error(t, err)
}

// TestValidate 验证边界检查。
func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"lookahead zero", func(c *Config) { c.Navigation.Lookahead = 0 }},
		{"lookahead too large", func(c *Config) { c.Navigation.Lookahead = 9 }},
		{"no preloads", func(c *Config) { c.Preload.MaxConcurrent = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"no fixture", func(c *Config) { c.Fixture.Path = "" }},
		{"queue", func(c *Config) { c.Queue.Capacity = 0 }},
		{"focus item without author", func(c *Config) {
			item := int64(3)
			c.Session.FocusItem = &item
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

// TestLoadRejectsBrokenYAML 验证解析错误被包装返回。
func TestLoadRejectsBrokenYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [1, 2"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// TestNewLogger 验证日志输出到文件。
func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nav.log")
	logger, closer, err := LoggingConfig{Output: path, Prefix: "[nav] "}.NewLogger()
	require.NoError(t, err)
	logger.Printf("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[nav] ")
	assert.Contains(t, string(data), "hello")
}

// TestLoadSessionFocus 验证会话起点作者与初始条目从配置读出；条目 0 也是合法的起点。
func TestLoadSessionFocus(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
session:
  focus_author: 7
  focus_item: 0
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Session.FocusAuthorID())
	assert.Equal(t, model.AuthorID(7), *cfg.Session.FocusAuthorID())
	require.NotNil(t, cfg.Session.FocusItemID())
	assert.Equal(t, model.ItemID(0), *cfg.Session.FocusItemID())

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Nil(t, cfg.Session.FocusAuthorID())
	assert.Nil(t, cfg.Session.FocusItemID())
}
