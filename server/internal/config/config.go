package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"story-nav/server/internal/model"
)

var ErrInvalid = errors.New("invalid config")

// Config 全局配置
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Navigation NavigationConfig `yaml:"navigation"`
	Preload    PreloadConfig    `yaml:"preload"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	Queue      QueueConfig      `yaml:"queue"`
	Media      MediaConfig      `yaml:"media"`
	Fixture    FixtureConfig    `yaml:"fixture"`
	Session    SessionConfig    `yaml:"session"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type NavigationConfig struct {
	Lookahead      int `yaml:"lookahead"`
	BackfillRadius int `yaml:"backfill_radius"`
}

type PreloadConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

type MetadataConfig struct {
	MaxItems     int           `yaml:"max_items"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

type MediaConfig struct {
	// BaseURL 为空时使用本服务自己的 /media 路由
	BaseURL   string        `yaml:"base_url"`
	CacheSize int           `yaml:"cache_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type FixtureConfig struct {
	Path          string        `yaml:"path"`
	Watch         bool          `yaml:"watch"`
	BackfillDelay time.Duration `yaml:"backfill_delay"`
}

// SessionConfig 会话起点
type SessionConfig struct {
	SelfAuthor  int64 `yaml:"self_author"`
	FocusAuthor int64 `yaml:"focus_author"` // 0 表示不指定
	// FocusItem 是 FocusAuthor 的初始条目，为空时按已读状态推导
	FocusItem *int64 `yaml:"focus_item"`
}

// FocusAuthorID 返回会话起点作者，未指定时为 nil。
func (s SessionConfig) FocusAuthorID() *model.AuthorID {
	if s.FocusAuthor == 0 {
		return nil
	}
	id := model.AuthorID(s.FocusAuthor)
	return &id
}

// FocusItemID 返回起点作者的初始条目，未指定时为 nil。
func (s SessionConfig) FocusItemID() *model.ItemID {
	if s.FocusItem == nil {
		return nil
	}
	return model.ItemPtr(model.ItemID(*s.FocusItem))
}

type LoggingConfig struct {
	Output string `yaml:"output"` // stdout | stderr | 文件路径
	Prefix string `yaml:"prefix"`
}

// Default 返回默认配置。
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Navigation: NavigationConfig{Lookahead: 3, BackfillRadius: 2},
		Preload:    PreloadConfig{MaxConcurrent: 3},
		Metadata:   MetadataConfig{MaxItems: 3, PollInterval: 30 * time.Second},
		Queue:      QueueConfig{Capacity: 100},
		Media:      MediaConfig{CacheSize: 256, Timeout: 30 * time.Second},
		Fixture:    FixtureConfig{Path: "server/configs/stories.yaml", Watch: true},
		Logging:    LoggingConfig{Output: "stdout"},
	}
}

// Load 从文件加载配置，未出现的字段保留默认值。path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fmt.Printf("📋 Loading config from: %s\n", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	fmt.Printf("📊 Configuration Summary:\n")
	fmt.Printf("   Server: %s\n", cfg.Server.Addr())
	fmt.Printf("   Fixture: %s (watch=%v)\n", cfg.Fixture.Path, cfg.Fixture.Watch)
	fmt.Printf("   Lookahead: %d, Max preloads: %d\n", cfg.Navigation.Lookahead, cfg.Preload.MaxConcurrent)
	if cfg.Media.BaseURL != "" {
		fmt.Printf("   Media: %s\n", cfg.Media.BaseURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if addr := os.Getenv("STORYNAV_ADDR"); addr != "" {
		host, port, err := splitAddr(addr)
		if err != nil {
			return fmt.Errorf("STORYNAV_ADDR: %w", err)
		}
		c.Server.Host, c.Server.Port = host, port
	}
	if path := os.Getenv("STORYNAV_FIXTURE"); path != "" {
		c.Fixture.Path = path
	}
	if self := os.Getenv("STORYNAV_SELF_AUTHOR"); self != "" {
		id, err := strconv.ParseInt(self, 10, 64)
		if err != nil {
			return fmt.Errorf("STORYNAV_SELF_AUTHOR: %w", err)
		}
		c.Session.SelfAuthor = id
	}
	if base := os.Getenv("STORYNAV_MEDIA_BASE_URL"); base != "" {
		c.Media.BaseURL = base
	}
	return nil
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("%w: server port %d", ErrInvalid, c.Server.Port)
	case c.Navigation.Lookahead < 1 || c.Navigation.Lookahead > 8:
		return fmt.Errorf("%w: lookahead must be within 1..8, got %d", ErrInvalid, c.Navigation.Lookahead)
	case c.Navigation.BackfillRadius < 0:
		return fmt.Errorf("%w: backfill radius %d", ErrInvalid, c.Navigation.BackfillRadius)
	case c.Preload.MaxConcurrent < 1:
		return fmt.Errorf("%w: preload max_concurrent must be >= 1", ErrInvalid)
	case c.Metadata.MaxItems < 1:
		return fmt.Errorf("%w: metadata max_items must be >= 1", ErrInvalid)
	case c.Metadata.PollInterval < 0:
		return fmt.Errorf("%w: metadata poll_interval %s", ErrInvalid, c.Metadata.PollInterval)
	case c.Queue.Capacity < 1:
		return fmt.Errorf("%w: queue capacity must be >= 1", ErrInvalid)
	case c.Fixture.Path == "":
		return fmt.Errorf("%w: fixture path is required", ErrInvalid)
	case c.Session.FocusItem != nil && c.Session.FocusAuthor == 0:
		return fmt.Errorf("%w: session focus_item requires focus_author", ErrInvalid)
	}
	return nil
}

// Addr 返回监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NewLogger 按 logging 配置创建日志；返回的 closer 用于关闭日志文件。
func (l LoggingConfig) NewLogger() (*log.Logger, io.Closer, error) {
	var (
		w      io.Writer
		closer io.Closer = io.NopCloser(nil)
	)
	switch l.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(l.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}
	return log.New(w, l.Prefix, log.LstdFlags|log.Lmicroseconds), closer, nil
}
