package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"story-nav/server/internal/metrics"
	"story-nav/server/internal/model"
	"story-nav/server/internal/preload"
	"story-nav/server/internal/store"
)

const (
	DefaultCacheSize = 256
	DefaultTimeout   = 30 * time.Second
)

type Config struct {
	BaseURL   string
	CacheSize int
	Timeout   time.Duration
	Client    *http.Client
	Metrics   *metrics.Metrics
	Logger    *log.Logger
}

// Fetcher 通过 HTTP 拉取媒体资源，并记住已经预取完成的资源。
//
// 约定：
// - 有大小提示时只请求前 sizeHint 字节（Range），否则整体拉取。
// - 每次拉取在独立 goroutine 中进行，Cancel 取消底层请求。
// - 失败只记录日志与指标，不重试。
type Fetcher struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
	cache   *lru.Cache[string, int64]
	metrics *metrics.Metrics
	logger  *log.Logger
	wg      sync.WaitGroup
}

func NewFetcher(cfg Config) (*Fetcher, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse media base url: %w", err)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	cache, err := lru.New[string, int64](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create media cache: %w", err)
	}
	return &Fetcher{
		base:    base,
		client:  cfg.Client,
		timeout: cfg.Timeout,
		cache:   cache,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}, nil
}

// ResolveResource 实现 preload.Fetcher。
func (f *Fetcher) ResolveResource(item model.StoryItem) (preload.Descriptor, bool) {
	if item.Media.Handle == "" {
		return preload.Descriptor{}, false
	}
	return preload.Descriptor{
		ID:       item.Media.Handle,
		Handle:   item.Media.Handle,
		SizeHint: item.Media.SizeHint,
	}, true
}

// FetchResource 实现 preload.Fetcher。
func (f *Fetcher) FetchResource(handle string, sizeHint int64) store.Cancellable {
	if f.cache.Contains(handle) {
		f.metrics.Preload(metrics.PreloadCached)
		return store.CancelFn(nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer cancel()

		n, err := f.fetch(ctx, handle, sizeHint)
		switch {
		case errors.Is(err, context.Canceled):
			f.logger.Printf("[Media] Fetch cancelled handle=%s", handle)
		case err != nil:
			f.metrics.Preload(metrics.PreloadFailed)
			f.logger.Printf("[Media] ⚠️ Fetch failed handle=%s: %v", handle, err)
		default:
			f.cache.Add(handle, n)
			f.metrics.Preload(metrics.PreloadCompleted)
			f.logger.Printf("[Media] Preloaded handle=%s bytes=%d", handle, n)
		}
	}()
	return store.CancelFn(cancel)
}

func (f *Fetcher) fetch(ctx context.Context, handle string, sizeHint int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base.JoinPath(handle).String(), nil)
	if err != nil {
		return 0, err
	}
	if sizeHint > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", sizeHint-1))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return n, err
	}
	return n, nil
}

// Preloaded 报告资源是否已经预取完成。
func (f *Fetcher) Preloaded(handle string) bool {
	return f.cache.Contains(handle)
}

// Wait 等待进行中的拉取结束。
func (f *Fetcher) Wait() {
	f.wg.Wait()
}
