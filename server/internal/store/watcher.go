package store

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultFixtureDebounce = 200 * time.Millisecond

// FixtureWatcher 监听夹具文件，变化后重新同步进存储，
// 从而产生真实的上游变更通知。
type FixtureWatcher struct {
	path     string
	store    *InMemoryStore
	epoch    time.Time
	debounce time.Duration
	logger   *log.Logger
}

// NewFixtureWatcher 创建监听器，epoch 是夹具中相对时间的基准，重载时保持不变，
// 否则每次重载都会让全部内容看起来被整体替换。
func NewFixtureWatcher(path string, store *InMemoryStore, epoch time.Time, logger *log.Logger) (*FixtureWatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("fixture watcher: store required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("fixture watcher: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &FixtureWatcher{
		path:     filepath.Clean(abs),
		store:    store,
		epoch:    epoch,
		debounce: defaultFixtureDebounce,
		logger:   logger,
	}, nil
}

// Load 读取并应用一次夹具。
func (w *FixtureWatcher) Load() error {
	fx, err := LoadFixture(w.path)
	if err != nil {
		return err
	}
	if err := w.store.ApplyFixture(fx, w.epoch); err != nil {
		return err
	}
	w.logger.Printf("[FixtureWatcher] Applied fixture %s authors=%d", w.path, len(fx.Authors))
	return nil
}

// Run 阻塞监听直到 ctx 取消。监听的是所在目录，编辑器的原子替换（rename）也能被捕获。
func (w *FixtureWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fixture watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("fixture watcher: watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Printf("[FixtureWatcher] Watching %s", w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.Load(); err != nil {
				w.logger.Printf("[FixtureWatcher] ⚠️  Reload failed: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("[FixtureWatcher] Watch error: %v", err)
		}
	}
}
