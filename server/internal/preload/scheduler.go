package preload

import (
	"log"
	"sort"
	"sync"

	"story-nav/server/internal/metrics"
	"story-nav/server/internal/model"
	"story-nav/server/internal/navigation"
	"story-nav/server/internal/store"
)

const (
	DefaultMaxConcurrent = 3
	DefaultLookahead     = 3
)

// Descriptor 描述一个可预取的资源。
type Descriptor struct {
	ID       string
	Handle   string
	SizeHint int64 // 0 表示未知，整体拉取
}

// Fetcher 由网络层提供。
type Fetcher interface {
	ResolveResource(item model.StoryItem) (Descriptor, bool)
	FetchResource(handle string, sizeHint int64) store.Cancellable
}

type Option func(*Scheduler)

func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithLookahead 设置每个作者参与预取的前瞻条目数。
func WithLookahead(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.lookahead = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type activeFetch struct {
	task   model.PreloadTask
	handle store.Cancellable
}

// Scheduler 在每次状态发布时重算预取集合，并与进行中的请求做差量对账。
//
// 约定：
// - 候选顺序：中心作者的前瞻环在前，下一个作者的前瞻环在后；位置即优先级（0 最紧急）。
// - 同时最多 maxConcurrent 个资源。
// - 仍然有效的请求保持不动；不再有效的立即取消；不重试失败的请求。
type Scheduler struct {
	fetcher       Fetcher
	maxConcurrent int
	lookahead     int
	metrics       *metrics.Metrics
	logger        *log.Logger

	mu     sync.Mutex
	active map[string]activeFetch
	closed bool
}

func NewScheduler(fetcher Fetcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		fetcher:       fetcher,
		maxConcurrent: DefaultMaxConcurrent,
		lookahead:     DefaultLookahead,
		logger:        log.Default(),
		active:        make(map[string]activeFetch),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type plannedTask struct {
	task   model.PreloadTask
	handle string
}

// Plan 返回快照对应的预取任务（不触发请求）。
func (s *Scheduler) Plan(snap navigation.Snapshot) []model.PreloadTask {
	planned := s.plan(snap)
	out := make([]model.PreloadTask, 0, len(planned))
	for _, p := range planned {
		out = append(out, p.task)
	}
	return out
}

func (s *Scheduler) plan(snap navigation.Snapshot) []plannedTask {
	candidates := snap.Lookahead(s.lookahead)
	if len(candidates) > s.maxConcurrent {
		candidates = candidates[:s.maxConcurrent]
	}

	out := make([]plannedTask, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for priority, c := range candidates {
		desc, ok := s.fetcher.ResolveResource(c.Item)
		if !ok {
			continue
		}
		if _, dup := seen[desc.ID]; dup {
			continue
		}
		seen[desc.ID] = struct{}{}
		out = append(out, plannedTask{
			task: model.PreloadTask{
				ResourceID: desc.ID,
				SizeHint:   desc.SizeHint,
				Priority:   priority,
			},
			handle: desc.Handle,
		})
	}
	return out
}

// Update 用新快照对账。
func (s *Scheduler) Update(snap navigation.Snapshot) {
	planned := s.plan(snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	valid := make(map[string]struct{}, len(planned))
	for _, p := range planned {
		valid[p.task.ResourceID] = struct{}{}
		if cur, ok := s.active[p.task.ResourceID]; ok {
			cur.task.Priority = p.task.Priority
			s.active[p.task.ResourceID] = cur
			continue
		}
		s.active[p.task.ResourceID] = activeFetch{
			task:   p.task,
			handle: s.fetcher.FetchResource(p.handle, p.task.SizeHint),
		}
		s.metrics.Preload(metrics.PreloadStarted)
		s.logger.Printf("[Preload] Start resource=%s priority=%d size=%d", p.task.ResourceID, p.task.Priority, p.task.SizeHint)
	}

	for id, cur := range s.active {
		if _, ok := valid[id]; ok {
			continue
		}
		cur.handle.Cancel()
		delete(s.active, id)
		s.metrics.Preload(metrics.PreloadCancelled)
		s.logger.Printf("[Preload] Cancel resource=%s", id)
	}
	s.metrics.PreloadInflight(len(s.active))
}

// Active 返回当前跟踪的任务，按优先级排序。
func (s *Scheduler) Active() []model.PreloadTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.PreloadTask, 0, len(s.active))
	for _, cur := range s.active {
		out = append(out, cur.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Close 取消全部请求，之后的 Update 被忽略。
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, cur := range s.active {
		cur.handle.Cancel()
		delete(s.active, id)
	}
	s.metrics.PreloadInflight(0)
}
