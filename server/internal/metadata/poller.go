package metadata

import (
	"log"
	"slices"
	"sync"

	"story-nav/server/internal/metrics"
	"story-nav/server/internal/model"
	"story-nav/server/internal/navigation"
	"story-nav/server/internal/store"
)

const (
	DefaultMaxItems  = 3
	DefaultLookahead = 3
)

// Batch 是一个作者的一次批量刷新。
type Batch struct {
	AuthorID model.AuthorID
	ItemIDs  []model.ItemID
}

// Collect 从快照中收集自己发布的条目：先是当前条目，再是前瞻遍历中的条目，最多 maxItems 个，按作者分组。
func Collect(snap navigation.Snapshot, lookahead, maxItems int) []Batch {
	var batches []Batch
	count := 0
	add := func(author model.AuthorID, id model.ItemID) {
		if count >= maxItems {
			return
		}
		for i := range batches {
			if batches[i].AuthorID != author {
				continue
			}
			if slices.Contains(batches[i].ItemIDs, id) {
				return
			}
			batches[i].ItemIDs = append(batches[i].ItemIDs, id)
			count++
			return
		}
		batches = append(batches, Batch{AuthorID: author, ItemIDs: []model.ItemID{id}})
		count++
	}

	if c := snap.Central; c != nil && c.Author.IsSelf && c.Item != nil {
		add(c.Author.ID, c.ItemID)
	}
	for _, it := range snap.Lookahead(lookahead) {
		if it.Author.IsSelf {
			add(it.Author.ID, it.Item.ID)
		}
	}
	return batches
}

type Option func(*Poller)

func WithMaxItems(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.maxItems = n
		}
	}
}

func WithLookahead(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.lookahead = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) {
		p.metrics = m
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Poller 让自己发布内容的浏览统计保持新鲜。
//
// 约定：
// - 每次状态变化最多为每个作者发出一个批量请求；新批次发出前取消上一批。
// - 内容与上一批相同则不重复请求，定时刷新由调用方通过 Poll 驱动。
type Poller struct {
	refresher store.MetadataRefresher
	maxItems  int
	lookahead int
	metrics   *metrics.Metrics
	logger    *log.Logger

	mu       sync.Mutex
	last     []Batch
	inflight []store.Cancellable
	closed   bool
}

func NewPoller(refresher store.MetadataRefresher, opts ...Option) *Poller {
	p := &Poller{
		refresher: refresher,
		maxItems:  DefaultMaxItems,
		lookahead: DefaultLookahead,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Update 根据新快照决定需要刷新的条目。
func (p *Poller) Update(snap navigation.Snapshot) {
	batches := Collect(snap, p.lookahead, p.maxItems)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || sameBatches(p.last, batches) {
		return
	}
	p.last = batches
	p.issueLocked()
}

// Poll 重新发出上一批请求。
func (p *Poller) Poll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.issueLocked()
}

// Current 返回上一批请求的内容。
func (p *Poller) Current() []Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.last)
}

func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cancelLocked()
}

func (p *Poller) issueLocked() {
	p.cancelLocked()
	for _, b := range p.last {
		p.inflight = append(p.inflight, p.refresher.RefreshMetadata(b.AuthorID, b.ItemIDs))
		p.metrics.MetadataBatch()
		p.logger.Printf("[Metadata] Refresh author=%d items=%v", b.AuthorID, b.ItemIDs)
	}
}

func (p *Poller) cancelLocked() {
	for _, c := range p.inflight {
		c.Cancel()
	}
	p.inflight = nil
}

func sameBatches(a, b []Batch) bool {
	return slices.EqualFunc(a, b, func(x, y Batch) bool {
		return x.AuthorID == y.AuthorID && slices.Equal(x.ItemIDs, y.ItemIDs)
	})
}
