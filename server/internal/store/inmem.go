package store

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"story-nav/server/internal/model"
)

type itemKey struct {
	author model.AuthorID
	item   model.ItemID
}

type authorRecord struct {
	info         model.AuthorInfo
	items        []model.ItemEntry // 按 id 升序
	readKnown    bool
	readBoundary model.ItemID
	pinnedSeen   map[model.ItemID]struct{}
}

// InMemoryStore 是一个基于内存的内容存储实现，同时扮演网络层的角色（占位符回填、统计刷新）。
//
// 约定：
// - 每个作者的内容列表只追加；相同 id 的写入整体替换（占位符 -> 内容），不会降级回占位符。
// - 已读边界单调推进。
// - 订阅回调在持锁状态下调用，回调必须立即返回且不能回调本存储。
type InMemoryStore struct {
	mu      sync.Mutex
	authors map[model.AuthorID]*authorRecord
	remote  map[itemKey]model.StoryItem
	views   map[itemKey]model.ViewStats

	entrySubs map[int]func([]model.AuthorEntry)
	itemSubs  map[model.AuthorID]map[int]func(model.AuthorItems)
	nextSub   int

	backfillDelay time.Duration
	selfID        model.AuthorID
	logger        *log.Logger
	wg            sync.WaitGroup
}

// StoreOption 定制内存存储。
type StoreOption func(*InMemoryStore)

// WithBackfillDelay 模拟网络回填延迟。
func WithBackfillDelay(d time.Duration) StoreOption {
	return func(s *InMemoryStore) {
		s.backfillDelay = d
	}
}

// WithSelfAuthor 指定当前用户，对应作者总是被标记为自己。
func WithSelfAuthor(id model.AuthorID) StoreOption {
	return func(s *InMemoryStore) {
		s.selfID = id
	}
}

// WithLogger 设置日志。
func WithLogger(logger *log.Logger) StoreOption {
	return func(s *InMemoryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewInMemoryStore(opts ...StoreOption) *InMemoryStore {
	s := &InMemoryStore{
		authors:   make(map[model.AuthorID]*authorRecord),
		remote:    make(map[itemKey]model.StoryItem),
		views:     make(map[itemKey]model.ViewStats),
		entrySubs: make(map[int]func([]model.AuthorEntry)),
		itemSubs:  make(map[model.AuthorID]map[int]func(model.AuthorItems)),
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutAuthor 新增或更新作者基础信息。
func (s *InMemoryStore) PutAuthor(info model.AuthorInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selfID != 0 && info.ID == s.selfID {
		info.IsSelf = true
	}
	rec, ok := s.authors[info.ID]
	if !ok {
		rec = &authorRecord{pinnedSeen: make(map[model.ItemID]struct{})}
		s.authors[info.ID] = rec
	}
	rec.info = info
	s.notifyLocked(info.ID)
}

// AppendItems 追加或替换作者的内容项。
func (s *InMemoryStore) AppendItems(authorID model.AuthorID, entries ...model.ItemEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.authors[authorID]
	if !ok {
		return fmt.Errorf("append items for %d: %w", authorID, ErrAuthorNotFound)
	}
	for _, e := range entries {
		rec.upsert(e)
	}
	s.notifyLocked(authorID)
	return nil
}

// ReplaceAuthorItems 用给定列表整体同步作者内容（夹具重载使用）。
func (s *InMemoryStore) ReplaceAuthorItems(authorID model.AuthorID, entries []model.ItemEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.authors[authorID]
	if !ok {
		return fmt.Errorf("replace items for %d: %w", authorID, ErrAuthorNotFound)
	}
	keep := make(map[model.ItemID]struct{}, len(entries))
	for _, e := range entries {
		keep[e.ID] = struct{}{}
	}
	filtered := rec.items[:0]
	for _, e := range rec.items {
		if _, ok := keep[e.ID]; ok {
			filtered = append(filtered, e)
		}
	}
	rec.items = filtered
	for _, e := range entries {
		rec.upsert(e)
	}
	s.notifyLocked(authorID)
	return nil
}

// RemoveAuthor 删除作者及其全部内容。
func (s *InMemoryStore) RemoveAuthor(authorID model.AuthorID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authors[authorID]; !ok {
		return
	}
	delete(s.authors, authorID)
	s.notifyLocked(authorID)
}

// StageRemote 登记一条“远端”内容，占位符回填时使用。
func (s *InMemoryStore) StageRemote(authorID model.AuthorID, item model.StoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote[itemKey{authorID, item.ID}] = item
}

// SetReadBoundary 设置已读边界（只前进不后退）。
func (s *InMemoryStore) SetReadBoundary(authorID model.AuthorID, boundary model.ItemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.authors[authorID]
	if !ok {
		return fmt.Errorf("set read boundary for %d: %w", authorID, ErrAuthorNotFound)
	}
	if rec.advance(boundary) {
		s.notifyLocked(authorID)
	}
	return nil
}

// MarkSeen 实现 SeenMarker。
func (s *InMemoryStore) MarkSeen(authorID model.AuthorID, itemID model.ItemID, asPinned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.authors[authorID]
	if !ok {
		return
	}
	changed := rec.advance(itemID)
	if asPinned {
		rec.pinnedSeen[itemID] = struct{}{}
	}
	if changed {
		s.notifyLocked(authorID)
	}
}

// PinnedSeen 报告置顶内容是否被标记为已看。
func (s *InMemoryStore) PinnedSeen(authorID model.AuthorID, itemID model.ItemID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.authors[authorID]
	if !ok {
		return false
	}
	_, seen := rec.pinnedSeen[itemID]
	return seen
}

// Expire 移除已过期的内容，返回移除数量。
func (s *InMemoryStore) Expire(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.authors {
		kept := rec.items[:0]
		for _, e := range rec.items {
			if e.Item != nil && !e.Item.ExpirationTimestamp.IsZero() && !e.Item.ExpirationTimestamp.After(now) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) != len(rec.items) {
			rec.items = kept
			s.notifyLocked(id)
		}
	}
	return removed
}

// RecordView 记录一次浏览，只有在刷新统计后才会出现在内容上。
func (s *InMemoryStore) RecordView(authorID model.AuthorID, itemID model.ItemID, viewer model.AuthorID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := itemKey{authorID, itemID}
	stats := s.views[key]
	stats.SeenCount++
	stats.RecentViewers = append([]model.AuthorID{viewer}, stats.RecentViewers...)
	if len(stats.RecentViewers) > 3 {
		stats.RecentViewers = stats.RecentViewers[:3]
	}
	s.views[key] = stats
}

// RequestBackfill 实现 Backfiller：异步把占位符替换为远端内容。
// 远端没有的内容保持占位符，不重试。
func (s *InMemoryStore) RequestBackfill(authorID model.AuthorID, ids []model.ItemID) {
	requested := append([]model.ItemID(nil), ids...)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.backfillDelay > 0 {
			time.Sleep(s.backfillDelay)
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		rec, ok := s.authors[authorID]
		if !ok {
			return
		}
		resolved := 0
		for _, id := range requested {
			item, ok := s.remote[itemKey{authorID, id}]
			if !ok {
				continue
			}
			if rec.resolvePlaceholder(item) {
				resolved++
			}
		}
		if resolved > 0 {
			s.notifyLocked(authorID)
		}
		s.logger.Printf("[Store] Backfill author=%d requested=%d resolved=%d", authorID, len(requested), resolved)
	}()
}

// RefreshMetadata 实现 MetadataRefresher：异步把最新浏览统计写回内容。
func (s *InMemoryStore) RefreshMetadata(authorID model.AuthorID, ids []model.ItemID) Cancellable {
	ctx, cancel := context.WithCancel(context.Background())
	requested := append([]model.ItemID(nil), ids...)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}

		rec, ok := s.authors[authorID]
		if !ok {
			return
		}
		updated := 0
		for _, id := range requested {
			stats, ok := s.views[itemKey{authorID, id}]
			if !ok {
				continue
			}
			if rec.applyViews(id, stats) {
				updated++
			}
		}
		if updated > 0 {
			s.notifyLocked(authorID)
		}
		s.logger.Printf("[Store] Metadata refresh author=%d items=%d updated=%d", authorID, len(requested), updated)
	}()
	return CancelFn(cancel)
}

// Wait 等待所有异步请求结束（测试与关闭时使用）。
func (s *InMemoryStore) Wait() {
	s.wg.Wait()
}

// Entries 返回当前作者列表快照。
func (s *InMemoryStore) Entries() []model.AuthorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entriesLocked()
}

// Items 返回作者视图快照。
func (s *InMemoryStore) Items(authorID model.AuthorID) (model.AuthorItems, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authors[authorID]; !ok {
		return model.AuthorItems{}, ErrAuthorNotFound
	}
	return s.itemsLocked(authorID), nil
}

// SubscribeAuthorEntries 实现 Source。
func (s *InMemoryStore) SubscribeAuthorEntries(deliver func([]model.AuthorEntry)) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	id := s.nextSub
	s.entrySubs[id] = deliver
	deliver(s.entriesLocked())

	return s.cancelOnce(func() {
		delete(s.entrySubs, id)
	})
}

// SubscribeAuthorItems 实现 Source。
func (s *InMemoryStore) SubscribeAuthorItems(authorID model.AuthorID, deliver func(model.AuthorItems)) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	id := s.nextSub
	subs, ok := s.itemSubs[authorID]
	if !ok {
		subs = make(map[int]func(model.AuthorItems))
		s.itemSubs[authorID] = subs
	}
	subs[id] = deliver
	deliver(s.itemsLocked(authorID))

	return s.cancelOnce(func() {
		if subs, ok := s.itemSubs[authorID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(s.itemSubs, authorID)
			}
		}
	})
}

// SubscriberCount 返回某作者当前的订阅数量。
func (s *InMemoryStore) SubscriberCount(authorID model.AuthorID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.itemSubs[authorID])
}

func (s *InMemoryStore) cancelOnce(fn func()) CancelFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			fn()
		})
	}
}

// notifyLocked 先通知作者列表再通知内容：作者被移除或清空时，
// 订阅方先看到顺序变化，再看到空的内容视图。
func (s *InMemoryStore) notifyLocked(authorID model.AuthorID) {
	if len(s.entrySubs) > 0 {
		entries := s.entriesLocked()
		for _, deliver := range s.entrySubs {
			deliver(entries)
		}
	}
	if subs := s.itemSubs[authorID]; len(subs) > 0 {
		view := s.itemsLocked(authorID)
		for _, deliver := range subs {
			deliver(view)
		}
	}
}

func (s *InMemoryStore) itemsLocked(authorID model.AuthorID) model.AuthorItems {
	rec, ok := s.authors[authorID]
	if !ok {
		return model.AuthorItems{}
	}
	info := rec.info
	items := make([]model.ItemEntry, len(rec.items))
	copy(items, rec.items)
	return model.AuthorItems{
		Author:         &info,
		ReadStateKnown: rec.readKnown,
		ReadBoundary:   rec.readBoundary,
		Items:          items,
	}
}

// entriesLocked 生成上游作者列表：有未读的在前，其次按最近发布时间倒序。
// 这个顺序会随阅读而变化，稳定顺序由排序器负责。
func (s *InMemoryStore) entriesLocked() []model.AuthorEntry {
	entries := make([]model.AuthorEntry, 0, len(s.authors))
	for id, rec := range s.authors {
		if len(rec.items) == 0 {
			continue
		}
		e := model.AuthorEntry{AuthorID: id, ItemCount: len(rec.items)}
		for _, item := range rec.items {
			if item.Item == nil {
				continue
			}
			if item.Item.Timestamp.After(e.LastTimestamp) {
				e.LastTimestamp = item.Item.Timestamp
			}
			if !rec.readKnown || item.ID > rec.readBoundary {
				e.HasUnseen = true
			}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.HasUnseen != b.HasUnseen {
			return a.HasUnseen
		}
		if !a.LastTimestamp.Equal(b.LastTimestamp) {
			return a.LastTimestamp.After(b.LastTimestamp)
		}
		return a.AuthorID < b.AuthorID
	})
	return entries
}

func (r *authorRecord) upsert(e model.ItemEntry) {
	i := sort.Search(len(r.items), func(i int) bool { return r.items[i].ID >= e.ID })
	if i < len(r.items) && r.items[i].ID == e.ID {
		if e.IsPlaceholder() && !r.items[i].IsPlaceholder() {
			return
		}
		r.items[i] = e
		return
	}
	r.items = append(r.items, model.ItemEntry{})
	copy(r.items[i+1:], r.items[i:])
	r.items[i] = e
}

func (r *authorRecord) resolvePlaceholder(item model.StoryItem) bool {
	for i, e := range r.items {
		if e.ID == item.ID {
			if !e.IsPlaceholder() {
				return false
			}
			r.items[i] = model.Materialized(item)
			return true
		}
	}
	return false
}

func (r *authorRecord) applyViews(id model.ItemID, stats model.ViewStats) bool {
	for i, e := range r.items {
		if e.ID != id || e.Item == nil {
			continue
		}
		if e.Item.Views.Equal(&stats) {
			return false
		}
		updated := *e.Item
		viewers := append([]model.AuthorID(nil), stats.RecentViewers...)
		updated.Views = &model.ViewStats{SeenCount: stats.SeenCount, RecentViewers: viewers}
		r.items[i] = model.Materialized(updated)
		return true
	}
	return false
}

func (r *authorRecord) advance(boundary model.ItemID) bool {
	if r.readKnown && boundary <= r.readBoundary {
		return false
	}
	r.readKnown = true
	r.readBoundary = boundary
	return true
}
