package navigation

import (
	"fmt"
	"log"

	"story-nav/server/internal/model"
	"story-nav/server/internal/store"
)

const (
	DefaultLookahead      = 3
	DefaultBackfillRadius = 2
)

// Executor 是串行执行上下文，所有核心状态只在它上面读写。
type Executor interface {
	Post(task func())
}

// ContextConfig 创建 AuthorContext 的参数。
type ContextConfig struct {
	AuthorID model.AuthorID
	// InitialFocus 希望首先展示的条目，找不到时按其余规则解析。
	InitialFocus *model.ItemID
	// Backfill 请求把占位符解析为内容，发后即忘。
	Backfill       func(authorID model.AuthorID, ids []model.ItemID)
	Lookahead      int
	BackfillRadius int
	Logger         *log.Logger
}

// AuthorContext 把某个作者的原始内容列表、聚焦游标与已读状态归约为一个 FocusedSlice。
//
// 职责与契约：
// - 聚焦解析每次上游更新都会重跑（explicit -> sticky -> unread -> first -> none）。
// - 解析结果写回 sticky，之后优先保持位置稳定，而不是重新从已读状态推导。
// - 首次解析完成（包括空结果）即 ready；ready 不代表非空。
// - 只有切片或前瞻环结构化变化时才通知监听者。
//
// 非并发安全：除 Start 中注册的上游回调外，所有方法只能在串行队列上调用。
type AuthorContext struct {
	authorID       model.AuthorID
	exec           Executor
	backfill       func(model.AuthorID, []model.ItemID)
	lookahead      int
	backfillRadius int
	logger         *log.Logger

	explicit *model.ItemID
	sticky   *model.ItemID

	view     *model.AuthorItems
	author   *model.AuthorInfo
	slice    *model.FocusedSlice
	ahead    []model.StoryItem
	ready    bool
	lastRule focusRule

	requested map[model.ItemID]struct{}

	cancel       store.CancelFunc
	closed       bool
	listeners    map[int]func()
	nextListener int
}

// NewAuthorContext 创建上下文，调用 Start 之后才会订阅上游。
func NewAuthorContext(cfg ContextConfig, exec Executor) *AuthorContext {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.BackfillRadius <= 0 {
		cfg.BackfillRadius = DefaultBackfillRadius
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	c := &AuthorContext{
		authorID:       cfg.AuthorID,
		exec:           exec,
		backfill:       cfg.Backfill,
		lookahead:      cfg.Lookahead,
		backfillRadius: cfg.BackfillRadius,
		logger:         cfg.Logger,
		requested:      make(map[model.ItemID]struct{}),
		listeners:      make(map[int]func()),
		lastRule:       focusNone,
	}
	if cfg.InitialFocus != nil {
		c.explicit = model.ItemPtr(*cfg.InitialFocus)
	}
	return c
}

// Start 订阅上游。上游回调可能在任意 goroutine 上触发，统一转投到串行队列。
func (c *AuthorContext) Start(src store.Source) {
	if c.cancel != nil || c.closed {
		return
	}
	c.cancel = src.SubscribeAuthorItems(c.authorID, func(view model.AuthorItems) {
		c.exec.Post(func() { c.Apply(view) })
	})
}

// Apply 处理一次上游快照。
func (c *AuthorContext) Apply(view model.AuthorItems) {
	if c.closed {
		return
	}
	c.view = &view
	c.recompute()
}

// AuthorID 返回作者 id。
func (c *AuthorContext) AuthorID() model.AuthorID {
	return c.authorID
}

// Ready 报告是否已完成过一次解析。
func (c *AuthorContext) Ready() bool {
	return c.ready
}

// Slice 返回最近一次解析结果，可能为 nil。
func (c *AuthorContext) Slice() *model.FocusedSlice {
	return c.slice
}

// Ahead 返回聚焦项之后的已物化条目（前瞻环）。
func (c *AuthorContext) Ahead() []model.StoryItem {
	return c.ahead
}

// Author 返回作者基础信息，上游未知时为 nil。
func (c *AuthorContext) Author() *model.AuthorInfo {
	return c.author
}

// FocusSource 返回最近一次解析命中的规则名。
func (c *AuthorContext) FocusSource() string {
	return c.lastRule.String()
}

// Closed 报告上下文是否已销毁。
func (c *AuthorContext) Closed() bool {
	return c.closed
}

// Item 在当前视图中查找已物化的条目。
func (c *AuthorContext) Item(id model.ItemID) (model.StoryItem, bool) {
	if c.view == nil {
		return model.StoryItem{}, false
	}
	for _, e := range c.view.Items {
		if e.ID == id && e.Item != nil {
			return *e.Item, true
		}
	}
	return model.StoryItem{}, false
}

// SetFocus 设置显式聚焦并立即重算。
func (c *AuthorContext) SetFocus(id model.ItemID) {
	if c.closed {
		return
	}
	c.explicit = model.ItemPtr(id)
	if c.view != nil {
		c.recompute()
	}
}

// ResetFocus 清除显式与 sticky 游标，下次解析重新从已读状态推导。
func (c *AuthorContext) ResetFocus() {
	if c.closed {
		return
	}
	c.explicit = nil
	c.sticky = nil
	if c.view != nil {
		c.recompute()
	}
}

// OnUpdate 注册变化监听，返回注销函数。
func (c *AuthorContext) OnUpdate(fn func()) func() {
	c.nextListener++
	id := c.nextListener
	c.listeners[id] = fn
	return func() {
		delete(c.listeners, id)
	}
}

// Close 取消上游订阅，之后的快照与调用都被忽略。
func (c *AuthorContext) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.listeners = make(map[int]func())
}

func (c *AuthorContext) String() string {
	return fmt.Sprintf("AuthorContext:%d", c.authorID)
}

func (c *AuthorContext) recompute() {
	view := c.view
	wasReady := c.ready
	prevSlice := c.slice
	prevAhead := c.ahead

	c.author = view.Author
	c.slice = nil
	c.ahead = nil
	c.lastRule = focusNone

	if view.Author != nil {
		index, rule := resolveFocus(focusInput{
			items:          view.Items,
			explicit:       c.explicit,
			sticky:         c.sticky,
			readStateKnown: view.ReadStateKnown,
			readBoundary:   view.ReadBoundary,
		})
		c.lastRule = rule
		if rule != focusNone {
			focused := view.Items[index]
			if rule == focusExplicit {
				c.explicit = nil
			}
			c.sticky = model.ItemPtr(focused.ID)
			c.slice = buildSlice(*view.Author, view.Items, index)
			c.ahead = collectAhead(view.Items, index, c.lookahead)
			c.requestBackfill(view.Items, index)
		}
	}

	c.ready = true
	if wasReady && prevSlice.Equal(c.slice) && sameItems(prevAhead, c.ahead) {
		return
	}
	c.emit()
}

func (c *AuthorContext) emit() {
	for _, fn := range c.listeners {
		fn()
	}
}

// requestBackfill 扫描聚焦项附近的占位符，同一个 key 在上下文生命周期内只请求一次。
func (c *AuthorContext) requestBackfill(items []model.ItemEntry, index int) {
	if c.backfill == nil {
		return
	}
	lo := max(0, index-c.backfillRadius)
	hi := min(len(items)-1, index+c.backfillRadius)

	var ids []model.ItemID
	for i := lo; i <= hi; i++ {
		e := items[i]
		if !e.IsPlaceholder() {
			continue
		}
		if _, done := c.requested[e.ID]; done {
			continue
		}
		c.requested[e.ID] = struct{}{}
		ids = append(ids, e.ID)
	}
	if len(ids) == 0 {
		return
	}
	c.logger.Printf("[%s] Requesting backfill ids=%v", c, ids)
	c.backfill(c.authorID, ids)
}

func buildSlice(author model.AuthorInfo, items []model.ItemEntry, index int) *model.FocusedSlice {
	focused := items[index]
	slice := &model.FocusedSlice{
		Author:     author,
		ItemID:     focused.ID,
		Index:      index,
		TotalCount: len(items),
	}
	if focused.Item != nil {
		item := *focused.Item
		slice.Item = &item
	}
	if index > 0 {
		slice.PreviousItemID = model.ItemPtr(items[index-1].ID)
	}
	if index+1 < len(items) {
		slice.NextItemID = model.ItemPtr(items[index+1].ID)
	}
	return slice
}

func collectAhead(items []model.ItemEntry, index, limit int) []model.StoryItem {
	var out []model.StoryItem
	for i := index + 1; i < len(items) && len(out) < limit; i++ {
		if items[i].Item == nil {
			continue
		}
		out = append(out, *items[i].Item)
	}
	return out
}

func sameItems(a, b []model.StoryItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
