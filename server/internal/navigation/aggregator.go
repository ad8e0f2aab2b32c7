package navigation

import "story-nav/server/internal/model"

// Aggregator 组合一个中心 AuthorContext 与至多两个邻居（前一个/后一个作者）。
//
// 约定：
// - ready 只取决于中心上下文，邻居只是为即时翻页做的预热。
// - 任一成员变化都会转发为聚合层的变化通知。
// - 每次导航整体替换，不做原地修改；上下文的生命周期由编排器管理。
type Aggregator struct {
	central  *AuthorContext
	previous *AuthorContext
	next     *AuthorContext

	detach       []func()
	listeners    map[int]func()
	nextListener int
}

// NewAggregator 组合上下文，previous/next 可为 nil。
func NewAggregator(central, previous, next *AuthorContext) *Aggregator {
	a := &Aggregator{
		central:   central,
		previous:  previous,
		next:      next,
		listeners: make(map[int]func()),
	}
	for _, c := range a.Contexts() {
		a.detach = append(a.detach, c.OnUpdate(a.emit))
	}
	return a
}

func (a *Aggregator) Central() *AuthorContext  { return a.central }
func (a *Aggregator) Previous() *AuthorContext { return a.previous }
func (a *Aggregator) Next() *AuthorContext     { return a.next }

// Ready 报告中心上下文是否已完成解析。
func (a *Aggregator) Ready() bool {
	return a.central != nil && a.central.Ready()
}

// Find 查找已经加载的作者上下文，用于跨角色复用。
func (a *Aggregator) Find(authorID model.AuthorID) *AuthorContext {
	if a == nil {
		return nil
	}
	for _, c := range a.Contexts() {
		if c.AuthorID() == authorID {
			return c
		}
	}
	return nil
}

// Contexts 返回全部成员（中心在前）。
func (a *Aggregator) Contexts() []*AuthorContext {
	out := make([]*AuthorContext, 0, 3)
	for _, c := range []*AuthorContext{a.central, a.previous, a.next} {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Holds 报告上下文实例是否属于本聚合。
func (a *Aggregator) Holds(c *AuthorContext) bool {
	if a == nil || c == nil {
		return false
	}
	return a.central == c || a.previous == c || a.next == c
}

// OnUpdate 注册聚合变化监听，返回注销函数。
func (a *Aggregator) OnUpdate(fn func()) func() {
	a.nextListener++
	id := a.nextListener
	a.listeners[id] = fn
	return func() {
		delete(a.listeners, id)
	}
}

// Detach 断开与成员的监听关系，不关闭成员（成员可能被新的聚合复用）。
func (a *Aggregator) Detach() {
	for _, fn := range a.detach {
		fn()
	}
	a.detach = nil
	a.listeners = make(map[int]func())
}

func (a *Aggregator) emit() {
	for _, fn := range a.listeners {
		fn()
	}
}

// Snapshot 生成当前不可变快照。
func (a *Aggregator) Snapshot() Snapshot {
	var s Snapshot
	if a.central != nil {
		s.Central = a.central.Slice()
		s.CentralAhead = aheadOf(a.central)
	}
	if a.previous != nil {
		s.Previous = a.previous.Slice()
	}
	if a.next != nil {
		s.Next = a.next.Slice()
		s.NextAhead = aheadOf(a.next)
	}
	return s
}

func aheadOf(c *AuthorContext) []AheadItem {
	author := c.Author()
	if author == nil {
		return nil
	}
	items := c.Ahead()
	out := make([]AheadItem, 0, len(items))
	for _, item := range items {
		out = append(out, AheadItem{Author: *author, Item: item})
	}
	return out
}
