package orchestrator

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"story-nav/server/internal/metrics"
	"story-nav/server/internal/model"
	"story-nav/server/internal/navigation"
	"story-nav/server/internal/ordering"
	"story-nav/server/internal/store"
)

// Config 会话参数。
type Config struct {
	// FocusAuthor 会话开始时希望聚焦的作者，为空时从顺序中的第一个开始。
	FocusAuthor *model.AuthorID
	// FocusItem 仅作用于 FocusAuthor 的初始条目。
	FocusItem      *model.ItemID
	Lookahead      int
	BackfillRadius int
}

// Deps 外部协作者。Backfiller/Marker 可为 nil。
type Deps struct {
	Source     store.Source
	Backfiller store.Backfiller
	Marker     store.SeenMarker
	Metrics    *metrics.Metrics
	Logger     *log.Logger
}

// Orchestrator 是内容上下文的顶层控制器。
//
// 职责与契约：
// - current 是已发布的聚合，pending 是构建中的聚合；pending 只有在 ready 后才通过 transition 成为 current。
// - transition 是唯一允许给 current 赋值的路径，current 的字段从不原地修改。
// - 不再被 current/pending 引用的 AuthorContext 立即关闭（取消上游订阅）。
// - 所有状态只在串行队列上读写；对外方法只负责把请求投递到队列。
type Orchestrator struct {
	id         string
	exec       navigation.Executor
	source     store.Source
	backfiller store.Backfiller
	marker     store.SeenMarker
	metrics    *metrics.Metrics
	logger     *log.Logger
	cfg        Config

	resolver     *ordering.Resolver
	order        []model.AuthorEntry
	centralIndex int

	current      *navigation.Aggregator
	currentUnsub func()
	pending      *navigation.Aggregator
	pendingUnsub func()

	observers     []func(navigation.Snapshot)
	entriesCancel store.CancelFunc
	started       bool
	closed        bool
	version       uint64

	// 以下字段可在任意 goroutine 读取
	state     atomic.Pointer[model.PublicState]
	orderSnap atomic.Pointer[[]model.AuthorEntry]

	watchMu     sync.Mutex
	watchers    map[int]chan struct{}
	nextWatcher int
}

func New(exec navigation.Executor, deps Deps, cfg Config) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	o := &Orchestrator{
		id:         uuid.NewString(),
		exec:       exec,
		source:     deps.Source,
		backfiller: deps.Backfiller,
		marker:     deps.Marker,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
		resolver:   ordering.NewResolver(cfg.FocusAuthor),
		watchers:   make(map[int]chan struct{}),
	}
	o.state.Store(&model.PublicState{})
	empty := []model.AuthorEntry{}
	o.orderSnap.Store(&empty)
	return o
}

// ID 返回会话 id。
func (o *Orchestrator) ID() string {
	return o.id
}

// Observe 注册发布观察者（预取、统计轮询），在串行队列上以每次发布的快照调用。
// 必须在 Start 之前调用。
func (o *Orchestrator) Observe(fn func(navigation.Snapshot)) {
	o.observers = append(o.observers, fn)
}

// Start 订阅上游作者列表。
func (o *Orchestrator) Start() {
	o.exec.Post(o.start)
}

// Navigate 请求一次导航，结果通过状态发布观察。
func (o *Orchestrator) Navigate(nav model.Navigation) error {
	if err := validateNavigation(nav); err != nil {
		return err
	}
	o.exec.Post(func() { o.navigate(nav) })
	return nil
}

// ResetSideStates 让邻居作者下次激活时重新从已读状态推导聚焦。
func (o *Orchestrator) ResetSideStates() {
	o.exec.Post(o.resetSideStates)
}

// MarkAsSeen 标记条目已看。
func (o *Orchestrator) MarkAsSeen(authorID model.AuthorID, itemID model.ItemID) {
	o.exec.Post(func() { o.markAsSeen(authorID, itemID) })
}

// ApplyNavigation 与 ApplyXxx 系列在调用方所在的串行队列任务中直接执行，不再二次投递。
// 只能在 exec 的任务内调用（例如经 EventQueue.Enqueue 提交的外部命令），
// 这样命令本身受队列背压约束，排在它之后的任务一定能看到它的结果。
func (o *Orchestrator) ApplyNavigation(nav model.Navigation) error {
	if err := validateNavigation(nav); err != nil {
		return err
	}
	o.navigate(nav)
	return nil
}

// ApplyResetSideStates 见 ApplyNavigation。
func (o *Orchestrator) ApplyResetSideStates() {
	o.resetSideStates()
}

// ApplyMarkAsSeen 见 ApplyNavigation。
func (o *Orchestrator) ApplyMarkAsSeen(authorID model.AuthorID, itemID model.ItemID) {
	o.markAsSeen(authorID, itemID)
}

func validateNavigation(nav model.Navigation) error {
	if !nav.Direction.Valid() {
		return fmt.Errorf("invalid direction %q", nav.Direction)
	}
	if !nav.Kind.Valid() {
		return fmt.Errorf("invalid navigation kind %q", nav.Kind)
	}
	return nil
}

// Close 取消全部订阅。
func (o *Orchestrator) Close() {
	o.exec.Post(o.close)
}

// State 返回最近一次发布的状态。
func (o *Orchestrator) State() model.PublicState {
	return *o.state.Load()
}

// Order 返回冻结后的作者顺序快照。
func (o *Orchestrator) Order() []model.AuthorEntry {
	return *o.orderSnap.Load()
}

// Watch 订阅合并后的变化脉冲：通道容量为 1，连续变化只保留一次通知。
func (o *Orchestrator) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	o.watchMu.Lock()
	o.nextWatcher++
	id := o.nextWatcher
	o.watchers[id] = ch
	o.watchMu.Unlock()

	return ch, func() {
		o.watchMu.Lock()
		delete(o.watchers, id)
		o.watchMu.Unlock()
	}
}

func (o *Orchestrator) start() {
	if o.started || o.closed {
		return
	}
	o.started = true
	o.logger.Printf("[Orchestrator] Session %s started focus_author=%v", o.id, ptrString(o.cfg.FocusAuthor))
	o.entriesCancel = o.source.SubscribeAuthorEntries(func(entries []model.AuthorEntry) {
		o.exec.Post(func() { o.onEntries(entries) })
	})
}

func (o *Orchestrator) onEntries(entries []model.AuthorEntry) {
	if o.closed {
		return
	}
	o.order = o.resolver.Update(entries)
	snapshot := append([]model.AuthorEntry(nil), o.order...)
	o.orderSnap.Store(&snapshot)
	o.reconcile()
}

// reconcile 让目标聚合与最新顺序保持一致：邻居变化时围绕同一个中心作者重建。
func (o *Orchestrator) reconcile() {
	target := o.target()
	if target == nil {
		if len(o.order) == 0 {
			return
		}
		central := o.order[0].AuthorID
		var focusItem *model.ItemID
		if o.cfg.FocusAuthor != nil && ordering.IndexOf(o.order, *o.cfg.FocusAuthor) >= 0 {
			central = *o.cfg.FocusAuthor
			focusItem = o.cfg.FocusItem
		}
		o.buildPending(central, focusItem)
		return
	}

	index := ordering.IndexOf(o.order, target.AuthorID())
	if index < 0 {
		if len(o.order) == 0 {
			o.logger.Printf("[Orchestrator] Order is empty, clearing state")
			o.dropPending()
			o.transition(nil)
			return
		}
		// 中心作者消失：落到原位置上的作者
		replacement := o.order[min(o.centralIndex, len(o.order)-1)].AuthorID
		o.logger.Printf("[Orchestrator] Central author %d disappeared, moving to %d", target.AuthorID(), replacement)
		o.buildPending(replacement, nil)
		return
	}
	o.centralIndex = index

	agg := o.pending
	if agg == nil {
		agg = o.current
	}
	previous, next := ordering.Neighbors(o.order, index)
	if holdsAuthor(agg.Previous(), previous) && holdsAuthor(agg.Next(), next) {
		return
	}
	o.buildPending(target.AuthorID(), nil)
}

// target 返回最近一次请求的中心作者上下文（构建中的优先）。
func (o *Orchestrator) target() *navigation.AuthorContext {
	if o.pending != nil {
		return o.pending.Central()
	}
	if o.current != nil {
		return o.current.Central()
	}
	return nil
}

func (o *Orchestrator) navigate(nav model.Navigation) {
	if nav.Kind == model.NavigatePeer {
		o.navigatePeer(nav.Direction)
		return
	}
	o.navigateItem(nav.Direction)
}

func (o *Orchestrator) navigateItem(dir model.Direction) {
	if o.closed || o.current == nil {
		return
	}
	central := o.current.Central()
	slice := central.Slice()
	if slice == nil {
		return
	}
	id := slice.NextItemID
	if dir == model.DirectionPrevious {
		id = slice.PreviousItemID
	}
	if id == nil {
		return
	}
	central.SetFocus(*id)
}

func (o *Orchestrator) navigatePeer(dir model.Direction) {
	if o.closed {
		return
	}
	target := o.target()
	if target == nil {
		return
	}
	index := ordering.IndexOf(o.order, target.AuthorID())
	if index < 0 {
		return
	}
	previous, next := ordering.Neighbors(o.order, index)
	chosen := next
	if dir == model.DirectionPrevious {
		chosen = previous
	}
	if chosen == nil {
		return
	}
	o.logger.Printf("[Orchestrator] Navigate peer %s: %d -> %d", dir, target.AuthorID(), *chosen)
	o.buildPending(*chosen, nil)
}

func (o *Orchestrator) resetSideStates() {
	if o.closed || o.current == nil {
		return
	}
	for _, c := range []*navigation.AuthorContext{o.current.Previous(), o.current.Next()} {
		if c != nil {
			c.ResetFocus()
		}
	}
}

func (o *Orchestrator) markAsSeen(authorID model.AuthorID, itemID model.ItemID) {
	if o.marker == nil {
		return
	}
	asPinned := false
	for _, agg := range []*navigation.Aggregator{o.current, o.pending} {
		if c := agg.Find(authorID); c != nil {
			if item, ok := c.Item(itemID); ok {
				asPinned = item.IsPinned
				break
			}
		}
	}
	o.marker.MarkSeen(authorID, itemID, asPinned)
}

// buildPending 构建新的 pending 聚合；中心已就绪时立即切换。
func (o *Orchestrator) buildPending(centralID model.AuthorID, focusItem *model.ItemID) {
	index := ordering.IndexOf(o.order, centralID)
	previousID, nextID := ordering.Neighbors(o.order, index)

	central := o.acquire(centralID, focusItem)
	var previous, next *navigation.AuthorContext
	if previousID != nil {
		previous = o.acquire(*previousID, nil)
	}
	if nextID != nil {
		next = o.acquire(*nextID, nil)
	}
	agg := navigation.NewAggregator(central, previous, next)

	o.dropPending(agg)
	o.pending = agg
	o.centralIndex = index

	if agg.Ready() {
		o.transition(agg)
		return
	}
	o.pendingUnsub = agg.OnUpdate(o.onPendingUpdate)
}

func (o *Orchestrator) onPendingUpdate() {
	if o.pending != nil && o.pending.Ready() {
		o.transition(o.pending)
	}
}

// acquire 优先复用已加载的上下文（例如今天的 next 成为明天的 central），保留其 sticky 游标。
func (o *Orchestrator) acquire(authorID model.AuthorID, focusItem *model.ItemID) *navigation.AuthorContext {
	for _, agg := range []*navigation.Aggregator{o.pending, o.current} {
		if c := agg.Find(authorID); c != nil {
			if focusItem != nil {
				c.SetFocus(*focusItem)
			}
			return c
		}
	}
	c := navigation.NewAuthorContext(navigation.ContextConfig{
		AuthorID:       authorID,
		InitialFocus:   focusItem,
		Backfill:       o.requestBackfill,
		Lookahead:      o.cfg.Lookahead,
		BackfillRadius: o.cfg.BackfillRadius,
		Logger:         o.logger,
	}, o.exec)
	c.Start(o.source)
	o.metrics.ContextOpened()
	return c
}

// dropPending 丢弃尚未就绪的 pending，关闭只被它持有的上下文。
func (o *Orchestrator) dropPending(keep ...*navigation.Aggregator) {
	if o.pending == nil {
		return
	}
	old := o.pending
	if o.pendingUnsub != nil {
		o.pendingUnsub()
		o.pendingUnsub = nil
	}
	old.Detach()
	o.pending = nil
	o.release(old, append(keep, o.current)...)
	o.metrics.PendingSuperseded()
}

// transition 是唯一给 current 赋值的路径。next 为 nil 表示清空。
func (o *Orchestrator) transition(next *navigation.Aggregator) {
	if next != nil && next == o.pending {
		if o.pendingUnsub != nil {
			o.pendingUnsub()
			o.pendingUnsub = nil
		}
		o.pending = nil
	}

	old := o.current
	if old != nil {
		if o.currentUnsub != nil {
			o.currentUnsub()
			o.currentUnsub = nil
		}
		old.Detach()
	}

	o.current = next
	if next != nil {
		o.currentUnsub = next.OnUpdate(o.publish)
		o.metrics.Swapped()
		o.logger.Printf("[Orchestrator] ✅ Swapped in aggregator central=%d", next.Central().AuthorID())
	}
	if old != nil {
		o.release(old, next, o.pending)
	}
	o.publish()
}

// release 关闭 old 中不被 keep 任何一个持有的上下文。
func (o *Orchestrator) release(old *navigation.Aggregator, keep ...*navigation.Aggregator) {
	for _, c := range old.Contexts() {
		held := false
		for _, k := range keep {
			if k.Holds(c) {
				held = true
				break
			}
		}
		if !held && !c.Closed() {
			c.Close()
			o.metrics.ContextClosed()
		}
	}
}

// publish 发布 current 的快照，中心为空（作者无内容或不存在）也照常发布。
// 内容相同则不产生脉冲，但观察者总会收到快照（前瞻环可能变化）。
func (o *Orchestrator) publish() {
	var snap navigation.Snapshot
	if o.current != nil {
		if ordering.IndexOf(o.order, o.current.Central().AuthorID()) < 0 && len(o.order) > 0 {
			// 中心作者已不在顺序中，替代聚合就绪后再发布
			return
		}
		snap = o.current.Snapshot()
	}

	next := snap.Public(0)
	if !o.state.Load().SameContent(next) {
		o.version++
		next.Version = o.version
		o.state.Store(&next)
		o.metrics.Published()
		o.notifyWatchers()
	}

	for _, fn := range o.observers {
		fn(snap)
	}
}

func (o *Orchestrator) notifyWatchers() {
	o.watchMu.Lock()
	defer o.watchMu.Unlock()
	for _, ch := range o.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (o *Orchestrator) requestBackfill(authorID model.AuthorID, ids []model.ItemID) {
	o.metrics.BackfillRequested(len(ids))
	if o.backfiller != nil {
		o.backfiller.RequestBackfill(authorID, ids)
	}
}

func (o *Orchestrator) close() {
	if o.closed {
		return
	}
	o.closed = true
	if o.entriesCancel != nil {
		o.entriesCancel()
		o.entriesCancel = nil
	}
	o.dropPending()
	if o.current != nil {
		if o.currentUnsub != nil {
			o.currentUnsub()
			o.currentUnsub = nil
		}
		o.current.Detach()
		o.release(o.current)
	}
	o.logger.Printf("[Orchestrator] Session %s closed", o.id)
}

func holdsAuthor(c *navigation.AuthorContext, id *model.AuthorID) bool {
	if c == nil || id == nil {
		return c == nil && id == nil
	}
	return c.AuthorID() == *id
}

func ptrString(id *model.AuthorID) string {
	if id == nil {
		return "none"
	}
	return fmt.Sprint(*id)
}
