package eventqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	ErrQueueClosed = errors.New("event queue closed")
	ErrQueueFull   = errors.New("event queue full")
)

// Task 是在串行队列上执行的一个任务。
type Task func(ctx context.Context) error

// EventQueue 为导航核心提供串行执行上下文（Actor Model）
// 解决问题：
// 1. 上游通知可能来自任意 goroutine，必须先转投到队列再触碰核心状态
// 2. 保证重算严格按到达顺序执行，任意两次重算不会交错
type EventQueue struct {
	name     string
	capacity int
	logger   *log.Logger

	mu      sync.Mutex
	pending []*queuedTask
	closed  bool
	signal  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// 统计信息
	totalEvents     int64
	processedEvents int64
	droppedEvents   int64

	onDepth func(depth int)
}

type queuedTask struct {
	label     string
	task      Task
	timestamp time.Time
	resultCh  chan error // 用于同步等待结果（可选）
}

const (
	// 外部命令的积压上限：超过此值 Enqueue 会被拒绝（背压控制）
	DefaultCapacity = 100
	// 单个任务处理超时
	defaultEventTimeout = 10 * time.Second
	slowTaskThreshold   = time.Second
)

// Option 定制队列行为。
type Option func(*EventQueue)

// WithCapacity 设置外部命令积压上限。
func WithCapacity(capacity int) Option {
	return func(eq *EventQueue) {
		if capacity > 0 {
			eq.capacity = capacity
		}
	}
}

// WithDepthObserver 在每次入队/出队后报告积压深度（用于指标）。
func WithDepthObserver(fn func(depth int)) Option {
	return func(eq *EventQueue) {
		eq.onDepth = fn
	}
}

// New 创建并启动事件队列
func New(name string, logger *log.Logger, opts ...Option) *EventQueue {
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	eq := &EventQueue{
		name:     name,
		capacity: DefaultCapacity,
		logger:   logger,
		signal:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(eq)
	}

	// 启动单线程事件处理器
	eq.wg.Add(1)
	go eq.processLoop()

	logger.Printf("[EventQueue] Created queue %s capacity=%d", name, eq.capacity)

	return eq
}

// Post 投递内部任务，永不阻塞也永不丢弃。
// 上游通知的转投走这里：丢掉一次快照会让核心状态永久落后。
func (eq *EventQueue) Post(fn func()) {
	_ = eq.push(&queuedTask{
		label: "post",
		task: func(context.Context) error {
			fn()
			return nil
		},
		timestamp: time.Now(),
	}, false)
}

// Enqueue 将外部命令加入队列（异步，非阻塞），积压超过容量时拒绝
func (eq *EventQueue) Enqueue(label string, task Task) error {
	return eq.push(&queuedTask{
		label:     label,
		task:      task,
		timestamp: time.Now(),
	}, true)
}

// EnqueueSync 将任务加入队列并等待处理完成（同步）
// 注意：不要在队列自身的 goroutine 上调用，否则只能等到超时。
func (eq *EventQueue) EnqueueSync(label string, task Task, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultEventTimeout
	}

	event := &queuedTask{
		label:     label,
		task:      task,
		timestamp: time.Now(),
		resultCh:  make(chan error, 1),
	}
	if err := eq.push(event, true); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// 等待处理结果
	select {
	case err := <-event.resultCh:
		return err
	case <-timer.C:
		return fmt.Errorf("timeout waiting for %s", label)
	case <-eq.ctx.Done():
		return ErrQueueClosed
	}
}

func (eq *EventQueue) push(event *queuedTask, bounded bool) error {
	eq.mu.Lock()
	if eq.closed {
		eq.mu.Unlock()
		return ErrQueueClosed
	}
	if bounded && len(eq.pending) >= eq.capacity {
		eq.droppedEvents++
		eq.mu.Unlock()
		eq.logger.Printf("[EventQueue] ⚠️  Queue %s full, dropping task: %s", eq.name, event.label)
		return ErrQueueFull
	}
	eq.pending = append(eq.pending, event)
	eq.totalEvents++
	depth := len(eq.pending)
	eq.mu.Unlock()

	eq.reportDepth(depth)

	select {
	case eq.signal <- struct{}{}:
	default:
	}
	return nil
}

// processLoop 串行处理任务（单线程）
func (eq *EventQueue) processLoop() {
	defer eq.wg.Done()

	for {
		select {
		case <-eq.ctx.Done():
			return
		case <-eq.signal:
		}

		for {
			eq.mu.Lock()
			if len(eq.pending) == 0 {
				eq.mu.Unlock()
				break
			}
			event := eq.pending[0]
			eq.pending[0] = nil
			eq.pending = eq.pending[1:]
			depth := len(eq.pending)
			eq.mu.Unlock()

			eq.reportDepth(depth)

			if eq.ctx.Err() != nil {
				return
			}
			eq.processEvent(event)
		}
	}
}

// processEvent 处理单个任务
func (eq *EventQueue) processEvent(event *queuedTask) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(eq.ctx, defaultEventTimeout)
	defer cancel()

	err := event.task(ctx)

	processingTime := time.Since(startTime)
	if err != nil {
		eq.logger.Printf("[EventQueue] ❌ Task failed: queue=%s label=%s error=%v processing_time=%v",
			eq.name, event.label, err, processingTime)
	}

	eq.mu.Lock()
	eq.processedEvents++
	eq.mu.Unlock()

	// 如果是同步调用，返回结果
	if event.resultCh != nil {
		select {
		case event.resultCh <- err:
		default:
		}
	}

	// 核心逻辑不应阻塞，处理时间过长说明有人在队列上做了 I/O
	if processingTime > slowTaskThreshold {
		eq.logger.Printf("[EventQueue] ⚠️  Slow task: queue=%s label=%s processing_time=%v queue_latency=%v",
			eq.name, event.label, processingTime, startTime.Sub(event.timestamp))
	}
}

func (eq *EventQueue) reportDepth(depth int) {
	if eq.onDepth != nil {
		eq.onDepth(depth)
	}
}

// Close 关闭事件队列，未处理的任务被丢弃
func (eq *EventQueue) Close() error {
	eq.mu.Lock()
	if eq.closed {
		eq.mu.Unlock()
		return nil
	}
	eq.closed = true
	eq.mu.Unlock()

	eq.cancel()

	// 等待处理器退出
	eq.wg.Wait()

	stats := eq.GetStats()
	eq.logger.Printf("[EventQueue] Closed queue %s: total=%d processed=%d dropped=%d pending=%d",
		eq.name, stats.Total, stats.Processed, stats.Dropped, stats.Pending)

	return nil
}

// Stats 队列统计信息
type Stats struct {
	Name      string `json:"name"`
	Total     int64  `json:"total_events"`
	Processed int64  `json:"processed_events"`
	Dropped   int64  `json:"dropped_events"`
	Pending   int    `json:"pending_events"`
	Capacity  int    `json:"queue_capacity"`
}

// GetStats 获取队列统计信息
func (eq *EventQueue) GetStats() Stats {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	return Stats{
		Name:      eq.name,
		Total:     eq.totalEvents,
		Processed: eq.processedEvents,
		Dropped:   eq.droppedEvents,
		Pending:   len(eq.pending),
		Capacity:  eq.capacity,
	}
}
