// Package testutil 为导航核心的测试提供确定性的辅助工具。
package testutil

import "sync"

// ManualExecutor 把投递的任务攒起来，直到调用 Drain 才执行，
// 由测试决定串行队列何时运行。Post 可并发调用。
type ManualExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

// Post 实现 navigation.Executor。
func (e *ManualExecutor) Post(task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
}

// Pending 返回尚未执行的任务数。
func (e *ManualExecutor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// Drain 依次执行队列中的任务（包括执行过程中新投递的），直到队列为空，返回执行的任务数。
func (e *ManualExecutor) Drain() int {
	ran := 0
	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return ran
		}
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		task()
		ran++
	}
}
