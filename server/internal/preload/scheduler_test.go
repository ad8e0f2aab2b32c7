package preload

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"story-nav/server/internal/model"
	"story-nav/server/internal/navigation"
	"story-nav/server/internal/store"
)

type fakeFetcher struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
	sizes     map[string]int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{sizes: make(map[string]int64)}
}

func (f *fakeFetcher) ResolveResource(item model.StoryItem) (Descriptor, bool) {
	if item.Media.Handle == "" {
		return Descriptor{}, false
	}
	return Descriptor{ID: item.Media.Handle, Handle: item.Media.Handle, SizeHint: item.Media.SizeHint}, true
}

func (f *fakeFetcher) FetchResource(handle string, sizeHint int64) store.Cancellable {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, handle)
	f.sizes[handle] = sizeHint
	return store.CancelFn(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled = append(f.cancelled, handle)
	})
}

func ahead(author model.AuthorID, handles ...string) []navigation.AheadItem {
	out := make([]navigation.AheadItem, 0, len(handles))
	for i, h := range handles {
		out = append(out, navigation.AheadItem{
			Author: model.AuthorInfo{ID: author},
			Item: model.StoryItem{
				ID:    model.ItemID(i + 1),
				Media: model.MediaRef{Handle: h, SizeHint: int64(100 * (i + 1))},
			},
		})
	}
	return out
}

// TestSchedulerDiffsActiveFetches 验证 {A,B,C} -> {B,D}：取消 A/C，启动 D，B 保持不动。
func TestSchedulerDiffsActiveFetches(t *testing.T) {
	f := newFakeFetcher()
	s := NewScheduler(f)

	s.Update(navigation.Snapshot{CentralAhead: ahead(1, "A", "B", "C")})
	assert.Equal(t, []string{"A", "B", "C"}, f.started)
	assert.Empty(t, f.cancelled)

	s.Update(navigation.Snapshot{CentralAhead: ahead(1, "B", "D")})
	assert.Equal(t, []string{"A", "B", "C", "D"}, f.started, "B is not restarted")
	assert.ElementsMatch(t, []string{"A", "C"}, f.cancelled)

	active := s.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "B", active[0].ResourceID)
	assert.Equal(t, 0, active[0].Priority)
	assert.Equal(t, "D", active[1].ResourceID)
}

// TestSchedulerCapsConcurrency 验证中心与下一个作者的前瞻合并后最多取 3 个，优先级按位置递增。
func TestSchedulerCapsConcurrency(t *testing.T) {
	f := newFakeFetcher()
	s := NewScheduler(f)

	snap := navigation.Snapshot{
		CentralAhead: ahead(1, "c1", "c2"),
		NextAhead:    ahead(2, "n1", "n2", "n3"),
	}
	tasks := s.Plan(snap)
	require.Len(t, tasks, 3)
	assert.Equal(t, []model.PreloadTask{
		{ResourceID: "c1", SizeHint: 100, Priority: 0},
		{ResourceID: "c2", SizeHint: 200, Priority: 1},
		{ResourceID: "n1", SizeHint: 100, Priority: 2},
	}, tasks)

	s.Update(snap)
	assert.Equal(t, []string{"c1", "c2", "n1"}, f.started)
	assert.Equal(t, int64(200), f.sizes["c2"])
}

// TestSchedulerSkipsUnresolvable 验证无法解析的条目不会被替补。
func TestSchedulerSkipsUnresolvable(t *testing.T) {
	f := newFakeFetcher()
	s := NewScheduler(f, WithMaxConcurrent(2))

	s.Update(navigation.Snapshot{CentralAhead: ahead(1, "", "b", "c")})
	assert.Equal(t, []string{"b"}, f.started)
}

// TestSchedulerClose 验证关闭时取消全部请求，之后的更新被忽略。
func TestSchedulerClose(t *testing.T) {
	f := newFakeFetcher()
	s := NewScheduler(f)
	s.Update(navigation.Snapshot{CentralAhead: ahead(1, "a", "b")})

	s.Close()
	assert.ElementsMatch(t, []string{"a", "b"}, f.cancelled)
	assert.Empty(t, s.Active())

	s.Update(navigation.Snapshot{CentralAhead: ahead(1, "z")})
	assert.Len(t, f.started, 2)
}

// TestSchedulerRapidNavigation 验证连续快速变化不会累积过期请求。
func TestSchedulerRapidNavigation(t *testing.T) {
	f := newFakeFetcher()
	s := NewScheduler(f)

	for i := 0; i < 10; i++ {
		s.Update(navigation.Snapshot{CentralAhead: ahead(1, fmt.Sprintf("r%d", i), fmt.Sprintf("r%d", i+1))})
		assert.LessOrEqual(t, len(s.Active()), 2)
	}
	assert.Len(t, s.Active(), 2)
	assert.Equal(t, len(f.started)-2, len(f.cancelled))
}
