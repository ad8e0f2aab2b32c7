package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"story-nav/server/internal/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func item(id model.ItemID) model.StoryItem {
	return model.StoryItem{
		ID:                  id,
		Timestamp:           t0.Add(time.Duration(id) * time.Minute),
		ExpirationTimestamp: t0.Add(24 * time.Hour),
		Media:               model.MediaRef{Handle: "m", SizeHint: 10},
	}
}

type recorder struct {
	mu    sync.Mutex
	views []model.AuthorItems
}

func (r *recorder) deliver(v model.AuthorItems) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *recorder) last() model.AuthorItems {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.views[len(r.views)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

// TestInMemoryStoreAppendKeepsIDOrder 验证乱序追加后列表按 id 升序。
func TestInMemoryStoreAppendKeepsIDOrder(t *testing.T) {
	s := NewInMemoryStore()
	s.PutAuthor(model.AuthorInfo{ID: 1})
	require.NoError(t, s.AppendItems(1, model.Materialized(item(3)), model.Materialized(item(1)), model.Placeholder(2)))

	view, err := s.Items(1)
	require.NoError(t, err)
	require.Len(t, view.Items, 3)
	assert.Equal(t, model.ItemID(1), view.Items[0].ID)
	assert.True(t, view.Items[1].IsPlaceholder())
	assert.Equal(t, model.ItemID(3), view.Items[2].ID)
}

// TestInMemoryStoreNoDowngradeToPlaceholder 验证已物化内容不会被占位符覆盖。
func TestInMemoryStoreNoDowngradeToPlaceholder(t *testing.T) {
	s := NewInMemoryStore()
	s.PutAuthor(model.AuthorInfo{ID: 1})
	require.NoError(t, s.AppendItems(1, model.Materialized(item(1))))
	require.NoError(t, s.AppendItems(1, model.Placeholder(1)))

	view, err := s.Items(1)
	require.NoError(t, err)
	assert.False(t, view.Items[0].IsPlaceholder())
}

// TestInMemoryStoreAppendUnknownAuthor 验证未知作者返回 ErrAuthorNotFound。
func TestInMemoryStoreAppendUnknownAuthor(t *testing.T) {
	s := NewInMemoryStore()
	err := s.AppendItems(9, model.Placeholder(1))
	assert.ErrorIs(t, err, ErrAuthorNotFound)
}

// TestInMemoryStoreSubscribeDeliversInitialAndChanges 验证订阅立即收到快照，变化后收到新快照，取消后不再收到。
func TestInMemoryStoreSubscribeDeliversInitialAndChanges(t *testing.T) {
	s := NewInMemoryStore()
	s.PutAuthor(model.AuthorInfo{ID: 1, Name: "a"})

	rec := &recorder{}
	cancel := s.SubscribeAuthorItems(1, rec.deliver)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, "a", rec.last().Author.Name)

	require.NoError(t, s.AppendItems(1, model.Materialized(item(1))))
	require.Equal(t, 2, rec.count())
	assert.Len(t, rec.last().Items, 1)
	assert.Equal(t, 1, s.SubscriberCount(1))

	cancel()
	cancel()
	assert.Equal(t, 0, s.SubscriberCount(1))
	require.NoError(t, s.AppendItems(1, model.Materialized(item(2))))
	assert.Equal(t, 2, rec.count())
}

// TestInMemoryStoreEntriesUnseenRules 验证未读判定：占位符不算未读，未知已读状态时内容都算未读。
func TestInMemoryStoreEntriesUnseenRules(t *testing.T) {
	s := NewInMemoryStore()
	s.PutAuthor(model.AuthorInfo{ID: 1})
	s.PutAuthor(model.AuthorInfo{ID: 2})
	s.PutAuthor(model.AuthorInfo{ID: 3})
	s.PutAuthor(model.AuthorInfo{ID: 4})
	require.NoError(t, s.AppendItems(1, model.Materialized(item(1)), model.Materialized(item(2))))
	require.NoError(t, s.SetReadBoundary(1, 0))
	require.NoError(t, s.AppendItems(2, model.Placeholder(10)))
	require.NoError(t, s.AppendItems(3, model.Materialized(item(20)), model.Materialized(item(21))))
	require.NoError(t, s.SetReadBoundary(3, 21))

	byID := make(map[model.AuthorID]model.AuthorEntry)
	for _, e := range s.Entries() {
		byID[e.AuthorID] = e
	}
	require.Len(t, byID, 3, "author without items is not listed")
	assert.True(t, byID[1].HasUnseen)
	assert.False(t, byID[2].HasUnseen)
	assert.False(t, byID[3].HasUnseen)
	assert.Equal(t, 2, byID[3].ItemCount)
	assert.Equal(t, item(21).Timestamp, byID[3].LastTimestamp)
}

// TestInMemoryStoreMarkSeenMonotonic 验证已读边界只前进。
func TestInMemoryStoreMarkSeenMonotonic(t *testing.T) {
	s := NewInMemoryStore()
	s.PutAuthor(model.AuthorInfo{ID: 1})
	require.NoError(t, s.AppendItems(1, model.Materialized(item(1)), model.Materialized(item(2))))

	s.MarkSeen(1, 2, true)
	s.MarkSeen(1, 1, false)

	view, err := s.Items(1)
	require.NoError(t, err)
	assert.True(t, view.ReadStateKnown)
	assert.Equal(t, model.ItemID(2), view.ReadBoundary)
	assert.True(t, s.PinnedSeen(1, 2))
	assert.False(t, s.PinnedSeen(1, 1))
}

// TestInMemoryStoreBackfillResolvesStaged 验证回填把占位符替换为远端内容，远端没有的保持占位符。
func TestInMemoryStoreBackfillResolvesStaged(t *testing.T) {
	s := NewInMemoryStore()
	s.PutAuthor(model.AuthorInfo{ID: 1})
	require.NoError(t, s.AppendItems(1, model.Placeholder(1), model.Placeholder(2)))
	s.StageRemote(1, item(1))

	s.RequestBackfill(1, []model.ItemID{1, 2})
	s.Wait()

	view, err := s.Items(1)
	require.NoError(t, err)
	assert.False(t, view.Items[0].IsPlaceholder())
	assert.True(t, view.Items[1].IsPlaceholder())
}

// TestInMemoryStoreRefreshMetadata 验证刷新后浏览统计写回内容，取消的刷新不生效。
func TestInMemoryStoreRefreshMetadata(t *testing.T) {
	s := NewInMemoryStore()
	s.PutAuthor(model.AuthorInfo{ID: 1, IsSelf: true})
	require.NoError(t, s.AppendItems(1, model.Materialized(item(1)), model.Materialized(item(2))))
	s.RecordView(1, 1, 7)
	s.RecordView(1, 1, 8)

	s.RefreshMetadata(1, []model.ItemID{1, 2})
	s.Wait()

	view, err := s.Items(1)
	require.NoError(t, err)
	require.NotNil(t, view.Items[0].Item.Views)
	assert.Equal(t, 2, view.Items[0].Item.Views.SeenCount)
	assert.Equal(t, []model.AuthorID{8, 7}, view.Items[0].Item.Views.RecentViewers)
	assert.Nil(t, view.Items[1].Item.Views)

	s.RecordView(1, 2, 9)
	handle := s.RefreshMetadata(1, []model.ItemID{2})
	handle.Cancel()
	s.Wait()
	// 取消与执行存在竞争，只要求不出错
	_, err = s.Items(1)
	require.NoError(t, err)
}

// TestInMemoryStoreExpire 验证过期内容被移除。
func TestInMemoryStoreExpire(t *testing.T) {
	s := NewInMemoryStore()
	s.PutAuthor(model.AuthorInfo{ID: 1})
	early := item(1)
	early.ExpirationTimestamp = t0.Add(time.Hour)
	require.NoError(t, s.AppendItems(1, model.Materialized(early), model.Materialized(item(2))))

	removed := s.Expire(t0.Add(2 * time.Hour))
	assert.Equal(t, 1, removed)

	view, err := s.Items(1)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, model.ItemID(2), view.Items[0].ID)
}

// TestInMemoryStoreRemoveAuthor 验证删除作者后订阅者收到空视图。
func TestInMemoryStoreRemoveAuthor(t *testing.T) {
	s := NewInMemoryStore()
	s.PutAuthor(model.AuthorInfo{ID: 1})
	rec := &recorder{}
	s.SubscribeAuthorItems(1, rec.deliver)

	s.RemoveAuthor(1)
	assert.Nil(t, rec.last().Author)
	_, err := s.Items(1)
	assert.ErrorIs(t, err, ErrAuthorNotFound)
}
