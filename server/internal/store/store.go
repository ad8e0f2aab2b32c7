package store

import (
	"errors"

	"story-nav/server/internal/model"
)

var ErrAuthorNotFound = errors.New("author not found")

// CancelFunc 取消一个上游订阅，可重复调用。
type CancelFunc func()

// Cancellable 是一次可取消的发后即忘请求。
type Cancellable interface {
	Cancel()
}

// CancelFn 把函数适配为 Cancellable。
type CancelFn func()

func (f CancelFn) Cancel() {
	if f != nil {
		f()
	}
}

// Source 是内容存储的响应式视图。
//
// 约定：deliver 在订阅时立即收到一次当前快照，此后每次变化都会收到新快照；
// 调用可能发生在任意 goroutine 上，deliver 不得阻塞，也不得回调 Source。
type Source interface {
	SubscribeAuthorEntries(deliver func([]model.AuthorEntry)) CancelFunc
	SubscribeAuthorItems(authorID model.AuthorID, deliver func(model.AuthorItems)) CancelFunc
}

// Backfiller 请求网络层把占位符解析为内容（发后即忘，结果以新快照的形式回来）。
type Backfiller interface {
	RequestBackfill(authorID model.AuthorID, ids []model.ItemID)
}

// SeenMarker 推进作者的已读边界。
type SeenMarker interface {
	MarkSeen(authorID model.AuthorID, itemID model.ItemID, asPinned bool)
}

// MetadataRefresher 批量刷新自己发布内容的浏览统计。
type MetadataRefresher interface {
	RefreshMetadata(authorID model.AuthorID, ids []model.ItemID) Cancellable
}
