package ordering

import "story-nav/server/internal/model"

// Resolver 把上游可重排的作者列表冻结为会话内稳定的浏览顺序。
//
// 契约：
// - 首个快照决定 unseenOnly，之后整个会话不再改变。
// - 已放入顺序的作者位置不变；新作者按快照顺序追加；unseenOnly 时只追加有未读内容的作者。
// - 从快照中消失的作者在下一次重算时移除，再次出现视为新追加。
//
// 非并发安全：只在串行队列上调用。
type Resolver struct {
	focus      *model.AuthorID
	decided    bool
	unseenOnly bool
	frozen     []model.AuthorID
}

// NewResolver 创建排序器，focus 为会话开始时希望聚焦的作者（可为 nil）。
func NewResolver(focus *model.AuthorID) *Resolver {
	r := &Resolver{}
	if focus != nil {
		id := *focus
		r.focus = &id
	}
	return r
}

// UnseenOnly 报告本会话是否从未读内容开始。
func (r *Resolver) UnseenOnly() bool {
	return r.unseenOnly
}

// Update 用新快照重算顺序，返回的切片由调用方持有。
func (r *Resolver) Update(entries []model.AuthorEntry) []model.AuthorEntry {
	if !r.decided {
		r.decided = true
		r.unseenOnly = startsFromUnseen(entries, r.focus)
	}

	byID := make(map[model.AuthorID]model.AuthorEntry, len(entries))
	for _, e := range entries {
		if _, dup := byID[e.AuthorID]; dup {
			continue
		}
		byID[e.AuthorID] = e
	}

	out := make([]model.AuthorEntry, 0, len(entries))
	placed := make(map[model.AuthorID]struct{}, len(entries))
	kept := r.frozen[:0]
	for _, id := range r.frozen {
		e, ok := byID[id]
		if !ok {
			continue
		}
		kept = append(kept, id)
		placed[id] = struct{}{}
		out = append(out, e)
	}
	r.frozen = kept

	for _, e := range entries {
		if _, ok := placed[e.AuthorID]; ok {
			continue
		}
		if r.unseenOnly && !e.HasUnseen {
			continue
		}
		placed[e.AuthorID] = struct{}{}
		r.frozen = append(r.frozen, e.AuthorID)
		out = append(out, e)
	}
	return out
}

func startsFromUnseen(entries []model.AuthorEntry, focus *model.AuthorID) bool {
	if focus != nil {
		for _, e := range entries {
			if e.AuthorID == *focus {
				return e.HasUnseen
			}
		}
		return false
	}
	for _, e := range entries {
		if e.HasUnseen {
			return true
		}
	}
	return false
}

// IndexOf 返回作者在顺序中的位置，不存在时返回 -1。
func IndexOf(order []model.AuthorEntry, id model.AuthorID) int {
	for i, e := range order {
		if e.AuthorID == id {
			return i
		}
	}
	return -1
}

// Neighbors 返回 index 两侧的作者。
func Neighbors(order []model.AuthorEntry, index int) (previous, next *model.AuthorID) {
	if index > 0 && index-1 < len(order) {
		id := order[index-1].AuthorID
		previous = &id
	}
	if index >= 0 && index+1 < len(order) {
		id := order[index+1].AuthorID
		next = &id
	}
	return previous, next
}
