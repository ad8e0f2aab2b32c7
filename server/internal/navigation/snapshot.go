package navigation

import "story-nav/server/internal/model"

// AheadItem 是前瞻遍历中的一项，带上作者以便区分自己发布的内容。
type AheadItem struct {
	Author model.AuthorInfo
	Item   model.StoryItem
}

// Snapshot 是某个聚合在发布时刻的不可变视图，供预取与统计轮询使用。
type Snapshot struct {
	Central  *model.FocusedSlice
	Previous *model.FocusedSlice
	Next     *model.FocusedSlice

	CentralAhead []AheadItem
	NextAhead    []AheadItem
}

// Lookahead 按紧急程度返回前瞻条目：中心作者的前瞻环在前，下一个作者的前瞻环在后，
// 每个作者至多 perAuthor 条。预取与统计轮询共用这一次遍历。
func (s Snapshot) Lookahead(perAuthor int) []AheadItem {
	if perAuthor <= 0 {
		return nil
	}
	out := make([]AheadItem, 0, 2*perAuthor)
	out = append(out, s.CentralAhead[:min(perAuthor, len(s.CentralAhead))]...)
	out = append(out, s.NextAhead[:min(perAuthor, len(s.NextAhead))]...)
	return out
}

// Public 生成暴露给展示层的状态。
func (s Snapshot) Public(version uint64) model.PublicState {
	return model.PublicState{
		Version:  version,
		Central:  s.Central,
		Previous: s.Previous,
		Next:     s.Next,
	}
}
