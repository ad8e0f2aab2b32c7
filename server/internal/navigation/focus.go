package navigation

import "story-nav/server/internal/model"

// focusRule 是聚焦解析状态机的状态，按声明顺序自上而下尝试。
type focusRule int

const (
	focusExplicit focusRule = iota // 显式请求的条目
	focusSticky                    // 上次解析结果（id 之后的第一条）
	focusUnread                    // 已读边界之后的第一条
	focusFirst                     // 列表第一条
	focusNone                      // 空列表
)

func (r focusRule) String() string {
	switch r {
	case focusExplicit:
		return "explicit"
	case focusSticky:
		return "sticky"
	case focusUnread:
		return "unread"
	case focusFirst:
		return "first"
	default:
		return "none"
	}
}

type focusInput struct {
	items          []model.ItemEntry
	explicit       *model.ItemID
	sticky         *model.ItemID
	readStateKnown bool
	readBoundary   model.ItemID
}

// resolveFocus 返回聚焦下标与命中的规则，focusNone 时下标为 -1。
// items 按 id 升序。
func resolveFocus(in focusInput) (int, focusRule) {
	for rule := focusExplicit; rule < focusNone; rule++ {
		switch rule {
		case focusExplicit:
			if in.explicit == nil {
				continue
			}
			for i, e := range in.items {
				if e.ID == *in.explicit {
					return i, rule
				}
			}
		case focusSticky:
			if in.sticky == nil {
				continue
			}
			for i, e := range in.items {
				if e.ID >= *in.sticky {
					return i, rule
				}
			}
		case focusUnread:
			if !in.readStateKnown {
				continue
			}
			for i, e := range in.items {
				if e.ID > in.readBoundary {
					return i, rule
				}
			}
		case focusFirst:
			if len(in.items) > 0 {
				return 0, rule
			}
		}
	}
	return -1, focusNone
}
