package model

import "time"

// AuthorID 标识一个内容作者（快拍的拥有者）。
type AuthorID int64

// ItemID 标识作者下的一条内容，同一作者内单调递增。
type ItemID int64

// MediaRef 是媒体资源的不透明引用。
type MediaRef struct {
	// Handle 由网络层解释，核心只做透传。
	Handle string `json:"handle" yaml:"handle"`
	// SizeHint 预取时使用的字节数上限，0 表示未知。
	SizeHint int64 `json:"size_hint,omitempty" yaml:"size_hint,omitempty"`
}

// ViewStats 是自己发布内容的浏览统计。
type ViewStats struct {
	SeenCount     int        `json:"seen_count"`
	RecentViewers []AuthorID `json:"recent_viewers,omitempty"`
}

// Equal 结构化比较。
func (v *ViewStats) Equal(o *ViewStats) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.SeenCount != o.SeenCount || len(v.RecentViewers) != len(o.RecentViewers) {
		return false
	}
	for i := range v.RecentViewers {
		if v.RecentViewers[i] != o.RecentViewers[i] {
			return false
		}
	}
	return true
}

// StoryItem 是一条已物化的内容。
// 约定：构造后不可变，上游更新时整体替换。
type StoryItem struct {
	ID                  ItemID     `json:"id"`
	Timestamp           time.Time  `json:"timestamp"`
	ExpirationTimestamp time.Time  `json:"expiration_timestamp"`
	Media               MediaRef   `json:"media"`
	IsPinned            bool       `json:"is_pinned"`
	IsPublic            bool       `json:"is_public"`
	Views               *ViewStats `json:"views,omitempty"`
}

// Equal 比较内容而不是实例身份。
func (i StoryItem) Equal(o StoryItem) bool {
	return i.ID == o.ID &&
		i.Timestamp.Equal(o.Timestamp) &&
		i.ExpirationTimestamp.Equal(o.ExpirationTimestamp) &&
		i.Media == o.Media &&
		i.IsPinned == o.IsPinned &&
		i.IsPublic == o.IsPublic &&
		i.Views.Equal(o.Views)
}

// ItemEntry 是作者内容列表中的一项：要么已物化，要么只是占位符（只知道 id）。
type ItemEntry struct {
	ID   ItemID     `json:"id"`
	Item *StoryItem `json:"item,omitempty"`
}

// Placeholder 构造一个占位项。
func Placeholder(id ItemID) ItemEntry {
	return ItemEntry{ID: id}
}

// Materialized 构造一个已物化项。
func Materialized(item StoryItem) ItemEntry {
	return ItemEntry{ID: item.ID, Item: &item}
}

// IsPlaceholder 报告该项内容是否尚未拉取。
func (e ItemEntry) IsPlaceholder() bool {
	return e.Item == nil
}

// AuthorInfo 作者基础信息。
type AuthorInfo struct {
	ID     AuthorID `json:"id"`
	Name   string   `json:"name,omitempty"`
	IsSelf bool     `json:"is_self,omitempty"`
}

// AuthorEntry 是排序器的排序单元。
type AuthorEntry struct {
	AuthorID      AuthorID  `json:"author_id"`
	HasUnseen     bool      `json:"has_unseen"`
	ItemCount     int       `json:"item_count"`
	LastTimestamp time.Time `json:"last_timestamp"`
}

// AuthorItems 是某个作者的上游视图：基础信息 + 已读边界 + 内容列表。
type AuthorItems struct {
	// Author 为 nil 表示上游不认识该作者。
	Author *AuthorInfo `json:"author,omitempty"`
	// ReadStateKnown 为 false 时 ReadBoundary 无意义。
	ReadStateKnown bool        `json:"read_state_known"`
	ReadBoundary   ItemID      `json:"read_boundary"`
	Items          []ItemEntry `json:"items"`
}

// FocusedSlice 是某个作者在某一时刻的解析结果。
type FocusedSlice struct {
	Author AuthorInfo `json:"author"`
	ItemID ItemID     `json:"item_id"`
	// Item 为 nil 表示聚焦项仍是占位符。
	Item           *StoryItem `json:"item,omitempty"`
	Index          int        `json:"index"`
	TotalCount     int        `json:"total_count"`
	PreviousItemID *ItemID    `json:"previous_item_id,omitempty"`
	NextItemID     *ItemID    `json:"next_item_id,omitempty"`
}

// Equal 结构化比较，nil 安全。下游依赖它来抑制重复渲染与重复拉取。
func (s *FocusedSlice) Equal(o *FocusedSlice) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Author != o.Author || s.ItemID != o.ItemID || s.Index != o.Index || s.TotalCount != o.TotalCount {
		return false
	}
	if !equalItemIDPtr(s.PreviousItemID, o.PreviousItemID) || !equalItemIDPtr(s.NextItemID, o.NextItemID) {
		return false
	}
	if s.Item == nil || o.Item == nil {
		return s.Item == o.Item
	}
	return s.Item.Equal(*o.Item)
}

func equalItemIDPtr(a, b *ItemID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// PreloadTask 描述一次预取，Priority 越小越紧急。
type PreloadTask struct {
	ResourceID string `json:"resource_id"`
	SizeHint   int64  `json:"size_hint,omitempty"`
	Priority   int    `json:"priority"`
}

// PublicState 是暴露给展示层的导航状态。
type PublicState struct {
	Version  uint64        `json:"version"`
	Central  *FocusedSlice `json:"central,omitempty"`
	Previous *FocusedSlice `json:"previous,omitempty"`
	Next     *FocusedSlice `json:"next,omitempty"`
}

// SameContent 忽略 Version 比较三个切片。
func (p PublicState) SameContent(o PublicState) bool {
	return p.Central.Equal(o.Central) && p.Previous.Equal(o.Previous) && p.Next.Equal(o.Next)
}

// Direction 导航方向。
type Direction string

const (
	DirectionPrevious Direction = "previous"
	DirectionNext     Direction = "next"
)

// Valid 报告方向是否合法。
func (d Direction) Valid() bool {
	return d == DirectionPrevious || d == DirectionNext
}

// NavigationKind 区分在作者内翻条目还是切换作者。
type NavigationKind string

const (
	NavigateItem NavigationKind = "item"
	NavigatePeer NavigationKind = "peer"
)

// Valid 报告类型是否合法。
func (k NavigationKind) Valid() bool {
	return k == NavigateItem || k == NavigatePeer
}

// Navigation 是一次导航请求。
type Navigation struct {
	Kind      NavigationKind `json:"kind"`
	Direction Direction      `json:"direction"`
}

// ItemPtr 返回 id 的指针，便于构造可选字段。
func ItemPtr(id ItemID) *ItemID {
	return &id
}
