package store

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"story-nav/server/internal/model"
)

// Fixture 描述一份本地可编辑的内容数据，用于演示与联调。
type Fixture struct {
	Authors []FixtureAuthor `yaml:"authors" json:"authors"`
}

type FixtureAuthor struct {
	ID   model.AuthorID `yaml:"id" json:"id"`
	Name string         `yaml:"name" json:"name"`
	Self bool           `yaml:"self" json:"self"`
	// ReadBoundary 为空表示已读状态未知。
	ReadBoundary *model.ItemID `yaml:"read_boundary" json:"read_boundary,omitempty"`
	Items        []FixtureItem `yaml:"items" json:"items"`
}

type FixtureItem struct {
	ID    model.ItemID `yaml:"id" json:"id"`
	Media string       `yaml:"media" json:"media"`
	Size  int64        `yaml:"size" json:"size,omitempty"`
	// Placeholder 为 true 时本地只知道 id，内容登记在远端，等待回填。
	Placeholder bool          `yaml:"placeholder" json:"placeholder,omitempty"`
	Pinned      bool          `yaml:"pinned" json:"pinned,omitempty"`
	Public      bool          `yaml:"public" json:"public,omitempty"`
	PostedAgo   time.Duration `yaml:"posted_ago" json:"posted_ago,omitempty"`
	ExpiresIn   time.Duration `yaml:"expires_in" json:"expires_in,omitempty"`
}

// LoadFixture 从指定路径加载夹具。
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}

	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	seen := make(map[model.AuthorID]struct{}, len(fx.Authors))
	for _, a := range fx.Authors {
		if _, dup := seen[a.ID]; dup {
			return nil, fmt.Errorf("parse fixture: duplicate author %d", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return &fx, nil
}

// ApplyFixture 把夹具同步进存储：夹具中没有的作者会被移除。
// 已读边界只前进，所以把夹具里的边界调小不会生效。
func (s *InMemoryStore) ApplyFixture(fx *Fixture, now time.Time) error {
	if fx == nil {
		return nil
	}

	wanted := make(map[model.AuthorID]struct{}, len(fx.Authors))
	for _, a := range fx.Authors {
		wanted[a.ID] = struct{}{}
		s.PutAuthor(model.AuthorInfo{ID: a.ID, Name: a.Name, IsSelf: a.Self})
		if err := s.ReplaceAuthorItems(a.ID, s.stageEntries(a, now)); err != nil {
			return fmt.Errorf("apply fixture: %w", err)
		}
		if a.ReadBoundary != nil {
			if err := s.SetReadBoundary(a.ID, *a.ReadBoundary); err != nil {
				return fmt.Errorf("apply fixture: %w", err)
			}
		}
	}

	for _, id := range s.AuthorIDs() {
		if _, ok := wanted[id]; !ok {
			s.RemoveAuthor(id)
		}
	}
	return nil
}

// Ingest 追加一个作者的内容，已有内容保留（相同 id 整体替换）。
func (s *InMemoryStore) Ingest(a FixtureAuthor, now time.Time) error {
	s.PutAuthor(model.AuthorInfo{ID: a.ID, Name: a.Name, IsSelf: a.Self})
	if err := s.AppendItems(a.ID, s.stageEntries(a, now)...); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if a.ReadBoundary != nil {
		if err := s.SetReadBoundary(a.ID, *a.ReadBoundary); err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
	}
	return nil
}

// stageEntries 把夹具条目转为内容项，占位符的内容登记为远端内容。
func (s *InMemoryStore) stageEntries(a FixtureAuthor, now time.Time) []model.ItemEntry {
	entries := make([]model.ItemEntry, 0, len(a.Items))
	for _, fi := range a.Items {
		item := fi.toItem(now)
		if fi.Placeholder {
			s.StageRemote(a.ID, item)
			entries = append(entries, model.Placeholder(fi.ID))
			continue
		}
		entries = append(entries, model.Materialized(item))
	}
	return entries
}

// AuthorIDs 返回全部作者 id。
func (s *InMemoryStore) AuthorIDs() []model.AuthorID {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.AuthorID, 0, len(s.authors))
	for id := range s.authors {
		out = append(out, id)
	}
	return out
}

func (fi FixtureItem) toItem(now time.Time) model.StoryItem {
	posted := now.Add(-fi.PostedAgo)
	item := model.StoryItem{
		ID:        fi.ID,
		Timestamp: posted,
		Media:     model.MediaRef{Handle: fi.Media, SizeHint: fi.Size},
		IsPinned:  fi.Pinned,
		IsPublic:  fi.Public,
	}
	if fi.ExpiresIn > 0 {
		item.ExpirationTimestamp = posted.Add(fi.ExpiresIn)
	}
	return item
}
