package codeshare

import (
	"log/slog"
	"sort"
	"sync"
)

// SnippetCache holds the snippets a process is showing and applies live
// updates to them. Updates for snippets that are not cached are ignored.
type SnippetCache struct {
	mu       sync.RWMutex
	snippets map[string]Snippet
	logger   *slog.Logger
}

func NewSnippetCache(logger *slog.Logger) *SnippetCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnippetCache{snippets: make(map[string]Snippet), logger: logger}
}

// Put adds or replaces snippets.
func (c *SnippetCache) Put(snippets ...Snippet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range snippets {
		c.snippets[s.ID] = s
	}
}

func (c *SnippetCache) Get(id string) (Snippet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snippets[id]
	return s, ok
}

func (c *SnippetCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snippets, id)
}

// List returns the cached snippets ordered by id.
func (c *SnippetCache) List() []Snippet {
	c.mu.RLock()
	out := make([]Snippet, 0, len(c.snippets))
	for _, s := range c.snippets {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *SnippetCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snippets)
}

func (c *SnippetCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snippets = make(map[string]Snippet)
}

// update applies fn to the cached snippet id, if present.
func (c *SnippetCache) update(id string, fn func(*Snippet)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snippets[id]
	if !ok {
		return false
	}
	fn(&s)
	c.snippets[id] = s
	return true
}

// HandleUserAction applies a like or save made from another device.
// A server-supplied like count always wins. Without one, like adds one and
// unlike removes one, never going below zero.
func (c *SnippetCache) HandleUserAction(a UserActionData) {
	ok := c.update(a.SnippetID, func(s *Snippet) {
		switch a.Action {
		case string(ActionLike), string(ActionUnlike):
			s.IsLiked = a.Value
			s.Likes = nextLikeCount(s.Likes, LikeAction(a.Action), a.LikeCount)
		case string(ActionSave), string(ActionUnsave):
			s.IsSaved = a.Value
		default:
			c.logger.Debug("unknown user action", "action", a.Action)
		}
	})
	if ok {
		c.logger.Debug("user action applied", "snippet_id", a.SnippetID, "action", a.Action)
	}
}

func nextLikeCount(current int, action LikeAction, server *int) int {
	if server != nil {
		return max(0, *server)
	}
	if action == ActionLike {
		return current + 1
	}
	return max(0, current-1)
}

// HandleSnippetUpdate applies content and stat changes.
func (c *SnippetCache) HandleSnippetUpdate(u SnippetUpdateData) {
	c.update(u.SnippetID, func(s *Snippet) {
		applyContent(s, u.Title, u.Content, u.Language)
		if u.ViewCount != nil {
			s.Views = *u.ViewCount
		}
		if u.LikeCount != nil {
			s.Likes = *u.LikeCount
		}
	})
}

// HandleListUpdate applies content changes shown in lists.
func (c *SnippetCache) HandleListUpdate(u ListUpdateData) {
	c.update(u.SnippetID, func(s *Snippet) {
		applyContent(s, u.Title, u.Content, u.Language)
	})
}

func applyContent(s *Snippet, title, content, language *string) {
	if title != nil {
		s.Title = *title
	}
	if content != nil {
		s.Content = *content
	}
	if language != nil {
		s.Language = *language
	}
}

// Bind routes the live update kinds of rt into the cache. The returned
// function detaches all three handlers.
func (c *SnippetCache) Bind(rt *RealtimeClient) (unbind func()) {
	offs := []func(){
		rt.OnUserAction(func(a UserActionData, _ Envelope) { c.HandleUserAction(a) }),
		rt.OnSnippetUpdate(func(u SnippetUpdateData, env Envelope) {
			if u.SnippetID == "" {
				u.SnippetID = env.SnippetID
			}
			c.HandleSnippetUpdate(u)
		}),
		rt.OnListUpdate(func(u ListUpdateData, env Envelope) {
			if u.SnippetID == "" {
				u.SnippetID = env.SnippetID
			}
			c.HandleListUpdate(u)
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}
