package codeshare

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func TestNextLikeCount(t *testing.T) {
	tests := []struct {
		name    string
		current int
		action  LikeAction
		server  *int
		want    int
	}{
		{"like without server count", 3, ActionLike, nil, 4},
		{"unlike without server count", 3, ActionUnlike, nil, 2},
		{"unlike floors at zero", 0, ActionUnlike, nil, 0},
		{"server count wins on like", 3, ActionLike, intPtr(10), 10},
		{"server count wins on unlike", 3, ActionUnlike, intPtr(7), 7},
		{"server zero is honoured", 5, ActionUnlike, intPtr(0), 0},
		{"negative server count floored", 5, ActionUnlike, intPtr(-1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextLikeCount(tt.current, tt.action, tt.server))
		})
	}
}

func TestSnippetCache(t *testing.T) {
	newCache := func() *SnippetCache {
		c := NewSnippetCache(quietLogger())
		c.Put(Snippet{ID: "s1", Title: "Old", Content: "x", Language: "go", Likes: 2})
		return c
	}

	t.Run("user actions", func(t *testing.T) {
		c := newCache()
		c.HandleUserAction(UserActionData{Action: "like", SnippetID: "s1", Value: true})
		s, _ := c.Get("s1")
		assert.True(t, s.IsLiked)
		assert.Equal(t, 3, s.Likes)

		c.HandleUserAction(UserActionData{Action: "unlike", SnippetID: "s1", Value: false})
		s, _ = c.Get("s1")
		assert.False(t, s.IsLiked)
		assert.Equal(t, 2, s.Likes)

		c.HandleUserAction(UserActionData{Action: "save", SnippetID: "s1", Value: true})
		s, _ = c.Get("s1")
		assert.True(t, s.IsSaved)
		assert.Equal(t, 2, s.Likes)
	})

	t.Run("unknown snippet ignored", func(t *testing.T) {
		c := newCache()
		c.HandleUserAction(UserActionData{Action: "like", SnippetID: "nope", Value: true})
		c.HandleSnippetUpdate(SnippetUpdateData{SnippetID: "nope", LikeCount: intPtr(1)})
		assert.Equal(t, 1, c.Len())
	})

	t.Run("snippet update applies only present fields", func(t *testing.T) {
		c := newCache()
		c.HandleSnippetUpdate(SnippetUpdateData{SnippetID: "s1", UpdateType: "both", Title: strPtr("New"), ViewCount: intPtr(40)})
		s, _ := c.Get("s1")
		assert.Equal(t, "New", s.Title)
		assert.Equal(t, "x", s.Content)
		assert.Equal(t, 40, s.Views)
		assert.Equal(t, 2, s.Likes)
	})

	t.Run("list update", func(t *testing.T) {
		c := newCache()
		c.HandleListUpdate(ListUpdateData{SnippetID: "s1", Language: strPtr("rust")})
		s, _ := c.Get("s1")
		assert.Equal(t, "rust", s.Language)
		assert.Equal(t, "Old", s.Title)
	})

	t.Run("list ordered by id", func(t *testing.T) {
		c := newCache()
		c.Put(Snippet{ID: "a"}, Snippet{ID: "z"})
		ids := []string{}
		for _, s := range c.List() {
			ids = append(ids, s.ID)
		}
		assert.Equal(t, []string{"a", "s1", "z"}, ids)

		c.Remove("a")
		c.Clear()
		assert.Equal(t, 0, c.Len())
	})
}

func TestSnippetCacheBind(t *testing.T) {
	rt := NewRealtimeClient(&RealtimeConfig{URL: "ws://127.0.0.1:1/ws", Logger: quietLogger()}, nil)
	c := NewSnippetCache(quietLogger())
	c.Put(Snippet{ID: "abc", Likes: 1})

	unbind := c.Bind(rt)
	rt.dispatcher.dispatch(Envelope{
		Type:      KindSnippetUpdates,
		SnippetID: "abc",
		Data:      json.RawMessage(`{"update_type":"stats","like_count":7}`),
	})
	s, ok := c.Get("abc")
	require.True(t, ok)
	assert.Equal(t, 7, s.Likes)

	rt.dispatcher.dispatch(Envelope{
		Type: KindUserActions,
		Data: json.RawMessage(`{"action":"like","snippet_id":"abc","value":true,"like_count":8}`),
	})
	s, _ = c.Get("abc")
	assert.Equal(t, 8, s.Likes)
	assert.True(t, s.IsLiked)

	unbind()
	unbind()
	rt.dispatcher.dispatch(Envelope{
		Type: KindSnippetUpdates,
		Data: json.RawMessage(`{"snippet_id":"abc","like_count":99}`),
	})
	s, _ = c.Get("abc")
	assert.Equal(t, 8, s.Likes)
	assert.Equal(t, 0, rt.dispatcher.handlerCount(KindSnippetUpdates))
}
