package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreContract runs the behaviour every Store engine must share.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndList", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		turns, err := s.CreateConversation(ctx, "c1", "u1", "Greeting",
			TurnDraft{Role: RoleUser, Content: "Hello"},
			TurnDraft{Role: RoleBot, Content: "Hi there"})
		require.NoError(t, err)
		require.Len(t, turns, 2)
		assert.NotEqual(t, turns[0].ID, turns[1].ID)
		assert.Less(t, turns[0].Seq, turns[1].Seq)

		got, err := s.ListTurns(ctx, "c1", 0)
		require.NoError(t, err)
		if diff := cmp.Diff(turns, got); diff != "" {
			t.Fatalf("turns mismatch (-want +got):\n%s", diff)
		}

		chat, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "u1", chat.UserID)
		assert.Equal(t, "Greeting", chat.Title)
	})

	t.Run("DuplicateConversation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateConversation(ctx, "c1", "u1", "One")
		require.NoError(t, err)
		_, err = s.CreateConversation(ctx, "c1", "u2", "Two", TurnDraft{Role: RoleUser, Content: "x"})
		assert.ErrorIs(t, err, ErrDuplicateKey)

		chat, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "One", chat.Title)
		turns, err := s.ListTurns(ctx, "c1", 0)
		require.NoError(t, err)
		assert.Empty(t, turns)
	})

	t.Run("AppendRoundTripVerbatim", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateConversation(ctx, "c1", "u1", "t")
		require.NoError(t, err)

		contents := []string{"  leading space", "**bold** stays", "line1\nline2", "ünïcødé ✓", ""}
		for i, c := range contents {
			role := RoleUser
			if i%2 == 1 {
				role = RoleBot
			}
			_, err := s.AppendTurn(ctx, "c1", "u1", role, c)
			require.NoError(t, err)
		}

		got, err := s.ListTurns(ctx, "c1", 0)
		require.NoError(t, err)
		require.Len(t, got, len(contents))
		for i, turn := range got {
			assert.Equal(t, contents[i], turn.Content)
			if i > 0 {
				assert.False(t, turn.CreatedAt.Before(got[i-1].CreatedAt), "timestamps must not decrease")
				assert.Greater(t, turn.Seq, got[i-1].Seq)
			}
		}
	})

	t.Run("AppendToMissingChat", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AppendTurn(context.Background(), "missing", "u1", RoleUser, "hi")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("InvalidRole", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateConversation(ctx, "c1", "u1", "t")
		require.NoError(t, err)
		_, err = s.AppendTurns(ctx, "c1", "u1",
			TurnDraft{Role: RoleUser, Content: "ok"},
			TurnDraft{Role: "system", Content: "nope"})
		assert.ErrorIs(t, err, ErrInvalidRole)

		turns, err := s.ListTurns(ctx, "c1", 0)
		require.NoError(t, err)
		assert.Empty(t, turns, "a rejected batch must not be partially applied")
	})

	t.Run("ListWindowKeepsMostRecent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateConversation(ctx, "c1", "u1", "t")
		require.NoError(t, err)
		for _, c := range []string{"a", "b", "c", "d", "e"} {
			_, err := s.AppendTurn(ctx, "c1", "u1", RoleUser, c)
			require.NoError(t, err)
		}
		got, err := s.ListTurns(ctx, "c1", 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "d", "e"}, contentsOf(got))
	})

	t.Run("EditRemovesLaterBotTurns", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		turns, err := s.CreateConversation(ctx, "c1", "u1", "t",
			TurnDraft{Role: RoleUser, Content: "q1"},
			TurnDraft{Role: RoleBot, Content: "a1"},
			TurnDraft{Role: RoleUser, Content: "q2"},
			TurnDraft{Role: RoleBot, Content: "a2"})
		require.NoError(t, err)

		edited, err := s.EditTurn(ctx, "c1", turns[2].ID, "u1", "q2 edited")
		require.NoError(t, err)
		assert.Equal(t, "q2 edited", edited.Content)
		assert.True(t, edited.CreatedAt.Equal(turns[2].CreatedAt), "edit keeps the timestamp")

		got, err := s.ListTurns(ctx, "c1", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"q1", "a1", "q2 edited"}, contentsOf(got))
	})

	t.Run("EditRequiresOwnedUserTurn", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		turns, err := s.CreateConversation(ctx, "c1", "u1", "t",
			TurnDraft{Role: RoleUser, Content: "q1"},
			TurnDraft{Role: RoleBot, Content: "a1"})
		require.NoError(t, err)

		_, err = s.EditTurn(ctx, "c1", turns[0].ID, "someone-else", "x")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.EditTurn(ctx, "c1", turns[1].ID, "u1", "x")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.EditTurn(ctx, "other", turns[0].ID, "u1", "x")
		assert.ErrorIs(t, err, ErrNotFound)

		got, err := s.ListTurns(ctx, "c1", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"q1", "a1"}, contentsOf(got))
	})

	t.Run("ReplaceBotTurnsAfter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		turns, err := s.CreateConversation(ctx, "c1", "u1", "t",
			TurnDraft{Role: RoleUser, Content: "q1"},
			TurnDraft{Role: RoleBot, Content: "a1"},
			TurnDraft{Role: RoleUser, Content: "q2"},
			TurnDraft{Role: RoleBot, Content: "a2"})
		require.NoError(t, err)

		added, n, err := s.ReplaceBotTurnsAfter(ctx, "c1", turns[0].Seq, "u1", "a1 again")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, RoleBot, added.Role)
		assert.Greater(t, added.Seq, turns[3].Seq)

		got, err := s.ListTurns(ctx, "c1", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"q1", "q2", "a1 again"}, contentsOf(got))

		_, _, err = s.ReplaceBotTurnsAfter(ctx, "missing", 0, "u1", "x")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateTitleIfComparesCurrentTitle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateConversation(ctx, "c1", "u1", "New Chat")
		require.NoError(t, err)

		assert.ErrorIs(t, s.UpdateTitleIf(ctx, "c1", "u2", "New Chat", "x"), ErrNotFound)
		require.NoError(t, s.UpdateTitle(ctx, "c1", "u1", "Mine"))
		assert.ErrorIs(t, s.UpdateTitleIf(ctx, "c1", "u1", "New Chat", "Generated"), ErrNotFound)

		chat, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "Mine", chat.Title)

		require.NoError(t, s.UpdateTitleIf(ctx, "c1", "u1", "Mine", "Generated"))
		chat, err = s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "Generated", chat.Title)
	})

	t.Run("UpdateTitleChecksOwner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateConversation(ctx, "c1", "u1", "old")
		require.NoError(t, err)

		assert.ErrorIs(t, s.UpdateTitle(ctx, "c1", "u2", "stolen"), ErrNotFound)
		assert.ErrorIs(t, s.UpdateTitle(ctx, "missing", "u1", "x"), ErrNotFound)
		require.NoError(t, s.UpdateTitle(ctx, "c1", "u1", "new"))

		chat, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "new", chat.Title)
	})

	t.Run("FavoritesIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateConversation(ctx, "c1", "u1", "t")
		require.NoError(t, err)
		_, err = s.CreateConversation(ctx, "c2", "u1", "t")
		require.NoError(t, err)

		require.NoError(t, s.AddFavorite(ctx, "u1", "c2"))
		require.NoError(t, s.AddFavorite(ctx, "u1", "c2"))
		require.NoError(t, s.AddFavorite(ctx, "u1", "c1"))
		assert.ErrorIs(t, s.AddFavorite(ctx, "u1", "missing"), ErrNotFound)

		favs, err := s.ListFavorites(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2"}, favs)

		require.NoError(t, s.RemoveFavorite(ctx, "u1", "c2"))
		require.NoError(t, s.RemoveFavorite(ctx, "u1", "c2"))
		favs, err = s.ListFavorites(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"c1"}, favs)
	})

	t.Run("DeleteCascades", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateConversation(ctx, "c1", "u1", "t",
			TurnDraft{Role: RoleUser, Content: "q"},
			TurnDraft{Role: RoleBot, Content: "a"})
		require.NoError(t, err)
		require.NoError(t, s.AddFavorite(ctx, "u1", "c1"))
		require.NoError(t, s.AddFavorite(ctx, "u2", "c1"))

		assert.ErrorIs(t, s.DeleteConversation(ctx, "c1", "u2"), ErrNotFound)
		require.NoError(t, s.DeleteConversation(ctx, "c1", "u1"))

		turns, err := s.ListTurns(ctx, "c1", 0)
		require.NoError(t, err)
		assert.Empty(t, turns)
		for _, u := range []string{"u1", "u2"} {
			favs, err := s.ListFavorites(ctx, u)
			require.NoError(t, err)
			assert.Empty(t, favs)
		}
		_, err = s.GetConversation(ctx, "c1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteConversation(ctx, "c1", "u1"), ErrNotFound)
	})

	t.Run("ListConversationsNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			_, err := s.CreateConversation(ctx, id, "u1", "title "+id)
			require.NoError(t, err)
		}
		_, err := s.CreateConversation(ctx, "z", "u2", "other user")
		require.NoError(t, err)

		chats, err := s.ListConversations(ctx, "u1")
		require.NoError(t, err)
		ids := make([]string, 0, len(chats))
		for _, c := range chats {
			ids = append(ids, c.ID)
		}
		assert.Equal(t, []string{"c", "b", "a"}, ids)

		none, err := s.ListConversations(ctx, "nobody")
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
	})
}

func contentsOf(turns []*Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Content)
	}
	return out
}

func TestInMemoryStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestInMemoryStoreClockNeverGoesBack(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	i := 0
	s.now = func() time.Time {
		tm := ticks[i%len(ticks)]
		i++
		return tm
	}
	ctx := context.Background()

	_, err := s.CreateConversation(ctx, "c1", "u1", "t",
		TurnDraft{Role: RoleUser, Content: "a"},
		TurnDraft{Role: RoleBot, Content: "b"})
	require.NoError(t, err)

	got, err := s.ListTurns(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].CreatedAt.Equal(base))
	assert.True(t, got[1].CreatedAt.Equal(base.Add(time.Second)))
}

func TestInMemoryStoreReturnsCopies(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	turns, err := s.CreateConversation(ctx, "c1", "u1", "t", TurnDraft{Role: RoleUser, Content: "orig"})
	require.NoError(t, err)
	turns[0].Content = "mutated"

	got, err := s.GetTurn(ctx, "c1", turns[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "orig", got.Content)
}

func TestInMemoryStoreConcurrentAppends(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	_, err := s.CreateConversation(ctx, "c1", "u1", "t")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendTurns(ctx, "c1", "u1",
				TurnDraft{Role: RoleUser, Content: "q"},
				TurnDraft{Role: RoleBot, Content: "a"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.ListTurns(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, got, 40)
	for i := 0; i < len(got); i += 2 {
		assert.Equal(t, RoleUser, got[i].Role)
		assert.Equal(t, RoleBot, got[i+1].Role)
	}
}
