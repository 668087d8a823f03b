package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valenai/internal/aiconnectors"
	"github.com/valenai/internal/conversation"
	"github.com/valenai/internal/llm"
)

type fakeCompletion struct {
	mu        sync.Mutex
	replies   []string
	err       error
	title     string
	generated bool
	prompts   []string
	calls     int
	// onTitle runs while a title is being generated.
	onTitle func()
}

func (f *fakeCompletion) Generate(ctx context.Context, prompt string, cfg aiconnectors.ModelConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) > 0 {
		r := f.replies[0]
		f.replies = f.replies[1:]
		return r, nil
	}
	return fmt.Sprintf("reply %d", f.calls), nil
}

func (f *fakeCompletion) GenerateTitle(ctx context.Context, seed string) (string, bool) {
	if f.onTitle != nil {
		f.onTitle()
	}
	if f.title == "" {
		return llm.FallbackTitle(seed), false
	}
	return f.title, f.generated
}

func (f *fakeCompletion) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[len(f.prompts)-1]
}

type recordingRefresher struct {
	calls []string
}

func (r *recordingRefresher) EnqueueTitleRefresh(ctx context.Context, chatID, userID, seed, fallback string) error {
	r.calls = append(r.calls, chatID+"|"+fallback)
	return nil
}

func newTestService() (*Service, *conversation.InMemoryStore, *fakeCompletion) {
	store := conversation.NewInMemoryStore()
	fc := &fakeCompletion{title: "Test Title", generated: true}
	svc := NewService(store, fc, Config{Persona: "PERSONA"})
	return svc, store, fc
}

func roles(turns []*conversation.Turn) []conversation.Role {
	out := make([]conversation.Role, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Role)
	}
	return out
}

func TestCreateConversationScenario(t *testing.T) {
	svc, _, fc := newTestService()
	ctx := context.Background()

	created, err := svc.CreateConversation(ctx, "u1", "c1", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Test Title", created.Title)
	assert.NotEmpty(t, created.Response)
	assert.Equal(t, "PERSONA\n\nUser: Hello\nAI:", fc.lastPrompt())

	history, err := svc.ListHistory(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, []conversation.Role{conversation.RoleUser, conversation.RoleBot}, roles(history))
	assert.Equal(t, "Hello", history[0].Content)
	assert.Equal(t, created.UserTurn.ID, history[0].ID)
	assert.Equal(t, created.BotTurn.ID, history[1].ID)
}

func TestCreateConversationValidation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.CreateConversation(ctx, "u1", "", "Hello")
	assert.Equal(t, InvalidArgument, KindOf(err))
	_, err = svc.CreateConversation(ctx, "u1", "c1", "   ")
	assert.Equal(t, InvalidArgument, KindOf(err))

	_, err = svc.CreateConversation(ctx, "u1", "c1", "Hello")
	require.NoError(t, err)
	_, err = svc.CreateConversation(ctx, "u1", "c1", "Again")
	assert.Equal(t, InvalidArgument, KindOf(err))
}

func TestCreateConversationDefaultsUser(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	_, err := svc.CreateConversation(ctx, "", "c1", "Hello")
	require.NoError(t, err)

	chats, err := svc.ListConversations(ctx, DefaultUserID)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "c1", chats[0].ID)
}

func TestCreateConversationUpstreamFailureStoresNothing(t *testing.T) {
	svc, store, fc := newTestService()
	fc.err = fmt.Errorf("%w: all keys failed", llm.ErrUpstreamUnavailable)
	ctx := context.Background()

	_, err := svc.CreateConversation(ctx, "u1", "c1", "Hello")
	assert.Equal(t, UpstreamUnavailable, KindOf(err))

	_, err = store.GetConversation(ctx, "c1")
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestCreateConversationFallbackTitleEnqueuesRefresh(t *testing.T) {
	svc, _, fc := newTestService()
	fc.title = ""
	ref := &recordingRefresher{}
	svc.SetTitleRefresher(ref)

	created, err := svc.CreateConversation(context.Background(), "u1", "c1", "Hi")
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(created.Title), "greeting")
	assert.Equal(t, []string{"c1|" + created.Title}, ref.calls)

	fc.title = "Model Title"
	_, err = svc.CreateConversation(context.Background(), "u1", "c2", "Tell me about Go")
	require.NoError(t, err)
	assert.Len(t, ref.calls, 1, "model titles are not refreshed")
}

func TestSendMessageAddsExactlyTwoTurns(t *testing.T) {
	svc, _, fc := newTestService()
	ctx := context.Background()
	_, err := svc.CreateConversation(ctx, "u1", "c1", "Hello")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		before, err := svc.ListHistory(ctx, "c1")
		require.NoError(t, err)

		reply, err := svc.SendMessage(ctx, "u1", "c1", fmt.Sprintf("question %d", i))
		require.NoError(t, err)
		assert.NotEmpty(t, reply.Response)

		after, err := svc.ListHistory(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, after, len(before)+2)
		last := after[len(after)-2:]
		assert.Equal(t, []conversation.Role{conversation.RoleUser, conversation.RoleBot}, roles(last))
		assert.Equal(t, fmt.Sprintf("question %d", i), last[0].Content)
	}

	assert.True(t, strings.HasSuffix(fc.lastPrompt(), "User: question 2\nAI:"))
	assert.Contains(t, fc.lastPrompt(), "User: question 1\nAI: ")
}

func TestSendMessageErrors(t *testing.T) {
	svc, _, fc := newTestService()
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, "u1", "c1", "")
	assert.Equal(t, InvalidArgument, KindOf(err))
	_, err = svc.SendMessage(ctx, "u1", "missing", "hi")
	assert.Equal(t, NotFound, KindOf(err))

	_, err = svc.CreateConversation(ctx, "u1", "c1", "Hello")
	require.NoError(t, err)
	fc.err = fmt.Errorf("%w: boom", llm.ErrGenerationFailed)
	_, err = svc.SendMessage(ctx, "u1", "c1", "hi")
	assert.Equal(t, UpstreamUnavailable, KindOf(err))

	history, err := svc.ListHistory(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, history, 2, "failed sends store nothing")
}

func TestSendMessageWindowsHistory(t *testing.T) {
	svc, store, fc := newTestService()
	ctx := context.Background()
	_, err := store.CreateConversation(ctx, "c1", "u1", "t")
	require.NoError(t, err)
	for i := 0; i < 60; i++ {
		_, err := store.AppendTurns(ctx, "c1", "u1",
			conversation.TurnDraft{Role: conversation.RoleUser, Content: fmt.Sprintf("q%d", i)},
			conversation.TurnDraft{Role: conversation.RoleBot, Content: fmt.Sprintf("a%d", i)})
		require.NoError(t, err)
	}

	_, err = svc.SendMessage(ctx, "u1", "c1", "latest")
	require.NoError(t, err)
	p := fc.lastPrompt()
	assert.NotContains(t, p, "User: q9\n")
	assert.Contains(t, p, "User: q10\n")
	assert.True(t, strings.HasSuffix(p, "AI: a59\nUser: latest\nAI:"))
}

func seedConversation(t *testing.T, svc *Service, chatID string, extra ...string) []*conversation.Turn {
	t.Helper()
	ctx := context.Background()
	_, err := svc.CreateConversation(ctx, "u1", chatID, "first")
	require.NoError(t, err)
	for _, m := range extra {
		_, err := svc.SendMessage(ctx, "u1", chatID, m)
		require.NoError(t, err)
	}
	turns, err := svc.ListHistory(ctx, chatID)
	require.NoError(t, err)
	return turns
}

func TestEditAndRegenerateLastTurn(t *testing.T) {
	svc, _, fc := newTestService()
	ctx := context.Background()
	turns := seedConversation(t, svc, "c1", "second")
	require.Len(t, turns, 4)

	fc.replies = []string{"fresh answer"}
	reply, err := svc.EditAndRegenerate(ctx, "u1", "c1", turns[2].ID, "second, edited")
	require.NoError(t, err)
	assert.Equal(t, "fresh answer", reply.Response)
	assert.Equal(t, turns[2].ID, reply.UserTurn.ID)

	after, err := svc.ListHistory(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, after, 4)
	assert.Equal(t, turns[0].ID, after[0].ID)
	assert.Equal(t, turns[1].ID, after[1].ID, "earlier bot turns are kept")
	assert.Equal(t, "second, edited", after[2].Content)
	assert.Equal(t, "fresh answer", after[3].Content)
	assert.True(t, strings.HasSuffix(fc.lastPrompt(), "User: second, edited\nAI:"))
}

func TestEditAndRegenerateMiddleTurnLeavesOneBotTurnAfterEdit(t *testing.T) {
	svc, _, fc := newTestService()
	ctx := context.Background()
	turns := seedConversation(t, svc, "c1", "second", "third")
	require.Len(t, turns, 6)

	_, err := svc.EditAndRegenerate(ctx, "u1", "c1", turns[2].ID, "second v2")
	require.NoError(t, err)

	after, err := svc.ListHistory(ctx, "c1")
	require.NoError(t, err)
	bots := 0
	for _, tr := range after {
		if tr.Role == conversation.RoleBot && tr.Seq > turns[2].Seq {
			bots++
		}
	}
	assert.Equal(t, 1, bots)
	assert.Equal(t, turns[1].ID, after[1].ID)
	assert.NotContains(t, fc.lastPrompt(), "third", "the prompt ends at the edited turn")
}

func TestEditAndRegenerateNotFound(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	turns := seedConversation(t, svc, "c1")

	_, err := svc.EditAndRegenerate(ctx, "u1", "c1", "nope", "x")
	assert.Equal(t, NotFound, KindOf(err))
	_, err = svc.EditAndRegenerate(ctx, "intruder", "c1", turns[0].ID, "x")
	assert.Equal(t, NotFound, KindOf(err))
	_, err = svc.EditAndRegenerate(ctx, "u1", "c1", turns[1].ID, "bot turns are not editable")
	assert.Equal(t, NotFound, KindOf(err))
	_, err = svc.EditAndRegenerate(ctx, "u1", "c1", turns[0].ID, "")
	assert.Equal(t, InvalidArgument, KindOf(err))
}

func TestRegenerateFromBotTurn(t *testing.T) {
	svc, _, fc := newTestService()
	ctx := context.Background()
	turns := seedConversation(t, svc, "c1", "second")

	fc.replies = []string{"another take"}
	reply, err := svc.RegenerateResponse(ctx, "", "c1", turns[3].ID)
	require.NoError(t, err)
	assert.Equal(t, turns[2].ID, reply.UserTurn.ID)

	after, err := svc.ListHistory(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, after, 4)
	assert.Equal(t, "another take", after[3].Content)
	assert.NotEqual(t, turns[3].ID, after[3].ID)
	assert.True(t, strings.HasSuffix(fc.lastPrompt(), "User: second\nAI:"))
}

func TestRegenerateFromUserTurn(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	turns := seedConversation(t, svc, "c1", "second")

	_, err := svc.RegenerateResponse(ctx, "u1", "c1", turns[0].ID)
	require.NoError(t, err)

	after, err := svc.ListHistory(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []conversation.Role{conversation.RoleUser, conversation.RoleUser, conversation.RoleBot}, roles(after))
}

func TestRegenerateKeepsOldReplyOnUpstreamFailure(t *testing.T) {
	svc, _, fc := newTestService()
	ctx := context.Background()
	turns := seedConversation(t, svc, "c1")

	fc.err = fmt.Errorf("%w: down", llm.ErrUpstreamUnavailable)
	_, err := svc.RegenerateResponse(ctx, "", "c1", turns[1].ID)
	assert.Equal(t, UpstreamUnavailable, KindOf(err))

	after, err := svc.ListHistory(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, turns[1].ID, after[1].ID)
}

func TestRegenerateKeepsOldReplyWhenSaveFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Mkdir(dir, 0o755))
	store, err := conversation.OpenFileStore(filepath.Join(dir, "store.json"))
	require.NoError(t, err)
	fc := &fakeCompletion{title: "Test Title", generated: true}
	svc := NewService(store, fc, Config{Persona: "PERSONA"})
	ctx := context.Background()
	turns := seedConversation(t, svc, "c1")

	require.NoError(t, os.RemoveAll(dir))
	_, err = svc.RegenerateResponse(ctx, "u1", "c1", turns[1].ID)
	assert.Equal(t, StoreFailure, KindOf(err))

	after, err := svc.ListHistory(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, []conversation.Role{conversation.RoleUser, conversation.RoleBot}, roles(after))
	assert.Equal(t, turns[1].ID, after[1].ID)
}

func TestRegenerateChecksOwnership(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	turns := seedConversation(t, svc, "c1")

	_, err := svc.RegenerateResponse(ctx, "someone-else", "c1", turns[1].ID)
	assert.Equal(t, NotFound, KindOf(err))
	_, err = svc.RegenerateResponse(ctx, "", "c1", "missing")
	assert.Equal(t, NotFound, KindOf(err))
	_, err = svc.RegenerateResponse(ctx, "", "missing", turns[1].ID)
	assert.Equal(t, NotFound, KindOf(err))
}

func TestRefreshTitle(t *testing.T) {
	svc, store, fc := newTestService()
	ctx := context.Background()
	fc.title = ""
	created, err := svc.CreateConversation(ctx, "u1", "c1", "Hi")
	require.NoError(t, err)

	assert.Equal(t, UpstreamUnavailable, KindOf(svc.RefreshTitle(ctx, "c1", "u1", "Hi", created.Title)))

	fc.title, fc.generated = "Warm Welcome", true
	require.NoError(t, svc.RefreshTitle(ctx, "c1", "u1", "Hi", created.Title))
	chat, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Warm Welcome", chat.Title)

	require.NoError(t, svc.UpdateTitle(ctx, "u1", "c1", "Renamed by user"))
	require.NoError(t, svc.RefreshTitle(ctx, "c1", "u1", "Hi", created.Title))
	chat, err = store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed by user", chat.Title)

	assert.NoError(t, svc.RefreshTitle(ctx, "gone", "u1", "Hi", "x"))
}

func TestRefreshTitleKeepsRenameDuringGeneration(t *testing.T) {
	svc, store, fc := newTestService()
	ctx := context.Background()
	fc.title = ""
	created, err := svc.CreateConversation(ctx, "u1", "c1", "Hi")
	require.NoError(t, err)

	fc.title, fc.generated = "Warm Welcome", true
	fc.onTitle = func() {
		require.NoError(t, store.UpdateTitle(ctx, "c1", "u1", "Renamed mid-flight"))
	}
	require.NoError(t, svc.RefreshTitle(ctx, "c1", "u1", "Hi", created.Title))

	chat, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed mid-flight", chat.Title)
}

func TestTitlesAndDeletion(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	seedConversation(t, svc, "c1")

	assert.Equal(t, InvalidArgument, KindOf(svc.UpdateTitle(ctx, "u1", "c1", " ")))
	assert.Equal(t, NotFound, KindOf(svc.UpdateTitle(ctx, "u2", "c1", "mine now")))
	require.NoError(t, svc.UpdateTitle(ctx, "u1", "c1", "Renamed"))

	require.NoError(t, svc.AddFavorite(ctx, "u1", "c1"))
	assert.Equal(t, NotFound, KindOf(svc.AddFavorite(ctx, "u1", "missing")))
	favs, err := svc.ListFavorites(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, favs)

	assert.Equal(t, NotFound, KindOf(svc.DeleteConversation(ctx, "u2", "c1")))
	require.NoError(t, svc.DeleteConversation(ctx, "u1", "c1"))

	history, err := svc.ListHistory(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, history)
	favs, err = svc.ListFavorites(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, favs)
}

func TestFavoritesRoundTrip(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	seedConversation(t, svc, "c1")

	require.NoError(t, svc.AddFavorite(ctx, "u1", "c1"))
	require.NoError(t, svc.RemoveFavorite(ctx, "u1", "c1"))
	require.NoError(t, svc.RemoveFavorite(ctx, "u1", "c1"))
	assert.Equal(t, InvalidArgument, KindOf(svc.RemoveFavorite(ctx, "u1", "")))

	favs, err := svc.ListFavorites(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, favs)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, NotFound, KindOf(fmt.Errorf("wrapped: %w", conversation.ErrNotFound)))
	assert.Equal(t, UpstreamUnavailable, KindOf(llm.ErrEmptyResponse))
	assert.Equal(t, StoreFailure, KindOf(errors.New("disk on fire")))
	assert.Equal(t, InvalidArgument, KindOf(fmt.Errorf("ctx: %w", invalidArgument("bad"))))
}
