package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidRole  = errors.New("invalid role")
)

// Store is the durable record of users, chats, turns and favorites.
// Multi-statement mutations are atomic: either every row changes or none does.
type Store interface {
	EnsureUser(ctx context.Context, userID string) error
	// CreateConversation inserts the chat (and its owner, if new) together with
	// the initial turns. It fails with ErrDuplicateKey if chatID is taken.
	CreateConversation(ctx context.Context, chatID, userID, title string, initial ...TurnDraft) ([]*Turn, error)
	GetConversation(ctx context.Context, chatID string) (*Chat, error)
	AppendTurn(ctx context.Context, chatID, userID string, role Role, content string) (*Turn, error)
	AppendTurns(ctx context.Context, chatID, userID string, drafts ...TurnDraft) ([]*Turn, error)
	GetTurn(ctx context.Context, chatID, turnID string) (*Turn, error)
	// ListTurns returns turns oldest first. With limit > 0 only the most recent
	// limit turns are returned, still oldest first.
	ListTurns(ctx context.Context, chatID string, limit int) ([]*Turn, error)
	// EditTurn rewrites the content of a user turn owned by userID and deletes
	// every bot turn that follows it. The timestamp of the edited turn is kept.
	EditTurn(ctx context.Context, chatID, turnID, userID, content string) (*Turn, error)
	// ReplaceBotTurnsAfter deletes every bot turn with seq greater than seq and
	// appends one bot turn with content, in one step. It returns the new turn
	// and the number of turns removed.
	ReplaceBotTurnsAfter(ctx context.Context, chatID string, seq int64, userID, content string) (*Turn, int, error)
	UpdateTitle(ctx context.Context, chatID, userID, title string) error
	// UpdateTitleIf sets the title only while it still equals expected.
	// ErrNotFound covers a missing chat, another owner and a changed title.
	UpdateTitleIf(ctx context.Context, chatID, userID, expected, title string) error
	DeleteConversation(ctx context.Context, chatID, userID string) error
	AddFavorite(ctx context.Context, userID, chatID string) error
	RemoveFavorite(ctx context.Context, userID, chatID string) error
	ListConversations(ctx context.Context, userID string) ([]*Chat, error)
	ListFavorites(ctx context.Context, userID string) ([]string, error)
}

// memState is the complete content of an in-memory or file-backed store.
type memState struct {
	Users     map[string]bool            `json:"users"`
	Chats     map[string]*Chat           `json:"chats"`
	Turns     map[string][]*Turn         `json:"turns"`
	Favorites map[string]map[string]bool `json:"favorites"`
	Seq       int64                      `json:"seq"`
	LastTime  time.Time                  `json:"last_time"`
}

func newMemState() *memState {
	return &memState{
		Users:     make(map[string]bool),
		Chats:     make(map[string]*Chat),
		Turns:     make(map[string][]*Turn),
		Favorites: make(map[string]map[string]bool),
	}
}

func (st *memState) clone() *memState {
	cp := newMemState()
	cp.Seq = st.Seq
	cp.LastTime = st.LastTime
	for k, v := range st.Users {
		cp.Users[k] = v
	}
	for k, v := range st.Chats {
		cp.Chats[k] = cloneChat(v)
	}
	for k, turns := range st.Turns {
		arr := make([]*Turn, len(turns))
		for i, t := range turns {
			arr[i] = cloneTurn(t)
		}
		cp.Turns[k] = arr
	}
	for u, favs := range st.Favorites {
		m := make(map[string]bool, len(favs))
		for c := range favs {
			m[c] = true
		}
		cp.Favorites[u] = m
	}
	return cp
}

// InMemoryStore is a threadsafe Store kept entirely in memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	state *memState
	now   func() time.Time
	// persist, when set, must durably record the next state before it
	// becomes visible. A failing persist leaves the store unchanged.
	persist func(*memState) error
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{state: newMemState(), now: time.Now}
}

func (s *InMemoryStore) update(fn func(st *memState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state
	if s.persist != nil {
		next = s.state.clone()
	}
	if err := fn(next); err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist(next); err != nil {
			return err
		}
		s.state = next
	}
	return nil
}

func (s *InMemoryStore) EnsureUser(ctx context.Context, userID string) error {
	return s.update(func(st *memState) error {
		st.Users[userID] = true
		return nil
	})
}

func (s *InMemoryStore) CreateConversation(ctx context.Context, chatID, userID, title string, initial ...TurnDraft) ([]*Turn, error) {
	var out []*Turn
	err := s.update(func(st *memState) error {
		if _, ok := st.Chats[chatID]; ok {
			return fmt.Errorf("chat %s: %w", chatID, ErrDuplicateKey)
		}
		if err := validateDrafts(initial); err != nil {
			return err
		}
		st.Users[userID] = true
		st.Chats[chatID] = &Chat{ID: chatID, UserID: userID, Title: title, CreatedAt: s.stamp(st)}
		out = s.appendLocked(st, chatID, userID, initial)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *InMemoryStore) GetConversation(ctx context.Context, chatID string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.Chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneChat(c), nil
}

func (s *InMemoryStore) AppendTurn(ctx context.Context, chatID, userID string, role Role, content string) (*Turn, error) {
	turns, err := s.AppendTurns(ctx, chatID, userID, TurnDraft{Role: role, Content: content})
	if err != nil {
		return nil, err
	}
	return turns[0], nil
}

func (s *InMemoryStore) AppendTurns(ctx context.Context, chatID, userID string, drafts ...TurnDraft) ([]*Turn, error) {
	var out []*Turn
	err := s.update(func(st *memState) error {
		if _, ok := st.Chats[chatID]; !ok {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		if err := validateDrafts(drafts); err != nil {
			return err
		}
		out = s.appendLocked(st, chatID, userID, drafts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *InMemoryStore) GetTurn(ctx context.Context, chatID, turnID string) (*Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.state.Turns[chatID] {
		if t.ID == turnID {
			return cloneTurn(t), nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) ListTurns(ctx context.Context, chatID string, limit int) ([]*Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.state.Turns[chatID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]*Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, cloneTurn(t))
	}
	return out, nil
}

func (s *InMemoryStore) EditTurn(ctx context.Context, chatID, turnID, userID, content string) (*Turn, error) {
	var edited *Turn
	err := s.update(func(st *memState) error {
		turns := st.Turns[chatID]
		idx := -1
		for i, t := range turns {
			if t.ID == turnID && t.UserID == userID && t.Role == RoleUser {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("turn %s in chat %s: %w", turnID, chatID, ErrNotFound)
		}
		turns[idx].Content = content
		edited = cloneTurn(turns[idx])
		st.Turns[chatID] = dropBotTurnsAfter(turns, turns[idx].Seq)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edited, nil
}

func (s *InMemoryStore) ReplaceBotTurnsAfter(ctx context.Context, chatID string, seq int64, userID, content string) (*Turn, int, error) {
	var added *Turn
	removed := 0
	err := s.update(func(st *memState) error {
		if _, ok := st.Chats[chatID]; !ok {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		before := len(st.Turns[chatID])
		st.Turns[chatID] = dropBotTurnsAfter(st.Turns[chatID], seq)
		removed = before - len(st.Turns[chatID])
		added = s.appendLocked(st, chatID, userID, []TurnDraft{{Role: RoleBot, Content: content}})[0]
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return added, removed, nil
}

func (s *InMemoryStore) UpdateTitle(ctx context.Context, chatID, userID, title string) error {
	return s.update(func(st *memState) error {
		c, ok := st.Chats[chatID]
		if !ok || c.UserID != userID {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		c.Title = title
		return nil
	})
}

func (s *InMemoryStore) UpdateTitleIf(ctx context.Context, chatID, userID, expected, title string) error {
	return s.update(func(st *memState) error {
		c, ok := st.Chats[chatID]
		if !ok || c.UserID != userID || c.Title != expected {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		c.Title = title
		return nil
	})
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, chatID, userID string) error {
	return s.update(func(st *memState) error {
		c, ok := st.Chats[chatID]
		if !ok || c.UserID != userID {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		for _, favs := range st.Favorites {
			delete(favs, chatID)
		}
		delete(st.Turns, chatID)
		delete(st.Chats, chatID)
		return nil
	})
}

func (s *InMemoryStore) AddFavorite(ctx context.Context, userID, chatID string) error {
	return s.update(func(st *memState) error {
		if _, ok := st.Chats[chatID]; !ok {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		st.Users[userID] = true
		if st.Favorites[userID] == nil {
			st.Favorites[userID] = make(map[string]bool)
		}
		st.Favorites[userID][chatID] = true
		return nil
	})
}

func (s *InMemoryStore) RemoveFavorite(ctx context.Context, userID, chatID string) error {
	return s.update(func(st *memState) error {
		delete(st.Favorites[userID], chatID)
		return nil
	})
}

func (s *InMemoryStore) ListConversations(ctx context.Context, userID string) ([]*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Chat, 0)
	for _, c := range s.state.Chats {
		if c.UserID == userID {
			out = append(out, cloneChat(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) ListFavorites(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.state.Favorites[userID]))
	for chatID := range s.state.Favorites[userID] {
		out = append(out, chatID)
	}
	sort.Strings(out)
	return out, nil
}

// stamp returns the current time, never earlier than the previous stamp.
func (s *InMemoryStore) stamp(st *memState) time.Time {
	now := s.now().UTC()
	if now.Before(st.LastTime) {
		now = st.LastTime
	}
	st.LastTime = now
	return now
}

func (s *InMemoryStore) appendLocked(st *memState, chatID, userID string, drafts []TurnDraft) []*Turn {
	out := make([]*Turn, 0, len(drafts))
	for _, d := range drafts {
		st.Seq++
		t := &Turn{
			ID:        uuid.NewString(),
			Seq:       st.Seq,
			ChatID:    chatID,
			UserID:    userID,
			Role:      d.Role,
			Content:   d.Content,
			CreatedAt: s.stamp(st),
		}
		st.Turns[chatID] = append(st.Turns[chatID], t)
		out = append(out, cloneTurn(t))
	}
	return out
}

func dropBotTurnsAfter(turns []*Turn, seq int64) []*Turn {
	kept := turns[:0:0]
	for _, t := range turns {
		if t.Role == RoleBot && t.Seq > seq {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

func validateDrafts(drafts []TurnDraft) error {
	for _, d := range drafts {
		if !d.Role.Valid() {
			return fmt.Errorf("%q: %w", d.Role, ErrInvalidRole)
		}
	}
	return nil
}
