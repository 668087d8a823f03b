package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/valenai/internal/aiconnectors"
	"github.com/valenai/internal/conversation"
	"github.com/valenai/internal/prompts"
)

// DefaultUserID is used when a request does not name its user.
const DefaultUserID = "unknown_user"

// Completion produces replies and titles.
type Completion interface {
	Generate(ctx context.Context, prompt string, cfg aiconnectors.ModelConfig) (string, error)
	GenerateTitle(ctx context.Context, seed string) (string, bool)
}

// TitleRefresher schedules a later attempt at a model-generated title.
type TitleRefresher interface {
	EnqueueTitleRefresh(ctx context.Context, chatID, userID, seed, fallback string) error
}

type Config struct {
	Persona    string
	Generation aiconnectors.ModelConfig
}

type Service struct {
	store  conversation.Store
	llm    Completion
	cfg    Config
	titles TitleRefresher
}

func NewService(store conversation.Store, completion Completion, cfg Config) *Service {
	return &Service{store: store, llm: completion, cfg: cfg}
}

// SetTitleRefresher enables background title refresh for fallback titles.
func (s *Service) SetTitleRefresher(r TitleRefresher) { s.titles = r }

// Created is the outcome of CreateConversation.
type Created struct {
	Title    string
	Response string
	UserTurn *conversation.Turn
	BotTurn  *conversation.Turn
}

// Reply is the outcome of an operation that generated a bot turn.
type Reply struct {
	Response string
	UserTurn *conversation.Turn
	BotTurn  *conversation.Turn
}

func userOrDefault(userID string) string {
	if strings.TrimSpace(userID) == "" {
		return DefaultUserID
	}
	return userID
}

func (s *Service) generate(ctx context.Context, chatID string, history []*conversation.Turn, trailing string) (string, error) {
	prompt := prompts.Build(s.cfg.Persona, history, trailing)
	reply, err := s.llm.Generate(ctx, prompt, s.cfg.Generation)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("Reply generation failed")
		return "", upstream(err)
	}
	return reply, nil
}

func logStoreFailure(err error, op, chatID string) {
	if errors.Is(err, conversation.ErrNotFound) || errors.Is(err, conversation.ErrDuplicateKey) {
		return
	}
	log.Error().Err(err).Str("op", op).Str("chat_id", chatID).Msg("Store operation failed")
}

// CreateConversation titles the chat, answers the first message and stores
// the chat with both turns in one step. Nothing is stored if generation fails.
func (s *Service) CreateConversation(ctx context.Context, userID, chatID, message string) (*Created, error) {
	if strings.TrimSpace(chatID) == "" || strings.TrimSpace(message) == "" {
		return nil, invalidArgument("chat_id and message are required")
	}
	userID = userOrDefault(userID)

	if _, err := s.store.GetConversation(ctx, chatID); err == nil {
		return nil, invalidArgument(fmt.Sprintf("chat %s already exists", chatID))
	} else if !errors.Is(err, conversation.ErrNotFound) {
		logStoreFailure(err, "create_conversation", chatID)
		return nil, storeError("failed to load chat", err)
	}

	title, generated := s.llm.GenerateTitle(ctx, message)
	reply, err := s.generate(ctx, chatID, nil, message)
	if err != nil {
		return nil, err
	}

	turns, err := s.store.CreateConversation(ctx, chatID, userID, title,
		conversation.TurnDraft{Role: conversation.RoleUser, Content: message},
		conversation.TurnDraft{Role: conversation.RoleBot, Content: reply})
	if err != nil {
		logStoreFailure(err, "create_conversation", chatID)
		return nil, storeError("failed to create chat", err)
	}

	if !generated && s.titles != nil {
		if err := s.titles.EnqueueTitleRefresh(ctx, chatID, userID, message, title); err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to enqueue title refresh")
		}
	}

	log.Info().
		Str("chat_id", chatID).
		Str("user_id", userID).
		Bool("model_title", generated).
		Msg("Created chat")

	return &Created{Title: title, Response: reply, UserTurn: turns[0], BotTurn: turns[1]}, nil
}

// SendMessage answers message using the recent history of the chat and
// stores the user and bot turns together.
func (s *Service) SendMessage(ctx context.Context, userID, chatID, message string) (*Reply, error) {
	if strings.TrimSpace(chatID) == "" || strings.TrimSpace(message) == "" {
		return nil, invalidArgument("chat_id and message are required")
	}
	userID = userOrDefault(userID)

	if _, err := s.store.GetConversation(ctx, chatID); err != nil {
		logStoreFailure(err, "send_message", chatID)
		return nil, storeError("chat not found", err)
	}

	history, err := s.store.ListTurns(ctx, chatID, prompts.ContextWindow)
	if err != nil {
		logStoreFailure(err, "send_message", chatID)
		return nil, storeError("failed to load history", err)
	}

	reply, err := s.generate(ctx, chatID, history, message)
	if err != nil {
		return nil, err
	}

	turns, err := s.store.AppendTurns(ctx, chatID, userID,
		conversation.TurnDraft{Role: conversation.RoleUser, Content: message},
		conversation.TurnDraft{Role: conversation.RoleBot, Content: reply})
	if err != nil {
		logStoreFailure(err, "send_message", chatID)
		return nil, storeError("failed to save messages", err)
	}
	return &Reply{Response: reply, UserTurn: turns[0], BotTurn: turns[1]}, nil
}

// historyThrough returns the last ContextWindow turns with seq <= seq.
func historyThrough(turns []*conversation.Turn, seq int64) []*conversation.Turn {
	out := make([]*conversation.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Seq <= seq {
			out = append(out, t)
		}
	}
	if len(out) > prompts.ContextWindow {
		out = out[len(out)-prompts.ContextWindow:]
	}
	return out
}

// EditAndRegenerate rewrites a user turn, which drops the bot turns after it,
// then answers the edited turn.
func (s *Service) EditAndRegenerate(ctx context.Context, userID, chatID, turnID, newContent string) (*Reply, error) {
	if strings.TrimSpace(chatID) == "" || strings.TrimSpace(turnID) == "" || strings.TrimSpace(newContent) == "" {
		return nil, invalidArgument("chat_id, message_id and new_content are required")
	}
	userID = userOrDefault(userID)

	edited, err := s.store.EditTurn(ctx, chatID, turnID, userID, newContent)
	if err != nil {
		logStoreFailure(err, "edit_message", chatID)
		return nil, storeError("message not found or not editable", err)
	}

	turns, err := s.store.ListTurns(ctx, chatID, 0)
	if err != nil {
		logStoreFailure(err, "edit_message", chatID)
		return nil, storeError("failed to load history", err)
	}

	reply, err := s.generate(ctx, chatID, historyThrough(turns, edited.Seq), "")
	if err != nil {
		return nil, err
	}

	bot, err := s.store.AppendTurn(ctx, chatID, userID, conversation.RoleBot, reply)
	if err != nil {
		logStoreFailure(err, "edit_message", chatID)
		return nil, storeError("failed to save response", err)
	}
	return &Reply{Response: reply, UserTurn: edited, BotTurn: bot}, nil
}

// RegenerateResponse replaces the answer to a user turn. messageID may name
// the user turn or one of its bot replies. When userID is set the chat must
// belong to that user.
func (s *Service) RegenerateResponse(ctx context.Context, userID, chatID, messageID string) (*Reply, error) {
	if strings.TrimSpace(chatID) == "" || strings.TrimSpace(messageID) == "" {
		return nil, invalidArgument("chat_id and message_id are required")
	}

	chat, err := s.store.GetConversation(ctx, chatID)
	if err != nil {
		logStoreFailure(err, "regenerate_response", chatID)
		return nil, storeError("chat not found", err)
	}
	if userID != "" && chat.UserID != userID {
		return nil, notFound("chat not found", conversation.ErrNotFound)
	}

	target, err := s.store.GetTurn(ctx, chatID, messageID)
	if err != nil {
		logStoreFailure(err, "regenerate_response", chatID)
		return nil, storeError("message not found", err)
	}

	turns, err := s.store.ListTurns(ctx, chatID, 0)
	if err != nil {
		logStoreFailure(err, "regenerate_response", chatID)
		return nil, storeError("failed to load history", err)
	}

	anchor := target
	if target.Role == conversation.RoleBot {
		anchor = nil
		for _, t := range turns {
			if t.Role == conversation.RoleUser && t.Seq < target.Seq {
				anchor = t
			}
		}
		if anchor == nil {
			return nil, notFound("no user message precedes this response", conversation.ErrNotFound)
		}
	}

	reply, err := s.generate(ctx, chatID, historyThrough(turns, anchor.Seq), "")
	if err != nil {
		return nil, err
	}

	bot, removed, err := s.store.ReplaceBotTurnsAfter(ctx, chatID, anchor.Seq, anchor.UserID, reply)
	if err != nil {
		logStoreFailure(err, "regenerate_response", chatID)
		return nil, storeError("failed to save response", err)
	}

	log.Debug().
		Str("chat_id", chatID).
		Str("anchor", anchor.ID).
		Int("removed", removed).
		Msg("Regenerated response")
	return &Reply{Response: reply, UserTurn: anchor, BotTurn: bot}, nil
}

// RefreshTitle replaces a fallback title with a model-generated one. A title
// that no longer equals fallback was changed since and is left alone.
func (s *Service) RefreshTitle(ctx context.Context, chatID, userID, seed, fallback string) error {
	chat, err := s.store.GetConversation(ctx, chatID)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError("failed to load chat", err)
	}
	if chat.Title != fallback {
		return nil
	}

	title, generated := s.llm.GenerateTitle(ctx, seed)
	if !generated {
		return upstream(errors.New("title generation fell back again"))
	}
	err = s.store.UpdateTitleIf(ctx, chatID, userID, fallback, title)
	if errors.Is(err, conversation.ErrNotFound) {
		log.Debug().Str("chat_id", chatID).Msg("Title changed during generation, keeping it")
		return nil
	}
	if err != nil {
		return storeError("failed to update title", err)
	}
	return nil
}

func (s *Service) ListConversations(ctx context.Context, userID string) ([]*conversation.Chat, error) {
	chats, err := s.store.ListConversations(ctx, userOrDefault(userID))
	if err != nil {
		logStoreFailure(err, "list_conversations", "")
		return nil, storeError("failed to list chats", err)
	}
	return chats, nil
}

func (s *Service) ListHistory(ctx context.Context, chatID string) ([]*conversation.Turn, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, invalidArgument("chat_id is required")
	}
	turns, err := s.store.ListTurns(ctx, chatID, 0)
	if err != nil {
		logStoreFailure(err, "list_history", chatID)
		return nil, storeError("failed to load history", err)
	}
	return turns, nil
}

func (s *Service) UpdateTitle(ctx context.Context, userID, chatID, title string) error {
	title = strings.TrimSpace(title)
	if strings.TrimSpace(chatID) == "" || title == "" {
		return invalidArgument("chat_id and new_title are required")
	}
	if err := s.store.UpdateTitle(ctx, chatID, userOrDefault(userID), title); err != nil {
		logStoreFailure(err, "update_title", chatID)
		return storeError("chat not found", err)
	}
	return nil
}

func (s *Service) DeleteConversation(ctx context.Context, userID, chatID string) error {
	if strings.TrimSpace(chatID) == "" {
		return invalidArgument("chat_id is required")
	}
	if err := s.store.DeleteConversation(ctx, chatID, userOrDefault(userID)); err != nil {
		logStoreFailure(err, "delete_conversation", chatID)
		return storeError("chat not found", err)
	}
	return nil
}

func (s *Service) AddFavorite(ctx context.Context, userID, chatID string) error {
	if strings.TrimSpace(chatID) == "" {
		return invalidArgument("chat_id is required")
	}
	if err := s.store.AddFavorite(ctx, userOrDefault(userID), chatID); err != nil {
		logStoreFailure(err, "add_favorite", chatID)
		return storeError("chat not found", err)
	}
	return nil
}

func (s *Service) RemoveFavorite(ctx context.Context, userID, chatID string) error {
	if strings.TrimSpace(chatID) == "" {
		return invalidArgument("chat_id is required")
	}
	if err := s.store.RemoveFavorite(ctx, userOrDefault(userID), chatID); err != nil {
		logStoreFailure(err, "remove_favorite", chatID)
		return storeError("failed to remove favorite", err)
	}
	return nil
}

func (s *Service) ListFavorites(ctx context.Context, userID string) ([]string, error) {
	favs, err := s.store.ListFavorites(ctx, userOrDefault(userID))
	if err != nil {
		logStoreFailure(err, "list_favorites", "")
		return nil, storeError("failed to list favorites", err)
	}
	return favs, nil
}
