package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/valenai/internal/chat"
	"github.com/valenai/internal/conversation"
	"github.com/valenai/internal/llm"
)

// Conversations is the part of chat.Service the HTTP layer calls.
type Conversations interface {
	CreateConversation(ctx context.Context, userID, chatID, message string) (*chat.Created, error)
	SendMessage(ctx context.Context, userID, chatID, message string) (*chat.Reply, error)
	EditAndRegenerate(ctx context.Context, userID, chatID, turnID, newContent string) (*chat.Reply, error)
	RegenerateResponse(ctx context.Context, userID, chatID, messageID string) (*chat.Reply, error)
	ListConversations(ctx context.Context, userID string) ([]*conversation.Chat, error)
	ListHistory(ctx context.Context, chatID string) ([]*conversation.Turn, error)
	UpdateTitle(ctx context.Context, userID, chatID, title string) error
	DeleteConversation(ctx context.Context, userID, chatID string) error
	AddFavorite(ctx context.Context, userID, chatID string) error
	RemoveFavorite(ctx context.Context, userID, chatID string) error
	ListFavorites(ctx context.Context, userID string) ([]string, error)
}

const (
	keysExhaustedReply = "All API keys are exhausted or invalid."
	generationFailed   = "An error occurred while generating a response."
)

// Request bodies. Every field is optional at decode time; the service
// reports missing required values as invalid arguments.

type messageRequest struct {
	UserID  string `json:"user_id"`
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

type chatRequest struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
}

type updateTitleRequest struct {
	UserID   string `json:"user_id"`
	ChatID   string `json:"chat_id"`
	NewTitle string `json:"new_title"`
}

type editMessageRequest struct {
	UserID     string `json:"user_id"`
	ChatID     string `json:"chat_id"`
	MessageID  string `json:"message_id"`
	NewContent string `json:"new_content"`
}

type regenerateRequest struct {
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

type historyEntry struct {
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type chatSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ChatHandler serves the conversation endpoints.
type ChatHandler struct {
	svc Conversations
}

func NewChatHandler(svc Conversations) *ChatHandler {
	return &ChatHandler{svc: svc}
}

func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	return nil
}

func errorMessage(err error) string {
	var e *chat.Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

// respondError renders a service error. Invalid arguments and missing
// records get a 4xx; upstream and store failures get a 200 with soft merged in.
func respondError(c echo.Context, err error, soft map[string]interface{}) error {
	msg := errorMessage(err)
	switch chat.KindOf(err) {
	case chat.InvalidArgument:
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": msg})
	case chat.NotFound:
		return c.JSON(http.StatusNotFound, map[string]interface{}{"error": msg, "success": false})
	}

	body := map[string]interface{}{"error": msg}
	for k, v := range soft {
		body[k] = v
	}
	return c.JSON(http.StatusOK, body)
}

// fallbackReply is the response text shown when no reply could be produced.
func fallbackReply(err error) string {
	if errors.Is(err, llm.ErrUpstreamUnavailable) {
		return keysExhaustedReply
	}
	return generationFailed
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (h *ChatHandler) CreateChat(c echo.Context) error {
	var req messageRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	res, err := h.svc.CreateConversation(c.Request().Context(), callerID(c, req.UserID), req.ChatID, req.Message)
	if err != nil {
		return respondError(c, err, map[string]interface{}{
			"title":    "",
			"response": fallbackReply(err),
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"title":           res.Title,
		"response":        res.Response,
		"user_message_id": res.UserTurn.ID,
		"bot_message_id":  res.BotTurn.ID,
	})
}

func (h *ChatHandler) Chat(c echo.Context) error {
	var req messageRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	res, err := h.svc.SendMessage(c.Request().Context(), callerID(c, req.UserID), req.ChatID, req.Message)
	if err != nil {
		return respondError(c, err, map[string]interface{}{"response": fallbackReply(err)})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"response":   res.Response,
		"message_id": res.BotTurn.ID,
	})
}

func (h *ChatHandler) ChatHistory(c echo.Context) error {
	var req chatRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	turns, err := h.svc.ListHistory(c.Request().Context(), req.ChatID)
	if err != nil {
		return respondError(c, err, map[string]interface{}{"history": []historyEntry{}})
	}

	history := make([]historyEntry, 0, len(turns))
	for _, t := range turns {
		history = append(history, historyEntry{
			MessageID: t.ID,
			Role:      string(t.Role),
			Content:   t.Content,
			Timestamp: formatTimestamp(t.CreatedAt),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"history": history})
}

func (h *ChatHandler) ListChats(c echo.Context) error {
	userID := callerID(c, c.QueryParam("user_id"))

	chats, err := h.svc.ListConversations(c.Request().Context(), userID)
	if err != nil {
		return respondError(c, err, map[string]interface{}{"chats": []chatSummary{}})
	}

	out := make([]chatSummary, 0, len(chats))
	for _, ch := range chats {
		out = append(out, chatSummary{ID: ch.ID, Title: ch.Title})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"chats": out})
}

func (h *ChatHandler) UpdateTitle(c echo.Context) error {
	var req updateTitleRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	if err := h.svc.UpdateTitle(c.Request().Context(), callerID(c, req.UserID), req.ChatID, req.NewTitle); err != nil {
		return respondError(c, err, map[string]interface{}{"success": false})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

func (h *ChatHandler) EditMessage(c echo.Context) error {
	var req editMessageRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	res, err := h.svc.EditAndRegenerate(c.Request().Context(), callerID(c, req.UserID), req.ChatID, req.MessageID, req.NewContent)
	if err != nil {
		return respondError(c, err, map[string]interface{}{
			"success":  false,
			"response": fallbackReply(err),
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":    true,
		"response":   res.Response,
		"message_id": res.BotTurn.ID,
	})
}

// RegenerateResponse only checks ownership when the caller is known, so an
// absent user_id is not replaced with the default user here.
func (h *ChatHandler) RegenerateResponse(c echo.Context) error {
	var req regenerateRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	res, err := h.svc.RegenerateResponse(c.Request().Context(), callerID(c, req.UserID), req.ChatID, req.MessageID)
	if err != nil {
		return respondError(c, err, map[string]interface{}{
			"success":  false,
			"response": fallbackReply(err),
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":    true,
		"response":   res.Response,
		"message_id": res.BotTurn.ID,
	})
}

func (h *ChatHandler) AddFavorite(c echo.Context) error {
	var req chatRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	if err := h.svc.AddFavorite(c.Request().Context(), callerID(c, req.UserID), req.ChatID); err != nil {
		return respondError(c, err, map[string]interface{}{"success": false})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

func (h *ChatHandler) RemoveFavorite(c echo.Context) error {
	var req chatRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	if err := h.svc.RemoveFavorite(c.Request().Context(), callerID(c, req.UserID), req.ChatID); err != nil {
		return respondError(c, err, map[string]interface{}{"success": false})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

func (h *ChatHandler) ListFavorites(c echo.Context) error {
	userID := callerID(c, c.QueryParam("user_id"))

	favs, err := h.svc.ListFavorites(c.Request().Context(), userID)
	if err != nil {
		return respondError(c, err, map[string]interface{}{"favorites": []string{}})
	}
	if favs == nil {
		favs = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"favorites": favs})
}

func (h *ChatHandler) DeleteChat(c echo.Context) error {
	var req chatRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	if err := h.svc.DeleteConversation(c.Request().Context(), callerID(c, req.UserID), req.ChatID); err != nil {
		return respondError(c, err, map[string]interface{}{"success": false})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}
