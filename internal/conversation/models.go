package conversation

// Domain models for stored chats and their turns.

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleBot
}

// Chat is a conversation owned by a single user.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is one stored message. Seq is assigned by the store and is strictly
// increasing across the whole store; ordering inside a chat is (CreatedAt, Seq).
type Turn struct {
	ID        string    `json:"message_id"`
	Seq       int64     `json:"seq"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

// TurnDraft is a turn that has not been persisted yet.
type TurnDraft struct {
	Role    Role
	Content string
}


func cloneTurn(t *Turn) *Turn {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneChat(c *Chat) *Chat {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
