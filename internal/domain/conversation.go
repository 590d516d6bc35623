package domain

import "time"

// Role identifies who produced a turn.
type Role string

const (
	TurnUser      Role = "user"
	TurnAssistant Role = "assistant"
)

// Mode is the chat/order classification of a turn.
type Mode string

const (
	ModeChat  Mode = "chat"
	ModeOrder Mode = "order"
)

// ParseMode returns the mode named by s and whether it is recognised.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeChat, ModeOrder:
		return Mode(s), true
	}
	return "", false
}

// SessionKey addresses one conversation thread.
type SessionKey struct {
	RestaurantKey string
	SessionID     string
}

func (k SessionKey) String() string {
	return k.RestaurantKey + "#" + k.SessionID
}

// Turn is a single persisted conversation message. Turns are never mutated
// after they are appended.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Mode      Mode      `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatRole maps a stored turn role onto the generation message role.
func (t Turn) ChatRole() string {
	if t.Role == TurnAssistant {
		return RoleAssistant
	}
	return RoleUser
}
