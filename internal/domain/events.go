package domain

import (
	"strconv"
	"time"
)

// RealtimeEventType описывает тип события для виджета и админки.
type RealtimeEventType string

const (
	// EventMessage — в диалоге появилось новое сообщение.
	EventMessage RealtimeEventType = "support.message"
	// EventConversation — у диалога сменился статус.
	EventConversation RealtimeEventType = "support.conversation"
)

// ChannelAdmin — общий канал всех администраторов.
const ChannelAdmin = "support.admin"

// UserChannel возвращает канал авторизованного пользователя.
func UserChannel(userID int64) string {
	return "support.user." + strconv.FormatInt(userID, 10)
}

// GuestChannel возвращает канал гостя.
func GuestChannel(token string) string {
	return "support.guest." + token
}

// AudienceChannels возвращает каналы, в которые уходит событие по диалогу:
// админский и канал владельца.
func AudienceChannels(c Conversation) []string {
	channels := []string{ChannelAdmin}
	switch {
	case c.UserID != nil:
		channels = append(channels, UserChannel(*c.UserID))
	case c.GuestToken != nil && *c.GuestToken != "":
		channels = append(channels, GuestChannel(*c.GuestToken))
	}
	return channels
}

// RealtimeEvent — полезная нагрузка события.
type RealtimeEvent struct {
	Type         RealtimeEventType `json:"type"`
	Conversation Conversation      `json:"conversation"`
	Message      *Message          `json:"message,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}
