package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageBodyLength ограничивает длину текста сообщения поддержки (в символах).
const MaxMessageBodyLength = 4000

// User описывает учётную запись окружающей системы. Мост читает только роль.
type User struct {
	ID        int64
	Name      string
	Email     string
	Role      UserRole
	CreatedAt time.Time
}

// ConversationStatus описывает состояние диалога.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// Valid сообщает, известен ли статус.
func (s ConversationStatus) Valid() bool {
	return s == ConversationOpen || s == ConversationClosed
}

// SenderType описывает автора сообщения.
type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderAdmin SenderType = "admin"
	SenderGuest SenderType = "guest"
)

// MessageSource фиксирует канал, через который пришло сообщение.
type MessageSource string

const (
	SourceWeb      MessageSource = "web"
	SourceAdmin    MessageSource = "admin"
	SourceTelegram MessageSource = "telegram"
)

// Conversation — диалог поддержки. Принадлежит ровно одному владельцу:
// авторизованному пользователю или гостю с токеном.
type Conversation struct {
	ID              int64              `json:"id"`
	UserID          *int64             `json:"user_id,omitempty"`
	GuestToken      *string            `json:"-"`
	Status          ConversationStatus `json:"status"`
	AssignedAdminID *int64             `json:"assigned_admin_id,omitempty"`
	LastMessageAt   *time.Time         `json:"last_message_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Validate проверяет инвариант единственного владельца.
func (c Conversation) Validate() error {
	hasUser := c.UserID != nil
	hasGuest := c.GuestToken != nil && *c.GuestToken != ""
	if hasUser == hasGuest {
		return ErrOwnerInvariant
	}
	return nil
}

// IsGuest сообщает, что диалог принадлежит гостю.
func (c Conversation) IsGuest() bool {
	return c.UserID == nil && c.GuestToken != nil
}

// OwnedByUser проверяет принадлежность диалога пользователю.
func (c Conversation) OwnedByUser(userID int64) bool {
	return c.UserID != nil && *c.UserID == userID
}

// OwnedByGuest проверяет принадлежность диалога гостю.
func (c Conversation) OwnedByGuest(token string) bool {
	return c.UserID == nil && c.GuestToken != nil && *c.GuestToken == token
}

// ConversationSummary — строка списка диалогов в админке.
type ConversationSummary struct {
	Conversation
	UnreadForAdmin int    `json:"unread_for_admin"`
	LastBody       string `json:"last_body,omitempty"`
}

// Message — неизменяемое сообщение диалога. Меняются только флаги прочтения.
type Message struct {
	ID               int64         `json:"id"`
	ConversationID   int64         `json:"conversation_id"`
	SenderType       SenderType    `json:"sender_type"`
	SenderUserID     *int64        `json:"sender_user_id,omitempty"`
	Source           MessageSource `json:"source"`
	Body             string        `json:"body"`
	ExternalUpdateID *int64        `json:"external_update_id,omitempty"`
	SentAt           time.Time     `json:"sent_at"`
	IsReadByUser     bool          `json:"is_read_by_user"`
	IsReadByAdmin    bool          `json:"is_read_by_admin"`
}

// FromAdmin сообщает, что автор — администратор.
func (m Message) FromAdmin() bool {
	return m.SenderType == SenderAdmin
}

// NormalizeBody обрезает пробелы и проверяет границы длины текста.
func NormalizeBody(body string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageBodyLength {
		return "", ErrBodyTooLong
	}
	return trimmed, nil
}

// AdminTelegramLink связывает админа с аккаунтом Telegram.
type AdminTelegramLink struct {
	ID             int64
	UserID         int64
	TelegramUserID int64
	TelegramChatID int64
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NotifyChatID возвращает чат для уведомлений. Для личных чатов он совпадает с ID пользователя.
func (l AdminTelegramLink) NotifyChatID() int64 {
	if l.TelegramChatID != 0 {
		return l.TelegramChatID
	}
	return l.TelegramUserID
}
