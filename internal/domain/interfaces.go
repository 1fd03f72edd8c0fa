package domain

import (
	"context"
	"time"
)

// UserRepo читает учётные записи.
type UserRepo interface {
	GetUser(ctx context.Context, id int64) (User, error)
}

// ConversationRepo управляет диалогами.
type ConversationRepo interface {
	// FindOrCreateForUser возвращает диалог пользователя, создавая его при отсутствии.
	FindOrCreateForUser(ctx context.Context, userID int64) (Conversation, error)
	// FindOrCreateForGuest возвращает диалог гостя, создавая его при отсутствии.
	FindOrCreateForGuest(ctx context.Context, token string) (Conversation, error)
	GetConversation(ctx context.Context, id int64) (Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]ConversationSummary, error)
	SetStatus(ctx context.Context, id int64, status ConversationStatus) (Conversation, error)
}

// ConversationFilter ограничивает выборку диалогов для админки.
type ConversationFilter struct {
	Status ConversationStatus
	Limit  int
	Offset int
}

// NewMessage — черновик сообщения до сохранения.
type NewMessage struct {
	ConversationID   int64
	SenderType       SenderType
	SenderUserID     *int64
	Source           MessageSource
	Body             string
	ExternalUpdateID *int64
	SentAt           time.Time
}

// MessageRepo управляет сообщениями.
type MessageRepo interface {
	// AppendMessage в одной транзакции вставляет сообщение и обновляет диалог:
	// status=open, last_message_at=SentAt, assigned_admin_id=COALESCE(текущий, assignAdminID).
	// Нарушение уникальности external_update_id возвращает ErrDuplicate.
	AppendMessage(ctx context.Context, msg NewMessage, assignAdminID *int64) (Conversation, Message, error)
	ExternalUpdateExists(ctx context.Context, updateID int64) (bool, error)
	ListMessages(ctx context.Context, conversationID, afterID int64, limit int) ([]Message, error)
	// MarkRead помечает прочитанными сообщения противоположной стороны.
	MarkRead(ctx context.Context, conversationID int64, byAdmin bool) (int64, error)
}

// AdminLinkRepo ищет привязки админов к Telegram.
type AdminLinkRepo interface {
	// FindActiveAdminLink возвращает активную привязку, чей пользователь имеет роль admin.
	FindActiveAdminLink(ctx context.Context, telegramUserID int64) (AdminTelegramLink, error)
	ListActiveAdminLinks(ctx context.Context) ([]AdminTelegramLink, error)
}

// CursorStore хранит курсор long-poll вне памяти процесса.
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (int64, error)
	SaveCursor(ctx context.Context, name string, updateID int64) error
}

// SettingsRepo читает настройки, которые меняются без рестарта.
type SettingsRepo interface {
	// GetSetting возвращает значение и признак наличия ключа.
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// SupportStore объединяет хранилища моста.
type SupportStore interface {
	UserRepo
	ConversationRepo
	MessageRepo
	AdminLinkRepo
}

// Broadcaster публикует события в realtime-каналы.
type Broadcaster interface {
	Publish(ctx context.Context, channels []string, event RealtimeEvent) error
}

// PollRequest — параметры getUpdates.
type PollRequest struct {
	Token          string
	Offset         int64
	Timeout        time.Duration
	AllowedUpdates []string
}

// Messenger — клиент платформы (Telegram Bot API).
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	GetUpdates(ctx context.Context, req PollRequest) ([]InboundUpdate, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}
