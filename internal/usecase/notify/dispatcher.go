package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"support-bridge/internal/domain"
	"support-bridge/internal/infra/metrics"
)

// Draft описывает входящее сообщение из любого канала.
type Draft struct {
	ConversationID   int64
	SenderType       domain.SenderType
	SenderUserID     *int64
	Source           domain.MessageSource
	Body             string
	ExternalUpdateID *int64
}

// Dispatcher сохраняет сообщение вместе с обновлением диалога и разносит уведомления.
type Dispatcher struct {
	messages    domain.MessageRepo
	links       domain.AdminLinkRepo
	broadcaster domain.Broadcaster
	messenger   domain.Messenger
	log         zerolog.Logger
	sendTimeout time.Duration
	now         func() time.Time
}

// Option настраивает Dispatcher.
type Option func(*Dispatcher)

// WithSendTimeout задаёт таймаут отправки уведомления одному админу.
func WithSendTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.sendTimeout = d
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(disp *Dispatcher) {
		disp.now = now
	}
}

// NewDispatcher создаёт диспетчер.
func NewDispatcher(messages domain.MessageRepo, links domain.AdminLinkRepo, broadcaster domain.Broadcaster, messenger domain.Messenger, log zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		messages:    messages,
		links:       links,
		broadcaster: broadcaster,
		messenger:   messenger,
		log:         log,
		sendTimeout: 10 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch сохраняет сообщение, публикует realtime-событие и, для сообщений
// пользователей и гостей, уведомляет привязанных админов в Telegram.
// Ошибки публикации и уведомлений не откатывают сохранённое сообщение.
func (d *Dispatcher) Dispatch(ctx context.Context, draft Draft) (domain.Conversation, domain.Message, error) {
	body, err := domain.NormalizeBody(draft.Body)
	if err != nil {
		return domain.Conversation{}, domain.Message{}, err
	}
	var assign *int64
	if draft.SenderType == domain.SenderAdmin && draft.SenderUserID != nil {
		id := *draft.SenderUserID
		assign = &id
	}
	conv, msg, err := d.messages.AppendMessage(ctx, domain.NewMessage{
		ConversationID:   draft.ConversationID,
		SenderType:       draft.SenderType,
		SenderUserID:     draft.SenderUserID,
		Source:           draft.Source,
		Body:             body,
		ExternalUpdateID: draft.ExternalUpdateID,
		SentAt:           d.now().UTC(),
	}, assign)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicate) || errors.Is(err, domain.ErrNotFound) {
			return domain.Conversation{}, domain.Message{}, err
		}
		return domain.Conversation{}, domain.Message{}, fmt.Errorf("сохранение сообщения: %w", err)
	}
	metrics.IncMessage(string(msg.SenderType), string(msg.Source))

	d.publish(ctx, domain.RealtimeEvent{
		Type:         domain.EventMessage,
		Conversation: conv,
		Message:      &msg,
		OccurredAt:   msg.SentAt,
	})

	if !msg.FromAdmin() {
		d.notifyAdmins(ctx, conv, msg)
	}
	return conv, msg, nil
}

// PublishConversation рассылает снимок диалога после смены статуса.
func (d *Dispatcher) PublishConversation(ctx context.Context, conv domain.Conversation) {
	d.publish(ctx, domain.RealtimeEvent{
		Type:         domain.EventConversation,
		Conversation: conv,
		OccurredAt:   d.now().UTC(),
	})
}

func (d *Dispatcher) publish(ctx context.Context, event domain.RealtimeEvent) {
	if d.broadcaster == nil {
		return
	}
	channels := domain.AudienceChannels(event.Conversation)
	if err := d.broadcaster.Publish(ctx, channels, event); err != nil {
		metrics.RealtimePublishErrors.Inc()
		d.log.Error().Err(err).Int64("conversation", event.Conversation.ID).Strs("channels", channels).Msg("не удалось опубликовать realtime-событие")
	}
}

func (d *Dispatcher) notifyAdmins(ctx context.Context, conv domain.Conversation, msg domain.Message) {
	if d.messenger == nil || d.links == nil {
		return
	}
	links, err := d.links.ListActiveAdminLinks(ctx)
	if err != nil {
		metrics.AdminNotifyErrors.Inc()
		d.log.Error().Err(err).Int64("conversation", conv.ID).Msg("не удалось получить привязки админов")
		return
	}
	text := FormatAdminNotification(conv, msg)
	for _, link := range links {
		// Эхо-подавление: не шлём автору, если он сам привязанный админ.
		if msg.SenderUserID != nil && link.UserID == *msg.SenderUserID {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := d.messenger.SendMessage(sendCtx, link.NotifyChatID(), text)
		cancel()
		if err != nil {
			metrics.AdminNotifyErrors.Inc()
			d.log.Warn().Err(err).Int64("admin", link.UserID).Int64("conversation", conv.ID).Msg("не удалось уведомить админа")
		}
	}
}

// FormatAdminNotification собирает текст уведомления. Метка [#id] позволяет ответить цитатой.
func FormatAdminNotification(conv domain.Conversation, msg domain.Message) string {
	var author string
	switch msg.SenderType {
	case domain.SenderGuest:
		author = "гостя"
	case domain.SenderUser:
		author = "пользователя"
		if msg.SenderUserID != nil {
			author = fmt.Sprintf("пользователя #%d", *msg.SenderUserID)
		}
	default:
		author = "администратора"
	}
	lines := []string{
		fmt.Sprintf("💬 Новое сообщение [#%d] от %s", conv.ID, author),
		"",
		msg.Body,
		"",
		fmt.Sprintf("Ответьте цитатой на это сообщение или командой /reply %d текст", conv.ID),
	}
	return strings.Join(lines, "\n")
}
