package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"support-bridge/internal/domain"
	"support-bridge/internal/infra/metrics"
	"support-bridge/internal/usecase/notify"
)

// Outcome — итог обработки одного апдейта.
type Outcome string

const (
	OutcomeIgnored      Outcome = "ignored"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeUnauthorized Outcome = "unauthorized"
	OutcomeHandled      Outcome = "handled"
	OutcomeAccepted     Outcome = "accepted"
)

// Фиксированные ответы бота.
const (
	TextAccessDenied = "⛔ Доступ запрещён. Этот бот отвечает только администраторам поддержки."
	TextHelp         = "👋 Бот поддержки.\n\n" +
		"Ответить пользователю можно так:\n" +
		"• ответьте цитатой на уведомление с меткой [#id];\n" +
		"• /reply <id> текст;\n" +
		"• #<id> текст;\n" +
		"• [<id>] текст."
	TextUsage        = "Не понял команду. Используйте /reply <id> текст или ответьте цитатой на уведомление."
	TextNotFound     = "Диалог #%d не найден."
	TextConfirmation = "✅ Ответ отправлен в диалог #%d."
)

// Dispatcher сохраняет принятый ответ админа.
type Dispatcher interface {
	Dispatch(ctx context.Context, draft notify.Draft) (domain.Conversation, domain.Message, error)
}

// Gate — общая точка входа для апдейтов из webhook и long-poll.
type Gate struct {
	messages      domain.MessageRepo
	conversations domain.ConversationRepo
	links         domain.AdminLinkRepo
	dispatcher    Dispatcher
	messenger     domain.Messenger
	log           zerolog.Logger
	replyTimeout  time.Duration
}

// NewGate создаёт шлюз.
func NewGate(messages domain.MessageRepo, conversations domain.ConversationRepo, links domain.AdminLinkRepo, dispatcher Dispatcher, messenger domain.Messenger, log zerolog.Logger) *Gate {
	return &Gate{
		messages:      messages,
		conversations: conversations,
		links:         links,
		dispatcher:    dispatcher,
		messenger:     messenger,
		log:           log,
		replyTimeout:  10 * time.Second,
	}
}

// Handle обрабатывает апдейт. Ошибка возвращается только при сбое инфраструктуры
// (хранилище недоступно); терминальные исходы отражаются в Outcome.
func (g *Gate) Handle(ctx context.Context, upd domain.InboundUpdate) (Outcome, error) {
	if !upd.HasMessage() {
		return OutcomeIgnored, nil
	}
	msg := upd.Message
	logger := g.log.With().Int64("update_id", upd.UpdateID).Int64("from", msg.FromID).Logger()

	seen, err := g.messages.ExternalUpdateExists(ctx, upd.UpdateID)
	if err != nil {
		return "", fmt.Errorf("проверка update_id: %w", err)
	}
	if seen {
		logger.Debug().Msg("повторный апдейт пропущен")
		return OutcomeDuplicate, nil
	}

	link, err := g.links.FindActiveAdminLink(ctx, msg.FromID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("поиск привязки админа: %w", err)
		}
		logger.Warn().Int64("chat", msg.ChatID).Msg("апдейт от неизвестного отправителя")
		g.reply(ctx, msg.ChatID, TextAccessDenied)
		return OutcomeUnauthorized, nil
	}

	text := strings.TrimSpace(msg.Text)
	if isGreeting(text) {
		g.reply(ctx, msg.ChatID, TextHelp)
		return OutcomeHandled, nil
	}

	cmd, ok := ParseReply(text, msg.QuotedText)
	if !ok {
		g.reply(ctx, msg.ChatID, TextUsage)
		return OutcomeHandled, nil
	}

	if _, err := g.conversations.GetConversation(ctx, cmd.ConversationID); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("поиск диалога: %w", err)
		}
		g.reply(ctx, msg.ChatID, fmt.Sprintf(TextNotFound, cmd.ConversationID))
		return OutcomeHandled, nil
	}

	adminID := link.UserID
	updateID := upd.UpdateID
	conv, _, err := g.dispatcher.Dispatch(ctx, notify.Draft{
		ConversationID:   cmd.ConversationID,
		SenderType:       domain.SenderAdmin,
		SenderUserID:     &adminID,
		Source:           domain.SourceTelegram,
		Body:             cmd.Body,
		ExternalUpdateID: &updateID,
	})
	switch {
	case errors.Is(err, domain.ErrDuplicate):
		// Параллельный путь доставки успел раньше.
		return OutcomeDuplicate, nil
	case errors.Is(err, domain.ErrNotFound):
		g.reply(ctx, msg.ChatID, fmt.Sprintf(TextNotFound, cmd.ConversationID))
		return OutcomeHandled, nil
	case domain.IsInvalidInput(err):
		g.reply(ctx, msg.ChatID, TextUsage)
		return OutcomeHandled, nil
	case err != nil:
		return "", err
	}

	logger.Info().Int64("conversation", conv.ID).Int64("admin", adminID).Msg("ответ админа принят")
	g.reply(ctx, msg.ChatID, fmt.Sprintf(TextConfirmation, conv.ID))
	return OutcomeAccepted, nil
}

// HandleAndRecord обрабатывает апдейт и учитывает исход в метриках пути доставки.
func (g *Gate) HandleAndRecord(ctx context.Context, path string, upd domain.InboundUpdate) (Outcome, error) {
	outcome, err := g.Handle(ctx, upd)
	if err != nil {
		metrics.IncIngest(path, "error")
		return outcome, err
	}
	metrics.IncIngest(path, string(outcome))
	return outcome, nil
}

func (g *Gate) reply(ctx context.Context, chatID int64, text string) {
	if g.messenger == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, g.replyTimeout)
	defer cancel()
	if err := g.messenger.SendMessage(sendCtx, chatID, text); err != nil {
		metrics.BotSendErrors.Inc()
		g.log.Warn().Err(err).Int64("chat", chatID).Msg("не удалось отправить ответ бота")
	}
}

func isGreeting(text string) bool {
	cmd := text
	if i := strings.IndexAny(cmd, " \n\t"); i >= 0 {
		cmd = cmd[:i]
	}
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd == "/start" || cmd == "/help"
}
