// Package bot переводит апдейты Telegram Bot API в доменные.
package bot

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"support-bridge/internal/domain"
)

// maxUpdateSize ограничивает тело вебхука.
const maxUpdateSize = 1 << 20

// DecodeUpdate читает JSON апдейта из тела вебхука.
func DecodeUpdate(r io.Reader) (tgbotapi.Update, error) {
	var upd tgbotapi.Update
	if err := json.NewDecoder(io.LimitReader(r, maxUpdateSize)).Decode(&upd); err != nil {
		return tgbotapi.Update{}, fmt.Errorf("%w: апдейт: %v", domain.ErrInvalidInput, err)
	}
	return upd, nil
}

// ConvertUpdate берёт message, а при его отсутствии edited_message.
// Остальные виды апдейтов дают InboundUpdate без сообщения.
func ConvertUpdate(upd tgbotapi.Update) domain.InboundUpdate {
	out := domain.InboundUpdate{UpdateID: int64(upd.UpdateID)}
	msg := upd.Message
	if msg == nil && upd.EditedMessage != nil {
		msg = upd.EditedMessage
		out.Edited = true
	}
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return out
	}
	out.Message = &domain.InboundMessage{
		MessageID:  int64(msg.MessageID),
		FromID:     msg.From.ID,
		ChatID:     msg.Chat.ID,
		Text:       messageText(msg),
		QuotedText: quotedText(msg.ReplyToMessage),
	}
	return out
}

// ConvertUpdates переводит пачку getUpdates.
func ConvertUpdates(updates []tgbotapi.Update) []domain.InboundUpdate {
	out := make([]domain.InboundUpdate, 0, len(updates))
	for _, upd := range updates {
		out = append(out, ConvertUpdate(upd))
	}
	return out
}

func messageText(msg *tgbotapi.Message) string {
	if strings.TrimSpace(msg.Text) != "" {
		return msg.Text
	}
	return msg.Caption
}

func quotedText(reply *tgbotapi.Message) string {
	if reply == nil {
		return ""
	}
	return messageText(reply)
}
