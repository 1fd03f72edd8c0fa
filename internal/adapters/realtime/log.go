package realtime

import (
	"context"

	"github.com/rs/zerolog"

	"support-bridge/internal/domain"
)

// LogBroadcaster пишет события в лог. Для локального запуска без брокера.
type LogBroadcaster struct {
	log zerolog.Logger
}

// NewLogBroadcaster создаёт публикатор в лог.
func NewLogBroadcaster(log zerolog.Logger) *LogBroadcaster {
	return &LogBroadcaster{log: log}
}

// Publish реализует domain.Broadcaster.
func (b *LogBroadcaster) Publish(_ context.Context, channels []string, event domain.RealtimeEvent) error {
	ev := b.log.Debug().Str("type", string(event.Type)).Strs("channels", channels).Int64("conversation", event.Conversation.ID)
	if event.Message != nil {
		ev = ev.Int64("message", event.Message.ID)
	}
	ev.Msg("realtime: событие")
	return nil
}

var _ domain.Broadcaster = (*LogBroadcaster)(nil)
