// Package poller — воркер long-poll для Telegram. Должен работать ровно в одном
// экземпляре на токен бота: два процесса будут соревноваться за курсор.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"support-bridge/internal/domain"
	"support-bridge/internal/infra/metrics"
	"support-bridge/internal/usecase/ingest"
)

// CursorName — ключ строки курсора в хранилище.
const CursorName = "telegram"

// AllowedUpdates — виды апдейтов, которые запрашиваются у Telegram.
var AllowedUpdates = []string{"message", "edited_message"}

// Gate — шлюз приёма апдейтов.
type Gate interface {
	HandleAndRecord(ctx context.Context, path string, upd domain.InboundUpdate) (ingest.Outcome, error)
}

// TokenSource возвращает актуальный токен бота. Пустая строка — токен не задан.
type TokenSource interface {
	BotToken(ctx context.Context) (string, error)
}

// Lease ограничивает запуск одним экземпляром. Acquire возвращает false, если lease у другого процесса.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Config задаёт тайминги воркера.
type Config struct {
	PollTimeout  time.Duration
	ErrorBackoff time.Duration
	TokenBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 25 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 3 * time.Second
	}
	if c.TokenBackoff <= 0 {
		c.TokenBackoff = 30 * time.Second
	}
	return c
}

// Driver тянет апдейты пачками и продвигает курсор по одному апдейту.
type Driver struct {
	tokens    TokenSource
	cursor    domain.CursorStore
	messenger domain.Messenger
	gate      Gate
	lease     Lease
	cfg       Config
	log       zerolog.Logger
	sleep     func(ctx context.Context, d time.Duration)
}

// Option настраивает Driver.
type Option func(*Driver)

// WithLease включает защиту от параллельных экземпляров.
func WithLease(l Lease) Option {
	return func(d *Driver) {
		d.lease = l
	}
}

// WithSleep подменяет ожидание между итерациями.
func WithSleep(fn func(ctx context.Context, d time.Duration)) Option {
	return func(d *Driver) {
		d.sleep = fn
	}
}

// NewDriver создаёт воркер.
func NewDriver(tokens TokenSource, cursor domain.CursorStore, messenger domain.Messenger, gate Gate, cfg Config, log zerolog.Logger, opts ...Option) *Driver {
	d := &Driver{
		tokens:    tokens,
		cursor:    cursor,
		messenger: messenger,
		gate:      gate,
		cfg:       cfg.withDefaults(),
		log:       log,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run крутит цикл до отмены ctx. Без отмены работает бесконечно.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Info().Dur("poll_timeout", d.cfg.PollTimeout).Msg("poller: старт")
	defer func() {
		if d.lease != nil {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.lease.Release(releaseCtx); err != nil {
				d.log.Warn().Err(err).Msg("poller: не удалось освободить lease")
			}
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			d.log.Info().Msg("poller: остановка")
			return err
		}
		wait := d.iterate(ctx)
		if wait > 0 {
			d.sleep(ctx, wait)
		}
	}
}

// iterate выполняет одну итерацию и возвращает паузу перед следующей.
func (d *Driver) iterate(ctx context.Context) time.Duration {
	if d.lease != nil {
		ok, err := d.lease.Acquire(ctx)
		if err != nil {
			d.log.Error().Err(err).Msg("poller: ошибка lease")
			return d.cfg.ErrorBackoff
		}
		if !ok {
			d.log.Debug().Msg("poller: lease у другого экземпляра")
			return d.cfg.ErrorBackoff
		}
	}

	token, err := d.tokens.BotToken(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("poller: не удалось прочитать токен")
		return d.cfg.ErrorBackoff
	}
	if token == "" {
		d.log.Warn().Msg("poller: токен бота не задан")
		return d.cfg.TokenBackoff
	}

	last, err := d.cursor.LoadCursor(ctx, CursorName)
	if err != nil {
		d.log.Error().Err(err).Msg("poller: не удалось прочитать курсор")
		return d.cfg.ErrorBackoff
	}

	updates, err := d.messenger.GetUpdates(ctx, domain.PollRequest{
		Token:          token,
		Offset:         last + 1,
		Timeout:        d.cfg.PollTimeout,
		AllowedUpdates: AllowedUpdates,
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		if errors.Is(err, domain.ErrPollConflict) {
			d.log.Error().Err(err).Msg("poller: getUpdates недоступен, пока у бота установлен вебхук (TG_WEBHOOK_URL в api) или работает другой поллер")
			return d.cfg.ErrorBackoff
		}
		d.log.Warn().Err(err).Int64("offset", last+1).Msg("poller: ошибка getUpdates")
		return d.cfg.ErrorBackoff
	}

	if err := d.process(ctx, updates); err != nil {
		d.log.Error().Err(err).Msg("poller: пачка прервана")
		return d.cfg.ErrorBackoff
	}
	return 0
}

// process обрабатывает пачку по возрастанию update_id и сохраняет курсор после каждого апдейта.
func (d *Driver) process(ctx context.Context, updates []domain.InboundUpdate) error {
	sort.SliceStable(updates, func(i, j int) bool { return updates[i].UpdateID < updates[j].UpdateID })
	for _, upd := range updates {
		if _, err := d.gate.HandleAndRecord(ctx, "poll", upd); err != nil {
			return fmt.Errorf("update %d: %w", upd.UpdateID, err)
		}
		if err := d.cursor.SaveCursor(ctx, CursorName, upd.UpdateID); err != nil {
			return fmt.Errorf("save cursor %d: %w", upd.UpdateID, err)
		}
		metrics.PollCursor.Set(float64(upd.UpdateID))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
