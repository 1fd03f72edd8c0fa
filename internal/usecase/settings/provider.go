package settings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"support-bridge/internal/domain"
)

// Ключи таблицы support_settings.
const (
	KeyBotToken      = "telegram_bot_token"
	KeyWebhookSecret = "telegram_webhook_secret"
)

// Fallback — значения из окружения на случай, если в базе ключа нет.
type Fallback struct {
	BotToken      string
	WebhookSecret string
}

// Provider читает настройки при каждом вызове: сначала база, затем окружение.
// С кэшем значение может отставать от базы не больше чем на ttl.
type Provider struct {
	repo     domain.SettingsRepo
	cache    domain.Cache
	ttl      time.Duration
	fallback Fallback
	log      zerolog.Logger
}

// Option настраивает Provider.
type Option func(*Provider)

// WithCache включает кэширование значений.
func WithCache(cache domain.Cache, ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.cache = cache
			p.ttl = ttl
		}
	}
}

// NewProvider создаёт провайдер настроек.
func NewProvider(repo domain.SettingsRepo, fallback Fallback, log zerolog.Logger, opts ...Option) *Provider {
	p := &Provider{repo: repo, fallback: fallback, log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BotToken возвращает токен бота. Пустая строка — токен не настроен.
func (p *Provider) BotToken(ctx context.Context) (string, error) {
	return p.get(ctx, KeyBotToken, p.fallback.BotToken)
}

// WebhookSecret возвращает секрет пути вебхука.
func (p *Provider) WebhookSecret(ctx context.Context) (string, error) {
	return p.get(ctx, KeyWebhookSecret, p.fallback.WebhookSecret)
}

func (p *Provider) get(ctx context.Context, key, fallback string) (string, error) {
	if p.cache != nil {
		val, ok, err := p.cache.Get(ctx, key)
		if err != nil {
			p.log.Warn().Err(err).Str("key", key).Msg("settings: кэш недоступен")
		} else if ok {
			return string(val), nil
		}
	}

	value := strings.TrimSpace(fallback)
	if p.repo != nil {
		stored, ok, err := p.repo.GetSetting(ctx, key)
		if err != nil {
			return "", fmt.Errorf("чтение настройки %s: %w", key, err)
		}
		if stored = strings.TrimSpace(stored); ok && stored != "" {
			value = stored
		}
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, key, []byte(value), p.ttl); err != nil {
			p.log.Warn().Err(err).Str("key", key).Msg("settings: не удалось записать кэш")
		}
	}
	return value, nil
}
