// Package telegram — клиент Telegram Bot API для моста поддержки.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"support-bridge/internal/adapters/bot"
	"support-bridge/internal/domain"
	"support-bridge/internal/infra/metrics"
)

// TokenSource отдаёт текущий токен бота.
type TokenSource interface {
	BotToken(ctx context.Context) (string, error)
}

// Client реализует domain.Messenger. Токен читается на каждый вызов,
// поэтому смена токена в настройках подхватывается без рестарта.
type Client struct {
	tokens      TokenSource
	endpoint    string
	sendTimeout time.Duration
	pollSlack   time.Duration
	http        *http.Client
	log         zerolog.Logger
}

// Option настраивает Client.
type Option func(*Client)

// WithEndpoint задаёт шаблон адреса API в формате tgbotapi.APIEndpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithSendTimeout задаёт таймаут отправки сообщения.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// WithPollSlack задаёт запас HTTP-таймаута getUpdates сверх таймаута Telegram.
func WithPollSlack(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollSlack = d
		}
	}
}

// WithHTTPClient подменяет HTTP-клиента.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient создаёт клиента.
func NewClient(tokens TokenSource, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		tokens:      tokens,
		endpoint:    tgbotapi.APIEndpoint,
		sendTimeout: 10 * time.Second,
		pollSlack:   10 * time.Second,
		http:        &http.Client{},
		log:         log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ctxClient привязывает запросы tgbotapi к контексту вызова.
type ctxClient struct {
	ctx    context.Context
	client *http.Client
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

func (c *Client) api(ctx context.Context, token string) *tgbotapi.BotAPI {
	api := &tgbotapi.BotAPI{Token: token, Buffer: 100, Client: ctxClient{ctx: ctx, client: c.http}}
	api.SetAPIEndpoint(c.endpoint)
	return api
}

func (c *Client) token(ctx context.Context) (string, error) {
	token, err := c.tokens.BotToken(ctx)
	if err != nil {
		return "", fmt.Errorf("токен бота: %w", err)
	}
	if token == "" {
		return "", domain.ErrTokenMissing
	}
	return token, nil
}

// SendMessage отправляет текст, разбивая его на части по лимиту Telegram.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	api := c.api(ctx, token)
	for _, part := range SplitMessage(text) {
		start := time.Now()
		_, err := api.Send(tgbotapi.NewMessage(chatID, part))
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			return externalError("sendMessage", err)
		}
	}
	return nil
}

// GetUpdates выполняет long-poll запрос. HTTP-таймаут на pollSlack длиннее таймаута Telegram.
func (c *Client) GetUpdates(ctx context.Context, req domain.PollRequest) ([]domain.InboundUpdate, error) {
	if req.Token == "" {
		return nil, domain.ErrTokenMissing
	}
	ctx, cancel := context.WithTimeout(ctx, req.Timeout+c.pollSlack)
	defer cancel()
	cfg := tgbotapi.NewUpdate(int(req.Offset))
	cfg.Timeout = int(req.Timeout / time.Second)
	cfg.AllowedUpdates = req.AllowedUpdates

	start := time.Now()
	updates, err := c.api(ctx, req.Token).GetUpdates(cfg)
	metrics.ObserveNetworkRequest("telegram_bot", "get_updates", "bot", start, err)
	if err != nil {
		return nil, externalError("getUpdates", err)
	}
	return bot.ConvertUpdates(updates), nil
}

// SetWebhook регистрирует адрес вебхука.
func (c *Client) SetWebhook(ctx context.Context, link string, allowed []string) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	wh, err := tgbotapi.NewWebhook(link)
	if err != nil {
		return fmt.Errorf("%w: адрес вебхука: %v", domain.ErrInvalidInput, err)
	}
	wh.AllowedUpdates = allowed
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	start := time.Now()
	_, err = c.api(ctx, token).Request(wh)
	metrics.ObserveNetworkRequest("telegram_bot", "set_webhook", "bot", start, err)
	if err != nil {
		return externalError("setWebhook", err)
	}
	c.log.Info().Str("host", wh.URL.Host).Msg("telegram: вебхук зарегистрирован")
	return nil
}

// externalError оборачивает транспортные ошибки в domain.ErrExternalService.
// Ответы API с кодом ошибки (например, 403 от заблокировавшего бота) тоже считаются внешними,
// 409 дополнительно помечается domain.ErrPollConflict.
func externalError(op string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusConflict {
			return fmt.Errorf("%w: %w: %s: %s", domain.ErrExternalService, domain.ErrPollConflict, op, apiErr.Message)
		}
		return fmt.Errorf("%w: %s: %d %s", domain.ErrExternalService, op, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrExternalService, op, err)
}

var _ domain.Messenger = (*Client)(nil)
