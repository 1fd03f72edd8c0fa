package memstore

import (
	"context"
	"sync"
	"time"

	"support-bridge/internal/domain"
)

// Published — одна публикация в Broadcaster.
type Published struct {
	Channels []string
	Event    domain.RealtimeEvent
}

// Broadcaster запоминает опубликованные события.
type Broadcaster struct {
	mu     sync.Mutex
	events []Published
	Err    error
}

// Publish реализует domain.Broadcaster.
func (b *Broadcaster) Publish(_ context.Context, channels []string, event domain.RealtimeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.events = append(b.events, Published{Channels: append([]string(nil), channels...), Event: event})
	return nil
}

// Events возвращает копию опубликованных событий.
func (b *Broadcaster) Events() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.events...)
}

// Sent — одно отправленное ботом сообщение.
type Sent struct {
	ChatID int64
	Text   string
}

// Messenger — платформа в памяти: запоминает отправки и отдаёт заранее заданные пачки апдейтов.
type Messenger struct {
	mu       sync.Mutex
	sent     []Sent
	batches  [][]domain.InboundUpdate
	requests []domain.PollRequest

	SendErr  error
	FetchErr []error
	// OnEmpty вызывается, когда заданные пачки закончились.
	OnEmpty func()
}

// QueueUpdates добавляет пачку, которую вернёт следующий GetUpdates.
func (m *Messenger) QueueUpdates(batch ...domain.InboundUpdate) {
	m.mu.Lock()
	m.batches = append(m.batches, batch)
	m.mu.Unlock()
}

// SendMessage реализует domain.Messenger.
func (m *Messenger) SendMessage(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, Sent{ChatID: chatID, Text: text})
	return nil
}

// GetUpdates реализует domain.Messenger.
func (m *Messenger) GetUpdates(ctx context.Context, req domain.PollRequest) ([]domain.InboundUpdate, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if len(m.FetchErr) > 0 {
		err := m.FetchErr[0]
		m.FetchErr = m.FetchErr[1:]
		m.mu.Unlock()
		return nil, err
	}
	if len(m.batches) == 0 {
		onEmpty := m.OnEmpty
		m.mu.Unlock()
		if onEmpty != nil {
			onEmpty()
		}
		return nil, ctx.Err()
	}
	batch := m.batches[0]
	m.batches = m.batches[1:]
	m.mu.Unlock()
	return batch, nil
}

// SentMessages возвращает копию отправленных сообщений.
func (m *Messenger) SentMessages() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// SentTo возвращает сообщения, отправленные в указанный чат.
func (m *Messenger) SentTo(chatID int64) []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sent
	for _, s := range m.sent {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

// Requests возвращает параметры всех вызовов GetUpdates.
func (m *Messenger) Requests() []domain.PollRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.PollRequest(nil), m.requests...)
}

// Cache — кэш в памяти; TTL только запоминается.
type Cache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
	Err  error
}

// NewCache создаёт пустой кэш.
func NewCache() *Cache {
	return &Cache{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

// Set реализует domain.Cache.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.data[key] = append([]byte(nil), value...)
	c.ttls[key] = ttl
	return nil
}

// Get реализует domain.Cache.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, false, c.Err
	}
	v, ok := c.data[key]
	return v, ok, nil
}

// Expire удаляет ключ, как будто истёк TTL.
func (c *Cache) Expire(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// TTL возвращает TTL последней записи ключа.
func (c *Cache) TTL(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttls[key]
}

var (
	_ domain.Broadcaster = (*Broadcaster)(nil)
	_ domain.Messenger   = (*Messenger)(nil)
	_ domain.Cache       = (*Cache)(nil)
)
