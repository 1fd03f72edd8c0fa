// Package memstore — хранилище моста в памяти процесса. Используется в тестах и
// в dev-режиме без Postgres; курсор long-poll здесь не переживает рестарт.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"support-bridge/internal/domain"
)

// Store реализует репозитории domain поверх map под одним мьютексом.
type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	users         map[int64]domain.User
	conversations map[int64]domain.Conversation
	byUser        map[int64]int64
	byGuest       map[string]int64
	messages      []domain.Message
	byUpdate      map[int64]int64
	links         []domain.AdminTelegramLink
	cursors       map[string]int64
	settings      map[string]string
	nextConvID    int64
	nextMsgID     int64
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		now:           time.Now,
		users:         make(map[int64]domain.User),
		conversations: make(map[int64]domain.Conversation),
		byUser:        make(map[int64]int64),
		byGuest:       make(map[string]int64),
		byUpdate:      make(map[int64]int64),
		cursors:       make(map[string]int64),
		settings:      make(map[string]string),
	}
}

// SetClock подменяет источник времени.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// PutUser добавляет или обновляет пользователя.
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	s.users[u.ID] = u
}

// PutAdminLink добавляет привязку админа.
func (s *Store) PutAdminLink(l domain.AdminTelegramLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.links {
		if existing.UserID == l.UserID || existing.TelegramUserID == l.TelegramUserID {
			l.ID = existing.ID
			s.links[i] = l
			return
		}
	}
	l.ID = int64(len(s.links) + 1)
	s.links = append(s.links, l)
}

// PutSetting задаёт настройку.
func (s *Store) PutSetting(key, value string) {
	s.mu.Lock()
	s.settings[key] = value
	s.mu.Unlock()
}

// GetUser реализует domain.UserRepo.
func (s *Store) GetUser(_ context.Context, id int64) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

// FindOrCreateForUser реализует domain.ConversationRepo.
func (s *Store) FindOrCreateForUser(_ context.Context, userID int64) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byUser[userID]; ok {
		return s.conversations[id], nil
	}
	uid := userID
	conv := s.createLocked(domain.Conversation{UserID: &uid})
	s.byUser[userID] = conv.ID
	return conv, nil
}

// FindOrCreateForGuest реализует domain.ConversationRepo.
func (s *Store) FindOrCreateForGuest(_ context.Context, token string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byGuest[token]; ok {
		return s.conversations[id], nil
	}
	tok := token
	conv := s.createLocked(domain.Conversation{GuestToken: &tok})
	s.byGuest[token] = conv.ID
	return conv, nil
}

func (s *Store) createLocked(conv domain.Conversation) domain.Conversation {
	s.nextConvID++
	now := s.now().UTC()
	conv.ID = s.nextConvID
	conv.Status = domain.ConversationOpen
	conv.CreatedAt = now
	conv.UpdatedAt = now
	s.conversations[conv.ID] = conv
	return conv
}

// GetConversation реализует domain.ConversationRepo.
func (s *Store) GetConversation(_ context.Context, id int64) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return conv, nil
}

// ListConversations реализует domain.ConversationRepo.
func (s *Store) ListConversations(_ context.Context, filter domain.ConversationFilter) ([]domain.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ConversationSummary
	for _, conv := range s.conversations {
		if filter.Status != "" && conv.Status != filter.Status {
			continue
		}
		summary := domain.ConversationSummary{Conversation: conv}
		for _, m := range s.messages {
			if m.ConversationID != conv.ID {
				continue
			}
			summary.LastBody = m.Body
			if !m.FromAdmin() && !m.IsReadByAdmin {
				summary.UnreadForAdmin++
			}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		return lastActivity(out[i].Conversation).After(lastActivity(out[j].Conversation))
	})
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func lastActivity(c domain.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// SetStatus реализует domain.ConversationRepo.
func (s *Store) SetStatus(_ context.Context, id int64, status domain.ConversationStatus) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	conv.Status = status
	conv.UpdatedAt = s.now().UTC()
	s.conversations[id] = conv
	return conv, nil
}

// AppendMessage реализует domain.MessageRepo; вставка и обновление диалога атомарны под мьютексом.
func (s *Store) AppendMessage(_ context.Context, draft domain.NewMessage, assignAdminID *int64) (domain.Conversation, domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[draft.ConversationID]
	if !ok {
		return domain.Conversation{}, domain.Message{}, domain.ErrNotFound
	}
	if draft.ExternalUpdateID != nil {
		if _, exists := s.byUpdate[*draft.ExternalUpdateID]; exists {
			return domain.Conversation{}, domain.Message{}, domain.ErrDuplicate
		}
	}
	sentAt := draft.SentAt
	if sentAt.IsZero() {
		sentAt = s.now().UTC()
	}
	s.nextMsgID++
	msg := domain.Message{
		ID:               s.nextMsgID,
		ConversationID:   draft.ConversationID,
		SenderType:       draft.SenderType,
		SenderUserID:     draft.SenderUserID,
		Source:           draft.Source,
		Body:             draft.Body,
		ExternalUpdateID: draft.ExternalUpdateID,
		SentAt:           sentAt,
		IsReadByUser:     draft.SenderType != domain.SenderAdmin,
		IsReadByAdmin:    draft.SenderType == domain.SenderAdmin,
	}
	s.messages = append(s.messages, msg)
	if msg.ExternalUpdateID != nil {
		s.byUpdate[*msg.ExternalUpdateID] = msg.ID
	}
	conv.Status = domain.ConversationOpen
	ts := sentAt
	conv.LastMessageAt = &ts
	conv.UpdatedAt = sentAt
	if conv.AssignedAdminID == nil && assignAdminID != nil {
		id := *assignAdminID
		conv.AssignedAdminID = &id
	}
	s.conversations[conv.ID] = conv
	return conv, msg, nil
}

// ExternalUpdateExists реализует domain.MessageRepo.
func (s *Store) ExternalUpdateExists(_ context.Context, updateID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byUpdate[updateID]
	return ok, nil
}

// ListMessages реализует domain.MessageRepo.
func (s *Store) ListMessages(_ context.Context, conversationID, afterID int64, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.ID <= afterID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkRead реализует domain.MessageRepo.
func (s *Store) MarkRead(_ context.Context, conversationID int64, byAdmin bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if byAdmin && !m.FromAdmin() && !m.IsReadByAdmin {
			s.messages[i].IsReadByAdmin = true
			n++
		}
		if !byAdmin && m.FromAdmin() && !m.IsReadByUser {
			s.messages[i].IsReadByUser = true
			n++
		}
	}
	return n, nil
}

// FindActiveAdminLink реализует domain.AdminLinkRepo.
func (s *Store) FindActiveAdminLink(_ context.Context, telegramUserID int64) (domain.AdminTelegramLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.TelegramUserID != telegramUserID || !l.IsActive {
			continue
		}
		if u, ok := s.users[l.UserID]; ok && u.IsAdmin() {
			return l, nil
		}
	}
	return domain.AdminTelegramLink{}, domain.ErrNotFound
}

// ListActiveAdminLinks реализует domain.AdminLinkRepo.
func (s *Store) ListActiveAdminLinks(_ context.Context) ([]domain.AdminTelegramLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AdminTelegramLink
	for _, l := range s.links {
		if !l.IsActive {
			continue
		}
		if u, ok := s.users[l.UserID]; ok && u.IsAdmin() {
			out = append(out, l)
		}
	}
	return out, nil
}

// LoadCursor реализует domain.CursorStore.
func (s *Store) LoadCursor(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[name], nil
}

// SaveCursor реализует domain.CursorStore. Курсор не откатывается назад.
func (s *Store) SaveCursor(_ context.Context, name string, updateID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if updateID > s.cursors[name] {
		s.cursors[name] = updateID
	}
	return nil
}

// GetSetting реализует domain.SettingsRepo.
func (s *Store) GetSetting(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

// Messages возвращает копию всех сообщений.
func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages...)
}

// Conversations возвращает все диалоги в порядке создания.
func (s *Store) Conversations() []domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var (
	_ domain.SupportStore = (*Store)(nil)
	_ domain.CursorStore  = (*Store)(nil)
	_ domain.SettingsRepo = (*Store)(nil)
)
