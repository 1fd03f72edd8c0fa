package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"support-bridge/internal/domain"
)

// MaxGuestTokenLength — предел длины гостевого токена.
const MaxGuestTokenLength = 64

var guestTokenRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Request — всё, что известно о вызывающем из HTTP-запроса.
type Request struct {
	UserID         *int64
	ConversationID *int64
	HeaderToken    string
	BodyToken      string
	CookieToken    string
}

// Resolution — найденный или созданный диалог вызывающего.
type Resolution struct {
	Conversation domain.Conversation
	// GuestToken пуст для авторизованных пользователей.
	GuestToken string
	// Minted — токен выпущен в этом запросе.
	Minted bool
}

// SenderType возвращает тип отправителя для сообщений от этой идентичности.
func (r Resolution) SenderType() domain.SenderType {
	if r.GuestToken != "" {
		return domain.SenderGuest
	}
	return domain.SenderUser
}

// Service сопоставляет вызывающего с его единственным диалогом.
type Service struct {
	conversations domain.ConversationRepo
	newToken      func() string
}

// NewService создаёт резолвер.
func NewService(conversations domain.ConversationRepo) *Service {
	return &Service{conversations: conversations, newToken: uuid.NewString}
}

// ValidGuestToken проверяет формат токена.
func ValidGuestToken(token string) bool {
	return token != "" && len(token) <= MaxGuestTokenLength && guestTokenRegex.MatchString(token)
}

// PickGuestToken выбирает токен по приоритету: заголовок, тело, cookie.
func PickGuestToken(header, body, cookie string) (string, bool) {
	for _, candidate := range []string{header, body, cookie} {
		candidate = strings.TrimSpace(candidate)
		if ValidGuestToken(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// Resolve возвращает диалог вызывающего, создавая его при первом обращении.
// Явно указанный чужой или несуществующий диалог даёт domain.ErrNotFound;
// в этом случае ничего не создаётся и токен не выпускается.
func (s *Service) Resolve(ctx context.Context, req Request) (Resolution, error) {
	if req.UserID != nil {
		if req.ConversationID != nil {
			conv, err := s.lookup(ctx, *req.ConversationID)
			if err != nil {
				return Resolution{}, err
			}
			if !conv.OwnedByUser(*req.UserID) {
				return Resolution{}, domain.ErrNotFound
			}
			return Resolution{Conversation: conv}, nil
		}
		conv, err := s.conversations.FindOrCreateForUser(ctx, *req.UserID)
		if err != nil {
			return Resolution{}, fmt.Errorf("диалог пользователя: %w", err)
		}
		return Resolution{Conversation: conv}, nil
	}

	token, ok := PickGuestToken(req.HeaderToken, req.BodyToken, req.CookieToken)
	if req.ConversationID != nil {
		// Без токена гостю не может принадлежать ни один диалог.
		if !ok {
			return Resolution{}, domain.ErrNotFound
		}
		conv, err := s.lookup(ctx, *req.ConversationID)
		if err != nil {
			return Resolution{}, err
		}
		if !conv.OwnedByGuest(token) {
			return Resolution{}, domain.ErrNotFound
		}
		return Resolution{Conversation: conv, GuestToken: token}, nil
	}

	minted := false
	if !ok {
		token = s.newToken()
		minted = true
	}
	conv, err := s.conversations.FindOrCreateForGuest(ctx, token)
	if err != nil {
		return Resolution{}, fmt.Errorf("диалог гостя: %w", err)
	}
	return Resolution{Conversation: conv, GuestToken: token, Minted: minted}, nil
}

func (s *Service) lookup(ctx context.Context, id int64) (domain.Conversation, error) {
	conv, err := s.conversations.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Conversation{}, domain.ErrNotFound
		}
		return domain.Conversation{}, fmt.Errorf("поиск диалога: %w", err)
	}
	return conv, nil
}
