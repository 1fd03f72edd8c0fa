package support

import (
	"context"
	"fmt"

	"support-bridge/internal/domain"
	"support-bridge/internal/usecase/identity"
	"support-bridge/internal/usecase/notify"
)

// Пределы выборок.
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Dispatcher сохраняет сообщения и рассылает события.
type Dispatcher interface {
	Dispatch(ctx context.Context, draft notify.Draft) (domain.Conversation, domain.Message, error)
	PublishConversation(ctx context.Context, conv domain.Conversation)
}

// Resolver находит диалог вызывающего.
type Resolver interface {
	Resolve(ctx context.Context, req identity.Request) (identity.Resolution, error)
}

// Thread — диалог вместе со страницей сообщений.
type Thread struct {
	Conversation domain.Conversation `json:"conversation"`
	Messages     []domain.Message    `json:"messages"`
}

// Service — сценарии виджета и админки поверх хранилища и диспетчера.
type Service struct {
	resolver      Resolver
	conversations domain.ConversationRepo
	messages      domain.MessageRepo
	dispatcher    Dispatcher
}

// NewService создаёт сервис поддержки.
func NewService(resolver Resolver, conversations domain.ConversationRepo, messages domain.MessageRepo, dispatcher Dispatcher) *Service {
	return &Service{resolver: resolver, conversations: conversations, messages: messages, dispatcher: dispatcher}
}

// ClampLimit приводит размер страницы к диапазону 1..MaxPageSize.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

// SendFromWidget принимает сообщение пользователя или гостя из виджета.
func (s *Service) SendFromWidget(ctx context.Context, req identity.Request, body string) (identity.Resolution, domain.Message, error) {
	if _, err := domain.NormalizeBody(body); err != nil {
		return identity.Resolution{}, domain.Message{}, err
	}
	res, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return identity.Resolution{}, domain.Message{}, err
	}
	var sender *int64
	if req.UserID != nil {
		id := *req.UserID
		sender = &id
	}
	conv, msg, err := s.dispatcher.Dispatch(ctx, notify.Draft{
		ConversationID: res.Conversation.ID,
		SenderType:     res.SenderType(),
		SenderUserID:   sender,
		Source:         domain.SourceWeb,
		Body:           body,
	})
	if err != nil {
		return identity.Resolution{}, domain.Message{}, err
	}
	res.Conversation = conv
	return res, msg, nil
}

// WidgetThread возвращает диалог вызывающего и сообщения после afterID.
func (s *Service) WidgetThread(ctx context.Context, req identity.Request, afterID int64, limit int) (identity.Resolution, []domain.Message, error) {
	res, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return identity.Resolution{}, nil, err
	}
	msgs, err := s.messages.ListMessages(ctx, res.Conversation.ID, afterID, ClampLimit(limit))
	if err != nil {
		return identity.Resolution{}, nil, fmt.Errorf("сообщения диалога: %w", err)
	}
	return res, msgs, nil
}

// MarkReadByUser помечает ответы админов прочитанными владельцем диалога.
func (s *Service) MarkReadByUser(ctx context.Context, req identity.Request) (identity.Resolution, int64, error) {
	res, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return identity.Resolution{}, 0, err
	}
	n, err := s.messages.MarkRead(ctx, res.Conversation.ID, false)
	if err != nil {
		return identity.Resolution{}, 0, fmt.Errorf("отметка прочтения: %w", err)
	}
	return res, n, nil
}

// ListConversations — список диалогов для админки, свежие сверху.
func (s *Service) ListConversations(ctx context.Context, status domain.ConversationStatus, limit, offset int) ([]domain.ConversationSummary, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: статус %q", domain.ErrInvalidInput, status)
	}
	if offset < 0 {
		offset = 0
	}
	return s.conversations.ListConversations(ctx, domain.ConversationFilter{Status: status, Limit: ClampLimit(limit), Offset: offset})
}

// AdminThread возвращает диалог и страницу его сообщений.
func (s *Service) AdminThread(ctx context.Context, conversationID, afterID int64, limit int) (Thread, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return Thread{}, err
	}
	msgs, err := s.messages.ListMessages(ctx, conv.ID, afterID, ClampLimit(limit))
	if err != nil {
		return Thread{}, fmt.Errorf("сообщения диалога: %w", err)
	}
	return Thread{Conversation: conv, Messages: msgs}, nil
}

// Reply сохраняет ответ админа из консоли.
func (s *Service) Reply(ctx context.Context, adminID, conversationID int64, body string) (domain.Conversation, domain.Message, error) {
	id := adminID
	return s.dispatcher.Dispatch(ctx, notify.Draft{
		ConversationID: conversationID,
		SenderType:     domain.SenderAdmin,
		SenderUserID:   &id,
		Source:         domain.SourceAdmin,
		Body:           body,
	})
}

// SetStatus закрывает или переоткрывает диалог и публикует его снимок.
func (s *Service) SetStatus(ctx context.Context, conversationID int64, status domain.ConversationStatus) (domain.Conversation, error) {
	if !status.Valid() {
		return domain.Conversation{}, fmt.Errorf("%w: статус %q", domain.ErrInvalidInput, status)
	}
	conv, err := s.conversations.SetStatus(ctx, conversationID, status)
	if err != nil {
		return domain.Conversation{}, err
	}
	s.dispatcher.PublishConversation(ctx, conv)
	return conv, nil
}

// MarkReadByAdmin помечает сообщения пользователя прочитанными админом.
func (s *Service) MarkReadByAdmin(ctx context.Context, conversationID int64) (int64, error) {
	if _, err := s.conversations.GetConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	n, err := s.messages.MarkRead(ctx, conversationID, true)
	if err != nil {
		return 0, fmt.Errorf("отметка прочтения: %w", err)
	}
	return n, nil
}
