package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"support-bridge/internal/domain"
	"support-bridge/internal/infra/metrics"
)

const conversationColumns = `id, user_id, guest_token, status, assigned_admin_id, last_message_at, created_at, updated_at`

const messageColumns = `id, conversation_id, sender_type, sender_user_id, source, body, external_update_id, sent_at, is_read_by_user, is_read_by_admin`

func scanConversation(row pgx.Row, extra ...any) (domain.Conversation, error) {
	var (
		conv   domain.Conversation
		status string
	)
	dest := append([]any{&conv.ID, &conv.UserID, &conv.GuestToken, &status, &conv.AssignedAdminID, &conv.LastMessageAt, &conv.CreatedAt, &conv.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.Conversation{}, err
	}
	conv.Status = domain.ConversationStatus(status)
	return conv, nil
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		msg            domain.Message
		sender, source string
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.SenderUserID, &source, &msg.Body, &msg.ExternalUpdateID, &msg.SentAt, &msg.IsReadByUser, &msg.IsReadByAdmin); err != nil {
		return domain.Message{}, err
	}
	msg.SenderType = domain.SenderType(sender)
	msg.Source = domain.MessageSource(source)
	return msg, nil
}

// FindOrCreateForUser реализует domain.ConversationRepo. Гонку двух первых запросов
// разрешает уникальный индекс: проигравший INSERT ничего не вставляет и читает строку победителя.
func (p *Postgres) FindOrCreateForUser(ctx context.Context, userID int64) (domain.Conversation, error) {
	return p.findOrCreate(ctx, "user_id", userID, `
INSERT INTO support_conversations (user_id) VALUES ($1)
ON CONFLICT (user_id) DO NOTHING
`)
}

// FindOrCreateForGuest реализует domain.ConversationRepo.
func (p *Postgres) FindOrCreateForGuest(ctx context.Context, token string) (domain.Conversation, error) {
	return p.findOrCreate(ctx, "guest_token", token, `
INSERT INTO support_conversations (guest_token) VALUES ($1)
ON CONFLICT (guest_token) DO NOTHING
`)
}

func (p *Postgres) findOrCreate(ctx context.Context, column string, owner any, insert string) (domain.Conversation, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, insert, owner)
	metrics.ObserveNetworkRequest("postgres", "conversations_insert", "support_conversations", start, err)
	if err != nil {
		return domain.Conversation{}, mapError(err)
	}

	start = time.Now()
	conv, err := scanConversation(p.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM support_conversations WHERE `+column+`=$1`, owner))
	metrics.ObserveNetworkRequest("postgres", "conversations_get_by_owner", "support_conversations", start, err)
	if err != nil {
		return domain.Conversation{}, mapError(err)
	}
	return conv, nil
}

// GetConversation реализует domain.ConversationRepo.
func (p *Postgres) GetConversation(ctx context.Context, id int64) (domain.Conversation, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	conv, err := scanConversation(p.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM support_conversations WHERE id=$1`, id))
	metrics.ObserveNetworkRequest("postgres", "conversations_get", "support_conversations", start, err)
	if err != nil {
		return domain.Conversation{}, mapError(err)
	}
	return conv, nil
}

// ListConversations реализует domain.ConversationRepo.
func (p *Postgres) ListConversations(ctx context.Context, filter domain.ConversationFilter) ([]domain.ConversationSummary, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT c.id, c.user_id, c.guest_token, c.status, c.assigned_admin_id, c.last_message_at, c.created_at, c.updated_at,
       COALESCE(u.unread, 0), COALESCE(l.body, '')
FROM support_conversations c
LEFT JOIN LATERAL (
    SELECT count(*) AS unread FROM support_messages m
    WHERE m.conversation_id = c.id AND m.sender_type <> 'admin' AND NOT m.is_read_by_admin
) u ON true
LEFT JOIN LATERAL (
    SELECT body FROM support_messages m WHERE m.conversation_id = c.id ORDER BY m.id DESC LIMIT 1
) l ON true
WHERE ($1::text = '' OR c.status = $1)
ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC
LIMIT $2 OFFSET $3
`, string(filter.Status), limit, filter.Offset)
	metrics.ObserveNetworkRequest("postgres", "conversations_list", "support_conversations", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConversationSummary
	for rows.Next() {
		var (
			summary domain.ConversationSummary
			unread  int64
		)
		conv, err := scanConversation(rows, &unread, &summary.LastBody)
		if err != nil {
			return nil, err
		}
		summary.Conversation = conv
		summary.UnreadForAdmin = int(unread)
		out = append(out, summary)
	}
	return out, rows.Err()
}

// SetStatus реализует domain.ConversationRepo.
func (p *Postgres) SetStatus(ctx context.Context, id int64, status domain.ConversationStatus) (domain.Conversation, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	conv, err := scanConversation(p.pool.QueryRow(ctx, `
UPDATE support_conversations SET status=$2, updated_at=now() WHERE id=$1
RETURNING `+conversationColumns, id, string(status)))
	metrics.ObserveNetworkRequest("postgres", "conversations_set_status", "support_conversations", start, err)
	if err != nil {
		return domain.Conversation{}, mapError(err)
	}
	return conv, nil
}

// AppendMessage реализует domain.MessageRepo. Сообщение и обновление диалога
// фиксируются одной транзакцией; строка диалога блокируется до коммита.
func (p *Postgres) AppendMessage(ctx context.Context, draft domain.NewMessage, assignAdminID *int64) (domain.Conversation, domain.Message, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if draft.SentAt.IsZero() {
		draft.SentAt = time.Now().UTC()
	}

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "support_messages", start, err)
	if err != nil {
		return domain.Conversation{}, domain.Message{}, err
	}
	defer tx.Rollback(ctx)

	var convID int64
	start = time.Now()
	err = tx.QueryRow(ctx, `SELECT id FROM support_conversations WHERE id=$1 FOR UPDATE`, draft.ConversationID).Scan(&convID)
	metrics.ObserveNetworkRequest("postgres", "conversations_lock", "support_conversations", start, err)
	if err != nil {
		return domain.Conversation{}, domain.Message{}, mapError(err)
	}

	start = time.Now()
	msg, err := scanMessage(tx.QueryRow(ctx, `
INSERT INTO support_messages (conversation_id, sender_type, sender_user_id, source, body, external_update_id, sent_at, is_read_by_user, is_read_by_admin)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+messageColumns,
		draft.ConversationID, string(draft.SenderType), draft.SenderUserID, string(draft.Source), draft.Body,
		draft.ExternalUpdateID, draft.SentAt, draft.SenderType != domain.SenderAdmin, draft.SenderType == domain.SenderAdmin))
	metrics.ObserveNetworkRequest("postgres", "messages_insert", "support_messages", start, err)
	if err != nil {
		return domain.Conversation{}, domain.Message{}, mapError(err)
	}

	start = time.Now()
	conv, err := scanConversation(tx.QueryRow(ctx, `
UPDATE support_conversations
SET status='open', last_message_at=$2, updated_at=now(), assigned_admin_id=COALESCE(assigned_admin_id, $3)
WHERE id=$1
RETURNING `+conversationColumns, draft.ConversationID, draft.SentAt, assignAdminID))
	metrics.ObserveNetworkRequest("postgres", "conversations_touch", "support_conversations", start, err)
	if err != nil {
		return domain.Conversation{}, domain.Message{}, mapError(err)
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "support_messages", start, err)
	if err != nil {
		return domain.Conversation{}, domain.Message{}, mapError(err)
	}
	return conv, msg, nil
}

// ExternalUpdateExists реализует domain.MessageRepo.
func (p *Postgres) ExternalUpdateExists(ctx context.Context, updateID int64) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM support_messages WHERE external_update_id=$1)`, updateID).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "messages_update_exists", "support_messages", start, err)
	return exists, err
}

// ListMessages реализует domain.MessageRepo.
func (p *Postgres) ListMessages(ctx context.Context, conversationID, afterID int64, limit int) ([]domain.Message, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+messageColumns+`
FROM support_messages
WHERE conversation_id=$1 AND id>$2
ORDER BY id
LIMIT $3
`, conversationID, afterID, limitArg)
	metrics.ObserveNetworkRequest("postgres", "messages_list", "support_messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MarkRead реализует domain.MessageRepo.
func (p *Postgres) MarkRead(ctx context.Context, conversationID int64, byAdmin bool) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	query := `UPDATE support_messages SET is_read_by_user=true WHERE conversation_id=$1 AND sender_type='admin' AND NOT is_read_by_user`
	if byAdmin {
		query = `UPDATE support_messages SET is_read_by_admin=true WHERE conversation_id=$1 AND sender_type<>'admin' AND NOT is_read_by_admin`
	}
	start := time.Now()
	tag, err := p.pool.Exec(ctx, query, conversationID)
	metrics.ObserveNetworkRequest("postgres", "messages_mark_read", "support_messages", start, err)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return tag.RowsAffected(), nil
}
