package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"support-bridge/internal/domain"
	"support-bridge/internal/infra/metrics"
)

// Postgres реализует репозитории моста на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// constraintExternalUpdate — уникальность update_id Telegram среди сообщений.
const constraintExternalUpdate = "support_messages_external_update_id_key"

// mapError переводит ошибки pgx в доменные.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if pgErr.ConstraintName == constraintExternalUpdate {
				return domain.ErrDuplicate
			}
		case "23503":
			return fmt.Errorf("%w: %s", domain.ErrNotFound, pgErr.ConstraintName)
		case "23514":
			return fmt.Errorf("%w: %s", domain.ErrInvalidInput, pgErr.ConstraintName)
		}
	}
	return err
}

// GetUser реализует domain.UserRepo.
func (p *Postgres) GetUser(ctx context.Context, id int64) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		user domain.User
		role string
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, name, email, role, created_at FROM users WHERE id=$1
`, id).Scan(&user.ID, &user.Name, &user.Email, &role, &user.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, err)
	if err != nil {
		return domain.User{}, mapError(err)
	}
	user.Role = domain.ParseRole(role)
	return user, nil
}

// FindActiveAdminLink реализует domain.AdminLinkRepo.
func (p *Postgres) FindActiveAdminLink(ctx context.Context, telegramUserID int64) (domain.AdminTelegramLink, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT l.id, l.user_id, l.telegram_user_id, l.telegram_chat_id, l.is_active, l.created_at, l.updated_at
FROM admin_telegram_links l
JOIN users u ON u.id = l.user_id
WHERE l.telegram_user_id=$1 AND l.is_active AND u.role='admin'
`, telegramUserID)
	link, err := scanLink(row)
	metrics.ObserveNetworkRequest("postgres", "admin_links_find", "admin_telegram_links", start, err)
	if err != nil {
		return domain.AdminTelegramLink{}, mapError(err)
	}
	return link, nil
}

// ListActiveAdminLinks реализует domain.AdminLinkRepo.
func (p *Postgres) ListActiveAdminLinks(ctx context.Context) ([]domain.AdminTelegramLink, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT l.id, l.user_id, l.telegram_user_id, l.telegram_chat_id, l.is_active, l.created_at, l.updated_at
FROM admin_telegram_links l
JOIN users u ON u.id = l.user_id
WHERE l.is_active AND u.role='admin'
ORDER BY l.id
`)
	metrics.ObserveNetworkRequest("postgres", "admin_links_list", "admin_telegram_links", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []domain.AdminTelegramLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func scanLink(row pgx.Row) (domain.AdminTelegramLink, error) {
	var (
		link   domain.AdminTelegramLink
		chatID *int64
	)
	if err := row.Scan(&link.ID, &link.UserID, &link.TelegramUserID, &chatID, &link.IsActive, &link.CreatedAt, &link.UpdatedAt); err != nil {
		return domain.AdminTelegramLink{}, err
	}
	if chatID != nil {
		link.TelegramChatID = *chatID
	}
	return link, nil
}

// LoadCursor реализует domain.CursorStore. Отсутствующая строка означает курсор 0.
func (p *Postgres) LoadCursor(ctx context.Context, name string) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var last int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT last_update_id FROM support_poll_cursors WHERE name=$1`, name).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		err = nil
	}
	metrics.ObserveNetworkRequest("postgres", "poll_cursor_load", "support_poll_cursors", start, err)
	return last, err
}

// SaveCursor реализует domain.CursorStore. Курсор не откатывается назад.
func (p *Postgres) SaveCursor(ctx context.Context, name string, updateID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO support_poll_cursors (name, last_update_id, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE
SET last_update_id = GREATEST(support_poll_cursors.last_update_id, EXCLUDED.last_update_id), updated_at = now()
`, name, updateID)
	metrics.ObserveNetworkRequest("postgres", "poll_cursor_save", "support_poll_cursors", start, err)
	return err
}

// GetSetting реализует domain.SettingsRepo.
func (p *Postgres) GetSetting(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var value string
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT value FROM support_settings WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "settings_get", "support_settings", start, nil)
		return "", false, nil
	}
	metrics.ObserveNetworkRequest("postgres", "settings_get", "support_settings", start, err)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

var (
	_ domain.SupportStore = (*Postgres)(nil)
	_ domain.CursorStore  = (*Postgres)(nil)
	_ domain.SettingsRepo = (*Postgres)(nil)
)
