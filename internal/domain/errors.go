package domain

import "errors"

var (
	// ErrNotFound — диалог не найден или принадлежит другому владельцу.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate — апдейт с таким update_id уже сохранён.
	ErrDuplicate = errors.New("duplicate update")
	// ErrUnauthorized — отправитель не является активным привязанным админом или нет сессии.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden — у сессии нет нужной роли.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidInput — запрос не прошёл валидацию.
	ErrInvalidInput = errors.New("invalid input")
	// ErrExternalService — сбой сети или таймаут при обращении к Telegram.
	ErrExternalService = errors.New("external service error")
	// ErrPollConflict — Telegram отклонил getUpdates: у бота установлен вебхук или работает другой поллер.
	ErrPollConflict = errors.New("getUpdates conflict")
	// ErrTokenMissing — токен бота не настроен.
	ErrTokenMissing = errors.New("bot token is not configured")

	ErrEmptyBody      = errors.New("message body is empty")
	ErrBodyTooLong    = errors.New("message body is too long")
	ErrOwnerInvariant = errors.New("conversation must have exactly one owner")
)

// IsInvalidInput сообщает, что ошибку стоит вернуть клиенту как 400.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrEmptyBody) || errors.Is(err, ErrBodyTooLong)
}
