package domain

import "strings"

// UserRole описывает роль учётной записи.
type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

// ParseRole приводит строку к роли. Неизвестные значения считаются обычным пользователем.
func ParseRole(raw string) UserRole {
	switch UserRole(strings.ToLower(strings.TrimSpace(raw))) {
	case UserRoleAdmin:
		return UserRoleAdmin
	default:
		return UserRoleUser
	}
}

// IsAdmin сообщает, что пользователь — администратор.
func (u User) IsAdmin() bool {
	return u.Role == UserRoleAdmin
}
