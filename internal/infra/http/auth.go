package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"support-bridge/internal/domain"
)

// SessionCookie — cookie с токеном сессии.
const SessionCookie = "support_session"

// Claims — содержимое токена сессии.
type Claims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Session — авторизованный пользователь запроса.
type Session struct {
	UserID int64
	Role   domain.UserRole
}

type sessionKey struct{}

// IssueToken выпускает токен сессии. Используется окружающей системой и тестами.
func IssueToken(secret string, userID int64, role domain.UserRole, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken проверяет подпись и срок токена.
func ParseToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID > 0 {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// SessionMiddleware кладёт сессию в контекст, если запрос несёт валидный токен.
// Запрос без токена проходит как анонимный, с испорченным токеном получает 401.
func SessionMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" || secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := ParseToken(secret, raw)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, fmt.Errorf("%w: сессия недействительна", domain.ErrUnauthorized))
				return
			}
			ctx := WithSession(r.Context(), Session{UserID: claims.UserID, Role: domain.ParseRole(claims.Role)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin пропускает только сессии пользователей с ролью admin.
// Роль перечитывается из хранилища, токен может быть старше смены роли.
func RequireAdmin(users domain.UserRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := SessionFrom(r.Context())
			if !ok {
				WriteError(w, http.StatusUnauthorized, domain.ErrUnauthorized)
				return
			}
			user, err := users.GetUser(r.Context(), sess.UserID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					WriteError(w, http.StatusUnauthorized, domain.ErrUnauthorized)
					return
				}
				WriteError(w, http.StatusInternalServerError, errors.New("internal error"))
				return
			}
			if !user.IsAdmin() {
				WriteError(w, http.StatusForbidden, domain.ErrForbidden)
				return
			}
			sess.Role = user.Role
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

// WithSession возвращает контекст с сессией.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom достаёт сессию из контекста.
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// RequestID возвращает request ID из контекста chi.
func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
