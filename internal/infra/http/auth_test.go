package http

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"support-bridge/internal/adapters/memstore"
	"support-bridge/internal/domain"
)

const secret = "test-secret"

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken(secret, 7, domain.UserRoleAdmin, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(secret, token)
	require.NoError(t, err)
	require.Equal(t, int64(7), claims.UserID)
	require.Equal(t, "admin", claims.Role)

	_, err = ParseToken("other", token)
	require.Error(t, err)

	expired, err := IssueToken(secret, 7, domain.UserRoleUser, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	require.Error(t, err)
}

func sessionEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFrom(r.Context())
		if !ok {
			_, _ = w.Write([]byte("anonymous"))
			return
		}
		_, _ = fmt.Fprintf(w, "user:%d", sess.UserID)
	})
}

func TestSessionMiddleware(t *testing.T) {
	h := SessionMiddleware(secret)(sessionEcho())
	token, err := IssueToken(secret, 3, domain.UserRoleUser, time.Hour)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, "anonymous", rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "user:3", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "user:3", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdmin(t *testing.T) {
	store := memstore.New()
	store.PutUser(domain.User{ID: 1, Role: domain.UserRoleAdmin})
	store.PutUser(domain.User{ID: 2, Role: domain.UserRoleUser})
	h := SessionMiddleware(secret)(RequireAdmin(store)(sessionEcho()))

	call := func(userID int64, role domain.UserRole) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if userID > 0 {
			token, err := IssueToken(secret, userID, role, time.Hour)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusUnauthorized, call(0, "").Code)
	require.Equal(t, http.StatusOK, call(1, domain.UserRoleAdmin).Code)
	require.Equal(t, http.StatusForbidden, call(2, domain.UserRoleAdmin).Code, "role claim is not trusted")
	require.Equal(t, http.StatusUnauthorized, call(99, domain.UserRoleAdmin).Code)
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, StatusFor(domain.ErrEmptyBody))
	require.Equal(t, http.StatusBadRequest, StatusFor(fmt.Errorf("%w: x", domain.ErrInvalidInput)))
	require.Equal(t, http.StatusUnauthorized, StatusFor(domain.ErrUnauthorized))
	require.Equal(t, http.StatusForbidden, StatusFor(domain.ErrForbidden))
	require.Equal(t, http.StatusNotFound, StatusFor(fmt.Errorf("get: %w", domain.ErrNotFound)))
	require.Equal(t, http.StatusInternalServerError, StatusFor(domain.ErrExternalService))
}
