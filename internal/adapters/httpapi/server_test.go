package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"support-bridge/internal/adapters/memstore"
	"support-bridge/internal/domain"
	httpinfra "support-bridge/internal/infra/http"
	"support-bridge/internal/usecase/identity"
	"support-bridge/internal/usecase/ingest"
	"support-bridge/internal/usecase/notify"
	"support-bridge/internal/usecase/settings"
	"support-bridge/internal/usecase/support"
)

const (
	jwtSecret     = "session-secret"
	webhookSecret = "hook-secret"
	adminID       = int64(1)
	userID        = int64(2)
	adminTGID     = int64(4242)
)

type apiFixture struct {
	store     *memstore.Store
	messenger *memstore.Messenger
	bus       *memstore.Broadcaster
	srv       *httptest.Server
}

func newAPIFixture(t *testing.T, secret string) *apiFixture {
	t.Helper()
	store := memstore.New()
	store.PutUser(domain.User{ID: adminID, Role: domain.UserRoleAdmin})
	store.PutUser(domain.User{ID: userID, Role: domain.UserRoleUser})
	store.PutAdminLink(domain.AdminTelegramLink{UserID: adminID, TelegramUserID: adminTGID, IsActive: true})

	messenger := &memstore.Messenger{}
	bus := &memstore.Broadcaster{}
	disp := notify.NewDispatcher(store, store, bus, messenger, zerolog.Nop())
	gate := ingest.NewGate(store, store, store, disp, messenger, zerolog.Nop())
	svc := support.NewService(identity.NewService(store), store, store, disp)
	secrets := settings.NewProvider(store, settings.Fallback{WebhookSecret: secret}, zerolog.Nop())

	api := NewServer(svc, gate, secrets, store, zerolog.Nop(), WithSessionSecret(jwtSecret), WithSecureCookie(false))
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return &apiFixture{store: store, messenger: messenger, bus: bus, srv: srv}
}

type call struct {
	method  string
	path    string
	body    string
	userID  int64
	role    domain.UserRole
	headers map[string]string
	cookies []*http.Cookie
}

func (f *apiFixture) do(t *testing.T, c call) *http.Response {
	t.Helper()
	var body io.Reader
	if c.body != "" {
		body = strings.NewReader(c.body)
	}
	req, err := http.NewRequest(c.method, f.srv.URL+c.path, body)
	require.NoError(t, err)
	if c.userID > 0 {
		token, err := httpinfra.IssueToken(jwtSecret, c.userID, c.role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func guestCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == GuestCookie {
			return c
		}
	}
	return nil
}

func webhookUpdate(updateID, fromID int64, text string) string {
	return fmt.Sprintf(`{"update_id":%d,"message":{"message_id":%d,"from":{"id":%d,"is_bot":false,"first_name":"Admin"},"chat":{"id":%d,"type":"private"},"date":1700000000,"text":%q}}`,
		updateID, updateID, fromID, fromID, text)
}

func TestWidgetGuestFlow(t *testing.T) {
	f := newAPIFixture(t, webhookSecret)

	resp := f.do(t, call{method: http.MethodPost, path: "/api/support/messages", body: `{"body":"  Здравствуйте  "}`})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	cookie := guestCookie(resp)
	require.NotNil(t, cookie)
	require.True(t, cookie.HttpOnly)
	require.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	require.Equal(t, int((365 * 24 * time.Hour).Seconds()), cookie.MaxAge)

	sent := decodeJSON[sendResponse](t, resp)
	require.Equal(t, cookie.Value, sent.GuestToken)
	require.Equal(t, "Здравствуйте", sent.Message.Body)
	require.Equal(t, domain.SenderGuest, sent.Message.SenderType)
	require.Len(t, f.messenger.SentTo(adminTGID), 1)

	// Повторный запрос с cookie попадает в тот же диалог.
	resp = f.do(t, call{method: http.MethodPost, path: "/api/support/messages", body: `{"body":"ещё"}`, cookies: []*http.Cookie{cookie}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	again := decodeJSON[sendResponse](t, resp)
	require.Equal(t, sent.Conversation.ID, again.Conversation.ID)

	resp = f.do(t, call{method: http.MethodGet, path: "/api/support/conversation?limit=1&after_id=0", headers: map[string]string{GuestHeader: cookie.Value}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	thread := decodeJSON[threadResponse](t, resp)
	require.Len(t, thread.Messages, 1)
	require.Equal(t, sent.Message.ID, thread.Messages[0].ID)
	require.Len(t, f.store.Conversations(), 1)
}

func TestWidgetRejectsBadInput(t *testing.T) {
	f := newAPIFixture(t, webhookSecret)
	for _, body := range []string{`{"body":"   "}`, `{}`, `not json`, `{"body":"x","conversation_id":-1}`} {
		resp := f.do(t, call{method: http.MethodPost, path: "/api/support/messages", body: body})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		require.NotEmpty(t, decodeJSON[httpinfra.ErrorResponse](t, resp).Error)
	}
	resp := f.do(t, call{method: http.MethodGet, path: "/api/support/conversation?limit=abc"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, f.store.Conversations())
}

func TestWidgetForeignConversationIsNotFound(t *testing.T) {
	f := newAPIFixture(t, webhookSecret)

	resp := f.do(t, call{method: http.MethodPost, path: "/api/support/messages", body: `{"body":"мой"}`, userID: userID, role: domain.UserRoleUser})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Nil(t, guestCookie(resp), "authenticated users get no guest cookie")
	owned := decodeJSON[sendResponse](t, resp)
	require.Empty(t, owned.GuestToken)

	body := fmt.Sprintf(`{"body":"чужой","guest_token":"intruder","conversation_id":%d}`, owned.Conversation.ID)
	resp = f.do(t, call{method: http.MethodPost, path: "/api/support/messages", body: body})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Len(t, f.store.Messages(), 1)
}

func TestWidgetRejectsBrokenSession(t *testing.T) {
	f := newAPIFixture(t, webhookSecret)
	resp := f.do(t, call{method: http.MethodPost, path: "/api/support/messages", body: `{"body":"x"}`, headers: map[string]string{"Authorization": "Bearer nope"}})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhookSecret(t *testing.T) {
	f := newAPIFixture(t, webhookSecret)
	resp := f.do(t, call{method: http.MethodPost, path: "/telegram/webhook/wrong", body: webhookUpdate(1, adminTGID, "/start")})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	empty := newAPIFixture(t, "")
	resp = empty.do(t, call{method: http.MethodPost, path: "/telegram/webhook/anything", body: webhookUpdate(1, adminTGID, "/start")})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Empty(t, empty.messenger.SentMessages())
}

func TestWebhookMalformedBody(t *testing.T) {
	f := newAPIFixture(t, webhookSecret)
	resp := f.do(t, call{method: http.MethodPost, path: "/telegram/webhook/" + webhookSecret, body: `{"update_id":`})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	f := newAPIFixture(t, webhookSecret)
	resp := f.do(t, call{method: http.MethodPost, path: "/api/support/messages", body: `{"body":"помогите"}`})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decodeJSON[sendResponse](t, resp).Conversation

	update := webhookUpdate(500, adminTGID, fmt.Sprintf("/reply %d уже помогаем", conv.ID))
	path := "/telegram/webhook/" + webhookSecret

	first := f.do(t, call{method: http.MethodPost, path: path, body: update})
	require.Equal(t, http.StatusOK, first.StatusCode)
	require.Equal(t, string(ingest.OutcomeAccepted), decodeJSON[map[string]string](t, first)["status"])

	second := f.do(t, call{method: http.MethodPost, path: path, body: update})
	require.Equal(t, http.StatusOK, second.StatusCode)
	require.Equal(t, string(ingest.OutcomeDuplicate), decodeJSON[map[string]string](t, second)["status"])

	msgs := f.store.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, domain.SourceTelegram, msgs[1].Source)
	require.Equal(t, "уже помогаем", msgs[1].Body)
}

func TestWebhookUnauthorizedSender(t *testing.T) {
	f := newAPIFixture(t, webhookSecret)
	resp := f.do(t, call{method: http.MethodPost, path: "/telegram/webhook/" + webhookSecret, body: webhookUpdate(7, 999, "/reply 1 hi")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(ingest.OutcomeUnauthorized), decodeJSON[map[string]string](t, resp)["status"])
	require.Empty(t, f.store.Messages())
	sent := f.messenger.SentTo(999)
	require.Len(t, sent, 1)
	require.Equal(t, ingest.TextAccessDenied, sent[0].Text)
}

func TestAdminAccessControl(t *testing.T) {
	f := newAPIFixture(t, webhookSecret)
	path := "/api/admin/support/conversations"

	require.Equal(t, http.StatusUnauthorized, f.do(t, call{method: http.MethodGet, path: path}).StatusCode)
	require.Equal(t, http.StatusForbidden, f.do(t, call{method: http.MethodGet, path: path, userID: userID, role: domain.UserRoleAdmin}).StatusCode)
	require.Equal(t, http.StatusOK, f.do(t, call{method: http.MethodGet, path: path, userID: adminID, role: domain.UserRoleAdmin}).StatusCode)
}

func TestAdminConsole(t *testing.T) {
	f := newAPIFixture(t, webhookSecret)
	admin := func(method, path, body string) *http.Response {
		return f.do(t, call{method: method, path: path, body: body, userID: adminID, role: domain.UserRoleAdmin})
	}

	resp := f.do(t, call{method: http.MethodPost, path: "/api/support/messages", body: `{"body":"вопрос"}`, headers: map[string]string{GuestHeader: "guest-1"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	convID := decodeJSON[sendResponse](t, resp).Conversation.ID
	base := fmt.Sprintf("/api/admin/support/conversations/%d", convID)

	list := decodeJSON[struct {
		Conversations []domain.ConversationSummary `json:"conversations"`
	}](t, admin(http.MethodGet, "/api/admin/support/conversations?status=open&limit=10", ""))
	require.Len(t, list.Conversations, 1)
	require.Equal(t, 1, list.Conversations[0].UnreadForAdmin)

	require.Equal(t, http.StatusBadRequest, admin(http.MethodGet, "/api/admin/support/conversations?status=bogus", "").StatusCode)

	read := decodeJSON[readResponse](t, admin(http.MethodPost, base+"/read", ""))
	require.Equal(t, int64(1), read.Updated)

	resp = admin(http.MethodPost, base+"/messages", `{"body":"ответ"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	reply := decodeJSON[sendResponse](t, resp)
	require.Equal(t, domain.SourceAdmin, reply.Message.Source)
	require.Equal(t, adminID, *reply.Message.SenderUserID)
	require.Len(t, f.messenger.SentTo(adminTGID), 1, "admin replies are not echoed to Telegram")

	thread := decodeJSON[support.Thread](t, admin(http.MethodGet, base+"/messages?after_id=0", ""))
	require.Len(t, thread.Messages, 2)

	resp = admin(http.MethodPost, base+"/close", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, domain.ConversationClosed, decodeJSON[domain.Conversation](t, resp).Status)
	resp = admin(http.MethodPost, base+"/reopen", "")
	require.Equal(t, domain.ConversationOpen, decodeJSON[domain.Conversation](t, resp).Status)

	require.Equal(t, http.StatusNotFound, admin(http.MethodPost, "/api/admin/support/conversations/999/close", "").StatusCode)
	require.Equal(t, http.StatusBadRequest, admin(http.MethodGet, "/api/admin/support/conversations/abc/messages", "").StatusCode)
	require.Equal(t, http.StatusBadRequest, admin(http.MethodPost, base+"/messages", `{"body":""}`).StatusCode)

	// Гость видит ответ и отмечает его прочитанным.
	resp = f.do(t, call{method: http.MethodPost, path: "/api/support/conversation/read", headers: map[string]string{GuestHeader: "guest-1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(1), decodeJSON[readResponse](t, resp).Updated)
}
