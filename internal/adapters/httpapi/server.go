package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"support-bridge/internal/adapters/bot"
	"support-bridge/internal/domain"
	httpinfra "support-bridge/internal/infra/http"
	"support-bridge/internal/usecase/identity"
	"support-bridge/internal/usecase/ingest"
	"support-bridge/internal/usecase/support"
)

// Имена заголовков и cookie гостевой идентичности.
const (
	GuestHeader = "X-Guest-Token"
	GuestCookie = "support_guest_token"

	guestCookieTTL = 365 * 24 * time.Hour
	maxBodyBytes   = 64 << 10
)

// Gate принимает апдейты бота.
type Gate interface {
	HandleAndRecord(ctx context.Context, path string, upd domain.InboundUpdate) (ingest.Outcome, error)
}

// SecretSource отдаёт актуальный секрет webhook.
type SecretSource interface {
	WebhookSecret(ctx context.Context) (string, error)
}

// Server — HTTP-обработчики виджета, админки и webhook бота.
type Server struct {
	support      *support.Service
	gate         Gate
	secrets      SecretSource
	users        domain.UserRepo
	jwtSecret    string
	cookieSecure bool
	validate     *validator.Validate
	log          zerolog.Logger
}

// Option настраивает Server.
type Option func(*Server)

// WithSessionSecret задаёт ключ подписи токенов сессии.
func WithSessionSecret(secret string) Option {
	return func(s *Server) { s.jwtSecret = secret }
}

// WithSecureCookie включает флаг Secure у гостевой cookie.
func WithSecureCookie(secure bool) Option {
	return func(s *Server) { s.cookieSecure = secure }
}

// NewServer создаёт набор обработчиков.
func NewServer(svc *support.Service, gate Gate, secrets SecretSource, users domain.UserRepo, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		support:      svc,
		gate:         gate,
		secrets:      secrets,
		users:        users,
		cookieSecure: true,
		validate:     validator.New(),
		log:          log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mount регистрирует маршруты в роутере.
func (s *Server) Mount(r chi.Router) {
	r.Post("/telegram/webhook/{secret}", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(httpinfra.SessionMiddleware(s.jwtSecret))

		r.Route("/api/support", func(r chi.Router) {
			r.Post("/messages", s.handleWidgetSend)
			r.Get("/conversation", s.handleWidgetThread)
			r.Post("/conversation/read", s.handleWidgetRead)
		})

		r.Route("/api/admin/support/conversations", func(r chi.Router) {
			r.Use(httpinfra.RequireAdmin(s.users))
			r.Get("/", s.handleAdminList)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/messages", s.handleAdminThread)
				r.Post("/messages", s.handleAdminReply)
				r.Post("/close", s.handleAdminStatus(domain.ConversationClosed))
				r.Post("/reopen", s.handleAdminStatus(domain.ConversationOpen))
				r.Post("/read", s.handleAdminRead)
			})
		})
	})
}

// Router возвращает самостоятельный роутер с маршрутами сервера.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	s.Mount(r)
	return r
}

type sendRequest struct {
	Body           string `json:"body" validate:"required"`
	GuestToken     string `json:"guest_token"`
	ConversationID *int64 `json:"conversation_id" validate:"omitempty,gt=0"`
}

type replyRequest struct {
	Body string `json:"body" validate:"required"`
}

type sendResponse struct {
	Conversation domain.Conversation `json:"conversation"`
	Message      domain.Message      `json:"message"`
	GuestToken   string              `json:"guest_token,omitempty"`
}

type threadResponse struct {
	Conversation domain.Conversation `json:"conversation"`
	Messages     []domain.Message    `json:"messages"`
	GuestToken   string              `json:"guest_token,omitempty"`
}

type readResponse struct {
	Updated int64 `json:"updated"`
}

func (s *Server) handleWidgetSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := s.decode(r, &req); err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	idReq := s.identityRequest(r)
	idReq.BodyToken = req.GuestToken
	idReq.ConversationID = req.ConversationID

	res, msg, err := s.support.SendFromWidget(r.Context(), idReq, req.Body)
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	s.setGuestCookie(w, res)
	httpinfra.WriteJSON(w, http.StatusCreated, sendResponse{Conversation: res.Conversation, Message: msg, GuestToken: res.GuestToken})
}

func (s *Server) handleWidgetThread(w http.ResponseWriter, r *http.Request) {
	idReq := s.identityRequest(r)
	convID, err := queryInt64(r, "conversation_id")
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	if convID > 0 {
		idReq.ConversationID = &convID
	}
	afterID, err := queryInt64(r, "after_id")
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}

	res, msgs, err := s.support.WidgetThread(r.Context(), idReq, afterID, limit)
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	s.setGuestCookie(w, res)
	httpinfra.WriteJSON(w, http.StatusOK, threadResponse{Conversation: res.Conversation, Messages: nonNil(msgs), GuestToken: res.GuestToken})
}

func (s *Server) handleWidgetRead(w http.ResponseWriter, r *http.Request) {
	res, n, err := s.support.MarkReadByUser(r.Context(), s.identityRequest(r))
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	s.setGuestCookie(w, res)
	httpinfra.WriteJSON(w, http.StatusOK, readResponse{Updated: n})
}

func (s *Server) handleAdminList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	status := domain.ConversationStatus(r.URL.Query().Get("status"))
	list, err := s.support.ListConversations(r.Context(), status, limit, offset)
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	if list == nil {
		list = []domain.ConversationSummary{}
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (s *Server) handleAdminThread(w http.ResponseWriter, r *http.Request) {
	convID, err := pathID(r)
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	afterID, err := queryInt64(r, "after_id")
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	thread, err := s.support.AdminThread(r.Context(), convID, afterID, limit)
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	thread.Messages = nonNil(thread.Messages)
	httpinfra.WriteJSON(w, http.StatusOK, thread)
}

func (s *Server) handleAdminReply(w http.ResponseWriter, r *http.Request) {
	convID, err := pathID(r)
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	var req replyRequest
	if err := s.decode(r, &req); err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	sess, _ := httpinfra.SessionFrom(r.Context())
	conv, msg, err := s.support.Reply(r.Context(), sess.UserID, convID, req.Body)
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusCreated, sendResponse{Conversation: conv, Message: msg})
}

func (s *Server) handleAdminStatus(status domain.ConversationStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID, err := pathID(r)
		if err != nil {
			httpinfra.RespondError(w, r, s.log, err)
			return
		}
		conv, err := s.support.SetStatus(r.Context(), convID, status)
		if err != nil {
			httpinfra.RespondError(w, r, s.log, err)
			return
		}
		httpinfra.WriteJSON(w, http.StatusOK, conv)
	}
}

func (s *Server) handleAdminRead(w http.ResponseWriter, r *http.Request) {
	convID, err := pathID(r)
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	n, err := s.support.MarkReadByAdmin(r.Context(), convID)
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, readResponse{Updated: n})
}

// handleWebhook принимает апдейт от Telegram. Неверный секрет неотличим от несуществующего пути.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	expected, err := s.secrets.WebhookSecret(r.Context())
	if err != nil {
		httpinfra.RespondError(w, r, s.log, fmt.Errorf("секрет webhook: %w", err))
		return
	}
	given := chi.URLParam(r, "secret")
	if expected == "" || subtle.ConstantTimeCompare([]byte(given), []byte(expected)) != 1 {
		http.NotFound(w, r)
		return
	}

	upd, err := bot.DecodeUpdate(r.Body)
	if err != nil {
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	inbound := bot.ConvertUpdate(upd)
	outcome, err := s.gate.HandleAndRecord(r.Context(), "webhook", inbound)
	if err != nil {
		// 5xx заставит Telegram повторить доставку.
		httpinfra.RespondError(w, r, s.log, err)
		return
	}
	s.log.Debug().Int64("update_id", inbound.UpdateID).Str("outcome", string(outcome)).Msg("webhook обработан")
	httpinfra.WriteJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

func (s *Server) decode(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: некорректное тело запроса", domain.ErrInvalidInput)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: поле %s не прошло проверку %s", domain.ErrInvalidInput, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) identityRequest(r *http.Request) identity.Request {
	req := identity.Request{HeaderToken: r.Header.Get(GuestHeader)}
	if c, err := r.Cookie(GuestCookie); err == nil {
		req.CookieToken = c.Value
	}
	if sess, ok := httpinfra.SessionFrom(r.Context()); ok {
		uid := sess.UserID
		req.UserID = &uid
	}
	return req
}

// setGuestCookie продлевает гостевую cookie на каждом ответе гостю.
func (s *Server) setGuestCookie(w http.ResponseWriter, res identity.Resolution) {
	if res.GuestToken == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     GuestCookie,
		Value:    res.GuestToken,
		Path:     "/",
		MaxAge:   int(guestCookieTTL / time.Second),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: некорректный id диалога", domain.ErrInvalidInput)
	}
	return id, nil
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: параметр %s", domain.ErrInvalidInput, name)
	}
	return v, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	v, err := queryInt64(r, name)
	return int(v), err
}

func nonNil(msgs []domain.Message) []domain.Message {
	if msgs == nil {
		return []domain.Message{}
	}
	return msgs
}
