package chatapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"pairchat/cmd/identity"
	"pairchat/cmd/internal/chat"
)

// deliveryWarning is returned alongside a successful mutation whose realtime
// event could not be published.
const deliveryWarning = "saved, but realtime delivery failed"

// Handler exposes the chat service over HTTP.
type Handler struct {
	log *slog.Logger
	cfg Config

	svc     *chat.Service
	users   identity.Store
	auth    *TokenAuthenticator
	fileURL chat.URLFunc
	limits  *limiterPool

	dummyOnce sync.Once
	dummyUser identity.User
}

type HandlerOption func(*Handler)

// WithFileURL sets how attachment paths are turned into client URLs.
func WithFileURL(fn chat.URLFunc) HandlerOption {
	return func(h *Handler) { h.fileURL = fn }
}

func NewHandler(log *slog.Logger, svc *chat.Service, users identity.Store, auth *TokenAuthenticator, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if svc == nil || users == nil || auth == nil {
		return nil, errors.New("chatapi: service, users and authenticator are required")
	}
	cfg = cfg.withDefaults()

	h := &Handler{
		log:    log,
		cfg:    cfg,
		svc:    svc,
		users:  users,
		auth:   auth,
		limits: newLimiterPool(cfg.RatePerSecond, cfg.RateBurst),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires the chat routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /auth/token", h.handleToken)
	mux.HandleFunc("GET /me", h.handleMe)
	mux.HandleFunc("GET /users", h.handleContacts)

	mux.HandleFunc("GET /messages/{friend}", h.handleListMessages)
	mux.HandleFunc("POST /messages/{friend}", h.handleSendMessage)
	mux.HandleFunc("DELETE /messages/{friend}", h.handleDeleteAll)
	mux.HandleFunc("POST /messages/{friend}/clear", h.handleClear)
	mux.HandleFunc("POST /messages/{friend}/files", h.handleUpload)
	mux.HandleFunc("POST /messages/{friend}/typing", h.handleTyping)

	mux.HandleFunc("POST /presence/online", h.handlePresence(true))
	mux.HandleFunc("POST /presence/offline", h.handlePresence(false))
	mux.HandleFunc("GET /presence/{user}", h.handlePresenceStatus)

	mux.HandleFunc("POST /admin/users", h.handleCreateUser)
	mux.HandleFunc("DELETE /admin/users/{id}", h.handleDeleteUser)
}

// ---- auth ----

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	u, err := h.users.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if !identity.IsNotFound(err) {
			h.log.Error("chatapi.token.lookup.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		// Timing resistance: verify against a throwaway hash when the user is missing.
		_ = identity.VerifyPassword(h.timingDummy(), req.Password)
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}
	if !identity.VerifyPassword(u, req.Password) {
		h.log.Info("chatapi.token.bad_password", "user_id", u.ID)
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	tok, exp := h.auth.Issue(u)
	h.log.Info("chatapi.token.issued", "user_id", u.ID, "expires_at", exp)
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok, ExpiresAt: exp, User: toUserResponse(u)})
}

func (h *Handler) timingDummy() identity.User {
	h.dummyOnce.Do(func() {
		if hash, err := identity.HashPassword("dummy-password-for-timing-only"); err == nil {
			h.dummyUser = identity.User{PasswordHash: hash}
		}
	})
	return h.dummyUser
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	u, err := h.svc.User(r.Context(), p.UserID)
	if err != nil {
		h.writeServiceError(w, "chatapi.me", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (h *Handler) handleContacts(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	contacts, err := h.svc.Contacts(r.Context(), p.UserID)
	if err != nil {
		h.writeServiceError(w, "chatapi.contacts", err)
		return
	}
	out := contactsResponse{Users: make([]userResponse, 0, len(contacts))}
	for _, c := range contacts {
		out.Users = append(out.Users, toContactResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- messages ----

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	friend, ok := pathID(w, r, "friend")
	if !ok {
		return
	}

	var page chat.Page
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("after_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeValidation(w, chat.ValidationError{Field: "after_id", Reason: "must be an integer"})
			return
		}
		page.AfterID = &id
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeValidation(w, chat.ValidationError{Field: "limit", Reason: "must be an integer"})
			return
		}
		page.Limit = n
	}

	res, err := h.svc.ListConversation(r.Context(), p.UserID, friend, page)
	if err != nil {
		h.writeServiceError(w, "chatapi.messages.list", err)
		return
	}
	out := listResponse{Messages: make([]chat.MessageView, 0, len(res.Messages)), HasMore: res.HasMore}
	for _, m := range res.Messages {
		out.Messages = append(out.Messages, chat.NewMessageView(m, h.fileURL))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	friend, ok := pathID(w, r, "friend")
	if !ok {
		return
	}
	if !h.allow(w, p.UserID, "send") {
		return
	}

	var req sendRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	m, err := h.svc.SendMessage(r.Context(), chat.SendInput{
		SenderID:   p.UserID,
		ReceiverID: friend,
		Body:       req.Message,
		ReplyTo:    req.ReplyTo,
	}, originOpts(r)...)
	h.respondMessage(w, "chatapi.messages.send", m, err)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	friend, ok := pathID(w, r, "friend")
	if !ok {
		return
	}
	if !h.allow(w, p.UserID, "send") {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_multipart", "invalid multipart body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeValidation(w, chat.ValidationError{Field: "file", Reason: "is required"})
		return
	}
	defer func() { _ = file.Close() }()

	var replyTo *int64
	if raw := strings.TrimSpace(r.FormValue("reply_to")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeValidation(w, chat.ValidationError{Field: "reply_to", Reason: "must be an integer"})
			return
		}
		replyTo = &id
	}

	m, err := h.svc.UploadAttachment(r.Context(), chat.UploadInput{
		SenderID:   p.UserID,
		ReceiverID: friend,
		FileName:   header.Filename,
		MimeType:   header.Header.Get("Content-Type"),
		Size:       header.Size,
		Content:    file,
		ReplyTo:    replyTo,
	})
	// Uploads reach the uploader's own sessions too; only text sends are toOthers.
	h.respondMessage(w, "chatapi.messages.upload", m, err)
}

func (h *Handler) respondMessage(w http.ResponseWriter, op string, m chat.Message, err error) {
	resp := messageResponse{}
	if err != nil {
		if !chat.IsDeliveryWarning(err) {
			h.writeServiceError(w, op, err)
			return
		}
		h.log.Warn(op+".delivery.fail", "message_id", m.ID, "err", err)
		resp.Warning = deliveryWarning
	}
	resp.Message = chat.NewMessageView(m, h.fileURL)
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	friend, ok := pathID(w, r, "friend")
	if !ok {
		return
	}
	n, err := h.svc.ClearForUser(r.Context(), p.UserID, friend, originOpts(r)...)
	h.respondCount(w, "chatapi.messages.clear", n, err)
}

func (h *Handler) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	friend, ok := pathID(w, r, "friend")
	if !ok {
		return
	}
	n, err := h.svc.DeleteAllPermanently(r.Context(), p.UserID, friend, originOpts(r)...)
	h.respondCount(w, "chatapi.messages.purge", n, err)
}

func (h *Handler) respondCount(w http.ResponseWriter, op string, n int64, err error) {
	resp := countResponse{Count: n}
	if err != nil {
		if !chat.IsDeliveryWarning(err) {
			h.writeServiceError(w, op, err)
			return
		}
		h.log.Warn(op+".delivery.fail", "count", n, "err", err)
		resp.Warning = deliveryWarning
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTyping(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	friend, ok := pathID(w, r, "friend")
	if !ok {
		return
	}
	if !h.allow(w, p.UserID, "typing") {
		return
	}

	var req typingRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	err := h.svc.SetTyping(r.Context(), p.UserID, friend, req.IsTyping, originOpts(r)...)
	resp := okResponse{OK: true}
	if err != nil {
		// Typing has no durable state, so a failed publish is the whole operation failing.
		if !chat.IsDeliveryWarning(err) {
			h.writeServiceError(w, "chatapi.typing", err)
			return
		}
		resp = okResponse{OK: false, Warning: deliveryWarning}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- presence ----

func (h *Handler) handlePresence(online bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := h.requireAuth(w, r)
		if !ok {
			return
		}

		mark := h.svc.SetOffline
		if online {
			mark = h.svc.SetOnline
		}
		ev, err := mark(r.Context(), p.UserID)

		resp := presenceResponse{UserID: p.UserID, IsOnline: online}
		if err != nil {
			if !chat.IsDeliveryWarning(err) {
				h.writeServiceError(w, "chatapi.presence", err)
				return
			}
			resp.Warning = deliveryWarning
		}
		resp.LastSeenAt = ev.LastSeenAt()
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *Handler) handlePresenceStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuth(w, r); !ok {
		return
	}
	uid, ok := pathID(w, r, "user")
	if !ok {
		return
	}
	u, err := h.svc.User(r.Context(), uid)
	if err != nil {
		h.writeServiceError(w, "chatapi.presence.status", err)
		return
	}
	online, err := h.svc.IsOnlineNow(r.Context(), uid)
	if err != nil {
		h.writeServiceError(w, "chatapi.presence.status", err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{UserID: uid, IsOnline: online, LastSeenAt: u.LastSeenAt})
}

// ---- admin ----

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var req createUserRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	nu, err := identity.CreateUserInput{
		Name:     req.Name,
		Email:    req.Email,
		Role:     identity.Role(strings.ToLower(strings.TrimSpace(req.Role))),
		Password: req.Password,
		Now:      time.Now().UTC(),
	}.Prepare()
	if err != nil {
		h.writeServiceError(w, "chatapi.admin.create_user", err)
		return
	}
	u, err := h.users.CreateUser(r.Context(), nu)
	if err != nil {
		h.writeServiceError(w, "chatapi.admin.create_user", err)
		return
	}

	h.log.Info("chatapi.admin.user.created", "admin_id", admin.UserID, "user_id", u.ID, "role", u.Role)
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	uid, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if uid == admin.UserID {
		writeValidation(w, chat.ValidationError{Field: "id", Reason: "cannot delete yourself"})
		return
	}
	if err := h.svc.DeleteUser(r.Context(), uid); err != nil {
		h.writeServiceError(w, "chatapi.admin.delete_user", err)
		return
	}
	h.log.Info("chatapi.admin.user.deleted", "admin_id", admin.UserID, "user_id", uid)
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

func (h *Handler) allow(w http.ResponseWriter, uid int64, action string) bool {
	ok, retry := h.limits.allow(uid, action)
	if !ok {
		writeRateLimited(w, retry)
	}
	return ok
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeValidation(w, chat.ValidationError{Field: name, Reason: "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func writeValidation(w http.ResponseWriter, ve chat.ValidationError) {
	writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: apiError{
		Code:    "validation_failed",
		Message: ve.Field + " " + ve.Reason,
		Field:   ve.Field,
	}})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var ve chat.ValidationError
	switch {
	case errors.As(err, &ve):
		writeValidation(w, ve)
	case errors.Is(err, chat.ErrNotFound), identity.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, chat.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden", "forbidden")
	case identity.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "email already registered")
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", invalidMessage(err))
	default:
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// invalidMessage returns the safe detail of an identity input error.
func invalidMessage(err error) string {
	var oe identity.OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return "invalid input"
}
