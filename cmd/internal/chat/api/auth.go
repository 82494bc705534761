package chatapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"pairchat/cmd/identity"
	"pairchat/cmd/internal/chat"
	"pairchat/cmd/security/token"
)

// TokenAuthenticator resolves signed bearer tokens to principals. The user
// is reloaded on every call so deleted accounts and role changes apply at once.
// It serves both the HTTP API and the websocket gateway.
type TokenAuthenticator struct {
	signer *token.Signer
	users  identity.Store
	now    func() time.Time
}

func NewTokenAuthenticator(signer *token.Signer, users identity.Store) *TokenAuthenticator {
	return &TokenAuthenticator{signer: signer, users: users, now: func() time.Time { return time.Now().UTC() }}
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, tok string) (chat.Principal, error) {
	uid, err := a.signer.Verify(strings.TrimSpace(tok), a.now())
	if err != nil {
		return chat.Principal{}, err
	}
	u, err := a.users.GetUser(ctx, uid)
	if err != nil {
		return chat.Principal{}, err
	}
	return chat.Principal{UserID: u.ID, Role: u.Role}, nil
}

// Issue returns a token for u.
func (a *TokenAuthenticator) Issue(u identity.User) (string, time.Time) {
	return a.signer.Issue(u.ID, a.now())
}

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (chat.Principal, bool) {
	tok := bearerToken(r)
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return chat.Principal{}, false
	}
	p, err := h.auth.Authenticate(r.Context(), tok)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return chat.Principal{}, false
	}
	return p, true
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (chat.Principal, bool) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return chat.Principal{}, false
	}
	if p.Role != identity.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return chat.Principal{}, false
	}
	return p, true
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// originOpts excludes the caller's own websocket session (X-Socket-ID) from
// the fanout of the change it triggered.
func originOpts(r *http.Request) []chat.DispatchOption {
	sid := strings.TrimSpace(r.Header.Get("X-Socket-ID"))
	if sid == "" || len(sid) > 64 {
		return nil
	}
	return []chat.DispatchOption{chat.ExcludeOriginator(sid)}
}
