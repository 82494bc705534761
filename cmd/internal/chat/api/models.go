package chatapi

import (
	"time"

	"pairchat/cmd/identity"
	"pairchat/cmd/internal/chat"
)

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      userResponse `json:"user"`
}

type userResponse struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Role       string     `json:"role"`
	LastSeenAt *time.Time `json:"last_seen_at"`
	IsOnline   *bool      `json:"is_online,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type contactsResponse struct {
	Users []userResponse `json:"users"`
}

type sendRequest struct {
	Message string `json:"message"`
	ReplyTo *int64 `json:"reply_to"`
}

type messageResponse struct {
	Message chat.MessageView `json:"message"`
	Warning string           `json:"warning,omitempty"`
}

type listResponse struct {
	Messages []chat.MessageView `json:"messages"`
	HasMore  bool               `json:"has_more"`
}

type countResponse struct {
	Count   int64  `json:"count"`
	Warning string `json:"warning,omitempty"`
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

type okResponse struct {
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
}

type presenceResponse struct {
	UserID     int64      `json:"user_id"`
	IsOnline   bool       `json:"is_online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	Warning    string     `json:"warning,omitempty"`
}

type createUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		Role:       string(u.Role),
		LastSeenAt: u.LastSeenAt,
		CreatedAt:  u.CreatedAt,
	}
}

func toContactResponse(c chat.Contact) userResponse {
	out := toUserResponse(c.User)
	online := c.Online
	out.IsOnline = &online
	return out
}
