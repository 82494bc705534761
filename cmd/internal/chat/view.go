package chat

import "time"

// URLFunc turns a stored attachment path into a client-facing URL.
type URLFunc func(path string) string

// MessageView is the JSON shape of a message in HTTP responses and event payloads.
type MessageView struct {
	ID             int64        `json:"id"`
	SenderID       int64        `json:"sender_id"`
	ReceiverID     int64        `json:"receiver_id"`
	Body           *string      `json:"body"`
	Type           MessageType  `json:"type"`
	FilePath       *string      `json:"file_path"`
	FileURL        *string      `json:"file_url"`
	FileName       *string      `json:"file_name"`
	FileSize       *string      `json:"file_size"`
	MimeType       *string      `json:"mime_type"`
	ReplyTo        *int64       `json:"reply_to"`
	CreatedAt      time.Time    `json:"created_at"`
	Sender         *UserSummary `json:"sender,omitempty"`
	ReplyToMessage *MessageView `json:"reply_to_message,omitempty"`
}

// NewMessageView projects m. fileURL may be nil.
func NewMessageView(m Message, fileURL URLFunc) MessageView {
	v := MessageView{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		Type:       m.Type,
		ReplyTo:    m.ReplyTo,
		CreatedAt:  m.CreatedAt,
	}
	if a := m.Attachment; a != nil {
		v.FilePath = &a.Path
		v.FileName = &a.Name
		v.FileSize = &a.Size
		v.MimeType = &a.MimeType
		if fileURL != nil {
			u := fileURL(a.Path)
			v.FileURL = &u
		}
	}
	return v
}
