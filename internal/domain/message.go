package domain

import "time"

// MediaKind classifies an inbound attachment.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVoice    MediaKind = "voice"
	MediaAudio    MediaKind = "audio"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
)

// Media describes an attachment without carrying its bytes.
type Media struct {
	Kind     MediaKind `json:"kind"`
	FileID   string    `json:"file_id"`
	MimeType string    `json:"mime_type,omitempty"`
	FileName string    `json:"file_name,omitempty"`
	Duration int       `json:"duration,omitempty"` // seconds, voice/audio/video only
}

// Transcribable reports whether the attachment carries speech.
func (m *Media) Transcribable() bool {
	return m != nil && (m.Kind == MediaVoice || m.Kind == MediaAudio)
}

// InboundMessage is one chat event as delivered by the transport.
// Values are passed by copy and never mutated after construction.
type InboundMessage struct {
	ID             int64 // platform message id, monotonic per chat
	ChatID         int64
	SenderID       int64
	SenderName     string
	SenderUsername string
	ChatTitle      string
	IsGroup        bool
	IsChannel      bool
	IsBot          bool
	MentionsAgent  bool
	Text           string
	Media          *Media
	ReplyToID      int64 // 0 when the message is not a reply
	Timestamp      time.Time
}

// ConversationKind returns "direct", "group" or "channel".
func (m InboundMessage) ConversationKind() string {
	switch {
	case m.IsChannel:
		return KindChannel
	case m.IsGroup:
		return KindGroup
	default:
		return KindDirect
	}
}

// Decision is the policy verdict for one inbound message.
type Decision struct {
	Message       InboundMessage
	IsAdmin       bool
	ShouldRespond bool
	Reason        string
}

// Conversation kinds stored in the feed.
const (
	KindDirect  = "direct"
	KindGroup   = "group"
	KindChannel = "channel"
)

// Feed message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Conversation is the feed row for one chat.
type Conversation struct {
	ID            int64     `json:"id"`
	Kind          string    `json:"kind"`
	Title         string    `json:"title,omitempty"`
	LastMessageID int64     `json:"last_message_id"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// Sender is the feed row for one chat participant.
type Sender struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username,omitempty"`
	IsBot       bool   `json:"is_bot"`
}

// FeedMessage is a persisted inbound or outbound message.
type FeedMessage struct {
	ChatID    int64     `json:"chat_id"`
	MessageID int64     `json:"message_id"`
	SenderID  int64     `json:"sender_id"`
	Direction string    `json:"direction"` // in | out
	Text      string    `json:"text"`
	ReplyToID int64     `json:"reply_to_id,omitempty"`
	HasMedia  bool      `json:"has_media"`
	SentAt    time.Time `json:"sent_at"`
}

// OffsetRecord is the durable "highest handled message" fact for one chat.
type OffsetRecord struct {
	ChatID    int64     `json:"chat_id"`
	MessageID int64     `json:"message_id"`
	UpdatedAt time.Time `json:"updated_at"`
}
