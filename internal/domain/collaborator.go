package domain

import (
	"context"
	"time"
)

// Dispatcher sends a text reply into a chat.
type Dispatcher interface {
	SendReply(ctx context.Context, chatID int64, text string, replyToID int64) (*FeedMessage, error)
}

// Presence shows a "typing" indicator in a chat.
type Presence interface {
	SendTyping(ctx context.Context, chatID int64) error
}

// ReplyResolver returns the text of the message a reply points at.
type ReplyResolver interface {
	ResolveReply(ctx context.Context, chatID, messageID int64) (string, error)
}

// Transcriber converts a voice or audio attachment to text.
type Transcriber interface {
	Transcribe(ctx context.Context, media Media) (string, error)
}

// ToolContext is the capability set handed to the response generator.
// Tools that send messages must go through Dispatcher.
type ToolContext struct {
	ChatID     int64
	SenderID   int64
	ReplyToID  int64
	IsGroup    bool
	IsAdmin    bool
	Dispatcher Dispatcher
}

// ResponseRequest is the input of one response generation.
type ResponseRequest struct {
	ChatID         int64
	Text           string
	SenderName     string
	Timestamp      time.Time
	IsGroup        bool
	PendingContext string
	ReplyContext   string
	Transcript     string
	Tools          ToolContext
}

// ToolInvocation records one tool the generator ran.
type ToolInvocation struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ResponseResult is what the generator produced.
type ResponseResult struct {
	Text      string
	ToolCalls []ToolInvocation
}

// Invoked reports whether any of the named tools was called.
func (r *ResponseResult) Invoked(names ...string) bool {
	if r == nil {
		return false
	}
	for _, tc := range r.ToolCalls {
		for _, n := range names {
			if tc.Name == n {
				return true
			}
		}
	}
	return false
}

// Responder generates a reply. It may perform its own side effects.
type Responder interface {
	Respond(ctx context.Context, req ResponseRequest) (*ResponseResult, error)
}

// HookEvent is what plugin hooks observe for every inbound message.
type HookEvent struct {
	Type    string
	Message InboundMessage
	At      time.Time
}
