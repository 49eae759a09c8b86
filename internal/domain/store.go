package domain

import (
	"context"
	"time"
)

// OffsetStore persists the per-chat crash-recovery checkpoint.
// WriteOffset must never lower a stored value.
type OffsetStore interface {
	ReadOffset(ctx context.Context, chatID int64) (int64, bool, error)
	WriteOffset(ctx context.Context, chatID, messageID int64) error
	ListOffsets(ctx context.Context) ([]OffsetRecord, error)
	ResetOffset(ctx context.Context, chatID int64) error
}

// FeedStore records every inbound and outbound message.
type FeedStore interface {
	UpsertConversation(ctx context.Context, conv Conversation) error
	UpsertSender(ctx context.Context, sender Sender) error
	StoreMessage(ctx context.Context, msg FeedMessage) error
	GetMessage(ctx context.Context, chatID, messageID int64) (*FeedMessage, error)
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}
