package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
)

// FeedStore records conversations, senders and messages.
type FeedStore struct {
	db *DB
}

func NewFeedStore(db *DB) *FeedStore {
	return &FeedStore{db: db}
}

var _ domain.FeedStore = (*FeedStore)(nil)

// UpsertConversation creates the chat row or moves its last-message
// pointer forward. An older message never rewinds it.
func (s *FeedStore) UpsertConversation(ctx context.Context, conv domain.Conversation) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO feed_conversations (id, kind, title, last_message_id, last_message_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind,
			title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE feed_conversations.title END,
			last_message_id = excluded.last_message_id,
			last_message_at = excluded.last_message_at
		WHERE excluded.last_message_id >= feed_conversations.last_message_id`,
		conv.ID, conv.Kind, conv.Title, conv.LastMessageID, unixMilli(conv.LastMessageAt),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation %d: %w", conv.ID, err)
	}
	return nil
}

func (s *FeedStore) UpsertSender(ctx context.Context, sender domain.Sender) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO feed_senders (id, display_name, username, is_bot, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			username = excluded.username,
			is_bot = excluded.is_bot,
			updated_at = excluded.updated_at`,
		sender.ID, sender.DisplayName, sender.Username, sender.IsBot, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert sender %d: %w", sender.ID, err)
	}
	return nil
}

// StoreMessage inserts a message once; a redelivered copy is ignored.
func (s *FeedStore) StoreMessage(ctx context.Context, msg domain.FeedMessage) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	_, err := s.db.exec(ctx, `
		INSERT INTO feed_messages (chat_id, message_id, sender_id, direction, text, reply_to_id, has_media, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, message_id) DO NOTHING`,
		msg.ChatID, msg.MessageID, msg.SenderID, msg.Direction, msg.Text, msg.ReplyToID, msg.HasMedia, msg.SentAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store message %d/%d: %w", msg.ChatID, msg.MessageID, err)
	}
	return nil
}

// GetMessage returns ErrNotFound when the message was never recorded.
func (s *FeedStore) GetMessage(ctx context.Context, chatID, messageID int64) (*domain.FeedMessage, error) {
	var (
		msg    domain.FeedMessage
		sentAt int64
	)
	err := s.db.queryRow(ctx, `
		SELECT chat_id, message_id, sender_id, direction, text, reply_to_id, has_media, sent_at
		FROM feed_messages WHERE chat_id = ? AND message_id = ?`,
		chatID, messageID,
	).Scan(&msg.ChatID, &msg.MessageID, &msg.SenderID, &msg.Direction, &msg.Text, &msg.ReplyToID, &msg.HasMedia, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d/%d: %w", chatID, messageID, err)
	}
	msg.SentAt = time.UnixMilli(sentAt)
	return &msg, nil
}

// GetConversation returns the stored metadata of one chat.
func (s *FeedStore) GetConversation(ctx context.Context, id int64) (*domain.Conversation, error) {
	var (
		conv   domain.Conversation
		lastAt int64
	)
	err := s.db.queryRow(ctx,
		"SELECT id, kind, title, last_message_id, last_message_at FROM feed_conversations WHERE id = ?", id,
	).Scan(&conv.ID, &conv.Kind, &conv.Title, &conv.LastMessageID, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}
	conv.LastMessageAt = time.UnixMilli(lastAt)
	return &conv, nil
}

// PruneBefore deletes feed messages sent before the cutoff.
func (s *FeedStore) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.exec(ctx, "DELETE FROM feed_messages WHERE sent_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune feed: %w", err)
	}
	return res.RowsAffected()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
