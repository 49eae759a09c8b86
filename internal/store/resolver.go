package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
)

// ReplyResolver looks up the message a reply points at in the feed.
type ReplyResolver struct {
	feed domain.FeedStore
}

func NewReplyResolver(feed domain.FeedStore) *ReplyResolver {
	return &ReplyResolver{feed: feed}
}

var _ domain.ReplyResolver = (*ReplyResolver)(nil)

func (r *ReplyResolver) ResolveReply(ctx context.Context, chatID, messageID int64) (string, error) {
	msg, err := r.feed.GetMessage(ctx, chatID, messageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("reply target %d not in feed: %w", messageID, err)
		}
		return "", err
	}
	who := "user"
	if msg.Direction == domain.DirectionOut {
		who = "you"
	}
	if msg.Text == "" && msg.HasMedia {
		return fmt.Sprintf("[In reply to %s: <media>]", who), nil
	}
	return fmt.Sprintf("[In reply to %s: %q]", who, msg.Text), nil
}
