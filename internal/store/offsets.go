package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
)

// OffsetStore keeps per-chat offsets in the offsets table. Writes are
// row-level upserts; no lock spans more than one chat.
type OffsetStore struct {
	db *DB
}

func NewOffsetStore(db *DB) *OffsetStore {
	return &OffsetStore{db: db}
}

var _ domain.OffsetStore = (*OffsetStore)(nil)

func (s *OffsetStore) ReadOffset(ctx context.Context, chatID int64) (int64, bool, error) {
	var id int64
	err := s.db.queryRow(ctx, "SELECT message_id FROM offsets WHERE chat_id = ?", chatID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read offset for chat %d: %w", chatID, err)
	}
	return id, true, nil
}

// WriteOffset stores messageID unless a higher value is already stored.
func (s *OffsetStore) WriteOffset(ctx context.Context, chatID, messageID int64) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO offsets (chat_id, message_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (chat_id) DO UPDATE
		SET message_id = excluded.message_id, updated_at = excluded.updated_at
		WHERE excluded.message_id > offsets.message_id`,
		chatID, messageID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write offset for chat %d: %w", chatID, err)
	}
	return nil
}

func (s *OffsetStore) ListOffsets(ctx context.Context) ([]domain.OffsetRecord, error) {
	rows, err := s.db.query(ctx, "SELECT chat_id, message_id, updated_at FROM offsets ORDER BY chat_id")
	if err != nil {
		return nil, fmt.Errorf("list offsets: %w", err)
	}
	defer rows.Close()

	var out []domain.OffsetRecord
	for rows.Next() {
		var rec domain.OffsetRecord
		var updated int64
		if err := rows.Scan(&rec.ChatID, &rec.MessageID, &updated); err != nil {
			return nil, err
		}
		rec.UpdatedAt = time.UnixMilli(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResetOffset forgets a chat's offset so its history may be answered again.
func (s *OffsetStore) ResetOffset(ctx context.Context, chatID int64) error {
	if _, err := s.db.exec(ctx, "DELETE FROM offsets WHERE chat_id = ?", chatID); err != nil {
		return fmt.Errorf("reset offset for chat %d: %w", chatID, err)
	}
	return nil
}
