package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
)

// DefaultPendingLimit bounds each chat's buffer; the oldest entries fall off.
const DefaultPendingLimit = 50

// PendingHistory buffers group messages the agent stayed silent on, so the
// next reply in that chat can see what it missed.
type PendingHistory struct {
	mu    sync.Mutex
	limit int
	chats map[int64][]domain.InboundMessage
}

func NewPendingHistory(limit int) *PendingHistory {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return &PendingHistory{
		limit: limit,
		chats: make(map[int64][]domain.InboundMessage),
	}
}

func (p *PendingHistory) Add(chatID int64, msg domain.InboundMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := append(p.chats[chatID], msg)
	if len(buf) > p.limit {
		buf = buf[len(buf)-p.limit:]
	}
	p.chats[chatID] = buf
}

// GetAndClear returns the buffered messages as a context block and empties
// the buffer. It returns "" when nothing is pending.
func (p *PendingHistory) GetAndClear(chatID int64) string {
	p.mu.Lock()
	buf := p.chats[chatID]
	delete(p.chats, chatID)
	p.mu.Unlock()

	if len(buf) == 0 {
		return ""
	}
	return formatPending(buf)
}

func (p *PendingHistory) Clear(chatID int64) {
	p.mu.Lock()
	delete(p.chats, chatID)
	p.mu.Unlock()
}

// Len returns the number of buffered messages for a chat.
func (p *PendingHistory) Len(chatID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chats[chatID])
}

func formatPending(msgs []domain.InboundMessage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Messages since your last reply: %d]\n", len(msgs))
	for _, m := range msgs {
		name := m.SenderName
		if name == "" {
			name = fmt.Sprintf("user%d", m.SenderID)
		}
		text := m.Text
		if text == "" && m.Media != nil {
			text = "<" + string(m.Media.Kind) + ">"
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.Timestamp.UTC().Format("15:04"), name, text)
	}
	return strings.TrimRight(sb.String(), "\n")
}
