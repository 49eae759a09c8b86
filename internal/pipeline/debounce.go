package pipeline

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
)

// Debouncer merges rapid consecutive text messages from one sender in one
// chat into a single message before handing it on. A window <= 0 disables it.
//
// Within a chat, messages are handed on in arrival order: any message for
// the chat first flushes what other senders have buffered there.
type Debouncer struct {
	window  time.Duration
	flushFn func(domain.InboundMessage)
	logger  *slog.Logger

	// handoff serializes calls to flushFn so a timer flush cannot race a
	// later message of the same chat.
	handoff sync.Mutex

	mu      sync.Mutex
	buffers map[string]*debounceBuffer
}

type debounceBuffer struct {
	chatID   int64
	messages []domain.InboundMessage
	timer    *time.Timer
}

func NewDebouncer(window time.Duration, logger *slog.Logger, flushFn func(domain.InboundMessage)) *Debouncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debouncer{
		window:  window,
		flushFn: flushFn,
		logger:  logger,
		buffers: make(map[string]*debounceBuffer),
	}
}

// Push buffers msg, or forwards it at once when debouncing is off.
// Media is never delayed; it flushes every buffer of its chat first.
func (d *Debouncer) Push(msg domain.InboundMessage) {
	if d.window <= 0 {
		d.flushFn(msg)
		return
	}

	d.handoff.Lock()
	defer d.handoff.Unlock()

	key := debounceKey(msg)

	if msg.Media != nil {
		d.flushChatLocked(msg.ChatID, "")
		d.flushFn(msg)
		return
	}
	d.flushChatLocked(msg.ChatID, key)

	d.mu.Lock()
	defer d.mu.Unlock()

	buf, ok := d.buffers[key]
	if !ok {
		buf = &debounceBuffer{chatID: msg.ChatID}
		d.buffers[key] = buf
	}
	buf.messages = append(buf.messages, msg)

	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(d.window, func() { d.flushKey(key) })

	d.logger.Debug("debounce: buffered", "key", key, "buffered", len(buf.messages))
}

// Stop flushes every buffer immediately.
func (d *Debouncer) Stop() {
	d.handoff.Lock()
	defer d.handoff.Unlock()
	d.flushMatchingLocked(func(string, *debounceBuffer) bool { return true })
}

func (d *Debouncer) flushKey(key string) {
	d.handoff.Lock()
	defer d.handoff.Unlock()
	d.flushMatchingLocked(func(k string, _ *debounceBuffer) bool { return k == key })
}

// flushChatLocked hands on every buffer of chatID except the one at skip.
func (d *Debouncer) flushChatLocked(chatID int64, skip string) {
	d.flushMatchingLocked(func(k string, b *debounceBuffer) bool {
		return b.chatID == chatID && k != skip
	})
}

// flushMatchingLocked takes the selected buffers and hands them on in
// message id order. The caller holds handoff.
func (d *Debouncer) flushMatchingLocked(match func(string, *debounceBuffer) bool) {
	d.mu.Lock()
	var batches [][]domain.InboundMessage
	for k, buf := range d.buffers {
		if !match(k, buf) {
			continue
		}
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(d.buffers, k)
		if len(buf.messages) > 0 {
			batches = append(batches, buf.messages)
		}
	}
	d.mu.Unlock()

	sort.Slice(batches, func(i, j int) bool {
		return batches[i][len(batches[i])-1].ID < batches[j][len(batches[j])-1].ID
	})
	for _, msgs := range batches {
		if len(msgs) > 1 {
			d.logger.Debug("debounce: merged", "key", debounceKey(msgs[0]), "count", len(msgs))
		}
		d.flushFn(mergeMessages(msgs))
	}
}

func debounceKey(msg domain.InboundMessage) string {
	return strconv.FormatInt(msg.ChatID, 10) + ":" + strconv.FormatInt(msg.SenderID, 10)
}

// mergeMessages joins texts with newlines and keeps the last message's id
// and metadata. A mention anywhere in the burst counts.
func mergeMessages(msgs []domain.InboundMessage) domain.InboundMessage {
	if len(msgs) == 1 {
		return msgs[0]
	}
	last := msgs[len(msgs)-1]

	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Text != "" {
			parts = append(parts, m.Text)
		}
		if m.MentionsAgent {
			last.MentionsAgent = true
		}
		if last.ReplyToID == 0 && m.ReplyToID != 0 {
			last.ReplyToID = m.ReplyToID
		}
	}
	last.Text = strings.Join(parts, "\n")
	return last
}
