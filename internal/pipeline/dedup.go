package pipeline

import (
	"strconv"
	"sync"
)

// DefaultDedupCapacity is the ceiling above which the oldest half is evicted.
const DefaultDedupCapacity = 500

// DedupWindow remembers recently seen message keys for the process lifetime.
// It is a best-effort filter; the offset store is the durable guard.
type DedupWindow struct {
	mu       sync.Mutex
	capacity int
	order    []string // insertion order, oldest first
	seen     map[string]struct{}
}

func NewDedupWindow(capacity int) *DedupWindow {
	if capacity < 2 {
		capacity = DefaultDedupCapacity
	}
	return &DedupWindow{
		capacity: capacity,
		order:    make([]string, 0, capacity+1),
		seen:     make(map[string]struct{}, capacity+1),
	}
}

// dedupKey scopes a message id to its chat; Telegram ids are only unique per chat.
func dedupKey(chatID, messageID int64) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(messageID, 10)
}

func (d *DedupWindow) Seen(chatID, messageID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[dedupKey(chatID, messageID)]
	return ok
}

func (d *DedupWindow) Record(chatID, messageID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recordLocked(dedupKey(chatID, messageID))
}

// SeenOrRecord checks and records in one step. It returns true when the
// message was already present.
func (d *DedupWindow) SeenOrRecord(chatID, messageID int64) bool {
	key := dedupKey(chatID, messageID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.recordLocked(key)
	return false
}

// Forget removes a message so a redelivery is admitted again. Used when
// processing failed before the offset was committed.
func (d *DedupWindow) Forget(chatID, messageID int64) {
	key := dedupKey(chatID, messageID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; !ok {
		return
	}
	delete(d.seen, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

func (d *DedupWindow) recordLocked(key string) {
	if _, ok := d.seen[key]; ok {
		return
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)

	if len(d.order) <= d.capacity {
		return
	}
	// Evict the oldest half in one pass.
	cut := len(d.order) / 2
	for _, k := range d.order[:cut] {
		delete(d.seen, k)
	}
	kept := make([]string, len(d.order)-cut, d.capacity+1)
	copy(kept, d.order[cut:])
	d.order = kept
}
