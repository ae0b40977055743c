package store

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
)

// Entry is a chat message as seen by the local user: the message plus its
// latest delivery status.
type Entry struct {
	domain.ChatMessage
	Status    domain.ReceiptStatus `json:"status"`
	Failed    bool                 `json:"failed,omitempty"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// History persists conversations. Implementations are safe for concurrent use.
type History interface {
	// Append stores e unless its MessageID is already known. It reports
	// whether the entry was new.
	Append(e Entry) (bool, error)
	// UpdateStatus moves a message forward. Regressions and unknown IDs
	// report false. Advancing clears the failed flag.
	UpdateStatus(messageID string, status domain.ReceiptStatus) (bool, error)
	// MarkFailed flags a message whose delivery was never confirmed. It is a
	// no-op once the message has moved past pending.
	MarkFailed(messageID string) (bool, error)
	// Get returns a single entry.
	Get(messageID string) (Entry, bool, error)
	// Conversation returns the newest limit entries of a conversation in
	// insertion order. limit <= 0 returns everything.
	Conversation(key domain.ConversationKey, limit int) ([]Entry, error)
	Close() error
}

// OpenHistory builds the history backend named in cfg.Chat for the local
// identity.
func OpenHistory(cfg config.Config, paths config.Paths, log *logging.Logger) (History, error) {
	switch cfg.Chat.HistoryStore {
	case "", "sqlite":
		db, err := Open(paths.HistoryFor(cfg.Identity.PeerID), log)
		if err != nil {
			return nil, err
		}
		return NewSQLiteHistory(db), nil
	case "memory":
		return NewMemoryHistory(), nil
	default:
		return nil, fmt.Errorf("unknown history store %q", cfg.Chat.HistoryStore)
	}
}

// MemoryHistory keeps history in process memory.
type MemoryHistory struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   map[domain.ConversationKey][]string
}

// NewMemoryHistory returns an empty in-memory history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		entries: make(map[string]*Entry),
		order:   make(map[domain.ConversationKey][]string),
	}
}

func (h *MemoryHistory) Append(e Entry) (bool, error) {
	if e.MessageID == "" {
		return false, fmt.Errorf("append: empty message id")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.entries[e.MessageID]; ok {
		return false, nil
	}
	if e.Status == "" {
		e.Status = domain.StatusPending
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	h.entries[e.MessageID] = &e
	key := e.Conversation()
	h.order[key] = append(h.order[key], e.MessageID)
	return true, nil
}

func (h *MemoryHistory) UpdateStatus(messageID string, status domain.ReceiptStatus) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[messageID]
	if !ok || !e.Status.Advances(status) {
		return false, nil
	}
	e.Status = status
	e.Failed = false
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (h *MemoryHistory) MarkFailed(messageID string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[messageID]
	if !ok || e.Failed || e.Status.Rank() > domain.StatusPending.Rank() {
		return false, nil
	}
	e.Failed = true
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (h *MemoryHistory) Get(messageID string) (Entry, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[messageID]
	if !ok {
		return Entry{}, false, nil
	}
	return *e, true, nil
}

func (h *MemoryHistory) Conversation(key domain.ConversationKey, limit int) ([]Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := h.order[key]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, *h.entries[id])
	}
	return slices.Clip(out), nil
}

func (h *MemoryHistory) Close() error { return nil }
