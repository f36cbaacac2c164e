package wait

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/decision"
	"github.com/quantfold/goldengine/internal/signal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WAIT BUFFER - Deferred decisions pending re-evaluation
// ═══════════════════════════════════════════════════════════════════════════════

// Item statuses
const (
	StatusWaiting  = "waiting"
	StatusExecuted = "executed"
	StatusExpired  = "expired"
	StatusRejected = "rejected"
)

// Item is one deferred decision
type Item struct {
	ID           string
	Direction    signal.Direction
	Scope        string
	Condition    string
	Score        float64
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ReevalCount  int
	Status       string
	DecisionID   uint
	WaitRecordID uint
	Signals      []*signal.Signal
}

// Buffer holds wait items behind one mutex
type Buffer struct {
	mu    sync.Mutex
	cfg   *config.Config
	items map[string]*Item
}

// NewBuffer creates an empty wait buffer
func NewBuffer(cfg *config.Config) *Buffer {
	return &Buffer{cfg: cfg, items: make(map[string]*Item)}
}

// Add stores a new wait item and returns it. Expiry follows the wait
// scope.
func (b *Buffer) Add(direction signal.Direction, scope, condition string, score float64,
	decisionID, waitRecordID uint, signals []*signal.Signal) *Item {

	now := time.Now().UTC()
	item := &Item{
		ID:           uuid.NewString(),
		Direction:    direction,
		Scope:        scope,
		Condition:    condition,
		Score:        score,
		CreatedAt:    now,
		ExpiresAt:    now.Add(b.expiryFor(scope)),
		Status:       StatusWaiting,
		DecisionID:   decisionID,
		WaitRecordID: waitRecordID,
		Signals:      signals,
	}

	b.mu.Lock()
	b.items[item.ID] = item
	b.mu.Unlock()

	log.Info().Str("id", item.ID).Str("scope", scope).Str("direction", string(direction)).
		Time("expires", item.ExpiresAt).Msg("⏸️ Decision deferred")
	return item
}

func (b *Buffer) expiryFor(scope string) time.Duration {
	switch scope {
	case decision.ScopeNextBar:
		return b.cfg.WaitExpiryNextBar
	case decision.ScopeStructureNeeded:
		return b.cfg.WaitExpiryStructure
	default:
		return b.cfg.WaitExpiryCooldown
	}
}

// Due returns copies of waiting items that are ready for another look:
// either past-due against the poll clock or explicitly woken. Expired
// items are transitioned in place and returned marked expired.
func (b *Buffer) Due(now time.Time) []Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Item, 0, len(b.items))
	for _, item := range b.items {
		if item.Status != StatusWaiting {
			continue
		}
		if now.After(item.ExpiresAt) {
			item.Status = StatusExpired
		}
		out = append(out, *item)
	}
	return out
}

// WaitingByScope returns copies of waiting items with the given scope
func (b *Buffer) WaitingByScope(scope string) []Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Item, 0)
	for _, item := range b.items {
		if item.Status == StatusWaiting && item.Scope == scope {
			out = append(out, *item)
		}
	}
	return out
}

// UpdateScope retargets a waiting item to the scope and condition of
// its latest assessment. The expiry set at creation stands.
func (b *Buffer) UpdateScope(id, scope, condition string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	item, ok := b.items[id]
	if !ok || item.Status != StatusWaiting {
		return false
	}
	item.Scope = scope
	item.Condition = condition
	return true
}

// IncrementReeval bumps the re-evaluation counter under the lock and
// returns the new count, or -1 if the item is gone or no longer waiting.
func (b *Buffer) IncrementReeval(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	item, ok := b.items[id]
	if !ok || item.Status != StatusWaiting {
		return -1
	}
	item.ReevalCount++
	return item.ReevalCount
}

// Resolve marks an item terminal
func (b *Buffer) Resolve(id, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if item, ok := b.items[id]; ok && item.Status == StatusWaiting {
		item.Status = status
	}
}

// CleanupDone removes terminal items and returns them for journaling
func (b *Buffer) CleanupDone() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Item, 0)
	for id, item := range b.items {
		if item.Status != StatusWaiting {
			out = append(out, *item)
			delete(b.items, id)
		}
	}
	return out
}

// Len returns the number of buffered items, any status
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// WaitingCount returns the number of items still waiting
func (b *Buffer) WaitingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, item := range b.items {
		if item.Status == StatusWaiting {
			n++
		}
	}
	return n
}
