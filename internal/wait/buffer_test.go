package wait

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/decision"
	"github.com/quantfold/goldengine/internal/signal"
)

func bufConfig() *config.Config {
	return &config.Config{
		WaitExpiryNextBar:   6 * time.Minute,
		WaitExpiryStructure: 15 * time.Minute,
		WaitExpiryCooldown:  3 * time.Minute,
		MaxReevalCount:      3,
	}
}

func TestAddAssignsScopeExpiry(t *testing.T) {
	b := NewBuffer(bufConfig())
	now := time.Now().UTC()

	nextBar := b.Add(signal.Buy, decision.ScopeNextBar, "waiting", 0.3, 1, 1, nil)
	structure := b.Add(signal.Buy, decision.ScopeStructureNeeded, "waiting", 0.3, 2, 2, nil)
	cooldown := b.Add(signal.Sell, decision.ScopeCooldown, "waiting", 0.3, 3, 3, nil)

	assert.WithinDuration(t, now.Add(6*time.Minute), nextBar.ExpiresAt, time.Second)
	assert.WithinDuration(t, now.Add(15*time.Minute), structure.ExpiresAt, time.Second)
	assert.WithinDuration(t, now.Add(3*time.Minute), cooldown.ExpiresAt, time.Second)

	assert.NotEqual(t, nextBar.ID, structure.ID)
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 3, b.WaitingCount())
}

func TestDueMarksExpiredItems(t *testing.T) {
	b := NewBuffer(bufConfig())
	item := b.Add(signal.Buy, decision.ScopeCooldown, "waiting", 0.3, 1, 1, nil)

	// Before expiry the item is due and still waiting
	due := b.Due(time.Now().UTC())
	require.Len(t, due, 1)
	assert.Equal(t, StatusWaiting, due[0].Status)

	// Past expiry the status flips in place
	due = b.Due(time.Now().UTC().Add(4 * time.Minute))
	require.Len(t, due, 1)
	assert.Equal(t, StatusExpired, due[0].Status)
	assert.Equal(t, 0, b.WaitingCount())

	// Terminal items never come back as due
	due = b.Due(time.Now().UTC().Add(5 * time.Minute))
	assert.Empty(t, due)

	done := b.CleanupDone()
	require.Len(t, done, 1)
	assert.Equal(t, item.ID, done[0].ID)
	assert.Equal(t, 0, b.Len())
}

func TestIncrementReevalBounds(t *testing.T) {
	b := NewBuffer(bufConfig())
	item := b.Add(signal.Buy, decision.ScopeNextBar, "waiting", 0.3, 1, 1, nil)

	assert.Equal(t, 1, b.IncrementReeval(item.ID))
	assert.Equal(t, 2, b.IncrementReeval(item.ID))
	assert.Equal(t, 3, b.IncrementReeval(item.ID))

	// A resolved item stops counting
	b.Resolve(item.ID, StatusExecuted)
	assert.Equal(t, -1, b.IncrementReeval(item.ID))

	// Unknown ids are a miss, not a panic
	assert.Equal(t, -1, b.IncrementReeval("no-such-item"))
}

func TestResolveIsTerminal(t *testing.T) {
	b := NewBuffer(bufConfig())
	item := b.Add(signal.Buy, decision.ScopeNextBar, "waiting", 0.3, 1, 1, nil)

	b.Resolve(item.ID, StatusRejected)
	// A second resolve cannot overwrite the first
	b.Resolve(item.ID, StatusExecuted)

	done := b.CleanupDone()
	require.Len(t, done, 1)
	assert.Equal(t, StatusRejected, done[0].Status)
}

func TestWaitingByScope(t *testing.T) {
	b := NewBuffer(bufConfig())
	b.Add(signal.Buy, decision.ScopeNextBar, "waiting", 0.3, 1, 1, nil)
	b.Add(signal.Buy, decision.ScopeStructureNeeded, "waiting", 0.3, 2, 2, nil)
	s := b.Add(signal.Sell, decision.ScopeStructureNeeded, "waiting", 0.3, 3, 3, nil)

	items := b.WaitingByScope(decision.ScopeStructureNeeded)
	assert.Len(t, items, 2)

	b.Resolve(s.ID, StatusExecuted)
	items = b.WaitingByScope(decision.ScopeStructureNeeded)
	assert.Len(t, items, 1)
}

func TestUpdateScopeRetargetsWaitingItem(t *testing.T) {
	b := NewBuffer(bufConfig())
	item := b.Add(signal.Buy, decision.ScopeNextBar, "next_bar: waiting for bar close", 0.3, 1, 1, nil)
	expiry := item.ExpiresAt

	ok := b.UpdateScope(item.ID, decision.ScopeStructureNeeded, "structure_needed: no touch in window")
	require.True(t, ok)

	got := b.items[item.ID]
	assert.Equal(t, decision.ScopeStructureNeeded, got.Scope)
	assert.Equal(t, "structure_needed: no touch in window", got.Condition)
	// Retargeting never grants more time
	assert.Equal(t, expiry, got.ExpiresAt)

	// Terminal and unknown items are a miss
	b.Resolve(item.ID, StatusRejected)
	assert.False(t, b.UpdateScope(item.ID, decision.ScopeCooldown, "x"))
	assert.False(t, b.UpdateScope("no-such-item", decision.ScopeCooldown, "x"))
}

func TestDueReturnsCopies(t *testing.T) {
	b := NewBuffer(bufConfig())
	item := b.Add(signal.Buy, decision.ScopeNextBar, "waiting", 0.3, 1, 1, nil)

	due := b.Due(time.Now().UTC())
	require.Len(t, due, 1)
	due[0].Status = StatusRejected

	// Mutating the copy never touches the buffered item
	assert.Equal(t, 1, b.WaitingCount())
	assert.Equal(t, 1, b.IncrementReeval(item.ID))
}
