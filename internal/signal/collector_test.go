package signal

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// batchSink captures dispatched batches and can be told to fail
type batchSink struct {
	mu      sync.Mutex
	batches [][]*Signal
	fail    bool
}

func (s *batchSink) flush(batch []*Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("dispatch unavailable")
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *batchSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *batchSink) last() []*Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil
	}
	return s.batches[len(s.batches)-1]
}

func (s *batchSink) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func testSignal(event Event) *Signal {
	return &Signal{
		Kind:       KindStructure,
		Event:      event,
		Price:      2650,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestCollectorCoalescesBurstIntoOneBatch(t *testing.T) {
	sink := &batchSink{}
	c := NewCollector(30*time.Millisecond, 100, sink.flush)
	defer c.Stop()

	for i := 0; i < 5; i++ {
		c.Receive(testSignal(EventZoneTouch))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return sink.count() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Len(t, sink.last(), 5)
	assert.Equal(t, 0, c.Pending())
}

func TestCollectorQuietGapSplitsBatches(t *testing.T) {
	sink := &batchSink{}
	c := NewCollector(20*time.Millisecond, 100, sink.flush)
	defer c.Stop()

	c.Receive(testSignal(EventZoneTouch))
	require.Eventually(t, func() bool { return sink.count() == 1 },
		time.Second, 5*time.Millisecond)

	c.Receive(testSignal(EventSweep))
	require.Eventually(t, func() bool { return sink.count() == 2 },
		time.Second, 5*time.Millisecond)

	assert.Len(t, sink.last(), 1)
}

func TestCollectorPreservesArrivalOrder(t *testing.T) {
	sink := &batchSink{}
	c := NewCollector(20*time.Millisecond, 100, sink.flush)
	defer c.Stop()

	events := []Event{EventSweep, EventZoneTouch, EventFVGTouch}
	for _, ev := range events {
		c.Receive(testSignal(ev))
	}
	c.FlushNow()

	require.Equal(t, 1, sink.count())
	batch := sink.last()
	require.Len(t, batch, 3)
	for i, ev := range events {
		assert.Equal(t, ev, batch[i].Event)
	}
}

func TestCollectorRequeuesFailedBatch(t *testing.T) {
	sink := &batchSink{}
	sink.setFail(true)
	c := NewCollector(15*time.Millisecond, 100, sink.flush)
	defer c.Stop()

	c.Receive(testSignal(EventZoneTouch))
	c.Receive(testSignal(EventSweep))

	// Dispatch fails, both signals return to the buffer
	require.Eventually(t, func() bool { return c.Pending() == 2 },
		time.Second, 5*time.Millisecond)

	sink.setFail(false)
	require.Eventually(t, func() bool { return sink.count() == 1 },
		time.Second, 5*time.Millisecond)

	batch := sink.last()
	require.Len(t, batch, 2)
	assert.Equal(t, EventZoneTouch, batch[0].Event)
	assert.Equal(t, EventSweep, batch[1].Event)
}

func TestCollectorHardCapDropsOldest(t *testing.T) {
	sink := &batchSink{}
	sink.setFail(true)
	c := NewCollector(time.Hour, 3, sink.flush)

	for i := 0; i < 5; i++ {
		s := testSignal(EventZoneTouch)
		s.Price = float64(i)
		c.Receive(s)
	}

	assert.Equal(t, 3, c.Pending())

	sink.setFail(false)
	c.Stop()

	require.Equal(t, 1, sink.count())
	batch := sink.last()
	require.Len(t, batch, 3)
	// Oldest were dropped, the newest three survive
	assert.Equal(t, 2.0, batch[0].Price)
	assert.Equal(t, 4.0, batch[2].Price)
}

func TestCollectorStopRejectsNewSignals(t *testing.T) {
	sink := &batchSink{}
	c := NewCollector(10*time.Millisecond, 100, sink.flush)
	c.Stop()

	c.Receive(testSignal(EventZoneTouch))
	assert.Equal(t, 0, c.Pending())
}

func TestCollectorFlushNowOnEmptyBufferIsNoop(t *testing.T) {
	sink := &batchSink{}
	c := NewCollector(10*time.Millisecond, 100, sink.flush)
	defer c.Stop()

	c.FlushNow()
	assert.Equal(t, 0, sink.count())
}
