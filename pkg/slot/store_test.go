package slot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopydb/canopy/pkg/types"
)

var key = types.NodeKey{Tree: 0, Nid: 7}

func TestLazyRecordUnowned(t *testing.T) {
	s := NewStore(1)

	info := s.CoherencyInfo(key)
	assert.Equal(t, types.NoOwner, info.Owner)
	assert.False(t, info.IsOwner)
	assert.False(t, info.Warm)
	assert.False(t, info.Dirty)
	assert.Zero(t, info.Timestamp)
}

func TestBecomeOwnerClearsSubscribersAndDirty(t *testing.T) {
	s := NewStore(1)
	s.AddReader(key, 2)
	s.AddWarm(key, 3)
	s.SetDirty(key, true)

	s.BecomeOwner(key, 6)

	full := s.CoherencyInfoFull(key)
	assert.True(t, full.IsOwner)
	assert.Equal(t, types.PeerIndex(1), full.Owner)
	assert.Equal(t, uint32(6), full.Timestamp)
	assert.False(t, full.Dirty)
	assert.Empty(t, full.Readers)
	assert.Empty(t, full.Warms)
}

func TestSetOwnerClearsSubscribersOnLoss(t *testing.T) {
	s := NewStore(1)
	s.BecomeOwner(key, 1)
	s.AddReader(key, 2)
	s.AddWarm(key, 3)

	s.SetOwner(key, 2, 5)

	full := s.CoherencyInfoFull(key)
	assert.False(t, full.IsOwner)
	assert.Equal(t, types.PeerIndex(2), full.Owner)
	assert.Empty(t, full.Readers)
	assert.Empty(t, full.Warms)
}

func TestSetOwnerKeepsSubscribersWhileOwner(t *testing.T) {
	s := NewStore(1)
	s.BecomeOwner(key, 1)
	s.AddReader(key, 2)

	// Re-affirming our own ownership must not drop the reader list.
	s.SetOwner(key, 1, 2)

	full := s.CoherencyInfoFull(key)
	assert.Equal(t, []types.PeerIndex{2}, full.Readers)
}

func TestSubscriberSetsSortedAndIdempotent(t *testing.T) {
	s := NewStore(1)
	s.AddReader(key, 5)
	s.AddReader(key, 2)
	s.AddReader(key, 5)
	s.AddWarm(key, 4)
	s.AddWarm(key, 3)

	full := s.CoherencyInfoFull(key)
	assert.Equal(t, []types.PeerIndex{2, 5}, full.Readers)
	assert.Equal(t, []types.PeerIndex{3, 4}, full.Warms)
}

func TestSerializedRoundTrip(t *testing.T) {
	s := NewStore(1)
	assert.Zero(t, s.SerializedSize(key))

	payload := []byte{0xDE, 0xAD}
	s.SetSerialized(key, payload)

	assert.Equal(t, 2, s.SerializedSize(key))
	got := s.Serialized(key)
	assert.Equal(t, payload, got)

	// The returned blob is a copy.
	got[0] = 0x00
	assert.Equal(t, payload, s.Serialized(key))
}

func TestPutPayloadAccessorSurface(t *testing.T) {
	s := NewStore(1)

	payload := []byte{0x01, 0x02, 0x03}
	s.Put(key, payload)

	assert.Equal(t, payload, s.Payload(key))
	// Put and the wire-facing slot are the same data.
	assert.Equal(t, payload, s.Serialized(key))
	assert.Equal(t, 3, s.SerializedSize(key))
}

func TestDataEventSignalsWaiter(t *testing.T) {
	s := NewStore(1)
	ev := s.DataEvent(key)
	require.Same(t, ev, s.DataEvent(key))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- ev.Wait(ctx)
	}()

	ev.Signal()
	require.NoError(t, <-done)
}

func TestEventResetDiscardsStaleSignal(t *testing.T) {
	ev := NewEvent()
	ev.Signal()
	ev.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ev.Wait(ctx), context.DeadlineExceeded)
}

func TestEventSignalNonBlocking(t *testing.T) {
	ev := NewEvent()
	ev.Signal()
	ev.Signal() // second signal with no waiter must not block

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ev.Wait(ctx))
}

func TestEventWakesAllWaiters(t *testing.T) {
	ev := NewEvent()

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			done <- ev.Wait(ctx)
		}()
	}

	ev.Signal()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}
