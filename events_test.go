// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSubscription(capacity int) *subscription {
	s := newSession(newFakeConn(nil), nil)
	return &subscription{s: s, cap: capacity}
}

func TestSubscriptionPushPop(t *testing.T) {
	sub := testSubscription(8)
	sub.push([]Event{
		{Kind: EventDeviceAdded, Path: "/org/x/hci0/devA"},
		{Kind: EventPropertyChanged, Path: "/org/x/hci0/devA", Property: "RSSI"},
	})

	ev, err := sub.next(time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventDeviceAdded, ev.Kind)
	assert.Equal(t, "/org/x/hci0/devA", string(ev.Path))

	ev, err = sub.next(time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventPropertyChanged, ev.Kind)
	assert.Equal(t, "RSSI", ev.Property)
}

func TestSubscriptionNextTimeout(t *testing.T) {
	sub := testSubscription(8)

	start := time.Now()
	_, err := sub.next(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrStreamTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSubscriptionNextWakesOnPush(t *testing.T) {
	sub := testSubscription(8)

	go func() {
		time.Sleep(5 * time.Millisecond)
		sub.push([]Event{{Kind: EventValueChanged, Value: []byte{0x01}}})
	}()

	ev, err := sub.next(time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventValueChanged, ev.Kind)
	assert.Equal(t, []byte{0x01}, ev.Value)
}

func TestSubscriptionClosed(t *testing.T) {
	sub := testSubscription(8)
	sub.push([]Event{{Kind: EventDeviceAdded}})
	sub.markClosed()

	// Close discards queued events; the stream is terminal at once.
	_, err := sub.next(time.Second)
	assert.ErrorIs(t, err, ErrStreamClosed)

	// Pushes after close are dropped.
	sub.push([]Event{{Kind: EventDeviceAdded}})
	_, err = sub.next(time.Second)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestSubscriptionOverflowDropsOldest(t *testing.T) {
	sub := testSubscription(3)
	for i := 0; i < 5; i++ {
		sub.push([]Event{{
			Kind:     EventPropertyChanged,
			Property: fmt.Sprintf("P%d", i),
		}})
	}

	// One marker per drop episode, delivered before the survivors.
	ev, err := sub.next(time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventOverflow, ev.Kind)

	var got []string
	for i := 0; i < 3; i++ {
		ev, err := sub.next(time.Second)
		require.NoError(t, err)
		got = append(got, ev.Property)
	}
	assert.Equal(t, []string{"P2", "P3", "P4"}, got)

	_, err = sub.next(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrStreamTimeout)
}

func TestSubscriptionOverflowEpisodes(t *testing.T) {
	sub := testSubscription(2)

	// First episode.
	sub.push([]Event{{Property: "A"}, {Property: "B"}, {Property: "C"}})
	ev, err := sub.next(time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventOverflow, ev.Kind)
	for _, want := range []string{"B", "C"} {
		ev, err = sub.next(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, ev.Property)
	}

	// No spurious marker while the consumer keeps up.
	sub.push([]Event{{Property: "D"}})
	ev, err = sub.next(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "D", ev.Property)

	// Second episode gets its own marker.
	sub.push([]Event{{Property: "E"}, {Property: "F"}, {Property: "G"}})
	ev, err = sub.next(time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventOverflow, ev.Kind)
}

func TestEventStreamCloseDiscardsQueued(t *testing.T) {
	sub := testSubscription(8)
	es := newEventStream(sub, nil)
	es.seedEvents([]Event{
		{Kind: EventDeviceAdded, Path: "/org/x/hci0/devA"},
		{Kind: EventDeviceAdded, Path: "/org/x/hci0/devB"},
	})

	es.Close()

	_, err := es.Next(time.Second)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestEventStreamCloseDiscardsOverflowMarker(t *testing.T) {
	sub := testSubscription(1)
	sub.push([]Event{{Property: "A"}, {Property: "B"}})
	sub.markClosed()

	_, err := sub.next(time.Second)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestEventStreamCloseIdempotent(t *testing.T) {
	closes := 0
	sub := testSubscription(8)
	es := newEventStream(sub, func() { closes++ })

	es.Close()
	es.Close()
	assert.Equal(t, 1, closes)

	_, err := es.Next(time.Second)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "device-added", EventDeviceAdded.String())
	assert.Equal(t, "overflow", EventOverflow.String())
	assert.Equal(t, "invalid", EventKind(99).String())
}
