package events

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestBus_EmitReachesAllSubscribers(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var first, second []*Event
	bus.Subscribe(EventAdmitted, func(e *Event) {
		mu.Lock()
		defer mu.Unlock()
		first = append(first, e)
	})
	bus.Subscribe(EventAdmitted, func(e *Event) {
		mu.Lock()
		defer mu.Unlock()
		second = append(second, e)
	})
	bus.Subscribe(EventCompleted, func(e *Event) {
		t.Error("handler for a different type must not fire")
	})

	bus.Emit(EventAdmitted, "test", map[string]interface{}{"event_id": "e1"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, EventAdmitted, first[0].Type)
	assert.Equal(t, "test", first[0].Source)
	assert.Equal(t, "e1", first[0].Data["event_id"])
	assert.False(t, first[0].Timestamp.IsZero())
}

func TestBus_EmitDataFlattensThroughJSONTags(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var captured []*Event
	bus.Subscribe(EventCompleted, func(e *Event) {
		mu.Lock()
		defer mu.Unlock()
		captured = append(captured, e)
	})

	bus.EmitData("processor", &EventCompletedData{
		EventID:   "e1",
		AccountID: "DU100",
		Command:   "rebalance",
		Attempts:  3,
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, captured, 1)
	assert.Equal(t, "e1", captured[0].Data["event_id"])
	assert.Equal(t, "DU100", captured[0].Data["account_id"])
	// JSON roundtrip turns ints into float64
	assert.Equal(t, float64(3), captured[0].Data["attempts"])
}

func TestBus_BrokerConnectionDataTypeFollowsState(t *testing.T) {
	up := &BrokerConnectionData{Connected: true, Mode: "paper"}
	down := &BrokerConnectionData{Connected: false, Reason: "transport error"}

	assert.Equal(t, BrokerConnected, up.EventType())
	assert.Equal(t, BrokerDisconnected, down.EventType())
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var kept, dropped []*Event
	bus.Subscribe(EventAdmitted, func(e *Event) {
		mu.Lock()
		defer mu.Unlock()
		kept = append(kept, e)
	})
	cancel := bus.Subscribe(EventAdmitted, func(e *Event) {
		mu.Lock()
		defer mu.Unlock()
		dropped = append(dropped, e)
	})

	bus.Emit(EventAdmitted, "test", nil)
	cancel()
	bus.Emit(EventAdmitted, "test", nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, kept, 2, "surviving subscriber sees every emission")
	assert.Len(t, dropped, 1, "cancelled subscriber sees nothing after cancel")
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := newTestBus()

	cancel := bus.Subscribe(EventAdmitted, func(e *Event) {
		t.Error("cancelled handler must not fire")
	})
	cancel()
	cancel()

	bus.Emit(EventAdmitted, "test", nil)
}

func TestBus_ConcurrentEmitAndSubscribe(t *testing.T) {
	bus := newTestBus()

	var count sync.WaitGroup
	count.Add(10)
	for i := 0; i < 10; i++ {
		go func() {
			defer count.Done()
			bus.Subscribe(EventRequeued, func(e *Event) {})
			bus.Emit(EventRequeued, "test", nil)
		}()
	}
	count.Wait()
}
