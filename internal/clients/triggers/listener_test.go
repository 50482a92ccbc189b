package triggers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/aristath/rebalancer/internal/events"
	"github.com/aristath/rebalancer/internal/queue"
)

type admitCall struct {
	accountID string
	command   queue.Command
	payload   map[string]interface{}
}

// fakeAdmitter records admissions and can simulate dedup drops
type fakeAdmitter struct {
	mu           sync.Mutex
	calls        []admitCall
	deduplicated bool
	err          error
}

func (f *fakeAdmitter) Admit(accountID string, command queue.Command, payload map[string]interface{}) (*queue.AdmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, admitCall{accountID: accountID, command: command, payload: payload})
	if f.deduplicated {
		return &queue.AdmitResult{Accepted: false, Deduplicated: true}, nil
	}
	return &queue.AdmitResult{Accepted: true, EventID: "evt-1"}, nil
}

func (f *fakeAdmitter) admitted() []admitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]admitCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestListener(url string, intake Admitter, bus *events.Bus) *Listener {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	return NewListener(url, "", []string{"growth"}, intake, bus, log)
}

func TestListener_HandleMessageAdmitsTrigger(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := events.NewBus(log)

	var mu sync.Mutex
	var received []*events.Event
	bus.Subscribe(events.TriggerReceived, func(e *events.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e)
	})

	intake := &fakeAdmitter{}
	l := newTestListener("ws://unused", intake, bus)

	err := l.handleMessage([]byte(`{"channel":"growth","account_id":"DU123","command":"rebalance","payload":{"reason":"drift"}}`))
	require.NoError(t, err)

	calls := intake.admitted()
	require.Len(t, calls, 1)
	assert.Equal(t, "DU123", calls[0].accountID)
	assert.Equal(t, queue.CommandRebalance, calls[0].command)
	assert.Equal(t, "drift", calls[0].payload["reason"])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "growth", received[0].Data["channel"])
	assert.Equal(t, "DU123", received[0].Data["account_id"])
}

func TestListener_HandleMessageRejectsMalformed(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	intake := &fakeAdmitter{}
	l := newTestListener("ws://unused", intake, events.NewBus(log))

	tests := []struct {
		name    string
		message string
	}{
		{"not json", `{{{`},
		{"missing account", `{"command":"rebalance"}`},
		{"missing command", `{"account_id":"DU123"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.handleMessage([]byte(tt.message))
			assert.Error(t, err)
		})
	}

	assert.Empty(t, intake.admitted(), "malformed triggers must not reach the intake")
}

func TestListener_DeduplicatedTriggerEmitsNothing(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := events.NewBus(log)

	var mu sync.Mutex
	emitted := 0
	bus.Subscribe(events.TriggerReceived, func(e *events.Event) {
		mu.Lock()
		defer mu.Unlock()
		emitted++
	})

	intake := &fakeAdmitter{deduplicated: true}
	l := newTestListener("ws://unused", intake, bus)

	err := l.handleMessage([]byte(`{"account_id":"DU123","command":"rebalance"}`))
	require.NoError(t, err)

	require.Len(t, intake.admitted(), 1)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, emitted, "dropped triggers are not announced")
}

func TestListener_EndToEndOverWebsocket(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	intake := &fakeAdmitter{}

	subscribed := make(chan subscribeMessage, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		// First frame from the client is the channel subscription
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var sub subscribeMessage
		if err := json.Unmarshal(data, &sub); err == nil {
			subscribed <- sub
		}

		// Push one malformed and one valid trigger
		_ = conn.Write(ctx, websocket.MessageText, []byte(`not json at all`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"channel":"growth","account_id":"DU123","command":"rebalance"}`))

		// Hold the connection open until the client goes away
		_, _, _ = conn.Read(ctx)
	}))
	defer server.Close()

	l := newTestListener(server.URL, intake, events.NewBus(log))
	require.NoError(t, l.Start())
	defer l.Stop()

	select {
	case sub := <-subscribed:
		assert.Equal(t, "subscribe", sub.Action)
		assert.Equal(t, []string{"growth"}, sub.Channels)
	case <-time.After(2 * time.Second):
		t.Fatal("listener never subscribed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(intake.admitted()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	calls := intake.admitted()
	require.Len(t, calls, 1, "valid trigger should survive a malformed one")
	assert.Equal(t, "DU123", calls[0].accountID)
	assert.True(t, l.IsConnected())
}

func TestListener_StopIsIdempotent(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	l := newTestListener("ws://unused", &fakeAdmitter{}, events.NewBus(log))

	require.NoError(t, l.Stop())
	require.NoError(t, l.Stop())
	assert.False(t, l.IsConnected())
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{10, 5 * time.Minute},
		{20, 5 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}
