// Package triggers maintains the realtime feed of rebalance triggers. The
// listener holds a websocket subscription to the trigger source, turns every
// inbound message into an intake admission and reconnects with backoff when
// the feed drops. Triggers for a (account, command) pair already in flight
// are dropped by the intake, so a flapping feed cannot double-queue work.
package triggers

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/rebalancer/internal/events"
	"github.com/aristath/rebalancer/internal/queue"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// Admitter is the slice of the intake the listener needs
type Admitter interface {
	Admit(accountID string, command queue.Command, payload map[string]interface{}) (*queue.AdmitResult, error)
}

// subscribeMessage announces which allocation channels this process wants
type subscribeMessage struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// triggerMessage is one inbound trigger from the feed
type triggerMessage struct {
	Channel   string                 `json:"channel"`
	AccountID string                 `json:"account_id"`
	Command   string                 `json:"command"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Listener handles the realtime trigger websocket
type Listener struct {
	// Connection
	url        string
	token      string       // Optional auth token, sent as a query parameter
	channels   []string     // Allocation channels to subscribe to
	httpClient *http.Client // Reusable HTTP client configured for HTTP/1.1
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	// Dependencies
	intake Admitter
	bus    *events.Bus
	log    zerolog.Logger

	// State
	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// Required because Cloudflare negotiates HTTP/2 via TLS ALPN,
// but WebSocket requires HTTP/1.1 for the upgrade handshake.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewListener creates a trigger feed listener subscribed to the given
// allocation channels.
func NewListener(url, token string, channels []string, intake Admitter, bus *events.Bus, log zerolog.Logger) *Listener {
	return &Listener{
		url:        url,
		token:      token,
		channels:   channels,
		httpClient: createHTTP1Client(),
		intake:     intake,
		bus:        bus,
		log:        log.With().Str("component", "trigger_listener").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// Start initializes the websocket connection and starts the read loop
func (l *Listener) Start() error {
	l.log.Info().Strs("channels", l.channels).Msg("Starting trigger listener")

	if err := l.Connect(); err != nil {
		l.log.Warn().Err(err).Msg("Initial trigger feed connection failed, will retry in background")
		go l.reconnectLoop()
		return err
	}

	l.mu.RLock()
	ctx := l.connCtx
	l.mu.RUnlock()
	go l.readMessages(ctx)

	l.log.Info().Msg("Trigger listener started")
	return nil
}

// Stop gracefully shuts down the websocket connection
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	l.mu.Unlock()

	l.log.Info().Msg("Stopping trigger listener")
	close(l.stopChan)
	return l.Disconnect()
}

// Connect establishes the websocket connection and subscribes to the
// configured allocation channels
func (l *Listener) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	wsURL := l.url
	if l.token != "" {
		wsURL += "?token=" + l.token
	}

	l.log.Info().Str("url", l.url).Msg("Connecting to trigger feed")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: l.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial trigger feed: %w", err)
	}

	// Long-lived context for the connection, cancelled on disconnect
	connCtx, connCancel := context.WithCancel(context.Background())
	l.conn = conn
	l.connCtx = connCtx
	l.cancelFunc = connCancel
	l.connected = true

	if err := l.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		l.conn = nil
		l.connCtx = nil
		l.cancelFunc = nil
		l.connected = false
		return fmt.Errorf("failed to subscribe to trigger channels: %w", err)
	}

	l.log.Info().Msg("Connected to trigger feed")
	return nil
}

// Disconnect closes the websocket connection
func (l *Listener) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}

	l.log.Info().Msg("Disconnecting from trigger feed")

	// Cancel the connection context to unblock any pending Read
	if l.cancelFunc != nil {
		l.cancelFunc()
		l.cancelFunc = nil
	}

	err := l.conn.Close(websocket.StatusNormalClosure, "")
	l.conn = nil
	l.connCtx = nil
	l.connected = false

	if err != nil {
		return fmt.Errorf("error closing trigger feed connection: %w", err)
	}
	return nil
}

// subscribe announces the allocation channels this process wants triggers for
func (l *Listener) subscribe(ctx context.Context) error {
	msg := subscribeMessage{Action: "subscribe", Channels: l.channels}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := l.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscription message: %w", err)
	}

	l.log.Info().Strs("channels", l.channels).Msg("Subscribed to trigger channels")
	return nil
}

// readMessages continuously reads triggers from the feed
func (l *Listener) readMessages(ctx context.Context) {
	defer func() {
		l.log.Info().Msg("Trigger read loop stopped")
		l.mu.RLock()
		stopped := l.stopped
		l.mu.RUnlock()
		if !stopped {
			go l.reconnectLoop()
		}
	}()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ctx.Done():
			l.log.Debug().Msg("Read loop context cancelled")
			return
		default:
		}

		l.mu.RLock()
		conn := l.conn
		l.mu.RUnlock()

		if conn == nil {
			l.log.Warn().Msg("Connection is nil, stopping read loop")
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				l.log.Info().Int("status", int(closeStatus)).Msg("Trigger feed closed normally")
			} else if ctx.Err() != nil {
				l.log.Debug().Msg("Read cancelled by context")
			} else {
				l.log.Error().Err(err).Msg("Unexpected trigger feed read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			l.log.Debug().Int("type", int(msgType)).Msg("Ignoring non-text message")
			continue
		}

		// A malformed or rejected trigger must not kill the feed
		if err := l.handleMessage(message); err != nil {
			l.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle trigger message")
		}
	}
}

// handleMessage parses one trigger and admits it into the queue
func (l *Listener) handleMessage(message []byte) error {
	var trigger triggerMessage
	if err := json.Unmarshal(message, &trigger); err != nil {
		return fmt.Errorf("failed to parse trigger message: %w", err)
	}

	if trigger.AccountID == "" || trigger.Command == "" {
		return fmt.Errorf("trigger missing account_id or command")
	}

	command := queue.Command(trigger.Command)
	result, err := l.intake.Admit(trigger.AccountID, command, trigger.Payload)
	if err != nil {
		return fmt.Errorf("failed to admit trigger: %w", err)
	}

	if result.Deduplicated {
		l.log.Debug().
			Str("account_id", trigger.AccountID).
			Str("command", trigger.Command).
			Msg("Trigger dropped, command already in flight")
		return nil
	}

	l.log.Info().
		Str("account_id", trigger.AccountID).
		Str("command", trigger.Command).
		Str("event_id", result.EventID).
		Msg("Trigger admitted")

	l.bus.EmitData("trigger_listener", &events.TriggerReceivedData{
		AccountID: trigger.AccountID,
		Command:   trigger.Command,
		Channel:   trigger.Channel,
	})
	return nil
}

// reconnectLoop handles automatic reconnection with exponential backoff
func (l *Listener) reconnectLoop() {
	l.mu.Lock()
	if l.reconnecting || l.stopped {
		l.mu.Unlock()
		return
	}
	l.reconnecting = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.reconnecting = false
		l.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-l.stopChan:
			l.log.Info().Msg("Reconnection loop stopped")
			return
		default:
		}

		l.mu.RLock()
		stopped := l.stopped
		l.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := calculateBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			l.log.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Attempting to reconnect to trigger feed")
		} else {
			l.log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Reconnection attempt (exceeded max attempts, will keep retrying)")
		}

		select {
		case <-time.After(delay):
		case <-l.stopChan:
			return
		}

		if err := l.Connect(); err != nil {
			l.log.Error().Err(err).Int("attempt", attempt).Msg("Reconnection failed")
			continue
		}

		l.log.Info().Int("attempt", attempt).Msg("Reconnected to trigger feed")

		l.mu.RLock()
		ctx := l.connCtx
		l.mu.RUnlock()
		go l.readMessages(ctx)
		return
	}
}

// calculateBackoff returns the exponential backoff delay for an attempt,
// capped at maxReconnectDelay
func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// IsConnected returns current connection status
func (l *Listener) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}
