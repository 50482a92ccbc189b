// Package ibgw provides the client for the local brokerage gateway. One
// Client instance owns the single physical session shared by every account;
// all operations serialize on an internal lock so one account's market-data
// calls can never interleave with another account's order placement.
//
// The gateway speaks JSON over HTTP on localhost:
//
//	POST   /v1/session                      open session {mode}
//	GET    /v1/session                      session status
//	GET    /v1/accounts/{id}/positions      portfolio positions
//	GET    /v1/accounts/{id}/summary        equity and cash
//	GET    /v1/contracts/{sym}/schedule     trading sessions
//	GET    /v1/marketdata/{sym}/snapshot    quote (feed=live|frozen|delayed)
//	GET    /v1/marketdata/{sym}/history     daily bars
//	POST   /v1/accounts/{id}/orders         place order
//	GET    /v1/accounts/{id}/orders         pending orders
//	DELETE /v1/accounts/{id}/orders         cancel all orders
//	GET    /v1/orders/{id}                  order status
//	DELETE /v1/orders/{id}                  cancel order
package ibgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/events"
)

// State is the connection state of the gateway session
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Client talks to the local brokerage gateway
type Client struct {
	baseURL    string
	httpClient *http.Client
	cfg        config.BrokerConfig
	bus        *events.Bus
	log        zerolog.Logger

	// opMu serializes every gateway operation, including connection
	// maintenance. Health checks take the same lock, so a reconnect can
	// never race an in-flight operation.
	opMu sync.Mutex

	// stateMu guards only the state fields so monitoring reads never wait
	// behind a slow gateway call.
	stateMu sync.RWMutex
	state   State
	mode    string // Mode the gateway reported at connect

	now func() time.Time
}

// NewClient creates a gateway client. No connection is attempted until the
// first operation or an explicit EnsureConnected.
func NewClient(cfg config.BrokerConfig, bus *events.Bus, log zerolog.Logger) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		cfg:   cfg,
		bus:   bus,
		log:   log.With().Str("client", "ibgw").Logger(),
		state: StateDisconnected,
		now:   time.Now,
	}
}

// State returns the current connection state
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// IsConnected reports whether the session is established
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// TradingMode returns the mode this client is configured for
func (c *Client) TradingMode() string {
	return c.cfg.TradingMode
}

func (c *Client) setState(next State, reason string) {
	c.stateMu.Lock()
	prev := c.state
	c.state = next
	c.stateMu.Unlock()

	if prev == next {
		return
	}

	c.log.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Str("reason", reason).
		Msg("Gateway connection state changed")

	if next == StateConnected {
		c.bus.EmitData("ibgw", &events.BrokerConnectionData{Connected: true, Mode: c.cfg.TradingMode})
	} else if prev == StateConnected {
		c.bus.EmitData("ibgw", &events.BrokerConnectionData{Connected: false, Reason: reason})
	}
}

// EnsureConnected establishes the session if needed, retrying with a fixed
// delay up to the configured budget. It holds the operation lock for the
// whole attempt sequence.
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.ensureConnectedLocked(ctx)
}

// ensureConnectedLocked runs the connection state machine. Fixed-delay
// retries, then fail fast: backing off here would stall the whole queue, and
// the outer event-retry loop handles anything longer-lived than a blip.
func (c *Client) ensureConnectedLocked(ctx context.Context) error {
	if c.State() == StateConnected {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectMaxRetries; attempt++ {
		c.setState(StateConnecting, fmt.Sprintf("attempt %d/%d", attempt, c.cfg.ConnectMaxRetries))

		lastErr = c.openSession(ctx)
		if lastErr == nil {
			c.setState(StateConnected, "session established")
			return nil
		}

		c.log.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_retries", c.cfg.ConnectMaxRetries).
			Msg("Gateway connection attempt failed")

		if attempt < c.cfg.ConnectMaxRetries {
			if err := sleepCtx(ctx, c.cfg.ConnectRetryDelay); err != nil {
				c.setState(StateDisconnected, "cancelled during retry wait")
				return &domain.ConnectionError{Err: err}
			}
		}
	}

	c.setState(StateDisconnected, "retry budget exhausted")
	return &domain.ConnectionError{Err: lastErr}
}

// openSession performs one connection attempt and verifies the gateway is
// running in the mode this process expects.
func (c *Client) openSession(ctx context.Context) error {
	var resp sessionResponse
	err := c.request(ctx, http.MethodPost, "/v1/session", sessionRequest{Mode: c.cfg.TradingMode}, &resp)
	if err != nil {
		return err
	}
	if !resp.Connected {
		return fmt.Errorf("gateway refused session")
	}
	if resp.Mode != c.cfg.TradingMode {
		return fmt.Errorf("gateway is running in %s mode, expected %s", resp.Mode, c.cfg.TradingMode)
	}

	c.stateMu.Lock()
	c.mode = resp.Mode
	c.stateMu.Unlock()
	return nil
}

// HealthCheck verifies the session is alive, reconnecting if necessary. It
// shares the operation lock with regular calls, so it never reconnects
// underneath an in-flight operation.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() == StateConnected {
		var resp sessionResponse
		if err := c.request(ctx, http.MethodGet, "/v1/session", nil, &resp); err == nil && resp.Connected {
			return nil
		}
		c.setState(StateDisconnected, "health check failed")
	}

	return c.ensureConnectedLocked(ctx)
}

// do runs one gateway operation under the operation lock: ensure the session
// exists, perform the request, and classify any failure. Transport failures
// drop the session so the next operation reconnects from scratch.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.ensureConnectedLocked(ctx); err != nil {
		return err
	}

	err := c.request(ctx, method, path, body, out)
	if err == nil {
		return nil
	}

	var apiErr *apiError
	if asAPIError(err, &apiErr) && apiErr.Status < 500 && apiErr.Status != http.StatusUnauthorized && apiErr.Status != http.StatusForbidden {
		// Semantic rejection, the session itself is fine
		return err
	}

	c.setState(StateDisconnected, fmt.Sprintf("%s %s failed", method, path))
	return &domain.ConnectionError{Err: err}
}

// request performs a raw HTTP exchange with the gateway. No locking, no
// state transitions; callers own both.
func (c *Client) request(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}

// sleepCtx waits for d unless the context ends first
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
