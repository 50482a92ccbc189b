// Package allocations provides a client for the external allocation
// provider, the service that publishes target portfolio weights per channel.
// The engine never computes weights itself; it only validates and applies
// what this provider says.
package allocations

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/aristath/rebalancer/internal/domain"
)

// sumTolerance is how far from 1.0 the fractions may drift before the
// response is rejected. Providers round to four decimals, so a strict
// equality check would reject almost everything.
const sumTolerance = 0.01

// Client is the allocation provider API client
type Client struct {
	baseURL    string
	apiKey     string // Optional
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new allocation provider client. A zero timeout falls
// back to 30 seconds.
func NewClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log.With().Str("component", "allocations").Logger(),
	}
}

// providerResponse is the provider's envelope format
type providerResponse struct {
	Status string `json:"status"`
	Data   struct {
		Name        string           `json:"name"`
		AsOf        string           `json:"as_of"`
		Allocations []wireAllocation `json:"allocations"`
	} `json:"data"`
	Message string `json:"message,omitempty"`
}

type wireAllocation struct {
	Symbol     string  `json:"symbol"`
	Allocation float64 `json:"allocation"`
}

// GetAllocations fetches and validates the target allocations for a channel.
// Any structural problem, including fractions that do not sum to 1, comes
// back as an AllocationInvalidError so the caller fails the event instead of
// trading on a broken model.
func (c *Client) GetAllocations(ctx context.Context, channel string) (*domain.AllocationSet, error) {
	if channel == "" {
		return nil, &domain.AllocationInvalidError{Channel: channel, Reason: "empty channel"}
	}

	endpoint := fmt.Sprintf("%s/channels/%s/allocations", c.baseURL, url.PathEscape(channel))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	c.log.Debug().Str("channel", channel).Msg("Fetching target allocations")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("allocation provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("allocation provider error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var envelope providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode allocation response: %w", err)
	}

	set, err := validate(channel, envelope)
	if err != nil {
		c.log.Error().Err(err).Str("channel", channel).Msg("Allocation response rejected")
		return nil, err
	}

	c.log.Debug().
		Str("channel", channel).
		Str("name", set.Name).
		Int("symbols", len(set.Allocations)).
		Msg("Target allocations fetched")
	return set, nil
}

func validate(channel string, envelope providerResponse) (*domain.AllocationSet, error) {
	if envelope.Status != "success" {
		reason := fmt.Sprintf("provider status %q", envelope.Status)
		if envelope.Message != "" {
			reason = fmt.Sprintf("%s: %s", reason, envelope.Message)
		}
		return nil, &domain.AllocationInvalidError{Channel: channel, Reason: reason}
	}
	if len(envelope.Data.Allocations) == 0 {
		return nil, &domain.AllocationInvalidError{Channel: channel, Reason: "no allocations in response"}
	}

	fractions := make([]float64, 0, len(envelope.Data.Allocations))
	allocations := make([]domain.Allocation, 0, len(envelope.Data.Allocations))
	seen := make(map[string]bool, len(envelope.Data.Allocations))

	for _, a := range envelope.Data.Allocations {
		if a.Symbol == "" {
			return nil, &domain.AllocationInvalidError{Channel: channel, Reason: "allocation with empty symbol"}
		}
		if seen[a.Symbol] {
			return nil, &domain.AllocationInvalidError{Channel: channel, Reason: fmt.Sprintf("duplicate symbol %s", a.Symbol)}
		}
		if a.Allocation < 0 || a.Allocation > 1 {
			return nil, &domain.AllocationInvalidError{
				Channel: channel,
				Reason:  fmt.Sprintf("fraction %.4f for %s outside [0,1]", a.Allocation, a.Symbol),
			}
		}
		seen[a.Symbol] = true
		fractions = append(fractions, a.Allocation)
		allocations = append(allocations, domain.Allocation{Symbol: a.Symbol, TargetFraction: a.Allocation})
	}

	if sum := floats.Sum(fractions); math.Abs(sum-1.0) > sumTolerance {
		return nil, &domain.AllocationInvalidError{
			Channel: channel,
			Reason:  fmt.Sprintf("fractions sum to %.4f, expected 1.0 within %.2f", sum, sumTolerance),
		}
	}

	return &domain.AllocationSet{
		Name:        envelope.Data.Name,
		AsOf:        envelope.Data.AsOf,
		Allocations: allocations,
	}, nil
}
