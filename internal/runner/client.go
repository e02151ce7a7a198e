// Package runner is the HTTP client for the sandboxed code executor that
// backs the agent-facing execute tool.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/relayworks/browser-relay/internal/metrics"
)

// Executor runs agent-submitted code against a room's browser.
type Executor interface {
	Execute(ctx context.Context, roomID, code string, timeoutMs int64) (string, error)
}

// ErrNotConfigured is returned when no runner address was configured.
var ErrNotConfigured = errors.New("code runner not configured")

// Client talks to the runner over HTTP, wrapped in a circuit breaker so a
// dead runner fails fast instead of tying up tool calls.
type Client struct {
	base string
	http *http.Client
	cb   *gobreaker.CircuitBreaker
}

// NewClient creates a runner client for the given base URL. An empty base
// yields a client whose calls return ErrNotConfigured.
func NewClient(base string) *Client {
	st := gobreaker.Settings{
		Name:        "runner",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("runner").Set(stateVal)
		},
	}

	return &Client{
		base: base,
		http: &http.Client{Timeout: 5 * time.Minute},
		cb:   gobreaker.NewCircuitBreaker(st),
	}
}

type executeRequest struct {
	RoomID  string `json:"roomId"`
	Code    string `json:"code"`
	Timeout int64  `json:"timeout,omitempty"` // milliseconds
}

type executeResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Execute submits code to the runner and returns its output. The runner
// connects back to the room as an agent, so the code sees the same browser
// the submitting agent does.
func (c *Client) Execute(ctx context.Context, roomID, code string, timeoutMs int64) (string, error) {
	if c == nil || c.base == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(executeRequest{RoomID: roomID, Code: code, Timeout: timeoutMs})
	if err != nil {
		return "", err
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/execute", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("runner returned %d: %s", resp.StatusCode, data)
		}

		var out executeResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("malformed runner response: %w", err)
		}
		return &out, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("runner").Inc()
			return "", errors.New("code runner unavailable")
		}
		return "", err
	}

	out := res.(*executeResponse)
	if out.Error != "" {
		return "", errors.New(out.Error)
	}
	return out.Output, nil
}
