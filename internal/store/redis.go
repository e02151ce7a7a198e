// Package store persists room-state snapshots in Redis.
//
// The relay's transport may hibernate the process between messages, so the
// durable parts of a room (target registry, read-time ledger, RPC counters)
// are journaled here and restored on the first admission after a wake.
// Pending RPCs are volatile and never persisted.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/relayworks/browser-relay/internal/metrics"
)

// snapshotTTL bounds how long an orphaned snapshot survives after the last
// peer disconnects without an explicit teardown.
const snapshotTTL = 24 * time.Hour

// SnapshotStore handles all interaction with the Redis cluster.
type SnapshotStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *SnapshotStore) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewSnapshotStore creates a Redis-backed snapshot store.
func NewSnapshotStore(addr, password string) (*SnapshotStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return FromClient(rdb), nil
}

// FromClient wraps an existing Redis client. Used by tests with miniredis.
func FromClient(rdb *redis.Client) *SnapshotStore {
	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
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
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	return &SnapshotStore{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}
}

func snapshotKey(roomID string) string {
	return fmt.Sprintf("relay:room:%s:state", roomID)
}

// Save journals a room snapshot. Failures degrade gracefully: a lost
// snapshot only costs wake-time reconstruction, never correctness while the
// process stays up.
func (s *SnapshotStore) Save(ctx context.Context, roomID string, data []byte) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, snapshotKey(roomID), data, snapshotTTL).Err()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil // Graceful degradation: drop snapshot, don't crash caller
		}
		return fmt.Errorf("failed to save room snapshot: %w", err)
	}
	return nil
}

// Load retrieves a room snapshot. A missing snapshot returns (nil, nil).
func (s *SnapshotStore) Load(ctx context.Context, roomID string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		data, err := s.client.Get(ctx, snapshotKey(roomID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return []byte(nil), nil
		}
		return data, err
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil, nil // Treat as no snapshot; room starts fresh
		}
		return nil, fmt.Errorf("failed to load room snapshot: %w", err)
	}
	return res.([]byte), nil
}

// Delete removes a room snapshot on teardown.
func (s *SnapshotStore) Delete(ctx context.Context, roomID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, snapshotKey(roomID)).Err()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("failed to delete room snapshot: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity. Used by health checks.
func (s *SnapshotStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil && errors.Is(err, gobreaker.ErrOpenState) {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

// Close gracefully shuts down the Redis connection.
func (s *SnapshotStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
