package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"restaurant-agent/internal/domain"
)

var (
	// ErrOutOfOrder is returned when a turn would precede the session's last turn.
	ErrOutOfOrder = errors.New("repository: turn timestamp precedes last turn")
	// ErrConflict is returned when another writer appended to the session
	// between the read and the write of an append.
	ErrConflict = errors.New("repository: session modified concurrently")
)

// Memory is a process-local session store, used for local runs and tests.
type Memory struct {
	mu       sync.RWMutex
	sessions map[domain.SessionKey][]domain.Turn
	orders   map[string][]domain.PlacedOrder
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[domain.SessionKey][]domain.Turn),
		orders:   make(map[string][]domain.PlacedOrder),
	}
}

// Append adds turns to the session atomically: either all land or none.
func (m *Memory) Append(_ context.Context, key domain.SessionKey, turns ...domain.Turn) error {
	if err := validateAppend(key, turns); err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.sessions[key]
	var last time.Time
	if n := len(existing); n > 0 {
		last = existing[n-1].Timestamp
	}
	if err := checkOrder(last, turns); err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}
	m.sessions[key] = append(existing, turns...)
	return nil
}

// Recent returns at most limit of the newest turns, oldest-first.
func (m *Memory) Recent(_ context.Context, key domain.SessionKey, limit int) ([]domain.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	turns := m.sessions[key]
	if limit <= 0 || len(turns) == 0 {
		return []domain.Turn{}, nil
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]domain.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (m *Memory) Exists(_ context.Context, key domain.SessionKey) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[key]
	return ok, nil
}

// Clear removes every session of the restaurant and returns the number of
// turns deleted.
func (m *Memory) Clear(_ context.Context, restaurantKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, turns := range m.sessions {
		if key.RestaurantKey == restaurantKey {
			n += len(turns)
			delete(m.sessions, key)
		}
	}
	return n, nil
}

func (m *Memory) RecordOrder(_ context.Context, order domain.PlacedOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.RestaurantKey] = append(m.orders[order.RestaurantKey], order)
	return nil
}

// Orders returns the orders recorded for a restaurant in placement order.
func (m *Memory) Orders(restaurantKey string) []domain.PlacedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PlacedOrder, len(m.orders[restaurantKey]))
	copy(out, m.orders[restaurantKey])
	return out
}

func validateAppend(key domain.SessionKey, turns []domain.Turn) error {
	if key.RestaurantKey == "" || key.SessionID == "" {
		return errors.New("restaurant key and session id are required")
	}
	if len(turns) == 0 {
		return errors.New("no turns to append")
	}
	for _, t := range turns {
		switch t.Role {
		case domain.TurnUser:
			if t.Text == "" {
				return errors.New("user turn text must not be empty")
			}
		case domain.TurnAssistant:
		default:
			return fmt.Errorf("unknown turn role %q", t.Role)
		}
		if t.Timestamp.IsZero() {
			return errors.New("turn timestamp is required")
		}
	}
	return nil
}

// checkOrder rejects a batch whose timestamps decrease, either against last
// or within the batch. A zero last means the session has no turns yet.
func checkOrder(last time.Time, turns []domain.Turn) error {
	for i, t := range turns {
		prev := last
		if i > 0 {
			prev = turns[i-1].Timestamp
		}
		if !prev.IsZero() && t.Timestamp.Before(prev) {
			return ErrOutOfOrder
		}
	}
	return nil
}
