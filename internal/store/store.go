// Package store holds per-conversation state between work units. The
// middleware chain loads state before the handler runs and saves it after
// cost accrual, so handlers see prior context without talking to storage
// themselves.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNotFound is returned when a conversation has no stored state.
var ErrNotFound = errors.New("conversation state not found")

// State is the durable context for one conversation.
type State struct {
	ConversationID string         `json:"conversation_id"`
	Values         map[string]any `json:"values"`
	// AccruedCost is the total cost charged across the conversation.
	AccruedCost float64   `json:"accrued_cost"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy so callers cannot mutate stored state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	return &State{
		ConversationID: s.ConversationID,
		Values:         maps.Clone(s.Values),
		AccruedCost:    s.AccruedCost,
		UpdatedAt:      s.UpdatedAt,
	}
}

// Store persists conversation state keyed by conversation id.
type Store interface {
	// Load returns the state for a conversation, or ErrNotFound.
	Load(ctx context.Context, conversationID string) (*State, error)
	// Save upserts the state for a conversation.
	Save(ctx context.Context, state *State) error
	// Delete removes a conversation's state. Missing keys are not an error.
	Delete(ctx context.Context, conversationID string) error
	// Len reports how many conversations are held.
	Len() int
}

// Memory is an in-process Store bounded by an LRU over conversations.
// The oldest conversation is evicted when the bound is exceeded.
type Memory struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *State]
	now   func() time.Time
}

// NewMemory creates a memory store holding at most maxConversations.
func NewMemory(maxConversations int) (*Memory, error) {
	cache, err := lru.New[string, *State](maxConversations)
	if err != nil {
		return nil, fmt.Errorf("create state cache: %w", err)
	}
	return &Memory{cache: cache, now: time.Now}, nil
}

func (m *Memory) Load(ctx context.Context, conversationID string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.cache.Get(conversationID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	return state.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, state *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state == nil || state.ConversationID == "" {
		return errors.New("state requires a conversation id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	saved := state.Clone()
	saved.UpdatedAt = m.now()
	m.cache.Add(saved.ConversationID, saved)
	return nil
}

func (m *Memory) Delete(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Remove(conversationID)
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}
