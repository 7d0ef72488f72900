package authkit

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Audit actions.
const (
	AuditCodeExchangeSuccess = "code_exchange.success"
	AuditCodeExchangeFailure = "code_exchange.failure"
	AuditSignOut             = "signout"
	AuditMagicLinkSent       = "magic_link.sent"
	AuditMagicLinkFailure    = "magic_link.failure"
	AuditGuardFallback       = "guard.fallback"
)

// AuthEvent records one authentication decision.
type AuthEvent struct {
	ID         string
	Action     string
	UserID     string
	Email      string
	Path       string
	Reason     string
	RequestID  string
	OccurredAt time.Time
}

// AuditStore is an append-only sink for auth events.
type AuditStore interface {
	Append(ctx context.Context, event AuthEvent) error
	Recent(ctx context.Context, limit int) ([]AuthEvent, error)
}

func stampEvent(event AuthEvent) AuthEvent {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	return event
}

// MemoryAuditStore keeps the most recent events in memory.
type MemoryAuditStore struct {
	mutex    sync.RWMutex
	events   []AuthEvent
	capacity int
}

const defaultAuditCapacity = 1024

// NewMemoryAuditStore constructs a bounded in-memory store. A non-positive
// capacity selects the default.
func NewMemoryAuditStore(capacity int) *MemoryAuditStore {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	return &MemoryAuditStore{capacity: capacity}
}

// Append records event, evicting the oldest entry when full.
func (store *MemoryAuditStore) Append(_ context.Context, event AuthEvent) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.events = append(store.events, stampEvent(event))
	if overflow := len(store.events) - store.capacity; overflow > 0 {
		store.events = append([]AuthEvent(nil), store.events[overflow:]...)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (store *MemoryAuditStore) Recent(_ context.Context, limit int) ([]AuthEvent, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	if limit <= 0 || limit > len(store.events) {
		limit = len(store.events)
	}
	result := make([]AuthEvent, 0, limit)
	for index := len(store.events) - 1; index >= 0 && len(result) < limit; index-- {
		result = append(result, store.events[index])
	}
	return result, nil
}
