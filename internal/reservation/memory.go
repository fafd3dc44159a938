package reservation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex guarded Store used by tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Reservation
	now     func() time.Time
	writes  int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Reservation), now: time.Now}
}

// Create inserts a reservation, generating an id when none is supplied.
func (m *MemoryStore) Create(_ context.Context, r Reservation) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	now := m.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.records[r.ID] = r
	return r, nil
}

// FindByID implements Store.
func (m *MemoryStore) FindByID(_ context.Context, id string) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[strings.TrimSpace(id)]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return r, nil
}

// FindByPaymentID implements Store.
func (m *MemoryStore) FindByPaymentID(_ context.Context, paymentID string) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return Reservation{}, ErrNotFound
	}
	for _, r := range m.records {
		if r.PaymentID == paymentID {
			return r, nil
		}
	}
	return Reservation{}, ErrNotFound
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, r Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; !ok {
		return ErrNotFound
	}
	r.UpdatedAt = m.now().UTC()
	m.records[r.ID] = r
	m.writes++
	return nil
}

// AttachPayment implements Store.
func (m *MemoryStore) AttachPayment(_ context.Context, id, prevPaymentID, paymentID string) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	if r.Status != StatusPending || r.PaymentID != strings.TrimSpace(prevPaymentID) {
		return r, ErrPaymentConflict
	}
	r.PaymentID = paymentID
	r.UpdatedAt = m.now().UTC()
	m.records[id] = r
	m.writes++
	return r, nil
}

// Transition implements Store.
func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status) (Reservation, bool, error) {
	if !CanTransition(from, to) {
		return Reservation{}, false, ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Reservation{}, false, ErrNotFound
	}
	if r.Status != from {
		return r, false, nil
	}
	r.Status = to
	r.UpdatedAt = m.now().UTC()
	m.records[id] = r
	m.writes++
	return r, true, nil
}

// Writes returns the number of mutating calls that changed a stored record.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
