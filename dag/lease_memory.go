package dag

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type inMemoryLeaseRecord struct {
	token     string
	expiresAt time.Time
}

// InMemoryWriteLeaseManager provides in-process lease coordination.
type InMemoryWriteLeaseManager struct {
	mu       sync.Mutex
	leases   map[string]inMemoryLeaseRecord
	tokenSeq atomic.Uint64
	now      func() time.Time
}

// NewInMemoryWriteLeaseManager creates a new in-memory lease manager.
func NewInMemoryWriteLeaseManager() *InMemoryWriteLeaseManager {
	return &InMemoryWriteLeaseManager{
		leases: make(map[string]inMemoryLeaseRecord),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Acquire obtains the write lease for source.
func (m *InMemoryWriteLeaseManager) Acquire(ctx context.Context, source string, ttl time.Duration) (*WriteLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if source == "" {
		return nil, ErrSourceRequired
	}
	if ttl <= 0 {
		ttl = defaultWriteLeaseTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if rec, ok := m.leases[source]; ok && now.Before(rec.expiresAt) {
		return nil, ErrWriteLeaseConflict
	}

	token := fmt.Sprintf("%s-%d-%d", source, now.UnixNano(), m.tokenSeq.Add(1))
	expiresAt := now.Add(ttl)
	m.leases[source] = inMemoryLeaseRecord{token: token, expiresAt: expiresAt}

	return &WriteLease{Source: source, Token: token, ExpiresAt: expiresAt}, nil
}

// Renew extends a lease that is still owned by its token.
func (m *InMemoryWriteLeaseManager) Renew(ctx context.Context, lease *WriteLease, ttl time.Duration) (*WriteLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lease == nil || lease.Source == "" || lease.Token == "" {
		return nil, fmt.Errorf("valid lease is required")
	}
	if ttl <= 0 {
		ttl = defaultWriteLeaseTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec, ok := m.leases[lease.Source]
	if !ok || rec.token != lease.Token || !now.Before(rec.expiresAt) {
		return nil, ErrWriteLeaseConflict
	}

	expiresAt := now.Add(ttl)
	m.leases[lease.Source] = inMemoryLeaseRecord{token: lease.Token, expiresAt: expiresAt}
	return &WriteLease{Source: lease.Source, Token: lease.Token, ExpiresAt: expiresAt}, nil
}

// Release drops the lease if the token still owns it.
func (m *InMemoryWriteLeaseManager) Release(_ context.Context, lease *WriteLease) error {
	if lease == nil || lease.Source == "" || lease.Token == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.leases[lease.Source]; ok && rec.token == lease.Token {
		delete(m.leases, lease.Source)
	}
	return nil
}
