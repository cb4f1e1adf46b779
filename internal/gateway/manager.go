// Package gateway resolves exchange connections to ready adapters and pools them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrGatewayUnhealthy   = errors.New("gateway is unhealthy")
	ErrPoolFull           = errors.New("gateway pool is full")
)

// ConnectionStore loads connections. *db.Database satisfies it.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (*db.ExchangeConnection, error)
}

// CredentialOpener decrypts a connection's credential blob. *crypto.KeyManager satisfies it.
type CredentialOpener interface {
	OpenCredentials(blob string) (common.Credentials, error)
}

// CachedGateway holds an adapter with metadata for lifecycle management.
type CachedGateway struct {
	Adapter      common.Adapter
	ConnectionID string
	UserID       string
	Exchange     string
	// Stamp is the connection's UpdatedAt when the adapter was built.
	Stamp     time.Time
	CreatedAt time.Time
	LastUsed  time.Time
	HealthyAt time.Time
	Failures  int
}

// Config holds configuration for the GatewayManager.
type Config struct {
	MaxSize          int           // Maximum number of cached gateways (LRU eviction)
	IdleTimeout      time.Duration // Time before idle gateway is removed
	HealthInterval   time.Duration // Interval between health checks
	FailureThreshold int           // Number of failures before marking unhealthy
	CircuitTimeout   time.Duration // Time to wait before retrying unhealthy gateway
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager pools adapters with LRU eviction, idle cleanup and a failure circuit breaker.
type Manager struct {
	mu       sync.RWMutex
	gateways map[string]*CachedGateway // connectionID -> cached adapter
	lruOrder []string                  // oldest first

	config  Config
	creds   CredentialOpener
	store   ConnectionStore
	factory AdapterFactory

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a new Manager.
func NewManager(store ConnectionStore, creds CredentialOpener, factory AdapterFactory, cfg Config) *Manager {
	return &Manager{
		gateways: make(map[string]*CachedGateway),
		lruOrder: make([]string, 0),
		config:   cfg,
		creds:    creds,
		store:    store,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background cleanup and health check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll()
			}
		}
	}()
}

// Stop gracefully shuts down the manager.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.gateways {
		closeAdapter(cached.Adapter)
		delete(m.gateways, id)
	}
	m.lruOrder = nil
}

// GetOrCreate loads the connection owned by userID and returns its adapter.
func (m *Manager) GetOrCreate(ctx context.Context, userID, connectionID string) (common.Adapter, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	if conn.UserID != userID {
		return nil, ErrConnectionNotFound
	}
	return m.ForConnection(ctx, *conn)
}

// ForConnection returns the cached adapter for conn, building it on first use or
// after the connection row changed.
func (m *Manager) ForConnection(ctx context.Context, conn db.ExchangeConnection) (common.Adapter, error) {
	m.mu.RLock()
	if cached, ok := m.gateways[conn.ID]; ok && cached.Stamp.Equal(conn.UpdatedAt) {
		if cached.UserID != conn.UserID {
			m.mu.RUnlock()
			return nil, ErrConnectionNotFound
		}
		if cached.Failures >= m.config.FailureThreshold && time.Since(cached.HealthyAt) < m.config.CircuitTimeout {
			m.mu.RUnlock()
			return nil, ErrGatewayUnhealthy
		}
		m.mu.RUnlock()

		m.touchLRU(conn.ID)
		return cached.Adapter, nil
	}
	m.mu.RUnlock()

	return m.createAdapter(ctx, conn)
}

func (m *Manager) createAdapter(ctx context.Context, conn db.ExchangeConnection) (common.Adapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[conn.ID]; ok {
		if cached.Stamp.Equal(conn.UpdatedAt) {
			if cached.UserID != conn.UserID {
				return nil, ErrConnectionNotFound
			}
			m.touchLRULocked(conn.ID)
			return cached.Adapter, nil
		}
		closeAdapter(cached.Adapter)
		delete(m.gateways, conn.ID)
		m.removeLRULocked(conn.ID)
	}

	if len(m.gateways) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	if m.creds == nil {
		return nil, fmt.Errorf("create adapter: no credential opener configured")
	}
	creds, err := m.creds.OpenCredentials(conn.CredentialsEncrypted)
	if err != nil {
		return nil, fmt.Errorf("open credentials for %s: %w", conn.ID, err)
	}

	adapter, err := m.factory(conn, creds)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}

	now := time.Now()
	m.gateways[conn.ID] = &CachedGateway{
		Adapter:      adapter,
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Exchange:     conn.Exchange,
		Stamp:        conn.UpdatedAt,
		CreatedAt:    now,
		LastUsed:     now,
		HealthyAt:    now,
	}
	m.lruOrder = append(m.lruOrder, conn.ID)

	return adapter, nil
}

// Remove drops a connection's adapter, e.g. after its credentials change.
func (m *Manager) Remove(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[connectionID]; ok {
		closeAdapter(cached.Adapter)
		delete(m.gateways, connectionID)
		m.removeLRULocked(connectionID)
	}
}

// RemoveByUser removes all gateways for a user.
func (m *Manager) RemoveByUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cached := range m.gateways {
		if cached.UserID == userID {
			closeAdapter(cached.Adapter)
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

// RecordFailure records a failure for a connection's adapter.
func (m *Manager) RecordFailure(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[connectionID]; ok {
		cached.Failures++
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[connectionID]; ok {
		cached.Failures = 0
		cached.HealthyAt = time.Now()
	}
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalGateways:  len(m.gateways),
		MaxSize:        m.config.MaxSize,
		ByExchange:     make(map[string]int),
		UnhealthyCount: 0,
	}

	for _, cached := range m.gateways {
		stats.ByExchange[cached.Exchange]++
		if cached.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}

	return stats
}

// PoolStats contains gateway pool statistics.
type PoolStats struct {
	TotalGateways  int            `json:"total"`
	MaxSize        int            `json:"max_size"`
	ByExchange     map[string]int `json:"by_exchange"`
	UnhealthyCount int            `json:"unhealthy"`
}

// --- Internal helpers ---

func (m *Manager) touchLRU(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(connectionID)
}

func (m *Manager) touchLRULocked(connectionID string) {
	if cached, ok := m.gateways[connectionID]; ok {
		cached.LastUsed = time.Now()
	}

	for i, id := range m.lruOrder {
		if id == connectionID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, connectionID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(connectionID string) {
	for i, id := range m.lruOrder {
		if id == connectionID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}

	oldestID := m.lruOrder[0]
	if cached, ok := m.gateways[oldestID]; ok {
		closeAdapter(cached.Adapter)
		delete(m.gateways, oldestID)
	}
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var toRemove []string

	for id, cached := range m.gateways {
		if now.Sub(cached.LastUsed) > m.config.IdleTimeout {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range toRemove {
		if cached, ok := m.gateways[id]; ok {
			closeAdapter(cached.Adapter)
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

func (m *Manager) healthCheckAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.gateways))
	for id := range m.gateways {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.healthCheck(id)
	}
}

func (m *Manager) healthCheck(connectionID string) {
	m.mu.RLock()
	cached, ok := m.gateways[connectionID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	adapter := cached.Adapter
	m.mu.RUnlock()

	if pinger, ok := adapter.(common.Pinger); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := pinger.Ping(ctx)
		cancel()

		if err != nil {
			m.RecordFailure(connectionID)
		} else {
			m.RecordSuccess(connectionID)
		}
	}
}

func closeAdapter(a common.Adapter) {
	if closer, ok := a.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
