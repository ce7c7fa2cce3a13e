// Package locks implements advisory per-shape locks held in the ephemeral store. A lock
// is released explicitly or removed by the store when its holder disconnects.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/ephemeral"
	"go.uber.org/zap"
)

var (
	errMissingStore  = errors.New("locks: store is required")
	errMissingUserID = errors.New("locks: user id is required")
)

// Lock records who holds a shape. Timestamp is unix milliseconds.
type Lock struct {
	UserID    string `json:"userId" cbor:"userId"`
	Timestamp int64  `json:"timestamp" cbor:"timestamp"`
	ShapeID   string `json:"shapeId" cbor:"shapeId"`
}

// Config describes the dependencies of a Manager.
type Config struct {
	Store    ephemeral.Store
	CanvasID string
	UserID   string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Manager tracks the lock table of one canvas on behalf of one user.
type Manager struct {
	store  ephemeral.Store
	layout ephemeral.Layout
	userID string
	clock  func() time.Time
	logger *zap.Logger

	mu        sync.RWMutex
	locks     map[string]Lock
	ready     bool
	cancel    func()
	observers []func(map[string]Lock)
}

// NewManager validates the configuration.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.UserID == "" {
		return nil, errMissingUserID
	}
	layout, err := ephemeral.NewLayout(cfg.CanvasID)
	if err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  cfg.Store,
		layout: layout,
		userID: cfg.UserID,
		clock:  clock,
		logger: logger.With(zap.String("user_id", cfg.UserID)),
		locks:  make(map[string]Lock),
	}, nil
}

// Start subscribes to the canvas lock table.
func (m *Manager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cancel, err := m.store.Subscribe(m.layout.Locks(), m.applySnapshot)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	return nil
}

// Stop unsubscribes. Held locks stay until released or the connection drops.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Ready reports whether the first lock snapshot has arrived.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// OnChange registers an observer invoked with every new lock table.
func (m *Manager) OnChange(observer func(map[string]Lock)) {
	if observer == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, observer)
	m.mu.Unlock()
}

// AcquireLock claims shapeID for the current user. It returns false when another user
// holds the lock or the store write fails.
func (m *Manager) AcquireLock(ctx context.Context, shapeID string) bool {
	if err := ephemeral.ValidateSegment(shapeID); err != nil {
		m.logger.Warn("lock acquire rejected", zap.String("shape_id", shapeID), zap.Error(err))
		return false
	}
	if !m.CanLock(shapeID) {
		m.logger.Debug("lock held by another user", zap.String("shape_id", shapeID))
		return false
	}

	path := m.layout.Lock(shapeID)
	lock := Lock{UserID: m.userID, Timestamp: m.clock().UnixMilli(), ShapeID: shapeID}

	if transactor, ok := m.store.(ephemeral.Transactor); ok {
		committed, err := transactor.Transaction(ctx, path, func(current ephemeral.Snapshot) (any, bool) {
			if !current.Exists() {
				return lock, true
			}
			var existing Lock
			if err := current.Decode(&existing); err != nil || existing.UserID == "" {
				return lock, true
			}
			return lock, existing.UserID == m.userID
		})
		if err != nil {
			m.logger.Error("lock acquire failed", zap.String("shape_id", shapeID), zap.Error(err))
			return false
		}
		if !committed {
			m.logger.Debug("lock acquire lost race", zap.String("shape_id", shapeID))
			return false
		}
	} else if err := m.store.Set(ctx, path, lock); err != nil {
		m.logger.Error("lock acquire failed", zap.String("shape_id", shapeID), zap.Error(err))
		return false
	}

	if err := m.store.OnDisconnectRemove(ctx, path); err != nil {
		m.logger.Warn("lock disconnect cleanup registration failed", zap.String("shape_id", shapeID), zap.Error(err))
	}

	m.mu.Lock()
	m.locks[shapeID] = lock
	m.mu.Unlock()
	m.logger.Debug("lock acquired", zap.String("shape_id", shapeID))
	return true
}

// ReleaseLock removes the current user's lock on shapeID. It returns false without
// writing when the current user is not the holder.
func (m *Manager) ReleaseLock(ctx context.Context, shapeID string) bool {
	if !m.IsLockedByCurrentUser(shapeID) {
		return false
	}
	path := m.layout.Lock(shapeID)
	if err := m.store.Remove(ctx, path); err != nil {
		m.logger.Error("lock release failed", zap.String("shape_id", shapeID), zap.Error(err))
		return false
	}
	if err := m.store.CancelOnDisconnect(ctx, path); err != nil {
		m.logger.Warn("lock disconnect cleanup cancel failed", zap.String("shape_id", shapeID), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.locks, shapeID)
	m.mu.Unlock()
	m.logger.Debug("lock released", zap.String("shape_id", shapeID))
	return true
}

// RefreshLock renews the timestamp of a lock the current user holds, keeping a long
// gesture clear of lease expiry. It returns false when the lock is no longer held.
func (m *Manager) RefreshLock(ctx context.Context, shapeID string) bool {
	if !m.IsLockedByCurrentUser(shapeID) {
		return false
	}
	path := m.layout.Lock(shapeID)
	lock := Lock{UserID: m.userID, Timestamp: m.clock().UnixMilli(), ShapeID: shapeID}

	if transactor, ok := m.store.(ephemeral.Transactor); ok {
		committed, err := transactor.Transaction(ctx, path, func(current ephemeral.Snapshot) (any, bool) {
			var existing Lock
			if !current.Exists() || current.Decode(&existing) != nil {
				return nil, false
			}
			return lock, existing.UserID == m.userID
		})
		if err != nil {
			m.logger.Error("lock refresh failed", zap.String("shape_id", shapeID), zap.Error(err))
			return false
		}
		if !committed {
			m.logger.Warn("lock lost before refresh", zap.String("shape_id", shapeID))
			return false
		}
	} else if err := m.store.Set(ctx, path, lock); err != nil {
		m.logger.Error("lock refresh failed", zap.String("shape_id", shapeID), zap.Error(err))
		return false
	}

	m.mu.Lock()
	m.locks[shapeID] = lock
	m.mu.Unlock()
	return true
}

// IsLocked reports whether another user holds shapeID.
func (m *Manager) IsLocked(shapeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lock, ok := m.locks[shapeID]
	return ok && lock.UserID != m.userID
}

// IsLockedByCurrentUser reports whether the current user holds shapeID.
func (m *Manager) IsLockedByCurrentUser(shapeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lock, ok := m.locks[shapeID]
	return ok && lock.UserID == m.userID
}

// CanLock reports whether shapeID is free or already held by the current user.
func (m *Manager) CanLock(shapeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lock, ok := m.locks[shapeID]
	return !ok || lock.UserID == m.userID
}

// CurrentUserLock returns a shape the current user holds, if any.
func (m *Manager) CurrentUserLock() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for shapeID, lock := range m.locks {
		if lock.UserID == m.userID {
			return shapeID, true
		}
	}
	return "", false
}

// Locks returns a copy of the cached lock table.
func (m *Manager) Locks() map[string]Lock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyLocks(m.locks)
}

func (m *Manager) applySnapshot(snapshot ephemeral.Snapshot) {
	decoded, failures := ephemeral.DecodeChildren[Lock](snapshot)
	for shapeID, err := range failures {
		m.logger.Warn("malformed lock entry skipped", zap.String("shape_id", shapeID), zap.Error(err))
	}
	next := make(map[string]Lock, len(decoded))
	for shapeID, lock := range decoded {
		if lock.UserID == "" {
			m.logger.Warn("lock entry without holder skipped", zap.String("shape_id", shapeID))
			continue
		}
		lock.ShapeID = shapeID
		next[shapeID] = lock
	}

	m.mu.Lock()
	m.locks = next
	m.ready = true
	observers := append([]func(map[string]Lock){}, m.observers...)
	m.mu.Unlock()

	for _, observer := range observers {
		observer(copyLocks(next))
	}
}

func copyLocks(source map[string]Lock) map[string]Lock {
	copied := make(map[string]Lock, len(source))
	for shapeID, lock := range source {
		copied[shapeID] = lock
	}
	return copied
}
