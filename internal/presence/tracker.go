// Package presence publishes the local user's cursor and aggregates every other user's
// sessions into one remote cursor per user.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/throttle"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/viewport"
	"go.uber.org/zap"
)

const sessionsKey = "sessions"

var (
	errMissingStore      = errors.New("presence: store is required")
	errMissingUserID     = errors.New("presence: user id is required")
	errMissingIDProvider = errors.New("presence: id provider is required")
	errAlreadyStarted    = errors.New("presence: tracker already started")
)

// Session is one tab or connection of a user. Timestamp is unix milliseconds.
type Session struct {
	SessionID string         `json:"sessionId" cbor:"sessionId"`
	UserID    string         `json:"userId" cbor:"userId"`
	Color     string         `json:"color" cbor:"color"`
	Cursor    viewport.Point `json:"cursor" cbor:"cursor"`
	Timestamp int64          `json:"timestamp" cbor:"timestamp"`
	IsActive  bool           `json:"isActive" cbor:"isActive"`
}

// Remote is the aggregated view of another user: the cursor of their most recent
// active session.
type Remote struct {
	UserID    string         `json:"userId"`
	Color     string         `json:"color"`
	Cursor    viewport.Point `json:"cursor"`
	Timestamp int64          `json:"timestamp"`
}

// IDProvider issues session identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Config describes the dependencies of a Tracker. A zero Throttle.Interval selects
// throttle.DefaultInterval; a negative one disables throttling.
type Config struct {
	Store      ephemeral.Store
	CanvasID   string
	UserID     string
	Color      string
	Clock      func() time.Time
	Logger     *zap.Logger
	IDProvider IDProvider
	Throttle   throttle.Config
}

// Tracker owns one session of the local user and watches everyone else's.
type Tracker struct {
	store      ephemeral.Store
	layout     ephemeral.Layout
	userID     string
	color      string
	clock      func() time.Time
	logger     *zap.Logger
	idProvider IDProvider
	cursor     *throttle.Throttle[viewport.Point]

	mu        sync.RWMutex
	sessionID string
	others    map[string]Remote
	ready     bool
	cancel    func()
	observers []func(map[string]Remote)
}

// NewTracker validates the configuration.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.UserID == "" {
		return nil, errMissingUserID
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	layout, err := ephemeral.NewLayout(cfg.CanvasID)
	if err != nil {
		return nil, err
	}
	if err := ephemeral.ValidateSegment(cfg.UserID); err != nil {
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
	tracker := &Tracker{
		store:      cfg.Store,
		layout:     layout,
		userID:     cfg.UserID,
		color:      cfg.Color,
		clock:      clock,
		logger:     logger.With(zap.String("user_id", cfg.UserID)),
		idProvider: cfg.IDProvider,
		others:     make(map[string]Remote),
	}
	throttleConfig := cfg.Throttle
	if throttleConfig.Interval == 0 {
		throttleConfig.Interval = throttle.DefaultInterval
	}
	tracker.cursor = throttle.New(throttleConfig, tracker.writeCursor)
	return tracker, nil
}

// Start opens a fresh session, arranges its removal on disconnect and subscribes to the
// canvas presence subtree.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.sessionID != "" {
		t.mu.Unlock()
		return errAlreadyStarted
	}
	t.mu.Unlock()

	sessionID, err := t.idProvider.NewID()
	if err != nil {
		return err
	}
	path := t.layout.PresenceSession(t.userID, sessionID)
	session := Session{
		SessionID: sessionID,
		UserID:    t.userID,
		Color:     t.color,
		Cursor:    viewport.Point{},
		Timestamp: t.clock().UnixMilli(),
		IsActive:  true,
	}
	if err := t.store.Set(ctx, path, session); err != nil {
		return err
	}
	if err := t.store.OnDisconnectRemove(ctx, path); err != nil {
		return err
	}
	cancel, err := t.store.Subscribe(t.layout.Presence(), t.applySnapshot)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.sessionID = sessionID
	t.cancel = cancel
	t.mu.Unlock()
	t.logger.Debug("presence session started", zap.String("session_id", sessionID))
	return nil
}

// SessionID reports the identifier of the local session, empty before Start.
func (t *Tracker) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// UpdateCursor publishes the local cursor. Writes are throttled; the latest position
// always wins.
func (t *Tracker) UpdateCursor(x, y float64) {
	if t.SessionID() == "" {
		return
	}
	t.cursor.Call(viewport.Point{X: x, Y: y})
}

func (t *Tracker) writeCursor(point viewport.Point) {
	sessionID := t.SessionID()
	if sessionID == "" {
		return
	}
	fields := map[string]any{
		"cursor":    point,
		"timestamp": t.clock().UnixMilli(),
	}
	if err := t.store.Update(context.Background(), t.layout.PresenceSession(t.userID, sessionID), fields); err != nil {
		t.logger.Warn("cursor update failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Others returns the aggregated remote users keyed by user id.
func (t *Tracker) Others() map[string]Remote {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyRemotes(t.others)
}

// Ready reports whether the first presence snapshot has arrived.
func (t *Tracker) Ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// OnChange registers an observer invoked with every recomputed remote set.
func (t *Tracker) OnChange(observer func(map[string]Remote)) {
	if observer == nil {
		return
	}
	t.mu.Lock()
	t.observers = append(t.observers, observer)
	t.mu.Unlock()
}

// Stop drops any pending cursor write, unsubscribes and removes only the local session.
func (t *Tracker) Stop(ctx context.Context) error {
	t.cursor.Cancel()

	t.mu.Lock()
	sessionID := t.sessionID
	cancel := t.cancel
	t.sessionID = ""
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sessionID == "" {
		return nil
	}
	path := t.layout.PresenceSession(t.userID, sessionID)
	if err := t.store.Remove(ctx, path); err != nil {
		return err
	}
	if err := t.store.CancelOnDisconnect(ctx, path); err != nil {
		t.logger.Warn("presence disconnect cleanup cancel failed", zap.Error(err))
	}
	t.logger.Debug("presence session stopped", zap.String("session_id", sessionID))
	return nil
}

func (t *Tracker) applySnapshot(snapshot ephemeral.Snapshot) {
	sessions := make([]Session, 0)
	for _, user := range snapshot.Children() {
		decoded, failures := ephemeral.DecodeChildren[Session](user.Child(sessionsKey))
		for sessionID, err := range failures {
			t.logger.Warn("malformed presence session skipped",
				zap.String("remote_user_id", user.Key()),
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
		for sessionID, session := range decoded {
			session.SessionID = sessionID
			if session.UserID == "" {
				session.UserID = user.Key()
			}
			sessions = append(sessions, session)
		}
	}
	others := Aggregate(sessions, t.userID)

	t.mu.Lock()
	t.others = others
	t.ready = true
	observers := append([]func(map[string]Remote){}, t.observers...)
	t.mu.Unlock()

	for _, observer := range observers {
		observer(copyRemotes(others))
	}
}

// Aggregate groups sessions by user, drops self and inactive sessions, and keeps the
// most recent session of each user. Equal timestamps resolve to the greater session id.
func Aggregate(sessions []Session, self string) map[string]Remote {
	latest := make(map[string]Session)
	for _, session := range sessions {
		if session.UserID == "" || session.UserID == self || !session.IsActive {
			continue
		}
		current, ok := latest[session.UserID]
		if !ok ||
			session.Timestamp > current.Timestamp ||
			(session.Timestamp == current.Timestamp && session.SessionID > current.SessionID) {
			latest[session.UserID] = session
		}
	}
	others := make(map[string]Remote, len(latest))
	for userID, session := range latest {
		others[userID] = Remote{
			UserID:    userID,
			Color:     session.Color,
			Cursor:    session.Cursor,
			Timestamp: session.Timestamp,
		}
	}
	return others
}

func copyRemotes(source map[string]Remote) map[string]Remote {
	copied := make(map[string]Remote, len(source))
	for userID, remote := range source {
		copied[userID] = remote
	}
	return copied
}
