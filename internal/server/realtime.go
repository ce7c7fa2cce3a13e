package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/locks"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/users"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Realtime operations accepted from clients.
const (
	OpSet                = "set"
	OpUpdate             = "update"
	OpRemove             = "remove"
	OpSubscribe          = "subscribe"
	OpUnsubscribe        = "unsubscribe"
	OpOnDisconnectRemove = "on_disconnect_remove"
	OpCancelOnDisconnect = "cancel_on_disconnect"
	// OpSnapshot marks server pushes.
	OpSnapshot = "snapshot"
)

const (
	realtimeBufferSize   = 1024
	realtimeReadLimit    = 64 * 1024
	realtimeSendQueue    = 64
	realtimeWriteTimeout = 10 * time.Second
	realtimePongWait     = 60 * time.Second
	realtimePingPeriod   = realtimePongWait * 9 / 10
)

var (
	errForbiddenPath    = errors.New("path is owned by another user")
	errLockHeld         = errors.New("lock held by another user")
	errUnknownOperation = errors.New("unknown operation")
	errUnknownSub       = errors.New("unknown subscription")
	errInvalidFields    = errors.New("update value must be an object")
)

type clientFrame struct {
	ID           string          `json:"id"`
	Op           string          `json:"op"`
	Path         string          `json:"path"`
	Value        json.RawMessage `json:"value,omitempty"`
	Subscription string          `json:"subscription,omitempty"`
}

type replyFrame struct {
	ID           string `json:"id"`
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
	Subscription string `json:"subscription,omitempty"`
}

type snapshotFrame struct {
	Op           string `json:"op"`
	Subscription string `json:"subscription"`
	Path         string `json:"path"`
	Value        any    `json:"value"`
}

// realtimeGateway exposes the ephemeral hub over WebSocket. Each socket is one hub
// connection, so dropping the socket runs that client's disconnect cleanup.
type realtimeGateway struct {
	hub      *ephemeral.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func newRealtimeGateway(hub *ephemeral.Hub, allowedOrigins []string, logger *zap.Logger) *realtimeGateway {
	return &realtimeGateway{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  realtimeBufferSize,
			WriteBufferSize: realtimeBufferSize,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowedOrigins, parsed.Scheme+"://"+parsed.Host)
	}
}

func (g *realtimeGateway) serve(w http.ResponseWriter, r *http.Request, canvasID string, profile users.Profile) {
	layout, err := ephemeral.NewLayout(canvasID)
	if err != nil {
		http.Error(w, "invalid canvas id", http.StatusBadRequest)
		return
	}
	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("realtime upgrade failed", zap.String("canvas_id", canvasID), zap.Error(err))
		return
	}

	session := &realtimeSession{
		socket:        socket,
		conn:          g.hub.Connect(),
		layout:        layout,
		userID:        profile.UserID,
		send:          make(chan any, realtimeSendQueue),
		done:          make(chan struct{}),
		subscriptions: make(map[string]func()),
		logger: g.logger.With(
			zap.String("canvas_id", canvasID),
			zap.String("user_id", profile.UserID)),
	}
	session.logger.Info("realtime connection opened", zap.String("connection_id", session.conn.ID()))
	go session.writeLoop()
	session.readLoop(r.Context())
	session.close()
	session.logger.Info("realtime connection closed", zap.String("connection_id", session.conn.ID()))
}

type realtimeSession struct {
	socket *websocket.Conn
	conn   *ephemeral.Conn
	layout ephemeral.Layout
	userID string
	send   chan any
	done   chan struct{}
	logger *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]func()
	closeOnce     sync.Once
}

func (s *realtimeSession) readLoop(ctx context.Context) {
	s.socket.SetReadLimit(realtimeReadLimit)
	_ = s.socket.SetReadDeadline(time.Now().Add(realtimePongWait))
	s.socket.SetPongHandler(func(string) error {
		return s.socket.SetReadDeadline(time.Now().Add(realtimePongWait))
	})
	for {
		var frame clientFrame
		if err := s.socket.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("realtime read failed", zap.Error(err))
			}
			return
		}
		reply := replyFrame{ID: frame.ID, OK: true}
		subscription, err := s.handle(context.WithoutCancel(ctx), frame)
		if err != nil {
			reply.OK = false
			reply.Error = err.Error()
		}
		reply.Subscription = subscription
		if !s.enqueue(reply) {
			return
		}
	}
}

func (s *realtimeSession) writeLoop() {
	ticker := time.NewTicker(realtimePingPeriod)
	defer ticker.Stop()
	for {
		select {
		case message := <-s.send:
			_ = s.socket.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout))
			if err := s.socket.WriteJSON(message); err != nil {
				s.logger.Warn("realtime write failed", zap.Error(err))
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.socket.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout))
			if err := s.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *realtimeSession) enqueue(message any) bool {
	select {
	case s.send <- message:
		return true
	case <-s.done:
		return false
	}
}

func (s *realtimeSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		cancels := s.subscriptions
		s.subscriptions = make(map[string]func())
		s.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
		s.conn.Close()
		_ = s.socket.Close()
	})
}

func (s *realtimeSession) handle(ctx context.Context, frame clientFrame) (string, error) {
	if frame.Op == OpUnsubscribe {
		return "", s.unsubscribe(frame.Subscription)
	}
	relative, err := ephemeral.ParsePath(frame.Path)
	if err != nil {
		return "", err
	}
	path := s.layout.Root().Child(relative.Segments()...)

	switch frame.Op {
	case OpSubscribe:
		return s.subscribe(frame.ID, path)
	case OpSet:
		if err := s.authorizeWrite(relative); err != nil {
			return "", err
		}
		value, err := decodeValue(frame.Value)
		if err != nil {
			return "", err
		}
		if isLockPath(relative) {
			return "", s.writeLock(ctx, path, value)
		}
		return "", s.conn.Set(ctx, path, value)
	case OpUpdate:
		if err := s.authorizeWrite(relative); err != nil {
			return "", err
		}
		if isLockPath(relative) {
			return "", errForbiddenPath
		}
		value, err := decodeValue(frame.Value)
		if err != nil {
			return "", err
		}
		fields, ok := value.(map[string]any)
		if !ok {
			return "", errInvalidFields
		}
		return "", s.conn.Update(ctx, path, fields)
	case OpRemove:
		if err := s.authorizeWrite(relative); err != nil {
			return "", err
		}
		if isLockPath(relative) {
			if err := s.writeLock(ctx, path, nil); err != nil {
				return "", err
			}
			return "", s.conn.CancelOnDisconnect(ctx, path)
		}
		return "", s.conn.Remove(ctx, path)
	case OpOnDisconnectRemove:
		if err := s.authorizeWrite(relative); err != nil {
			return "", err
		}
		if isLockPath(relative) {
			return "", s.registerLockCleanup(ctx, path)
		}
		return "", s.conn.OnDisconnectRemove(ctx, path)
	case OpCancelOnDisconnect:
		return "", s.conn.CancelOnDisconnect(ctx, path)
	default:
		return "", errUnknownOperation
	}
}

func (s *realtimeSession) subscribe(subscriptionID string, path ephemeral.Path) (string, error) {
	if subscriptionID == "" {
		return "", errors.New("subscription requires a frame id")
	}
	cancel, err := s.conn.Subscribe(path, func(snapshot ephemeral.Snapshot) {
		value, err := snapshot.Value()
		if err != nil {
			s.logger.Warn("realtime snapshot decode failed", zap.String("path", path.String()), zap.Error(err))
			return
		}
		relative, _ := s.layout.Relative(snapshot.Path())
		s.enqueue(snapshotFrame{
			Op:           OpSnapshot,
			Subscription: subscriptionID,
			Path:         relative.String(),
			Value:        value,
		})
	})
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	if previous, ok := s.subscriptions[subscriptionID]; ok {
		previous()
	}
	s.subscriptions[subscriptionID] = cancel
	s.mu.Unlock()
	return subscriptionID, nil
}

func (s *realtimeSession) unsubscribe(subscriptionID string) error {
	s.mu.Lock()
	cancel, ok := s.subscriptions[subscriptionID]
	delete(s.subscriptions, subscriptionID)
	s.mu.Unlock()
	if !ok {
		return errUnknownSub
	}
	cancel()
	return nil
}

// authorizeWrite confines writes to the caller's own keys: their presence sessions,
// temp shape and drag position. Lock entries are checked against the holder separately.
func (s *realtimeSession) authorizeWrite(relative ephemeral.Path) error {
	segments := relative.Segments()
	switch segments[0] {
	case "presence", "temp-shapes", "drag-positions":
		if len(segments) < 2 || segments[1] != s.userID {
			return errForbiddenPath
		}
		return nil
	case "locks":
		if len(segments) != 2 {
			return errForbiddenPath
		}
		return nil
	default:
		return errForbiddenPath
	}
}

// writeLock sets or removes a lock entry atomically, only when the entry is absent,
// malformed or already held by the caller. A set must name the caller as holder.
func (s *realtimeSession) writeLock(ctx context.Context, path ephemeral.Path, value any) error {
	if value != nil {
		fields, ok := value.(map[string]any)
		if !ok || fields["userId"] != s.userID {
			return errForbiddenPath
		}
	}
	committed, err := s.conn.Transaction(ctx, path, func(current ephemeral.Snapshot) (any, bool) {
		if !current.Exists() {
			return value, true
		}
		var existing locks.Lock
		if err := current.Decode(&existing); err != nil || existing.UserID == "" {
			return value, true
		}
		return value, existing.UserID == s.userID
	})
	if err != nil {
		return err
	}
	if !committed {
		return errLockHeld
	}
	return nil
}

// registerLockCleanup arms the disconnect removal of a lock only while the caller holds
// it. The check and the registration happen inside one transaction, which never writes.
func (s *realtimeSession) registerLockCleanup(ctx context.Context, path ephemeral.Path) error {
	var registerErr error
	held := false
	_, err := s.conn.Transaction(ctx, path, func(current ephemeral.Snapshot) (any, bool) {
		var existing locks.Lock
		if !current.Exists() || current.Decode(&existing) != nil || existing.UserID != s.userID {
			return nil, false
		}
		held = true
		registerErr = s.conn.OnDisconnectRemove(ctx, path)
		return nil, false
	})
	if err != nil {
		return err
	}
	if !held {
		return errLockHeld
	}
	return registerErr
}

func isLockPath(relative ephemeral.Path) bool {
	segments := relative.Segments()
	return len(segments) > 0 && segments[0] == "locks"
}

// decodeValue parses a frame value, keeping integral numbers as integers so that
// timestamps survive the trip into the tree.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	return convertNumbers(value), nil
}

func convertNumbers(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return integer
		}
		float, _ := typed.Float64()
		return float
	case map[string]any:
		for key, child := range typed {
			typed[key] = convertNumbers(child)
		}
		return typed
	case []any:
		for index, child := range typed {
			typed[index] = convertNumbers(child)
		}
		return typed
	default:
		return value
	}
}
