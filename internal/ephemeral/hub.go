package ephemeral

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HubConfig configures the in-process tree.
type HubConfig struct {
	Logger *zap.Logger
}

// Hub is an in-process shared tree. Every client obtains its own Conn; removals a
// Conn registers with OnDisconnectRemove run when that Conn closes.
type Hub struct {
	mu            sync.Mutex
	root          map[string]any
	subscriptions map[int64]*subscription
	connections   map[string]*Conn
	nextID        int64
	logger        *zap.Logger
}

// NewHub constructs an empty tree.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		root:          make(map[string]any),
		subscriptions: make(map[int64]*subscription),
		connections:   make(map[string]*Conn),
		logger:        logger,
	}
}

// Connect opens a new connection with its own disconnect-cleanup registry.
func (h *Hub) Connect() *Conn {
	conn := &Conn{
		hub:           h,
		id:            uuid.NewString(),
		onDisconnect:  make(map[Path]struct{}),
		subscriptions: make(map[int64]struct{}),
	}
	h.mu.Lock()
	h.connections[conn.id] = conn
	count := len(h.connections)
	h.mu.Unlock()
	h.logger.Debug("ephemeral connection opened", zap.String("connection_id", conn.id), zap.Int("connections", count))
	return conn
}

// ConnectionCount reports the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Read returns the current subtree at path without subscribing.
func (h *Hub) Read(path Path) (Snapshot, error) {
	validated, err := ParsePath(path.String())
	if err != nil {
		return Snapshot{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return encodeSnapshot(validated, h.lookupLocked(validated))
}

func (h *Hub) write(path Path, value any) error {
	validated, err := ParsePath(path.String())
	if err != nil {
		return err
	}
	normalized, err := normalizeValue(value)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.assignLocked(validated, normalized)
	h.notifyLocked(validated)
	return nil
}

func (h *Hub) merge(path Path, fields map[string]any) error {
	validated, err := ParsePath(path.String())
	if err != nil {
		return err
	}
	normalized := make(map[string]any, len(fields))
	for key, value := range fields {
		if err := ValidateSegment(key); err != nil {
			return err
		}
		converted, err := normalizeValue(value)
		if err != nil {
			return err
		}
		normalized[key] = converted
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, value := range normalized {
		h.assignLocked(validated.Child(key), value)
	}
	h.notifyLocked(validated)
	return nil
}

func (h *Hub) removeAllLocked(paths []Path) {
	for _, path := range paths {
		h.assignLocked(path, nil)
	}
	for _, path := range paths {
		h.notifyLocked(path)
	}
}

// forgetPendingLocked drops paths from every connection's disconnect registry, so an
// entry removed on someone's behalf is not removed again after a new owner writes it.
func (h *Hub) forgetPendingLocked(paths []Path) {
	for _, conn := range h.connections {
		conn.mu.Lock()
		for _, path := range paths {
			delete(conn.onDisconnect, path)
		}
		conn.mu.Unlock()
	}
}

func (h *Hub) transaction(path Path, update func(Snapshot) (any, bool)) (bool, error) {
	validated, err := ParsePath(path.String())
	if err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	current, err := encodeSnapshot(validated, h.lookupLocked(validated))
	if err != nil {
		return false, err
	}
	value, commit := update(current)
	if !commit {
		return false, nil
	}
	normalized, err := normalizeValue(value)
	if err != nil {
		return false, err
	}
	h.assignLocked(validated, normalized)
	h.notifyLocked(validated)
	return true, nil
}

func (h *Hub) subscribe(path Path, handler func(Snapshot)) (*subscription, error) {
	validated, err := ParsePath(path.String())
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidValue)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	initial, err := encodeSnapshot(validated, h.lookupLocked(validated))
	if err != nil {
		return nil, err
	}
	h.nextID++
	sub := newSubscription(h.nextID, validated, handler)
	h.subscriptions[sub.id] = sub
	sub.offer(initial)
	go sub.run()
	return sub, nil
}

func (h *Hub) unsubscribe(id int64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	delete(h.subscriptions, id)
	h.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// disconnect stops the connection's subscriptions and runs its pending removals. The
// registry is read under the tree lock so a concurrent sweep cannot interleave.
func (h *Hub) disconnect(conn *Conn, subscriptionIDs []int64) {
	for _, id := range subscriptionIDs {
		h.unsubscribe(id)
	}
	h.mu.Lock()
	conn.mu.Lock()
	paths := make([]Path, 0, len(conn.onDisconnect))
	for path := range conn.onDisconnect {
		paths = append(paths, path)
	}
	conn.onDisconnect = make(map[Path]struct{})
	conn.mu.Unlock()
	h.removeAllLocked(paths)
	delete(h.connections, conn.id)
	count := len(h.connections)
	h.mu.Unlock()
	h.logger.Debug("ephemeral connection closed",
		zap.String("connection_id", conn.id),
		zap.Int("cleanup_paths", len(paths)),
		zap.Int("connections", count))
}

func (h *Hub) lookupLocked(path Path) any {
	var node any = h.root
	for _, segment := range path.Segments() {
		branch, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node, ok = branch[segment]
		if !ok {
			return nil
		}
	}
	return node
}

// assignLocked writes value at path, creating intermediate maps (replacing scalars on
// the way) and pruning maps left empty by a removal.
func (h *Hub) assignLocked(path Path, value any) {
	segments := path.Segments()
	branches := make([]map[string]any, 0, len(segments))
	node := h.root
	for _, segment := range segments[:len(segments)-1] {
		branches = append(branches, node)
		child, ok := node[segment].(map[string]any)
		if !ok {
			if value == nil {
				return
			}
			child = make(map[string]any)
			node[segment] = child
		}
		node = child
	}
	last := segments[len(segments)-1]
	if value == nil {
		delete(node, last)
	} else {
		node[last] = value
	}
	for index := len(branches) - 1; index >= 0 && len(node) == 0; index-- {
		delete(branches[index], segments[index])
		node = branches[index]
	}
}

func (h *Hub) notifyLocked(changed Path) {
	for _, sub := range h.subscriptions {
		if !sub.path.Overlaps(changed) {
			continue
		}
		snapshot, err := encodeSnapshot(sub.path, h.lookupLocked(sub.path))
		if err != nil {
			h.logger.Error("ephemeral snapshot encode failed", zap.String("path", sub.path.String()), zap.Error(err))
			continue
		}
		sub.offer(snapshot)
	}
}

type subscription struct {
	id      int64
	path    Path
	handler func(Snapshot)

	mu        sync.Mutex
	latest    *Snapshot
	delivered *Snapshot
	signal    chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	stopped   atomic.Bool
}

func newSubscription(id int64, path Path, handler func(Snapshot)) *subscription {
	return &subscription{
		id:      id,
		path:    path,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// offer records the newest snapshot. Superseded snapshots that were never delivered are
// dropped; unchanged snapshots are not re-delivered.
func (s *subscription) offer(snapshot Snapshot) {
	s.mu.Lock()
	if s.delivered != nil && s.delivered.Equal(snapshot) {
		s.latest = nil
		s.mu.Unlock()
		return
	}
	s.latest = &snapshot
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
			s.mu.Lock()
			snapshot := s.latest
			s.latest = nil
			if snapshot != nil {
				s.delivered = snapshot
			}
			s.mu.Unlock()
			if snapshot != nil && !s.stopped.Load() {
				s.handler(*snapshot)
			}
		}
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.done)
	})
}

// Conn is one client connection to a Hub. It implements Store and Transactor.
type Conn struct {
	hub *Hub
	id  string

	mu            sync.Mutex
	onDisconnect  map[Path]struct{}
	subscriptions map[int64]struct{}
	closed        bool
}

var (
	_ Store      = (*Conn)(nil)
	_ Transactor = (*Conn)(nil)
)

// ID identifies the connection.
func (c *Conn) ID() string { return c.id }

// Set replaces the value at path.
func (c *Conn) Set(ctx context.Context, path Path, value any) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	return c.hub.write(path, value)
}

// Update merges fields into the node at path.
func (c *Conn) Update(ctx context.Context, path Path, fields map[string]any) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	return c.hub.merge(path, fields)
}

// Remove deletes the subtree at path.
func (c *Conn) Remove(ctx context.Context, path Path) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	return c.hub.write(path, nil)
}

// Transaction applies a conditional write while holding the tree lock.
func (c *Conn) Transaction(ctx context.Context, path Path, update func(Snapshot) (any, bool)) (bool, error) {
	if err := c.ready(ctx); err != nil {
		return false, err
	}
	return c.hub.transaction(path, update)
}

// Subscribe delivers the subtree at path now and after every change to it.
func (c *Conn) Subscribe(path Path, handler func(Snapshot)) (func(), error) {
	if err := c.ready(context.Background()); err != nil {
		return nil, err
	}
	sub, err := c.hub.subscribe(path, handler)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.subscriptions[sub.id] = struct{}{}
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscriptions, sub.id)
			c.mu.Unlock()
			c.hub.unsubscribe(sub.id)
		})
	}, nil
}

// OnDisconnectRemove registers a removal of path to run when the connection closes.
func (c *Conn) OnDisconnectRemove(ctx context.Context, path Path) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	validated, err := ParsePath(path.String())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.onDisconnect[validated] = struct{}{}
	c.mu.Unlock()
	return nil
}

// CancelOnDisconnect drops a pending removal.
func (c *Conn) CancelOnDisconnect(ctx context.Context, path Path) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	validated, err := ParsePath(path.String())
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.onDisconnect, validated)
	c.mu.Unlock()
	return nil
}

// Close simulates connection loss: subscriptions stop and the pending removals run.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subscriptionIDs := make([]int64, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		subscriptionIDs = append(subscriptionIDs, id)
	}
	c.subscriptions = make(map[int64]struct{})
	c.mu.Unlock()

	c.hub.disconnect(c, subscriptionIDs)
}

func (c *Conn) ready(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}
