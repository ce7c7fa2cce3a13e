package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/shapes"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/throttle"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/viewport"
	"go.uber.org/zap"
)

var (
	// ErrLockHeldElsewhere indicates the user already holds a lock on a different shape.
	ErrLockHeldElsewhere = errors.New("broadcast: user already holds a lock on another shape")
	// ErrDragInProgress indicates Begin was called while another drag is active.
	ErrDragInProgress = errors.New("broadcast: drag already in progress")
)

// DragPosition is the live position of a shape being dragged. Timestamp is unix
// milliseconds.
type DragPosition struct {
	ShapeID   string  `json:"shapeId" cbor:"shapeId"`
	X         float64 `json:"x" cbor:"x"`
	Y         float64 `json:"y" cbor:"y"`
	Timestamp int64   `json:"timestamp" cbor:"timestamp"`
}

// LockManager is the subset of the lock manager a drag needs.
type LockManager interface {
	AcquireLock(ctx context.Context, shapeID string) bool
	ReleaseLock(ctx context.Context, shapeID string) bool
	RefreshLock(ctx context.Context, shapeID string) bool
	CurrentUserLock() (string, bool)
}

// DefaultLockRefresh is how often an ongoing drag renews its lock timestamp.
const DefaultLockRefresh = 30 * time.Second

// PositionCommitter persists the final position of a dragged shape.
type PositionCommitter interface {
	UpdatePosition(ctx context.Context, id string, x, y float64) error
}

// DraggerConfig describes the dependencies of a Dragger. A zero Throttle.Interval
// selects throttle.DefaultInterval; a negative one disables throttling. A zero
// LockRefresh selects DefaultLockRefresh.
type DraggerConfig struct {
	Store     ephemeral.Store
	CanvasID  string
	UserID    string
	Canvas    viewport.Size
	Locks     LockManager
	Committer PositionCommitter
	Clock     func() time.Time
	Logger    *zap.Logger
	Throttle  throttle.Config

	LockRefresh time.Duration
}

// Dragger broadcasts the local user's drag at drag-positions/{userId}. A drag is only
// started once the shape's lock is acquired and always ends by releasing it.
type Dragger struct {
	store     ephemeral.Store
	path      ephemeral.Path
	canvas    viewport.Size
	locks     LockManager
	committer PositionCommitter
	clock     func() time.Time
	logger    *zap.Logger
	writes    *throttle.Throttle[DragPosition]
	refresh   time.Duration

	mu            sync.Mutex
	active        bool
	shape         shapes.Shape
	lockRefreshed time.Time
}

// NewDragger validates the configuration.
func NewDragger(cfg DraggerConfig) (*Dragger, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.UserID == "" {
		return nil, errMissingUserID
	}
	if cfg.Locks == nil {
		return nil, errMissingLocks
	}
	if cfg.Committer == nil {
		return nil, errMissingCommitter
	}
	layout, err := ephemeral.NewLayout(cfg.CanvasID)
	if err != nil {
		return nil, err
	}
	if err := ephemeral.ValidateSegment(cfg.UserID); err != nil {
		return nil, err
	}
	canvas := cfg.Canvas
	if canvas.Empty() {
		canvas = shapes.DefaultCanvas
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	refresh := cfg.LockRefresh
	if refresh <= 0 {
		refresh = DefaultLockRefresh
	}
	dragger := &Dragger{
		store:     cfg.Store,
		path:      layout.DragPosition(cfg.UserID),
		canvas:    canvas,
		locks:     cfg.Locks,
		committer: cfg.Committer,
		clock:     clock,
		logger:    logger.With(zap.String("user_id", cfg.UserID)),
		refresh:   refresh,
	}
	dragger.writes = throttle.New(withDefaultInterval(cfg.Throttle), dragger.writePosition)
	return dragger, nil
}

// Dragging reports the shape being dragged, if any.
func (d *Dragger) Dragging() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shape.ID, d.active
}

// Begin acquires the shape's lock and publishes the starting position. It returns
// false when another user holds the lock.
func (d *Dragger) Begin(ctx context.Context, shape shapes.Shape) (bool, error) {
	if _, dragging := d.Dragging(); dragging {
		return false, ErrDragInProgress
	}
	if held, ok := d.locks.CurrentUserLock(); ok && held != shape.ID {
		return false, fmt.Errorf("%w: %s", ErrLockHeldElsewhere, held)
	}
	if !d.locks.AcquireLock(ctx, shape.ID) {
		return false, nil
	}

	d.mu.Lock()
	d.active = true
	d.shape = shape
	d.lockRefreshed = d.clock()
	d.mu.Unlock()

	position := DragPosition{ShapeID: shape.ID, X: shape.X, Y: shape.Y, Timestamp: d.clock().UnixMilli()}
	if err := d.store.Set(ctx, d.path, position); err != nil {
		d.logger.Warn("drag broadcast failed", zap.String("shape_id", shape.ID), zap.Error(err))
	}
	if err := d.store.OnDisconnectRemove(ctx, d.path); err != nil {
		d.logger.Warn("drag disconnect cleanup registration failed", zap.String("shape_id", shape.ID), zap.Error(err))
	}
	return true, nil
}

// Move publishes a new top-left position, clamped so the whole shape stays on the
// canvas. Writes are throttled.
func (d *Dragger) Move(point viewport.Point) {
	position, ok := d.position(point)
	if !ok {
		return
	}
	d.writes.Call(position)
}

// End commits the final clamped position, removes the broadcast entry and releases the
// lock. Cleanup happens even when the commit fails; the commit error is returned.
func (d *Dragger) End(ctx context.Context, point viewport.Point) error {
	position, ok := d.position(point)
	if !ok {
		return nil
	}
	d.writes.Cancel()
	d.mu.Lock()
	d.active = false
	d.mu.Unlock()

	commitErr := d.committer.UpdatePosition(ctx, position.ShapeID, position.X, position.Y)
	if commitErr != nil {
		d.logger.Error("drag commit failed", zap.String("shape_id", position.ShapeID), zap.Error(commitErr))
	}

	if err := d.store.Remove(ctx, d.path); err != nil {
		d.logger.Warn("drag position removal failed", zap.String("shape_id", position.ShapeID), zap.Error(err))
	}
	if err := d.store.CancelOnDisconnect(ctx, d.path); err != nil {
		d.logger.Warn("drag disconnect cleanup cancel failed", zap.String("shape_id", position.ShapeID), zap.Error(err))
	}
	if !d.locks.ReleaseLock(ctx, position.ShapeID) {
		d.logger.Warn("drag lock release refused", zap.String("shape_id", position.ShapeID))
	}
	return commitErr
}

// Cancel abandons the drag without committing and releases the lock.
func (d *Dragger) Cancel(ctx context.Context) {
	d.writes.Cancel()
	d.mu.Lock()
	wasActive := d.active
	shapeID := d.shape.ID
	d.active = false
	d.mu.Unlock()
	if !wasActive {
		return
	}
	if err := d.store.Remove(ctx, d.path); err != nil {
		d.logger.Warn("drag position removal failed", zap.String("shape_id", shapeID), zap.Error(err))
	}
	if err := d.store.CancelOnDisconnect(ctx, d.path); err != nil {
		d.logger.Warn("drag disconnect cleanup cancel failed", zap.String("shape_id", shapeID), zap.Error(err))
	}
	d.locks.ReleaseLock(ctx, shapeID)
}

func (d *Dragger) position(point viewport.Point) (DragPosition, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return DragPosition{}, false
	}
	moved := d.shape
	moved.X = point.X
	moved.Y = point.Y
	moved = shapes.ConstrainToCanvas(moved, d.canvas)
	return DragPosition{
		ShapeID:   moved.ID,
		X:         moved.X,
		Y:         moved.Y,
		Timestamp: d.clock().UnixMilli(),
	}, true
}

func (d *Dragger) writePosition(position DragPosition) {
	if _, dragging := d.Dragging(); !dragging {
		return
	}
	ctx := context.Background()
	if err := d.store.Set(ctx, d.path, position); err != nil {
		d.logger.Warn("drag broadcast failed", zap.String("shape_id", position.ShapeID), zap.Error(err))
	}
	if d.lockDue() && !d.locks.RefreshLock(ctx, position.ShapeID) {
		d.logger.Warn("drag lock refresh refused", zap.String("shape_id", position.ShapeID))
	}
}

// lockDue reports whether the lock timestamp should be renewed and, if so, marks it
// renewed now.
func (d *Dragger) lockDue() bool {
	now := d.clock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if now.Sub(d.lockRefreshed) < d.refresh {
		return false
	}
	d.lockRefreshed = now
	return true
}
