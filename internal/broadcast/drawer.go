// Package broadcast streams in-progress drawing and dragging through the ephemeral store
// so other clients can render them before anything is committed, and maintains the
// remote overlay built from those streams.
package broadcast

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/shapes"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/throttle"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/viewport"
	"go.uber.org/zap"
)

var (
	errMissingStore     = errors.New("broadcast: store is required")
	errMissingUserID    = errors.New("broadcast: user id is required")
	errMissingCommitter = errors.New("broadcast: committer is required")
	errMissingLocks     = errors.New("broadcast: lock manager is required")
)

// ShapeCommitter turns a finished draft into a persisted shape.
type ShapeCommitter interface {
	NewRectangle(x, y, width, height float64, fill, userID string) (shapes.Shape, error)
	AddShape(ctx context.Context, shape shapes.Shape) error
}

// DrawerConfig describes the dependencies of a Drawer. A zero Throttle.Interval selects
// throttle.DefaultInterval; a negative one disables throttling.
type DrawerConfig struct {
	Store     ephemeral.Store
	CanvasID  string
	UserID    string
	Fill      string
	Canvas    viewport.Size
	Committer ShapeCommitter
	Clock     func() time.Time
	Logger    *zap.Logger
	Throttle  throttle.Config
}

// Drawer broadcasts the local user's in-progress rectangle at temp-shapes/{userId} and
// commits it on release.
type Drawer struct {
	store     ephemeral.Store
	path      ephemeral.Path
	userID    string
	fill      string
	canvas    viewport.Size
	committer ShapeCommitter
	clock     func() time.Time
	logger    *zap.Logger
	writes    *throttle.Throttle[shapes.TempShape]

	mu     sync.Mutex
	active bool
	start  viewport.Point
	draft  shapes.TempShape
}

// NewDrawer validates the configuration.
func NewDrawer(cfg DrawerConfig) (*Drawer, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.UserID == "" {
		return nil, errMissingUserID
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
	drawer := &Drawer{
		store:     cfg.Store,
		path:      layout.TempShape(cfg.UserID),
		userID:    cfg.UserID,
		fill:      cfg.Fill,
		canvas:    canvas,
		committer: cfg.Committer,
		clock:     clock,
		logger:    logger.With(zap.String("user_id", cfg.UserID)),
	}
	drawer.writes = throttle.New(withDefaultInterval(cfg.Throttle), drawer.writeDraft)
	return drawer, nil
}

// Drawing reports whether a draft is in progress.
func (d *Drawer) Drawing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Begin starts a zero-size draft anchored at point. The anchor must lie on the canvas.
func (d *Drawer) Begin(ctx context.Context, point viewport.Point) error {
	if err := shapes.ValidateStartPoint(point, d.canvas); err != nil {
		return err
	}
	now := d.clock().UnixMilli()
	draft := shapes.TempShape{
		Shape: shapes.Shape{
			ID:           "draft-" + d.userID,
			Type:         shapes.TypeRectangle,
			X:            point.X,
			Y:            point.Y,
			Fill:         d.fill,
			CreatedBy:    d.userID,
			CreatedAt:    now,
			LastModified: now,
		},
		IsInProgress: true,
		UserID:       d.userID,
	}

	d.writes.Cancel()
	d.mu.Lock()
	d.active = true
	d.start = point
	d.draft = draft
	d.mu.Unlock()

	if err := d.store.Set(ctx, d.path, draft); err != nil {
		d.logger.Warn("draft broadcast failed", zap.Error(err))
	}
	if err := d.store.OnDisconnectRemove(ctx, d.path); err != nil {
		d.logger.Warn("draft disconnect cleanup registration failed", zap.Error(err))
	}
	return nil
}

// Move stretches the draft to point, clamped to the canvas. Writes are throttled.
func (d *Drawer) Move(point viewport.Point) {
	draft, ok := d.stretch(point)
	if !ok {
		return
	}
	d.writes.Call(draft)
}

// End removes the broadcast draft and commits it when both sides exceed
// shapes.MinCommitSize. Smaller drafts are discarded and report committed=false with
// a nil error; commit failures are returned.
func (d *Drawer) End(ctx context.Context, point viewport.Point) (shapes.Shape, bool, error) {
	draft, ok := d.stretch(point)
	if !ok {
		return shapes.Shape{}, false, nil
	}
	d.writes.Cancel()
	d.mu.Lock()
	d.active = false
	d.mu.Unlock()
	d.clearBroadcast(ctx)

	if math.Abs(draft.Width) <= shapes.MinCommitSize || math.Abs(draft.Height) <= shapes.MinCommitSize {
		d.logger.Debug("draft below minimum size discarded",
			zap.Float64("width", draft.Width),
			zap.Float64("height", draft.Height))
		return shapes.Shape{}, false, nil
	}

	normalized := shapes.NormalizeRect(draft.Shape)
	shape, err := d.committer.NewRectangle(normalized.X, normalized.Y, normalized.Width, normalized.Height, d.fill, d.userID)
	if err != nil {
		return shapes.Shape{}, false, err
	}
	if err := d.committer.AddShape(ctx, shape); err != nil {
		return shapes.Shape{}, false, err
	}
	return shape, true, nil
}

// Cancel abandons the draft without committing.
func (d *Drawer) Cancel(ctx context.Context) {
	d.writes.Cancel()
	d.mu.Lock()
	wasActive := d.active
	d.active = false
	d.mu.Unlock()
	if wasActive {
		d.clearBroadcast(ctx)
	}
}

func (d *Drawer) stretch(point viewport.Point) (shapes.TempShape, bool) {
	clamped := shapes.ClampPoint(point, d.canvas)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return shapes.TempShape{}, false
	}
	d.draft.Width = clamped.X - d.start.X
	d.draft.Height = clamped.Y - d.start.Y
	d.draft.LastModified = d.clock().UnixMilli()
	return d.draft, true
}

func (d *Drawer) writeDraft(draft shapes.TempShape) {
	if !d.Drawing() {
		return
	}
	if err := d.store.Set(context.Background(), d.path, draft); err != nil {
		d.logger.Warn("draft broadcast failed", zap.Error(err))
	}
}

func (d *Drawer) clearBroadcast(ctx context.Context) {
	if err := d.store.Remove(ctx, d.path); err != nil {
		d.logger.Warn("draft removal failed", zap.Error(err))
	}
	if err := d.store.CancelOnDisconnect(ctx, d.path); err != nil {
		d.logger.Warn("draft disconnect cleanup cancel failed", zap.Error(err))
	}
}

func withDefaultInterval(cfg throttle.Config) throttle.Config {
	if cfg.Interval == 0 {
		cfg.Interval = throttle.DefaultInterval
	}
	return cfg
}
