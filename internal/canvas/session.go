// Package canvas composes the synchronization components into one client session:
// pointer input is mapped through the viewport, gated by locks, streamed through the
// broadcasters and committed through the shape bridge.
package canvas

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/broadcast"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/durable"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/locks"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/presence"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/shapes"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/throttle"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/viewport"
	"go.uber.org/zap"
)

var (
	// ErrNoViewport indicates pointer input arrived before the first Resize.
	ErrNoViewport = errors.New("canvas: viewport not initialized")
	// ErrGestureInProgress indicates PointerDown was called before the previous gesture ended.
	ErrGestureInProgress = errors.New("canvas: gesture already in progress")
)

// Action names what a pointer gesture turned into.
type Action string

const (
	ActionNone Action = "none"
	ActionDraw Action = "draw"
	ActionDrag Action = "drag"
)

// Config describes the dependencies of a Session. IDProvider issues both shape and
// presence session identifiers.
type Config struct {
	Ephemeral  ephemeral.Store
	Shapes     durable.Collection
	CanvasID   string
	UserID     string
	Color      string
	Canvas     viewport.Size
	Clock      func() time.Time
	Logger     *zap.Logger
	IDProvider shapes.IDProvider
	Throttle   throttle.Config
}

// Result reports the outcome of a finished gesture. Committed is false for discarded
// drafts and for gestures that never started.
type Result struct {
	Action    Action
	Shape     shapes.Shape
	Committed bool
}

// RenderedShape is a committed shape at the position it should be drawn.
type RenderedShape struct {
	shapes.Shape
	LockedBy string `json:"lockedBy,omitempty"`
}

// Scene is everything a front end renders for one frame.
type Scene struct {
	Viewport viewport.Viewport          `json:"viewport"`
	Visible  viewport.Rect              `json:"visible"`
	Shapes   []RenderedShape            `json:"shapes"`
	Drafts   []shapes.TempShape         `json:"drafts"`
	Cursors  map[string]presence.Remote `json:"cursors"`
}

// Session is one client's view of one canvas.
type Session struct {
	userID   string
	engine   viewport.Engine
	logger   *zap.Logger
	bridge   *shapes.Bridge
	locks    *locks.Manager
	presence *presence.Tracker
	drawer   *broadcast.Drawer
	dragger  *broadcast.Dragger
	overlay  *broadcast.Overlay

	mu       sync.Mutex
	window   viewport.Size
	view     viewport.Viewport
	gesture  Action
	starting bool // a PointerDown is reserving the next gesture
	grab     viewport.Point
	dragged  shapes.Shape
}

// NewSession wires every component for one user on one canvas.
func NewSession(cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("canvas_id", cfg.CanvasID), zap.String("user_id", cfg.UserID))
	canvasSize := cfg.Canvas
	if canvasSize.Empty() {
		canvasSize = shapes.DefaultCanvas
	}

	bridge, err := shapes.NewBridge(shapes.BridgeConfig{
		Collection: cfg.Shapes,
		Canvas:     canvasSize,
		Clock:      cfg.Clock,
		IDProvider: cfg.IDProvider,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	lockManager, err := locks.NewManager(locks.Config{
		Store:    cfg.Ephemeral,
		CanvasID: cfg.CanvasID,
		UserID:   cfg.UserID,
		Clock:    cfg.Clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	tracker, err := presence.NewTracker(presence.Config{
		Store:      cfg.Ephemeral,
		CanvasID:   cfg.CanvasID,
		UserID:     cfg.UserID,
		Color:      cfg.Color,
		Clock:      cfg.Clock,
		Logger:     logger,
		IDProvider: cfg.IDProvider,
		Throttle:   cfg.Throttle,
	})
	if err != nil {
		return nil, err
	}
	drawer, err := broadcast.NewDrawer(broadcast.DrawerConfig{
		Store:     cfg.Ephemeral,
		CanvasID:  cfg.CanvasID,
		UserID:    cfg.UserID,
		Fill:      cfg.Color,
		Canvas:    canvasSize,
		Committer: bridge,
		Clock:     cfg.Clock,
		Logger:    logger,
		Throttle:  cfg.Throttle,
	})
	if err != nil {
		return nil, err
	}
	dragger, err := broadcast.NewDragger(broadcast.DraggerConfig{
		Store:     cfg.Ephemeral,
		CanvasID:  cfg.CanvasID,
		UserID:    cfg.UserID,
		Canvas:    canvasSize,
		Locks:     lockManager,
		Committer: bridge,
		Clock:     cfg.Clock,
		Logger:    logger,
		Throttle:  cfg.Throttle,
	})
	if err != nil {
		return nil, err
	}
	overlay, err := broadcast.NewOverlay(broadcast.OverlayConfig{
		Store:    cfg.Ephemeral,
		CanvasID: cfg.CanvasID,
		UserID:   cfg.UserID,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		userID:   cfg.UserID,
		engine:   viewport.New(canvasSize),
		logger:   logger,
		bridge:   bridge,
		locks:    lockManager,
		presence: tracker,
		drawer:   drawer,
		dragger:  dragger,
		overlay:  overlay,
		gesture:  ActionNone,
	}, nil
}

// Start subscribes every component. On failure the already started ones are stopped.
func (s *Session) Start(ctx context.Context) error {
	if err := s.bridge.Start(ctx); err != nil {
		return err
	}
	if err := s.locks.Start(ctx); err != nil {
		s.bridge.Close()
		return err
	}
	if err := s.presence.Start(ctx); err != nil {
		s.locks.Stop()
		s.bridge.Close()
		return err
	}
	if err := s.overlay.Start(ctx); err != nil {
		_ = s.presence.Stop(ctx)
		s.locks.Stop()
		s.bridge.Close()
		return err
	}
	s.logger.Info("canvas session started")
	return nil
}

// Close abandons any gesture in progress, removes the local presence session and stops
// every subscription. The ephemeral connection itself belongs to the caller.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	gesture := s.gesture
	s.gesture = ActionNone
	s.mu.Unlock()
	switch gesture {
	case ActionDraw:
		s.drawer.Cancel(ctx)
	case ActionDrag:
		s.dragger.Cancel(ctx)
	}

	s.overlay.Stop()
	err := s.presence.Stop(ctx)
	s.locks.Stop()
	s.bridge.Close()
	s.logger.Info("canvas session closed")
	return err
}

// Ready reports whether every subscription has delivered its first snapshot.
func (s *Session) Ready() bool {
	return s.bridge.Ready() && s.locks.Ready() && s.presence.Ready() && s.overlay.Ready()
}

// Bridge exposes the committed-shape view.
func (s *Session) Bridge() *shapes.Bridge { return s.bridge }

// Locks exposes the lock table.
func (s *Session) Locks() *locks.Manager { return s.locks }

// Presence exposes the presence tracker.
func (s *Session) Presence() *presence.Tracker { return s.presence }

// Viewport returns the current pan and zoom.
func (s *Session) Viewport() viewport.Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Resize records the window size. The first call picks the initial view; later calls
// refit when needed. Empty windows are ignored.
func (s *Session) Resize(window viewport.Size) viewport.Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if window.Empty() {
		return s.view
	}
	if s.view.Scale <= 0 {
		s.view = s.engine.Initial(window)
	} else {
		s.view = s.engine.AdjustOnResize(window, s.view)
	}
	s.window = window
	return s.view
}

// Wheel zooms around the pointer.
func (s *Session) Wheel(pointer viewport.Point, deltaY float64) viewport.Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.window.Empty() {
		return s.view
	}
	s.view = s.engine.Zoom(pointer, deltaY, s.view, s.window)
	return s.view
}

// Pan shifts the view by a screen-space delta.
func (s *Session) Pan(delta viewport.Point) viewport.Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.window.Empty() {
		return s.view
	}
	s.view = s.engine.Pan(delta, s.view, s.window)
	return s.view
}

// PointerDown starts a drag when the pointer lands on a shape and a draft otherwise.
// A shape locked by another user yields ActionNone with no error.
func (s *Session) PointerDown(ctx context.Context, screen viewport.Point) (Action, error) {
	point, err := s.toCanvas(screen)
	if err != nil {
		return ActionNone, err
	}
	s.mu.Lock()
	if s.gesture != ActionNone || s.starting {
		s.mu.Unlock()
		return ActionNone, ErrGestureInProgress
	}
	s.starting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	if target, hit := s.hitTest(point); hit {
		if s.locks.IsLocked(target.ID) && !s.locks.IsLockedByCurrentUser(target.ID) {
			return ActionNone, nil
		}
		started, err := s.dragger.Begin(ctx, target)
		if err != nil || !started {
			return ActionNone, err
		}
		s.mu.Lock()
		s.gesture = ActionDrag
		s.grab = viewport.Point{X: point.X - target.X, Y: point.Y - target.Y}
		s.dragged = target
		s.mu.Unlock()
		return ActionDrag, nil
	}

	if err := s.drawer.Begin(ctx, point); err != nil {
		return ActionNone, err
	}
	s.mu.Lock()
	s.gesture = ActionDraw
	s.mu.Unlock()
	return ActionDraw, nil
}

// PointerMove publishes the cursor and feeds the active gesture.
func (s *Session) PointerMove(screen viewport.Point) {
	point, err := s.toCanvas(screen)
	if err != nil {
		return
	}
	s.presence.UpdateCursor(point.X, point.Y)

	s.mu.Lock()
	gesture := s.gesture
	topLeft := s.topLeftLocked(point)
	if gesture == ActionDrag {
		s.dragged = s.movedLocked(topLeft)
	}
	s.mu.Unlock()

	switch gesture {
	case ActionDraw:
		s.drawer.Move(point)
	case ActionDrag:
		s.dragger.Move(topLeft)
	}
}

// PointerUp finishes the active gesture. Commit failures are returned; the broadcast
// state is cleared either way.
func (s *Session) PointerUp(ctx context.Context, screen viewport.Point) (Result, error) {
	point, err := s.toCanvas(screen)
	if err != nil {
		return Result{Action: ActionNone}, err
	}
	s.mu.Lock()
	gesture := s.gesture
	topLeft := s.topLeftLocked(point)
	dragged := s.movedLocked(topLeft)
	s.gesture = ActionNone
	s.mu.Unlock()

	switch gesture {
	case ActionDraw:
		shape, committed, err := s.drawer.End(ctx, point)
		return Result{Action: ActionDraw, Shape: shape, Committed: committed}, err
	case ActionDrag:
		if err := s.dragger.End(ctx, topLeft); err != nil {
			return Result{Action: ActionDrag, Shape: dragged}, err
		}
		return Result{Action: ActionDrag, Shape: dragged, Committed: true}, nil
	default:
		return Result{Action: ActionNone}, nil
	}
}

// ClearAll removes every committed shape on the canvas.
func (s *Session) ClearAll(ctx context.Context) error {
	return s.bridge.ClearAll(ctx)
}

// Scene assembles the current frame: committed shapes inside the visible area at their
// effective positions, other users' drafts and cursors.
func (s *Session) Scene() Scene {
	s.mu.Lock()
	view := s.view
	window := s.window
	gesture := s.gesture
	dragged := s.dragged
	s.mu.Unlock()

	visible := viewport.Rect{Width: s.engine.Canvas().Width, Height: s.engine.Canvas().Height}
	if !window.Empty() {
		visible = s.engine.VisibleRect(view, window)
	}

	held := s.locks.Locks()
	committed := s.bridge.Shapes()
	rendered := make([]RenderedShape, 0, len(committed))
	for _, shape := range committed {
		if gesture == ActionDrag && shape.ID == dragged.ID {
			shape.X, shape.Y = dragged.X, dragged.Y
		} else {
			shape.X, shape.Y = s.overlay.EffectivePosition(shape)
		}
		if !intersects(shape.Rect(), visible) {
			continue
		}
		rendered = append(rendered, RenderedShape{Shape: shape, LockedBy: held[shape.ID].UserID})
	}

	return Scene{
		Viewport: view,
		Visible:  visible,
		Shapes:   rendered,
		Drafts:   s.overlay.TempShapes(),
		Cursors:  s.presence.Others(),
	}
}

func (s *Session) toCanvas(screen viewport.Point) (viewport.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view.Scale <= 0 {
		return viewport.Point{}, ErrNoViewport
	}
	return s.engine.ScreenToCanvas(screen, s.view), nil
}

// hitTest returns the topmost shape containing point; later shapes draw on top.
func (s *Session) hitTest(point viewport.Point) (shapes.Shape, bool) {
	committed := s.bridge.Shapes()
	for i := len(committed) - 1; i >= 0; i-- {
		shape := committed[i]
		shape.X, shape.Y = s.overlay.EffectivePosition(shape)
		if point.X >= shape.X && point.X <= shape.X+shape.Width &&
			point.Y >= shape.Y && point.Y <= shape.Y+shape.Height {
			return committed[i], true
		}
	}
	return shapes.Shape{}, false
}

func (s *Session) topLeftLocked(point viewport.Point) viewport.Point {
	return viewport.Point{X: point.X - s.grab.X, Y: point.Y - s.grab.Y}
}

func (s *Session) movedLocked(topLeft viewport.Point) shapes.Shape {
	moved := s.dragged
	moved.X = topLeft.X
	moved.Y = topLeft.Y
	return shapes.ConstrainToCanvas(moved, s.engine.Canvas())
}

func intersects(a, b viewport.Rect) bool {
	return a.X <= b.X+b.Width && b.X <= a.X+a.Width &&
		a.Y <= b.Y+b.Height && b.Y <= a.Y+a.Height
}
