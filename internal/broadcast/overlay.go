package broadcast

import (
	"context"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/shapes"
	"go.uber.org/zap"
)

// OverlayConfig describes the dependencies of an Overlay.
type OverlayConfig struct {
	Store    ephemeral.Store
	CanvasID string
	UserID   string
	Logger   *zap.Logger
}

// Overlay is the local view of other users' drafts and drags.
type Overlay struct {
	store  ephemeral.Store
	layout ephemeral.Layout
	userID string
	logger *zap.Logger

	mu            sync.RWMutex
	tempShapes    map[string]shapes.TempShape
	dragPositions map[string]DragPosition
	tempReady     bool
	dragReady     bool
	cancels       []func()
	observers     []func()
}

// NewOverlay validates the configuration.
func NewOverlay(cfg OverlayConfig) (*Overlay, error) {
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
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Overlay{
		store:         cfg.Store,
		layout:        layout,
		userID:        cfg.UserID,
		logger:        logger.With(zap.String("user_id", cfg.UserID)),
		tempShapes:    make(map[string]shapes.TempShape),
		dragPositions: make(map[string]DragPosition),
	}, nil
}

// Start subscribes to the temp-shape and drag-position subtrees.
func (o *Overlay) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cancelTemp, err := o.store.Subscribe(o.layout.TempShapes(), o.applyTempShapes)
	if err != nil {
		return err
	}
	cancelDrag, err := o.store.Subscribe(o.layout.DragPositions(), o.applyDragPositions)
	if err != nil {
		cancelTemp()
		return err
	}
	o.mu.Lock()
	o.cancels = append(o.cancels, cancelTemp, cancelDrag)
	o.mu.Unlock()
	return nil
}

// Stop ends both subscriptions.
func (o *Overlay) Stop() {
	o.mu.Lock()
	cancels := o.cancels
	o.cancels = nil
	o.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Ready reports whether both subtrees have delivered a snapshot.
func (o *Overlay) Ready() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tempReady && o.dragReady
}

// OnChange registers an observer invoked after either subtree changes.
func (o *Overlay) OnChange(observer func()) {
	if observer == nil {
		return
	}
	o.mu.Lock()
	o.observers = append(o.observers, observer)
	o.mu.Unlock()
}

// TempShapes returns other users' in-progress drafts ordered by user id.
func (o *Overlay) TempShapes() []shapes.TempShape {
	o.mu.RLock()
	defer o.mu.RUnlock()
	userIDs := make([]string, 0, len(o.tempShapes))
	for userID := range o.tempShapes {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)
	drafts := make([]shapes.TempShape, 0, len(userIDs))
	for _, userID := range userIDs {
		drafts = append(drafts, o.tempShapes[userID])
	}
	return drafts
}

// DragPositions returns other users' live drags keyed by dragging user id.
func (o *Overlay) DragPositions() map[string]DragPosition {
	o.mu.RLock()
	defer o.mu.RUnlock()
	copied := make(map[string]DragPosition, len(o.dragPositions))
	for userID, position := range o.dragPositions {
		copied[userID] = position
	}
	return copied
}

// EffectivePosition returns where a committed shape should be drawn: at its live drag
// position when another user is dragging it, otherwise where it was committed.
func (o *Overlay) EffectivePosition(shape shapes.Shape) (float64, float64) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var (
		found  bool
		latest DragPosition
	)
	for _, position := range o.dragPositions {
		if position.ShapeID != shape.ID {
			continue
		}
		if !found || position.Timestamp > latest.Timestamp {
			latest = position
			found = true
		}
	}
	if !found {
		return shape.X, shape.Y
	}
	return latest.X, latest.Y
}

func (o *Overlay) applyTempShapes(snapshot ephemeral.Snapshot) {
	decoded, failures := ephemeral.DecodeChildren[shapes.TempShape](snapshot)
	for userID, err := range failures {
		o.logger.Warn("malformed temp shape skipped", zap.String("remote_user_id", userID), zap.Error(err))
	}
	next := make(map[string]shapes.TempShape, len(decoded))
	for userID, draft := range decoded {
		if userID == o.userID || draft.UserID == o.userID || !draft.IsInProgress {
			continue
		}
		next[userID] = draft
	}

	o.mu.Lock()
	o.tempShapes = next
	o.tempReady = true
	observers := append([]func(){}, o.observers...)
	o.mu.Unlock()
	notify(observers)
}

func (o *Overlay) applyDragPositions(snapshot ephemeral.Snapshot) {
	decoded, failures := ephemeral.DecodeChildren[DragPosition](snapshot)
	for userID, err := range failures {
		o.logger.Warn("malformed drag position skipped", zap.String("remote_user_id", userID), zap.Error(err))
	}
	next := make(map[string]DragPosition, len(decoded))
	for userID, position := range decoded {
		if userID == o.userID || position.ShapeID == "" {
			continue
		}
		next[userID] = position
	}

	o.mu.Lock()
	o.dragPositions = next
	o.dragReady = true
	observers := append([]func(){}, o.observers...)
	o.mu.Unlock()
	notify(observers)
}

func notify(observers []func()) {
	for _, observer := range observers {
		observer()
	}
}
