package shapes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/durable"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/viewport"
	"go.uber.org/zap"
)

var (
	// ErrShapeNotFound indicates an operation addressed a shape missing from the local copy.
	ErrShapeNotFound = errors.New("shapes: shape not found")

	errMissingCollection = errors.New("collection is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errAlreadyStarted    = errors.New("bridge already started")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted code naming the failed operation and reason, e.g.
// "shapes.add_shape.store_write_failed".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opBridgeNew      = "shapes.bridge.new"
	opStart          = "shapes.start"
	opSnapshot       = "shapes.snapshot"
	opNewRectangle   = "shapes.new_rectangle"
	opAddShape       = "shapes.add_shape"
	opUpdatePosition = "shapes.update_position"
	opClearAll       = "shapes.clear_all"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// BridgeConfig describes the dependencies of a Bridge.
type BridgeConfig struct {
	Collection durable.Collection
	Canvas     viewport.Size
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Bridge keeps an ordered local copy of a canvas's committed shapes and writes through
// to the durable collection. Every snapshot replaces the local copy in full.
type Bridge struct {
	collection durable.Collection
	canvas     viewport.Size
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	mu        sync.RWMutex
	shapes    []Shape
	ready     bool
	observers []func([]Shape)
	cancel    func()
}

// NewBridge validates the configuration.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Collection == nil {
		return nil, newServiceError(opBridgeNew, "missing_collection", errMissingCollection)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opBridgeNew, "missing_id_provider", errMissingIDProvider)
	}
	canvas := cfg.Canvas
	if canvas.Empty() {
		canvas = DefaultCanvas
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Bridge{
		collection: cfg.Collection,
		canvas:     canvas,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Canvas reports the canvas extent used for validation.
func (b *Bridge) Canvas() viewport.Size {
	return b.canvas
}

// Start subscribes to the ordered collection.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return newServiceError(opStart, "already_started", errAlreadyStarted)
	}
	b.mu.Unlock()

	cancel, err := b.collection.Subscribe(ctx, b.applySnapshot)
	if err != nil {
		b.logError(opStart, "subscribe_failed", err)
		return newServiceError(opStart, "subscribe_failed", err)
	}
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	return nil
}

// Close ends the subscription. The local copy is kept.
func (b *Bridge) Close() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Ready reports whether the first snapshot has arrived.
func (b *Bridge) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// Shapes returns a copy of the local shapes ordered by createdAt then id.
func (b *Bridge) Shapes() []Shape {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Shape(nil), b.shapes...)
}

// Shape looks a shape up by id in the local copy.
func (b *Bridge) Shape(id string) (Shape, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, shape := range b.shapes {
		if shape.ID == id {
			return shape, true
		}
	}
	return Shape{}, false
}

// OnChange registers an observer invoked with every new local copy.
func (b *Bridge) OnChange(observer func([]Shape)) {
	if observer == nil {
		return
	}
	b.mu.Lock()
	b.observers = append(b.observers, observer)
	b.mu.Unlock()
}

// NewRectangle builds a committed-shape candidate with a fresh id and timestamps. The
// result is validated.
func (b *Bridge) NewRectangle(x, y, width, height float64, fill, userID string) (Shape, error) {
	if strings.TrimSpace(userID) == "" {
		return Shape{}, invalid("createdBy", errMissingUserID.Error())
	}
	id, err := b.idProvider.NewID()
	if err != nil {
		b.logError(opNewRectangle, "id_generation_failed", err)
		return Shape{}, newServiceError(opNewRectangle, "id_generation_failed", err)
	}
	now := b.clock().UnixMilli()
	shape := Shape{
		ID:           id,
		Type:         TypeRectangle,
		X:            x,
		Y:            y,
		Width:        width,
		Height:       height,
		Fill:         fill,
		CreatedBy:    userID,
		CreatedAt:    now,
		LastModified: now,
	}
	if err := Validate(shape, b.canvas); err != nil {
		return Shape{}, err
	}
	return shape, nil
}

// AddShape validates and persists a shape. The local copy changes only when the
// collection's snapshot arrives.
func (b *Bridge) AddShape(ctx context.Context, shape Shape) error {
	if err := Validate(shape, b.canvas); err != nil {
		return err
	}
	payload, err := json.Marshal(shape)
	if err != nil {
		b.logError(opAddShape, "encode_failed", err, zap.String("shape_id", shape.ID))
		return newServiceError(opAddShape, "encode_failed", err)
	}
	document := durable.Document{ID: shape.ID, OrderKey: shape.CreatedAt, Payload: payload}
	if err := b.collection.Set(ctx, document); err != nil {
		b.logError(opAddShape, "store_write_failed", err, zap.String("shape_id", shape.ID))
		return newServiceError(opAddShape, "store_write_failed", err)
	}
	return nil
}

// UpdatePosition moves a shape. Only x, y and lastModified are written.
func (b *Bridge) UpdatePosition(ctx context.Context, id string, x, y float64) error {
	current, ok := b.Shape(id)
	if !ok {
		return newServiceError(opUpdatePosition, "shape_not_found", fmt.Errorf("%w: %s", ErrShapeNotFound, id))
	}
	current.X = x
	current.Y = y
	if err := Validate(current, b.canvas); err != nil {
		return err
	}
	fields := map[string]any{
		"x":            x,
		"y":            y,
		"lastModified": b.clock().UnixMilli(),
	}
	if err := b.collection.Update(ctx, id, fields); err != nil {
		b.logError(opUpdatePosition, "store_write_failed", err, zap.String("shape_id", id))
		return newServiceError(opUpdatePosition, "store_write_failed", err)
	}
	return nil
}

// ClearAll deletes every shape in one atomic batch.
func (b *Bridge) ClearAll(ctx context.Context) error {
	documents, err := b.collection.List(ctx)
	if err != nil {
		b.logError(opClearAll, "store_read_failed", err)
		return newServiceError(opClearAll, "store_read_failed", err)
	}
	ids := make([]string, 0, len(documents))
	for _, document := range documents {
		ids = append(ids, document.ID)
	}
	if err := b.collection.BatchDelete(ctx, ids); err != nil {
		b.logError(opClearAll, "store_write_failed", err, zap.Int("shape_count", len(ids)))
		return newServiceError(opClearAll, "store_write_failed", err)
	}
	b.logger.Info("canvas cleared", zap.Int("shape_count", len(ids)))
	return nil
}

func (b *Bridge) applySnapshot(documents []durable.Document) {
	next := make([]Shape, 0, len(documents))
	for _, document := range documents {
		shape, err := decodeShape(document, b.canvas)
		if err != nil {
			b.logError(opSnapshot, "malformed_document", err, zap.String("shape_id", document.ID))
			continue
		}
		next = append(next, shape)
	}

	b.mu.Lock()
	b.shapes = next
	b.ready = true
	observers := append([]func([]Shape){}, b.observers...)
	b.mu.Unlock()

	for _, observer := range observers {
		observer(append([]Shape(nil), next...))
	}
}

// requiredFields mirrors the keys a stored shape must carry; decoding into pointers
// tells an absent key apart from a zero value.
type requiredFields struct {
	ID     *string  `json:"id"`
	Type   *string  `json:"type"`
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
	Width  *float64 `json:"width"`
	Height *float64 `json:"height"`
}

func (r requiredFields) missing() string {
	switch {
	case r.ID == nil:
		return "id"
	case r.Type == nil:
		return "type"
	case r.X == nil:
		return "x"
	case r.Y == nil:
		return "y"
	case r.Width == nil:
		return "width"
	case r.Height == nil:
		return "height"
	default:
		return ""
	}
}

func decodeShape(document durable.Document, canvas viewport.Size) (Shape, error) {
	var required requiredFields
	if err := document.Decode(&required); err != nil {
		return Shape{}, err
	}
	if field := required.missing(); field != "" {
		return Shape{}, invalid(field, "is missing")
	}
	var shape Shape
	if err := document.Decode(&shape); err != nil {
		return Shape{}, err
	}
	if shape.ID != document.ID {
		return Shape{}, fmt.Errorf("payload id %q does not match document id", shape.ID)
	}
	if err := Validate(shape, canvas); err != nil {
		return Shape{}, err
	}
	return shape, nil
}

func (b *Bridge) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	b.logger.Error("shape bridge error", attrs...)
}
