package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/durable"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/shapes"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/viewport"
	"go.uber.org/zap"
)

var errMissingDocumentStore = errors.New("canvas registry: document store is required")

// CanvasRegistryConfig describes the dependencies of a CanvasRegistry.
type CanvasRegistryConfig struct {
	Documents  *durable.DocumentStore
	Canvas     viewport.Size
	Clock      func() time.Time
	IDProvider shapes.IDProvider
	Logger     *zap.Logger
}

// CanvasRegistry lazily opens one shape bridge per canvas id and keeps it subscribed
// for the lifetime of the server.
type CanvasRegistry struct {
	documents  *durable.DocumentStore
	canvas     viewport.Size
	clock      func() time.Time
	idProvider shapes.IDProvider
	logger     *zap.Logger

	mu      sync.Mutex
	bridges map[string]*canvasEntry
}

type canvasEntry struct {
	bridge *shapes.Bridge
	ready  chan struct{}
}

// NewCanvasRegistry validates the configuration.
func NewCanvasRegistry(cfg CanvasRegistryConfig) (*CanvasRegistry, error) {
	if cfg.Documents == nil {
		return nil, errMissingDocumentStore
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = shapes.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CanvasRegistry{
		documents:  cfg.Documents,
		canvas:     cfg.Canvas,
		clock:      cfg.Clock,
		idProvider: idProvider,
		logger:     logger,
		bridges:    make(map[string]*canvasEntry),
	}, nil
}

// ShapesCollection names the durable collection holding a canvas's shapes.
func ShapesCollection(canvasID string) string {
	return "canvases/" + canvasID + "/shapes"
}

// Bridge returns the started bridge for canvasID once its first snapshot has arrived.
func (r *CanvasRegistry) Bridge(ctx context.Context, canvasID string) (*shapes.Bridge, error) {
	if err := ephemeral.ValidateSegment(canvasID); err != nil {
		return nil, err
	}
	entry, err := r.entry(canvasID)
	if err != nil {
		return nil, err
	}
	select {
	case <-entry.ready:
		return entry.bridge, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *CanvasRegistry) entry(canvasID string) (*canvasEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.bridges[canvasID]; ok {
		return existing, nil
	}

	collection, err := r.documents.Collection(ShapesCollection(canvasID))
	if err != nil {
		return nil, err
	}
	bridge, err := shapes.NewBridge(shapes.BridgeConfig{
		Collection: collection,
		Canvas:     r.canvas,
		Clock:      r.clock,
		IDProvider: r.idProvider,
		Logger:     r.logger.With(zap.String("canvas_id", canvasID)),
	})
	if err != nil {
		return nil, err
	}
	entry := &canvasEntry{bridge: bridge, ready: make(chan struct{})}
	var once sync.Once
	bridge.OnChange(func([]shapes.Shape) {
		once.Do(func() { close(entry.ready) })
	})
	if err := bridge.Start(context.Background()); err != nil {
		return nil, err
	}
	r.bridges[canvasID] = entry
	r.logger.Info("canvas opened", zap.String("canvas_id", canvasID))
	return entry, nil
}

// Close stops every bridge.
func (r *CanvasRegistry) Close() {
	r.mu.Lock()
	entries := r.bridges
	r.bridges = make(map[string]*canvasEntry)
	r.mu.Unlock()
	for _, entry := range entries {
		entry.bridge.Close()
	}
}
