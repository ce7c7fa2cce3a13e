// Package viewport maps the shared canvas onto a client's private, independently
// zoomed and panned window. Every function is pure.
//
// Positions follow the stage-offset convention: a screen point s shows the canvas
// point (s - Position) / Scale, so offsets are always <= 0 once constrained.
package viewport

import "math"

const (
	// ZoomStep is the multiplicative scale change applied per wheel notch.
	ZoomStep = 1.05
	// MinVisibleSpan is the smallest canvas span allowed to fill the window's short axis.
	MinVisibleSpan = 100.0
	// InitialSpan is the canvas span shown along the window's long axis on first load.
	InitialSpan = 1000.0
)

// Point is a 2D coordinate in either screen or canvas space.
type Point struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
}

// Size is a width/height pair.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether either dimension is not strictly positive. Callers must not
// feed empty windows into the engine.
func (s Size) Empty() bool {
	return !(s.Width > 0) || !(s.Height > 0)
}

// Rect is an axis-aligned rectangle in canvas space.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Viewport is one client's pan offset and zoom factor.
type Viewport struct {
	Position Point   `json:"position"`
	Scale    float64 `json:"scale"`
}

// Limits bounds the zoom factor for a given window size.
type Limits struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Clamp restricts scale to the limits. Min wins when the limits cross.
func (l Limits) Clamp(scale float64) float64 {
	return math.Max(l.Min, math.Min(l.Max, scale))
}

// Engine evaluates viewport transforms for a fixed canvas extent.
type Engine struct {
	canvas Size
}

// New returns an Engine for a canvas of the given extent.
func New(canvas Size) Engine {
	return Engine{canvas: canvas}
}

// Canvas returns the canvas extent the engine was built for.
func (e Engine) Canvas() Size {
	return e.canvas
}

// ConstrainPosition clamps the pan offset so the scaled canvas never leaves a gap at
// any window edge. Valid X is [min(0, window.Width - W*scale), 0]; Y is symmetric.
func (e Engine) ConstrainPosition(pos Point, scale float64, window Size) Point {
	lowerX := math.Min(0, window.Width-e.canvas.Width*scale)
	lowerY := math.Min(0, window.Height-e.canvas.Height*scale)
	return Point{
		X: clamp(pos.X, lowerX, 0),
		Y: clamp(pos.Y, lowerY, 0),
	}
}

// ZoomLimits never lets the short window axis show fewer than MinVisibleSpan canvas
// units, and never zooms out past the point where the whole canvas is visible.
func (e Engine) ZoomLimits(window Size) Limits {
	shortSide := math.Min(window.Width, window.Height)
	longSide := math.Max(window.Width, window.Height)
	return Limits{
		Min: longSide / math.Max(e.canvas.Width, e.canvas.Height),
		Max: shortSide / MinVisibleSpan,
	}
}

// Zoom scales around the pointer so the canvas point under it stays put, then clamps.
// A positive deltaY (wheel down) zooms out; a negative one zooms in.
func (e Engine) Zoom(pointer Point, deltaY float64, current Viewport, window Size) Viewport {
	if deltaY == 0 || current.Scale <= 0 {
		return Viewport{
			Position: e.ConstrainPosition(current.Position, current.Scale, window),
			Scale:    current.Scale,
		}
	}

	anchor := e.ScreenToCanvas(pointer, current)

	newScale := current.Scale * ZoomStep
	if deltaY > 0 {
		newScale = current.Scale / ZoomStep
	}
	newScale = e.ZoomLimits(window).Clamp(newScale)

	position := Point{
		X: pointer.X - anchor.X*newScale,
		Y: pointer.Y - anchor.Y*newScale,
	}
	return Viewport{
		Position: e.ConstrainPosition(position, newScale, window),
		Scale:    newScale,
	}
}

// Pan moves the view by a screen-space delta (wheel or drag) and re-constrains.
func (e Engine) Pan(delta Point, current Viewport, window Size) Viewport {
	position := Point{
		X: current.Position.X - delta.X,
		Y: current.Position.Y - delta.Y,
	}
	return Viewport{
		Position: e.ConstrainPosition(position, current.Scale, window),
		Scale:    current.Scale,
	}
}

// AdjustOnResize refits and recenters when the current scale no longer covers the new
// window; otherwise it only reclamps the position.
func (e Engine) AdjustOnResize(window Size, current Viewport) Viewport {
	if e.covers(current.Scale, window) {
		return Viewport{
			Position: e.ConstrainPosition(current.Position, current.Scale, window),
			Scale:    current.Scale,
		}
	}

	fit := math.Min(window.Width/e.canvas.Width, window.Height/e.canvas.Height)
	scale := e.ZoomLimits(window).Clamp(fit)
	return Viewport{
		Position: e.ConstrainPosition(e.centered(scale, window), scale, window),
		Scale:    scale,
	}
}

// Initial picks a scale showing InitialSpan canvas units along the window's long axis
// and centers the canvas.
func (e Engine) Initial(window Size) Viewport {
	scale := e.ZoomLimits(window).Clamp(math.Max(window.Width, window.Height) / InitialSpan)
	return Viewport{
		Position: e.ConstrainPosition(e.centered(scale, window), scale, window),
		Scale:    scale,
	}
}

// ScreenToCanvas converts a window coordinate to canvas space.
func (e Engine) ScreenToCanvas(screen Point, current Viewport) Point {
	if current.Scale == 0 {
		return Point{}
	}
	return Point{
		X: (screen.X - current.Position.X) / current.Scale,
		Y: (screen.Y - current.Position.Y) / current.Scale,
	}
}

// CanvasToScreen converts a canvas coordinate to window space.
func (e Engine) CanvasToScreen(canvasPoint Point, current Viewport) Point {
	return Point{
		X: canvasPoint.X*current.Scale + current.Position.X,
		Y: canvasPoint.Y*current.Scale + current.Position.Y,
	}
}

// VisibleRect returns the canvas-space rectangle shown in the window, clipped to the
// canvas extent.
func (e Engine) VisibleRect(current Viewport, window Size) Rect {
	topLeft := e.ScreenToCanvas(Point{}, current)
	bottomRight := e.ScreenToCanvas(Point{X: window.Width, Y: window.Height}, current)
	left := clamp(topLeft.X, 0, e.canvas.Width)
	top := clamp(topLeft.Y, 0, e.canvas.Height)
	right := clamp(bottomRight.X, 0, e.canvas.Width)
	bottom := clamp(bottomRight.Y, 0, e.canvas.Height)
	return Rect{X: left, Y: top, Width: right - left, Height: bottom - top}
}

func (e Engine) covers(scale float64, window Size) bool {
	return e.canvas.Width*scale >= window.Width && e.canvas.Height*scale >= window.Height
}

func (e Engine) centered(scale float64, window Size) Point {
	return Point{
		X: (window.Width - e.canvas.Width*scale) / 2,
		Y: (window.Height - e.canvas.Height*scale) / 2,
	}
}

func clamp(value, lower, upper float64) float64 {
	return math.Max(lower, math.Min(upper, value))
}
