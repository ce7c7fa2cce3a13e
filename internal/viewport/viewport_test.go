package viewport

import (
	"math"
	"math/rand"
	"testing"
)

const epsilon = 1e-9

var testCanvas = Size{Width: 10000, Height: 10000}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestConstrainPositionStaysWithinBoundsForRandomInputs(t *testing.T) {
	engine := New(testCanvas)
	random := rand.New(rand.NewSource(42))
	for iteration := 0; iteration < 5000; iteration++ {
		window := Size{Width: 1 + random.Float64()*4000, Height: 1 + random.Float64()*4000}
		scale := 0.01 + random.Float64()*20
		pos := Point{X: (random.Float64() - 0.5) * 400000, Y: (random.Float64() - 0.5) * 400000}

		constrained := engine.ConstrainPosition(pos, scale, window)

		lowerX := math.Min(0, window.Width-testCanvas.Width*scale)
		lowerY := math.Min(0, window.Height-testCanvas.Height*scale)
		if constrained.X > epsilon || constrained.X < lowerX-epsilon {
			t.Fatalf("x %f outside [%f, 0] for scale %f window %+v", constrained.X, lowerX, scale, window)
		}
		if constrained.Y > epsilon || constrained.Y < lowerY-epsilon {
			t.Fatalf("y %f outside [%f, 0] for scale %f window %+v", constrained.Y, lowerY, scale, window)
		}
	}
}

func TestConstrainPositionClampsEachAxis(t *testing.T) {
	engine := New(testCanvas)
	window := Size{Width: 1000, Height: 800}

	got := engine.ConstrainPosition(Point{X: 50, Y: -20000}, 1, window)
	if got.X != 0 || got.Y != -9200 {
		t.Fatalf("unexpected constrained position: %+v", got)
	}
}

func TestZoomLimitsMinNeverExceedsMaxForRealisticWindows(t *testing.T) {
	engine := New(testCanvas)
	for width := 320.0; width <= 7680; width += 97 {
		for height := 240.0; height <= 4320; height += 89 {
			limits := engine.ZoomLimits(Size{Width: width, Height: height})
			if limits.Min > limits.Max {
				t.Fatalf("min %f exceeds max %f for window %.0fx%.0f", limits.Min, limits.Max, width, height)
			}
		}
	}
}

func TestZoomLimitsValues(t *testing.T) {
	limits := New(testCanvas).ZoomLimits(Size{Width: 1000, Height: 800})
	if !almostEqual(limits.Min, 0.1) || !almostEqual(limits.Max, 8) {
		t.Fatalf("unexpected limits: %+v", limits)
	}
}

func TestZoomKeepsAnchorUnderPointer(t *testing.T) {
	engine := New(testCanvas)
	window := Size{Width: 1000, Height: 800}
	current := Viewport{Position: Point{X: -4500, Y: -4600}, Scale: 1}
	pointer := Point{X: 500, Y: 400}

	zoomed := engine.Zoom(pointer, -120, current, window)

	if !almostEqual(zoomed.Scale, 1.05) {
		t.Fatalf("expected scale 1.05, got %f", zoomed.Scale)
	}
	if !almostEqual(zoomed.Position.X, -4750) || !almostEqual(zoomed.Position.Y, -4850) {
		t.Fatalf("unexpected position after zoom: %+v", zoomed.Position)
	}
	anchor := engine.ScreenToCanvas(pointer, zoomed)
	if !almostEqual(anchor.X, 5000) || !almostEqual(anchor.Y, 5000) {
		t.Fatalf("anchor drifted to %+v", anchor)
	}
}

func TestZoomOutClampsToMinimumAndReconstrains(t *testing.T) {
	engine := New(testCanvas)
	window := Size{Width: 1000, Height: 800}
	current := Viewport{Position: Point{X: -10, Y: -10}, Scale: 0.1}

	zoomed := engine.Zoom(Point{X: 10, Y: 10}, 120, current, window)

	if !almostEqual(zoomed.Scale, 0.1) {
		t.Fatalf("expected scale to stay at minimum, got %f", zoomed.Scale)
	}
	if zoomed.Position.X != 0 {
		t.Fatalf("expected x pinned to 0, got %f", zoomed.Position.X)
	}
	if zoomed.Position.Y < -200 || zoomed.Position.Y > 0 {
		t.Fatalf("expected y within [-200, 0], got %f", zoomed.Position.Y)
	}
}

func TestZoomWithoutDeltaOnlyConstrains(t *testing.T) {
	engine := New(testCanvas)
	window := Size{Width: 1000, Height: 800}
	current := Viewport{Position: Point{X: 25, Y: 25}, Scale: 2}

	zoomed := engine.Zoom(Point{X: 1, Y: 1}, 0, current, window)
	if zoomed.Scale != 2 || zoomed.Position != (Point{}) {
		t.Fatalf("unexpected viewport: %+v", zoomed)
	}
}

func TestPanSubtractsDeltaAndConstrains(t *testing.T) {
	engine := New(testCanvas)
	window := Size{Width: 1000, Height: 800}
	current := Viewport{Position: Point{X: -100, Y: -100}, Scale: 1}

	panned := engine.Pan(Point{X: 30, Y: -50}, current, window)
	if panned.Position.X != -130 || panned.Position.Y != -50 {
		t.Fatalf("unexpected pan result: %+v", panned.Position)
	}

	panned = engine.Pan(Point{X: -500, Y: -500}, current, window)
	if panned.Position != (Point{}) {
		t.Fatalf("expected pan to clamp at origin, got %+v", panned.Position)
	}
}

func TestAdjustOnResizeRefitsWhenCanvasNoLongerCovers(t *testing.T) {
	engine := New(testCanvas)
	current := Viewport{Position: Point{X: 0, Y: 0}, Scale: 0.1}

	adjusted := engine.AdjustOnResize(Size{Width: 2000, Height: 1000}, current)

	if !almostEqual(adjusted.Scale, 0.2) {
		t.Fatalf("expected scale 0.2, got %f", adjusted.Scale)
	}
	if !almostEqual(adjusted.Position.X, 0) || !almostEqual(adjusted.Position.Y, -500) {
		t.Fatalf("expected recentered position, got %+v", adjusted.Position)
	}
}

func TestAdjustOnResizeOnlyReclampsWhenCovered(t *testing.T) {
	engine := New(testCanvas)
	current := Viewport{Position: Point{X: -9500, Y: 0}, Scale: 1}

	adjusted := engine.AdjustOnResize(Size{Width: 1000, Height: 800}, current)

	if adjusted.Scale != 1 {
		t.Fatalf("expected scale to be preserved, got %f", adjusted.Scale)
	}
	if adjusted.Position.X != -9000 || adjusted.Position.Y != 0 {
		t.Fatalf("unexpected position: %+v", adjusted.Position)
	}
}

func TestInitialViewportCentersCanvas(t *testing.T) {
	engine := New(testCanvas)
	initial := engine.Initial(Size{Width: 1000, Height: 800})

	if initial.Scale != 1 {
		t.Fatalf("expected initial scale 1, got %f", initial.Scale)
	}
	if initial.Position.X != -4500 || initial.Position.Y != -4600 {
		t.Fatalf("expected centered position, got %+v", initial.Position)
	}
}

func TestInitialViewportClampsToZoomLimits(t *testing.T) {
	engine := New(testCanvas)
	window := Size{Width: 200, Height: 150}
	initial := engine.Initial(window)

	limits := engine.ZoomLimits(window)
	if initial.Scale < limits.Min-epsilon || initial.Scale > limits.Max+epsilon {
		t.Fatalf("initial scale %f outside limits %+v", initial.Scale, limits)
	}
}

func TestScreenCanvasRoundTrip(t *testing.T) {
	engine := New(testCanvas)
	current := Viewport{Position: Point{X: -321, Y: -654}, Scale: 2.5}
	screen := Point{X: 123, Y: 456}

	back := engine.CanvasToScreen(engine.ScreenToCanvas(screen, current), current)
	if !almostEqual(back.X, screen.X) || !almostEqual(back.Y, screen.Y) {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestVisibleRect(t *testing.T) {
	engine := New(testCanvas)
	rect := engine.VisibleRect(Viewport{Position: Point{X: -4500, Y: -4600}, Scale: 1}, Size{Width: 1000, Height: 800})
	if rect != (Rect{X: 4500, Y: 4600, Width: 1000, Height: 800}) {
		t.Fatalf("unexpected visible rect: %+v", rect)
	}
}

func TestSizeEmpty(t *testing.T) {
	if !(Size{Width: 0, Height: 10}).Empty() {
		t.Fatal("expected zero width to be empty")
	}
	if (Size{Width: 1, Height: 1}).Empty() {
		t.Fatal("expected 1x1 to be non-empty")
	}
}
