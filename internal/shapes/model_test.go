package shapes

import (
	"errors"
	"math"
	"testing"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/viewport"
)

func validShape() Shape {
	return Shape{
		ID:           "shape-1",
		Type:         TypeRectangle,
		X:            100,
		Y:            200,
		Width:        50,
		Height:       60,
		Fill:         "#3B82F6",
		CreatedBy:    "user-1",
		CreatedAt:    1700000000000,
		LastModified: 1700000000000,
	}
}

func TestValidateAcceptsShapeTouchingCanvasEdges(t *testing.T) {
	shape := validShape()
	shape.X = DefaultCanvas.Width - shape.Width
	shape.Y = DefaultCanvas.Height - shape.Height
	if err := Validate(shape, DefaultCanvas); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsBrokenShapes(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Shape)
		field  string
	}{
		{"empty id", func(s *Shape) { s.ID = " " }, "id"},
		{"unknown type", func(s *Shape) { s.Type = "circle" }, "type"},
		{"nan x", func(s *Shape) { s.X = math.NaN() }, "x"},
		{"infinite height", func(s *Shape) { s.Height = math.Inf(1) }, "height"},
		{"zero width", func(s *Shape) { s.Width = 0 }, "size"},
		{"negative height", func(s *Shape) { s.Height = -5 }, "size"},
		{"negative y", func(s *Shape) { s.Y = -1 }, "position"},
		{"overflow", func(s *Shape) { s.X = DefaultCanvas.Width - 10 }, "bounds"},
		{"empty fill", func(s *Shape) { s.Fill = "" }, "fill"},
		{"empty creator", func(s *Shape) { s.CreatedBy = "" }, "createdBy"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			shape := validShape()
			testCase.mutate(&shape)
			err := Validate(shape, DefaultCanvas)
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if validationErr.Field != testCase.field {
				t.Fatalf("expected field %q, got %q", testCase.field, validationErr.Field)
			}
		})
	}
}

func TestNormalizeRectFlipsNegativeExtentsAndIsIdempotent(t *testing.T) {
	draft := validShape()
	draft.X, draft.Y, draft.Width, draft.Height = 100, 100, -50, -50

	normalized := NormalizeRect(draft)
	if normalized.X != 50 || normalized.Y != 50 || normalized.Width != 50 || normalized.Height != 50 {
		t.Fatalf("unexpected normalized rect: %+v", normalized.Rect())
	}
	if again := NormalizeRect(normalized); again != normalized {
		t.Fatalf("expected normalize to be idempotent, got %+v", again.Rect())
	}
	if normalized.Width < 0 || normalized.Height < 0 {
		t.Fatalf("expected non-negative extents")
	}
}

func TestConstrainToCanvasKeepsBoundingBoxOnCanvas(t *testing.T) {
	canvas := viewport.Size{Width: 1000, Height: 800}
	shape := validShape()
	shape.X, shape.Y = 990, -20

	constrained := ConstrainToCanvas(shape, canvas)
	if constrained.X != 950 || constrained.Y != 0 {
		t.Fatalf("unexpected constrained position: %v,%v", constrained.X, constrained.Y)
	}
	if !IsInCanvas(constrained, canvas) {
		t.Fatalf("expected constrained shape to be in canvas")
	}
	if IsInCanvas(shape, canvas) {
		t.Fatalf("expected original shape to be outside canvas")
	}
}

func TestValidateStartPoint(t *testing.T) {
	if err := ValidateStartPoint(viewport.Point{X: 0, Y: 0}, DefaultCanvas); err != nil {
		t.Fatalf("expected origin to be accepted: %v", err)
	}
	for _, point := range []viewport.Point{
		{X: -1, Y: 5},
		{X: DefaultCanvas.Width, Y: 5},
		{X: math.NaN(), Y: 5},
	} {
		if err := ValidateStartPoint(point, DefaultCanvas); err == nil {
			t.Fatalf("expected %+v to be rejected", point)
		}
	}
}

func TestClampPoint(t *testing.T) {
	clamped := ClampPoint(viewport.Point{X: -5, Y: 12000}, DefaultCanvas)
	if clamped.X != 0 || clamped.Y != DefaultCanvas.Height {
		t.Fatalf("unexpected clamped point: %+v", clamped)
	}
}
