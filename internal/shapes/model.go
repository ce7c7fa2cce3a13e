// Package shapes holds the committed shape model, its geometry rules and the bridge that
// keeps a local copy of a canvas's durable shape collection.
package shapes

import (
	"fmt"
	"math"
	"strings"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/viewport"
)

// Type enumerates supported shape kinds.
type Type string

const (
	// TypeRectangle is the only shape kind.
	TypeRectangle Type = "rectangle"
)

// MinCommitSize is the exclusive lower bound on both sides of a committed draft.
const MinCommitSize = 10.0

// DefaultCanvas is the canvas extent used when none is configured.
var DefaultCanvas = viewport.Size{Width: 10000, Height: 10000}

// Shape is a committed, persisted rectangle. Timestamps are unix milliseconds.
type Shape struct {
	ID           string  `json:"id" cbor:"id"`
	Type         Type    `json:"type" cbor:"type"`
	X            float64 `json:"x" cbor:"x"`
	Y            float64 `json:"y" cbor:"y"`
	Width        float64 `json:"width" cbor:"width"`
	Height       float64 `json:"height" cbor:"height"`
	Fill         string  `json:"fill" cbor:"fill"`
	CreatedBy    string  `json:"createdBy" cbor:"createdBy"`
	CreatedAt    int64   `json:"createdAt" cbor:"createdAt"`
	LastModified int64   `json:"lastModified" cbor:"lastModified"`
}

// Rect returns the shape bounds.
func (s Shape) Rect() viewport.Rect {
	return viewport.Rect{X: s.X, Y: s.Y, Width: s.Width, Height: s.Height}
}

// TempShape is an in-progress draft broadcast while a user is drawing. Width and
// height may be negative until the draft is normalized.
type TempShape struct {
	Shape
	IsInProgress bool   `json:"isInProgress" cbor:"isInProgress"`
	UserID       string `json:"userId" cbor:"userId"`
}

// ValidationError reports a shape that violates the committed-shape invariants.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("shapes: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks every committed-shape invariant against the canvas extent.
func Validate(shape Shape, canvas viewport.Size) error {
	if strings.TrimSpace(shape.ID) == "" {
		return invalid("id", "must be non-empty")
	}
	if shape.Type != TypeRectangle {
		return invalid("type", fmt.Sprintf("unsupported shape type %q", shape.Type))
	}
	if err := validateDimensions(shape.X, shape.Y, shape.Width, shape.Height, canvas); err != nil {
		return err
	}
	if strings.TrimSpace(shape.Fill) == "" {
		return invalid("fill", "must be non-empty")
	}
	if strings.TrimSpace(shape.CreatedBy) == "" {
		return invalid("createdBy", "must be non-empty")
	}
	return nil
}

func validateDimensions(x, y, width, height float64, canvas viewport.Size) error {
	for _, field := range []struct {
		name  string
		value float64
	}{{"x", x}, {"y", y}, {"width", width}, {"height", height}} {
		if math.IsNaN(field.value) || math.IsInf(field.value, 0) {
			return invalid(field.name, "must be a finite number")
		}
	}
	if width <= 0 || height <= 0 {
		return invalid("size", "width and height must be greater than 0")
	}
	if x < 0 || y < 0 {
		return invalid("position", "x and y must be non-negative")
	}
	if x+width > canvas.Width || y+height > canvas.Height {
		return invalid("bounds", "shape extends beyond canvas boundaries")
	}
	return nil
}

// ValidateStartPoint checks the anchor of a new draft: finite, non-negative and strictly
// inside the canvas.
func ValidateStartPoint(point viewport.Point, canvas viewport.Size) error {
	if math.IsNaN(point.X) || math.IsInf(point.X, 0) || math.IsNaN(point.Y) || math.IsInf(point.Y, 0) {
		return invalid("position", "coordinates must be finite numbers")
	}
	if point.X < 0 || point.Y < 0 {
		return invalid("position", "x and y must be non-negative")
	}
	if point.X >= canvas.Width || point.Y >= canvas.Height {
		return invalid("position", "initial position must be within canvas boundaries")
	}
	return nil
}

// NormalizeRect flips negative extents so the origin is the top-left corner. It is
// idempotent.
func NormalizeRect(shape Shape) Shape {
	if shape.Width < 0 {
		shape.X += shape.Width
		shape.Width = -shape.Width
	}
	if shape.Height < 0 {
		shape.Y += shape.Height
		shape.Height = -shape.Height
	}
	return shape
}

// ConstrainToCanvas moves the shape so its bounding box lies on the canvas. Shapes
// larger than the canvas are pinned to the origin.
func ConstrainToCanvas(shape Shape, canvas viewport.Size) Shape {
	shape.X = ClampPosition(shape.X, shape.Width, canvas.Width)
	shape.Y = ClampPosition(shape.Y, shape.Height, canvas.Height)
	return shape
}

// ClampPosition clamps one coordinate so that [value, value+extent] fits in [0, limit].
func ClampPosition(value, extent, limit float64) float64 {
	return math.Max(0, math.Min(limit-extent, value))
}

// IsInCanvas reports whether the bounding box lies on the canvas.
func IsInCanvas(shape Shape, canvas viewport.Size) bool {
	return shape.X >= 0 &&
		shape.Y >= 0 &&
		shape.X+shape.Width <= canvas.Width &&
		shape.Y+shape.Height <= canvas.Height
}

// ClampPoint clamps a point onto the canvas.
func ClampPoint(point viewport.Point, canvas viewport.Size) viewport.Point {
	return viewport.Point{
		X: ClampPosition(point.X, 0, canvas.Width),
		Y: ClampPosition(point.Y, 0, canvas.Height),
	}
}
