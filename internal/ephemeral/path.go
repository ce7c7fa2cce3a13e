package ephemeral

import (
	"fmt"
	"strings"
)

const (
	segmentCanvases      = "canvases"
	segmentPresence      = "presence"
	segmentSessions      = "sessions"
	segmentLocks         = "locks"
	segmentTempShapes    = "temp-shapes"
	segmentDragPositions = "drag-positions"
	maxSegmentLength     = 190
	wildcardSegment      = "*"
)

// Path addresses a node in the ephemeral tree, e.g. "canvases/dev/locks/shape-1".
type Path string

// ParsePath validates raw input and returns a Path. Leading and trailing slashes are
// trimmed; empty segments are rejected.
func ParsePath(rawInput string) (Path, error) {
	trimmed := strings.Trim(strings.TrimSpace(rawInput), "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if err := ValidateSegment(segment); err != nil {
			return "", err
		}
	}
	return Path(trimmed), nil
}

// ValidateSegment reports whether a single key can be used as a path segment.
func ValidateSegment(segment string) error {
	if segment == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidPath)
	}
	if len(segment) > maxSegmentLength {
		return fmt.Errorf("%w: segment exceeds %d characters", ErrInvalidPath, maxSegmentLength)
	}
	if strings.ContainsAny(segment, "/.#$[]") {
		return fmt.Errorf("%w: segment %q contains a reserved character", ErrInvalidPath, segment)
	}
	return nil
}

// Child appends segments without validation; stores validate on use.
func (p Path) Child(segments ...string) Path {
	parts := make([]string, 0, len(segments)+1)
	if p != "" {
		parts = append(parts, string(p))
	}
	parts = append(parts, segments...)
	return Path(strings.Join(parts, "/"))
}

// Segments splits the path into its keys.
func (p Path) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), "/")
}

// Key returns the last segment.
func (p Path) Key() string {
	segments := p.Segments()
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1]
}

// Parent drops the last segment.
func (p Path) Parent() Path {
	index := strings.LastIndex(string(p), "/")
	if index < 0 {
		return ""
	}
	return p[:index]
}

// String returns the raw path.
func (p Path) String() string {
	return string(p)
}

// Contains reports whether other equals p or lies beneath it.
func (p Path) Contains(other Path) bool {
	if p == "" || p == other {
		return true
	}
	return strings.HasPrefix(string(other), string(p)+"/")
}

// Overlaps reports whether a write to one path can change the subtree at the other.
func (p Path) Overlaps(other Path) bool {
	return p.Contains(other) || other.Contains(p)
}

// Layout builds the per-canvas key space shared by every client of one canvas.
type Layout struct {
	root Path
}

// NewLayout validates the canvas identifier and returns its namespace.
func NewLayout(canvasID string) (Layout, error) {
	trimmed := strings.TrimSpace(canvasID)
	if err := ValidateSegment(trimmed); err != nil {
		return Layout{}, fmt.Errorf("canvas id: %w", err)
	}
	return Layout{root: Path(segmentCanvases).Child(trimmed)}, nil
}

// Root is the canvas namespace.
func (l Layout) Root() Path { return l.root }

// Presence is the subtree holding every user's sessions.
func (l Layout) Presence() Path { return l.root.Child(segmentPresence) }

// PresenceSession addresses one tab/connection of a user.
func (l Layout) PresenceSession(userID, sessionID string) Path {
	return l.Presence().Child(userID, segmentSessions, sessionID)
}

// Locks is the subtree of per-shape locks.
func (l Layout) Locks() Path { return l.root.Child(segmentLocks) }

// Lock addresses the lock on one shape.
func (l Layout) Lock(shapeID string) Path { return l.Locks().Child(shapeID) }

// TempShapes is the subtree of in-progress shapes, one per user.
func (l Layout) TempShapes() Path { return l.root.Child(segmentTempShapes) }

// TempShape addresses one user's in-progress shape.
func (l Layout) TempShape(userID string) Path { return l.TempShapes().Child(userID) }

// DragPositions is the subtree of live drag positions, one per user.
func (l Layout) DragPositions() Path { return l.root.Child(segmentDragPositions) }

// DragPosition addresses one user's live drag position.
func (l Layout) DragPosition(userID string) Path { return l.DragPositions().Child(userID) }

// Relative strips the canvas namespace from an absolute path.
func (l Layout) Relative(path Path) (Path, bool) {
	if !l.root.Contains(path) || path == l.root {
		return "", false
	}
	return Path(strings.TrimPrefix(string(path), string(l.root)+"/")), true
}
