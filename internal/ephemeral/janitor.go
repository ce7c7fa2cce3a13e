package ephemeral

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const timestampField = "timestamp"

var errMissingHub = errors.New("ephemeral: hub is required")

// JanitorConfig configures lease expiry for entries whose owner never disconnected
// cleanly (for example a client that stopped heartbeating without dropping its socket).
type JanitorConfig struct {
	Hub *Hub
	// Patterns select the parents whose children carry a unix-millisecond "timestamp";
	// "*" matches one segment, e.g. "canvases/*/locks".
	Patterns []string
	TTL      time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Janitor removes leased entries older than a TTL.
type Janitor struct {
	hub      *Hub
	patterns [][]string
	ttl      time.Duration
	clock    func() time.Time
	logger   *zap.Logger
}

// NewJanitor validates the configuration.
func NewJanitor(cfg JanitorConfig) (*Janitor, error) {
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("ephemeral: janitor ttl must be positive")
	}
	patterns := make([][]string, 0, len(cfg.Patterns))
	for _, raw := range cfg.Patterns {
		path, err := ParsePath(raw)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, path.Segments())
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		hub:      cfg.Hub,
		patterns: patterns,
		ttl:      cfg.TTL,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Sweep removes every expired child under the configured patterns and returns how
// many entries were removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := j.clock().Add(-j.ttl).UnixMilli()

	j.hub.mu.Lock()
	expired := make([]Path, 0)
	for _, pattern := range j.patterns {
		expired = append(expired, j.collectExpiredLocked(pattern, cutoff)...)
	}
	j.hub.forgetPendingLocked(expired)
	j.hub.removeAllLocked(expired)
	j.hub.mu.Unlock()

	for _, path := range expired {
		j.logger.Info("expired ephemeral lease removed", zap.String("path", path.String()))
	}
	return len(expired), nil
}

// Run sweeps on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				j.logger.Warn("ephemeral sweep failed", zap.Error(err))
			}
		}
	}
}

func (j *Janitor) collectExpiredLocked(pattern []string, cutoff int64) []Path {
	parents := make([]Path, 0)
	var walk func(node any, depth int, prefix Path)
	walk = func(node any, depth int, prefix Path) {
		if depth == len(pattern) {
			parents = append(parents, prefix)
			return
		}
		branch, ok := node.(map[string]any)
		if !ok {
			return
		}
		for key, child := range branch {
			if pattern[depth] != wildcardSegment && pattern[depth] != key {
				continue
			}
			walk(child, depth+1, prefix.Child(key))
		}
	}
	walk(j.hub.root, 0, "")

	expired := make([]Path, 0)
	for _, parent := range parents {
		entries, ok := j.hub.lookupLocked(parent).(map[string]any)
		if !ok {
			continue
		}
		for key, entry := range entries {
			fields, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			timestamp, ok := numericValue(fields[timestampField])
			if !ok {
				continue
			}
			if int64(timestamp) < cutoff {
				expired = append(expired, parent.Child(key))
			}
		}
	}
	return expired
}

func numericValue(value any) (float64, bool) {
	switch typed := value.(type) {
	case uint64:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	default:
		return 0, false
	}
}
