package ephemeral

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testRecord struct {
	UserID    string  `cbor:"userId"`
	X         float64 `cbor:"x"`
	Timestamp int64   `cbor:"timestamp"`
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

type snapshotLog struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (l *snapshotLog) record(snapshot Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots = append(l.snapshots, snapshot)
}

func (l *snapshotLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.snapshots)
}

func (l *snapshotLog) last() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshots[len(l.snapshots)-1]
}

func TestConnSetAndReadRoundTrip(t *testing.T) {
	hub := NewHub(HubConfig{})
	conn := hub.Connect()
	defer conn.Close()
	ctx := context.Background()

	path := Path("canvases/dev/locks/shape-1")
	if err := conn.Set(ctx, path, testRecord{UserID: "user-1", X: 12.5, Timestamp: 1700000000000}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	snapshot, err := hub.Read(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var stored testRecord
	if err := snapshot.Decode(&stored); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if stored.UserID != "user-1" || stored.X != 12.5 || stored.Timestamp != 1700000000000 {
		t.Fatalf("unexpected record: %+v", stored)
	}
}

func TestConnUpdateMergesFields(t *testing.T) {
	hub := NewHub(HubConfig{})
	conn := hub.Connect()
	defer conn.Close()
	ctx := context.Background()
	path := Path("canvases/dev/presence/user-1/sessions/s1")

	if err := conn.Set(ctx, path, testRecord{UserID: "user-1", X: 1, Timestamp: 10}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := conn.Update(ctx, path, map[string]any{"x": 99.0, "timestamp": int64(20)}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	snapshot, _ := hub.Read(path)
	var stored testRecord
	if err := snapshot.Decode(&stored); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if stored.UserID != "user-1" || stored.X != 99 || stored.Timestamp != 20 {
		t.Fatalf("unexpected merged record: %+v", stored)
	}
}

func TestRemovePrunesEmptyParents(t *testing.T) {
	hub := NewHub(HubConfig{})
	conn := hub.Connect()
	defer conn.Close()
	ctx := context.Background()

	path := Path("canvases/dev/presence/user-1/sessions/s1")
	if err := conn.Set(ctx, path, testRecord{UserID: "user-1"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := conn.Remove(ctx, path); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	snapshot, _ := hub.Read("canvases/dev/presence")
	if snapshot.Exists() {
		t.Fatalf("expected presence subtree to be pruned")
	}
}

func TestSubscribeDeliversInitialAndChangedSnapshots(t *testing.T) {
	hub := NewHub(HubConfig{})
	writer := hub.Connect()
	reader := hub.Connect()
	defer writer.Close()
	defer reader.Close()
	ctx := context.Background()

	log := &snapshotLog{}
	cancel, err := reader.Subscribe("canvases/dev/locks", log.record)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	waitFor(t, "initial snapshot", func() bool { return log.count() == 1 })
	if log.last().Exists() {
		t.Fatal("expected initial snapshot to be empty")
	}

	if err := writer.Set(ctx, "canvases/dev/locks/shape-1", testRecord{UserID: "user-1"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	waitFor(t, "lock snapshot", func() bool { return log.count() >= 2 && log.last().Exists() })

	children := log.last().Children()
	if len(children) != 1 || children[0].Key() != "shape-1" {
		t.Fatalf("unexpected children: %+v", children)
	}
}

func TestSubscribeIgnoresUnrelatedPaths(t *testing.T) {
	hub := NewHub(HubConfig{})
	conn := hub.Connect()
	defer conn.Close()
	ctx := context.Background()

	log := &snapshotLog{}
	cancel, err := conn.Subscribe("canvases/dev/locks", log.record)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()
	waitFor(t, "initial snapshot", func() bool { return log.count() == 1 })

	if err := conn.Set(ctx, "canvases/dev/temp-shapes/user-1", testRecord{UserID: "user-1"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := conn.Set(ctx, "canvases/other/locks/shape-9", testRecord{UserID: "user-1"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if log.count() != 1 {
		t.Fatalf("expected no further snapshots, got %d", log.count())
	}
}

func TestCloseRunsOnlyOwnDisconnectRemovals(t *testing.T) {
	hub := NewHub(HubConfig{})
	tabOne := hub.Connect()
	tabTwo := hub.Connect()
	defer tabTwo.Close()
	ctx := context.Background()

	first := Path("canvases/dev/presence/user-1/sessions/s1")
	second := Path("canvases/dev/presence/user-1/sessions/s2")
	for _, step := range []struct {
		conn *Conn
		path Path
	}{{tabOne, first}, {tabTwo, second}} {
		if err := step.conn.Set(ctx, step.path, testRecord{UserID: "user-1"}); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		if err := step.conn.OnDisconnectRemove(ctx, step.path); err != nil {
			t.Fatalf("on disconnect failed: %v", err)
		}
	}

	tabOne.Close()

	if snapshot, _ := hub.Read(first); snapshot.Exists() {
		t.Fatal("expected closed tab session to be removed")
	}
	if snapshot, _ := hub.Read(second); !snapshot.Exists() {
		t.Fatal("expected sibling session to survive")
	}
	if err := tabOne.Set(ctx, first, testRecord{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if hub.ConnectionCount() != 1 {
		t.Fatalf("expected one open connection, got %d", hub.ConnectionCount())
	}
}

func TestCancelOnDisconnectKeepsEntry(t *testing.T) {
	hub := NewHub(HubConfig{})
	conn := hub.Connect()
	ctx := context.Background()
	path := Path("canvases/dev/locks/shape-1")

	if err := conn.Set(ctx, path, testRecord{UserID: "user-1"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := conn.OnDisconnectRemove(ctx, path); err != nil {
		t.Fatalf("on disconnect failed: %v", err)
	}
	if err := conn.CancelOnDisconnect(ctx, path); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	conn.Close()

	if snapshot, _ := hub.Read(path); !snapshot.Exists() {
		t.Fatal("expected entry to survive after cancelled cleanup")
	}
}

func TestTransactionCommitsOnlyWhenPreconditionHolds(t *testing.T) {
	hub := NewHub(HubConfig{})
	conn := hub.Connect()
	defer conn.Close()
	ctx := context.Background()
	path := Path("canvases/dev/locks/shape-1")

	claim := func(userID string) (bool, error) {
		return conn.Transaction(ctx, path, func(current Snapshot) (any, bool) {
			if current.Exists() {
				return nil, false
			}
			return testRecord{UserID: userID}, true
		})
	}

	committed, err := claim("user-1")
	if err != nil || !committed {
		t.Fatalf("expected first claim to commit, got %v %v", committed, err)
	}
	committed, err = claim("user-2")
	if err != nil || committed {
		t.Fatalf("expected second claim to abort, got %v %v", committed, err)
	}

	snapshot, _ := hub.Read(path)
	var stored testRecord
	_ = snapshot.Decode(&stored)
	if stored.UserID != "user-1" {
		t.Fatalf("expected user-1 to hold the entry, got %q", stored.UserID)
	}
}

func TestInvalidPathsAreRejected(t *testing.T) {
	hub := NewHub(HubConfig{})
	conn := hub.Connect()
	defer conn.Close()
	ctx := context.Background()

	for _, raw := range []string{"", "canvases//locks", "canvases/dev/locks/a.b", "canvases/dev/$x"} {
		if err := conn.Set(ctx, Path(raw), testRecord{}); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("expected ErrInvalidPath for %q, got %v", raw, err)
		}
	}
}

func TestDecodeChildrenReportsMalformedEntries(t *testing.T) {
	snapshot, err := NewSnapshot("canvases/dev/locks", map[string]any{
		"good": map[string]any{"userId": "user-1", "timestamp": int64(5)},
		"bad":  map[string]any{"userId": 42},
	})
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	decoded, failures := DecodeChildren[testRecord](snapshot)
	if _, ok := decoded["good"]; !ok {
		t.Fatalf("expected good child to decode: %+v", decoded)
	}
	if _, ok := failures["bad"]; !ok {
		t.Fatalf("expected bad child to fail: %+v", failures)
	}
}

func TestJanitorRemovesExpiredLeases(t *testing.T) {
	hub := NewHub(HubConfig{})
	conn := hub.Connect()
	defer conn.Close()
	ctx := context.Background()
	now := time.UnixMilli(1700000600000)

	if err := conn.Set(ctx, "canvases/dev/locks/stale", testRecord{UserID: "user-1", Timestamp: now.Add(-10 * time.Minute).UnixMilli()}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := conn.Set(ctx, "canvases/dev/locks/fresh", testRecord{UserID: "user-2", Timestamp: now.Add(-time.Second).UnixMilli()}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	janitor, err := NewJanitor(JanitorConfig{
		Hub:      hub,
		Patterns: []string{"canvases/*/locks"},
		TTL:      5 * time.Minute,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("janitor failed: %v", err)
	}

	removed, err := janitor.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one removal, got %d", removed)
	}
	if snapshot, _ := hub.Read("canvases/dev/locks/stale"); snapshot.Exists() {
		t.Fatal("expected stale lock to be removed")
	}
	if snapshot, _ := hub.Read("canvases/dev/locks/fresh"); !snapshot.Exists() {
		t.Fatal("expected fresh lock to survive")
	}
}

func TestExpiredLeaseIsNotRemovedAgainByFormerOwner(t *testing.T) {
	hub := NewHub(HubConfig{})
	alice := hub.Connect()
	bob := hub.Connect()
	defer bob.Close()
	ctx := context.Background()
	now := time.UnixMilli(1700000600000)
	path := Path("canvases/dev/locks/shape-1")

	if err := alice.Set(ctx, path, testRecord{UserID: "alice", Timestamp: now.Add(-time.Hour).UnixMilli()}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := alice.OnDisconnectRemove(ctx, path); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	janitor, err := NewJanitor(JanitorConfig{
		Hub:      hub,
		Patterns: []string{"canvases/*/locks"},
		TTL:      5 * time.Minute,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("janitor failed: %v", err)
	}
	if removed, err := janitor.Sweep(ctx); err != nil || removed != 1 {
		t.Fatalf("expected one removal, got %d (%v)", removed, err)
	}

	if err := bob.Set(ctx, path, testRecord{UserID: "bob", Timestamp: now.UnixMilli()}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	alice.Close()

	snapshot, err := hub.Read(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var record testRecord
	if err := snapshot.Decode(&record); err != nil || record.UserID != "bob" {
		t.Fatalf("expected bob's lock to survive alice's disconnect, got %+v (%v)", record, err)
	}
}

func TestLayoutPaths(t *testing.T) {
	layout, err := NewLayout("dev-canvas")
	if err != nil {
		t.Fatalf("layout failed: %v", err)
	}
	if got := layout.PresenceSession("user-1", "s1"); got != "canvases/dev-canvas/presence/user-1/sessions/s1" {
		t.Fatalf("unexpected session path: %s", got)
	}
	if got := layout.Lock("shape-1"); got != "canvases/dev-canvas/locks/shape-1" {
		t.Fatalf("unexpected lock path: %s", got)
	}
	relative, ok := layout.Relative(layout.DragPosition("user-1"))
	if !ok || relative != "drag-positions/user-1" {
		t.Fatalf("unexpected relative path: %s %v", relative, ok)
	}
	if _, err := NewLayout("bad/id"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected invalid canvas id error, got %v", err)
	}
}
