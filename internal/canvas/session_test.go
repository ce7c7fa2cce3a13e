package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/durable"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/shapes"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/throttle"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/viewport"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testCanvasID = "session-canvas"

var testWindow = viewport.Size{Width: 1000, Height: 800}

type testEnvironment struct {
	hub        *ephemeral.Hub
	collection *durable.SQLiteCollection
}

func newTestEnvironment(t *testing.T) testEnvironment {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&durable.DocumentRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := durable.NewDocumentStore(durable.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build document store: %v", err)
	}
	collection, err := store.Collection("canvases/" + testCanvasID + "/shapes")
	if err != nil {
		t.Fatalf("failed to open collection: %v", err)
	}
	return testEnvironment{hub: ephemeral.NewHub(ephemeral.HubConfig{}), collection: collection}
}

func (env testEnvironment) mustSession(t *testing.T, userID, color string) (*Session, *ephemeral.Conn) {
	t.Helper()
	conn := env.hub.Connect()
	session, err := NewSession(Config{
		Ephemeral:  conn,
		Shapes:     env.collection,
		CanvasID:   testCanvasID,
		UserID:     userID,
		Color:      color,
		IDProvider: shapes.NewUUIDProvider(),
		Throttle:   throttle.Config{Interval: -1},
	})
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	t.Cleanup(func() {
		_ = session.Close(context.Background())
		conn.Close()
	})
	session.Resize(testWindow)
	eventually(t, userID+" ready", session.Ready)
	return session, conn
}

func eventually(t *testing.T, description string, condition func() bool) {
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

func screenOf(session *Session, x, y float64) viewport.Point {
	return viewport.New(shapes.DefaultCanvas).CanvasToScreen(viewport.Point{X: x, Y: y}, session.Viewport())
}

func TestSessionRequiresViewportBeforeInput(t *testing.T) {
	env := newTestEnvironment(t)
	conn := env.hub.Connect()
	defer conn.Close()
	session, err := NewSession(Config{
		Ephemeral:  conn,
		Shapes:     env.collection,
		CanvasID:   testCanvasID,
		UserID:     "alice",
		IDProvider: shapes.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	if _, err := session.PointerDown(context.Background(), viewport.Point{X: 1, Y: 1}); !errors.Is(err, ErrNoViewport) {
		t.Fatalf("expected ErrNoViewport, got %v", err)
	}
}

func TestSessionResizeKeepsCanvasCoveringWindow(t *testing.T) {
	env := newTestEnvironment(t)
	session, _ := env.mustSession(t, "alice", "#FF6B6B")

	view := session.Viewport()
	if view.Scale != 1 {
		t.Fatalf("expected initial scale 1, got %v", view.Scale)
	}
	zoomed := session.Wheel(viewport.Point{X: 500, Y: 400}, -1)
	if zoomed.Scale <= view.Scale {
		t.Fatalf("expected zoom in, got %v", zoomed.Scale)
	}
	panned := session.Pan(viewport.Point{X: -1e6, Y: -1e6})
	if panned.Position.X != 0 || panned.Position.Y != 0 {
		t.Fatalf("expected pan to clamp at the canvas origin, got %+v", panned.Position)
	}
	if unchanged := session.Resize(viewport.Size{}); unchanged != panned {
		t.Fatalf("expected empty resize to be ignored")
	}
}

func TestSessionDrawCommitsForEveryone(t *testing.T) {
	env := newTestEnvironment(t)
	alice, _ := env.mustSession(t, "alice", "#FF6B6B")
	bob, _ := env.mustSession(t, "bob", "#4ECDC4")
	ctx := context.Background()

	action, err := alice.PointerDown(ctx, screenOf(alice, 4600, 4600))
	if err != nil || action != ActionDraw {
		t.Fatalf("expected draw to start, got %v err=%v", action, err)
	}
	alice.PointerMove(screenOf(alice, 4570, 4560))
	eventually(t, "bob to see alice's draft", func() bool {
		drafts := bob.Scene().Drafts
		return len(drafts) == 1 && drafts[0].UserID == "alice"
	})
	eventually(t, "bob to see alice's cursor", func() bool {
		cursor, ok := bob.Scene().Cursors["alice"]
		return ok && cursor.Cursor == viewport.Point{X: 4570, Y: 4560}
	})

	result, err := alice.PointerUp(ctx, screenOf(alice, 4550, 4550))
	if err != nil || !result.Committed {
		t.Fatalf("expected commit, got %+v err=%v", result, err)
	}
	if result.Shape.X != 4550 || result.Shape.Y != 4550 || result.Shape.Width != 50 || result.Shape.Height != 50 {
		t.Fatalf("unexpected committed geometry: %+v", result.Shape.Rect())
	}
	if result.Shape.Fill != "#FF6B6B" || result.Shape.CreatedBy != "alice" {
		t.Fatalf("unexpected committed attributes: %+v", result.Shape)
	}

	eventually(t, "bob to receive the committed shape", func() bool {
		scene := bob.Scene()
		return len(scene.Shapes) == 1 && scene.Shapes[0].ID == result.Shape.ID && len(scene.Drafts) == 0
	})
}

func TestSessionDragIsExclusive(t *testing.T) {
	env := newTestEnvironment(t)
	alice, _ := env.mustSession(t, "alice", "#FF6B6B")
	bob, _ := env.mustSession(t, "bob", "#4ECDC4")
	ctx := context.Background()

	if _, err := alice.PointerDown(ctx, screenOf(alice, 4600, 4600)); err != nil {
		t.Fatalf("unexpected draw error: %v", err)
	}
	drawn, err := alice.PointerUp(ctx, screenOf(alice, 4700, 4700))
	if err != nil || !drawn.Committed {
		t.Fatalf("expected commit, got %+v err=%v", drawn, err)
	}
	eventually(t, "both bridges to hold the shape", func() bool {
		return len(alice.Bridge().Shapes()) == 1 && len(bob.Bridge().Shapes()) == 1
	})

	action, err := alice.PointerDown(ctx, screenOf(alice, 4650, 4650))
	if err != nil || action != ActionDrag {
		t.Fatalf("expected drag to start, got %v err=%v", action, err)
	}
	eventually(t, "bob to observe the lock", func() bool { return bob.Locks().IsLocked(drawn.Shape.ID) })

	action, err = bob.PointerDown(ctx, screenOf(bob, 4650, 4650))
	if err != nil || action != ActionNone {
		t.Fatalf("expected bob to be refused silently, got %v err=%v", action, err)
	}

	alice.PointerMove(screenOf(alice, 4750, 4650))
	eventually(t, "bob to see the live drag", func() bool {
		scene := bob.Scene()
		return len(scene.Shapes) == 1 && scene.Shapes[0].X == 4700 && scene.Shapes[0].LockedBy == "alice"
	})

	result, err := alice.PointerUp(ctx, screenOf(alice, 4750, 4650))
	if err != nil || !result.Committed {
		t.Fatalf("expected drag commit, got %+v err=%v", result, err)
	}
	eventually(t, "bob to see the committed move and released lock", func() bool {
		shape, ok := bob.Bridge().Shape(drawn.Shape.ID)
		return ok && shape.X == 4700 && shape.Y == 4600 && !bob.Locks().IsLocked(drawn.Shape.ID)
	})
}

func TestSessionDisconnectReleasesLock(t *testing.T) {
	env := newTestEnvironment(t)
	alice, aliceConn := env.mustSession(t, "alice", "#FF6B6B")
	bob, _ := env.mustSession(t, "bob", "#4ECDC4")
	ctx := context.Background()

	if _, err := alice.PointerDown(ctx, screenOf(alice, 100+4500, 100+4600)); err != nil {
		t.Fatalf("unexpected draw error: %v", err)
	}
	drawn, err := alice.PointerUp(ctx, screenOf(alice, 200+4500, 200+4600))
	if err != nil || !drawn.Committed {
		t.Fatalf("expected commit, got %+v err=%v", drawn, err)
	}
	eventually(t, "alice's bridge to hold the shape", func() bool { return len(alice.Bridge().Shapes()) == 1 })
	if action, err := alice.PointerDown(ctx, screenOf(alice, 4650, 4750)); err != nil || action != ActionDrag {
		t.Fatalf("expected drag to start, got %v err=%v", action, err)
	}
	eventually(t, "bob to observe the lock", func() bool { return bob.Locks().IsLocked(drawn.Shape.ID) })

	aliceConn.Close()
	eventually(t, "lock and presence cleanup", func() bool {
		_, present := bob.Presence().Others()["alice"]
		return !bob.Locks().IsLocked(drawn.Shape.ID) && !present
	})
}

func TestSessionClearAll(t *testing.T) {
	env := newTestEnvironment(t)
	alice, _ := env.mustSession(t, "alice", "#FF6B6B")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		origin := 4500 + float64(i)*100
		if _, err := alice.PointerDown(ctx, screenOf(alice, origin, 4500)); err != nil {
			t.Fatalf("unexpected draw error: %v", err)
		}
		if result, err := alice.PointerUp(ctx, screenOf(alice, origin+50, 4550)); err != nil || !result.Committed {
			t.Fatalf("expected commit, got %+v err=%v", result, err)
		}
	}
	eventually(t, "three shapes", func() bool { return len(alice.Bridge().Shapes()) == 3 })

	if err := alice.ClearAll(ctx); err != nil {
		t.Fatalf("unexpected clear error: %v", err)
	}
	eventually(t, "empty canvas", func() bool { return len(alice.Bridge().Shapes()) == 0 })
}

func TestSessionConcurrentPointerDownStartsOneGesture(t *testing.T) {
	env := newTestEnvironment(t)
	alice, _ := env.mustSession(t, "alice", "#FF6B6B")
	ctx := context.Background()
	start := screenOf(alice, 3000, 3000)

	const attempts = 8
	var wg sync.WaitGroup
	actions := make([]Action, attempts)
	errs := make([]error, attempts)
	for index := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			actions[index], errs[index] = alice.PointerDown(ctx, start)
		}()
	}
	wg.Wait()

	started := 0
	for index := range attempts {
		switch {
		case errs[index] == nil && actions[index] == ActionDraw:
			started++
		case errors.Is(errs[index], ErrGestureInProgress):
		default:
			t.Fatalf("unexpected outcome %v err=%v", actions[index], errs[index])
		}
	}
	if started != 1 {
		t.Fatalf("expected exactly one gesture to start, got %d", started)
	}
}
