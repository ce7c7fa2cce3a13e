package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/database"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/durable"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/logging"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/server"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/shapes"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/throttle"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/users"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/viewport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const simulateDatabase = "file:simulate?mode=memory&cache=shared"

var simulateWindow = viewport.Size{Width: 1000, Height: 800}

func newSimulateCommand() *cobra.Command {
	var (
		userCount int
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run in-process users that draw and drag on one canvas, then print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userCount < 1 {
				return errors.New("simulate: at least one user is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			result, err := runSimulation(ctx, userCount)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}
	cmd.Flags().IntVar(&userCount, "users", 3, "Number of simulated users")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall simulation deadline")
	return cmd
}

func runSimulation(ctx context.Context, userCount int) ([]shapes.Shape, error) {
	logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.format"))
	if err != nil {
		return nil, err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(simulateDatabase, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()

	documents, err := durable.NewDocumentStore(durable.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	canvasID := viper.GetString("canvas.default_id")
	collection, err := documents.Collection(server.ShapesCollection(canvasID))
	if err != nil {
		return nil, err
	}
	hub := ephemeral.NewHub(ephemeral.HubConfig{Logger: logger})
	canvasSize := viewport.Size{Width: viper.GetFloat64("canvas.width"), Height: viper.GetFloat64("canvas.height")}

	sessions := make([]*canvas.Session, 0, userCount)
	conns := make([]*ephemeral.Conn, 0, userCount)
	defer func() {
		for index, session := range sessions {
			_ = session.Close(context.Background())
			conns[index].Close()
		}
	}()
	for index := range userCount {
		conn := hub.Connect()
		session, err := canvas.NewSession(canvas.Config{
			Ephemeral:  conn,
			Shapes:     collection,
			CanvasID:   canvasID,
			UserID:     fmt.Sprintf("user-%d", index+1),
			Color:      users.Palette[index%len(users.Palette)],
			Canvas:     canvasSize,
			Logger:     logger,
			IDProvider: shapes.NewUUIDProvider(),
			Throttle:   throttle.Config{Interval: time.Duration(viper.GetInt("realtime.throttle_ms")) * time.Millisecond},
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := session.Start(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		sessions = append(sessions, session)
		conns = append(conns, conn)
		session.Resize(simulateWindow)
	}
	if err := waitFor(ctx, func() bool {
		for _, session := range sessions {
			if !session.Ready() {
				return false
			}
		}
		return true
	}); err != nil {
		return nil, err
	}

	for index, session := range sessions {
		left := 40 + float64(index%6)*150
		top := 80 + float64(index/6)*120
		if _, err := session.PointerDown(ctx, viewport.Point{X: left, Y: top}); err != nil {
			return nil, err
		}
		session.PointerMove(viewport.Point{X: left + 60, Y: top + 40})
		result, err := session.PointerUp(ctx, viewport.Point{X: left + 100, Y: top + 70})
		if err != nil {
			return nil, err
		}
		logger.Info("simulated draw", zap.String("shape_id", result.Shape.ID), zap.Bool("committed", result.Committed))
	}

	first := sessions[0]
	if err := waitFor(ctx, func() bool { return len(first.Bridge().Shapes()) == userCount }); err != nil {
		return nil, err
	}

	grab := viewport.Point{X: 60, Y: 100}
	action, err := first.PointerDown(ctx, grab)
	if err != nil {
		return nil, err
	}
	if action == canvas.ActionDrag {
		first.PointerMove(viewport.Point{X: grab.X + 20, Y: grab.Y + 200})
		moved, err := first.PointerUp(ctx, viewport.Point{X: grab.X + 40, Y: grab.Y + 400})
		if err != nil {
			return nil, err
		}
		if err := waitFor(ctx, func() bool {
			current, ok := first.Bridge().Shape(moved.Shape.ID)
			return ok && current.X == moved.Shape.X && current.Y == moved.Shape.Y
		}); err != nil {
			return nil, err
		}
		logger.Info("simulated drag", zap.String("shape_id", moved.Shape.ID), zap.Float64("x", moved.Shape.X), zap.Float64("y", moved.Shape.Y))
	}
	return first.Bridge().Shapes(), nil
}

func waitFor(ctx context.Context, condition func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !condition() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
