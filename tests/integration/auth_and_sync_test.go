package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/auth"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/database"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/durable"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/server"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/shapes"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "app_session"
	sessionIssuer        = "collabcanvas"
	sessionUserID        = "user-abc"
	canvasID             = "integration"
	jsonContentType      = "application/json"
)

func TestAuthAndSyncFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite("file:integration?mode=memory&cache=shared", zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	documents, err := durable.NewDocumentStore(durable.StoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build document store: %v", err)
	}
	registry, err := server.NewCanvasRegistry(server.CanvasRegistryConfig{Documents: documents, Canvas: shapes.DefaultCanvas})
	if err != nil {
		testContext.Fatalf("failed to build canvas registry: %v", err)
	}
	defer registry.Close()
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build user service: %v", err)
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}

	hub := ephemeral.NewHub(ephemeral.HubConfig{})
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions: sessionValidator,
		Users:    userService,
		Canvases: registry,
		Hub:      hub,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	sessionCookie := &http.Cookie{
		Name:  sessionCookieName,
		Value: mustMintSessionToken(testContext, sessionUserID),
	}

	meRequest, err := http.NewRequest(http.MethodGet, testServer.URL+"/me", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build me request: %v", err)
	}
	meRequest.AddCookie(sessionCookie)
	meResponse, err := http.DefaultClient.Do(meRequest)
	if err != nil {
		testContext.Fatalf("me request failed: %v", err)
	}
	defer meResponse.Body.Close()
	if meResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected me status: %d", meResponse.StatusCode)
	}
	var profile users.Profile
	if err := json.NewDecoder(meResponse.Body).Decode(&profile); err != nil {
		testContext.Fatalf("failed to decode profile: %v", err)
	}
	if profile.UserID != sessionUserID || !slices.Contains(users.Palette, profile.Color) {
		testContext.Fatalf("unexpected profile: %+v", profile)
	}

	dialHeader := http.Header{}
	dialHeader.Add("Cookie", sessionCookie.String())
	endpoint := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/canvases/" + canvasID + "/realtime"
	socket, _, err := websocket.DefaultDialer.Dial(endpoint, dialHeader)
	if err != nil {
		testContext.Fatalf("failed to dial realtime gateway: %v", err)
	}
	defer socket.Close()
	if err := socket.WriteJSON(map[string]any{"id": "presence", "op": server.OpSubscribe, "path": "presence"}); err != nil {
		testContext.Fatalf("failed to subscribe: %v", err)
	}
	if err := socket.WriteJSON(map[string]any{
		"id":    "join",
		"op":    server.OpSet,
		"path":  "presence/" + sessionUserID + "/sessions/tab-1",
		"value": map[string]any{"sessionId": "tab-1", "userId": sessionUserID, "color": profile.Color, "isActive": true, "timestamp": time.Now().UnixMilli()},
	}); err != nil {
		testContext.Fatalf("failed to join presence: %v", err)
	}
	if err := socket.WriteJSON(map[string]any{
		"id":   "cleanup",
		"op":   server.OpOnDisconnectRemove,
		"path": "presence/" + sessionUserID + "/sessions/tab-1",
	}); err != nil {
		testContext.Fatalf("failed to register cleanup: %v", err)
	}
	_ = socket.SetReadDeadline(time.Now().Add(2 * time.Second))
	for joined, armed := false, false; !joined || !armed; {
		var frame map[string]any
		if err := socket.ReadJSON(&frame); err != nil {
			testContext.Fatalf("failed waiting for presence snapshot: %v", err)
		}
		if (frame["id"] == "join" || frame["id"] == "cleanup") && frame["ok"] != true {
			testContext.Fatalf("realtime request rejected: %v", frame)
		}
		if frame["id"] == "cleanup" {
			armed = true
		}
		if frame["op"] == server.OpSnapshot {
			present, _ := frame["value"].(map[string]any)
			joined = present[sessionUserID] != nil
		}
	}

	createBody, err := json.Marshal(map[string]any{"x": 120, "y": 240, "width": 80, "height": 60})
	if err != nil {
		testContext.Fatalf("failed to encode shape: %v", err)
	}
	createRequest, err := http.NewRequest(http.MethodPost, testServer.URL+"/canvases/"+canvasID+"/shapes", bytes.NewReader(createBody))
	if err != nil {
		testContext.Fatalf("failed to build create request: %v", err)
	}
	createRequest.Header.Set("Content-Type", jsonContentType)
	createRequest.AddCookie(sessionCookie)
	createResponse, err := http.DefaultClient.Do(createRequest)
	if err != nil {
		testContext.Fatalf("create request failed: %v", err)
	}
	defer createResponse.Body.Close()
	if createResponse.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected create status: %d", createResponse.StatusCode)
	}
	var created shapes.Shape
	if err := json.NewDecoder(createResponse.Body).Decode(&created); err != nil {
		testContext.Fatalf("failed to decode shape: %v", err)
	}
	if created.Fill != profile.Color {
		testContext.Fatalf("expected shape to take the user color, got %q", created.Fill)
	}

	stored, err := documents.Collection(server.ShapesCollection(canvasID))
	if err != nil {
		testContext.Fatalf("failed to open collection: %v", err)
	}
	listed, err := stored.List(testContext.Context())
	if err != nil {
		testContext.Fatalf("failed to list documents: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID {
		testContext.Fatalf("expected shape %s to be persisted, got %+v", created.ID, listed)
	}

	if err := socket.Close(); err != nil {
		testContext.Fatalf("failed to close socket: %v", err)
	}
	layout, err := ephemeral.NewLayout(canvasID)
	if err != nil {
		testContext.Fatalf("unexpected layout error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			testContext.Fatalf("realtime connection was not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	presence, err := hub.Read(layout.Presence())
	if err != nil {
		testContext.Fatalf("failed to read presence: %v", err)
	}
	if presence.Exists() {
		testContext.Fatalf("expected presence to be removed on disconnect")
	}
}

func mustMintSessionToken(testContext *testing.T, userID string) string {
	testContext.Helper()
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	token, _, err := issuer.IssueSessionToken(auth.TokenIdentity{UserID: userID})
	if err != nil {
		testContext.Fatalf("failed to mint session token: %v", err)
	}
	return token
}
