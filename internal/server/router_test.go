package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/database"
	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/session"
	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const testSigningSecret = "integration-secret"

type testStack struct {
	server *httptest.Server
	issuer *auth.TokenIssuer
}

func newTestStack(t *testing.T) testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "wikinote.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	noteService, err := notes.NewService(notes.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build notes service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	hub, err := realtime.NewHub(realtime.HubConfig{IDProvider: realtime.NewUUIDProvider(), Logger: logger})
	if err != nil {
		t.Fatalf("failed to build hub: %v", err)
	}
	coordinator, err := session.NewCoordinator(session.Config{
		Rooms:       rooms.NewRegistry(),
		EditLocks:   rooms.NewEditLocks(),
		Documents:   noteService,
		Broadcaster: hub,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    "app_session",
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Users:            userService,
		Coordinator:      coordinator,
		Hub:              hub,
		Logger:           logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return testStack{server: server, issuer: issuer}
}

func (s testStack) token(t *testing.T, userID, userCode, name string) string {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken(auth.SessionClaims{
		UserID:          userID,
		UserCode:        userCode,
		UserDisplayName: name,
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s testStack) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	endpoint := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?access_token=" + url.QueryEscape(token)
	conn, response, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	if response.Body != nil {
		_ = response.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s testStack) members(t *testing.T, token, documentID string) (int, roomMembersResponse) {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, s.server.URL+"/wiki_note/"+documentID, http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()

	var body roomMembersResponse
	if response.StatusCode == http.StatusOK {
		if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode members: %v", err)
		}
	}
	return response.StatusCode, body
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	if err := conn.WriteJSON(inboundFrame{Event: event, Data: payload}); err != nil {
		t.Fatalf("failed to send %s: %v", event, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn, expected string) json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame inboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read %s: %v", expected, err)
	}
	if frame.Event != expected {
		t.Fatalf("expected event %s, got %s (%s)", expected, frame.Event, frame.Data)
	}
	return frame.Data
}

func TestHealthEndpoint(t *testing.T) {
	stack := newTestStack(t)

	response, err := http.Get(stack.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
}

func TestRoomMembersRequiresSession(t *testing.T) {
	stack := newTestStack(t)

	status, _ := stack.members(t, "", "42")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", status)
	}
}

func TestRoomMembersOfEmptyRoom(t *testing.T) {
	stack := newTestStack(t)

	status, body := stack.members(t, stack.token(t, "user-1", "A001", "Alice Smith"), "42")
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	if body.Room != "ROOM 42" {
		t.Fatalf("unexpected room key %q", body.Room)
	}
	if len(body.Members) != 0 {
		t.Fatalf("expected no members, got %v", body.Members)
	}
}

func TestWebsocketRejectsMissingSession(t *testing.T) {
	stack := newTestStack(t)

	endpoint := "ws" + strings.TrimPrefix(stack.server.URL, "http") + "/ws"
	_, response, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err == nil {
		t.Fatalf("expected dial to fail without a session")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %v", response)
	}
}

func TestCollaborativeEditingSession(t *testing.T) {
	stack := newTestStack(t)
	aliceToken := stack.token(t, "user-1", "A001", "Alice Smith")
	bobToken := stack.token(t, "user-2", "B002", "bob")

	alice := stack.dial(t, aliceToken)
	sendEvent(t, alice, session.EventEnterNote, map[string]any{"id": 42})
	readEvent(t, alice, session.EventEnterNoteSuccess)
	var state session.RoomState
	if err := json.Unmarshal(readEvent(t, alice, session.EventDisplayUser), &state); err != nil {
		t.Fatalf("failed to decode room state: %v", err)
	}
	if len(state.Members) != 1 || state.Members[0].IconTag != "AS" {
		t.Fatalf("unexpected members after first join: %#v", state.Members)
	}
	var content session.NoteContent
	if err := json.Unmarshal(readEvent(t, alice, session.EventNoteContent), &content); err != nil {
		t.Fatalf("failed to decode content: %v", err)
	}
	if content.Content != "" {
		t.Fatalf("expected empty document, got %q", content.Content)
	}

	bob := stack.dial(t, bobToken)
	sendEvent(t, bob, session.EventEnterNote, map[string]any{"id": "42"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		readEvent(t, conn, session.EventEnterNoteSuccess)
		if err := json.Unmarshal(readEvent(t, conn, session.EventDisplayUser), &state); err != nil {
			t.Fatalf("failed to decode room state: %v", err)
		}
		if len(state.Members) != 2 {
			t.Fatalf("expected two members, got %#v", state.Members)
		}
		readEvent(t, conn, session.EventNoteContent)
	}

	status, body := stack.members(t, aliceToken, "42")
	if status != http.StatusOK || len(body.Members) != 2 {
		t.Fatalf("expected two members over http, got %d %#v", status, body.Members)
	}

	sendEvent(t, alice, session.EventEditStart, map[string]any{"id": "42"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		if err := json.Unmarshal(readEvent(t, conn, session.EventIsEditing), &state); err != nil {
			t.Fatalf("failed to decode edit state: %v", err)
		}
		if len(state.Editors) != 1 || state.Editors[0].UserCode != "A001" {
			t.Fatalf("expected alice to hold the lock, got %#v", state.Editors)
		}
	}

	sendEvent(t, alice, session.EventUpdateNote, map[string]any{"id": "42", "note_content": "hello"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		readEvent(t, conn, session.EventReceiveNote)
		if err := json.Unmarshal(readEvent(t, conn, session.EventNoteContent), &content); err != nil {
			t.Fatalf("failed to decode content: %v", err)
		}
		if content.Content != "hello" || content.UpdatedBy != "A001" {
			t.Fatalf("unexpected committed content %#v", content)
		}
	}

	sendEvent(t, bob, session.EventEnterNote, map[string]any{})
	var exception session.Exception
	if err := json.Unmarshal(readEvent(t, bob, session.EventException), &exception); err != nil {
		t.Fatalf("failed to decode exception: %v", err)
	}
	if exception.Kind != string(session.KindValidation) {
		t.Fatalf("expected validation exception, got %#v", exception)
	}

	_ = alice.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	if err := json.Unmarshal(readEvent(t, bob, session.EventDisplayUser), &state); err != nil {
		t.Fatalf("failed to decode departure state: %v", err)
	}
	if len(state.Members) != 1 || state.Members[0].UserCode != "B002" {
		t.Fatalf("expected only bob to remain, got %#v", state.Members)
	}
	if len(state.Editors) != 0 {
		t.Fatalf("expected the edit lock to be released, got %#v", state.Editors)
	}
}
