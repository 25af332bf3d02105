package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quiztime-live/internal/app"
	"quiztime-live/internal/broadcast"
	"quiztime-live/internal/domain"
	"quiztime-live/internal/infra/memory"
)

type testServer struct {
	url      string
	registry *app.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	router := broadcast.NewRouter(nil)
	quizzes := memory.NewStaticQuizStore(sampleQuizzes(), map[int64]string{1: "Host", 2: "Alice", 3: "Bob"})
	registry := app.NewRegistry(memory.NewSessionStore(), quizzes, nil, router, app.RegistryConfig{})
	wsHandler := NewWSHandler(registry, router, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	mux.Handle("/sessions", NewLobbyHandler(registry))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &testServer{url: server.URL, registry: registry}
}

func (s *testServer) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	u := "ws" + s.url[len("http"):] + "/ws?userId=" + strconv.FormatInt(userID, 10)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *testServer) waitLoaded(t *testing.T, id int64) {
	t.Helper()
	session, err := s.registry.Find(id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	select {
	case <-session.Loaded():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %d never loaded", id)
	}
}

func TestWebSocketQuizFlow(t *testing.T) {
	srv := newTestServer(t)
	host := srv.dial(t, 1)
	alice := srv.dial(t, 2)
	bob := srv.dial(t, 3)

	send(t, host, map[string]any{"type": "createServer", "hostId": 1, "quizId": 1, "timeLimit": 20})
	created := readUntil(t, host, "serverCreated")
	serverID := int64(created.Payload["serverId"].(float64))
	srv.waitLoaded(t, serverID)

	send(t, alice, map[string]any{"type": "joinServer", "serverId": serverID, "userId": 2})
	joined := readUntil(t, alice, "playerJoined")
	if joined.Payload["quizName"] != "Arithmetic" || joined.Payload["hostname"] != "Host" {
		t.Fatalf("unexpected roster payload %+v", joined.Payload)
	}
	send(t, bob, map[string]any{"type": "joinServer", "serverId": serverID, "userId": 3})
	roster := readUntilPlayers(t, host, 2)
	players := roster.Payload["players"].([]any)
	if players[0].(map[string]any)["name"] != "Alice" || players[1].(map[string]any)["name"] != "Bob" {
		t.Fatalf("unexpected join order %+v", players)
	}

	send(t, host, map[string]any{"type": "nextQuestion", "serverId": serverID})
	hostQ := readUntil(t, host, "hostQuestion")
	if hostQ.Payload["numberOfQuestions"].(float64) != 1 {
		t.Fatalf("unexpected host question %+v", hostQ.Payload)
	}
	question := readUntil(t, alice, "question")
	if _, leaked := question.Payload["question"].(map[string]any)["correct"]; leaked {
		t.Fatalf("question revealed the correct index: %+v", question.Payload)
	}

	send(t, alice, map[string]any{"type": "playerAnswer", "serverId": serverID, "playerId": 2, "answer": 1})
	ack := readUntil(t, bob, "answerReceived")
	if ack.Payload["playerId"].(float64) != 2 || ack.Payload["answer"].(float64) != 1 {
		t.Fatalf("unexpected ack %+v", ack.Payload)
	}
	send(t, bob, map[string]any{"type": "playerAnswer", "serverId": serverID, "playerId": 3, "answer": 0})
	readUntil(t, host, "questionClosed")

	send(t, host, map[string]any{"type": "nextQuestion", "serverId": serverID})
	readUntil(t, bob, "result")

	send(t, bob, map[string]any{"type": "getResults", "serverId": serverID})
	results := readUntilExcluding(t, bob, "results", "hostQuestion")
	entries := results.Payload["results"].([]any)
	first := entries[0].(map[string]any)
	if first["name"] != "Alice" || first["correct"].(float64) != 1 {
		t.Fatalf("unexpected ranking %+v", entries)
	}
}

func TestWebSocketRejectsImpersonation(t *testing.T) {
	srv := newTestServer(t)
	host := srv.dial(t, 1)
	mallory := srv.dial(t, 3)

	send(t, host, map[string]any{"type": "createServer", "hostId": 1, "quizId": 1})
	serverID := int64(readUntil(t, host, "serverCreated").Payload["serverId"].(float64))
	srv.waitLoaded(t, serverID)

	send(t, mallory, map[string]any{"type": "nextQuestion", "serverId": serverID})
	errEvent := readUntil(t, mallory, "error")
	if errEvent.Payload["kind"] != string(domain.KindUnauthorized) {
		t.Fatalf("expected Unauthorized, got %+v", errEvent.Payload)
	}

	send(t, mallory, map[string]any{"type": "joinServer", "serverId": serverID, "userId": 2})
	errEvent = readUntil(t, mallory, "error")
	if errEvent.Payload["kind"] != string(domain.KindUnauthorized) {
		t.Fatalf("expected Unauthorized for a foreign userId, got %+v", errEvent.Payload)
	}
}

func TestWebSocketErrorsAndUnknownTypes(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t, 2)

	send(t, conn, map[string]any{"type": "danceParty"})
	send(t, conn, map[string]any{"type": "getResults", "serverId": 99})
	errEvent := readNext(t, conn)
	if errEvent.Type != "error" || errEvent.Payload["kind"] != string(domain.KindNotFound) {
		t.Fatalf("expected NotFound error as first frame, got %+v", errEvent)
	}
	if errEvent.Payload["serverId"].(float64) != 99 {
		t.Fatalf("expected error to carry the session id, got %+v", errEvent.Payload)
	}
}

func TestWebSocketSessionIsolation(t *testing.T) {
	srv := newTestServer(t)
	hostA := srv.dial(t, 1)
	hostB := srv.dial(t, 3)
	player := srv.dial(t, 2)

	send(t, hostA, map[string]any{"type": "createServer", "hostId": 1, "quizId": 1})
	a := int64(readUntil(t, hostA, "serverCreated").Payload["serverId"].(float64))
	send(t, hostB, map[string]any{"type": "createServer", "hostId": 3, "quizId": 1})
	b := int64(readUntil(t, hostB, "serverCreated").Payload["serverId"].(float64))
	srv.waitLoaded(t, a)
	srv.waitLoaded(t, b)

	send(t, player, map[string]any{"type": "joinServer", "serverId": a, "userId": 2})
	readUntil(t, hostA, "playerJoined")

	send(t, hostA, map[string]any{"type": "nextQuestion", "serverId": a})
	readUntil(t, player, "question")

	// hostB must only see its own session: a getQuestion reply for b is empty,
	// so the next frame is the curTime broadcast of b.
	send(t, hostB, map[string]any{"type": "getQuestion", "serverId": b})
	send(t, hostB, map[string]any{"type": "curTime", "serverId": b})
	msg := readNext(t, hostB)
	if msg.Type != "curTime" {
		t.Fatalf("session %d leaked %q into session %d", a, msg.Type, b)
	}
}

// lingeringStore keeps sessions reachable after removal, like a dispatch that looked
// the session up just before it was torn down.
type lingeringStore struct {
	*memory.SessionStore
}

func (lingeringStore) Delete(int64) {}

func TestWebSocketRetiredSessionIsNotResubscribed(t *testing.T) {
	router := broadcast.NewRouter(nil)
	quizzes := memory.NewStaticQuizStore(sampleQuizzes(), map[int64]string{1: "Host"})
	registry := app.NewRegistry(lingeringStore{memory.NewSessionStore()}, quizzes, nil, router, app.RegistryConfig{})
	server := httptest.NewServer(http.HandlerFunc(NewWSHandler(registry, router, nil).ServeWS))
	t.Cleanup(server.Close)
	srv := &testServer{url: server.URL, registry: registry}

	host := srv.dial(t, 1)
	send(t, host, map[string]any{"type": "createServer", "hostId": 1, "quizId": 1})
	serverID := int64(readUntil(t, host, "serverCreated").Payload["serverId"].(float64))
	srv.waitLoaded(t, serverID)
	if !registry.Remove(serverID) {
		t.Fatalf("expected session removed")
	}

	send(t, host, map[string]any{"type": "nextQuestion", "serverId": serverID})
	errEvent := readUntil(t, host, "error")
	if errEvent.Payload["kind"] != string(domain.KindNotFound) {
		t.Fatalf("expected NotFound for a retired session, got %+v", errEvent.Payload)
	}
	if n := router.Subscribers(serverID); n != 0 {
		t.Fatalf("expected no subscribers for a retired session, got %d", n)
	}
}

func TestWebSocketRequiresUserID(t *testing.T) {
	srv := newTestServer(t)
	u := "ws" + srv.url[len("http"):] + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("expected handshake failure without userId")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func TestLobbyListsSessions(t *testing.T) {
	srv := newTestServer(t)
	host := srv.dial(t, 1)
	send(t, host, map[string]any{"type": "createServer", "hostId": 1, "quizId": 1})
	serverID := int64(readUntil(t, host, "serverCreated").Payload["serverId"].(float64))
	srv.waitLoaded(t, serverID)

	resp, err := http.Get(srv.url + "/sessions")
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	defer resp.Body.Close()
	var list []domain.SessionSummary
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].SessionID != serverID || list[0].QuizName != "Arithmetic" || list[0].HostName != "Host" {
		t.Fatalf("unexpected lobby %+v", list)
	}

	resp, err = http.Post(srv.url+"/sessions", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post sessions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

type frame struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %v: %v", msg["type"], err)
	}
}

func readNext(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	var msg frame
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	return msg
}

func readUntil(t *testing.T, conn *websocket.Conn, expect string) frame {
	t.Helper()
	return readUntilExcluding(t, conn, expect, "")
}

// readUntilExcluding skips frames until expect arrives, failing if forbidden shows up first.
func readUntilExcluding(t *testing.T, conn *websocket.Conn, expect, forbidden string) frame {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := readNext(t, conn)
		if forbidden != "" && msg.Type == forbidden {
			t.Fatalf("received forbidden %s frame: %+v", forbidden, msg.Payload)
		}
		if msg.Type == expect {
			return msg
		}
	}
	t.Fatalf("never received %s", expect)
	return frame{}
}

func readUntilPlayers(t *testing.T, conn *websocket.Conn, n int) frame {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := readUntil(t, conn, "playerJoined")
		players, _ := msg.Payload["players"].([]any)
		if len(players) == n && allNamed(players) {
			return msg
		}
	}
	t.Fatalf("roster never reached %d named players", n)
	return frame{}
}

func allNamed(players []any) bool {
	for _, p := range players {
		if p.(map[string]any)["name"] == "" {
			return false
		}
	}
	return true
}

func sampleQuizzes() []domain.Quiz {
	return []domain.Quiz{
		{
			ID:    1,
			Title: "Arithmetic",
			Questions: []domain.Question{
				{
					Position: 1,
					Text:     "What is 2 + 2?",
					Choices:  [4]string{"3", "4", "5", "22"},
					Correct:  1,
				},
			},
		},
	}
}
