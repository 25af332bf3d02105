package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quiztime-live/internal/app"
	"quiztime-live/internal/broadcast"
	"quiztime-live/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Inbound session-control message types.
const (
	msgCreateServer = "createServer"
	msgJoinServer   = "joinServer"
	msgLeaveServer  = "leaveServer"
	msgHostJoin     = "hostJoin"
	msgStartServer  = "startServer"
	msgNextQuestion = "nextQuestion"
	msgGetQuestion  = "getQuestion"
	msgPlayerAnswer = "playerAnswer"
	msgCurTime      = "curTime"
	msgGetResults   = "getResults"
)

type WSHandler struct {
	registry *app.Registry
	router   *broadcast.Router
	upgrader websocket.Upgrader
}

// NewWSHandler builds the WebSocket endpoint. An empty origin list accepts any origin.
func NewWSHandler(registry *app.Registry, router *broadcast.Router, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		registry: registry,
		router:   router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// inboundMessage is the flat union of every session-control message.
type inboundMessage struct {
	Type      string `json:"type"`
	ServerID  int64  `json:"serverId"`
	HostID    int64  `json:"hostId"`
	QuizID    int64  `json:"quizId"`
	UserID    int64  `json:"userId"`
	PlayerID  int64  `json:"playerId"`
	Answer    *int   `json:"answer"`
	TimeLimit int    `json:"timeLimit"`
}

// ServeWS upgrades HTTP requests to websockets and routes session-control messages to the registry.
// The connection's identity comes from the userId query parameter.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "missing or invalid userId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	sub := h.router.NewSubscriber(userID)
	logger := log.With().Str("connection_id", sub.ID).Int64("user_id", userID).Logger()
	logger.Debug().Msg("connection opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for data := range sub.Messages() {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug().Err(err).Msg("ws write error")
				// unblock the reader
				conn.Close()
				return
			}
		}
		// the router closed the queue (slow consumer or shutdown)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("ws read error")
			}
			break
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sub.Deliver(domain.NewErrorEvent(0, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)))
			continue
		}
		if err := h.dispatch(r.Context(), sub, msg); err != nil {
			logger.Debug().Err(err).Str("type", msg.Type).Int64("session_id", msg.ServerID).Msg("message rejected")
			sub.Deliver(domain.NewErrorEvent(msg.ServerID, err))
		}
	}

	h.router.Close(sub)
	<-writerDone
	logger.Debug().Msg("connection closed")
}

func (h *WSHandler) dispatch(ctx context.Context, sub *broadcast.Subscriber, msg inboundMessage) error {
	switch msg.Type {
	case msgCreateServer:
		hostID, err := identity(sub, msg.HostID)
		if err != nil {
			return err
		}
		id, err := h.registry.Create(ctx, hostID, msg.QuizID, msg.TimeLimit)
		if err != nil {
			return err
		}
		h.router.Subscribe(id, sub)
		sub.Deliver(domain.Event{Type: domain.EventServerCreated, Payload: domain.ServerCreatedPayload{ServerID: id}})
		return nil
	case msgJoinServer, msgLeaveServer, msgHostJoin, msgStartServer, msgNextQuestion,
		msgGetQuestion, msgPlayerAnswer, msgCurTime, msgGetResults:
	default:
		log.Warn().Str("type", msg.Type).Int64("user_id", sub.UserID).Msg("unknown message type ignored")
		return nil
	}

	session, err := h.registry.Find(msg.ServerID)
	if err != nil {
		return err
	}
	h.router.Subscribe(session.ID(), sub)
	// retirement forgets subscribers after flagging the session, so a set rebuilt by a
	// racing subscribe is dropped here
	if session.Retired() {
		h.router.Unsubscribe(session.ID(), sub)
		return fmt.Errorf("%w: %d", domain.ErrSessionNotFound, session.ID())
	}

	switch msg.Type {
	case msgJoinServer:
		userID, err := identity(sub, msg.UserID)
		if err != nil {
			return err
		}
		added, err := session.Join(userID)
		if err != nil {
			return err
		}
		if !added {
			sub.Deliver(session.RosterEvent())
		}
	case msgLeaveServer:
		userID, err := identity(sub, msg.UserID)
		if err != nil {
			return err
		}
		if err := session.Leave(userID); err != nil {
			return err
		}
		h.router.Unsubscribe(session.ID(), sub)
	case msgHostJoin:
		return session.HostJoin(sub.UserID)
	case msgStartServer:
		return session.Start(sub.UserID)
	case msgNextQuestion:
		return session.Advance(sub.UserID)
	case msgGetQuestion:
		if q, ok := session.ActiveQuestion(); ok {
			sub.Deliver(domain.Event{Type: domain.EventQuestion, Payload: q})
		}
	case msgPlayerAnswer:
		playerID, err := identity(sub, msg.PlayerID)
		if err != nil {
			return err
		}
		if msg.Answer == nil {
			return fmt.Errorf("%w: answer is required", domain.ErrInvalidMessage)
		}
		return session.SubmitAnswer(playerID, *msg.Answer)
	case msgCurTime:
		session.AnnounceTime()
	case msgGetResults:
		results, err := session.Results()
		if err != nil {
			return err
		}
		sub.Deliver(domain.Event{Type: domain.EventResults, Payload: domain.ResultsPayload{Results: results}})
	}
	return nil
}

// identity resolves an id field against the connection's identity. Zero means "me".
func identity(sub *broadcast.Subscriber, claimed int64) (int64, error) {
	if claimed == 0 || claimed == sub.UserID {
		return sub.UserID, nil
	}
	return 0, fmt.Errorf("%w: connection is not user %d", domain.ErrUnauthorized, claimed)
}
