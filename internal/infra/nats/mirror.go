package nats

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"quiztime-live/internal/domain"
)

const DefaultSubjectPrefix = "quiz.sessions"

type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:           natsgo.DefaultURL,
		SubjectPrefix: DefaultSubjectPrefix,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// EventMirror republishes public session events on NATS so that other services
// (analytics, spectators) can follow a session without a WebSocket connection.
type EventMirror struct {
	nc     *natsgo.Conn
	prefix string
	clock  func() time.Time
}

type envelope struct {
	EventType string          `json:"eventType"`
	ServerID  int64           `json:"serverId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func Connect(cfg Config) (*EventMirror, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	opts := []natsgo.Option{
		natsgo.Name("quiztime-live"),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		natsgo.ErrorHandler(func(nc *natsgo.Conn, sub *natsgo.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &EventMirror{nc: nc, prefix: cfg.SubjectPrefix, clock: time.Now}, nil
}

// Subject is the NATS subject a session event is mirrored to.
func Subject(prefix string, sessionID int64, eventType string) string {
	return prefix + "." + strconv.FormatInt(sessionID, 10) + "." + eventType
}

// Mirror publishes without waiting for the server. Failures are logged and dropped.
func (m *EventMirror) Mirror(sessionID int64, event domain.Event) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", event.Type).Msg("marshal mirrored event")
		return
	}
	data, err := json.Marshal(envelope{
		EventType: event.Type,
		ServerID:  sessionID,
		Timestamp: m.clock().UTC(),
		Payload:   payload,
	})
	if err != nil {
		log.Error().Err(err).Str("event_type", event.Type).Msg("marshal mirrored event")
		return
	}
	if err := m.nc.Publish(Subject(m.prefix, sessionID, event.Type), data); err != nil {
		log.Warn().Err(err).Int64("session_id", sessionID).Str("event_type", event.Type).Msg("mirror event failed")
	}
}

// Close flushes pending messages and closes the connection.
func (m *EventMirror) Close() {
	if err := m.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("drain NATS connection")
		m.nc.Close()
	}
}
