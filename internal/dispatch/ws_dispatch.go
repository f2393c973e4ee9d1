package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrNoSession = errors.New("no ws session")

// Envelope is the frame written to WebSocket clients.
type Envelope struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// WSSession represents a connected user or driver.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
	subs map[string]bool
}

func (s *WSSession) Send(e Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(e)
}

func (s *WSSession) subscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[topic]
}

// WSRegistry holds one session per user and implements Publisher.
// /user/{id}/... topics go to that user; any other topic goes to the
// sessions that subscribed to it.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *zap.Logger
}

func NewWSRegistry(logger *zap.Logger) *WSRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Add registers conn for userID, closing any previous session of that user.
func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	prev := r.sessions[userID]
	r.sessions[userID] = &WSSession{conn: conn, subs: make(map[string]bool)}
	r.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
}

// Remove drops the session if conn is still the registered one.
func (r *WSRegistry) Remove(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok && s.conn == conn {
		delete(r.sessions, userID)
	}
}

func (r *WSRegistry) Subscribe(userID, topic string) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	s.mu.Lock()
	s.subs[topic] = true
	s.mu.Unlock()
	return nil
}

// Subscribed reports whether userID's session follows topic.
func (r *WSRegistry) Subscribed(userID, topic string) bool {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	return ok && s.subscribed(topic)
}

func (r *WSRegistry) Send(userID string, e Envelope) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(e); err != nil {
		r.logger.Warn("ws send error", zap.String("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

// Publish never reports a missing session; delivery is best effort.
func (r *WSRegistry) Publish(_ context.Context, topic string, payload any) error {
	e := Envelope{Topic: topic, Payload: payload}
	if userID, ok := userFromTopic(topic); ok {
		if err := r.Send(userID, e); err != nil && !errors.Is(err, ErrNoSession) {
			return err
		}
		return nil
	}

	r.mu.RLock()
	targets := make([]*WSSession, 0)
	for _, s := range r.sessions {
		if s.subscribed(topic) {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	var errs []error
	for _, s := range targets {
		if err := s.Send(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func userFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, "/user/")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	return id, ok && id != ""
}
