// Copyright 2024 The Wingman Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// NewChatSocketAcceptor returns the handler that upgrades authenticated match
// participants to a WebSocket event stream for a single match.
func NewChatSocketAcceptor(logger *zap.Logger, config Config, db *sql.DB, metrics Metrics, router *LocalEventRouter) func(http.ResponseWriter, *http.Request) {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, r *http.Request) {
		// Check authentication.
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "Missing or invalid token", 401)
			return
		}
		userID, _, ok := parseToken([]byte(config.GetSession().EncryptionKey), token)
		if !ok {
			http.Error(w, "Missing or invalid token", 401)
			return
		}

		// Only the two matched users may subscribe to a match stream.
		matchID := r.URL.Query().Get("match_id")
		if matchID == "" {
			http.Error(w, "Missing match_id", 400)
			return
		}
		match, err := GetMatch(r.Context(), logger, db, matchID)
		if err != nil {
			if err == ErrMatchNotFound {
				http.Error(w, "Match not found", 404)
			} else {
				http.Error(w, "Could not look up match", 500)
			}
			return
		}
		if _, isParticipant := match.OtherUser(userID); !isParticipant {
			http.Error(w, "User is not a participant in this match", 403)
			return
		}

		// Upgrade to WebSocket.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// http.Error is invoked automatically from within the Upgrade function.
			logger.Warn("Could not upgrade to WebSocket", zap.Error(err))
			return
		}

		s := newEventSession(logger, config, metrics, userID, matchID, conn, router.unregister)
		router.register(s)
		metrics.CountWebsocketOpened(1)

		// Blocks until the connection is closed from either side.
		s.Consume()
	}
}

// eventSession encapsulates one WebSocket subscriber of a match event stream.
// Clients are listen-only. Messages are sent through the REST API and fan out
// here after commit.
type eventSession struct {
	sync.Mutex
	logger           *zap.Logger
	config           Config
	metrics          Metrics
	id               string
	userID           string
	matchID          string
	stopped          bool
	conn             *websocket.Conn
	outgoingCh       chan []byte
	pingTicker       *time.Ticker
	pingTickerStopCh chan bool
	unregister       func(s *eventSession)
}

func newEventSession(logger *zap.Logger, config Config, metrics Metrics, userID, matchID string, websocketConn *websocket.Conn, unregister func(s *eventSession)) *eventSession {
	sessionID := uuid.Must(uuid.NewV4()).String()
	sessionLogger := logger.With(zap.String("uid", userID), zap.String("sid", sessionID), zap.String("mid", matchID))

	sessionLogger.Debug("New event session connected")

	return &eventSession{
		logger:           sessionLogger,
		config:           config,
		metrics:          metrics,
		id:               sessionID,
		userID:           userID,
		matchID:          matchID,
		stopped:          false,
		conn:             websocketConn,
		outgoingCh:       make(chan []byte, config.GetSocket().OutgoingQueueSize),
		pingTicker:       time.NewTicker(time.Duration(config.GetSocket().PingPeriodMs) * time.Millisecond),
		pingTickerStopCh: make(chan bool),
		unregister:       unregister,
	}
}

// Consume runs the read loop. Inbound application frames are not part of the
// protocol so reads only service pong control frames and disconnect detection.
func (s *eventSession) Consume() {
	defer s.cleanupClosedConnection()
	s.conn.SetReadLimit(s.config.GetSocket().MaxRequestSizeBytes)
	s.conn.SetReadDeadline(time.Now().Add(time.Duration(s.config.GetSocket().PongWaitMs) * time.Millisecond))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(time.Duration(s.config.GetSocket().PongWaitMs) * time.Millisecond))
		return nil
	})

	// Send an initial ping immediately, then at intervals.
	s.pingNow()
	go s.pingPeriodically()
	go s.processOutgoing()

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Warn("Error reading message from client", zap.Error(err))
			}
			break
		}
	}
}

// enqueue hands an encoded event to the session without blocking the caller.
// A full queue means the client cannot keep up, so the connection is dropped.
func (s *eventSession) enqueue(payload []byte) {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	select {
	case s.outgoingCh <- payload:
		s.Unlock()
	default:
		s.Unlock()
		s.logger.Warn("Could not enqueue event, session outgoing queue full. Closing channel", zap.String("remoteAddress", s.conn.RemoteAddr().String()))
		s.cleanupClosedConnection()
	}
}

func (s *eventSession) processOutgoing() {
	for payload := range s.outgoingCh {
		s.sendText(payload)
	}
}

func (s *eventSession) pingPeriodically() {
	for {
		select {
		case <-s.pingTicker.C:
			if !s.pingNow() {
				// If ping fails the session will be stopped, clean up the loop.
				return
			}
		case <-s.pingTickerStopCh:
			return
		}
	}
}

func (s *eventSession) pingNow() bool {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return false
	}
	s.conn.SetWriteDeadline(time.Now().Add(time.Duration(s.config.GetSocket().WriteWaitMs) * time.Millisecond))
	err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
	s.Unlock()
	if err != nil {
		s.logger.Warn("Could not send ping. Closing channel", zap.String("remoteAddress", s.conn.RemoteAddr().String()), zap.Error(err))
		s.cleanupClosedConnection() // The connection has already failed
		return false
	}

	return true
}

func (s *eventSession) sendText(payload []byte) error {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return nil
	}

	s.conn.SetWriteDeadline(time.Now().Add(time.Duration(s.config.GetSocket().WriteWaitMs) * time.Millisecond))
	err := s.conn.WriteMessage(websocket.TextMessage, payload)
	if err != nil {
		s.logger.Warn("Could not write message", zap.Error(err))
	}

	return err
}

func (s *eventSession) cleanupClosedConnection() {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	close(s.outgoingCh)
	s.Unlock()

	s.logger.Debug("Cleaning up closed client connection", zap.String("remoteAddress", s.conn.RemoteAddr().String()))
	s.unregister(s)
	s.pingTicker.Stop()
	close(s.pingTickerStopCh)
	s.conn.Close()
	s.metrics.CountWebsocketClosed(1)
	s.logger.Debug("Closed client connection")
}

// Close is used when the server initiates the disconnect, usually at shutdown.
func (s *eventSession) Close() {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	close(s.outgoingCh)
	s.Unlock()

	s.unregister(s)
	s.pingTicker.Stop()
	close(s.pingTickerStopCh)
	err := s.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Duration(s.config.GetSocket().WriteWaitMs)*time.Millisecond))
	if err != nil {
		s.logger.Warn("Could not send close message. Closing prematurely.", zap.String("remoteAddress", s.conn.RemoteAddr().String()), zap.Error(err))
	}
	s.conn.Close()
	s.metrics.CountWebsocketClosed(1)
	s.logger.Debug("Closed client connection")
}
