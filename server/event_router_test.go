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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// startEventSocketServer upgrades every inbound connection into an event
// session registered with the router. Match and user identifiers come from
// query parameters so one server can host subscribers across matches. With
// drain disabled the session's outgoing queue is never consumed, which lets
// tests overflow it.
func startEventSocketServer(t *testing.T, router *LocalEventRouter, config Config, drain bool) *httptest.Server {
	upgrader := &websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := newEventSession(logger, config, metrics, r.URL.Query().Get("user_id"), r.URL.Query().Get("match_id"), conn, router.unregister)
		router.register(s)
		if drain {
			s.Consume()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialEventSocket(t *testing.T, srv *httptest.Server, matchID, userID string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?match_id=" + matchID + "&user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("error dialing event socket: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

// waitForSubscriberCount polls until the router tracks the expected number of
// sessions for the match. Registration happens on the server handler goroutine
// after the client handshake returns, so tests must not assume it is
// immediate.
func waitForSubscriberCount(t *testing.T, router *LocalEventRouter, matchID string, count int) {
	deadline := time.Now().Add(3 * time.Second)
	for {
		router.RLock()
		current := len(router.subscribers[matchID])
		router.RUnlock()
		if current == count {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers for match %v, have %d", count, matchID, current)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) *Event {
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("error reading event frame: %v", err)
	}
	event := &Event{}
	if err := json.Unmarshal(payload, event); err != nil {
		t.Fatalf("error decoding event frame: %v", err)
	}
	return event
}

func TestEventRouterFanout(t *testing.T) {
	router := NewLocalEventRouter(logger)
	defer router.Stop()
	srv := startEventSocketServer(t, router, cfg, true)

	matchA := GenerateString()
	matchB := GenerateString()
	connA1 := dialEventSocket(t, srv, matchA, "user-a1")
	connA2 := dialEventSocket(t, srv, matchA, "user-a2")
	connB := dialEventSocket(t, srv, matchB, "user-b1")
	waitForSubscriberCount(t, router, matchA, 2)
	waitForSubscriberCount(t, router, matchB, 1)

	router.Route(matchA, &Event{Type: EventTypeChatMessage, MatchID: matchA, Payload: map[string]interface{}{"text": "hello"}})

	for _, conn := range []*websocket.Conn{connA1, connA2} {
		event := readEvent(t, conn)
		assert.Equal(t, EventTypeChatMessage, event.Type, "event type")
		assert.Equal(t, matchA, event.MatchID, "event match id")
		assert.Equal(t, map[string]interface{}{"text": "hello"}, event.Payload, "event payload")
		assert.NotEmpty(t, event.CreatedAt, "expected created at to be stamped")
		_, err := time.Parse(time.RFC3339Nano, event.CreatedAt)
		assert.NoError(t, err, "created at format")
	}

	t.Run("preserves an explicit created at", func(t *testing.T) {
		stamp := "2024-06-01T12:00:00Z"
		router.Route(matchA, &Event{Type: EventTypeSessionCompleted, MatchID: matchA, CreatedAt: stamp})

		event := readEvent(t, connA1)
		assert.Equal(t, EventTypeSessionCompleted, event.Type, "event type")
		assert.Equal(t, stamp, event.CreatedAt, "event created at")
	})

	t.Run("does not cross match boundaries", func(t *testing.T) {
		_ = connB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		_, _, err := connB.ReadMessage()
		assert.Error(t, err, "expected no frames for the other match's subscriber")
	})
}

func TestEventRouterUnregister(t *testing.T) {
	router := NewLocalEventRouter(logger)
	defer router.Stop()
	srv := startEventSocketServer(t, router, cfg, true)

	matchID := GenerateString()
	conn1 := dialEventSocket(t, srv, matchID, "user-1")
	conn2 := dialEventSocket(t, srv, matchID, "user-2")
	waitForSubscriberCount(t, router, matchID, 2)

	// A client-side disconnect unregisters the session.
	conn1.Close()
	waitForSubscriberCount(t, router, matchID, 1)

	router.Route(matchID, &Event{Type: EventTypeSessionScheduled, MatchID: matchID})
	event := readEvent(t, conn2)
	assert.Equal(t, EventTypeSessionScheduled, event.Type, "surviving subscriber event type")

	conn2.Close()
	waitForSubscriberCount(t, router, matchID, 0)

	t.Run("empty match registry is removed", func(t *testing.T) {
		router.RLock()
		_, found := router.subscribers[matchID]
		router.RUnlock()
		assert.False(t, found, "expected the match registry to be dropped with its last subscriber")
	})
}

func TestEventRouterDropsSlowSubscriber(t *testing.T) {
	smallCfg := NewConfig()
	smallCfg.Socket.OutgoingQueueSize = 1

	router := NewLocalEventRouter(logger)
	defer router.Stop()
	// The outgoing queue is never drained, so the second event overflows it.
	srv := startEventSocketServer(t, router, smallCfg, false)

	matchID := GenerateString()
	conn := dialEventSocket(t, srv, matchID, "slow-user")
	waitForSubscriberCount(t, router, matchID, 1)

	router.Route(matchID, &Event{Type: EventTypeChatMessage, MatchID: matchID})
	router.Route(matchID, &Event{Type: EventTypeChatMessage, MatchID: matchID})

	waitForSubscriberCount(t, router, matchID, 0)

	// The overflowing session's connection is closed, not just unregistered.
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "expected the dropped subscriber's connection to be closed")
}

func TestEventRouterStop(t *testing.T) {
	router := NewLocalEventRouter(logger)
	srv := startEventSocketServer(t, router, cfg, true)

	matchA := GenerateString()
	matchB := GenerateString()
	connA := dialEventSocket(t, srv, matchA, "user-a")
	connB := dialEventSocket(t, srv, matchB, "user-b")
	waitForSubscriberCount(t, router, matchA, 1)
	waitForSubscriberCount(t, router, matchB, 1)

	router.Stop()

	for _, conn := range []*websocket.Conn{connA, connB} {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err, "expected a server-initiated close")
	}

	router.RLock()
	remaining := len(router.subscribers)
	router.RUnlock()
	assert.Equal(t, 0, remaining, "subscriber registries after stop")
}
