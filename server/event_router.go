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
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	EventTypeChatMessage      = "chat_message"
	EventTypeSessionScheduled = "session_scheduled"
	EventTypeSessionCompleted = "session_completed"
	EventTypeSessionCancelled = "session_cancelled"
	EventTypeMatchAccepted    = "match_accepted"
)

// Event is a realtime frame delivered to WebSocket subscribers of a match.
type Event struct {
	Type      string      `json:"type"`
	MatchID   string      `json:"match_id"`
	Payload   interface{} `json:"payload,omitempty"`
	CreatedAt string      `json:"created_at"`
}

// EventRouter fans lifecycle and chat events out to connected participants.
// Delivery is best effort and happens only after the DB write committed.
type EventRouter interface {
	Route(matchID string, event *Event)
	Stop()
}

// LocalEventRouter keeps per-match registries of event sessions on this node.
type LocalEventRouter struct {
	sync.RWMutex
	logger *zap.Logger

	subscribers map[string]map[string]*eventSession
}

func NewLocalEventRouter(logger *zap.Logger) *LocalEventRouter {
	return &LocalEventRouter{
		logger: logger,

		subscribers: make(map[string]map[string]*eventSession),
	}
}

func (r *LocalEventRouter) register(s *eventSession) {
	r.Lock()
	sessions, found := r.subscribers[s.matchID]
	if !found {
		sessions = make(map[string]*eventSession, 2)
		r.subscribers[s.matchID] = sessions
	}
	sessions[s.id] = s
	r.Unlock()
}

func (r *LocalEventRouter) unregister(s *eventSession) {
	r.Lock()
	if sessions, found := r.subscribers[s.matchID]; found {
		delete(sessions, s.id)
		if len(sessions) == 0 {
			delete(r.subscribers, s.matchID)
		}
	}
	r.Unlock()
}

// Route delivers the event to every subscriber of the match. A subscriber
// whose outgoing queue is full is disconnected rather than allowed to block
// the router.
func (r *LocalEventRouter) Route(matchID string, event *Event) {
	if event.CreatedAt == "" {
		event.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("Could not encode event.", zap.String("event_type", event.Type), zap.Error(err))
		return
	}

	r.RLock()
	sessions := make([]*eventSession, 0, len(r.subscribers[matchID]))
	for _, s := range r.subscribers[matchID] {
		sessions = append(sessions, s)
	}
	r.RUnlock()

	for _, s := range sessions {
		s.enqueue(payload)
	}
}

func (r *LocalEventRouter) Stop() {
	r.Lock()
	sessions := make([]*eventSession, 0, 16)
	for _, matchSessions := range r.subscribers {
		for _, s := range matchSessions {
			sessions = append(sessions, s)
		}
	}
	r.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
