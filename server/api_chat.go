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
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

type chatMessagesResponse struct {
	Messages   []*ChatMessage `json:"messages"`
	HasMore    bool           `json:"has_more"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type chatSendRequest struct {
	MatchID string `json:"match_id"`
	Message string `json:"message"`
}

type chatSendResponse struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *ApiServer) chatMessagesHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(s.logger, w, http.StatusBadRequest, errTagValidation, "limit must be a positive number")
			return
		}
		limit = parsed
	}

	list, err := ListMessages(r.Context(), s.logger, s.db, mux.Vars(r)["match_id"], callerID(r), query.Get("cursor"), limit)
	if err != nil {
		httpError(s.logger, w, err)
		return
	}

	writeJSON(s.logger, w, http.StatusOK, &chatMessagesResponse{
		Messages:   list.Messages,
		HasMore:    list.HasMore,
		NextCursor: list.NextCursor,
	})
}

func (s *ApiServer) chatSendHandler(w http.ResponseWriter, r *http.Request) {
	var request chatSendRequest
	if err := decodeJSON(r, &request); err != nil {
		httpError(s.logger, w, err)
		return
	}

	message, err := SendMessage(r.Context(), s.logger, s.db, s.metrics, s.limiter, s.eventRouter, request.MatchID, callerID(r), request.Message)
	if err != nil {
		httpError(s.logger, w, err)
		return
	}

	writeJSON(s.logger, w, http.StatusOK, &chatSendResponse{
		Success:   true,
		MessageID: message.ID,
		CreatedAt: message.CreatedAt,
	})
}
