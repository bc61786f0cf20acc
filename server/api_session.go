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
	"time"

	"github.com/gorilla/mux"
)

type sessionCreateRequest struct {
	MatchID          string `json:"match_id"`
	VenueName        string `json:"venue_name"`
	Time             string `json:"time"`
	User1ChallengeID string `json:"user1_challenge_id"`
	User2ChallengeID string `json:"user2_challenge_id"`
}

type sessionCreateResponse struct {
	Success           bool      `json:"success"`
	SessionID         string    `json:"session_id"`
	ScheduledTime     time.Time `json:"scheduled_time"`
	VenueName         string    `json:"venue_name"`
	NotificationsSent bool      `json:"notifications_sent"`
}

type sessionConfirmRequest struct {
	BuddyUserID string `json:"buddy_user_id"`
}

type sessionConfirmResponse struct {
	Success       bool   `json:"success"`
	SessionStatus string `json:"session_status"`
	BothConfirmed bool   `json:"both_confirmed"`
}

type sessionConfirmCompletionRequest struct {
	SessionID string `json:"session_id"`
}

type sessionConfirmCompletionResponse struct {
	Success           bool   `json:"success"`
	BothConfirmed     bool   `json:"both_confirmed"`
	ReputationUpdated bool   `json:"reputation_updated"`
	SessionStatus     string `json:"session_status"`
}

type sessionNotesRequest struct {
	Notes string `json:"notes"`
}

type sessionNotesResponse struct {
	Success      bool   `json:"success"`
	UpdatedNotes string `json:"updated_notes"`
}

type sessionCancelRequest struct {
	Reason string `json:"reason"`
}

type sessionCancelResponse struct {
	Success       bool   `json:"success"`
	SessionStatus string `json:"session_status"`
}

func (s *ApiServer) sessionCreateHandler(w http.ResponseWriter, r *http.Request) {
	var request sessionCreateRequest
	if err := decodeJSON(r, &request); err != nil {
		httpError(s.logger, w, err)
		return
	}
	scheduledTime, err := time.Parse(time.RFC3339, request.Time)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, errTagValidation, "time must be a valid RFC 3339 timestamp")
		return
	}

	session, notificationsSent, err := CreateSession(r.Context(), s.logger, s.db, s.metrics, s.cache, s.notifier, s.eventRouter, callerID(r), &SessionCreate{
		MatchID:          request.MatchID,
		VenueName:        request.VenueName,
		ScheduledTime:    scheduledTime,
		User1ChallengeID: request.User1ChallengeID,
		User2ChallengeID: request.User2ChallengeID,
	})
	if err != nil {
		httpError(s.logger, w, err)
		return
	}

	writeJSON(s.logger, w, http.StatusOK, &sessionCreateResponse{
		Success:           true,
		SessionID:         session.ID,
		ScheduledTime:     session.ScheduledTime,
		VenueName:         session.VenueName,
		NotificationsSent: notificationsSent,
	})
}

func (s *ApiServer) sessionGetHandler(w http.ResponseWriter, r *http.Request) {
	data, err := GetSession(r.Context(), s.logger, s.db, s.cache, mux.Vars(r)["session_id"], callerID(r))
	if err != nil {
		httpError(s.logger, w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, data)
}

// sessionConfirmHandler records that the caller vouches for their buddy's
// completed approach. The caller confirms the buddy, never themselves.
func (s *ApiServer) sessionConfirmHandler(w http.ResponseWriter, r *http.Request) {
	var request sessionConfirmRequest
	if err := decodeJSON(r, &request); err != nil {
		httpError(s.logger, w, err)
		return
	}

	result, err := ConfirmBuddyCompletion(r.Context(), s.logger, s.db, s.metrics, s.cache, s.eventRouter, mux.Vars(r)["session_id"], callerID(r), request.BuddyUserID)
	if err != nil {
		httpError(s.logger, w, err)
		return
	}

	writeJSON(s.logger, w, http.StatusOK, &sessionConfirmResponse{
		Success:       true,
		SessionStatus: result.Status,
		BothConfirmed: result.BothConfirmed,
	})
}

// sessionConfirmCompletionHandler is the self-report path, the caller marks
// their own side done.
func (s *ApiServer) sessionConfirmCompletionHandler(w http.ResponseWriter, r *http.Request) {
	var request sessionConfirmCompletionRequest
	if err := decodeJSON(r, &request); err != nil {
		httpError(s.logger, w, err)
		return
	}

	result, err := ConfirmSessionCompletion(r.Context(), s.logger, s.db, s.metrics, s.cache, s.eventRouter, request.SessionID, callerID(r))
	if err != nil {
		httpError(s.logger, w, err)
		return
	}

	writeJSON(s.logger, w, http.StatusOK, &sessionConfirmCompletionResponse{
		Success:           true,
		BothConfirmed:     result.BothConfirmed,
		ReputationUpdated: result.ReputationUpdated,
		SessionStatus:     result.Status,
	})
}

func (s *ApiServer) sessionNotesHandler(w http.ResponseWriter, r *http.Request) {
	var request sessionNotesRequest
	if err := decodeJSON(r, &request); err != nil {
		httpError(s.logger, w, err)
		return
	}

	updated, err := UpdateSessionNotes(r.Context(), s.logger, s.db, s.cache, mux.Vars(r)["session_id"], callerID(r), request.Notes)
	if err != nil {
		httpError(s.logger, w, err)
		return
	}

	writeJSON(s.logger, w, http.StatusOK, &sessionNotesResponse{
		Success:      true,
		UpdatedNotes: updated,
	})
}

func (s *ApiServer) sessionCancelHandler(w http.ResponseWriter, r *http.Request) {
	var request sessionCancelRequest
	// The body is optional, a plain cancel needs no reason.
	_ = decodeJSON(r, &request)

	session, err := CancelSession(r.Context(), s.logger, s.db, s.metrics, s.cache, s.notifier, s.eventRouter, mux.Vars(r)["session_id"], callerID(r), request.Reason)
	if err != nil {
		httpError(s.logger, w, err)
		return
	}

	writeJSON(s.logger, w, http.StatusOK, &sessionCancelResponse{
		Success:       true,
		SessionStatus: session.Status,
	})
}
