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
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

const candidatesDefaultRadiusMiles = 20.0

type matchCandidateResponse struct {
	UserID              string  `json:"user_id"`
	DisplayName         string  `json:"display_name"`
	City                string  `json:"city"`
	DistanceMiles       float64 `json:"distance_miles"`
	ExperienceLevel     string  `json:"experience_level"`
	ConfidenceArchetype string  `json:"confidence_archetype"`
}

type matchCandidatesResponse struct {
	Candidates []*matchCandidateResponse `json:"candidates"`
	TotalFound int                       `json:"total_found"`
}

type matchDistanceResponse struct {
	DistanceMiles float64 `json:"distance_miles"`
	Within20Miles bool    `json:"within_20_miles"`
}

type buddyProfileResponse struct {
	UserID              string `json:"user_id"`
	DisplayName         string `json:"display_name"`
	Bio                 string `json:"bio,omitempty"`
	ExperienceLevel     string `json:"experience_level"`
	ConfidenceArchetype string `json:"confidence_archetype"`
	PhotoURL            string `json:"photo_url,omitempty"`
}

type autoMatchResponse struct {
	Success      bool                  `json:"success"`
	Message      string                `json:"message"`
	MatchID      string                `json:"match_id,omitempty"`
	BuddyUserID  string                `json:"buddy_user_id,omitempty"`
	BuddyProfile *buddyProfileResponse `json:"buddy_profile,omitempty"`
}

type buddyRespondRequest struct {
	UserID  string `json:"user_id"`
	MatchID string `json:"match_id"`
	Action  string `json:"action"`
}

type buddyRespondResponse struct {
	Success     bool               `json:"success"`
	MatchStatus string             `json:"match_status"`
	NextMatch   *autoMatchResponse `json:"next_match"`
}

// matchCandidatesHandler serves the wingman buddy candidates around a user.
// Candidate reads are open to any authenticated caller so clients can browse
// on behalf of the user they display.
func (s *ApiServer) matchCandidatesHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	radiusMiles := candidatesDefaultRadiusMiles
	maxRadius := float64(s.config.GetMatcher().MaxRadiusMiles)
	if raw := r.URL.Query().Get("radius_miles"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 1 || parsed > maxRadius {
			writeError(s.logger, w, http.StatusBadRequest, errTagValidation, fmt.Sprintf("radius_miles must be a number between 1 and %v", maxRadius))
			return
		}
		radiusMiles = parsed
	}

	candidates, err := FindCandidatesWithinRadius(r.Context(), s.logger, s.db, userID, radiusMiles, s.config.GetMatcher().MaxCandidates)
	if err != nil {
		httpError(s.logger, w, err)
		return
	}

	response := &matchCandidatesResponse{
		Candidates: make([]*matchCandidateResponse, 0, len(candidates)),
		TotalFound: len(candidates),
	}
	for _, candidate := range candidates {
		response.Candidates = append(response.Candidates, &matchCandidateResponse{
			UserID:              candidate.UserID,
			DisplayName:         candidate.DisplayName,
			City:                candidate.City,
			DistanceMiles:       candidate.DistanceMiles,
			ExperienceLevel:     candidate.ExperienceLevel,
			ConfidenceArchetype: candidate.ConfidenceArchetype,
		})
	}
	writeJSON(s.logger, w, http.StatusOK, response)
}

func (s *ApiServer) matchDistanceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	distance, ok, err := DistanceBetween(r.Context(), s.logger, s.db, vars["user_a"], vars["user_b"])
	if err != nil {
		httpError(s.logger, w, err)
		return
	}
	if !ok {
		writeError(s.logger, w, http.StatusNotFound, errTagNotFound, "one or both users have no usable location")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, &matchDistanceResponse{
		DistanceMiles: distance,
		Within20Miles: distance <= 20,
	})
}

// autoMatchHandler runs the automatic matcher for the caller. Failures to
// find a buddy are part of the normal response shape, not errors.
func (s *ApiServer) autoMatchHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if userID != callerID(r) {
		writeError(s.logger, w, http.StatusForbidden, errTagForbidden, "cannot request a match for another user")
		return
	}

	if result := s.limiter.Consume(r.Context(), RateLimitMatchRequest, userID, 1); !result.Allowed {
		httpError(s.logger, w, &RateLimitedError{Policy: RateLimitMatchRequest.Name, RetryAfter: result.RetryAfter})
		return
	}

	var request struct {
		RadiusMiles float64 `json:"radius_miles"`
	}
	// The body is optional, absence falls back to the configured radius.
	_ = decodeJSON(r, &request)

	result, err := CreateAutomaticMatch(r.Context(), s.logger, s.db, s.metrics, s.config, userID, request.RadiusMiles)
	if err != nil {
		httpError(s.logger, w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, autoMatchResponseFor(result))
}

func (s *ApiServer) buddyRespondHandler(w http.ResponseWriter, r *http.Request) {
	var request buddyRespondRequest
	if err := decodeJSON(r, &request); err != nil {
		httpError(s.logger, w, err)
		return
	}
	if request.UserID != callerID(r) {
		writeError(s.logger, w, http.StatusForbidden, errTagForbidden, "cannot respond to a match for another user")
		return
	}

	result, err := RespondToMatch(r.Context(), s.logger, s.db, s.metrics, s.config, s.notifier, s.eventRouter, request.UserID, request.MatchID, request.Action)
	if err != nil {
		httpError(s.logger, w, err)
		return
	}

	response := &buddyRespondResponse{
		Success:     true,
		MatchStatus: result.Status,
	}
	if result.NextMatch != nil {
		response.NextMatch = autoMatchResponseFor(result.NextMatch)
	}
	writeJSON(s.logger, w, http.StatusOK, response)
}

// autoMatchResponseFor flattens a matcher result into the wire shape shared
// by the auto-match endpoint and the next_match field on declines.
func autoMatchResponseFor(result *AutoMatchResult) *autoMatchResponse {
	if !result.Success {
		response := &autoMatchResponse{Success: false}
		switch result.Reason {
		case MatchReasonLocationMissing:
			response.Message = "Add your location to your profile before requesting a match."
		case MatchReasonNoCandidates:
			response.Message = "No compatible wingman buddies found nearby. Try widening your search radius."
		default:
			response.Message = "No match could be created."
		}
		return response
	}

	response := &autoMatchResponse{
		Success:     true,
		Message:     "Wingman buddy found. Waiting for you both to accept.",
		MatchID:     result.Match.ID,
		BuddyUserID: result.BuddyUserID,
	}
	if result.Existing {
		response.Message = "You already have a pending match."
	}
	if result.BuddyProfile != nil {
		response.BuddyProfile = &buddyProfileResponse{
			UserID:              result.BuddyProfile.ID,
			DisplayName:         result.BuddyProfile.DisplayName,
			Bio:                 result.BuddyProfile.Bio,
			ExperienceLevel:     result.BuddyProfile.ExperienceLevel,
			ConfidenceArchetype: result.BuddyProfile.ConfidenceArchetype,
			PhotoURL:            result.BuddyProfile.PhotoURL,
		}
	}
	return response
}
