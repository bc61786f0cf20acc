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
)

type profileCompleteRequest struct {
	UserID   string `json:"user_id"`
	Bio      string `json:"bio"`
	Location struct {
		Lat         float64 `json:"lat"`
		Lng         float64 `json:"lng"`
		City        string  `json:"city"`
		PrivacyMode string  `json:"privacy_mode"`
	} `json:"location"`
	TravelRadius int    `json:"travel_radius"`
	PhotoURL     string `json:"photo_url"`
}

type profileCompleteResponse struct {
	Success          bool   `json:"success"`
	ReadyForMatching bool   `json:"ready_for_matching"`
	UserID           string `json:"user_id"`
}

func (s *ApiServer) profileCompleteHandler(w http.ResponseWriter, r *http.Request) {
	var request profileCompleteRequest
	if err := decodeJSON(r, &request); err != nil {
		httpError(s.logger, w, err)
		return
	}
	// Profiles can only be completed by their owner.
	if request.UserID != callerID(r) {
		writeError(s.logger, w, http.StatusForbidden, errTagForbidden, "cannot complete another user's profile")
		return
	}

	completion := &ProfileCompletion{
		UserID:            request.UserID,
		Bio:               request.Bio,
		Lat:               request.Location.Lat,
		Lng:               request.Location.Lng,
		City:              request.Location.City,
		PrivacyMode:       request.Location.PrivacyMode,
		TravelRadiusMiles: request.TravelRadius,
		PhotoURL:          request.PhotoURL,
	}
	readyForMatching, err := CompleteUserProfile(r.Context(), s.logger, s.db, completion)
	if err != nil {
		httpError(s.logger, w, err)
		return
	}

	writeJSON(s.logger, w, http.StatusOK, &profileCompleteResponse{
		Success:          true,
		ReadyForMatching: readyForMatching,
		UserID:           request.UserID,
	})
}
