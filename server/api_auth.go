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

type devAuthenticateRequest struct {
	UserID string `json:"user_id"`
}

type devAuthenticateResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Expiry int64  `json:"expiry"`
}

// devAuthenticateHandler mints a session token for development and test
// clients. The route pretends not to exist unless the test_auth feature flag
// is on, and is rate limited per client address rather than per user since
// callers are unauthenticated by definition.
func (s *ApiServer) devAuthenticateHandler(w http.ResponseWriter, r *http.Request) {
	if !s.config.GetFeatures().TestAuth {
		writeError(s.logger, w, http.StatusNotFound, errTagNotFound, "not found")
		return
	}

	identifier := clientAddressFromRequest(s.logger, r)
	if result := s.limiter.Consume(r.Context(), RateLimitAuth, identifier, 1); !result.Allowed {
		httpError(s.logger, w, &RateLimitedError{Policy: RateLimitAuth.Name, RetryAfter: result.RetryAfter})
		return
	}

	var request devAuthenticateRequest
	if err := decodeJSON(r, &request); err != nil {
		httpError(s.logger, w, err)
		return
	}
	if !validUserID(request.UserID) {
		httpError(s.logger, w, ErrUserIDInvalid)
		return
	}

	// Tokens reference existing users so follow-up calls do not trip foreign
	// keys on their first write.
	if err := EnsureUserProfile(r.Context(), s.logger, s.db, request.UserID); err != nil {
		httpError(s.logger, w, err)
		return
	}

	token, exp := generateToken(s.config, request.UserID)
	writeJSON(s.logger, w, http.StatusOK, &devAuthenticateResponse{
		Token:  token,
		UserID: request.UserID,
		Expiry: exp,
	})
}
