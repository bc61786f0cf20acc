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

	"github.com/gorilla/mux"
)

// reputationHandler serves a user's reputation snapshot. Reputation is
// public, any authenticated caller may look up any user. use_cache=false
// forces a recompute from session history.
func (s *ApiServer) reputationHandler(w http.ResponseWriter, r *http.Request) {
	useCache := true
	if raw := r.URL.Query().Get("use_cache"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(s.logger, w, http.StatusBadRequest, errTagValidation, "use_cache must be a boolean")
			return
		}
		useCache = parsed
	}

	reputation, err := GetUserReputation(r.Context(), s.logger, s.db, s.cache, mux.Vars(r)["user_id"], useCache)
	if err != nil {
		httpError(s.logger, w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, reputation)
}
