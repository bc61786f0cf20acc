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
)

type challengesResponse struct {
	Challenges       []*ApproachChallenge `json:"challenges"`
	Count            int                  `json:"count"`
	DifficultyFilter string               `json:"difficulty_filter,omitempty"`
	Cached           bool                 `json:"cached"`
	Timestamp        time.Time            `json:"timestamp"`
}

func (s *ApiServer) challengesHandler(w http.ResponseWriter, r *http.Request) {
	difficulty := r.URL.Query().Get("difficulty")

	list, err := ListChallenges(r.Context(), s.logger, s.db, s.cache, s.config, difficulty)
	if err != nil {
		httpError(s.logger, w, err)
		return
	}

	writeJSON(s.logger, w, http.StatusOK, &challengesResponse{
		Challenges:       list.Challenges,
		Count:            len(list.Challenges),
		DifficultyFilter: difficulty,
		Cached:           list.Cached,
		Timestamp:        list.Timestamp,
	})
}
