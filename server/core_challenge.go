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
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

var ErrDifficultyInvalid = errors.New("difficulty must be beginner, intermediate or advanced")

type ApproachChallenge struct {
	ID          string `json:"id"`
	Difficulty  string `json:"difficulty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Points      int    `json:"points"`
}

type ChallengeList struct {
	Challenges []*ApproachChallenge
	Cached     bool
	Timestamp  time.Time
}

// ListChallenges returns the approach challenge catalog, optionally filtered
// by difficulty, ordered easiest first and then by points. The catalog is
// content-managed externally and changes rarely, so results are cached. With
// cost optimization enabled the cache holds entries twice as long.
func ListChallenges(ctx context.Context, logger *zap.Logger, db *sql.DB, cache Cache, config Config, difficulty string) (*ChallengeList, error) {
	if difficulty != "" {
		if _, ok := experienceOrdinal(difficulty); !ok {
			return nil, ErrDifficultyInvalid
		}
	}

	cacheKey := cacheKeyChallengesAll
	if difficulty != "" {
		cacheKey = cacheKeyChallengesPrefix + difficulty
	}

	if value, found, err := cache.Get(ctx, cacheKey); err == nil && found {
		var challenges []*ApproachChallenge
		if err := json.Unmarshal([]byte(value), &challenges); err == nil {
			return &ChallengeList{Challenges: challenges, Cached: true, Timestamp: time.Now().UTC()}, nil
		}
	}

	query := `
SELECT id, difficulty, title, description, points
FROM approach_challenges`
	params := make([]interface{}, 0, 1)
	if difficulty != "" {
		query += `
WHERE difficulty = $1`
		params = append(params, difficulty)
	}
	query += `
ORDER BY CASE difficulty WHEN 'beginner' THEN 0 WHEN 'intermediate' THEN 1 ELSE 2 END, points ASC, title ASC`

	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		logger.Error("Could not query approach challenges.", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	challenges := make([]*ApproachChallenge, 0, 16)
	for rows.Next() {
		challenge := &ApproachChallenge{}
		if err := rows.Scan(&challenge.ID, &challenge.Difficulty, &challenge.Title, &challenge.Description, &challenge.Points); err != nil {
			logger.Error("Could not scan approach challenge.", zap.Error(err))
			return nil, err
		}
		challenges = append(challenges, challenge)
	}
	if err := rows.Err(); err != nil {
		logger.Error("Could not list approach challenges.", zap.Error(err))
		return nil, err
	}

	ttl := cacheTTLChallenges
	if config.GetFeatures().CostOptimization {
		ttl *= 2
	}
	if payload, err := json.Marshal(challenges); err == nil {
		if err := cache.Set(ctx, cacheKey, string(payload), ttl); err != nil {
			logger.Warn("Could not cache approach challenges.", zap.Error(err))
		}
	}

	return &ChallengeList{Challenges: challenges, Cached: false, Timestamp: time.Now().UTC()}, nil
}

// getChallenges loads specific catalog entries keyed by id. Missing ids are
// absent from the result rather than an error.
func getChallenges(ctx context.Context, q sqlQuerier, ids ...string) (map[string]*ApproachChallenge, error) {
	challenges := make(map[string]*ApproachChallenge, len(ids))
	for _, id := range ids {
		if _, found := challenges[id]; found {
			continue
		}
		challenge := &ApproachChallenge{}
		err := q.QueryRowContext(ctx, `
SELECT id, difficulty, title, description, points
FROM approach_challenges
WHERE id = $1`, id).Scan(&challenge.ID, &challenge.Difficulty, &challenge.Title, &challenge.Description, &challenge.Points)
		if err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, err
		}
		challenges[challenge.ID] = challenge
	}
	return challenges, nil
}
