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
	"time"

	"go.uber.org/zap"
)

const (
	BadgeGold  = "gold"
	BadgeGreen = "green"
	BadgeRed   = "red"

	reputationScoreMin = -5
	reputationScoreMax = 20
)

// Reputation is derived from session history on every recompute. Sessions
// are the source of truth; the per-match counters are a convenience that the
// completion transaction keeps in step.
type Reputation struct {
	UserID            string    `json:"user_id"`
	Score             int       `json:"score"`
	CompletedSessions int       `json:"completed_sessions"`
	NoShows           int       `json:"no_shows"`
	BadgeColor        string    `json:"badge_color"`
	CacheTimestamp    time.Time `json:"cache_timestamp"`
}

type reputationSessionRow struct {
	User1ID        string
	User2ID        string
	Status         string
	User1Confirmed bool
	User2Confirmed bool
}

func reputationScore(completedSessions, noShows int) int {
	score := completedSessions - noShows
	if score < reputationScoreMin {
		score = reputationScoreMin
	}
	if score > reputationScoreMax {
		score = reputationScoreMax
	}
	return score
}

func badgeForScore(score int) string {
	switch {
	case score >= 10:
		return BadgeGold
	case score >= 0:
		return BadgeGreen
	default:
		return BadgeRed
	}
}

// computeReputation folds a user's session rows into completed and no-show
// counts. A completed session counts only when this user's own side flag was
// confirmed; no-shows and cancellations count against every participant.
func computeReputation(userID string, rows []reputationSessionRow) (completedSessions, noShows int) {
	for _, row := range rows {
		switch row.Status {
		case SessionStatusCompleted:
			confirmed := row.User2Confirmed
			if userID == row.User1ID {
				confirmed = row.User1Confirmed
			}
			if confirmed {
				completedSessions++
			}
		case SessionStatusNoShow, SessionStatusCancelled:
			noShows++
		}
	}
	return completedSessions, noShows
}

// GetUserReputation reads the cached reputation view or recomputes it from
// all sessions across the user's matches. useCache=false skips the cached
// read but still refreshes the cache with the recomputed value.
func GetUserReputation(ctx context.Context, logger *zap.Logger, db *sql.DB, cache Cache, userID string, useCache bool) (*Reputation, error) {
	if !validUserID(userID) {
		return nil, ErrUserIDInvalid
	}

	cacheKey := cacheKeyReputationPrefix + userID
	if useCache {
		if value, found, err := cache.Get(ctx, cacheKey); err == nil && found {
			reputation := &Reputation{}
			if err := json.Unmarshal([]byte(value), reputation); err == nil {
				return reputation, nil
			}
		}
	}

	rows, err := db.QueryContext(ctx, `
SELECT m.user1_id, m.user2_id, s.status, s.user1_completed_confirmed_by_user2, s.user2_completed_confirmed_by_user1
FROM wingman_sessions s
JOIN wingman_matches m ON m.id = s.match_id
WHERE m.user1_id = $1 OR m.user2_id = $1`, userID)
	if err != nil {
		logger.Error("Could not query sessions for reputation.", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	sessionRows := make([]reputationSessionRow, 0, 16)
	for rows.Next() {
		var row reputationSessionRow
		if err := rows.Scan(&row.User1ID, &row.User2ID, &row.Status, &row.User1Confirmed, &row.User2Confirmed); err != nil {
			logger.Error("Could not scan session for reputation.", zap.Error(err))
			return nil, err
		}
		sessionRows = append(sessionRows, row)
	}
	if err := rows.Err(); err != nil {
		logger.Error("Could not read sessions for reputation.", zap.Error(err))
		return nil, err
	}

	completedSessions, noShows := computeReputation(userID, sessionRows)
	score := reputationScore(completedSessions, noShows)
	reputation := &Reputation{
		UserID:            userID,
		Score:             score,
		CompletedSessions: completedSessions,
		NoShows:           noShows,
		BadgeColor:        badgeForScore(score),
		CacheTimestamp:    time.Now().UTC(),
	}

	if payload, err := json.Marshal(reputation); err == nil {
		if err := cache.Set(ctx, cacheKey, string(payload), cacheTTLReputation); err != nil {
			logger.Warn("Could not cache reputation.", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return reputation, nil
}

func invalidateReputation(ctx context.Context, logger *zap.Logger, cache Cache, userID string) {
	if err := cache.Delete(ctx, cacheKeyReputationPrefix+userID); err != nil {
		logger.Warn("Could not invalidate reputation cache.", zap.String("user_id", userID), zap.Error(err))
	}
}

// InvalidateAllReputation clears every cached reputation view. Used by
// operators after bulk data fixes.
func InvalidateAllReputation(ctx context.Context, logger *zap.Logger, cache Cache) error {
	if err := cache.DeleteMatching(ctx, cacheKeyReputationPrefix+"*"); err != nil {
		logger.Error("Could not invalidate reputation caches.", zap.Error(err))
		return err
	}
	return nil
}
