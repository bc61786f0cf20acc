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
	"math"

	"go.uber.org/zap"
)

type MatchCandidate struct {
	UserID              string
	DisplayName         string
	City                string
	DistanceMiles       float64
	ExperienceLevel     string
	ConfidenceArchetype string
}

func roundMiles(miles float64) float64 {
	return math.Round(miles*10) / 10
}

// usableForPreciseSearch reports whether a location row may participate in
// precise distance queries. City-only rows carry the 0,0 sentinel and stay
// out of radius search entirely.
func usableForPreciseSearch(location *UserLocation) bool {
	if location.PrivacyMode != PrivacyModePrecise {
		return false
	}
	if location.Lat == 0 && location.Lng == 0 {
		return false
	}
	return true
}

// FindCandidatesWithinRadius returns up to limit users whose stored location
// lies within radiusMiles of the requester, ordered by ascending distance
// with ties broken by user id. The distance predicate runs in the database
// through the great_circle_miles function. Profiles without an experience
// level or archetype are not candidates. A requester without a usable
// location yields an empty result rather than an error.
func FindCandidatesWithinRadius(ctx context.Context, logger *zap.Logger, db *sql.DB, requesterID string, radiusMiles float64, limit int) ([]*MatchCandidate, error) {
	if limit <= 0 {
		limit = 10
	}

	requester, err := GetUserLocation(ctx, logger, db, requesterID)
	if err != nil {
		if err == ErrProfileNotFound {
			return []*MatchCandidate{}, nil
		}
		return nil, err
	}
	if !usableForPreciseSearch(requester) {
		return []*MatchCandidate{}, nil
	}

	rows, err := db.QueryContext(ctx, `
SELECT u.id, u.display_name, l.city, great_circle_miles($2, $3, l.lat, l.lng) AS distance, u.experience_level, u.confidence_archetype
FROM user_locations l
JOIN users u ON u.id = l.user_id
WHERE l.user_id <> $1
AND l.privacy_mode = 'precise'
AND NOT (l.lat = 0 AND l.lng = 0)
AND u.experience_level <> ''
AND u.confidence_archetype <> ''
AND great_circle_miles($2, $3, l.lat, l.lng) <= $4
ORDER BY distance ASC, u.id ASC
LIMIT $5`, requesterID, requester.Lat, requester.Lng, radiusMiles, limit)
	if err != nil {
		logger.Error("Could not query match candidates.", zap.String("user_id", requesterID), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	candidates := make([]*MatchCandidate, 0, limit)
	for rows.Next() {
		candidate := &MatchCandidate{}
		if err := rows.Scan(&candidate.UserID, &candidate.DisplayName, &candidate.City, &candidate.DistanceMiles, &candidate.ExperienceLevel, &candidate.ConfidenceArchetype); err != nil {
			logger.Error("Could not scan match candidate.", zap.Error(err))
			return nil, err
		}
		candidate.DistanceMiles = roundMiles(candidate.DistanceMiles)
		candidates = append(candidates, candidate)
	}
	if err := rows.Err(); err != nil {
		logger.Error("Could not list match candidates.", zap.Error(err))
		return nil, err
	}
	return candidates, nil
}

// DistanceBetween returns the great-circle distance in miles between two
// users' stored locations. ok is false when either location is missing or
// hidden behind city_only privacy.
func DistanceBetween(ctx context.Context, logger *zap.Logger, db *sql.DB, userA, userB string) (float64, bool, error) {
	locationA, err := GetUserLocation(ctx, logger, db, userA)
	if err != nil {
		if err == ErrProfileNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	locationB, err := GetUserLocation(ctx, logger, db, userB)
	if err != nil {
		if err == ErrProfileNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	if !usableForPreciseSearch(locationA) || !usableForPreciseSearch(locationB) {
		return 0, false, nil
	}

	var miles float64
	err = db.QueryRowContext(ctx, `
SELECT great_circle_miles($1, $2, $3, $4)`, locationA.Lat, locationA.Lng, locationB.Lat, locationB.Lng).Scan(&miles)
	if err != nil {
		logger.Error("Could not compute distance.", zap.String("user_a", userA), zap.String("user_b", userB), zap.Error(err))
		return 0, false, err
	}
	return roundMiles(miles), true, nil
}
