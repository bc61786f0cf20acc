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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundMiles(t *testing.T) {
	assert.Equal(t, 0.0, roundMiles(0))
	assert.Equal(t, 0.0, roundMiles(0.04))
	assert.Equal(t, 0.1, roundMiles(0.05))
	assert.Equal(t, 12.3, roundMiles(12.34))
	assert.Equal(t, 12.4, roundMiles(12.35))
}

func TestUsableForPreciseSearch(t *testing.T) {
	assert.True(t, usableForPreciseSearch(&UserLocation{Lat: 37.7, Lng: -122.4, PrivacyMode: PrivacyModePrecise}))
	assert.False(t, usableForPreciseSearch(&UserLocation{Lat: 37.7, Lng: -122.4, PrivacyMode: PrivacyModeCityOnly}))
	// 0,0 is the coordinate sentinel for hidden locations.
	assert.False(t, usableForPreciseSearch(&UserLocation{Lat: 0, Lng: 0, PrivacyMode: PrivacyModePrecise}))
}

func TestFindCandidatesWithinRadius(t *testing.T) {
	db := NewDB(t)
	defer db.Close()
	ctx := context.Background()

	requesterID := GenerateString()
	nearID := GenerateString()
	fartherID := GenerateString()
	outsideID := GenerateString()
	hiddenID := GenerateString()
	incompleteID := GenerateString()

	// Offsets along one meridian, roughly 0.69 miles per 0.01 degrees.
	lat, lng := randomBasePoint()
	InsertMatchableUser(t, db, requesterID, ExperienceBeginner, lat, lng)
	InsertMatchableUser(t, db, nearID, ExperienceBeginner, lat+0.01, lng)
	InsertMatchableUser(t, db, fartherID, ExperienceBeginner, lat+0.02, lng)
	InsertMatchableUser(t, db, outsideID, ExperienceBeginner, lat+0.5, lng)

	// Hidden behind city_only privacy, never a candidate.
	InsertUser(t, db, hiddenID, ExperienceBeginner)
	if _, err := db.Exec(`
INSERT INTO user_locations (user_id, lat, lng, city, travel_radius_miles, privacy_mode)
VALUES ($1, 0, 0, 'Hidden City', 25, 'city_only')`, hiddenID); err != nil {
		t.Fatal(err)
	}

	// No experience level, not matchable yet.
	InsertUser(t, db, incompleteID, "")
	InsertLocation(t, db, incompleteID, lat+0.01, lng, "Test City")

	candidates, err := FindCandidatesWithinRadius(ctx, logger, db, requesterID, 20, 10)
	assert.NoError(t, err)
	if assert.Len(t, candidates, 2) {
		assert.Equal(t, nearID, candidates[0].UserID)
		assert.Equal(t, 0.7, candidates[0].DistanceMiles)
		assert.Equal(t, fartherID, candidates[1].UserID)
		assert.Equal(t, 1.4, candidates[1].DistanceMiles)
	}

	t.Run("radius includes farther candidates", func(t *testing.T) {
		candidates, err := FindCandidatesWithinRadius(ctx, logger, db, requesterID, 40, 10)
		assert.NoError(t, err)
		if assert.Len(t, candidates, 3) {
			assert.Equal(t, outsideID, candidates[2].UserID)
		}
	})

	t.Run("limit caps the result", func(t *testing.T) {
		candidates, err := FindCandidatesWithinRadius(ctx, logger, db, requesterID, 20, 1)
		assert.NoError(t, err)
		if assert.Len(t, candidates, 1) {
			assert.Equal(t, nearID, candidates[0].UserID)
		}
	})

	t.Run("requester without location gets empty result", func(t *testing.T) {
		lonelyID := GenerateString()
		InsertUser(t, db, lonelyID, ExperienceBeginner)

		candidates, err := FindCandidatesWithinRadius(ctx, logger, db, lonelyID, 20, 10)
		assert.NoError(t, err)
		assert.Empty(t, candidates)
	})
}

func TestDistanceBetween(t *testing.T) {
	db := NewDB(t)
	defer db.Close()
	ctx := context.Background()

	userA := GenerateString()
	userB := GenerateString()
	lat, lng := randomBasePoint()
	InsertMatchableUser(t, db, userA, ExperienceBeginner, lat, lng)
	// One degree of latitude is 69.1 miles on the reference sphere.
	InsertMatchableUser(t, db, userB, ExperienceBeginner, lat+1.0, lng)

	miles, ok, err := DistanceBetween(ctx, logger, db, userA, userB)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 69.1, miles)

	t.Run("zero distance for identical points", func(t *testing.T) {
		twinID := GenerateString()
		InsertMatchableUser(t, db, twinID, ExperienceBeginner, lat, lng)

		miles, ok, err := DistanceBetween(ctx, logger, db, userA, twinID)
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 0.0, miles)
	})

	t.Run("missing location is not an error", func(t *testing.T) {
		noLocationID := GenerateString()
		InsertUser(t, db, noLocationID, ExperienceBeginner)

		_, ok, err := DistanceBetween(ctx, logger, db, userA, noLocationID)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("city_only hides the distance", func(t *testing.T) {
		cityOnlyID := GenerateString()
		InsertUser(t, db, cityOnlyID, ExperienceBeginner)
		if _, err := db.Exec(`
INSERT INTO user_locations (user_id, lat, lng, city, travel_radius_miles, privacy_mode)
VALUES ($1, 0, 0, 'Hidden City', 25, 'city_only')`, cityOnlyID); err != nil {
			t.Fatal(err)
		}

		_, ok, err := DistanceBetween(ctx, logger, db, userA, cityOnlyID)
		assert.NoError(t, err)
		assert.False(t, ok)
	})
}
