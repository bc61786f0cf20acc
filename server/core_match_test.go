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

func TestOrderedPair(t *testing.T) {
	user1, user2 := orderedPair("bbb", "aaa")
	assert.Equal(t, "aaa", user1)
	assert.Equal(t, "bbb", user2)

	user1, user2 = orderedPair("aaa", "bbb")
	assert.Equal(t, "aaa", user1)
	assert.Equal(t, "bbb", user2)
}

func TestCompatibleExperience(t *testing.T) {
	tests := []struct {
		a, b     string
		expected bool
	}{
		{ExperienceBeginner, ExperienceBeginner, true},
		{ExperienceBeginner, ExperienceIntermediate, true},
		{ExperienceIntermediate, ExperienceBeginner, true},
		{ExperienceIntermediate, ExperienceAdvanced, true},
		{ExperienceBeginner, ExperienceAdvanced, false},
		{ExperienceAdvanced, ExperienceBeginner, false},
		{"", ExperienceBeginner, false},
		{ExperienceBeginner, "", false},
		{"expert", ExperienceAdvanced, false},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, compatibleExperience(test.a, test.b), "%q vs %q", test.a, test.b)
	}
}

func TestMatchOtherUser(t *testing.T) {
	match := &WingmanMatch{User1ID: "aaa", User2ID: "bbb"}

	other, ok := match.OtherUser("aaa")
	assert.True(t, ok)
	assert.Equal(t, "bbb", other)

	other, ok = match.OtherUser("bbb")
	assert.True(t, ok)
	assert.Equal(t, "aaa", other)

	_, ok = match.OtherUser("ccc")
	assert.False(t, ok)
}

func TestCreateAutomaticMatch(t *testing.T) {
	db := NewDB(t)
	defer db.Close()
	ctx := context.Background()

	requesterID := GenerateString()
	buddyID := GenerateString()
	lat, lng := randomBasePoint()
	InsertMatchableUser(t, db, requesterID, ExperienceBeginner, lat, lng)
	InsertMatchableUser(t, db, buddyID, ExperienceIntermediate, lat+0.01, lng)

	result, err := CreateAutomaticMatch(ctx, logger, db, metrics, cfg, requesterID, 0)
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Existing)
	assert.Equal(t, buddyID, result.BuddyUserID)
	assert.Equal(t, MatchStatusPending, result.Match.Status)

	// The pair key is deterministic regardless of who requested.
	user1, user2 := orderedPair(requesterID, buddyID)
	assert.Equal(t, user1, result.Match.User1ID)
	assert.Equal(t, user2, result.Match.User2ID)

	t.Run("repeat request returns the pending match", func(t *testing.T) {
		repeat, err := CreateAutomaticMatch(ctx, logger, db, metrics, cfg, requesterID, 0)
		assert.NoError(t, err)
		assert.True(t, repeat.Success)
		assert.True(t, repeat.Existing)
		assert.Equal(t, result.Match.ID, repeat.Match.ID)
	})

	t.Run("buddy request returns the same pending match", func(t *testing.T) {
		repeat, err := CreateAutomaticMatch(ctx, logger, db, metrics, cfg, buddyID, 0)
		assert.NoError(t, err)
		assert.True(t, repeat.Success)
		assert.True(t, repeat.Existing)
		assert.Equal(t, result.Match.ID, repeat.Match.ID)
		assert.Equal(t, requesterID, repeat.BuddyUserID)
	})
}

func TestCreateAutomaticMatchLocationMissing(t *testing.T) {
	db := NewDB(t)
	defer db.Close()
	ctx := context.Background()

	requesterID := GenerateString()
	InsertUser(t, db, requesterID, ExperienceBeginner)

	result, err := CreateAutomaticMatch(ctx, logger, db, metrics, cfg, requesterID, 0)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, MatchReasonLocationMissing, result.Reason)

	t.Run("city_only location is treated as missing", func(t *testing.T) {
		if _, err := db.Exec(`
INSERT INTO user_locations (user_id, lat, lng, city, travel_radius_miles, privacy_mode)
VALUES ($1, 0, 0, 'Somewhere', 25, 'city_only')`, requesterID); err != nil {
			t.Fatal(err)
		}

		result, err := CreateAutomaticMatch(ctx, logger, db, metrics, cfg, requesterID, 0)
		assert.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, MatchReasonLocationMissing, result.Reason)
	})
}

func TestCreateAutomaticMatchExperienceFilter(t *testing.T) {
	db := NewDB(t)
	defer db.Close()
	ctx := context.Background()

	requesterID := GenerateString()
	tooAdvancedID := GenerateString()
	lat, lng := randomBasePoint()
	InsertMatchableUser(t, db, requesterID, ExperienceBeginner, lat, lng)
	InsertMatchableUser(t, db, tooAdvancedID, ExperienceAdvanced, lat+0.001, lng)

	result, err := CreateAutomaticMatch(ctx, logger, db, metrics, cfg, requesterID, 0)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, MatchReasonNoCandidates, result.Reason)
}

func TestRespondToMatch(t *testing.T) {
	db := NewDB(t)
	defer db.Close()
	ctx := context.Background()

	userA := GenerateString()
	userB := GenerateString()
	InsertUser(t, db, userA, ExperienceBeginner)
	InsertUser(t, db, userB, ExperienceBeginner)
	matchID := InsertMatch(t, db, userA, userB, MatchStatusPending)

	t.Run("non-participant cannot respond", func(t *testing.T) {
		_, err := RespondToMatch(ctx, logger, db, metrics, cfg, nil, nil, GenerateString(), matchID, MatchActionAccept)
		assert.Equal(t, ErrMatchParticipant, err)
	})

	t.Run("invalid action rejected", func(t *testing.T) {
		_, err := RespondToMatch(ctx, logger, db, metrics, cfg, nil, nil, userA, matchID, "maybe")
		assert.Equal(t, ErrMatchActionInvalid, err)
	})

	t.Run("accept", func(t *testing.T) {
		result, err := RespondToMatch(ctx, logger, db, metrics, cfg, nil, nil, userA, matchID, MatchActionAccept)
		assert.NoError(t, err)
		assert.Equal(t, MatchStatusAccepted, result.Status)
		assert.Nil(t, result.NextMatch)
	})

	t.Run("second response observes terminal status", func(t *testing.T) {
		_, err := RespondToMatch(ctx, logger, db, metrics, cfg, nil, nil, userB, matchID, MatchActionDecline)
		assert.Equal(t, ErrMatchNotPending, err)
	})

	t.Run("unknown match", func(t *testing.T) {
		_, err := RespondToMatch(ctx, logger, db, metrics, cfg, nil, nil, userA, GenerateString(), MatchActionAccept)
		assert.Equal(t, ErrMatchNotFound, err)
	})
}

func TestRespondToMatchDecline(t *testing.T) {
	db := NewDB(t)
	defer db.Close()
	ctx := context.Background()

	declinerID := GenerateString()
	buddyID := GenerateString()
	lat, lng := randomBasePoint()
	InsertMatchableUser(t, db, declinerID, ExperienceBeginner, lat, lng)
	InsertMatchableUser(t, db, buddyID, ExperienceBeginner, lat+0.001, lng)

	created, err := CreateAutomaticMatch(ctx, logger, db, metrics, cfg, declinerID, 0)
	assert.NoError(t, err)
	assert.True(t, created.Success)

	result, err := RespondToMatch(ctx, logger, db, metrics, cfg, nil, nil, declinerID, created.Match.ID, MatchActionDecline)
	assert.NoError(t, err)
	assert.Equal(t, MatchStatusDeclined, result.Status)
	// The declined buddy is inside the recency window, so no rematch.
	assert.Nil(t, result.NextMatch)

	t.Run("recency window blocks an immediate rematch", func(t *testing.T) {
		again, err := CreateAutomaticMatch(ctx, logger, db, metrics, cfg, declinerID, 0)
		assert.NoError(t, err)
		assert.False(t, again.Success)
		assert.Equal(t, MatchReasonNoCandidates, again.Reason)
	})

	t.Run("decline rematches with a fresh candidate", func(t *testing.T) {
		freshID := GenerateString()
		InsertMatchableUser(t, db, freshID, ExperienceBeginner, lat+0.002, lng)

		match2 := InsertMatch(t, db, declinerID, freshID, MatchStatusPending)
		result, err := RespondToMatch(ctx, logger, db, metrics, cfg, nil, nil, freshID, match2, MatchActionDecline)
		assert.NoError(t, err)
		assert.Equal(t, MatchStatusDeclined, result.Status)
		// The original buddy never paired with the decliner, so the follow-up
		// match lands there.
		if assert.NotNil(t, result.NextMatch) {
			assert.True(t, result.NextMatch.Success)
			assert.Equal(t, buddyID, result.NextMatch.BuddyUserID)
		}
	})
}
