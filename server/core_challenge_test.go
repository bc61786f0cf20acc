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

func TestListChallengesDifficultyInvalid(t *testing.T) {
	_, err := ListChallenges(context.Background(), logger, nil, nil, cfg, "expert")
	assert.Equal(t, ErrDifficultyInvalid, err)
}

func TestListChallenges(t *testing.T) {
	db := NewDB(t)
	ctx := context.Background()
	cache := NewLocalCache(logger, cfg)
	t.Cleanup(cache.Stop)

	beginnerID := InsertChallenge(t, db, ExperienceBeginner, 3)
	advancedID := InsertChallenge(t, db, ExperienceAdvanced, 7)

	list, err := ListChallenges(ctx, logger, db, cache, cfg, "")
	assert.NoError(t, err, "list all challenges")
	if !assert.NotNil(t, list) {
		return
	}
	assert.False(t, list.Cached, "first read comes from the database")

	byID := make(map[string]*ApproachChallenge, len(list.Challenges))
	lastOrdinal, lastPoints := 0, 0
	for i, challenge := range list.Challenges {
		byID[challenge.ID] = challenge
		ordinal, ok := experienceOrdinal(challenge.Difficulty)
		assert.True(t, ok, "catalog difficulty %q", challenge.Difficulty)
		if i > 0 {
			assert.GreaterOrEqual(t, ordinal, lastOrdinal, "catalog ordered easiest first")
			if ordinal == lastOrdinal {
				assert.GreaterOrEqual(t, challenge.Points, lastPoints, "points ascending within a difficulty")
			}
		}
		lastOrdinal, lastPoints = ordinal, challenge.Points
	}
	if assert.Contains(t, byID, beginnerID) {
		assert.Equal(t, "challenge "+beginnerID[:8], byID[beginnerID].Title, "title")
		assert.Equal(t, 3, byID[beginnerID].Points, "points")
	}
	assert.Contains(t, byID, advancedID)

	t.Run("second read is served from cache", func(t *testing.T) {
		cached, err := ListChallenges(ctx, logger, db, cache, cfg, "")
		assert.NoError(t, err, "list all challenges again")
		if assert.NotNil(t, cached) {
			assert.True(t, cached.Cached, "cached flag")
			assert.Equal(t, len(list.Challenges), len(cached.Challenges), "catalog size")
		}
	})

	t.Run("filters by difficulty", func(t *testing.T) {
		filtered, err := ListChallenges(ctx, logger, db, cache, cfg, ExperienceBeginner)
		assert.NoError(t, err, "list beginner challenges")
		if !assert.NotNil(t, filtered) {
			return
		}
		assert.False(t, filtered.Cached, "difficulty filter has its own cache entry")
		found := false
		for _, challenge := range filtered.Challenges {
			assert.Equal(t, ExperienceBeginner, challenge.Difficulty, "difficulty filter")
			if challenge.ID == beginnerID {
				found = true
			}
		}
		assert.True(t, found, "expected the inserted beginner challenge")
	})
}

func TestGetChallenges(t *testing.T) {
	db := NewDB(t)
	ctx := context.Background()

	firstID := InsertChallenge(t, db, ExperienceBeginner, 1)
	secondID := InsertChallenge(t, db, ExperienceIntermediate, 4)
	unknownID := GenerateString()

	challenges, err := getChallenges(ctx, db, firstID, secondID, firstID, unknownID)
	assert.NoError(t, err, "get challenges")
	assert.Len(t, challenges, 2, "duplicates collapse and unknown ids are skipped")
	if assert.Contains(t, challenges, firstID) {
		assert.Equal(t, ExperienceBeginner, challenges[firstID].Difficulty, "difficulty")
		assert.Equal(t, 1, challenges[firstID].Points, "points")
	}
	assert.Contains(t, challenges, secondID)
	assert.NotContains(t, challenges, unknownID)
}
