package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReputationScore(t *testing.T) {
	assert.Equal(t, 0, reputationScore(0, 0))
	assert.Equal(t, 3, reputationScore(4, 1))
	assert.Equal(t, -2, reputationScore(1, 3))

	t.Run("clamped to floor", func(t *testing.T) {
		assert.Equal(t, -5, reputationScore(0, 12))
	})
	t.Run("clamped to ceiling", func(t *testing.T) {
		assert.Equal(t, 20, reputationScore(50, 0))
	})
}

func TestBadgeForScore(t *testing.T) {
	assert.Equal(t, BadgeGold, badgeForScore(10))
	assert.Equal(t, BadgeGold, badgeForScore(20))
	assert.Equal(t, BadgeGreen, badgeForScore(9))
	assert.Equal(t, BadgeGreen, badgeForScore(0))
	assert.Equal(t, BadgeRed, badgeForScore(-1))
	assert.Equal(t, BadgeRed, badgeForScore(-5))
}

func TestComputeReputation(t *testing.T) {
	rows := []reputationSessionRow{
		{User1ID: "u1", User2ID: "u2", Status: SessionStatusCompleted, User1Confirmed: true, User2Confirmed: true},
		{User1ID: "u1", User2ID: "u3", Status: SessionStatusCompleted, User1Confirmed: false, User2Confirmed: true},
		{User1ID: "u1", User2ID: "u2", Status: SessionStatusNoShow},
		{User1ID: "u4", User2ID: "u1", Status: SessionStatusCancelled},
		{User1ID: "u1", User2ID: "u2", Status: SessionStatusScheduled},
	}

	completed, noShows := computeReputation("u1", rows)
	// Only sessions where u1's own side was confirmed count as completed.
	assert.Equal(t, 1, completed)
	assert.Equal(t, 2, noShows)

	completed, noShows = computeReputation("u2", rows[:3])
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, noShows)
}

func TestGetUserReputation(t *testing.T) {
	db := NewDB(t)
	defer db.Close()
	ctx := context.Background()
	cache := NewLocalCache(logger, cfg)
	defer cache.Stop()

	f := newSessionFixture(t, db)
	session, _, err := CreateSession(ctx, logger, db, metrics, cache, nil, nil, f.userA, f.create(time.Now().Add(time.Hour)))
	assert.NoError(t, err)
	rewindSession(t, db, session.ID)

	_, err = ConfirmBuddyCompletion(ctx, logger, db, metrics, cache, nil, session.ID, f.userA, f.userB)
	assert.NoError(t, err)
	_, err = ConfirmBuddyCompletion(ctx, logger, db, metrics, cache, nil, session.ID, f.userB, f.userA)
	assert.NoError(t, err)

	reputation, err := GetUserReputation(ctx, logger, db, cache, f.userA, false)
	assert.NoError(t, err)
	assert.Equal(t, 1, reputation.CompletedSessions)
	assert.Equal(t, 0, reputation.NoShows)
	assert.Equal(t, 1, reputation.Score)
	assert.Equal(t, BadgeGreen, reputation.BadgeColor)

	t.Run("derived score matches the per-match counter", func(t *testing.T) {
		match, err := GetMatch(ctx, logger, db, f.matchID)
		assert.NoError(t, err)
		assert.Equal(t, match.User1Reputation, reputation.Score)
	})

	t.Run("cached read returns the stored view", func(t *testing.T) {
		cached, err := GetUserReputation(ctx, logger, db, cache, f.userA, true)
		assert.NoError(t, err)
		assert.Equal(t, reputation.CacheTimestamp.UTC(), cached.CacheTimestamp.UTC())
	})

	t.Run("no-show counts against both participants", func(t *testing.T) {
		second, _, err := CreateSession(ctx, logger, db, metrics, cache, nil, nil, f.userB, f.create(time.Now().Add(time.Hour)))
		assert.NoError(t, err)
		rewindSession(t, db, second.ID)
		_, err = CancelSession(ctx, logger, db, metrics, cache, nil, nil, second.ID, f.userA, SessionStatusNoShow)
		assert.NoError(t, err)

		for _, userID := range []string{f.userA, f.userB} {
			reputation, err := GetUserReputation(ctx, logger, db, cache, userID, true)
			assert.NoError(t, err, userID)
			assert.Equal(t, 1, reputation.CompletedSessions)
			assert.Equal(t, 1, reputation.NoShows)
			assert.Equal(t, 0, reputation.Score)
			assert.Equal(t, BadgeGreen, reputation.BadgeColor)
		}
	})

	t.Run("bulk invalidation clears cached views", func(t *testing.T) {
		_, err := GetUserReputation(ctx, logger, db, cache, f.userA, true)
		assert.NoError(t, err)

		assert.NoError(t, InvalidateAllReputation(ctx, logger, cache))

		_, found, err := cache.Get(ctx, cacheKeyReputationPrefix+f.userA)
		assert.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("invalid user id", func(t *testing.T) {
		_, err := GetUserReputation(ctx, logger, db, cache, "", true)
		assert.Equal(t, ErrUserIDInvalid, err)
	})
}
