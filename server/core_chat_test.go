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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChatCursorCodec(t *testing.T) {
	now := time.Now().UTC()
	parsed, err := parseChatCursor(formatChatCursor(now))
	assert.NoError(t, err)
	assert.True(t, now.Equal(parsed))

	t.Run("accepts second precision", func(t *testing.T) {
		parsed, err := parseChatCursor("2024-06-01T12:00:00Z")
		assert.NoError(t, err)
		assert.Equal(t, 2024, parsed.Year())
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := parseChatCursor("yesterday")
		assert.Equal(t, ErrChatCursorInvalid, err)
	})
}

func TestSendMessage(t *testing.T) {
	db := NewDB(t)
	defer db.Close()
	ctx := context.Background()

	userA := GenerateString()
	userB := GenerateString()
	InsertUser(t, db, userA, ExperienceBeginner)
	InsertUser(t, db, userB, ExperienceBeginner)
	matchID := InsertMatch(t, db, userA, userB, MatchStatusAccepted)

	message, err := SendMessage(ctx, logger, db, metrics, nil, nil, matchID, userA, "See you at the venue at 8?")
	assert.NoError(t, err)
	assert.Equal(t, userA, message.SenderID)
	assert.Equal(t, "See you at the venue at 8?", message.MessageText)
	assert.False(t, message.CreatedAt.IsZero())

	t.Run("non-participant rejected", func(t *testing.T) {
		_, err := SendMessage(ctx, logger, db, metrics, nil, nil, matchID, GenerateString(), "hello there")
		assert.Equal(t, ErrMatchParticipant, err)
	})

	t.Run("unknown match", func(t *testing.T) {
		_, err := SendMessage(ctx, logger, db, metrics, nil, nil, GenerateString(), userA, "hello there")
		assert.Equal(t, ErrMatchNotFound, err)
	})

	t.Run("message text is sanitized", func(t *testing.T) {
		message, err := SendMessage(ctx, logger, db, metrics, nil, nil, matchID, userB, "  <script>alert(1)</script>  ")
		assert.NoError(t, err)
		assert.Equal(t, "&lt;script&gt;alert(1)&lt;/script&gt;", message.MessageText)
	})

	t.Run("too short after sanitizing", func(t *testing.T) {
		_, err := SendMessage(ctx, logger, db, metrics, nil, nil, matchID, userA, " x \x00")
		assert.Equal(t, ErrChatMessageInvalid, err)
	})

	t.Run("rate limited on burst", func(t *testing.T) {
		cache := NewLocalCache(logger, cfg)
		defer cache.Stop()
		limiter := NewRateLimiter(logger, cfg, metrics, cache)

		_, err := SendMessage(ctx, logger, db, metrics, limiter, nil, matchID, userA, "first message goes through")
		assert.NoError(t, err)

		_, err = SendMessage(ctx, logger, db, metrics, limiter, nil, matchID, userA, "second message is throttled")
		var rateLimited *RateLimitedError
		if assert.Error(t, err) && assert.True(t, errors.As(err, &rateLimited)) {
			assert.Equal(t, RateLimitChat.Name, rateLimited.Policy)
			assert.True(t, rateLimited.RetryAfter > 0)
		}
	})
}

func TestListMessages(t *testing.T) {
	db := NewDB(t)
	defer db.Close()
	ctx := context.Background()

	userA := GenerateString()
	userB := GenerateString()
	InsertUser(t, db, userA, ExperienceBeginner)
	InsertUser(t, db, userB, ExperienceBeginner)
	matchID := InsertMatch(t, db, userA, userB, MatchStatusAccepted)

	// Fixed timestamps keep the pagination deterministic. Microsecond
	// precision survives the timestamptz round trip.
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)
	for i := 0; i < 5; i++ {
		if _, err := db.Exec(`
INSERT INTO chat_messages (id, match_id, sender_id, message_text, created_at)
VALUES ($1, $2, $3, $4, $5)`, GenerateString(), matchID, userA, fmt.Sprintf("message %d", i), base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("non-participant rejected", func(t *testing.T) {
		_, err := ListMessages(ctx, logger, db, matchID, GenerateString(), "", 10)
		assert.Equal(t, ErrMatchParticipant, err)
	})

	t.Run("invalid cursor rejected", func(t *testing.T) {
		_, err := ListMessages(ctx, logger, db, matchID, userA, "not-a-cursor", 10)
		assert.Equal(t, ErrChatCursorInvalid, err)
	})

	list, err := ListMessages(ctx, logger, db, matchID, userB, "", 2)
	assert.NoError(t, err)
	assert.True(t, list.HasMore)
	assert.NotEmpty(t, list.NextCursor)
	// Newest page, in chronological order.
	if assert.Len(t, list.Messages, 2) {
		assert.Equal(t, "message 3", list.Messages[0].MessageText)
		assert.Equal(t, "message 4", list.Messages[1].MessageText)
	}

	t.Run("cursor pages backwards", func(t *testing.T) {
		page, err := ListMessages(ctx, logger, db, matchID, userB, list.NextCursor, 2)
		assert.NoError(t, err)
		assert.True(t, page.HasMore)
		if assert.Len(t, page.Messages, 2) {
			assert.Equal(t, "message 1", page.Messages[0].MessageText)
			assert.Equal(t, "message 2", page.Messages[1].MessageText)
		}

		last, err := ListMessages(ctx, logger, db, matchID, userB, page.NextCursor, 2)
		assert.NoError(t, err)
		assert.False(t, last.HasMore)
		assert.Empty(t, last.NextCursor)
		if assert.Len(t, last.Messages, 1) {
			assert.Equal(t, "message 0", last.Messages[0].MessageText)
		}
	})

	t.Run("read cursor advances to newest listed", func(t *testing.T) {
		var lastReadAt time.Time
		err := db.QueryRow(`
SELECT last_read_at FROM chat_read_cursors WHERE match_id = $1 AND user_id = $2`, matchID, userB).Scan(&lastReadAt)
		assert.NoError(t, err)
		assert.True(t, lastReadAt.UTC().Equal(base.Add(4*time.Minute)))
	})
}
