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
	"errors"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// ChatSenderSystem is the reserved sender id for lifecycle announcements. It
// is not a user, bypasses the rate limiter and never advances read cursors.
const ChatSenderSystem = "system"

var (
	ErrChatMessageInvalid = errors.New("message must be 2-2000 characters")
	ErrChatCursorInvalid  = errors.New("chat cursor invalid")
)

type ChatMessage struct {
	ID          string    `json:"id"`
	MatchID     string    `json:"match_id"`
	SenderID    string    `json:"sender_id"`
	MessageText string    `json:"message_text"`
	CreatedAt   time.Time `json:"created_at"`
}

type ChatMessageList struct {
	Messages   []*ChatMessage
	HasMore    bool
	NextCursor string
}

func parseChatCursor(cursor string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, cursor); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, cursor); err == nil {
		return t, nil
	}
	return time.Time{}, ErrChatCursorInvalid
}

func formatChatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ListMessages pages through a match's chat history from newest to oldest.
// The cursor is the created_at of the oldest message of the previous page;
// each page is returned in chronological order. Reading also advances the
// caller's read cursor to the newest message returned.
func ListMessages(ctx context.Context, logger *zap.Logger, db *sql.DB, matchID, callerID, cursor string, limit int) (*ChatMessageList, error) {
	match, err := GetMatch(ctx, logger, db, matchID)
	if err != nil {
		return nil, err
	}
	if _, ok := match.OtherUser(callerID); !ok {
		return nil, ErrMatchParticipant
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	params := []interface{}{matchID, limit}
	cursorQuery := ""
	if cursor != "" {
		before, err := parseChatCursor(cursor)
		if err != nil {
			return nil, err
		}
		params = append(params, before)
		cursorQuery = " AND created_at < $3"
	}

	rows, err := db.QueryContext(ctx, `
SELECT id, sender_id, message_text, created_at
FROM chat_messages
WHERE match_id = $1`+cursorQuery+`
ORDER BY created_at DESC, id DESC
LIMIT $2`, params...)
	if err != nil {
		logger.Error("Could not query chat messages.", zap.String("match_id", matchID), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	messages := make([]*ChatMessage, 0, limit)
	for rows.Next() {
		message := &ChatMessage{MatchID: matchID}
		if err := rows.Scan(&message.ID, &message.SenderID, &message.MessageText, &message.CreatedAt); err != nil {
			logger.Error("Could not scan chat message.", zap.Error(err))
			return nil, err
		}
		message.CreatedAt = message.CreatedAt.UTC()
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		logger.Error("Could not list chat messages.", zap.Error(err))
		return nil, err
	}

	list := &ChatMessageList{HasMore: len(messages) == limit}
	if list.HasMore {
		list.NextCursor = formatChatCursor(messages[len(messages)-1].CreatedAt)
	}

	// Newest-first from the query, chronological out.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	list.Messages = messages

	if len(messages) > 0 {
		newest := messages[len(messages)-1].CreatedAt
		if err := advanceReadCursor(ctx, db, matchID, callerID, newest); err != nil {
			logger.Warn("Could not advance chat read cursor.", zap.String("match_id", matchID), zap.String("user_id", callerID), zap.Error(err))
		}
	}
	return list, nil
}

// SendMessage appends a participant's message to the match chat. Senders are
// admitted through the chat token bucket; the message text is sanitized and
// must be 2-2000 characters afterwards. The DB-assigned created_at
// linearizes concurrent sends from both participants.
func SendMessage(ctx context.Context, logger *zap.Logger, db *sql.DB, metrics Metrics, limiter *RateLimiter, router EventRouter, matchID, senderID, text string) (*ChatMessage, error) {
	match, err := GetMatch(ctx, logger, db, matchID)
	if err != nil {
		return nil, err
	}
	if _, ok := match.OtherUser(senderID); !ok {
		return nil, ErrMatchParticipant
	}

	if limiter != nil {
		if result := limiter.Consume(ctx, RateLimitChat, senderID, 1); !result.Allowed {
			return nil, &RateLimitedError{Policy: RateLimitChat.Name, RetryAfter: result.RetryAfter}
		}
	}

	sanitized := sanitizeText(text)
	if l := textLength(sanitized); l < 2 || l > 2000 {
		return nil, ErrChatMessageInvalid
	}

	message := &ChatMessage{
		ID:          uuid.Must(uuid.NewV4()).String(),
		MatchID:     matchID,
		SenderID:    senderID,
		MessageText: sanitized,
	}
	if err := ExecuteInTx(ctx, db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
INSERT INTO chat_messages (id, match_id, sender_id, message_text)
VALUES ($1, $2, $3, $4)
RETURNING created_at`, message.ID, message.MatchID, message.SenderID, message.MessageText).Scan(&message.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO chat_read_cursors (match_id, user_id, last_read_at)
VALUES ($1, $2, $3)
ON CONFLICT (match_id, user_id) DO UPDATE
SET last_read_at = GREATEST(chat_read_cursors.last_read_at, $3)`, message.MatchID, message.SenderID, message.CreatedAt)
		return err
	}); err != nil {
		logger.Error("Could not store chat message.", zap.String("match_id", matchID), zap.Error(err))
		return nil, err
	}
	message.CreatedAt = message.CreatedAt.UTC()

	metrics.ChatMessageSent(false)
	routeChatMessage(router, message)
	return message, nil
}

// SendSystemMessage appends a lifecycle announcement to the match chat. The
// text is composed internally, already safe and not rate limited.
func SendSystemMessage(ctx context.Context, logger *zap.Logger, db *sql.DB, metrics Metrics, router EventRouter, matchID, text string) (*ChatMessage, error) {
	if l := textLength(text); l < 2 || l > 2000 {
		return nil, ErrChatMessageInvalid
	}

	message := &ChatMessage{
		ID:          uuid.Must(uuid.NewV4()).String(),
		MatchID:     matchID,
		SenderID:    ChatSenderSystem,
		MessageText: text,
	}
	if err := db.QueryRowContext(ctx, `
INSERT INTO chat_messages (id, match_id, sender_id, message_text)
VALUES ($1, $2, $3, $4)
RETURNING created_at`, message.ID, message.MatchID, message.SenderID, message.MessageText).Scan(&message.CreatedAt); err != nil {
		logger.Error("Could not store system chat message.", zap.String("match_id", matchID), zap.Error(err))
		return nil, err
	}
	message.CreatedAt = message.CreatedAt.UTC()

	metrics.ChatMessageSent(true)
	routeChatMessage(router, message)
	return message, nil
}

func advanceReadCursor(ctx context.Context, db *sql.DB, matchID, userID string, readAt time.Time) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO chat_read_cursors (match_id, user_id, last_read_at)
VALUES ($1, $2, $3)
ON CONFLICT (match_id, user_id) DO UPDATE
SET last_read_at = GREATEST(chat_read_cursors.last_read_at, $3)`, matchID, userID, readAt)
	return err
}

func routeChatMessage(router EventRouter, message *ChatMessage) {
	if router == nil {
		return
	}
	router.Route(message.MatchID, &Event{
		Type:    EventTypeChatMessage,
		MatchID: message.MatchID,
		Payload: map[string]interface{}{
			"message_id":   message.ID,
			"sender_id":    message.SenderID,
			"message_text": message.MessageText,
			"created_at":   formatChatCursor(message.CreatedAt),
		},
	})
}
