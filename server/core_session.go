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
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgtype"
	"go.uber.org/zap"
)

const (
	SessionStatusScheduled  = "scheduled"
	SessionStatusInProgress = "in_progress"
	SessionStatusCompleted  = "completed"
	SessionStatusNoShow     = "no_show"
	SessionStatusCancelled  = "cancelled"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionParticipant   = errors.New("user is not a participant of this session")
	ErrMatchNotAccepted     = errors.New("match must be accepted before scheduling a session")
	ErrInvalidChallenges    = errors.New("one or both challenge ids are not in the catalog")
	ErrActiveSessionExists  = errors.New("an active session already exists for this match")
	ErrPastScheduledTime    = errors.New("scheduled time must be in the future")
	ErrConfirmationTooEarly = errors.New("completion can only be confirmed at or after the scheduled time")
	ErrVenueNameInvalid     = errors.New("venue name must be 1-200 characters")
	ErrNotesInvalid         = errors.New("notes must be at most 2000 characters")
	ErrSessionNotActive     = errors.New("session is not active")
	ErrCancelReasonInvalid  = errors.New("reason must be cancelled or no_show")
	ErrBuddyInvalid         = errors.New("buddy must be the other participant of the session")
)

// WingmanSession is a scheduled meetup between the two users of a match.
// User1Confirmed and User2Confirmed record that the respective side's
// completion has been confirmed, whether by the counterparty or by a self
// report. The session is completed exactly when both are true.
type WingmanSession struct {
	ID               string     `json:"id"`
	MatchID          string     `json:"match_id"`
	User1ChallengeID string     `json:"user1_challenge_id"`
	User2ChallengeID string     `json:"user2_challenge_id"`
	VenueName        string     `json:"venue_name"`
	ScheduledTime    time.Time  `json:"scheduled_time"`
	Status           string     `json:"status"`
	Notes            string     `json:"notes"`
	User1Confirmed   bool       `json:"user1_confirmed"`
	User2Confirmed   bool       `json:"user2_confirmed"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreateTime       time.Time  `json:"create_time"`
}

type SessionCreate struct {
	MatchID          string
	VenueName        string
	ScheduledTime    time.Time
	User1ChallengeID string
	User2ChallengeID string
}

type ReputationPreview struct {
	User1Delta int `json:"user1_delta"`
	User2Delta int `json:"user2_delta"`
}

// SessionData is the joined view served to participants and cached per match.
type SessionData struct {
	Session           *WingmanSession    `json:"session"`
	User1ID           string             `json:"user1_id"`
	User2ID           string             `json:"user2_id"`
	User1Name         string             `json:"user1_name"`
	User2Name         string             `json:"user2_name"`
	User1Challenge    *ApproachChallenge `json:"user1_challenge"`
	User2Challenge    *ApproachChallenge `json:"user2_challenge"`
	ReputationPreview ReputationPreview  `json:"reputation_preview"`
}

type SessionConfirmResult struct {
	Status            string
	User1Confirmed    bool
	User2Confirmed    bool
	BothConfirmed     bool
	ReputationUpdated bool
}

func loadSession(ctx context.Context, q sqlQuerier, sessionID string, forUpdate bool) (*WingmanSession, *WingmanMatch, error) {
	query := `
SELECT s.id, s.match_id, s.user1_challenge_id, s.user2_challenge_id, s.venue_name, s.scheduled_time, s.status, s.notes,
s.user1_completed_confirmed_by_user2, s.user2_completed_confirmed_by_user1, s.completed_at, s.create_time,
m.user1_id, m.user2_id, m.status, m.user1_reputation, m.user2_reputation, m.create_time
FROM wingman_sessions s
JOIN wingman_matches m ON m.id = s.match_id
WHERE s.id = $1`
	if forUpdate {
		query += `
FOR UPDATE OF s`
	}

	session := &WingmanSession{}
	match := &WingmanMatch{}
	var completedAt pgtype.Timestamptz
	err := q.QueryRowContext(ctx, query, sessionID).Scan(
		&session.ID, &session.MatchID, &session.User1ChallengeID, &session.User2ChallengeID, &session.VenueName,
		&session.ScheduledTime, &session.Status, &session.Notes, &session.User1Confirmed, &session.User2Confirmed,
		&completedAt, &session.CreateTime,
		&match.User1ID, &match.User2ID, &match.Status, &match.User1Reputation, &match.User2Reputation, &match.CreateTime)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, err
	}
	match.ID = session.MatchID
	if completedAt.Status == pgtype.Present {
		t := completedAt.Time.UTC()
		session.CompletedAt = &t
	}
	return session, match, nil
}

// CreateSession schedules a meetup for an accepted match. All preconditions
// are checked inside one transaction with the match row locked, and the
// partial unique index on active sessions backstops the pre-insert check.
// After commit the session is announced through a system chat message, email
// notifications and a realtime event, all best effort. The returned bool
// reports whether notifications were dispatched.
func CreateSession(ctx context.Context, logger *zap.Logger, db *sql.DB, metrics Metrics, cache Cache, notifier *Notifier, router EventRouter, callerID string, create *SessionCreate) (*WingmanSession, bool, error) {
	venueName := sanitizeText(create.VenueName)
	if l := textLength(venueName); l < 1 || l > 200 {
		return nil, false, ErrVenueNameInvalid
	}
	if !create.ScheduledTime.After(time.Now()) {
		return nil, false, ErrPastScheduledTime
	}

	session := &WingmanSession{
		ID:               uuid.Must(uuid.NewV4()).String(),
		MatchID:          create.MatchID,
		User1ChallengeID: create.User1ChallengeID,
		User2ChallengeID: create.User2ChallengeID,
		VenueName:        venueName,
		ScheduledTime:    create.ScheduledTime.UTC(),
		Status:           SessionStatusScheduled,
	}
	var match *WingmanMatch

	if err := ExecuteInTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		match, err = scanMatch(tx.QueryRowContext(ctx, `
SELECT id, user1_id, user2_id, status, user1_reputation, user2_reputation, create_time
FROM wingman_matches
WHERE id = $1
FOR UPDATE`, create.MatchID))
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrMatchNotFound
			}
			return err
		}
		if _, ok := match.OtherUser(callerID); !ok {
			return ErrSessionParticipant
		}
		if match.Status != MatchStatusAccepted {
			return ErrMatchNotAccepted
		}

		challenges, err := getChallenges(ctx, tx, create.User1ChallengeID, create.User2ChallengeID)
		if err != nil {
			return err
		}
		if _, ok := challenges[create.User1ChallengeID]; !ok {
			return ErrInvalidChallenges
		}
		if _, ok := challenges[create.User2ChallengeID]; !ok {
			return ErrInvalidChallenges
		}

		var activeExists bool
		if err := tx.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM wingman_sessions WHERE match_id = $1 AND status IN ('scheduled', 'in_progress'))`, create.MatchID).Scan(&activeExists); err != nil {
			return err
		}
		if activeExists {
			return ErrActiveSessionExists
		}

		return tx.QueryRowContext(ctx, `
INSERT INTO wingman_sessions (id, match_id, user1_challenge_id, user2_challenge_id, venue_name, scheduled_time)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING create_time`, session.ID, session.MatchID, session.User1ChallengeID, session.User2ChallengeID, session.VenueName, session.ScheduledTime).Scan(&session.CreateTime)
	}); err != nil {
		switch err {
		case ErrMatchNotFound, ErrSessionParticipant, ErrMatchNotAccepted, ErrInvalidChallenges, ErrActiveSessionExists:
			return nil, false, err
		}
		if isUniqueViolationError(err) {
			return nil, false, ErrActiveSessionExists
		}
		logger.Error("Could not create session.", zap.String("match_id", create.MatchID), zap.Error(err))
		return nil, false, err
	}

	metrics.SessionScheduled()
	invalidateSessionCache(ctx, logger, cache, session.MatchID)

	announcement := fmt.Sprintf("Session scheduled at %s on %s", session.VenueName, session.ScheduledTime.Format(time.RFC1123))
	if _, err := SendSystemMessage(ctx, logger, db, metrics, router, session.MatchID, announcement); err != nil {
		logger.Warn("Could not append session announcement to chat.", zap.String("match_id", session.MatchID), zap.Error(err))
	}

	notificationsSent := false
	if notifier != nil {
		notificationsSent = notifier.SessionScheduled(match, session)
	}
	if router != nil {
		router.Route(session.MatchID, &Event{
			Type:    EventTypeSessionScheduled,
			MatchID: session.MatchID,
			Payload: map[string]interface{}{
				"session_id":     session.ID,
				"venue_name":     session.VenueName,
				"scheduled_time": session.ScheduledTime.Format(time.RFC3339Nano),
			},
		})
	}

	return session, notificationsSent, nil
}

// GetSession returns the joined session view for a participant. The view is
// cached per match because a match has at most one active session at a time.
func GetSession(ctx context.Context, logger *zap.Logger, db *sql.DB, cache Cache, sessionID, callerID string) (*SessionData, error) {
	session, match, err := loadSession(ctx, db, sessionID, false)
	if err != nil {
		if err == ErrSessionNotFound {
			return nil, err
		}
		logger.Error("Could not load session.", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}
	if _, ok := match.OtherUser(callerID); !ok {
		return nil, ErrSessionParticipant
	}

	cacheKey := cacheKeySessionPrefix + session.MatchID
	if value, found, err := cache.Get(ctx, cacheKey); err == nil && found {
		data := &SessionData{}
		if err := json.Unmarshal([]byte(value), data); err == nil && data.Session != nil && data.Session.ID == sessionID {
			return data, nil
		}
	}

	user1, err := GetUserProfile(ctx, logger, db, match.User1ID)
	if err != nil && err != ErrProfileNotFound {
		return nil, err
	}
	user2, err := GetUserProfile(ctx, logger, db, match.User2ID)
	if err != nil && err != ErrProfileNotFound {
		return nil, err
	}
	challenges, err := getChallenges(ctx, db, session.User1ChallengeID, session.User2ChallengeID)
	if err != nil {
		logger.Error("Could not load session challenges.", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}

	data := &SessionData{
		Session: session,
		User1ID: match.User1ID,
		User2ID: match.User2ID,
	}
	if user1 != nil {
		data.User1Name = user1.DisplayName
	}
	if user2 != nil {
		data.User2Name = user2.DisplayName
	}
	if challenge, ok := challenges[session.User1ChallengeID]; ok {
		data.User1Challenge = challenge
		data.ReputationPreview.User1Delta = challenge.Points
	}
	if challenge, ok := challenges[session.User2ChallengeID]; ok {
		data.User2Challenge = challenge
		data.ReputationPreview.User2Delta = challenge.Points
	}

	if payload, err := json.Marshal(data); err == nil {
		if err := cache.Set(ctx, cacheKey, string(payload), cacheTTLSession); err != nil {
			logger.Warn("Could not cache session data.", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return data, nil
}

// ConfirmBuddyCompletion records the caller's attestation that their buddy
// completed the session. The buddy's side flag is set; the caller cannot
// confirm their own side through this path.
func ConfirmBuddyCompletion(ctx context.Context, logger *zap.Logger, db *sql.DB, metrics Metrics, cache Cache, router EventRouter, sessionID, callerID, buddyID string) (*SessionConfirmResult, error) {
	if buddyID == callerID {
		return nil, ErrBuddyInvalid
	}
	return confirmCompletionFlag(ctx, logger, db, metrics, cache, router, sessionID, callerID, buddyID)
}

// ConfirmSessionCompletion is the self-report path: the caller marks their
// own side of the session as confirmed.
func ConfirmSessionCompletion(ctx context.Context, logger *zap.Logger, db *sql.DB, metrics Metrics, cache Cache, router EventRouter, sessionID, callerID string) (*SessionConfirmResult, error) {
	return confirmCompletionFlag(ctx, logger, db, metrics, cache, router, sessionID, callerID, callerID)
}

// confirmCompletionFlag sets the completion flag for confirmUserID's side of
// the session. The first flag moves the session to in_progress; the second
// completes it, stamps completed_at and increments both per-match reputation
// counters in the same transaction. Confirming an already completed session
// is idempotent and returns the current state.
func confirmCompletionFlag(ctx context.Context, logger *zap.Logger, db *sql.DB, metrics Metrics, cache Cache, router EventRouter, sessionID, callerID, confirmUserID string) (*SessionConfirmResult, error) {
	result := &SessionConfirmResult{}
	var match *WingmanMatch
	var completedNow bool

	if err := ExecuteInTx(ctx, db, func(tx *sql.Tx) error {
		session, m, err := loadSession(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		match = m
		if _, ok := match.OtherUser(callerID); !ok {
			return ErrSessionParticipant
		}
		if _, ok := match.OtherUser(confirmUserID); !ok {
			return ErrBuddyInvalid
		}

		if session.Status == SessionStatusCompleted {
			result.Status = session.Status
			result.User1Confirmed = session.User1Confirmed
			result.User2Confirmed = session.User2Confirmed
			result.BothConfirmed = true
			result.ReputationUpdated = true
			return nil
		}
		if session.Status == SessionStatusNoShow || session.Status == SessionStatusCancelled {
			return ErrSessionNotActive
		}
		if time.Now().Before(session.ScheduledTime) {
			return ErrConfirmationTooEarly
		}

		user1Confirmed := session.User1Confirmed
		user2Confirmed := session.User2Confirmed
		if confirmUserID == match.User1ID {
			user1Confirmed = true
		} else {
			user2Confirmed = true
		}

		status := SessionStatusInProgress
		var completedAt interface{}
		if user1Confirmed && user2Confirmed {
			status = SessionStatusCompleted
			completedAt = time.Now().UTC()
			completedNow = true
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE wingman_sessions
SET user1_completed_confirmed_by_user2 = $2, user2_completed_confirmed_by_user1 = $3, status = $4, completed_at = $5, update_time = now()
WHERE id = $1`, sessionID, user1Confirmed, user2Confirmed, status, completedAt); err != nil {
			return err
		}
		if completedNow {
			if _, err := tx.ExecContext(ctx, `
UPDATE wingman_matches
SET user1_reputation = user1_reputation + 1, user2_reputation = user2_reputation + 1, update_time = now()
WHERE id = $1`, match.ID); err != nil {
				return err
			}
		}

		result.Status = status
		result.User1Confirmed = user1Confirmed
		result.User2Confirmed = user2Confirmed
		result.BothConfirmed = user1Confirmed && user2Confirmed
		result.ReputationUpdated = completedNow
		return nil
	}); err != nil {
		switch err {
		case ErrSessionNotFound, ErrSessionParticipant, ErrBuddyInvalid, ErrSessionNotActive, ErrConfirmationTooEarly:
			return nil, err
		}
		logger.Error("Could not confirm session completion.", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}

	invalidateSessionCache(ctx, logger, cache, match.ID)
	if completedNow {
		metrics.SessionCompleted()
		invalidateReputation(ctx, logger, cache, match.User1ID)
		invalidateReputation(ctx, logger, cache, match.User2ID)
		if router != nil {
			router.Route(match.ID, &Event{
				Type:    EventTypeSessionCompleted,
				MatchID: match.ID,
				Payload: map[string]interface{}{"session_id": sessionID},
			})
		}
	}
	return result, nil
}

// UpdateSessionNotes replaces the session notes for a participant.
func UpdateSessionNotes(ctx context.Context, logger *zap.Logger, db *sql.DB, cache Cache, sessionID, callerID, notes string) (string, error) {
	sanitized := sanitizeText(notes)
	if textLength(sanitized) > 2000 {
		return "", ErrNotesInvalid
	}

	session, match, err := loadSession(ctx, db, sessionID, false)
	if err != nil {
		if err == ErrSessionNotFound {
			return "", err
		}
		logger.Error("Could not load session for notes update.", zap.String("session_id", sessionID), zap.Error(err))
		return "", err
	}
	if _, ok := match.OtherUser(callerID); !ok {
		return "", ErrSessionParticipant
	}

	if _, err := db.ExecContext(ctx, `
UPDATE wingman_sessions
SET notes = $2, update_time = now()
WHERE id = $1`, sessionID, sanitized); err != nil {
		logger.Error("Could not update session notes.", zap.String("session_id", sessionID), zap.Error(err))
		return "", err
	}

	invalidateSessionCache(ctx, logger, cache, session.MatchID)
	return sanitized, nil
}

// CancelSession terminates an active session as cancelled or no_show. A
// no-show can only be recorded once the scheduled time has passed. Both
// outcomes count against the participants' reputation on the read side, so
// both reputation caches are invalidated.
func CancelSession(ctx context.Context, logger *zap.Logger, db *sql.DB, metrics Metrics, cache Cache, notifier *Notifier, router EventRouter, sessionID, callerID, reason string) (*WingmanSession, error) {
	if reason == "" {
		reason = SessionStatusCancelled
	}
	if reason != SessionStatusCancelled && reason != SessionStatusNoShow {
		return nil, ErrCancelReasonInvalid
	}

	var session *WingmanSession
	var match *WingmanMatch
	if err := ExecuteInTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		session, match, err = loadSession(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		if _, ok := match.OtherUser(callerID); !ok {
			return ErrSessionParticipant
		}
		if session.Status != SessionStatusScheduled && session.Status != SessionStatusInProgress {
			return ErrSessionNotActive
		}
		if reason == SessionStatusNoShow && time.Now().Before(session.ScheduledTime) {
			return ErrConfirmationTooEarly
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE wingman_sessions
SET status = $2, update_time = now()
WHERE id = $1`, sessionID, reason); err != nil {
			return err
		}
		session.Status = reason
		return nil
	}); err != nil {
		switch err {
		case ErrSessionNotFound, ErrSessionParticipant, ErrSessionNotActive, ErrConfirmationTooEarly:
			return nil, err
		}
		logger.Error("Could not cancel session.", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}

	metrics.SessionCancelled(reason == SessionStatusNoShow)
	invalidateSessionCache(ctx, logger, cache, match.ID)
	invalidateReputation(ctx, logger, cache, match.User1ID)
	invalidateReputation(ctx, logger, cache, match.User2ID)

	announcement := "Session cancelled"
	if reason == SessionStatusNoShow {
		announcement = "Session marked as no-show"
	}
	if _, err := SendSystemMessage(ctx, logger, db, metrics, router, match.ID, announcement); err != nil {
		logger.Warn("Could not append cancellation to chat.", zap.String("match_id", match.ID), zap.Error(err))
	}
	if notifier != nil {
		notifier.SessionCancelled(match, session, reason)
	}
	if router != nil {
		router.Route(match.ID, &Event{
			Type:    EventTypeSessionCancelled,
			MatchID: match.ID,
			Payload: map[string]interface{}{"session_id": sessionID, "reason": reason},
		})
	}
	return session, nil
}

func invalidateSessionCache(ctx context.Context, logger *zap.Logger, cache Cache, matchID string) {
	if err := cache.Delete(ctx, cacheKeySessionPrefix+matchID); err != nil {
		logger.Warn("Could not invalidate session cache.", zap.String("match_id", matchID), zap.Error(err))
	}
}
