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
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

const (
	MatchStatusPending  = "pending"
	MatchStatusAccepted = "accepted"
	MatchStatusDeclined = "declined"

	MatchActionAccept  = "accept"
	MatchActionDecline = "decline"

	MatchReasonLocationMissing = "location_missing"
	MatchReasonNoCandidates    = "no_candidates"
)

var (
	ErrMatchNotFound      = errors.New("match not found")
	ErrMatchParticipant   = errors.New("user is not a participant of this match")
	ErrMatchNotPending    = errors.New("match is no longer pending")
	ErrMatchActionInvalid = errors.New("action must be accept or decline")

	// Creation race where the chosen candidate entered another pending match
	// first. Never escapes the matcher, the next candidate is tried instead.
	errMatchBuddyUnavailable = errors.New("candidate already has a pending match")
)

type WingmanMatch struct {
	ID              string
	User1ID         string
	User2ID         string
	Status          string
	User1Reputation int
	User2Reputation int
	CreateTime      time.Time
}

// OtherUser returns the participant that is not userID. The second return is
// false when userID is not a participant at all.
func (m *WingmanMatch) OtherUser(userID string) (string, bool) {
	switch userID {
	case m.User1ID:
		return m.User2ID, true
	case m.User2ID:
		return m.User1ID, true
	default:
		return "", false
	}
}

type AutoMatchResult struct {
	Success      bool
	Reason       string
	Existing     bool
	Match        *WingmanMatch
	BuddyUserID  string
	BuddyProfile *UserProfile
}

type MatchRespondResult struct {
	Status    string
	NextMatch *AutoMatchResult
}

// orderedPair is the deterministic pair key: the lexicographically smaller
// user id always occupies the user1 slot.
func orderedPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// compatibleExperience keeps pairs at most one step apart on the ordered
// beginner/intermediate/advanced scale. Unset levels are compatible with
// nothing.
func compatibleExperience(a, b string) bool {
	oa, ok := experienceOrdinal(a)
	if !ok {
		return false
	}
	ob, ok := experienceOrdinal(b)
	if !ok {
		return false
	}
	diff := oa - ob
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1
}

func scanMatch(row Scannable) (*WingmanMatch, error) {
	match := &WingmanMatch{}
	if err := row.Scan(&match.ID, &match.User1ID, &match.User2ID, &match.Status, &match.User1Reputation, &match.User2Reputation, &match.CreateTime); err != nil {
		return nil, err
	}
	return match, nil
}

func GetMatch(ctx context.Context, logger *zap.Logger, db *sql.DB, matchID string) (*WingmanMatch, error) {
	match, err := scanMatch(db.QueryRowContext(ctx, `
SELECT id, user1_id, user2_id, status, user1_reputation, user2_reputation, create_time
FROM wingman_matches
WHERE id = $1`, matchID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrMatchNotFound
		}
		logger.Error("Could not retrieve match.", zap.String("match_id", matchID), zap.Error(err))
		return nil, err
	}
	return match, nil
}

func getPendingMatchForUser(ctx context.Context, q sqlQuerier, userID string) (*WingmanMatch, error) {
	match, err := scanMatch(q.QueryRowContext(ctx, `
SELECT id, user1_id, user2_id, status, user1_reputation, user2_reputation, create_time
FROM wingman_matches
WHERE (user1_id = $1 OR user2_id = $1) AND status = 'pending'
LIMIT 1`, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return match, nil
}

// CreateAutomaticMatch finds the best available wingman buddy for the
// requester and creates a pending match with a deterministic pair key. A
// requester already in a pending match gets that match back unchanged, so at
// most one pending match per user is ever exposed. Candidates are filtered by
// experience compatibility, pair recency and their own pending state, then
// the closest one wins with ties broken by earliest user id.
func CreateAutomaticMatch(ctx context.Context, logger *zap.Logger, db *sql.DB, metrics Metrics, config Config, requesterID string, radiusMiles float64) (*AutoMatchResult, error) {
	if !validUserID(requesterID) {
		return nil, ErrUserIDInvalid
	}
	if radiusMiles <= 0 {
		radiusMiles = float64(config.GetMatcher().DefaultRadiusMiles)
	}
	if max := float64(config.GetMatcher().MaxRadiusMiles); radiusMiles > max {
		radiusMiles = max
	}

	if err := EnsureUserProfile(ctx, logger, db, requesterID); err != nil {
		return nil, err
	}

	// Throttle fast path.
	if existing, err := getPendingMatchForUser(ctx, db, requesterID); err != nil {
		logger.Error("Could not check pending match.", zap.String("user_id", requesterID), zap.Error(err))
		return nil, err
	} else if existing != nil {
		return autoMatchResultFor(ctx, logger, db, existing, requesterID, true)
	}

	location, err := GetUserLocation(ctx, logger, db, requesterID)
	if err != nil && err != ErrProfileNotFound {
		return nil, err
	}
	if location == nil || !usableForPreciseSearch(location) {
		return &AutoMatchResult{Success: false, Reason: MatchReasonLocationMissing}, nil
	}

	requester, err := GetUserProfile(ctx, logger, db, requesterID)
	if err != nil {
		return nil, err
	}

	candidates, err := FindCandidatesWithinRadius(ctx, logger, db, requesterID, radiusMiles, config.GetMatcher().MaxCandidates)
	if err != nil {
		return nil, err
	}

	compatible := make([]*MatchCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		if compatibleExperience(requester.ExperienceLevel, candidate.ExperienceLevel) {
			compatible = append(compatible, candidate)
		}
	}
	if len(compatible) > 0 {
		compatible, err = filterUnavailableCandidates(ctx, logger, db, config, requesterID, compatible)
		if err != nil {
			return nil, err
		}
	}
	if len(compatible) == 0 {
		return &AutoMatchResult{Success: false, Reason: MatchReasonNoCandidates}, nil
	}

	// Candidates arrive sorted by distance then user id, so the first one
	// that survives the creation race is the selection.
	for _, candidate := range compatible {
		result, err := createPendingMatch(ctx, logger, db, requesterID, candidate.UserID)
		if err == errMatchBuddyUnavailable {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !result.existing {
			metrics.MatchCreated()
		}
		return autoMatchResultFor(ctx, logger, db, result.match, requesterID, result.existing)
	}
	return &AutoMatchResult{Success: false, Reason: MatchReasonNoCandidates}, nil
}

// filterUnavailableCandidates drops candidates that were matched with the
// requester within the recency window or are currently held by a pending
// match of their own.
func filterUnavailableCandidates(ctx context.Context, logger *zap.Logger, db *sql.DB, config Config, requesterID string, candidates []*MatchCandidate) ([]*MatchCandidate, error) {
	params := make([]interface{}, 0, len(candidates)+2)
	params = append(params, requesterID)
	windowStart := time.Now().UTC().AddDate(0, 0, -config.GetMatcher().RecencyDays)
	params = append(params, windowStart)
	statements := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		params = append(params, candidate.UserID)
		statements = append(statements, "$"+strconv.Itoa(len(params)))
	}
	inList := strings.Join(statements, ", ")

	rows, err := db.QueryContext(ctx, `
SELECT user1_id, user2_id, status, create_time
FROM wingman_matches
WHERE (user1_id = $1 AND user2_id IN (`+inList+`))
OR (user2_id = $1 AND user1_id IN (`+inList+`))
OR (status = 'pending' AND (user1_id IN (`+inList+`) OR user2_id IN (`+inList+`)))`, params...)
	if err != nil {
		logger.Error("Could not query candidate availability.", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	recentPair := make(map[string]struct{}, len(candidates))
	pendingUser := make(map[string]struct{}, len(candidates))
	for rows.Next() {
		var user1ID, user2ID, status string
		var createTime time.Time
		if err := rows.Scan(&user1ID, &user2ID, &status, &createTime); err != nil {
			logger.Error("Could not scan candidate availability.", zap.Error(err))
			return nil, err
		}
		if status == MatchStatusPending {
			pendingUser[user1ID] = struct{}{}
			pendingUser[user2ID] = struct{}{}
		}
		if createTime.After(windowStart) {
			if user1ID == requesterID {
				recentPair[user2ID] = struct{}{}
			} else if user2ID == requesterID {
				recentPair[user1ID] = struct{}{}
			}
		}
	}
	if err := rows.Err(); err != nil {
		logger.Error("Could not read candidate availability.", zap.Error(err))
		return nil, err
	}

	available := make([]*MatchCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		if _, recent := recentPair[candidate.UserID]; recent {
			continue
		}
		if _, pending := pendingUser[candidate.UserID]; pending {
			continue
		}
		available = append(available, candidate)
	}
	return available, nil
}

type pendingMatchOutcome struct {
	match    *WingmanMatch
	existing bool
}

// createPendingMatch inserts the pending row for requester and buddy. Both
// user ids are locked for the duration of the transaction through ordered
// advisory locks, which serializes concurrent auto-match calls touching
// either user and keeps every user in at most one pending match.
func createPendingMatch(ctx context.Context, logger *zap.Logger, db *sql.DB, requesterID, buddyID string) (*pendingMatchOutcome, error) {
	user1ID, user2ID := orderedPair(requesterID, buddyID)
	matchID := uuid.Must(uuid.NewV4()).String()

	outcome := &pendingMatchOutcome{}
	err := ExecuteInTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", user1ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", user2ID); err != nil {
			return err
		}

		existing, err := getPendingMatchForUser(ctx, tx, requesterID)
		if err != nil {
			return err
		}
		if existing != nil {
			outcome.match = existing
			outcome.existing = true
			return nil
		}

		buddyPending, err := getPendingMatchForUser(ctx, tx, buddyID)
		if err != nil {
			return err
		}
		if buddyPending != nil {
			return errMatchBuddyUnavailable
		}

		match, err := scanMatch(tx.QueryRowContext(ctx, `
INSERT INTO wingman_matches (id, user1_id, user2_id, status)
VALUES ($1, $2, $3, 'pending')
RETURNING id, user1_id, user2_id, status, user1_reputation, user2_reputation, create_time`, matchID, user1ID, user2ID))
		if err != nil {
			return err
		}
		outcome.match = match
		return nil
	})
	if err == errMatchBuddyUnavailable {
		return nil, err
	}
	if err != nil {
		if isUniqueViolationError(err) {
			// Lost the insert race for this pair. The winner's row is the
			// match.
			winner, readErr := scanMatch(db.QueryRowContext(ctx, `
SELECT id, user1_id, user2_id, status, user1_reputation, user2_reputation, create_time
FROM wingman_matches
WHERE user1_id = $1 AND user2_id = $2 AND status = 'pending'`, user1ID, user2ID))
			if readErr == nil {
				return &pendingMatchOutcome{match: winner, existing: true}, nil
			}
		}
		logger.Error("Could not create pending match.", zap.String("user1_id", user1ID), zap.String("user2_id", user2ID), zap.Error(err))
		return nil, err
	}
	return outcome, nil
}

func autoMatchResultFor(ctx context.Context, logger *zap.Logger, db *sql.DB, match *WingmanMatch, requesterID string, existing bool) (*AutoMatchResult, error) {
	buddyID, _ := match.OtherUser(requesterID)
	buddyProfile, err := GetUserProfile(ctx, logger, db, buddyID)
	if err != nil && err != ErrProfileNotFound {
		return nil, err
	}
	return &AutoMatchResult{
		Success:      true,
		Existing:     existing,
		Match:        match,
		BuddyUserID:  buddyID,
		BuddyProfile: buddyProfile,
	}, nil
}

// RespondToMatch advances a pending match to accepted or declined on behalf
// of a participant. The row is locked so concurrent responses serialize and
// the second caller observes a terminal status. Declining immediately tries
// to find the decliner a new buddy; that result rides along as NextMatch and
// may be unsuccessful.
func RespondToMatch(ctx context.Context, logger *zap.Logger, db *sql.DB, metrics Metrics, config Config, notifier *Notifier, router EventRouter, callerID, matchID, action string) (*MatchRespondResult, error) {
	if action != MatchActionAccept && action != MatchActionDecline {
		return nil, ErrMatchActionInvalid
	}

	newStatus := MatchStatusAccepted
	if action == MatchActionDecline {
		newStatus = MatchStatusDeclined
	}

	var match *WingmanMatch
	if err := ExecuteInTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		match, err = scanMatch(tx.QueryRowContext(ctx, `
SELECT id, user1_id, user2_id, status, user1_reputation, user2_reputation, create_time
FROM wingman_matches
WHERE id = $1
FOR UPDATE`, matchID))
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrMatchNotFound
			}
			return err
		}
		if _, ok := match.OtherUser(callerID); !ok {
			return ErrMatchParticipant
		}
		if match.Status != MatchStatusPending {
			return ErrMatchNotPending
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE wingman_matches
SET status = $2, update_time = now()
WHERE id = $1`, matchID, newStatus); err != nil {
			return err
		}
		match.Status = newStatus
		return nil
	}); err != nil {
		if err == ErrMatchNotFound || err == ErrMatchParticipant || err == ErrMatchNotPending {
			return nil, err
		}
		logger.Error("Could not respond to match.", zap.String("match_id", matchID), zap.Error(err))
		return nil, err
	}

	metrics.MatchResolved(newStatus == MatchStatusAccepted)
	result := &MatchRespondResult{Status: match.Status}

	switch action {
	case MatchActionAccept:
		if notifier != nil {
			notifier.MatchAccepted(match)
		}
		if router != nil {
			router.Route(match.ID, &Event{
				Type:    EventTypeMatchAccepted,
				MatchID: match.ID,
				Payload: map[string]interface{}{"accepted_by": callerID},
			})
		}
	case MatchActionDecline:
		// Best effort, the decline itself already committed.
		next, err := CreateAutomaticMatch(ctx, logger, db, metrics, config, callerID, 0)
		if err != nil {
			logger.Warn("Could not create follow-up match after decline.", zap.String("user_id", callerID), zap.Error(err))
		} else if next.Success {
			result.NextMatch = next
		}
	}
	return result, nil
}
