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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type capturedEmail struct {
	To      string
	Subject string
	Body    string
}

type fakeEmailSender struct {
	sync.Mutex
	sends []capturedEmail
}

func (s *fakeEmailSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	s.Lock()
	defer s.Unlock()
	s.sends = append(s.sends, capturedEmail{To: to, Subject: subject, Body: htmlBody})
	return nil
}

func (s *fakeEmailSender) snapshot() []capturedEmail {
	s.Lock()
	defer s.Unlock()
	out := make([]capturedEmail, len(s.sends))
	copy(out, s.sends)
	return out
}

func (s *fakeEmailSender) countTo(address string) int {
	count := 0
	for _, send := range s.snapshot() {
		if send.To == address {
			count++
		}
	}
	return count
}

func insertNotifiableUser(t *testing.T, db *sql.DB, email string) string {
	userID := GenerateString()
	InsertUser(t, db, userID, ExperienceBeginner)
	if _, err := db.Exec(`UPDATE users SET email = $2 WHERE id = $1`, userID, email); err != nil {
		t.Fatal("Could not set user email.", err)
	}
	return userID
}

func TestNotifierMatchAccepted(t *testing.T) {
	db := NewDB(t)
	defer db.Close()

	userA := insertNotifiableUser(t, db, "a@example.com")
	userB := insertNotifiableUser(t, db, "b@example.com")

	sender := &fakeEmailSender{}
	notifier := NewNotifier(logger, cfg, db, sender, nil, metrics)

	dispatched := notifier.MatchAccepted(&WingmanMatch{User1ID: userA, User2ID: userB})
	assert.True(t, dispatched)
	notifier.Stop()

	sends := sender.snapshot()
	if assert.Len(t, sends, 2) {
		assert.Equal(t, "Your wingman match is confirmed", sends[0].Subject)
	}
	assert.Equal(t, 1, sender.countTo("a@example.com"))
	assert.Equal(t, 1, sender.countTo("b@example.com"))
}

func TestNotifierSkipsUsersWithoutEmail(t *testing.T) {
	db := NewDB(t)
	defer db.Close()

	userA := insertNotifiableUser(t, db, "a@example.com")
	noEmailID := GenerateString()
	InsertUser(t, db, noEmailID, ExperienceBeginner)

	sender := &fakeEmailSender{}
	notifier := NewNotifier(logger, cfg, db, sender, nil, metrics)
	notifier.MatchAccepted(&WingmanMatch{User1ID: userA, User2ID: noEmailID})
	notifier.Stop()

	sends := sender.snapshot()
	if assert.Len(t, sends, 1) {
		assert.Equal(t, "a@example.com", sends[0].To)
	}
}

func TestNotifierSessionScheduled(t *testing.T) {
	db := NewDB(t)
	defer db.Close()

	userA := insertNotifiableUser(t, db, "a@example.com")
	userB := insertNotifiableUser(t, db, "b@example.com")

	sender := &fakeEmailSender{}
	notifier := NewNotifier(logger, cfg, db, sender, nil, metrics)

	match := &WingmanMatch{User1ID: userA, User2ID: userB}
	session := &WingmanSession{VenueName: "Dolores Park", ScheduledTime: time.Now().Add(time.Hour).UTC()}
	assert.True(t, notifier.SessionScheduled(match, session))
	notifier.Stop()

	sends := sender.snapshot()
	if assert.Len(t, sends, 2) {
		assert.Equal(t, "Wingman session scheduled", sends[0].Subject)
		assert.True(t, strings.Contains(sends[0].Body, "Dolores Park"))
	}
}

func TestNotifierSessionCancelled(t *testing.T) {
	db := NewDB(t)
	defer db.Close()

	userA := insertNotifiableUser(t, db, "a@example.com")
	userB := insertNotifiableUser(t, db, "b@example.com")

	sender := &fakeEmailSender{}
	notifier := NewNotifier(logger, cfg, db, sender, nil, metrics)

	match := &WingmanMatch{User1ID: userA, User2ID: userB}
	session := &WingmanSession{VenueName: "Dolores Park"}
	assert.True(t, notifier.SessionCancelled(match, session, SessionStatusNoShow))
	notifier.Stop()

	sends := sender.snapshot()
	if assert.Len(t, sends, 2) {
		assert.Equal(t, "Wingman session cancelled", sends[0].Subject)
		assert.True(t, strings.Contains(sends[0].Body, "no_show"))
	}
}

func TestNotifierStopRejectsNewWork(t *testing.T) {
	sender := &fakeEmailSender{}
	// A stopped notifier refuses before any lookup, the database is not used.
	notifier := NewNotifier(logger, cfg, nil, sender, nil, metrics)
	notifier.Stop()

	dispatched := notifier.MatchAccepted(&WingmanMatch{User1ID: "a", User2ID: "b"})
	assert.False(t, dispatched)
	assert.Empty(t, sender.snapshot())
}

func TestNotifierEmailRateLimit(t *testing.T) {
	db := NewDB(t)
	defer db.Close()

	userA := insertNotifiableUser(t, db, "a@example.com")
	userB := insertNotifiableUser(t, db, "b@example.com")

	cache := NewLocalCache(logger, cfg)
	defer cache.Stop()
	limiter := NewRateLimiter(logger, cfg, metrics, cache)

	sender := &fakeEmailSender{}
	notifier := NewNotifier(logger, cfg, db, sender, limiter, metrics)

	match := &WingmanMatch{User1ID: userA, User2ID: userB}
	for i := 0; i < 5; i++ {
		assert.True(t, notifier.MatchAccepted(match))
	}
	notifier.Stop()

	// The email bucket admits three per recipient, the rest are dropped.
	assert.Equal(t, int(RateLimitEmail.Capacity), sender.countTo("a@example.com"))
	assert.Equal(t, int(RateLimitEmail.Capacity), sender.countTo("b@example.com"))
}
