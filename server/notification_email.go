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
	"crypto/tls"
	"database/sql"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EmailSender delivers a single notification email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// NewEmailSender returns the SMTP sender when a relay host is configured and
// a logging stand-in otherwise, so notification flows behave identically in
// development and production.
func NewEmailSender(logger *zap.Logger, config Config) EmailSender {
	if config.GetEmail().SMTPHost == "" {
		return &logEmailSender{logger: logger}
	}
	return &smtpEmailSender{config: config.GetEmail()}
}

type smtpEmailSender struct {
	config *EmailConfig
}

func (s *smtpEmailSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	timeout := time.Duration(s.config.TimeoutMs) * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	// Bound the whole SMTP exchange, not just the dial.
	_ = conn.SetDeadline(time.Now().Add(timeout))

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.config.SMTPHost}); err != nil {
			return err
		}
	}
	if s.config.SMTPUsername != "" {
		auth := smtp.PlainAuth("", s.config.SMTPUsername, s.config.SMTPPassword, s.config.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	if err := client.Mail(s.config.From); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	writer, err := client.Data()
	if err != nil {
		return err
	}

	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: WingmanMatch <%s>\r\n", s.config.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody)

	if _, err := writer.Write([]byte(msg.String())); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return client.Quit()
}

type logEmailSender struct {
	logger *zap.Logger
}

func (s *logEmailSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	s.logger.Info("Email notification", zap.String("to", to), zap.String("subject", subject))
	return nil
}

// Notifier dispatches lifecycle emails after the authoritative DB write has
// committed. Sends run asynchronously with a bounded retry and a per-attempt
// deadline; failures are logged and counted, never propagated to the caller.
type Notifier struct {
	logger  *zap.Logger
	config  Config
	db      *sql.DB
	sender  EmailSender
	limiter *RateLimiter
	metrics Metrics

	ctx         context.Context
	ctxCancelFn context.CancelFunc
	wg          sync.WaitGroup
}

func NewNotifier(logger *zap.Logger, config Config, db *sql.DB, sender EmailSender, limiter *RateLimiter, metrics Metrics) *Notifier {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	return &Notifier{
		logger:  logger,
		config:  config,
		db:      db,
		sender:  sender,
		limiter: limiter,
		metrics: metrics,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}
}

// Stop rejects new notifications and waits for in-flight sends to finish or
// hit their deadlines.
func (n *Notifier) Stop() {
	n.ctxCancelFn()
	n.wg.Wait()
}

// MatchAccepted emails both participants that their match is confirmed.
func (n *Notifier) MatchAccepted(match *WingmanMatch) bool {
	subject := "Your wingman match is confirmed"
	body := "<p>Your wingman buddy accepted the match. Open the app to say hello and plan your first session.</p>"
	return n.dispatch([]string{match.User1ID, match.User2ID}, subject, body)
}

// SessionScheduled emails both participants the venue and time of their new
// session. The venue text was sanitized on write and is safe to embed.
func (n *Notifier) SessionScheduled(match *WingmanMatch, session *WingmanSession) bool {
	subject := "Wingman session scheduled"
	body := fmt.Sprintf("<p>Your wingman session is set for <strong>%s</strong> at <strong>%s</strong>. Good luck out there.</p>",
		session.ScheduledTime.Format(time.RFC1123), session.VenueName)
	return n.dispatch([]string{match.User1ID, match.User2ID}, subject, body)
}

// SessionCancelled emails both participants that the session ended early.
func (n *Notifier) SessionCancelled(match *WingmanMatch, session *WingmanSession, reason string) bool {
	subject := "Wingman session cancelled"
	body := fmt.Sprintf("<p>Your session at <strong>%s</strong> was closed as %s. You can schedule a new one any time.</p>",
		session.VenueName, reason)
	return n.dispatch([]string{match.User1ID, match.User2ID}, subject, body)
}

func (n *Notifier) dispatch(userIDs []string, subject, body string) bool {
	select {
	case <-n.ctx.Done():
		return false
	default:
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for _, userID := range userIDs {
			n.sendToUser(userID, subject, body)
		}
	}()
	return true
}

func (n *Notifier) sendToUser(userID, subject, body string) {
	lookupCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	profile, err := GetUserProfile(lookupCtx, n.logger, n.db, userID)
	cancel()
	if err != nil {
		n.logger.Warn("Could not resolve notification recipient.", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if profile.Email == "" {
		return
	}

	if n.limiter != nil {
		limitCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		result := n.limiter.Consume(limitCtx, RateLimitEmail, userID, 1)
		cancel()
		if !result.Allowed {
			n.logger.Warn("Email notification dropped by rate limit.", zap.String("user_id", userID), zap.Duration("retry_after", result.RetryAfter))
			return
		}
	}

	attempts := n.config.GetEmail().MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}
		sendCtx, cancel := context.WithTimeout(n.ctx, time.Duration(n.config.GetEmail().TimeoutMs)*time.Millisecond)
		lastErr = n.sender.Send(sendCtx, profile.Email, subject, body)
		cancel()
		if lastErr == nil {
			n.metrics.EmailSent()
			return
		}
	}
	n.metrics.EmailError()
	n.logger.Warn("Could not send email notification.", zap.String("user_id", userID), zap.Error(lastErr))
}
