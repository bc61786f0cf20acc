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
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Metrics is the surface components use to report operational measurements.
type Metrics interface {
	Stop(logger *zap.Logger)

	SnapshotLatencyMs() float64
	SnapshotRateSec() float64

	Api(name string, elapsed time.Duration, isErr bool)
	CacheHit()
	CacheMiss()
	CacheFallback()
	RateLimitDropped(policy string)
	MatchCreated()
	MatchResolved(accepted bool)
	SessionScheduled()
	SessionCompleted()
	SessionCancelled(noShow bool)
	ChatMessageSent(system bool)
	EmailSent()
	EmailError()
	CountWebsocketOpened(delta int64)
	CountWebsocketClosed(delta int64)
}

// LocalMetrics aggregates into a tally scope and optionally exposes it to a
// Prometheus scrape endpoint.
type LocalMetrics struct {
	logger *zap.Logger
	config Config

	cancelFn context.CancelFunc

	snapshotLatencyMs *atomic.Float64
	snapshotRateSec   *atomic.Float64

	currentReqCount *atomic.Int64
	currentMsTotal  *atomic.Int64
	wsCount         *atomic.Int64

	prometheusScope      tally.Scope
	prometheusCloser     io.Closer
	prometheusHTTPServer *http.Server
}

func NewLocalMetrics(logger, startupLogger *zap.Logger, config Config) *LocalMetrics {
	ctx, cancelFn := context.WithCancel(context.Background())

	m := &LocalMetrics{
		logger:   logger,
		config:   config,
		cancelFn: cancelFn,

		snapshotLatencyMs: atomic.NewFloat64(0),
		snapshotRateSec:   atomic.NewFloat64(0),

		currentReqCount: atomic.NewInt64(0),
		currentMsTotal:  atomic.NewInt64(0),
		wsCount:         atomic.NewInt64(0),
	}

	go func() {
		const snapshotFrequencySec = 5
		ticker := time.NewTicker(snapshotFrequencySec * time.Second)
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				reqCount := float64(m.currentReqCount.Swap(0))
				totalMs := float64(m.currentMsTotal.Swap(0))

				if reqCount > 0 {
					m.snapshotLatencyMs.Store(totalMs / reqCount)
				} else {
					m.snapshotLatencyMs.Store(0)
				}
				m.snapshotRateSec.Store(reqCount / snapshotFrequencySec)
			}
		}
	}()

	tags := map[string]string{"node_name": config.GetName()}

	reporterConfig := prometheus.Configuration{
		TimerType: "histogram",
	}
	registry := prom.NewRegistry()
	reporter, err := reporterConfig.NewReporter(prometheus.ConfigurationOptions{
		Registry: registry,
		OnError: func(err error) {
			logger.Error("Error processing Prometheus metric", zap.Error(err))
		},
	})
	if err != nil {
		startupLogger.Fatal("Error creating Prometheus reporter for metrics", zap.Error(err))
	}
	m.prometheusScope, m.prometheusCloser = tally.NewRootScope(tally.ScopeOptions{
		Prefix:          config.GetMetrics().Prefix,
		Tags:            tags,
		CachedReporter:  reporter,
		Separator:       prometheus.DefaultSeparator,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)

	if config.GetMetrics().PrometheusPort > 0 {
		// Create a HTTP server to expose Prometheus metrics through.
		CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type", "User-Agent"})
		CORSOrigins := handlers.AllowedOrigins([]string{"*"})
		CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD"})
		handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(reporter.HTTPHandler())
		m.prometheusHTTPServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", config.GetMetrics().PrometheusPort),
			ReadTimeout:  time.Millisecond * 10000,
			WriteTimeout: time.Millisecond * 10000,
			IdleTimeout:  time.Millisecond * 60000,
			Handler:      handlerWithCORS,
		}

		startupLogger.Info("Starting Prometheus server for metrics requests", zap.Int("port", config.GetMetrics().PrometheusPort))
		go func() {
			if err := m.prometheusHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				startupLogger.Fatal("Prometheus listener failed", zap.Error(err))
			}
		}()
	}

	return m
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	if m.prometheusHTTPServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.prometheusHTTPServer.Shutdown(ctx); err != nil {
			logger.Error("Prometheus listener shutdown failed", zap.Error(err))
		}
	}
	if err := m.prometheusCloser.Close(); err != nil {
		logger.Error("Prometheus reporter close failed", zap.Error(err))
	}
	m.cancelFn()
}

func (m *LocalMetrics) SnapshotLatencyMs() float64 {
	return m.snapshotLatencyMs.Load()
}

func (m *LocalMetrics) SnapshotRateSec() float64 {
	return m.snapshotRateSec.Load()
}

// Api records a request to one of the API endpoints.
func (m *LocalMetrics) Api(name string, elapsed time.Duration, isErr bool) {
	m.currentReqCount.Inc()
	m.currentMsTotal.Add(int64(elapsed / time.Millisecond))

	scope := m.prometheusScope.Tagged(map[string]string{"endpoint": name})
	scope.Counter("api_count").Inc(1)
	if isErr {
		scope.Counter("api_error_count").Inc(1)
	}
	scope.Timer("api_latency_ms").Record(elapsed)
}

func (m *LocalMetrics) CacheHit() {
	m.prometheusScope.Counter("cache_hit_count").Inc(1)
}

func (m *LocalMetrics) CacheMiss() {
	m.prometheusScope.Counter("cache_miss_count").Inc(1)
}

// CacheFallback counts operations served by the in-process cache because the
// distributed backend was unavailable.
func (m *LocalMetrics) CacheFallback() {
	m.prometheusScope.Counter("cache_fallback_count").Inc(1)
}

func (m *LocalMetrics) RateLimitDropped(policy string) {
	m.prometheusScope.Tagged(map[string]string{"policy": policy}).Counter("rate_limit_dropped_count").Inc(1)
}

func (m *LocalMetrics) MatchCreated() {
	m.prometheusScope.Counter("match_created_count").Inc(1)
}

func (m *LocalMetrics) MatchResolved(accepted bool) {
	action := "declined"
	if accepted {
		action = "accepted"
	}
	m.prometheusScope.Tagged(map[string]string{"action": action}).Counter("match_resolved_count").Inc(1)
}

func (m *LocalMetrics) SessionScheduled() {
	m.prometheusScope.Counter("session_scheduled_count").Inc(1)
}

func (m *LocalMetrics) SessionCompleted() {
	m.prometheusScope.Counter("session_completed_count").Inc(1)
}

func (m *LocalMetrics) SessionCancelled(noShow bool) {
	reason := "cancelled"
	if noShow {
		reason = "no_show"
	}
	m.prometheusScope.Tagged(map[string]string{"reason": reason}).Counter("session_cancelled_count").Inc(1)
}

func (m *LocalMetrics) ChatMessageSent(system bool) {
	sender := "user"
	if system {
		sender = "system"
	}
	m.prometheusScope.Tagged(map[string]string{"sender": sender}).Counter("chat_message_count").Inc(1)
}

func (m *LocalMetrics) EmailSent() {
	m.prometheusScope.Counter("email_sent_count").Inc(1)
}

func (m *LocalMetrics) EmailError() {
	m.prometheusScope.Counter("email_error_count").Inc(1)
}

func (m *LocalMetrics) CountWebsocketOpened(delta int64) {
	m.prometheusScope.Gauge("socket_ws_count").Update(float64(m.wsCount.Add(delta)))
}

func (m *LocalMetrics) CountWebsocketClosed(delta int64) {
	m.prometheusScope.Gauge("socket_ws_count").Update(float64(m.wsCount.Sub(delta)))
}
