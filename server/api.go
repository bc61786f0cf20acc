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
	"bufio"
	"context"
	"crypto"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Keys used for storing/retrieving user information in the context of a
// request after authentication.
type ctxUserIDKey struct{}
type ctxExpiryKey struct{}

// Stable machine-readable tags carried in the error envelope. Clients branch
// on the tag, the message is for humans.
const (
	errTagValidation      = "validation"
	errTagUnauthenticated = "unauthenticated"
	errTagForbidden       = "forbidden"
	errTagNotFound        = "not_found"
	errTagConflict        = "conflict"
	errTagTooEarly        = "too_early"
	errTagRateLimited     = "rate_limited"
	// Reserved in the envelope contract. Cache and email degrade without
	// failing the request, so no handler maps to it today.
	errTagDependency = "dependency_unavailable"
	errTagInternal   = "internal"
)

var errRequestBodyInvalid = errors.New("request body is not valid JSON")

type apiErrorMapping struct {
	err  error
	tag  string
	code int
}

// apiErrorMappings is ordered, the first match wins. Anything not listed is
// an internal error.
var apiErrorMappings = []apiErrorMapping{
	{errRequestBodyInvalid, errTagValidation, http.StatusBadRequest},
	{ErrUserIDInvalid, errTagValidation, http.StatusBadRequest},
	{ErrBioInvalid, errTagValidation, http.StatusBadRequest},
	{ErrCityInvalid, errTagValidation, http.StatusBadRequest},
	{ErrCoordinatesInvalid, errTagValidation, http.StatusBadRequest},
	{ErrTravelRadiusInvalid, errTagValidation, http.StatusBadRequest},
	{ErrPrivacyModeInvalid, errTagValidation, http.StatusBadRequest},
	{ErrMatchActionInvalid, errTagValidation, http.StatusBadRequest},
	{ErrVenueNameInvalid, errTagValidation, http.StatusBadRequest},
	{ErrNotesInvalid, errTagValidation, http.StatusBadRequest},
	{ErrInvalidChallenges, errTagValidation, http.StatusBadRequest},
	{ErrPastScheduledTime, errTagValidation, http.StatusBadRequest},
	{ErrCancelReasonInvalid, errTagValidation, http.StatusBadRequest},
	{ErrChatMessageInvalid, errTagValidation, http.StatusBadRequest},
	{ErrChatCursorInvalid, errTagValidation, http.StatusBadRequest},
	{ErrDifficultyInvalid, errTagValidation, http.StatusBadRequest},

	{ErrMatchParticipant, errTagForbidden, http.StatusForbidden},
	{ErrSessionParticipant, errTagForbidden, http.StatusForbidden},
	{ErrBuddyInvalid, errTagForbidden, http.StatusForbidden},

	{ErrProfileNotFound, errTagNotFound, http.StatusNotFound},
	{ErrMatchNotFound, errTagNotFound, http.StatusNotFound},
	{ErrSessionNotFound, errTagNotFound, http.StatusNotFound},

	{ErrMatchNotPending, errTagConflict, http.StatusConflict},
	{ErrMatchNotAccepted, errTagConflict, http.StatusConflict},
	{ErrActiveSessionExists, errTagConflict, http.StatusConflict},
	{ErrSessionNotActive, errTagConflict, http.StatusConflict},

	{ErrConfirmationTooEarly, errTagTooEarly, http.StatusConflict},
}

// ApiServer is the HTTP boundary in front of the core APIs. It owns request
// authentication, the public_api rate limit, error shaping and request
// accounting, and hosts the realtime chat socket acceptor.
type ApiServer struct {
	logger      *zap.Logger
	db          *sql.DB
	config      Config
	cache       Cache
	metrics     Metrics
	limiter     *RateLimiter
	notifier    *Notifier
	eventRouter *LocalEventRouter

	apiRouter *mux.Router
	server    *http.Server
}

// StartApiServer wires the route table, middleware stack and the underlying
// listener, then begins serving in the background. The returned server is
// stopped with Stop.
func StartApiServer(logger, startupLogger *zap.Logger, db *sql.DB, config Config, cache Cache, metrics Metrics, limiter *RateLimiter, notifier *Notifier, eventRouter *LocalEventRouter) *ApiServer {
	s := &ApiServer{
		logger:      logger,
		db:          db,
		config:      config,
		cache:       cache,
		metrics:     metrics,
		limiter:     limiter,
		notifier:    notifier,
		eventRouter: eventRouter,
	}

	apiRouter := mux.NewRouter()
	// Registered before the authenticated subrouter so tokens can be minted
	// without already holding one.
	apiRouter.HandleFunc("/api/auth/dev", s.devAuthenticateHandler).Methods(http.MethodPost)

	authed := apiRouter.PathPrefix("/api").Subrouter()
	authed.Use(s.authMiddleware)
	authed.Use(s.rateLimitMiddleware)
	authed.HandleFunc("/profile/complete", s.profileCompleteHandler).Methods(http.MethodPost)
	authed.HandleFunc("/matches/candidates/{user_id}", s.matchCandidatesHandler).Methods(http.MethodGet)
	authed.HandleFunc("/matches/distance/{user_a}/{user_b}", s.matchDistanceHandler).Methods(http.MethodGet)
	authed.HandleFunc("/matches/auto/{user_id}", s.autoMatchHandler).Methods(http.MethodPost)
	authed.HandleFunc("/buddy/respond", s.buddyRespondHandler).Methods(http.MethodPost)
	authed.HandleFunc("/session/create", s.sessionCreateHandler).Methods(http.MethodPost)
	authed.HandleFunc("/session/confirm-completion", s.sessionConfirmCompletionHandler).Methods(http.MethodPost)
	authed.HandleFunc("/session/{session_id}", s.sessionGetHandler).Methods(http.MethodGet)
	authed.HandleFunc("/session/{session_id}/confirm", s.sessionConfirmHandler).Methods(http.MethodPost)
	authed.HandleFunc("/session/{session_id}/cancel", s.sessionCancelHandler).Methods(http.MethodPost)
	authed.HandleFunc("/session/{session_id}/notes", s.sessionNotesHandler).Methods(http.MethodPatch)
	authed.HandleFunc("/chat/messages/{match_id}", s.chatMessagesHandler).Methods(http.MethodGet)
	authed.HandleFunc("/chat/send", s.chatSendHandler).Methods(http.MethodPost)
	authed.HandleFunc("/user/reputation/{user_id}", s.reputationHandler).Methods(http.MethodGet)
	authed.HandleFunc("/challenges", s.challengesHandler).Methods(http.MethodGet)
	s.apiRouter = apiRouter

	// API requests pass through a body size cap and response compression.
	apiHandler := handlers.CompressHandler(apiRouter)
	maxRequestSizeBytes := config.GetSocket().MaxRequestSizeBytes
	sizeCappedHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestSizeBytes)
		apiHandler.ServeHTTP(w, r)
	})

	router := mux.NewRouter()
	router.HandleFunc("/", s.healthcheckHandler).Methods(http.MethodGet)
	router.HandleFunc("/healthcheck", s.healthcheckHandler).Methods(http.MethodGet)
	// The websocket route must not pass through the compression handler, a
	// hijacked connection cannot be written through the gzip writer.
	router.HandleFunc("/ws/chat", NewChatSocketAcceptor(logger, config, db, metrics, eventRouter)).Methods(http.MethodGet)
	router.NewRoute().Handler(sizeCappedHandler)

	allowedOrigins := config.GetSocket().CORSAllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	corsHandler := handlers.CORS(
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "User-Agent"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions}),
		handlers.AllowedOrigins(allowedOrigins),
	)(router)

	handler := s.statsMiddleware(corsHandler)
	handler = s.recoveryMiddleware(handler)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%v:%d", config.GetSocket().Address, config.GetSocket().Port),
		ReadTimeout:  time.Duration(config.GetSocket().ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(config.GetSocket().WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:  time.Duration(config.GetSocket().IdleTimeoutMs) * time.Millisecond,
		Handler:      handler,
	}

	startupLogger.Info("Starting API server for HTTP and WebSocket requests", zap.Int("port", config.GetSocket().Port))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupLogger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return s
}

// Stop drains in-flight requests within the shutdown grace period, then
// closes the listener.
func (s *ApiServer) Stop() {
	grace := time.Duration(s.config.GetShutdownGraceSec()) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown failed", zap.Error(err))
	}
}

type statusResponse struct {
	Health       string  `json:"health"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	AvgRateSec   float64 `json:"avg_rate_sec"`
}

// healthcheckHandler doubles as a lightweight status probe, reporting request
// rate and latency averaged over the most recent snapshot window.
func (s *ApiServer) healthcheckHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, &statusResponse{
		Health:       "ok",
		AvgLatencyMs: math.Floor(s.metrics.SnapshotLatencyMs()*100) / 100,
		AvgRateSec:   math.Floor(s.metrics.SnapshotRateSec()*100) / 100,
	})
}

// recoveryMiddleware turns handler panics into internal errors instead of
// dropped connections.
func (s *ApiServer) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic recovered while handling api request", zap.String("path", r.URL.Path), zap.Any("panic", rec), zap.String("stack", string(debug.Stack())))
				writeError(s.logger, w, http.StatusInternalServerError, errTagInternal, "an internal error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statsMiddleware records one log line and one metric per request.
func (s *ApiServer) statsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		capture := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		elapsed := time.Since(start)

		s.metrics.Api(s.routeName(r), elapsed, capture.status >= http.StatusInternalServerError)
		s.logger.Debug("Handled api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", capture.status),
			zap.Duration("duration", elapsed))
	})
}

// routeName resolves the low-cardinality route template for metrics, falling
// back to the raw path for routes without variables.
func (s *ApiServer) routeName(r *http.Request) string {
	var match mux.RouteMatch
	if s.apiRouter.Match(r, &match) && match.Route != nil {
		if template, err := match.Route.GetPathTemplate(); err == nil {
			return template
		}
	}
	return r.URL.Path
}

// statusCapturingWriter records the response status for request accounting.
// It passes hijacking through so the websocket upgrade keeps working.
type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusCapturingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

// authMiddleware requires a valid bearer token and stores the caller identity
// on the request context for handlers and the rate limiter.
func (s *ApiServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, exp, ok := parseBearerAuth([]byte(s.config.GetSession().EncryptionKey), r.Header.Get("Authorization"))
		if !ok {
			writeError(s.logger, w, http.StatusUnauthorized, errTagUnauthenticated, "missing or invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserIDKey{}, userID)
		ctx = context.WithValue(ctx, ctxExpiryKey{}, exp)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware applies the public_api policy per caller. Tokens are
// keyed by the authenticated user when present, otherwise the client address.
func (s *ApiServer) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identifier, _ := r.Context().Value(ctxUserIDKey{}).(string)
		if identifier == "" {
			identifier = clientAddressFromRequest(s.logger, r)
		}
		if result := s.limiter.Consume(r.Context(), RateLimitPublicAPI, identifier, 1); !result.Allowed {
			httpError(s.logger, w, &RateLimitedError{Policy: RateLimitPublicAPI.Name, RetryAfter: result.RetryAfter})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerID returns the authenticated user id stored by authMiddleware.
func callerID(r *http.Request) string {
	userID, _ := r.Context().Value(ctxUserIDKey{}).(string)
	return userID
}

func clientAddressFromRequest(logger *zap.Logger, r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// The first hop is the client, the rest are proxies.
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			forwarded = forwarded[:idx]
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		logger.Debug("Could not extract client address from request", zap.Error(err))
		return r.RemoteAddr
	}
	return host
}

func parseBearerAuth(hmacSecretByte []byte, auth string) (userID string, exp int64, ok bool) {
	if auth == "" {
		return
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return
	}
	return parseToken(hmacSecretByte, auth[len(prefix):])
}

func parseToken(hmacSecretByte []byte, tokenString string) (userID string, exp int64, ok bool) {
	jwtToken, err := jwt.ParseWithClaims(tokenString, &sessionTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if s, ok := token.Method.(*jwt.SigningMethodHMAC); !ok || s.Hash != crypto.SHA256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return hmacSecretByte, nil
	})
	if err != nil {
		return
	}
	claims, ok := jwtToken.Claims.(*sessionTokenClaims)
	if !ok || !jwtToken.Valid || claims.UserID == "" {
		return "", 0, false
	}
	return claims.UserID, claims.ExpiresAt, true
}

// generateToken signs a session token for userID with the configured expiry.
func generateToken(config Config, userID string) (string, int64) {
	exp := time.Now().UTC().Add(time.Duration(config.GetSession().TokenExpirySec) * time.Second).Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &sessionTokenClaims{
		UserID:    userID,
		ExpiresAt: exp,
	})
	signedToken, _ := token.SignedString([]byte(config.GetSession().EncryptionKey))
	return signedToken, exp
}

type sessionTokenClaims struct {
	UserID    string `json:"uid,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

func (c *sessionTokenClaims) Valid() error {
	// Verify expiry.
	if c.ExpiresAt <= time.Now().UTC().Unix() {
		vErr := new(jwt.ValidationError)
		vErr.Inner = errors.New("token is expired")
		vErr.Errors |= jwt.ValidationErrorExpired
		return vErr
	}
	return nil
}

// httpError maps a core error onto the response envelope. Denials carry a
// Retry-After hint, unknown errors become opaque internal errors.
func httpError(logger *zap.Logger, w http.ResponseWriter, err error) {
	var rateLimited *RateLimitedError
	if errors.As(err, &rateLimited) {
		seconds := int(math.Ceil(rateLimited.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeError(logger, w, http.StatusTooManyRequests, errTagRateLimited, err.Error())
		return
	}
	for _, mapping := range apiErrorMappings {
		if errors.Is(err, mapping.err) {
			writeError(logger, w, mapping.code, mapping.tag, err.Error())
			return
		}
	}
	logger.Error("Internal error handling api request", zap.Error(err))
	writeError(logger, w, http.StatusInternalServerError, errTagInternal, "an internal error occurred")
}

func writeError(logger *zap.Logger, w http.ResponseWriter, code int, tag, message string) {
	writeJSON(logger, w, code, map[string]string{"error": tag, "message": message})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("Error writing api response", zap.Error(err))
	}
}

// decodeJSON reads the request body into v. Malformed bodies, including ones
// truncated by the size cap, surface as validation errors.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errRequestBodyInvalid
	}
	return nil
}
