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
	"flag"
	"os"
	"strconv"
	"strings"

	"io/ioutil"

	"github.com/gofrs/uuid"
	"github.com/joho/godotenv"
	"github.com/wingmanlabs/wingman/flags"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config interface is the WingmanMatch core configuration.
type Config interface {
	GetName() string
	GetConfig() string
	GetShutdownGraceSec() int
	GetLogger() *LoggerConfig
	GetMetrics() *MetricsConfig
	GetSession() *SessionConfig
	GetSocket() *SocketConfig
	GetDatabase() *DatabaseConfig
	GetCache() *CacheConfig
	GetEmail() *EmailConfig
	GetMatcher() *MatcherConfig
	GetRateLimit() *RateLimitConfig
	GetFeatures() *FeaturesConfig
}

// ParseArgs builds the runtime configuration from defaults, an optional .env
// file, an optional YAML file named by --config, command line overrides, and
// finally WINGMAN_* environment overrides for secrets.
func ParseArgs(logger *zap.Logger, args []string) Config {
	config := NewConfig()

	if err := godotenv.Load(); err == nil {
		logger.Info("Loaded environment from .env file")
	}

	configPath := configFileArg(args)
	if configPath != "" {
		data, err := ioutil.ReadFile(configPath)
		if err != nil {
			logger.Fatal("Could not read config file", zap.String("path", configPath), zap.Error(err))
		}
		if err = yaml.Unmarshal(data, config); err != nil {
			logger.Fatal("Could not parse config file", zap.String("path", configPath), zap.Error(err))
		}
		config.Config = configPath
	}

	// Every config field is exposed as a flag named by its yaml path, so the
	// command line can override anything the file sets.
	flagSet := flag.NewFlagSet("wingman", flag.ExitOnError)
	flagMaker := flags.NewFlagMakerFlagSet(&flags.FlagMakingOptions{
		UseLowerCase: true,
		Flatten:      false,
		TagName:      "yaml",
		TagUsage:     "usage",
	}, flagSet)
	if _, err := flagMaker.ParseArgs(config, args[1:]); err != nil {
		logger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	envOverride(config)

	return config
}

// configFileArg extracts the --config value without disturbing the main flag
// set, so YAML values load before other flags override them.
func configFileArg(args []string) string {
	for i := 1; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
		if strings.HasPrefix(arg, "-config=") {
			return strings.TrimPrefix(arg, "-config=")
		}
	}
	return ""
}

func envOverride(config *config) {
	if v := os.Getenv("WINGMAN_DATABASE_ADDRESS"); v != "" {
		config.Database.Addresses = strings.Split(v, ",")
	}
	if v := os.Getenv("WINGMAN_REDIS_ADDRESS"); v != "" {
		config.Cache.RedisAddress = v
	}
	if v := os.Getenv("WINGMAN_REDIS_PASSWORD"); v != "" {
		config.Cache.RedisPassword = v
	}
	if v := os.Getenv("WINGMAN_SESSION_ENCRYPTION_KEY"); v != "" {
		config.Session.EncryptionKey = v
	}
	if v := os.Getenv("WINGMAN_SMTP_HOST"); v != "" {
		config.Email.SMTPHost = v
	}
	if v := os.Getenv("WINGMAN_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Email.SMTPPort = port
		}
	}
	if v := os.Getenv("WINGMAN_SMTP_USERNAME"); v != "" {
		config.Email.SMTPUsername = v
	}
	if v := os.Getenv("WINGMAN_SMTP_PASSWORD"); v != "" {
		config.Email.SMTPPassword = v
	}
	if v := os.Getenv("WINGMAN_SMTP_FROM"); v != "" {
		config.Email.From = v
	}
}

// ValidateConfig checks the parsed configuration for unusable values and
// fails fast. Insecure-but-usable values only warn.
func ValidateConfig(logger *zap.Logger, c Config) {
	if len(c.GetDatabase().Addresses) == 0 {
		logger.Fatal("At least one database address must be specified")
	}
	if c.GetSocket().Port < 1 || c.GetSocket().Port > 65535 {
		logger.Fatal("Socket port must be between 1 and 65535", zap.Int("socket.port", c.GetSocket().Port))
	}
	if c.GetSession().EncryptionKey == "" {
		logger.Fatal("Session encryption key must not be empty")
	}
	if c.GetSession().EncryptionKey == "defaultencryptionkey" {
		logger.Warn("WARNING: insecure default parameter value, change this for production!", zap.String("param", "session.encryption_key"))
	}
	if c.GetSession().TokenExpirySec < 1 {
		logger.Fatal("Session token expiry must be at least 1 second", zap.Int64("session.token_expiry_sec", c.GetSession().TokenExpirySec))
	}
	if c.GetMatcher().DefaultRadiusMiles < 1 || c.GetMatcher().DefaultRadiusMiles > c.GetMatcher().MaxRadiusMiles {
		logger.Fatal("Matcher default radius must be between 1 and the max radius",
			zap.Int("matcher.default_radius_miles", c.GetMatcher().DefaultRadiusMiles),
			zap.Int("matcher.max_radius_miles", c.GetMatcher().MaxRadiusMiles))
	}
	if c.GetMatcher().RecencyDays < 0 {
		logger.Fatal("Matcher recency window must not be negative", zap.Int("matcher.recency_days", c.GetMatcher().RecencyDays))
	}
	if c.GetMatcher().MaxCandidates < 1 {
		logger.Fatal("Matcher max candidates must be at least 1", zap.Int("matcher.max_candidates", c.GetMatcher().MaxCandidates))
	}
	if c.GetSocket().MaxRequestSizeBytes < 1024 {
		logger.Fatal("Max request size must be at least 1024 bytes", zap.Int64("socket.max_request_size_bytes", c.GetSocket().MaxRequestSizeBytes))
	}
	if c.GetSocket().PingPeriodMs >= c.GetSocket().PongWaitMs {
		logger.Fatal("Ping period must be less than pong wait",
			zap.Int("socket.ping_period_ms", c.GetSocket().PingPeriodMs),
			zap.Int("socket.pong_wait_ms", c.GetSocket().PongWaitMs))
	}
	if c.GetFeatures().TestAuth {
		logger.Warn("WARNING: development test-auth endpoint is enabled, never run this in production!")
	}
	if c.GetEmail().SMTPHost == "" {
		logger.Warn("No SMTP host configured, email notifications will only be logged")
	}
}

type config struct {
	Name             string           `yaml:"name" json:"name" usage:"Server node name - must be unique."`
	Config           string           `yaml:"config" json:"config" usage:"The absolute file path to configuration YAML file."`
	ShutdownGraceSec int              `yaml:"shutdown_grace_sec" json:"shutdown_grace_sec" usage:"Maximum number of seconds to wait for in-flight requests to finish during shutdown."`
	Logger           *LoggerConfig    `yaml:"logger" json:"logger" usage:"Logger levels and output."`
	Metrics          *MetricsConfig   `yaml:"metrics" json:"metrics" usage:"Metrics settings."`
	Session          *SessionConfig   `yaml:"session" json:"session" usage:"Session authentication settings."`
	Socket           *SocketConfig    `yaml:"socket" json:"socket" usage:"Socket settings."`
	Database         *DatabaseConfig  `yaml:"database" json:"database" usage:"Database connection settings."`
	Cache            *CacheConfig     `yaml:"cache" json:"cache" usage:"Cache backend settings."`
	Email            *EmailConfig     `yaml:"email" json:"email" usage:"Outbound email settings."`
	Matcher          *MatcherConfig   `yaml:"matcher" json:"matcher" usage:"Buddy matcher tuning."`
	RateLimit        *RateLimitConfig `yaml:"rate_limit" json:"rate_limit" usage:"Rate limiter settings."`
	Features         *FeaturesConfig  `yaml:"features" json:"features" usage:"Feature flags."`
}

// NewConfig constructs a config struct with default server settings.
func NewConfig() *config {
	nodeName := "wingman-" + strings.Split(uuid.Must(uuid.NewV4()).String(), "-")[3]
	return &config{
		Name:             nodeName,
		ShutdownGraceSec: 15,
		Logger:           NewLoggerConfig(),
		Metrics:          NewMetricsConfig(),
		Session:          NewSessionConfig(),
		Socket:           NewSocketConfig(),
		Database:         NewDatabaseConfig(),
		Cache:            NewCacheConfig(),
		Email:            NewEmailConfig(),
		Matcher:          NewMatcherConfig(),
		RateLimit:        NewRateLimitConfig(),
		Features:         NewFeaturesConfig(),
	}
}

func (c *config) GetName() string {
	return c.Name
}

func (c *config) GetConfig() string {
	return c.Config
}

func (c *config) GetShutdownGraceSec() int {
	return c.ShutdownGraceSec
}

func (c *config) GetLogger() *LoggerConfig {
	return c.Logger
}

func (c *config) GetMetrics() *MetricsConfig {
	return c.Metrics
}

func (c *config) GetSession() *SessionConfig {
	return c.Session
}

func (c *config) GetSocket() *SocketConfig {
	return c.Socket
}

func (c *config) GetDatabase() *DatabaseConfig {
	return c.Database
}

func (c *config) GetCache() *CacheConfig {
	return c.Cache
}

func (c *config) GetEmail() *EmailConfig {
	return c.Email
}

func (c *config) GetMatcher() *MatcherConfig {
	return c.Matcher
}

func (c *config) GetRateLimit() *RateLimitConfig {
	return c.RateLimit
}

func (c *config) GetFeatures() *FeaturesConfig {
	return c.Features
}

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Log level to set. Valid values are 'debug', 'info', 'warn', 'error'. Default 'info'."`
	Stdout     bool   `yaml:"stdout" json:"stdout" usage:"Log to standard console output as well as the file output. Default true."`
	File       string `yaml:"file" json:"file" usage:"Log output to a file as well as stdout. Make sure that the directory and the file are writable."`
	Rotation   bool   `yaml:"rotation" json:"rotation" usage:"Rotate log files. Default false."`
	MaxSize    int    `yaml:"max_size" json:"max_size" usage:"The maximum size in megabytes of the log file before it gets rotated. Default 100."`
	MaxAge     int    `yaml:"max_age" json:"max_age" usage:"The maximum number of days to retain old log files. Default is to retain all."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"The maximum number of old log files to retain. Default is to retain all."`
	Format     string `yaml:"format" json:"format" usage:"Set logging output format. Can either be 'json' or 'console'. Default 'json'."`
}

// NewLoggerConfig creates a new LoggerConfig struct.
func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      "info",
		Stdout:     true,
		File:       "",
		Rotation:   false,
		MaxSize:    100,
		MaxAge:     0,
		MaxBackups: 0,
		Format:     "json",
	}
}

// MetricsConfig is configuration relevant to metrics capturing and output.
type MetricsConfig struct {
	ReportingFreqSec int    `yaml:"reporting_freq_sec" json:"reporting_freq_sec" usage:"Frequency of metrics exports. Default 60 seconds."`
	PrometheusPort   int    `yaml:"prometheus_port" json:"prometheus_port" usage:"Port to expose Prometheus metrics. If '0' Prometheus exports are disabled."`
	Prefix           string `yaml:"prefix" json:"prefix" usage:"Prefix for metric names. Default 'wingman'."`
}

// NewMetricsConfig creates a new MetricsConfig struct.
func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ReportingFreqSec: 60,
		PrometheusPort:   0,
		Prefix:           "wingman",
	}
}

// SessionConfig is configuration relevant to the authentication tokens.
type SessionConfig struct {
	EncryptionKey  string `yaml:"encryption_key" json:"encryption_key" usage:"The encryption key used to verify and, in development, produce bearer tokens."`
	TokenExpirySec int64  `yaml:"token_expiry_sec" json:"token_expiry_sec" usage:"Token expiry in seconds for development-issued tokens."`
}

// NewSessionConfig creates a new SessionConfig struct.
func NewSessionConfig() *SessionConfig {
	return &SessionConfig{
		EncryptionKey:  "defaultencryptionkey",
		TokenExpirySec: 86400,
	}
}

// SocketConfig is configuration relevant to the API socket.
type SocketConfig struct {
	Port                int      `yaml:"port" json:"port" usage:"The port for accepting connections from clients, listening on all interfaces."`
	Address             string   `yaml:"address" json:"address" usage:"The IP address of the interface to listen for client traffic on. Default listen on all available addresses."`
	MaxRequestSizeBytes int64    `yaml:"max_request_size_bytes" json:"max_request_size_bytes" usage:"Maximum amount of data in bytes allowed to be read from the client socket per request."`
	ReadTimeoutMs       int      `yaml:"read_timeout_ms" json:"read_timeout_ms" usage:"Maximum duration in milliseconds for reading the entire request."`
	WriteTimeoutMs      int      `yaml:"write_timeout_ms" json:"write_timeout_ms" usage:"Maximum duration in milliseconds before timing out writes of the response."`
	IdleTimeoutMs       int      `yaml:"idle_timeout_ms" json:"idle_timeout_ms" usage:"Maximum amount of time in milliseconds to wait for the next request when keep-alives are enabled."`
	WriteWaitMs         int      `yaml:"write_wait_ms" json:"write_wait_ms" usage:"Time in milliseconds to wait for a websocket write before considering the client stalled."`
	PongWaitMs          int      `yaml:"pong_wait_ms" json:"pong_wait_ms" usage:"Time in milliseconds to wait for a pong from a websocket client after sending a ping."`
	PingPeriodMs        int      `yaml:"ping_period_ms" json:"ping_period_ms" usage:"Time in milliseconds between websocket pings. Must be less than pong_wait_ms."`
	OutgoingQueueSize   int      `yaml:"outgoing_queue_size" json:"outgoing_queue_size" usage:"The maximum number of queued realtime events per websocket client before it is disconnected."`
	CORSAllowedOrigins  []string `yaml:"cors_allowed_origins" json:"cors_allowed_origins" usage:"Allowed CORS origins. Default allows all origins."`
}

// NewSocketConfig creates a new SocketConfig struct.
func NewSocketConfig() *SocketConfig {
	return &SocketConfig{
		Port:                8000,
		Address:             "",
		MaxRequestSizeBytes: 262144,
		ReadTimeoutMs:       10000,
		WriteTimeoutMs:      10000,
		IdleTimeoutMs:       60000,
		WriteWaitMs:         5000,
		PongWaitMs:          25000,
		PingPeriodMs:        15000,
		OutgoingQueueSize:   64,
		CORSAllowedOrigins:  []string{"*"},
	}
}

// DatabaseConfig is configuration relevant to the database storage.
type DatabaseConfig struct {
	Addresses         []string `yaml:"address" json:"address" usage:"List of database nodes to connect to. It should follow the form of user:password@host:port/dbname."`
	ConnMaxLifetimeMs int      `yaml:"conn_max_lifetime_ms" json:"conn_max_lifetime_ms" usage:"Time in milliseconds to reuse a database connection before the connection is killed and a new one is created."`
	MaxOpenConns      int      `yaml:"max_open_conns" json:"max_open_conns" usage:"Maximum number of allowed open connections to the database."`
	MaxIdleConns      int      `yaml:"max_idle_conns" json:"max_idle_conns" usage:"Maximum number of allowed open but unused connections to the database."`
}

// NewDatabaseConfig creates a new DatabaseConfig struct.
func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Addresses:         []string{"postgres@localhost:5432/wingman"},
		ConnMaxLifetimeMs: 3600000,
		MaxOpenConns:      100,
		MaxIdleConns:      100,
	}
}

// CacheConfig is configuration relevant to the cache backends.
type CacheConfig struct {
	RedisAddress       string `yaml:"redis_address" json:"redis_address" usage:"Redis host:port. Blank runs the server on the in-process cache only."`
	RedisPassword      string `yaml:"redis_password" json:"redis_password" usage:"Redis password, blank when auth is disabled."`
	RedisDB            int    `yaml:"redis_db" json:"redis_db" usage:"Redis logical database number."`
	OperationTimeoutMs int    `yaml:"operation_timeout_ms" json:"operation_timeout_ms" usage:"Budget in milliseconds for a single cache operation."`
	SweepIntervalSec   int    `yaml:"sweep_interval_sec" json:"sweep_interval_sec" usage:"How often the in-process cache evicts expired entries."`
}

// NewCacheConfig creates a new CacheConfig struct.
func NewCacheConfig() *CacheConfig {
	return &CacheConfig{
		RedisAddress:       "",
		RedisPassword:      "",
		RedisDB:            0,
		OperationTimeoutMs: 2000,
		SweepIntervalSec:   60,
	}
}

// EmailConfig is configuration relevant to outbound notification email.
type EmailConfig struct {
	SMTPHost     string `yaml:"smtp_host" json:"smtp_host" usage:"SMTP relay host. Blank logs notifications instead of sending them."`
	SMTPPort     int    `yaml:"smtp_port" json:"smtp_port" usage:"SMTP relay port."`
	SMTPUsername string `yaml:"smtp_username" json:"smtp_username" usage:"SMTP auth username."`
	SMTPPassword string `yaml:"smtp_password" json:"smtp_password" usage:"SMTP auth password."`
	From         string `yaml:"from" json:"from" usage:"From address on outbound notifications."`
	TimeoutMs    int    `yaml:"timeout_ms" json:"timeout_ms" usage:"Deadline in milliseconds for a single send attempt."`
	MaxRetries   int    `yaml:"max_retries" json:"max_retries" usage:"Attempts per notification before it is dropped."`
}

// NewEmailConfig creates a new EmailConfig struct.
func NewEmailConfig() *EmailConfig {
	return &EmailConfig{
		SMTPHost:     "",
		SMTPPort:     587,
		SMTPUsername: "",
		SMTPPassword: "",
		From:         "noreply@wingmanmatch.app",
		TimeoutMs:    5000,
		MaxRetries:   2,
	}
}

// MatcherConfig is configuration relevant to the buddy matcher.
type MatcherConfig struct {
	DefaultRadiusMiles int `yaml:"default_radius_miles" json:"default_radius_miles" usage:"Search radius in miles used when an auto-match request does not specify one."`
	MaxRadiusMiles     int `yaml:"max_radius_miles" json:"max_radius_miles" usage:"Upper bound accepted for a candidate search radius."`
	MaxCandidates      int `yaml:"max_candidates" json:"max_candidates" usage:"Maximum candidates returned by a radius search."`
	RecencyDays        int `yaml:"recency_days" json:"recency_days" usage:"Days during which a previously matched pair is not matched again."`
}

// NewMatcherConfig creates a new MatcherConfig struct.
func NewMatcherConfig() *MatcherConfig {
	return &MatcherConfig{
		DefaultRadiusMiles: 25,
		MaxRadiusMiles:     100,
		MaxCandidates:      10,
		RecencyDays:        7,
	}
}

// RateLimitConfig is configuration relevant to the request rate limiter.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" usage:"Apply the public_api policy to all API routes. Chat and matcher policies always apply."`
}

// NewRateLimitConfig creates a new RateLimitConfig struct.
func NewRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: true,
	}
}

// FeaturesConfig holds feature flags.
type FeaturesConfig struct {
	TestAuth         bool `yaml:"test_auth" json:"test_auth" usage:"Expose the development token endpoint. Never enable in production."`
	CostOptimization bool `yaml:"cost_optimization" json:"cost_optimization" usage:"Double catalog and session cache TTLs to reduce database load."`
}

// NewFeaturesConfig creates a new FeaturesConfig struct.
func NewFeaturesConfig() *FeaturesConfig {
	return &FeaturesConfig{
		TestAuth:         false,
		CostOptimization: false,
	}
}
