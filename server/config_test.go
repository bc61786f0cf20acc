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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	config := NewConfig()

	assert.True(t, strings.HasPrefix(config.Name, "wingman-"))
	assert.Equal(t, 15, config.ShutdownGraceSec)
	assert.Equal(t, 8000, config.Socket.Port)
	assert.Equal(t, int64(262144), config.Socket.MaxRequestSizeBytes)
	assert.Equal(t, []string{"*"}, config.Socket.CORSAllowedOrigins)
	assert.Equal(t, int64(86400), config.Session.TokenExpirySec)
	assert.Equal(t, 25, config.Matcher.DefaultRadiusMiles)
	assert.Equal(t, 100, config.Matcher.MaxRadiusMiles)
	assert.Equal(t, 10, config.Matcher.MaxCandidates)
	assert.Equal(t, 7, config.Matcher.RecencyDays)
	assert.True(t, config.RateLimit.Enabled)
	assert.False(t, config.Features.TestAuth)
	// Prometheus export stays off unless a port is configured.
	assert.Equal(t, 0, config.Metrics.PrometheusPort)
}

func TestParseArgsFlags(t *testing.T) {
	config := ParseArgs(logger, []string{"wingman", "--socket.port", "9001", "--name", "node-test"})

	assert.Equal(t, 9001, config.GetSocket().Port)
	assert.Equal(t, "node-test", config.GetName())

	t.Run("database address flag replaces the list", func(t *testing.T) {
		config := ParseArgs(logger, []string{"wingman", "--database.address", "wingman:secret@dbhost:5432/wingman"})
		assert.Equal(t, []string{"wingman:secret@dbhost:5432/wingman"}, config.GetDatabase().Addresses)
	})
}

func TestParseArgsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := `
socket:
  port: 7777
matcher:
  default_radius_miles: 30
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	config := ParseArgs(logger, []string{"wingman", "--config", path})
	assert.Equal(t, 7777, config.GetSocket().Port)
	assert.Equal(t, 30, config.GetMatcher().DefaultRadiusMiles)
	assert.Equal(t, path, config.GetConfig())

	t.Run("flags override file values", func(t *testing.T) {
		config := ParseArgs(logger, []string{"wingman", "--config", path, "--socket.port", "9002"})
		assert.Equal(t, 9002, config.GetSocket().Port)
		// File values not overridden by flags stay.
		assert.Equal(t, 30, config.GetMatcher().DefaultRadiusMiles)
	})
}

func TestParseArgsEnvOverride(t *testing.T) {
	t.Setenv("WINGMAN_SESSION_ENCRYPTION_KEY", "fromtheenvironment")
	t.Setenv("WINGMAN_REDIS_ADDRESS", "redis.internal:6379")
	t.Setenv("WINGMAN_DATABASE_ADDRESS", "a@h1:5432/db,a@h2:5432/db")

	config := ParseArgs(logger, []string{"wingman"})
	assert.Equal(t, "fromtheenvironment", config.GetSession().EncryptionKey)
	assert.Equal(t, "redis.internal:6379", config.GetCache().RedisAddress)
	assert.Equal(t, []string{"a@h1:5432/db", "a@h2:5432/db"}, config.GetDatabase().Addresses)
}

func TestConfigFileArg(t *testing.T) {
	assert.Equal(t, "", configFileArg([]string{"wingman"}))
	assert.Equal(t, "a.yml", configFileArg([]string{"wingman", "--config", "a.yml"}))
	assert.Equal(t, "b.yml", configFileArg([]string{"wingman", "--config=b.yml"}))
	assert.Equal(t, "c.yml", configFileArg([]string{"wingman", "-config", "c.yml"}))
	assert.Equal(t, "d.yml", configFileArg([]string{"wingman", "--socket.port", "9000", "-config=d.yml"}))
	assert.Equal(t, "", configFileArg([]string{"wingman", "--config"}))
}
