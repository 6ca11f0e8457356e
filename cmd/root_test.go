package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BeroLab/brok/brok"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, actual any) {
	t.Helper()
	lvlVar, ok := actual.(*slog.LevelVar)
	require.Truef(t, ok, "expected *slog.LevelVar, got %T", actual)
	assert.Equal(t, expected, lvlVar.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test. viper is package-global and
	// an earlier Execute leaves parsed values behind, so start it over
	// too; initConfig rebuilds defaults on the next run.
	os.Clearenv()
	viper.Reset()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

BROK_DATABASE=/home/foo/brok.sqlite3
BROK_DATABASE_TYPE=sqlite
BROK_DATABASE_LOG_LEVEL=INFO
BROK_DATABASE_SLOW_THRESHOLD=200ms
BROK_LOG_LEVEL=INFO
BROK_STARTUP_TIMEOUT=30s
BROK_SHUTDOWN_TIMEOUT=60s

# Coordination store

BROK_REDIS_ADDR=127.0.0.1:6379
BROK_REDIS_PASSWORD=redis-secret
BROK_REDIS_DB=2

# Admission gate

BROK_RATE_LIMIT_USER_COOLDOWN=15s
BROK_RATE_LIMIT_PENALTY_COOLDOWN=10m
BROK_RATE_LIMIT_GLOBAL_CONCURRENT=7
BROK_RATE_LIMIT_DEBOUNCE_WINDOW=4s
BROK_RATE_LIMIT_DRAIN_MARGIN=250ms
BROK_RATE_LIMIT_QUEUE_INGRESS_LIMIT=5
BROK_RATE_LIMIT_QUEUE_INGRESS_WINDOW=20s
BROK_RATE_LIMIT_CHANNEL_BUSY_TTL=2m

# Job queue

BROK_QUEUE_MAX_ATTEMPTS=4
BROK_QUEUE_BACKOFF_BASE=3s
BROK_QUEUE_SLEEP_EMPTY=1s
BROK_QUEUE_WORKERS=2
BROK_QUEUE_TYPING_INTERVAL=7s
BROK_QUEUE_LOG_LEVEL=INFO

# Model config

BROK_MODEL_TOKEN=your-model-token
BROK_MODEL_BASE_URL=https://openrouter.ai/api/v1
BROK_MODEL_NAME=google/gemini-2.5-flash
BROK_MODEL_MAX_REQUESTS_PER_SECOND=2
BROK_MODEL_TIMEOUT=90s
BROK_MODEL_MAX_TOOL_ROUNDS=4
BROK_MODEL_LOG_LEVEL=INFO

# Discord bot config

BROK_DISCORD_TOKEN=your-discord-bot-token
BROK_DISCORD_APPLICATION_ID=your-discord-bot-app-id
BROK_DISCORD_GUILD_ID=
BROK_DISCORD_LOG_LEVEL=WARN
BROK_DISCORD_DISCORDGO_LOG_LEVEL=WARN
BROK_DISCORD_GATEWAY_INTENTS=3243773
BROK_DISCORD_CHANNEL_BUSY_MESSAGE="calma, ainda estou respondendo!"

# Tools

BROK_SNIPPET_URL=https://carbonara.solopov.dev/api/cook
BROK_DOCS_BASE_URL=https://context7.com/api/v1
BROK_DOCS_API_KEY=docs-key
BROK_WEB_SEARCH_API_KEY=search-key
BROK_SUPPORT_ROLES_ENGINEERS_ROLE_IDS="111 222"
BROK_SUPPORT_ROLES_ENGINEERS_DESCRIPTION="bugs de infraestrutura"
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/brok.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/brok.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, "127.0.0.1:6379", viper.GetString("redis.addr"))
	assert.Equal(t, "redis-secret", viper.GetString("redis.password"))
	assert.Equal(t, 2, viper.GetInt("redis.db"))

	assert.Equal(t, 15*time.Second, viper.GetDuration("rate_limit.user_cooldown"))
	assert.Equal(t, 10*time.Minute, viper.GetDuration("rate_limit.penalty_cooldown"))
	assert.Equal(t, 7, viper.GetInt("rate_limit.global_concurrent"))
	assert.Equal(t, 4*time.Second, viper.GetDuration("rate_limit.debounce_window"))
	assert.Equal(t, 250*time.Millisecond, viper.GetDuration("rate_limit.drain_margin"))
	assert.Equal(t, 5, viper.GetInt("rate_limit.queue_ingress_limit"))
	assert.Equal(t, 20*time.Second, viper.GetDuration("rate_limit.queue_ingress_window"))
	assert.Equal(t, 2*time.Minute, viper.GetDuration("rate_limit.channel_busy_ttl"))

	assert.Equal(t, 4, viper.GetInt("queue.max_attempts"))
	assert.Equal(t, 3*time.Second, viper.GetDuration("queue.backoff_base"))
	assert.Equal(t, 1*time.Second, viper.GetDuration("queue.sleep_empty"))
	assert.Equal(t, 2, viper.GetInt("queue.workers"))
	assert.Equal(t, 7*time.Second, viper.GetDuration("queue.typing_interval"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("queue.log_level"))

	assert.Equal(t, "your-model-token", viper.GetString("model.token"))
	assert.Equal(t, "https://openrouter.ai/api/v1", viper.GetString("model.base_url"))
	assert.Equal(t, "google/gemini-2.5-flash", viper.GetString("model.name"))
	assert.Equal(t, 2, viper.GetInt("model.max_requests_per_second"))
	assert.Equal(t, 90*time.Second, viper.GetDuration("model.timeout"))
	assert.Equal(t, 4, viper.GetInt("model.max_tool_rounds"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("model.log_level"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "https://carbonara.solopov.dev/api/cook", viper.GetString("snippet.url"))
	assert.Equal(t, "https://context7.com/api/v1", viper.GetString("docs.base_url"))
	assert.Equal(t, "docs-key", viper.GetString("docs.api_key"))
	assert.Equal(t, "search-key", viper.GetString("web_search.api_key"))

	// Unmarshal the configuration into a brok.Config struct
	var config brok.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/brok.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, "127.0.0.1:6379", config.Redis.Addr)
	assert.Equal(t, "redis-secret", config.Redis.Password)
	assert.Equal(t, 2, config.Redis.DB)

	assert.Equal(t, 15*time.Second, config.RateLimit.UserCooldown)
	assert.Equal(t, 10*time.Minute, config.RateLimit.PenaltyCooldown)
	assert.Equal(t, 7, config.RateLimit.GlobalConcurrent)
	assert.Equal(t, 4*time.Second, config.RateLimit.DebounceWindow)
	assert.Equal(t, 250*time.Millisecond, config.RateLimit.DrainMargin)
	assert.Equal(t, 5, config.RateLimit.QueueIngressLimit)
	assert.Equal(t, 20*time.Second, config.RateLimit.QueueIngressWindow)
	assert.Equal(t, 2*time.Minute, config.RateLimit.ChannelBusyTTL)

	assert.Equal(t, 4, config.Queue.MaxAttempts)
	assert.Equal(t, 3*time.Second, config.Queue.BackoffBase)
	assert.Equal(t, time.Second, config.Queue.SleepEmpty)
	assert.Equal(t, 2, config.Queue.Workers)
	assert.Equal(t, 7*time.Second, config.Queue.TypingInterval)

	assert.Equal(t, "your-model-token", config.Model.Token)
	assert.Equal(t, "https://openrouter.ai/api/v1", config.Model.BaseURL)
	assert.Equal(t, "google/gemini-2.5-flash", config.Model.Name)
	assert.Equal(t, 2, config.Model.MaxRequestsPerSecond)
	assert.Equal(t, 90*time.Second, config.Model.Timeout)
	assert.Equal(t, 4, config.Model.MaxToolRounds)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, "https://carbonara.solopov.dev/api/cook", config.Snippet.URL)
	assert.Equal(t, "https://context7.com/api/v1", config.Docs.BaseURL)
	assert.Equal(t, "docs-key", config.Docs.APIKey)
	assert.Equal(t, "search-key", config.WebSearch.APIKey)

	assert.Equal(t, "111 222", config.SupportRoles.Engineers.RoleIDs)
	assert.Equal(
		t,
		"bugs de infraestrutura",
		config.SupportRoles.Engineers.Description,
	)
	assert.Equal(t, "", config.SupportRoles.Moderators.RoleIDs)
	assert.Equal(
		t,
		brok.DefaultSupportModeratorsDescription,
		config.SupportRoles.Moderators.Description,
	)
}

func TestGetLogLevel(t *testing.T) {
	for _, expected := range []slog.Level{
		slog.LevelDebug,
		slog.LevelInfo,
		slog.LevelWarn,
		slog.LevelError,
	} {
		lvl, err := getLogLevel(expected.String())
		require.NoError(t, err)
		assert.Equal(t, expected, lvl)
	}

	_, err := getLogLevel("LOUD")
	assert.Error(t, err)
}
