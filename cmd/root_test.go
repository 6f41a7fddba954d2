package cmd

import (
	"fmt"
	"github.com/arcward/tagbot/tagbot"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
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

	// Clear the environment before the test
	os.Clearenv()
	viper.Reset()
	t.Cleanup(
		func() {
			configFile = ""
		},
	)

	tmpdir := t.TempDir()

	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

TAGBOT_DATABASE=/home/foo/tagbot.sqlite3
TAGBOT_DATABASE_TYPE=sqlite
TAGBOT_DATABASE_LOG_LEVEL=INFO
TAGBOT_DATABASE_SLOW_THRESHOLD=200ms
TAGBOT_LOG_LEVEL=INFO
TAGBOT_STARTUP_TIMEOUT=30s
TAGBOT_SHUTDOWN_TIMEOUT=60s
TAGBOT_DEVELOPMENT=true

# Discord bot config

TAGBOT_DISCORD_TOKEN=your-discord-bot-token
TAGBOT_DISCORD_APPLICATION_ID=your-discord-bot-app-id
TAGBOT_DISCORD_GUILD_ID=
TAGBOT_DISCORD_LOG_LEVEL=WARN
TAGBOT_DISCORD_DISCORDGO_LOG_LEVEL=WARN
TAGBOT_DISCORD_STARTUP_MESSAGE="I'm here!"
TAGBOT_DISCORD_GATEWAY_INTENTS=3243773
TAGBOT_DISCORD_REGISTER_COMMANDS=true
TAGBOT_DISCORD_ERROR_WEBHOOK_URL=https://discord.com/api/webhooks/123/abc

# Tags

TAGBOT_TAGS_PREFIX=?
TAGBOT_TAGS_MOD_LOG_CHANNEL_ID=555
TAGBOT_TAGS_MANAGER_ROLE_IDS=111 222
TAGBOT_TAGS_CONFIRM_DELETE=false
TAGBOT_TAGS_CLEAN_DELAY=15s

# Stats

TAGBOT_STATS_ENABLED=true
TAGBOT_STATS_SPREADSHEET_ID=sheet-id
TAGBOT_STATS_CREDENTIALS_FILE=/etc/tagbot/credentials.json
TAGBOT_STATS_SNAPSHOT_FILE=/var/lib/tagbot/stats.json
TAGBOT_STATS_SCHEDULE="0 0 * * *"
TAGBOT_STATS_TIMEZONE=America/New_York

# Discord webhook server

TAGBOT_DISCORD_WEBHOOK_SERVER_ENABLED=false
TAGBOT_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5001
TAGBOT_DISCORD_WEBHOOK_SERVER_SSL_CERT_FILE=/etc/ssl/cert.pem
TAGBOT_DISCORD_WEBHOOK_SERVER_SSL_KEY_FILE=/etc/ssl/cert.key
TAGBOT_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=771
TAGBOT_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
TAGBOT_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
TAGBOT_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=5s

# API server

TAGBOT_API_ENABLED=true
TAGBOT_API_LISTEN=127.0.0.1:5000
TAGBOT_API_SSL_CERT_FILE=/etc/ssl/cert.pem
TAGBOT_API_SSL_KEY_FILE=/etc/ssl/key.pem
TAGBOT_API_SSL_TLS_MIN_VERSION=771
TAGBOT_API_LOG_LEVEL=DEBUG
TAGBOT_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
TAGBOT_API_CORS_ALLOW_METHODS=GET POST OPTIONS
TAGBOT_API_CORS_MAX_AGE=12h
TAGBOT_API_WRITE_TIMEOUT=10s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/tagbot.sqlite3", cfg.Database)
	// shorter than the default list, so nothing may be left over from it
	assert.Equal(t, []string{"GET", "POST", "OPTIONS"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, "/home/foo/tagbot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.True(t, viper.GetBool("development"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("tags.log_level"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("stats.log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))

	// Unmarshal the configuration into a tagbot.Config struct
	config := tagbot.DefaultConfig()
	require.NoError(t, decodeConfig(config))

	assert.Equal(t, "/home/foo/tagbot.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.True(t, config.Development)
	assert.True(t, config.RecoverPanic)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)
	assert.True(t, config.Discord.RegisterCommands)
	assert.Equal(t, "https://discord.com/api/webhooks/123/abc", config.Discord.ErrorWebhookURL)
	assert.Equal(t, tagbot.DefaultDiscordEmbedColor, config.Discord.EmbedColor)

	assert.Equal(t, "?", config.Tags.Prefix)
	assert.Equal(t, "555", config.Tags.ModLogChannelID)
	assert.Equal(t, []string{"111", "222"}, config.Tags.ManagerRoleIDs)
	assert.False(t, config.Tags.ConfirmDelete)
	assert.Equal(t, 15*time.Second, config.Tags.CleanDelay)

	assert.True(t, config.Stats.Enabled)
	assert.Equal(t, "sheet-id", config.Stats.SpreadsheetID)
	assert.Equal(t, "/etc/tagbot/credentials.json", config.Stats.CredentialsFile)
	assert.Equal(t, "/var/lib/tagbot/stats.json", config.Stats.SnapshotFile)
	assert.Equal(t, "0 0 * * *", config.Stats.Schedule)
	assert.Equal(t, "America/New_York", config.Stats.Timezone)

	assert.False(t, config.Discord.WebhookServer.Enabled)
	assert.Equal(t, "127.0.0.1:5001", config.Discord.WebhookServer.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.Discord.WebhookServer.SSL.CertFile)
	assert.Equal(t, "/etc/ssl/cert.key", config.Discord.WebhookServer.SSL.KeyFile)
	assert.Equal(t, uint16(771), config.Discord.WebhookServer.SSL.TLSMinVersion)
	assert.Equal(t, "your_discord_public_key_here", config.Discord.WebhookServer.PublicKey)
	assert.Equal(t, 5*time.Second, config.Discord.WebhookServer.ReadTimeout)

	assert.True(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.CertFile)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.KeyFile)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "OPTIONS"}, config.API.CORS.AllowMethods)
	assert.Equal(t, 12*time.Hour, config.API.CORS.MaxAge)
	assert.Equal(t, 10*time.Second, config.API.WriteTimeout)
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"Warn", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				lvl, err := getLogLevel(tc.input)
				if tc.wantErr {
					assert.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.expected, lvl)
			},
		)
	}
}

func TestReplaceSliceHookFunc(t *testing.T) {
	type target struct {
		Methods []string `mapstructure:"methods"`
		Origins []string `mapstructure:"origins"`
	}
	out := target{
		Methods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		Origins: []string{"https://example.com"},
	}
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			Result: &out,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				ReplaceSliceHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
			),
		},
	)
	require.NoError(t, err)
	require.NoError(t, decoder.Decode(map[string]any{"methods": "GET OPTIONS"}))

	assert.Equal(t, []string{"GET", "OPTIONS"}, out.Methods)
	// unset keys keep their defaults
	assert.Equal(t, []string{"https://example.com"}, out.Origins)
}
