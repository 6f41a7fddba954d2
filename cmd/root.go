package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/tagbot/tagbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = tagbot.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"tags.log_level",
	"stats.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use: "tagbot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := decodeConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// decodeConfig unmarshals viper's settings into c
func decodeConfig(c *tagbot.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				ReplaceSliceHookFunc(),
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
}

// ReplaceSliceHookFunc clears a slice field before a configured value is
// decoded into it. mapstructure otherwise writes over the existing
// elements in place, so a list shorter than its default would keep the
// default's tail.
func ReplaceSliceHookFunc() mapstructure.DecodeHookFuncValue {
	return func(from reflect.Value, to reflect.Value) (any, error) {
		if to.Kind() == reflect.Slice && to.CanSet() {
			to.Set(reflect.Zero(to.Type()))
		}
		return from.Interface(), nil
	}
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names ('INFO', 'debug') into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", tagbot.DefaultDatabase)
	viper.SetDefault("database_type", tagbot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		tagbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		tagbot.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("development", false)
	viper.SetDefault("recover_panic", true)

	viper.SetDefault("log_level", tagbot.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", tagbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", tagbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		tagbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		tagbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		tagbot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", tagbot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", tagbot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.register_commands", false)
	viper.SetDefault("discord.error_webhook_url", "")
	viper.SetDefault("discord.embed_color", tagbot.DefaultDiscordEmbedColor)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		tagbot.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault(
		"discord.webhook_server.read_timeout",
		tagbot.DefaultReadTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		tagbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.write_timeout",
		tagbot.DefaultWriteTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.idle_timeout",
		tagbot.DefaultIdleTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		tagbot.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		tagbot.DefaultDiscordWebhookServerTLSminVersion,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Discord: Webhook server: SSL
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key_file"))

	// Tags config
	viper.SetDefault("tags.prefix", tagbot.DefaultTagPrefix)
	viper.SetDefault("tags.mod_log_channel_id", "")
	viper.SetDefault("tags.manager_role_ids", []string{})
	viper.SetDefault("tags.confirm_delete", tagbot.DefaultTagConfirmDelete)
	viper.SetDefault("tags.clean_delay", tagbot.DefaultTagCleanDelay)
	viper.SetDefault("tags.log_level", tagbot.DefaultTagLogLevel.String())

	// Stats config
	viper.SetDefault("stats.enabled", false)
	viper.SetDefault("stats.spreadsheet_id", "")
	viper.SetDefault("stats.credentials_file", "")
	viper.SetDefault("stats.snapshot_file", tagbot.DefaultStatsSnapshotFile)
	viper.SetDefault("stats.schedule", tagbot.DefaultStatsSchedule)
	viper.SetDefault("stats.timezone", tagbot.DefaultStatsTimezone)
	viper.SetDefault("stats.log_level", tagbot.DefaultStatsLogLevel.String())

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", tagbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", tagbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", tagbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		tagbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", tagbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", tagbot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", tagbot.DefaultAPITLSMinVersion)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		tagbot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		tagbot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		tagbot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", tagbot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		tagbot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(tagbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = tagbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
		"tags.manager_role_ids",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
