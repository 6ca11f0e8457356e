package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/BeroLab/brok/brok"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = brok.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "brok [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
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
		fmt.Println(err)
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

	viper.SetDefault("database", brok.DefaultDatabase)
	viper.SetDefault("database_type", brok.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		brok.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		brok.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", brok.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", brok.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", brok.DefaultShutdownTimeout)

	// Redis / coordination store
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Admission gate
	viper.SetDefault("rate_limit.user_cooldown", brok.DefaultUserCooldown)
	viper.SetDefault(
		"rate_limit.penalty_cooldown",
		brok.DefaultPenaltyCooldown,
	)
	viper.SetDefault(
		"rate_limit.global_concurrent",
		brok.DefaultGlobalConcurrent,
	)
	viper.SetDefault("rate_limit.debounce_window", brok.DefaultDebounceWindow)
	viper.SetDefault("rate_limit.drain_margin", brok.DefaultDrainMargin)
	viper.SetDefault(
		"rate_limit.queue_ingress_limit",
		brok.DefaultQueueIngressLimit,
	)
	viper.SetDefault(
		"rate_limit.queue_ingress_window",
		brok.DefaultQueueIngressWindow,
	)
	viper.SetDefault(
		"rate_limit.channel_busy_ttl",
		brok.DefaultChannelBusyTTL,
	)

	// Queue
	viper.SetDefault("queue.max_attempts", brok.DefaultQueueMaxAttempts)
	viper.SetDefault("queue.backoff_base", brok.DefaultQueueBackoffBase)
	viper.SetDefault("queue.sleep_empty", brok.DefaultQueueSleepEmpty)
	viper.SetDefault("queue.workers", brok.DefaultQueueWorkers)
	viper.SetDefault("queue.typing_interval", brok.DefaultTypingInterval)
	viper.SetDefault("queue.log_level", brok.DefaultQueueLogLevel.String())

	// Model config
	viper.SetDefault("model.token", "")
	viper.SetDefault("model.base_url", brok.DefaultModelBaseURL)
	viper.SetDefault("model.name", brok.DefaultModelName)
	viper.SetDefault("model.max_requests_per_second", brok.DefaultModelMaxRPS)
	viper.SetDefault("model.timeout", brok.DefaultModelTimeout)
	viper.SetDefault("model.max_tool_rounds", brok.DefaultMaxToolRounds)
	viper.SetDefault("model.log_level", brok.DefaultModelLogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		brok.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		brok.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		brok.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.channel_busy_message",
		brok.DefaultChannelBusyMessage,
	)
	viper.SetDefault("discord.cooldown_message", brok.DefaultCooldownMessage)
	viper.SetDefault("discord.too_busy_message", brok.DefaultTooBusyMessage)
	viper.SetDefault(
		"discord.ingress_limit_message",
		brok.DefaultIngressLimitMessage,
	)
	viper.SetDefault(
		"discord.security_block_message",
		brok.DefaultSecurityBlockMessage,
	)
	viper.SetDefault("discord.error_message", brok.DefaultErrorMessage)
	viper.SetDefault("discord.failure_message", brok.DefaultFailureMessage)

	// Tools
	viper.SetDefault("snippet.url", brok.DefaultSnippetRendererURL)
	viper.SetDefault("docs.base_url", brok.DefaultDocsBaseURL)
	viper.SetDefault("docs.api_key", "")
	viper.SetDefault("web_search.base_url", "")
	viper.SetDefault("web_search.api_key", "")

	viper.SetDefault("support_roles.engineers.role_ids", "")
	viper.SetDefault(
		"support_roles.engineers.description",
		brok.DefaultSupportEngineersDescription,
	)
	viper.SetDefault("support_roles.moderators.role_ids", "")
	viper.SetDefault(
		"support_roles.moderators.description",
		brok.DefaultSupportModeratorsDescription,
	)
	viper.SetDefault("support_roles.mentors.role_ids", "")
	viper.SetDefault(
		"support_roles.mentors.description",
		brok.DefaultSupportMentorsDescription,
	)

	envPrefix := os.Getenv(brok.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = brok.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"model.log_level",
		"queue.log_level",
	} {
		// A previous initConfig run may already have replaced the string
		// with a LevelVar; GetString can't round-trip that.
		lvlStr := viper.GetString(key)
		if lvlVar, ok := viper.Get(key).(*slog.LevelVar); ok {
			lvlStr = lvlVar.Level().String()
		}
		logLevelVar, err := levelStringToLevelVar(lvlStr)
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

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
