//nolint:lll // struct tags can't be split
package brok

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	// EnvvarSetEnvPrefix overrides the env var prefix itself
	EnvvarSetEnvPrefix = "BROK_ENV_PREFIX"

	DefaultEnvPrefix    = "BROK"
	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "brok.sqlite3"
	DefaultLogLevel     = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultModelLogLevel         = slog.LevelInfo
	DefaultQueueLogLevel         = slog.LevelInfo

	// DefaultUserCooldown is how long a user must wait between completed
	// replies.
	DefaultUserCooldown = 10 * time.Second

	// DefaultPenaltyCooldown is the elevated cooldown applied after a
	// high-severity injection block.
	DefaultPenaltyCooldown = 300 * time.Second

	// DefaultGlobalConcurrent caps how many replies may be generated at
	// once, across all workers.
	DefaultGlobalConcurrent = 5

	// DefaultDebounceWindow is the span during which consecutive messages
	// from one user are merged into a single request.
	DefaultDebounceWindow = 5000 * time.Millisecond

	// DefaultDrainMargin is added to the debounce window before the
	// deferred drain timer fires, so a message racing the window edge is
	// seen by the buffer rather than the timer.
	DefaultDrainMargin = 500 * time.Millisecond

	DefaultQueueIngressLimit  = 10
	DefaultQueueIngressWindow = 10 * time.Second
	DefaultChannelBusyTTL     = 300 * time.Second

	DefaultQueueMaxAttempts = 3
	DefaultQueueBackoffBase = 2 * time.Second
	DefaultQueueSleepEmpty  = 1 * time.Second
	DefaultQueueWorkers     = 5

	DefaultTypingInterval = 8 * time.Second
	DefaultModelTimeout   = 60 * time.Second
	DefaultModelName      = "google/gemini-2.5-flash"
	DefaultModelBaseURL   = "https://openrouter.ai/api/v1"
	DefaultModelMaxRPS    = 1
	DefaultMaxToolRounds  = 5

	DefaultSnippetRendererURL = "https://carbonara.solopov.dev/api/cook"
	DefaultDocsBaseURL        = "https://context7.com/api/v1"

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	discordMaxMessageLength = 2000
)

// User-facing notices. These read like the bot, not like the
// infrastructure: admission denials and failures are normal conversation.
const (
	DefaultChannelBusyMessage = "⚠️ já to respondendo outra mensagem aqui, peraí que logo respondo você!"

	// DefaultCooldownMessage is formatted with the remaining whole seconds.
	DefaultCooldownMessage = "⏳ calma aí mano, espera mais %d segundos antes de me marcar de novo!"

	DefaultTooBusyMessage       = "🚦 to processando muita coisa agora, aguarda um pouquinho e me marca de novo!"
	DefaultIngressLimitMessage  = "🚦 você tá me marcando demais, respira um pouco e tenta de novo já já!"
	DefaultSecurityBlockMessage = "opa, detectei algo estranho na sua mensagem 🤨\nse acha que isso é um erro, me marca de novo com outra mensagem!"
	DefaultErrorMessage         = "❌ po deu ruim aqui. deu algum erro. me marca de novo depois, tmj 🤙"
	DefaultFailureMessage       = "❌ po deu ruim aqui. tentei várias vezes mas deu algum erro. me marca de novo depois, tmj 🤙"
)

// Default escalation-group descriptions. Role IDs have no default: the
// groups are guild specific and the prompt omits unconfigured groups.
const (
	DefaultSupportEngineersDescription  = "dúvidas técnicas profundas, bugs de infraestrutura ou problemas com as ferramentas do lab"
	DefaultSupportModeratorsDescription = "conflitos, denúncias ou questões de conduta na comunidade"
	DefaultSupportMentorsDescription    = "orientação de carreira, revisão de projetos e mentoria"
)

// Config is the top-level bot configuration, loaded via viper from YAML
// and environment variables.
type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Redis configures the coordination store. When Addr is empty, an
	// in-process store is used instead - fine for a single instance,
	// not for multiple.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis" json:"redis"`

	// RateLimit configures the admission gate and debouncer
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit" json:"rate_limit"`

	// Queue configures the reply job queue
	Queue QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue"`

	// Model configures the chat-completion provider
	Model ModelConfig `yaml:"model" mapstructure:"model" json:"model"`

	// Discord configures the Discord bot itself
	Discord DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Snippet configures the code snippet image renderer
	Snippet SnippetConfig `yaml:"snippet" mapstructure:"snippet" json:"snippet"`

	// Docs configures the library documentation lookup tool
	Docs DocsConfig `yaml:"docs" mapstructure:"docs" json:"docs"`

	// WebSearch configures the web search tool
	WebSearch WebSearchConfig `yaml:"web_search" mapstructure:"web_search" json:"web_search"`

	// SupportRoles are the Discord role groups the model may mention when
	// a question needs human attention. Groups without role IDs are left
	// out of the prompt.
	SupportRoles SupportRolesConfig `yaml:"support_roles" mapstructure:"support_roles" json:"support_roles"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After
	// this elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// RedisConfig holds coordination store connection settings.
type RedisConfig struct {
	// Addr is the host:port of the Redis server. Empty selects the
	// in-memory store.
	Addr string `yaml:"addr" mapstructure:"addr" json:"addr"`

	Password string `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`

	DB int `yaml:"db" mapstructure:"db" json:"db"`
}

// RateLimitConfig configures the admission gate: cooldowns, the global
// concurrency ceiling, per-channel busy flags, the ingress burst ledger,
// and the debounce window.
type RateLimitConfig struct {
	// UserCooldown is set after each successfully sent reply
	UserCooldown time.Duration `yaml:"user_cooldown" mapstructure:"user_cooldown" json:"user_cooldown"`

	// PenaltyCooldown is set instead after a high-severity security block
	PenaltyCooldown time.Duration `yaml:"penalty_cooldown" mapstructure:"penalty_cooldown" json:"penalty_cooldown"`

	// GlobalConcurrent is the maximum number of replies being generated
	// at once, enforced both by the worker pool size and by the shared
	// concurrency counter
	GlobalConcurrent int `yaml:"global_concurrent" mapstructure:"global_concurrent" json:"global_concurrent" binding:"min=1"`

	// DebounceWindow is the coalescing window for consecutive messages
	DebounceWindow time.Duration `yaml:"debounce_window" mapstructure:"debounce_window" json:"debounce_window"`

	// DrainMargin is added to DebounceWindow before the deferred drain fires
	DrainMargin time.Duration `yaml:"drain_margin" mapstructure:"drain_margin" json:"drain_margin"`

	// QueueIngressLimit caps enqueue attempts per user per QueueIngressWindow
	QueueIngressLimit int `yaml:"queue_ingress_limit" mapstructure:"queue_ingress_limit" json:"queue_ingress_limit" binding:"min=1"`

	QueueIngressWindow time.Duration `yaml:"queue_ingress_window" mapstructure:"queue_ingress_window" json:"queue_ingress_window"`

	// ChannelBusyTTL is the safety ceiling on the channel-busy flag, so a
	// crashed worker can't lock a channel forever
	ChannelBusyTTL time.Duration `yaml:"channel_busy_ttl" mapstructure:"channel_busy_ttl" json:"channel_busy_ttl"`
}

// QueueConfig configures retry behavior and pacing of the reply job queue.
type QueueConfig struct {
	// MaxAttempts is the total number of attempts per job, including the first
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts" binding:"min=1"`

	// BackoffBase is the first retry delay; each further retry doubles it
	BackoffBase time.Duration `yaml:"backoff_base" mapstructure:"backoff_base" json:"backoff_base"`

	// SleepEmpty is how long the dispatcher sleeps when no job is due
	SleepEmpty time.Duration `yaml:"sleep_empty" mapstructure:"sleep_empty" json:"sleep_empty"`

	// Workers is the size of the in-process worker pool. The effective
	// parallelism is still bounded by the global concurrency limit, which
	// spans processes.
	Workers int `yaml:"workers" mapstructure:"workers" json:"workers" binding:"min=1"`

	// TypingInterval is the typing-indicator refresh period while a reply
	// is being generated
	TypingInterval time.Duration `yaml:"typing_interval" mapstructure:"typing_interval" json:"typing_interval"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ModelConfig configures the chat-completion provider.
type ModelConfig struct {
	// Token is the provider API key
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL points the OpenAI-compatible client at the provider
	// (OpenRouter by default)
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// Name is the model identifier passed on each completion request
	Name string `yaml:"name" mapstructure:"name" json:"name"`

	// MaxRequestsPerSecond throttles completion calls across all workers
	// in this process
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// Timeout bounds one full generation, tool rounds included
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`

	// MaxToolRounds bounds how many tool-call rounds a single generation
	// may request before the loop is cut off
	MaxToolRounds int `yaml:"max_tool_rounds" mapstructure:"max_tool_rounds" json:"max_tool_rounds"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// ChannelBusyMessage is sent when a reply is already being generated
	// in the channel
	ChannelBusyMessage string `yaml:"channel_busy_message" mapstructure:"channel_busy_message" json:"channel_busy_message"`

	// CooldownMessage is sent when the user's cooldown is still active;
	// formatted with the remaining whole seconds
	CooldownMessage string `yaml:"cooldown_message" mapstructure:"cooldown_message" json:"cooldown_message"`

	// TooBusyMessage is sent when the global concurrency ceiling is reached
	TooBusyMessage string `yaml:"too_busy_message" mapstructure:"too_busy_message" json:"too_busy_message"`

	// IngressLimitMessage is sent when the user exceeds the enqueue burst limit
	IngressLimitMessage string `yaml:"ingress_limit_message" mapstructure:"ingress_limit_message" json:"ingress_limit_message"`

	// SecurityBlockMessage is sent when a message is blocked as a
	// high-severity injection attempt
	SecurityBlockMessage string `yaml:"security_block_message" mapstructure:"security_block_message" json:"security_block_message"`

	// ErrorMessage is sent on a synchronous handler error
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`

	// FailureMessage is sent once after a job exhausts all retries
	FailureMessage string `yaml:"failure_message" mapstructure:"failure_message" json:"failure_message"`

	httpClient *http.Client
}

// SnippetConfig configures the external code snippet image renderer.
type SnippetConfig struct {
	// URL of the renderer endpoint
	URL string `yaml:"url" mapstructure:"url" json:"url"`
}

// DocsConfig configures the library documentation search tool. The tool is
// only offered to the model when BaseURL is set.
type DocsConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`
}

// WebSearchConfig configures the web search tool. The tool is only offered
// to the model when APIKey is set.
type WebSearchConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`
}

// SupportRoleConfig is one escalation group: the Discord role IDs the
// model may mention and a description of when mentioning them fits.
type SupportRoleConfig struct {
	// RoleIDs holds the group's role snowflakes, space separated
	RoleIDs string `yaml:"role_ids" mapstructure:"role_ids" json:"role_ids"`

	Description string `yaml:"description" mapstructure:"description" json:"description"`
}

// Mentions renders the group's role IDs as Discord role mention tokens.
func (s SupportRoleConfig) Mentions() string {
	ids := strings.Fields(s.RoleIDs)
	mentions := make([]string, 0, len(ids))
	for _, id := range ids {
		mentions = append(mentions, "<@&"+id+">")
	}
	return strings.Join(mentions, " ")
}

// SupportRolesConfig groups the escalation targets offered to the model.
type SupportRolesConfig struct {
	Engineers  SupportRoleConfig `yaml:"engineers" mapstructure:"engineers" json:"engineers"`
	Moderators SupportRoleConfig `yaml:"moderators" mapstructure:"moderators" json:"moderators"`
	Mentors    SupportRoleConfig `yaml:"mentors" mapstructure:"mentors" json:"mentors"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	modelLogLevel := &slog.LevelVar{}
	queueLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	modelLogLevel.Set(DefaultModelLogLevel)
	queueLogLevel.Set(DefaultQueueLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RateLimit: RateLimitConfig{
			UserCooldown:       DefaultUserCooldown,
			PenaltyCooldown:    DefaultPenaltyCooldown,
			GlobalConcurrent:   DefaultGlobalConcurrent,
			DebounceWindow:     DefaultDebounceWindow,
			DrainMargin:        DefaultDrainMargin,
			QueueIngressLimit:  DefaultQueueIngressLimit,
			QueueIngressWindow: DefaultQueueIngressWindow,
			ChannelBusyTTL:     DefaultChannelBusyTTL,
		},
		Queue: QueueConfig{
			MaxAttempts:    DefaultQueueMaxAttempts,
			BackoffBase:    DefaultQueueBackoffBase,
			SleepEmpty:     DefaultQueueSleepEmpty,
			Workers:        DefaultQueueWorkers,
			TypingInterval: DefaultTypingInterval,
			LogLevel:       queueLogLevel,
		},
		Model: ModelConfig{
			BaseURL:              DefaultModelBaseURL,
			Name:                 DefaultModelName,
			MaxRequestsPerSecond: DefaultModelMaxRPS,
			Timeout:              DefaultModelTimeout,
			MaxToolRounds:        DefaultMaxToolRounds,
			LogLevel:             modelLogLevel,
		},
		Discord: DiscordConfig{
			LogLevel:             discordLogLevel,
			DiscordGoLogLevel:    discordgoLogLevel,
			GatewayIntents:       DefaultDiscordGatewayIntent,
			ChannelBusyMessage:   DefaultChannelBusyMessage,
			CooldownMessage:      DefaultCooldownMessage,
			TooBusyMessage:       DefaultTooBusyMessage,
			IngressLimitMessage:  DefaultIngressLimitMessage,
			SecurityBlockMessage: DefaultSecurityBlockMessage,
			ErrorMessage:         DefaultErrorMessage,
			FailureMessage:       DefaultFailureMessage,
		},
		Snippet: SnippetConfig{
			URL: DefaultSnippetRendererURL,
		},
		Docs: DocsConfig{
			BaseURL: DefaultDocsBaseURL,
		},
		SupportRoles: SupportRolesConfig{
			Engineers: SupportRoleConfig{
				Description: DefaultSupportEngineersDescription,
			},
			Moderators: SupportRoleConfig{
				Description: DefaultSupportModeratorsDescription,
			},
			Mentors: SupportRoleConfig{
				Description: DefaultSupportMentorsDescription,
			},
		},
	}
}
