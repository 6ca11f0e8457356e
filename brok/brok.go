package brok

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/BeroLab/brok/brok.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var structValidator = validator.New()

func init() {
	// Config structs carry gin-style `binding` tags
	structValidator.SetTagName("binding")
}

// Brok is the bot: the admission gate, debouncer, security filter, job
// queue and Discord gateway, assembled and run as one unit.
type Brok struct {
	config *Config
	logger *slog.Logger

	db        DBI
	store     CoordStore
	limiter   *RateLimiter
	debouncer *Debouncer
	model     *ChatModel
	worker    *Worker
	queue     *JobQueue
	discord   *Discord
}

// New assembles a Brok from config. Everything that needs IO (database,
// gateway) is deferred to Run.
func New(config *Config) (*Brok, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Brok{config: config}

	b.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if config.Redis.Addr != "" {
		b.store = NewRedisStore(config.Redis)
	} else {
		b.logger.Warn(
			"no redis address configured, using in-process coordination " +
				"store (single instance only)",
		)
		b.store = NewMemoryStore()
	}

	b.limiter = NewRateLimiter(b.store, config.RateLimit, b.logger)
	b.debouncer = NewDebouncer(b.store, config.RateLimit, b.logger)

	renderer := NewSnippetRenderer(config.Snippet, config.HTTPClient, b.logger)
	docs := NewDocsClient(config.Docs, config.HTTPClient)
	search := NewWebSearchClient(config.WebSearch, config.HTTPClient)
	b.model = NewChatModel(
		config.Model,
		nil,
		renderer,
		docs,
		search,
		newComponentLogger("chat_model", config.Model.LogLevel),
	)

	b.config.Discord.httpClient = config.HTTPClient

	return b, errors.Join(errs...)
}

// ValidateConfig checks the config against its binding tags.
func (b *Brok) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Limiter exposes the admission gate, mainly for tests.
func (b *Brok) Limiter() *RateLimiter {
	return b.limiter
}

// Discord exposes the gateway component, mainly for tests.
func (b *Brok) Discord() *Discord {
	return b.discord
}

// Run opens the database and the gateway connection, starts the queue, and
// blocks until ctx is cancelled or a component fails.
func (b *Brok) Run(ctx context.Context) error {
	if err := b.ValidateConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	startupCtx, startupCancel := context.WithTimeout(
		ctx, b.config.StartupTimeout,
	)
	defer startupCancel()

	if err := b.store.Ping(startupCtx); err != nil {
		return fmt.Errorf("coordination store unreachable: %w", err)
	}

	db, err := NewDatabase(startupCtx, b.config)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	b.discord = NewDiscord(
		b.db,
		b.limiter,
		b.debouncer,
		nil,
		b.config,
		newComponentLogger("discord", b.config.Discord.LogLevel),
	)

	b.worker = NewWorker(
		b.db,
		b.limiter,
		b.debouncer,
		b.model,
		b.discord,
		NewEmojiService(
			b.discord,
			b.store,
			newComponentLogger("emoji", b.config.Discord.LogLevel),
		),
		b.config,
		newComponentLogger("worker", b.config.Queue.LogLevel),
	)

	b.queue = NewJobQueue(
		b.db,
		b.config.Queue,
		b.config.Queue.Workers,
		b.worker.Process,
		b.notifyExhausted,
		newComponentLogger("queue", b.config.Queue.LogLevel),
	)
	b.discord.queue = b.queue

	if err = b.discord.Start(startupCtx); err != nil {
		return fmt.Errorf("starting discord: %w", err)
	}

	b.logger.InfoContext(ctx, "bot started", "config", b.config)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			return b.queue.Run(runCtx)
		},
	)
	g.Go(
		func() error {
			<-runCtx.Done()
			return b.shutdown()
		},
	)
	return g.Wait()
}

// notifyExhausted tells the user their request was given up on. Runs once
// per job, after the final failed attempt.
func (b *Brok) notifyExhausted(ctx context.Context, job *ChatJob, jobErr error) {
	b.logger.ErrorContext(
		ctx,
		"job exhausted all attempts",
		"job", job,
		tint.Err(jobErr),
	)
	if _, err := b.discord.ChannelMessageSendComplex(
		job.ChannelID, &discordgo.MessageSend{
			Content: b.config.Discord.FailureMessage,
			Reference: &discordgo.MessageReference{
				MessageID: job.MessageID,
				ChannelID: job.ChannelID,
				GuildID:   job.GuildID,
			},
		}, discordgo.WithContext(ctx),
	); err != nil {
		b.logger.ErrorContext(
			ctx, "failed to send failure notice", tint.Err(err),
		)
	}
}

func (b *Brok) shutdown() error {
	b.logger.Info("shutting down")

	var errs []error
	if b.discord != nil {
		if err := b.discord.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("closing discord: %w", err))
		}
	}
	if closer, ok := b.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	return errors.Join(errs...)
}
