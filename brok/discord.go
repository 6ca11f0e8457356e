package brok

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// DiscordSlashCommandFAQ registers a new FAQ entry
	DiscordSlashCommandFAQ = "registrar-faq"

	// DiscordSlashCommandStyle sets the user's reply persona
	DiscordSlashCommandStyle = "estilo"

	faqCommandQuestionOption = "pergunta"
	faqCommandAnswerOption   = "resposta"
	styleCommandOption       = "estilo"

	// handlerTimeout bounds the synchronous work done per gateway event
	handlerTimeout = 10 * time.Second
)

// Discord owns the gateway connection: it receives mention events, runs the
// admission checks, feeds the debounce buffer and enqueues jobs, and
// handles the slash commands.
type Discord struct {
	session   DiscordSessionHandler
	db        DBI
	limiter   *RateLimiter
	debouncer *Debouncer
	queue     *JobQueue
	config    *Config
	logger    *slog.Logger

	// botUserID is set from the Ready payload
	botUserID atomic.Value

	connected                   atomic.Bool
	metricMentionsHandled       atomic.Int64
	discordgoRemoveHandlerFuncs []func()
}

// NewDiscord wires the gateway side of the bot. The session is created
// lazily in Start so tests can inject a stub via SetSession.
func NewDiscord(
	db DBI,
	limiter *RateLimiter,
	debouncer *Debouncer,
	queue *JobQueue,
	config *Config,
	log *slog.Logger,
) *Discord {
	if log == nil {
		log = slog.Default()
	}
	return &Discord{
		db:        db,
		limiter:   limiter,
		debouncer: debouncer,
		queue:     queue,
		config:    config,
		logger:    log.With(loggerNameKey, "discord"),
	}
}

// SetSession replaces the session handler. Tests use this to avoid a real
// gateway connection.
func (d *Discord) SetSession(session DiscordSessionHandler) {
	d.session = session
}

// Session returns the active session handler.
func (d *Discord) Session() DiscordSessionHandler {
	return d.session
}

func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := discordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Discord.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.Identify.Intents = d.config.Discord.GatewayIntents
	session.session = disc
	if d.config.Discord.httpClient != nil {
		disc.Client = d.config.Discord.httpClient
	}
	if err = session.SetLogLevel(
		d.config.Discord.DiscordGoLogLevel.Level(),
	); err != nil {
		return session, err
	}
	return session, nil
}

// Start opens the gateway connection, installs handlers and registers the
// slash commands.
func (d *Discord) Start(ctx context.Context) error {
	if d.session == nil {
		session, err := d.newSession()
		if err != nil {
			return err
		}
		d.session = session
	}

	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerMessageCreate()),
		d.session.AddHandler(d.handlerInteractionCreate()),
	}

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}

	if _, err := d.registerCommands(
		discordgo.WithContext(ctx),
	); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	return nil
}

// Stop removes handlers and closes the gateway connection.
func (d *Discord) Stop() error {
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}
	d.discordgoRemoveHandlerFuncs = nil
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) appCommandFAQ() *discordgo.ApplicationCommand {
	minLength := 1
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandFAQ,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Registra uma nova pergunta e resposta no FAQ do bot",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        faqCommandQuestionOption,
				Description: "A pergunta",
				Required:    true,
				MinLength:   &minLength,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        faqCommandAnswerOption,
				Description: "A resposta",
				Required:    true,
				MinLength:   &minLength,
			},
		},
	}
}

func (d *Discord) appCommandStyle() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandStyle,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Escolhe o estilo das respostas do bot pra você",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        styleCommandOption,
				Description: "O estilo de resposta",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "Informativo", Value: string(ChatStyleInformative)},
					{Name: "Ácido", Value: string(ChatStyleAcid)},
					{Name: "Lá Ele", Value: string(ChatStyleLaele)},
				},
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandFAQ(),
		d.appCommandStyle(),
	}
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.Discord.ApplicationID,
		d.config.Discord.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name)
	}
	return created, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
		}
		d.logger.Info(
			"ready",
			"session_id", r.SessionID,
			"user_id", d.BotUserID(),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		d.logger.Info("connected")
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.logger.Info("disconnected")
	}
}

// BotUserID returns the bot's own user ID, empty before the Ready event.
func (d *Discord) BotUserID() string {
	id, _ := d.botUserID.Load().(string)
	return id
}

// SetBotUserID overrides the bot user ID. Exposed for tests that never see
// a Ready payload.
func (d *Discord) SetBotUserID(id string) {
	d.botUserID.Store(id)
}

func (d *Discord) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		ctx, cancel := context.WithTimeout(
			context.Background(), handlerTimeout,
		)
		defer cancel()
		d.HandleMessage(ctx, m)
	}
}

// HandleMessage runs the admission pipeline for one incoming message:
// mention detection, busy-channel rejection, cooldown, ingress ledger,
// debounce, and finally either a deferred drain or an immediate enqueue.
func (d *Discord) HandleMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	botID := d.BotUserID()
	if botID == "" || m.Author.ID == botID {
		return
	}
	if !d.isMentioned(m, botID) {
		return
	}

	d.metricMentionsHandled.Add(1)
	log := d.logger.With(
		"user_id", m.Author.ID,
		"channel_id", m.ChannelID,
		"message_id", m.ID,
	)

	// A channel already being answered rejects synchronously; nothing is
	// buffered or queued.
	busy, err := d.limiter.IsChannelProcessing(ctx, m.ChannelID)
	if err != nil {
		d.replyError(ctx, m, log, err)
		return
	}
	if busy {
		d.replyNotice(ctx, m, d.config.Discord.ChannelBusyMessage, log)
		return
	}

	cooldown, err := d.limiter.CanUserSendMessage(ctx, m.Author.ID)
	if err != nil {
		d.replyError(ctx, m, log, err)
		return
	}
	if !cooldown.Allowed {
		seconds := int(cooldown.Remaining.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		d.replyNotice(
			ctx,
			m,
			fmt.Sprintf(d.config.Discord.CooldownMessage, seconds),
			log,
		)
		return
	}

	ingress, err := d.limiter.CheckQueueIngress(ctx, m.Author.ID)
	if err != nil {
		d.replyError(ctx, m, log, err)
		return
	}
	if !ingress.Allowed {
		d.replyNotice(ctx, m, d.config.Discord.IngressLimitMessage, log)
		return
	}

	if err = d.db.SaveUser(
		ctx, &User{
			ID:         m.Author.ID,
			Username:   m.Author.Username,
			GlobalName: m.Author.GlobalName,
			Bot:        m.Author.Bot,
			LastSeen:   time.Now().UnixMilli(),
		},
	); err != nil {
		log.WarnContext(ctx, "failed to save user", tint.Err(err))
	}

	result, err := d.debouncer.AddMessage(
		ctx, m.Author.ID, m.Content, m.ChannelID,
	)
	if err != nil {
		d.replyError(ctx, m, log, err)
		return
	}

	if result.ShouldProcess {
		d.enqueueMention(ctx, m, result.Messages, log)
		return
	}

	// The message is buffered; a deferred drain picks it up when the
	// window closes without further fragments.
	log.InfoContext(ctx, "message buffered, drain scheduled")
	d.debouncer.ScheduleDrain(
		m.Author.ID, func() {
			drainCtx, cancel := context.WithTimeout(
				context.Background(), handlerTimeout,
			)
			defer cancel()
			messages, drainErr := d.debouncer.GetAndClearMessages(
				drainCtx, m.Author.ID,
			)
			if drainErr != nil {
				log.Error("deferred drain failed", tint.Err(drainErr))
				return
			}
			if len(messages) == 0 {
				// A racing message already took the buffer with it.
				return
			}
			d.enqueueMention(drainCtx, m, messages, log)
		},
	)
}

// isMentioned reports whether the message mentions the bot. A reply to
// one of the bot's messages does not count on its own; the mention token
// is the only trigger.
func (d *Discord) isMentioned(m *discordgo.MessageCreate, botID string) bool {
	for _, u := range m.Mentions {
		if u.ID == botID {
			return true
		}
	}
	return false
}

// enqueueMention persists the job, after one pre-emptive concurrency
// check: when the global counter is already at the ceiling the user gets
// the "too busy" notice and nothing is queued. The worker's own slot
// acquire still guards actual execution.
func (d *Discord) enqueueMention(
	ctx context.Context,
	m *discordgo.MessageCreate,
	messages []string,
	log *slog.Logger,
) {
	concurrency, err := d.limiter.CurrentConcurrency(ctx)
	if err != nil {
		log.WarnContext(
			ctx, "concurrency snapshot failed", tint.Err(err),
		)
	} else if concurrency >= d.config.RateLimit.GlobalConcurrent {
		d.replyNotice(ctx, m, d.config.Discord.TooBusyMessage, log)
		return
	}

	job := &ChatJob{
		UserID:         m.Author.ID,
		Username:       m.Author.Username,
		ChannelID:      m.ChannelID,
		MessageID:      m.ID,
		MessageContent: strings.Join(messages, messageSeparator),
		BotMention:     "<@" + d.BotUserID() + ">",
		GuildID:        m.GuildID,
	}

	if err = d.queue.Enqueue(ctx, job); err != nil {
		d.replyError(ctx, m, log, err)
		return
	}
	log.InfoContext(ctx, "mention enqueued", "job", job)
}

// GuildEmojis delegates to the session, for the emoji prompt context.
func (d *Discord) GuildEmojis(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Emoji, error) {
	return d.session.GuildEmojis(guildID, options...)
}

// ChannelMessageSendComplex delegates to the session. With the other two
// delegates below it makes *Discord a MessageSender for the worker.
func (d *Discord) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d *Discord) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d *Discord) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

// replyNotice sends a user-facing denial as a reply to the triggering
// message.
func (d *Discord) replyNotice(
	ctx context.Context,
	m *discordgo.MessageCreate,
	content string,
	log *slog.Logger,
) {
	if _, err := d.session.ChannelMessageSendReply(
		m.ChannelID,
		content,
		m.Reference(),
		discordgo.WithContext(ctx),
	); err != nil {
		log.ErrorContext(ctx, "failed to send notice", tint.Err(err))
	}
}

func (d *Discord) replyError(
	ctx context.Context,
	m *discordgo.MessageCreate,
	log *slog.Logger,
	err error,
) {
	log.ErrorContext(ctx, "message handler failed", tint.Err(err))
	d.replyNotice(ctx, m, d.config.Discord.ErrorMessage, log)
}

func (d *Discord) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		ctx, cancel := context.WithTimeout(
			context.Background(), handlerTimeout,
		)
		defer cancel()
		d.HandleInteraction(ctx, i)
	}
}

// HandleInteraction dispatches slash commands. Both commands respond
// ephemerally; they configure the bot rather than talk through it.
func (d *Discord) HandleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	switch data.Name {
	case DiscordSlashCommandFAQ:
		d.handleFAQCommand(ctx, i, data)
	case DiscordSlashCommandStyle:
		d.handleStyleCommand(ctx, i, data)
	default:
		d.logger.Warn("unknown slash command", "command", data.Name)
	}
}

func (d *Discord) handleFAQCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	var question, answer string
	for _, opt := range data.Options {
		switch opt.Name {
		case faqCommandQuestionOption:
			question = opt.StringValue()
		case faqCommandAnswerOption:
			answer = opt.StringValue()
		}
	}
	if question == "" || answer == "" {
		d.respondEphemeral(ctx, i, "Preciso da pergunta e da resposta!")
		return
	}

	faq := &FAQ{
		Question:  question,
		Answer:    answer,
		CreatedBy: interactionUserID(i),
	}
	if err := d.db.CreateFAQ(ctx, faq); err != nil {
		d.logger.ErrorContext(ctx, "failed to create faq", tint.Err(err))
		d.respondEphemeral(
			ctx, i, "Não consegui salvar o FAQ, tenta de novo!",
		)
		return
	}
	d.logger.InfoContext(ctx, "faq registered", "faq_id", faq.ID)
	d.respondEphemeral(ctx, i, "✅ FAQ registrado!")
}

func (d *Discord) handleStyleCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	var raw string
	for _, opt := range data.Options {
		if opt.Name == styleCommandOption {
			raw = opt.StringValue()
		}
	}
	style, err := ParseChatStyle(raw)
	if err != nil {
		d.respondEphemeral(ctx, i, "Esse estilo não existe!")
		return
	}

	userID := interactionUserID(i)
	if userID == "" {
		d.respondEphemeral(ctx, i, "Não consegui identificar você!")
		return
	}
	if err = d.db.SetUserChatStyle(ctx, userID, style); err != nil {
		d.logger.ErrorContext(
			ctx, "failed to set chat style", tint.Err(err),
		)
		d.respondEphemeral(
			ctx, i, "Não consegui salvar o estilo, tenta de novo!",
		)
		return
	}
	d.respondEphemeral(
		ctx, i, fmt.Sprintf("✅ Estilo atualizado para **%s**!", style),
	)
}

func (d *Discord) respondEphemeral(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	if err := d.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		}, discordgo.WithContext(ctx),
	); err != nil {
		d.logger.ErrorContext(
			ctx, "failed to respond to interaction", tint.Err(err),
		)
	}
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// DiscordSessionHandler defines the slice of discordgo.Session the bot
// uses, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a full message payload, attachments
	// included
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageDelete deletes a message from a channel
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// ChannelTyping shows the typing indicator in the given channel
	ChannelTyping(
		channelID string,
		options ...discordgo.RequestOption,
	) error

	// GuildEmojis lists a guild's custom emojis
	GuildEmojis(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Emoji, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// discordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type discordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d discordSession) Open() error {
	return d.session.Open()
}

func (d discordSession) Close() error {
	return d.session.Close()
}

func (d discordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d discordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID, guildID, commands, options...,
	)
}

func (d discordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d discordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d discordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(
		channelID, data, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d discordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d discordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d discordSession) GuildEmojis(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Emoji, error) {
	return d.session.GuildEmojis(guildID, options...)
}

func (d discordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d discordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
