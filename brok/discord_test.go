package brok

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBotID = "bot-1"

type stubReply struct {
	channelID string
	content   string
	reference *discordgo.MessageReference
}

// stubSession implements DiscordSessionHandler without a gateway
// connection.
type stubSession struct {
	mu           sync.Mutex
	opened       bool
	closed       bool
	handlers     []any
	commands     []*discordgo.ApplicationCommand
	replies      []stubReply
	responses    []*discordgo.InteractionResponse
	complexSent  []*discordgo.MessageSend
	deleted      []string
	typing       int
	replyCounter int
}

func (s *stubSession) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	return nil
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSession) AddHandler(handler any) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
	return func() {}
}

func (s *stubSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = commands
	return commands, nil
}

func (s *stubSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
	return nil
}

func (s *stubSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(
		s.replies,
		stubReply{channelID: channelID, content: content, reference: reference},
	)
	s.replyCounter++
	return &discordgo.Message{
		ID: fmt.Sprintf("notice-%d", s.replyCounter),
	}, nil
}

func (s *stubSession) ChannelMessageSendComplex(
	_ string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complexSent = append(s.complexSent, data)
	return &discordgo.Message{ID: "sent-1"}, nil
}

func (s *stubSession) ChannelMessageDelete(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, messageID)
	return nil
}

func (s *stubSession) ChannelTyping(
	_ string,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing++
	return nil
}

func (s *stubSession) GuildEmojis(
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Emoji, error) {
	return nil, nil
}

func (s *stubSession) SetHTTPClient(_ *http.Client) {}

func (s *stubSession) SetLogLevel(_ slog.Level) error { return nil }

func (s *stubSession) sentReplies() []stubReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stubReply, len(s.replies))
	copy(out, s.replies)
	return out
}

type discordFixture struct {
	discord   *Discord
	session   *stubSession
	db        DBI
	limiter   *RateLimiter
	debouncer *Debouncer
	config    *Config
}

func newDiscordFixture(t testing.TB) *discordFixture {
	t.Helper()
	cfg := testConfig(t)
	cfg.RateLimit.DebounceWindow = 100 * time.Millisecond
	cfg.RateLimit.DrainMargin = 50 * time.Millisecond
	cfg.RateLimit.UserCooldown = time.Hour
	cfg.RateLimit.GlobalConcurrent = 2
	cfg.RateLimit.QueueIngressLimit = 10
	cfg.RateLimit.QueueIngressWindow = time.Hour

	db := testDB(t)
	store := NewMemoryStore()
	limiter := NewRateLimiter(store, cfg.RateLimit, nil)
	debouncer := NewDebouncer(store, cfg.RateLimit, nil)
	queue := NewJobQueue(db, cfg.Queue, 1, nil, nil, nil)

	d := NewDiscord(db, limiter, debouncer, queue, cfg, nil)
	session := &stubSession{}
	d.SetSession(session)
	d.SetBotUserID(testBotID)

	return &discordFixture{
		discord:   d,
		session:   session,
		db:        db,
		limiter:   limiter,
		debouncer: debouncer,
		config:    cfg,
	}
}

// mentionMessage builds an incoming message that mentions the bot.
func mentionMessage(userID string, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg-" + userID,
			ChannelID: "chan1",
			GuildID:   "guild1",
			Content:   content,
			Author:    &discordgo.User{ID: userID, Username: "user-" + userID},
			Mentions:  []*discordgo.User{{ID: testBotID}},
		},
	}
}

func (f *discordFixture) jobCount(t testing.TB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.DB().Model(&ChatJob{}).Count(&count).Error)
	return count
}

func (f *discordFixture) waitForJobs(t testing.TB, want int64) []ChatJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.jobCount(t) == want {
			var jobs []ChatJob
			require.NoError(t, f.db.DB().Find(&jobs).Error)
			return jobs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never reached %d queued jobs", want)
	return nil
}

func TestDiscordIgnoresUnrelatedMessages(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)

	// No mention
	plain := mentionMessage("user1", "oi")
	plain.Mentions = nil
	f.discord.HandleMessage(ctx, plain)

	// Bot author
	fromBot := mentionMessage("user2", "oi")
	fromBot.Author.Bot = true
	f.discord.HandleMessage(ctx, fromBot)

	// The bot's own messages
	own := mentionMessage(testBotID, "oi")
	f.discord.HandleMessage(ctx, own)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, f.jobCount(t))
	assert.Empty(t, f.session.sentReplies())
}

func TestDiscordIgnoresMessagesBeforeReady(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	db := testDB(t)
	store := NewMemoryStore()
	limiter := NewRateLimiter(store, cfg.RateLimit, nil)
	debouncer := NewDebouncer(store, cfg.RateLimit, nil)
	queue := NewJobQueue(db, cfg.Queue, 1, nil, nil, nil)

	// No Ready payload yet, so the bot's own ID is unknown
	d := NewDiscord(db, limiter, debouncer, queue, cfg, nil)
	d.SetSession(&stubSession{})

	d.HandleMessage(ctx, mentionMessage("user1", "oi"))
	time.Sleep(100 * time.Millisecond)

	var count int64
	require.NoError(t, db.DB().Model(&ChatJob{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDiscordCoalescesThenEnqueues(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)

	f.discord.HandleMessage(ctx, mentionMessage("user1", "<@bot-1> primeira"))
	f.discord.HandleMessage(ctx, mentionMessage("user1", "segunda parte"))

	jobs := f.waitForJobs(t, 1)
	job := jobs[0]
	assert.Equal(t, "user1", job.UserID)
	assert.Equal(t, JobStateQueued, job.State)
	assert.Contains(t, job.MessageContent, "primeira")
	assert.Contains(t, job.MessageContent, "segunda parte")
	assert.Contains(t, job.MessageContent, messageSeparator)
	assert.Equal(t, "<@"+testBotID+">", job.BotMention)

	var user User
	require.NoError(t, f.db.DB().First(&user, "id = ?", "user1").Error)
	assert.Equal(t, "user-user1", user.Username)
}

func TestDiscordReplyToBotWithoutMentionIgnored(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)

	// Replying to the bot is not a trigger on its own: the mention token
	// has to be present.
	m := mentionMessage("user1", "e sobre aquilo?")
	m.Mentions = nil
	m.ReferencedMessage = &discordgo.Message{
		ID:     "earlier-reply",
		Author: &discordgo.User{ID: testBotID},
	}
	f.discord.HandleMessage(ctx, m)

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, f.jobCount(t))
	assert.Empty(t, f.session.sentReplies())
}

func TestDiscordBusyChannelRejects(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)
	require.NoError(t, f.limiter.MarkChannelProcessing(ctx, "chan1"))

	f.discord.HandleMessage(ctx, mentionMessage("user1", "oi"))

	replies := f.session.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, f.config.Discord.ChannelBusyMessage, replies[0].content)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, f.jobCount(t), "rejected messages are not queued")

	buffered, err := f.debouncer.HasDebounceData(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, buffered, "rejected messages are not buffered")
}

func TestDiscordCooldownRejects(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)
	require.NoError(
		t, f.limiter.SetUserCooldown(ctx, "user1", 90*time.Second),
	)

	f.discord.HandleMessage(ctx, mentionMessage("user1", "oi"))

	replies := f.session.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(
		t,
		fmt.Sprintf(f.config.Discord.CooldownMessage, 90),
		replies[0].content,
	)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, f.jobCount(t))
}

func TestDiscordIngressLimitRejects(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)
	f.limiter.config.QueueIngressLimit = 1

	f.discord.HandleMessage(ctx, mentionMessage("user1", "primeira"))
	f.discord.HandleMessage(ctx, mentionMessage("user1", "segunda"))

	replies := f.session.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, f.config.Discord.IngressLimitMessage, replies[0].content)

	jobs := f.waitForJobs(t, 1)
	assert.NotContains(
		t,
		jobs[0].MessageContent,
		"segunda",
		"the rejected fragment must not ride along",
	)
}

func TestDiscordTooBusyRejectsWithoutEnqueue(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)
	f.limiter.config.GlobalConcurrent = 1
	f.config.RateLimit.GlobalConcurrent = 1

	acquired, err := f.limiter.AcquireGlobalSlot(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	f.discord.HandleMessage(ctx, mentionMessage("user1", "oi"))

	// Let the deferred drain fire; at the ceiling it must notify and
	// drop, never queue.
	assert.Eventually(
		t, func() bool {
			return len(f.session.sentReplies()) == 1
		}, time.Second, 5*time.Millisecond,
	)
	assert.Equal(
		t,
		f.config.Discord.TooBusyMessage,
		f.session.sentReplies()[0].content,
	)
	assert.Zero(t, f.jobCount(t))
}

func TestDiscordStartRegistersCommands(t *testing.T) {
	f := newDiscordFixture(t)

	require.NoError(t, f.discord.Start(context.Background()))
	assert.True(t, f.session.opened)
	require.Len(t, f.session.commands, 2)
	assert.Equal(t, DiscordSlashCommandFAQ, f.session.commands[0].Name)
	assert.Equal(t, DiscordSlashCommandStyle, f.session.commands[1].Name)
	assert.Len(t, f.session.handlers, 5)

	require.NoError(t, f.discord.Stop())
	assert.True(t, f.session.closed)
}

func commandInteraction(
	name string,
	userID string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
			Member: &discordgo.Member{
				User: &discordgo.User{ID: userID},
			},
		},
	}
}

func stringOption(
	name string,
	value string,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func TestDiscordFAQCommand(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)

	f.discord.HandleInteraction(
		ctx, commandInteraction(
			DiscordSlashCommandFAQ,
			"user1",
			stringOption(faqCommandQuestionOption, "Tem impressora 3D?"),
			stringOption(faqCommandAnswerOption, "Tem, duas Enders."),
		),
	)

	var faq FAQ
	require.NoError(t, f.db.DB().First(&faq).Error)
	assert.Equal(t, "Tem impressora 3D?", faq.Question)
	assert.Equal(t, "Tem, duas Enders.", faq.Answer)
	assert.Equal(t, "user1", faq.CreatedBy)

	require.Len(t, f.session.responses, 1)
	resp := f.session.responses[0]
	assert.Equal(
		t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type,
	)
	assert.Equal(t, "✅ FAQ registrado!", resp.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
}

func TestDiscordFAQCommandMissingAnswer(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)

	f.discord.HandleInteraction(
		ctx, commandInteraction(
			DiscordSlashCommandFAQ,
			"user1",
			stringOption(faqCommandQuestionOption, "Tem impressora 3D?"),
		),
	)

	var count int64
	require.NoError(t, f.db.DB().Model(&FAQ{}).Count(&count).Error)
	assert.Zero(t, count)
	require.Len(t, f.session.responses, 1)
	assert.Equal(
		t,
		"Preciso da pergunta e da resposta!",
		f.session.responses[0].Data.Content,
	)
}

func TestDiscordStyleCommand(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)

	f.discord.HandleInteraction(
		ctx, commandInteraction(
			DiscordSlashCommandStyle,
			"user1",
			stringOption(styleCommandOption, string(ChatStyleAcid)),
		),
	)

	style, err := f.db.UserChatStyle(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, ChatStyleAcid, style)

	require.Len(t, f.session.responses, 1)
	resp := f.session.responses[0]
	assert.Contains(t, resp.Data.Content, string(ChatStyleAcid))
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
}

func TestDiscordStyleCommandUnknownStyle(t *testing.T) {
	ctx := context.Background()
	f := newDiscordFixture(t)

	f.discord.HandleInteraction(
		ctx, commandInteraction(
			DiscordSlashCommandStyle,
			"user1",
			stringOption(styleCommandOption, "grosseiro"),
		),
	)

	require.Len(t, f.session.responses, 1)
	assert.Equal(
		t, "Esse estilo não existe!", f.session.responses[0].Data.Content,
	)

	var count int64
	require.NoError(
		t, f.db.DB().Model(&UserPreference{}).Count(&count).Error,
	)
	assert.Zero(t, count)
}
