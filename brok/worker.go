package brok

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// errBotSaturated marks a job that couldn't take a global concurrency slot.
// The queue treats it like any other failure: the job requeues with backoff
// and runs once a slot frees up.
var errBotSaturated = errors.New("global concurrency ceiling reached")

// MessageSender is the slice of the Discord session the worker needs to
// deliver results. DiscordSessionHandler satisfies it.
type MessageSender interface {
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error
	ChannelTyping(
		channelID string,
		options ...discordgo.RequestOption,
	) error
}

// Worker turns one leased ChatJob into a delivered reply. It owns the
// per-job lifecycle: concurrency slot, channel busy flag, security
// screening, prompt assembly, the model call, delivery and cooldown.
type Worker struct {
	db        DBI
	limiter   *RateLimiter
	debouncer *Debouncer
	model     *ChatModel
	sender    MessageSender
	emojis    *EmojiService
	config    *Config
	logger    *slog.Logger
}

// NewWorker wires a Worker. Its Process method is the JobProcessor handed
// to the queue. emojis may be nil, in which case prompts carry no custom
// emoji context.
func NewWorker(
	db DBI,
	limiter *RateLimiter,
	debouncer *Debouncer,
	model *ChatModel,
	sender MessageSender,
	emojis *EmojiService,
	config *Config,
	log *slog.Logger,
) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		db:        db,
		limiter:   limiter,
		debouncer: debouncer,
		model:     model,
		sender:    sender,
		emojis:    emojis,
		config:    config,
		logger:    log.With(loggerNameKey, "worker"),
	}
}

// Process handles one job end to end. Returning an error requeues the job
// (up to the attempt ceiling); returning nil settles it. A security block
// also returns nil, with the job state flipped to blocked so the queue
// settles it under that state instead of completed.
func (w *Worker) Process(ctx context.Context, job *ChatJob) error {
	log := w.logger.With("job_id", job.ID, "user_id", job.UserID)

	acquired, err := w.limiter.AcquireGlobalSlot(ctx)
	if err != nil {
		return fmt.Errorf("acquiring slot: %w", err)
	}
	if !acquired {
		log.InfoContext(ctx, "no free slot, job will retry")
		return errBotSaturated
	}

	// Cleanup runs on every exit path, including panics recovered by the
	// queue. Release uses a fresh context so a cancelled job still frees
	// its slot and channel flag.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx), 5*time.Second,
		)
		defer cancel()
		if releaseErr := w.limiter.ReleaseGlobalSlot(cleanupCtx); releaseErr != nil {
			log.ErrorContext(
				cleanupCtx, "failed to release slot", tint.Err(releaseErr),
			)
		}
		if unmarkErr := w.limiter.UnmarkChannelProcessing(
			cleanupCtx, job.ChannelID,
		); unmarkErr != nil {
			log.ErrorContext(
				cleanupCtx,
				"failed to clear channel busy flag",
				tint.Err(unmarkErr),
			)
		}
	}()

	if err = w.limiter.MarkChannelProcessing(ctx, job.ChannelID); err != nil {
		return fmt.Errorf("marking channel busy: %w", err)
	}

	w.deleteFeedbackMessages(ctx, job, log)

	content := w.collectContent(ctx, job, log)

	screened, blocked, err := w.screen(ctx, job, content, log)
	if err != nil {
		return err
	}
	if blocked {
		job.State = JobStateBlocked
		return nil
	}

	stopTyping := w.startTyping(ctx, job.ChannelID)
	defer stopTyping()

	systemPrompt, userPayload, err := w.assemblePrompt(ctx, job, screened)
	if err != nil {
		return err
	}

	reply, err := w.model.Generate(ctx, systemPrompt, userPayload)
	if err != nil {
		return fmt.Errorf("generating reply: %w", err)
	}

	msg, err := BuildReply(reply, job.ChannelID, job.MessageID, job.GuildID)
	if err != nil {
		return fmt.Errorf("building reply: %w", err)
	}

	stopTyping()

	if _, err = w.sender.ChannelMessageSendComplex(
		job.ChannelID, msg, discordgo.WithContext(ctx),
	); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}

	if err = w.limiter.SetUserCooldown(ctx, job.UserID, 0); err != nil {
		// The reply is already out; a failed cooldown write only weakens
		// rate limiting, it must not fail the job.
		log.ErrorContext(ctx, "failed to set cooldown", tint.Err(err))
	}

	log.InfoContext(
		ctx,
		"reply delivered",
		"channel_id", job.ChannelID,
		"attachments", len(reply.Images),
	)
	return nil
}

// deleteFeedbackMessages removes transient placeholder notices best-effort.
// A stale notice is cosmetic; never worth failing the job over.
func (w *Worker) deleteFeedbackMessages(
	ctx context.Context,
	job *ChatJob,
	log *slog.Logger,
) {
	for _, id := range job.FeedbackIDs() {
		if err := w.sender.ChannelMessageDelete(
			job.ChannelID, id, discordgo.WithContext(ctx),
		); err != nil {
			log.WarnContext(
				ctx,
				"failed to delete feedback message",
				"message_id", id,
				tint.Err(err),
			)
		}
	}
}

// collectContent merges the job payload with anything still sitting in the
// user's debounce buffer. Under normal flow the buffer was drained at
// enqueue time; a fragment that landed between drain and lease is picked up
// here so it isn't answered twice (or dropped). The pending drain timer is
// cancelled since this job now covers those fragments.
func (w *Worker) collectContent(
	ctx context.Context,
	job *ChatJob,
	log *slog.Logger,
) string {
	fragments := []string{job.MessageContent}
	late, err := w.debouncer.GetAndClearMessages(ctx, job.UserID)
	if err != nil {
		log.WarnContext(
			ctx, "late debounce drain failed", tint.Err(err),
		)
	} else if len(late) > 0 {
		log.InfoContext(
			ctx, "merging late fragments", "count", len(late),
		)
		fragments = append(fragments, late...)
	}
	w.debouncer.CancelDrain(job.UserID)

	for i, f := range fragments {
		fragments[i] = stripMention(f, job.BotMention)
	}
	return strings.TrimSpace(strings.Join(fragments, messageSeparator))
}

// screen runs the security filter. High severity blocks the job outright:
// the attempt is persisted, the user gets the block notice and a penalty
// cooldown, and no model call happens. Medium severity is persisted and
// forwarded sanitized. The sanitized text is always what goes to the model.
func (w *Worker) screen(
	ctx context.Context,
	job *ChatJob,
	content string,
	log *slog.Logger,
) (string, bool, error) {
	normalized := NormalizeUnicode(content)
	detection := DetectPromptInjection(normalized)
	sanitization := SanitizeInput(normalized)

	if !detection.IsSuspicious {
		return sanitization.SanitizedMessage, false, nil
	}

	attempt := &InjectionAttempt{
		UserID:           job.UserID,
		Username:         job.Username,
		ChannelID:        job.ChannelID,
		OriginalMessage:  content,
		SanitizedMessage: sanitization.SanitizedMessage,
		DetectionScore:   detection.Score,
		Severity:         detection.Severity,
		DetectedPatterns: joinRecords(detection.Patterns),
		RemovedPatterns:  joinRecords(sanitization.RemovedPatterns),
		Blocked:          detection.Severity == SeverityHigh,
	}
	if err := w.db.CreateInjectionAttempt(ctx, attempt); err != nil {
		return "", false, fmt.Errorf("recording injection attempt: %w", err)
	}

	recent, err := w.db.InjectionAttemptCount(
		ctx, job.UserID, 24*time.Hour,
	)
	if err != nil {
		log.WarnContext(
			ctx, "injection attempt count unavailable", tint.Err(err),
		)
	}
	log.WarnContext(
		ctx,
		"suspicious message detected",
		"severity", detection.Severity,
		"score", detection.Score,
		"patterns", detection.Patterns,
		"attempts_24h", recent,
	)

	if detection.Severity != SeverityHigh {
		return sanitization.SanitizedMessage, false, nil
	}

	if err = w.limiter.SetUserCooldown(
		ctx, job.UserID, w.config.RateLimit.PenaltyCooldown,
	); err != nil {
		log.ErrorContext(
			ctx, "failed to set penalty cooldown", tint.Err(err),
		)
	}
	if _, err = w.sender.ChannelMessageSendComplex(
		job.ChannelID, &discordgo.MessageSend{
			Content: w.config.Discord.SecurityBlockMessage,
			Reference: &discordgo.MessageReference{
				MessageID: job.MessageID,
				ChannelID: job.ChannelID,
				GuildID:   job.GuildID,
			},
		}, discordgo.WithContext(ctx),
	); err != nil {
		log.ErrorContext(
			ctx, "failed to send security notice", tint.Err(err),
		)
	}
	return "", true, nil
}

// startTyping begins the typing heartbeat and returns a stop func. The
// indicator is refreshed ahead of Discord's ~10s decay so it stays visible
// for the whole generation. Stop is idempotent.
func (w *Worker) startTyping(ctx context.Context, channelID string) func() {
	interval := w.config.Queue.TypingInterval
	if interval <= 0 {
		interval = DefaultTypingInterval
	}

	heartbeatCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		if err := w.sender.ChannelTyping(
			channelID, discordgo.WithContext(heartbeatCtx),
		); err != nil {
			w.logger.DebugContext(
				heartbeatCtx, "typing indicator failed", tint.Err(err),
			)
		}
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				if err := w.sender.ChannelTyping(
					channelID, discordgo.WithContext(heartbeatCtx),
				); err != nil {
					w.logger.DebugContext(
						heartbeatCtx,
						"typing indicator failed",
						tint.Err(err),
					)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// assemblePrompt builds the system prompt (persona plus the standing
// security rule) and the user payload, with the user text and FAQ context
// in delimited sections so the model can tell data from instructions.
func (w *Worker) assemblePrompt(
	ctx context.Context,
	job *ChatJob,
	content string,
) (string, string, error) {
	style, err := w.db.UserChatStyle(ctx, job.UserID)
	if err != nil {
		return "", "", fmt.Errorf("loading chat style: %w", err)
	}

	faqs, err := w.db.FAQs(ctx)
	if err != nil {
		return "", "", fmt.Errorf("loading faq entries: %w", err)
	}

	systemPrompt := PersonaPrompt(style) + "\n\n" + securityMetaInstruction

	var b strings.Builder
	b.WriteString("<user_message>\n")
	b.WriteString(content)
	b.WriteString("\n</user_message>")
	if len(faqs) > 0 {
		b.WriteString("\n\n<faq_database>\n")
		for _, faq := range faqs {
			fmt.Fprintf(&b, "P: %s\nR: %s\n\n", faq.Question, faq.Answer)
		}
		b.WriteString("</faq_database>")
	}
	if w.emojis != nil {
		b.WriteString("\n\n<custom_emojis>\n")
		b.WriteString(w.emojis.PromptList(ctx, job.GuildID))
		b.WriteString("\n</custom_emojis>\n\n")
		b.WriteString(emojiInstruction)
	}
	if section := supportRolesSection(w.config.SupportRoles); section != "" {
		b.WriteString("\n\n")
		b.WriteString(section)
	}
	return systemPrompt, b.String(), nil
}

// emojiInstruction accompanies the custom_emojis section in every prompt.
const emojiInstruction = `IMPORTANTE: Você pode usar os emojis personalizados listados acima para complementar suas mensagens.
Use o formato exato fornecido (ex: <:nome:id>). Escolha emojis baseado em seus nomes e no contexto da conversa.
Não use emojis que não estão na lista. Use com moderação - 1-2 emojis por mensagem no máximo.`

// supportRolesSection lists the escalation groups the model may mention
// when a question needs human attention. Groups without configured role
// IDs are omitted; with none configured the section is empty.
func supportRolesSection(roles SupportRolesConfig) string {
	groups := []struct {
		label string
		role  SupportRoleConfig
	}{
		{"Engenheiros", roles.Engineers},
		{"Moderadores", roles.Moderators},
		{"Mentores", roles.Mentors},
	}
	var b strings.Builder
	for _, g := range groups {
		mentions := g.role.Mentions()
		if mentions == "" {
			continue
		}
		if b.Len() == 0 {
			b.WriteString(
				"Caso a pergunta precise de atenção da equipe, " +
					"mencione APENAS o cargo apropriado:\n\n<support_roles>\n",
			)
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", g.label, mentions, g.role.Description)
	}
	if b.Len() == 0 {
		return ""
	}
	b.WriteString(
		"</support_roles>\n\nUse seu julgamento para decidir se a " +
			"pergunta realmente requer escalonamento.",
	)
	return b.String()
}

// stripMention removes the bot's mention token (and the nickname variant)
// from a message fragment.
func stripMention(text string, mention string) string {
	if mention == "" {
		return strings.TrimSpace(text)
	}
	cleaned := strings.ReplaceAll(text, mention, "")
	// <@123> and <@!123> are the same mention; Discord clients emit both.
	if strings.HasPrefix(mention, "<@") && !strings.HasPrefix(mention, "<@!") {
		nick := "<@!" + strings.TrimPrefix(mention, "<@")
		cleaned = strings.ReplaceAll(cleaned, nick, "")
	}
	// Removing an interior mention leaves a doubled space behind
	for strings.Contains(cleaned, "  ") {
		cleaned = strings.ReplaceAll(cleaned, "  ", " ")
	}
	return strings.TrimSpace(cleaned)
}
