package brok

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// emojiCacheTTL is how long a guild's formatted emoji list is reused
// before it is fetched again.
const emojiCacheTTL = time.Hour

func keyGuildEmojis(guildID string) string {
	return "guild-emojis:" + guildID
}

// EmojiLister is the slice of the Discord session the emoji service needs.
type EmojiLister interface {
	GuildEmojis(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Emoji, error)
}

// EmojiService describes a guild's custom emojis for the model prompt, so
// replies can use server emojis instead of only the Unicode set. The
// formatted list is cached in the coordination store per guild.
type EmojiService struct {
	session EmojiLister
	store   CoordStore
	logger  *slog.Logger
}

// NewEmojiService creates an EmojiService on the given session and store.
func NewEmojiService(
	session EmojiLister,
	store CoordStore,
	log *slog.Logger,
) *EmojiService {
	if log == nil {
		log = slog.Default()
	}
	return &EmojiService{
		session: session,
		store:   store,
		logger:  log.With(loggerNameKey, "emoji"),
	}
}

// PromptList returns the emoji section text for one guild. Fetch and
// cache failures fall back to a "none available" line rather than an
// error.
func (e *EmojiService) PromptList(ctx context.Context, guildID string) string {
	if guildID == "" {
		return "No custom emojis available (DM or no guild)."
	}

	key := keyGuildEmojis(guildID)
	cached, exists, err := e.store.Get(ctx, key)
	if err == nil && exists {
		return cached
	}

	emojis, err := e.session.GuildEmojis(
		guildID, discordgo.WithContext(ctx),
	)
	if err != nil {
		e.logger.WarnContext(
			ctx,
			"failed to fetch guild emojis",
			tint.Err(err),
			"guild_id", guildID,
		)
		return "No custom emojis available in this server."
	}

	formatted := formatEmojiList(emojis)
	if err = e.store.SetEx(ctx, key, formatted, emojiCacheTTL); err != nil {
		e.logger.WarnContext(
			ctx,
			"failed to cache emoji list",
			tint.Err(err),
			"guild_id", guildID,
		)
	}
	return formatted
}

func formatEmojiList(emojis []*discordgo.Emoji) string {
	var b strings.Builder
	for _, emoji := range emojis {
		if emoji.ID == "" || emoji.Name == "" {
			continue
		}
		kind := "static"
		if emoji.Animated {
			kind = "animated"
		}
		fmt.Fprintf(
			&b, "- %s (%s): %s\n",
			emoji.Name, kind, emoji.MessageFormat(),
		)
	}
	if b.Len() == 0 {
		return "No custom emojis available in this server."
	}
	return "Available custom emojis in this server:\n" +
		strings.TrimRight(b.String(), "\n")
}
