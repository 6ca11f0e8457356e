package brok

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"
)

var errEmptyReply = errors.New("reply has no text and no attachments")

// Some models leak chain-of-thought wrapped in think tags, and some pad the
// answer with a stock preamble. Both are stripped before the reply reaches
// the channel.
var (
	thinkBlockRe = regexp.MustCompile(`(?is)<think(?:ing)?>.*?</think(?:ing)?>`)
	// An unclosed think tag swallows everything after it.
	thinkOpenRe = regexp.MustCompile(`(?is)<think(?:ing)?>.*$`)

	// Stock "nothing to do here" asides some models append around FAQ
	// answers. Matched loosely because the tail of the phrase varies.
	fillerPhraseRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\(nenhuma info sensível aqui[^)]*\)`),
		regexp.MustCompile(`(?i)\(resposta direta do faq[^)]*\)`),
		regexp.MustCompile(`(?i)\[nenhuma ação necessária[^\]]*\]`),
	}

	fillerPrefixes = []string{
		"Claro! ",
		"Claro, ",
		"Com certeza! ",
		"Com certeza, ",
		"Certainly! ",
		"Certainly, ",
		"Sure! ",
		"Sure, ",
	}
)

// CleanReply strips reasoning blocks, filler asides, and leading filler
// from model output. It is safe to call on already-clean text.
func CleanReply(content string) string {
	cleaned := thinkBlockRe.ReplaceAllString(content, "")
	cleaned = thinkOpenRe.ReplaceAllString(cleaned, "")
	for _, re := range fillerPhraseRes {
		cleaned = re.ReplaceAllString(cleaned, "")
	}
	cleaned = strings.TrimSpace(cleaned)
	for _, phrase := range fillerPrefixes {
		if strings.HasPrefix(cleaned, phrase) {
			cleaned = strings.TrimSpace(strings.TrimPrefix(cleaned, phrase))
			break
		}
	}
	return cleaned
}

// BuildReply assembles the outgoing Discord message from a model reply:
// cleaned text truncated to the platform limit, snippet images as file
// attachments, and a reply reference back to the triggering message.
// Returns an error when cleaning leaves nothing to send.
func BuildReply(
	reply *ModelReply,
	channelID string,
	messageID string,
	guildID string,
) (*discordgo.MessageSend, error) {
	content := truncateForDiscord(CleanReply(reply.Content))
	if content == "" && len(reply.Images) == 0 {
		return nil, errEmptyReply
	}

	msg := &discordgo.MessageSend{Content: content}
	if messageID != "" {
		msg.Reference = &discordgo.MessageReference{
			MessageID: messageID,
			ChannelID: channelID,
			GuildID:   guildID,
		}
	}

	for i, img := range reply.Images {
		filename := img.Filename
		if filename == "" {
			filename = fmt.Sprintf("snippet-%d.png", i+1)
		}
		msg.Files = append(
			msg.Files, &discordgo.File{
				Name:        filename,
				ContentType: "image/png",
				Reader:      bytes.NewReader(img.Data),
			},
		)
		// attachment:// URLs make the images render inline instead of
		// as a bare file list.
		msg.Embeds = append(
			msg.Embeds, &discordgo.MessageEmbed{
				Image: &discordgo.MessageEmbedImage{
					URL: "attachment://" + filename,
				},
			},
		)
	}
	return msg, nil
}
