package tagbot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"time"
	"unicode/utf8"
)

// Discord's embed limits.
// See: https://discord.com/developers/docs/resources/message#embed-object-embed-limits
const (
	embedTitleLimit       = 256
	embedDescriptionLimit = 4096
	embedFieldNameLimit   = 256
	embedFieldValueLimit  = 1024
	embedFieldCountLimit  = 25
	embedFooterLimit      = 2048
	embedAuthorNameLimit  = 256
	embedTotalLimit       = 6000
	messageEmbedLimit     = 10
)

// newEmbed returns an embed with the bot's color and the current
// timestamp. If a user or member is given, they're set as the author.
func newEmbed(color int, user *discordgo.User, member *discordgo.Member) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Color:     color,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if user == nil && member != nil {
		user = member.User
	}
	if user != nil {
		author := &discordgo.MessageEmbedAuthor{
			Name:    memberDisplayName(member, user),
			IconURL: user.AvatarURL("128"),
		}
		if member != nil && member.Avatar != "" && member.GuildID != "" {
			author.IconURL = member.AvatarURL("128")
		}
		e.Author = author
	}
	return e
}

// validateEmbed returns an error wrapping ErrEmbedTooLarge if Discord
// would reject the embed for exceeding a length limit
func validateEmbed(e *discordgo.MessageEmbed) error {
	if e == nil {
		return nil
	}
	total := 0
	check := func(name, value string, limit int) error {
		n := utf8.RuneCountInString(value)
		total += n
		if n > limit {
			return fmt.Errorf("%w: %s is %d characters (max %d)", ErrEmbedTooLarge, name, n, limit)
		}
		return nil
	}

	if err := check("title", e.Title, embedTitleLimit); err != nil {
		return err
	}
	if err := check("description", e.Description, embedDescriptionLimit); err != nil {
		return err
	}
	if e.Author != nil {
		if err := check("author name", e.Author.Name, embedAuthorNameLimit); err != nil {
			return err
		}
	}
	if e.Footer != nil {
		if err := check("footer", e.Footer.Text, embedFooterLimit); err != nil {
			return err
		}
	}
	if len(e.Fields) > embedFieldCountLimit {
		return fmt.Errorf("%w: %d fields (max %d)", ErrEmbedTooLarge, len(e.Fields), embedFieldCountLimit)
	}
	for i, f := range e.Fields {
		if err := check(fmt.Sprintf("field %d name", i), f.Name, embedFieldNameLimit); err != nil {
			return err
		}
		if err := check(fmt.Sprintf("field %d value", i), f.Value, embedFieldValueLimit); err != nil {
			return err
		}
	}
	if total > embedTotalLimit {
		return fmt.Errorf("%w: %d total characters (max %d)", ErrEmbedTooLarge, total, embedTotalLimit)
	}
	return nil
}
