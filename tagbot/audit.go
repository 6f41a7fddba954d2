package tagbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	auditTitleCreated  = "Tag created"
	auditTitleModified = "Tag modified"
	auditTitleDeleted  = "Tag Deleted"

	auditPreviewErrorCreate = "The tag creation preview was too long to send."
	auditPreviewErrorModify = "The tag change preview was too long to send"
	auditPreviewErrorDelete = "The tag deletion preview was too long to send"

	savedPreviewNotice   = "I saved the tag `%s`, but I wasn't able to send you the preview"
	deletedPreviewNotice = "I deleted the tag `%s`, but I wasn't able to send you the preview"

	auditNone = "None"
)

// tagAudit is a record of a change to a tag, posted to the mod log and
// previewed to the manager who made it
type tagAudit struct {
	embed *discordgo.MessageEmbed

	// errorNotice is posted to the mod log in place of embed if it's
	// too large to send
	errorNotice string

	// userNotice is sent to the manager in place of the preview
	userNotice string
}

func createdTagAudit(color int, user *discordgo.User, member *discordgo.Member, tag *Tag) tagAudit {
	e := newEmbed(color, user, member)
	e.Title = auditTitleCreated
	e.Description = fmt.Sprintf("%s added the tag %q", user.Mention(), tag.Name)
	if r := tag.ResponseText(); r != "" {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Response", Value: r})
	}
	if a := tag.AttachmentURL(); a != "" {
		e.Image = &discordgo.MessageEmbedImage{URL: a}
	}
	return tagAudit{
		embed:       e,
		errorNotice: auditPreviewErrorCreate,
		userNotice:  fmt.Sprintf(savedPreviewNotice, tag.Name),
	}
}

// modifiedTagAudit shows the old and new values of whichever of the
// response and attachment changed
func modifiedTagAudit(
	color int,
	user *discordgo.User,
	member *discordgo.Member,
	old *Tag,
	updated *Tag,
) tagAudit {
	e := newEmbed(color, user, member)
	e.Title = auditTitleModified
	e.Description = fmt.Sprintf("%s modified the tag %q", user.Mention(), updated.Name)

	oldResponse := old.ResponseText()
	newResponse := updated.ResponseText()
	if oldResponse != newResponse {
		e.Fields = append(
			e.Fields,
			&discordgo.MessageEmbedField{Name: "Old Response", Value: valueOrNone(oldResponse)},
			&discordgo.MessageEmbedField{Name: "New Response", Value: valueOrNone(newResponse)},
		)
	}

	oldFile := old.AttachmentURL()
	newFile := updated.AttachmentURL()
	if oldFile != newFile {
		oldValue, newValue := auditNone, auditNone
		if oldFile != "" {
			oldValue = fmt.Sprintf("[Old](%s)", oldFile)
		}
		if newFile != "" {
			newValue = fmt.Sprintf("[New](%s)", newFile)
		}
		e.Fields = append(
			e.Fields,
			&discordgo.MessageEmbedField{Name: "Old File", Value: oldValue},
			&discordgo.MessageEmbedField{Name: "New File", Value: newValue},
		)
	}
	return tagAudit{
		embed:       e,
		errorNotice: auditPreviewErrorModify,
		userNotice:  fmt.Sprintf(savedPreviewNotice, updated.Name),
	}
}

func deletedTagAudit(color int, user *discordgo.User, member *discordgo.Member, tag *Tag) tagAudit {
	e := newEmbed(color, user, member)
	e.Title = auditTitleDeleted
	e.Description = fmt.Sprintf("%s removed the tag %q", user.Mention(), tag.Name)
	if r := tag.ResponseText(); r != "" {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Response", Value: r})
	}
	if a := tag.AttachmentURL(); a != "" {
		e.Image = &discordgo.MessageEmbedImage{URL: a}
	}
	return tagAudit{
		embed:       e,
		errorNotice: auditPreviewErrorDelete,
		userNotice:  fmt.Sprintf(deletedPreviewNotice, tag.Name),
	}
}

func valueOrNone(s string) string {
	if s == "" {
		return auditNone
	}
	return s
}

// preview is the audit embed without its description, shown to the
// manager who made the change
func (a tagAudit) preview() *discordgo.MessageEmbed {
	e := *a.embed
	e.Description = ""
	return &e
}

// errorEmbed replaces the audit embed in the mod log when the audit
// embed is too large
func (a tagAudit) errorEmbed() *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:     a.embed.Title,
		Color:     a.embed.Color,
		Timestamp: a.embed.Timestamp,
		Author:    a.embed.Author,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Error", Value: a.errorNotice},
		},
	}
	return e
}

// publishTagAudit posts the audit to the mod log channel and sends the
// manager a preview. If the audit embed is too large, a short error
// notice is posted instead, and the manager is told the change was
// saved anyway.
func (b *TagBot) publishTagAudit(ctx context.Context, run *tagCommandRun, audit tagAudit) error {
	modLog := b.config.Tags.ModLogChannelID

	embedErr := validateEmbed(audit.embed)
	if embedErr != nil && !errors.Is(embedErr, ErrEmbedTooLarge) {
		return embedErr
	}
	if embedErr != nil {
		run.logger.WarnContext(ctx, "audit embed too large", tint.Err(embedErr))
		if modLog != "" {
			b.sendModLog(ctx, modLog, audit.errorEmbed())
		}
		return run.reply(ctx, tagReply{Content: audit.userNotice})
	}

	if modLog != "" {
		b.sendModLog(ctx, modLog, audit.embed)
	}
	return run.reply(ctx, tagReply{Embeds: []*discordgo.MessageEmbed{audit.preview()}})
}

func (b *TagBot) sendModLog(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) {
	_, err := b.discord.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Embeds:          []*discordgo.MessageEmbed{embed},
			AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
		},
	)
	if err != nil {
		b.logger.ErrorContext(ctx, "unable to post to mod log", tint.Err(err), "channel_id", channelID)
	}
}
