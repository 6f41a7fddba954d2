package tagbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	slashCommandTag = "tag"

	tagSubcommandList   = "list"
	tagSubcommandCreate = "create"
	tagSubcommandModify = "modify"
	tagSubcommandDelete = "delete"
	tagSubcommandHelp   = "help"
	tagSubcommandValue  = "value"

	tagOptionName       = "name"
	tagOptionResponse   = "response"
	tagOptionAttachment = "attachment"
)

// Replies to /tag subcommands. %[1]s is the /tag command ID.
const (
	tagReplyExists         = "Looks like that tag already exists. Try </tag modify:%[1]s> or </tag delete:%[1]s> instead."
	tagReplyNotFound       = "Looks like that tag doesn't exist. Use </tag list:%[1]s> for a list of tags."
	tagReplyCreateNoValue  = "I need either a response or a file."
	tagReplyModifyNoValue  = "I need a response, a file, or both. If you want to delete the tag, use </tag delete:%[1]s>."
	tagReplySaveFailed     = "I wasn't able to save that. Please try again later or with a different name."
	tagReplyUpdateFailed   = "I wasn't able to update that. Please try again later or contact a dev to see what went wrong."
	tagReplyDeleteFailed   = "I wasn't able to delete that. Please try again later or contact a dev to see what went wrong."
	tagReplyInvalidName    = "Tag names can't contain spaces."
	tagReplyNotAllowed     = "You don't have permission to use that command."
	tagReplyDeleteCanceled = "Okay, I won't delete `%s`."
	tagReplyDeleteTimedOut = "I didn't get a response, so I didn't delete `%s`."
	tagReplyNoTags         = "There aren't any tags yet."
	tagDeleteConfirmPrompt = "Are you sure you want to delete the tag `%s`?"

	tagListTitle = "Custom tags"
	tagHelpTitle = "Tag Placeholders"
)

var tagHelpDescription = "You can use these when creating or modifying tags for some user customization. " +
	"The `<@thing>` gets replaced with the proper value when the command is run. \n\n" +
	strings.Join(
		[]string{
			"`<@author>`: Pings the user",
			"`<@authorname>`: The user's nickname",
			"`<@target>`: Pings someone who is pinged by the user",
			"`<@targetname>`: The nickname of someone who is pinged by the user",
			"`<@channel>`: The channel the command is used in",
			"`<@randomchannel>`: A random public channel",
			"`<@random [item1|item2|item3...]>`: Randomly selects one of the items. Separate with `|`. " +
				"(No, there can't be `<@random>`s inside of `<@random>`s)",
			"",
			"Example: <@target> took over <@channel>, but <@author> " +
				"<@random is complicit|might have something to say about it>.",
		}, "\n",
	)

// appCommandTag returns the /tag command definition
func appCommandTag() *discordgo.ApplicationCommand {
	nameOption := func(description string, autocomplete bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:         discordgo.ApplicationCommandOptionString,
			Name:         tagOptionName,
			Description:  description,
			Required:     true,
			Autocomplete: autocomplete,
		}
	}
	responseOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        tagOptionResponse,
		Description: "Text to respond with.",
	}
	attachmentOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionAttachment,
		Name:        tagOptionAttachment,
		Description: "File to respond with.",
	}
	dmPerm := false

	return &discordgo.ApplicationCommand{
		Name:         slashCommandTag,
		Description:  "Create, Modify, or Delete a tag",
		Type:         discordgo.ChatApplicationCommand,
		DMPermission: &dmPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        tagSubcommandList,
				Description: "Get a list of tags",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        tagSubcommandCreate,
				Description: "[MGR] Create a tag.",
				Options: []*discordgo.ApplicationCommandOption{
					nameOption("The name of the new tag (must not include any spaces).", false),
					responseOption,
					attachmentOption,
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        tagSubcommandModify,
				Description: "[MGR] Modify a tag.",
				Options: []*discordgo.ApplicationCommandOption{
					nameOption("The name of the tag to modify.", true),
					responseOption,
					attachmentOption,
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        tagSubcommandDelete,
				Description: "[MGR] Delete a tag.",
				Options: []*discordgo.ApplicationCommandOption{
					nameOption("The name of the tag to delete.", true),
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        tagSubcommandHelp,
				Description: "[MGR] Get a list of placeholders you can use in tags.",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        tagSubcommandValue,
				Description: "[MGR] Get the raw response of a tag. Useful for modifying.",
				Options: []*discordgo.ApplicationCommandOption{
					nameOption("The name of the tag to view.", true),
				},
			},
		},
	}
}

// Authorizer decides who can manage tags
type Authorizer interface {
	CanManageTags(i *discordgo.InteractionCreate) bool
}

// roleAuthorizer allows guild members with the Administrator permission,
// or with any of the configured manager roles
type roleAuthorizer struct {
	roleIDs []string
}

func newRoleAuthorizer(roleIDs ...string) roleAuthorizer {
	return roleAuthorizer{roleIDs: roleIDs}
}

func (r roleAuthorizer) CanManageTags(i *discordgo.InteractionCreate) bool {
	if i == nil || i.Member == nil {
		return false
	}
	if i.Member.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	for _, role := range i.Member.Roles {
		if slices.Contains(r.roleIDs, role) {
			return true
		}
	}
	return false
}

type tagReply struct {
	Content string
	Embeds  []*discordgo.MessageEmbed
}

// tagCommandRun is a single /tag invocation
type tagCommandRun struct {
	handler     InteractionHandler
	interaction *discordgo.InteractionCreate
	user        *discordgo.User
	member      *discordgo.Member
	subcommand  string
	options     map[string]*discordgo.ApplicationCommandInteractionDataOption
	resolved    *discordgo.ApplicationCommandInteractionDataResolved
	commandID   string
	logger      *slog.Logger

	// replied is set once the interaction has been responded to, after
	// which replies edit the original response
	replied bool
}

func newTagCommandRun(handler InteractionHandler, logger *slog.Logger) (*tagCommandRun, error) {
	i := handler.GetInteraction()
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 || data.Options[0].Type != discordgo.ApplicationCommandOptionSubCommand {
		return nil, fmt.Errorf("missing subcommand for /%s", data.Name)
	}
	sub := data.Options[0]

	run := &tagCommandRun{
		handler:     handler,
		interaction: i,
		user:        getDiscordUser(i),
		member:      i.Member,
		subcommand:  sub.Name,
		options:     map[string]*discordgo.ApplicationCommandInteractionDataOption{},
		resolved:    data.Resolved,
		commandID:   data.ID,
		logger:      logger.With("subcommand", sub.Name),
	}
	for _, opt := range sub.Options {
		run.options[opt.Name] = opt
	}
	return run, nil
}

func (r *tagCommandRun) stringOption(name string) string {
	opt, ok := r.options[name]
	if !ok || opt.Type != discordgo.ApplicationCommandOptionString {
		return ""
	}
	return opt.StringValue()
}

// attachmentURL returns the URL of the file uploaded for the option
func (r *tagCommandRun) attachmentURL(name string) string {
	opt, ok := r.options[name]
	if !ok || r.resolved == nil {
		return ""
	}
	id, _ := opt.Value.(string)
	a, ok := r.resolved.Attachments[id]
	if !ok || a == nil {
		return ""
	}
	return a.URL
}

func (r *tagCommandRun) reply(ctx context.Context, reply tagReply) error {
	if r.replied {
		embeds := reply.Embeds
		if embeds == nil {
			embeds = []*discordgo.MessageEmbed{}
		}
		_, err := r.handler.Edit(
			ctx,
			&discordgo.WebhookEdit{
				Content:    &reply.Content,
				Embeds:     &embeds,
				Components: &[]discordgo.MessageComponent{},
				AllowedMentions: &discordgo.MessageAllowedMentions{
					Parse: []discordgo.AllowedMentionType{},
				},
			},
		)
		return err
	}

	err := r.handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: reply.Content,
				Embeds:  reply.Embeds,
				Flags:   discordgo.MessageFlagsEphemeral,
				AllowedMentions: &discordgo.MessageAllowedMentions{
					Parse: []discordgo.AllowedMentionType{},
				},
			},
		},
	)
	if err == nil {
		r.replied = true
	}
	return err
}

func (r *tagCommandRun) replyf(ctx context.Context, format string, args ...any) error {
	return r.reply(ctx, tagReply{Content: fmt.Sprintf(format, args...)})
}

// tagCommandID is the ID used for </tag sub:ID> command mentions
func (b *TagBot) tagCommandID(run *tagCommandRun) string {
	if run.commandID != "" {
		return run.commandID
	}
	if id := b.discord.tagCommandID.Load(); id != nil {
		return *id
	}
	return ""
}

// runTagCommand executes a /tag subcommand
func (b *TagBot) runTagCommand(ctx context.Context, handler InteractionHandler) error {
	run, err := newTagCommandRun(handler, handler.Logger())
	if err != nil {
		return err
	}
	ctx = WithLogger(ctx, run.logger)

	if run.subcommand != tagSubcommandList && !b.authorizer.CanManageTags(run.interaction) {
		run.logger.WarnContext(ctx, "unauthorized tag command")
		return run.reply(ctx, tagReply{Content: tagReplyNotAllowed})
	}

	switch run.subcommand {
	case tagSubcommandList:
		return b.listTags(ctx, run)
	case tagSubcommandCreate:
		return b.createTag(ctx, run)
	case tagSubcommandModify:
		return b.modifyTag(ctx, run)
	case tagSubcommandDelete:
		return b.deleteTag(ctx, run)
	case tagSubcommandHelp:
		return b.tagHelp(ctx, run)
	case tagSubcommandValue:
		return b.tagValue(ctx, run)
	default:
		return fmt.Errorf("unknown /%s subcommand: %q", slashCommandTag, run.subcommand)
	}
}

func (b *TagBot) createTag(ctx context.Context, run *tagCommandRun) error {
	rawName := strings.TrimSpace(run.stringOption(tagOptionName))
	name := normalizeTagName(rawName)
	if name == "" || strings.ContainsFunc(rawName, unicode.IsSpace) {
		return run.reply(ctx, tagReply{Content: tagReplyInvalidName})
	}
	commandID := b.tagCommandID(run)

	if _, exists := b.tags.Find(name); exists {
		return run.replyf(ctx, tagReplyExists, commandID)
	}

	response := run.stringOption(tagOptionResponse)
	attachment := run.attachmentURL(tagOptionAttachment)
	if response == "" && attachment == "" {
		return run.reply(ctx, tagReply{Content: tagReplyCreateNoValue})
	}

	created, err := b.store.Add(ctx, NewTag(name, response, attachment))
	switch {
	case errors.Is(err, ErrTagExists):
		return run.replyf(ctx, tagReplyExists, commandID)
	case err != nil:
		run.logger.ErrorContext(ctx, "error creating tag", tint.Err(err), "tag_name", name)
		return run.reply(ctx, tagReply{Content: tagReplySaveFailed})
	}
	run.logger.InfoContext(ctx, "created tag", "tag", created)

	b.tags.Upsert(*created)
	b.notifyTagsChanged(ctx)

	audit := createdTagAudit(b.config.Discord.EmbedColor, run.user, run.member, created)
	return b.publishTagAudit(ctx, run, audit)
}

func (b *TagBot) modifyTag(ctx context.Context, run *tagCommandRun) error {
	name := normalizeTagName(run.stringOption(tagOptionName))
	commandID := b.tagCommandID(run)

	current, exists := b.tags.Find(name)
	if !exists {
		return run.replyf(ctx, tagReplyNotFound, commandID)
	}

	update := NewTag(name, run.stringOption(tagOptionResponse), run.attachmentURL(tagOptionAttachment))
	if update.Response == nil && update.Attachment == nil {
		return run.replyf(ctx, tagReplyModifyNoValue, commandID)
	}

	updated, err := b.store.Modify(ctx, update)
	switch {
	case errors.Is(err, ErrTagNotFound):
		b.tags.Remove(name)
		return run.replyf(ctx, tagReplyNotFound, commandID)
	case err != nil:
		run.logger.ErrorContext(ctx, "error modifying tag", tint.Err(err), "tag_name", name)
		return run.reply(ctx, tagReply{Content: tagReplyUpdateFailed})
	}
	run.logger.InfoContext(ctx, "modified tag", "tag", updated)

	b.tags.Upsert(*updated)
	b.notifyTagsChanged(ctx)

	audit := modifiedTagAudit(b.config.Discord.EmbedColor, run.user, run.member, &current, updated)
	return b.publishTagAudit(ctx, run, audit)
}

func (b *TagBot) deleteTag(ctx context.Context, run *tagCommandRun) error {
	name := normalizeTagName(run.stringOption(tagOptionName))
	commandID := b.tagCommandID(run)

	if _, exists := b.tags.Find(name); !exists {
		return run.replyf(ctx, tagReplyNotFound, commandID)
	}

	if b.config.Tags.ConfirmDelete {
		result, err := confirmInteraction(
			ctx,
			b.components,
			run.handler,
			fmt.Sprintf(tagDeleteConfirmPrompt, name),
			"",
			confirmTimeout,
		)
		if err != nil {
			return err
		}
		run.replied = true
		run.logger.InfoContext(ctx, "delete confirmation", "result", result.String())
		switch result {
		case confirmCancelled:
			return run.replyf(ctx, tagReplyDeleteCanceled, name)
		case confirmTimedOut:
			return run.replyf(ctx, tagReplyDeleteTimedOut, name)
		}
	}

	removed, err := b.store.Delete(ctx, name)
	switch {
	case errors.Is(err, ErrTagNotFound):
		b.tags.Remove(name)
		return run.replyf(ctx, tagReplyNotFound, commandID)
	case err != nil:
		run.logger.ErrorContext(ctx, "error deleting tag", tint.Err(err), "tag_name", name)
		return run.reply(ctx, tagReply{Content: tagReplyDeleteFailed})
	}
	run.logger.InfoContext(ctx, "deleted tag", "tag", removed)

	b.tags.Remove(name)
	b.notifyTagsChanged(ctx)

	audit := deletedTagAudit(b.config.Discord.EmbedColor, run.user, run.member, removed)
	return b.publishTagAudit(ctx, run, audit)
}

func (b *TagBot) tagHelp(ctx context.Context, run *tagCommandRun) error {
	e := newEmbed(b.config.Discord.EmbedColor, nil, nil)
	e.Title = tagHelpTitle
	e.Description = tagHelpDescription
	return run.reply(ctx, tagReply{Embeds: []*discordgo.MessageEmbed{e}})
}

// tagValue shows a tag's raw response and attachment
func (b *TagBot) tagValue(ctx context.Context, run *tagCommandRun) error {
	name := normalizeTagName(run.stringOption(tagOptionName))
	tag, exists := b.tags.Find(name)
	if !exists {
		return run.replyf(ctx, tagReplyNotFound, b.tagCommandID(run))
	}

	e := newEmbed(b.config.Discord.EmbedColor, run.user, run.member)
	e.Title = tag.Name
	e.Description = tag.ResponseText()
	if a := tag.AttachmentURL(); a != "" {
		e.Image = &discordgo.MessageEmbedImage{URL: a}
	}
	return run.reply(ctx, tagReply{Embeds: []*discordgo.MessageEmbed{e}})
}

// listTags replies with every tag name, with the message prefix. Long
// lists are split across embeds.
func (b *TagBot) listTags(ctx context.Context, run *tagCommandRun) error {
	names := b.tags.Names()
	for i, name := range names {
		names[i] = b.config.Tags.Prefix + name
	}
	slices.Sort(names)

	embeds := tagListEmbeds(b.config.Discord.EmbedColor, names)
	return run.reply(ctx, tagReply{Embeds: embeds})
}

// tagListEmbeds splits names over as many embeds as needed, staying
// under discord's per-message limits. Names that don't fit are counted
// on the last line.
func tagListEmbeds(color int, names []string) []*discordgo.MessageEmbed {
	newListEmbed := func() *discordgo.MessageEmbed {
		e := newEmbed(color, nil, nil)
		e.Title = tagListTitle
		return e
	}
	if len(names) == 0 {
		e := newListEmbed()
		e.Description = tagReplyNoTags
		return []*discordgo.MessageEmbed{e}
	}

	// leave room for the title and the overflow line
	maxChars := embedTotalLimit - utf8.RuneCountInString(tagListTitle) - 32

	var pages []string
	var page strings.Builder
	pageLen, total := 0, 0
	for i, name := range names {
		lineLen := utf8.RuneCountInString(name) + 1
		if total+lineLen > maxChars || lineLen > embedDescriptionLimit {
			overflow := fmt.Sprintf("...and %d more", len(names)-i)
			if pageLen+len(overflow) > embedDescriptionLimit {
				pages = append(pages, page.String())
				page.Reset()
			} else if pageLen > 0 {
				page.WriteString("\n")
			}
			page.WriteString(overflow)
			break
		}
		if pageLen+lineLen > embedDescriptionLimit {
			pages = append(pages, page.String())
			page.Reset()
			pageLen = 0
		}
		if pageLen > 0 {
			page.WriteString("\n")
		}
		page.WriteString(name)
		pageLen += lineLen
		total += lineLen
	}
	pages = append(pages, page.String())

	embeds := make([]*discordgo.MessageEmbed, 0, len(pages))
	for i, p := range pages {
		if i == messageEmbedLimit {
			break
		}
		e := newListEmbed()
		if i > 0 {
			e.Title = ""
		}
		e.Description = p
		embeds = append(embeds, e)
	}
	return embeds
}

// tagAutocomplete suggests tag names for the focused 'name' option
func (b *TagBot) tagAutocomplete(ctx context.Context, handler InteractionHandler) error {
	data := handler.GetInteraction().ApplicationCommandData()
	var focused string
	for _, sub := range data.Options {
		for _, opt := range sub.Options {
			if opt.Focused && opt.Name == tagOptionName {
				focused = opt.StringValue()
			}
		}
	}

	matches := b.tags.Autocomplete(focused, discordMaxAutocompleteChoices)
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(matches))
	for _, t := range matches {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: t.Name, Value: t.Name})
	}
	return handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionApplicationCommandAutocompleteResult,
			Data: &discordgo.InteractionResponseData{Choices: choices},
		},
	)
}
