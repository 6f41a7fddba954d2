package tagbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	missingTargetReply = "You need to `@mention` a user with that command!"

	// discord's default upload limit for bots
	maxAttachmentDownloadSize = 25 * 1024 * 1024
	attachmentDownloadTimeout = 15 * time.Second
)

// parsedCommand is a prefix command parsed out of a message
type parsedCommand struct {
	// Command is the lowercased first word after the prefix
	Command string

	// Suffix is everything after the command
	Suffix string
	Params []string

	// ViaMention is true when the bot was @mentioned instead of
	// using the configured prefix
	ViaMention bool
}

// parseCommand returns the command in content if it starts with prefix or
// a mention of the bot, otherwise nil. `!foo help` is parsed as the
// command `help` with the suffix `foo`.
func parseCommand(content, prefix, botID string) *parsedCommand {
	prefixes := []string{prefix}
	if botID != "" {
		prefixes = append(prefixes, "<@"+botID+">", "<@!"+botID+">")
	}

	for i, p := range prefixes {
		if p == "" || !strings.HasPrefix(content, p) {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(content, p))
		if len(fields) == 0 {
			continue
		}
		cmd := &parsedCommand{
			Command:    strings.ToLower(fields[0]),
			Params:     fields[1:],
			Suffix:     strings.Join(fields[1:], " "),
			ViaMention: i > 0,
		}
		if strings.EqualFold(cmd.Suffix, "help") {
			cmd.Suffix = cmd.Command
			cmd.Params = []string{cmd.Command}
			cmd.Command = "help"
		}
		return cmd
	}
	return nil
}

// TagInvocation is the context a tag was triggered in
type TagInvocation interface {
	// Author is the user who triggered the tag
	Author() Mention

	// AuthorName is the author's display name
	AuthorName() string

	// Target returns the first user mentioned by the author, or nil if
	// nobody was mentioned
	Target() *Mention

	// TargetName is the display name of the user returned by Target
	TargetName(ctx context.Context) string

	ChannelID() string

	// GuildID is empty for direct messages
	GuildID() string

	// Send posts the rendered tag to the channel
	Send(ctx context.Context, tag *RenderedTag) error

	// Reply responds to the triggering message, deleting the reply after
	// cleanAfter (if non-zero)
	Reply(ctx context.Context, content string, cleanAfter time.Duration) error
}

// messageInvocation is a [TagInvocation] for a tag triggered by a
// prefix command in a discord message
type messageInvocation struct {
	session    DiscordSessionHandler
	message    *discordgo.Message
	botID      string
	viaMention bool
	httpClient *http.Client
	logger     *slog.Logger
}

func (m *messageInvocation) Author() Mention {
	return Mention{ID: m.message.Author.ID, Mention: m.message.Author.Mention()}
}

func (m *messageInvocation) AuthorName() string {
	return memberDisplayName(m.message.Member, m.message.Author)
}

func (m *messageInvocation) ChannelID() string {
	return m.message.ChannelID
}

func (m *messageInvocation) GuildID() string {
	return m.message.GuildID
}

func (m *messageInvocation) target() *discordgo.User {
	for _, u := range m.message.Mentions {
		if u == nil {
			continue
		}
		// '@bot hug @someone' targets someone, not the bot
		if m.viaMention && u.ID == m.botID {
			continue
		}
		return u
	}
	return nil
}

func (m *messageInvocation) Target() *Mention {
	u := m.target()
	if u == nil {
		return nil
	}
	return &Mention{ID: u.ID, Mention: u.Mention()}
}

func (m *messageInvocation) TargetName(ctx context.Context) string {
	u := m.target()
	if u == nil {
		return ""
	}
	if m.message.GuildID == "" {
		return memberDisplayName(nil, u)
	}
	member, err := m.session.GuildMember(m.message.GuildID, u.ID)
	if err != nil {
		m.logger.WarnContext(ctx, "unable to get target member", tint.Err(err), "user_id", u.ID)
		return memberDisplayName(nil, u)
	}
	return memberDisplayName(member, u)
}

func (m *messageInvocation) Send(ctx context.Context, tag *RenderedTag) error {
	data := &discordgo.MessageSend{
		Content: tag.Content,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{},
			Users: tag.AllowedUsers,
		},
	}
	if tag.AttachmentURL != "" {
		file, err := fetchAttachment(ctx, m.httpClient, tag.AttachmentURL)
		if err != nil {
			m.logger.WarnContext(
				ctx,
				"unable to download tag attachment, sending link instead",
				tint.Err(err),
				"url", tag.AttachmentURL,
			)
			data.Content = strings.TrimSpace(data.Content + "\n" + tag.AttachmentURL)
		} else {
			data.Files = []*discordgo.File{file}
		}
	}
	_, err := m.session.ChannelMessageSendComplex(m.message.ChannelID, data)
	return err
}

func (m *messageInvocation) Reply(
	ctx context.Context,
	content string,
	cleanAfter time.Duration,
) error {
	reply, err := m.session.ChannelMessageSendReply(
		m.message.ChannelID,
		content,
		m.message.Reference(),
	)
	if err != nil {
		return err
	}
	if cleanAfter > 0 && reply != nil {
		cleanMessage(ctx, m.session, reply, cleanAfter)
	}
	return nil
}

// cleanMessage deletes msg after the given delay
func cleanMessage(
	ctx context.Context,
	session DiscordSessionHandler,
	msg *discordgo.Message,
	after time.Duration,
) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = slog.Default()
	}
	time.AfterFunc(
		after, func() {
			if err := session.ChannelMessageDelete(msg.ChannelID, msg.ID); err != nil {
				logger.Warn("unable to clean up message", tint.Err(err), "message_id", msg.ID)
			}
		},
	)
}

// fetchAttachment downloads a tag's attachment so it can be re-uploaded
// alongside the response
func fetchAttachment(ctx context.Context, client *http.Client, rawURL string) (*discordgo.File, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid attachment url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported attachment url scheme: %q", u.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, attachmentDownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status downloading attachment: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentDownloadSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxAttachmentDownloadSize {
		return nil, errors.New("attachment too large")
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "attachment"
	}
	return &discordgo.File{
		Name:        name,
		ContentType: resp.Header.Get("Content-Type"),
		Reader:      bytes.NewReader(body),
	}, nil
}

// publicChannels returns mentions for the guild's text channels that
// @everyone can view. Threads are excluded.
func publicChannels(guildID string, channels []*discordgo.Channel) []string {
	var mentions []string
	for _, c := range channels {
		if c == nil {
			continue
		}
		switch c.Type {
		case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews,
			discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		default:
			continue
		}
		hidden := false
		for _, o := range c.PermissionOverwrites {
			if o.ID == guildID && o.Type == discordgo.PermissionOverwriteTypeRole &&
				o.Deny&discordgo.PermissionViewChannel != 0 {
				hidden = true
				break
			}
		}
		if !hidden {
			mentions = append(mentions, c.Mention())
		}
	}
	return mentions
}

// handleMessage runs the tag named by a prefix command in the message,
// if there is one. Used for both new and edited messages.
func (b *TagBot) handleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}

	var botID string
	if self, err := b.discord.self(); err == nil {
		botID = self.ID
	}
	cmd := parseCommand(m.Content, b.config.Tags.Prefix, botID)
	if cmd == nil {
		return
	}
	// counted before lookup so misses show up in the daily cmds column
	b.stats.IncCommand(cmd.Command)

	tag, ok := b.tags.Find(cmd.Command)
	if !ok {
		return
	}

	logger := b.logger.With(messageLogGroup(m), "tag", tag.Name)
	ctx = WithLogger(ctx, logger)

	inv := &messageInvocation{
		session:    b.discord.session,
		message:    m,
		botID:      botID,
		viaMention: cmd.ViaMention,
		httpClient: b.httpClient,
		logger:     logger,
	}
	if err := b.runTag(ctx, inv, tag); err != nil {
		logger.ErrorContext(ctx, "error running tag", tint.Err(err))
		b.errors.Report(ctx, err, m)
	}
}

// runTag renders the tag for the invocation and sends it. If the tag
// needs a target and none was given, the author is asked to mention one.
func (b *TagBot) runTag(ctx context.Context, inv TagInvocation, tag Tag) error {
	response := tag.ResponseText()
	guildID := inv.GuildID()

	rc := RenderContext{
		Author:         inv.Author(),
		AuthorName:     inv.AuthorName(),
		ChannelMention: "<#" + inv.ChannelID() + ">",
		InGuild:        guildID != "",
	}

	rc.Target = inv.Target()
	if rc.Target != nil && usesToken(response, targetNameTokenPattern) {
		rc.TargetName = inv.TargetName(ctx)
	}
	if rc.Target == nil && !rc.InGuild && usesToken(response, targetTokenPattern, targetNameTokenPattern) {
		self, err := b.discord.self()
		if err != nil {
			return err
		}
		rc.Self = Mention{ID: self.ID, Mention: self.Mention()}
		rc.SelfName = memberDisplayName(nil, self)
	}

	if rc.InGuild && usesToken(response, randomChannelTokenPattern) {
		channels, err := b.discord.session.GuildChannels(guildID)
		if err != nil {
			b.logger.WarnContext(ctx, "unable to list guild channels", tint.Err(err))
		} else {
			rc.RandomChannels = publicChannels(guildID, channels)
		}
	}

	rendered, err := RenderTag(tag, rc, b.random)
	if errors.Is(err, ErrTargetRequired) {
		return inv.Reply(ctx, missingTargetReply, b.config.Tags.CleanDelay)
	}
	if err != nil {
		return err
	}

	b.stats.IncTag(tag.Name)
	return inv.Send(ctx, rendered)
}

// messageLogGroup identifies m in log output
func messageLogGroup(m *discordgo.Message) slog.Attr {
	attrs := []any{slog.String("id", m.ID), slog.String("channel_id", m.ChannelID)}
	if m.GuildID != "" {
		attrs = append(attrs, slog.String("guild_id", m.GuildID))
	}
	if m.Author != nil {
		attrs = append(attrs, slog.String("author_id", m.Author.ID))
	}
	return slog.Group("message", attrs...)
}
