package tagbot

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
)

var (
	// discordComponentCustomIDLength defines the length of the custom ID for
	// Discord components. Discord currently has a 100-character limit, but
	// we don't need to use that much.
	discordComponentCustomIDLength = 25
)

// Discord manages the Discord session and the bot's gateway state.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	botUser                     atomic.Pointer[discordgo.User]
	tagCommandID                atomic.Pointer[string]
	discordgoRemoveHandlerFuncs []func()
	b                           *TagBot
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession builds the gateway session: no state cache, events handled
// synchronously, and logging routed through d.logger
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents

	session := DiscordSession{
		Session: disc,
		logger:  d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return nil, err
	}
	return session, nil
}

// self returns the bot's own user, as seen in the READY event. If the
// gateway hasn't sent READY yet, the user is fetched from the API.
func (d *Discord) self() (*discordgo.User, error) {
	if u := d.botUser.Load(); u != nil {
		return u, nil
	}
	u, err := d.session.User("@me")
	if err != nil {
		return nil, fmt.Errorf("error getting bot user: %w", err)
	}
	d.botUser.Store(u)
	return u, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r == nil || r.User == nil {
			return
		}
		d.botUser.Store(r.User)
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", r.User.ID,
			"username", r.User.Username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected", "session_id", gatewaySessionID(s))

		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("unable to set custom status", tint.Err(err))
			}
		}
		d.sendStartupMessage()
	}
}

// sendStartupMessage posts the configured startup message to the
// notification channel. It isn't retried, since it's sent on every
// reconnect.
func (d *Discord) sendStartupMessage() {
	if d.config.NotificationChannelID == "" || d.config.StartupMessage == "" {
		return
	}
	_, err := d.session.ChannelMessageSend(
		d.config.NotificationChannelID,
		d.config.StartupMessage,
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	)
	if err != nil {
		d.logger.Error("unable to send startup message", tint.Err(err))
		return
	}
	d.logger.Info("sent startup message", "channel_id", d.config.NotificationChannelID)
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "session_id", gatewaySessionID(s))
	}
}

func gatewaySessionID(s *discordgo.Session) string {
	if s == nil || s.State == nil {
		return ""
	}
	return s.State.SessionID
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint, and remembers the ID of the created /tag command
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{appCommandTag()}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		return created, errors.New("no commands created")
	}
	for _, c := range created {
		d.logger.Info("Created command", "command_id", c.ID, "name", c.Name)
		if c.Name == slashCommandTag && c.ID != "" {
			id := c.ID
			d.tagCommandID.Store(&id)
		}
	}
	return created, nil
}

// DiscordSessionHandler defines the methods from `discordgo.Session` which
// are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds, files or
	// allowed mentions
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// GuildChannels lists a guild's channels, including permission overwrites
	GuildChannels(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Channel, error)

	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// User gets a user by ID, or the bot user itself with "@me"
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)

	// WebhookExecute posts a message through a webhook
	WebhookExecute(
		webhookID string,
		token string,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseDelete deletes the given interaction
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler on top of a
// [discordgo.Session]. Sends that fail are logged here, so callers
// only need to handle the error.
type DiscordSession struct {
	*discordgo.Session
	logger *slog.Logger
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.Session.ChannelMessageSendReply(channelID, content, reference, options...)
	if err != nil {
		d.logger.Error("error sending message reply", tint.Err(err), "channel_id", channelID)
		return msg, err
	}
	d.logger.Debug("sent message reply", "channel_id", channelID, "message_id", msg.ID)
	return msg, nil
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.Session.ChannelMessageSendComplex(channelID, data, opts...)
	if err != nil {
		d.logger.Error("error sending message", tint.Err(err), "channel_id", channelID)
	}
	return msg, err
}

func (d DiscordSession) WebhookExecute(
	webhookID string,
	token string,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.Session.WebhookExecute(webhookID, token, wait, data, options...)
	if err != nil {
		d.logger.Error("error executing webhook", tint.Err(err), "webhook_id", webhookID)
	}
	return msg, err
}

// SetLogLevel maps lvl onto discordgo's own log levels. Levels between
// the four named slog levels are rejected.
func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	for discordLevel, slogLevel := range discordGoLogLevels {
		if slogLevel == lvl {
			d.Session.LogLevel = discordLevel
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s", lvl)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.Session.Client = client
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// memberDisplayName returns the member's nickname, falling back to the
// user's global name, then username
func memberDisplayName(member *discordgo.Member, user *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if user == nil && member != nil {
		user = member.User
	}
	if user == nil {
		return ""
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}
