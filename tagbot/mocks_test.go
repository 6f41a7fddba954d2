package tagbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	testBotUserID   = "900000000000000001"
	testGuildID     = "900000000000000002"
	testChannelID   = "900000000000000003"
	testModLogID    = "900000000000000004"
	testManagerRole = "900000000000000005"
	testAppID       = "900000000000000006"
	testWebhookURL  = "https://discord.com/api/webhooks/1234/webhook-token"
)

// DefaultTestConfig returns a config using a sqlite database in a temp
// directory, with the API and webhook server disabled
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Database = filepath.Join(tmpdir, "test.sqlite3")
	cfg.DatabaseType = dbTypeSQLite
	cfg.Development = true
	cfg.StartupTimeout = 30 * time.Second
	cfg.ShutdownTimeout = 30 * time.Second

	cfg.LogLevel.Set(slog.LevelDebug)
	cfg.DatabaseLogLevel.Set(slog.LevelWarn)

	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = testAppID
	cfg.Discord.GuildID = testGuildID
	cfg.Discord.CustomStatus = ""

	cfg.Tags.ModLogChannelID = testModLogID
	cfg.Tags.ManagerRoleIDs = []string{testManagerRole}
	cfg.Tags.ConfirmDelete = false
	cfg.Tags.CleanDelay = 0

	cfg.Stats.SnapshotFile = filepath.Join(tmpdir, "stats.json")
	cfg.Stats.Timezone = "UTC"
	return cfg
}

// setupTestDB returns a migrated sqlite database in a temp directory
func setupTestDB(t testing.TB) DBI {
	t.Helper()
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "test.sqlite3"),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewDatabase(db, nil, false)
}

// newTestBot returns a TagBot with its database opened and a mock
// discord session, without connecting or serving anything
func newTestBot(t testing.TB) (*TagBot, *mockDiscordSession) {
	t.Helper()
	return newTestBotWithConfig(t, DefaultTestConfig(t))
}

func newTestBotWithConfig(t testing.TB, cfg *Config) (*TagBot, *mockDiscordSession) {
	t.Helper()
	gin.DefaultWriter = io.Discard

	bot, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	bot.discord.session = session
	bot.discord.botUser.Store(session.self)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	require.NoError(t, bot.initRun(ctx))
	t.Cleanup(bot.closeDB)
	return bot, session
}

type mockSentMessage struct {
	ChannelID string
	Data      *discordgo.MessageSend
}

type mockReply struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
}

// mockDiscordSession is a DiscordSessionHandler which records what
// would have been sent to discord
type mockDiscordSession struct {
	mu     sync.Mutex
	logger *slog.Logger
	self   *discordgo.User

	sent       []mockSentMessage
	replies    []mockReply
	deleted    []string
	webhooks   []*discordgo.WebhookParams
	responses  []*discordgo.InteractionResponse
	registered []*discordgo.ApplicationCommand
	statuses   []string
	handlers   int
	opened     bool
	closed     bool

	channels []*discordgo.Channel
	members  map[string]*discordgo.Member

	// returned from ChannelMessageSendComplex if set
	sendErr error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		logger: slog.New(
			tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}),
		).With(loggerNameKey, "mock_discord_session"),
		self: &discordgo.User{
			ID:       testBotUserID,
			Username: "tagbot",
			Bot:      true,
		},
		members: map[string]*discordgo.Member{},
	}
}

func (d *mockDiscordSession) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, mockSentMessage{ChannelID: channelID, Data: &discordgo.MessageSend{Content: message}})
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (d *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	d.sent = append(d.sent, mockSentMessage{ChannelID: channelID, Data: data})
	return &discordgo.Message{
		ID:        fmt.Sprintf("sent_%d", len(d.sent)),
		ChannelID: channelID,
		Content:   data.Content,
	}, nil
}

func (d *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies = append(d.replies, mockReply{ChannelID: channelID, Content: content, Reference: reference})
	return &discordgo.Message{
		ID:        fmt.Sprintf("reply_%d", len(d.replies)),
		ChannelID: channelID,
		Content:   content,
	}, nil
}

func (d *mockDiscordSession) ChannelMessageDelete(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, messageID)
	return nil
}

func (d *mockDiscordSession) GuildChannels(
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels, nil
}

func (d *mockDiscordSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[userID]
	if !ok {
		return nil, errors.New("unknown member")
	}
	return m, nil
}

func (d *mockDiscordSession) User(userID string, _ ...discordgo.RequestOption) (*discordgo.User, error) {
	if userID == "@me" {
		return d.self, nil
	}
	return &discordgo.User{ID: userID}, nil
}

func (d *mockDiscordSession) WebhookExecute(
	_ string,
	_ string,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.webhooks = append(d.webhooks, data)
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	created := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		created[i] = &discordgo.ApplicationCommand{
			ID:          fmt.Sprintf("cmd_%d", i+1),
			Name:        c.Name,
			Description: c.Description,
		}
	}
	d.registered = created
	return created, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, status)
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers++
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.handlers--
	}
}

func (d *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, resp)
	return nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	_ *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) InteractionResponseDelete(
	_ *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) error {
	return nil
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (d *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

func (d *mockDiscordSession) sentMessages() []mockSentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]mockSentMessage(nil), d.sent...)
}

func (d *mockDiscordSession) sentReplies() []mockReply {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]mockReply(nil), d.replies...)
}

func (d *mockDiscordSession) executedWebhooks() []*discordgo.WebhookParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*discordgo.WebhookParams(nil), d.webhooks...)
}

func (d *mockDiscordSession) deletedMessages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.deleted...)
}

// stubInteractionHandler records responses and edits instead of sending
// them to discord
type stubInteractionHandler struct {
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger

	mu        sync.Mutex
	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
	deletes   int

	// receives every response, for tests waiting on a confirmation
	respondCh chan *discordgo.InteractionResponse

	respondErr error
}

func newStubHandler(i *discordgo.InteractionCreate) *stubInteractionHandler {
	return &stubInteractionHandler{
		interaction: i,
		logger:      slog.Default(),
		respondCh:   make(chan *discordgo.InteractionResponse, 100),
	}
}

func (s *stubInteractionHandler) Respond(_ context.Context, r *discordgo.InteractionResponse) error {
	if s.respondErr != nil {
		return s.respondErr
	}
	s.mu.Lock()
	s.responses = append(s.responses, r)
	s.mu.Unlock()
	s.respondCh <- r
	return nil
}

func (s *stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, e)
	return &discordgo.Message{}, nil
}

func (s *stubInteractionHandler) Delete(context.Context, ...discordgo.RequestOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (*stubInteractionHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (s *stubInteractionHandler) Logger() *slog.Logger {
	return s.logger
}

func (s *stubInteractionHandler) allResponses() []*discordgo.InteractionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*discordgo.InteractionResponse(nil), s.responses...)
}

func (s *stubInteractionHandler) allEdits() []*discordgo.WebhookEdit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*discordgo.WebhookEdit(nil), s.edits...)
}

// lastContent returns the content of the latest edit, or if there were
// no edits, the latest response
func (s *stubInteractionHandler) lastContent(t testing.TB) string {
	t.Helper()
	edits := s.allEdits()
	if len(edits) > 0 {
		e := edits[len(edits)-1]
		require.NotNil(t, e.Content)
		return *e.Content
	}
	responses := s.allResponses()
	require.NotEmpty(t, responses)
	r := responses[len(responses)-1]
	require.NotNil(t, r.Data)
	return r.Data.Content
}

func (s *stubInteractionHandler) lastEmbeds(t testing.TB) []*discordgo.MessageEmbed {
	t.Helper()
	edits := s.allEdits()
	if len(edits) > 0 {
		e := edits[len(edits)-1]
		require.NotNil(t, e.Embeds)
		return *e.Embeds
	}
	responses := s.allResponses()
	require.NotEmpty(t, responses)
	r := responses[len(responses)-1]
	require.NotNil(t, r.Data)
	return r.Data.Embeds
}

func newDiscordUser(t testing.TB) *discordgo.User {
	t.Helper()
	return &discordgo.User{
		ID:         "u_" + t.Name(),
		Username:   "someuser",
		GlobalName: "Some User",
	}
}

// newManagerMember returns a guild member holding the manager role
func newManagerMember(t testing.TB) *discordgo.Member {
	t.Helper()
	return &discordgo.Member{
		User:    newDiscordUser(t),
		Nick:    "Manager",
		Roles:   []string{testManagerRole},
		GuildID: testGuildID,
	}
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func attachmentOption(name, attachmentID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionAttachment,
		Value: attachmentID,
	}
}

// newTagInteraction returns a /tag slash command interaction from member
func newTagInteraction(
	t testing.TB,
	member *discordgo.Member,
	subcommand string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "i_" + t.Name(),
			AppID:     testAppID,
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   testGuildID,
			ChannelID: testChannelID,
			Member:    member,
			Token:     "interaction-token",
			Data: discordgo.ApplicationCommandInteractionData{
				ID:          "tag_command_id",
				Name:        slashCommandTag,
				CommandType: discordgo.ChatApplicationCommand,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:    subcommand,
						Type:    discordgo.ApplicationCommandOptionSubCommand,
						Options: options,
					},
				},
			},
		},
	}
}

func newButtonClick(customID string, member *discordgo.Member) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "click_" + customID,
			Type:      discordgo.InteractionMessageComponent,
			GuildID:   testGuildID,
			ChannelID: testChannelID,
			Member:    member,
			Data: discordgo.MessageComponentInteractionData{
				CustomID:      customID,
				ComponentType: discordgo.ButtonComponent,
			},
		},
	}
}

// fakeInvocation is a TagInvocation which records what's sent
type fakeInvocation struct {
	author     Mention
	authorName string
	target     *Mention
	targetName string
	channelID  string
	guildID    string

	sent    []*RenderedTag
	replies []string
}

func (f *fakeInvocation) Author() Mention {
	return f.author
}

func (f *fakeInvocation) AuthorName() string {
	return f.authorName
}

func (f *fakeInvocation) Target() *Mention {
	return f.target
}

func (f *fakeInvocation) TargetName(context.Context) string {
	return f.targetName
}

func (f *fakeInvocation) ChannelID() string {
	return f.channelID
}

func (f *fakeInvocation) GuildID() string {
	return f.guildID
}

func (f *fakeInvocation) Send(_ context.Context, tag *RenderedTag) error {
	f.sent = append(f.sent, tag)
	return nil
}

func (f *fakeInvocation) Reply(_ context.Context, content string, _ time.Duration) error {
	f.replies = append(f.replies, content)
	return nil
}

// fakeSheetAppender records appended rows, failing for sheets in fail
type fakeSheetAppender struct {
	mu   sync.Mutex
	rows map[string][]map[string]any
	fail map[string]bool
}

func newFakeSheetAppender() *fakeSheetAppender {
	return &fakeSheetAppender{
		rows: map[string][]map[string]any{},
		fail: map[string]bool{},
	}
}

func (f *fakeSheetAppender) AppendRow(_ context.Context, sheet string, row map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[sheet] {
		return fmt.Errorf("sheet %s unavailable", sheet)
	}
	f.rows[sheet] = append(f.rows[sheet], row)
	return nil
}

func (f *fakeSheetAppender) sheetRows(sheet string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[sheet]
}

// addTestTag creates a tag in the bot's store and cache
func addTestTag(t testing.TB, bot *TagBot, name, response, attachment string) Tag {
	t.Helper()
	created, err := bot.store.Add(context.Background(), NewTag(name, response, attachment))
	require.NoError(t, err)
	bot.tags.Upsert(*created)
	return *created
}

// waitFor polls cond until it's true or the timeout passes
func waitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met after %s", timeout)
}
