package tagbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

const (
	discordEventInteractionCreate = "INTERACTION_CREATE"
	tagReloadTimeout              = 30 * time.Second
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/tagbot/tagbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// TagBot runs the tag commands: prefix commands read from messages, and
// the /tag slash command for managing tags.
type TagBot struct {
	config *Config

	// read connection
	db *gorm.DB

	// gorm.DB wrapper for write operations. With sqlite, writes are
	// serialized.
	writeDB DBI

	store TagStore

	// in-memory tags that prefix commands and autocomplete are served from
	tags *TagCache

	// tells other instances sharing the database about tag changes and
	// stop requests
	notifier TagNotifier

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	api     *API

	// Provides a webhook endpoint to use to receive Discord
	// interactions when the websocket/gateway isn't being used
	discordWebhookServer *DiscordWebhookServer

	// Handler for interactions received via webhook
	webhookInteractionHandler func(c *gin.Context)

	stats    *UsageStats
	exporter *StatsExporter
	errors   *ErrorReporter

	authorizer Authorizer

	// pending confirmation dialogs, waiting on button clicks
	components *componentWaiters

	// random source for tag rendering. nil uses the global source, which
	// is safe for concurrent handlers; a *rand.Rand isn't, so only set
	// this when handlers run one at a time.
	random *rand.Rand

	// used to download tag attachments
	httpClient *http.Client

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished starting
	signalReady chan struct{}

	triggerTagReloadCh chan bool

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// tracks message and interaction handlers still running
	handlersWG sync.WaitGroup

	startedAt time.Time

	// getInteractionHandlerFunc returns the InteractionHandler for a
	// received interaction, so commands run the same way whether they
	// arrived over the gateway or the webhook server
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates a TagBot from the given config. The database and discord
// session aren't opened until [TagBot.Run].
func New(config *Config) (*TagBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &TagBot{
		config:             config,
		tags:               NewTagCache(),
		stats:              NewUsageStats(),
		components:         newComponentWaiters(),
		authorizer:         newRoleAuthorizer(config.Tags.ManagerRoleIDs...),
		httpClient:         config.HTTPClient,
		signalStop:         make(chan struct{}, 1),
		signalReady:        make(chan struct{}, 1),
		triggerTagReloadCh: make(chan bool, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.config.Discord.httpClient = b.config.HTTPClient

	disc, err := newDiscord(b.config.Discord)
	if err != nil {
		errs = append(errs, err)
		return b, errors.Join(errs...)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	disc.b = b
	b.discord = disc

	b.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		return GatewayHandler{
			session:     b.discord.session,
			interaction: i,
			logger:      b.logger.With(interactionLogGroup(i.Interaction)),
		}
	}

	if config.API.Enabled {
		api, e := newAPI(b, config.API)
		errs = append(errs, e)
		b.api = api
	}

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(b, config.Discord.WebhookServer)
		errs = append(errs, e)
		b.discordWebhookServer = webhookServer
	}

	return b, errors.Join(errs...)
}

func (b *TagBot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Run opens the database, loads tags and connects to discord, then
// blocks until ctx is canceled or a stop signal is received.
func (b *TagBot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	b.webhookInteractionHandler = webhookReceiveHandler(ctx, b)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		b.closeDB()
		return err
	}
	logger.InfoContext(ctx, "init complete", "tags", b.tags.Len())

	g, gctx := errgroup.WithContext(ctx)

	if b.api != nil {
		g.Go(
			func() error {
				if err := b.api.Serve(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("error serving api: %w", err)
				}
				return nil
			},
		)
	}
	if b.discordWebhookServer != nil {
		g.Go(
			func() error {
				err := b.discordWebhookServer.Serve(gctx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("error serving webhook server: %w", err)
				}
				return nil
			},
		)
	}

	g.Go(
		func() error {
			b.watchTagReloads(gctx)
			return nil
		},
	)
	for _, channel := range []string{b.notifier.TagsChannelName(), b.notifier.StopChannelName()} {
		if channel == "" {
			continue
		}
		g.Go(
			func() error {
				if e := b.notifier.Listen(gctx, channel); e != nil {
					logger.ErrorContext(gctx, "error listening for notifications", tint.Err(e), "channel", channel)
				}
				return nil
			},
		)
	}

	if err := b.initDiscordSession(gctx); err != nil {
		cancel()
		return errors.Join(err, b.shutdown(g))
	}

	if err := b.exporter.Start(gctx); err != nil {
		cancel()
		return errors.Join(err, b.shutdown(g))
	}

	select {
	case b.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the runtime context - generally an
	// interrupt, the `/api/quit` endpoint, or a server failing
	<-gctx.Done()
	cancel()

	return b.shutdown(g)
}

// initRun opens the database, loads tags and sets up everything that
// depends on the database or discord session
func (b *TagBot) initRun(ctx context.Context) error {
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	notifier, err := newTagNotifier(b)
	if err != nil {
		return fmt.Errorf("error creating tag notifier: %w", err)
	}
	b.notifier = notifier

	if err = b.tags.Load(ctx, b.store); err != nil {
		return fmt.Errorf("error loading tags: %w", err)
	}

	if b.discord.session == nil {
		session, sessionErr := b.discord.newSession()
		if sessionErr != nil {
			return sessionErr
		}
		b.discord.session = session
	}

	if b.errors == nil {
		reporter, reporterErr := newErrorReporter(
			b.discord.session,
			b.config.Discord.ErrorWebhookURL,
			b.config.Tags.CleanDelay,
			b.logger.With(loggerNameKey, "error_reporter"),
		)
		if reporterErr != nil {
			return reporterErr
		}
		b.errors = reporter
	}

	if b.exporter == nil {
		statsLogger := slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     b.config.Stats.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "stats")

		var sheets SheetAppender
		if b.config.Stats.Enabled && b.config.Stats.SpreadsheetID != "" {
			appender, sheetsErr := newGoogleSheetAppender(
				ctx,
				b.config.Stats.SpreadsheetID,
				b.config.Stats.CredentialsFile,
				nil,
				statsLogger,
			)
			if sheetsErr != nil {
				return sheetsErr
			}
			sheets = appender
		}
		exporter, exporterErr := newStatsExporter(
			b.stats,
			sheets,
			b.config.Stats,
			b.errors,
			statsLogger,
		)
		if exporterErr != nil {
			return exporterErr
		}
		b.exporter = exporter
	}
	return nil
}

func (b *TagBot) initDB(ctx context.Context) error {
	if b.db != nil && b.writeDB != nil {
		if b.store == nil {
			b.store = NewTagStore(b.writeDB)
		}
		return nil
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, b.config.DatabaseSlowThreshold)
	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	b.db = db

	if b.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}
	if err = migrateDB(ctx, db); err != nil {
		return err
	}

	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	b.store = NewTagStore(b.writeDB)
	return nil
}

// initDiscordSession adds the gateway event handlers, opens the
// websocket connection and, if configured, registers the /tag command
func (b *TagBot) initDiscordSession(ctx context.Context) error {
	logger := b.logger.With(loggerNameKey, "discord_session")
	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	session := b.discord.session
	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.Event) {
				b.stats.IncEvent(e.Type)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				b.handlersWG.Add(1)
				go func() {
					defer b.handlersWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.goHandleMessage(ctx, m.Message)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
				b.goHandleMessage(ctx, m.Message)
			},
		),
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if b.config.Discord.RegisterCommands {
		if _, err := b.discord.registerCommands(); err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
	}
	return nil
}

func (b *TagBot) goHandleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil {
		return
	}
	b.handlersWG.Add(1)
	go func() {
		defer b.handlersWG.Done()
		if b.config.RecoverPanic {
			defer func() {
				if rc := recover(); rc != nil {
					b.handleRecover(ctx, rc, m)
				}
			}()
		}
		b.handleMessage(ctx, m)
	}()
}

// watchTagReloads reloads the tag cache whenever another instance says
// the tags changed
func (b *TagBot) watchTagReloads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.triggerTagReloadCh:
			b.reloadTags(ctx)
		}
	}
}

func (b *TagBot) reloadTags(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, tagReloadTimeout)
	defer cancel()
	if err := b.tags.Load(reloadCtx, b.store); err != nil {
		b.logger.ErrorContext(ctx, "error reloading tags", tint.Err(err))
		return
	}
	b.logger.InfoContext(ctx, "reloaded tags", "tags", b.tags.Len())
}

// notifyTagsChanged tells other instances to reload their tags. The
// local cache is expected to already be up to date.
func (b *TagBot) notifyTagsChanged(ctx context.Context) {
	if b.notifier == nil {
		return
	}
	if !b.notifier.ReloadTags(ctx) {
		b.logger.WarnContext(ctx, "unable to notify other instances of tag change")
	}
}

// handleInteraction handles an interaction received over either the
// gateway or the webhook server
func (b *TagBot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	if logger == nil {
		logger = b.logger
	}
	ctx = WithLogger(ctx, logger)

	if b.config.RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				b.handleRecover(ctx, rc, handler)
			}
		}()
	}

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	}

	// gateway interactions are already counted by the generic event handler
	if handler.InteractionReceiveMethod() == discordInteractionReceiveMethodWebhook {
		b.stats.IncEvent(discordEventInteractionCreate)
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}
	logger.InfoContext(ctx, "received new interaction", "user_id", discordUser.ID)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if b.writeDB != nil {
		interactionLog, err := newInteractionLog(i, discordUser, handler)
		if err != nil {
			logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, createErr := b.writeDB.Create(ctx, interactionLog); createErr != nil {
					logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
				}
			}()
		}
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommandAutocomplete:
		if i.ApplicationCommandData().Name != slashCommandTag {
			return
		}
		if err := b.tagAutocomplete(ctx, handler); err != nil {
			logger.ErrorContext(ctx, "error responding to autocomplete", tint.Err(err))
		}
	case discordgo.InteractionMessageComponent:
		if !b.components.deliver(i) {
			logger.DebugContext(ctx, "no one waiting on component", "custom_id", i.MessageComponentData().CustomID)
		}
		err := handler.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate},
		)
		if err != nil {
			logger.ErrorContext(ctx, "error acknowledging component", tint.Err(err))
		}
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		if data.Name != slashCommandTag {
			logger.WarnContext(ctx, "unknown command", "command", data.Name)
			return
		}
		name := data.Name
		if len(data.Options) > 0 {
			name = name + " " + data.Options[0].Name
		}
		b.stats.IncInteraction(name)

		if err := b.runTagCommand(ctx, handler); err != nil {
			logger.ErrorContext(ctx, "error running tag command", tint.Err(err))
			b.errors.Report(ctx, err, handler)
		}
	}
}

// handleRecover logs and reports a recovered panic. source is passed to
// [ErrorReporter.Report].
func (b *TagBot) handleRecover(ctx context.Context, rc any, source any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	err := &panicError{value: rc, stack: debug.Stack()}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		tint.Err(err),
		"stack_trace", err.Stack(),
	)
	b.errors.Report(ctx, err, source)
}

// shutdown disconnects from discord, saves the stats counters and stops
// the servers, waiting up to Config.ShutdownTimeout for running handlers
// to finish
func (b *TagBot) shutdown(g *errgroup.Group) error {
	b.logger.Warn("shutting down")

	closeCtx, closeCancel := context.WithTimeout(context.Background(), b.config.ShutdownTimeout)
	defer closeCancel()

	var errs []error

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}
	b.discord.discordgoRemoveHandlerFuncs = nil
	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			b.logger.Warn("error closing discord session", tint.Err(err))
		}
	}

	if b.exporter != nil {
		b.exporter.Stop(closeCtx)
		if err := b.exporter.SaveSnapshot(); err != nil {
			b.logger.Error("error saving stats snapshot", tint.Err(err))
			errs = append(errs, err)
		} else {
			b.logger.Info("saved stats snapshot")
		}
	}

	handlersDone := make(chan struct{})
	go func() {
		b.handlersWG.Wait()
		close(handlersDone)
	}()
	select {
	case <-handlersDone:
	case <-closeCtx.Done():
		b.logger.Warn("handlers did not finish in time")
	}

	if b.api != nil {
		if err := b.api.httpServer.Shutdown(closeCtx); err != nil {
			b.logger.Warn("error shutting down api", tint.Err(err))
			_ = b.api.httpServer.Close()
		}
	}
	if b.discordWebhookServer != nil {
		if err := b.discordWebhookServer.httpServer.Shutdown(closeCtx); err != nil {
			b.logger.Warn("error shutting down webhook server", tint.Err(err))
			_ = b.discordWebhookServer.httpServer.Close()
		}
	}

	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	b.closeDB()

	b.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (b *TagBot) closeDB() {
	if b.db == nil {
		return
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return
	}
	if err = sqlDB.Close(); err != nil {
		b.logger.Warn("error closing database", tint.Err(err))
	}
}
