package bocchi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/radityaharya/bocchi/bocchi.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// Bocchi is the bot: discord gateway handling, the completion
// pipeline, conversation lifecycle, the webhook server and the RSS
// poller, sharing one config, one database and one discord session.
type Bocchi struct {
	config *Config

	// gorm.DB wrapper serializing writes when using sqlite
	db DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord        *Discord
	openai         *OpenAI
	webhook        *WebhookServer
	rss            *rssPoller
	contextBuilder contextBuilder
	httpClient     *http.Client

	// botUser is set once the gateway session is open
	botUser atomic.Pointer[discordgo.User]

	// runCtx is the context Run was called with; gateway handlers
	// derive their work from it so shutdown cancels in-flight replies
	runCtx atomic.Pointer[context.Context]

	// runMu prevents overlapping Run calls
	runMu sync.Mutex

	startedAt time.Time
}

// New assembles a Bocchi from the given config. The discord session
// isn't opened and nothing listens until Run.
func New(config *Config) (*Bocchi, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bocchi{
		config:     config,
		httpClient: config.HTTPClient,
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	dbCtx, cancelDBInit := context.WithTimeout(
		context.Background(), config.StartupTimeout,
	)
	defer cancelDBInit()
	gormDB, err := CreateDB(
		dbCtx,
		config.DatabaseType,
		config.Database,
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.DatabaseLogLevel,
				AddSource: true,
			},
		),
		config.DatabaseSlowThreshold,
	)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}
	b.db = NewDatabase(
		gormDB, b.logger, config.DatabaseType == dbTypePostgres,
	)

	config.Discord.httpClient = config.HTTPClient
	disc := newDiscord(config.Discord)
	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	disc.bot = b
	b.discord = disc

	b.openai = newOpenAI(config.OpenAI, b.db, b.logger)
	b.contextBuilder = newContextBuilder(
		config.Bot.Instruction,
		tokenBudgeter{
			estimate:   defaultTokenEstimator,
			perMessage: config.OpenAI.MaxTokens,
		},
	)

	session, err := disc.newSession()
	if err != nil {
		return nil, err
	}
	disc.session = session

	b.webhook, err = newWebhookServer(
		config.Webhook, b.db, session, config.Discord.GuildID, b.logger,
	)
	if err != nil {
		return nil, fmt.Errorf("error initializing webhook server: %w", err)
	}

	b.rss = newRSSPoller(
		b.db,
		session,
		config.HTTPClient,
		config.Discord.RSSChannelID,
		b.logger,
	)

	return b, nil
}

// botUserID returns the bot's own user ID, or empty before the session
// is open.
func (b *Bocchi) botUserID() string {
	user := b.botUser.Load()
	if user == nil {
		return ""
	}
	return user.ID
}

// runContext returns the context Run was started with, falling back to
// Background before Run (or in tests that call handlers directly).
func (b *Bocchi) runContext() context.Context {
	if ctx := b.runCtx.Load(); ctx != nil {
		return *ctx
	}
	return context.Background()
}

// Run connects to discord, registers commands, starts the webhook
// server and the scheduler, and blocks until the context is canceled.
func (b *Bocchi) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	b.startedAt = time.Now()
	b.runCtx.Store(&ctx)

	removeHandlers := []func(){
		b.discord.session.AddHandler(b.handleMessageCreate),
		b.discord.session.AddHandler(b.handleInteractionCreate),
	}
	b.discord.discordgoRemoveHandlerFuncs = removeHandlers
	defer func() {
		for _, remove := range removeHandlers {
			remove()
		}
	}()

	if err := b.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	defer func() {
		if err := b.discord.session.Close(); err != nil {
			b.logger.Warn("error closing discord session", tint.Err(err))
		}
	}()

	user, err := b.discord.botUser()
	if err != nil {
		return fmt.Errorf("error fetching bot user: %w", err)
	}
	b.botUser.Store(user)
	b.logger.InfoContext(
		ctx,
		"connected to discord",
		"username", user.Username,
		"id", user.ID,
	)

	if err = b.discord.registerCommands(
		b.config.Discord.ApplicationID,
	); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(
		func() error {
			return b.webhook.Serve(groupCtx)
		},
	)
	group.Go(
		func() error {
			b.runScheduler(groupCtx)
			return nil
		},
	)

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runScheduler drives the periodic work: conversation pruning and RSS
// polling. Runs once immediately, then on every tick.
func (b *Bocchi) runScheduler(ctx context.Context) {
	logger := b.logger.With(loggerNameKey, "scheduler")
	interval := b.config.Bot.SchedulerInterval
	if interval <= 0 {
		interval = DefaultSchedulerInterval
	}

	tick := func() {
		b.pruneExpiredConversations(ctx)
		b.rss.pollAll(ctx)
	}

	logger.InfoContext(ctx, "scheduler started", "interval", interval)
	tick()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "scheduler stopped")
			return
		case <-ticker.C:
			tick()
		}
	}
}
