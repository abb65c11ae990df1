//nolint:lll // struct tags can't be split
package bocchi

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"
)

const (
	EnvvarSetEnvPrefix = "BOCCHI_ENV_PREFIX"
	DefaultEnvPrefix   = "BOCCHI"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "bocchi.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultBotName     = "Bocchi"
	DefaultInstruction = "You are Bocchi, a helpful assistant."

	// DefaultThreadPrefix marks thread names the bot should respond in.
	DefaultThreadPrefix = "\U0001F4AC"

	// DefaultReplyDebounce is how long an inbound message handler waits
	// before doing any real work, so rapid-fire messages collapse into a
	// single response cycle via the staleness check.
	DefaultReplyDebounce = 2 * time.Second

	// DefaultTypingInterval is how often the typing indicator is refreshed
	// while a completion is in flight.
	DefaultTypingInterval = 5 * time.Second

	DefaultSchedulerInterval = time.Minute

	DefaultOpenAIModel                = openai.GPT3Dot5Turbo
	DefaultOpenAIVisionModel          = openai.GPT4o
	DefaultOpenAITemperature          = 0.7
	DefaultOpenAIMaxTokens            = 500
	DefaultOpenAIMaxRequestsPerSecond = 1
	DefaultOpenAILogLevel             = slog.LevelInfo

	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultGatewayIntents    = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	DefaultWebhookListen      = "127.0.0.1:3000"
	DefaultWebhookExternalURL = "http://localhost:3000"
	DefaultWebhookLogLevel    = slog.LevelInfo
	DefaultWebhookTLSVersion  = tls.VersionTLS12
	DefaultReadTimeout        = 5 * time.Second
	DefaultReadHeaderTimeout  = 5 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultIdleTimeout        = 30 * time.Second
	defaultListenNetwork      = "tcp"

	// discordMaxMessageLength is the hard display ceiling for a single
	// discord message.
	discordMaxMessageLength = 2000
)

// Config is the top-level static configuration, loaded once at startup
// and threaded through component constructors. There are no module-level
// config singletons.
type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" validate:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds initialization. If it elapses, startup aborts.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Bot configures conversation behavior
	Bot *BotConfig `yaml:"bot" mapstructure:"bot" json:"bot"`

	// OpenAI holds the configuration for the completion backend
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Webhook configures the webhook HTTP server
	Webhook *WebhookConfig `yaml:"webhook" mapstructure:"webhook" json:"webhook"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks the configuration using its `validate` tags.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// BotConfig configures conversation behavior: the default system
// instruction, thread naming, pruning and pacing.
type BotConfig struct {
	// Name the bot refers to itself as
	Name string `yaml:"name" mapstructure:"name" json:"name"`

	// Instruction is the default system instruction, used when a thread
	// doesn't carry its own behavior override
	Instruction string `yaml:"instruction" mapstructure:"instruction" json:"instruction"`

	// ThreadPrefix limits thread responses to threads whose name starts
	// with this prefix. Empty disables the check.
	ThreadPrefix string `yaml:"thread_prefix" mapstructure:"thread_prefix" json:"thread_prefix"`

	// PruneInterval, in hours, is how long an inactive thread conversation
	// lives before being pruned. 0 disables pruning.
	PruneInterval int `yaml:"prune_interval" mapstructure:"prune_interval" json:"prune_interval" validate:"min=0"`

	// ReplyDebounce is the fixed delay before an inbound message is processed
	ReplyDebounce time.Duration `yaml:"reply_debounce" mapstructure:"reply_debounce" json:"reply_debounce"`

	// TypingInterval is how often the typing indicator is refreshed during dispatch
	TypingInterval time.Duration `yaml:"typing_interval" mapstructure:"typing_interval" json:"typing_interval"`

	// SchedulerInterval is the periodic tick driving pruning and RSS polling
	SchedulerInterval time.Duration `yaml:"scheduler_interval" mapstructure:"scheduler_interval" json:"scheduler_interval"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" validate:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" validate:"required"`

	// GuildID specifies the guild ID used when registering slash commands,
	// and for uptime status events. Leave empty for global commands.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// RSSChannelID is the channel new RSS items are announced in.
	// Empty disables RSS polling.
	RSSChannelID string `yaml:"rss_channel_id" mapstructure:"rss_channel_id" json:"rss_channel_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// OpenAIConfig configures the completion backend.
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" validate:"required"`

	// BaseURL overrides the API base URL, for proxies or compatible backends
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// Model used for chat completions
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	// VisionModel used for the image-annotation side path
	VisionModel string `yaml:"vision_model" mapstructure:"vision_model" json:"vision_model"`

	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature"`

	// MaxTokens doubles as the per-message history budget: the context
	// builder allows MaxTokens tokens per message of history fetched.
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" validate:"min=1"`

	// MaxRequestsPerSecond limits completion backend requests
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" validate:"min=1"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// WebhookConfig configures the webhook HTTP server.
type WebhookConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:3000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" validate:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" validate:"oneof=tcp tcp4 tcp6 unix"`

	// ExternalURL is the public base URL, used when logging ready-to-use
	// webhook endpoint URLs.
	ExternalURL string `yaml:"external_url" mapstructure:"external_url" json:"external_url"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the webhook server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		xWebhookSecretHeader,
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:  []string{},
		AllowMethods:  defaultMethods,
		AllowHeaders:  defaultHeaders,
		ExposeHeaders: defaultExpose,
		MaxAge:        DefaultCORSMaxAge,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	webhookLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	webhookLogLevel.Set(DefaultWebhookLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Bot: &BotConfig{
			Name:              DefaultBotName,
			Instruction:       DefaultInstruction,
			ThreadPrefix:      DefaultThreadPrefix,
			ReplyDebounce:     DefaultReplyDebounce,
			TypingInterval:    DefaultTypingInterval,
			SchedulerInterval: DefaultSchedulerInterval,
		},
		OpenAI: &OpenAIConfig{
			Model:                DefaultOpenAIModel,
			VisionModel:          DefaultOpenAIVisionModel,
			Temperature:          DefaultOpenAITemperature,
			MaxTokens:            DefaultOpenAIMaxTokens,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			LogLevel:             openaiLogLevel,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultGatewayIntents,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Webhook: &WebhookConfig{
			Listen:        DefaultWebhookListen,
			ListenNetwork: defaultListenNetwork,
			ExternalURL:   DefaultWebhookExternalURL,
			SSL: SSLConfig{
				TLSMinVersion: DefaultWebhookTLSVersion,
			},
			LogLevel:          webhookLogLevel,
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
