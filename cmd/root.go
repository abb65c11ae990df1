package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/radityaharya/bocchi/bocchi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = bocchi.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "bocchi [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", bocchi.DefaultDatabase)
	viper.SetDefault("database_type", bocchi.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		bocchi.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		bocchi.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", bocchi.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", bocchi.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", bocchi.DefaultShutdownTimeout)

	// Bot config
	viper.SetDefault("bot.name", bocchi.DefaultBotName)
	viper.SetDefault("bot.instruction", bocchi.DefaultInstruction)
	viper.SetDefault("bot.thread_prefix", bocchi.DefaultThreadPrefix)
	viper.SetDefault("bot.prune_interval", 0)
	viper.SetDefault("bot.reply_debounce", bocchi.DefaultReplyDebounce)
	viper.SetDefault("bot.typing_interval", bocchi.DefaultTypingInterval)
	viper.SetDefault(
		"bot.scheduler_interval",
		bocchi.DefaultSchedulerInterval,
	)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.model", bocchi.DefaultOpenAIModel)
	viper.SetDefault("openai.vision_model", bocchi.DefaultOpenAIVisionModel)
	viper.SetDefault("openai.temperature", bocchi.DefaultOpenAITemperature)
	viper.SetDefault("openai.max_tokens", bocchi.DefaultOpenAIMaxTokens)
	viper.SetDefault(
		"openai.max_requests_per_second",
		bocchi.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.log_level", bocchi.DefaultOpenAILogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.rss_channel_id", "")
	viper.SetDefault(
		"discord.log_level",
		bocchi.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		bocchi.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		bocchi.DefaultGatewayIntents,
	)

	// Webhook server
	viper.SetDefault("webhook.listen", bocchi.DefaultWebhookListen)
	viper.SetDefault("webhook.listen_network", "tcp")
	viper.SetDefault("webhook.external_url", bocchi.DefaultWebhookExternalURL)
	viper.SetDefault("webhook.read_timeout", bocchi.DefaultReadTimeout)
	viper.SetDefault(
		"webhook.read_header_timeout",
		bocchi.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("webhook.write_timeout", bocchi.DefaultWriteTimeout)
	viper.SetDefault("webhook.idle_timeout", bocchi.DefaultIdleTimeout)
	viper.SetDefault(
		"webhook.log_level",
		bocchi.DefaultWebhookLogLevel.String(),
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Webhook server: SSL
	fatalErr(viper.BindEnv("webhook.ssl.cert"))
	fatalErr(viper.BindEnv("webhook.ssl.key"))
	fatalErr(viper.BindEnv("webhook.ssl.tls_min_version"))

	// Webhook server: CORS
	viper.SetDefault(
		"webhook.cors.allow_headers",
		bocchi.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"webhook.cors.allow_methods",
		bocchi.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"webhook.cors.expose_headers",
		bocchi.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("webhook.cors.allow_origins", []string{})
	viper.SetDefault("webhook.cors.max_age", bocchi.DefaultCORSMaxAge)
	viper.SetDefault("webhook.cors.allow_credentials", false)

	envPrefix := os.Getenv(bocchi.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = bocchi.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"webhook.cors.allow_headers",
		viper.GetStringSlice("webhook.cors.allow_headers"),
	)
	viper.Set(
		"webhook.cors.allow_origins",
		viper.GetStringSlice("webhook.cors.allow_origins"),
	)
	viper.Set(
		"webhook.cors.allow_methods",
		viper.GetStringSlice("webhook.cors.allow_methods"),
	)
	viper.Set(
		"webhook.cors.expose_headers",
		viper.GetStringSlice("webhook.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"openai.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"webhook.log_level",
	} {
		if !viper.IsSet(key) {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
