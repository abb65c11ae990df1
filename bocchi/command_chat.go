package bocchi

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	commandChat  = "chat"
	commandImage = "image"
	commandRSS   = "rss"

	chatOptionMessage  = "message"
	chatOptionBehavior = "behavior"
	imageOptionPrompt  = "prompt"
	rssOptionURL       = "url"

	rssSubcommandAdd    = "add"
	rssSubcommandRemove = "remove"
	rssSubcommandList   = "list"

	// starterFieldPrompt and starterFieldBehavior are the positional
	// field names of the conversation starter embed. The thread context
	// builder reads them back when assembling history, so the names are
	// part of the conversation wire format.
	starterFieldPrompt   = "Message"
	starterFieldBehavior = "Behavior"

	starterEmbedColor = 0x57F287

	threadNameMaxLength      = 100
	threadAutoArchiveMinutes = 1440
)

// applicationCommands returns the bot's slash command definitions.
func applicationCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        commandChat,
			Description: "Start a conversation thread",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        chatOptionMessage,
					Description: "Your opening message",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        chatOptionBehavior,
					Description: "How the bot should behave in this conversation",
					Required:    false,
				},
			},
		},
		{
			Name:        commandImage,
			Description: "Generate an image",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        imageOptionPrompt,
					Description: "What to generate",
					Required:    true,
				},
			},
		},
		{
			Name:        commandRSS,
			Description: "Manage RSS feed subscriptions",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        rssSubcommandAdd,
					Description: "Subscribe to a feed",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        rssOptionURL,
							Description: "Feed URL",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        rssSubcommandRemove,
					Description: "Unsubscribe from a feed",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        rssOptionURL,
							Description: "Feed URL",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        rssSubcommandList,
					Description: "List subscribed feeds",
				},
			},
		},
	}
}

// handleInteractionCreate is the gateway InteractionCreate handler.
func (b *Bocchi) handleInteractionCreate(
	_ *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	ctx := b.runContext()
	logger := b.logger.With(
		loggerNameKey, "commands",
		"command", data.Name,
		"interaction_id", i.ID,
	)

	switch data.Name {
	case commandChat:
		go b.handleChatCommand(WithLogger(ctx, logger), i, data)
	case commandImage:
		go b.handleImageCommand(WithLogger(ctx, logger), i, data)
	case commandRSS:
		go b.handleRSSCommand(WithLogger(ctx, logger), i, data)
	}
}

// handleChatCommand starts a conversation: it posts the starter embed
// as the interaction response, opens a thread on it, records the
// conversation with its expiry, and answers the opening message inside
// the thread.
func (b *Bocchi) handleChatCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	logger := ContextLogger(ctx)
	options := commandOptions(data.Options)

	prompt := options[chatOptionMessage]
	behavior := options[chatOptionBehavior]
	if behavior == "" {
		behavior = instructionDefaultSentinel
	}

	embed := &discordgo.MessageEmbed{
		Color: starterEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  starterFieldPrompt,
				Value: truncate(prompt, failureFieldMaxLength),
			},
			{
				Name:  starterFieldBehavior,
				Value: truncate(behavior, failureFieldMaxLength),
			},
		},
	}
	err := b.discord.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
			},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error responding to chat command", tint.Err(err))
		return
	}
	starter, err := b.discord.session.InteractionResponse(i.Interaction)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching starter message", tint.Err(err))
		return
	}

	threadName := b.config.Bot.ThreadPrefix + " " + prompt
	thread, err := b.discord.session.MessageThreadStartComplex(
		i.ChannelID, starter.ID, &discordgo.ThreadStart{
			Name:                truncate(threadName, threadNameMaxLength),
			AutoArchiveDuration: threadAutoArchiveMinutes,
			Type:                discordgo.ChannelTypeGuildPublicThread,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error starting thread", tint.Err(err))
		return
	}

	var expiresAt int64
	if b.config.Bot.PruneInterval > 0 {
		expiresAt = time.Now().Add(
			time.Duration(b.config.Bot.PruneInterval) * time.Hour,
		).UnixMilli()
	}
	if _, err = b.db.Create(
		ctx, &Conversation{
			ChannelID: thread.ID,
			MessageID: starter.ID,
			ExpiresAt: expiresAt,
		},
	); err != nil {
		logger.ErrorContext(
			ctx, "error recording conversation", tint.Err(err),
		)
	}

	// answer the opening message inside the new thread
	userMessage := &discordgo.Message{
		ID:      starter.ID,
		Content: prompt,
		Author:  interactionUser(i),
	}
	contextMessages := b.contextBuilder.build(nil, userMessage, behavior)

	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	go b.typingLoop(typingCtx, thread.ID)

	outcome := b.openai.CreateChatCompletion(ctx, contextMessages)
	stopTyping()

	ok, isOK := outcome.(CompletionOK)
	if !isOK {
		b.sendFailureNotice(ctx, thread.ID, prompt, outcome)
		return
	}
	if _, err = b.discord.session.ChannelMessageSend(
		thread.ID, ok.Text,
	); err != nil {
		return
	}
	go b.retitleThread(ctx, thread, prompt, ok.Text)
}

// handleImageCommand generates an image from the prompt. The response
// is deferred since generation routinely exceeds the 3-second
// interaction ack window.
func (b *Bocchi) handleImageCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	logger := ContextLogger(ctx)
	prompt := commandOptions(data.Options)[imageOptionPrompt]

	err := b.discord.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error deferring image command", tint.Err(err))
		return
	}

	outcome := b.openai.CreateImage(ctx, prompt)
	content := outcome.UserMessage()
	if _, err = b.discord.session.InteractionResponseEdit(
		i.Interaction, &discordgo.WebhookEdit{Content: &content},
	); err != nil {
		logger.ErrorContext(
			ctx, "error editing image response", tint.Err(err),
		)
	}
}

// handleRSSCommand manages feed subscriptions. All responses are
// ephemeral: subscription changes are operator actions, not channel
// content.
func (b *Bocchi) handleRSSCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	logger := ContextLogger(ctx)
	if len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]
	options := commandOptions(sub.Options)

	var reply string
	switch sub.Name {
	case rssSubcommandAdd:
		if err := b.rss.addFeed(ctx, options[rssOptionURL]); err != nil {
			reply = err.Error()
		} else {
			reply = "Subscribed to " + options[rssOptionURL]
		}
	case rssSubcommandRemove:
		if err := b.rss.removeFeed(ctx, options[rssOptionURL]); err != nil {
			reply = err.Error()
		} else {
			reply = "Unsubscribed from " + options[rssOptionURL]
		}
	case rssSubcommandList:
		feeds, err := b.rss.listFeeds(ctx)
		switch {
		case err != nil:
			reply = "Error listing feeds."
		case len(feeds) == 0:
			reply = "No feeds subscribed."
		default:
			for _, feed := range feeds {
				reply += fmt.Sprintf("- %s\n", feed.URL)
			}
		}
	default:
		return
	}

	if err := b.discord.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: reply,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	); err != nil {
		logger.ErrorContext(ctx, "error responding to rss command", tint.Err(err))
	}
}

// commandOptions flattens interaction options into a name→value map.
func commandOptions(
	options []*discordgo.ApplicationCommandInteractionDataOption,
) map[string]string {
	values := make(map[string]string, len(options))
	for _, option := range options {
		if option.Type == discordgo.ApplicationCommandOptionString {
			values[option.Name] = option.StringValue()
		}
	}
	return values
}

// interactionUser returns the invoking user, which lives in different
// places for guild and DM interactions.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}
