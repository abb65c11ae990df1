package bocchi

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// pruneCommand destroys the conversation it's sent in, immediately.
	pruneCommand = "!prune"

	// channelHistoryLimit is how many messages are fetched when
	// assembling a conversation context. Discord's API ceiling.
	channelHistoryLimit = 100

	// failureNoticeTTL is how long an unexpected-error notice stays
	// visible before the bot deletes it.
	failureNoticeTTL = 8 * time.Second

	// maxAttachmentBytes caps attachment downloads when resolving
	// images into data URIs.
	maxAttachmentBytes = 8 << 20

	// failureFieldMaxLength caps the original-message field echoed in a
	// failure notice. Discord embed field values max out at 1024.
	failureFieldMaxLength = 1024

	failureEmbedColor = 0xFF0000
)

// handleMessageCreate is the gateway MessageCreate handler. It decides
// whether the message belongs to a conversation the bot participates in
// (a DM channel, or a thread the bot opened) and hands it off to the
// response pipeline in a new goroutine.
func (b *Bocchi) handleMessageCreate(
	_ *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == b.botUserID() {
		return
	}
	// Only plain user messages feed the pipeline: no system messages,
	// no embeds, no mentions of other members, and no empty bodies.
	if m.Type != discordgo.MessageTypeDefault {
		return
	}
	if m.Content == "" && len(m.Attachments) == 0 {
		return
	}
	if len(m.Embeds) > 0 || len(m.Mentions) > 0 {
		return
	}

	ctx := b.runContext()
	logger := b.logger.With(
		loggerNameKey, "messages",
		"channel_id", m.ChannelID,
		"message_id", m.ID,
	)

	channel, err := b.discord.session.Channel(m.ChannelID)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching channel", tint.Err(err))
		return
	}

	switch {
	case channel.Type == discordgo.ChannelTypeDM:
		if strings.TrimSpace(m.Content) == pruneCommand {
			go b.pruneDirectMessages(WithLogger(ctx, logger), m.ChannelID)
			return
		}
		go b.respondDirectMessage(WithLogger(ctx, logger), m.Message)
	case b.isConversationThread(channel):
		if strings.TrimSpace(m.Content) == pruneCommand {
			go b.destroyConversation(WithLogger(ctx, logger), channel)
			return
		}
		go b.respondThread(WithLogger(ctx, logger), m.Message, channel)
	}
}

// pruneDirectMessages deletes the bot's own messages from a DM channel.
// Bots can't delete the other party's DMs, so this clears only our side.
func (b *Bocchi) pruneDirectMessages(ctx context.Context, channelID string) {
	logger := ContextLogger(ctx)
	messages, err := b.discord.session.ChannelMessages(
		channelID, channelHistoryLimit, "", "", "",
	)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching DM history", tint.Err(err))
		return
	}
	for _, msg := range messages {
		if msg.Author == nil || msg.Author.ID != b.botUserID() {
			continue
		}
		if err = b.discord.session.ChannelMessageDelete(
			channelID, msg.ID,
		); err != nil {
			logger.WarnContext(
				ctx,
				"error deleting own DM",
				tint.Err(err),
				"message_id", msg.ID,
			)
		}
	}
}

// isConversationThread reports whether the channel is a thread the bot
// should converse in: a public thread it owns, named with the
// configured prefix (when one is set).
func (b *Bocchi) isConversationThread(channel *discordgo.Channel) bool {
	if channel.Type != discordgo.ChannelTypeGuildPublicThread &&
		channel.Type != discordgo.ChannelTypeGuildPrivateThread {
		return false
	}
	if channel.OwnerID != b.botUserID() {
		return false
	}
	if channel.ThreadMetadata != nil &&
		(channel.ThreadMetadata.Archived || channel.ThreadMetadata.Locked) {
		return false
	}
	prefix := b.config.Bot.ThreadPrefix
	return prefix == "" || strings.HasPrefix(channel.Name, prefix)
}

// respondThread runs the response pipeline for a thread conversation:
// refresh the conversation's expiry, debounce, check staleness, build
// the context from thread history, dispatch, re-check staleness, and
// send the reply as a single message in the thread.
func (b *Bocchi) respondThread(
	ctx context.Context,
	message *discordgo.Message,
	channel *discordgo.Channel,
) {
	logger := ContextLogger(ctx)

	if !b.debounce(ctx) {
		return
	}
	if !isLastMessage(ctx, b.discord.session, logger, message, b.botUserID()) {
		logger.InfoContext(ctx, "message superseded before dispatch, skipping")
		return
	}

	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	go b.typingLoop(typingCtx, message.ChannelID)

	history, err := b.discord.session.ChannelMessages(
		message.ChannelID, channelHistoryLimit, message.ID, "", "",
	)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching thread history", tint.Err(err))
		return
	}
	// the starter lives in the parent channel (thread ID == starter
	// message ID) and isn't part of the thread's own history
	if channel.ParentID != "" {
		starter, starterErr := b.discord.session.ChannelMessage(
			channel.ParentID, channel.ID,
		)
		if starterErr != nil {
			logger.WarnContext(
				ctx, "error fetching thread starter", tint.Err(starterErr),
			)
		} else {
			history = append(history, starter)
		}
	}
	b.resolveImageAttachments(ctx, append(history, message))

	contextMessages := b.contextBuilder.buildThreadContext(
		history, message, b.botUserID(),
	)
	outcome := b.openai.CreateChatCompletion(ctx, contextMessages)
	stopTyping()

	if !isLastMessage(ctx, b.discord.session, logger, message, b.botUserID()) {
		logger.InfoContext(ctx, "message superseded during dispatch, discarding")
		return
	}

	ok, isOK := outcome.(CompletionOK)
	if !isOK {
		b.sendFailureNotice(ctx, message.ChannelID, message.Content, outcome)
		return
	}
	if _, err = b.discord.session.ChannelMessageSend(
		message.ChannelID, ok.Text,
	); err != nil {
		return
	}
	b.refreshConversationExpiry(ctx, channel.ID)

	// first exchange in the thread: give it a proper title
	if len(filterHistory(history)) == 0 {
		go b.retitleThread(ctx, channel, message.Content, ok.Text)
	}
}

// respondDirectMessage runs the response pipeline for a DM: debounce,
// staleness check, context from DM history, dispatch, second staleness
// check, then a paginated reply sent chunk by chunk with typing pauses.
func (b *Bocchi) respondDirectMessage(
	ctx context.Context,
	message *discordgo.Message,
) {
	logger := ContextLogger(ctx)

	if !b.debounce(ctx) {
		return
	}
	if !isLastMessage(ctx, b.discord.session, logger, message, b.botUserID()) {
		logger.InfoContext(ctx, "message superseded before dispatch, skipping")
		return
	}

	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	go b.typingLoop(typingCtx, message.ChannelID)

	history, err := b.discord.session.ChannelMessages(
		message.ChannelID, channelHistoryLimit, message.ID, "", "",
	)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching DM history", tint.Err(err))
		return
	}
	b.resolveImageAttachments(ctx, append(history, message))

	contextMessages := b.contextBuilder.buildDirectMessageContext(
		history, message, b.botUserID(),
	)
	outcome := b.openai.CreateChatCompletion(ctx, contextMessages)
	stopTyping()

	if !isLastMessage(ctx, b.discord.session, logger, message, b.botUserID()) {
		logger.InfoContext(ctx, "message superseded during dispatch, discarding")
		return
	}

	ok, isOK := outcome.(CompletionOK)
	if !isOK {
		b.sendFailureNotice(ctx, message.ChannelID, message.Content, outcome)
		return
	}
	b.sendPaginated(ctx, message.ChannelID, ok.Text)
}

// debounce waits out the configured reply delay, returning false if the
// context is canceled first.
func (b *Bocchi) debounce(ctx context.Context) bool {
	timer := time.NewTimer(b.config.Bot.ReplyDebounce)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// typingLoop broadcasts a typing indicator immediately and then on
// every interval tick, until the context is canceled.
func (b *Bocchi) typingLoop(ctx context.Context, channelID string) {
	_ = b.discord.session.ChannelTyping(channelID)
	ticker := time.NewTicker(b.config.Bot.TypingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = b.discord.session.ChannelTyping(channelID)
		}
	}
}

// sendPaginated sends a reply as a sequence of sentence-sized messages,
// pausing before each in proportion to its length.
func (b *Bocchi) sendPaginated(
	ctx context.Context,
	channelID string,
	text string,
) {
	logger := ContextLogger(ctx)
	for _, chunk := range paginateReply(text) {
		_ = b.discord.session.ChannelTyping(channelID)
		delay := replyDelay(chunk)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if _, err := b.discord.session.ChannelMessageSend(
			channelID, chunk,
		); err != nil {
			logger.ErrorContext(ctx, "error sending reply chunk", tint.Err(err))
			return
		}
	}
}

// sendFailureNotice posts the outcome's user-facing message as an
// embed, with the user's original message attached for reference.
// Notices for unexpected errors self-delete after a short window;
// moderation and request errors stay visible.
func (b *Bocchi) sendFailureNotice(
	ctx context.Context,
	channelID string,
	originalMessage string,
	outcome CompletionOutcome,
) {
	logger := ContextLogger(ctx)
	embed := &discordgo.MessageEmbed{
		Title:       "Error",
		Description: outcome.UserMessage(),
		Color:       failureEmbedColor,
	}
	if originalMessage != "" &&
		!strings.HasPrefix(originalMessage, imageDataURIPrefix) {
		embed.Fields = []*discordgo.MessageEmbedField{
			{
				Name:  "Message",
				Value: truncate(originalMessage, failureFieldMaxLength),
			},
		}
	}
	msg, err := b.discord.session.ChannelMessageSendComplex(
		channelID, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending failure notice", tint.Err(err))
		return
	}
	if _, unexpected := outcome.(CompletionUnexpectedError); unexpected {
		time.AfterFunc(
			failureNoticeTTL, func() {
				if delErr := b.discord.session.ChannelMessageDelete(
					channelID, msg.ID,
				); delErr != nil {
					logger.Warn(
						"error deleting failure notice", tint.Err(delErr),
					)
				}
			},
		)
	}
}

// refreshConversationExpiry pushes the thread's prune deadline out by
// the configured interval. Activity in a conversation keeps it alive.
func (b *Bocchi) refreshConversationExpiry(
	ctx context.Context,
	threadID string,
) {
	interval := b.config.Bot.PruneInterval
	if interval == 0 {
		return
	}
	expiresAt := time.Now().Add(
		time.Duration(interval) * time.Hour,
	).UnixMilli()
	if _, err := b.db.UpdatesWhere(
		ctx,
		&Conversation{},
		map[string]any{"expires_at": expiresAt},
		"channel_id = ?",
		threadID,
	); err != nil {
		ContextLogger(ctx).ErrorContext(
			ctx, "error refreshing conversation expiry", tint.Err(err),
		)
	}
}

// retitleThread names a thread after its first exchange, keeping the
// configured prefix. Best-effort.
func (b *Bocchi) retitleThread(
	ctx context.Context,
	channel *discordgo.Channel,
	userMessage string,
	botMessage string,
) {
	title := b.openai.GenerateTitle(ctx, userMessage, botMessage)
	if title == "" {
		return
	}
	name := b.config.Bot.ThreadPrefix + " " + title
	if _, err := b.discord.session.ChannelEditComplex(
		channel.ID, &discordgo.ChannelEdit{Name: name},
	); err != nil {
		ContextLogger(ctx).WarnContext(
			ctx, "error renaming thread", tint.Err(err), "name", name,
		)
	}
}

// resolveImageAttachments downloads each message's first image
// attachment and replaces the message content with a data URI, so the
// context builder and completion dispatcher see the image payload
// inline. Failures leave the message untouched.
func (b *Bocchi) resolveImageAttachments(
	ctx context.Context,
	messages []*discordgo.Message,
) {
	logger := ContextLogger(ctx)
	for _, msg := range messages {
		for _, attachment := range msg.Attachments {
			if !strings.HasPrefix(attachment.ContentType, "image/") {
				continue
			}
			dataURI, err := fetchAttachmentDataURI(
				ctx, b.httpClient, attachment,
			)
			if err != nil {
				logger.WarnContext(
					ctx,
					"error resolving image attachment",
					tint.Err(err),
					"attachment_id", attachment.ID,
				)
				break
			}
			msg.Content = dataURI
			break
		}
	}
}

// fetchAttachmentDataURI downloads an attachment and encodes it as a
// base64 data URI.
func fetchAttachmentDataURI(
	ctx context.Context,
	client *http.Client,
	attachment *discordgo.MessageAttachment,
) (string, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, attachment.URL, nil,
	)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf(
			"attachment fetch returned %d", resp.StatusCode,
		)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"data:%s;base64,%s",
		attachment.ContentType,
		base64.StdEncoding.EncodeToString(data),
	), nil
}
