package bocchi

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// isLastMessage reports whether the given message is still the newest
// message in its channel. Checked after the debounce window and again
// after the completion returns, so a reply is only ever sent for the
// latest user message. The bot's own sends (an earlier reply, a
// failure notice, a paginated chunk) never supersede the message being
// answered. Fails open: if the channel can't be fetched the message is
// treated as current, since dropping a reply is worse than
// occasionally answering a superseded one.
func isLastMessage(
	ctx context.Context,
	handler DiscordSessionHandler,
	logger *slog.Logger,
	message *discordgo.Message,
	botID string,
) bool {
	messages, err := handler.ChannelMessages(
		message.ChannelID, 1, "", "", "",
	)
	if err != nil {
		logger.WarnContext(
			ctx,
			"staleness check failed, treating message as current",
			tint.Err(err),
			"channel_id", message.ChannelID,
		)
		return true
	}
	if len(messages) == 0 {
		return true
	}
	last := messages[0]
	if last.ID == message.ID {
		return true
	}
	return last.Author != nil && last.Author.ID == botID
}
