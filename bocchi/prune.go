package bocchi

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	prunedEmbedColor       = 0xFFFF00
	prunedEmbedDescription = "Conversation deleted due to inactivity."

	starterFieldThread = "Thread"
)

// pruneExpiredConversations deletes every conversation whose expiry has
// passed. Runs on the scheduler tick; a failure on one conversation
// doesn't stop the rest.
func (b *Bocchi) pruneExpiredConversations(ctx context.Context) {
	if b.config.Bot.PruneInterval == 0 {
		return
	}
	logger := b.logger.With(loggerNameKey, "prune")

	var expired []Conversation
	if err := b.db.DB().WithContext(ctx).Where(
		"expires_at > 0 AND expires_at <= ?", time.Now().UnixMilli(),
	).Find(&expired).Error; err != nil {
		logger.ErrorContext(
			ctx, "error querying expired conversations", tint.Err(err),
		)
		return
	}

	for i := range expired {
		b.pruneConversation(WithLogger(ctx, logger), expired[i])
	}
}

// pruneConversation deletes an expired conversation's thread and
// rewrites its starter message in the parent channel to note the
// deletion. Discord-side failures are logged and skipped; the record
// is removed regardless, so a half-pruned conversation is never
// retried forever.
func (b *Bocchi) pruneConversation(
	ctx context.Context,
	conversation Conversation,
) {
	logger := ContextLogger(ctx).With(
		"thread_id", conversation.ChannelID,
		"message_id", conversation.MessageID,
	)
	logger.InfoContext(ctx, "pruning expired conversation")

	var parentID string
	if thread, err := b.discord.session.Channel(
		conversation.ChannelID,
	); err == nil {
		parentID = thread.ParentID
	} else {
		logger.WarnContext(
			ctx, "error fetching thread before prune", tint.Err(err),
		)
	}

	if _, err := b.discord.session.ChannelDelete(
		conversation.ChannelID,
	); err != nil {
		logger.WarnContext(ctx, "error deleting thread", tint.Err(err))
	}

	if parentID != "" {
		b.rewritePrunedStarter(ctx, parentID, conversation.MessageID)
	}

	if _, err := b.db.Delete(
		&Conversation{}, "id = ?", conversation.ID,
	); err != nil {
		logger.ErrorContext(
			ctx, "error deleting conversation record", tint.Err(err),
		)
	}
}

// rewritePrunedStarter updates the starter message's embed after its
// thread has been pruned: the deletion notice becomes the description,
// the color changes, and the thread link field is dropped.
func (b *Bocchi) rewritePrunedStarter(
	ctx context.Context,
	parentID string,
	messageID string,
) {
	logger := ContextLogger(ctx)

	starter, err := b.discord.session.ChannelMessage(parentID, messageID)
	if err != nil {
		logger.WarnContext(
			ctx, "error fetching starter message", tint.Err(err),
		)
		return
	}
	if len(starter.Embeds) == 0 {
		return
	}

	embed := starter.Embeds[0]
	embed.Description = prunedEmbedDescription
	embed.Color = prunedEmbedColor
	fields := make([]*discordgo.MessageEmbedField, 0, len(embed.Fields))
	for _, field := range embed.Fields {
		if field.Name == starterFieldThread {
			continue
		}
		fields = append(fields, field)
	}
	embed.Fields = fields

	embeds := []*discordgo.MessageEmbed{embed}
	if _, err = b.discord.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			Channel: parentID,
			ID:      messageID,
			Embeds:  &embeds,
		},
	); err != nil {
		logger.WarnContext(
			ctx, "error rewriting starter message", tint.Err(err),
		)
	}
}

// destroyConversation handles the prune command: the thread and its
// starter message are deleted outright, along with the conversation
// record. Each step is best-effort.
func (b *Bocchi) destroyConversation(
	ctx context.Context,
	thread *discordgo.Channel,
) {
	logger := ContextLogger(ctx).With("thread_id", thread.ID)
	logger.InfoContext(ctx, "destroying conversation on request")

	var conversation Conversation
	messageID := thread.ID
	err := b.db.DB().WithContext(ctx).Where(
		"channel_id = ?", thread.ID,
	).First(&conversation).Error
	switch {
	case err == nil:
		messageID = conversation.MessageID
	case !errors.Is(err, gorm.ErrRecordNotFound):
		logger.ErrorContext(
			ctx, "error looking up conversation", tint.Err(err),
		)
	}

	if _, err = b.discord.session.ChannelDelete(thread.ID); err != nil {
		logger.WarnContext(ctx, "error deleting thread", tint.Err(err))
	}
	if thread.ParentID != "" {
		if err = b.discord.session.ChannelMessageDelete(
			thread.ParentID, messageID,
		); err != nil {
			logger.WarnContext(
				ctx, "error deleting starter message", tint.Err(err),
			)
		}
	}
	if conversation.ID != 0 {
		if _, err = b.db.Delete(
			&Conversation{}, "id = ?", conversation.ID,
		); err != nil {
			logger.ErrorContext(
				ctx, "error deleting conversation record", tint.Err(err),
			)
		}
	}
}
