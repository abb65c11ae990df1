package bocchi

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureStarterEmbeds() []*discordgo.MessageEmbed {
	return []*discordgo.MessageEmbed{
		{
			Title: "Conversation",
			Color: 0x00FF00,
			Fields: []*discordgo.MessageEmbedField{
				{Name: starterFieldPrompt, Value: "opening prompt"},
				{Name: starterFieldBehavior, Value: "Default"},
				{Name: starterFieldThread, Value: "<#thread1>"},
			},
		},
	}
}

func TestPruneExpiredConversations(t *testing.T) {
	ctx := context.Background()
	session := newRecordingSession()
	bot := newTestBot(t, session)

	session.channels["thread1"] = &discordgo.Channel{
		ID:       "thread1",
		ParentID: "parent1",
		Type:     discordgo.ChannelTypeGuildPublicThread,
	}
	session.messages[messageKey("parent1", "starter1")] = &discordgo.Message{
		ID:        "starter1",
		ChannelID: "parent1",
		Embeds:    fixtureStarterEmbeds(),
	}

	expired := &Conversation{
		ChannelID: "thread1",
		MessageID: "starter1",
		ExpiresAt: time.Now().Add(-time.Hour).UnixMilli(),
	}
	live := &Conversation{
		ChannelID: "thread2",
		MessageID: "starter2",
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
	}
	pinned := &Conversation{
		ChannelID: "thread3",
		MessageID: "starter3",
	}
	for _, conversation := range []*Conversation{expired, live, pinned} {
		_, err := bot.db.Create(ctx, conversation)
		require.NoError(t, err)
	}

	bot.pruneExpiredConversations(ctx)

	assert.Equal(t, []string{"thread1"}, session.deletedChannelIDs())

	edits := session.messageEdits()
	require.Len(t, edits, 1)
	assert.Equal(t, "parent1", edits[0].Channel)
	assert.Equal(t, "starter1", edits[0].ID)
	require.NotNil(t, edits[0].Embeds)
	require.Len(t, *edits[0].Embeds, 1)
	embed := (*edits[0].Embeds)[0]
	assert.Equal(t, prunedEmbedDescription, embed.Description)
	assert.Equal(t, prunedEmbedColor, embed.Color)
	require.Len(t, embed.Fields, 2)
	for _, field := range embed.Fields {
		assert.NotEqual(t, starterFieldThread, field.Name)
	}

	var remaining []Conversation
	require.NoError(t, bot.db.DB().Find(&remaining).Error)
	require.Len(t, remaining, 2)
	for _, conversation := range remaining {
		assert.NotEqual(t, "thread1", conversation.ChannelID)
	}
}

func TestPruneExpiredConversations_Disabled(t *testing.T) {
	ctx := context.Background()
	session := newRecordingSession()
	bot := newTestBot(t, session)
	bot.config.Bot.PruneInterval = 0

	_, err := bot.db.Create(
		ctx, &Conversation{
			ChannelID: "thread1",
			MessageID: "starter1",
			ExpiresAt: time.Now().Add(-time.Hour).UnixMilli(),
		},
	)
	require.NoError(t, err)

	bot.pruneExpiredConversations(ctx)

	assert.Empty(t, session.deletedChannelIDs())
	var count int64
	require.NoError(t, bot.db.DB().Model(&Conversation{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPruneConversation_ThreadFetchFailure(t *testing.T) {
	ctx := context.Background()
	session := newRecordingSession()
	bot := newTestBot(t, session)

	conversation := Conversation{
		ChannelID: "gone-thread",
		MessageID: "starter1",
		ExpiresAt: time.Now().Add(-time.Hour).UnixMilli(),
	}
	_, err := bot.db.Create(ctx, &conversation)
	require.NoError(t, err)

	bot.pruneConversation(ctx, conversation)

	// the thread delete is still attempted and the record still removed
	assert.Equal(t, []string{"gone-thread"}, session.deletedChannelIDs())
	assert.Empty(t, session.messageEdits())
	var count int64
	require.NoError(t, bot.db.DB().Model(&Conversation{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDestroyConversation(t *testing.T) {
	ctx := context.Background()

	t.Run(
		"with a persisted record", func(t *testing.T) {
			session := newRecordingSession()
			bot := newTestBot(t, session)
			_, err := bot.db.Create(
				ctx, &Conversation{
					ChannelID: "thread1",
					MessageID: "starter1",
				},
			)
			require.NoError(t, err)

			bot.destroyConversation(
				ctx, &discordgo.Channel{ID: "thread1", ParentID: "parent1"},
			)

			assert.Equal(t, []string{"thread1"}, session.deletedChannelIDs())
			deleted := session.deletedMessageIDs()
			require.Len(t, deleted, 1)
			assert.Equal(t, "parent1", deleted[0].ChannelID)
			assert.Equal(t, "starter1", deleted[0].MessageID)

			var count int64
			require.NoError(
				t, bot.db.DB().Model(&Conversation{}).Count(&count).Error,
			)
			assert.Zero(t, count)
		},
	)

	t.Run(
		"without a record the thread ID stands in", func(t *testing.T) {
			session := newRecordingSession()
			bot := newTestBot(t, session)

			bot.destroyConversation(
				ctx, &discordgo.Channel{ID: "thread2", ParentID: "parent1"},
			)

			assert.Equal(t, []string{"thread2"}, session.deletedChannelIDs())
			deleted := session.deletedMessageIDs()
			require.Len(t, deleted, 1)
			assert.Equal(t, "thread2", deleted[0].MessageID)
		},
	)
}
