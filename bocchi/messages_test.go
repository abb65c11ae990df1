package bocchi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsConversationThread(t *testing.T) {
	bot := newTestBot(t, newMockDiscordSession())
	botID := bot.botUserID()
	prefix := bot.config.Bot.ThreadPrefix

	tests := []struct {
		name     string
		channel  *discordgo.Channel
		expected bool
	}{
		{
			name: "owned public thread with prefix",
			channel: &discordgo.Channel{
				Type:    discordgo.ChannelTypeGuildPublicThread,
				OwnerID: botID,
				Name:    prefix + " Bicycle Advice",
			},
			expected: true,
		},
		{
			name: "owned private thread with prefix",
			channel: &discordgo.Channel{
				Type:    discordgo.ChannelTypeGuildPrivateThread,
				OwnerID: botID,
				Name:    prefix + " Bicycle Advice",
			},
			expected: true,
		},
		{
			name: "plain text channel",
			channel: &discordgo.Channel{
				Type:    discordgo.ChannelTypeGuildText,
				OwnerID: botID,
				Name:    prefix + " Bicycle Advice",
			},
			expected: false,
		},
		{
			name: "thread owned by someone else",
			channel: &discordgo.Channel{
				Type:    discordgo.ChannelTypeGuildPublicThread,
				OwnerID: "someone-else",
				Name:    prefix + " Bicycle Advice",
			},
			expected: false,
		},
		{
			name: "thread without the prefix",
			channel: &discordgo.Channel{
				Type:    discordgo.ChannelTypeGuildPublicThread,
				OwnerID: botID,
				Name:    "Bicycle Advice",
			},
			expected: false,
		},
		{
			name: "archived thread",
			channel: &discordgo.Channel{
				Type:    discordgo.ChannelTypeGuildPublicThread,
				OwnerID: botID,
				Name:    prefix + " Bicycle Advice",
				ThreadMetadata: &discordgo.ThreadMetadata{
					Archived: true,
				},
			},
			expected: false,
		},
		{
			name: "locked thread",
			channel: &discordgo.Channel{
				Type:    discordgo.ChannelTypeGuildPublicThread,
				OwnerID: botID,
				Name:    prefix + " Bicycle Advice",
				ThreadMetadata: &discordgo.ThreadMetadata{
					Locked: true,
				},
			},
			expected: false,
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.expected, bot.isConversationThread(tt.channel))
			},
		)
	}

	t.Run(
		"no prefix configured accepts any name", func(t *testing.T) {
			bot.config.Bot.ThreadPrefix = ""
			defer func() { bot.config.Bot.ThreadPrefix = prefix }()
			assert.True(
				t, bot.isConversationThread(
					&discordgo.Channel{
						Type:    discordgo.ChannelTypeGuildPublicThread,
						OwnerID: botID,
						Name:    "Bicycle Advice",
					},
				),
			)
		},
	)
}

func TestDebounce(t *testing.T) {
	bot := newTestBot(t, newMockDiscordSession())

	assert.True(t, bot.debounce(context.Background()))

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, bot.debounce(canceled))
}

func TestSendFailureNotice(t *testing.T) {
	ctx := context.Background()

	t.Run(
		"invalid request stays visible", func(t *testing.T) {
			session := newRecordingSession()
			bot := newTestBot(t, session)

			bot.sendFailureNotice(
				ctx,
				"chan1",
				"my original message",
				CompletionInvalidRequest{Detail: "model does not exist"},
			)

			sent := session.complexSentMessages()
			require.Len(t, sent, 1)
			require.Len(t, sent[0].Data.Embeds, 1)
			embed := sent[0].Data.Embeds[0]
			assert.Equal(t, "Error", embed.Title)
			assert.Equal(t, "model does not exist", embed.Description)
			assert.Equal(t, failureEmbedColor, embed.Color)
			require.Len(t, embed.Fields, 1)
			assert.Equal(t, "Message", embed.Fields[0].Name)
			assert.Equal(t, "my original message", embed.Fields[0].Value)

			time.Sleep(50 * time.Millisecond)
			assert.Empty(t, session.deletedMessageIDs())
		},
	)

	t.Run(
		"image payload not echoed", func(t *testing.T) {
			session := newRecordingSession()
			bot := newTestBot(t, session)

			bot.sendFailureNotice(
				ctx,
				"chan1",
				"data:image/png;base64,abc",
				CompletionContextLengthExceeded{},
			)

			sent := session.complexSentMessages()
			require.Len(t, sent, 1)
			assert.Empty(t, sent[0].Data.Embeds[0].Fields)
		},
	)

	t.Run(
		"long originals truncated", func(t *testing.T) {
			session := newRecordingSession()
			bot := newTestBot(t, session)

			bot.sendFailureNotice(
				ctx,
				"chan1",
				strings.Repeat("a", 3000),
				CompletionInvalidRequest{Detail: "too long"},
			)

			sent := session.complexSentMessages()
			require.Len(t, sent, 1)
			require.Len(t, sent[0].Data.Embeds[0].Fields, 1)
			assert.Len(
				t,
				sent[0].Data.Embeds[0].Fields[0].Value,
				failureFieldMaxLength,
			)
		},
	)
}

func TestRefreshConversationExpiry(t *testing.T) {
	ctx := context.Background()
	bot := newTestBot(t, newMockDiscordSession())

	_, err := bot.db.Create(
		ctx, &Conversation{ChannelID: "thread1", MessageID: "starter1"},
	)
	require.NoError(t, err)

	before := time.Now()
	bot.refreshConversationExpiry(ctx, "thread1")

	var conversation Conversation
	require.NoError(
		t,
		bot.db.DB().Where("channel_id = ?", "thread1").First(&conversation).Error,
	)
	expected := before.Add(
		time.Duration(bot.config.Bot.PruneInterval) * time.Hour,
	).UnixMilli()
	assert.GreaterOrEqual(t, conversation.ExpiresAt, expected)
	assert.Less(
		t, conversation.ExpiresAt, expected+time.Minute.Milliseconds(),
	)

	t.Run(
		"disabled pruning leaves the record alone", func(t *testing.T) {
			bot.config.Bot.PruneInterval = 0
			defer func() { bot.config.Bot.PruneInterval = 1 }()

			var prior Conversation
			require.NoError(
				t,
				bot.db.DB().Where(
					"channel_id = ?", "thread1",
				).First(&prior).Error,
			)
			bot.refreshConversationExpiry(ctx, "thread1")

			var after Conversation
			require.NoError(
				t,
				bot.db.DB().Where(
					"channel_id = ?", "thread1",
				).First(&after).Error,
			)
			assert.Equal(t, prior.ExpiresAt, after.ExpiresAt)
		},
	)
}

func TestPruneDirectMessages(t *testing.T) {
	ctx := context.Background()
	session := newRecordingSession()
	bot := newTestBot(t, session)
	botID := bot.botUserID()

	session.channelMessages["dm1"] = []*discordgo.Message{
		{ID: "m4", Author: &discordgo.User{ID: "user1"}},
		{ID: "m3", Author: &discordgo.User{ID: botID}},
		{ID: "m2", Author: &discordgo.User{ID: "user1"}},
		{ID: "m1", Author: &discordgo.User{ID: botID}},
	}

	bot.pruneDirectMessages(ctx, "dm1")

	deleted := session.deletedMessageIDs()
	require.Len(t, deleted, 2)
	assert.Equal(t, "m3", deleted[0].MessageID)
	assert.Equal(t, "m1", deleted[1].MessageID)
}

func TestSendPaginated(t *testing.T) {
	ctx := context.Background()
	session := newRecordingSession()
	bot := newTestBot(t, session)

	bot.sendPaginated(ctx, "dm1", "Hello there! How are you?")

	sent := session.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, "Hello there", sent[0].Content)
	assert.Equal(t, "How are you", sent[1].Content)

	t.Run(
		"canceled context stops mid-reply", func(t *testing.T) {
			canceled, cancel := context.WithCancel(context.Background())
			cancel()
			fresh := newRecordingSession()
			paced := newTestBot(t, fresh)
			paced.sendPaginated(
				canceled, "dm1", strings.Repeat("word ", 20)+"! More.",
			)
			assert.Empty(t, fresh.sentMessages())
		},
	)
}

func TestResolveImageAttachments(t *testing.T) {
	ctx := context.Background()

	ts := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("fake image bytes"))
			},
		),
	)
	t.Cleanup(ts.Close)

	bot := newTestBot(t, newMockDiscordSession())

	t.Run(
		"image attachment becomes a data URI", func(t *testing.T) {
			msg := &discordgo.Message{
				ID:      "m1",
				Content: "look at this",
				Attachments: []*discordgo.MessageAttachment{
					{ID: "a1", ContentType: "image/png", URL: ts.URL},
				},
			}
			bot.resolveImageAttachments(ctx, []*discordgo.Message{msg})
			assert.True(
				t, strings.HasPrefix(msg.Content, "data:image/png;base64,"),
			)
		},
	)

	t.Run(
		"non-image attachments ignored", func(t *testing.T) {
			msg := &discordgo.Message{
				ID:      "m2",
				Content: "here's a log",
				Attachments: []*discordgo.MessageAttachment{
					{ID: "a2", ContentType: "text/plain", URL: ts.URL},
				},
			}
			bot.resolveImageAttachments(ctx, []*discordgo.Message{msg})
			assert.Equal(t, "here's a log", msg.Content)
		},
	)

	t.Run(
		"download failure leaves the message untouched", func(t *testing.T) {
			failing := httptest.NewServer(
				http.HandlerFunc(
					func(w http.ResponseWriter, _ *http.Request) {
						w.WriteHeader(http.StatusNotFound)
					},
				),
			)
			t.Cleanup(failing.Close)
			msg := &discordgo.Message{
				ID:      "m3",
				Content: "broken image",
				Attachments: []*discordgo.MessageAttachment{
					{ID: "a3", ContentType: "image/png", URL: failing.URL},
				},
			}
			bot.resolveImageAttachments(ctx, []*discordgo.Message{msg})
			assert.Equal(t, "broken image", msg.Content)
		},
	)
}

func TestRespondThread(t *testing.T) {
	ctx := context.Background()
	session := newRecordingSession()
	bot := newTestBot(t, session)

	client := &mockOpenAIClient{
		chatCompletionFunc: func(
			_ context.Context,
			_ openai.ChatCompletionRequest,
		) (openai.ChatCompletionResponse, error) {
			return chatResponse("a thoughtful answer"), nil
		},
	}
	bot.openai = newTestOpenAI(t, client)

	thread := &discordgo.Channel{
		ID:       "thread1",
		ParentID: "parent1",
		Type:     discordgo.ChannelTypeGuildPublicThread,
		OwnerID:  bot.botUserID(),
	}
	message := &discordgo.Message{
		ID:        "m2",
		ChannelID: "thread1",
		Content:   "tell me more",
		Author:    &discordgo.User{ID: "user1", Username: "someuser"},
	}
	session.channels["thread1"] = thread
	session.channelMessages["thread1"] = []*discordgo.Message{message}
	session.messages[messageKey("parent1", "thread1")] = starterMessage(
		"thread1", "opening prompt", "Act helpful",
	)
	_, err := bot.db.Create(
		ctx, &Conversation{ChannelID: "thread1", MessageID: "thread1"},
	)
	require.NoError(t, err)

	bot.respondThread(ctx, message, thread)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "thread1", sent[0].ChannelID)
	assert.Equal(t, "a thoughtful answer", sent[0].Content)

	// activity pushed the expiry out
	var conversation Conversation
	require.NoError(
		t,
		bot.db.DB().Where(
			"channel_id = ?", "thread1",
		).First(&conversation).Error,
	)
	assert.Greater(t, conversation.ExpiresAt, time.Now().UnixMilli())

	t.Run(
		"superseded message discarded", func(t *testing.T) {
			fresh := newRecordingSession()
			stale := newTestBot(t, fresh)
			stale.openai = newTestOpenAI(t, client)
			fresh.channels["thread1"] = thread
			fresh.channelMessages["thread1"] = []*discordgo.Message{
				{ID: "m3", ChannelID: "thread1"},
			}

			stale.respondThread(ctx, message, thread)
			assert.Empty(t, fresh.sentMessages())
		},
	)

	t.Run(
		"failure outcome posts a notice", func(t *testing.T) {
			fresh := newRecordingSession()
			failing := newTestBot(t, fresh)
			failing.openai = newTestOpenAI(
				t, &mockOpenAIClient{
					chatCompletionFunc: func(
						_ context.Context,
						_ openai.ChatCompletionRequest,
					) (openai.ChatCompletionResponse, error) {
						return openai.ChatCompletionResponse{}, &openai.APIError{
							Type:    openaiErrorTypeInvalidRequest,
							Message: "bad request",
						}
					},
				},
			)
			fresh.channels["thread1"] = thread
			fresh.channelMessages["thread1"] = []*discordgo.Message{message}

			failing.respondThread(ctx, message, thread)

			assert.Empty(t, fresh.sentMessages())
			notices := fresh.complexSentMessages()
			require.Len(t, notices, 1)
			assert.Equal(t, "Error", notices[0].Data.Embeds[0].Title)
		},
	)
}

func TestRespondDirectMessage(t *testing.T) {
	ctx := context.Background()
	session := newRecordingSession()
	bot := newTestBot(t, session)
	bot.openai = newTestOpenAI(
		t, &mockOpenAIClient{
			chatCompletionFunc: func(
				_ context.Context,
				_ openai.ChatCompletionRequest,
			) (openai.ChatCompletionResponse, error) {
				return chatResponse("Sure thing! Happy to help."), nil
			},
		},
	)

	message := &discordgo.Message{
		ID:        "m1",
		ChannelID: "dm1",
		Content:   "can you help me?",
		Author:    &discordgo.User{ID: "user1", Username: "someuser"},
	}
	session.channelMessages["dm1"] = []*discordgo.Message{message}

	bot.respondDirectMessage(ctx, message)

	// the reply arrives paginated, sentence by sentence
	sent := session.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, "Sure thing", sent[0].Content)
	assert.Equal(t, "Happy to help", sent[1].Content)
}

func TestHandleMessageCreate(t *testing.T) {
	newDMBot := func(t *testing.T) (*Bocchi, *recordingSession) {
		t.Helper()
		session := newRecordingSession()
		session.channels["dm1"] = &discordgo.Channel{
			ID:   "dm1",
			Type: discordgo.ChannelTypeDM,
		}
		bot := newTestBot(t, session)
		bot.openai = newTestOpenAI(
			t, &mockOpenAIClient{
				chatCompletionFunc: func(
					_ context.Context,
					_ openai.ChatCompletionRequest,
				) (openai.ChatCompletionResponse, error) {
					return chatResponse("On it"), nil
				},
			},
		)
		return bot, session
	}

	author := &discordgo.User{ID: "user1", Username: "someuser"}

	t.Run(
		"plain direct message answered", func(t *testing.T) {
			bot, session := newDMBot(t)
			message := &discordgo.Message{
				ID:        "m1",
				ChannelID: "dm1",
				Content:   "hello there",
				Author:    author,
			}
			session.channelMessages["dm1"] = []*discordgo.Message{message}

			bot.handleMessageCreate(nil, &discordgo.MessageCreate{Message: message})

			require.Eventually(
				t, func() bool {
					return len(session.sentMessages()) > 0
				}, time.Second, 10*time.Millisecond,
			)
		},
	)

	ignored := []struct {
		name    string
		message *discordgo.Message
	}{
		{
			name: "system message",
			message: &discordgo.Message{
				ID:        "m1",
				ChannelID: "dm1",
				Type:      discordgo.MessageTypeChannelPinnedMessage,
				Content:   "pinned a message",
				Author:    author,
			},
		},
		{
			name: "empty body without attachment",
			message: &discordgo.Message{
				ID:        "m1",
				ChannelID: "dm1",
				Author:    author,
			},
		},
		{
			name: "embed payload",
			message: &discordgo.Message{
				ID:        "m1",
				ChannelID: "dm1",
				Content:   "look at this",
				Author:    author,
				Embeds:    []*discordgo.MessageEmbed{{Title: "something"}},
			},
		},
		{
			name: "mentions another member",
			message: &discordgo.Message{
				ID:        "m1",
				ChannelID: "dm1",
				Content:   "ask them instead",
				Author:    author,
				Mentions:  []*discordgo.User{{ID: "12345"}},
			},
		},
	}
	for _, tc := range ignored {
		t.Run(
			tc.name, func(t *testing.T) {
				bot, session := newDMBot(t)
				session.channelMessages["dm1"] = []*discordgo.Message{tc.message}

				bot.handleMessageCreate(
					nil, &discordgo.MessageCreate{Message: tc.message},
				)

				time.Sleep(100 * time.Millisecond)
				assert.Empty(t, session.sentMessages())
			},
		)
	}
}
