package bocchi

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// mockOpenAIClient implements OpenAIClient with injectable functions.
type mockOpenAIClient struct {
	chatCompletionFunc func(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
	moderationsFunc func(
		ctx context.Context,
		request openai.ModerationRequest,
	) (openai.ModerationResponse, error)
	createImageFunc func(
		ctx context.Context,
		request openai.ImageRequest,
	) (openai.ImageResponse, error)
}

func (m *mockOpenAIClient) CreateChatCompletion(
	ctx context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	if m.chatCompletionFunc == nil {
		return openai.ChatCompletionResponse{}, errors.New("not implemented")
	}
	return m.chatCompletionFunc(ctx, request)
}

func (m *mockOpenAIClient) Moderations(
	ctx context.Context,
	request openai.ModerationRequest,
) (openai.ModerationResponse, error) {
	if m.moderationsFunc == nil {
		return openai.ModerationResponse{}, nil
	}
	return m.moderationsFunc(ctx, request)
}

func (m *mockOpenAIClient) CreateImage(
	ctx context.Context,
	request openai.ImageRequest,
) (openai.ImageResponse, error) {
	if m.createImageFunc == nil {
		return openai.ImageResponse{}, errors.New("not implemented")
	}
	return m.createImageFunc(ctx, request)
}

func chatResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

// fakeAnnotator counts invocations so annotation caching can be
// asserted.
type fakeAnnotator struct {
	calls       atomic.Int64
	description string
	err         error
}

func (f *fakeAnnotator) Describe(
	_ context.Context,
	_ string,
) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.description, nil
}

func newTestOpenAI(t testing.TB, client OpenAIClient) *OpenAI {
	t.Helper()
	cfg := DefaultConfig()
	return &OpenAI{
		client:  client,
		config:  cfg.OpenAI,
		db:      newTestDB(t),
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Inf, 1),
		annotator: &fakeAnnotator{
			description: "an image of a cat",
		},
	}
}

func TestCreateChatCompletion(t *testing.T) {
	ctx := context.Background()
	messages := []ContextMessage{
		{Role: ContextRoleSystem, Content: "Be helpful."},
		{Role: ContextRoleUser, Content: "hello", MessageID: "m1"},
	}

	t.Run(
		"success", func(t *testing.T) {
			client := &mockOpenAIClient{
				chatCompletionFunc: func(
					_ context.Context,
					request openai.ChatCompletionRequest,
				) (openai.ChatCompletionResponse, error) {
					require.Len(t, request.Messages, 2)
					assert.Equal(
						t, openai.ChatMessageRoleSystem, request.Messages[0].Role,
					)
					assert.Equal(
						t, openai.ChatMessageRoleUser, request.Messages[1].Role,
					)
					return chatResponse("hi there"), nil
				},
			}
			outcome := newTestOpenAI(t, client).CreateChatCompletion(ctx, messages)
			require.IsType(t, CompletionOK{}, outcome)
			assert.Equal(t, "hi there", outcome.UserMessage())
		},
	)

	t.Run(
		"output truncated to the display ceiling", func(t *testing.T) {
			client := &mockOpenAIClient{
				chatCompletionFunc: func(
					_ context.Context,
					_ openai.ChatCompletionRequest,
				) (openai.ChatCompletionResponse, error) {
					return chatResponse(strings.Repeat("a", 5000)), nil
				},
			}
			outcome := newTestOpenAI(t, client).CreateChatCompletion(ctx, messages)
			require.IsType(t, CompletionOK{}, outcome)
			assert.Len(t, outcome.UserMessage(), discordMaxMessageLength)
		},
	)

	t.Run(
		"empty response", func(t *testing.T) {
			client := &mockOpenAIClient{
				chatCompletionFunc: func(
					_ context.Context,
					_ openai.ChatCompletionRequest,
				) (openai.ChatCompletionResponse, error) {
					return openai.ChatCompletionResponse{}, nil
				},
			}
			outcome := newTestOpenAI(t, client).CreateChatCompletion(ctx, messages)
			assert.IsType(t, CompletionUnexpectedError{}, outcome)
			assert.Equal(t, unexpectedErrorMessage, outcome.UserMessage())
		},
	)

	t.Run(
		"context length exceeded", func(t *testing.T) {
			client := &mockOpenAIClient{
				chatCompletionFunc: func(
					_ context.Context,
					_ openai.ChatCompletionRequest,
				) (openai.ChatCompletionResponse, error) {
					return openai.ChatCompletionResponse{}, &openai.APIError{
						Code: openaiErrorCodeContextLength,
						Type: openaiErrorTypeInvalidRequest,
					}
				},
			}
			outcome := newTestOpenAI(t, client).CreateChatCompletion(ctx, messages)
			assert.IsType(t, CompletionContextLengthExceeded{}, outcome)
			assert.Equal(t, contextLengthExceededMessage, outcome.UserMessage())
		},
	)

	t.Run(
		"invalid request", func(t *testing.T) {
			client := &mockOpenAIClient{
				chatCompletionFunc: func(
					_ context.Context,
					_ openai.ChatCompletionRequest,
				) (openai.ChatCompletionResponse, error) {
					return openai.ChatCompletionResponse{}, &openai.APIError{
						Type:    openaiErrorTypeInvalidRequest,
						Message: "model does not exist",
					}
				},
			}
			outcome := newTestOpenAI(t, client).CreateChatCompletion(ctx, messages)
			require.IsType(t, CompletionInvalidRequest{}, outcome)
			assert.Equal(t, "model does not exist", outcome.UserMessage())
		},
	)

	t.Run(
		"unexpected error", func(t *testing.T) {
			client := &mockOpenAIClient{
				chatCompletionFunc: func(
					_ context.Context,
					_ openai.ChatCompletionRequest,
				) (openai.ChatCompletionResponse, error) {
					return openai.ChatCompletionResponse{}, errors.New("boom")
				},
			}
			outcome := newTestOpenAI(t, client).CreateChatCompletion(ctx, messages)
			require.IsType(t, CompletionUnexpectedError{}, outcome)
			assert.Equal(t, "boom", outcome.UserMessage())
		},
	)

	t.Run(
		"invalid role never reaches the backend", func(t *testing.T) {
			client := &mockOpenAIClient{
				chatCompletionFunc: func(
					_ context.Context,
					_ openai.ChatCompletionRequest,
				) (openai.ChatCompletionResponse, error) {
					t.Fatal("completion dispatched for invalid context")
					return openai.ChatCompletionResponse{}, nil
				},
			}
			outcome := newTestOpenAI(t, client).CreateChatCompletion(
				ctx, []ContextMessage{{Role: "narrator", Content: "hm"}},
			)
			assert.IsType(t, CompletionUnexpectedError{}, outcome)
		},
	)
}

func TestCreateChatCompletion_ImageAnnotation(t *testing.T) {
	ctx := context.Background()
	messages := []ContextMessage{
		{Role: ContextRoleSystem, Content: "Be helpful."},
		{
			Role:      ContextRoleUser,
			Content:   "data:image/png;base64,abc123",
			MessageID: "img1",
		},
	}

	var lastRequest openai.ChatCompletionRequest
	client := &mockOpenAIClient{
		chatCompletionFunc: func(
			_ context.Context,
			request openai.ChatCompletionRequest,
		) (openai.ChatCompletionResponse, error) {
			lastRequest = request
			return chatResponse("a lovely cat"), nil
		},
	}
	o := newTestOpenAI(t, client)
	annotator := o.annotator.(*fakeAnnotator)

	outcome := o.CreateChatCompletion(ctx, messages)
	require.IsType(t, CompletionOK{}, outcome)
	require.Len(t, lastRequest.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, lastRequest.Messages[1].Role)
	assert.Equal(t, "an image of a cat", lastRequest.Messages[1].Content)
	assert.Equal(t, int64(1), annotator.calls.Load())

	// second dispatch for the same message hits the annotation cache
	outcome = o.CreateChatCompletion(ctx, messages)
	require.IsType(t, CompletionOK{}, outcome)
	assert.Equal(t, int64(1), annotator.calls.Load())

	t.Run(
		"annotator failure", func(t *testing.T) {
			failing := newTestOpenAI(t, client)
			failing.annotator = &fakeAnnotator{err: errors.New("vision down")}
			outcome := failing.CreateChatCompletion(ctx, messages)
			assert.IsType(t, CompletionUnexpectedError{}, outcome)
		},
	)
}

func TestCreateImage(t *testing.T) {
	ctx := context.Background()

	t.Run(
		"success", func(t *testing.T) {
			client := &mockOpenAIClient{
				createImageFunc: func(
					_ context.Context,
					request openai.ImageRequest,
				) (openai.ImageResponse, error) {
					assert.Equal(t, "a red bicycle", request.Prompt)
					return openai.ImageResponse{
						Data: []openai.ImageResponseDataInner{
							{URL: "https://images.example.com/1.png"},
						},
					}, nil
				},
			}
			outcome := newTestOpenAI(t, client).CreateImage(ctx, "a red bicycle")
			require.IsType(t, CompletionOK{}, outcome)
			assert.Equal(
				t, "https://images.example.com/1.png", outcome.UserMessage(),
			)
		},
	)

	t.Run(
		"moderation blocks the prompt", func(t *testing.T) {
			client := &mockOpenAIClient{
				moderationsFunc: func(
					_ context.Context,
					_ openai.ModerationRequest,
				) (openai.ModerationResponse, error) {
					return openai.ModerationResponse{
						Results: []openai.Result{{Flagged: true}},
					}, nil
				},
				createImageFunc: func(
					_ context.Context,
					_ openai.ImageRequest,
				) (openai.ImageResponse, error) {
					t.Fatal("image generated for a flagged prompt")
					return openai.ImageResponse{}, nil
				},
			}
			outcome := newTestOpenAI(t, client).CreateImage(ctx, "something bad")
			require.IsType(t, CompletionModerated{}, outcome)
			assert.Equal(t, moderationBlockedMessage, outcome.UserMessage())
		},
	)

	t.Run(
		"empty image response", func(t *testing.T) {
			client := &mockOpenAIClient{
				createImageFunc: func(
					_ context.Context,
					_ openai.ImageRequest,
				) (openai.ImageResponse, error) {
					return openai.ImageResponse{}, nil
				},
			}
			outcome := newTestOpenAI(t, client).CreateImage(ctx, "anything")
			assert.IsType(t, CompletionUnexpectedError{}, outcome)
		},
	)
}

func TestGenerateTitle(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		response string
		err      error
		expected string
	}{
		{name: "plain", response: "Bicycle Advice", expected: "Bicycle Advice"},
		{
			name:     "surrounding quotes stripped",
			response: `"Bicycle Advice"`,
			expected: "Bicycle Advice",
		},
		{
			name:     "trailing period stripped",
			response: "Bicycle Advice.",
			expected: "Bicycle Advice",
		},
		{
			name:     "quotes then period",
			response: `"Bicycle Advice."`,
			expected: "Bicycle Advice",
		},
		{name: "backend error", err: errors.New("boom"), expected: ""},
		{name: "empty response", response: "", expected: ""},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				client := &mockOpenAIClient{
					chatCompletionFunc: func(
						_ context.Context,
						_ openai.ChatCompletionRequest,
					) (openai.ChatCompletionResponse, error) {
						if tt.err != nil {
							return openai.ChatCompletionResponse{}, tt.err
						}
						return chatResponse(tt.response), nil
					},
				}
				title := newTestOpenAI(t, client).GenerateTitle(
					ctx, "how do I fix a flat?", "use a patch kit",
				)
				assert.Equal(t, tt.expected, title)
			},
		)
	}
}
