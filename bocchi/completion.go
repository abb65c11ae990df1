package bocchi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	openaiErrorCodeContextLength  = "context_length_exceeded"
	openaiErrorTypeInvalidRequest = "invalid_request_error"

	contextLengthExceededMessage = "The request has exceeded the token " +
		"limit. Try again with a shorter message or start another conversation."
	moderationBlockedMessage = "Your prompt has been blocked by moderation."
	unexpectedErrorMessage   = "There was an unexpected error while " +
		"processing your request."
)

// CompletionOutcome is the result of one completion dispatch. Exactly
// one of the concrete types below is returned; callers switch on the
// type rather than inspecting errors.
type CompletionOutcome interface {
	completionOutcome()

	// UserMessage is the text shown to the user: the completion itself
	// for CompletionOK, a failure description otherwise.
	UserMessage() string
}

// CompletionOK carries a successful completion, already truncated to
// the display ceiling.
type CompletionOK struct {
	Text string
}

// CompletionModerated indicates the prompt was rejected by the
// moderation pre-check.
type CompletionModerated struct {
	Reason string
}

// CompletionContextLengthExceeded indicates the backend rejected the
// request for exceeding its context window.
type CompletionContextLengthExceeded struct{}

// CompletionInvalidRequest carries the backend's message for a request
// it considered malformed.
type CompletionInvalidRequest struct {
	Detail string
}

// CompletionUnexpectedError covers every other failure mode.
type CompletionUnexpectedError struct {
	Detail string
}

func (CompletionOK) completionOutcome()                    {}
func (CompletionModerated) completionOutcome()             {}
func (CompletionContextLengthExceeded) completionOutcome() {}
func (CompletionInvalidRequest) completionOutcome()        {}
func (CompletionUnexpectedError) completionOutcome()       {}

func (o CompletionOK) UserMessage() string        { return o.Text }
func (o CompletionModerated) UserMessage() string { return o.Reason }
func (CompletionContextLengthExceeded) UserMessage() string {
	return contextLengthExceededMessage
}
func (o CompletionInvalidRequest) UserMessage() string { return o.Detail }
func (o CompletionUnexpectedError) UserMessage() string {
	if o.Detail == "" {
		return unexpectedErrorMessage
	}
	return o.Detail
}

// OpenAIClient is the subset of the OpenAI API used here, split out to
// enable mocking.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
	Moderations(
		ctx context.Context,
		request openai.ModerationRequest,
	) (openai.ModerationResponse, error)
	CreateImage(
		ctx context.Context,
		request openai.ImageRequest,
	) (openai.ImageResponse, error)
}

// ImageAnnotator turns an image payload (a data URI) into a free-text
// description. Treated as an opaque capability; invoked at most once
// per distinct message ID via the AttachmentAnnotation cache.
type ImageAnnotator interface {
	Describe(ctx context.Context, dataURI string) (string, error)
}

// OpenAI dispatches conversation contexts to the completion backend and
// classifies the outcome. It never panics or returns an error past its
// own boundary: every dispatch produces a tagged CompletionOutcome.
type OpenAI struct {
	client    OpenAIClient
	config    *OpenAIConfig
	logger    *slog.Logger
	limiter   *rate.Limiter
	annotator ImageAnnotator
	db        DBI
}

func newOpenAI(
	config *OpenAIConfig,
	db DBI,
	logger *slog.Logger,
) *OpenAI {
	clientConfig := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	o := &OpenAI{
		client: client,
		config: config,
		db:     db,
		logger: logger.With(loggerNameKey, "openai"),
		limiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
	}
	o.annotator = &openAIAnnotator{client: client, config: config}
	return o
}

// CreateChatCompletion resolves the given context (annotating any image
// entries) and dispatches it to the completion backend once.
func (o *OpenAI) CreateChatCompletion(
	ctx context.Context,
	contextMessages []ContextMessage,
) CompletionOutcome {
	messages, err := o.resolveMessages(ctx, contextMessages)
	if err != nil {
		o.logger.ErrorContext(ctx, "error resolving context", tint.Err(err))
		return o.classifyError(err)
	}

	if err = o.limiter.Wait(ctx); err != nil {
		return CompletionUnexpectedError{Detail: err.Error()}
	}

	o.logger.InfoContext(
		ctx,
		"dispatching chat completion",
		"model", o.config.Model,
		"messages", len(messages),
	)
	resp, err := o.client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model:       o.config.Model,
			Messages:    messages,
			Temperature: o.config.Temperature,
			MaxTokens:   o.config.MaxTokens,
		},
	)
	if err != nil {
		o.logger.ErrorContext(ctx, "chat completion failed", tint.Err(err))
		return o.classifyError(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return CompletionUnexpectedError{}
	}
	return CompletionOK{
		Text: truncate(resp.Choices[0].Message.Content, discordMaxMessageLength),
	}
}

// CreateImage generates an image for the given prompt, gated by a
// moderation pre-check. On success the outcome text is the image URL.
func (o *OpenAI) CreateImage(
	ctx context.Context,
	prompt string,
) CompletionOutcome {
	moderation, err := o.client.Moderations(
		ctx, openai.ModerationRequest{Input: prompt},
	)
	if err != nil {
		o.logger.ErrorContext(ctx, "moderation check failed", tint.Err(err))
		return o.classifyError(err)
	}
	if len(moderation.Results) > 0 && moderation.Results[0].Flagged {
		return CompletionModerated{Reason: moderationBlockedMessage}
	}

	if err = o.limiter.Wait(ctx); err != nil {
		return CompletionUnexpectedError{Detail: err.Error()}
	}

	image, err := o.client.CreateImage(
		ctx, openai.ImageRequest{
			Prompt: prompt,
			N:      1,
		},
	)
	if err != nil {
		o.logger.ErrorContext(ctx, "image generation failed", tint.Err(err))
		return o.classifyError(err)
	}
	if len(image.Data) == 0 || image.Data[0].URL == "" {
		return CompletionUnexpectedError{}
	}
	return CompletionOK{Text: image.Data[0].URL}
}

// GenerateTitle asks the backend to title a conversation from its first
// exchange. Best-effort: returns an empty string on any failure.
func (o *OpenAI) GenerateTitle(
	ctx context.Context,
	userMessage string,
	botMessage string,
) string {
	if err := o.limiter.Wait(ctx); err != nil {
		return ""
	}
	resp, err := o.client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model:       o.config.Model,
			Temperature: 0.5,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: "You are a helpful assistant.",
				},
				{Role: openai.ChatMessageRoleUser, Content: userMessage},
				{Role: openai.ChatMessageRoleAssistant, Content: botMessage},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: "Create a title for our conversation in 6 words or less.",
				},
			},
		},
	)
	if err != nil {
		o.logger.WarnContext(ctx, "title generation failed", tint.Err(err))
		return ""
	}
	if len(resp.Choices) == 0 {
		return ""
	}
	title := strings.TrimSpace(resp.Choices[0].Message.Content)
	if strings.HasPrefix(title, `"`) && strings.HasSuffix(title, `"`) && len(title) > 1 {
		title = title[1 : len(title)-1]
	}
	title = strings.TrimRight(title, ".")
	return title
}

// resolveMessages maps context entries to backend message shapes. User
// entries carrying an image data URI are not sent verbatim: they're
// resolved through the annotator (cached by message ID) and substituted
// as system entries describing the image.
func (o *OpenAI) resolveMessages(
	ctx context.Context,
	contextMessages []ContextMessage,
) ([]openai.ChatCompletionMessage, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(contextMessages))
	for _, msg := range contextMessages {
		switch msg.Role {
		case ContextRoleSystem:
			messages = append(
				messages, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleSystem,
					Content: msg.Content,
				},
			)
		case ContextRoleUser, ContextRoleFunction:
			if strings.HasPrefix(msg.Content, imageDataURIPrefix) {
				metadata, err := o.annotateAttachment(ctx, msg.MessageID, msg.Content)
				if err != nil {
					return nil, err
				}
				messages = append(
					messages, openai.ChatCompletionMessage{
						Role:    openai.ChatMessageRoleSystem,
						Content: metadata,
					},
				)
				continue
			}
			messages = append(
				messages, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: msg.Content,
				},
			)
		case ContextRoleAssistant:
			messages = append(
				messages, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: msg.Content,
				},
			)
		default:
			return nil, fmt.Errorf("invalid message role: %s", msg.Role)
		}
	}
	return messages, nil
}

// annotateAttachment returns the cached annotation for the given
// message ID, invoking the annotator and storing the result on a miss.
func (o *OpenAI) annotateAttachment(
	ctx context.Context,
	messageID string,
	dataURI string,
) (string, error) {
	var cached AttachmentAnnotation
	err := o.db.DB().WithContext(ctx).Where(
		"message_id = ?", messageID,
	).First(&cached).Error
	if err == nil {
		return cached.Metadata, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	metadata, err := o.annotator.Describe(ctx, dataURI)
	if err != nil {
		return "", err
	}
	if _, err = o.db.Create(
		ctx, &AttachmentAnnotation{MessageID: messageID, Metadata: metadata},
	); err != nil {
		o.logger.WarnContext(
			ctx, "error caching attachment annotation", tint.Err(err),
		)
	}
	return metadata, nil
}

// classifyError maps backend errors into the outcome taxonomy.
func (o *OpenAI) classifyError(err error) CompletionOutcome {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiErr.Code.(string); ok &&
			code == openaiErrorCodeContextLength {
			return CompletionContextLengthExceeded{}
		}
		if apiErr.Type == openaiErrorTypeInvalidRequest {
			return CompletionInvalidRequest{Detail: apiErr.Message}
		}
	}
	return CompletionUnexpectedError{Detail: err.Error()}
}

// openAIAnnotator implements ImageAnnotator with the backend's vision
// model.
type openAIAnnotator struct {
	client OpenAIClient
	config *OpenAIConfig
}

const annotatorPrompt = "You received an image. Describe the image in " +
	"detail and extract any useful information from it."

func (a *openAIAnnotator) Describe(
	ctx context.Context,
	dataURI string,
) (string, error) {
	resp, err := a.client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model: a.config.VisionModel,
			Messages: []openai.ChatCompletionMessage{
				{
					Role: openai.ChatMessageRoleUser,
					MultiContent: []openai.ChatMessagePart{
						{
							Type: openai.ChatMessagePartTypeText,
							Text: annotatorPrompt,
						},
						{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL: dataURI,
							},
						},
					},
				},
			},
		},
	)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty annotation response")
	}
	return fmt.Sprintf(
		"The image received in the chat has the following description: %s",
		resp.Choices[0].Message.Content,
	), nil
}
