package bocchi

import (
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Context entry roles, mirroring the completion backend's message roles.
const (
	ContextRoleSystem    = "system"
	ContextRoleUser      = "user"
	ContextRoleAssistant = "assistant"
	ContextRoleFunction  = "function"
)

// imageDataURIPrefix marks a context entry whose content is an image
// payload rather than text. The completion dispatcher resolves these
// through the image annotator before sending anything to the backend.
const imageDataURIPrefix = "data:image"

// instructionDefaultSentinel is the per-thread behavior value meaning
// "no override, use the configured default instruction".
const instructionDefaultSentinel = "Default"

// instructionDateFormat is the human-readable long date stamped into
// the system entry.
const instructionDateFormat = "January 2, 2006"

// ContextMessage is one role-tagged entry of a conversation context.
type ContextMessage struct {
	Role      string
	Content   string
	MessageID string
	Name      string
}

// contextBuilder assembles ordered, token-bounded conversation contexts
// from raw channel history. Contexts are ephemeral: built fresh per
// inbound message, never persisted.
type contextBuilder struct {
	// instruction is the global default system instruction
	instruction string

	budgeter tokenBudgeter

	// now allows tests to pin the date stamped into the system entry
	now func() time.Time
}

func newContextBuilder(
	instruction string,
	budgeter tokenBudgeter,
) contextBuilder {
	return contextBuilder{
		instruction: instruction,
		budgeter:    budgeter,
		now:         time.Now,
	}
}

// resolveInstruction applies the per-thread behavior override (if any),
// trims it, forces a trailing period, and stamps the current date and
// the invoking user's display name.
func (b contextBuilder) resolveInstruction(
	instruction string,
	userMessage *discordgo.Message,
) string {
	if instruction == "" || instruction == instructionDefaultSentinel {
		instruction = b.instruction
	}
	instruction = strings.TrimSpace(instruction)
	if !strings.HasSuffix(instruction, ".") {
		instruction += "."
	}

	var username string
	if userMessage.Author != nil {
		username = userMessage.Author.Username
		if userMessage.Author.GlobalName != "" {
			username = userMessage.Author.GlobalName
		}
	}

	return instruction +
		" The current date is " + b.now().Format(instructionDateFormat) + "." +
		" The latest message is from " + username + "."
}

// build assembles the final context: exactly one leading system entry
// (synthesized, never taken from history), the token-fitted history in
// chronological order, and the current user message last. The system
// and trailing user entries are never truncated away.
func (b contextBuilder) build(
	history []ContextMessage,
	userMessage *discordgo.Message,
	instruction string,
) []ContextMessage {
	systemEntry := ContextMessage{
		Role:      ContextRoleSystem,
		Content:   b.resolveInstruction(instruction, userMessage),
		Name:      "system",
		MessageID: "system",
	}
	userEntry := ContextMessage{
		Role:      ContextRoleUser,
		Content:   userMessage.Content,
		MessageID: userMessage.ID,
	}

	if len(history) == 0 {
		return []ContextMessage{systemEntry, userEntry}
	}

	fitted := b.budgeter.fit(history)
	context := make([]ContextMessage, 0, len(fitted)+2)
	context = append(context, systemEntry)
	context = append(context, fitted...)
	context = append(context, userEntry)
	return context
}

// buildThreadContext assembles a context for a thread conversation.
//
// The thread's starter message (the oldest entry of the fetched
// history) must carry exactly one embed with exactly two fields, read
// positionally as (original prompt, behavior instruction). When that
// shape is absent the context degrades to system + current message
// only; a malformed starter never fails the interaction.
//
// messages is the channel history as fetched from discord: newest
// first, not including userMessage.
func (b contextBuilder) buildThreadContext(
	messages []*discordgo.Message,
	userMessage *discordgo.Message,
	botID string,
) []ContextMessage {
	if len(messages) == 0 {
		return b.build(nil, userMessage, "")
	}

	starter := messages[len(messages)-1]
	if len(starter.Embeds) != 1 || len(starter.Embeds[0].Fields) != 2 {
		return b.build(nil, userMessage, "")
	}

	embed := starter.Embeds[0]
	var prompt string
	if embed.Fields[0].Name == starterFieldPrompt {
		prompt = embed.Fields[0].Value
	}
	var behavior string
	if embed.Fields[1].Name == starterFieldBehavior {
		behavior = embed.Fields[1].Value
	}
	if prompt == "" || behavior == "" {
		return b.build(nil, userMessage, "")
	}

	history := []ContextMessage{
		{
			Role:      ContextRoleUser,
			Content:   prompt,
			Name:      "user",
			MessageID: starter.ID,
		},
	}
	for _, msg := range filterHistory(messages) {
		history = append(
			history, ContextMessage{
				Role:      ContextRoleFunction,
				Content:   historyContent(msg),
				Name:      "conversation",
				MessageID: msg.ID,
			},
		)
	}

	return b.build(history, userMessage, behavior)
}

// buildDirectMessageContext assembles a context for a DM conversation.
// messages is the channel history as fetched from discord: newest
// first, not including userMessage.
func (b contextBuilder) buildDirectMessageContext(
	messages []*discordgo.Message,
	userMessage *discordgo.Message,
	botID string,
) []ContextMessage {
	if len(messages) == 0 {
		return b.build(nil, userMessage, "")
	}

	var history []ContextMessage
	for _, msg := range filterHistory(messages) {
		role := ContextRoleUser
		if msg.Author != nil && msg.Author.ID == botID {
			role = ContextRoleAssistant
		}
		history = append(
			history, ContextMessage{
				Role:      role,
				Content:   historyContent(msg),
				MessageID: msg.ID,
			},
		)
	}

	return b.build(history, userMessage, "")
}

// filterHistory keeps only plain conversation messages - default type,
// non-empty content or at least one attachment, no embeds, no mentions.
// This keeps the bot's own embeds (failure notices, starters) and pings
// from being re-ingested as history. The input is newest-first; the
// result is reversed to chronological order.
func filterHistory(messages []*discordgo.Message) []*discordgo.Message {
	kept := make([]*discordgo.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Type != discordgo.MessageTypeDefault {
			continue
		}
		if msg.Content == "" && len(msg.Attachments) == 0 {
			continue
		}
		if len(msg.Embeds) > 0 {
			continue
		}
		if len(msg.Mentions) > 0 {
			continue
		}
		kept = append(kept, msg)
	}
	// reverse to oldest-first
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// historyContent returns the context content for a historical message.
// The message handler resolves image attachments into data URIs on
// msg.Content before contexts are built, so entries starting with
// "data:image" flow through as image payloads. Messages carrying only
// a non-image attachment get a short placeholder naming the file so
// they don't become empty entries.
func historyContent(msg *discordgo.Message) string {
	if msg.Content == "" && len(msg.Attachments) > 0 {
		return "[attachment: " + msg.Attachments[0].Filename + "]"
	}
	return msg.Content
}
