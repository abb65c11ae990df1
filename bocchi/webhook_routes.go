package bocchi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	webhookEmbedColorInfo    = 0x5865F2
	webhookEmbedColorSuccess = 0x57F287
	webhookEmbedColorFailure = 0xED4245

	// maxWebhookBodyBytes caps inbound webhook payloads.
	maxWebhookBodyBytes = 1 << 20

	genericPayloadFilename = "payload.json"
)

// webhookRoutes is the static route registry. Adding a route means
// adding an entry here; protection and secrets are reconciled against
// persisted records at startup.
func webhookRoutes() []webhookRoute {
	return []webhookRoute{
		{
			Method:  http.MethodGet,
			Path:    "/example",
			Handler: exampleHandler,
		},
		{
			Method:  http.MethodPost,
			Path:    "/example",
			Handler: exampleHandler,
		},
		{
			Method:          http.MethodPost,
			Path:            "/generic",
			Protected:       true,
			RequiresChannel: true,
			Handler:         genericHandler,
		},
		{
			Method:          http.MethodPost,
			Path:            "/railway",
			Protected:       true,
			RequiresChannel: true,
			Handler:         railwayHandler,
		},
		{
			Method:          http.MethodPost,
			Path:            "/uptimekuma",
			Protected:       true,
			RequiresChannel: true,
			Handler:         uptimeKumaHandler,
		},
	}
}

// exampleHandler is an unprotected hello endpoint, useful for checking
// the server is reachable before wiring real integrations.
func exampleHandler(c *gin.Context, _ *WebhookServer, _ string) {
	c.JSON(http.StatusOK, gin.H{"message": "Hello, world!"})
}

// genericHandler relays an arbitrary JSON payload into a channel: a
// short embed plus the pretty-printed payload attached as a file, so
// nothing is lost to embed size limits.
func genericHandler(c *gin.Context, w *WebhookServer, channelID string) {
	payload, err := readJSONBody(c)
	if err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest, gin.H{"error": err.Error()},
		)
		return
	}

	pretty, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest, gin.H{"error": "unserializable payload"},
		)
		return
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Webhook received",
		Description: fmt.Sprintf("Payload with %d top-level keys attached.", len(payload)),
		Color:       webhookEmbedColorInfo,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	_, err = w.session.ChannelMessageSendComplex(
		channelID, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{embed},
			Files: []*discordgo.File{
				{
					Name:        genericPayloadFilename,
					ContentType: "application/json",
					Reader:      bytes.NewReader(pretty),
				},
			},
		},
	)
	if err != nil {
		w.logger.Error("error relaying generic webhook", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

// railwayPayload is the subset of Railway's deployment webhook payload
// used for the announcement embed.
type railwayPayload struct {
	Type        string `json:"type"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Project     struct {
		Name string `json:"name"`
	} `json:"project"`
	Environment struct {
		Name string `json:"name"`
	} `json:"environment"`
	Deployment struct {
		ID string `json:"id"`
	} `json:"deployment"`
}

// railwayHandler announces Railway deployment status changes.
func railwayHandler(c *gin.Context, w *WebhookServer, channelID string) {
	var payload railwayPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest, gin.H{"error": "invalid payload"},
		)
		return
	}

	color := webhookEmbedColorInfo
	switch strings.ToUpper(payload.Status) {
	case "SUCCESS", "DEPLOYED", "COMPLETED":
		color = webhookEmbedColorSuccess
	case "FAILED", "CRASHED":
		color = webhookEmbedColorFailure
	}

	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf(
			"Railway %s: %s",
			strings.ToLower(payload.Type),
			payload.Status,
		),
		Color:     color,
		Timestamp: payload.Timestamp,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Project", Value: payload.Project.Name, Inline: true},
			{Name: "Environment", Value: payload.Environment.Name, Inline: true},
		},
	}
	if payload.Deployment.ID != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text: "Deployment " + payload.Deployment.ID,
		}
	}

	if _, err := w.session.ChannelMessageSendComplex(
		channelID, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	); err != nil {
		w.logger.Error("error announcing railway status", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

// uptimeKumaPayload is Uptime Kuma's outbound webhook shape.
type uptimeKumaPayload struct {
	Msg       string `json:"msg"`
	Heartbeat struct {
		// Status is 0 for down, 1 for up
		Status int    `json:"status"`
		Msg    string `json:"msg"`
		Time   string `json:"time"`
	} `json:"heartbeat"`
	Monitor struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"monitor"`
}

// uptimeKumaHandler announces monitor state changes and mirrors
// outages as guild scheduled events, so downtime shows up in the
// guild's event list while it lasts.
func uptimeKumaHandler(c *gin.Context, w *WebhookServer, channelID string) {
	var payload uptimeKumaPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest, gin.H{"error": "invalid payload"},
		)
		return
	}

	down := payload.Heartbeat.Status == 0
	color := webhookEmbedColorSuccess
	state := "up"
	if down {
		color = webhookEmbedColorFailure
		state = "down"
	}

	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s is %s", payload.Monitor.Name, state),
		Description: payload.Heartbeat.Msg,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	if payload.Monitor.URL != "" {
		embed.URL = payload.Monitor.URL
	}

	if _, err := w.session.ChannelMessageSendComplex(
		channelID, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	); err != nil {
		w.logger.Error("error announcing monitor status", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	if w.guildID != "" {
		w.syncOutageEvent(payload.Monitor.Name, payload.Heartbeat.Msg, down)
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

// syncOutageEvent creates a guild scheduled event when a monitor goes
// down, and removes it when the monitor recovers. Best-effort; failures
// never affect the webhook response.
func (w *WebhookServer) syncOutageEvent(
	monitorName string,
	detail string,
	down bool,
) {
	eventName := monitorName + " outage"

	events, err := w.session.GuildScheduledEvents(w.guildID, false)
	if err != nil {
		w.logger.Warn("error listing scheduled events", tint.Err(err))
		return
	}
	var existing *discordgo.GuildScheduledEvent
	for _, event := range events {
		if event.Name == eventName {
			existing = event
			break
		}
	}

	switch {
	case down && existing == nil:
		start := time.Now().Add(time.Minute)
		end := start.Add(24 * time.Hour)
		_, err = w.session.GuildScheduledEventCreate(
			w.guildID, &discordgo.GuildScheduledEventParams{
				Name:               eventName,
				Description:        detail,
				ScheduledStartTime: &start,
				ScheduledEndTime:   &end,
				EntityType:         discordgo.GuildScheduledEventEntityTypeExternal,
				EntityMetadata: &discordgo.GuildScheduledEventEntityMetadata{
					Location: monitorName,
				},
				PrivacyLevel: discordgo.GuildScheduledEventPrivacyLevelGuildOnly,
			},
		)
		if err != nil {
			w.logger.Warn("error creating outage event", tint.Err(err))
		}
	case down && existing != nil:
		if _, err = w.session.GuildScheduledEventEdit(
			w.guildID, existing.ID,
			&discordgo.GuildScheduledEventParams{Description: detail},
		); err != nil {
			w.logger.Warn("error updating outage event", tint.Err(err))
		}
	case !down && existing != nil:
		if err = w.session.GuildScheduledEventDelete(
			w.guildID, existing.ID,
		); err != nil {
			w.logger.Warn("error deleting outage event", tint.Err(err))
		}
	}
}

// readJSONBody decodes the request body as a JSON object.
func readJSONBody(c *gin.Context) (map[string]any, error) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("unreadable body")
	}
	var payload map[string]any
	if err = json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON payload")
	}
	return payload, nil
}
