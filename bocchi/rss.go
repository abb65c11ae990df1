package bocchi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/mmcdole/gofeed"
)

const (
	// rssFingerprintLength bounds the stored per-feed fingerprint.
	rssFingerprintLength = 512

	rssEmbedDescriptionLength = 500
	rssEmbedColor             = 0x5865F2
)

// rssPoller checks subscribed feeds for new items and announces them in
// the configured channel. Polling is conditional: each feed's ETag is
// replayed as If-None-Match, and a 304 skips parsing entirely. New
// items are detected by fingerprinting the newest item's content, so no
// item history is stored.
type rssPoller struct {
	db         DBI
	session    DiscordSessionHandler
	httpClient *http.Client
	channelID  string
	logger     *slog.Logger
	parser     *gofeed.Parser
}

func newRSSPoller(
	db DBI,
	session DiscordSessionHandler,
	httpClient *http.Client,
	channelID string,
	logger *slog.Logger,
) *rssPoller {
	return &rssPoller{
		db:         db,
		session:    session,
		httpClient: httpClient,
		channelID:  channelID,
		logger:     logger.With(loggerNameKey, "rss"),
		parser:     gofeed.NewParser(),
	}
}

// pollAll checks every subscribed feed once. One feed failing doesn't
// stop the rest.
func (r *rssPoller) pollAll(ctx context.Context) {
	if r.channelID == "" {
		return
	}
	var feeds []RSSFeed
	if err := r.db.DB().WithContext(ctx).Find(&feeds).Error; err != nil {
		r.logger.ErrorContext(ctx, "error listing feeds", tint.Err(err))
		return
	}
	for i := range feeds {
		if err := r.poll(ctx, &feeds[i]); err != nil {
			r.logger.ErrorContext(
				ctx,
				"error polling feed",
				tint.Err(err),
				"url", feeds[i].URL,
			)
		}
	}
}

// poll fetches one feed and announces its newest item if it hasn't been
// seen before.
func (r *rssPoller) poll(ctx context.Context, feed *RSSFeed) error {
	body, etag, notModified, err := r.fetch(ctx, feed)
	if err != nil {
		return err
	}
	if notModified {
		return nil
	}

	parsed, err := r.parser.ParseString(body)
	if err != nil {
		return fmt.Errorf("error parsing feed: %w", err)
	}
	if len(parsed.Items) == 0 {
		return nil
	}

	newest := parsed.Items[0]
	fingerprint := itemFingerprint(newest)
	firstCheck := feed.LastCheckedString == ""
	seen := fingerprint == feed.LastCheckedString

	feed.ETag = etag
	feed.LastChecked = time.Now().UnixMilli()
	feed.LastCheckedString = fingerprint
	if _, err = r.db.Save(ctx, feed); err != nil {
		return fmt.Errorf("error saving feed state: %w", err)
	}

	// the first poll establishes the baseline without announcing, so
	// adding a feed doesn't replay its current newest item
	if firstCheck || seen {
		return nil
	}

	r.logger.InfoContext(
		ctx,
		"announcing new feed item",
		"url", feed.URL,
		"title", newest.Title,
	)
	embed := &discordgo.MessageEmbed{
		Title:       newest.Title,
		URL:         newest.Link,
		Description: truncate(itemSummary(newest), rssEmbedDescriptionLength),
		Color:       rssEmbedColor,
	}
	if parsed.Title != "" {
		embed.Author = &discordgo.MessageEmbedAuthor{Name: parsed.Title}
	}
	if newest.PublishedParsed != nil {
		embed.Timestamp = newest.PublishedParsed.Format(time.RFC3339)
	}
	if _, err = r.session.ChannelMessageSendComplex(
		r.channelID, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	); err != nil {
		return fmt.Errorf("error announcing feed item: %w", err)
	}
	return nil
}

// itemSummary prefers the short snippet over full item content.
func itemSummary(item *gofeed.Item) string {
	if item.Description != "" {
		return item.Description
	}
	return item.Content
}

// fetch performs a conditional GET of the feed. Returns the body and
// new ETag, or notModified=true on a 304.
func (r *rssPoller) fetch(ctx context.Context, feed *RSSFeed) (
	body string,
	etag string,
	notModified bool,
	err error,
) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, feed.URL, nil,
	)
	if err != nil {
		return "", "", false, err
	}
	if feed.ETag != "" {
		req.Header.Set("If-None-Match", feed.ETag)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", "", false, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotModified {
		return "", feed.ETag, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", false, fmt.Errorf(
			"feed fetch returned %d", resp.StatusCode,
		)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", false, err
	}
	return string(data), resp.Header.Get("ETag"), false, nil
}

// itemFingerprint identifies a feed item by its content, falling back
// to its description and then its link.
func itemFingerprint(item *gofeed.Item) string {
	fingerprint := item.Content
	if fingerprint == "" {
		fingerprint = item.Description
	}
	if fingerprint == "" {
		fingerprint = item.Link
	}
	fingerprint = strings.TrimSpace(fingerprint)
	return truncate(fingerprint, rssFingerprintLength)
}

// addFeed subscribes to a feed URL, ignoring duplicates.
func (r *rssPoller) addFeed(ctx context.Context, url string) error {
	var existing RSSFeed
	err := r.db.DB().WithContext(ctx).Where(
		"url = ?", url,
	).First(&existing).Error
	if err == nil {
		return fmt.Errorf("feed already subscribed: %s", url)
	}
	if _, err = r.db.Create(ctx, &RSSFeed{URL: url}); err != nil {
		return fmt.Errorf("error subscribing feed: %w", err)
	}
	return nil
}

// removeFeed unsubscribes a feed URL.
func (r *rssPoller) removeFeed(ctx context.Context, url string) error {
	rows, err := r.db.Delete(&RSSFeed{}, "url = ?", url)
	if err != nil {
		return fmt.Errorf("error unsubscribing feed: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("feed not subscribed: %s", url)
	}
	return nil
}

// listFeeds returns all subscriptions.
func (r *rssPoller) listFeeds(ctx context.Context) ([]RSSFeed, error) {
	var feeds []RSSFeed
	if err := r.db.DB().WithContext(ctx).Find(&feeds).Error; err != nil {
		return nil, err
	}
	return feeds, nil
}
