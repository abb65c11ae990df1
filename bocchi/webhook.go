package bocchi

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	xRequestIDHeader     = "X-Request-ID"
	xWebhookSecretHeader = "X-Webhook-Secret"

	// webhookSecretParam lets callers that can't set headers pass the
	// secret as a query parameter instead.
	webhookSecretParam = "secret"

	// webhookChannelParam names the discord channel a webhook posts to.
	webhookChannelParam = "channelId"

	// webhookSecretLength is the hex length of generated route secrets.
	webhookSecretLength = 10

	webhookShutdownTimeout = 5 * time.Second
)

// webhookRoute is one static route definition. The full registry is
// declared in webhook_routes.go; there is no runtime discovery, and a
// route exists iff it's listed there.
type webhookRoute struct {
	Method    string
	Path      string
	Protected bool

	// RequiresChannel gates the channelId query parameter: when set,
	// the parameter is mandatory and must name a resolvable channel.
	RequiresChannel bool

	Handler webhookHandlerFunc
}

// webhookHandlerFunc handles a request that already passed the method,
// secret and channel guards. channelID is empty for routes that don't
// require one.
type webhookHandlerFunc func(
	c *gin.Context,
	w *WebhookServer,
	channelID string,
)

// WebhookServer exposes the webhook routes over HTTP. Routes are
// declared statically, authorized by per-route persisted secrets, and
// post into discord channels through the shared session handler.
type WebhookServer struct {
	config     *WebhookConfig
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
	db         DBI
	session    DiscordSessionHandler
	guildID    string

	// secrets maps a protected route path to its current secret,
	// hydrated from persisted records during startup.
	secrets map[string]string
}

func newWebhookServer(
	config *WebhookConfig,
	db DBI,
	session DiscordSessionHandler,
	guildID string,
	logger *slog.Logger,
) (*WebhookServer, error) {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	w := &WebhookServer{
		config:  config,
		engine:  engine,
		db:      db,
		session: session,
		guildID: guildID,
		logger:  logger.With(loggerNameKey, "webhook"),
		secrets: map[string]string{},
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		var err error
		tlsCfg, err = tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}
	w.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           engine,
		TLSConfig:         tlsCfg,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}
	engine.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		w.loggingMiddleware(),
		cors.New(corsConfig),
	)

	if err := w.syncRoutes(context.Background(), webhookRoutes()); err != nil {
		return nil, err
	}
	w.registerRoutes(webhookRoutes())
	return w, nil
}

// syncRoutes reconciles the static route definitions against persisted
// WebhookRoute records: new paths get a record (with a fresh secret
// when protected), changed protection flags are updated, and records
// for paths no longer defined are deleted. Any persistence failure is
// returned, aborting startup - an unauthorized route must never go
// live because its secret couldn't be stored.
func (w *WebhookServer) syncRoutes(
	ctx context.Context,
	routes []webhookRoute,
) error {
	defined := map[string]bool{}
	for _, route := range routes {
		if defined[route.Path] {
			// secondary methods on the same path share the record
			continue
		}
		defined[route.Path] = true

		var record WebhookRoute
		err := w.db.DB().WithContext(ctx).Where(
			"path = ?", route.Path,
		).First(&record).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			record = WebhookRoute{
				Path:        route.Path,
				IsProtected: route.Protected,
			}
			if route.Protected {
				secret, secretErr := generateRandomHexString(
					webhookSecretLength,
				)
				if secretErr != nil {
					return fmt.Errorf(
						"error generating webhook secret: %w", secretErr,
					)
				}
				record.Secret = secret
			}
			if _, err = w.db.Create(ctx, &record); err != nil {
				return fmt.Errorf(
					"error persisting webhook route %s: %w", route.Path, err,
				)
			}
		case err != nil:
			return fmt.Errorf(
				"error loading webhook route %s: %w", route.Path, err,
			)
		default:
			changed := record.IsProtected != route.Protected
			record.IsProtected = route.Protected
			if route.Protected && record.Secret == "" {
				secret, secretErr := generateRandomHexString(
					webhookSecretLength,
				)
				if secretErr != nil {
					return fmt.Errorf(
						"error generating webhook secret: %w", secretErr,
					)
				}
				record.Secret = secret
				changed = true
			}
			if changed {
				if _, err = w.db.Save(ctx, &record); err != nil {
					return fmt.Errorf(
						"error updating webhook route %s: %w", route.Path, err,
					)
				}
			}
		}

		if route.Protected {
			w.secrets[route.Path] = record.Secret
		}
	}

	// drop records for routes that no longer exist
	var persisted []WebhookRoute
	if err := w.db.DB().WithContext(ctx).Find(&persisted).Error; err != nil {
		return fmt.Errorf("error listing webhook routes: %w", err)
	}
	for i := range persisted {
		if defined[persisted[i].Path] {
			continue
		}
		if _, err := w.db.Delete(
			&WebhookRoute{}, "id = ?", persisted[i].ID,
		); err != nil {
			return fmt.Errorf(
				"error deleting stale webhook route %s: %w",
				persisted[i].Path,
				err,
			)
		}
		w.logger.Info(
			"removed stale webhook route", "path", persisted[i].Path,
		)
	}

	w.logEndpoints(routes)
	return nil
}

// logEndpoints emits one line per route with its ready-to-call external
// URL, including the secret for protected routes. Convenience for
// operators pasting URLs into external services.
func (w *WebhookServer) logEndpoints(routes []webhookRoute) {
	base := strings.TrimRight(w.config.ExternalURL, "/")
	for _, route := range routes {
		url := base + route.Path
		if route.Protected {
			url = url + "?" + webhookSecretParam + "=" + w.secrets[route.Path]
		}
		w.logger.Info(
			"webhook endpoint registered",
			"method", route.Method,
			"path", route.Path,
			"protected", route.Protected,
			"url", url,
		)
	}
}

// registerRoutes installs one Any-method gin handler per unique path.
// gin would answer an undeclared method with 404; dispatching methods
// ourselves gets the correct 405.
func (w *WebhookServer) registerRoutes(routes []webhookRoute) {
	byPath := map[string]map[string]webhookRoute{}
	for _, route := range routes {
		if byPath[route.Path] == nil {
			byPath[route.Path] = map[string]webhookRoute{}
		}
		byPath[route.Path][route.Method] = route
	}
	for path, methods := range byPath {
		w.engine.Any(path, w.dispatch(methods))
	}
}

// dispatch runs the per-request guard chain - method (405), secret
// (401), channel resolution (400/404) - then the route handler.
func (w *WebhookServer) dispatch(
	methods map[string]webhookRoute,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		route, ok := methods[c.Request.Method]
		if !ok {
			c.AbortWithStatus(http.StatusMethodNotAllowed)
			return
		}

		if route.Protected && !w.secretMatches(c, route.Path) {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "invalid or missing secret"},
			)
			return
		}

		var channelID string
		if route.RequiresChannel {
			channelID = c.Query(webhookChannelParam)
			if channelID == "" {
				c.AbortWithStatusJSON(
					http.StatusBadRequest,
					gin.H{"error": "missing channelId parameter"},
				)
				return
			}
			if _, err := w.session.Channel(channelID); err != nil {
				c.AbortWithStatusJSON(
					http.StatusNotFound,
					gin.H{"error": "unknown channel"},
				)
				return
			}
		}

		route.Handler(c, w, channelID)
	}
}

// secretMatches checks the request's secret (query parameter first,
// then header) against the route's persisted secret, in constant time.
func (w *WebhookServer) secretMatches(c *gin.Context, path string) bool {
	expected := w.secrets[path]
	if expected == "" {
		return false
	}
	provided := c.Query(webhookSecretParam)
	if provided == "" {
		provided = c.GetHeader(xWebhookSecretHeader)
	}
	return subtle.ConstantTimeCompare(
		[]byte(provided), []byte(expected),
	) == 1
}

// Serve listens until the context is canceled, then shuts down
// gracefully.
func (w *WebhookServer) Serve(ctx context.Context) error {
	listener, err := net.Listen(
		w.config.ListenNetwork, w.config.Listen,
	)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", w.config.Listen, err)
	}

	errCh := make(chan error, 1)
	go func() {
		w.logger.Info(
			"webhook server listening",
			"addr", w.config.Listen,
			"ssl", w.httpServer.TLSConfig != nil,
		)
		var serveErr error
		if w.httpServer.TLSConfig != nil {
			serveErr = w.httpServer.ServeTLS(listener, "", "")
		} else {
			serveErr = w.httpServer.Serve(listener)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	select {
	case err = <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), webhookShutdownTimeout,
	)
	defer cancel()
	if err = w.httpServer.Shutdown(shutdownCtx); err != nil {
		w.logger.Warn("webhook server shutdown error", tint.Err(err))
	}
	return nil
}

// requestIDMiddleware assigns each request a UUID, echoed in the
// response headers and attached to the request logger.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// loggingMiddleware logs one line per request with method, path,
// status, duration and the request ID.
func (w *WebhookServer) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		requestID, _ := c.Get(xRequestIDHeader)
		attrs := []any{
			"duration", latency,
			slog.Any(xRequestIDHeader, requestID),
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		}

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			w.logger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				append(attrs, "errors", errs)...,
			)
			return
		}
		w.logger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			attrs...,
		)
	}
}
