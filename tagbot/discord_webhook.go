package tagbot

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net"
	"net/http"
)

const apiDiscordInteractions = "/discord/interactions"

// DiscordWebhookServer receives interactions as HTTP POST requests,
// as an alternative to receiving them over the gateway.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

// Serve blocks until the HTTP server is shut down. A listener is opened
// on the configured address unless one was already set.
func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	if d.listener == nil {
		ln, err := (&net.ListenConfig{}).Listen(ctx, d.config.ListenNetwork, d.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
		}
		d.listener = ln
	}
	if d.httpServer.TLSConfig != nil {
		return d.httpServer.ServeTLS(d.listener, "", "")
	}
	d.logger.Warn("starting server without TLS")
	return d.httpServer.Serve(d.listener)
}

func newWebhookServer(
	b *TagBot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	var tlsCfg *tls.Config
	if config.SSL.enabled() {
		var err error
		if tlsCfg, err = config.SSL.tlsConfig(); err != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
		}
	}

	if b.config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if !b.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		discordRequestAuthenticationMiddleware(b.discord.publicKey),
	)
	// resolved per request, since the handler is set once the bot's
	// run context exists
	r.POST(apiDiscordInteractions, func(c *gin.Context) { b.webhookInteractionHandler(c) })

	return &DiscordWebhookServer{
		config: config,
		engine: r,
		logger: newServerLogger(config.LogLevel, "discord_webhook"),
		httpServer: &http.Server{
			Addr:              config.Listen,
			Handler:           r,
			TLSConfig:         tlsCfg,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
		},
	}, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written to the HTTP response, and everything
// after that goes through the REST API.
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	// the handler may keep running (waiting on a confirmation, for
	// example), and discord needs the response within 3 seconds
	w.ginContext.Writer.Flush()
	return nil
}

// webhookReceiveHandler decodes the interaction in the request body and
// hands it to [TagBot.handleInteraction] under ctx
func webhookReceiveHandler(ctx context.Context, b *TagBot) func(c *gin.Context) {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_ip", c.RemoteIP(),
				"path", c.Request.URL.Path,
				xRequestIDHeader, requestID,
			),
		)
		runCtx := WithLogger(ctx, logger)

		defer func() { _ = c.Request.Body.Close() }()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error reading request body", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error reading request body"})
			return
		}

		i := &discordgo.InteractionCreate{}
		if err = json.Unmarshal(body, i); err != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(err))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		b.handleInteraction(
			runCtx,
			WebhookHandler{ginContext: c, InteractionHandler: b.getInteractionHandlerFunc(ctx, i)},
		)
	}
}

// discordRequestAuthenticationMiddleware rejects requests that aren't
// signed with the application's public key.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the request's ed25519 signature. The body is
// left readable for the next handler.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	// ed25519.Verify panics on a malformed key
	return len(key) == ed25519.PublicKeySize && discordgo.VerifyInteraction(r, key)
}
