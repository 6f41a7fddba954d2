package tagbot

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

const (
	pprofPrefix              = "/debug"
	apiPrefix                = "/api"
	apiHealthCheck           = "/healthz"
	apiPathTags              = "/tags"
	apiPathTag               = "/tags/:name"
	apiPathReloadTags        = "/tags/reload"
	apiPathStats             = "/stats"
	apiPathExportStats       = "/stats/export"
	apiPathRegisterCommands  = "/discord/register_commands"
	apiPathQuit              = "/quit"
	apiBasicAuthRealm        = "tagbot"
	apiNotifyTimeout         = 10 * time.Second
	apiStopTimeout           = 30 * time.Second
	apiLoginRateLimitBurst   = 5
	apiLoginRateLimitRefresh = time.Second
)

const xRequestIDHeader = "X-Request-ID"

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
}

// APIAdmin is a set of credentials for the admin API
type APIAdmin struct {
	ModelUintID
	Username     string `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string `gorm:"not null" json:"-"`
	ModelUnixTime
}

// SetAPIAdmin creates or updates the admin API credentials for username
func SetAPIAdmin(ctx context.Context, db *gorm.DB, username, password string) error {
	if username == "" || password == "" {
		return errors.New("username and password are required")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			var admin APIAdmin
			rv := tx.Where("username = ?", username).Take(&admin)
			switch {
			case errors.Is(rv.Error, gorm.ErrRecordNotFound):
				return tx.Create(&APIAdmin{Username: username, PasswordHash: hash}).Error
			case rv.Error != nil:
				return rv.Error
			}
			return tx.Model(&admin).Update("password_hash", hash).Error
		},
	)
}

// API is the admin HTTP API, for inspecting tags and stats and
// controlling the running bot.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger
}

func newAPI(b *TagBot, config *APIConfig) (*API, error) {
	r := gin.New()
	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		loginRequestLimiter: rate.NewLimiter(
			rate.Every(apiLoginRateLimitRefresh),
			apiLoginRateLimitBurst,
		),
		logger: newServerLogger(config.LogLevel, "api"),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.enabled() {
		tlsCfg, err := config.SSL.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && b.config.Development {
		corsConfig.AllowOriginFunc = nil
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	if !b.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	handlers := &APIHandlers{b: b}
	r.GET(apiHealthCheck, handlers.healthCheck)

	if b.config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(basicAuthMiddleware(api, b))

	protected.GET(apiPathTags, handlers.getTags)
	protected.GET(apiPathTag, handlers.getTag)
	protected.POST(apiPathReloadTags, handlers.reloadTags)
	protected.GET(apiPathStats, handlers.getStats)
	protected.POST(apiPathExportStats, handlers.exportStats)
	protected.POST(apiPathRegisterCommands, handlers.discordRegisterCommands)
	protected.POST(apiPathQuit, handlers.botQuit)

	return api, nil
}

// Serve listens on the configured address, using TLS if a cert and key
// are configured
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	if a.httpServer.TLSConfig == nil {
		a.logger.Warn("starting API without TLS")
		return a.httpServer.Serve(a.listener)
	}
	return a.httpServer.Serve(tls.NewListener(a.listener, a.httpServer.TLSConfig))
}

// APIHandlers implements the admin API routes
type APIHandlers struct {
	b *TagBot
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Tags                    int    `json:"tags"`
	Uptime                  string `json:"uptime"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: h.b.discord.connected.Load(),
			Tags:                    h.b.tags.Len(),
			Uptime:                  time.Since(h.b.startedAt).Round(time.Second).String(),
		},
	)
}

// getTags returns every cached tag, sorted by name
func (h *APIHandlers) getTags(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.tags.All())
}

func (h *APIHandlers) getTag(c *gin.Context) {
	tag, ok := h.b.tags.Find(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, httpError{Error: ErrTagNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, tag)
}

// reloadTags reloads this instance's tag cache from the database, and
// tells other instances to do the same
func (h *APIHandlers) reloadTags(c *gin.Context) {
	log := ginContextLogger(c)
	ctx, cancel := context.WithTimeout(c, apiNotifyTimeout)
	defer cancel()

	if err := h.b.tags.Load(ctx, h.b.store); err != nil {
		log.Error("error reloading tags", tint.Err(err))
		ginReplyError(c, "error reloading tags")
		return
	}
	if !h.b.notifier.ReloadTags(ctx) {
		c.JSON(http.StatusInternalServerError, httpError{Error: "error sending notification"})
		return
	}
	c.JSON(http.StatusAccepted, httpReply{Message: fmt.Sprintf("reloaded %d tags", h.b.tags.Len())})
}

func (h *APIHandlers) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.stats.Snapshot(h.b.exporter.today()))
}

// exportStats runs the stats export immediately
func (h *APIHandlers) exportStats(c *gin.Context) {
	log := ginContextLogger(c)
	if !h.b.exporter.Enabled() {
		c.JSON(http.StatusConflict, httpError{Error: "stats export is not enabled"})
		return
	}
	ctx, cancel := context.WithTimeout(c, statsExportTimeout)
	defer cancel()
	if err := h.b.exporter.Export(ctx); err != nil {
		log.Error("error exporting stats", tint.Err(err))
		ginReplyError(c, "error exporting stats")
		return
	}
	ginReplyMessage(c, "exported stats")
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.b.discord.registerCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), apiStopTimeout)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.b.notifier.Stop(ctx)
		doneCh <- struct{}{}
		close(doneCh)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

// basicAuthMiddleware checks HTTP basic auth credentials against the
// stored [APIAdmin] records. Failed attempts draw from a rate limiter,
// and once it's empty, all requests are refused until it refills.
func basicAuthMiddleware(a *API, b *TagBot) gin.HandlerFunc {
	unauthorized := func(c *gin.Context) {
		c.Header("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", apiBasicAuthRealm))
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
	}
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if a.loginRequestLimiter.Tokens() < 1 {
			logger.Warn("too many failed login attempts")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
			return
		}

		username, password, ok := c.Request.BasicAuth()
		if !ok || username == "" {
			unauthorized(c)
			return
		}

		if b.db == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "database not ready"})
			return
		}
		var admin APIAdmin
		rv := b.db.WithContext(c).Where("username = ?", username).Take(&admin)
		if rv.Error != nil && !errors.Is(rv.Error, gorm.ErrRecordNotFound) {
			logger.Error("error looking up admin", tint.Err(rv.Error))
			ginReplyError(c, "error checking credentials")
			return
		}

		valid := false
		if rv.Error == nil {
			var err error
			valid, err = VerifyPassword(admin.PasswordHash, password)
			if err != nil {
				logger.Error("error verifying password", tint.Err(err))
			}
		}
		if !valid {
			a.loginRequestLimiter.Allow()
			logger.Warn("invalid credentials", "username", username)
			unauthorized(c)
			return
		}

		c.Set("username", username)
		c.Next()
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := randomHex(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		errs := c.Errors.ByType(gin.ErrorTypePrivate)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method and path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// GenerateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func GenerateSelfSignedCert(certFile string, keyFile string) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryptorand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := cryptorand.Int(cryptorand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	hosts := []string{"localhost"}
	certTemplate := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"tagbot"},
		},
		DNSNames:              hosts,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryptorand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	if err = writePEM(certFile, "CERTIFICATE", derBytes, 0o644); err != nil {
		return tls.Certificate{}, err
	}
	if err = writePEM(keyFile, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv), 0o600); err != nil {
		return tls.Certificate{}, err
	}
	return tls.LoadX509KeyPair(certFile, keyFile)
}

func writePEM(path string, blockType string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if err = pem.Encode(f, &pem.Block{Type: blockType, Bytes: data}); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
