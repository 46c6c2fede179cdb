package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/4xmen/legacychat/internal/auth"
	"github.com/4xmen/legacychat/internal/db"
	"github.com/4xmen/legacychat/internal/ws"
	"github.com/4xmen/legacychat/pkg/i18n"
	"github.com/4xmen/legacychat/pkg/logger"
)

// DefaultUploadRate bounds image uploads per client IP.
var DefaultUploadRate = limiter.Rate{Period: time.Minute, Limit: 30}

type RouterConfig struct {
	DB            *db.DB
	Auth          *auth.Service
	Hub           *ws.Hub
	StoragePath   string
	MaxUploadSize int64
	PublicURL     string
	Language      string
	UploadRate    limiter.Rate
	Logger        zerolog.Logger
}

// NewRouter wires the REST and socket endpoints the chat client talks to.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.UploadRate.Limit == 0 {
		cfg.UploadRate = DefaultUploadRate
	}
	httpLog := logger.Component(cfg.Logger, "http")

	authHandler := NewAuthHandler(cfg.Auth, cfg.DB, cfg.Language, cfg.Logger)
	msgHandler := NewMessageHandler(cfg.DB, MessageOptions{
		StoragePath:   cfg.StoragePath,
		MaxUploadSize: cfg.MaxUploadSize,
		PublicURL:     cfg.PublicURL,
		Language:      cfg.Language,
	}, cfg.Logger)

	router := gin.New()
	router.Use(requestLogger(httpLog))
	router.Use(panicRecovery(httpLog, cfg.Language))
	if cfg.MaxUploadSize > 0 {
		router.MaxMultipartMemory = cfg.MaxUploadSize
	}

	api := router.Group("/api")
	api.Use(authHandler.AuthMiddleware())
	{
		api.GET("/chats/:userId/:peerId", msgHandler.GetHistory)
		api.GET("/chats/:userId", msgHandler.GetConversations)
		api.GET("/notification/:userId", msgHandler.GetNotifications)
		api.PUT("/notification/:userId/:peerId/read", msgHandler.MarkRead)

		uploadLimiter := limiter.New(memory.NewStore(), cfg.UploadRate)
		api.POST("/upload", rateLimitMiddleware(uploadLimiter, cfg.Language), msgHandler.UploadFile)
	}

	router.Static("/api/files", cfg.StoragePath)

	router.GET("/ws", authHandler.AuthMiddleware(), cfg.Hub.HandleWebSocket)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": i18n.Translate(cfg.Language, "not found")})
	})

	return router
}

func rateLimitMiddleware(limiterInstance *limiter.Limiter, lang string) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			abortWithError(c, http.StatusInternalServerError, lang, "rate limiter error")
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			abortWithError(c, http.StatusTooManyRequests, lang, "rate limit exceeded")
			return
		}

		c.Next()
	}
}

// maxLoggedBody caps how much of a failed response is kept for the log.
const maxLoggedBody = 4 << 10

// responseBodyWriter keeps the start of server error responses. Other
// responses, file downloads included, pass through uncopied.
type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	if room := w.room(); room > 0 {
		w.body.Write(b[:min(len(b), room)])
	}
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	if room := w.room(); room > 0 {
		w.body.WriteString(s[:min(len(s), room)])
	}
	return w.ResponseWriter.WriteString(s)
}

func (w responseBodyWriter) room() int {
	if w.ResponseWriter.Status() < http.StatusInternalServerError {
		return 0
	}
	return maxLoggedBody - w.body.Len()
}

// requestLogger logs every request at debug and server errors with their
// response body at error level.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		status := c.Writer.Status()
		event := log.Debug()
		if status >= http.StatusInternalServerError {
			event = log.Error().
				Str("errors", c.Errors.ByType(gin.ErrorTypeAny).String()).
				Str("response", strings.TrimSpace(blw.body.String()))
		}
		event.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("ip", c.ClientIP()).
			Dur("duration", time.Since(start).Truncate(time.Millisecond)).
			Msg("request")
	}
}

func panicRecovery(log zerolog.Logger, lang string) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("ip", c.ClientIP()).
			Interface("error", recovered).
			Bytes("stack", debug.Stack()).
			Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": i18n.Translate(lang, "internal server error")})
	})
}
