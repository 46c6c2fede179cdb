package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/4xmen/legacychat/internal/auth"
	"github.com/4xmen/legacychat/internal/db"
	"github.com/4xmen/legacychat/pkg/i18n"
	"github.com/4xmen/legacychat/pkg/logger"
)

type AuthHandler struct {
	authSvc *auth.Service
	db      *db.DB
	lang    string
	log     zerolog.Logger
}

func NewAuthHandler(authSvc *auth.Service, database *db.DB, lang string, base zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		authSvc: authSvc,
		db:      database,
		lang:    lang,
		log:     logger.Component(base, "auth"),
	}
}

// AuthMiddleware validates the bearer token and records the caller. The
// first request from a user creates their row so names from the token
// show up in conversation lists.
func (h *AuthHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))

		// Browsers cannot set headers on a websocket upgrade.
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}

		if token == "" {
			abortWithError(c, http.StatusUnauthorized, h.lang, "missing authorization token")
			return
		}

		claims, err := h.authSvc.ValidateToken(token)
		if err != nil {
			h.log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("token rejected")
			abortWithError(c, http.StatusUnauthorized, h.lang, "invalid token")
			return
		}

		if err := h.db.EnsureUser(c.Request.Context(), db.User{ID: claims.UserID, FullName: claims.FullName}); err != nil {
			h.log.Error().Err(err).Str("user_id", claims.UserID).Msg("failed to record user")
			abortWithError(c, http.StatusInternalServerError, h.lang, "internal server error")
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("full_name", claims.FullName)
		c.Next()
	}
}

func abortWithError(c *gin.Context, code int, lang, message string) {
	c.AbortWithStatusJSON(code, gin.H{"error": i18n.Translate(lang, message)})
}
