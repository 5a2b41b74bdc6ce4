package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mappy4ever/DexTrends-sub010/internal/services"
)

const (
	SessionCookieName = "analytics_session_id"
	SessionHeader     = "X-Session-ID"
	sessionMaxAge     = 365 * 24 * 60 * 60
)

// sessionID returns the caller's analytics session, minting and setting a cookie for
// browsers that have none. Non-browser clients may send X-Session-ID instead.
func sessionID(c *gin.Context) string {
	if id, err := c.Cookie(SessionCookieName); err == nil && id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader(SessionHeader)); id != "" {
		return id
	}

	id := "session_" + uuid.New().String()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookieName, id, sessionMaxAge, "/", "", false, true)
	return id
}

// clientContext captures what the browser would have attached to an event.
func clientContext(c *gin.Context, pageURL string) services.ClientContext {
	if pageURL == "" {
		pageURL = c.Request.Referer()
	}
	return services.ClientContext{
		SessionID: sessionID(c),
		UserAgent: c.Request.UserAgent(),
		URL:       pageURL,
		Referrer:  c.Request.Referer(),
	}
}
