package observability

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// probePaths are polled by orchestrators and only logged at debug.
var probePaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

// RequestLogger logs one line per request. Websocket upgrades return only
// when the connection ends, so they are logged as a connection lifetime.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		upgrade := websocket.IsWebSocketUpgrade(c.Request)
		c.Next()

		path := routePath(c)
		status := c.Writer.Status()
		if upgrade {
			logger.Debug().
				Str("path", path).
				Str("client_ip", c.ClientIP()).
				Dur("lifetime", time.Since(start)).
				Msg("http.upgrade_closed")
			return
		}

		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = logger.Error()
		case status >= http.StatusBadRequest:
			event = logger.Warn()
		case probePaths[path]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http.request")
	}
}

// RequestMetricsMiddleware records request counts and latency. Upgraded
// connections are counted by the session metrics instead.
func RequestMetricsMiddleware(node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		RecordHTTPRequest(node, c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}
