package logging

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// AccessLogger writes one structured access log line per HTTP request.
// Health probes at 2xx log at debug so they do not drown request traffic.
func AccessLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		entry := log.WithFields(log.Fields{
			"status":  status,
			"latency": time.Since(start).Truncate(time.Millisecond).String(),
			"client":  c.ClientIP(),
			"method":  c.Request.Method,
			"path":    path,
		})
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			entry = entry.WithField("errors", errs)
		}

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("request rejected")
		case path == "/health" || path == "/":
			entry.Debug("request served")
		default:
			entry.Info("request served")
		}
	}
}

// Recovery converts handler panics into 500s and logs the stack.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("handler panicked")

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
