// Package httpmw holds the gin middleware shared by HTTP surfaces.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/logger"
)

// RequestLogger emits one structured line per request after the handler
// chain finishes. 5xx responses log at error, everything else at debug so
// health probes and metric scrapes do not drown the log.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", route),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(started)),
		}
		if n := c.Writer.Size(); n > 0 {
			fields = append(fields, zap.Int("bytes", n))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		if status >= 500 {
			log.Error("http", fields...)
		} else {
			log.Debug("http", fields...)
		}
	}
}
