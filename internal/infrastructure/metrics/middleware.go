package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware returns a gin middleware that records metrics for each data
// request, labeled by entity type and operation.
func Middleware(collector *Collector, exporter *PrometheusExporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		operation := c.Param("type") + "/" + c.Param("op")
		if operation == "/" {
			operation = c.FullPath()
		}

		collector.RecordRequest(operation)
		if exporter != nil {
			exporter.RecordRequest(operation)
		}

		c.Next()

		duration := time.Since(start).Seconds()
		collector.RecordDuration(operation, duration)
		if exporter != nil {
			exporter.RecordDuration(operation, duration)
		}

		if c.Writer.Status() >= http.StatusBadRequest {
			collector.RecordError(operation)
			if exporter != nil {
				exporter.RecordError(operation)
			}
		}
	}
}
