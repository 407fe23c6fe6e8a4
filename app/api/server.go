package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// NewServer creates the HTTP engine with all routes configured. The surface
// is observability only: pipeline state is managed through the rule-set
// file, not over HTTP.
func NewServer(handler *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %d %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.StatusCode,
				param.Latency,
			)
		},
	}))
	r.Use(gin.Recovery())

	r.GET("/health", handler.HealthCheck)
	r.GET("/stats", handler.GetStats)
	r.GET("/cycles/latest", handler.GetLatestCycle)

	return r
}
