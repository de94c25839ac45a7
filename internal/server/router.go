package server

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forwarding-audit-go/internal/backend"
)

// PoolState is the part of the worker pool the health check reports
type PoolState interface {
	IsRunning() bool
	Active() int64
	Workers() int
}

// SchedulerState is the part of the scheduler the health check reports
type SchedulerState interface {
	IsRunning() bool
	GetNextRun() time.Time
	GetLastRun() time.Time
}

// Handlers holds the state the operational endpoints read
type Handlers struct {
	selection *backend.Selection
	pool      PoolState
	scheduler SchedulerState
	gatherer  prometheus.Gatherer
}

// NewHandlers creates handlers; scheduler may be nil when disabled
func NewHandlers(sel *backend.Selection, pool PoolState, sched SchedulerState, gatherer prometheus.Gatherer) *Handlers {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handlers{
		selection: sel,
		pool:      pool,
		scheduler: sched,
		gatherer:  gatherer,
	}
}

// SetupRoutes registers the operational routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
}

// SetupRouter configures routes and middleware
func SetupRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware())
	h.SetupRoutes(router)
	return router
}

func loggerMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	})
}
