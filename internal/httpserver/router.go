package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tasklist/internal/handler"
	"tasklist/pkg/logger"
	"tasklist/pkg/metrics"
	"tasklist/pkg/otel"
	"tasklist/pkg/trace"
)

// Route is one entry of the task resource table.
type Route struct {
	Method  string
	Path    string
	Handler gin.HandlerFunc
}

// Routes lists the task endpoints. They are mounted at the root and again
// under /api, each with and without a trailing slash.
func Routes(h *handler.TaskHandler) []Route {
	return []Route{
		{Method: http.MethodGet, Path: "/tasks", Handler: h.ListTasks},
		{Method: http.MethodPost, Path: "/tasks", Handler: h.CreateTask},
		{Method: http.MethodPatch, Path: "/tasks/:id", Handler: h.UpdateTask},
		{Method: http.MethodPut, Path: "/tasks/:id", Handler: h.ReplaceTask},
	}
}

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionChecker reports broker connectivity. *mq.Publisher implements it.
type ConnectionChecker interface {
	IsConnected() bool
}

// Options carries the optional collaborators of NewRouter.
type Options struct {
	CORSOrigins []string
	Store       Pinger
	Publisher   ConnectionChecker
}

func NewRouter(taskHandler *handler.TaskHandler, log *zap.Logger, opts Options) *gin.Engine {
	r := gin.New()
	// gin 的重定向在中间件之前返回，CORS 头会丢失；斜杠变体显式注册
	r.RedirectTrailingSlash = false
	r.Use(gin.Recovery())
	r.Use(traceMiddleware())
	r.Use(requestLogMiddleware(log))
	r.Use(metricsMiddleware())
	r.Use(otel.GinMiddleware())
	if len(opts.CORSOrigins) > 0 {
		r.Use(corsMiddleware(opts.CORSOrigins))
	}

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if opts.Store != nil {
			if err := opts.Store.Ping(ctx); err != nil {
				logger.WithTrace(c.Request.Context(), log).Warn("Readiness check failed", zap.Error(err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready"})
				return
			}
		}
		if opts.Publisher != nil && !opts.Publisher.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes := Routes(taskHandler)
	api := r.Group("/api")
	for _, rt := range routes {
		for _, path := range []string{rt.Path, rt.Path + "/"} {
			r.Handle(rt.Method, path, rt.Handler)
			api.Handle(rt.Method, path, rt.Handler)
		}
	}
	return r
}

// traceMiddleware puts the request's trace id into the context and echoes
// it in the response.
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := trace.FromHeaders(c.GetHeader(trace.HeaderName), c.GetHeader(trace.RequestIDHeader))
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Header(trace.HeaderName, traceID)
		c.Next()
	}
}

// 请求日志中间件
func requestLogMiddleware(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.WithTrace(c.Request.Context(), base).Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		)
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// route template keeps label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(origins) == 1 && origins[0] == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", handler.IdempotencyHeader, trace.HeaderName, trace.RequestIDHeader}
	cfg.ExposeHeaders = []string{"Location", trace.HeaderName, handler.ReplayedHeader}
	cfg.MaxAge = 12 * time.Hour
	return cors.New(cfg)
}
