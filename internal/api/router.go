// Package api 提供枪声检测的 HTTP 接口。
package api

import (
	"log/slog"
	"net/http"

	"gunshot-detector/internal/analyzer"
	"gunshot-detector/internal/config"
	"gunshot-detector/internal/observe"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"
)

// RequestIDHeader 请求 ID 的请求头和响应头
const RequestIDHeader = "X-Request-ID"

// Options 路由参数
type Options struct {
	Limits  config.LimitsConfig
	Metrics *observe.Metrics
	Logger  *slog.Logger
	// MetricsHandler 为 nil 时使用 promhttp.Handler()
	MetricsHandler http.Handler
}

// Server HTTP 处理器集合
type Server struct {
	analyzer *analyzer.Analyzer
	limits   config.LimitsConfig
	sem      *semaphore.Weighted
	logger   *slog.Logger
}

// NewHandler 返回带追踪、指标和请求日志的完整 HTTP 处理器
func NewHandler(a *analyzer.Analyzer, opts Options) http.Handler {
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	router := NewRouter(a, opts)
	return observe.Middleware(opts.Metrics, opts.Logger, registeredRoutes(router))(router)
}

// registeredRoutes 以路由表中的路径作为指标标签，路由均为静态路径
func registeredRoutes(r *gin.Engine) observe.RouteFunc {
	routes := r.Routes()
	paths := make([]string, 0, len(routes))
	for _, ri := range routes {
		paths = append(paths, ri.Path)
	}
	return observe.KnownRoutes(paths...)
}

// NewRouter 配置路由
func NewRouter(a *analyzer.Analyzer, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = promhttp.Handler()
	}
	maxConcurrent := opts.Limits.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	s := &Server{
		analyzer: a,
		limits:   opts.Limits,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		logger:   opts.Logger,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	// 超过阈值的上传由 multipart 落盘到临时文件
	r.MaxMultipartMemory = opts.Limits.MemoryThreshold

	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)
	r.GET("/metrics", gin.WrapH(opts.MetricsHandler))

	api := r.Group("/api")
	api.POST("/analyze-audio", s.AnalyzeAudio)

	return r
}

// requestID 沿用调用方提供的请求 ID，没有时生成一个
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		c.Set(RequestIDHeader, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func getRequestID(c *gin.Context) string {
	return c.GetString(RequestIDHeader)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readyz 模型已加载时就绪
func (s *Server) readyz(c *gin.Context) {
	m := s.analyzer.Classifier().Model()
	if m == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "model not loaded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "model": m.Version})
}
