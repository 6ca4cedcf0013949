package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"FaceReaderBridge/internal/collector"
	"FaceReaderBridge/internal/engineclient"
	"FaceReaderBridge/internal/session"
)

// 请求体大小上限
const maxRequestBytes = 64 * 1024

// Controller 控制接口依赖的会话操作，由 session.Controller 实现
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Start(ctx context.Context) error
	Stop() error
	SetUser(ctx context.Context, name string) error
	State() session.State
	GetStats() map[string]interface{}
}

// Collector 控制接口直接转发给采集端的操作，由 collector.Client 实现
type Collector interface {
	SetStimulus(ctx context.Context, name string) (json.RawMessage, error)
	AggregateEmotions(ctx context.Context) (json.RawMessage, error)
	Restart(ctx context.Context) (string, error)
	GetStats() map[string]interface{}
}

// EventStream 事件推送端点
type EventStream interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	GetStats() map[string]interface{}
}

// ServerConfig 控制接口配置
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// APIResponse 响应信封
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// APIServer 本地控制接口
type APIServer struct {
	router     *mux.Router
	server     *http.Server
	controller Controller
	collector  Collector
	events     EventStream
	startTime  time.Time

	// 统计信息
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// NewAPIServer 创建控制接口服务器，collector 与 events 可为 nil
func NewAPIServer(config ServerConfig, controller Controller, collector Collector, events EventStream) *APIServer {
	if controller == nil {
		panic("controller cannot be nil")
	}

	s := &APIServer{
		router:     mux.NewRouter(),
		controller: controller,
		collector:  collector,
		events:     events,
		startTime:  time.Now(),
	}

	s.setupRoutes()

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/engine/connect", s.connectHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/engine/disconnect", s.disconnectHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/analysis/start", s.startHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/analysis/stop", s.stopHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/user", s.setUserHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/stimulus", s.setStimulusHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/emotions/aggregate", s.aggregateHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/chat/restart", s.restartHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.healthCheckHandler).Methods(http.MethodGet)

	if s.events != nil {
		s.router.HandleFunc("/ws/events", s.events.HandleWebSocket)
	}
}

// Handler 返回带 CORS 的根处理器
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start),
		}).Debug("Control request")
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		next.ServeHTTP(w, r)
	})
}

// 引擎连接
func (s *APIServer) connectHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Connect(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeState(w)
}

func (s *APIServer) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Disconnect(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeState(w)
}

// 分析控制
func (s *APIServer) startHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Start(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeState(w)
}

func (s *APIServer) stopHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Stop(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeState(w)
}

// 用户与刺激
func (s *APIServer) setUserHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserName string `json:"user_name"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserName) == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "user_name is required")
		return
	}

	if err := s.controller.SetUser(r.Context(), req.UserName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccessResponse(w, map[string]interface{}{"user_name": strings.TrimSpace(req.UserName)})
}

func (s *APIServer) setStimulusHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireCollector(w) {
		return
	}

	var req struct {
		Stimuli string `json:"stimuli"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Stimuli) == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "stimuli is required")
		return
	}

	log, err := s.collector.SetStimulus(r.Context(), req.Stimuli)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccessResponse(w, map[string]interface{}{"log": log})
}

func (s *APIServer) aggregateHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireCollector(w) {
		return
	}

	log, err := s.collector.AggregateEmotions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccessResponse(w, map[string]interface{}{"log": log})
}

func (s *APIServer) restartHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireCollector(w) {
		return
	}

	url, err := s.collector.Restart(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccessResponse(w, map[string]interface{}{"url": url})
}

// 状态与健康检查
func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, s.GetStats())
}

func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

// 辅助方法
func (s *APIServer) requireCollector(w http.ResponseWriter) bool {
	if s.collector == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "NO_COLLECTOR", "collector is not configured")
		return false
	}
	return true
}

func (s *APIServer) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(v); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *APIServer) writeState(w http.ResponseWriter) {
	s.writeSuccessResponse(w, map[string]interface{}{"state": s.controller.State().String()})
}

// writeError 按错误类别映射状态码
func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"

	switch {
	case errors.Is(err, session.ErrAlreadyConnected),
		errors.Is(err, session.ErrAlreadyAnalyzing),
		errors.Is(err, session.ErrNotConnected):
		status, code = http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, session.ErrInvalidUser):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, engineclient.ErrConnection),
		errors.Is(err, engineclient.ErrSend):
		status, code = http.StatusBadGateway, "ENGINE_UNAVAILABLE"
	case errors.Is(err, collector.ErrPush):
		status, code = http.StatusBadGateway, "COLLECTOR_UNAVAILABLE"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	}

	s.writeErrorResponse(w, status, code, err.Error())
}

func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.errorCount.Add(1)

	response := APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Start 启动服务器，阻塞直到关闭
func (s *APIServer) Start() error {
	logrus.WithField("addr", s.server.Addr).Info("Starting control API")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅停止服务器
func (s *APIServer) Shutdown(ctx context.Context) error {
	logrus.Info("Stopping control API")
	return s.server.Shutdown(ctx)
}

// GetStats 获取服务器统计信息
func (s *APIServer) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"total_requests": s.requestCount.Load(),
		"error_count":    s.errorCount.Load(),
		"session":        s.controller.GetStats(),
	}
	if s.collector != nil {
		stats["collector"] = s.collector.GetStats()
	}
	if s.events != nil {
		stats["events"] = s.events.GetStats()
	}
	return stats
}
