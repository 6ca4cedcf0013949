package testserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"FaceReaderBridge/internal/aggregate"
	"FaceReaderBridge/internal/collector"
)

// CollectorServer 模拟采集端，记录收到的全部请求
type CollectorServer struct {
	router *mux.Router
	server *http.Server

	mu          sync.RWMutex
	users       []string
	stimuli     []string
	submissions [][]aggregate.EmotionSummary
	chatLogs    []json.RawMessage
	restarts    int
	failStatus  int
	failCount   int
	delay       time.Duration
}

// NewCollectorServer 创建采集端模拟器
func NewCollectorServer() *CollectorServer {
	s := &CollectorServer{router: mux.NewRouter()}

	s.router.Use(s.faultMiddleware)
	s.router.HandleFunc(collector.RouteSetUser, s.setUserHandler).Methods(http.MethodPost)
	s.router.HandleFunc(collector.RouteSetStimuli, s.setStimuliHandler).Methods(http.MethodPost)
	s.router.HandleFunc(collector.RouteSubmitEmotion, s.submitEmotionHandler).Methods(http.MethodPost)
	s.router.HandleFunc(collector.RouteAggregateEmotions, s.aggregateHandler).Methods(http.MethodGet)
	s.router.HandleFunc(collector.RouteSubmitChatLog, s.submitChatLogHandler).Methods(http.MethodPost)
	s.router.HandleFunc(collector.RouteRestartChat, s.restartHandler).Methods(http.MethodGet)

	return s
}

// Handler 返回路由，可直接交给 httptest.NewServer
func (s *CollectorServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe 在 addr 上提供服务直到 Shutdown
func (s *CollectorServer) ListenAndServe(addr string) error {
	s.mu.Lock()
	s.server = &http.Server{Addr: addr, Handler: s.router}
	server := s.server
	s.mu.Unlock()

	logrus.WithField("addr", addr).Info("Collector stub listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close 关闭监听
func (s *CollectorServer) Close() error {
	s.mu.RLock()
	server := s.server
	s.mu.RUnlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

// FailNext 之后 n 个请求返回 status
func (s *CollectorServer) FailNext(status, n int) {
	s.mu.Lock()
	s.failStatus = status
	s.failCount = n
	s.mu.Unlock()
}

// SetDelay 每个请求在处理前等待 d
func (s *CollectorServer) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Users 返回设置过的用户
func (s *CollectorServer) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.users...)
}

// Stimuli 返回设置过的刺激
func (s *CollectorServer) Stimuli() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.stimuli...)
}

// Submissions 返回收到的每一批情绪汇总
func (s *CollectorServer) Submissions() [][]aggregate.EmotionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([][]aggregate.EmotionSummary(nil), s.submissions...)
}

// ChatLogs 返回收到的聊天日志
func (s *CollectorServer) ChatLogs() []json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]json.RawMessage(nil), s.chatLogs...)
}

// Restarts 返回重启次数
func (s *CollectorServer) Restarts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

func (s *CollectorServer) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		delay := s.delay
		status := 0
		if s.failCount > 0 {
			s.failCount--
			status = s.failStatus
		}
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			http.Error(w, "injected failure", status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *CollectorServer) setUserHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserName string `json:"user_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.users = append(s.users, req.UserName)
	s.mu.Unlock()

	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *CollectorServer) setStimuliHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stimuli string `json:"stimuli"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.stimuli = append(s.stimuli, req.Stimuli)
	s.mu.Unlock()

	writeJSON(w, map[string]interface{}{"log": s.snapshot()})
}

func (s *CollectorServer) submitEmotionHandler(w http.ResponseWriter, r *http.Request) {
	var summaries []aggregate.EmotionSummary
	if err := json.NewDecoder(r.Body).Decode(&summaries); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.submissions = append(s.submissions, summaries)
	s.mu.Unlock()

	writeJSON(w, map[string]interface{}{"received": len(summaries)})
}

func (s *CollectorServer) aggregateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"log": s.snapshot()})
}

func (s *CollectorServer) submitChatLogHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Log json.RawMessage `json:"log"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.chatLogs = append(s.chatLogs, req.Log)
	s.mu.Unlock()

	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *CollectorServer) restartHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()

	writeJSON(w, map[string]string{"url": "http://" + r.Host + "/chat/" + uuid.NewString()})
}

// snapshot 当前会话日志
func (s *CollectorServer) snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user := ""
	if len(s.users) > 0 {
		user = s.users[len(s.users)-1]
	}
	emotions := 0
	for _, batch := range s.submissions {
		emotions += len(batch)
	}
	return map[string]interface{}{
		"user":     user,
		"stimuli":  append([]string{}, s.stimuli...),
		"emotions": emotions,
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
