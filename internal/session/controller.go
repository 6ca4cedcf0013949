package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"FaceReaderBridge/internal/aggregate"
	"FaceReaderBridge/internal/classlog"
	"FaceReaderBridge/internal/engineclient"
	"FaceReaderBridge/internal/protocol"
)

var (
	ErrNotConnected     = errors.New("session is not connected")
	ErrAlreadyConnected = errors.New("session is already connected")
	ErrAlreadyAnalyzing = errors.New("session is already analyzing")
	ErrInvalidUser      = errors.New("invalid user name")
)

// State 会话状态
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateAnalyzing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateAnalyzing:
		return "ANALYZING"
	default:
		return "UNKNOWN"
	}
}

// Transport 引擎传输层，由 engineclient.Client 实现
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Send(cmd protocol.ActionCommand) error
	ReceiveFrame(idle time.Duration) (*protocol.Frame, error)
}

// Collector 采集端，由 collector.Client 实现
type Collector interface {
	PushAggregate(ctx context.Context, summaries []aggregate.EmotionSummary) error
	SetUser(ctx context.Context, name string) error
}

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState State)

// SummaryHandler 每次产生非空汇总时调用
type SummaryHandler func(sessionID string, summaries []aggregate.EmotionSummary)

// LoopExitHandler 分析循环退出时调用，err 为 nil 表示正常停止
// 在工作协程上同步执行，处理器内不得调用 Start/Disconnect
type LoopExitHandler func(sessionID string, err error)

// Config 控制器配置
type Config struct {
	LogDir                 string
	PushOffset             time.Duration
	IdleTimeout            time.Duration
	InitialResponseTimeout time.Duration // 0 表示不等待初始响应
	PushTimeout            time.Duration
	MessageID              string // 为空时每条命令生成 UUID
	SyncLog                bool
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		LogDir:                 "logs",
		PushOffset:             time.Second,
		IdleTimeout:            500 * time.Millisecond,
		InitialResponseTimeout: 2 * time.Second,
		PushTimeout:            5 * time.Second,
		SyncLog:                true,
	}
}

// Option 控制器选项
type Option func(*Controller)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithLogger 指定日志入口
func WithLogger(entry *logrus.Entry) Option {
	return func(c *Controller) {
		c.log = entry
	}
}

// analysis 一次分析会话的工作协程状态，仅由工作协程访问
type analysis struct {
	id       string
	log      *classlog.Log
	lastPush time.Time
	pending  []classlog.Row
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// Controller 会话控制器
// Connect/Start/Disconnect/SetUser 由 opMu 串行化；Stop 只修改状态并发送命令
type Controller struct {
	config    *Config
	transport Transport
	collector Collector
	now       func() time.Time
	log       *logrus.Entry

	state atomic.Int32
	opMu  sync.Mutex

	mu            sync.Mutex
	user          string
	current       *analysis
	lastErr       error
	onStateChange StateChangeHandler
	onSummary     SummaryHandler
	onLoopExit    LoopExitHandler

	// 统计
	sessions     atomic.Int64
	frames       atomic.Int64
	rows         atomic.Int64
	idleReads    atomic.Int64
	skipped      atomic.Int64
	pushes       atomic.Int64
	pushFailures atomic.Int64
	pendingRows  atomic.Int64
}

// NewController 创建会话控制器，collector 可为 nil（只写日志不推送）
func NewController(config *Config, transport Transport, collector Collector, opts ...Option) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	if transport == nil {
		panic("transport cannot be nil")
	}

	c := &Controller{
		config:    config,
		transport: transport,
		collector: collector,
		now:       time.Now,
		log:       logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "session")
	c.state.Store(int32(StateDisconnected))
	return c
}

// SetStateChangeHandler 设置状态变化处理器
func (c *Controller) SetStateChangeHandler(handler StateChangeHandler) {
	c.mu.Lock()
	c.onStateChange = handler
	c.mu.Unlock()
}

// SetSummaryHandler 设置汇总处理器
func (c *Controller) SetSummaryHandler(handler SummaryHandler) {
	c.mu.Lock()
	c.onSummary = handler
	c.mu.Unlock()
}

// SetLoopExitHandler 设置循环退出处理器
func (c *Controller) SetLoopExitHandler(handler LoopExitHandler) {
	c.mu.Lock()
	c.onLoopExit = handler
	c.mu.Unlock()
}

// State 返回当前状态
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Connect 连接引擎：Disconnected -> Connected
func (c *Controller) Connect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() != StateDisconnected {
		return ErrAlreadyConnected
	}

	if err := c.transport.Connect(ctx); err != nil {
		if !errors.Is(err, engineclient.ErrConnection) {
			err = fmt.Errorf("%w: %w", engineclient.ErrConnection, err)
		}
		c.setLastError(err)
		return err
	}

	c.setState(StateConnected)
	c.log.Info("Connected to engine")
	return nil
}

// Start 开始分析：Connected -> Analyzing
// 发送 Start_Analyzing 并打开新的分类日志后启动工作协程，随即返回
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.State() {
	case StateDisconnected:
		return ErrNotConnected
	case StateAnalyzing:
		return ErrAlreadyAnalyzing
	}

	// 等待上一次分析循环退出，保证同一时刻只有一个读取者
	if err := c.waitWorker(ctx); err != nil {
		return err
	}
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	if err := c.send(protocol.ActionStartAnalyzing); err != nil {
		return err
	}

	initial, err := c.drainInitialResponse()
	if err != nil {
		return err
	}

	start := c.now()
	logDir := c.logDir()
	sessionLog, err := classlog.Open(logDir, start,
		classlog.WithClock(c.now), classlog.WithSync(c.config.SyncLog))
	if err != nil {
		if sendErr := c.send(protocol.ActionStopAnalyzing); sendErr != nil {
			c.log.WithError(sendErr).Warn("Stop analyzing after failed start")
		}
		return err
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	a := &analysis{
		id:       uuid.NewString(),
		log:      sessionLog,
		lastPush: start,
		ctx:      workerCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if initial != nil {
		if err := c.appendFrame(a, initial); err != nil && !errors.Is(err, classlog.ErrNotClassification) {
			c.log.WithError(err).Warn("Discard initial response")
		}
	}

	c.mu.Lock()
	c.current = a
	c.lastErr = nil
	c.mu.Unlock()

	c.sessions.Add(1)
	c.setState(StateAnalyzing)

	c.log.WithFields(logrus.Fields{
		"session_id": a.id,
		"log_path":   sessionLog.Path(),
	}).Info("Analysis started")

	go c.run(a)
	return nil
}

// Stop 停止分析：Analyzing -> Connected 并发送 Stop_Analyzing，其他状态下为空操作
// 不读取也不关闭连接，工作协程在当前迭代结束后退出
func (c *Controller) Stop() error {
	if !c.compareAndSwapState(StateAnalyzing, StateConnected) {
		return nil
	}
	c.log.Info("Analysis stop requested")
	return c.send(protocol.ActionStopAnalyzing)
}

// Disconnect 断开连接：任意状态 -> Disconnected，可重复调用
func (c *Controller) Disconnect() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	prev := c.swapState(StateDisconnected)
	if prev == StateAnalyzing {
		if err := c.send(protocol.ActionStopAnalyzing); err != nil {
			c.log.WithError(err).Debug("Stop analyzing on disconnect")
		}
	}

	c.mu.Lock()
	current := c.current
	c.mu.Unlock()
	if current != nil {
		current.cancel()
	}

	err := c.transport.Close()
	if current != nil {
		<-current.done
	}

	if prev != StateDisconnected {
		c.log.Info("Disconnected from engine")
	}
	return err
}

// Wait 阻塞直到当前分析循环退出或 ctx 结束
func (c *Controller) Wait(ctx context.Context) error {
	return c.waitWorker(ctx)
}

// SetUser 通知采集端当前用户，之后的会话日志写入 <log_dir>/<user>
func (c *Controller) SetUser(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidUser, name)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.collector != nil {
		if err := c.collector.SetUser(ctx, name); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.user = name
	c.mu.Unlock()

	c.log.WithField("user", name).Info("Current user set")
	return nil
}

// User 返回当前用户
func (c *Controller) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// LastError 返回最近一次非正常退出的原因
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SessionID 返回当前或最近一次分析会话的ID
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.id
}

// LogPath 返回当前或最近一次分析会话的日志路径
func (c *Controller) LogPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.log.Path()
}

// GetStats 获取控制器统计信息
func (c *Controller) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"state":         c.State().String(),
		"user":          c.User(),
		"session_id":    c.SessionID(),
		"log_path":      c.LogPath(),
		"sessions":      c.sessions.Load(),
		"frames":        c.frames.Load(),
		"rows":          c.rows.Load(),
		"idle_reads":    c.idleReads.Load(),
		"skipped":       c.skipped.Load(),
		"pushes":        c.pushes.Load(),
		"push_failures": c.pushFailures.Load(),
		"pending_rows":  c.pendingRows.Load(),
	}
	if err := c.LastError(); err != nil {
		stats["last_error"] = err.Error()
	}
	return stats
}

// run 工作协程入口
func (c *Controller) run(a *analysis) {
	defer close(a.done)

	err := c.loop(a)

	if closeErr := a.log.Close(); closeErr != nil {
		c.log.WithError(closeErr).Warn("Close session log failed")
	}
	a.cancel()

	entry := c.log.WithField("session_id", a.id)
	if err != nil && c.compareAndSwapState(StateAnalyzing, StateConnected) {
		c.setLastError(err)
		entry.WithError(err).Error("Analysis loop terminated")
	} else {
		err = nil
		entry.Info("Analysis loop exited")
	}

	c.mu.Lock()
	handler := c.onLoopExit
	c.mu.Unlock()
	if handler != nil {
		handler(a.id, err)
	}
}

// loop 每次迭代：开启详细日志，读到一帧分类结果，关闭详细日志，按需推送
// 只在迭代边界检查状态
func (c *Controller) loop(a *analysis) error {
	for c.State() == StateAnalyzing {
		if err := c.send(protocol.ActionStartDetailedLogSending); err != nil {
			return err
		}
		if err := c.receiveClassification(a); err != nil {
			return err
		}
		if err := c.send(protocol.ActionStopDetailedLogSending); err != nil {
			return err
		}
		c.maybePush(a)
	}
	return nil
}

// receiveClassification 读取帧直到追加一帧分类结果；空闲超时时若状态已离开 Analyzing 则返回
func (c *Controller) receiveClassification(a *analysis) error {
	for {
		frame, err := c.transport.ReceiveFrame(c.config.IdleTimeout)
		if errors.Is(err, engineclient.ErrIdle) {
			c.idleReads.Add(1)
			if c.State() != StateAnalyzing {
				return nil
			}
			continue
		}
		if err != nil {
			return err
		}

		err = c.appendFrame(a, frame)
		if errors.Is(err, classlog.ErrNotClassification) {
			c.skipped.Add(1)
			c.log.WithField("type", frame.TypeName).Debug("Skip non-classification frame")
			continue
		}
		return err
	}
}

func (c *Controller) appendFrame(a *analysis, frame *protocol.Frame) error {
	rows, err := a.log.Append(frame)
	if err != nil {
		return err
	}
	a.pending = append(a.pending, rows...)
	c.frames.Add(1)
	c.rows.Add(int64(len(rows)))
	c.pendingRows.Store(int64(len(a.pending)))
	return nil
}

// maybePush 距上次推送超过 PushOffset 时汇总 [lastPush, now) 并推送非空结果
func (c *Controller) maybePush(a *analysis) {
	now := c.now()
	if now.Sub(a.lastPush) <= c.config.PushOffset {
		return
	}

	window := aggregate.Bounds{Start: a.lastPush, End: now}
	summaries := aggregate.AggregateWindow(a.pending, window)
	a.pending = retainFrom(a.pending, now)
	a.lastPush = now
	c.pendingRows.Store(int64(len(a.pending)))

	if len(summaries) == 0 {
		return
	}

	c.mu.Lock()
	handler := c.onSummary
	c.mu.Unlock()
	if handler != nil {
		handler(a.id, summaries)
	}

	if c.collector == nil {
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, c.config.PushTimeout)
	defer cancel()

	entry := c.log.WithFields(logrus.Fields{
		"session_id": a.id,
		"frames":     len(summaries),
	})
	if err := c.collector.PushAggregate(ctx, summaries); err != nil {
		c.pushFailures.Add(1)
		entry.WithError(err).Warn("Push aggregate failed")
		return
	}
	c.pushes.Add(1)
	entry.Debug("Aggregate pushed")
}

// retainFrom 保留 ReceivedAt >= t 的记录
func retainFrom(rows []classlog.Row, t time.Time) []classlog.Row {
	kept := rows[:0]
	for _, row := range rows {
		if !row.ReceivedAt.Before(t) {
			kept = append(kept, row)
		}
	}
	return kept
}

// drainInitialResponse 读取 Start_Analyzing 之后可能出现的一个响应帧
func (c *Controller) drainInitialResponse() (*protocol.Frame, error) {
	if c.config.InitialResponseTimeout <= 0 {
		return nil, nil
	}
	frame, err := c.transport.ReceiveFrame(c.config.InitialResponseTimeout)
	if errors.Is(err, engineclient.ErrIdle) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.log.WithField("type", frame.TypeName).Debug("Initial response received")
	return frame, nil
}

func (c *Controller) send(actionType string) error {
	cmd := protocol.ActionCommand{
		ActionType: actionType,
		ID:         c.config.MessageID,
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if err := c.transport.Send(cmd); err != nil {
		if !errors.Is(err, engineclient.ErrSend) {
			err = fmt.Errorf("%w: %w", engineclient.ErrSend, err)
		}
		return err
	}
	return nil
}

func (c *Controller) logDir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == "" {
		return c.config.LogDir
	}
	return filepath.Join(c.config.LogDir, c.user)
}

func (c *Controller) waitWorker(ctx context.Context) error {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()
	if current == nil {
		return nil
	}

	select {
	case <-current.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// setState 设置状态
func (c *Controller) setState(newState State) {
	c.swapState(newState)
}

func (c *Controller) swapState(newState State) State {
	oldState := State(c.state.Swap(int32(newState)))
	if oldState != newState {
		c.notifyStateChange(oldState, newState)
	}
	return oldState
}

// compareAndSwapState 比较并交换状态
func (c *Controller) compareAndSwapState(oldState, newState State) bool {
	if c.state.CompareAndSwap(int32(oldState), int32(newState)) {
		c.notifyStateChange(oldState, newState)
		return true
	}
	return false
}

func (c *Controller) notifyStateChange(oldState, newState State) {
	c.log.WithFields(logrus.Fields{
		"from": oldState.String(),
		"to":   newState.String(),
	}).Debug("State changed")

	c.mu.Lock()
	handler := c.onStateChange
	c.mu.Unlock()
	if handler != nil {
		handler(oldState, newState)
	}
}
