package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"FaceReaderBridge/internal/logger"
)

// ClientState 订阅端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventHandler 事件处理器，在读取协程上调用
type EventHandler func(event logger.Event)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// ClientConfig 订阅端配置
type ClientConfig struct {
	URL               string
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int
	UserAgent         string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		HandshakeTimeout:  10 * time.Second,
		PingInterval:      30 * time.Second,
		ReconnectInterval: time.Second,
		MaxReconnectTries: 10,
		UserAgent:         "FaceReaderBridge/1.0",
	}
}

// Client 订阅桥接服务 /ws/events 的 WebSocket 客户端，断线后自动重连
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	onEvent       EventHandler
	onStateChange StateChangeHandler

	// 同步控制
	mu            sync.RWMutex
	writeMu       sync.Mutex // 专用于WebSocket写入同步
	stopChan      chan struct{}
	reconnectChan chan struct{}
	doneChan      chan struct{}
	doneOnce      sync.Once
	err           error

	// 统计
	events     atomic.Int64
	reconnects atomic.Int32
	lastEvent  atomic.Int64 // unix nano
}

// New 创建订阅端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout

	client := &Client{
		config:        config,
		dialer:        &dialer,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
		doneChan:      make(chan struct{}),
	}
	client.state.Store(int32(StateDisconnected))
	return client
}

// SetEventHandler 设置事件处理器，需在 Connect 之前调用
func (c *Client) SetEventHandler(handler EventHandler) {
	c.onEvent = handler
}

// SetStateChangeHandler 设置状态变化处理器，需在 Connect 之前调用
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

// Connect 连接到事件流
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.doneChan:
		return errors.New("client is finished")
	default:
	}
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	if err := c.doConnect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)

	go c.pingLoop()
	go c.readLoop()
	go c.reconnectLoop()

	return nil
}

func (c *Client) doConnect(ctx context.Context) error {
	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, headers)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Close 关闭订阅，可重复调用
func (c *Client) Close() error {
	for {
		state := c.getState()
		if state == StateClosed {
			return nil
		}
		if c.compareAndSwapState(state, StateClosed) {
			break
		}
	}

	close(c.stopChan)
	c.finish(nil)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

// State 返回当前状态
func (c *Client) State() ClientState {
	return c.getState()
}

// Done 在订阅终止时关闭：调用了 Close，或重连次数耗尽
func (c *Client) Done() <-chan struct{} {
	return c.doneChan
}

// Err 返回重连放弃的原因，Close 结束时为 nil
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Client) finish(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.doneChan)
	})
}

func (c *Client) readEvent() (logger.Event, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	var event logger.Event
	if conn == nil {
		return event, errors.New("connection is nil")
	}
	if err := conn.ReadJSON(&event); err != nil {
		return event, err
	}
	return event, nil
}

// readLoop 事件读取循环
func (c *Client) readLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.doneChan:
			return
		default:
		}

		if c.getState() != StateConnected {
			select {
			case <-c.doneChan:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		event, err := c.readEvent()
		if err != nil {
			if c.getState() == StateClosed {
				return
			}
			logrus.WithError(err).Debug("Event stream read failed")
			c.triggerReconnect()
			continue
		}

		c.events.Add(1)
		c.lastEvent.Store(time.Now().UnixNano())
		if c.onEvent != nil {
			c.onEvent(event)
		}
	}
}

// pingLoop 定期发送 ping 保持连接
func (c *Client) pingLoop() {
	if c.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-c.doneChan:
			return
		case <-ticker.C:
			if c.getState() != StateConnected {
				continue
			}
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				continue
			}

			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				logrus.WithError(err).Debug("Ping failed")
				c.triggerReconnect()
			}
		}
	}
}

func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.doneChan:
			return
		case <-c.reconnectChan:
			c.doReconnect()
		}
	}
}

func (c *Client) triggerReconnect() {
	if c.compareAndSwapState(StateConnected, StateReconnecting) {
		select {
		case c.reconnectChan <- struct{}{}:
		default:
		}
	}
}

// doReconnect 指数退避重连，超过次数后进入 Disconnected 并结束订阅
func (c *Client) doReconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.ReconnectInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.config.MaxReconnectTries)), ctx)

	err := backoff.RetryNotify(func() error {
		return c.doConnect(ctx)
	}, policy, func(err error, wait time.Duration) {
		logrus.WithError(err).WithField("retry_in", wait).Debug("Event stream reconnect failed")
	})

	if err != nil {
		if c.compareAndSwapState(StateReconnecting, StateDisconnected) {
			logrus.WithError(err).Warn("Event stream reconnect gave up")
			c.finish(fmt.Errorf("reconnect gave up: %w", err))
		}
		return
	}

	if !c.compareAndSwapState(StateReconnecting, StateConnected) {
		// Close 在重连期间被调用
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		return
	}
	c.reconnects.Add(1)
	logrus.Info("Event stream reconnected")
}

func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}

// Reconnects 成功重连次数
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// GetStats 获取订阅端统计信息
func (c *Client) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"state":      c.getState().String(),
		"events":     c.events.Load(),
		"reconnects": c.reconnects.Load(),
	}
	if last := c.lastEvent.Load(); last != 0 {
		stats["last_event"] = time.Unix(0, last)
	}
	return stats
}
