package engineclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"FaceReaderBridge/internal/protocol"
)

var (
	ErrConnection   = errors.New("engine connection failed")
	ErrSend         = errors.New("engine send failed")
	ErrIdle         = errors.New("no frame within idle timeout")
	ErrNotConnected = errors.New("engine client is not connected")
)

// ClientConfig 引擎客户端配置
type ClientConfig struct {
	Host             string
	Port             int
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	FrameReadTimeout time.Duration // 读到帧头后读取完整帧的时限
	ReadBufferSize   int
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(host string, port int) *ClientConfig {
	return &ClientConfig{
		Host:             host,
		Port:             port,
		DialTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		FrameReadTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
	}
}

// Addr 返回 host:port
func (c *ClientConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client 与分析引擎之间的单条TCP会话
// 写入由 writeMu 串行化；同一时刻只允许一个读取者
type Client struct {
	config *ClientConfig
	dialer net.Dialer

	mu     sync.RWMutex
	conn   net.Conn
	reader *bufio.Reader

	// 专用于写入同步
	writeMu sync.Mutex

	// 统计
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	connects       atomic.Uint64
}

// New 创建新的引擎客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	return &Client{
		config: config,
		dialer: net.Dialer{Timeout: config.DialTimeout},
	}
}

// Connect 连接到引擎
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.config.Addr())
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrConnection, c.config.Addr(), err)
	}

	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, c.config.ReadBufferSize)
	c.connects.Add(1)
	return nil
}

// Close 关闭连接，可重复调用
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.reader = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Connected 是否持有连接
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send 编码并写出一个动作命令
func (c *Client) Send(cmd protocol.ActionCommand) error {
	frame, err := protocol.EncodeAction(cmd)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("%w: %w", ErrSend, ErrNotConnected)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	// net.Conn.Write 在返回 nil 时保证全部写出
	n, err := conn.Write(frame)
	c.bytesSent.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("%w: %s wrote %d/%d bytes: %w",
			ErrSend, protocol.ActionTypeToString(cmd.ActionType), n, len(frame), err)
	}

	c.framesSent.Add(1)
	return nil
}

// ReceiveFrame 读取一个完整帧
// idle 内没有任何字节到达时返回 ErrIdle 且不消耗数据，可安全重试；
// 读到首字节后，整帧必须在 FrameReadTimeout 内读完，否则视为帧格式错误
func (c *Client) ReceiveFrame(idle time.Duration) (*protocol.Frame, error) {
	c.mu.RLock()
	conn := c.conn
	reader := c.reader
	c.mu.RUnlock()

	if conn == nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrEndOfStream, ErrNotConnected)
	}

	if idle > 0 {
		conn.SetReadDeadline(time.Now().Add(idle))
	} else {
		conn.SetReadDeadline(time.Time{})
	}

	if _, err := reader.Peek(1); err != nil {
		if isTimeout(err) {
			return nil, ErrIdle
		}
		return nil, fmt.Errorf("%w: %w", protocol.ErrEndOfStream, err)
	}

	if c.config.FrameReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.config.FrameReadTimeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}

	frame, err := protocol.ReadFrame(reader)
	if err != nil {
		if errors.Is(err, protocol.ErrEndOfStream) {
			// 已确认有可读字节，此时流结束属于帧内截断
			return nil, fmt.Errorf("%w: %w", protocol.ErrMalformedFrame, err)
		}
		return nil, err
	}

	c.framesReceived.Add(1)
	c.bytesReceived.Add(uint64(frame.Size()))
	return frame, nil
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"addr":            c.config.Addr(),
		"connected":       c.Connected(),
		"connects":        c.connects.Load(),
		"frames_sent":     c.framesSent.Load(),
		"frames_received": c.framesReceived.Load(),
		"bytes_sent":      c.bytesSent.Load(),
		"bytes_received":  c.bytesReceived.Load(),
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
