package testserver

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"FaceReaderBridge/internal/aggregate"
	"FaceReaderBridge/internal/protocol"
)

// ClassificationGenerator 生成第 seq 个分类结果
type ClassificationGenerator func(seq uint64) *protocol.Classification

// EngineConfig 引擎模拟器配置
type EngineConfig struct {
	Addr           string
	FrameInterval  time.Duration // 详细日志开启时的推送间隔
	RespondToStart bool          // 收到 Start_Analyzing 后回复 ResponseMessage
	Generator      ClassificationGenerator
}

// DefaultEngineConfig 返回默认配置
func DefaultEngineConfig(addr string) *EngineConfig {
	return &EngineConfig{
		Addr:           addr,
		FrameInterval:  20 * time.Millisecond,
		RespondToStart: true,
		Generator:      DefaultGenerator,
	}
}

// DefaultGenerator 轮流以不同情绪为主导，并附带效价、唤醒度和一个状态值
func DefaultGenerator(seq uint64) *protocol.Classification {
	frame := strconv.FormatUint(seq, 10)
	ticks := strconv.FormatUint(seq*400000, 10)
	dominant := int(seq % uint64(len(aggregate.EmotionLabels)))

	values := make([]protocol.ClassificationValue, 0, len(aggregate.EmotionLabels)+3)
	for i, label := range aggregate.EmotionLabels {
		value := 0.05 + 0.01*float64(i)
		if i == dominant {
			value = 0.8
		}
		values = append(values, protocol.NumericValue(label, strconv.FormatFloat(value, 'f', -1, 64)))
	}
	values = append(values,
		protocol.NumericValue(aggregate.LabelValence, "0.25"),
		protocol.NumericValue(aggregate.LabelArousal, "0.5"),
		protocol.StateValue("Mouth", "Closed"),
	)

	return &protocol.Classification{
		FrameNumber:    &frame,
		FrameTimeTicks: &ticks,
		Values:         values,
	}
}

// engineConn 一个客户端连接
type engineConn struct {
	id   uint64
	conn net.Conn

	writeMu   sync.Mutex
	analyzing atomic.Bool
	detailed  atomic.Bool
	stopChan  chan struct{}
	closeOnce sync.Once
}

func (c *engineConn) close() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
		c.conn.Close()
	})
}

func (c *engineConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write(frame)
	return err
}

// EngineServer 通过TCP模拟分析引擎
type EngineServer struct {
	config   *EngineConfig
	listener net.Listener

	connections sync.Map // map[uint64]*engineConn
	connCount   atomic.Int32
	connWg      sync.WaitGroup
	nextConnID  atomic.Uint64
	isRunning   atomic.Bool

	seqGenerator atomic.Uint64
	framesSent   atomic.Uint64

	mu      sync.RWMutex
	actions []protocol.ActionCommand
}

// NewEngineServer 创建引擎模拟器
func NewEngineServer(config *EngineConfig) *EngineServer {
	if config == nil {
		config = DefaultEngineConfig("127.0.0.1:0")
	}
	if config.Generator == nil {
		config.Generator = DefaultGenerator
	}
	if config.FrameInterval <= 0 {
		config.FrameInterval = 20 * time.Millisecond
	}
	return &EngineServer{config: config}
}

// Start 开始监听
func (s *EngineServer) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("engine server is already running")
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	s.listener = listener

	logrus.WithField("addr", listener.Addr().String()).Info("Engine simulator listening")

	s.connWg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr 返回实际监听地址
func (s *EngineServer) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// HostPort 拆分监听地址
func (s *EngineServer) HostPort() (string, int) {
	host, portStr, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return "", 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Shutdown 关闭监听和所有连接
func (s *EngineServer) Shutdown() error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	err := s.listener.Close()
	s.ForceDisconnectAll()
	s.connWg.Wait()

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ForceDisconnectAll 强制断开所有连接
func (s *EngineServer) ForceDisconnectAll() {
	s.connections.Range(func(key, value interface{}) bool {
		value.(*engineConn).close()
		return true
	})
}

// SendRaw 向所有连接写入原始字节，用于构造异常帧
func (s *EngineServer) SendRaw(data []byte) {
	s.connections.Range(func(key, value interface{}) bool {
		value.(*engineConn).write(data)
		return true
	})
}

// ConnectionCount 当前连接数
func (s *EngineServer) ConnectionCount() int {
	return int(s.connCount.Load())
}

// ReceivedActions 返回收到的全部动作命令副本
func (s *EngineServer) ReceivedActions() []protocol.ActionCommand {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.ActionCommand(nil), s.actions...)
}

// CountActions 统计某类动作命令的数量
func (s *EngineServer) CountActions(actionType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, action := range s.actions {
		if action.ActionType == actionType {
			n++
		}
	}
	return n
}

// GetStats 获取模拟器统计
func (s *EngineServer) GetStats() map[string]interface{} {
	s.mu.RLock()
	actions := len(s.actions)
	s.mu.RUnlock()
	return map[string]interface{}{
		"addr":        s.Addr(),
		"connections": s.connCount.Load(),
		"actions":     actions,
		"frames_sent": s.framesSent.Load(),
	}
}

func (s *EngineServer) acceptLoop() {
	defer s.connWg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logrus.WithError(err).Warn("Engine simulator accept failed")
			}
			return
		}

		c := &engineConn{
			id:       s.nextConnID.Add(1),
			conn:     conn,
			stopChan: make(chan struct{}),
		}
		s.connections.Store(c.id, c)
		s.connCount.Add(1)

		s.connWg.Add(2)
		go s.readLoop(c)
		go s.pushLoop(c)
	}
}

// readLoop 读取并处理动作命令
func (s *EngineServer) readLoop(c *engineConn) {
	defer s.connWg.Done()
	defer func() {
		c.close()
		s.connections.Delete(c.id)
		s.connCount.Add(-1)
	}()

	for {
		frame, err := protocol.ReadFrame(c.conn)
		if err != nil {
			return
		}

		cmd, err := frame.Action()
		if err != nil {
			logrus.WithError(err).Debug("Engine simulator ignored frame")
			continue
		}

		s.mu.Lock()
		s.actions = append(s.actions, cmd)
		s.mu.Unlock()

		switch cmd.ActionType {
		case protocol.ActionStartAnalyzing:
			c.analyzing.Store(true)
			if s.config.RespondToStart {
				if resp, err := protocol.EncodeResponse(cmd.ID, "Analyzing started"); err == nil {
					c.write(resp)
				}
			}
		case protocol.ActionStopAnalyzing:
			c.analyzing.Store(false)
			c.detailed.Store(false)
		case protocol.ActionStartDetailedLogSending:
			c.detailed.Store(true)
		case protocol.ActionStopDetailedLogSending:
			c.detailed.Store(false)
		}
	}
}

// pushLoop 分析且详细日志开启时按间隔推送分类结果
func (s *EngineServer) pushLoop(c *engineConn) {
	defer s.connWg.Done()

	ticker := time.NewTicker(s.config.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if !c.analyzing.Load() || !c.detailed.Load() {
				continue
			}

			frame, err := protocol.EncodeClassification(s.config.Generator(s.seqGenerator.Add(1)))
			if err != nil {
				logrus.WithError(err).Warn("Encode classification failed")
				continue
			}
			if err := c.write(frame); err != nil {
				c.close()
				return
			}
			s.framesSent.Add(1)
		}
	}
}
