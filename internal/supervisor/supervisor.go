package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"FaceReaderBridge/internal/session"
)

// Session 受监管的会话，由 session.Controller 实现
type Session interface {
	Connect(ctx context.Context) error
	Start(ctx context.Context) error
	Disconnect() error
}

// Config 退避参数
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration // 0 表示不限时
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  5 * time.Minute,
	}
}

// Supervisor 分析循环非正常退出后重新连接并开始分析
type Supervisor struct {
	config  *Config
	session Session
	trigger chan error

	recoveries atomic.Int64
	failures   atomic.Int64
	attempts   atomic.Int64
}

// New 创建监管器，需把 Handler 注册为会话的循环退出处理器
func New(config *Config, s Session) *Supervisor {
	if config == nil {
		config = DefaultConfig()
	}
	return &Supervisor{
		config:  config,
		session: s,
		trigger: make(chan error, 1),
	}
}

// Handler 返回循环退出处理器
func (s *Supervisor) Handler() session.LoopExitHandler {
	return s.OnLoopExit
}

// OnLoopExit 在工作协程上执行，只投递信号不阻塞
func (s *Supervisor) OnLoopExit(sessionID string, err error) {
	if err == nil {
		return
	}
	select {
	case s.trigger <- err:
	default:
	}
}

// Run 处理恢复请求直到 ctx 结束
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cause := <-s.trigger:
			s.recoverSession(ctx, cause)
		}
	}
}

func (s *Supervisor) recoverSession(ctx context.Context, cause error) {
	entry := logrus.WithField("component", "supervisor")
	entry.WithError(cause).Warn("Analysis lost, recovering")

	if err := s.session.Disconnect(); err != nil {
		entry.WithError(err).Debug("Disconnect before recovery")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.InitialInterval
	b.MaxInterval = s.config.MaxInterval
	b.Multiplier = s.config.Multiplier
	b.MaxElapsedTime = s.config.MaxElapsedTime

	operation := func() error {
		s.attempts.Add(1)

		if err := s.session.Connect(ctx); err != nil && !errors.Is(err, session.ErrAlreadyConnected) {
			return err
		}
		if err := s.session.Start(ctx); err != nil {
			if errors.Is(err, session.ErrAlreadyAnalyzing) {
				return nil
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			s.session.Disconnect()
			return err
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		entry.WithError(err).WithField("retry_in", wait).Info("Recovery attempt failed")
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		s.failures.Add(1)
		entry.WithError(err).Error("Recovery gave up")
		return
	}

	s.recoveries.Add(1)
	entry.Info("Analysis recovered")
}

// GetStats 获取恢复统计
func (s *Supervisor) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"recoveries": s.recoveries.Load(),
		"failures":   s.failures.Load(),
		"attempts":   s.attempts.Load(),
	}
}
