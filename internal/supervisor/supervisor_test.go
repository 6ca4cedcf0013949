package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FaceReaderBridge/internal/engineclient"
	"FaceReaderBridge/internal/protocol"
	"FaceReaderBridge/internal/session"
	"FaceReaderBridge/internal/testutil"
)

// fakeSession 记录调用，前 failConnects 次连接失败
type fakeSession struct {
	mu           sync.Mutex
	failConnects int
	connects     int
	starts       int
	disconnects  int
	startErr     error
}

func (f *fakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnects > 0 {
		f.failConnects--
		return engineclient.ErrConnection
	}
	return nil
}

func (f *fakeSession) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeSession) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeSession) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.starts, f.disconnects
}

func fastConfig() *Config {
	return &Config{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2,
		MaxElapsedTime:  time.Second,
	}
}

func runSupervisor(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// TestRecoverAfterFailures 测试连接失败后退避重试直至恢复
func TestRecoverAfterFailures(t *testing.T) {
	fake := &fakeSession{failConnects: 2}
	s := New(fastConfig(), fake)
	runSupervisor(t, s)

	s.OnLoopExit("session-1", protocol.ErrEndOfStream)

	require.Eventually(t, func() bool {
		return s.GetStats()["recoveries"].(int64) == 1
	}, 2*time.Second, 5*time.Millisecond)

	connects, starts, disconnects := fake.counts()
	assert.Equal(t, 3, connects)
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, int64(3), s.GetStats()["attempts"])
}

// TestNormalExitIgnored 测试正常退出不触发恢复
func TestNormalExitIgnored(t *testing.T) {
	fake := &fakeSession{}
	s := New(fastConfig(), fake)
	runSupervisor(t, s)

	s.Handler()("session-1", nil)

	time.Sleep(50 * time.Millisecond)
	connects, starts, disconnects := fake.counts()
	assert.Zero(t, connects)
	assert.Zero(t, starts)
	assert.Zero(t, disconnects)
}

// TestAlreadyAnalyzingCountsAsRecovered 测试已在分析时视为恢复成功
func TestAlreadyAnalyzingCountsAsRecovered(t *testing.T) {
	fake := &fakeSession{startErr: session.ErrAlreadyAnalyzing}
	s := New(fastConfig(), fake)
	runSupervisor(t, s)

	s.OnLoopExit("session-1", errors.New("lost"))

	require.Eventually(t, func() bool {
		return s.GetStats()["recoveries"].(int64) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestGiveUp 测试超过最长时间后放弃
func TestGiveUp(t *testing.T) {
	fake := &fakeSession{failConnects: 1 << 20}
	config := fastConfig()
	config.MaxElapsedTime = 50 * time.Millisecond
	s := New(config, fake)
	runSupervisor(t, s)

	s.OnLoopExit("session-1", errors.New("lost"))

	require.Eventually(t, func() bool {
		return s.GetStats()["failures"].(int64) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, s.GetStats()["recoveries"])
}

// TestOnLoopExitDoesNotBlock 测试信号投递不阻塞工作协程
func TestOnLoopExitDoesNotBlock(t *testing.T) {
	s := New(fastConfig(), &fakeSession{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.OnLoopExit("session-1", errors.New("lost"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnLoopExit blocked")
	}
}

// TestRecoverRealSession 测试引擎断开后自动重新开始分析
func TestRecoverRealSession(t *testing.T) {
	engine := testutil.NewTestEngine(t, 5*time.Millisecond)

	config := session.DefaultConfig()
	config.LogDir = t.TempDir()
	config.IdleTimeout = 30 * time.Millisecond
	config.InitialResponseTimeout = 200 * time.Millisecond
	controller := session.NewController(config, engine.NewClient(), nil)

	s := New(fastConfig(), controller)
	controller.SetLoopExitHandler(s.Handler())
	runSupervisor(t, s)
	defer controller.Disconnect()

	require.NoError(t, controller.Connect(context.Background()))
	require.NoError(t, controller.Start(context.Background()))
	firstID := controller.SessionID()

	require.Eventually(t, func() bool {
		return controller.GetStats()["frames"].(int64) > 0
	}, 2*time.Second, 5*time.Millisecond)

	engine.ForceDisconnectAll()

	require.Eventually(t, func() bool {
		return s.GetStats()["recoveries"].(int64) == 1 &&
			controller.State() == session.StateAnalyzing
	}, 3*time.Second, 10*time.Millisecond)

	assert.NotEqual(t, firstID, controller.SessionID())
	assert.Equal(t, 2, engine.CountActions(protocol.ActionStartAnalyzing))
}
