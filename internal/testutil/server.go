package testutil

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"FaceReaderBridge/internal/collector"
	"FaceReaderBridge/internal/engineclient"
	"FaceReaderBridge/internal/testserver"
)

// TestEngine 测试用引擎模拟器包装器，测试结束时自动关闭
type TestEngine struct {
	*testserver.EngineServer
	t *testing.T
}

// NewTestEngine 在随机端口上启动引擎模拟器
func NewTestEngine(t *testing.T, interval time.Duration) *TestEngine {
	t.Helper()
	return NewTestEngineWithConfig(t, func(config *testserver.EngineConfig) {
		config.FrameInterval = interval
	})
}

// NewTestEngineWithConfig 使用自定义配置启动引擎模拟器
func NewTestEngineWithConfig(t *testing.T, customizer func(*testserver.EngineConfig)) *TestEngine {
	t.Helper()

	config := testserver.DefaultEngineConfig("127.0.0.1:0")
	if customizer != nil {
		customizer(config)
	}

	server := testserver.NewEngineServer(config)
	require.NoError(t, server.Start(), "Failed to start engine simulator")
	t.Cleanup(func() { server.Shutdown() })

	return &TestEngine{EngineServer: server, t: t}
}

// ClientConfig 返回指向模拟器的引擎客户端配置
func (e *TestEngine) ClientConfig() *engineclient.ClientConfig {
	host, port := e.HostPort()
	config := engineclient.DefaultClientConfig(host, port)
	config.FrameReadTimeout = time.Second
	return config
}

// NewClient 创建指向模拟器的引擎客户端
func (e *TestEngine) NewClient() *engineclient.Client {
	return engineclient.New(e.ClientConfig())
}

// TestCollector 测试用采集端模拟器，运行在 httptest 服务器上
type TestCollector struct {
	*testserver.CollectorServer
	server *httptest.Server
}

// NewTestCollector 启动采集端模拟器
func NewTestCollector(t *testing.T) *TestCollector {
	t.Helper()

	stub := testserver.NewCollectorServer()
	server := httptest.NewServer(stub.Handler())
	t.Cleanup(server.Close)

	return &TestCollector{CollectorServer: stub, server: server}
}

// URL 返回采集端根地址
func (c *TestCollector) URL() string {
	return c.server.URL
}

// NewClient 创建指向模拟器的采集端客户端
func (c *TestCollector) NewClient() *collector.Client {
	config := collector.DefaultClientConfig(c.server.URL)
	config.Timeout = time.Second
	return collector.New(config)
}
