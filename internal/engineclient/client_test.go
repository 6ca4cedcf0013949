package engineclient

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FaceReaderBridge/internal/protocol"
)

// startPeer 启动一个只接受单个连接的TCP对端
func startPeer(t *testing.T) (*ClientConfig, <-chan net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	host, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	config := DefaultClientConfig(host, port)
	config.FrameReadTimeout = time.Second
	return config, accepted
}

func connect(t *testing.T) (*Client, net.Conn) {
	t.Helper()

	config, accepted := startPeer(t)
	client := New(config)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-accepted:
		t.Cleanup(func() { conn.Close() })
		return client, conn
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not accept")
		return nil, nil
	}
}

// TestConnectRefused 测试连接失败
func TestConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().(*net.TCPAddr)
	listener.Close()

	client := New(DefaultClientConfig("127.0.0.1", addr.Port))
	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
	assert.False(t, client.Connected())
}

// TestSendWritesFrame 测试发送的帧可被对端解码
func TestSendWritesFrame(t *testing.T) {
	client, peer := connect(t)

	cmd := protocol.ActionCommand{ActionType: protocol.ActionStartAnalyzing, ID: "ID001"}
	require.NoError(t, client.Send(cmd))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := protocol.ReadFrame(peer)
	require.NoError(t, err)

	got, err := frame.Action()
	require.NoError(t, err)
	assert.Equal(t, cmd.ActionType, got.ActionType)
	assert.Equal(t, cmd.ID, got.ID)

	stats := client.GetStats()
	assert.Equal(t, uint64(1), stats["frames_sent"])
}

// TestSendNotConnected 测试未连接时发送
func TestSendNotConnected(t *testing.T) {
	client := New(DefaultClientConfig("127.0.0.1", 1))
	err := client.Send(protocol.ActionCommand{ActionType: protocol.ActionStopAnalyzing})
	assert.ErrorIs(t, err, ErrSend)
	assert.ErrorIs(t, err, ErrNotConnected)
}

// TestReceiveFrame 测试接收完整帧
func TestReceiveFrame(t *testing.T) {
	client, peer := connect(t)

	frameNumber := "3"
	raw, err := protocol.EncodeClassification(&protocol.Classification{
		FrameNumber: &frameNumber,
		Values:      []protocol.ClassificationValue{protocol.NumericValue("Happy", "0.5")},
	})
	require.NoError(t, err)

	// 分两次写入，验证部分读取被拼接
	_, err = peer.Write(raw[:5])
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		peer.Write(raw[5:])
	}()

	frame, err := client.ReceiveFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeClassification, frame.TypeName)

	c, err := frame.Classification()
	require.NoError(t, err)
	assert.Equal(t, "3", *c.FrameNumber)
}

// TestReceiveIdle 测试空闲超时不消耗数据
func TestReceiveIdle(t *testing.T) {
	client, peer := connect(t)

	_, err := client.ReceiveFrame(30 * time.Millisecond)
	assert.ErrorIs(t, err, ErrIdle)

	raw := protocol.EncodeFrame("T", []byte("<x/>"))
	_, err = peer.Write(raw)
	require.NoError(t, err)

	frame, err := client.ReceiveFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "T", frame.TypeName)
}

// TestReceiveEndOfStream 测试对端关闭
func TestReceiveEndOfStream(t *testing.T) {
	client, peer := connect(t)
	peer.Close()

	_, err := client.ReceiveFrame(time.Second)
	assert.ErrorIs(t, err, protocol.ErrEndOfStream)
}

// TestReceiveTruncatedFrame 测试帧中途断开
func TestReceiveTruncatedFrame(t *testing.T) {
	client, peer := connect(t)

	raw := protocol.EncodeFrame("T", []byte("<x/>"))
	_, err := peer.Write(raw[:len(raw)-2])
	require.NoError(t, err)
	peer.Close()

	_, err = client.ReceiveFrame(time.Second)
	assert.ErrorIs(t, err, protocol.ErrMalformedFrame)
}

// TestReceiveMalformedLength 测试长度字段非法
func TestReceiveMalformedLength(t *testing.T) {
	client, peer := connect(t)

	_, err := peer.Write([]byte{0x02, 0, 0, 0})
	require.NoError(t, err)

	_, err = client.ReceiveFrame(time.Second)
	assert.ErrorIs(t, err, protocol.ErrMalformedFrame)
}

// TestCloseIdempotent 测试重复关闭与关闭后读取
func TestCloseIdempotent(t *testing.T) {
	client, _ := connect(t)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.False(t, client.Connected())

	_, err := client.ReceiveFrame(10 * time.Millisecond)
	assert.ErrorIs(t, err, protocol.ErrEndOfStream)
}

// TestCloseUnblocksReceive 测试关闭连接唤醒阻塞的读取
func TestCloseUnblocksReceive(t *testing.T) {
	client, _ := connect(t)

	done := make(chan error, 1)
	go func() {
		_, err := client.ReceiveFrame(5 * time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, protocol.ErrEndOfStream)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not return after close")
	}
}
