package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfigure 测试日志格式与级别
func TestConfigure(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()

	require.NoError(t, Configure(l, &buf, "warn", "json"))
	l.Info("hidden")
	l.WithField("user", "alice").Warn("shown")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "alice", line["user"])
	assert.Equal(t, "warning", line["level"])

	buf.Reset()
	require.NoError(t, Configure(l, &buf, "debug", "text"))
	l.Debug("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	assert.Error(t, Configure(l, &buf, "loud", "text"))
	assert.Error(t, Configure(l, &buf, "info", "xml"))
}

// TestSetLevel 测试运行时调整级别
func TestSetLevel(t *testing.T) {
	previous := logrus.GetLevel()
	defer logrus.SetLevel(previous)

	require.NoError(t, SetLevel("error"))
	assert.Equal(t, logrus.ErrorLevel, logrus.GetLevel())
	assert.Error(t, SetLevel("nope"))
	assert.Equal(t, logrus.ErrorLevel, logrus.GetLevel())
}

func dialHub(t *testing.T, hub *EventHub) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func startHub(t *testing.T) *EventHub {
	t.Helper()
	hub := NewEventHub(16)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

// TestEventHubBroadcast 测试事件广播到客户端
func TestEventHubBroadcast(t *testing.T) {
	hub := startHub(t)
	conn := dialHub(t, hub)

	welcome := readEvent(t, conn)
	assert.Equal(t, EventWelcome, welcome.Type)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(Event{Type: EventState, Message: "CONNECTED -> ANALYZING", SessionID: "s-1"})

	event := readEvent(t, conn)
	assert.Equal(t, EventState, event.Type)
	assert.Equal(t, "s-1", event.SessionID)
	assert.False(t, event.Timestamp.IsZero())

	require.Eventually(t, func() bool {
		return hub.GetStats()["sent"].(int64) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestEventHubClientLeaves 测试客户端断开后被移除
func TestEventHubClientLeaves(t *testing.T) {
	hub := startHub(t)
	conn := dialHub(t, hub)
	readEvent(t, conn)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

// TestPublishDropsWhenFull 测试缓冲满时丢弃
func TestPublishDropsWhenFull(t *testing.T) {
	hub := NewEventHub(2)

	for i := 0; i < 5; i++ {
		hub.Publish(Event{Type: EventLog})
	}
	assert.Equal(t, int64(3), hub.GetStats()["dropped"])
}

// TestHook 测试告警日志转为事件
func TestHook(t *testing.T) {
	hub := NewEventHub(4)

	l := logrus.New()
	l.SetOutput(&bytes.Buffer{})
	l.AddHook(hub.Hook())

	l.Info("ignored")
	l.WithError(errors.New("push failed")).WithField("session_id", "s-9").Warn("Push aggregate failed")

	select {
	case event := <-hub.broadcast:
		assert.Equal(t, EventLog, event.Type)
		assert.Equal(t, "warning", event.Level)
		assert.Equal(t, "Push aggregate failed", event.Message)
		assert.Equal(t, "s-9", event.SessionID)

		data := event.Data.(map[string]interface{})
		assert.Equal(t, "push failed", data[logrus.ErrorKey])
	default:
		t.Fatal("no event published")
	}

	select {
	case event := <-hub.broadcast:
		t.Fatalf("unexpected event %+v", event)
	default:
	}
}
