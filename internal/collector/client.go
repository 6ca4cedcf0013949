package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"FaceReaderBridge/internal/aggregate"
)

// 采集端路由
const (
	RouteSetUser           = "/set_current_user"
	RouteSetStimuli        = "/set_current_stimuli"
	RouteSubmitEmotion     = "/submit_emotion"
	RouteAggregateEmotions = "/aggregate_emotions"
	RouteSubmitChatLog     = "/submit_chat_log"
	RouteRestartChat       = "/restart_chat"
)

// 响应体读取上限
const maxResponseBytes = 4 * 1024 * 1024

var ErrPush = errors.New("collector request failed")

// PushError 采集端请求失败
type PushError struct {
	Method     string
	Route      string
	StatusCode int // 0 表示未收到响应
	Body       string
	Err        error
}

func (e *PushError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("collector %s %s: status %d: %s", e.Method, e.Route, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("collector %s %s: %v", e.Method, e.Route, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, ErrPush) 成立
func (e *PushError) Is(target error) bool { return target == ErrPush }

// ClientConfig 采集端客户端配置
type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(baseURL string) *ClientConfig {
	return &ClientConfig{
		BaseURL:   baseURL,
		Timeout:   5 * time.Second,
		UserAgent: "FaceReaderBridge/1.0",
	}
}

// Client 采集端HTTP客户端
type Client struct {
	baseURL   string
	userAgent string
	client    *http.Client
	timeout   atomic.Int64

	requests atomic.Int64
	failures atomic.Int64
}

// New 创建采集端客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	transport := &http.Transport{
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}

	c := &Client{
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		userAgent: config.UserAgent,
		client:    &http.Client{Transport: transport},
	}
	c.SetTimeout(config.Timeout)
	return c
}

// SetTimeout 调整单次请求时限（配置热更新时调用）
func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c.timeout.Store(int64(timeout))
}

// PushAggregate 提交一批情绪汇总
func (c *Client) PushAggregate(ctx context.Context, summaries []aggregate.EmotionSummary) error {
	if summaries == nil {
		summaries = []aggregate.EmotionSummary{}
	}
	return c.do(ctx, http.MethodPost, RouteSubmitEmotion, summaries, nil)
}

// SetUser 设置当前用户
func (c *Client) SetUser(ctx context.Context, name string) error {
	body := map[string]string{"user_name": name}
	return c.do(ctx, http.MethodPost, RouteSetUser, body, nil)
}

// SetStimulus 设置当前刺激，返回采集端日志
func (c *Client) SetStimulus(ctx context.Context, name string) (json.RawMessage, error) {
	var out struct {
		Log json.RawMessage `json:"log"`
	}
	body := map[string]string{"stimuli": name}
	if err := c.do(ctx, http.MethodPost, RouteSetStimuli, body, &out); err != nil {
		return nil, err
	}
	return out.Log, nil
}

// AggregateEmotions 让采集端汇总情绪，并把返回的日志提交为聊天日志
func (c *Client) AggregateEmotions(ctx context.Context) (json.RawMessage, error) {
	var out struct {
		Log json.RawMessage `json:"log"`
	}
	if err := c.do(ctx, http.MethodGet, RouteAggregateEmotions, nil, &out); err != nil {
		return nil, err
	}

	logBody := out.Log
	if len(logBody) == 0 {
		logBody = json.RawMessage("null")
	}
	chatLog := map[string]json.RawMessage{"log": logBody}
	if err := c.do(ctx, http.MethodPost, RouteSubmitChatLog, chatLog, nil); err != nil {
		return out.Log, err
	}
	return out.Log, nil
}

// Restart 重启对话，返回新对话地址
func (c *Client) Restart(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, RouteRestartChat, nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// GetStats 获取请求统计
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"base_url":   c.baseURL,
		"requests":   c.requests.Load(),
		"failures":   c.failures.Load(),
		"timeout_ms": time.Duration(c.timeout.Load()).Milliseconds(),
	}
}

// do 执行一次有时限的JSON请求
func (c *Client) do(ctx context.Context, method, route string, in, out interface{}) error {
	c.requests.Add(1)

	err := c.roundTrip(ctx, method, route, in, out)
	if err != nil {
		c.failures.Add(1)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, route string, in, out interface{}) error {
	fail := func(status int, body string, err error) error {
		return &PushError{Method: method, Route: route, StatusCode: status, Body: body, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.timeout.Load()))
	defer cancel()

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fail(0, "", fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+route, reader)
	if err != nil {
		return fail(0, "", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fail(0, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(resp.StatusCode, "", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, strings.TrimSpace(string(body)), fmt.Errorf("unexpected status %s", resp.Status))
	}

	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fail(resp.StatusCode, "", fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}
