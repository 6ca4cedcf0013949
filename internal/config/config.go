package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"FaceReaderBridge/internal/collector"
	"FaceReaderBridge/internal/engineclient"
	"FaceReaderBridge/internal/session"
)

const (
	// 配置文件名（不含扩展名）
	ConfigName = "facereader"
	// 环境变量前缀，如 FACEREADER_ENGINE_HOST
	EnvPrefix = "FACEREADER"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config 桥接服务配置
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Collector CollectorConfig `mapstructure:"collector"`
	Session   SessionConfig   `mapstructure:"session"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Control   ControlConfig   `mapstructure:"control"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type EngineConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	FrameReadTimeout time.Duration `mapstructure:"frame_read_timeout"`
	ReadBufferSize   int           `mapstructure:"read_buffer_size"`
}

type CollectorConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

type SessionConfig struct {
	LogDir                 string        `mapstructure:"log_dir"`
	PushOffset             time.Duration `mapstructure:"push_offset"`
	IdleTimeout            time.Duration `mapstructure:"idle_timeout"`
	InitialResponseTimeout time.Duration `mapstructure:"initial_response_timeout"`
	PushTimeout            time.Duration `mapstructure:"push_timeout"`
	MessageID              string        `mapstructure:"message_id"`
	SyncLog                bool          `mapstructure:"sync_log"`
}

// RecoveryConfig 连接丢失后的自动恢复，默认关闭
type RecoveryConfig struct {
	Enable          bool          `mapstructure:"enable"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type ControlConfig struct {
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load 加载配置：默认值 < 配置文件 < 环境变量
// path 为空时在 ./configs 与当前目录下查找 facereader.yaml，找不到则只用默认值
func Load(path string) (*Config, *viper.Viper, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return config, v, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default 返回仅由默认值构成的配置
func Default() *Config {
	config, err := decode(newViper(""))
	if err != nil {
		panic(err)
	}
	return config
}

// setDefaultValues 设置默认配置值
func setDefaultValues(v *viper.Viper) {
	// 引擎
	v.SetDefault("engine.host", "127.0.0.1")
	v.SetDefault("engine.port", 9090)
	v.SetDefault("engine.dial_timeout", "5s")
	v.SetDefault("engine.write_timeout", "5s")
	v.SetDefault("engine.frame_read_timeout", "10s")
	v.SetDefault("engine.read_buffer_size", 64*1024)

	// 采集端
	v.SetDefault("collector.base_url", "http://127.0.0.1:5000")
	v.SetDefault("collector.timeout", "5s")
	v.SetDefault("collector.user_agent", "FaceReaderBridge/1.0")

	// 会话
	v.SetDefault("session.log_dir", "logs")
	v.SetDefault("session.push_offset", "1s")
	v.SetDefault("session.idle_timeout", "500ms")
	v.SetDefault("session.initial_response_timeout", "2s")
	v.SetDefault("session.push_timeout", "5s")
	v.SetDefault("session.message_id", "ID001")
	v.SetDefault("session.sync_log", true)

	// 恢复
	v.SetDefault("recovery.enable", false)
	v.SetDefault("recovery.initial_interval", "1s")
	v.SetDefault("recovery.max_interval", "30s")
	v.SetDefault("recovery.multiplier", 2.0)
	v.SetDefault("recovery.max_elapsed_time", "5m")

	// 控制接口
	v.SetDefault("control.addr", "127.0.0.1:8088")
	v.SetDefault("control.allowed_origins", []string{"*"})
	v.SetDefault("control.read_timeout", "15s")
	v.SetDefault("control.write_timeout", "15s")

	// 日志
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// validateConfig 验证配置有效性
func validateConfig(config *Config) error {
	if config.Engine.Host == "" {
		return fmt.Errorf("%w: engine host is empty", ErrInvalidConfig)
	}
	if config.Engine.Port <= 0 || config.Engine.Port > 65535 {
		return fmt.Errorf("%w: engine port %d out of range", ErrInvalidConfig, config.Engine.Port)
	}
	if config.Engine.DialTimeout <= 0 {
		return fmt.Errorf("%w: engine dial timeout %v", ErrInvalidConfig, config.Engine.DialTimeout)
	}

	u, err := url.Parse(config.Collector.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: collector base url %q", ErrInvalidConfig, config.Collector.BaseURL)
	}
	if config.Collector.Timeout <= 0 {
		return fmt.Errorf("%w: collector timeout %v", ErrInvalidConfig, config.Collector.Timeout)
	}

	if config.Session.LogDir == "" {
		return fmt.Errorf("%w: session log dir is empty", ErrInvalidConfig)
	}
	if config.Session.PushOffset < 0 {
		return fmt.Errorf("%w: negative push offset %v", ErrInvalidConfig, config.Session.PushOffset)
	}
	if config.Session.IdleTimeout <= 0 {
		return fmt.Errorf("%w: session idle timeout %v", ErrInvalidConfig, config.Session.IdleTimeout)
	}
	if config.Session.PushTimeout <= 0 {
		return fmt.Errorf("%w: session push timeout %v", ErrInvalidConfig, config.Session.PushTimeout)
	}

	if config.Recovery.Enable && config.Recovery.Multiplier < 1 {
		return fmt.Errorf("%w: recovery multiplier %f must be >= 1", ErrInvalidConfig, config.Recovery.Multiplier)
	}

	if _, err := logrus.ParseLevel(config.Logging.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch config.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging format %q", ErrInvalidConfig, config.Logging.Format)
	}

	return nil
}

// EngineClientConfig 转换为引擎客户端配置
func (c *Config) EngineClientConfig() *engineclient.ClientConfig {
	return &engineclient.ClientConfig{
		Host:             c.Engine.Host,
		Port:             c.Engine.Port,
		DialTimeout:      c.Engine.DialTimeout,
		WriteTimeout:     c.Engine.WriteTimeout,
		FrameReadTimeout: c.Engine.FrameReadTimeout,
		ReadBufferSize:   c.Engine.ReadBufferSize,
	}
}

// CollectorClientConfig 转换为采集端客户端配置
func (c *Config) CollectorClientConfig() *collector.ClientConfig {
	return &collector.ClientConfig{
		BaseURL:   c.Collector.BaseURL,
		Timeout:   c.Collector.Timeout,
		UserAgent: c.Collector.UserAgent,
	}
}

// SessionControllerConfig 转换为会话控制器配置
func (c *Config) SessionControllerConfig() *session.Config {
	return &session.Config{
		LogDir:                 c.Session.LogDir,
		PushOffset:             c.Session.PushOffset,
		IdleTimeout:            c.Session.IdleTimeout,
		InitialResponseTimeout: c.Session.InitialResponseTimeout,
		PushTimeout:            c.Session.PushTimeout,
		MessageID:              c.Session.MessageID,
		SyncLog:                c.Session.SyncLog,
	}
}
