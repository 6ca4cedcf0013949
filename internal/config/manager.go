package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ChangeHandler 配置热更新回调
type ChangeHandler func(oldConfig, newConfig *Config)

// Manager 配置管理器，负责加载与热更新
type Manager struct {
	mu           sync.RWMutex
	config       *Config
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
	handlers     []ChangeHandler
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 指定配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置，重复调用返回已加载的配置
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config != nil {
		return m.config, nil
	}

	config, v, err := Load(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	m.config = config
	m.viper = v

	if m.watchEnabled && v.ConfigFileUsed() != "" {
		m.watch()
	}

	return config, nil
}

// Get 返回当前配置，未加载时返回 nil
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// ConfigFileUsed 返回实际读取的配置文件路径
func (m *Manager) ConfigFileUsed() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.viper == nil {
		return ""
	}
	return m.viper.ConfigFileUsed()
}

// OnChange 注册热更新回调
func (m *Manager) OnChange(handler ChangeHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	m.mu.Unlock()
}

// Reload 从已加载的 viper 实例重新解析配置；新配置无效时保留旧配置
func (m *Manager) Reload() error {
	m.mu.Lock()
	if m.viper == nil {
		m.mu.Unlock()
		return fmt.Errorf("config not loaded")
	}

	newConfig, err := decode(m.viper)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("reload config failed: %w", err)
	}

	oldConfig := m.config
	m.config = newConfig
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(oldConfig, newConfig)
	}
	return nil
}

// watch 监控配置文件变化，调用方持有 mu
func (m *Manager) watch() {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		logrus.WithField("file", e.Name).Info("Config file changed")
		if err := m.Reload(); err != nil {
			logrus.WithError(err).Warn("Keep previous config")
		}
	})
	m.viper.WatchConfig()
}
