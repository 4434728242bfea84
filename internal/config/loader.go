package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"zonemonitor/internal/logger"
)

// Loader 配置加载器（保留最近一次有效配置，热更新失败时回滚）
type Loader struct {
	mu      sync.RWMutex
	current *AppConfig
}

// NewLoader 创建配置加载器
func NewLoader() *Loader {
	return &Loader{}
}

// Load 加载、规范化并校验配置文件
func (l *Loader) Load(filename string) (*AppConfig, error) {
	cfg, err := parseFile(filename)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// LoadOrRollback 重新加载配置；失败时保留上一份有效配置并返回错误
func (l *Loader) LoadOrRollback(filename string) (*AppConfig, error) {
	cfg, err := parseFile(filename)
	if err != nil {
		l.mu.RLock()
		hasPrev := l.current != nil
		l.mu.RUnlock()
		if hasPrev {
			logger.Warn("config", "新配置无效，继续使用上一份有效配置", "error", err)
		}
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current 返回当前有效配置（可能为 nil）
func (l *Loader) Current() *AppConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// parseFile 读取 YAML -> 环境变量覆盖 -> Normalize -> Validate
func parseFile(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 从 YAML 字节解析配置
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 失败: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("规范化配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &cfg, nil
}
