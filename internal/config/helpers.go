package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"zonemonitor/internal/logger"
)

// parseDurationDefault 解析 duration 字符串，空值使用默认值；负数视为错误
func parseDurationDefault(raw string, def time.Duration, field string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s 不能为负数", field)
	}
	return d, nil
}

// validateURL 验证 URL 格式和协议安全性
func validateURL(rawURL, fieldName string) error {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil
	}

	parsed, err := url.ParseRequestURI(trimmed)
	if err != nil {
		return fmt.Errorf("%s 格式无效: %w", fieldName, err)
	}

	// 只允许 http 和 https 协议
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%s 只支持 http:// 或 https:// 协议，收到: %s", fieldName, parsed.Scheme)
	}

	// 非 HTTPS 警告
	if scheme == "http" {
		logger.Warn("config", "检测到非 HTTPS URL", "field", fieldName, "url", trimmed)
	}

	return nil
}
