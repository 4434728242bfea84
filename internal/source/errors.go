package source

import (
	"errors"
	"regexp"
	"strconv"
	"time"
)

// ErrorCode 上游查询错误分类（调度器据此决定重试/限流/放弃）
type ErrorCode string

const (
	// ErrCodeTransient 超时、连接重置、5xx 等暂时性错误，可重试
	ErrCodeTransient ErrorCode = "transient"
	// ErrCodeRateLimited 上游令牌预算不足，不立即重试
	ErrCodeRateLimited ErrorCode = "rate_limited"
	// ErrCodeNotFound 区域不存在
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeMalformed 响应无法解析或请求本身不合法
	ErrCodeMalformed ErrorCode = "malformed"
)

// Error 上游查询错误（稳定 Code + 可读 Message；Err 用于内部诊断）
type Error struct {
	Code    ErrorCode
	Message string
	Err     error

	// 以下字段仅 rate_limited 时有效（0 表示未知）
	Cost       int
	Available  int
	RetryAfter time.Duration
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Err }

// CodeOf 提取错误码；若不是 source.Error 则返回空串
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsError 提取 source.Error
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable 是否为可重试错误
func IsRetryable(err error) bool {
	return CodeOf(err) == ErrCodeTransient
}

// 上游限流错误文本示例: "Query costs 16 tokens but you only have 3 available"
var rateLimitPattern = regexp.MustCompile(`(?is)costs\s+(\d+)\s+tokens.*have\s+(\d+)\s+available`)

// ParseRateLimitMessage 从上游错误文本中解析本次查询成本和剩余额度
func ParseRateLimitMessage(msg string) (cost, available int, ok bool) {
	m := rateLimitPattern.FindStringSubmatch(msg)
	if len(m) != 3 {
		return 0, 0, false
	}
	cost, err1 := strconv.Atoi(m[1])
	available, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return cost, available, true
}
