package config

import (
	"fmt"
	"strings"
	"time"
)

// StorageConfig 存储配置
type StorageConfig struct {
	Type StorageType `yaml:"type" json:"type"` // "sqlite" 或 "postgres"

	// SQLite 配置
	SQLite SQLiteConfig `yaml:"sqlite" json:"sqlite"`

	// PostgreSQL 配置
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`

	// 历史数据保留与清理配置（默认禁用，需显式开启）
	Retention RetentionConfig `yaml:"retention" json:"retention"`

	// 写入失败时的重试次数（默认 3）
	WriteRetries int `yaml:"write_retries" json:"write_retries"`

	// 写入重试间隔（默认 "200ms"，按次数线性递增）
	WriteRetryDelay         string        `yaml:"write_retry_delay" json:"write_retry_delay"`
	WriteRetryDelayDuration time.Duration `yaml:"-" json:"-"`
}

// SQLiteConfig SQLite 配置
type SQLiteConfig struct {
	Path string `yaml:"path" json:"path"` // 数据库文件路径
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"-"` // 不输出到 JSON
	Database        string `yaml:"database" json:"database"`
	SSLMode         string `yaml:"sslmode" json:"sslmode"`
	MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RetentionConfig 历史数据保留与清理配置
// 只清理 zone_history 与 notifications，当前状态表不受影响
type RetentionConfig struct {
	// 是否启用清理任务（默认 false，需要显式开启）
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// 保留天数（默认 90）
	Days int `yaml:"days" json:"days"`

	// 清理任务执行间隔（默认 "6h"）
	CleanupInterval string `yaml:"cleanup_interval" json:"cleanup_interval"`

	// 启动后延迟多久开始首次清理（默认 "1m"）
	StartupDelay string `yaml:"startup_delay" json:"startup_delay"`

	// 调度抖动比例（默认 0.2，取值范围 [0,1]）
	Jitter float64 `yaml:"jitter" json:"jitter"`

	CleanupIntervalDuration time.Duration `yaml:"-" json:"-"`
	StartupDelayDuration    time.Duration `yaml:"-" json:"-"`
}

// IsEnabled 返回是否启用清理任务
func (c *RetentionConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return false // 默认禁用（需要显式开启）
	}
	return *c.Enabled
}

// Normalize 规范化存储配置（填充默认值并解析 duration）
func (c *StorageConfig) Normalize() error {
	if c.Type == "" {
		c.Type = StorageTypeSQLite // 默认使用 SQLite
	}
	c.Type = StorageType(strings.ToLower(strings.TrimSpace(string(c.Type))))
	if !c.Type.IsValid() {
		return fmt.Errorf("storage.type 仅支持 sqlite 或 postgres，当前值: %s", c.Type)
	}

	if c.Type == StorageTypeSQLite && c.SQLite.Path == "" {
		c.SQLite.Path = "zones.db" // 默认路径
	}

	if c.Type == StorageTypePostgres {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
		// 每个并发检查最多占用一个连接写入状态
		if c.Postgres.MaxOpenConns == 0 {
			c.Postgres.MaxOpenConns = 25
		}
		if c.Postgres.MaxIdleConns == 0 {
			c.Postgres.MaxIdleConns = 5
		}
		if c.Postgres.ConnMaxLifetime == "" {
			c.Postgres.ConnMaxLifetime = "1h"
		}
	}

	if c.WriteRetries == 0 {
		c.WriteRetries = 3
	}
	if c.WriteRetries < 0 {
		return fmt.Errorf("storage.write_retries 必须 >= 0，当前值: %d", c.WriteRetries)
	}
	d, err := parseDurationDefault(c.WriteRetryDelay, 200*time.Millisecond, "storage.write_retry_delay")
	if err != nil {
		return err
	}
	c.WriteRetryDelayDuration = d

	return c.Retention.Normalize()
}

// Normalize 规范化 retention 配置（填充默认值并解析 duration）
func (c *RetentionConfig) Normalize() error {
	// 保留天数（默认 90）
	if c.Days == 0 {
		c.Days = 90
	}
	if c.Days < 1 {
		return fmt.Errorf("storage.retention.days 必须 >= 1，当前值: %d", c.Days)
	}

	// 清理间隔（默认 6h）
	d, err := parseDurationDefault(c.CleanupInterval, 6*time.Hour, "storage.retention.cleanup_interval")
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("storage.retention.cleanup_interval 必须 > 0")
	}
	c.CleanupIntervalDuration = d

	// 启动延迟（默认 1m）
	d, err = parseDurationDefault(c.StartupDelay, time.Minute, "storage.retention.startup_delay")
	if err != nil {
		return err
	}
	c.StartupDelayDuration = d

	// 抖动比例（默认 0.2）
	if c.Jitter == 0 {
		c.Jitter = 0.2
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("storage.retention.jitter 必须在 [0,1] 范围内，当前值: %g", c.Jitter)
	}

	return nil
}
