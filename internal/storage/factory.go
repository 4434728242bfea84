// Package storage 持久化区域状态、状态历史与通知记录
package storage

import (
	"fmt"

	"zonemonitor/internal/config"
)

// New 根据配置创建存储实例
func New(cfg *config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case config.StorageTypePostgres:
		return NewPostgresStorage(&cfg.Postgres)
	case config.StorageTypeSQLite, "":
		return NewSQLiteStorage(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Type)
	}
}
