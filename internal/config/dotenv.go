package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"zonemonitor/internal/logger"
)

// LoadDotenvFromConfigDir 从配置文件所在目录加载 .env 文件。
//
// 行为说明：
//   - overload=false 时使用 godotenv.Load：不覆盖进程中已存在的环境变量（启动时）
//   - overload=true 时使用 godotenv.Overload：热更新时让 .env 的新值生效
//   - .env 文件不存在时静默忽略，返回 (false, nil)
//   - 其它错误（权限、格式等）会返回错误
func LoadDotenvFromConfigDir(configPath string, overload bool) (bool, error) {
	if configPath == "" {
		return false, nil
	}

	dotenvPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(dotenvPath); os.IsNotExist(err) {
		logger.Debug("config", "未找到 .env，跳过加载", "path", dotenvPath)
		return false, nil
	}

	load := godotenv.Load
	if overload {
		load = godotenv.Overload
	}
	if err := load(dotenvPath); err != nil {
		return false, fmt.Errorf("加载 .env 失败 (%s): %w", dotenvPath, err)
	}

	// 不输出具体 key/value
	logger.Info("config", "已加载 .env", "path", dotenvPath, "overload", overload)
	return true, nil
}
