// Package buildinfo 保存构建时通过 -ldflags 注入的版本信息
package buildinfo

import "runtime"

// 构建时注入：
//
//	go build -ldflags "-X zonemonitor/internal/buildinfo.Version=v1.2.0 \
//	  -X zonemonitor/internal/buildinfo.GitCommit=$(git rev-parse --short HEAD) \
//	  -X zonemonitor/internal/buildinfo.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// GetVersion 返回版本号
func GetVersion() string { return Version }

// GetGitCommit 返回构建时的提交哈希
func GetGitCommit() string { return GitCommit }

// GetBuildTime 返回构建时间
func GetBuildTime() string { return BuildTime }

// GetGoVersion 返回编译使用的 Go 版本
func GetGoVersion() string { return runtime.Version() }
