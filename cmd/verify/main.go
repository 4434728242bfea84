package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"zonemonitor/internal/buildinfo"
	"zonemonitor/internal/config"
	"zonemonitor/internal/source"
	"zonemonitor/internal/transport"
	"zonemonitor/internal/zone"
)

func main() {
	zoneID := flag.String("zone", "", "Zone ID to query")
	channel := flag.String("channel", "", "Send a test message through this channel (optional)")
	to := flag.String("to", "", "Recipient for the test message (required with -channel)")
	configFile := flag.String("config", "config.yaml", "Config file path")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Parse()

	if *zoneID == "" && *channel == "" {
		fmt.Println("用法: go run cmd/verify/main.go -zone <id> [-config <path>] [-v]")
		fmt.Println("      go run cmd/verify/main.go -channel <name> -to <recipient> [-config <path>]")
		fmt.Println("示例: go run cmd/verify/main.go -zone U291bmRab25lLCwxOXE= -v")
		os.Exit(1)
	}

	// 加载 .env 文件（仅用于本地开发，不覆盖已有环境变量）
	if _, err := config.LoadDotenvFromConfigDir(*configFile, false); err != nil {
		fmt.Printf("⚠️  %v\n", err)
	}

	cfg, err := config.NewLoader().Load(*configFile)
	if err != nil {
		fmt.Printf("❌ 加载配置失败: %v\n", err)
		os.Exit(1)
	}

	ok := true
	if *zoneID != "" {
		ok = verifyZone(cfg, *zoneID, *verbose) && ok
	}
	if *channel != "" {
		ok = verifyChannel(cfg, *channel, *to) && ok
	}
	if !ok {
		os.Exit(1)
	}
}

// verifyZone 查询一次上游并打印分类结果
func verifyZone(cfg *config.AppConfig, zoneID string, verbose bool) bool {
	fmt.Printf("🔍 验证区域: %s\n", zoneID)
	fmt.Println("========================================")

	if verbose {
		fmt.Printf("📋 上游: %s (timeout=%s, auth=%s)\n\n",
			cfg.Upstream.Endpoint, cfg.Upstream.TimeoutDuration, cfg.Upstream.AuthScheme)
	}

	src, err := source.NewGraphQLSource(source.Options{
		Endpoint:   cfg.Upstream.Endpoint,
		Token:      cfg.Upstream.Token,
		AuthScheme: cfg.Upstream.AuthScheme,
		UserAgent:  "zone-monitor-verify/" + buildinfo.GetVersion(),
	})
	if err != nil {
		fmt.Printf("❌ 初始化数据源失败: %v\n", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Upstream.TimeoutDuration)
	defer cancel()

	start := time.Now()
	res, err := src.Fetch(ctx, zoneID)
	latency := time.Since(start)
	if err != nil {
		fmt.Printf("❌ 查询失败 (%dms): code=%s %v\n", latency.Milliseconds(), source.CodeOf(err), err)
		if se, ok := source.AsError(err); ok && se.Code == source.ErrCodeRateLimited {
			fmt.Printf("   cost=%d available=%d retry_after=%s\n", se.Cost, se.Available, se.RetryAfter)
		}
		return false
	}

	status := zone.Classify(res.Signals)
	fmt.Printf("✅ 查询成功 (%dms)\n", latency.Milliseconds())
	fmt.Printf("  名称: %s\n", res.Name)
	fmt.Printf("  状态: %s (%s)\n", status, status.Label())
	if verbose {
		data, _ := json.MarshalIndent(res.Signals, "  ", "  ")
		fmt.Printf("  原始信号:\n  %s\n", data)
	}
	return true
}

// verifyChannel 通过指定通道发送一条测试消息
func verifyChannel(cfg *config.AppConfig, channel, to string) bool {
	fmt.Printf("📤 验证通道: %s -> %s\n", channel, to)
	fmt.Println("========================================")

	if strings.TrimSpace(to) == "" {
		fmt.Println("❌ 使用 -channel 时必须指定 -to")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	registry := transport.BuildRegistry(ctx, &cfg.Transports)
	defer registry.Close()

	t, ok := registry.Get(channel)
	if !ok {
		fmt.Printf("❌ 通道未启用或初始化失败: %s（已启用: %s）\n", channel, strings.Join(registry.Names(), ", "))
		return false
	}

	now := time.Now()
	msg := transport.Message{
		ZoneID:      "verify",
		ZoneName:    "Verify",
		AccountName: "zone-monitor",
		Status:      zone.StatusOffline,
		Since:       now,
		Manual:      true,
		Title:       "[Manual] Zone monitor test",
		Body:        "This is a test message from zone-monitor verify.",
	}

	start := time.Now()
	if err := t.Send(ctx, msg, []string{to}); err != nil {
		fmt.Printf("❌ 发送失败 (%dms): %v\n", time.Since(start).Milliseconds(), err)
		return false
	}
	fmt.Printf("✅ 发送成功 (%dms)\n", time.Since(start).Milliseconds())
	return true
}
