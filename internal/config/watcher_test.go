package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDiffConfigs(t *testing.T) {
	prev, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// 首次加载：全部启用区域视为新增，不提示重启
	first := diffConfigs(nil, prev)
	if strings.Join(first.AddedZones, ",") != "z1,z3" {
		t.Errorf("AddedZones = %v, want [z1 z3]", first.AddedZones)
	}
	if len(first.RestartRequired) != 0 {
		t.Errorf("首次加载不应要求重启: %v", first.RestartRequired)
	}

	// 仅改名册与告警策略
	yml := strings.Replace(sampleYAML, "      - id: z3\n", "      - id: z4\n", 1)
	yml = strings.Replace(yml, "offline_threshold: 5m", "offline_threshold: 15m", 1)
	next, err := Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	r := diffConfigs(prev, next)
	if strings.Join(r.AddedZones, ",") != "z4" || strings.Join(r.RemovedZones, ",") != "z3" {
		t.Errorf("added=%v removed=%v", r.AddedZones, r.RemovedZones)
	}
	if len(r.RestartRequired) != 0 {
		t.Errorf("名册与策略变更可热更新，实际要求重启: %v", r.RestartRequired)
	}

	// 上游凭据与通道配置变更需要重启
	yml = strings.Replace(sampleYAML, "token: abc", "token: rotated", 1)
	yml = strings.Replace(yml, "host: smtp.example.com", "host: smtp2.example.com", 1)
	next, err = Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	r = diffConfigs(prev, next)
	if strings.Join(r.RestartRequired, ",") != "upstream,transports" {
		t.Errorf("RestartRequired = %v, want [upstream transports]", r.RestartRequired)
	}
	if len(r.AddedZones) != 0 || len(r.RemovedZones) != 0 {
		t.Errorf("名册未变更: added=%v removed=%v", r.AddedZones, r.RemovedZones)
	}
}

func TestWatcher_ReloadAppliesDotenvFirst(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MONITOR_DASHBOARD_URL", "")

	loader := NewLoader()
	if _, err := loader.Load(cfgPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var got *Reload
	w, err := NewWatcher(loader, cfgPath, func(r *Reload) { got = r })
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	yml := strings.Replace(sampleYAML, "      - id: z3\n", "      - id: z3\n      - id: z5\n", 1)
	if err := os.WriteFile(cfgPath, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MONITOR_DASHBOARD_URL=https://env.example.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := w.reload()
	if r == nil || got != r {
		t.Fatal("重载成功后应回调")
	}
	if r.Config.DashboardURL != "https://env.example.com" {
		t.Errorf("DashboardURL = %q, .env 应先于配置解析生效", r.Config.DashboardURL)
	}
	if strings.Join(r.AddedZones, ",") != "z5" {
		t.Errorf("AddedZones = %v, want [z5]", r.AddedZones)
	}
	if loader.Current() != r.Config {
		t.Error("loader 应保存新配置")
	}

	// 无效配置：回滚，不回调
	got = nil
	if err := os.WriteFile(cfgPath, []byte("accounts: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := w.reload(); r != nil || got != nil {
		t.Error("无效配置不应触发回调")
	}
	if loader.Current() == nil || loader.Current().DashboardURL != "https://env.example.com" {
		t.Error("应保留上一份有效配置")
	}
}
