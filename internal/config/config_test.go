package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
log_level: debug
dashboard_url: https://status.example.com
upstream:
  endpoint: https://api.example.com/v2
  token: abc
scheduler:
  retry: 2
  retry_jitter: 0.1
notify:
  offline_threshold: 5m
  channels: [Pushover, email, pushover]
transports:
  pushover:
    enabled: true
    app_token: tok
  email:
    enabled: true
    host: smtp.example.com
    from: alerts@example.com
accounts:
  - id: acme
    name: ACME
    recipients:
      Email: [" ops@acme.test ", ""]
    zones:
      - id: z1
        name: Lobby
      - id: z2
        disabled: true
  - id: beta
    cooldown: 1h
    channels: [sms]
    parallel: true
    zones:
      - id: z3
`

func TestParse_DefaultsAndInheritance(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Upstream.TimeoutDuration != 10*time.Second {
		t.Errorf("upstream timeout = %v, want 10s", cfg.Upstream.TimeoutDuration)
	}
	if cfg.Upstream.AuthScheme != "Basic" {
		t.Errorf("auth scheme = %q", cfg.Upstream.AuthScheme)
	}
	if cfg.Scheduler.RetryCount != 2 {
		t.Errorf("retry = %d, want 2", cfg.Scheduler.RetryCount)
	}
	if cfg.Scheduler.RetryJitterValue != 0.1 {
		t.Errorf("jitter = %v, want 0.1", cfg.Scheduler.RetryJitterValue)
	}
	if cfg.Scheduler.SweepTargetDuration != 7*time.Minute {
		t.Errorf("sweep target = %v", cfg.Scheduler.SweepTargetDuration)
	}
	if got := cfg.Notify.Channels; len(got) != 2 || got[0] != "pushover" || got[1] != "email" {
		t.Errorf("notify channels = %v", got)
	}

	acme, ok := cfg.FindAccount("acme")
	if !ok {
		t.Fatal("未找到账户 acme")
	}
	if acme.OfflineThresholdDuration != 5*time.Minute {
		t.Errorf("acme threshold = %v, want 5m（继承）", acme.OfflineThresholdDuration)
	}
	if acme.CooldownDuration != 30*time.Minute {
		t.Errorf("acme cooldown = %v, want 30m（默认）", acme.CooldownDuration)
	}
	if len(acme.Channels) != 2 {
		t.Errorf("acme channels = %v", acme.Channels)
	}
	if got := acme.RecipientsFor("EMAIL"); len(got) != 1 || got[0] != "ops@acme.test" {
		t.Errorf("acme email recipients = %v", got)
	}
	if acme.Zones[1].Name != "z2" {
		t.Errorf("zone 名称应回退为 id，got %q", acme.Zones[1].Name)
	}

	beta, _ := cfg.FindAccount("beta")
	if beta.CooldownDuration != time.Hour {
		t.Errorf("beta cooldown = %v, want 1h", beta.CooldownDuration)
	}
	if !beta.ParallelValue {
		t.Error("beta parallel 应为 true")
	}
	if beta.Name != "beta" {
		t.Errorf("beta name = %q", beta.Name)
	}

	if cfg.ZoneCount() != 2 {
		t.Errorf("ZoneCount = %d, want 2", cfg.ZoneCount())
	}
	if cfg.Storage.Type != StorageTypeSQLite || cfg.Storage.SQLite.Path != "zones.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.API.Addr != ":8080" {
		t.Errorf("api addr = %q", cfg.API.Addr)
	}
	if cfg.Transports.SMS.QuietStartHour != 22 || cfg.Transports.SMS.QuietEndHour != 7 {
		t.Errorf("quiet hours = %d-%d", cfg.Transports.SMS.QuietStartHour, cfg.Transports.SMS.QuietEndHour)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "缺少 endpoint",
			yaml: "accounts: []\n",
		},
		{
			name: "endpoint 协议非法",
			yaml: "upstream: {endpoint: ftp://x}\n",
		},
		{
			name: "重复账户",
			yaml: "upstream: {endpoint: https://x}\naccounts: [{id: a}, {id: a}]\n",
		},
		{
			name: "区域重复归属",
			yaml: "upstream: {endpoint: https://x}\naccounts: [{id: a, zones: [{id: z}]}, {id: b, zones: [{id: z}]}]\n",
		},
		{
			name: "未知通道",
			yaml: "upstream: {endpoint: https://x}\naccounts: [{id: a, channels: [pager]}]\n",
		},
		{
			name: "负数重试",
			yaml: "upstream: {endpoint: https://x}\nscheduler: {retry: -1}\n",
		},
		{
			name: "非法 duration",
			yaml: "upstream: {endpoint: https://x}\nnotify: {cooldown: soon}\n",
		},
		{
			name: "pushover 缺少 token",
			yaml: "upstream: {endpoint: https://x}\ntransports: {pushover: {enabled: true}}\n",
		},
		{
			name: "初始并发超过上界",
			yaml: "upstream: {endpoint: https://x}\nrate_limit: {initial_concurrency: 50, max_concurrency: 10}\n",
		},
		{
			name: "未知存储类型",
			yaml: "upstream: {endpoint: https://x}\nstorage: {type: mysql}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Fatal("期望返回错误")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MONITOR_UPSTREAM_TOKEN", "from-env")
	t.Setenv("MONITOR_STORAGE_TYPE", "postgres")
	t.Setenv("MONITOR_POSTGRES_HOST", "db")
	t.Setenv("MONITOR_POSTGRES_PORT", "6543")
	t.Setenv("MONITOR_POSTGRES_DATABASE", "zones")

	cfg, err := Parse([]byte("upstream: {endpoint: https://x, token: from-file}\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Upstream.Token != "from-env" {
		t.Errorf("token = %q, want from-env", cfg.Upstream.Token)
	}
	if cfg.Storage.Type != StorageTypePostgres || cfg.Storage.Postgres.Port != 6543 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.Postgres.MaxOpenConns != 25 {
		t.Errorf("max_open_conns = %d, want 25", cfg.Storage.Postgres.MaxOpenConns)
	}
}

func TestClone_Independent(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	cp := cfg.Clone()

	cp.Accounts[0].Zones[0].Name = "changed"
	cp.Accounts[0].Recipients["email"][0] = "changed"
	cp.Notify.Channels[0] = "changed"

	if cfg.Accounts[0].Zones[0].Name != "Lobby" {
		t.Error("修改副本 zones 影响了原配置")
	}
	if cfg.Accounts[0].Recipients["email"][0] != "ops@acme.test" {
		t.Error("修改副本 recipients 影响了原配置")
	}
	if cfg.Notify.Channels[0] != "pushover" {
		t.Error("修改副本 channels 影响了原配置")
	}
}

func TestLoader_LoadOrRollback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader()
	first, err := loader.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("upstream: {endpoint: ''}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.LoadOrRollback(path); err == nil {
		t.Fatal("无效配置应返回错误")
	}
	if loader.Current() != first {
		t.Fatal("失败后应保留上一份有效配置")
	}
}

func TestLoadDotenvFromConfigDir(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	loaded, err := LoadDotenvFromConfigDir(cfgPath, false)
	if err != nil || loaded {
		t.Fatalf("无 .env 时应静默跳过，loaded=%v err=%v", loaded, err)
	}

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("ZM_TEST_DOTENV=hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ZM_TEST_DOTENV", "")
	os.Unsetenv("ZM_TEST_DOTENV")

	loaded, err = LoadDotenvFromConfigDir(cfgPath, false)
	if err != nil || !loaded {
		t.Fatalf("loaded=%v err=%v", loaded, err)
	}
	if got := os.Getenv("ZM_TEST_DOTENV"); got != "hello" {
		t.Fatalf("ZM_TEST_DOTENV = %q", got)
	}
}
