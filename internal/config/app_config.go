package config

import "time"

// AppConfig 应用配置
type AppConfig struct {
	// 日志级别（debug/info/warn/error，默认 info）
	LogLevel string `yaml:"log_level" json:"log_level"`

	// 看板地址（可选，拼接到告警消息末尾）
	DashboardURL string `yaml:"dashboard_url" json:"dashboard_url"`

	// 上游 GraphQL API
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`

	// 巡检调度
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// 令牌预算与自适应并发
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// 告警默认策略（账户未配置时继承）
	Notify NotifyConfig `yaml:"notify" json:"notify"`

	// 账户与区域名册
	Accounts []AccountConfig `yaml:"accounts" json:"accounts"`

	// 通知通道
	Transports TransportsConfig `yaml:"transports" json:"transports"`

	// 存储
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Redis 读缓存（可选）
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// HTTP API
	API APIConfig `yaml:"api" json:"api"`
}

// UpstreamConfig 上游 API 配置
type UpstreamConfig struct {
	Endpoint   string `yaml:"endpoint" json:"endpoint"`
	Token      string `yaml:"token" json:"-"` // 不输出到 JSON
	AuthScheme string `yaml:"auth_scheme" json:"auth_scheme"`

	// 单次查询超时（默认 "10s"）
	Timeout         string        `yaml:"timeout" json:"timeout"`
	TimeoutDuration time.Duration `yaml:"-" json:"-"`

	// 单次查询消耗的令牌数（默认 1）
	QueryCost int `yaml:"query_cost" json:"query_cost"`
}

// SchedulerConfig 巡检调度配置
type SchedulerConfig struct {
	// 额外重试次数（不含首次尝试，默认 3）
	// 使用 *int 以区分"未设置(nil)"和"显式设置为 0"
	Retry      *int `yaml:"retry,omitempty" json:"retry,omitempty"`
	RetryCount int  `yaml:"-" json:"-"`

	// 重试退避基准间隔（默认 500ms）
	RetryBaseDelay         string        `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryBaseDelayDuration time.Duration `yaml:"-" json:"-"`

	// 重试退避上限（默认 8s）
	RetryMaxDelay         string        `yaml:"retry_max_delay" json:"retry_max_delay"`
	RetryMaxDelayDuration time.Duration `yaml:"-" json:"-"`

	// 重试抖动比例（默认 0.2，范围 [0,1]）
	RetryJitter      *float64 `yaml:"retry_jitter,omitempty" json:"retry_jitter,omitempty"`
	RetryJitterValue float64  `yaml:"-" json:"-"`

	// 单轮巡检的目标时长（软目标，仅用于告警日志，默认 "7m"）
	SweepTarget         string        `yaml:"sweep_target" json:"sweep_target"`
	SweepTargetDuration time.Duration `yaml:"-" json:"-"`

	// 两轮巡检之间的最小间隔（默认 0，即背靠背执行）
	MinSweepGap         string        `yaml:"min_sweep_gap" json:"min_sweep_gap"`
	MinSweepGapDuration time.Duration `yaml:"-" json:"-"`

	// 告警重评估间隔（默认 "30s"）
	ReevaluateInterval         string        `yaml:"reevaluate_interval" json:"reevaluate_interval"`
	ReevaluateIntervalDuration time.Duration `yaml:"-" json:"-"`

	// 保留的巡检统计条数（默认 50）
	HistorySize int `yaml:"history_size" json:"history_size"`
}

// RateLimitConfig 令牌预算配置
type RateLimitConfig struct {
	Capacity        int     `yaml:"capacity" json:"capacity"`                   // 默认 100
	RefillPerSecond float64 `yaml:"refill_per_second" json:"refill_per_second"` // 默认 6

	// 初始并发上限（默认 20）与并发上界（默认 100）
	InitialConcurrency int `yaml:"initial_concurrency" json:"initial_concurrency"`
	MaxConcurrency     int `yaml:"max_concurrency" json:"max_concurrency"`

	// 连续多少轮无限流后提升并发（默认 3）
	GrowAfterCleanSweeps int `yaml:"grow_after_clean_sweeps" json:"grow_after_clean_sweeps"`

	// 限流后的退避窗口（默认 "60s"）
	Backoff         string        `yaml:"backoff" json:"backoff"`
	BackoffDuration time.Duration `yaml:"-" json:"-"`
}

// NotifyConfig 告警策略
type NotifyConfig struct {
	// 降级持续多久后告警（默认 "10m"）
	OfflineThreshold         string        `yaml:"offline_threshold" json:"offline_threshold"`
	OfflineThresholdDuration time.Duration `yaml:"-" json:"-"`

	// 同一事件两次告警的最小间隔（默认 "30m"）
	Cooldown         string        `yaml:"cooldown" json:"cooldown"`
	CooldownDuration time.Duration `yaml:"-" json:"-"`

	// 通道顺序（失败时按序回退）
	Channels []string `yaml:"channels" json:"channels"`

	// true 时同时发送到所有通道，不做回退
	Parallel bool `yaml:"parallel" json:"parallel"`
}

// AccountConfig 账户配置
type AccountConfig struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`

	// 以下为空时继承 notify 全局配置
	OfflineThreshold string   `yaml:"offline_threshold" json:"offline_threshold"`
	Cooldown         string   `yaml:"cooldown" json:"cooldown"`
	Channels         []string `yaml:"channels" json:"channels"`
	Parallel         *bool    `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	// 通道名 -> 收件人列表（邮箱、手机号、chat id、设备 token 等）
	Recipients map[string][]string `yaml:"recipients" json:"-"`

	// 暂停该账户所有区域的巡检
	Disabled bool `yaml:"disabled" json:"disabled"`

	Zones []ZoneConfig `yaml:"zones" json:"zones"`

	// 解析后的有效值（内部使用）
	OfflineThresholdDuration time.Duration `yaml:"-" json:"-"`
	CooldownDuration         time.Duration `yaml:"-" json:"-"`
	ParallelValue            bool          `yaml:"-" json:"-"`
}

// ZoneConfig 区域配置
type ZoneConfig struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Disabled bool   `yaml:"disabled" json:"disabled"`
}

// CacheConfig Redis 读缓存配置
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Addr        string        `yaml:"addr" json:"addr"`
	Password    string        `yaml:"password" json:"-"`
	DB          int           `yaml:"db" json:"db"`
	Prefix      string        `yaml:"prefix" json:"prefix"`
	TTL         string        `yaml:"ttl" json:"ttl"`
	TTLDuration time.Duration `yaml:"-" json:"-"`
}

// APIConfig HTTP API 配置
type APIConfig struct {
	Addr        string   `yaml:"addr" json:"addr"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`

	// 手动告警接口的口令 bcrypt 哈希（为空时禁用该接口）
	ManualTokenHash string `yaml:"manual_token_hash" json:"-"`
}

// ZoneCount 返回启用的区域总数
func (c *AppConfig) ZoneCount() int {
	n := 0
	for _, a := range c.Accounts {
		if a.Disabled {
			continue
		}
		for _, z := range a.Zones {
			if !z.Disabled {
				n++
			}
		}
	}
	return n
}

// FindAccount 按 ID 查找账户
func (c *AppConfig) FindAccount(id string) (*AccountConfig, bool) {
	for i := range c.Accounts {
		if c.Accounts[i].ID == id {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}
