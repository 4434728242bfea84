package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"zonemonitor/internal/api"
	"zonemonitor/internal/buildinfo"
	"zonemonitor/internal/clock"
	"zonemonitor/internal/config"
	"zonemonitor/internal/directory"
	"zonemonitor/internal/events"
	"zonemonitor/internal/logger"
	"zonemonitor/internal/notify"
	"zonemonitor/internal/ratelimit"
	"zonemonitor/internal/scheduler"
	"zonemonitor/internal/source"
	"zonemonitor/internal/storage"
	"zonemonitor/internal/transport"
)

func main() {
	logger.Info("main", "Zone Monitor 启动",
		"version", buildinfo.GetVersion(),
		"git_commit", buildinfo.GetGitCommit(),
		"build_time", buildinfo.GetBuildTime())

	configFile := "config.yaml"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	// 加载 .env（不覆盖已有环境变量）
	if _, err := config.LoadDotenvFromConfigDir(configFile, false); err != nil {
		logger.Warn("main", "加载 .env 失败", "error", err)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(configFile)
	if err != nil {
		logger.Error("main", "无法加载配置文件", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	logger.Info("main", "配置加载完成",
		"accounts", len(cfg.Accounts),
		"zones", cfg.ZoneCount(),
		"max_concurrency", cfg.RateLimit.MaxConcurrency,
		"sweep_target", cfg.Scheduler.SweepTargetDuration,
		"offline_threshold", cfg.Notify.OfflineThresholdDuration,
		"cooldown", cfg.Notify.CooldownDuration)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 存储：底层数据库 -> 写入重试 -> 可选 Redis 读缓存
	base, err := storage.New(&cfg.Storage)
	if err != nil {
		logger.Error("main", "初始化存储失败", "error", err)
		os.Exit(1)
	}
	defer base.Close()

	if err := base.Init(); err != nil {
		logger.Error("main", "初始化数据库失败", "error", err)
		os.Exit(1)
	}

	retrying := storage.NewRetrying(base, cfg.Storage.WriteRetries, cfg.Storage.WriteRetryDelayDuration)
	var store storage.Storage = retrying

	if cfg.Cache.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		defer rdb.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// 缓存不可用时读请求回落到数据库，不阻止启动
			logger.Warn("main", "Redis 连接失败，缓存将降级为直连数据库", "addr", cfg.Cache.Addr, "error", err)
		}
		pingCancel()
		store = storage.NewCached(retrying, rdb, cfg.Cache.Prefix, cfg.Cache.TTLDuration)
	}

	storageType := string(cfg.Storage.Type)
	if storageType == "" {
		storageType = "sqlite"
	}
	logger.Info("main", "存储已就绪", "type", storageType, "cache", cfg.Cache.Enabled)

	// 从持久化恢复内存状态
	states := events.NewService(store)
	restored, err := states.Hydrate(ctx)
	if err != nil {
		logger.Error("main", "恢复区域状态失败", "error", err)
		os.Exit(1)
	}
	logger.Info("main", "区域状态已恢复", "zones", restored)

	dir := directory.NewConfigDirectory(cfg)
	registry := transport.BuildRegistry(ctx, &cfg.Transports)

	dispatcher := notify.NewDispatcher(store, dir, registry, states, clock.Real{}, notify.Options{
		Renderer: notify.Renderer{
			DashboardURL: cfg.DashboardURL,
			Location:     cfg.Transports.SMS.Location,
		},
	})

	budget, err := ratelimit.New(ratelimit.Config{
		Capacity:             cfg.RateLimit.Capacity,
		RefillPerSecond:      cfg.RateLimit.RefillPerSecond,
		InitialCeiling:       cfg.RateLimit.InitialConcurrency,
		MaxCeiling:           cfg.RateLimit.MaxConcurrency,
		GrowAfterCleanCycles: cfg.RateLimit.GrowAfterCleanSweeps,
		Backoff:              cfg.RateLimit.BackoffDuration,
	}, clock.Real{})
	if err != nil {
		logger.Error("main", "初始化令牌预算失败", "error", err)
		os.Exit(1)
	}

	src, err := source.NewGraphQLSource(source.Options{
		Endpoint:   cfg.Upstream.Endpoint,
		Token:      cfg.Upstream.Token,
		AuthScheme: cfg.Upstream.AuthScheme,
		UserAgent:  "zone-monitor/" + buildinfo.GetVersion(),
	})
	if err != nil {
		logger.Error("main", "初始化上游数据源失败", "error", err)
		os.Exit(1)
	}

	sched := scheduler.NewScheduler(scheduler.Deps{
		Source:    src,
		Directory: dir,
		Events:    states,
		Notifier:  dispatcher,
		Budget:    budget,
		Clock:     clock.Real{},
	}, cfg)
	sched.Start(ctx)

	// 历史数据清理（直接作用于底层存储）
	cleaner := storage.NewCleaner(base, &cfg.Storage.Retention)
	go cleaner.Start(ctx)

	server := api.NewServer(api.Deps{
		Storage:      store,
		States:       states,
		Sweeps:       sched,
		Budget:       budget,
		Notifier:     dispatcher,
		FailedWrites: retrying.FailedWrites,
		StorageType:  storageType,
	}, cfg)

	// 配置热更新：名册、告警策略与调度参数即时生效；存储与通道变更需要重启
	watcher, err := config.NewWatcher(loader, configFile, func(r *config.Reload) {
		logger.SetLevel(r.Config.LogLevel)
		dir.Update(r.Config)
		sched.UpdateConfig(r.Config)
		server.UpdateConfig(r.Config)
		// 名册有新增区域时立即巡检，不等下一轮
		if len(r.AddedZones) > 0 {
			sched.TriggerNow()
		}
	})
	if err != nil {
		logger.Warn("main", "配置监听器创建失败，热更新功能不可用", "error", err)
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("main", "配置监听器启动失败，热更新功能不可用", "error", err)
		} else {
			logger.Info("main", "配置热更新已启用")
			defer watcher.Stop()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("main", "HTTP服务器错误", "error", err)
			sigChan <- syscall.SIGTERM
		}
	}()

	<-sigChan
	logger.Info("main", "收到关闭信号，正在优雅退出")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// 先停止接收新的检查，再等待通知记录落盘
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("main", "调度器停止超时", "error", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn("main", "通知调度器停止超时", "error", err)
	}
	cancel()
	cleaner.Stop()
	registry.Close()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("main", "HTTP服务器关闭错误", "error", err)
	}

	if n := retrying.FailedWrites(); n > 0 {
		logger.Error("main", "运行期间存在未能持久化的写入", "failed_writes", n)
	}
	logger.Info("main", "服务已安全退出")
}
