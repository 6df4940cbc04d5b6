package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/judgeflow/api"
	"github.com/BaSui01/judgeflow/api/handlers"
	"github.com/BaSui01/judgeflow/canary"
	"github.com/BaSui01/judgeflow/circuitbreaker"
	"github.com/BaSui01/judgeflow/config"
	"github.com/BaSui01/judgeflow/eventbus"
	"github.com/BaSui01/judgeflow/internal/cache"
	"github.com/BaSui01/judgeflow/internal/database"
	"github.com/BaSui01/judgeflow/internal/metrics"
	"github.com/BaSui01/judgeflow/internal/migration"
	"github.com/BaSui01/judgeflow/internal/server"
	"github.com/BaSui01/judgeflow/internal/telemetry"
	"github.com/BaSui01/judgeflow/judgment"
	"github.com/BaSui01/judgeflow/judgment/llm"
	"github.com/BaSui01/judgeflow/judgment/rule"
	"github.com/BaSui01/judgeflow/retry"
	"github.com/BaSui01/judgeflow/workflow"
	"github.com/BaSui01/judgeflow/workflow/dsl"
)

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 组装全部组件：存储、缓存、事件总线、灰度控制器、评估器、工作流引擎与 HTTP
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	metrics   *metrics.Collector
	telemetry *telemetry.Providers
	db        *database.PoolManager
	cache     *cache.Manager
	bus       eventbus.Bus
	breakers  *circuitbreaker.Registry
	canary    *canary.Controller
	evaluator *judgment.Evaluator
	engine    *workflow.Engine
	scheduler *workflow.Scheduler
	watcher   *config.DirWatcher
	health    *handlers.HealthHandler

	managers []*server.Manager

	// 后台协程（灰度评估循环、限流清理）
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	// closers 按创建顺序记录，Close 时逆序执行
	closers []func()
}

// NewServer 创建服务器，Build 之前不持有任何资源
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) onClose(fn func()) { s.closers = append(s.closers, fn) }

// Build 按依赖顺序初始化组件。失败时已创建的资源由 Close 释放。
func (s *Server) Build(ctx context.Context) error {
	s.metrics = metrics.NewCollector("judgeflow", s.logger)
	s.health = handlers.NewHealthHandler(s.logger)

	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	s.onClose(func() {
		cancel()
		s.bg.Wait()
	})

	s.initTelemetry()

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"database", s.initDatabase},
		{"event bus", s.initEventBus},
		{"canary", func(ctx context.Context) error { return s.initCanary(ctx, bgCtx) }},
		{"judgment", s.initJudgment},
		{"workflow", s.initWorkflow},
		{"http", func(ctx context.Context) error { return s.initHTTP(bgCtx) }},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("init %s: %w", step.name, err)
		}
	}

	s.logger.Info("JudgeFlow components ready",
		zap.Strings("health_checks", s.health.Names()),
		zap.Int("workflows", len(s.engine.Definitions())))
	return nil
}

// Run 运行 HTTP 与 metrics 服务器，阻塞到 ctx 取消或任一服务器失败
func (s *Server) Run(ctx context.Context) error {
	return server.RunAll(ctx, s.managers...)
}

// Close 逆序释放资源，可重复调用
func (s *Server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initTelemetry() {
	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		// 追踪不可用不影响服务
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
		return
	}
	s.telemetry = providers
	s.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	})
}

func (s *Server) initDatabase(ctx context.Context) error {
	if s.cfg.Database.AutoMigrate {
		if err := autoMigrate(ctx, s.cfg.Database); err != nil {
			return err
		}
		s.logger.Info("Database schema migrated")
	}

	db, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}
	pm, err := database.NewPoolManager(db, database.PoolConfigFrom(s.cfg.Database), s.logger,
		database.WithMetrics(s.metrics, s.cfg.Database.Driver))
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return err
	}
	s.db = pm
	s.onClose(func() {
		if err := pm.Close(); err != nil {
			s.logger.Warn("database close error", zap.Error(err))
		}
	})
	s.health.RegisterCheck(handlers.NewCheck("database", pm.Ping))
	return nil
}

// autoMigrate 启动时应用内嵌迁移，使用独立连接
func autoMigrate(ctx context.Context, cfg config.DatabaseConfig) error {
	m, err := migration.NewMigratorFromDatabaseConfig(cfg)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up(ctx)
}

func (s *Server) initEventBus(context.Context) error {
	if !s.cfg.NATS.Enabled {
		s.bus = eventbus.NewMemoryBus(s.logger)
		s.onClose(func() { _ = s.bus.Close() })
		return nil
	}
	nb, err := eventbus.NewNATSBus(eventbus.NATSConfig{
		URL:           s.cfg.NATS.URL,
		SubjectPrefix: s.cfg.NATS.SubjectPrefix,
		StreamName:    s.cfg.NATS.StreamName,
		JetStream:     s.cfg.NATS.JetStream,
		Timeout:       s.cfg.NATS.Timeout,
		QueueGroup:    s.cfg.NATS.QueueGroup,
	}, s.logger)
	if err != nil {
		return err
	}
	s.bus = nb
	s.onClose(func() {
		if err := nb.Close(); err != nil {
			s.logger.Warn("event bus close error", zap.Error(err))
		}
	})
	s.health.RegisterCheck(handlers.NewOptionalCheck("nats", nb.Ping))
	return nil
}

func (s *Server) initCanary(ctx, bgCtx context.Context) error {
	cc := s.cfg.Canary
	ctrl := canary.NewController(canary.NewGormStore(s.db.DB()), s.logger,
		canary.WithBus(s.bus),
		canary.WithMetrics(s.metrics),
		canary.WithValidator(validateVersionBody),
		canary.WithDefaultCriteria(canary.Criteria{
			MaxErrorRate:                cc.MaxErrorRate,
			MaxNegativeFeedbackRate:     cc.MaxNegativeFeedbackRate,
			RelativeErrorThreshold:      cc.RelativeErrorThreshold,
			ConsecutiveFailureThreshold: cc.ConsecutiveFailureThreshold,
			MinSamples:                  cc.MinSamples,
			Steps:                       cc.Steps,
			AutoPromote:                 cc.AutoPromote,
			ObservationWindow:           cc.ObservationWindow,
		}),
	)
	if err := ctrl.Load(ctx); err != nil {
		return err
	}
	s.canary = ctrl

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctrl.Start(bgCtx, cc.EvaluateInterval)
	}()
	return nil
}

// validateVersionBody 规则脚本必须能解析；提示词模板允许纯文本
func validateVersionBody(kind canary.Kind, body string) error {
	if kind == canary.KindRule {
		_, err := rule.ParseScript(body)
		return err
	}
	return nil
}

func (s *Server) initJudgment(context.Context) error {
	jc := s.cfg.Judgment

	s.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureRateThreshold: s.cfg.Breaker.FailureRateThreshold,
		MinRequests:          s.cfg.Breaker.MinRequests,
		Window:               s.cfg.Breaker.Window,
		CoolDown:             s.cfg.Breaker.CoolDown,
		ConsecutiveFailures:  s.cfg.Breaker.ConsecutiveFailures,
	}, s.logger, circuitbreaker.WithEventHandler(func(ev circuitbreaker.Event) {
		s.metrics.RecordBreakerTransition(ev.Target, ev.From.String(), ev.To.String())
	}))
	s.health.RegisterCheck(handlers.NewOptionalCheck("circuit_breakers", breakerCheck(s.breakers)))
	s.health.RegisterDetail("circuit_breakers", func(context.Context) (any, error) {
		return s.breakers.Snapshots(), nil
	})

	sandbox := rule.NewExprSandbox(rule.SandboxConfig{
		Timeout:  jc.SandboxTimeout,
		MaxSteps: jc.SandboxMaxSteps,
	}, s.logger)

	opts := []judgment.Option{
		judgment.WithBreakers(s.breakers),
		judgment.WithVersions(s.canary),
		judgment.WithCache(s.judgmentCache()),
		judgment.WithBus(s.bus),
		judgment.WithMetrics(s.metrics),
	}
	if s.cfg.LLM.Enabled {
		client := llm.NewOpenAIClient(llm.ClientConfig{
			BaseURL:      s.cfg.LLM.BaseURL,
			APIKey:       s.cfg.LLM.APIKey,
			Model:        s.cfg.LLM.Model,
			EndpointPath: s.cfg.LLM.EndpointPath,
			Timeout:      s.cfg.LLM.Timeout,
			MaxRetries:   s.cfg.LLM.MaxRetries,
		}, s.logger)
		opts = append(opts, judgment.WithModel(llm.NewAdapter(client, s.logger)))
		s.logger.Info("LLM judgment path enabled", zap.String("model", client.Model()))
	} else {
		s.logger.Info("LLM not enabled, judgments needing the model path will degrade")
	}

	aggregator := judgment.DefaultAggregatorConfig()
	aggregator.RuleWeight = jc.RuleWeight
	aggregator.LLMWeight = jc.LLMWeight
	aggregator.GateThreshold = jc.GateThreshold

	s.evaluator = judgment.NewEvaluator(judgment.Config{
		Timeout:            jc.Timeout,
		CacheTTL:           jc.CacheTTL,
		CacheMinConfidence: jc.CacheMinConfidence,
		DefaultPolicy:      judgment.Policy(jc.DefaultPolicy),
		Aggregator:         aggregator,
	}, sandbox, s.logger, opts...)
	return nil
}

// judgmentCache Redis 可用时使用共享缓存，否则退回进程内 LRU
func (s *Server) judgmentCache() judgment.Cache {
	rc := s.cfg.Redis
	if rc.Enabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = rc.Addr
		cacheCfg.Password = rc.Password
		cacheCfg.DB = rc.DB
		cacheCfg.KeyPrefix = rc.KeyPrefix
		cacheCfg.PoolSize = rc.PoolSize
		cacheCfg.MinIdleConns = rc.MinIdleConns
		cacheCfg.OperationTimeout = rc.OperationTimeout
		cacheCfg.DefaultTTL = s.cfg.Judgment.CacheTTL

		m, err := cache.NewManager(cacheCfg, s.logger)
		if err == nil {
			s.cache = m
			s.onClose(func() { _ = m.Close() })
			s.health.RegisterCheck(handlers.NewOptionalCheck("redis", m.Ping))
			s.health.RegisterDetail("redis", func(ctx context.Context) (any, error) {
				return m.GetStats(ctx)
			})
			return judgment.NewRedisCache(m)
		}
		s.logger.Warn("Redis unavailable, using in-process judgment cache",
			zap.String("addr", rc.Addr), zap.Error(err))
	}
	return judgment.NewMemoryCache(rc.MemoryCacheSize)
}

func (s *Server) initWorkflow(ctx context.Context) error {
	wc := s.cfg.Workflow

	sources := workflow.NewStaticSources()
	for name, data := range wc.StaticSources {
		sources.Set(name, data)
	}
	actions := workflow.NewActionRegistry(s.logger)
	actions.Register("publish", workflow.PublishAction(s.bus, ""))

	runners := workflow.DefaultRegistry(workflow.Dependencies{
		Sources:   sources,
		Judge:     s.evaluator,
		Actions:   actions,
		Deployer:  s.canary,
		Simulator: s.evaluator,
	})

	policy := retry.DefaultPolicy()
	policy.MaxRetries = wc.MaxRetries
	policy.InitialDelay = wc.RetryInitialDelay
	policy.MaxDelay = wc.RetryMaxDelay

	s.engine = workflow.NewEngine(workflow.Config{
		NodeTimeout:      wc.NodeTimeout,
		Retry:            policy,
		SweepInterval:    wc.SweepInterval,
		SweepConcurrency: wc.SweepConcurrency,
		MaxWorkers:       wc.MaxWorkers,
		QueueSize:        wc.QueueSize,
	}, workflow.NewGormStore(s.db.DB()), runners, s.logger,
		workflow.WithBus(s.bus),
		workflow.WithMetrics(s.metrics),
	)
	s.onClose(s.engine.Close)

	if _, err := s.registerDefinitions(); err != nil {
		return err
	}

	s.scheduler = workflow.NewScheduler(s.engine, s.bus, s.logger)
	if err := s.scheduler.Start(context.Background()); err != nil {
		return err
	}
	s.onClose(s.scheduler.Stop)

	if wc.WatchDefinitions {
		w, err := config.NewDirWatcher(wc.DefinitionsDir,
			config.WithPollInterval(wc.WatchInterval),
			config.WithWatcherLogger(s.logger))
		if err != nil {
			return err
		}
		w.OnChange(func(events []config.FileEvent) { s.reloadDefinitions(events) })
		if err := w.Start(context.Background()); err != nil {
			return err
		}
		s.watcher = w
		s.onClose(w.Stop)
	}
	return nil
}

// registerDefinitions 加载定义目录；目录不存在时只告警
func (s *Server) registerDefinitions() (int, error) {
	dir := s.cfg.Workflow.DefinitionsDir
	defs, err := dsl.LoadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Workflow definitions directory not found", zap.String("dir", dir))
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	for _, def := range defs {
		if err := s.engine.RegisterDefinition(def); err != nil {
			return 0, fmt.Errorf("workflow %s: %w", def.ID, err)
		}
	}
	return len(defs), nil
}

// reloadDefinitions 定义文件变更后重新注册并重建触发器。
// 删除文件不会注销已注册的定义，运行中的实例继续使用创建时的版本。
func (s *Server) reloadDefinitions(events []config.FileEvent) {
	n, err := s.registerDefinitions()
	if err != nil {
		s.logger.Error("Workflow definitions reload failed, keeping previous definitions",
			zap.Int("changed_files", len(events)), zap.Error(err))
		return
	}
	if err := s.scheduler.Reload(context.Background()); err != nil {
		s.logger.Error("Workflow scheduler reload failed", zap.Error(err))
		return
	}
	s.logger.Info("Workflow definitions reloaded",
		zap.Int("changed_files", len(events)),
		zap.Int("definitions", n))
}

// =============================================================================
// 🌐 HTTP
// =============================================================================

func (s *Server) initHTTP(bgCtx context.Context) error {
	sc := s.cfg.Server

	mux := http.NewServeMux()
	api.Register(mux, api.Handlers{
		Health:    s.health,
		Workflow:  handlers.NewWorkflowHandler(s.engine, s.logger),
		Judgment:  handlers.NewJudgmentHandler(s.evaluator, s.logger),
		Learning:  handlers.NewLearningHandler(s.canary, s.logger),
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	})
	if sc.MetricsPort == 0 {
		mux.Handle("GET "+api.PathMetrics, promhttp.Handler())
	}

	handler := Chain(mux, s.middlewares(bgCtx)...)

	s.managers = append(s.managers, server.NewManager(handler, server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", sc.HTTPPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     sc.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: sc.ShutdownTimeout,
		TLSCertFile:     sc.TLSCertFile,
		TLSKeyFile:      sc.TLSKeyFile,
	}, s.logger))

	if sc.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(api.PathMetrics, promhttp.Handler())
		s.managers = append(s.managers, server.NewManager(metricsMux, server.Config{
			Name:            "metrics",
			Addr:            fmt.Sprintf(":%d", sc.MetricsPort),
			ReadTimeout:     sc.ReadTimeout,
			WriteTimeout:    sc.WriteTimeout,
			ShutdownTimeout: sc.ShutdownTimeout,
		}, s.logger))
	}
	return nil
}

// middlewares 构建中间件链：JWT 优先于 API Key，两者都未配置时不认证
func (s *Server) middlewares(bgCtx context.Context) []Middleware {
	sc := s.cfg.Server
	public := api.PublicPaths()

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.metrics),
		RequestLogger(s.logger),
		CORS(sc.CORSAllowedOrigins),
	}
	switch {
	case sc.JWT.Enabled():
		chain = append(chain, JWTAuth(sc.JWT, public, s.logger))
	case len(sc.APIKeys) > 0:
		chain = append(chain, APIKeyAuth(sc.APIKeys, public, sc.AllowQueryAPIKey, s.logger))
	default:
		s.logger.Warn("No API keys or JWT configured, HTTP API is unauthenticated")
	}
	if sc.RateLimitRPS > 0 {
		chain = append(chain, RateLimiter(bgCtx, sc.RateLimitRPS, sc.RateLimitBurst, s.logger))
	}
	return chain
}

// breakerCheck 任一熔断器打开时 /ready 标记为 degraded
func breakerCheck(r *circuitbreaker.Registry) func(context.Context) error {
	return func(context.Context) error {
		var open []string
		for _, snap := range r.Snapshots() {
			if snap.State == circuitbreaker.StateOpen.String() {
				open = append(open, snap.Target)
			}
		}
		if len(open) == 0 {
			return nil
		}
		sort.Strings(open)
		return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
	}
}
