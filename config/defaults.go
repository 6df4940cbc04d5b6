// =============================================================================
// 📦 JudgeFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		NATS:      DefaultNATSConfig(),
		LLM:       DefaultLLMConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Workflow:  DefaultWorkflowConfig(),
		Judgment:  DefaultJudgmentConfig(),
		Canary:    DefaultCanaryConfig(),
		Breaker:   DefaultBreakerConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:          true,
		Addr:             "localhost:6379",
		Password:         "",
		DB:               0,
		KeyPrefix:        "judgeflow:",
		PoolSize:         10,
		MinIdleConns:     2,
		OperationTimeout: 200 * time.Millisecond,
		MemoryCacheSize:  4096,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "judgeflow",
		Password:        "",
		Name:            "judgeflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     false,
	}
}

// DefaultNATSConfig 返回默认 NATS 配置
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Enabled:       false,
		URL:           "nats://localhost:4222",
		SubjectPrefix: "judgeflow",
		JetStream:     false,
		StreamName:    "JUDGEFLOW",
		QueueGroup:    "judgeflow",
		Timeout:       5 * time.Second,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Enabled:      false,
		APIKey:       "",
		BaseURL:      "https://api.openai.com",
		Model:        "gpt-4o-mini",
		EndpointPath: "/v1/chat/completions",
		Timeout:      2 * time.Second,
		MaxRetries:   1,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "judgeflow",
		SampleRate:   0.1,
	}
}

// DefaultWorkflowConfig 返回默认工作流配置
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		DefinitionsDir:    "./workflows",
		WatchDefinitions:  false,
		WatchInterval:     2 * time.Second,
		NodeTimeout:       30 * time.Second,
		SweepInterval:     time.Second,
		SweepConcurrency:  8,
		MaxWorkers:        64,
		QueueSize:         1024,
		MaxRetries:        3,
		RetryInitialDelay: 200 * time.Millisecond,
		RetryMaxDelay:     10 * time.Second,
	}
}

// DefaultJudgmentConfig 返回默认判定配置
func DefaultJudgmentConfig() JudgmentConfig {
	return JudgmentConfig{
		Timeout:            3 * time.Second,
		CacheTTL:           10 * time.Minute,
		CacheMinConfidence: 0,
		DefaultPolicy:      "GATE",
		RuleWeight:         0.6,
		LLMWeight:          0.4,
		GateThreshold:      0.7,
		SandboxTimeout:     500 * time.Millisecond,
		SandboxMaxSteps:    10000,
	}
}

// DefaultCanaryConfig 返回默认灰度配置
func DefaultCanaryConfig() CanaryConfig {
	return CanaryConfig{
		MaxErrorRate:                0.05,
		MaxNegativeFeedbackRate:     0.2,
		RelativeErrorThreshold:      2,
		ConsecutiveFailureThreshold: 5,
		MinSamples:                  20,
		Steps:                       []int{10, 50, 100},
		AutoPromote:                 true,
		ObservationWindow:           5 * time.Minute,
		EvaluateInterval:            30 * time.Second,
	}
}

// DefaultBreakerConfig 返回默认熔断配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureRateThreshold: 0.5,
		MinRequests:          5,
		Window:               60 * time.Second,
		CoolDown:             30 * time.Second,
		ConsecutiveFailures:  5,
	}
}
