// =============================================================================
// 📦 JudgeFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("JUDGEFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 JudgeFlow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis 判定缓存与灰度粘性路由
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 工作流实例与部署记录的持久化
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// NATS 事件总线，未启用时使用进程内总线
	NATS NATSConfig `yaml:"nats" env:"NATS"`

	// LLM 判定模型配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Workflow 工作流引擎配置
	Workflow WorkflowConfig `yaml:"workflow" env:"WORKFLOW"`

	// Judgment 混合判定配置
	Judgment JudgmentConfig `yaml:"judgment" env:"JUDGMENT"`

	// Canary 灰度发布判定阈值
	Canary CanaryConfig `yaml:"canary" env:"CANARY"`

	// Breaker 外部依赖熔断配置
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口（0 表示挂在主端口的 /metrics 上）
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 空闲连接超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端 IP 的限流速率
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许的 API Key，为空时不启用 Key 认证
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 允许通过 ?api_key= 传递 Key（HMI 终端回调使用）
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	// CORS 允许的来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// JWT 操作员令牌认证
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
	// TLS 证书与私钥，都设置时主端口以 HTTPS 提供服务
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// JWTConfig JWT 认证配置，Secret 与 PublicKey 都为空时不启用
type JWTConfig struct {
	// HS256 密钥
	Secret string `yaml:"secret" env:"SECRET"`
	// RS256 公钥（PEM）
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

// Enabled 是否配置了任一验签密钥
func (j JWTConfig) Enabled() bool {
	return j.Secret != "" || j.PublicKey != ""
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用；关闭时判定缓存退化为进程内 LRU
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// Key 前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 单次操作超时
	OperationTimeout time.Duration `yaml:"operation_timeout" env:"OPERATION_TIMEOUT"`
	// 进程内 LRU 容量（Redis 关闭时使用）
	MemoryCacheSize int `yaml:"memory_cache_size" env:"MEMORY_CACHE_SIZE"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 下为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 启动时自动执行迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// NATSConfig NATS 配置
type NATSConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 服务地址
	URL string `yaml:"url" env:"URL"`
	// Subject 前缀
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	// 是否使用 JetStream 持久化
	JetStream bool `yaml:"jetstream" env:"JETSTREAM"`
	// JetStream 流名称
	StreamName string `yaml:"stream_name" env:"STREAM_NAME"`
	// 队列组（多副本部署时只投递一次）
	QueueGroup string `yaml:"queue_group" env:"QUEUE_GROUP"`
	// 连接与发布超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LLMConfig LLM 配置
type LLMConfig struct {
	// 是否启用；关闭时 LLM 策略直接降级到规则
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（OpenAI 兼容）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 接口路径
	EndpointPath string `yaml:"endpoint_path" env:"ENDPOINT_PATH"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// WorkflowConfig 工作流引擎配置
type WorkflowConfig struct {
	// DSL 定义目录（*.yaml, *.yml, *.json）
	DefinitionsDir string `yaml:"definitions_dir" env:"DEFINITIONS_DIR"`
	// 定义文件变化时自动重新注册
	WatchDefinitions bool `yaml:"watch_definitions" env:"WATCH_DEFINITIONS"`
	// 监视轮询间隔
	WatchInterval time.Duration `yaml:"watch_interval" env:"WATCH_INTERVAL"`
	// 节点默认超时
	NodeTimeout time.Duration `yaml:"node_timeout" env:"NODE_TIMEOUT"`
	// 挂起实例扫描间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// 扫描并发度
	SweepConcurrency int `yaml:"sweep_concurrency" env:"SWEEP_CONCURRENCY"`
	// 节点执行协程上限
	MaxWorkers int `yaml:"max_workers" env:"MAX_WORKERS"`
	// 节点任务队列长度
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 节点未声明 retry 时的默认重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 重试初始退避
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	// 重试最大退避
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`

	// StaticSources DATA 节点可读取的固定数据集（按 source 名），只能通过 YAML 配置
	StaticSources map[string]map[string]any `yaml:"static_sources"`
}

// JudgmentConfig 混合判定配置
type JudgmentConfig struct {
	// 单次判定总超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 结果缓存时间
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// 低于该置信度不缓存（默认 0 表示不设门槛）
	CacheMinConfidence float64 `yaml:"cache_min_confidence" env:"CACHE_MIN_CONFIDENCE"`
	// 默认策略: RULE_ONLY, LLM_ONLY, HYBRID_WEIGHTED, GATE, RULE_FALLBACK, LLM_FALLBACK
	DefaultPolicy string `yaml:"default_policy" env:"DEFAULT_POLICY"`
	// 规则结果权重
	RuleWeight float64 `yaml:"rule_weight" env:"RULE_WEIGHT"`
	// LLM 结果权重
	LLMWeight float64 `yaml:"llm_weight" env:"LLM_WEIGHT"`
	// GATE 策略下规则置信度门限
	GateThreshold float64 `yaml:"gate_threshold" env:"GATE_THRESHOLD"`
	// 规则沙箱单次超时
	SandboxTimeout time.Duration `yaml:"sandbox_timeout" env:"SANDBOX_TIMEOUT"`
	// 规则表达式求值步数上限
	SandboxMaxSteps int `yaml:"sandbox_max_steps" env:"SANDBOX_MAX_STEPS"`
}

// CanaryConfig 灰度配置
type CanaryConfig struct {
	MaxErrorRate                float64 `yaml:"max_error_rate" env:"MAX_ERROR_RATE"`
	MaxNegativeFeedbackRate     float64 `yaml:"max_negative_feedback_rate" env:"MAX_NEGATIVE_FEEDBACK_RATE"`
	RelativeErrorThreshold      float64 `yaml:"relative_error_threshold" env:"RELATIVE_ERROR_THRESHOLD"`
	ConsecutiveFailureThreshold int     `yaml:"consecutive_failure_threshold" env:"CONSECUTIVE_FAILURE_THRESHOLD"`
	MinSamples                  int     `yaml:"min_samples" env:"MIN_SAMPLES"`
	// 流量阶梯（百分比），例如 10,50,100
	Steps       []int `yaml:"steps" env:"STEPS"`
	AutoPromote bool  `yaml:"auto_promote" env:"AUTO_PROMOTE"`
	// 每个阶梯的最短观察时间
	ObservationWindow time.Duration `yaml:"observation_window" env:"OBSERVATION_WINDOW"`
	// 自动评估间隔
	EvaluateInterval time.Duration `yaml:"evaluate_interval" env:"EVALUATE_INTERVAL"`
}

// BreakerConfig 熔断配置
type BreakerConfig struct {
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" env:"FAILURE_RATE_THRESHOLD"`
	MinRequests          int           `yaml:"min_requests" env:"MIN_REQUESTS"`
	Window               time.Duration `yaml:"window" env:"WINDOW"`
	CoolDown             time.Duration `yaml:"cool_down" env:"COOL_DOWN"`
	ConsecutiveFailures  int           `yaml:"consecutive_failures" env:"CONSECUTIVE_FAILURES"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "JUDGEFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔，支持 []string 与 []int
		parts := strings.Split(value, ",")
		switch field.Type().Elem().Kind() {
		case reflect.String:
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		case reflect.Int:
			ints := make([]int, 0, len(parts))
			for _, p := range parts {
				n, err := strconv.Atoi(strings.TrimSpace(p))
				if err != nil {
					return err
				}
				ints = append(ints, n)
			}
			field.Set(reflect.ValueOf(ints))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

var judgmentPolicies = map[string]bool{
	"RULE_ONLY": true, "LLM_ONLY": true, "HYBRID_WEIGHTED": true,
	"GATE": true, "RULE_FALLBACK": true, "LLM_FALLBACK": true,
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "server.tls_cert_file and server.tls_key_file must be set together")
	}

	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats.url is required when nats is enabled")
	}
	if c.LLM.Enabled && c.LLM.Model == "" {
		errs = append(errs, "llm.model is required when llm is enabled")
	}

	if c.Workflow.MaxWorkers <= 0 {
		errs = append(errs, "workflow.max_workers must be positive")
	}
	if c.Workflow.SweepInterval <= 0 {
		errs = append(errs, "workflow.sweep_interval must be positive")
	}
	if c.Workflow.MaxRetries < 0 {
		errs = append(errs, "workflow.max_retries must not be negative")
	}

	if !judgmentPolicies[c.Judgment.DefaultPolicy] {
		errs = append(errs, fmt.Sprintf("unknown judgment.default_policy %q", c.Judgment.DefaultPolicy))
	}
	if c.Judgment.RuleWeight < 0 || c.Judgment.LLMWeight < 0 || c.Judgment.RuleWeight+c.Judgment.LLMWeight == 0 {
		errs = append(errs, "judgment weights must be non-negative and not both zero")
	}
	if c.Judgment.CacheMinConfidence < 0 || c.Judgment.CacheMinConfidence > 1 {
		errs = append(errs, "judgment.cache_min_confidence must be between 0 and 1")
	}

	prev := 0
	for _, step := range c.Canary.Steps {
		if step <= prev || step > 100 {
			errs = append(errs, "canary.steps must be strictly increasing within (0, 100]")
			break
		}
		prev = step
	}
	if c.Canary.MaxErrorRate < 0 || c.Canary.MaxErrorRate > 1 {
		errs = append(errs, "canary.max_error_rate must be between 0 and 1")
	}

	if c.Breaker.FailureRateThreshold <= 0 || c.Breaker.FailureRateThreshold > 1 {
		errs = append(errs, "breaker.failure_rate_threshold must be in (0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
