package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 5000
}

// SMTPConfig 定义向本机 MTA 投递邮件的参数
type SMTPConfig struct {
	RelayAddr string        // MTA 地址，格式 "host:port"，默认 "localhost:25"
	HeloName  string        // EHLO 使用的主机名，同时用于生成 Message-ID
	Timeout   time.Duration // 单条 SMTP 命令超时
}

// 队列ID的匹配方式
const (
	MatchModeRecent    = "recent"     // 取日志中最新一条匹配行（默认）
	MatchModeMessageID = "message_id" // 取包含本封邮件 Message-ID 的最新匹配行
)

// MailLogConfig 定义 MTA 日志关联的参数
type MailLogConfig struct {
	Path         string        // MTA 文本日志路径
	PollInterval time.Duration // 轮询投递状态的间隔
	Timeout      time.Duration // 轮询的总超时
	MatchMode    string        // recent 或 message_id
	RulesFile    string        // 可选的 YAML 规则文件，留空使用内置规则
}

// UploadConfig 定义上传限制
type UploadConfig struct {
	MaxRequestSize int64 // 请求体最大字节数，默认 16MB
}

// FormConfig 定义表单令牌
type FormConfig struct {
	Secret   string        // 签名密钥，留空表示不校验表单令牌
	TokenTTL time.Duration // 令牌有效期
}

// RateLimitConfig 定义 /send 的限流参数
type RateLimitConfig struct {
	SendPerMinute int // 每个 IP 每分钟允许的发信次数，<=0 表示不限流
	Burst         int
}

// TrackerConfig 定义后台投递跟踪
type TrackerConfig struct {
	Enabled   bool
	Workers   int
	QueueSize int
}

// 状态缓存类型
const (
	CacheTypeMemory = "memory"
	CacheTypeRedis  = "redis"
	CacheTypeNone   = "none"
)

// CacheConfig 定义终态投递状态的缓存
type CacheConfig struct {
	Type string        // memory、redis 或 none
	TTL  time.Duration // 缓存条目有效期
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
}

// DevRelayConfig 定义本地开发用的 SMTP 收信器
type DevRelayConfig struct {
	BindAddr string // 监听地址
	Domain   string // EHLO 响应中的域名
	LogPath  string // 写入的 Postfix 格式日志
	Hostname string // 日志行中的主机名
	MaxConns int    // 最大并发连接数
	ConnRate int    // 每秒最大新建连接数

	DeliveryDelay time.Duration // 接收后多久写入投递结果
}

// ArchiveConfig 定义已发送邮件的归档目录
type ArchiveConfig struct {
	Dir           string // 留空表示不归档
	RetentionDays int    // 保留天数，<=0 表示永久保留
}

// AlertConfig 定义周期性告警检查
type AlertConfig struct {
	Interval         time.Duration // 检查间隔，<=0 表示关闭
	WebhookURL       string        // 可选，告警同时 POST 到该地址
	MemoryLimitMB    float64       // 堆内存告警阈值
	BacklogThreshold int           // 跟踪队列积压告警阈值
}

// Config 是系统核心配置的根结构体
type Config struct {
	Server    ServerConfig
	SMTP      SMTPConfig
	MailLog   MailLogConfig
	Upload    UploadConfig
	Form      FormConfig
	RateLimit RateLimitConfig
	Tracker   TrackerConfig
	Cache     CacheConfig
	Redis     RedisConfig
	CORS      CORSConfig
	Log       LogConfig
	Archive   ArchiveConfig
	Alert     AlertConfig
	DevRelay  DevRelayConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: MAILTRACE_
// 例如: MAILTRACE_MAILLOG_PATH, MAILTRACE_SMTP_RELAY_ADDR
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("mailtrace")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 5000)
	viper.SetDefault("smtp.relay_addr", "localhost:25")
	viper.SetDefault("smtp.helo_name", "localhost")
	viper.SetDefault("smtp.timeout", "30s")
	viper.SetDefault("maillog.path", "/var/log/mail.log")
	viper.SetDefault("maillog.poll_interval", "10s")
	viper.SetDefault("maillog.timeout", "5m")
	viper.SetDefault("maillog.match_mode", MatchModeRecent)
	viper.SetDefault("maillog.rules_file", "")
	viper.SetDefault("upload.max_request_size", 16*1024*1024)
	viper.SetDefault("form.secret", "")
	viper.SetDefault("form.token_ttl", "1h")
	viper.SetDefault("ratelimit.send_per_minute", 30)
	viper.SetDefault("ratelimit.burst", 5)
	viper.SetDefault("tracker.enabled", true)
	viper.SetDefault("tracker.workers", 4)
	viper.SetDefault("tracker.queue_size", 64)
	viper.SetDefault("cache.type", CacheTypeMemory)
	viper.SetDefault("cache.ttl", "10m")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("archive.dir", "")
	viper.SetDefault("archive.retention_days", 30)
	viper.SetDefault("alert.interval", "1m")
	viper.SetDefault("alert.webhook_url", "")
	viper.SetDefault("alert.memory_limit_mb", 512)
	viper.SetDefault("alert.backlog_threshold", 48)
	viper.SetDefault("devrelay.bind_addr", "127.0.0.1:2525")
	viper.SetDefault("devrelay.domain", "localhost")
	viper.SetDefault("devrelay.log_path", "./data/mail.log")
	viper.SetDefault("devrelay.hostname", "mailhost")
	viper.SetDefault("devrelay.max_conns", 20)
	viper.SetDefault("devrelay.conn_rate", 10)
	viper.SetDefault("devrelay.delivery_delay", "2s")

	matchMode := strings.ToLower(strings.TrimSpace(viper.GetString("maillog.match_mode")))
	if matchMode != MatchModeRecent && matchMode != MatchModeMessageID {
		return nil, fmt.Errorf("invalid maillog.match_mode %q: must be %q or %q", matchMode, MatchModeRecent, MatchModeMessageID)
	}

	cacheType := strings.ToLower(strings.TrimSpace(viper.GetString("cache.type")))
	switch cacheType {
	case CacheTypeMemory, CacheTypeRedis, CacheTypeNone:
	default:
		return nil, fmt.Errorf("invalid cache.type %q", cacheType)
	}

	logPath := strings.TrimSpace(viper.GetString("maillog.path"))
	if logPath == "" {
		return nil, fmt.Errorf("maillog.path must not be empty")
	}

	maxRequestSize := viper.GetInt64("upload.max_request_size")
	if maxRequestSize <= 0 {
		maxRequestSize = 16 * 1024 * 1024
	}

	workers := viper.GetInt("tracker.workers")
	if workers <= 0 {
		workers = 4
	}
	queueSize := viper.GetInt("tracker.queue_size")
	if queueSize <= 0 {
		queueSize = 64
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		SMTP: SMTPConfig{
			RelayAddr: viper.GetString("smtp.relay_addr"),
			HeloName:  viper.GetString("smtp.helo_name"),
			Timeout:   parseDuration("smtp.timeout", 30*time.Second),
		},
		MailLog: MailLogConfig{
			Path:         logPath,
			PollInterval: parseDuration("maillog.poll_interval", 10*time.Second),
			Timeout:      parseDuration("maillog.timeout", 5*time.Minute),
			MatchMode:    matchMode,
			RulesFile:    viper.GetString("maillog.rules_file"),
		},
		Upload: UploadConfig{
			MaxRequestSize: maxRequestSize,
		},
		Form: FormConfig{
			Secret:   viper.GetString("form.secret"),
			TokenTTL: parseDuration("form.token_ttl", time.Hour),
		},
		RateLimit: RateLimitConfig{
			SendPerMinute: viper.GetInt("ratelimit.send_per_minute"),
			Burst:         viper.GetInt("ratelimit.burst"),
		},
		Tracker: TrackerConfig{
			Enabled:   viper.GetBool("tracker.enabled"),
			Workers:   workers,
			QueueSize: queueSize,
		},
		Cache: CacheConfig{
			Type: cacheType,
			TTL:  parseDuration("cache.ttl", 10*time.Minute),
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Archive: ArchiveConfig{
			Dir:           strings.TrimSpace(viper.GetString("archive.dir")),
			RetentionDays: viper.GetInt("archive.retention_days"),
		},
		Alert: AlertConfig{
			Interval:         alertInterval(),
			WebhookURL:       viper.GetString("alert.webhook_url"),
			MemoryLimitMB:    viper.GetFloat64("alert.memory_limit_mb"),
			BacklogThreshold: viper.GetInt("alert.backlog_threshold"),
		},
		DevRelay: DevRelayConfig{
			BindAddr: viper.GetString("devrelay.bind_addr"),
			Domain:   viper.GetString("devrelay.domain"),
			LogPath:  viper.GetString("devrelay.log_path"),
			Hostname: viper.GetString("devrelay.hostname"),
			MaxConns: viper.GetInt("devrelay.max_conns"),
			ConnRate: viper.GetInt("devrelay.conn_rate"),

			DeliveryDelay: parseDuration("devrelay.delivery_delay", 2*time.Second),
		},
	}

	return cfg, nil
}

// alertInterval 允许用 "0" 关闭告警检查
func alertInterval() time.Duration {
	raw := strings.TrimSpace(viper.GetString("alert.interval"))
	if raw == "0" || raw == "off" {
		return 0
	}
	return parseDuration("alert.interval", time.Minute)
}

// parseDuration 读取时长配置，格式无效或非正数时返回默认值
func parseDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(viper.GetString(key)))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env
//
// 文件不存在时静默跳过；已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
