package config

import (
	"strings"
	"time"

	"github.com/apk-analysis/artguard/internal/art"
	"github.com/apk-analysis/artguard/internal/classifier"
	"github.com/apk-analysis/artguard/internal/engine"
	"github.com/apk-analysis/artguard/internal/fingerprint"
	"github.com/apk-analysis/artguard/internal/neutralizer"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	RabbitMQ  RabbitMQConfig `mapstructure:"rabbitmq"`
	Worker    WorkerConfig   `mapstructure:"worker"`
	Inbox     InboxConfig    `mapstructure:"inbox"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
	Log       LogConfig      `mapstructure:"log"`
	Engine    EngineConfig   `mapstructure:"engine"`
	DataDir   string         `mapstructure:"data_dir"`
	ReportLog string         `mapstructure:"report_log"` // 数据库未启用时报告追加到该 JSONL 文件
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 非空时写操作需要 Bearer token
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件
}

type RabbitMQConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	VHost        string `mapstructure:"vhost"`
	Queue        string `mapstructure:"queue"`         // 报告发布队列
	RequestQueue string `mapstructure:"request_queue"` // 快照扫描请求队列，为空时不消费
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// InboxConfig 快照收件目录
type InboxConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Dir      string        `mapstructure:"dir"`
	Patterns []string      `mapstructure:"patterns"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr 或文件路径
}

// EngineConfig 扫描引擎配置
type EngineConfig struct {
	ScanOnStart          bool                `mapstructure:"scan_on_start"`
	Pid                  int                 `mapstructure:"pid"` // 0 表示当前进程
	DryRun               bool                `mapstructure:"dry_run"`
	RestoreRuntimeText   bool                `mapstructure:"restore_runtime_text"`
	Deadline             time.Duration       `mapstructure:"deadline"`
	RuntimeModules       []string            `mapstructure:"runtime_modules"`
	PointerSize          int                 `mapstructure:"pointer_size"`
	ScanReflectedClasses bool                `mapstructure:"scan_reflected_classes"`
	BridgeNames          []string            `mapstructure:"bridge_names"`
	Anchors              art.Anchors         `mapstructure:"anchors"`
	Classifier           classifier.Rules    `mapstructure:"classifier"`
	Fingerprint          fingerprint.Options `mapstructure:"fingerprint"`
}

// Default 零配置时使用的默认值
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080, Mode: "release"},
		Database: DatabaseConfig{Type: "sqlite", Path: "data/artguard.db", Port: 3306},
		RabbitMQ: RabbitMQConfig{Port: 5672, User: "guest", Password: "guest", VHost: "/", Queue: "artguard.reports", RequestQueue: "artguard.snapshots"},
		Worker:   WorkerConfig{Concurrency: 2, QueueSize: 32},
		Inbox: InboxConfig{
			Dir:      "data/inbox",
			Patterns: []string{"*.json"},
			Debounce: 500 * time.Millisecond,
		},
		Metrics: MetricsConfig{Namespace: "artguard"},
		Log:     LogConfig{Level: "info", Format: "text", Output: "stdout"},
		Engine: EngineConfig{
			RuntimeModules: []string{"libart.so"},
			BridgeNames:    append([]string(nil), art.DefaultBridgeNames...),
			Classifier:     classifier.DefaultRules(),
			Fingerprint:    fingerprint.DefaultOptions(),
		},
		DataDir:   "data",
		ReportLog: "data/reports.jsonl",
	}
}

// Load 读取 YAML 配置，path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvPrefix("ARTGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 绑定环境变量到嵌套配置路径
	v.BindEnv("engine.pid", "ARTGUARD_PID")
	v.BindEnv("engine.dry_run", "ARTGUARD_DRY_RUN")
	v.BindEnv("server.port", "ARTGUARD_PORT")
	v.BindEnv("server.api_token", "ARTGUARD_API_TOKEN")

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// EngineOptions 转换为引擎参数
func (c *EngineConfig) EngineOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.Anchors = c.Anchors
	opts.Deadline = c.Deadline

	if len(c.RuntimeModules) > 0 {
		opts.Locator.RuntimeModules = c.RuntimeModules
	}
	if len(c.BridgeNames) > 0 {
		opts.Locator.BridgeNames = c.BridgeNames
	}
	opts.Locator.PointerSize = c.PointerSize
	opts.Locator.ScanReflectedClasses = c.ScanReflectedClasses

	opts.Rules = c.Classifier
	if len(opts.Rules.RuntimeModules) == 0 {
		opts.Rules.RuntimeModules = opts.Locator.RuntimeModules
	}
	opts.Fingerprint = c.Fingerprint
	opts.Neutralizer = neutralizer.Options{
		DryRun:      c.DryRun,
		RestoreText: c.RestoreRuntimeText,
		HookStub:    c.Anchors.HookStub,
	}
	return opts
}
