// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Tenancy   TenancyConfig   `mapstructure:"tenancy"`
	Log       LogConfig       `mapstructure:"log"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Search    SearchConfig    `mapstructure:"search"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig 所有租户共用同一个 DSN，租户之间通过 search_path 隔离。
type PostgresConfig struct {
	DSN              string        `mapstructure:"dsn"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	QueryTimeout     time.Duration `mapstructure:"query_timeout"`
	LogSQL           bool          `mapstructure:"log_sql"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TenancyConfig 子域名到 schema 的映射。
type TenancyConfig struct {
	Subdomains    map[string]string `mapstructure:"subdomains"`
	DefaultSchema string            `mapstructure:"default_schema"`
	Production    bool              `mapstructure:"production"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时文件处理在进程内异步执行。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// Enabled 报告是否配置了 Kafka。
func (k KafkaConfig) Enabled() bool {
	return strings.TrimSpace(k.Brokers) != "" && k.Topic != ""
}

// MinIOConfig 存储 MinIO 对象存储的配置。每个租户 schema 对应一个存储桶。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketPrefix    string `mapstructure:"bucket_prefix"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey       string              `mapstructure:"api_key"`
	BaseURL      string              `mapstructure:"base_url"`
	Model        string              `mapstructure:"model"`
	SystemPrompt string              `mapstructure:"system_prompt"`
	HistoryTurns int                 `mapstructure:"history_turns"`
	ContextTurns int                 `mapstructure:"context_turns"`
	Generation   LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// IngestionConfig 控制文件切块与向量化并发度。
type IngestionConfig struct {
	ChunkSize     int           `mapstructure:"chunk_size"`
	ChunkOverlap  int           `mapstructure:"chunk_overlap"`
	Concurrency   int           `mapstructure:"concurrency"`
	UploadDir     string        `mapstructure:"upload_dir"`
	MaxUploadSize int64         `mapstructure:"max_upload_size"`
	ProcessingTTL time.Duration `mapstructure:"processing_ttl"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// SearchConfig 相似度检索参数。阈值是距离上限：distance >= threshold 的行会被过滤。
type SearchConfig struct {
	DistanceMetric string  `mapstructure:"distance_metric"`
	TurnThreshold  float64 `mapstructure:"turn_threshold"`
	FileThreshold  float64 `mapstructure:"file_threshold"`
	DefaultLimit   int     `mapstructure:"default_limit"`
}

// SetDefaults 写入默认值，配置文件中未出现的键使用这些值。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("database.postgres.max_open_conns", 20)
	v.SetDefault("database.postgres.max_idle_conns", 5)
	v.SetDefault("database.postgres.connect_timeout", 10*time.Second)
	v.SetDefault("database.postgres.idle_timeout", 30*time.Second)
	v.SetDefault("database.postgres.statement_timeout", 30*time.Second)
	v.SetDefault("database.postgres.query_timeout", 30*time.Second)

	v.SetDefault("tenancy.default_schema", "dev")
	v.SetDefault("tenancy.subdomains", map[string]string{
		"dev":                  "dev",
		"first-congregational": "first_congregational",
		"conflict-club":        "conflict_club",
		"bsa":                  "bsa",
	})

	v.SetDefault("kafka.group_id", "backstage-file-ingest")

	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.model", "text-embedding-ada-002")

	v.SetDefault("llm.history_turns", 20)
	v.SetDefault("llm.context_turns", 5)

	v.SetDefault("ingestion.chunk_size", 1000)
	v.SetDefault("ingestion.chunk_overlap", 100)
	v.SetDefault("ingestion.concurrency", 3)
	v.SetDefault("ingestion.upload_dir", "uploads")
	v.SetDefault("ingestion.max_upload_size", 50<<20)
	v.SetDefault("ingestion.processing_ttl", 30*time.Minute)
	v.SetDefault("ingestion.timeout", 20*time.Minute)

	v.SetDefault("search.distance_metric", "cosine")
	v.SetDefault("search.turn_threshold", 0.95)
	v.SetDefault("search.file_threshold", 0.3)
	v.SetDefault("search.default_limit", 10)
}

// Load 从指定路径读取 YAML 配置，环境变量 BACKSTAGE_* 覆盖文件中的值。
func Load(configPath string) (Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("BACKSTAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
