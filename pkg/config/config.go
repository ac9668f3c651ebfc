package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	SQLite   SQLiteConfig
	Redis    RedisConfig
	Queue    QueueConfig
	LLM      LLMConfig
	Gemini   GeminiConfig
	Milvus   MilvusConfig
	Neo4j    Neo4jConfig
	Telegram TelegramConfig
	Pipeline PipelineConfig
	Models   ModelsConfig
	Export   ExportConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	ReadTimeout        int
	WriteTimeout       int
	BodyLimit          int
	RateLimitPerMinute int
	MaxQuestionLength  int
	MaxAnswerLength    int
	MailboxTTL         time.Duration
	AllowedOrigins     []string
	Development        bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type QueueConfig struct {
	// Backend is "redis" or "memory".
	Backend      string
	StreamPrefix string
	Group        string
	Consumer     string
	PollInterval time.Duration
	// ClaimIdle must outlast one inference attempt plus its backoff, or an
	// entry still being worked on is reclaimed and answered twice.
	ClaimIdle time.Duration
	// MaxLen caps each stream at roughly this many entries.
	MaxLen int64
}

type LLMConfig struct {
	// Provider is "openai" or "gemini".
	Provider       string
	BaseURL        string
	Model          string
	APIKey         string
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
	EmbeddingTTL   time.Duration
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

type MilvusConfig struct {
	Enabled        bool
	Endpoint       string
	CollectionName string
	TopK           int
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type TelegramConfig struct {
	Enabled  bool
	BotToken string

	// AllowedChatID restricts answering to one group chat when non-zero.
	AllowedChatID int64
}

// PipelineConfig holds the tunables of the dispatch/inference/curation pipeline.
type PipelineConfig struct {
	IngestQuestionThreshold float64
	IngestAnswerThreshold   float64
	ExportAnswerThreshold   float64
	ExportQuestionThreshold float64
	WorkRetryLimit          int
	AnswerDeadline          time.Duration
	PriorityAnswerDeadline  time.Duration
	IngestWindow            int
	SweepInterval           time.Duration
	Workers                 int
	RetryInitialDelay       time.Duration
	RetryMaxDelay           time.Duration
	MaxTokens               int
	Temperature             float32
}

type ModelsConfig struct {
	Root        string
	PointerName string
}

type ExportConfig struct {
	Path      string
	BackupDir string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/qabridge")

	viper.SetEnvPrefix("QABRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	p := c.Pipeline
	for name, v := range map[string]float64{
		"pipeline.ingestQuestionThreshold": p.IngestQuestionThreshold,
		"pipeline.ingestAnswerThreshold":   p.IngestAnswerThreshold,
		"pipeline.exportAnswerThreshold":   p.ExportAnswerThreshold,
		"pipeline.exportQuestionThreshold": p.ExportQuestionThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %v", name, v)
		}
	}
	if p.WorkRetryLimit < 1 {
		return fmt.Errorf("pipeline.workRetryLimit must be at least 1")
	}
	if p.AnswerDeadline <= 0 {
		return fmt.Errorf("pipeline.answerDeadline must be positive")
	}
	if p.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1")
	}
	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	if c.Queue.MaxLen < 0 {
		return fmt.Errorf("queue.maxLen must not be negative")
	}
	if c.Queue.Backend == "redis" && c.Queue.ClaimIdle > 0 {
		attempt := time.Duration(c.LLM.TimeoutSec)*time.Second + p.RetryMaxDelay
		if c.Queue.ClaimIdle <= attempt {
			return fmt.Errorf("queue.claimIdle (%s) must exceed llm.timeoutSec plus pipeline.retryMaxDelay (%s)",
				c.Queue.ClaimIdle, attempt)
		}
	}
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 1048576)
	viper.SetDefault("server.rateLimitPerMinute", 30)
	viper.SetDefault("server.maxQuestionLength", 4000)
	viper.SetDefault("server.maxAnswerLength", 8000)
	viper.SetDefault("server.mailboxTTL", time.Hour)
	viper.SetDefault("server.allowedOrigins", []string{"*"})
	viper.SetDefault("server.development", false)

	viper.SetDefault("sqlite.path", "./data/qabridge.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("queue.backend", "redis")
	viper.SetDefault("queue.streamPrefix", "qabridge")
	viper.SetDefault("queue.group", "qabridge")
	viper.SetDefault("queue.consumer", "")
	viper.SetDefault("queue.pollInterval", 2*time.Second)
	viper.SetDefault("queue.claimIdle", 2*time.Minute)
	viper.SetDefault("queue.maxLen", 100000)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.baseURL", "http://localhost:8000/v1")
	viper.SetDefault("llm.model", "base")
	viper.SetDefault("llm.timeoutSec", 60)
	viper.SetDefault("llm.embeddingModel", "paraphrase-multilingual-MiniLM-L12-v2")
	viper.SetDefault("llm.embeddingDim", 384)
	viper.SetDefault("llm.embeddingTTL", 7*24*time.Hour)

	viper.SetDefault("gemini.model", "gemini-1.5-flash")

	viper.SetDefault("milvus.enabled", false)
	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "training_answers")
	viper.SetDefault("milvus.topK", 20)

	viper.SetDefault("neo4j.enabled", false)
	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("telegram.enabled", false)
	viper.SetDefault("telegram.allowedChatID", 0)

	viper.SetDefault("pipeline.ingestQuestionThreshold", 0.45)
	viper.SetDefault("pipeline.ingestAnswerThreshold", 0.85)
	viper.SetDefault("pipeline.exportAnswerThreshold", 0.94)
	viper.SetDefault("pipeline.exportQuestionThreshold", 0.98)
	viper.SetDefault("pipeline.workRetryLimit", 3)
	viper.SetDefault("pipeline.answerDeadline", 30*time.Second)
	viper.SetDefault("pipeline.priorityAnswerDeadline", 15*time.Second)
	viper.SetDefault("pipeline.ingestWindow", 500)
	viper.SetDefault("pipeline.sweepInterval", time.Second)
	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.retryInitialDelay", 500*time.Millisecond)
	viper.SetDefault("pipeline.retryMaxDelay", 10*time.Second)
	viper.SetDefault("pipeline.maxTokens", 200)
	viper.SetDefault("pipeline.temperature", 0.7)

	viper.SetDefault("models.root", "./models")
	viper.SetDefault("models.pointerName", "active-model")

	viper.SetDefault("export.path", "./data/qa_training.jsonl")
	viper.SetDefault("export.backupDir", "./data/backups")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
