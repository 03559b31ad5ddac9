package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "AISCHOOL"

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Debug    bool           `mapstructure:"debug"`
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	TTS      TTSConfig      `mapstructure:"tts"`
	Render   RenderConfig   `mapstructure:"render"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AuthToken      string   `mapstructure:"auth_token"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
	MaxUploadMB    int      `mapstructure:"max_upload_mb"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s ServerConfig) MaxUploadBytes() int64 {
	return int64(s.MaxUploadMB) * 1024 * 1024
}

type StorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

type DatabaseConfig struct {
	// Driver is one of memory, sqlite or postgres.
	Driver     string `mapstructure:"driver"`
	URL        string `mapstructure:"url"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type QueueConfig struct {
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db"`
	Stream         string        `mapstructure:"stream"`
	Group          string        `mapstructure:"group"`
	Consumer       string        `mapstructure:"consumer"`
	ClaimIdle      time.Duration `mapstructure:"claim_idle"`
	LocalCapacity  int           `mapstructure:"local_capacity"`
	Batching       bool          `mapstructure:"batching"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchFlush     time.Duration `mapstructure:"batch_flush"`
	BatchMaxFlight int           `mapstructure:"batch_max_in_flight"`
}

type WorkerConfig struct {
	Count       int           `mapstructure:"count"`
	Fanout      int           `mapstructure:"fanout"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

type GeminiConfig struct {
	APIKey                string        `mapstructure:"api_key"`
	BaseURL               string        `mapstructure:"base_url"`
	ContentModel          string        `mapstructure:"content_model"`
	ImageModel            string        `mapstructure:"image_model"`
	MaxConcurrent         int           `mapstructure:"max_concurrent"`
	RequestsPerMinute     int           `mapstructure:"requests_per_minute"`
	MaxRetries            int           `mapstructure:"max_retries"`
	RetryBaseDelaySeconds float64       `mapstructure:"retry_base_delay"`
	Timeout               time.Duration `mapstructure:"timeout"`
}

func (g GeminiConfig) RetryBaseDelay() time.Duration {
	return time.Duration(g.RetryBaseDelaySeconds * float64(time.Second))
}

type TTSConfig struct {
	APIKey                string        `mapstructure:"api_key"`
	BaseURL               string        `mapstructure:"base_url"`
	LanguageCode          string        `mapstructure:"language_code"`
	Voice                 string        `mapstructure:"voice"`
	Gender                string        `mapstructure:"gender"`
	SpeakingRate          float64       `mapstructure:"speaking_rate"`
	MaxConcurrent         int           `mapstructure:"max_concurrent"`
	MaxRetries            int           `mapstructure:"max_retries"`
	RetryBaseDelaySeconds float64       `mapstructure:"retry_base_delay"`
	Timeout               time.Duration `mapstructure:"timeout"`
}

func (t TTSConfig) RetryBaseDelay() time.Duration {
	return time.Duration(t.RetryBaseDelaySeconds * float64(time.Second))
}

type RenderConfig struct {
	RemotionURL      string        `mapstructure:"remotion_url"`
	FPS              int           `mapstructure:"fps"`
	Width            int           `mapstructure:"width"`
	Height           int           `mapstructure:"height"`
	Timeout          time.Duration `mapstructure:"timeout"`
	TransitionBuffer float64       `mapstructure:"transition_buffer"`
}

type ExtractConfig struct {
	MinWords int `mapstructure:"min_words"`
	MaxWords int `mapstructure:"max_words"`
}

type NotifyConfig struct {
	AppriseURL string `mapstructure:"apprise_url"`
	Key        string `mapstructure:"key"`
	Tag        string `mapstructure:"tag"`
}

// legacyEnv maps config keys to the bare variable names older deployments export.
var legacyEnv = map[string]string{
	"gemini.api_key":          "GEMINI_API_KEY",
	"gemini.max_concurrent":   "GEMINI_MAX_CONCURRENT",
	"gemini.max_retries":      "GEMINI_MAX_RETRIES",
	"gemini.retry_base_delay": "GEMINI_RETRY_BASE_DELAY",
	"tts.api_key":             "GOOGLE_TTS_API_KEY",
	"render.remotion_url":     "REMOTION_SERVICE_URL",
	"database.url":            "DATABASE_URL",
	"queue.redis_addr":        "REDIS_ADDR",
	"queue.redis_password":    "REDIS_PASSWORD",
	"storage.base_path":       "STORAGE_BASE_PATH",
	"server.port":             "BACKEND_PORT",
	"server.host":             "BACKEND_HOST",
	"server.auth_token":       "API_AUTH_TOKEN",
	"debug":                   "DEBUG",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_rps", 20.0)
	v.SetDefault("server.rate_limit_burst", 40)
	v.SetDefault("server.max_upload_mb", 50)

	v.SetDefault("storage.base_path", "./storage")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlite_path", "./storage/ai_school.db")

	v.SetDefault("queue.redis_addr", "")
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.stream", "aischool_jobs")
	v.SetDefault("queue.group", "aischool_workers")
	v.SetDefault("queue.consumer", "")
	v.SetDefault("queue.claim_idle", "15m")
	v.SetDefault("queue.local_capacity", 1024)
	v.SetDefault("queue.batching", false)
	v.SetDefault("queue.batch_size", 32)
	v.SetDefault("queue.batch_flush", "25ms")
	v.SetDefault("queue.batch_max_in_flight", 4)

	v.SetDefault("worker.count", 1)
	v.SetDefault("worker.fanout", 4)
	v.SetDefault("worker.poll_timeout", "5s")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("gemini.content_model", "gemini-3-flash-preview")
	v.SetDefault("gemini.image_model", "gemini-2.5-flash-image")
	v.SetDefault("gemini.max_concurrent", 3)
	v.SetDefault("gemini.requests_per_minute", 60)
	v.SetDefault("gemini.max_retries", 3)
	v.SetDefault("gemini.retry_base_delay", 2.0)
	v.SetDefault("gemini.timeout", "120s")

	v.SetDefault("tts.api_key", "")
	v.SetDefault("tts.base_url", "https://texttospeech.googleapis.com/v1")
	v.SetDefault("tts.language_code", "en-US")
	v.SetDefault("tts.voice", "en-US-Journey-F")
	v.SetDefault("tts.gender", "FEMALE")
	v.SetDefault("tts.speaking_rate", 0.95)
	v.SetDefault("tts.max_concurrent", 4)
	v.SetDefault("tts.max_retries", 3)
	v.SetDefault("tts.retry_base_delay", 1.0)
	v.SetDefault("tts.timeout", "60s")

	v.SetDefault("render.remotion_url", "http://localhost:3000")
	v.SetDefault("render.fps", 30)
	v.SetDefault("render.width", 1920)
	v.SetDefault("render.height", 1080)
	v.SetDefault("render.timeout", "600s")
	v.SetDefault("render.transition_buffer", 0.5)

	v.SetDefault("extract.min_words", 100)
	v.SetDefault("extract.max_words", 50000)

	v.SetDefault("notify.apprise_url", "")
	v.SetDefault("notify.key", "")
	v.SetDefault("notify.tag", "")
}

// Load reads defaults, the optional YAML file at path and the environment, in
// increasing order of precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Database.URL != "" && cfg.Database.Driver == "sqlite" && isPostgresURL(cfg.Database.URL) {
		cfg.Database.Driver = "postgres"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the process cannot start with.
func (c Config) Validate() error {
	var problems []string
	switch c.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q must be memory, sqlite or postgres", c.Database.Driver))
	}
	if c.Database.Driver == "postgres" && strings.TrimSpace(c.Database.URL) == "" {
		problems = append(problems, "database.url is required for postgres")
	}
	if c.Worker.Count < 0 {
		problems = append(problems, "worker.count must not be negative")
	}
	if c.Worker.Fanout <= 0 {
		problems = append(problems, "worker.fanout must be positive")
	}
	if c.Gemini.MaxConcurrent <= 0 {
		problems = append(problems, "gemini.max_concurrent must be positive")
	}
	if c.Extract.MinWords <= 0 || c.Extract.MaxWords < c.Extract.MinWords {
		problems = append(problems, "extract word bounds are inconsistent")
	}
	if c.Server.MaxUploadMB <= 0 {
		problems = append(problems, "server.max_upload_mb must be positive")
	}
	if strings.TrimSpace(c.Storage.BasePath) == "" {
		problems = append(problems, "storage.base_path is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func isPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}
