package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Logging
	LogLevel string

	// Paths
	SourcesFile        string
	OutputDir          string
	PromptTemplatePath string
	FeedPath           string

	// Ledger
	LedgerBackend string // "file" | "postgres" | "redis"
	LedgerPath    string
	DatabaseURL   string
	MigrationsDir string
	RedisURL      string

	// YouTube
	YouTubeAPIKey     string
	YouTubeMaxResults int

	// BibiGPT / Bilibili
	BibiGPTAPIKey         string
	BibiGPTBaseURL        string
	BibiGPTCallsPerMinute int
	BilibiliCallsPerMin   int
	BilibiliAPIBaseURL    string

	// Gemini AI
	GeminiAPIKey         string
	GeminiModel          string
	GeminiRequestsPerMin int
	MaxTranscriptChars   int

	// Feishu
	FeishuAppID          string
	FeishuAppSecret      string
	FeishuBaseID         string
	FeishuTableID        string
	FeishuBaseURL        string
	FeishuRequestsPerMin int

	// HTTP
	HTTPTimeout        time.Duration
	FeedCacheTTL       time.Duration
	FeedRequestsPerMin int

	// Artifact mirror
	ArtifactBucket string
	AWSRegion      string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:                  getEnvOrDefault("PORT", "8080"),
		Env:                   getEnvOrDefault("ENV", "development"),
		LogLevel:              getEnvOrDefault("LOG_LEVEL", "info"),
		SourcesFile:           getEnvOrDefault("SOURCES_FILE", "sources.yaml"),
		OutputDir:             getEnvOrDefault("OUTPUT_DIR", "output"),
		PromptTemplatePath:    getEnvOrDefault("PROMPT_TEMPLATE_PATH", "prompts/rewrite.txt"),
		FeedPath:              getEnvOrDefault("FEED_PATH", "output/feed.json"),
		LedgerBackend:         strings.ToLower(getEnvOrDefault("LEDGER_BACKEND", "file")),
		LedgerPath:            getEnvOrDefault("LEDGER_PATH", "output/.processed.json"),
		DatabaseURL:           getEnvOrDefault("DATABASE_URL", ""),
		MigrationsDir:         getEnvOrDefault("MIGRATIONS_DIR", "migrations"),
		RedisURL:              getEnvOrDefault("REDIS_URL", ""),
		YouTubeAPIKey:         getEnvOrDefault("YOUTUBE_API_KEY", ""),
		YouTubeMaxResults:     getEnvAsIntOrDefault("YOUTUBE_MAX_RESULTS", 20),
		BibiGPTAPIKey:         getEnvOrDefault("BIBIGPT_API_KEY", ""),
		BibiGPTBaseURL:        getEnvOrDefault("BIBIGPT_BASE_URL", "https://api.bibigpt.co/api/v1"),
		BibiGPTCallsPerMinute: getEnvAsIntOrDefault("BIBIGPT_CALLS_PER_MINUTE", 60),
		BilibiliCallsPerMin:   getEnvAsIntOrDefault("BILIBILI_CALLS_PER_MINUTE", 30),
		BilibiliAPIBaseURL:    getEnvOrDefault("BILIBILI_API_BASE_URL", "https://api.bilibili.com"),
		GeminiAPIKey:          getEnvOrDefault("GEMINI_API_KEY", ""),
		GeminiModel:           getEnvOrDefault("GEMINI_MODEL", "gemini-3-flash-preview"),
		GeminiRequestsPerMin:  getEnvAsIntOrDefault("GEMINI_REQUESTS_PER_MINUTE", 60),
		MaxTranscriptChars:    getEnvAsIntOrDefault("MAX_TRANSCRIPT_CHARS", 50000),
		FeishuAppID:           getEnvOrDefault("FEISHU_APP_ID", ""),
		FeishuAppSecret:       getEnvOrDefault("FEISHU_APP_SECRET", ""),
		FeishuBaseID:          getEnvOrDefault("FEISHU_BASE_ID", ""),
		FeishuTableID:         getEnvOrDefault("FEISHU_TABLE_ID", ""),
		FeishuBaseURL:         getEnvOrDefault("FEISHU_BASE_URL", "https://open.feishu.cn/open-apis"),
		FeishuRequestsPerMin:  getEnvAsIntOrDefault("FEISHU_REQUESTS_PER_MINUTE", 300),
		HTTPTimeout:           getEnvAsDurationOrDefault("HTTP_TIMEOUT", 30*time.Second),
		FeedCacheTTL:          getEnvAsDurationOrDefault("FEED_CACHE_TTL", 5*time.Minute),
		FeedRequestsPerMin:    getEnvAsIntOrDefault("FEED_REQUESTS_PER_MINUTE", 60),
		ArtifactBucket:        getEnvOrDefault("ARTIFACT_BUCKET", ""),
		AWSRegion:             getEnvOrDefault("AWS_REGION", ""),
	}

	return cfg
}

// StoreCredentials reports every missing Feishu setting.
func (c *Config) StoreCredentials() error {
	var missing []string
	for key, val := range map[string]string{
		"FEISHU_APP_ID":     c.FeishuAppID,
		"FEISHU_APP_SECRET": c.FeishuAppSecret,
		"FEISHU_BASE_ID":    c.FeishuBaseID,
		"FEISHU_TABLE_ID":   c.FeishuTableID,
	} {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
}

// LedgerSettings checks that the selected ledger backend has what it needs.
func (c *Config) LedgerSettings() error {
	switch c.LedgerBackend {
	case "file":
		if c.LedgerPath == "" {
			return fmt.Errorf("LEDGER_PATH is empty")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("LEDGER_BACKEND=postgres requires DATABASE_URL")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("LEDGER_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
