package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Settings holds every runtime knob of the engine. Values come from the
// environment; only endpoints and credentials are required, everything else
// has a production default.
type Settings struct {
	// Inbound stream
	Source          string // "gateway" or "mock"
	GatewayEndpoint string
	GatewayToken    string
	ProgramsFile    string

	// Redis
	RedisURL       string
	StreamKey      string
	ConsumerGroup  string
	StreamMaxLen   int64
	DedupTTL       time.Duration
	ConsumerCount  int
	BatchSize      int64
	BlockTimeout   time.Duration
	ClaimMinIdle   time.Duration
	BatchedConsume bool

	// Postgres
	DatabaseURL string

	// Counters
	WindowShort       time.Duration // 5m window
	WindowLong        time.Duration // 1h window
	BucketShort       time.Duration
	BucketLong        time.Duration
	NewWalletHorizon  time.Duration
	MinConfidence     float64

	// Detection
	TriggersFile string
	HotTTL       time.Duration
	MinMcapSol   float64

	// Journals
	DataDir           string
	DeltaLogRotate    time.Duration
	DeltaLogRetention time.Duration

	// Enrichment
	RPCEndpoint   string
	RPCAPIKey     string
	MetaEndpoint  string
	DailyCredits  int64
	MaxFundingHop int

	// Alerting
	DiscordWebhookURL string
	TelegramBotToken  string
	TelegramChatID    string
	AlertsPerMinute   int

	// Backpressure
	LagDegraded    time.Duration
	LagCritical    time.Duration
	StreamDegraded int64
	StreamCritical int64

	// API
	Port string
}

// Load builds Settings from the environment. Missing required variables are
// fatal; everything else falls back to defaults that match production.
func Load() *Settings {
	return &Settings{
		Source:          getEnvOrDefault("SOURCE", "gateway"),
		GatewayEndpoint: os.Getenv("GATEWAY_ENDPOINT"),
		GatewayToken:    os.Getenv("GATEWAY_TOKEN"),
		ProgramsFile:    getEnvOrDefault("PROGRAMS_FILE", "config/programs.yaml"),

		RedisURL:       getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		StreamKey:      getEnvOrDefault("STREAM_KEY", "stream:tx"),
		ConsumerGroup:  getEnvOrDefault("CONSUMER_GROUP", "parsers"),
		StreamMaxLen:   envInt64("STREAM_MAXLEN", 100000),
		DedupTTL:       envSeconds("DEDUP_TTL_SECONDS", 600),
		ConsumerCount:  envInt("CONSUMER_COUNT", 4),
		BatchSize:      envInt64("BATCH_SIZE", 100),
		BlockTimeout:   envMillis("BLOCK_TIMEOUT_MS", 1000),
		ClaimMinIdle:   envMillis("CLAIM_MIN_IDLE_MS", 30000),
		BatchedConsume: envBool("BATCHED_CONSUME", true),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		WindowShort:      5 * time.Minute,
		WindowLong:       time.Hour,
		BucketShort:      envSeconds("BUCKET_SHORT_SECONDS", 60),
		BucketLong:       envSeconds("BUCKET_LONG_SECONDS", 300),
		NewWalletHorizon: envSeconds("NEW_WALLET_HORIZON_SECONDS", 7*24*3600),
		MinConfidence:    envFloat("MIN_CONFIDENCE", 0.7),

		TriggersFile: getEnvOrDefault("TRIGGERS_FILE", "config/thresholds.yaml"),
		HotTTL:       envSeconds("HOT_TTL_SECONDS", 3600),
		MinMcapSol:   envFloat("MIN_MCAP_SOL", 500),

		DataDir:           getEnvOrDefault("DATA_DIR", "data"),
		DeltaLogRotate:    envSeconds("DELTA_LOG_ROTATE_SECONDS", 300),
		DeltaLogRetention: envSeconds("DELTA_LOG_RETENTION_SECONDS", 3600),

		RPCEndpoint:   getEnvOrDefault("RPC_ENDPOINT", "https://mainnet.helius-rpc.com"),
		RPCAPIKey:     os.Getenv("RPC_API_KEY"),
		MetaEndpoint:  os.Getenv("META_ENDPOINT"),
		DailyCredits:  envInt64("DAILY_CREDITS", 300000),
		MaxFundingHop: envInt("MAX_FUNDING_HOPS", 2),

		DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),
		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:    os.Getenv("TELEGRAM_CHAT_ID"),
		AlertsPerMinute:   envInt("ALERTS_PER_MINUTE", 10),

		LagDegraded:    envSeconds("LAG_DEGRADED_SECONDS", 5),
		LagCritical:    envSeconds("LAG_CRITICAL_SECONDS", 30),
		StreamDegraded: envInt64("STREAM_DEGRADED_LEN", 50000),
		StreamCritical: envInt64("STREAM_CRITICAL_LEN", 80000),

		Port: getEnvOrDefault("PORT", "5340"),
	}
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		log.Printf("[Config] Invalid %s=%q, using %d", key, val, fallback)
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
		log.Printf("[Config] Invalid %s=%q, using %d", key, val, fallback)
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
		log.Printf("[Config] Invalid %s=%q, using %g", key, val, fallback)
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func envSeconds(key string, fallback int64) time.Duration {
	return time.Duration(envInt64(key, fallback)) * time.Second
}

func envMillis(key string, fallback int64) time.Duration {
	return time.Duration(envInt64(key, fallback)) * time.Millisecond
}
