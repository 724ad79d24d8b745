package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the signal pipeline.
type Config struct {
	Port string

	// Database
	DBPath string

	// Signal normalization
	ExtractorConfigPath string // optional YAML with field-extractor priority lists

	// Direction gate
	GateRefreshSeconds int
	GateLongMaxScore   float64 // sentiment below this => LONG_ONLY
	GateShortMinScore  float64 // sentiment above this => SHORT_ONLY
	MarketDataURL      string
	UseMockMarketData  bool

	// Scheduler
	SchedulerTickMs   int
	BatchCapacity     int
	ManagedShare      float64 // fraction of batch slots reserved for MANAGED tier
	QueueDepthLimit   int     // per-tier backpressure threshold
	MaxAttempts       int
	RetryBaseDelayMs  int
	SandboxDropOnBusy bool // drop sandbox enqueues under sustained backpressure instead of delaying

	// Execution
	ExecutionWorkers   int
	PerVenueWorkers    int
	DefaultStopLossPct float64 // e.g. 0.02 = 2% below entry for LONG
	DefaultTakeProfPct float64
	ManagedNotional    float64 // quote notional per order, MANAGED tier
	SandboxNotional    float64
	PaperVenue         bool // route all orders to the in-process paper venue
	VenueTestnet       bool

	// Commission settlement
	MonthlyRate    float64 // commission rate for subscription plans
	PrepaidRate    float64 // commission rate for pay-as-you-go plans
	AffiliateShare float64 // fraction of commission attributed to the affiliate

	// Tier classification
	ManagedMinFunding float64 // funding cutoff routing users to MANAGED

	// Auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/signalcore.db")
	}

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              dbPath,
		ExtractorConfigPath: getEnv("EXTRACTOR_CONFIG_PATH", ""),

		GateRefreshSeconds: getEnvInt("GATE_REFRESH_SECONDS", 180),
		GateLongMaxScore:   getEnvFloat("GATE_LONG_MAX_SCORE", 40),
		GateShortMinScore:  getEnvFloat("GATE_SHORT_MIN_SCORE", 60),
		MarketDataURL:      getEnv("MARKET_DATA_URL", ""),
		UseMockMarketData:  getEnv("USE_MOCK_MARKET_DATA", "true") == "true",

		SchedulerTickMs:   getEnvInt("SCHEDULER_TICK_MS", 500),
		BatchCapacity:     getEnvInt("BATCH_CAPACITY", 10),
		ManagedShare:      getEnvFloat("MANAGED_SHARE", 0.8),
		QueueDepthLimit:   getEnvInt("QUEUE_DEPTH_LIMIT", 1000),
		MaxAttempts:       getEnvInt("MAX_ATTEMPTS", 3),
		RetryBaseDelayMs:  getEnvInt("RETRY_BASE_DELAY_MS", 1000),
		SandboxDropOnBusy: getEnv("SANDBOX_DROP_ON_BUSY", "true") == "true",

		ExecutionWorkers:   getEnvInt("EXECUTION_WORKERS", 8),
		PerVenueWorkers:    getEnvInt("PER_VENUE_WORKERS", 4),
		DefaultStopLossPct: getEnvFloat("DEFAULT_STOP_LOSS_PCT", 0.02),
		DefaultTakeProfPct: getEnvFloat("DEFAULT_TAKE_PROFIT_PCT", 0.04),
		ManagedNotional:    getEnvFloat("MANAGED_ORDER_NOTIONAL", 1000),
		SandboxNotional:    getEnvFloat("SANDBOX_ORDER_NOTIONAL", 100),
		PaperVenue:         getEnv("PAPER_VENUE", "true") == "true",
		VenueTestnet:       getEnv("VENUE_TESTNET", "false") == "true",

		MonthlyRate:    getEnvFloat("COMMISSION_RATE_MONTHLY", 0.10),
		PrepaidRate:    getEnvFloat("COMMISSION_RATE_PREPAID", 0.20),
		AffiliateShare: getEnvFloat("AFFILIATE_SHARE", 0.20),

		ManagedMinFunding: getEnvFloat("MANAGED_MIN_FUNDING", 0),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
