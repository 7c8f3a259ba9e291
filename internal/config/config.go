package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Remote API
	APIBaseURL string
	WSBaseURL  string
	APIToken   string

	// Live feed
	FeedPush         string
	FeedMaxPoints    int
	FeedPollInterval time.Duration
	FeedPollWindow   time.Duration
	FeedPollTimeout  time.Duration

	// Redis push source
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Watchlist
	WatchlistResyncInterval time.Duration
	WatchlistQueueSize      int

	// Local API
	APIPort         int
	APIKey          string
	CORSAllowOrigin string

	// Archive
	ArchiveEnabled bool
	DBHost         string
	DBPort         int
	DBName         string
	DBUser         string
	DBPassword     string

	// Notifications
	WebhookURL string
	BotName    string

	// Logging
	LogLevel  string
	LogFormat string
}

// fileConfig is the optional YAML overlay named by CONFIG_FILE. Values set
// there replace the built-in defaults; environment variables still win.
type fileConfig struct {
	API struct {
		BaseURL   string `yaml:"base_url"`
		WSBaseURL string `yaml:"ws_base_url"`
		Port      int    `yaml:"port"`
		CORS      string `yaml:"cors_allow_origin"`
	} `yaml:"api"`
	Feed struct {
		Push         string `yaml:"push"`
		MaxPoints    int    `yaml:"max_points"`
		PollInterval string `yaml:"poll_interval"`
		PollWindow   string `yaml:"poll_window"`
		PollTimeout  string `yaml:"poll_timeout"`
	} `yaml:"feed"`
	Redis struct {
		Addr string `yaml:"addr"`
		DB   int    `yaml:"db"`
	} `yaml:"redis"`
	Watchlist struct {
		ResyncInterval string `yaml:"resync_interval"`
		QueueSize      int    `yaml:"queue_size"`
	} `yaml:"watchlist"`
	Archive struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"archive"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var fc fileConfig
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, &fc); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	cfg := &Config{
		// Remote API
		APIBaseURL: envStr("API_BASE_URL", or(fc.API.BaseURL, "http://localhost:8000")),
		WSBaseURL:  envStr("WS_BASE_URL", fc.API.WSBaseURL),
		APIToken:   envStr("API_TOKEN", ""),

		// Live feed
		FeedPush:         strings.ToLower(envStr("FEED_PUSH", or(fc.Feed.Push, "sse"))),
		FeedMaxPoints:    envInt("FEED_MAX_POINTS", or(fc.Feed.MaxPoints, 500)),
		FeedPollInterval: envDuration("FEED_POLL_INTERVAL", fileDuration(fc.Feed.PollInterval, 5*time.Second)),
		FeedPollWindow:   envDuration("FEED_POLL_WINDOW", fileDuration(fc.Feed.PollWindow, 24*time.Hour)),
		FeedPollTimeout:  envDuration("FEED_POLL_TIMEOUT", fileDuration(fc.Feed.PollTimeout, 10*time.Second)),

		// Redis
		RedisAddr:     envStr("REDIS_ADDR", or(fc.Redis.Addr, "localhost:6379")),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", fc.Redis.DB),

		// Watchlist
		WatchlistResyncInterval: envDuration("WATCHLIST_RESYNC_INTERVAL", fileDuration(fc.Watchlist.ResyncInterval, 5*time.Minute)),
		WatchlistQueueSize:      envInt("WATCHLIST_QUEUE_SIZE", or(fc.Watchlist.QueueSize, 64)),

		// Local API
		APIPort:         envInt("API_PORT", or(fc.API.Port, 3001)),
		APIKey:          envStr("API_KEY", ""),
		CORSAllowOrigin: envStr("CORS_ALLOW_ORIGIN", or(fc.API.CORS, "*")),

		// Archive
		ArchiveEnabled: envBool("ARCHIVE_ENABLED", fc.Archive.Enabled),
		DBHost:         envStr("DB_HOST", "localhost"),
		DBPort:         envInt("DB_PORT", 5432),
		DBName:         envStr("DB_NAME", "marketdash"),
		DBUser:         envStr("DB_USER", ""),
		DBPassword:     envStr("DB_PASSWORD", ""),

		// Notifications
		WebhookURL: envStr("WEBHOOK_URL", ""),
		BotName:    envStr("BOT_NAME", "marketdash"),

		// Logging
		LogLevel:  envStr("LOG_LEVEL", or(fc.Logging.Level, "info")),
		LogFormat: envStr("LOG_FORMAT", or(fc.Logging.Format, "json")),
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []string

	if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("API_BASE_URL %q is not an absolute URL", c.APIBaseURL))
	}
	switch c.FeedPush {
	case "sse", "ws", "redis", "none":
	default:
		errs = append(errs, fmt.Sprintf("FEED_PUSH must be one of sse, ws, redis, none (got %q)", c.FeedPush))
	}
	if c.FeedMaxPoints <= 0 {
		errs = append(errs, "FEED_MAX_POINTS must be positive")
	}
	if c.FeedPollInterval <= 0 {
		errs = append(errs, "FEED_POLL_INTERVAL must be positive")
	}
	if c.FeedPollWindow <= 0 {
		errs = append(errs, "FEED_POLL_WINDOW must be positive")
	}
	if c.ArchiveEnabled && c.DBUser == "" {
		errs = append(errs, "DB_USER is required when ARCHIVE_ENABLED is set")
	}
	if c.APIKey == "" {
		fmt.Println("[WARN] API_KEY not set, local API has no authentication")
	}
	if c.WebhookURL == "" {
		fmt.Println("[WARN] WEBHOOK_URL not set, degradation and rollback notices are disabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func (c *Config) Print() {
	fmt.Println("=== marketdash Configuration ===")
	fmt.Printf("API: %s\n", c.APIBaseURL)
	fmt.Printf("API token: %s\n", boolLabel(c.APIToken != "", "configured", "not set"))
	fmt.Println("--------------------------------------")
	fmt.Println("Live feed:")
	fmt.Printf("  Push transport: %s\n", c.FeedPush)
	if c.FeedPush == "redis" {
		fmt.Printf("  Redis: %s (db %d)\n", c.RedisAddr, c.RedisDB)
	}
	fmt.Printf("  Buffer: %d points\n", c.FeedMaxPoints)
	fmt.Printf("  Poll fallback: every %s over %s\n", c.FeedPollInterval, c.FeedPollWindow)
	fmt.Println("--------------------------------------")
	fmt.Println("Watchlist:")
	fmt.Printf("  Resync: every %s\n", c.WatchlistResyncInterval)
	fmt.Printf("  Queue size: %d\n", c.WatchlistQueueSize)
	fmt.Println("--------------------------------------")
	fmt.Printf("Local API port: %d\n", c.APIPort)
	fmt.Printf("Archive: %s\n", boolLabel(c.ArchiveEnabled, fmt.Sprintf("%s:%d/%s", c.DBHost, c.DBPort, c.DBName), "disabled"))
	fmt.Printf("Webhook: %s\n", boolLabel(c.WebhookURL != "", "configured", "disabled"))
	fmt.Println("======================================")
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// --- helpers ---

func loadYAML(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

// envDuration accepts Go durations ("5s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		return parseDuration(v, fallback)
	}
	return fallback
}

func fileDuration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	return parseDuration(v, fallback)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func or[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}

func boolLabel(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}
