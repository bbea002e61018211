package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/ride-coupons/internal/domain/segment"
)

// Config holds the complete application configuration, loadable from
// environment variables (COUPONS_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (COUPONS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Reservation ReservationConfig
	Sweeper     SweeperConfig
	Segments    SegmentsConfig
	Ledger      LedgerConfig
	Rides       RidesConfig
	Redis       RedisConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// ReservationConfig controls reservation lifetime and contention handling.
type ReservationConfig struct {
	TTL         time.Duration `default:"30m" usage:"Lifetime of a reservation before it expires"`
	Attempts    int           `default:"3"   usage:"Reserve attempts on concurrency conflicts"`
	LockTimeout time.Duration `default:"2s"  usage:"Maximum wait for row locks" flag:"lock-timeout"`
}

// SweeperConfig controls the expiry sweeper.
type SweeperConfig struct {
	Interval time.Duration `default:"5m"  usage:"Interval between expiry sweeps"`
	Batch    int           `default:"100" usage:"Expired reservations handled per page"`
}

// SegmentsConfig selects how rider segments are evaluated.
type SegmentsConfig struct {
	Strategy string `default:"builtin" usage:"Segment strategy: builtin or expression"`
}

// LedgerConfig controls the hand-off of applied discounts to the wallet
// ledger. Without brokers events are only logged.
type LedgerConfig struct {
	Brokers  []string      `usage:"Kafka brokers for ledger events"`
	Topic    string        `default:"coupon.discounts" usage:"Ledger events topic"`
	Interval time.Duration `default:"1s"  usage:"Outbox poll interval"`
	Batch    int           `default:"100" usage:"Outbox events published per poll"`
}

// RidesConfig controls the ride lifecycle consumer. It is disabled when no
// brokers are configured.
type RidesConfig struct {
	Brokers []string `usage:"Kafka brokers for ride lifecycle events"`
	Topic   string   `default:"ride.lifecycle" usage:"Ride lifecycle topic"`
	GroupID string   `default:"ride-coupons" usage:"Consumer group id" flag:"rides-group-id"`
}

// RedisConfig locates the Redis used for leader election of background
// jobs. Without an address every replica runs them.
type RedisConfig struct {
	Addr     string        `usage:"Redis address (host:port)"`
	Password string        `usage:"Redis password"`
	DB       int           `default:"0" usage:"Redis database"`
	LeaseTTL time.Duration `default:"30s" usage:"Leader lease lifetime" flag:"redis-lease-ttl"`
}

// RateLimitConfig controls the per-rider sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "COUPONS",
		Files:     []string{"config.yaml", "/etc/coupons/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option values that defaults cannot fix.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set COUPONS_DATABASE_URL or DATABASE_URL")
	}
	if c.Reservation.TTL <= 0 {
		return errors.Errorf("reservation TTL must be positive, got %s", c.Reservation.TTL)
	}
	if c.Reservation.Attempts < 1 {
		return errors.Errorf("reservation attempts must be at least 1, got %d", c.Reservation.Attempts)
	}
	switch segment.Strategy(c.Segments.Strategy) {
	case segment.StrategyBuiltin, segment.StrategyExpression:
	default:
		return errors.Errorf("unknown segment strategy %q", c.Segments.Strategy)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's COUPONS_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
