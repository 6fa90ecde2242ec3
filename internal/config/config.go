package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/austindbirch/harbor_dispatch/internal/retry"
)

type DB struct {
	URL            string // DATABASE_URL; takes precedence over the discrete fields
	User           string
	Pass           string
	Host           string
	Port           string
	Name           string
	ConnectRetries uint // startup connect attempts
	MigrateOnBoot  bool // apply embedded migrations before serving
}

type NSQ struct {
	Enabled         bool   // consume triggers from NSQ
	NsqdTCPAddr     string // e.g. nsqd:4150
	NsqdHTTPAddr    string // e.g. nsqd:4151, polled for backlog depth
	LookupHTTPAddr  string // e.g. nsqlookupd:4161
	TriggerTopic    string // NSQ topic for delivery triggers
	DLQTopic        string // Dead letter topic
	DispatchChannel string // NSQ channel name for dispatchers
	MaxInFlight     int
	PublishDLQ      bool // Whether to publish failed deliveries to the DLQ topic
}

type Redis struct {
	URL         string        // redis://host:6379/0; empty disables the endpoint cache
	EndpointTTL time.Duration // how long a resolved endpoint stays cached
}

type Dispatch struct {
	HTTPTimeout          time.Duration // per-request timeout for outbound webhooks
	StoreTimeout         time.Duration // bound on each store round trip of an invocation
	UserAgent            string
	AllowInsecureTargets bool // skip the outbound URL policy (local development only)
}

type Sweep struct {
	Enabled         bool
	Schedule        string // cron expression or descriptor
	BatchSize       int
	Concurrency     int
	RatePerSecond   float64         // max dispatches started per second
	StaleAfter      time.Duration   // processing rows older than this are released
	BackoffSchedule []time.Duration // wait before each retry
	JitterPct       float64         // Backoff jitter percentage (0.0-1.0)
}

type Auth struct {
	InternalSecret   string // X-Internal-Secret shared with the scheduler
	JWTPublicKeyPath string // PEM RSA public key; empty disables bearer tokens
	JWTIssuer        string
	JWTAudience      string
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	GRPCPort     string // :50051
	DB           DB
	NSQ          NSQ
	Redis        Redis
	Dispatch     Dispatch
	Sweep        Sweep
	Auth         Auth
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "harbordispatch"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		GRPCPort: getenv("GRPC_PORT", ":50051"),
		DB: DB{
			URL:            getenv("DATABASE_URL", ""),
			User:           getenv("DB_USER", "postgres"),
			Pass:           getenv("DB_PASS", "postgres"),
			Host:           getenv("DB_HOST", "postgres"),
			Port:           getenv("DB_PORT", "5432"),
			Name:           getenv("DB_NAME", "harbordispatch"),
			ConnectRetries: uint(max(getenvInt("DB_CONNECT_RETRIES", 10), 1)),
			MigrateOnBoot:  getenvBool("DB_MIGRATE_ON_BOOT", false),
		},
		NSQ: NSQ{
			Enabled:         getenvBool("NSQ_ENABLED", false),
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:    getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", ""),
			TriggerTopic:    getenv("NSQ_TRIGGER_TOPIC", "deliveries"),
			DLQTopic:        getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			DispatchChannel: getenv("NSQ_DISPATCH_CHANNEL", "dispatchers"),
			MaxInFlight:     getenvInt("NSQ_MAX_IN_FLIGHT", 16),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Redis: Redis{
			URL:         getenv("REDIS_URL", ""),
			EndpointTTL: getenvDuration("REDIS_ENDPOINT_TTL", time.Minute),
		},
		Dispatch: Dispatch{
			HTTPTimeout:          getenvDuration("DISPATCH_HTTP_TIMEOUT", 10*time.Second),
			StoreTimeout:         getenvDuration("DISPATCH_STORE_TIMEOUT", 5*time.Second),
			UserAgent:            getenv("DISPATCH_USER_AGENT", "HarborDispatch-Webhook/1.0"),
			AllowInsecureTargets: getenvBool("DISPATCH_ALLOW_INSECURE_TARGETS", false),
		},
		Sweep: Sweep{
			Enabled:         getenvBool("SWEEP_ENABLED", true),
			Schedule:        getenv("SWEEP_SCHEDULE", "@every 15s"),
			BatchSize:       getenvInt("SWEEP_BATCH_SIZE", 100),
			Concurrency:     getenvInt("SWEEP_CONCURRENCY", 8),
			RatePerSecond:   getenvFloat("SWEEP_RATE_PER_SECOND", 50),
			StaleAfter:      getenvDuration("SWEEP_STALE_AFTER", 2*time.Minute),
			BackoffSchedule: retry.ParseBackoff(getenv("BACKOFF_SCHEDULE", "")),
			JitterPct:       getenvFloat("BACKOFF_JITTER_PCT", 0.25),
		},
		Auth: Auth{
			InternalSecret:   getenv("INTERNAL_SECRET", ""),
			JWTPublicKeyPath: getenv("JWT_PUBLIC_KEY_PATH", ""),
			JWTIssuer:        getenv("JWT_ISSUER", "harbordispatch"),
			JWTAudience:      getenv("JWT_AUDIENCE", "harbordispatch-dispatch"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// MinStaleAfter is the shortest SWEEP_STALE_AFTER that cannot release a live attempt. One
// invocation spends at most HTTPTimeout sending plus two store stages around it.
func (c Config) MinStaleAfter() time.Duration {
	return 2 * (c.Dispatch.HTTPTimeout + c.Dispatch.StoreTimeout)
}

// Validate rejects settings that would let two invocations send the same delivery.
func (c Config) Validate() error {
	if c.Sweep.Enabled && c.Sweep.StaleAfter > 0 && c.Sweep.StaleAfter < c.MinStaleAfter() {
		return fmt.Errorf("SWEEP_STALE_AFTER %s is shorter than %s (2 x (DISPATCH_HTTP_TIMEOUT + DISPATCH_STORE_TIMEOUT))",
			c.Sweep.StaleAfter, c.MinStaleAfter())
	}
	return nil
}

func (c Config) DSN() string {
	if c.DB.URL != "" {
		return c.DB.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
