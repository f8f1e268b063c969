package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Redis struct {
	Addr     string // e.g. redis:6379
	Password string
	DB       int
}

type NSQ struct {
	NsqdTCPAddr string // e.g. nsqd:4150
	DLQTopic    string // Dead letter topic for failed tasks
	PublishDLQ  bool   // Whether failed tasks are published to DLQTopic
}

type Dispatcher struct {
	BatchSize      int           // Tasks claimed per poll
	PollInterval   time.Duration // Sleep between polls
	MaxRetries     int           // Default max_retries for new tasks
	StaleAfter     time.Duration // processing rows older than this are recovered
	SweepSchedule  string        // cron spec for the stale-task sweep
	HTTPPort       string        // Metrics/health port
	HeartbeatTTL   time.Duration // TTL of the dispatcher heartbeat key
	ShutdownWindow time.Duration // Grace period for in-flight work on shutdown
}

type Sequencer struct {
	PollInterval     time.Duration // Cycle interval
	JitterMin        time.Duration // Minimum pause between sends
	JitterMax        time.Duration // Maximum pause between sends
	CircuitThreshold int           // Consecutive failures before the breaker trips
	CircuitCooldown  time.Duration // How long a tripped breaker stays open
	MaxUnboundSteps  int           // Steps sent to prospects outside any campaign
	SmartTiming      bool          // Defer sends to the learned best hour
	HTTPPort         string        // Metrics/health port
	HeartbeatTTL     time.Duration // TTL of the sequencer heartbeat key
}

type Sender struct {
	FromAddress         string // From: header, e.g. "Dana <dana@mail.example.com>"
	SenderName          string // Used in templates
	PostalAddress       string // Physical address required in every cold email footer
	Domain              string // Sending domain used for warmup and reputation keys
	UnsubscribeURL      string // List-Unsubscribe target
	SMSFollowupTemplate string // Body for deferred SMS follow-ups
	EmailCostUSD        float64
	SMSCostUSD          float64
}

type AWS struct {
	Region string
}

type GenAI struct {
	APIKey             string
	Model              string
	InputPricePerMTok  float64 // USD per million prompt tokens
	OutputPricePerMTok float64 // USD per million output tokens
}

type Discovery struct {
	BaseURL string
	Timeout time.Duration
}

type Config struct {
	AppName     string
	Environment string
	HTTPPort    string // :8080 (producer API)
	DB          DB
	Redis       Redis
	NSQ         NSQ
	Dispatcher  Dispatcher
	Sequencer   Sequencer
	Sender      Sender
	AWS         AWS
	GenAI       GenAI
	Discovery   Discovery
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

// port normalizes "8083" and ":8083" to ":8083"
func port(v string) string {
	if strings.HasPrefix(v, ":") {
		return v
	}
	return ":" + v
}

func FromEnv() Config {
	return Config{
		AppName:     getenv("APP_NAME", "outreach"),
		Environment: getenv("APP_ENV", "development"),
		HTTPPort:    port(getenv("HTTP_PORT", ":8080")),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "outreach"),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		NSQ: NSQ{
			NsqdTCPAddr: getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			DLQTopic:    getenv("NSQ_DLQ_TOPIC", "tasks_dlq"),
			PublishDLQ:  getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Dispatcher: Dispatcher{
			BatchSize:      getenvInt("DISPATCHER_BATCH_SIZE", 10),
			PollInterval:   getenvDuration("DISPATCHER_POLL_INTERVAL", 5*time.Second),
			MaxRetries:     getenvInt("TASK_MAX_RETRIES", 3),
			StaleAfter:     getenvDuration("TASK_STALE_AFTER", 15*time.Minute),
			SweepSchedule:  getenv("TASK_SWEEP_SCHEDULE", "@every 5m"),
			HTTPPort:       port(getenv("DISPATCHER_HTTP_PORT", "8083")),
			HeartbeatTTL:   getenvDuration("DISPATCHER_HEARTBEAT_TTL", 2*time.Minute),
			ShutdownWindow: getenvDuration("DISPATCHER_SHUTDOWN_WINDOW", 30*time.Second),
		},
		Sequencer: Sequencer{
			PollInterval:     getenvDuration("SEQUENCER_POLL_INTERVAL", 30*time.Minute),
			JitterMin:        getenvDuration("SEQUENCER_JITTER_MIN", 20*time.Second),
			JitterMax:        getenvDuration("SEQUENCER_JITTER_MAX", 90*time.Second),
			CircuitThreshold: getenvInt("SEQUENCER_CIRCUIT_THRESHOLD", 3),
			CircuitCooldown:  getenvDuration("SEQUENCER_CIRCUIT_COOLDOWN", 2*time.Hour),
			MaxUnboundSteps:  getenvInt("SEQUENCER_MAX_UNBOUND_STEPS", 3),
			SmartTiming:      getenvBool("SEQUENCER_SMART_TIMING", true),
			HTTPPort:         port(getenv("SEQUENCER_HTTP_PORT", "8084")),
			HeartbeatTTL:     getenvDuration("SEQUENCER_HEARTBEAT_TTL", 95*time.Minute),
		},
		Sender: Sender{
			FromAddress:         getenv("SENDER_FROM_ADDRESS", ""),
			SenderName:          getenv("SENDER_NAME", ""),
			PostalAddress:       getenv("SENDER_POSTAL_ADDRESS", ""),
			Domain:              getenv("SENDER_DOMAIN", ""),
			UnsubscribeURL:      getenv("SENDER_UNSUBSCRIBE_URL", ""),
			SMSFollowupTemplate: getenv("SMS_FOLLOWUP_TEMPLATE", "Hi {{first_name}}, {{sender_name}} here following up on my email to {{business_name}}. Worth a quick call? Reply STOP to opt out."),
			EmailCostUSD:        getenvFloat("EMAIL_COST_USD", 0.0001),
			SMSCostUSD:          getenvFloat("SMS_COST_USD", 0.00645),
		},
		AWS: AWS{
			Region: getenv("AWS_REGION", "us-east-2"),
		},
		GenAI: GenAI{
			APIKey:             getenv("GENAI_API_KEY", ""),
			Model:              getenv("GENAI_MODEL", "gemini-2.5-flash"),
			InputPricePerMTok:  getenvFloat("GENAI_INPUT_PRICE_PER_MTOK", 0.30),
			OutputPricePerMTok: getenvFloat("GENAI_OUTPUT_PRICE_PER_MTOK", 2.50),
		},
		Discovery: Discovery{
			BaseURL: getenv("DISCOVERY_BASE_URL", "http://discovery:8090"),
			Timeout: getenvDuration("DISCOVERY_TIMEOUT", 20*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// SenderDomain returns the configured sending domain, falling back to the
// domain part of the from-address.
func (c Config) SenderDomain() string {
	if c.Sender.Domain != "" {
		return c.Sender.Domain
	}
	from := strings.TrimSuffix(c.Sender.FromAddress, ">")
	if i := strings.LastIndex(from, "@"); i >= 0 {
		return strings.ToLower(from[i+1:])
	}
	return ""
}
