package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var (
	globalConfig *Config
	once         sync.Once
)

type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Otp           OtpConfig
	RateLimit     RateLimitConfig
	Delivery      DeliveryConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	URL          string
	Username     string
	Password     string
	SubjectIndex string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
}

type BucketingConfig struct {
	SubjectBuckets int
	EventBuckets   int
}

// OtpConfig bounds the issuance coordinator: code shape, TTL window,
// lock and poll budgets for the non-blocking issue protocol.
type OtpConfig struct {
	CodeLength     int
	DefaultTTL     time.Duration
	MinTTL         time.Duration
	MaxTTL         time.Duration
	MaxAttempts    int
	LockTTL        time.Duration
	PollAttempts   int
	PollInterval   time.Duration
	ResendCooldown time.Duration
	// Legacy phone shapes kept purely for subject lookup. Shrinkable:
	// removing an entry only narrows how old records are found.
	LegacyLookupShapes []string
	CarrierPrefixes    []string
}

type RateLimitConfig struct {
	Budget        time.Duration
	Window        time.Duration
	DefaultLimit  int
	CheckoutLimit int
}

type DeliveryConfig struct {
	Timeout     time.Duration
	Brand       string
	EmailURL    string
	EmailKey    string
	SMSURL      string
	SMSKey      string
	WhatsAppURL string
	WhatsAppKey string
}

// LoadConfig reads configuration from environment variables. A local
// .env file is honored in non-production environments.
func LoadConfig() *Config {
	once.Do(func() {
		env := getEnv("APP_ENV", "development")
		if env != "production" {
			_ = godotenv.Load()
			env = getEnv("APP_ENV", env)
		}

		globalConfig = &Config{
			Environment: env,
			Server: ServerConfig{
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				Domain:       getEnv("SERVER_DOMAIN", "localhost"),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/cache/otp-service/autocert"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "otp_service"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:    getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
				AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "otp-audit-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Database: getEnv("CLICKHOUSE_DATABASE", "otp_audit"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:          getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username:     getEnv("ELASTICSEARCH_USERNAME", ""),
				Password:     getEnv("ELASTICSEARCH_PASSWORD", ""),
				SubjectIndex: getEnv("ELASTICSEARCH_SUBJECT_INDEX", "subject-identifiers"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "ap-southeast-1"),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 65536),
				Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 1),
				Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 4),
				PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 30),
			},
			Bucketing: BucketingConfig{
				SubjectBuckets: getEnvInt("SUBJECT_BUCKETS", 256),
				EventBuckets:   getEnvInt("EVENT_BUCKETS", 64),
			},
			Otp: OtpConfig{
				CodeLength:         getEnvInt("OTP_CODE_LENGTH", 6),
				DefaultTTL:         getEnvDuration("OTP_DEFAULT_TTL", 180*time.Second),
				MinTTL:             getEnvDuration("OTP_MIN_TTL", 60*time.Second),
				MaxTTL:             getEnvDuration("OTP_MAX_TTL", 900*time.Second),
				MaxAttempts:        getEnvInt("OTP_MAX_ATTEMPTS", 5),
				LockTTL:            getEnvDuration("OTP_LOCK_TTL", 5*time.Second),
				PollAttempts:       getEnvInt("OTP_POLL_ATTEMPTS", 5),
				PollInterval:       getEnvDuration("OTP_POLL_INTERVAL", 60*time.Millisecond),
				ResendCooldown:     getEnvDuration("OTP_RESEND_COOLDOWN", 60*time.Second),
				LegacyLookupShapes: getEnvList("OTP_LEGACY_LOOKUP_SHAPES", []string{"canonical", "local", "plus", "bare"}),
				CarrierPrefixes:    getEnvList("OTP_CARRIER_PREFIXES", []string{"013", "014", "015", "016", "017", "018", "019"}),
			},
			RateLimit: RateLimitConfig{
				Budget:        getEnvDuration("RATE_LIMIT_BUDGET", 150*time.Millisecond),
				Window:        getEnvDuration("RATE_LIMIT_WINDOW", 10*time.Minute),
				DefaultLimit:  getEnvInt("RATE_LIMIT_DEFAULT", 5),
				CheckoutLimit: getEnvInt("RATE_LIMIT_CHECKOUT", 20),
			},
			Delivery: DeliveryConfig{
				Timeout:     getEnvDuration("DELIVERY_TIMEOUT", 8*time.Second),
				Brand:       getEnv("DELIVERY_BRAND", "Storefront"),
				EmailURL:    getEnv("DELIVERY_EMAIL_URL", ""),
				EmailKey:    getEnv("DELIVERY_EMAIL_KEY", ""),
				SMSURL:      getEnv("DELIVERY_SMS_URL", ""),
				SMSKey:      getEnv("DELIVERY_SMS_KEY", ""),
				WhatsAppURL: getEnv("DELIVERY_WHATSAPP_URL", ""),
				WhatsAppKey: getEnv("DELIVERY_WHATSAPP_KEY", ""),
			},
		}
	})

	return globalConfig
}

// Get returns the loaded global config, loading defaults if needed.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
