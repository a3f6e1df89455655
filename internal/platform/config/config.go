package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gg_jobs_agent/internal/common"

	"github.com/joho/godotenv"
)

const (
	BrokerMQTT  = "mqtt"
	BrokerRedis = "redis"

	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

type Config struct {
	ThingName          string
	TopicPrefix        string
	DebugTopic         string // Mirror of start-next requests, empty disables
	StepTimeoutMinutes int

	Broker           string
	MQTTBrokerURL    string
	MQTTClientID     string
	MQTTUniqueID     bool
	MQTTQoS          int
	MQTTCAFile       string
	MQTTCertFile     string
	MQTTKeyFile      string
	MQTTCleanSession bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JobLockBackend    string
	JobLockKey        string
	JobLockTTLSeconds int

	APIPort string // Empty disables the status API
	JWTKey  []byte
	JWTExp  time.Duration

	LogLevel  string
	LogFormat string
}

var AppConfig *Config

// Load reads the environment (and an optional .env file) into AppConfig.
// A missing THING_NAME is the only fatal condition; every topic is built from it.
func Load() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		ThingName:          strings.TrimSpace(getEnv("THING_NAME", "")),
		TopicPrefix:        strings.TrimSuffix(getEnv("TOPIC_PREFIX", "$aws/things"), "/"),
		DebugTopic:         getEnv("DEBUG_TOPIC", "test/jobs/start-next"),
		StepTimeoutMinutes: getEnvAsInt("STEP_TIMEOUT_MINUTES", 5),

		Broker:           strings.ToLower(getEnv("BROKER", BrokerMQTT)),
		MQTTBrokerURL:    getEnv("MQTT_BROKER_URL", "tcp://localhost:1883"),
		MQTTClientID:     getEnv("MQTT_CLIENT_ID", ""),
		MQTTUniqueID:     getEnvAsBool("MQTT_UNIQUE_CLIENT_ID", false),
		MQTTQoS:          getEnvAsInt("MQTT_QOS", 1),
		MQTTCAFile:       getEnv("MQTT_CA_FILE", ""),
		MQTTCertFile:     getEnv("MQTT_CERT_FILE", ""),
		MQTTKeyFile:      getEnv("MQTT_KEY_FILE", ""),
		MQTTCleanSession: getEnvAsBool("MQTT_CLEAN_SESSION", false),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		JobLockBackend:    strings.ToLower(getEnv("JOB_LOCK_BACKEND", LockBackendMemory)),
		JobLockKey:        getEnv("JOB_LOCK_KEY", ""),
		JobLockTTLSeconds: getEnvAsInt("JOB_LOCK_TTL_SECONDS", 300),

		APIPort: getEnv("API_PORT", "8080"),
		JWTKey:  []byte(getEnv("JWT_SECRET", "")),
		JWTExp:  time.Duration(getEnvAsInt("JWT_EXPIRATION_HOURS", 72)) * time.Hour,

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if cfg.ThingName == "" {
		return fmt.Errorf("THING_NAME must be set: %w", common.ErrConfig)
	}
	switch cfg.Broker {
	case BrokerMQTT, BrokerRedis:
	default:
		return fmt.Errorf("unsupported BROKER %q: %w", cfg.Broker, common.ErrConfig)
	}
	switch cfg.JobLockBackend {
	case LockBackendMemory, LockBackendRedis:
	default:
		return fmt.Errorf("unsupported JOB_LOCK_BACKEND %q: %w", cfg.JobLockBackend, common.ErrConfig)
	}
	if cfg.MQTTQoS < 0 || cfg.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d: %w", cfg.MQTTQoS, common.ErrConfig)
	}
	if cfg.StepTimeoutMinutes <= 0 {
		cfg.StepTimeoutMinutes = 5
	}
	if cfg.JobLockKey == "" {
		cfg.JobLockKey = "gg_jobs_agent:" + cfg.ThingName + ":job_lock"
	}

	AppConfig = cfg
	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Broker == BrokerRedis || c.JobLockBackend == LockBackendRedis
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}
