// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultVoiceID is the platform-wide voice used when an organization's
// primary voice is not ready and no fallback is configured.
const DefaultVoiceID = "default-voice"

// Config holds all application configuration.
type Config struct {
	Port          string
	AllowedOrigin string

	RedisURL      string
	RedisPassword string
	RedisDB       int

	STTServiceURL       string
	TTSServiceURL       string
	LLMServiceURL       string
	VoiceServiceURL     string
	AgentServiceURL     string
	KnowledgeServiceURL string
	LeadsServiceURL     string
	BillingServiceURL   string

	ServiceAPIKey string
	JWTSecret     string

	ServiceTimeout    time.Duration
	HeartbeatInterval time.Duration
	MonitorInterval   time.Duration
	SessionTTL        time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "*"),

		RedisURL:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		STTServiceURL:       getEnv("STT_SERVICE_URL", "http://stt-service:8001"),
		TTSServiceURL:       getEnv("TTS_SERVICE_URL", "http://tts-service:8003"),
		LLMServiceURL:       getEnv("LLM_SERVICE_URL", "http://llm-service:8002"),
		VoiceServiceURL:     getEnv("VOICE_SERVICE_URL", "http://voice-service:8004"),
		AgentServiceURL:     getEnv("AGENT_SERVICE_URL", "http://agent-service:8005"),
		KnowledgeServiceURL: getEnv("KNOWLEDGE_SERVICE_URL", "http://knowledge-service:8006"),
		LeadsServiceURL:     getEnv("LEADS_SERVICE_URL", "http://leads-service:8007"),
		BillingServiceURL:   getEnv("BILLING_SERVICE_URL", "http://billing-service:8008"),

		ServiceAPIKey: getEnv("SERVICE_API_KEY", "default-secret-key"),
		JWTSecret:     getEnv("JWT_SECRET", "default-jwt-secret"),

		ServiceTimeout:    getEnvDuration("SERVICE_TIMEOUT", 30*time.Second),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		MonitorInterval:   getEnvDuration("MONITOR_INTERVAL", 5*time.Second),
		SessionTTL:        getEnvDuration("SESSION_TTL", 7200*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_ADDR cannot be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if c.ServiceTimeout <= 0 {
		return fmt.Errorf("SERVICE_TIMEOUT must be > 0")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("MONITOR_INTERVAL must be > 0")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	for name, url := range c.ServiceURLs() {
		if url == "" {
			return fmt.Errorf("service URL for %q cannot be empty", name)
		}
	}
	return nil
}

// ServiceURLs maps collaborator service names to their base addresses.
func (c *Config) ServiceURLs() map[string]string {
	return map[string]string{
		"stt":       c.STTServiceURL,
		"tts":       c.TTSServiceURL,
		"llm":       c.LLMServiceURL,
		"voice":     c.VoiceServiceURL,
		"agent":     c.AgentServiceURL,
		"knowledge": c.KnowledgeServiceURL,
		"leads":     c.LeadsServiceURL,
		"billing":   c.BillingServiceURL,
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration reads a duration either as a bare number of seconds
// (matching how deployments configure the platform) or as a Go
// duration string.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return fallback
}
