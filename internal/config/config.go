package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config aggregates every setting of the gateway.
type Config struct {
	Env      string
	Server   ServerConfig
	Upstream UpstreamConfig
	Chat     ChatConfig
	NATS     NATSConfig
	Redis    RedisConfig
	Log      LogConfig
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	Heartbeat      time.Duration
}

// UpstreamConfig describes the remote conversation service.
type UpstreamConfig struct {
	BaseURL           string
	APIBase           string
	WSURL             string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// ChatConfig tunes the session core.
type ChatConfig struct {
	Transport      string
	DedupBucket    time.Duration
	OutboxLimit    int
	DeliveryBuffer int
	WatchBuffer    int
	JoinTimeout    time.Duration
	DialRetries    int
	ProfileTTL     time.Duration
}

// NATSConfig is used when Chat.Transport is "nats".
type NATSConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
}

// RedisConfig enables the shared room-id cache when URL is set.
type RedisConfig struct {
	URL       string
	KeyPrefix string
}

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level  string
	Format string
}

// fileConfig mirrors the optional YAML overlay. Environment variables
// always win over values read from the file.
type fileConfig struct {
	Env    string `yaml:"env"`
	Server struct {
		Addr           string   `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowedOrigins"`
		Heartbeat      string   `yaml:"heartbeat"`
	} `yaml:"server"`
	Upstream struct {
		BaseURL           string  `yaml:"baseUrl"`
		APIBase           string  `yaml:"apiBase"`
		WSURL             string  `yaml:"wsUrl"`
		Timeout           string  `yaml:"timeout"`
		RequestsPerSecond float64 `yaml:"requestsPerSecond"`
		Burst             int     `yaml:"burst"`
	} `yaml:"upstream"`
	Chat struct {
		Transport      string `yaml:"transport"`
		DedupBucket    string `yaml:"dedupBucket"`
		OutboxLimit    int    `yaml:"outboxLimit"`
		DeliveryBuffer int    `yaml:"deliveryBuffer"`
		WatchBuffer    int    `yaml:"watchBuffer"`
		JoinTimeout    string `yaml:"joinTimeout"`
		DialRetries    int    `yaml:"dialRetries"`
		ProfileTTL     string `yaml:"profileTtl"`
	} `yaml:"chat"`
	NATS struct {
		URL           string `yaml:"url"`
		Stream        string `yaml:"stream"`
		SubjectPrefix string `yaml:"subjectPrefix"`
	} `yaml:"nats"`
	Redis struct {
		URL       string `yaml:"url"`
		KeyPrefix string `yaml:"keyPrefix"`
	} `yaml:"redis"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads configuration from the optional CONFIG_FILE overlay and then
// from environment variables.
func Load() (*Config, error) {
	var file fileConfig
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	server, err := loadServerConfig(file)
	if err != nil {
		return nil, err
	}

	upstream, err := loadUpstreamConfig(file)
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig(file)
	if err != nil {
		return nil, err
	}

	env := getEnvOrDefault("ENV", orDefault(file.Env, "development"))
	logFormat := "json"
	if env == "development" {
		logFormat = "console"
	}

	cfg := &Config{
		Env:      env,
		Server:   server,
		Upstream: upstream,
		Chat:     chat,
		NATS: NATSConfig{
			URL:           getEnvOrDefault("NATS_URL", orDefault(file.NATS.URL, "nats://127.0.0.1:4222")),
			Stream:        getEnvOrDefault("NATS_STREAM", orDefault(file.NATS.Stream, "CHATROOMS")),
			SubjectPrefix: getEnvOrDefault("NATS_SUBJECT_PREFIX", orDefault(file.NATS.SubjectPrefix, "chatroom")),
		},
		Redis: RedisConfig{
			URL:       getEnvOrDefault("REDIS_URL", file.Redis.URL),
			KeyPrefix: getEnvOrDefault("REDIS_KEY_PREFIX", orDefault(file.Redis.KeyPrefix, "together:room:")),
		},
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", orDefault(file.Log.Level, "info")),
			Format: getEnvOrDefault("LOG_FORMAT", orDefault(file.Log.Format, logFormat)),
		},
	}

	if cfg.Chat.Transport != "stomp" && cfg.Chat.Transport != "nats" {
		return nil, fmt.Errorf("invalid CHAT_TRANSPORT value: %q", cfg.Chat.Transport)
	}

	return cfg, nil
}

// IsDevelopment reports whether the gateway runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// loadServerConfig parses the listen address and browser-facing options.
func loadServerConfig(file fileConfig) (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = orDefault(file.Server.Addr, "8080")
	}

	addr := port
	if !strings.Contains(port, ":") {
		if strings.Contains(port, " ") {
			return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
		}
		addr = ":" + port
	}

	heartbeat, err := parseDurationEnv("SSE_HEARTBEAT", orDefault(file.Server.Heartbeat, "15s"))
	if err != nil {
		return ServerConfig{}, err
	}

	origins := file.Server.AllowedOrigins
	if raw := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); raw != "" {
		origins = nil
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	return ServerConfig{
		Addr:           addr,
		AllowedOrigins: origins,
		Heartbeat:      heartbeat,
	}, nil
}

func loadUpstreamConfig(file fileConfig) (UpstreamConfig, error) {
	timeout, err := parseDurationEnv("UPSTREAM_TIMEOUT", orDefault(file.Upstream.Timeout, "15s"))
	if err != nil {
		return UpstreamConfig{}, err
	}

	rps := 20.0
	if file.Upstream.RequestsPerSecond > 0 {
		rps = file.Upstream.RequestsPerSecond
	}
	if override, err := parseOptionalFloatEnv("UPSTREAM_RPS"); err != nil {
		return UpstreamConfig{}, err
	} else if override != nil {
		rps = *override
	}

	burst, err := parseIntEnv("UPSTREAM_BURST", orDefaultInt(file.Upstream.Burst, 10))
	if err != nil {
		return UpstreamConfig{}, err
	}

	return UpstreamConfig{
		BaseURL:           strings.TrimRight(getEnvOrDefault("UPSTREAM_BASE_URL", orDefault(file.Upstream.BaseURL, "http://localhost:8080")), "/"),
		APIBase:           getEnvOrDefault("UPSTREAM_API_BASE", orDefault(file.Upstream.APIBase, "/api/v1")),
		WSURL:             getEnvOrDefault("UPSTREAM_WS_URL", orDefault(file.Upstream.WSURL, "ws://localhost:8080/websocket")),
		Token:             strings.TrimSpace(os.Getenv("UPSTREAM_TOKEN")),
		Timeout:           timeout,
		RequestsPerSecond: rps,
		Burst:             burst,
	}, nil
}

func loadChatConfig(file fileConfig) (ChatConfig, error) {
	bucket, err := parseDurationEnv("CHAT_DEDUP_BUCKET", orDefault(file.Chat.DedupBucket, "5s"))
	if err != nil {
		return ChatConfig{}, err
	}
	if bucket <= 0 {
		return ChatConfig{}, fmt.Errorf("CHAT_DEDUP_BUCKET must be positive, got %s", bucket)
	}

	joinTimeout, err := parseDurationEnv("CHAT_JOIN_TIMEOUT", orDefault(file.Chat.JoinTimeout, "10s"))
	if err != nil {
		return ChatConfig{}, err
	}

	profileTTL, err := parseDurationEnv("CHAT_PROFILE_TTL", orDefault(file.Chat.ProfileTTL, "5m"))
	if err != nil {
		return ChatConfig{}, err
	}

	outboxLimit, err := parseIntEnv("CHAT_OUTBOX_LIMIT", orDefaultInt(file.Chat.OutboxLimit, 256))
	if err != nil {
		return ChatConfig{}, err
	}

	deliveryBuffer, err := parseIntEnv("CHAT_DELIVERY_BUFFER", orDefaultInt(file.Chat.DeliveryBuffer, 64))
	if err != nil {
		return ChatConfig{}, err
	}

	watchBuffer, err := parseIntEnv("CHAT_WATCH_BUFFER", orDefaultInt(file.Chat.WatchBuffer, 32))
	if err != nil {
		return ChatConfig{}, err
	}

	dialRetries, err := parseIntEnv("CHAT_DIAL_RETRIES", orDefaultInt(file.Chat.DialRetries, 3))
	if err != nil {
		return ChatConfig{}, err
	}
	if dialRetries < 1 {
		dialRetries = 1
	}

	return ChatConfig{
		Transport:      strings.ToLower(getEnvOrDefault("CHAT_TRANSPORT", orDefault(file.Chat.Transport, "stomp"))),
		DedupBucket:    bucket,
		OutboxLimit:    outboxLimit,
		DeliveryBuffer: deliveryBuffer,
		WatchBuffer:    watchBuffer,
		JoinTimeout:    joinTimeout,
		DialRetries:    dialRetries,
		ProfileTTL:     profileTTL,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func orDefaultInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func parseDurationEnv(key, defaultValue string) (time.Duration, error) {
	raw := getEnvOrDefault(key, defaultValue)
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return &val, nil
}
