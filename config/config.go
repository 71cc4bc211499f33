package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	TrackBox  TrackBoxConfig  `yaml:"trackbox"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	PositionsTopicName string `yaml:"positions_topic_name"`
}

func (k KafkaConfig) Enabled() bool { return k.Host != "" }

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Enabled() bool { return r.Host != "" }

func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

type LogConfig struct {
	Level string `yaml:"level"`
}

type TrackBoxConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	StorageBackend     string `yaml:"storage_backend"` // "postgres" | "memory"
	FanoutBackend      string `yaml:"fanout_backend"`  // "local" | "redis"
	FanoutRedisPrefix  string `yaml:"fanout_redis_prefix"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	// Часовой пояс, в котором устройства присылают date/time.
	ReportTimeZone string `yaml:"report_time_zone"`

	IngestTimeoutMs         int `yaml:"ingest_timeout_ms"`
	LiveCacheTTLSeconds     int `yaml:"live_cache_ttl_seconds"`
	ClaimRateLimitPerMinute int `yaml:"claim_rate_limit_per_minute"`
	ConnectionQueueSize     int `yaml:"connection_queue_size"`
	ConnectionSendTimeoutMs int `yaml:"connection_send_timeout_ms"`

	JWTSecret   string `yaml:"jwt_secret"`
	AdminAPIKey string `yaml:"admin_api_key"`
}

type SimulatorConfig struct {
	HTTPAddr        string   `yaml:"http_addr"`
	IngestBaseURL   string   `yaml:"ingest_base_url"`
	Transport       string   `yaml:"transport"` // "http" | "kafka"
	IntervalSeconds int      `yaml:"interval_seconds"`
	Concurrency     int      `yaml:"concurrency"`
	RatePerMinute   int      `yaml:"rate_per_minute"`
	Devices         []string `yaml:"devices"`
	OriginLatitude  float64  `yaml:"origin_latitude"`
	OriginLongitude float64  `yaml:"origin_longitude"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

func (t TrackBoxConfig) IngestTimeout() time.Duration {
	if t.IngestTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(t.IngestTimeoutMs) * time.Millisecond
}

// ReportLocation resolves report_time_zone; empty means UTC.
func (t TrackBoxConfig) ReportLocation() (*time.Location, error) {
	if t.ReportTimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(t.ReportTimeZone)
	if err != nil {
		return nil, fmt.Errorf("report_time_zone %q: %w", t.ReportTimeZone, err)
	}
	return loc, nil
}
